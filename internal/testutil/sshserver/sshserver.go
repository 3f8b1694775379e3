// Package sshserver provides an in-process SSH server for integration
// testing. It supports password authentication and exec channels, running
// requested commands locally so tests can exercise transport behaviour
// without a system sshd.
package sshserver

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"os/exec"
	"sync"
	"testing"

	"golang.org/x/crypto/ssh"
)

// Server is an in-process SSH server for testing.
type Server struct {
	t    testing.TB
	opts Options

	config   *ssh.ServerConfig
	listener net.Listener
	wg       sync.WaitGroup
	done     chan struct{}
}

// Options configures the test SSH server.
type Options struct {
	Username string // required
	Password string // required; password auth is the only method offered
}

// New creates a test SSH server listening on a random localhost port.
func New(t testing.TB, opts Options) *Server {
	t.Helper()
	if opts.Username == "" || opts.Password == "" {
		t.Fatal("sshserver: Username and Password are required")
	}

	s := &Server{t: t, opts: opts, done: make(chan struct{})}

	s.config = &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if conn.User() == opts.Username && string(password) == opts.Password {
				return nil, nil
			}
			return nil, fmt.Errorf("authentication failed for user %q", conn.User())
		},
	}
	s.config.AddHostKey(generateHostKey(t))

	var err error
	s.listener, err = net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("sshserver: failed to listen: %v", err)
	}

	s.wg.Add(1)
	go s.acceptLoop()
	return s
}

// Stop closes the listener and waits for all connections to finish.
func (s *Server) Stop() {
	close(s.done)
	s.listener.Close()
	s.wg.Wait()
}

// Addr returns the server address as "127.0.0.1:<port>".
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		// Auth failures are expected in negative tests.
		s.t.Logf("sshserver: handshake failed: %v", err)
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		s.wg.Add(1)
		go s.handleSession(newChan)
	}
}

// handleSession accepts exec requests and runs the command locally through
// the shell, wiring the channel to its stdio.
func (s *Server) handleSession(newChan ssh.NewChannel) {
	defer s.wg.Done()

	ch, reqs, err := newChan.Accept()
	if err != nil {
		s.t.Logf("sshserver: failed to accept session: %v", err)
		return
	}
	defer ch.Close()

	for req := range reqs {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			s.runCommand(ch, payload.Command)
			return
		case "env", "pty-req":
			req.Reply(true, nil)
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func (s *Server) runCommand(ch ssh.Channel, command string) {
	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Stdout = ch
	cmd.Stderr = ch.Stderr()
	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.t.Logf("sshserver: stdin pipe: %v", err)
		return
	}
	go func() {
		io.Copy(stdin, ch)
		stdin.Close()
	}()

	status := make([]byte, 4)
	if err := cmd.Run(); err != nil {
		status[3] = 1
	}
	ch.SendRequest("exit-status", false, status)
}

func generateHostKey(t testing.TB) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("sshserver: generating host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("sshserver: building signer: %v", err)
	}
	return signer
}
