// Package transport registers the built-in connection methods. Each method
// is a thin leaf on top of the base parent transport: it wraps the
// interpreter boot command in its own argv and picks a spawner mode. Import
// for side effects.
package transport

import (
	"fmt"

	"go.olrik.dev/lattice/internal/parent"
	"go.olrik.dev/lattice/internal/spawn"
)

func init() {
	parent.RegisterTransport("ssh", &parent.Transport{
		Name:        "ssh",
		Spawner:     spawn.HybridTTYCreateChild,
		WrapCommand: sshCommand,
	})
	parent.RegisterTransport("sudo", &parent.Transport{
		Name:        "sudo",
		Spawner:     spawn.TTYCreateChild,
		WrapCommand: sudoCommand,
	})
	parent.RegisterTransport("docker", &parent.Transport{
		Name:        "docker",
		Spawner:     spawn.CreateChildMergedStdio,
		WrapCommand: dockerCommand,
	})
}

// sshCommand runs the boot command on a remote host. The boot argv rides as
// a single shell-quoted remote command; data flows over the socketpair while
// ssh keeps its prompts on the hybrid TTY.
func sshCommand(boot []string, opts parent.Options) ([]string, error) {
	hostname := opts.Extra["hostname"]
	if hostname == "" {
		return nil, fmt.Errorf("ssh: hostname is required")
	}
	bits := []string{"ssh"}
	if port := opts.Extra["port"]; port != "" {
		bits = append(bits, "-p", port)
	}
	if username := opts.Extra["username"]; username != "" {
		bits = append(bits, "-l", username)
	}
	if opts.Password == "" {
		// Without a stored password, fail fast instead of hanging on an
		// unanswerable prompt.
		bits = append(bits, "-o", "BatchMode yes")
	}
	bits = append(bits, hostname, spawn.Argv(boot).String())
	return bits, nil
}

// sudoCommand elevates the boot command. sudo insists on a controlling TTY
// for its prompt, hence the full TTY spawner.
func sudoCommand(boot []string, opts parent.Options) ([]string, error) {
	bits := []string{"sudo"}
	if username := opts.Extra["username"]; username != "" {
		bits = append(bits, "-u", username)
	}
	bits = append(bits, "-H", "--")
	return append(bits, boot...), nil
}

// dockerCommand enters a running container. Docker forbids a TTY here, so
// stderr merges onto the data socket and the handshake discards it.
func dockerCommand(boot []string, opts parent.Options) ([]string, error) {
	container := opts.Extra["container"]
	if container == "" {
		return nil, fmt.Errorf("docker: container is required")
	}
	bits := []string{"docker", "exec", "-i", container}
	return append(bits, boot...), nil
}
