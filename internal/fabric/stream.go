package fabric

import (
	"bufio"
	"log/slog"
	"os"
	"sort"
	"sync"
)

// Stream is the routable byte channel to an immediate peer. The parent layer
// owns the process lifecycle and handshake around it; at this layer a stream
// is a pair of framed file endpoints plus the set of context IDs reachable
// through it.
type Stream struct {
	router    *Router
	remoteID  uint32
	trustAuth bool

	mu     sync.Mutex
	name   string
	recv   *os.File
	xmit   *os.File
	routes map[uint32]struct{}
	closed bool

	disconnect Event
}

// NewStream returns a stream whose route set initially contains remoteID.
func NewStream(router *Router, remoteID uint32) *Stream {
	return &Stream{
		router:   router,
		remoteID: remoteID,
		routes:   map[uint32]struct{}{remoteID: {}},
	}
}

func (s *Stream) RemoteID() uint32 { return s.remoteID }

func (s *Stream) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

func (s *Stream) SetName(name string) {
	s.mu.Lock()
	s.name = name
	s.mu.Unlock()
}

// SetTrustAuth marks the peer as authoritative for AuthID values it claims.
// Only the upstream (master-ward) stream is trusted; children have AuthID
// stamped from their remote ID on arrival.
func (s *Stream) SetTrustAuth(trust bool) { s.trustAuth = trust }

// AttachFiles installs the receive and transmit endpoints. Both may be the
// same descriptor duplicated, so the stream closes them independently.
func (s *Stream) AttachFiles(recv, xmit *os.File) {
	s.mu.Lock()
	s.recv = recv
	s.xmit = xmit
	s.mu.Unlock()
}

// Send frames and writes m to the peer.
func (s *Stream) Send(m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.xmit == nil {
		return ErrStreamClosed
	}
	_, err := s.xmit.Write(EncodeFrame(m))
	return err
}

// AddRouteID records that id is reachable through this stream.
func (s *Stream) AddRouteID(id uint32) {
	s.mu.Lock()
	s.routes[id] = struct{}{}
	s.mu.Unlock()
}

// DiscardRouteID forgets id; unknown IDs are ignored.
func (s *Stream) DiscardRouteID(id uint32) {
	s.mu.Lock()
	delete(s.routes, id)
	s.mu.Unlock()
}

func (s *Stream) HasRouteID(id uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.routes[id]
	return ok
}

// Routes returns a sorted snapshot of the reachable IDs.
func (s *Stream) Routes() []uint32 {
	s.mu.Lock()
	ids := make([]uint32, 0, len(s.routes))
	for id := range s.routes {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// OnDisconnect registers fn to run once the stream is gone. If the stream is
// already gone, fn runs immediately.
func (s *Stream) OnDisconnect(fn func()) { s.disconnect.Listen(fn) }

// Close tears the stream down and fires the disconnect event.
func (s *Stream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	recv, xmit := s.recv, s.xmit
	s.mu.Unlock()

	if recv != nil {
		recv.Close()
	}
	if xmit != nil {
		xmit.Close()
	}
	s.disconnect.Fire()
}

// readLoop pumps framed messages into the router until EOF or error. Runs on
// its own goroutine, started when the stream is registered.
func (s *Stream) readLoop() {
	s.mu.Lock()
	recv := s.recv
	s.mu.Unlock()
	if recv == nil {
		return
	}

	br := bufio.NewReaderSize(recv, ChunkSize)
	for {
		m, err := ReadFrame(br, s.router.MaxMessageSize())
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				slog.Debug("stream read loop ended", "stream", s.Name(), "error", err)
			}
			s.Close()
			return
		}
		if !s.trustAuth {
			m.AuthID = s.remoteID
		}
		s.router.Route(m, s)
	}
}
