package fabric

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Handle identifies the service a message is addressed to within a context.
// Handles below firstReplyHandle are well-known services; higher values are
// allocated per request/response exchange.
type Handle uint32

const (
	HandleCallFunction Handle = 100
	HandleGetModule    Handle = 101
	HandleShutdown     Handle = 102
	HandleLoadModule   Handle = 103
	HandleAllocateID   Handle = 105
	HandleAddRoute     Handle = 106
	HandleDelRoute     Handle = 107

	firstReplyHandle Handle = 1000
)

func (h Handle) String() string {
	switch h {
	case HandleCallFunction:
		return "CALL_FUNCTION"
	case HandleGetModule:
		return "GET_MODULE"
	case HandleShutdown:
		return "SHUTDOWN"
	case HandleLoadModule:
		return "LOAD_MODULE"
	case HandleAllocateID:
		return "ALLOCATE_ID"
	case HandleAddRoute:
		return "ADD_ROUTE"
	case HandleDelRoute:
		return "DEL_ROUTE"
	}
	return fmt.Sprintf("REPLY(%d)", uint32(h))
}

// Message is a routable unit of data. SrcID is claimed by the sender; AuthID
// is the identity the receiving router actually vouches for, stamped from the
// arrival stream for untrusted peers.
type Message struct {
	DstID   uint32
	SrcID   uint32
	AuthID  uint32
	Handle  Handle
	ReplyTo Handle
	Data    []byte

	// Dead marks a tombstone: the sender went away before producing a real
	// reply. Handlers must treat it as "no answer is coming".
	Dead bool

	router *Router
}

const (
	frameHeaderLen = 25
	flagDead       = 1 << 0
)

// ChunkSize is the transfer granularity of the byte layer; socket buffers on
// spawned children are sized to match.
const ChunkSize = 16 * 1024

// EncodeFrame serialises m with the fixed binary header.
func EncodeFrame(m *Message) []byte {
	buf := make([]byte, frameHeaderLen+len(m.Data))
	binary.BigEndian.PutUint32(buf[0:], m.DstID)
	binary.BigEndian.PutUint32(buf[4:], m.SrcID)
	binary.BigEndian.PutUint32(buf[8:], m.AuthID)
	binary.BigEndian.PutUint32(buf[12:], uint32(m.Handle))
	binary.BigEndian.PutUint32(buf[16:], uint32(m.ReplyTo))
	if m.Dead {
		buf[20] = flagDead
	}
	binary.BigEndian.PutUint32(buf[21:], uint32(len(m.Data)))
	copy(buf[frameHeaderLen:], m.Data)
	return buf
}

// ReadFrame reads one framed message from r, rejecting payloads larger than
// maxMessageSize.
func ReadFrame(r io.Reader, maxMessageSize int) (*Message, error) {
	var hdr [frameHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	m := &Message{
		DstID:   binary.BigEndian.Uint32(hdr[0:]),
		SrcID:   binary.BigEndian.Uint32(hdr[4:]),
		AuthID:  binary.BigEndian.Uint32(hdr[8:]),
		Handle:  Handle(binary.BigEndian.Uint32(hdr[12:])),
		ReplyTo: Handle(binary.BigEndian.Uint32(hdr[16:])),
		Dead:    hdr[20]&flagDead != 0,
	}
	size := int(binary.BigEndian.Uint32(hdr[21:]))
	if size > maxMessageSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds maximum message size %d", size, maxMessageSize)
	}
	if size > 0 {
		m.Data = make([]byte, size)
		if _, err := io.ReadFull(r, m.Data); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Reply sends data back to the message source on its reply handle. Dead
// messages and messages without a reply handle are ignored.
func (m *Message) Reply(data []byte) {
	if m.router == nil || m.Dead || m.ReplyTo == 0 {
		return
	}
	m.router.Route(&Message{
		DstID:  m.SrcID,
		SrcID:  m.router.Identity().ContextID,
		AuthID: m.router.Identity().ContextID,
		Handle: m.ReplyTo,
		Data:   data,
	}, nil)
}
