// Package stream implements the per-stream half of the HTTP/2 state machine:
// the five-state lifecycle, both per-stream flow-control windows, and the
// queue of outbound data withheld while the peer's window is empty.
package stream

import (
	"fmt"

	"github.com/bearcove/fluke/internal/bufpool"
	"github.com/bearcove/fluke/internal/proto"
)

// State is the lifecycle position of one stream.
type State uint8

const (
	StateIdle State = iota
	StateOpen
	StateHalfClosedLocal
	StateHalfClosedRemote
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpen:
		return "open"
	case StateHalfClosedLocal:
		return "half-closed (local)"
	case StateHalfClosedRemote:
		return "half-closed (remote)"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("unknown state %d", uint8(s))
}

// Chunk is outbound DATA waiting for flow-control credit. The lease holds one
// fully serialized DATA frame and stays owned by the stream until the chunk
// is either transmitted or the stream is torn down. N is the payload length,
// which is what flow control accounts for.
type Chunk struct {
	Lease     *bufpool.Lease
	N         int
	EndStream bool
}

// Stream tracks one logical stream inside a connection. All methods are
// called from the single task driving the owning connection; no locking.
type Stream struct {
	ID uint32

	state State

	// sendWindow is how many DATA bytes the peer will currently accept. It
	// can go negative when the peer shrinks INITIAL_WINDOW_SIZE mid-flight.
	sendWindow int64

	// recvWindow is how many DATA bytes we have advertised to the peer.
	recvWindow int64

	// deferred holds DATA chunks that exceeded the send window, in order.
	deferred []Chunk
}

// New creates a stream in the Idle state with the negotiated initial windows.
func New(id uint32, sendWindow, recvWindow uint32) *Stream {
	return &Stream{
		ID:         id,
		sendWindow: int64(sendWindow),
		recvWindow: int64(recvWindow),
	}
}

// State returns the current lifecycle state.
func (s *Stream) State() State { return s.state }

// SendWindow returns the remaining peer-advertised byte budget.
func (s *Stream) SendWindow() int64 { return s.sendWindow }

// RecvWindow returns the remaining locally-advertised byte budget.
func (s *Stream) RecvWindow() int64 { return s.recvWindow }

// RecvHeaders applies a complete, reassembled header block from the peer.
func (s *Stream) RecvHeaders(endStream bool) error {
	switch s.state {
	case StateIdle:
		if endStream {
			s.state = StateHalfClosedRemote
		} else {
			s.state = StateOpen
		}
	case StateOpen:
		// A second header block on an open stream is trailers; trailers must
		// end the remote side.
		if !endStream {
			return proto.StrError(s.ID, proto.ErrCodeProtocol, "trailers without END_STREAM")
		}
		s.state = StateHalfClosedRemote
	case StateHalfClosedLocal:
		if !endStream {
			return proto.StrError(s.ID, proto.ErrCodeProtocol, "trailers without END_STREAM")
		}
		s.state = StateClosed
	default:
		return proto.StrError(s.ID, proto.ErrCodeStreamClosed, "HEADERS on %s stream", s.state)
	}
	return nil
}

// SendHeaders applies a locally-emitted header block.
func (s *Stream) SendHeaders(endStream bool) error {
	switch s.state {
	case StateIdle:
		if endStream {
			s.state = StateHalfClosedLocal
		} else {
			s.state = StateOpen
		}
	case StateOpen:
		if endStream {
			s.state = StateHalfClosedLocal
		}
	case StateHalfClosedRemote:
		if endStream {
			s.state = StateClosed
		}
	default:
		return proto.StrError(s.ID, proto.ErrCodeStreamClosed, "sending HEADERS on %s stream", s.state)
	}
	return nil
}

// RecvData accounts for an inbound DATA frame. n is the full payload length
// including any padding, which counts against flow control. The connection
// window is debited separately by the caller.
func (s *Stream) RecvData(n int, endStream bool) error {
	switch s.state {
	case StateOpen, StateHalfClosedLocal:
	case StateIdle:
		// DATA on a stream that was never opened corrupts nothing local to
		// the stream; the whole connection is out of sync.
		return proto.ConnError(proto.ErrCodeProtocol, "DATA on idle stream %d", s.ID)
	default:
		return proto.StrError(s.ID, proto.ErrCodeStreamClosed, "DATA on %s stream", s.state)
	}
	if int64(n) > s.recvWindow {
		return proto.StrError(s.ID, proto.ErrCodeFlowControl,
			"DATA length %d exceeds stream window %d", n, s.recvWindow)
	}
	s.recvWindow -= int64(n)
	if endStream {
		if s.state == StateOpen {
			s.state = StateHalfClosedRemote
		} else {
			s.state = StateClosed
		}
	}
	return nil
}

// SendData accounts for an outbound DATA frame of n bytes that the caller has
// already fitted inside both windows.
func (s *Stream) SendData(n int, endStream bool) error {
	switch s.state {
	case StateOpen, StateHalfClosedRemote:
	default:
		return proto.StrError(s.ID, proto.ErrCodeStreamClosed, "sending DATA on %s stream", s.state)
	}
	s.sendWindow -= int64(n)
	if endStream {
		if s.state == StateOpen {
			s.state = StateHalfClosedLocal
		} else {
			s.state = StateClosed
		}
	}
	return nil
}

// CreditSend applies a peer WINDOW_UPDATE. Growing the window past 2^31-1 is
// a flow-control violation scoped to this stream.
func (s *Stream) CreditSend(inc uint32) error {
	if s.sendWindow+int64(inc) > proto.MaxWindowSize {
		return proto.StrError(s.ID, proto.ErrCodeFlowControl,
			"window increment %d overflows stream window", inc)
	}
	s.sendWindow += int64(inc)
	return nil
}

// CreditRecv records window bytes handed back to the peer.
func (s *Stream) CreditRecv(inc uint32) {
	s.recvWindow += int64(inc)
}

// AdjustSendWindow applies an INITIAL_WINDOW_SIZE settings change, which
// shifts every open stream's send window by the delta. The result may be
// negative; growth past 2^31-1 is connection-fatal per RFC 7540 Section 6.9.2.
func (s *Stream) AdjustSendWindow(delta int64) error {
	if s.sendWindow+delta > proto.MaxWindowSize {
		return proto.ConnError(proto.ErrCodeFlowControl,
			"INITIAL_WINDOW_SIZE change overflows stream %d window", s.ID)
	}
	s.sendWindow += delta
	return nil
}

// Reset moves the stream to Closed (RST_STREAM in either direction, or a
// stream error) and returns any deferred chunks so the caller can release
// their leases.
func (s *Stream) Reset() []Chunk {
	s.state = StateClosed
	deferred := s.deferred
	s.deferred = nil
	return deferred
}

// Defer queues an outbound chunk that did not fit in the current windows.
func (s *Stream) Defer(c Chunk) {
	s.deferred = append(s.deferred, c)
}

// HasDeferred reports whether flow-control-blocked chunks are queued.
func (s *Stream) HasDeferred() bool { return len(s.deferred) > 0 }

// PopDeferred removes and returns the oldest deferred chunk that fits inside
// budget bytes (the connection window). It returns false when nothing is
// queued or when the head chunk does not fit in either window; deferred data
// is strictly ordered, so a blocked head blocks the rest. A zero-byte chunk
// (a bare END_STREAM) fits any window, including an exhausted one.
func (s *Stream) PopDeferred(budget int64) (Chunk, bool) {
	if len(s.deferred) == 0 {
		return Chunk{}, false
	}
	head := s.deferred[0]
	n := int64(head.N)
	if n > s.sendWindow || n > budget {
		return Chunk{}, false
	}
	s.deferred = s.deferred[1:]
	return head, true
}

// Done reports whether both directions have closed, so the connection can
// evict the stream from its table.
func (s *Stream) Done() bool { return s.state == StateClosed }
