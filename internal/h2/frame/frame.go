// Package frame implements the HTTP/2 binary framing layer: the 9-byte frame
// header, incremental parsing out of accumulated buffers, and serialization
// of every frame type the engine emits. Parsed frames reference the input
// buffer directly and are never mutated after parse.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bearcove/fluke/internal/proto"
)

// Type tags an HTTP/2 frame.
type Type uint8

// Frame types per RFC 7540 Section 6. The set is closed; dispatch is a single
// switch in the connection state machine.
const (
	TypeData         Type = 0x0
	TypeHeaders      Type = 0x1
	TypePriority     Type = 0x2
	TypeRSTStream    Type = 0x3
	TypeSettings     Type = 0x4
	TypePushPromise  Type = 0x5
	TypePing         Type = 0x6
	TypeGoAway       Type = 0x7
	TypeWindowUpdate Type = 0x8
	TypeContinuation Type = 0x9
)

func (t Type) String() string {
	switch t {
	case TypeData:
		return "DATA"
	case TypeHeaders:
		return "HEADERS"
	case TypePriority:
		return "PRIORITY"
	case TypeRSTStream:
		return "RST_STREAM"
	case TypeSettings:
		return "SETTINGS"
	case TypePushPromise:
		return "PUSH_PROMISE"
	case TypePing:
		return "PING"
	case TypeGoAway:
		return "GOAWAY"
	case TypeWindowUpdate:
		return "WINDOW_UPDATE"
	case TypeContinuation:
		return "CONTINUATION"
	}
	return fmt.Sprintf("UNKNOWN_FRAME_TYPE_%d", uint8(t))
}

// Flags is the 8-bit flag field of a frame header.
type Flags uint8

const (
	FlagEndStream  Flags = 0x1  // DATA, HEADERS
	FlagAck        Flags = 0x1  // SETTINGS, PING
	FlagEndHeaders Flags = 0x4  // HEADERS, PUSH_PROMISE, CONTINUATION
	FlagPadded     Flags = 0x8  // DATA, HEADERS, PUSH_PROMISE
	FlagPriority   Flags = 0x20 // HEADERS
)

// Has reports whether all bits of f are set.
func (fl Flags) Has(f Flags) bool { return fl&f == f }

// HeaderLen is the fixed size of the frame header.
const HeaderLen = 9

// ErrShortInput signals that the input does not yet hold a complete frame.
// It is not an error condition: the caller accumulates more bytes and retries.
var ErrShortInput = errors.New("frame: need more input")

// Frame is one parsed frame. Payload aliases the parse input (a pooled buffer
// region); it is consumed exactly once and never written to.
type Frame struct {
	Type     Type
	Flags    Flags
	StreamID uint32
	Payload  []byte
}

// Parse reads one frame from buf. It returns the frame and the number of
// bytes consumed, ErrShortInput when buf holds less than a whole frame, or a
// FRAME_SIZE_ERROR connection error when the declared length exceeds
// maxFrameSize. The reserved bit of the stream identifier is ignored.
func Parse(buf []byte, maxFrameSize uint32) (Frame, int, error) {
	if len(buf) < HeaderLen {
		return Frame{}, 0, ErrShortInput
	}
	length := uint32(buf[0])<<16 | uint32(buf[1])<<8 | uint32(buf[2])
	if length > maxFrameSize {
		return Frame{}, 0, proto.ConnError(proto.ErrCodeFrameSize,
			"frame length %d exceeds max frame size %d", length, maxFrameSize)
	}
	total := HeaderLen + int(length)
	if len(buf) < total {
		return Frame{}, 0, ErrShortInput
	}
	return Frame{
		Type:     Type(buf[3]),
		Flags:    Flags(buf[4]),
		StreamID: binary.BigEndian.Uint32(buf[5:9]) & 0x7fffffff,
		Payload:  buf[HeaderLen:total],
	}, total, nil
}

// AppendHeader appends a 9-byte frame header to dst. The reserved bit is
// always written as zero.
func AppendHeader(dst []byte, t Type, flags Flags, streamID uint32, length int) []byte {
	return append(dst,
		byte(length>>16), byte(length>>8), byte(length),
		byte(t), byte(flags),
		byte(streamID>>24)&0x7f, byte(streamID>>16), byte(streamID>>8), byte(streamID),
	)
}

// Append serializes a whole frame (header + payload) onto dst.
func Append(dst []byte, t Type, flags Flags, streamID uint32, payload []byte) []byte {
	dst = AppendHeader(dst, t, flags, streamID, len(payload))
	return append(dst, payload...)
}

// AppendSettings serializes a SETTINGS frame on stream 0.
func AppendSettings(dst []byte, settings []proto.Setting) []byte {
	dst = AppendHeader(dst, TypeSettings, 0, 0, len(settings)*6)
	for _, s := range settings {
		dst = append(dst, byte(s.ID>>8), byte(s.ID),
			byte(s.Val>>24), byte(s.Val>>16), byte(s.Val>>8), byte(s.Val))
	}
	return dst
}

// AppendSettingsAck serializes an empty SETTINGS frame with the ACK flag.
func AppendSettingsAck(dst []byte) []byte {
	return AppendHeader(dst, TypeSettings, FlagAck, 0, 0)
}

// AppendWindowUpdate serializes a WINDOW_UPDATE with the given increment.
func AppendWindowUpdate(dst []byte, streamID, increment uint32) []byte {
	dst = AppendHeader(dst, TypeWindowUpdate, 0, streamID, 4)
	return binary.BigEndian.AppendUint32(dst, increment&0x7fffffff)
}

// AppendRSTStream serializes an RST_STREAM carrying code.
func AppendRSTStream(dst []byte, streamID uint32, code proto.ErrCode) []byte {
	dst = AppendHeader(dst, TypeRSTStream, 0, streamID, 4)
	return binary.BigEndian.AppendUint32(dst, uint32(code))
}

// AppendGoAway serializes a GOAWAY with the last accepted stream id, an error
// code and optional debug data.
func AppendGoAway(dst []byte, lastStreamID uint32, code proto.ErrCode, debug []byte) []byte {
	dst = AppendHeader(dst, TypeGoAway, 0, 0, 8+len(debug))
	dst = binary.BigEndian.AppendUint32(dst, lastStreamID&0x7fffffff)
	dst = binary.BigEndian.AppendUint32(dst, uint32(code))
	return append(dst, debug...)
}

// AppendPing serializes a PING frame.
func AppendPing(dst []byte, ack bool, data [8]byte) []byte {
	var flags Flags
	if ack {
		flags = FlagAck
	}
	dst = AppendHeader(dst, TypePing, flags, 0, 8)
	return append(dst, data[:]...)
}

// AppendData serializes one DATA frame. The caller is responsible for flow
// control and for keeping len(data) within the peer's max frame size.
func AppendData(dst []byte, streamID uint32, endStream bool, data []byte) []byte {
	var flags Flags
	if endStream {
		flags = FlagEndStream
	}
	return Append(dst, TypeData, flags, streamID, data)
}

// AppendHeaderBlock serializes a header block as one HEADERS frame plus as
// many CONTINUATION frames as maxFrameSize requires.
func AppendHeaderBlock(dst []byte, streamID uint32, endStream bool, block []byte, maxFrameSize uint32) []byte {
	if maxFrameSize == 0 {
		maxFrameSize = proto.DefaultMaxFrameSize
	}
	first := true
	for {
		chunk := block
		if uint32(len(chunk)) > maxFrameSize {
			chunk = chunk[:maxFrameSize]
		}
		block = block[len(chunk):]

		var flags Flags
		t := TypeContinuation
		if first {
			t = TypeHeaders
			if endStream {
				flags |= FlagEndStream
			}
			first = false
		}
		if len(block) == 0 {
			flags |= FlagEndHeaders
		}
		dst = Append(dst, t, flags, streamID, chunk)
		if len(block) == 0 {
			return dst
		}
	}
}

// Settings parses a SETTINGS payload. Length and stream checks per RFC 7540
// Section 6.5 are connection errors.
func (f Frame) Settings() ([]proto.Setting, error) {
	if f.StreamID != 0 {
		return nil, proto.ConnError(proto.ErrCodeProtocol, "SETTINGS on stream %d", f.StreamID)
	}
	if f.Flags.Has(FlagAck) {
		if len(f.Payload) != 0 {
			return nil, proto.ConnError(proto.ErrCodeFrameSize, "SETTINGS ACK with payload")
		}
		return nil, nil
	}
	if len(f.Payload)%6 != 0 {
		return nil, proto.ConnError(proto.ErrCodeFrameSize, "SETTINGS length %d not a multiple of 6", len(f.Payload))
	}
	settings := make([]proto.Setting, 0, len(f.Payload)/6)
	for p := f.Payload; len(p) > 0; p = p[6:] {
		settings = append(settings, proto.Setting{
			ID:  proto.SettingID(binary.BigEndian.Uint16(p[:2])),
			Val: binary.BigEndian.Uint32(p[2:6]),
		})
	}
	return settings, nil
}

// WindowUpdate parses a WINDOW_UPDATE payload and returns the increment.
// A zero increment is PROTOCOL_ERROR: connection-level on stream 0, a stream
// error otherwise.
func (f Frame) WindowUpdate() (uint32, error) {
	if len(f.Payload) != 4 {
		return 0, proto.ConnError(proto.ErrCodeFrameSize, "WINDOW_UPDATE length %d", len(f.Payload))
	}
	inc := binary.BigEndian.Uint32(f.Payload) & 0x7fffffff
	if inc == 0 {
		if f.StreamID == 0 {
			return 0, proto.ConnError(proto.ErrCodeProtocol, "WINDOW_UPDATE with zero increment")
		}
		return 0, proto.StrError(f.StreamID, proto.ErrCodeProtocol, "WINDOW_UPDATE with zero increment")
	}
	return inc, nil
}

// RSTStream parses an RST_STREAM payload and returns the carried error code.
func (f Frame) RSTStream() (proto.ErrCode, error) {
	if f.StreamID == 0 {
		return 0, proto.ConnError(proto.ErrCodeProtocol, "RST_STREAM on stream 0")
	}
	if len(f.Payload) != 4 {
		return 0, proto.ConnError(proto.ErrCodeFrameSize, "RST_STREAM length %d", len(f.Payload))
	}
	return proto.ErrCode(binary.BigEndian.Uint32(f.Payload)), nil
}

// Ping validates a PING frame and returns its opaque data.
func (f Frame) Ping() ([8]byte, error) {
	var data [8]byte
	if f.StreamID != 0 {
		return data, proto.ConnError(proto.ErrCodeProtocol, "PING on stream %d", f.StreamID)
	}
	if len(f.Payload) != 8 {
		return data, proto.ConnError(proto.ErrCodeFrameSize, "PING length %d", len(f.Payload))
	}
	copy(data[:], f.Payload)
	return data, nil
}

// GoAway parses a GOAWAY payload.
func (f Frame) GoAway() (lastStreamID uint32, code proto.ErrCode, debug []byte, err error) {
	if f.StreamID != 0 {
		return 0, 0, nil, proto.ConnError(proto.ErrCodeProtocol, "GOAWAY on stream %d", f.StreamID)
	}
	if len(f.Payload) < 8 {
		return 0, 0, nil, proto.ConnError(proto.ErrCodeFrameSize, "GOAWAY length %d", len(f.Payload))
	}
	lastStreamID = binary.BigEndian.Uint32(f.Payload[:4]) & 0x7fffffff
	code = proto.ErrCode(binary.BigEndian.Uint32(f.Payload[4:8]))
	return lastStreamID, code, f.Payload[8:], nil
}

// Priority parses a PRIORITY payload. A wrong length is a stream error per
// RFC 7540 Section 6.3; self-dependency is checked by the caller.
func (f Frame) Priority() (dep uint32, weight uint8, exclusive bool, err error) {
	if f.StreamID == 0 {
		return 0, 0, false, proto.ConnError(proto.ErrCodeProtocol, "PRIORITY on stream 0")
	}
	if len(f.Payload) != 5 {
		return 0, 0, false, proto.StrError(f.StreamID, proto.ErrCodeFrameSize, "PRIORITY length %d", len(f.Payload))
	}
	raw := binary.BigEndian.Uint32(f.Payload[:4])
	return raw & 0x7fffffff, f.Payload[4], raw&0x80000000 != 0, nil
}

// Data strips padding from a DATA payload. The padded length still counts
// against flow control; callers debit len(f.Payload), not len(data).
func (f Frame) Data() ([]byte, error) {
	if f.StreamID == 0 {
		return nil, proto.ConnError(proto.ErrCodeProtocol, "DATA on stream 0")
	}
	if !f.Flags.Has(FlagPadded) {
		return f.Payload, nil
	}
	if len(f.Payload) < 1 {
		return nil, proto.ConnError(proto.ErrCodeProtocol, "padded DATA with empty payload")
	}
	pad := int(f.Payload[0])
	if pad >= len(f.Payload) {
		return nil, proto.ConnError(proto.ErrCodeProtocol, "DATA pad length %d exceeds payload", pad)
	}
	return f.Payload[1 : len(f.Payload)-pad], nil
}

// HeaderBlockFragment strips padding and priority fields from a HEADERS
// payload, or returns a CONTINUATION payload unchanged.
func (f Frame) HeaderBlockFragment() ([]byte, error) {
	if f.StreamID == 0 {
		return nil, proto.ConnError(proto.ErrCodeProtocol, "%s on stream 0", f.Type)
	}
	if f.Type == TypeContinuation {
		return f.Payload, nil
	}
	p := f.Payload
	var pad int
	if f.Flags.Has(FlagPadded) {
		if len(p) < 1 {
			return nil, proto.ConnError(proto.ErrCodeProtocol, "padded HEADERS with empty payload")
		}
		pad = int(p[0])
		p = p[1:]
	}
	if f.Flags.Has(FlagPriority) {
		if len(p) < 5 {
			return nil, proto.ConnError(proto.ErrCodeFrameSize, "HEADERS too short for priority fields")
		}
		dep := binary.BigEndian.Uint32(p[:4]) & 0x7fffffff
		if dep == f.StreamID {
			return nil, proto.ConnError(proto.ErrCodeProtocol, "stream %d depends on itself", f.StreamID)
		}
		p = p[5:]
	}
	if pad > len(p) {
		return nil, proto.ConnError(proto.ErrCodeProtocol, "HEADERS pad length %d exceeds payload", pad)
	}
	return p[:len(p)-pad], nil
}
