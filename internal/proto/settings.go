package proto

import "fmt"

// SettingID identifies a parameter in a SETTINGS frame.
type SettingID uint16

// Settings identifiers per RFC 7540 Section 6.5.2. ENABLE_PUSH is deprecated in
// practice but must still be accepted. Unknown identifiers are ignored.
const (
	SettingHeaderTableSize      SettingID = 0x1
	SettingEnablePush           SettingID = 0x2
	SettingMaxConcurrentStreams SettingID = 0x3
	SettingInitialWindowSize    SettingID = 0x4
	SettingMaxFrameSize         SettingID = 0x5
	SettingMaxHeaderListSize    SettingID = 0x6
)

func (id SettingID) String() string {
	switch id {
	case SettingHeaderTableSize:
		return "HEADER_TABLE_SIZE"
	case SettingEnablePush:
		return "ENABLE_PUSH"
	case SettingMaxConcurrentStreams:
		return "MAX_CONCURRENT_STREAMS"
	case SettingInitialWindowSize:
		return "INITIAL_WINDOW_SIZE"
	case SettingMaxFrameSize:
		return "MAX_FRAME_SIZE"
	case SettingMaxHeaderListSize:
		return "MAX_HEADER_LIST_SIZE"
	}
	return fmt.Sprintf("UNKNOWN_SETTING_%d", uint16(id))
}

// Setting is a single (identifier, value) pair from a SETTINGS frame.
type Setting struct {
	ID  SettingID
	Val uint32
}

// Protocol defaults per RFC 7540.
const (
	DefaultHeaderTableSize   = 4096
	DefaultInitialWindowSize = 65535
	DefaultMaxFrameSize      = 16384

	// MaxWindowSize is the largest legal flow-control window (2^31-1); a
	// WINDOW_UPDATE pushing a window past it is FLOW_CONTROL_ERROR.
	MaxWindowSize = 1<<31 - 1

	// MaxAllowedFrameSize is the largest value MAX_FRAME_SIZE may take (2^24-1).
	MaxAllowedFrameSize = 1<<24 - 1

	// ClientPreface is the fixed byte sequence an HTTP/2 client sends first.
	ClientPreface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"
)

// Settings is the negotiated parameter set for one side of a connection.
type Settings struct {
	HeaderTableSize      uint32
	EnablePush           bool
	MaxConcurrentStreams uint32
	InitialWindowSize    uint32
	MaxFrameSize         uint32
	MaxHeaderListSize    uint32
}

// DefaultSettings returns the RFC defaults with an unlimited stream count
// stand-in of 100, matching what the server advertises before negotiation.
func DefaultSettings() Settings {
	return Settings{
		HeaderTableSize:      DefaultHeaderTableSize,
		EnablePush:           true,
		MaxConcurrentStreams: 100,
		InitialWindowSize:    DefaultInitialWindowSize,
		MaxFrameSize:         DefaultMaxFrameSize,
		MaxHeaderListSize:    1 << 20,
	}
}

// Apply validates s and folds it into the set. Unknown identifiers are ignored
// without error. Violations are connection errors per RFC 7540 Section 6.5.2.
func (st *Settings) Apply(s Setting) error {
	switch s.ID {
	case SettingHeaderTableSize:
		st.HeaderTableSize = s.Val
	case SettingEnablePush:
		if s.Val != 0 && s.Val != 1 {
			return ConnError(ErrCodeProtocol, "ENABLE_PUSH must be 0 or 1, got %d", s.Val)
		}
		st.EnablePush = s.Val == 1
	case SettingMaxConcurrentStreams:
		st.MaxConcurrentStreams = s.Val
	case SettingInitialWindowSize:
		if s.Val > MaxWindowSize {
			return ConnError(ErrCodeFlowControl, "INITIAL_WINDOW_SIZE too large: %d", s.Val)
		}
		st.InitialWindowSize = s.Val
	case SettingMaxFrameSize:
		if s.Val < DefaultMaxFrameSize || s.Val > MaxAllowedFrameSize {
			return ConnError(ErrCodeProtocol, "MAX_FRAME_SIZE out of range: %d", s.Val)
		}
		st.MaxFrameSize = s.Val
	case SettingMaxHeaderListSize:
		st.MaxHeaderListSize = s.Val
	}
	return nil
}
