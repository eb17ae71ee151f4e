package frame

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"

	"github.com/bearcove/fluke/internal/proto"
)

func TestParseRoundTrip(t *testing.T) {
	cases := []struct {
		name     string
		typ      Type
		flags    Flags
		streamID uint32
		payload  []byte
	}{
		{"empty data", TypeData, FlagEndStream, 1, nil},
		{"data", TypeData, 0, 3, []byte("hello")},
		{"headers", TypeHeaders, FlagEndHeaders | FlagEndStream, 5, []byte{0x82, 0x84}},
		{"ping", TypePing, FlagAck, 0, []byte{1, 2, 3, 4, 5, 6, 7, 8}},
		{"max stream id", TypeRSTStream, 0, 0x7fffffff, []byte{0, 0, 0, 8}},
		{"max frame", TypeData, 0, 7, bytes.Repeat([]byte{0xaa}, proto.DefaultMaxFrameSize)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wire := Append(nil, tc.typ, tc.flags, tc.streamID, tc.payload)
			f, n, err := Parse(wire, proto.DefaultMaxFrameSize)
			require.NoError(t, err)
			assert.Equal(t, len(wire), n)
			assert.Equal(t, tc.typ, f.Type)
			assert.Equal(t, tc.flags, f.Flags)
			assert.Equal(t, tc.streamID, f.StreamID)
			assert.Equal(t, len(tc.payload), len(f.Payload))
			assert.Equal(t, []byte(tc.payload), append([]byte{}, f.Payload...))
		})
	}
}

func TestParseShortInput(t *testing.T) {
	wire := Append(nil, TypeData, 0, 1, []byte("0123456789"))
	for cut := 0; cut < len(wire); cut++ {
		_, n, err := Parse(wire[:cut], proto.DefaultMaxFrameSize)
		require.ErrorIs(t, err, ErrShortInput, "cut at %d", cut)
		assert.Zero(t, n)
	}
}

func TestParseOversizedFrameIsFrameSizeError(t *testing.T) {
	wire := AppendHeader(nil, TypeData, 0, 1, proto.DefaultMaxFrameSize+1)
	_, _, err := Parse(wire, proto.DefaultMaxFrameSize)
	var ce proto.ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, proto.ErrCodeFrameSize, ce.Code)
}

func TestReservedBitIgnoredOnReadZeroOnWrite(t *testing.T) {
	wire := Append(nil, TypeData, 0, 1, nil)
	// Header byte 5 top bit is the reserved bit; it must be written as 0.
	assert.Zero(t, wire[5]&0x80)

	// Set it on the way in; the parser must mask it off.
	wire[5] |= 0x80
	f, _, err := Parse(wire, proto.DefaultMaxFrameSize)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), f.StreamID)
}

func TestIncrementalAccumulation(t *testing.T) {
	full := Append(nil, TypeData, 0, 1, []byte("first"))
	full = Append(full, TypePing, 0, 0, []byte{0, 0, 0, 0, 0, 0, 0, 0})

	var buf []byte
	var got []Frame
	// Feed one byte at a time, consuming frames as they complete.
	for _, b := range full {
		buf = append(buf, b)
		for {
			f, n, err := Parse(buf, proto.DefaultMaxFrameSize)
			if err != nil {
				require.ErrorIs(t, err, ErrShortInput)
				break
			}
			got = append(got, Frame{Type: f.Type, Flags: f.Flags, StreamID: f.StreamID,
				Payload: append([]byte{}, f.Payload...)})
			buf = buf[n:]
		}
	}
	require.Len(t, got, 2)
	assert.Equal(t, TypeData, got[0].Type)
	assert.Equal(t, []byte("first"), got[0].Payload)
	assert.Equal(t, TypePing, got[1].Type)
}

func TestSettingsPayload(t *testing.T) {
	wire := AppendSettings(nil, []proto.Setting{
		{ID: proto.SettingMaxFrameSize, Val: 32768},
		{ID: proto.SettingInitialWindowSize, Val: 0},
		{ID: proto.SettingID(0xff), Val: 7}, // unknown, must parse fine
	})
	f, _, err := Parse(wire, proto.DefaultMaxFrameSize)
	require.NoError(t, err)
	settings, err := f.Settings()
	require.NoError(t, err)
	require.Len(t, settings, 3)
	assert.Equal(t, proto.SettingMaxFrameSize, settings[0].ID)
	assert.Equal(t, uint32(32768), settings[0].Val)
	assert.Equal(t, uint32(0), settings[1].Val)
}

func TestSettingsValidation(t *testing.T) {
	// Non-multiple-of-6 payload.
	f := Frame{Type: TypeSettings, Payload: []byte{0, 1, 2}}
	_, err := f.Settings()
	assert.True(t, proto.IsConnectionFatal(err))

	// ACK with payload.
	f = Frame{Type: TypeSettings, Flags: FlagAck, Payload: []byte{0, 1, 0, 0, 0, 0}}
	_, err = f.Settings()
	assert.True(t, proto.IsConnectionFatal(err))

	// SETTINGS on a stream.
	f = Frame{Type: TypeSettings, StreamID: 1}
	_, err = f.Settings()
	assert.True(t, proto.IsConnectionFatal(err))
}

func TestWindowUpdateZeroIncrement(t *testing.T) {
	f := Frame{Type: TypeWindowUpdate, StreamID: 0, Payload: []byte{0, 0, 0, 0}}
	_, err := f.WindowUpdate()
	assert.True(t, proto.IsConnectionFatal(err))

	f.StreamID = 3
	_, err = f.WindowUpdate()
	var se proto.StreamError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, uint32(3), se.StreamID)
}

func TestDataPadding(t *testing.T) {
	payload := append([]byte{4}, []byte("datapadd")...) // pad=4, data="data"
	f := Frame{Type: TypeData, Flags: FlagPadded, StreamID: 1, Payload: payload}
	data, err := f.Data()
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), data)

	// Pad length covering the whole payload is a protocol error.
	f.Payload = []byte{9, 'x'}
	_, err = f.Data()
	assert.True(t, proto.IsConnectionFatal(err))
}

func TestHeadersPaddingAndPriority(t *testing.T) {
	// pad_length(1) + stream dep(4) + weight(1) + fragment + padding
	payload := []byte{2, 0, 0, 0, 9, 15, 0x82, 0x84, 0, 0}
	f := Frame{Type: TypeHeaders, Flags: FlagPadded | FlagPriority, StreamID: 3, Payload: payload}
	frag, err := f.HeaderBlockFragment()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x82, 0x84}, frag)

	// Self-dependency in the priority fields.
	payload = []byte{0, 0, 0, 3, 15, 0x82}
	f = Frame{Type: TypeHeaders, Flags: FlagPriority, StreamID: 3, Payload: payload}
	_, err = f.HeaderBlockFragment()
	assert.True(t, proto.IsConnectionFatal(err))
}

func TestHeaderBlockFragmentation(t *testing.T) {
	block := bytes.Repeat([]byte{0x11}, 40)
	wire := AppendHeaderBlock(nil, 7, true, block, 16)

	var frames []Frame
	for len(wire) > 0 {
		f, n, err := Parse(wire, proto.DefaultMaxFrameSize)
		require.NoError(t, err)
		frames = append(frames, f)
		wire = wire[n:]
	}
	require.Len(t, frames, 3)
	assert.Equal(t, TypeHeaders, frames[0].Type)
	assert.True(t, frames[0].Flags.Has(FlagEndStream))
	assert.False(t, frames[0].Flags.Has(FlagEndHeaders))
	assert.Equal(t, TypeContinuation, frames[1].Type)
	assert.Equal(t, TypeContinuation, frames[2].Type)
	assert.True(t, frames[2].Flags.Has(FlagEndHeaders))

	var reassembled []byte
	for _, f := range frames {
		frag, err := f.HeaderBlockFragment()
		require.NoError(t, err)
		reassembled = append(reassembled, frag...)
	}
	assert.Equal(t, block, reassembled)
}

// Frames we serialize must parse through x/net's Framer, and frames x/net
// writes must parse through ours.
func TestInteropAgainstXNetFramer(t *testing.T) {
	t.Run("ours_to_xnet", func(t *testing.T) {
		var wire []byte
		wire = AppendSettings(wire, []proto.Setting{{ID: proto.SettingMaxFrameSize, Val: 16384}})
		wire = AppendData(wire, 1, true, []byte("payload"))
		wire = AppendGoAway(wire, 5, proto.ErrCodeNo, []byte("bye"))

		fr := http2.NewFramer(nil, bytes.NewReader(wire))
		f1, err := fr.ReadFrame()
		require.NoError(t, err)
		assert.IsType(t, &http2.SettingsFrame{}, f1)

		f2, err := fr.ReadFrame()
		require.NoError(t, err)
		df, ok := f2.(*http2.DataFrame)
		require.True(t, ok)
		assert.Equal(t, []byte("payload"), df.Data())
		assert.True(t, df.StreamEnded())

		f3, err := fr.ReadFrame()
		require.NoError(t, err)
		gf, ok := f3.(*http2.GoAwayFrame)
		require.True(t, ok)
		assert.Equal(t, uint32(5), gf.LastStreamID)
	})

	t.Run("xnet_to_ours", func(t *testing.T) {
		var buf bytes.Buffer
		fr := http2.NewFramer(&buf, nil)
		require.NoError(t, fr.WriteWindowUpdate(9, 1000))
		require.NoError(t, fr.WritePing(false, [8]byte{9, 8, 7, 6, 5, 4, 3, 2}))

		wire := buf.Bytes()
		f, n, err := Parse(wire, proto.DefaultMaxFrameSize)
		require.NoError(t, err)
		assert.Equal(t, TypeWindowUpdate, f.Type)
		inc, err := f.WindowUpdate()
		require.NoError(t, err)
		assert.Equal(t, uint32(1000), inc)

		f, _, err = Parse(wire[n:], proto.DefaultMaxFrameSize)
		require.NoError(t, err)
		data, err := f.Ping()
		require.NoError(t, err)
		assert.Equal(t, [8]byte{9, 8, 7, 6, 5, 4, 3, 2}, data)
	})
}
