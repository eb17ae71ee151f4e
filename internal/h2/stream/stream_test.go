package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bearcove/fluke/internal/bufpool"
	"github.com/bearcove/fluke/internal/hpack"
	"github.com/bearcove/fluke/internal/proto"
)

func TestLifecycleRemoteFirst(t *testing.T) {
	s := New(1, 65535, 65535)
	assert.Equal(t, StateIdle, s.State())

	require.NoError(t, s.RecvHeaders(false))
	assert.Equal(t, StateOpen, s.State())

	require.NoError(t, s.RecvData(100, true))
	assert.Equal(t, StateHalfClosedRemote, s.State())

	require.NoError(t, s.SendHeaders(false))
	require.NoError(t, s.SendData(5, true))
	assert.Equal(t, StateClosed, s.State())
	assert.True(t, s.Done())
}

func TestLifecycleEndStreamOnHeaders(t *testing.T) {
	s := New(3, 65535, 65535)
	require.NoError(t, s.RecvHeaders(true))
	assert.Equal(t, StateHalfClosedRemote, s.State())

	require.NoError(t, s.SendHeaders(true))
	assert.Equal(t, StateClosed, s.State())
}

func TestDataAfterEndStreamIsStreamError(t *testing.T) {
	s := New(1, 65535, 65535)
	require.NoError(t, s.RecvHeaders(true))

	err := s.RecvData(1, false)
	var se proto.StreamError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, proto.ErrCodeStreamClosed, se.Code)
	assert.Equal(t, uint32(1), se.StreamID)
	assert.False(t, proto.IsConnectionFatal(err))
}

func TestDataOnIdleStreamIsConnectionError(t *testing.T) {
	s := New(5, 65535, 65535)
	err := s.RecvData(1, false)
	assert.True(t, proto.IsConnectionFatal(err))
}

func TestTrailersMustEndStream(t *testing.T) {
	s := New(1, 65535, 65535)
	require.NoError(t, s.RecvHeaders(false))

	err := s.RecvHeaders(false)
	var se proto.StreamError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, proto.ErrCodeProtocol, se.Code)

	s = New(3, 65535, 65535)
	require.NoError(t, s.RecvHeaders(false))
	require.NoError(t, s.RecvHeaders(true))
	assert.Equal(t, StateHalfClosedRemote, s.State())
}

func TestRecvWindowDebitAndViolation(t *testing.T) {
	s := New(1, 65535, 10)
	require.NoError(t, s.RecvHeaders(false))

	require.NoError(t, s.RecvData(8, false))
	assert.Equal(t, int64(2), s.RecvWindow())

	err := s.RecvData(3, false)
	var se proto.StreamError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, proto.ErrCodeFlowControl, se.Code)

	s.CreditRecv(100)
	require.NoError(t, s.RecvData(3, false))
}

func TestSendWindowNeverOverflows(t *testing.T) {
	s := New(1, 65535, 65535)
	err := s.CreditSend(proto.MaxWindowSize)
	var se proto.StreamError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, proto.ErrCodeFlowControl, se.Code)

	require.NoError(t, s.CreditSend(100))
	assert.Equal(t, int64(65635), s.SendWindow())
}

func TestInitialWindowAdjustCanGoNegative(t *testing.T) {
	s := New(1, 65535, 65535)
	require.NoError(t, s.RecvHeaders(false))
	require.NoError(t, s.SendHeaders(false))
	require.NoError(t, s.SendData(65000, false))

	// Peer shrinks INITIAL_WINDOW_SIZE from 65535 to 0.
	require.NoError(t, s.AdjustSendWindow(-65535))
	assert.Negative(t, s.SendWindow())

	// Growing past the 31-bit bound is connection-fatal.
	err := s.AdjustSendWindow(int64(proto.MaxWindowSize) * 2)
	assert.True(t, proto.IsConnectionFatal(err))
}

func TestDeferredChunkOrdering(t *testing.T) {
	pool := bufpool.New(4, 1024)
	s := New(1, 10, 65535)

	lease := func(n int) *bufpool.Lease {
		l, err := pool.Acquire()
		require.NoError(t, err)
		l.SetLen(n)
		return l
	}

	s.Defer(Chunk{Lease: lease(8), N: 8})
	s.Defer(Chunk{Lease: lease(2), N: 2, EndStream: true})
	require.True(t, s.HasDeferred())

	// Plenty of stream window but no connection budget.
	_, ok := s.PopDeferred(4)
	assert.False(t, ok)

	c, ok := s.PopDeferred(100)
	require.True(t, ok)
	assert.Equal(t, 8, c.N)
	require.NoError(t, s.SendData(8, false))
	pool.Release(c.Lease)

	// 2 bytes of stream window remain, exactly the head chunk.
	c, ok = s.PopDeferred(100)
	require.True(t, ok)
	assert.True(t, c.EndStream)
	assert.False(t, s.HasDeferred())
	pool.Release(c.Lease)
}

// A response whose final empty END_STREAM frame was queued behind
// window-limited data must complete once that data drains the window to
// exactly zero; a 0-byte DATA frame fits any window.
func TestDeferredEmptyEndStreamFitsExhaustedWindow(t *testing.T) {
	pool := bufpool.New(2, 64)
	s := New(1, 5, 65535)
	require.NoError(t, s.SendHeaders(false))

	l, err := pool.Acquire()
	require.NoError(t, err)
	l.SetLen(5)
	s.Defer(Chunk{Lease: l, N: 5})
	s.Defer(Chunk{N: 0, EndStream: true})

	c, ok := s.PopDeferred(1 << 20)
	require.True(t, ok)
	assert.Equal(t, 5, c.N)
	require.NoError(t, s.SendData(5, false))
	pool.Release(c.Lease)
	assert.Zero(t, s.SendWindow())

	c, ok = s.PopDeferred(1 << 20)
	require.True(t, ok)
	assert.Zero(t, c.N)
	assert.True(t, c.EndStream)
	require.NoError(t, s.SendData(0, true))
	assert.Equal(t, StateHalfClosedLocal, s.State())

	// A head chunk with payload stays blocked on the empty window.
	s.Defer(Chunk{N: 1})
	_, ok = s.PopDeferred(1 << 20)
	assert.False(t, ok)
}

func TestResetReturnsDeferredChunks(t *testing.T) {
	pool := bufpool.New(2, 64)
	s := New(1, 0, 65535)

	l, err := pool.Acquire()
	require.NoError(t, err)
	s.Defer(Chunk{Lease: l})

	chunks := s.Reset()
	require.Len(t, chunks, 1)
	assert.Equal(t, StateClosed, s.State())
	for _, c := range chunks {
		pool.Release(c.Lease)
	}
	assert.Equal(t, 2, pool.Free())
}

func TestValidateRequestHeaders(t *testing.T) {
	ok := []hpack.Field{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "https"},
		{Name: ":path", Value: "/"},
		{Name: ":authority", Value: "example.com"},
		{Name: "user-agent", Value: "fluke"},
	}
	require.NoError(t, ValidateRequestHeaders(1, ok))

	cases := map[string][]hpack.Field{
		"missing method": {
			{Name: ":scheme", Value: "https"}, {Name: ":path", Value: "/"},
		},
		"empty path": {
			{Name: ":method", Value: "GET"}, {Name: ":scheme", Value: "https"},
			{Name: ":path", Value: ""},
		},
		"uppercase name": {
			{Name: ":method", Value: "GET"}, {Name: ":scheme", Value: "https"},
			{Name: ":path", Value: "/"}, {Name: "X-Custom", Value: "v"},
		},
		"pseudo after regular": {
			{Name: ":method", Value: "GET"}, {Name: "accept", Value: "*/*"},
			{Name: ":scheme", Value: "https"}, {Name: ":path", Value: "/"},
		},
		"duplicate pseudo": {
			{Name: ":method", Value: "GET"}, {Name: ":method", Value: "POST"},
			{Name: ":scheme", Value: "https"}, {Name: ":path", Value: "/"},
		},
		"connection header": {
			{Name: ":method", Value: "GET"}, {Name: ":scheme", Value: "https"},
			{Name: ":path", Value: "/"}, {Name: "connection", Value: "close"},
		},
		"bad te": {
			{Name: ":method", Value: "GET"}, {Name: ":scheme", Value: "https"},
			{Name: ":path", Value: "/"}, {Name: "te", Value: "gzip"},
		},
		"unknown pseudo": {
			{Name: ":method", Value: "GET"}, {Name: ":scheme", Value: "https"},
			{Name: ":path", Value: "/"}, {Name: ":proto", Value: "x"},
		},
	}
	for name, fields := range cases {
		t.Run(name, func(t *testing.T) {
			err := ValidateRequestHeaders(7, fields)
			var se proto.StreamError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, uint32(7), se.StreamID)
		})
	}
}

func TestValidateTrailers(t *testing.T) {
	require.NoError(t, ValidateTrailers(1, []hpack.Field{{Name: "x-checksum", Value: "abc"}}))

	err := ValidateTrailers(1, []hpack.Field{{Name: ":status", Value: "200"}})
	var se proto.StreamError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, proto.ErrCodeProtocol, se.Code)
}

func TestContentLength(t *testing.T) {
	n, err := ContentLength([]hpack.Field{{Name: "content-length", Value: "42"}})
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)

	n, err = ContentLength(nil)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), n)

	_, err = ContentLength([]hpack.Field{{Name: "content-length", Value: "nope"}})
	assert.True(t, proto.IsConnectionFatal(err))

	require.NoError(t, ValidateContentLength(1, 42, 42))
	require.NoError(t, ValidateContentLength(1, -1, 9))
	assert.Error(t, ValidateContentLength(1, 42, 41))
}

func TestValidateStreamID(t *testing.T) {
	require.NoError(t, ValidateStreamID(1, 0))
	require.NoError(t, ValidateStreamID(7, 5))

	for _, tc := range []struct{ id, last uint32 }{
		{0, 0},  // reserved
		{2, 0},  // even
		{5, 5},  // reuse
		{3, 11}, // regression
	} {
		err := ValidateStreamID(tc.id, tc.last)
		assert.True(t, proto.IsConnectionFatal(err), "id %d after %d", tc.id, tc.last)
	}
}
