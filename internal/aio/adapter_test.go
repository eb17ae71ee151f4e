package aio

import (
	"errors"
	"testing"

	"github.com/panjf2000/gnet/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bearcove/fluke/internal/bufpool"
)

// fakeTransport buffers inbound bytes and holds write callbacks so tests can
// fire completions explicitly.
type fakeTransport struct {
	inbound  []byte
	written  [][]byte
	pending  []gnet.AsyncCallback
	writeErr error
	nextErr  error
}

func (f *fakeTransport) InboundBuffered() int { return len(f.inbound) }

func (f *fakeTransport) Next(n int) ([]byte, error) {
	if f.nextErr != nil {
		return nil, f.nextErr
	}
	if n < 0 || n > len(f.inbound) {
		n = len(f.inbound)
	}
	out := f.inbound[:n]
	f.inbound = f.inbound[n:]
	return out, nil
}

func (f *fakeTransport) AsyncWrite(buf []byte, cb gnet.AsyncCallback) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	f.written = append(f.written, append([]byte(nil), buf...))
	f.pending = append(f.pending, cb)
	return nil
}

func (f *fakeTransport) completeAll(err error) {
	cbs := f.pending
	f.pending = nil
	for _, cb := range cbs {
		_ = cb(nil, err)
	}
}

func TestSubmitReadFillsLease(t *testing.T) {
	pool := bufpool.New(2, 64)
	ft := &fakeTransport{inbound: []byte("hello world")}
	a := New(ft, pool, nil)

	l, err := pool.Acquire()
	require.NoError(t, err)
	n, err := a.SubmitRead(l)
	require.NoError(t, err)
	assert.Equal(t, 11, n)
	assert.Equal(t, []byte("hello world"), l.Bytes())
	pool.Release(l)
}

func TestSubmitReadBoundedByCapacity(t *testing.T) {
	pool := bufpool.New(2, 4)
	ft := &fakeTransport{inbound: []byte("abcdefgh")}
	a := New(ft, pool, nil)

	l, err := pool.Acquire()
	require.NoError(t, err)
	n, err := a.SubmitRead(l)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []byte("abcd"), l.Bytes())
	// The rest stays buffered for the next submission.
	assert.Equal(t, 4, ft.InboundBuffered())
	pool.Release(l)
}

func TestSubmitReadErrorReturnsLease(t *testing.T) {
	pool := bufpool.New(1, 64)
	ft := &fakeTransport{inbound: []byte("x"), nextErr: errors.New("reset by peer")}
	a := New(ft, pool, nil)

	l, err := pool.Acquire()
	require.NoError(t, err)
	_, err = a.SubmitRead(l)
	require.Error(t, err)
	assert.Equal(t, 1, pool.Free(), "lease must not leak on read error")
}

func TestSubmitWriteOwnershipRoundTrip(t *testing.T) {
	pool := bufpool.New(1, 64)
	ft := &fakeTransport{}
	a := New(ft, pool, nil)

	l, err := pool.Acquire()
	require.NoError(t, err)
	l.Fill([]byte("response bytes"))

	require.NoError(t, a.SubmitWrite(l))
	assert.Equal(t, bufpool.OwnedByKernel, l.State())
	assert.Equal(t, 1, a.Inflight())
	assert.Equal(t, 0, pool.Free())

	// Touching the region while the kernel owns it must panic.
	assert.Panics(t, func() { l.Bytes() })

	ft.completeAll(nil)
	assert.Equal(t, 0, a.Inflight())
	assert.Equal(t, 1, pool.Free())
	require.Len(t, ft.written, 1)
	assert.Equal(t, []byte("response bytes"), ft.written[0])
}

func TestSubmitWriteFailureReturnsLease(t *testing.T) {
	pool := bufpool.New(1, 64)
	ft := &fakeTransport{writeErr: errors.New("broken pipe")}
	a := New(ft, pool, nil)

	l, err := pool.Acquire()
	require.NoError(t, err)
	l.Fill([]byte("x"))
	require.Error(t, a.SubmitWrite(l))
	assert.Equal(t, 1, pool.Free())
	assert.Equal(t, 0, a.Inflight())
}

func TestCloseReclaimsInflightLeases(t *testing.T) {
	pool := bufpool.New(3, 64)
	ft := &fakeTransport{}
	a := New(ft, pool, nil)

	for i := 0; i < 3; i++ {
		l, err := pool.Acquire()
		require.NoError(t, err)
		l.Fill([]byte{byte(i)})
		require.NoError(t, a.SubmitWrite(l))
	}
	require.Equal(t, 3, a.Inflight())
	require.Equal(t, 0, pool.Free())

	a.Close()
	assert.Equal(t, 3, pool.Free())
	assert.Equal(t, 0, a.Inflight())

	// Late completions after cancellation must not double-release.
	assert.NotPanics(t, func() { ft.completeAll(nil) })
	assert.Equal(t, 3, pool.Free())
}

func TestSubmissionsAfterCloseAreRefused(t *testing.T) {
	pool := bufpool.New(2, 64)
	a := New(&fakeTransport{}, pool, nil)
	a.Close()

	l, err := pool.Acquire()
	require.NoError(t, err)
	require.ErrorIs(t, a.SubmitWrite(l), ErrClosed)
	assert.Equal(t, 2, pool.Free())

	l, err = pool.Acquire()
	require.NoError(t, err)
	_, err = a.SubmitRead(l)
	require.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, 2, pool.Free())
}
