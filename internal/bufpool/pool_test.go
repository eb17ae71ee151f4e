package bufpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bearcove/fluke/internal/proto"
)

func TestAcquireRelease(t *testing.T) {
	p := New(4, 1024)
	require.Equal(t, 4, p.Free())

	l, err := p.Acquire()
	require.NoError(t, err)
	assert.Equal(t, OwnedByCaller, l.State())
	assert.Equal(t, 1024, l.Cap())
	assert.Equal(t, 0, l.Len())
	assert.Equal(t, 3, p.Free())
	assert.Equal(t, 1, p.Outstanding())

	n := l.Fill([]byte("hello"))
	assert.Equal(t, 5, n)
	assert.Equal(t, []byte("hello"), l.Bytes())

	p.Release(l)
	assert.Equal(t, 4, p.Free())
	assert.Equal(t, 0, p.Outstanding())
}

func TestExhaustionIsRecoverable(t *testing.T) {
	p := New(2, 64)
	a, err := p.Acquire()
	require.NoError(t, err)
	b, err := p.Acquire()
	require.NoError(t, err)

	_, err = p.Acquire()
	require.ErrorIs(t, err, proto.ErrExhausted)
	assert.True(t, proto.IsRetryable(err))

	p.Release(a)
	c, err := p.Acquire()
	require.NoError(t, err)
	p.Release(b)
	p.Release(c)
	assert.Equal(t, 2, p.Free())
}

func TestKernelOwnershipBlocksAccess(t *testing.T) {
	p := New(1, 64)
	l, err := p.Acquire()
	require.NoError(t, err)
	l.Fill([]byte("in flight"))
	l.MoveToKernel()

	assert.Panics(t, func() { l.Bytes() })
	assert.Panics(t, func() { l.Writable() })
	assert.Panics(t, func() { l.Fill([]byte("x")) })
	assert.Panics(t, func() { p.Release(l) })

	l.MoveToCaller()
	assert.Equal(t, []byte("in flight"), l.Bytes())
	p.Release(l)
	assert.Equal(t, 1, p.Free())
}

func TestDoubleReleasePanics(t *testing.T) {
	p := New(1, 64)
	l, err := p.Acquire()
	require.NoError(t, err)
	p.Release(l)
	assert.Panics(t, func() { p.Release(l) })
}

func TestConcurrentAcquireRelease(t *testing.T) {
	p := New(8, 256)
	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 1000; j++ {
				l, err := p.Acquire()
				if err != nil {
					continue
				}
				l.Fill([]byte{byte(j)})
				p.Release(l)
			}
		}()
	}
	for i := 0; i < 4; i++ {
		<-done
	}
	assert.Equal(t, 8, p.Free())
}
