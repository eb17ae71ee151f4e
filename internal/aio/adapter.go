// Package aio bridges pooled buffer leases to the event-loop transport. A
// lease crossing into a submitted operation moves to kernel ownership and
// must not be touched until the completion callback observes it; the adapter
// enforces the handoff and guarantees leases return to the pool on every
// path, error paths included.
package aio

import (
	"errors"
	"sync"

	"github.com/panjf2000/gnet/v2"
	"go.uber.org/zap"

	"github.com/bearcove/fluke/internal/bufpool"
)

// ErrClosed reports a submission against an adapter whose transport is gone.
var ErrClosed = errors.New("aio: adapter closed")

// Transport is the slice of gnet.Conn the adapter drives. Declared locally so
// tests can stand in for a live event-loop connection.
type Transport interface {
	InboundBuffered() int
	Next(n int) ([]byte, error)
	AsyncWrite(buf []byte, callback gnet.AsyncCallback) error
}

// Adapter binds one transport connection to the lease-ownership discipline.
// Reads are pull-based (the event loop signals traffic, the owner drains);
// writes are completion-based with ownership held by the kernel boundary
// until the callback fires.
type Adapter struct {
	t    Transport
	pool *bufpool.Pool
	log  *zap.Logger

	mu       sync.Mutex
	inflight map[*bufpool.Lease]struct{}
	closed   bool
}

// New wraps a transport connection.
func New(t Transport, pool *bufpool.Pool, log *zap.Logger) *Adapter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Adapter{
		t:        t,
		pool:     pool,
		log:      log,
		inflight: make(map[*bufpool.Lease]struct{}),
	}
}

// SubmitRead fills l from the connection's inbound bytes and returns how many
// were transferred. Zero with a nil error means nothing is buffered right
// now. On transport error the lease goes back to the pool and the error is
// surfaced; the caller must treat it as connection-fatal.
func (a *Adapter) SubmitRead(l *bufpool.Lease) (int, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		a.pool.Release(l)
		return 0, ErrClosed
	}
	a.mu.Unlock()

	want := a.t.InboundBuffered()
	if room := l.Cap() - l.Len(); want > room {
		want = room
	}
	if want == 0 {
		return 0, nil
	}

	l.MoveToKernel()
	buf, err := a.t.Next(want)
	l.MoveToCaller()
	if err != nil {
		a.pool.Release(l)
		return 0, err
	}
	return l.Fill(buf), nil
}

// SubmitWrite queues the lease's bytes on the transport. Ownership moves with
// the call: the region belongs to the kernel boundary until the completion
// fires, at which point the lease returns to the pool. A synchronous
// submission failure also returns the lease; nothing leaks.
func (a *Adapter) SubmitWrite(l *bufpool.Lease) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		a.pool.Release(l)
		return ErrClosed
	}
	a.inflight[l] = struct{}{}
	a.mu.Unlock()

	buf := l.Bytes()
	l.MoveToKernel()
	err := a.t.AsyncWrite(buf, func(_ gnet.Conn, werr error) error {
		a.complete(l, werr)
		return nil
	})
	if err != nil {
		a.complete(l, err)
		return err
	}
	return nil
}

// Write satisfies the connection state machine's outbound sink.
func (a *Adapter) Write(l *bufpool.Lease) error { return a.SubmitWrite(l) }

// complete observes one write completion. A lease already reclaimed by Close
// is skipped; completions and cancellation race only on the map.
func (a *Adapter) complete(l *bufpool.Lease, err error) {
	a.mu.Lock()
	_, mine := a.inflight[l]
	if mine {
		delete(a.inflight, l)
	}
	a.mu.Unlock()
	if !mine {
		return
	}
	l.MoveToCaller()
	a.pool.Release(l)
	if err != nil {
		a.log.Warn("async write failed", zap.Error(err))
	}
}

// Inflight returns how many write submissions have not completed yet.
func (a *Adapter) Inflight() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inflight)
}

// Close cancels the adapter: every in-flight lease returns to the pool and
// later completions become no-ops. Safe to call more than once.
func (a *Adapter) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	pending := make([]*bufpool.Lease, 0, len(a.inflight))
	for l := range a.inflight {
		pending = append(pending, l)
	}
	a.inflight = make(map[*bufpool.Lease]struct{})
	a.mu.Unlock()

	for _, l := range pending {
		l.MoveToCaller()
		a.pool.Release(l)
	}
}
