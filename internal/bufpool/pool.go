// Package bufpool provides a fixed pool of fixed-size buffer regions with
// exclusive leases. A region handed to the kernel boundary must not be touched
// until its completion is observed; the ownership tag enforces that, not caller
// discipline.
package bufpool

import (
	"fmt"
	"sync"

	"github.com/bearcove/fluke/internal/proto"
)

// Ownership tags who may touch a region right now.
type Ownership uint8

const (
	// OwnedByPool marks a region sitting on the free list.
	OwnedByPool Ownership = iota
	// OwnedByCaller marks a region leased out for reading or filling.
	OwnedByCaller
	// OwnedByKernel marks a region in flight on a submitted I/O operation.
	OwnedByKernel
)

func (o Ownership) String() string {
	switch o {
	case OwnedByPool:
		return "free"
	case OwnedByCaller:
		return "leased-to-caller"
	case OwnedByKernel:
		return "leased-to-kernel"
	}
	return fmt.Sprintf("ownership(%d)", uint8(o))
}

// Lease is an exclusive handle on one pool region. It carries the region's
// capacity and a fill length; at most one owner exists at any time.
type Lease struct {
	pool  *Pool
	buf   []byte
	n     int
	state Ownership
}

// Cap returns the region capacity in bytes.
func (l *Lease) Cap() int { return len(l.buf) }

// Len returns the current fill length.
func (l *Lease) Len() int { return l.n }

// Bytes returns the filled portion of the region. Panics if the region is
// currently owned by the kernel.
func (l *Lease) Bytes() []byte {
	l.mustOwn("Bytes")
	return l.buf[:l.n]
}

// Writable returns the full region for filling. Panics if the region is
// currently owned by the kernel.
func (l *Lease) Writable() []byte {
	l.mustOwn("Writable")
	return l.buf
}

// SetLen records how many bytes of the region are filled.
func (l *Lease) SetLen(n int) {
	l.mustOwn("SetLen")
	if n < 0 || n > len(l.buf) {
		panic(fmt.Sprintf("bufpool: SetLen(%d) out of range [0,%d]", n, len(l.buf)))
	}
	l.n = n
}

// Fill copies p into the region starting at the current fill length and
// advances it, returning the number of bytes copied.
func (l *Lease) Fill(p []byte) int {
	l.mustOwn("Fill")
	n := copy(l.buf[l.n:], p)
	l.n += n
	return n
}

// State returns the current ownership tag.
func (l *Lease) State() Ownership { return l.state }

func (l *Lease) mustOwn(op string) {
	if l.state != OwnedByCaller {
		panic(fmt.Sprintf("bufpool: %s on lease in state %s", op, l.state))
	}
}

// MoveToKernel transfers ownership across the submission boundary. The caller
// must not touch the region again until MoveToCaller is called on completion.
func (l *Lease) MoveToKernel() {
	if l.state != OwnedByCaller {
		panic(fmt.Sprintf("bufpool: MoveToKernel on lease in state %s", l.state))
	}
	l.state = OwnedByKernel
}

// MoveToCaller returns ownership after a completion is observed.
func (l *Lease) MoveToCaller() {
	if l.state != OwnedByKernel {
		panic(fmt.Sprintf("bufpool: MoveToCaller on lease in state %s", l.state))
	}
	l.state = OwnedByCaller
}

// Pool owns a fixed set of fixed-size regions. Regions cycle between the free
// list and leases; none is individually freed while the pool lives. The free
// list is guarded by a single narrow mutex since leases are exclusive by
// construction and contention is limited to bookkeeping.
type Pool struct {
	mu    sync.Mutex
	free  []*Lease
	size  int
	total int
}

// New builds a pool of count regions of size bytes each.
func New(count, size int) *Pool {
	p := &Pool{size: size, total: count, free: make([]*Lease, 0, count)}
	for i := 0; i < count; i++ {
		p.free = append(p.free, &Lease{pool: p, buf: make([]byte, size)})
	}
	return p
}

// RegionSize returns the fixed capacity of every region.
func (p *Pool) RegionSize() int { return p.size }

// Acquire leases one region exclusively. Returns proto.ErrExhausted when no
// region is free; that is recoverable backpressure, not a fatal condition.
func (p *Pool) Acquire() (*Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return nil, proto.ErrExhausted
	}
	l := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	l.state = OwnedByCaller
	l.n = 0
	return l, nil
}

// Release returns a lease to the free list. A kernel-owned lease cannot be
// released; the completion must be observed first.
func (p *Pool) Release(l *Lease) {
	if l.pool != p {
		panic("bufpool: lease released to wrong pool")
	}
	switch l.state {
	case OwnedByPool:
		panic("bufpool: double release")
	case OwnedByKernel:
		panic("bufpool: release of kernel-owned lease")
	}
	l.state = OwnedByPool
	l.n = 0
	p.mu.Lock()
	p.free = append(p.free, l)
	p.mu.Unlock()
}

// Free returns how many regions are currently on the free list.
func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Outstanding returns how many regions are currently leased out.
func (p *Pool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total - len(p.free)
}
