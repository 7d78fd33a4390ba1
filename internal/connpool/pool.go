package connpool

import "github.com/calvinalkan/minikv/internal/wire"

// Limits sizes every buffer a Connection owns.
type Limits struct {
	RbufSize  int
	WbufSize  int
	SlotCount int
}

// DefaultLimits mirrors the protocol contract's default K_WBUF_SIZE /
// K_SLOT_COUNT tuning.
func DefaultLimits() Limits {
	return Limits{RbufSize: 64 * 1024, WbufSize: 256 * 1024, SlotCount: 16}
}

// Pool owns every live Connection: a growable slab holds the storage,
// a free list recycles released slots by index, a dense slice tracks
// which slab indices are currently active (for O(1) full-pool scans,
// e.g. to compute the next poll deadline), and a map from file
// descriptor to slab index stands in for the reference design's sparse
// fd-indexed array — idiomatic in Go, where fds aren't guaranteed to be
// small contiguous integers the way a hand-rolled array would assume.
type Pool struct {
	limits    Limits
	slab      []*Connection
	freeList  []int
	active    []int
	byFD      map[int]int
	idle      *idleList
}

// New returns an empty pool.
func New(limits Limits) *Pool {
	return &Pool{
		limits: limits,
		byFD:   make(map[int]int),
		idle:   newIdleList(),
	}
}

// Acquire returns a Connection for fd, reusing a released slab slot when
// one is available and growing the slab otherwise.
func (p *Pool) Acquire(fd int, proto wire.Proto) *Connection {
	var idx int

	if n := len(p.freeList); n > 0 {
		idx = p.freeList[n-1]
		p.freeList = p.freeList[:n-1]
	} else {
		idx = len(p.slab)
		p.slab = append(p.slab, newConnection(p.limits.RbufSize, p.limits.WbufSize, p.limits.SlotCount))
	}

	c := p.slab[idx]
	c.reset()
	c.FD = fd
	c.Proto = proto
	c.indexInActive = len(p.active)

	p.active = append(p.active, idx)
	p.byFD[fd] = idx
	p.idle.touch(c)

	return c
}

// Lookup resolves fd to its live Connection, if any.
func (p *Pool) Lookup(fd int) (*Connection, bool) {
	idx, ok := p.byFD[fd]
	if !ok {
		return nil, false
	}

	return p.slab[idx], true
}

// Touch records activity on c, moving it to the tail of the idle list.
func (p *Pool) Touch(c *Connection, nowUs uint64) {
	c.idleStartUs = nowUs
	p.idle.touch(c)
}

// IdleHead returns the least-recently-active live connection.
func (p *Pool) IdleHead() (*Connection, bool) {
	return p.idle.head()
}

// Release returns c's slab slot to the free list, detaching it from the
// idle list and the dense active array (swap-with-last to keep it dense).
func (p *Pool) Release(c *Connection) {
	idx, ok := p.byFD[c.FD]
	if !ok {
		return
	}

	p.idle.remove(c)
	delete(p.byFD, c.FD)

	last := len(p.active) - 1
	movedIdx := p.active[last]
	p.active[c.indexInActive] = movedIdx
	p.slab[movedIdx].indexInActive = c.indexInActive
	p.active = p.active[:last]

	c.FD = -1
	p.freeList = append(p.freeList, idx)
}

// Len returns the number of currently active connections.
func (p *Pool) Len() int {
	return len(p.active)
}

// Each visits every active connection. visit returning false stops early.
func (p *Pool) Each(visit func(c *Connection) bool) {
	for _, idx := range p.active {
		if !visit(p.slab[idx]) {
			return
		}
	}
}
