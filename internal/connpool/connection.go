// Package connpool implements the per-connection I/O state machine, its
// outbound byte ring and response-slot metadata, zero-copy completion
// accounting, and the connection pool (slab + free list + dense active
// array + sparse fd index) that owns every live Connection.
package connpool

import (
	"container/list"

	"github.com/calvinalkan/minikv/internal/wire"
)

// State is a Connection's position in the I/O lifecycle.
type State int

const (
	StateActive State = iota
	StateFlushClose
	StateClose
)

// Connection is one TCP client. rbuf/readOffset hold unparsed input;
// wbuf/slots hold queued-but-unsent responses. idleElem is this
// connection's node in the pool's process-wide idle list (MRU at tail,
// per the design notes' resolution of that ambiguity).
type Connection struct {
	FD    int
	State State
	Proto wire.Proto

	rbuf       []byte
	readOffset int

	wbuf     []byte
	wbufHead int
	wbufTail int

	slots        []Slot
	readIdx      int
	writeIdx     int
	pipelineDepth int

	idleStartUs uint64
	idleElem    *list.Element

	indexInActive int
	nextFreeIdx   int

	replyScratch *wire.Buffer
}

func newConnection(rbufSize, wbufSize, slotCount int) *Connection {
	return &Connection{
		rbuf:         make([]byte, rbufSize),
		wbuf:         make([]byte, wbufSize),
		slots:        make([]Slot, slotCount),
		nextFreeIdx:  -1,
		replyScratch: wire.NewBuffer(wire.ProtoBIN, rbufSize),
	}
}

// ReplyScratch returns this connection's reusable command-reply buffer —
// the per-connection scratch array the design notes call for in place of
// a single process-wide one, since the loop is single-threaded and one
// scratch per connection is sufficient and avoids any shared mutable
// state between connections. Callers must Reset it and call SetProto
// before each use.
func (c *Connection) ReplyScratch() *wire.Buffer {
	return c.replyScratch
}

func (c *Connection) reset() {
	c.FD = -1
	c.State = StateActive
	c.readOffset = 0
	c.wbufHead = 0
	c.wbufTail = 0
	c.readIdx = 0
	c.writeIdx = 0
	c.pipelineDepth = 0
	c.idleStartUs = 0
	c.idleElem = nil

	for i := range c.slots {
		c.slots[i] = Slot{}
	}
}

// IdleDeadline returns the absolute microsecond timestamp at which this
// connection should be closed for inactivity, given timeoutUs.
func (c *Connection) IdleDeadline(timeoutUs uint64) uint64 {
	return c.idleStartUs + timeoutUs
}

// Readable returns the unparsed prefix of rbuf.
func (c *Connection) Readable() []byte {
	return c.rbuf[:c.readOffset]
}

// AppendRead records n freshly-read bytes starting at the current
// readOffset; the caller reads directly into c.ReadSpace() first.
func (c *Connection) AppendRead(n int) {
	c.readOffset += n
}

// ReadSpace returns the unused tail of rbuf available for the next recv.
func (c *Connection) ReadSpace() []byte {
	return c.rbuf[c.readOffset:]
}

// Compact discards the first n bytes of the readable region, sliding the
// remainder to the front so the next recv has maximal contiguous room.
func (c *Connection) Compact(n int) {
	remaining := copy(c.rbuf, c.rbuf[n:c.readOffset])
	c.readOffset = remaining
}

// PipelineFull reports whether every response slot is occupied.
func (c *Connection) PipelineFull() bool {
	return c.pipelineDepth >= len(c.slots)
}

// PipelineDepth returns the number of queued-but-unreleased response slots.
func (c *Connection) PipelineDepth() int {
	return c.pipelineDepth
}

// HeadSlot returns the oldest unreleased slot, if any are pending.
func (c *Connection) HeadSlot() (*Slot, bool) {
	if c.pipelineDepth == 0 {
		return nil, false
	}

	return &c.slots[c.readIdx], true
}

// HasUnsentData reports whether any queued response still has bytes to
// hand to the transport.
func (c *Connection) HasUnsentData() bool {
	for i := 0; i < c.pipelineDepth; i++ {
		s := &c.slots[(c.readIdx+i)%len(c.slots)]
		if s.sent < s.totalLen {
			return true
		}
	}

	return false
}

// AwaitingZeroCopyACK reports whether any queued slot is fully sent but
// still waiting on kernel completion notifications.
func (c *Connection) AwaitingZeroCopyACK() bool {
	for i := 0; i < c.pipelineDepth; i++ {
		s := &c.slots[(c.readIdx+i)%len(c.slots)]
		if s.sent >= s.totalLen && s.pendingOps > 0 {
			return true
		}
	}

	return false
}

// PendingWriteSlots returns, in pipeline order, every queued slot that
// still has unsent bytes, stopping at the first slot already fully
// handed to the kernel but still awaiting an async zero-copy completion:
// writing past it would not help that slot complete any sooner, and it
// is what currently blocks the pipeline from advancing. Callers batch
// the returned slots' Remaining() into one writev/sendmsg call instead
// of issuing one Write syscall per slot.
func (c *Connection) PendingWriteSlots() []*Slot {
	slots := make([]*Slot, 0, c.pipelineDepth)

	for i := 0; i < c.pipelineDepth; i++ {
		s := &c.slots[(c.readIdx+i)%len(c.slots)]

		if s.sent >= s.totalLen {
			break
		}

		slots = append(slots, s)
	}

	return slots
}

// ReleaseHead pops the head slot once it is Complete, restoring its
// region to the free part of wbuf.
func (c *Connection) ReleaseHead() {
	s := &c.slots[c.readIdx]

	if s.gap > 0 {
		c.wbufTail = 0
		c.wbufTail += s.totalLen
	} else {
		c.wbufTail = (c.wbufTail + s.totalLen) % len(c.wbuf)
	}

	*s = Slot{}
	c.readIdx = (c.readIdx + 1) % len(c.slots)
	c.pipelineDepth--
}

// ApplyZeroCopyCompletion decrements pendingOps on the head slot by up to
// n, per the head-first spillover rule: any remainder keeps applying to
// subsequent slots in pipeline order.
func (c *Connection) ApplyZeroCopyCompletion(n int) {
	for i := 0; i < c.pipelineDepth && n > 0; i++ {
		s := &c.slots[(c.readIdx+i)%len(c.slots)]
		if s.pendingOps == 0 {
			continue
		}

		take := s.pendingOps
		if take > n {
			take = n
		}

		s.pendingOps -= take
		n -= take
	}
}
