package server

import (
	"encoding/binary"

	"github.com/go-kit/log/level"
	"golang.org/x/sys/unix"

	"github.com/calvinalkan/minikv/internal/connpool"
	"github.com/calvinalkan/minikv/internal/wire"
)

func (s *Server) handleEvent(ev Event, nowUs uint64) {
	c, ok := s.pool.Lookup(ev.FD)
	if !ok {
		return
	}

	s.pool.Touch(c, nowUs)

	if ev.Hup || ev.RdHup {
		s.closeConnection(c)
		return
	}

	if ev.Err {
		// Spurious or unexpected zero-copy completions are tolerated, not
		// fatal; a full accounting integration (recvmsg on the socket
		// error queue) is out of scope for this build — see DESIGN.md.
		level.Debug(s.logger).Log("msg", "socket error event", "fd", c.FD)
	}

	if ev.Readable {
		s.handleRead(c, nowUs)
	}

	if c.State != connpool.StateClose && (ev.Writable || c.HasUnsentData()) {
		s.handleWrite(c, nowUs)
	}

	s.updateReadiness(c)
}

func (s *Server) handleRead(c *connpool.Connection, nowUs uint64) {
	for {
		space := c.ReadSpace()
		if len(space) == 0 {
			s.flushCloseOnProtocolError(c, wire.ErrMalformed, "message exceeds read buffer capacity")
			return
		}

		n, err := unix.Read(c.FD, space)
		if err != nil {
			if err == unix.EAGAIN {
				break
			}

			s.closeConnection(c)

			return
		}

		if n == 0 {
			s.closeConnection(c)

			return
		}

		c.AppendRead(n)

		if n < len(space) {
			break
		}
	}

	s.processPipeline(c, nowUs)

	if c.State == connpool.StateFlushClose && c.PipelineDepth() == 0 {
		s.closeConnection(c)
	}
}

func (s *Server) processPipeline(c *connpool.Connection, nowUs uint64) {
	data := c.Readable()
	cursor := 0

parseLoop:
	for cursor < len(data) {
		if c.PipelineFull() {
			break
		}

		msg, status := s.parser.Parse(data[cursor:])

		switch status {
		case wire.StatusIncomplete:
			break parseLoop

		case wire.StatusInvalid, wire.StatusTooBig:
			s.flushCloseOnProtocolError(c, protocolErrKind(status), protocolErrMsg(status))
			cursor = len(data)

			break parseLoop

		case wire.StatusOK:
			c.Proto = msg.Proto

			if !s.executeAndQueue(c, msg.Args, nowUs) {
				c.State = connpool.StateFlushClose
				cursor += msg.Consumed

				break parseLoop
			}

			cursor += msg.Consumed
		}
	}

	c.Compact(cursor)
}

func protocolErrKind(status wire.Status) wire.ErrKind {
	if status == wire.StatusTooBig {
		return wire.Err2Big
	}

	return wire.ErrMalformed
}

func protocolErrMsg(status wire.Status) string {
	if status == wire.StatusTooBig {
		return "message too big"
	}

	return "malformed message"
}

// executeAndQueue runs one command and queues its reply into the
// connection's outbound ring. It returns false if the ring had no room
// for the reply, in which case the caller abandons this response and the
// connection moves to FLUSH_CLOSE.
func (s *Server) executeAndQueue(c *connpool.Connection, args [][]byte, nowUs uint64) bool {
	scratch := c.ReplyScratch()
	scratch.SetProto(c.Proto)
	scratch.Reset()

	if !s.cache.Execute(args, nowUs, scratch) {
		return false
	}

	payload := scratch.Bytes()

	needed := len(payload)
	if c.Proto == wire.ProtoBIN {
		needed += 4
	}

	region, gap, ok := c.Reserve(needed)
	if !ok {
		return false
	}

	if c.Proto == wire.ProtoBIN {
		binary.BigEndian.PutUint32(region[0:4], uint32(len(payload)))
		copy(region[4:], payload)
	} else {
		copy(region, payload)
	}

	c.Commit(region, gap, connpool.ShouldZeroCopy(c.Proto, needed))

	return true
}

func (s *Server) flushCloseOnProtocolError(c *connpool.Connection, kind wire.ErrKind, msg string) {
	scratch := c.ReplyScratch()
	scratch.SetProto(c.Proto)
	scratch.Reset()
	scratch.WriteErr(kind, msg)

	payload := scratch.Bytes()

	needed := len(payload)
	if c.Proto == wire.ProtoBIN {
		needed += 4
	}

	region, gap, ok := c.Reserve(needed)
	if ok {
		if c.Proto == wire.ProtoBIN {
			binary.BigEndian.PutUint32(region[0:4], uint32(len(payload)))
			copy(region[4:], payload)
		} else {
			copy(region, payload)
		}

		c.Commit(region, gap, false)
	}

	c.State = connpool.StateFlushClose
}

// handleWrite drains as much queued response data as the kernel will
// accept, releasing slots as they complete and stopping early once the
// pipeline hits a slot that is fully sent but still awaiting zero-copy
// completion. Releasing a slot can free up pipeline room for requests
// left unparsed by a prior PipelineFull backpressure event, so a freed
// slot retries parsing.
func (s *Server) handleWrite(c *connpool.Connection, nowUs uint64) {
	releasedSlot := false

	for {
		for {
			slot, ok := c.HeadSlot()
			if !ok || !slot.Complete() {
				break
			}

			c.ReleaseHead()
			releasedSlot = true
		}

		if !s.writevPending(c) {
			break
		}
	}

	if c.State == connpool.StateFlushClose && c.PipelineDepth() == 0 {
		s.closeConnection(c)
		return
	}

	if releasedSlot && c.State == connpool.StateActive && len(c.Readable()) > 0 {
		s.processPipeline(c, nowUs)
	}
}

// writevPending batches every currently-ready slot's unsent bytes into a
// single writev call instead of one Write syscall per queued response,
// and distributes the result back across the slots in pipeline order. It
// returns false once there is nothing left to write this round, either
// because the pipeline is empty, the head is blocked on a zero-copy
// completion, or the kernel's send buffer is full.
func (s *Server) writevPending(c *connpool.Connection) bool {
	pending := c.PendingWriteSlots()
	if len(pending) == 0 {
		return false
	}

	iovs := make([][]byte, len(pending))
	for i, slot := range pending {
		iovs[i] = slot.Remaining()
	}

	n, err := unix.Writev(c.FD, iovs)
	if err != nil {
		if err == unix.EAGAIN {
			return false
		}

		s.closeConnection(c)

		return false
	}

	if n == 0 {
		return false
	}

	for _, slot := range pending {
		if n <= 0 {
			break
		}

		take := slot.TotalLen() - slot.Sent()
		if take > n {
			take = n
		}

		slot.AdvanceSent(take)
		n -= take
	}

	return true
}

// updateReadiness recomputes which events this connection should be
// notified for: READ always (unless closing), WRITE iff unsent data
// remains, ERR iff any slot awaits a zero-copy completion.
func (s *Server) updateReadiness(c *connpool.Connection) {
	if c.State == connpool.StateClose {
		return
	}

	watchWrite := c.HasUnsentData()
	if err := s.poller.Modify(c.FD, watchWrite); err != nil {
		level.Debug(s.logger).Log("msg", "poller modify failed", "fd", c.FD, "err", err)
	}
}
