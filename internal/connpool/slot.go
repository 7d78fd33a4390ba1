package connpool

// Slot is one reservation in a connection's outbound ring, capable of
// carrying a single response frame. region is the byte range inside the
// connection's wbuf that holds the frame; gap records the number of
// trailing bytes skipped when a reservation wrapped to the start of the
// ring instead of fitting contiguously at wbufHead.
type Slot struct {
	region     []byte
	gap        int
	totalLen   int
	sent       int
	pendingOps int
	zeroCopy   bool
}

// Complete reports whether a slot is eligible for release: every byte has
// been handed to the kernel and, for zero-copy slots, every DMA
// completion notification for it has arrived.
func (s *Slot) Complete() bool {
	return s.sent >= s.totalLen && s.pendingOps == 0
}

// Remaining returns the slice of region still unsent.
func (s *Slot) Remaining() []byte {
	return s.region[s.sent:]
}

// AdvanceSent records n more bytes as handed off to the transport.
func (s *Slot) AdvanceSent(n int) {
	s.sent += n
}

// Sent returns how many bytes of this slot have been handed to the kernel.
func (s *Slot) Sent() int { return s.sent }

// TotalLen returns this slot's full frame length.
func (s *Slot) TotalLen() int { return s.totalLen }
