package connpool

import "github.com/calvinalkan/minikv/internal/wire"

// zeroCopyThreshold is K_ZEROCPY_THRESHOLD: BIN payloads above this size
// opt into zero-copy send semantics.
const zeroCopyThreshold = 16 * 1024

// Reserve allocates needed contiguous bytes from the connection's
// outbound ring for one response, following §4.10's placement rule:
// prefer writing contiguously at wbufHead; otherwise wrap to the start of
// the ring if the wrapped write fits before wbufTail; otherwise the ring
// is full and the caller must back-pressure.
func (c *Connection) Reserve(needed int) (region []byte, gap int, ok bool) {
	if c.PipelineFull() {
		return nil, 0, false
	}

	wbufSize := len(c.wbuf)
	tailAheadOfHead := c.wbufTail > c.wbufHead

	if needed <= wbufSize-c.wbufHead && (!tailAheadOfHead || needed < c.wbufTail-c.wbufHead) {
		region = c.wbuf[c.wbufHead : c.wbufHead+needed]
		c.wbufHead += needed

		return region, 0, true
	}

	if needed < c.wbufTail {
		gap = wbufSize - c.wbufHead
		region = c.wbuf[0:needed]
		c.wbufHead = needed

		return region, gap, true
	}

	return nil, 0, false
}

// Commit publishes a reserved region as the next pipeline slot. useZeroCopy
// should be true only for BIN frames above zeroCopyThreshold.
func (c *Connection) Commit(region []byte, gap int, useZeroCopy bool) {
	c.slots[c.writeIdx] = Slot{
		region:   region,
		gap:      gap,
		totalLen: len(region),
		zeroCopy: useZeroCopy,
	}
	c.writeIdx = (c.writeIdx + 1) % len(c.slots)
	c.pipelineDepth++
}

// ShouldZeroCopy reports whether a response of n bytes in proto should
// opt into zero-copy send semantics: BIN only, above zeroCopyThreshold.
func ShouldZeroCopy(proto wire.Proto, n int) bool {
	return proto == wire.ProtoBIN && n > zeroCopyThreshold
}
