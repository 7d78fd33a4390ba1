// Package wire implements the dual-protocol (BIN/RESP) framer, parser, and
// reply serializer described by the protocol contract: BIN is a tagged,
// length-prefixed binary encoding; RESP is the Redis Serialization
// Protocol. A single Buffer type backs both — it is a fixed-capacity,
// append-only byte sink that never allocates once constructed and whose
// writers report success/failure instead of panicking, so a command
// handler that runs out of room can abort cleanly.
package wire

import (
	"encoding/binary"
	"math"
	"strconv"
)

// Proto identifies which wire protocol a Buffer serializes for. Byte 0 of
// each inbound message picks the protocol for that message (see the
// framer); it is not latched per connection, so one connection can mix BIN
// and RESP messages.
type Proto int

const (
	ProtoBIN Proto = iota
	ProtoRESP
)

// Tag bytes for the BIN protocol (§4.6 of the design).
const (
	tagNil byte = 0x00
	tagErr byte = 0x01
	tagStr byte = 0x02
	tagInt byte = 0x03
	tagDbl byte = 0x04
	tagArr byte = 0x05
)

// Buffer is a fixed-capacity append-only byte sink.
type Buffer struct {
	data  []byte
	proto Proto
}

// NewBuffer returns an empty buffer with room for capacity bytes.
func NewBuffer(proto Proto, capacity int) *Buffer {
	return &Buffer{data: make([]byte, 0, capacity), proto: proto}
}

// Proto returns the protocol this buffer serializes for.
func (b *Buffer) Proto() Proto { return b.proto }

// SetProto re-targets a reused buffer at a different protocol. The server
// calls it before every reply with the protocol of the message being
// answered, since that protocol is chosen per message (see the framer).
func (b *Buffer) SetProto(p Proto) { b.proto = p }

// Bytes returns the buffer's contents so far.
func (b *Buffer) Bytes() []byte { return b.data }

// Len returns the number of bytes written so far.
func (b *Buffer) Len() int { return len(b.data) }

// Reset empties the buffer without releasing its backing array.
func (b *Buffer) Reset() { b.data = b.data[:0] }

func (b *Buffer) room(n int) bool {
	return len(b.data)+n <= cap(b.data)
}

func (b *Buffer) writeBytes(p []byte) bool {
	if !b.room(len(p)) {
		return false
	}

	b.data = append(b.data, p...)

	return true
}

func (b *Buffer) writeByte(c byte) bool {
	if !b.room(1) {
		return false
	}

	b.data = append(b.data, c)

	return true
}

func (b *Buffer) writeU32NBO(v uint32) bool {
	var tmp [4]byte

	binary.BigEndian.PutUint32(tmp[:], v)

	return b.writeBytes(tmp[:])
}

func (b *Buffer) writeI64NBO(v int64) bool {
	var tmp [8]byte

	binary.BigEndian.PutUint64(tmp[:], uint64(v))

	return b.writeBytes(tmp[:])
}

// patchU32NBO overwrites 4 already-written bytes at pos. Used only to patch
// a previously reserved array-count slot; pos+4 must be <= len(b.data).
func (b *Buffer) patchU32NBO(pos int, v uint32) {
	binary.BigEndian.PutUint32(b.data[pos:pos+4], v)
}

// --- BIN writers -----------------------------------------------------

// OutNil writes the BIN NIL tag.
func (b *Buffer) OutNil() bool {
	return b.writeByte(tagNil)
}

// OutErr writes a BIN ERR frame: tag, u32 code, u32 len, bytes.
func (b *Buffer) OutErr(kind ErrKind, msg []byte) bool {
	return b.writeByte(tagErr) &&
		b.writeU32NBO(uint32(kind)) &&
		b.writeU32NBO(uint32(len(msg))) &&
		b.writeBytes(msg)
}

// OutStr writes a BIN STR frame: tag, u32 len, bytes.
func (b *Buffer) OutStr(s []byte) bool {
	return b.writeByte(tagStr) && b.writeU32NBO(uint32(len(s))) && b.writeBytes(s)
}

// OutInt writes a BIN INT frame: tag, i64 network byte order.
func (b *Buffer) OutInt(v int64) bool {
	return b.writeByte(tagInt) && b.writeI64NBO(v)
}

// OutDbl writes a BIN DBL frame: tag, 8 raw IEEE-754 bytes. Snapshot files
// and the BIN wire both store doubles as little-endian raw bytes (see
// DESIGN.md's resolution of the Open Question on cross-architecture
// compatibility); binary.LittleEndian yields the same bytes on every host,
// so the encoding does not depend on the host's endianness.
func (b *Buffer) OutDbl(v float64) bool {
	var tmp [8]byte

	binary.LittleEndian.PutUint64(tmp[:], math.Float64bits(v))

	return b.writeByte(tagDbl) && b.writeBytes(tmp[:])
}

// OutArr writes a complete BIN ARR frame with a known-upfront count.
func (b *Buffer) OutArr(n uint32) bool {
	return b.writeByte(tagArr) && b.writeU32NBO(n)
}

// ArrToken marks a reserved array-count slot for later patching.
type ArrToken int

// OutArrBegin writes the BIN ARR tag and reserves 4 bytes for a count to
// be patched in later via OutArrEnd, for callers that don't know the
// element count until they've produced it. BIN-only: RESP arrays must
// know their size up front (see OutArrayHeader).
func (b *Buffer) OutArrBegin() (ArrToken, bool) {
	if !b.writeByte(tagArr) {
		return 0, false
	}

	pos := len(b.data)
	if !b.writeU32NBO(0) {
		return 0, false
	}

	return ArrToken(pos), true
}

// OutArrEnd patches the count reserved by OutArrBegin. The resulting frame
// is byte-identical to one produced by OutArr(n) followed by the same n
// element writes.
func (b *Buffer) OutArrEnd(tok ArrToken, n uint32) {
	b.patchU32NBO(int(tok), n)
}

// --- RESP writers ------------------------------------------------------

var crlf = []byte("\r\n")

// OutSimpleString writes a RESP simple string: +<text>\r\n.
func (b *Buffer) OutSimpleString(s []byte) bool {
	return b.writeByte('+') && b.writeBytes(s) && b.writeBytes(crlf)
}

// OutOK writes +OK\r\n.
func (b *Buffer) OutOK() bool {
	return b.OutSimpleString([]byte("OK"))
}

// OutNilBulk writes the RESP NIL bulk string: $-1\r\n.
func (b *Buffer) OutNilBulk() bool {
	return b.writeBytes([]byte("$-1\r\n"))
}

// OutBulk writes a RESP bulk string: $<len>\r\n<bytes>\r\n.
func (b *Buffer) OutBulk(s []byte) bool {
	return b.writeByte('$') &&
		b.writeBytes(strconv.AppendInt(nil, int64(len(s)), 10)) &&
		b.writeBytes(crlf) &&
		b.writeBytes(s) &&
		b.writeBytes(crlf)
}

// OutInteger writes a RESP integer: :<int>\r\n.
func (b *Buffer) OutInteger(v int64) bool {
	return b.writeByte(':') && b.writeBytes(strconv.AppendInt(nil, v, 10)) && b.writeBytes(crlf)
}

// OutDouble writes a RESP double as a bulk string with 17-significant-digit
// general format, matching the protocol contract's formatting rule.
func (b *Buffer) OutDouble(v float64) bool {
	return b.OutBulk(strconv.AppendFloat(nil, v, 'g', 17, 64))
}

// OutArrayHeader writes a RESP array header: *<count>\r\n. RESP arrays
// always know their size up front; there is no reserve/patch form.
func (b *Buffer) OutArrayHeader(n int) bool {
	return b.writeByte('*') && b.writeBytes(strconv.AppendInt(nil, int64(n), 10)) && b.writeBytes(crlf)
}

// OutError writes a RESP error: -ERR <msg>\r\n.
func (b *Buffer) OutError(msg []byte) bool {
	return b.writeBytes([]byte("-ERR ")) && b.writeBytes(msg) && b.writeBytes(crlf)
}
