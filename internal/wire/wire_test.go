package wire_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/minikv/internal/wire"
)

func encodeBIN(args ...string) []byte {
	payload := make([]byte, 0, 64)

	var tmp [4]byte

	binary.BigEndian.PutUint32(tmp[:], uint32(len(args)))
	payload = append(payload, tmp[:]...)

	for _, a := range args {
		binary.BigEndian.PutUint32(tmp[:], uint32(len(a)))
		payload = append(payload, tmp[:]...)
		payload = append(payload, a...)
	}

	msg := make([]byte, 0, 4+len(payload))
	binary.BigEndian.PutUint32(tmp[:], uint32(len(payload)))
	msg = append(msg, tmp[:]...)
	msg = append(msg, payload...)

	return msg
}

func TestParseBINRoundTrip(t *testing.T) {
	msg := encodeBIN("SET", "foo", "bar")

	before := append([]byte(nil), msg...)

	p := wire.NewParser(wire.DefaultLimits())
	got, status := p.Parse(msg)

	require.Equal(t, wire.StatusOK, status)
	require.Equal(t, wire.ProtoBIN, got.Proto)
	require.Equal(t, len(msg), got.Consumed)
	require.Equal(t, [][]byte{[]byte("SET"), []byte("foo"), []byte("bar")}, got.Args)

	// Parsing never mutates the input.
	require.True(t, bytes.Equal(before, msg), "input buffer must be byte-identical after parse")
}

func TestParseBINIncomplete(t *testing.T) {
	msg := encodeBIN("PING")

	p := wire.NewParser(wire.DefaultLimits())

	_, status := p.Parse(msg[:len(msg)-1])
	require.Equal(t, wire.StatusIncomplete, status)

	_, status = p.Parse(msg[:2])
	require.Equal(t, wire.StatusIncomplete, status)
}

func TestParseBINTooBig(t *testing.T) {
	limits := wire.Limits{MaxMsg: 8, MaxArgs: 16}
	p := wire.NewParser(limits)

	msg := encodeBIN("PING")
	_, status := p.Parse(msg)
	require.Equal(t, wire.StatusTooBig, status)
}

func TestParseBINExactlyAtMaxMsg(t *testing.T) {
	// payload is "arg_count(4) + arg_len(4) + 0 bytes" = 8 bytes exactly.
	limits := wire.Limits{MaxMsg: 8, MaxArgs: 16}
	p := wire.NewParser(limits)

	msg := encodeBIN("")
	require.Equal(t, 12, len(msg)) // 4 (len prefix) + 8 (payload)

	_, status := p.Parse(msg)
	require.Equal(t, wire.StatusOK, status)
}

func TestParseRESPPing(t *testing.T) {
	p := wire.NewParser(wire.DefaultLimits())

	msg := []byte("*1\r\n$4\r\nPING\r\n")
	got, status := p.Parse(msg)

	require.Equal(t, wire.StatusOK, status)
	require.Equal(t, wire.ProtoRESP, got.Proto)
	require.Equal(t, len(msg), got.Consumed)
	require.Equal(t, [][]byte{[]byte("PING")}, got.Args)
}

func TestParseRESPIncomplete(t *testing.T) {
	p := wire.NewParser(wire.DefaultLimits())

	full := []byte("*1\r\n$4\r\nPING\r\n")
	for n := 0; n < len(full); n++ {
		_, status := p.Parse(full[:n])
		require.Equal(t, wire.StatusIncomplete, status, "n=%d", n)
	}
}

func TestParseRESPInvalidMissingTrailingCRLF(t *testing.T) {
	p := wire.NewParser(wire.DefaultLimits())

	msg := []byte("*1\r\n$4\r\nPINGXX")
	_, status := p.Parse(msg)
	require.Equal(t, wire.StatusInvalid, status)
}

func TestIdentifyProto(t *testing.T) {
	require.Equal(t, wire.ProtoRESP, wire.IdentifyProto([]byte("*1\r\n")))
	require.Equal(t, wire.ProtoBIN, wire.IdentifyProto([]byte{0, 0, 0, 1}))
}

func TestArrBeginEndMatchesOutArr(t *testing.T) {
	streamed := wire.NewBuffer(wire.ProtoBIN, 256)
	tok, ok := streamed.OutArrBegin()
	require.True(t, ok)
	require.True(t, streamed.OutStr([]byte("a")))
	require.True(t, streamed.OutStr([]byte("b")))
	streamed.OutArrEnd(tok, 2)

	direct := wire.NewBuffer(wire.ProtoBIN, 256)
	require.True(t, direct.OutArr(2))
	require.True(t, direct.OutStr([]byte("a")))
	require.True(t, direct.OutStr([]byte("b")))

	require.Equal(t, direct.Bytes(), streamed.Bytes())
}

func TestRESPRejectsStreamedArray(t *testing.T) {
	b := wire.NewBuffer(wire.ProtoRESP, 256)
	_, ok := b.ArrBeginStreamed()
	require.False(t, ok)
}

func TestWriteOKAsymmetry(t *testing.T) {
	resp := wire.NewBuffer(wire.ProtoRESP, 32)
	resp.WriteOK()
	require.Equal(t, "+OK\r\n", string(resp.Bytes()))

	bin := wire.NewBuffer(wire.ProtoBIN, 32)
	bin.WriteOK()
	require.Equal(t, []byte{0x00}, bin.Bytes())
}

func TestBufferOverflowReturnsFalse(t *testing.T) {
	b := wire.NewBuffer(wire.ProtoBIN, 2)
	require.False(t, b.OutStr([]byte("too long for this buffer")))
}
