package cache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/minikv/internal/wire"
)

func exec(t *testing.T, c *Cache, proto wire.Proto, nowUs uint64, args ...string) *wire.Buffer {
	t.Helper()

	argv := make([][]byte, len(args))
	for i, a := range args {
		argv[i] = []byte(a)
	}

	out := wire.NewBuffer(proto, 4096)
	ok := c.Execute(argv, nowUs, out)
	require.True(t, ok, "Execute ran out of buffer room")

	return out
}

func newTestCache(t *testing.T) *Cache {
	t.Helper()

	c := New(1)
	t.Cleanup(c.Close)

	return c
}

func TestSetThenGetReturnsString(t *testing.T) {
	c := newTestCache(t)

	exec(t, c, wire.ProtoBIN, 0, "SET", "foo", "bar")
	out := exec(t, c, wire.ProtoBIN, 0, "GET", "foo")

	want := wire.NewBuffer(wire.ProtoBIN, 32)
	want.OutStr([]byte("bar"))

	require.Equal(t, want.Bytes(), out.Bytes())
}

func TestRESPPingWithNoArgument(t *testing.T) {
	c := newTestCache(t)

	out := exec(t, c, wire.ProtoRESP, 0, "PING")
	require.Equal(t, "+PONG\r\n", string(out.Bytes()))
}

func TestPingEchoesArgument(t *testing.T) {
	c := newTestCache(t)

	out := exec(t, c, wire.ProtoBIN, 0, "PING", "hello")

	want := wire.NewBuffer(wire.ProtoBIN, 32)
	want.OutStr([]byte("hello"))
	require.Equal(t, want.Bytes(), out.Bytes())
}

func TestZAddReturnsNewThenUpdated(t *testing.T) {
	c := newTestCache(t)

	out1 := exec(t, c, wire.ProtoBIN, 0, "ZADD", "lb", "100", "a")
	out2 := exec(t, c, wire.ProtoBIN, 0, "ZADD", "lb", "200", "a")
	out3 := exec(t, c, wire.ProtoBIN, 0, "ZSCORE", "lb", "a")

	want1 := wire.NewBuffer(wire.ProtoBIN, 32)
	want1.OutInt(1)
	require.Equal(t, want1.Bytes(), out1.Bytes())

	want2 := wire.NewBuffer(wire.ProtoBIN, 32)
	want2.OutInt(0)
	require.Equal(t, want2.Bytes(), out2.Bytes())

	want3 := wire.NewBuffer(wire.ProtoBIN, 32)
	want3.OutDbl(200.0)
	require.Equal(t, want3.Bytes(), out3.Bytes())
}

func TestZQueryTieBreaksLexicographically(t *testing.T) {
	c := newTestCache(t)

	exec(t, c, wire.ProtoBIN, 0, "ZADD", "z", "1", "alpha")
	exec(t, c, wire.ProtoBIN, 0, "ZADD", "z", "1", "beta")

	out := exec(t, c, wire.ProtoBIN, 0, "ZQUERY", "z", "1", "", "0", "10")

	want := wire.NewBuffer(wire.ProtoBIN, 128)
	tok, _ := want.OutArrBegin()
	want.OutStr([]byte("alpha"))
	want.OutDbl(1.0)
	want.OutStr([]byte("beta"))
	want.OutDbl(1.0)
	want.OutArrEnd(tok, 4)

	require.Equal(t, want.Bytes(), out.Bytes())
}

func TestZQueryRESPCollectsBeforeArrayHeader(t *testing.T) {
	c := newTestCache(t)

	exec(t, c, wire.ProtoRESP, 0, "ZADD", "z", "1", "alpha")
	exec(t, c, wire.ProtoRESP, 0, "ZADD", "z", "2", "beta")

	out := exec(t, c, wire.ProtoRESP, 0, "ZQUERY", "z", "0", "", "0", "10")

	want := wire.NewBuffer(wire.ProtoRESP, 128)
	want.OutArrayHeader(4)
	want.OutBulk([]byte("alpha"))
	want.OutDouble(1.0)
	want.OutBulk([]byte("beta"))
	want.OutDouble(2.0)

	require.Equal(t, want.Bytes(), out.Bytes())
}

func TestPExpireThenGetExpiresOnSchedule(t *testing.T) {
	c := newTestCache(t)

	const t0 = 1_000_000_000 // arbitrary epoch start, microseconds

	exec(t, c, wire.ProtoBIN, t0, "SET", "k", "v")
	exec(t, c, wire.ProtoBIN, t0, "PEXPIRE", "k", "1000")

	stillAlive := exec(t, c, wire.ProtoBIN, t0+500_000, "GET", "k")
	want := wire.NewBuffer(wire.ProtoBIN, 32)
	want.OutStr([]byte("v"))
	require.Equal(t, want.Bytes(), stillAlive.Bytes())

	expired := exec(t, c, wire.ProtoBIN, t0+1_100_000, "GET", "k")
	wantNil := wire.NewBuffer(wire.ProtoBIN, 8)
	wantNil.OutNil()
	require.Equal(t, wantNil.Bytes(), expired.Bytes())
}

func TestPTTLReportsMissingNoTTLAndRemaining(t *testing.T) {
	c := newTestCache(t)

	missing := exec(t, c, wire.ProtoBIN, 0, "PTTL", "nope")
	want := wire.NewBuffer(wire.ProtoBIN, 16)
	want.OutInt(-2)
	require.Equal(t, want.Bytes(), missing.Bytes())

	exec(t, c, wire.ProtoBIN, 0, "SET", "k", "v")
	noTTL := exec(t, c, wire.ProtoBIN, 0, "PTTL", "k")
	want.Reset()
	want.OutInt(-1)
	require.Equal(t, want.Bytes(), noTTL.Bytes())

	exec(t, c, wire.ProtoBIN, 0, "PEXPIRE", "k", "5000")
	ttl := exec(t, c, wire.ProtoBIN, 1_000_000, "PTTL", "k")
	want.Reset()
	want.OutInt(4000)
	require.Equal(t, want.Bytes(), ttl.Bytes())
}

func TestDelOnLargeZSetRoutesThroughDestroyer(t *testing.T) {
	c := newTestCache(t)

	for i := 0; i < largeZSetThreshold+1; i++ {
		exec(t, c, wire.ProtoBIN, 0, "ZADD", "big", "1", string(rune('a'+i%26))+string(rune(i)))
	}

	out := exec(t, c, wire.ProtoBIN, 0, "DEL", "big")
	want := wire.NewBuffer(wire.ProtoBIN, 16)
	want.OutInt(1)
	require.Equal(t, want.Bytes(), out.Bytes())

	_, ok := c.lookupRaw([]byte("big"))
	require.False(t, ok)
}

func TestSetFullyReplacesPriorZSetAndClearsTTL(t *testing.T) {
	c := newTestCache(t)

	exec(t, c, wire.ProtoBIN, 0, "ZADD", "k", "1", "a")
	exec(t, c, wire.ProtoBIN, 0, "PEXPIRE", "k", "100000")

	exec(t, c, wire.ProtoBIN, 0, "SET", "k", "v")

	out := exec(t, c, wire.ProtoBIN, 0, "PTTL", "k")
	want := wire.NewBuffer(wire.ProtoBIN, 16)
	want.OutInt(-1)
	require.Equal(t, want.Bytes(), out.Bytes())

	got := exec(t, c, wire.ProtoBIN, 0, "GET", "k")
	wantStr := wire.NewBuffer(wire.ProtoBIN, 16)
	wantStr.OutStr([]byte("v"))
	require.Equal(t, wantStr.Bytes(), got.Bytes())
}

func TestUnknownCommandIsArgError(t *testing.T) {
	c := newTestCache(t)

	argv := [][]byte{[]byte("NOPE")}
	out := wire.NewBuffer(wire.ProtoBIN, 64)
	c.Execute(argv, 0, out)

	require.Equal(t, byte(0x01), out.Bytes()[0])
}

func TestArityMismatchIsArgError(t *testing.T) {
	c := newTestCache(t)

	argv := [][]byte{[]byte("GET")}
	out := wire.NewBuffer(wire.ProtoBIN, 64)
	c.Execute(argv, 0, out)

	require.Equal(t, byte(0x01), out.Bytes()[0])
}

func TestKeysGlobMatching(t *testing.T) {
	c := newTestCache(t)

	exec(t, c, wire.ProtoBIN, 0, "SET", "user:1", "a")
	exec(t, c, wire.ProtoBIN, 0, "SET", "user:2", "b")
	exec(t, c, wire.ProtoBIN, 0, "SET", "order:1", "c")

	out := exec(t, c, wire.ProtoRESP, 0, "KEYS", "user:*")
	require.Contains(t, string(out.Bytes()), "*2\r\n")
}

func TestMGetFailFastOnBufferExhaustion(t *testing.T) {
	c := newTestCache(t)

	exec(t, c, wire.ProtoBIN, 0, "SET", "k1", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	exec(t, c, wire.ProtoBIN, 0, "SET", "k2", "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")

	argv := [][]byte{[]byte("MGET"), []byte("k1"), []byte("k2")}
	out := wire.NewBuffer(wire.ProtoBIN, 16)
	ok := c.Execute(argv, 0, out)
	require.False(t, ok)
}

func TestNextExpiryReflectsHeapMinimum(t *testing.T) {
	c := newTestCache(t)

	require.Equal(t, ^uint64(0), c.NextExpiry())

	exec(t, c, wire.ProtoBIN, 1000, "SET", "k", "v")
	exec(t, c, wire.ProtoBIN, 1000, "PEXPIRE", "k", "50")

	require.Equal(t, uint64(1000+50*1000), c.NextExpiry())
}

func TestEvictRemovesExpiredEntryActively(t *testing.T) {
	c := newTestCache(t)

	exec(t, c, wire.ProtoBIN, 0, "SET", "k", "v")
	exec(t, c, wire.ProtoBIN, 0, "PEXPIRE", "k", "10")

	c.Evict(50_000)

	_, ok := c.lookupRaw([]byte("k"))
	require.False(t, ok)
}
