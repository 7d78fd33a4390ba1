package server_test

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/minikv/internal/cache"
	"github.com/calvinalkan/minikv/internal/connpool"
	"github.com/calvinalkan/minikv/internal/server"
	"github.com/calvinalkan/minikv/internal/wire"
)

// startServer boots a real server on a fixed loopback port and returns a
// stop func. Driving the event loop end to end over actual TCP sockets is
// the only way to exercise handler.go's readiness-driven read/write paths
// without reimplementing the poller as a fake.
func startServer(t *testing.T, port int, idleTimeoutUs uint64) (addr string, stop func()) {
	t.Helper()

	c := cache.New(1)

	srv, err := server.New(server.Config{
		Port:          port,
		IdleTimeoutUs: idleTimeoutUs,
		Limits:        wire.DefaultLimits(),
		PoolLimits:    connpool.DefaultLimits(),
	}, c, log.NewNopLogger())
	require.NoError(t, err)

	stopCh := make(chan struct{})
	done := make(chan error, 1)

	go func() { done <- srv.Run(stopCh) }()

	addr = fmt.Sprintf("127.0.0.1:%d", port)

	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err != nil {
			return false
		}

		_ = conn.Close()

		return true
	}, 2*time.Second, 10*time.Millisecond, "server never started listening")

	return addr, func() {
		close(stopCh)
		<-done
		c.Close()
	}
}

// encodeBIN frames args the way a BIN client does: u32 total length, u32
// arg count, then (u32 length, bytes) per argument.
func encodeBIN(args ...string) []byte {
	var payload []byte

	var argCount [4]byte
	binary.BigEndian.PutUint32(argCount[:], uint32(len(args)))
	payload = append(payload, argCount[:]...)

	for _, a := range args {
		var argLen [4]byte
		binary.BigEndian.PutUint32(argLen[:], uint32(len(a)))
		payload = append(payload, argLen[:]...)
		payload = append(payload, a...)
	}

	var total [4]byte
	binary.BigEndian.PutUint32(total[:], uint32(len(payload)))

	return append(total[:], payload...)
}

// encodeRESP frames args as a RESP array of bulk strings.
func encodeRESP(args ...string) []byte {
	out := fmt.Sprintf("*%d\r\n", len(args))

	for _, a := range args {
		out += fmt.Sprintf("$%d\r\n%s\r\n", len(a), a)
	}

	return []byte(out)
}

// readBINPrefix consumes the u32 length prefix the server writes before
// every BIN reply and returns the payload length it announces.
func readBINPrefix(t *testing.T, r *bufio.Reader) uint32 {
	t.Helper()

	var prefix [4]byte
	_, err := io.ReadFull(r, prefix[:])
	require.NoError(t, err)

	return binary.BigEndian.Uint32(prefix[:])
}

// readBINNil consumes one BIN NIL reply (u32 length prefix of 1, then a
// single tag byte).
func readBINNil(t *testing.T, r *bufio.Reader) {
	t.Helper()

	require.Equal(t, uint32(1), readBINPrefix(t, r))

	tag, err := r.ReadByte()
	require.NoError(t, err)
	require.Equal(t, byte(0x00), tag, "expected BIN NIL tag")
}

// readBINStr reads one BIN STR reply (u32 length prefix, then tag, u32 len,
// bytes) from r.
func readBINStr(t *testing.T, r *bufio.Reader) string {
	t.Helper()

	readBINPrefix(t, r)

	tag, err := r.ReadByte()
	require.NoError(t, err)
	require.Equal(t, byte(0x02), tag, "expected BIN STR tag")

	var lenBuf [4]byte
	_, err = r.Read(lenBuf[:])
	require.NoError(t, err)

	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	_, err = r.Read(buf)
	require.NoError(t, err)

	return string(buf)
}

// noIdleTimeout is large enough in microseconds that no test connection
// will ever trip the idle timer before the test itself finishes.
const noIdleTimeout = uint64(1) << 40

func TestServerRoundTripsBINSetAndGet(t *testing.T) {
	addr, stop := startServer(t, 19421, noIdleTimeout)
	defer stop()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(encodeBIN("SET", "k1", "hello"))
	require.NoError(t, err)

	r := bufio.NewReader(conn)

	// SET's reply is protocol-asymmetric: BIN clients get NIL, not a
	// string "OK" (see wire.Buffer.WriteOK).
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	readBINNil(t, r)

	_, err = conn.Write(encodeBIN("GET", "k1"))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	val := readBINStr(t, r)
	require.Equal(t, "hello", val)
}

func TestServerRoundTripsRESPPing(t *testing.T) {
	addr, stop := startServer(t, 19422, noIdleTimeout)
	defer stop()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(encodeRESP("PING"))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	r := bufio.NewReader(conn)

	line, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "+PONG\r\n", line)
}

func TestServerPipelinesMultipleRequestsInOneWrite(t *testing.T) {
	addr, stop := startServer(t, 19423, noIdleTimeout)
	defer stop()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	var batch []byte
	batch = append(batch, encodeBIN("SET", "a", "1")...)
	batch = append(batch, encodeBIN("SET", "b", "2")...)
	batch = append(batch, encodeBIN("GET", "a")...)
	batch = append(batch, encodeBIN("GET", "b")...)

	_, err = conn.Write(batch)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	r := bufio.NewReader(conn)

	readBINNil(t, r) // SET a
	readBINNil(t, r) // SET b
	require.Equal(t, "1", readBINStr(t, r))
	require.Equal(t, "2", readBINStr(t, r))
}

func TestServerClosesIdleConnection(t *testing.T) {
	addr, stop := startServer(t, 19424, 50*1000) // 50ms idle timeout
	defer stop()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))

	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	require.Error(t, err, "idle connection should be closed by the server")
}

func TestServerRejectsOversizedMessage(t *testing.T) {
	addr, stop := startServer(t, 19425, noIdleTimeout)
	defer stop()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	var oversized [4]byte
	binary.BigEndian.PutUint32(oversized[:], uint32(wire.DefaultLimits().MaxMsg+1))

	_, err = conn.Write(oversized[:])
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	r := bufio.NewReader(conn)

	readBINPrefix(t, r)

	tag, err := r.ReadByte()
	require.NoError(t, err)
	require.Equal(t, byte(0x01), tag, "expected BIN ERR tag for a too-big message")
}
