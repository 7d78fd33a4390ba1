// Package snapshot implements the on-disk cache format: a header of magic,
// the payload's CRC32 (computed once the payload is built) and a version,
// followed by a simple sequence of entry records. Save is atomic via a temp-file-then-rename,
// grounded on the same github.com/natefinch/atomic pattern the reference
// implementation uses for its own atomic config/ticket writes.
package snapshot

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math"
	"os"

	"github.com/natefinch/atomic"

	"github.com/calvinalkan/minikv/internal/cache"
	"github.com/calvinalkan/minikv/internal/zset"
)

// magic identifies a minikv snapshot file. 4 bytes, written verbatim.
var magic = [4]byte{'M', 'K', 'V', '1'}

const formatVersion uint32 = 1

const (
	valueTypeStr  = 0
	valueTypeZSet = 1
	zsetMarker    = 0x02
)

var (
	// ErrBadMagic means the file doesn't start with the expected header.
	ErrBadMagic = errors.New("snapshot: bad magic")
	// ErrVersionMismatch means the file's version field is not understood
	// by this build.
	ErrVersionMismatch = errors.New("snapshot: version mismatch")
	// ErrCorrupt means the payload's recomputed CRC32 didn't match the
	// checksum recorded in the header at save time.
	ErrCorrupt = errors.New("snapshot: CRC32 mismatch")
)

// headerSize is magic(4) + crc32(4) + version(4).
const headerSize = 12

// Save serializes every live entry in c to path, atomically. It builds the
// full payload in memory, computes its CRC32, then writes the header,
// CRC, version, and payload as a single atomic file replace (temp file
// then rename), so a crash mid-write never leaves a partially-written
// file at path.
func Save(c *cache.Cache, path string) error {
	payload := encodePayload(c)

	sum := crc32.ChecksumIEEE(payload)

	buf := make([]byte, 0, headerSize+len(payload))
	buf = append(buf, magic[:]...)
	buf = appendU32(buf, sum)
	buf = appendU32(buf, formatVersion)
	buf = append(buf, payload...)

	if err := atomic.WriteFile(path, bytes.NewReader(buf)); err != nil {
		return fmt.Errorf("snapshot: writing %s: %w", path, err)
	}

	return nil
}

func encodePayload(c *cache.Cache) []byte {
	var buf []byte

	c.Walk(func(e *cache.Entry) bool {
		buf = appendU64(buf, e.ExpireAtUs)
		buf = appendU32(buf, uint32(len(e.Key)))
		buf = append(buf, e.Key...)

		switch e.Typ {
		case cache.TypeStr:
			buf = append(buf, valueTypeStr)
			buf = appendU32(buf, uint32(len(e.Str)))
			buf = append(buf, e.Str...)
		case cache.TypeZSet:
			buf = append(buf, valueTypeZSet)

			countPos := len(buf)
			buf = appendU32(buf, 0)

			count := uint32(0)
			e.ZSet.Walk(func(n *zset.Node) bool {
				buf = appendF64LE(buf, n.Score)
				buf = append(buf, zsetMarker)
				buf = appendU32(buf, uint32(len(n.Name)))
				buf = append(buf, n.Name...)
				count++

				return true
			})

			binary.BigEndian.PutUint32(buf[countPos:countPos+4], count)
		}

		return true
	})

	return buf
}

// Load reads a snapshot from path into c, which must be empty. A missing
// file is not an error: the cache is simply left empty, matching a fresh
// start. Any other failure to read, identify, or verify the file is
// returned and c is left untouched (load either fully succeeds or is
// abandoned before any entry is restored).
func Load(c *cache.Cache, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // path is operator-supplied config, not untrusted input
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return fmt.Errorf("snapshot: reading %s: %w", path, err)
	}

	if len(data) < headerSize {
		return ErrBadMagic
	}

	if !bytes.Equal(data[0:4], magic[:]) {
		return ErrBadMagic
	}

	wantCRC := binary.BigEndian.Uint32(data[4:8])
	version := binary.BigEndian.Uint32(data[8:12])

	if version != formatVersion {
		return ErrVersionMismatch
	}

	payload := data[headerSize:]
	if crc32.ChecksumIEEE(payload) != wantCRC {
		return ErrCorrupt
	}

	entries, err := decodePayload(payload)
	if err != nil {
		return fmt.Errorf("snapshot: %s: %w", path, err)
	}

	for _, e := range entries {
		c.Restore(e.key, e.typ, e.str, e.zset, e.expireAtUs)
	}

	return nil
}

type decodedEntry struct {
	key        []byte
	typ        cache.EntryType
	str        []byte
	zset       *zset.ZSet
	expireAtUs uint64
}

func decodePayload(b []byte) ([]decodedEntry, error) {
	var entries []decodedEntry

	for len(b) > 0 {
		expireAtUs, rest, err := readU64(b)
		if err != nil {
			return nil, err
		}

		klen, rest, err := readU32(rest)
		if err != nil {
			return nil, err
		}

		key, rest, err := readBytes(rest, int(klen))
		if err != nil {
			return nil, err
		}

		typ, rest, err := readByte(rest)
		if err != nil {
			return nil, err
		}

		switch typ {
		case valueTypeStr:
			vlen, r2, err := readU32(rest)
			if err != nil {
				return nil, err
			}

			val, r2, err := readBytes(r2, int(vlen))
			if err != nil {
				return nil, err
			}

			entries = append(entries, decodedEntry{
				key:        key,
				typ:        cache.TypeStr,
				str:        val,
				expireAtUs: expireAtUs,
			})
			rest = r2

		case valueTypeZSet:
			count, r2, err := readU32(rest)
			if err != nil {
				return nil, err
			}

			z := zset.New()

			for i := uint32(0); i < count; i++ {
				score, r3, err := readF64LE(r2)
				if err != nil {
					return nil, err
				}

				marker, r3, err := readByte(r3)
				if err != nil {
					return nil, err
				}

				if marker != zsetMarker {
					return nil, fmt.Errorf("%w: bad zset member marker", ErrCorrupt)
				}

				namelen, r3, err := readU32(r3)
				if err != nil {
					return nil, err
				}

				name, r3, err := readBytes(r3, int(namelen))
				if err != nil {
					return nil, err
				}

				z.Add(name, score)
				r2 = r3
			}

			entries = append(entries, decodedEntry{
				key:        key,
				typ:        cache.TypeZSet,
				zset:       z,
				expireAtUs: expireAtUs,
			})
			rest = r2

		default:
			return nil, fmt.Errorf("%w: unknown value type byte %d", ErrCorrupt, typ)
		}

		b = rest
	}

	return entries, nil
}

var errTruncated = fmt.Errorf("%w: truncated record", ErrCorrupt)

func readU64(b []byte) (uint64, []byte, error) {
	if len(b) < 8 {
		return 0, nil, errTruncated
	}

	return binary.BigEndian.Uint64(b[:8]), b[8:], nil
}

func readU32(b []byte) (uint32, []byte, error) {
	if len(b) < 4 {
		return 0, nil, errTruncated
	}

	return binary.BigEndian.Uint32(b[:4]), b[4:], nil
}

func readByte(b []byte) (byte, []byte, error) {
	if len(b) < 1 {
		return 0, nil, errTruncated
	}

	return b[0], b[1:], nil
}

func readBytes(b []byte, n int) ([]byte, []byte, error) {
	if len(b) < n {
		return nil, nil, errTruncated
	}

	return append([]byte(nil), b[:n]...), b[n:], nil
}

func readF64LE(b []byte) (float64, []byte, error) {
	if len(b) < 8 {
		return 0, nil, errTruncated
	}

	return math.Float64frombits(binary.LittleEndian.Uint64(b[:8])), b[8:], nil
}

func appendU32(b []byte, v uint32) []byte {
	var tmp [4]byte

	binary.BigEndian.PutUint32(tmp[:], v)

	return append(b, tmp[:]...)
}

func appendU64(b []byte, v uint64) []byte {
	var tmp [8]byte

	binary.BigEndian.PutUint64(tmp[:], v)

	return append(b, tmp[:]...)
}

func appendF64LE(b []byte, v float64) []byte {
	var tmp [8]byte

	binary.LittleEndian.PutUint64(tmp[:], math.Float64bits(v))

	return append(b, tmp[:]...)
}
