package cache

import "github.com/calvinalkan/minikv/internal/zset"

// EntryType discriminates the two value kinds a keyspace entry can hold.
type EntryType int

const (
	TypeStr EntryType = iota
	TypeZSet
)

// heapIdxNone is the sentinel meaning "not currently linked into the TTL
// heap" — equivalently, ExpireAtUs == 0.
const heapIdxNone = -1

// Entry is one keyspace value. Exactly one of Str/ZSet is meaningful,
// selected by Typ. ExpireAtUs == 0 means no TTL; HeapIdx == heapIdxNone
// iff ExpireAtUs == 0, maintained as an invariant by every mutator below.
type Entry struct {
	Key        []byte
	Typ        EntryType
	Str        []byte
	ZSet       *zset.ZSet
	ExpireAtUs uint64
	HeapIdx    int
}

func newEntry(key []byte, typ EntryType) *Entry {
	return &Entry{
		Key:     append([]byte(nil), key...),
		Typ:     typ,
		HeapIdx: heapIdxNone,
	}
}

// Set implements intheap.Ref: the TTL heap calls this on every insert and
// swap so HeapIdx always reflects the entry's live position.
func (e *Entry) Set(idx int) { e.HeapIdx = idx }

// HasTTL reports whether the entry currently participates in the TTL heap.
func (e *Entry) HasTTL() bool { return e.ExpireAtUs != 0 }
