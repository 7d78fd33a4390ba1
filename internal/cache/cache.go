// Package cache implements the command dispatch table and the storage
// structures it manipulates: the keyspace hash map, the TTL min-heap, and
// (through internal/zset) the sorted-set value type.
package cache

import (
	"bytes"
	"strconv"

	"github.com/calvinalkan/minikv/internal/hmap"
	"github.com/calvinalkan/minikv/internal/intheap"
	"github.com/calvinalkan/minikv/internal/wire"
	"github.com/calvinalkan/minikv/internal/zset"
)

// evictBudget caps how many expired entries Evict will extract from the
// TTL heap in a single call, bounding active-eviction latency.
const evictBudget = 2000

// Cache owns the keyspace and the TTL heap and exposes the command
// dispatch table that the connection/event-loop layer drives.
type Cache struct {
	entries   *hmap.Map[*Entry]
	ttl       *intheap.Heap
	destroyer *destroyer
}

// New returns an empty cache. destroyWorkers sizes the pool that frees
// oversized sorted sets off the event-loop goroutine.
func New(destroyWorkers int) *Cache {
	return &Cache{
		entries:   hmap.New[*Entry](64),
		ttl:       intheap.New(),
		destroyer: newDestroyer(destroyWorkers),
	}
}

// Close stops the destruction worker pool, waiting for it to drain.
func (c *Cache) Close() {
	c.destroyer.shutdown()
}

// Walk visits every live entry in the keyspace in arbitrary order, for the
// snapshot codec. It does not perform passive eviction; a snapshot may
// contain an entry whose TTL has already elapsed, which behaves exactly as
// if it expired immediately after a fresh process loaded it.
func (c *Cache) Walk(visit func(e *Entry) bool) {
	c.entries.Scan(visit)
}

// Restore inserts an entry reconstructed by the snapshot codec into an
// otherwise-empty cache, wiring it into the TTL heap if expireAtUs != 0.
// It does not replace an existing entry and must only be used while
// loading a snapshot into a freshly constructed Cache.
func (c *Cache) Restore(key []byte, typ EntryType, str []byte, z *zset.ZSet, expireAtUs uint64) {
	e := newEntry(key, typ)
	e.Str = str
	e.ZSet = z
	c.insert(e)

	if expireAtUs != 0 {
		c.setTTL(e, expireAtUs)
	}
}

func eqKey(key []byte) func(e *Entry) bool {
	return func(e *Entry) bool { return bytes.Equal(e.Key, key) }
}

func (c *Cache) lookupRaw(key []byte) (*Entry, bool) {
	return c.entries.Lookup(hmap.Hash64(key), eqKey(key))
}

// lookupLive returns the entry for key if it exists and is not expired as
// of nowUs, passively evicting it first if it has expired. Most commands
// resolve keys through here; SET, DEL and MDEL use lookupRaw instead, and
// KEYS skips expired entries in its own scan.
func (c *Cache) lookupLive(key []byte, nowUs uint64) (*Entry, bool) {
	e, ok := c.lookupRaw(key)
	if !ok {
		return nil, false
	}

	if e.HasTTL() && e.ExpireAtUs < nowUs {
		c.destroyEntry(e)

		return nil, false
	}

	return e, true
}

// destroyEntry fully unlinks e from the hash map and TTL heap, then frees
// it — synchronously for STR entries and small ZSETs, or by handing it to
// the destruction worker pool for ZSETs over largeZSetThreshold members.
// The entry is detached from both structures before the hand-off, per the
// dispose-atomic requirement: the worker pool never touches the map or
// heap.
func (c *Cache) destroyEntry(e *Entry) {
	c.entries.Pop(hmap.Hash64(e.Key), eqKey(e.Key))

	if e.HasTTL() {
		c.ttl.Remove(e.HeapIdx)
	}

	if e.Typ == TypeZSet && e.ZSet != nil && e.ZSet.Len() > largeZSetThreshold {
		if c.destroyer.enqueue(e) {
			return
		}
	}

	if e.Typ == TypeZSet && e.ZSet != nil {
		e.ZSet.Dispose()
	}
}

func (c *Cache) insert(e *Entry) {
	c.entries.Insert(hmap.Hash64(e.Key), e, eqKey(e.Key))
}

// setTTL sets e's absolute expiry to expireAtUs (0 clears it), keeping the
// TTL heap invariant (heapIdx != none iff expire_at_us != 0) in sync.
func (c *Cache) setTTL(e *Entry, expireAtUs uint64) {
	switch {
	case expireAtUs == 0 && e.HasTTL():
		c.ttl.Remove(e.HeapIdx)
		e.ExpireAtUs = 0
	case expireAtUs != 0 && !e.HasTTL():
		e.ExpireAtUs = expireAtUs
		c.ttl.Add(expireAtUs, e)
	case expireAtUs != 0 && e.HasTTL():
		e.ExpireAtUs = expireAtUs
		c.ttl.Update(e.HeapIdx, expireAtUs)
	}
}

// NextExpiry returns the absolute microsecond deadline of the
// soonest-expiring entry, or math.MaxUint64 if the TTL heap is empty (the
// event loop treats that as "no TTL deadline pending").
func (c *Cache) NextExpiry() uint64 {
	item, ok := c.ttl.Peek()
	if !ok {
		return ^uint64(0)
	}

	return item.Val
}

// Evict performs active TTL eviction: while the heap's minimum expiry is
// before nowUs, pop and destroy that entry, up to evictBudget extractions
// per call.
func (c *Cache) Evict(nowUs uint64) {
	for i := 0; i < evictBudget; i++ {
		item, ok := c.ttl.Peek()
		if !ok || item.Val >= nowUs {
			return
		}

		e, ok := item.Ref.(*Entry)
		if !ok {
			return
		}

		c.destroyEntry(e)
	}
}

// Execute dispatches one command, writing its reply into out. It returns
// false if the reply could not be fully written because out ran out of
// room (backpressure); the caller must then abandon this response and
// close the connection after flushing what has already been queued.
func (c *Cache) Execute(args [][]byte, nowUs uint64, out *wire.Buffer) bool {
	if len(args) == 0 {
		return out.WriteErr(wire.ErrArg, "empty command")
	}

	name := upperASCII(args[0])

	h, ok := dispatchTable[name]
	if !ok {
		return out.WriteErr(wire.ErrArg, "unknown command '"+string(args[0])+"'")
	}

	if !arityOK(h.arity, len(args)) {
		return out.WriteErr(wire.ErrArg, "wrong number of arguments for '"+string(args[0])+"'")
	}

	return h.fn(c, args, nowUs, out)
}

// arity encodes a command's accepted argument counts (including argv[0]).
type arity struct {
	min int
	max int // -1 means unbounded
}

func arityOK(a arity, n int) bool {
	if n < a.min {
		return false
	}

	return a.max < 0 || n <= a.max
}

type handler struct {
	arity arity
	fn    func(c *Cache, args [][]byte, nowUs uint64, out *wire.Buffer) bool
}

var dispatchTable = map[string]handler{
	"PING":    {arity{1, 2}, cmdPing},
	"CONFIG":  {arity{1, -1}, cmdConfig},
	"GET":     {arity{2, 2}, cmdGet},
	"MGET":    {arity{2, -1}, cmdMGet},
	"SET":     {arity{3, 3}, cmdSet},
	"MSET":    {arity{3, -1}, cmdMSet},
	"DEL":     {arity{2, 2}, cmdDel},
	"MDEL":    {arity{2, -1}, cmdMDel},
	"PEXPIRE": {arity{3, 3}, cmdPExpire},
	"PTTL":    {arity{2, 2}, cmdPTTL},
	"ZADD":    {arity{4, 4}, cmdZAdd},
	"ZREM":    {arity{3, 3}, cmdZRem},
	"ZSCORE":  {arity{3, 3}, cmdZScore},
	"ZQUERY":  {arity{6, 6}, cmdZQuery},
	"KEYS":    {arity{2, 2}, cmdKeys},
}

func upperASCII(b []byte) string {
	out := make([]byte, len(b))

	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}

		out[i] = c
	}

	return string(out)
}

func cmdPing(_ *Cache, args [][]byte, _ uint64, out *wire.Buffer) bool {
	if len(args) == 2 {
		return out.WriteStr(args[1])
	}

	if out.Proto() == wire.ProtoRESP {
		return out.OutSimpleString([]byte("PONG"))
	}

	return out.WriteStr([]byte("PONG"))
}

// cmdConfig is a stub: every CONFIG invocation returns an empty array,
// which is enough for clients that probe config on connect.
func cmdConfig(_ *Cache, _ [][]byte, _ uint64, out *wire.Buffer) bool {
	return out.WriteArrayKnown(0)
}

func cmdGet(c *Cache, args [][]byte, nowUs uint64, out *wire.Buffer) bool {
	e, ok := c.lookupLive(args[1], nowUs)
	if !ok {
		return out.WriteNil()
	}

	if e.Typ != TypeStr {
		return out.WriteErr(wire.ErrType, "GET against a non-string key")
	}

	return out.WriteStr(e.Str)
}

func cmdMGet(c *Cache, args [][]byte, nowUs uint64, out *wire.Buffer) bool {
	keys := args[1:]
	if !out.WriteArrayKnown(len(keys)) {
		return false
	}

	for _, key := range keys {
		e, ok := c.lookupLive(key, nowUs)

		switch {
		case !ok:
			if !out.WriteNil() {
				return false
			}
		case e.Typ != TypeStr:
			if !out.WriteErr(wire.ErrType, "MGET against a non-string key") {
				return false
			}
		default:
			if !out.WriteStr(e.Str) {
				return false
			}
		}
	}

	return true
}

func cmdSet(c *Cache, args [][]byte, _ uint64, out *wire.Buffer) bool {
	setString(c, args[1], args[2])

	return out.WriteOK()
}

// setString always performs a full replacement: any previous TTL and
// value (of either type) are discarded and a fresh STR entry is inserted.
func setString(c *Cache, key, val []byte) {
	if old, ok := c.lookupRaw(key); ok {
		c.destroyEntry(old)
	}

	e := newEntry(key, TypeStr)
	e.Str = append([]byte(nil), val...)
	c.insert(e)
}

func cmdMSet(c *Cache, args [][]byte, _ uint64, out *wire.Buffer) bool {
	pairs := args[1:]
	if len(pairs)%2 != 0 {
		return out.WriteErr(wire.ErrArg, "MSET requires an even number of key/value arguments")
	}

	for i := 0; i+1 < len(pairs); i += 2 {
		setString(c, pairs[i], pairs[i+1])
	}

	return out.WriteNil()
}

func cmdDel(c *Cache, args [][]byte, _ uint64, out *wire.Buffer) bool {
	e, ok := c.lookupRaw(args[1])
	if !ok {
		return out.WriteInt(0)
	}

	c.destroyEntry(e)

	return out.WriteInt(1)
}

func cmdMDel(c *Cache, args [][]byte, _ uint64, out *wire.Buffer) bool {
	n := int64(0)

	for _, key := range args[1:] {
		if e, ok := c.lookupRaw(key); ok {
			c.destroyEntry(e)
			n++
		}
	}

	return out.WriteInt(n)
}

func cmdPExpire(c *Cache, args [][]byte, nowUs uint64, out *wire.Buffer) bool {
	ms, err := strconv.ParseInt(string(args[2]), 10, 64)
	if err != nil {
		return out.WriteErr(wire.ErrArg, "PEXPIRE value is not an integer")
	}

	e, ok := c.lookupLive(args[1], nowUs)
	if !ok {
		return out.WriteInt(0)
	}

	if ms < 0 {
		c.setTTL(e, 0)
	} else {
		c.setTTL(e, nowUs+uint64(ms)*1000)
	}

	return out.WriteInt(1)
}

func cmdPTTL(c *Cache, args [][]byte, nowUs uint64, out *wire.Buffer) bool {
	e, ok := c.lookupLive(args[1], nowUs)
	if !ok {
		return out.WriteInt(-2)
	}

	if !e.HasTTL() {
		return out.WriteInt(-1)
	}

	remainingUs := e.ExpireAtUs - nowUs
	if e.ExpireAtUs < nowUs {
		remainingUs = 0
	}

	return out.WriteInt(int64(remainingUs / 1000))
}

func cmdZAdd(c *Cache, args [][]byte, nowUs uint64, out *wire.Buffer) bool {
	key := args[1]

	score, err := strconv.ParseFloat(string(args[2]), 64)
	if err != nil {
		return out.WriteErr(wire.ErrArg, "ZADD score is not a number")
	}

	name := args[3]

	e, ok := c.lookupLive(key, nowUs)
	if !ok {
		e = newEntry(key, TypeZSet)
		e.ZSet = zset.New()
		c.insert(e)
	} else if e.Typ != TypeZSet {
		return out.WriteErr(wire.ErrType, "ZADD against a non-zset key")
	}

	return out.WriteInt(int64(e.ZSet.Add(name, score)))
}

func cmdZRem(c *Cache, args [][]byte, nowUs uint64, out *wire.Buffer) bool {
	e, ok := c.lookupLive(args[1], nowUs)
	if !ok {
		return out.WriteInt(0)
	}

	if e.Typ != TypeZSet {
		return out.WriteErr(wire.ErrType, "ZREM against a non-zset key")
	}

	if _, ok := e.ZSet.Pop(args[2]); ok {
		return out.WriteInt(1)
	}

	return out.WriteInt(0)
}

func cmdZScore(c *Cache, args [][]byte, nowUs uint64, out *wire.Buffer) bool {
	e, ok := c.lookupLive(args[1], nowUs)
	if !ok {
		return out.WriteNil()
	}

	if e.Typ != TypeZSet {
		return out.WriteErr(wire.ErrType, "ZSCORE against a non-zset key")
	}

	n, ok := e.ZSet.Lookup(args[2])
	if !ok {
		return out.WriteNil()
	}

	return out.WriteDouble(n.Score)
}

func cmdZQuery(c *Cache, args [][]byte, nowUs uint64, out *wire.Buffer) bool {
	key := args[1]

	score, err := strconv.ParseFloat(string(args[2]), 64)
	if err != nil {
		return out.WriteErr(wire.ErrArg, "ZQUERY score is not a number")
	}

	name := args[3]

	offset, err := strconv.Atoi(string(args[4]))
	if err != nil {
		return out.WriteErr(wire.ErrArg, "ZQUERY offset is not an integer")
	}

	limit, err := strconv.Atoi(string(args[5]))
	if err != nil {
		return out.WriteErr(wire.ErrArg, "ZQUERY limit is not an integer")
	}

	e, ok := c.lookupLive(key, nowUs)
	if !ok {
		return out.WriteArrayKnown(0)
	}

	if e.Typ != TypeZSet {
		return out.WriteErr(wire.ErrType, "ZQUERY against a non-zset key")
	}

	return writeZQueryResults(e.ZSet, score, name, offset, limit, out)
}

// writeZQueryResults exercises both reserve/patch array framing (BIN) and
// up-front-count framing (RESP): BIN doesn't know the final element count
// until the query finishes, so it reserves the array header and patches it
// afterward; RESP requires the count before the header is written at all,
// so results are collected into a slice first.
func writeZQueryResults(z *zset.ZSet, score float64, name []byte, offset, limit int, out *wire.Buffer) bool {
	if tok, ok := out.ArrBeginStreamed(); ok {
		n := 0
		aborted := false

		z.Query(score, name, offset, limit, func(node *zset.Node) bool {
			if !out.WriteStr(node.Name) || !out.WriteDouble(node.Score) {
				aborted = true
				return false
			}

			n += 2

			return true
		})

		if aborted {
			return false
		}

		out.ArrEndStreamed(tok, n)

		return true
	}

	var results []*zset.Node

	z.Query(score, name, offset, limit, func(node *zset.Node) bool {
		results = append(results, node)
		return true
	})

	if !out.WriteArrayKnown(len(results) * 2) {
		return false
	}

	for _, node := range results {
		if !out.WriteStr(node.Name) || !out.WriteDouble(node.Score) {
			return false
		}
	}

	return true
}

func cmdKeys(c *Cache, args [][]byte, nowUs uint64, out *wire.Buffer) bool {
	pattern := args[1]

	var matches [][]byte

	c.entries.Scan(func(e *Entry) bool {
		if e.HasTTL() && e.ExpireAtUs < nowUs {
			return true
		}

		if globMatch(pattern, e.Key) {
			matches = append(matches, e.Key)
		}

		return true
	})

	if !out.WriteArrayKnown(len(matches)) {
		return false
	}

	for _, k := range matches {
		if !out.WriteStr(k) {
			return false
		}
	}

	return true
}
