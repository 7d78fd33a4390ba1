// Package zset implements the sorted-set value type: an hmap keyed by
// member name composed with an avltree ordered by (score, name), so lookups
// by name are O(1) amortized and range queries by rank are O(log n).
package zset

import (
	"bytes"
	"unsafe"

	"github.com/calvinalkan/minikv/internal/avltree"
	"github.com/calvinalkan/minikv/internal/hmap"
)

// scoreEpsilon is the tolerance below which two scores are treated as
// equal for tie-breaking and for deciding whether an ZADD update requires
// repositioning the node in the tree.
const scoreEpsilon = 1e-9

// Node is one sorted-set member: a name/score pair plus its tree link. The
// hmap side stores *Node directly (by pointer, so the struct's address —
// and therefore the embedded avltree.Node's parent/child pointers — never
// moves under hmap's internal rehashing).
type Node struct {
	avltree.Node
	Name  []byte
	Score float64
}

func nodeOf(n *avltree.Node) *Node {
	return (*Node)(unsafe.Pointer(n))
}

func less(a, b *avltree.Node) bool {
	na, nb := nodeOf(a), nodeOf(b)

	d := na.Score - nb.Score
	if d < -scoreEpsilon {
		return true
	}

	if d > scoreEpsilon {
		return false
	}

	return bytes.Compare(na.Name, nb.Name) < 0
}

// ZSet is a sorted set of (name, score) pairs.
type ZSet struct {
	byName *hmap.Map[*Node]
	tree   *avltree.Tree
}

// New returns an empty sorted set.
func New() *ZSet {
	return &ZSet{
		byName: hmap.New[*Node](8),
		tree:   avltree.New(less),
	}
}

// Len returns the number of members.
func (z *ZSet) Len() int { return z.byName.Len() }

func eqName(name []byte) func(n *Node) bool {
	return func(n *Node) bool { return bytes.Equal(n.Name, name) }
}

// Lookup returns the member named name, if present.
func (z *ZSet) Lookup(name []byte) (*Node, bool) {
	return z.byName.Lookup(hmap.Hash64(name), eqName(name))
}

// Add inserts or updates the member named name with score. It returns 1 if
// the member is new, 0 if it already existed (repositioning the tree node
// only when the score actually changed by at least scoreEpsilon, matching
// the source semantics of avoiding needless tree churn on a no-op update).
func (z *ZSet) Add(name []byte, score float64) int {
	if existing, ok := z.Lookup(name); ok {
		if diff := existing.Score - score; diff > scoreEpsilon || diff < -scoreEpsilon {
			z.tree.Delete(&existing.Node)
			existing.Score = score
			z.tree.Insert(&existing.Node)
		}

		return 0
	}

	n := &Node{Name: append([]byte(nil), name...), Score: score}
	z.byName.Insert(hmap.Hash64(n.Name), n, eqName(n.Name))
	z.tree.Insert(&n.Node)

	return 1
}

// Pop removes and returns the member named name, if present.
func (z *ZSet) Pop(name []byte) (*Node, bool) {
	n, ok := z.byName.Pop(hmap.Hash64(name), eqName(name))
	if !ok {
		return nil, false
	}

	z.tree.Delete(&n.Node)

	return n, true
}

// Query walks members starting at the first one whose (score, name) is
// greater than or equal to (score, name) in the ordering Add uses, advances
// by offset further positions, then invokes visit for up to limit members
// in ascending order. It stops early if visit returns false.
func (z *ZSet) Query(score float64, name []byte, offset, limit int, visit func(n *Node) bool) {
	if limit <= 0 {
		return
	}

	start := z.seek(score, name)
	if start == nil {
		return
	}

	if offset != 0 {
		start = avltree.Offset(start, offset)
	}

	for n, i := start, 0; n != nil && i < limit; n, i = avltree.Next(n), i+1 {
		if !visit(nodeOf(n)) {
			return
		}
	}
}

// seek finds the first tree node whose (score, name) is >= the query key,
// walking the tree directly rather than via a throwaway search node so no
// allocation is required on the hot query path.
func (z *ZSet) seek(score float64, name []byte) *avltree.Node {
	var found *avltree.Node

	cur := z.tree.Root()
	for cur != nil {
		n := nodeOf(cur)

		cmp := compareKey(n.Score, n.Name, score, name)
		if cmp >= 0 {
			found = cur
			cur = cur.Left()
		} else {
			cur = cur.Right()
		}
	}

	return found
}

func compareKey(score float64, name []byte, qScore float64, qName []byte) int {
	d := score - qScore
	if d < -scoreEpsilon {
		return -1
	}

	if d > scoreEpsilon {
		return 1
	}

	return bytes.Compare(name, qName)
}

// Walk performs an in-order traversal of every member.
func (z *ZSet) Walk(visit func(n *Node) bool) {
	z.tree.Walk(nil, func(tn *avltree.Node) bool {
		return visit(nodeOf(tn))
	})
}

// Dispose releases every member. Large sets (by member count) are typically
// routed through the destruction worker by the cache layer before Dispose
// is called synchronously here; Dispose itself is always synchronous and
// iterative (via avltree.Dispose), so it never recurses regardless of who
// calls it.
func (z *ZSet) Dispose() {
	z.tree.Dispose(nil)
}
