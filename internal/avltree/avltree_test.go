package avltree_test

import (
	"math/rand"
	"sort"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/minikv/internal/avltree"
)

type intNode struct {
	avltree.Node
	val int
}

func lessInt(a, b *avltree.Node) bool {
	return nodePtr(a).val < nodePtr(b).val
}

// nodePtr recovers the embedding *intNode from an *avltree.Node pointer.
// Since Node is the first field of intNode, the addresses coincide.
func nodePtr(n *avltree.Node) *intNode {
	return (*intNode)(unsafe.Pointer(n))
}

func TestTreeInsertOrderAndRank(t *testing.T) {
	tree := avltree.New(lessInt)

	values := []int{5, 3, 8, 1, 4, 7, 9, 2, 6, 0}
	nodes := make([]*intNode, len(values))

	for i, v := range values {
		n := &intNode{val: v}
		nodes[i] = n
		tree.Insert(&n.Node)
	}

	require.Equal(t, len(values), tree.Len())

	var got []int

	tree.Walk(nil, func(n *avltree.Node) bool {
		got = append(got, nodePtr(n).val)
		return true
	})

	want := append([]int(nil), values...)
	sort.Ints(want)

	require.Equal(t, want, got)

	first := tree.First()
	require.Equal(t, 0, avltree.Rank(first))
}

func TestTreeDeleteTwoChildren(t *testing.T) {
	tree := avltree.New(lessInt)

	nodes := make([]*intNode, 0, 20)
	for i := 0; i < 20; i++ {
		n := &intNode{val: i}
		nodes = append(nodes, n)
		tree.Insert(&n.Node)
	}

	// Delete the root repeatedly; this forces repeated two-child splices.
	for tree.Len() > 0 {
		root := tree.Root()
		tree.Delete(root)
	}

	require.Equal(t, 0, tree.Len())
}

func TestTreeOffset(t *testing.T) {
	tree := avltree.New(lessInt)

	nodes := make([]*intNode, 0, 100)
	for i := 0; i < 100; i++ {
		n := &intNode{val: i}
		nodes = append(nodes, n)
		tree.Insert(&n.Node)
	}

	first := tree.First()

	for k := 0; k < 100; k++ {
		n := avltree.Offset(first, k)
		require.NotNil(t, n)
		require.Equal(t, k, nodePtr(n).val)
	}

	require.Nil(t, avltree.Offset(first, 100))
}

func TestTreeRandomizedAgainstSortedSlice(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	tree := avltree.New(lessInt)

	present := map[int]*intNode{}

	for i := 0; i < 2000; i++ {
		v := r.Intn(500)

		if existing, ok := present[v]; ok {
			tree.Delete(&existing.Node)
			delete(present, v)

			continue
		}

		n := &intNode{val: v}
		tree.Insert(&n.Node)
		present[v] = n
	}

	require.Equal(t, len(present), tree.Len())

	var got []int

	tree.Walk(nil, func(n *avltree.Node) bool {
		got = append(got, nodePtr(n).val)
		return true
	})

	var want []int
	for v := range present {
		want = append(want, v)
	}

	sort.Ints(want)
	require.Equal(t, want, got)
}
