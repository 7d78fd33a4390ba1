// Package intheap implements an array-backed indexed binary min-heap for
// TTL expirations. Every item carries a back-reference so that after any
// sift, the owning Entry's heap_idx field is kept in sync with the item's
// actual array position — the heap never requires a linear scan to find
// "where did my item go after that swap".
package intheap

// Ref is satisfied by whatever stores an item's current heap index (an
// Entry's heap_idx field, in the cache package). Set is called with the
// item's new index on every insert and swap; Set(-1) is called on removal.
type Ref interface {
	Set(idx int)
}

// Item is one heap element.
type Item struct {
	Val uint64 // expiry_us
	Ref Ref
}

// Heap is an indexed binary min-heap ordered by Item.Val.
type Heap struct {
	items []Item
}

// New returns an empty heap.
func New() *Heap {
	return &Heap{}
}

// Len returns the number of items in the heap.
func (h *Heap) Len() int { return len(h.items) }

// Peek returns the minimum item without removing it. ok is false if empty.
func (h *Heap) Peek() (Item, bool) {
	if len(h.items) == 0 {
		return Item{}, false
	}

	return h.items[0], true
}

func (h *Heap) swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].Ref.Set(i)
	h.items[j].Ref.Set(j)
}

func (h *Heap) siftUp(i int) int {
	for i > 0 {
		parent := (i - 1) / 2
		if h.items[parent].Val <= h.items[i].Val {
			break
		}

		h.swap(parent, i)
		i = parent
	}

	return i
}

func (h *Heap) siftDown(i int) int {
	n := len(h.items)

	for {
		left := 2*i + 1
		right := 2*i + 2
		smallest := i

		if left < n && h.items[left].Val < h.items[smallest].Val {
			smallest = left
		}

		if right < n && h.items[right].Val < h.items[smallest].Val {
			smallest = right
		}

		if smallest == i {
			return i
		}

		h.swap(i, smallest)
		i = smallest
	}
}

// Add inserts val with the given back-reference and returns its index.
// Capacity growth (doubling) is handled by Go's slice append.
func (h *Heap) Add(val uint64, ref Ref) int {
	idx := len(h.items)
	h.items = append(h.items, Item{Val: val, Ref: ref})
	ref.Set(idx)

	return h.siftUp(idx)
}

// Update changes the item at idx to newVal and re-heapifies it, choosing
// sift-up or sift-down by comparing against its parent.
func (h *Heap) Update(idx int, newVal uint64) int {
	h.items[idx].Val = newVal

	if idx > 0 && newVal < h.items[(idx-1)/2].Val {
		return h.siftUp(idx)
	}

	return h.siftDown(idx)
}

// Remove deletes the item at idx, moving the last item into its place (if
// it isn't already last) and re-heapifying from there. The removed item's
// Ref is set to -1.
func (h *Heap) Remove(idx int) {
	last := len(h.items) - 1

	removed := h.items[idx]
	removed.Ref.Set(-1)

	if idx == last {
		h.items = h.items[:last]
		return
	}

	h.items[idx] = h.items[last]
	h.items = h.items[:last]
	h.items[idx].Ref.Set(idx)

	oldVal := removed.Val
	newVal := h.items[idx].Val

	if newVal < oldVal {
		h.siftUp(idx)
	} else {
		h.siftDown(idx)
	}
}

// Pop removes and returns the minimum item. ok is false if empty.
func (h *Heap) Pop() (Item, bool) {
	top, ok := h.Peek()
	if !ok {
		return Item{}, false
	}

	h.Remove(0)

	return top, true
}
