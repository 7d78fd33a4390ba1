package hmap

// Hash64 computes an FNV-1a hash of key. It is allocation-free and is the
// cached hash stored alongside every map entry; equality is always decided
// by the caller-supplied predicate, the hash only narrows the probe.
func Hash64(key []byte) uint64 {
	const (
		offset = 14695981039346656037
		prime  = 1099511628211
	)

	h := uint64(offset)
	for _, b := range key {
		h ^= uint64(b)
		h *= prime
	}

	return h
}
