package cache

// globMatch implements the KEYS pattern language: '*' matches any run of
// bytes (including empty), '?' matches exactly one byte, anything else
// matches itself literally. path/filepath.Match is not used here because
// it special-cases path separators and rejects patterns this command's
// contract must accept verbatim over arbitrary byte strings; no example
// in the pack reaches for a glob library for this narrow a need either,
// so this stays a small hand-rolled recursive matcher (documented in
// DESIGN.md as the one standard-library-only leaf).
func globMatch(pattern, name []byte) bool {
	return globMatchFrom(pattern, name)
}

func globMatchFrom(pattern, name []byte) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case '*':
			// Collapse consecutive '*'.
			for len(pattern) > 0 && pattern[0] == '*' {
				pattern = pattern[1:]
			}

			if len(pattern) == 0 {
				return true
			}

			for i := 0; i <= len(name); i++ {
				if globMatchFrom(pattern, name[i:]) {
					return true
				}
			}

			return false
		case '?':
			if len(name) == 0 {
				return false
			}

			pattern = pattern[1:]
			name = name[1:]
		default:
			if len(name) == 0 || name[0] != pattern[0] {
				return false
			}

			pattern = pattern[1:]
			name = name[1:]
		}
	}

	return len(name) == 0
}
