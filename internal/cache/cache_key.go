package cache

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// ComputeKey returns the cache key for a text: the xxhash64 of its trimmed,
// lower-cased form as 16 hex digits. Texts differing only in case or
// surrounding whitespace share a key.
func ComputeKey(text string) string {
	normalized := strings.ToLower(strings.TrimSpace(text))
	return fmt.Sprintf("%016x", xxhash.Sum64String(normalized))
}
