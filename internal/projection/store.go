package projection

import (
	"context"
	"time"
)

// WeightTTL is how long persisted weights live in a shared store.
const WeightTTL = 7 * 24 * time.Hour

// WeightStore persists encoded projection weights so every process projecting
// between the same dimensions uses the same matrix.
type WeightStore interface {
	// Get returns the stored bytes, or nil when key is absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)
	// GetOrSet stores data under key unless a live value already exists, and
	// returns whichever value the store holds afterwards.
	GetOrSet(ctx context.Context, key string, data []byte) ([]byte, error)
}
