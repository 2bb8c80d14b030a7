// Package analysis implements the analysis pipeline: staleness checking,
// the single-flight analysis engine, and the startup recovery sweep.
package analysis

import (
	"context"
	"fmt"

	"github.com/chatlens/chatlens/internal/database"
)

// Cache decides whether a target's latest analysis is still fresh enough to
// serve. Freshness is measured in message-count drift, not wall time: an
// analysis is stale once the target has accumulated at least StalenessDelta
// messages beyond the count it was computed over.
type Cache struct {
	store          database.Store
	stalenessDelta int64
}

// NewCache creates a staleness checker over the store.
func NewCache(store database.Store, stalenessDelta int) *Cache {
	return &Cache{store: store, stalenessDelta: int64(stalenessDelta)}
}

// IsStale reports whether latest should be recomputed given the current
// retained message count. A nil latest is always stale.
func (c *Cache) IsStale(latest *database.Analysis, currentCount int64) bool {
	if latest == nil {
		return true
	}
	return currentCount-latest.MessageCountWhenAnalyzed >= c.stalenessDelta
}

// Lookup returns the latest analysis for the target and whether it is still
// fresh. A nil analysis with fresh=false means nothing has been computed yet.
func (c *Cache) Lookup(ctx context.Context, chatID int64) (*database.Analysis, bool, error) {
	latest, err := c.store.LatestAnalysis(ctx, chatID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to look up latest analysis: %w", err)
	}
	if latest == nil {
		return nil, false, nil
	}

	count, err := c.store.MessageCount(ctx, chatID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to count messages for staleness check: %w", err)
	}

	return latest, !c.IsStale(latest, count), nil
}
