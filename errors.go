package coalesce

import (
	"github.com/coalescedb/coalesce/pkg/provider"
	"github.com/coalescedb/coalesce/pkg/temporal"
	"github.com/coalescedb/coalesce/pkg/types"
)

// Sentinels from the inner packages, re-exported so callers can classify
// pipeline errors without importing engine internals.
var (
	// ErrValidation marks structurally invalid input, not retryable.
	ErrValidation = types.ErrValidation
	// ErrConcurrentInvalidationLost marks a compare-and-set invalidation
	// that another writer won. The losing write is discarded on purpose.
	ErrConcurrentInvalidationLost = temporal.ErrLostRace
	// ErrProviderUnavailable marks an extraction or embedding service that
	// is down or breaker-open; the episode should be retried later.
	ErrProviderUnavailable = provider.ErrProviderUnavailable
)
