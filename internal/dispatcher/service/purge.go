package service

import (
	"context"
	"time"

	"github.com/applydesk/dispatch/internal/dispatcher/core"
	"github.com/applydesk/dispatch/internal/shared/logging"
)

// idlePruner is the slice of the rate limiter the purger needs.
type idlePruner interface {
	PruneIdle(idle time.Duration) int
}

// TokenPurger drops exchange tokens once they are old enough that replay
// detection no longer needs them, and prunes idle rate-limiter buckets.
// Retention runs from expiry, not creation: a used token stays visible as
// already-used for the whole window.
type TokenPurger struct {
	purgeInterval time.Duration
	retention     time.Duration
	tokens        core.TokenStore
	limiter       idlePruner
	logger        logging.Logger
}

func NewTokenPurger(
	purgeInterval time.Duration,
	retention time.Duration,
	tokens core.TokenStore,
	limiter idlePruner,
	logger logging.Logger,
) *TokenPurger {
	return &TokenPurger{
		purgeInterval: purgeInterval,
		retention:     retention,
		tokens:        tokens,
		limiter:       limiter,
		logger:        logger,
	}
}

func (p *TokenPurger) Start(ctx context.Context) {
	ticker := time.NewTicker(p.purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.RunOnce()
		}
	}
}

// RunOnce drops tokens past retention and prunes idle limiter buckets.
func (p *TokenPurger) RunOnce() {
	cutoff := time.Now().Add(-p.retention)
	purged, err := p.tokens.PurgeTokens(cutoff)
	if err != nil {
		p.logger.Error("Failed to purge exchange tokens", "error", err)
		return
	}

	pruned := 0
	if p.limiter != nil {
		pruned = p.limiter.PruneIdle(p.retention)
	}

	if purged > 0 || pruned > 0 {
		p.logger.Info("Purged pairing state", "tokens", purged, "rate_buckets", pruned)
	}
}
