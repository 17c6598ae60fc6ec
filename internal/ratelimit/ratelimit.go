// Package ratelimit gates deliveries against durable ledger counts. There
// are no in-memory counters: every check re-derives its count from history,
// so a crash never leaves a counter out of sync.
package ratelimit

import (
	"context"
	"fmt"

	"feednotify/internal/model"
	"feednotify/internal/storage"
)

// feedWindowSeconds is the fixed window of the feed-wide daily cap.
const feedWindowSeconds = 24 * 3600

// Counter answers windowed delivery counts, normally the ledger service.
type Counter interface {
	CountInWindow(ctx context.Context, scope storage.CountScope, windowSeconds int) (int, error)
}

// Checker evaluates rate limit rules before a delivery is committed.
type Checker struct {
	counter Counter
}

// New returns a Checker over the given counter.
func New(counter Counter) *Checker {
	return &Checker{counter: counter}
}

// WouldExceedFeedLimit reports whether delivering one more article for the
// feed would exceed its daily cap. A non-positive limit means unlimited.
func (c *Checker) WouldExceedFeedLimit(ctx context.Context, feedID string, dailyLimit int) (bool, error) {
	if dailyLimit <= 0 {
		return false, nil
	}
	count, err := c.counter.CountInWindow(ctx, storage.CountScope{FeedID: feedID}, feedWindowSeconds)
	if err != nil {
		return false, fmt.Errorf("count feed deliveries: %w", err)
	}
	return count >= dailyLimit, nil
}

// WouldExceedMediumLimit reports whether any of the medium's rules is
// already at its limit. All rules must pass for a delivery to proceed.
func (c *Checker) WouldExceedMediumLimit(ctx context.Context, mediumID string, rules []model.RateLimit) (bool, error) {
	for _, rule := range rules {
		if rule.Limit <= 0 || rule.TimeWindowSeconds <= 0 {
			continue
		}
		count, err := c.counter.CountInWindow(ctx, storage.CountScope{MediumID: mediumID}, rule.TimeWindowSeconds)
		if err != nil {
			return false, fmt.Errorf("count medium deliveries: %w", err)
		}
		if count >= rule.Limit {
			return true, nil
		}
	}
	return false, nil
}
