// Package pipeline orchestrates one feed-update event end to end: decide
// which articles are new, filter and render them per medium, dispatch, and
// record every outcome in the delivery ledger.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"feednotify/internal/comparison"
	"feednotify/internal/discord"
	"feednotify/internal/fetcher"
	"feednotify/internal/filter"
	"feednotify/internal/ledger"
	"feednotify/internal/lock"
	"feednotify/internal/model"
	"feednotify/internal/placeholder"
	"feednotify/internal/ratelimit"
	"feednotify/internal/storage"
)

// Event is one feed-update notification: the feed's decision configuration
// plus the mediums subscribed to it.
type Event struct {
	Feed    model.Feed     `json:"feed"`
	Mediums []model.Medium `json:"mediums"`
}

// Handler processes feed events. Events for different feeds are independent
// and may run in parallel; events for the same feed are serialized by the
// per-feed lock, and a second event arriving mid-pass is dropped since the
// next poll will cover its content anyway.
type Handler struct {
	locker     lock.FeedLocker
	fetcher    fetcher.SnapshotFetcher
	store      storage.Storage
	engine     *comparison.Engine
	limiter    *ratelimit.Checker
	ledger     *ledger.Service
	dispatcher discord.Dispatcher
	logger     *slog.Logger
	now        func() time.Time
}

// New returns a feed event Handler.
func New(
	locker lock.FeedLocker,
	f fetcher.SnapshotFetcher,
	store storage.Storage,
	engine *comparison.Engine,
	limiter *ratelimit.Checker,
	led *ledger.Service,
	dispatcher discord.Dispatcher,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		locker:     locker,
		fetcher:    f,
		store:      store,
		engine:     engine,
		limiter:    limiter,
		ledger:     led,
		dispatcher: dispatcher,
		logger:     logger,
		now:        time.Now,
	}
}

// HandleFeedEvent runs one full pass over the feed's current snapshot.
// Upstream fetch failures and dispatch failures never propagate as errors:
// the former leave no durable state, the latter are recorded on the ledger
// so the next poll can retry safely.
func (h *Handler) HandleFeedEvent(ctx context.Context, event Event) error {
	feed := event.Feed
	logger := h.logger.With("feed_id", feed.ID)

	acquired, err := h.locker.TryLock(ctx, feed.ID)
	if err != nil {
		return fmt.Errorf("acquire feed lock: %w", err)
	}
	if !acquired {
		logger.Info("feed is already being processed, skipping event")
		return nil
	}
	defer func() {
		if err := h.locker.Unlock(ctx, feed.ID); err != nil {
			logger.Error("failed to release feed lock", "error", err)
		}
	}()

	snapshot, err := h.fetcher.Fetch(ctx, feed.URL)
	if err != nil {
		var reqErr *fetcher.RequestError
		if errors.As(err, &reqErr) {
			logger.Warn("feed fetch failed",
				"state", reqErr.State,
				"error_type", reqErr.ErrorType,
				"error", err)
			return nil
		}
		return fmt.Errorf("fetch feed: %w", err)
	}

	storedHash, err := h.store.GetResponseHash(ctx, feed.ID)
	if err != nil {
		return fmt.Errorf("load response hash: %w", err)
	}
	if storedHash != "" && storedHash == snapshot.BodyHash {
		logger.Debug("feed content unchanged, skipping")
		return nil
	}

	results, err := h.engine.Classify(ctx, feed, snapshot.Articles)
	if err != nil {
		return fmt.Errorf("classify articles: %w", err)
	}

	candidates := comparison.DeliverableOldestFirst(results)
	logger.Info("classified feed snapshot",
		"articles", len(snapshot.Articles),
		"candidates", len(candidates))

	for _, c := range candidates {
		if err := h.processArticle(ctx, logger, event, c); err != nil {
			return err
		}
	}

	if err := h.store.SetResponseHash(ctx, feed.ID, snapshot.BodyHash); err != nil {
		return fmt.Errorf("store response hash: %w", err)
	}
	return nil
}

// processArticle takes one delivery candidate through the date check, the
// feed cap, and every medium. Negative outcomes become ledger records, not
// errors.
func (h *Handler) processArticle(ctx context.Context, logger *slog.Logger, event Event, res comparison.Result) error {
	feed := event.Feed
	a := res.Article

	if !comparison.PassesDateCheck(a, feed.DateChecks, h.now()) {
		logger.Debug("article dropped by date check", "article_id", a.ID)
		return nil
	}

	// The cap is re-checked per article because each delivery moves the
	// in-window count.
	feedLimited, err := h.limiter.WouldExceedFeedLimit(ctx, feed.ID, feed.ArticleDayLimit)
	if err != nil {
		return fmt.Errorf("check feed rate limit: %w", err)
	}

	for _, m := range event.Mediums {
		if feedLimited {
			if err := h.recordOutcome(ctx, feed.ID, m.ID, a, model.StatusRateLimited); err != nil {
				return err
			}
			continue
		}

		if !filter.Evaluate(m.Filters, a.Fields) {
			if err := h.recordOutcome(ctx, feed.ID, m.ID, a, model.StatusFilteredOut); err != nil {
				return err
			}
			continue
		}

		mediumLimited, err := h.limiter.WouldExceedMediumLimit(ctx, m.ID, m.RateLimits)
		if err != nil {
			return fmt.Errorf("check medium rate limit: %w", err)
		}
		if mediumLimited {
			if err := h.recordOutcome(ctx, feed.ID, m.ID, a, model.StatusMediumRateLimitedByUser); err != nil {
				return err
			}
			continue
		}

		if err := h.deliver(ctx, logger, feed.ID, m, res); err != nil {
			return err
		}
	}
	return nil
}

// deliver renders and dispatches one article to one medium. The pending root
// record is written before dispatch; its idempotency key means a replayed
// event cannot dispatch the same article twice, while a passing-comparison
// change re-delivers through the existing root record instead of appending a
// second one.
func (h *Handler) deliver(ctx context.Context, logger *slog.Logger, feedID string, m model.Medium, res comparison.Result) error {
	a := res.Article
	fields, err := placeholder.ApplyAll(m.CustomPlaceholders, a.Fields)
	if err != nil {
		// A broken placeholder configuration must not stall the feed.
		logger.Error("failed to resolve custom placeholders",
			"medium_id", m.ID, "article_id", a.ID, "error", err)
		rec := h.ledger.NewRecord(feedID, m.ID, a, model.StatusFailed, model.ContentTypeArticleMessage)
		rec.ErrorCode = placeholder.RegexEvalErrorCode
		rec.InternalMessage = err.Error()
		_, err := h.ledger.Store(ctx, []model.DeliveryRecord{rec})
		return err
	}

	payload := discord.BuildPayload(m.Details, fields)

	isForum := m.Details.Channel != nil && m.Details.Channel.Type == "forum"
	rootType := model.ContentTypeArticleMessage
	if isForum {
		rootType = model.ContentTypeThreadCreation
	}

	// The root insert alone decides between a replay and a re-delivery.
	// Children bypass the root key, so they are only written once the root
	// is settled.
	parent := h.ledger.NewRecord(feedID, m.ID, a, model.StatusPendingDelivery, rootType)
	inserted, err := h.ledger.Store(ctx, []model.DeliveryRecord{parent})
	if err != nil {
		return fmt.Errorf("store pending record: %w", err)
	}
	if inserted == 0 {
		if res.Class != comparison.ClassPassingChanged {
			logger.Debug("article already delivered to medium, skipping",
				"medium_id", m.ID, "article_id", a.ID)
			return nil
		}
		existing, err := h.ledger.FindRootRecord(ctx, m.ID, a.IDHash)
		if err != nil {
			return fmt.Errorf("load existing root record: %w", err)
		}
		parent = *existing
	}

	var child model.DeliveryRecord
	if isForum {
		child = h.ledger.NewChildRecord(parent, model.ContentTypeArticleMessage)
		if _, err := h.ledger.Store(ctx, []model.DeliveryRecord{child}); err != nil {
			return fmt.Errorf("store pending child record: %w", err)
		}
	}

	result, dispatchErr := h.dispatcher.Dispatch(ctx, m.Details, payload)
	if dispatchErr != nil {
		logger.Error("dispatch failed",
			"medium_id", m.ID, "article_id", a.ID, "error", dispatchErr)
		return h.ledger.UpdateStatus(ctx, parent.ID, model.StatusFailed,
			"DISPATCH_ERROR", dispatchErr.Error(), "Delivery to Discord failed")
	}
	if result.Status >= 400 {
		logger.Warn("dispatch rejected",
			"medium_id", m.ID, "article_id", a.ID, "status", result.Status)
		return h.ledger.UpdateStatus(ctx, parent.ID, model.StatusRejected,
			"DISPATCH_REJECTED", result.Detail,
			fmt.Sprintf("Discord rejected the delivery with status %d", result.Status))
	}

	if err := h.ledger.UpdateStatus(ctx, parent.ID, model.StatusSent, "", "", ""); err != nil {
		return err
	}
	if isForum {
		return h.ledger.UpdateStatus(ctx, child.ID, model.StatusSent, "", "", "")
	}
	return nil
}

func (h *Handler) recordOutcome(ctx context.Context, feedID, mediumID string, a model.Article, status model.DeliveryStatus) error {
	rec := h.ledger.NewRecord(feedID, mediumID, a, status, model.ContentTypeArticleMessage)
	if _, err := h.ledger.Store(ctx, []model.DeliveryRecord{rec}); err != nil {
		return fmt.Errorf("record %s outcome: %w", status, err)
	}
	return nil
}
