package pipeline

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"feednotify/internal/article"
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

type stubFetcher struct {
	snapshot *fetcher.Snapshot
	err      error
}

func (s *stubFetcher) Fetch(_ context.Context, _ string) (*fetcher.Snapshot, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.snapshot, nil
}

type fixture struct {
	handler    *Handler
	fetcher    *stubFetcher
	store      *storage.SQLite
	ledger     *ledger.Service
	dispatcher *discord.RecordingDispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	f := &stubFetcher{}
	led := ledger.New(store)
	dispatcher := &discord.RecordingDispatcher{Result: discord.DispatchResult{Status: 204}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	h := New(lock.NewMemory(), f, store, comparison.New(store), ratelimit.New(led), led, dispatcher, logger)
	return &fixture{handler: h, fetcher: f, store: store, ledger: led, dispatcher: dispatcher}
}

func makeArticle(id string, fields map[string]string) model.Article {
	if fields == nil {
		fields = map[string]string{}
	}
	return model.Article{ID: id, IDHash: article.HashValue(id), Fields: fields}
}

func snapshotOf(hash string, articles ...model.Article) *fetcher.Snapshot {
	return &fetcher.Snapshot{Articles: articles, BodyHash: hash}
}

func logStatuses(t *testing.T, led *ledger.Service, feedID string) []model.DeliveryLogStatus {
	t.Helper()
	logs, err := led.ListLogs(context.Background(), feedID, 0, 50)
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	out := make([]model.DeliveryLogStatus, 0, len(logs))
	for _, l := range logs {
		out = append(out, l.Status)
	}
	return out
}

func TestHandleFeedEventFirstRunDeliversNothing(t *testing.T) {
	fx := newFixture(t)
	event := Event{
		Feed:    model.Feed{ID: "feed-1", URL: "https://example.com/rss"},
		Mediums: []model.Medium{{ID: "m1", Details: model.MediumDetails{Content: "{{title}}"}}},
	}
	fx.fetcher.snapshot = snapshotOf("hash-v1",
		makeArticle("a1", map[string]string{"title": "One"}),
		makeArticle("a2", map[string]string{"title": "Two"}),
	)

	if err := fx.handler.HandleFeedEvent(context.Background(), event); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(fx.dispatcher.Payloads) != 0 {
		t.Errorf("first run dispatched %d payloads, want 0", len(fx.dispatcher.Payloads))
	}
}

func TestHandleFeedEventDeliversNewArticlesOldestFirst(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	event := Event{
		Feed:    model.Feed{ID: "feed-1", URL: "https://example.com/rss"},
		Mediums: []model.Medium{{ID: "m1", Details: model.MediumDetails{Content: "{{title}}"}}},
	}

	fx.fetcher.snapshot = snapshotOf("hash-v1", makeArticle("a1", map[string]string{"title": "One"}))
	if err := fx.handler.HandleFeedEvent(ctx, event); err != nil {
		t.Fatalf("baseline: %v", err)
	}

	// Feeds list newest first; delivery goes oldest first.
	fx.fetcher.snapshot = snapshotOf("hash-v2",
		makeArticle("a3", map[string]string{"title": "Three"}),
		makeArticle("a2", map[string]string{"title": "Two"}),
		makeArticle("a1", map[string]string{"title": "One"}),
	)
	if err := fx.handler.HandleFeedEvent(ctx, event); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(fx.dispatcher.Payloads) != 2 {
		t.Fatalf("dispatched %d payloads, want 2", len(fx.dispatcher.Payloads))
	}
	if fx.dispatcher.Payloads[0].Content != "Two" || fx.dispatcher.Payloads[1].Content != "Three" {
		t.Errorf("dispatch order = %q, %q; want Two, Three",
			fx.dispatcher.Payloads[0].Content, fx.dispatcher.Payloads[1].Content)
	}

	statuses := logStatuses(t, fx.ledger, "feed-1")
	for _, st := range statuses {
		if st != model.LogDelivered {
			t.Errorf("unexpected log status %q", st)
		}
	}
}

func TestHandleFeedEventResponseHashShortCircuit(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	event := Event{
		Feed:    model.Feed{ID: "feed-1", URL: "https://example.com/rss"},
		Mediums: []model.Medium{{ID: "m1", Details: model.MediumDetails{Content: "{{title}}"}}},
	}

	fx.fetcher.snapshot = snapshotOf("hash-v1", makeArticle("a1", map[string]string{"title": "One"}))
	if err := fx.handler.HandleFeedEvent(ctx, event); err != nil {
		t.Fatalf("first pass: %v", err)
	}

	// Identical content: the pass stops at the hash check, so even a fresh
	// article in the batch is never examined.
	fx.fetcher.snapshot = snapshotOf("hash-v1", makeArticle("a2", map[string]string{"title": "Two"}))
	if err := fx.handler.HandleFeedEvent(ctx, event); err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if len(fx.dispatcher.Payloads) != 0 {
		t.Errorf("dispatched %d payloads across unchanged polls, want 0", len(fx.dispatcher.Payloads))
	}
}

func TestHandleFeedEventRepeatedEventDispatchesOnce(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	event := Event{
		Feed:    model.Feed{ID: "feed-1", URL: "https://example.com/rss"},
		Mediums: []model.Medium{{ID: "m1", Details: model.MediumDetails{Content: "{{title}}"}}},
	}

	fx.fetcher.snapshot = snapshotOf("hash-v1", makeArticle("a1", map[string]string{"title": "One"}))
	if err := fx.handler.HandleFeedEvent(ctx, event); err != nil {
		t.Fatalf("baseline: %v", err)
	}
	fx.fetcher.snapshot = snapshotOf("hash-v2",
		makeArticle("a2", map[string]string{"title": "Two"}),
		makeArticle("a1", map[string]string{"title": "One"}),
	)
	if err := fx.handler.HandleFeedEvent(ctx, event); err != nil {
		t.Fatalf("delivery pass: %v", err)
	}

	// Simulate at-least-once event delivery: the same articles arrive again
	// under a different body hash, so the hash short circuit does not apply
	// and the pass runs end to end without dispatching a second time.
	fx.fetcher.snapshot = snapshotOf("hash-v3",
		makeArticle("a2", map[string]string{"title": "Two"}),
		makeArticle("a1", map[string]string{"title": "One"}),
	)
	if err := fx.handler.HandleFeedEvent(ctx, event); err != nil {
		t.Fatalf("replay pass: %v", err)
	}

	if len(fx.dispatcher.Payloads) != 1 {
		t.Errorf("dispatched %d payloads, want exactly 1", len(fx.dispatcher.Payloads))
	}
}

func TestHandleFeedEventFilteredOutRecorded(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	rejectAll := &filter.Expression{
		Type:  filter.TypeRelational,
		Op:    string(filter.OpEq),
		Left:  &filter.Operand{Type: filter.LeftArticle, Value: "title"},
		Right: &filter.Operand{Type: filter.RightString, Value: "never"},
	}
	event := Event{
		Feed: model.Feed{ID: "feed-1", URL: "https://example.com/rss"},
		Mediums: []model.Medium{
			{ID: "m1", Filters: rejectAll, Details: model.MediumDetails{Content: "{{title}}"}},
		},
	}

	fx.fetcher.snapshot = snapshotOf("hash-v1", makeArticle("a1", map[string]string{"title": "One"}))
	if err := fx.handler.HandleFeedEvent(ctx, event); err != nil {
		t.Fatalf("baseline: %v", err)
	}
	fx.fetcher.snapshot = snapshotOf("hash-v2",
		makeArticle("a2", map[string]string{"title": "Two"}),
		makeArticle("a1", map[string]string{"title": "One"}),
	)
	if err := fx.handler.HandleFeedEvent(ctx, event); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(fx.dispatcher.Payloads) != 0 {
		t.Errorf("dispatched %d payloads, want 0", len(fx.dispatcher.Payloads))
	}
	statuses := logStatuses(t, fx.ledger, "feed-1")
	if len(statuses) != 1 || statuses[0] != model.LogFilteredOut {
		t.Errorf("log statuses = %v, want one FILTERED_OUT", statuses)
	}
}

func TestHandleFeedEventFeedRateLimit(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	event := Event{
		Feed:    model.Feed{ID: "feed-1", URL: "https://example.com/rss", ArticleDayLimit: 1},
		Mediums: []model.Medium{{ID: "m1", Details: model.MediumDetails{Content: "{{title}}"}}},
	}

	fx.fetcher.snapshot = snapshotOf("hash-v1", makeArticle("a0", map[string]string{"title": "Zero"}))
	if err := fx.handler.HandleFeedEvent(ctx, event); err != nil {
		t.Fatalf("baseline: %v", err)
	}

	// Two new articles against a daily cap of one.
	fx.fetcher.snapshot = snapshotOf("hash-v2",
		makeArticle("a2", map[string]string{"title": "Two"}),
		makeArticle("a1", map[string]string{"title": "One"}),
		makeArticle("a0", map[string]string{"title": "Zero"}),
	)
	if err := fx.handler.HandleFeedEvent(ctx, event); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(fx.dispatcher.Payloads) != 1 {
		t.Errorf("dispatched %d payloads, want 1", len(fx.dispatcher.Payloads))
	}
	statuses := logStatuses(t, fx.ledger, "feed-1")
	var limited int
	for _, st := range statuses {
		if st == model.LogArticleRateLimited {
			limited++
		}
	}
	if limited != 1 {
		t.Errorf("rate-limited records = %d, want 1", limited)
	}
}

func TestHandleFeedEventDispatchFailureRecorded(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.dispatcher.Err = io.ErrUnexpectedEOF

	event := Event{
		Feed:    model.Feed{ID: "feed-1", URL: "https://example.com/rss"},
		Mediums: []model.Medium{{ID: "m1", Details: model.MediumDetails{Content: "{{title}}"}}},
	}

	fx.fetcher.snapshot = snapshotOf("hash-v1", makeArticle("a1", map[string]string{"title": "One"}))
	if err := fx.handler.HandleFeedEvent(ctx, event); err != nil {
		t.Fatalf("baseline: %v", err)
	}
	fx.fetcher.snapshot = snapshotOf("hash-v2",
		makeArticle("a2", map[string]string{"title": "Two"}),
		makeArticle("a1", map[string]string{"title": "One"}),
	)

	// Dispatch fails, the pass still completes.
	if err := fx.handler.HandleFeedEvent(ctx, event); err != nil {
		t.Fatalf("handle with failing dispatcher: %v", err)
	}
	statuses := logStatuses(t, fx.ledger, "feed-1")
	if len(statuses) != 1 || statuses[0] != model.LogFailed {
		t.Errorf("log statuses = %v, want one FAILED", statuses)
	}
}

func TestHandleFeedEventForumParentChild(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	event := Event{
		Feed: model.Feed{ID: "feed-1", URL: "https://example.com/rss"},
		Mediums: []model.Medium{{
			ID: "m1",
			Details: model.MediumDetails{
				Content: "{{title}}",
				Channel: &model.Channel{ID: "chan-1", Type: "forum"},
			},
		}},
	}

	fx.fetcher.snapshot = snapshotOf("hash-v1", makeArticle("a1", map[string]string{"title": "One"}))
	if err := fx.handler.HandleFeedEvent(ctx, event); err != nil {
		t.Fatalf("baseline: %v", err)
	}
	fx.fetcher.snapshot = snapshotOf("hash-v2",
		makeArticle("a2", map[string]string{"title": "Two"}),
		makeArticle("a1", map[string]string{"title": "One"}),
	)
	if err := fx.handler.HandleFeedEvent(ctx, event); err != nil {
		t.Fatalf("handle: %v", err)
	}

	logs, err := fx.ledger.ListLogs(ctx, "feed-1", 0, 10)
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("log count = %d, want 1 (child folded into parent)", len(logs))
	}
	if logs[0].Status != model.LogDelivered {
		t.Errorf("log status = %q, want DELIVERED", logs[0].Status)
	}
}

func TestHandleFeedEventPassingComparisonRedelivers(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	event := Event{
		Feed: model.Feed{
			ID:                 "feed-1",
			URL:                "https://example.com/rss",
			PassingComparisons: []string{"description"},
		},
		Mediums: []model.Medium{{ID: "m1", Details: model.MediumDetails{Content: "{{title}}"}}},
	}

	fx.fetcher.snapshot = snapshotOf("hash-v1",
		makeArticle("a1", map[string]string{"title": "One", "description": "d1"}),
	)
	if err := fx.handler.HandleFeedEvent(ctx, event); err != nil {
		t.Fatalf("baseline: %v", err)
	}

	fx.fetcher.snapshot = snapshotOf("hash-v2",
		makeArticle("a2", map[string]string{"title": "Two", "description": "d2"}),
		makeArticle("a1", map[string]string{"title": "One", "description": "d1"}),
	)
	if err := fx.handler.HandleFeedEvent(ctx, event); err != nil {
		t.Fatalf("delivery pass: %v", err)
	}

	// The already-delivered article comes back with a changed passing field.
	// It must go out again through the existing root record.
	fx.fetcher.snapshot = snapshotOf("hash-v3",
		makeArticle("a2", map[string]string{"title": "Two", "description": "d2-updated"}),
		makeArticle("a1", map[string]string{"title": "One", "description": "d1"}),
	)
	if err := fx.handler.HandleFeedEvent(ctx, event); err != nil {
		t.Fatalf("redelivery pass: %v", err)
	}

	if len(fx.dispatcher.Payloads) != 2 {
		t.Fatalf("dispatched %d payloads, want 2 (initial + redelivery)", len(fx.dispatcher.Payloads))
	}
	logs, err := fx.ledger.ListLogs(ctx, "feed-1", 0, 10)
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("log count = %d, want 1 (redelivery reuses the root record)", len(logs))
	}
	if logs[0].Status != model.LogDelivered {
		t.Errorf("log status = %q, want DELIVERED", logs[0].Status)
	}
}

func TestHandleFeedEventForumPassingComparisonRedelivers(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	event := Event{
		Feed: model.Feed{
			ID:                 "feed-1",
			URL:                "https://example.com/rss",
			PassingComparisons: []string{"description"},
		},
		Mediums: []model.Medium{{
			ID: "m1",
			Details: model.MediumDetails{
				Content: "{{title}}",
				Channel: &model.Channel{ID: "chan-1", Type: "forum"},
			},
		}},
	}

	fx.fetcher.snapshot = snapshotOf("hash-v1",
		makeArticle("a1", map[string]string{"title": "One", "description": "d1"}),
	)
	if err := fx.handler.HandleFeedEvent(ctx, event); err != nil {
		t.Fatalf("baseline: %v", err)
	}
	fx.fetcher.snapshot = snapshotOf("hash-v2",
		makeArticle("a2", map[string]string{"title": "Two", "description": "d2"}),
		makeArticle("a1", map[string]string{"title": "One", "description": "d1"}),
	)
	if err := fx.handler.HandleFeedEvent(ctx, event); err != nil {
		t.Fatalf("delivery pass: %v", err)
	}
	fx.fetcher.snapshot = snapshotOf("hash-v3",
		makeArticle("a2", map[string]string{"title": "Two", "description": "d2-updated"}),
		makeArticle("a1", map[string]string{"title": "One", "description": "d1"}),
	)
	if err := fx.handler.HandleFeedEvent(ctx, event); err != nil {
		t.Fatalf("redelivery pass: %v", err)
	}

	if len(fx.dispatcher.Payloads) != 2 {
		t.Fatalf("dispatched %d payloads, want 2 (initial + redelivery)", len(fx.dispatcher.Payloads))
	}
	logs, err := fx.ledger.ListLogs(ctx, "feed-1", 0, 10)
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if len(logs) != 1 || logs[0].Status != model.LogDelivered {
		t.Fatalf("logs = %+v, want one DELIVERED entry", logs)
	}

	// The pass completed, so the response hash was stored and an identical
	// fourth poll short-circuits.
	if err := fx.handler.HandleFeedEvent(ctx, event); err != nil {
		t.Fatalf("unchanged pass: %v", err)
	}
	if len(fx.dispatcher.Payloads) != 2 {
		t.Errorf("dispatched %d payloads after unchanged poll, want still 2", len(fx.dispatcher.Payloads))
	}
}

func TestHandleFeedEventFetchErrorLeavesNoState(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	event := Event{Feed: model.Feed{ID: "feed-1", URL: "https://example.com/rss"}}

	fx.fetcher.err = &fetcher.RequestError{
		State:     fetcher.StateFetchError,
		ErrorType: fetcher.ErrorTypeTimeout,
	}
	if err := fx.handler.HandleFeedEvent(ctx, event); err != nil {
		t.Fatalf("handle: %v", err)
	}

	hasPrior, err := fx.store.HasPriorArticles(ctx, "feed-1")
	if err != nil {
		t.Fatalf("check history: %v", err)
	}
	if hasPrior {
		t.Error("fetch error must leave no durable state")
	}
}

func TestHandleFeedEventSkipsWhenLocked(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	locker := lock.NewMemory()
	fx.handler.locker = locker

	if ok, _ := locker.TryLock(ctx, "feed-1"); !ok {
		t.Fatal("setup lock failed")
	}

	fx.fetcher.snapshot = snapshotOf("hash-v1", makeArticle("a1", map[string]string{"title": "One"}))
	event := Event{
		Feed:    model.Feed{ID: "feed-1", URL: "https://example.com/rss"},
		Mediums: []model.Medium{{ID: "m1", Details: model.MediumDetails{Content: "{{title}}"}}},
	}
	if err := fx.handler.HandleFeedEvent(ctx, event); err != nil {
		t.Fatalf("handle: %v", err)
	}

	hasPrior, err := fx.store.HasPriorArticles(ctx, "feed-1")
	if err != nil {
		t.Fatalf("check history: %v", err)
	}
	if hasPrior {
		t.Error("locked feed event must be skipped entirely")
	}
}

func TestHandleFeedEventCustomPlaceholders(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	event := Event{
		Feed: model.Feed{ID: "feed-1", URL: "https://example.com/rss"},
		Mediums: []model.Medium{{
			ID:      "m1",
			Details: model.MediumDetails{Content: "{{custom::shout}}"},
			CustomPlaceholders: []placeholder.CustomPlaceholder{{
				ID:                "cp-1",
				ReferenceName:     "shout",
				SourcePlaceholder: "title",
				Steps:             []placeholder.Step{{Type: placeholder.StepUppercase}},
			}},
		}},
	}

	fx.fetcher.snapshot = snapshotOf("hash-v1", makeArticle("a1", map[string]string{"title": "one"}))
	if err := fx.handler.HandleFeedEvent(ctx, event); err != nil {
		t.Fatalf("baseline: %v", err)
	}
	fx.fetcher.snapshot = snapshotOf("hash-v2",
		makeArticle("a2", map[string]string{"title": "second article"}),
		makeArticle("a1", map[string]string{"title": "one"}),
	)
	if err := fx.handler.HandleFeedEvent(ctx, event); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(fx.dispatcher.Payloads) != 1 {
		t.Fatalf("dispatched %d payloads, want 1", len(fx.dispatcher.Payloads))
	}
	if got := fx.dispatcher.Payloads[0].Content; got != "SECOND ARTICLE" {
		t.Errorf("content = %q, want SECOND ARTICLE", got)
	}
}
