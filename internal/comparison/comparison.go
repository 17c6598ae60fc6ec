// Package comparison classifies articles against a feed's durable history.
package comparison

import (
	"context"
	"fmt"
	"time"

	"feednotify/internal/article"
	"feednotify/internal/model"
	"feednotify/internal/storage"
)

// Class is the identity classification of one article.
type Class string

// Article classifications.
const (
	ClassFirstRun       Class = "first-run-baseline"
	ClassDuplicateID    Class = "duplicate-id"
	ClassBlocked        Class = "blocked-by-comparison"
	ClassPassingChanged Class = "passing-comparison-changed"
	ClassNewDeliverable Class = "new-deliverable"
)

// Deliverable reports whether an article with this classification is a
// delivery candidate.
func (c Class) Deliverable() bool {
	return c == ClassPassingChanged || c == ClassNewDeliverable
}

// Result is the classification of one article, in input order.
type Result struct {
	Article model.Article
	Class   Class
	// Field is the comparison field that decided a blocked or
	// passing-changed classification.
	Field string
}

// Engine decides which articles of a snapshot are new for delivery purposes.
// Classification is read-only over history fetched up front; the recording
// side effect is a separate idempotent write, so partially processed batches
// are safe to repeat.
type Engine struct {
	store storage.ArticleFieldStore
}

// New returns an Engine over the given field store.
func New(store storage.ArticleFieldStore) *Engine {
	return &Engine{store: store}
}

// Classify classifies every article of the current snapshot and records its
// identity and designated comparison field values. On a feed with no history
// at all, everything is recorded and nothing is deliverable, so subscribing
// to an existing feed never notifies on pre-existing content.
//
// Only comparison fields that were stored on a previous poll participate in
// blocking and passing checks. Newly configured fields get their values
// recorded now and become active on the next poll.
func (e *Engine) Classify(ctx context.Context, feed model.Feed, articles []model.Article) ([]Result, error) {
	hasPrior, err := e.store.HasPriorArticles(ctx, feed.ID)
	if err != nil {
		return nil, fmt.Errorf("check feed history: %w", err)
	}

	results := make([]Result, 0, len(articles))
	if !hasPrior {
		for _, a := range articles {
			results = append(results, Result{Article: a, Class: ClassFirstRun})
		}
		if err := e.record(ctx, feed, articles); err != nil {
			return nil, err
		}
		return results, nil
	}

	idHashes := make([]string, 0, len(articles))
	for _, a := range articles {
		idHashes = append(idHashes, a.IDHash)
	}
	seen, err := e.store.FindStoredIDHashes(ctx, feed.ID, idHashes)
	if err != nil {
		return nil, fmt.Errorf("look up id hashes: %w", err)
	}

	active, err := e.store.StoredComparisonNames(ctx, feed.ID)
	if err != nil {
		return nil, fmt.Errorf("look up comparison names: %w", err)
	}

	for _, a := range articles {
		r := Result{Article: a}
		if seen[a.IDHash] {
			r.Class = ClassDuplicateID
			field, changed, err := e.passingChanged(ctx, feed, a, active)
			if err != nil {
				return nil, err
			}
			if changed {
				r.Class = ClassPassingChanged
				r.Field = field
			}
		} else {
			r.Class = ClassNewDeliverable
			field, blocked, err := e.blocked(ctx, feed, a, active)
			if err != nil {
				return nil, err
			}
			if blocked {
				r.Class = ClassBlocked
				r.Field = field
			}
		}
		results = append(results, r)
	}

	if err := e.record(ctx, feed, articles); err != nil {
		return nil, err
	}
	return results, nil
}

// blocked reports whether any active blocking field of the article carries a
// value already recorded for the feed. A match against any prior article
// counts: re-published content under a fresh id stays suppressed.
func (e *Engine) blocked(ctx context.Context, feed model.Feed, a model.Article, active map[string]bool) (string, bool, error) {
	for _, name := range feed.BlockingComparisons {
		if !active[name] {
			continue
		}
		value, ok := a.Fields[name]
		if !ok || value == "" {
			continue
		}
		exists, err := e.store.SomeFieldsExist(ctx, feed.ID, []storage.FieldQuery{
			{FieldName: name, HashedValue: article.HashValue(value)},
		})
		if err != nil {
			return "", false, fmt.Errorf("check blocking field %s: %w", name, err)
		}
		if exists {
			return name, true, nil
		}
	}
	return "", false, nil
}

// passingChanged reports whether any active passing field of an already-seen
// article carries a value that was never recorded, meaning the field changed
// since the article was last observed.
func (e *Engine) passingChanged(ctx context.Context, feed model.Feed, a model.Article, active map[string]bool) (string, bool, error) {
	for _, name := range feed.PassingComparisons {
		if !active[name] {
			continue
		}
		value, ok := a.Fields[name]
		if !ok || value == "" {
			continue
		}
		exists, err := e.store.SomeFieldsExist(ctx, feed.ID, []storage.FieldQuery{
			{FieldName: name, HashedValue: article.HashValue(value)},
		})
		if err != nil {
			return "", false, fmt.Errorf("check passing field %s: %w", name, err)
		}
		if !exists {
			return name, true, nil
		}
	}
	return "", false, nil
}

// record persists every article's identity and designated comparison field
// values, and marks the configured comparison names active for later polls.
// The storage key makes repeats no-ops.
func (e *Engine) record(ctx context.Context, feed model.Feed, articles []model.Article) error {
	names := make([]string, 0, len(feed.BlockingComparisons)+len(feed.PassingComparisons))
	names = append(names, feed.BlockingComparisons...)
	names = append(names, feed.PassingComparisons...)

	inserts := make([]storage.FieldInsert, 0, len(articles)*(len(names)+1))
	for _, a := range articles {
		inserts = append(inserts, storage.FieldInsert{FieldName: "id", HashedValue: a.IDHash})
		for _, name := range names {
			value, ok := a.Fields[name]
			if !ok || value == "" {
				continue
			}
			inserts = append(inserts, storage.FieldInsert{
				FieldName:   name,
				HashedValue: article.HashValue(value),
			})
		}
	}

	if err := e.store.StoreFields(ctx, feed.ID, inserts); err != nil {
		return fmt.Errorf("record article fields: %w", err)
	}
	if err := e.store.StoreComparisonNames(ctx, feed.ID, names); err != nil {
		return fmt.Errorf("record comparison names: %w", err)
	}
	return nil
}

// DeliverableOldestFirst filters to delivery candidates and reverses them so
// the oldest article in the snapshot is dispatched first. Feeds list newest
// entries first, and notifications should arrive in publication order.
func DeliverableOldestFirst(results []Result) []Result {
	var out []Result
	for i := len(results) - 1; i >= 0; i-- {
		if results[i].Class.Deliverable() {
			out = append(out, results[i])
		}
	}
	return out
}

// dateLayouts are the timestamp formats tried when parsing an article's
// reference date for the age gate.
var dateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	time.RFC3339,
	time.RFC3339Nano,
	time.RFC822Z,
	time.RFC822,
	"2006-01-02T15:04:05Z",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// PassesDateCheck reports whether the article clears the configured age
// threshold. Articles with no parsable reference date pass: the gate only
// drops provably old content.
func PassesDateCheck(a model.Article, checks *model.DateChecks, now time.Time) bool {
	if checks == nil || checks.OldArticleDateDiffMsThreshold <= 0 {
		return true
	}

	refs := checks.DatePlaceholderReferences
	if len(refs) == 0 {
		refs = []string{"date", "pubdate"}
	}

	for _, ref := range refs {
		value, ok := a.Fields[ref]
		if !ok || value == "" {
			continue
		}
		ts, ok := parseDate(value)
		if !ok {
			continue
		}
		threshold := time.Duration(checks.OldArticleDateDiffMsThreshold) * time.Millisecond
		return now.Sub(ts) <= threshold
	}
	return true
}

func parseDate(value string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}
