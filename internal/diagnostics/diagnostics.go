// Package diagnostics replays the delivery decision pipeline in explain
// mode. It never dispatches and never writes delivery records, but it does
// read and write article identity history so its answers match what a real
// run would do.
package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"feednotify/internal/comparison"
	"feednotify/internal/fetcher"
	"feednotify/internal/filter"
	"feednotify/internal/model"
	"feednotify/internal/ratelimit"
	"feednotify/internal/storage"
)

// Outcome classifies why an article would or would not be delivered.
type Outcome string

// Diagnosis outcomes.
const (
	OutcomeFeedUnchanged          Outcome = "FeedUnchanged"
	OutcomeFirstRunBaseline       Outcome = "FirstRunBaseline"
	OutcomeDuplicateID            Outcome = "DuplicateId"
	OutcomeBlockedByComparison    Outcome = "BlockedByComparison"
	OutcomePassingComparison      Outcome = "WouldDeliverPassingComparison"
	OutcomeFilteredByDateCheck    Outcome = "FilteredByDateCheck"
	OutcomeRateLimitedFeed        Outcome = "RateLimitedFeed"
	OutcomeFilteredByMediumFilter Outcome = "FilteredByMediumFilter"
	OutcomeRateLimitedMedium      Outcome = "RateLimitedMedium"
	OutcomeWouldDeliver           Outcome = "WouldDeliver"
)

// Stage names, in pipeline order.
const (
	StageFeedState       = "feed-state"
	StageIDComparison    = "id-comparison"
	StageDateCheck       = "date-check"
	StageFeedRateLimit   = "feed-rate-limit"
	StageMediumFilter    = "medium-filter"
	StageMediumRateLimit = "medium-rate-limit"
)

// Stage is one recorded pipeline step for one article.
type Stage struct {
	Stage   string `json:"stage"`
	Passed  bool   `json:"passed"`
	Details string `json:"details,omitempty"`
}

// Result is the diagnosis of one article.
type Result struct {
	ArticleID     string  `json:"articleId"`
	ArticleIDHash string  `json:"articleIdHash"`
	Outcome       Outcome `json:"outcome"`
	OutcomeReason string  `json:"outcomeReason"`
	Stages        []Stage `json:"stages,omitempty"`
}

// FeedState describes an upstream fetch or parse failure.
type FeedState struct {
	State          string `json:"state"`
	ErrorType      string `json:"errorType"`
	HTTPStatusCode int    `json:"httpStatusCode,omitempty"`
}

// Request asks for a diagnosis of a feed's current snapshot.
type Request struct {
	Feed            model.Feed
	Mediums         []model.Medium
	ArticleDayLimit int
	Skip            int
	Limit           int
	SummaryOnly     bool
}

// Response is the full diagnosis.
type Response struct {
	Total     int        `json:"total"`
	Results   []Result   `json:"results"`
	FeedState *FeedState `json:"feedState,omitempty"`
	Errors    []string   `json:"errors"`
}

// Service runs diagnoses over the live stores.
type Service struct {
	fetcher fetcher.SnapshotFetcher
	store   storage.Storage
	engine  *comparison.Engine
	limiter *ratelimit.Checker
	now     func() time.Time
}

// New returns a diagnostics Service.
func New(f fetcher.SnapshotFetcher, store storage.Storage, engine *comparison.Engine, limiter *ratelimit.Checker) *Service {
	return &Service{fetcher: f, store: store, engine: engine, limiter: limiter, now: time.Now}
}

// Diagnose fetches the feed's current snapshot and classifies each article.
// Upstream fetch or parse failures are reported as a FeedState, not an
// error: a poll failure must be distinguishable from zero new articles.
func (s *Service) Diagnose(ctx context.Context, req Request) (*Response, error) {
	snapshot, err := s.fetcher.Fetch(ctx, req.Feed.URL)
	if err != nil {
		var reqErr *fetcher.RequestError
		if errors.As(err, &reqErr) {
			return &Response{
				Total:   0,
				Results: []Result{},
				FeedState: &FeedState{
					State:          reqErr.State,
					ErrorType:      reqErr.ErrorType,
					HTTPStatusCode: reqErr.HTTPStatusCode,
				},
				Errors: []string{reqErr.Error()},
			}, nil
		}
		return nil, fmt.Errorf("fetch feed: %w", err)
	}

	articles := window(snapshot.Articles, req.Skip, req.Limit)
	// Total counts every diagnosable article in the snapshot so callers can
	// page through with skip and limit.
	resp := &Response{Total: len(snapshot.Articles), Results: []Result{}, Errors: []string{}}

	storedHash, err := s.store.GetResponseHash(ctx, req.Feed.ID)
	if err != nil {
		return nil, fmt.Errorf("load response hash: %w", err)
	}
	if storedHash != "" && storedHash == snapshot.BodyHash {
		// Byte-identical to the last fully processed snapshot. A fast
		// path only, so the trace is intentionally empty.
		for _, a := range articles {
			resp.Results = append(resp.Results, Result{
				ArticleID:     a.ID,
				ArticleIDHash: a.IDHash,
				Outcome:       OutcomeFeedUnchanged,
				OutcomeReason: "Feed content is unchanged since the last processed poll",
			})
		}
		return resp, nil
	}

	classified, err := s.engine.Classify(ctx, req.Feed, snapshot.Articles)
	if err != nil {
		return nil, fmt.Errorf("classify articles: %w", err)
	}
	byHash := make(map[string]comparison.Result, len(classified))
	for _, c := range classified {
		byHash[c.Article.IDHash] = c
	}

	dayLimit := req.ArticleDayLimit
	if dayLimit == 0 {
		dayLimit = req.Feed.ArticleDayLimit
	}

	for _, a := range articles {
		r, err := s.diagnoseArticle(ctx, req, byHash[a.IDHash], dayLimit)
		if err != nil {
			return nil, err
		}
		if req.SummaryOnly {
			r.Stages = nil
		}
		resp.Results = append(resp.Results, r)
	}
	return resp, nil
}

func (s *Service) diagnoseArticle(ctx context.Context, req Request, c comparison.Result, dayLimit int) (Result, error) {
	r := Result{ArticleID: c.Article.ID, ArticleIDHash: c.Article.IDHash, Stages: []Stage{}}

	fail := func(stage, details string, outcome Outcome, reason string) Result {
		r.Stages = append(r.Stages, Stage{Stage: stage, Passed: false, Details: details})
		r.Outcome = outcome
		r.OutcomeReason = reason
		return r
	}
	pass := func(stage, details string) {
		r.Stages = append(r.Stages, Stage{Stage: stage, Passed: true, Details: details})
	}

	switch c.Class {
	case comparison.ClassFirstRun:
		return fail(StageFeedState, "feed has no comparison history",
			OutcomeFirstRunBaseline, "Feed has never been processed, all current articles form the baseline"), nil
	case comparison.ClassDuplicateID:
		pass(StageFeedState, "")
		return fail(StageIDComparison, "article id already recorded",
			OutcomeDuplicateID, "Article id was seen on a previous poll and no passing comparison changed"), nil
	case comparison.ClassBlocked:
		pass(StageFeedState, "")
		return fail(StageIDComparison, fmt.Sprintf("blocking comparison %q matched a prior article", c.Field),
			OutcomeBlockedByComparison, fmt.Sprintf("Field %q repeats a value recorded under a different article", c.Field)), nil
	case comparison.ClassPassingChanged:
		pass(StageFeedState, "")
		r.Stages = append(r.Stages, Stage{
			Stage: StageIDComparison, Passed: true,
			Details: fmt.Sprintf("passing comparison %q changed", c.Field),
		})
		r.Outcome = OutcomePassingComparison
		r.OutcomeReason = fmt.Sprintf("Already-seen article would be re-delivered because %q changed", c.Field)
		return r, nil
	}

	pass(StageFeedState, "")
	pass(StageIDComparison, "new article id")

	if !comparison.PassesDateCheck(c.Article, req.Feed.DateChecks, s.now()) {
		return fail(StageDateCheck, "article reference date is older than the configured threshold",
			OutcomeFilteredByDateCheck, "Article is older than the feed's date threshold"), nil
	}
	pass(StageDateCheck, "")

	exceeded, err := s.limiter.WouldExceedFeedLimit(ctx, req.Feed.ID, dayLimit)
	if err != nil {
		return r, fmt.Errorf("check feed rate limit: %w", err)
	}
	if exceeded {
		return fail(StageFeedRateLimit, fmt.Sprintf("feed daily cap of %d already met", dayLimit),
			OutcomeRateLimitedFeed, "Feed has reached its daily delivery limit"), nil
	}
	pass(StageFeedRateLimit, "")

	// One medium that would deliver makes the article deliverable; the
	// first per-medium failure is reported only when every medium fails.
	var firstFailure *Result
	for _, m := range req.Mediums {
		if !filter.Evaluate(m.Filters, c.Article.Fields) {
			candidate := r
			candidate.Stages = append(append([]Stage{}, r.Stages...), Stage{
				Stage: StageMediumFilter, Passed: false,
				Details: fmt.Sprintf("medium %s filter evaluated false", m.ID),
			})
			candidate.Outcome = OutcomeFilteredByMediumFilter
			candidate.OutcomeReason = fmt.Sprintf("Medium %s filter rejected the article", m.ID)
			if firstFailure == nil {
				firstFailure = &candidate
			}
			continue
		}

		exceeded, err := s.limiter.WouldExceedMediumLimit(ctx, m.ID, m.RateLimits)
		if err != nil {
			return r, fmt.Errorf("check medium rate limit: %w", err)
		}
		if exceeded {
			candidate := r
			candidate.Stages = append(append([]Stage{}, r.Stages...),
				Stage{Stage: StageMediumFilter, Passed: true, Details: fmt.Sprintf("medium %s", m.ID)},
				Stage{Stage: StageMediumRateLimit, Passed: false, Details: fmt.Sprintf("medium %s rate limit met", m.ID)},
			)
			candidate.Outcome = OutcomeRateLimitedMedium
			candidate.OutcomeReason = fmt.Sprintf("Medium %s has reached its delivery limit", m.ID)
			if firstFailure == nil {
				firstFailure = &candidate
			}
			continue
		}

		pass(StageMediumFilter, fmt.Sprintf("medium %s", m.ID))
		pass(StageMediumRateLimit, fmt.Sprintf("medium %s", m.ID))
		r.Outcome = OutcomeWouldDeliver
		r.OutcomeReason = "Article would be delivered"
		return r, nil
	}

	if firstFailure != nil {
		return *firstFailure, nil
	}

	r.Outcome = OutcomeWouldDeliver
	r.OutcomeReason = "Article would be delivered"
	return r, nil
}

// window applies skip and limit to the article batch.
func window(articles []model.Article, skip, limit int) []model.Article {
	if skip < 0 {
		skip = 0
	}
	if skip >= len(articles) {
		return nil
	}
	articles = articles[skip:]
	if limit > 0 && limit < len(articles) {
		articles = articles[:limit]
	}
	return articles
}
