// Package fetcher is the snapshot fetcher adapter: it downloads a feed,
// reports a content hash for the poll, and surfaces upstream failures as
// typed request errors rather than opaque ones.
package fetcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"feednotify/internal/article"
	"feednotify/internal/model"
)

// Feed state classifications for a failed poll.
const (
	StateFetchError = "fetch-error"
	StateParseError = "parse-error"
)

// Error types for a failed poll.
const (
	ErrorTypeTimeout       = "timeout"
	ErrorTypeBadStatusCode = "bad-status-code"
	ErrorTypeFetch         = "fetch"
	ErrorTypeInternal      = "internal"
	ErrorTypeParse         = "parse"
	ErrorTypeInvalid       = "invalid"
)

// RequestError describes why a poll failed. It distinguishes a failed poll
// from a feed with zero new articles.
type RequestError struct {
	State          string
	ErrorType      string
	HTTPStatusCode int
	Err            error
}

func (e *RequestError) Error() string {
	if e.ErrorType == ErrorTypeBadStatusCode {
		return fmt.Sprintf("feed request failed: %s (status %d)", e.ErrorType, e.HTTPStatusCode)
	}
	return fmt.Sprintf("feed request failed: %s: %v", e.ErrorType, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// Snapshot is one successfully fetched and parsed poll.
type Snapshot struct {
	Articles []model.Article
	// BodyHash is the content hash of the raw response body. Equal hashes
	// across polls mean byte-identical content.
	BodyHash string
}

// SnapshotFetcher fetches the current snapshot of a feed.
type SnapshotFetcher interface {
	Fetch(ctx context.Context, url string) (*Snapshot, error)
}

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Fetcher downloads and parses feeds over HTTP.
type Fetcher struct {
	client  HTTPClient
	timeout time.Duration
}

// New creates a Fetcher with the given HTTP client.
func New(client HTTPClient) *Fetcher {
	return &Fetcher{
		client:  client,
		timeout: 30 * time.Second,
	}
}

// Fetch downloads and parses the feed at url, returning a snapshot with its
// content hash. Failures are returned as *RequestError.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &RequestError{State: StateFetchError, ErrorType: ErrorTypeInternal, Err: err}
	}
	req.Header.Set("User-Agent", "feednotify/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, classifyFetchError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, &RequestError{
			State:          StateFetchError,
			ErrorType:      ErrorTypeBadStatusCode,
			HTTPStatusCode: resp.StatusCode,
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 5*1024*1024))
	if err != nil {
		return nil, &RequestError{State: StateFetchError, ErrorType: ErrorTypeFetch, Err: err}
	}

	articles, err := article.ParseFeed(string(body))
	if err != nil {
		return nil, &RequestError{State: StateParseError, ErrorType: ErrorTypeParse, Err: err}
	}

	sum := sha256.Sum256(body)

	return &Snapshot{
		Articles: articles,
		BodyHash: hex.EncodeToString(sum[:]),
	}, nil
}

func classifyFetchError(err error) *RequestError {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &RequestError{State: StateFetchError, ErrorType: ErrorTypeTimeout, Err: err}
	}
	return &RequestError{State: StateFetchError, ErrorType: ErrorTypeFetch, Err: err}
}
