// Package model defines the domain types used across the application.
package model

import (
	"time"

	"feednotify/internal/filter"
	"feednotify/internal/placeholder"
)

// Article is one feed entry for one poll. It is ephemeral: only its identity
// hash and selected comparison field values are ever persisted.
type Article struct {
	// ID is the source-provided identifier; it may repeat across polls.
	ID string
	// IDHash is the stable digest of ID used as the dedup key.
	IDHash string
	// Fields is the flattened field map (title, description, pubdate, ...).
	Fields map[string]string
}

// Feed holds the per-feed decision configuration carried on a feed event.
type Feed struct {
	ID                  string   `json:"id"`
	URL                 string   `json:"url"`
	BlockingComparisons []string `json:"blockingComparisons"`
	PassingComparisons  []string `json:"passingComparisons"`
	// ArticleDayLimit caps deliveries per feed across all mediums in a
	// 24-hour window.
	ArticleDayLimit int         `json:"articleDayLimit"`
	DateChecks      *DateChecks `json:"dateChecks,omitempty"`
}

// DateChecks configures the article age gate.
type DateChecks struct {
	// OldArticleDateDiffMsThreshold drops articles whose reference date is
	// older than this many milliseconds. Zero disables the check.
	OldArticleDateDiffMsThreshold int64 `json:"oldArticleDateDiffMsThreshold"`
	// DatePlaceholderReferences lists the article fields tried in order for
	// the reference date. Defaults to date, pubdate.
	DatePlaceholderReferences []string `json:"datePlaceholderReferences,omitempty"`
}

// RateLimit is a stateless rate limit rule, always evaluated against the
// delivery record ledger rather than stored as a mutable counter.
type RateLimit struct {
	Limit             int `json:"limit"`
	TimeWindowSeconds int `json:"timeWindowSeconds"`
}

// Medium is one configured delivery destination.
type Medium struct {
	ID                 string                          `json:"id"`
	Details            MediumDetails                   `json:"details"`
	Filters            *filter.Expression              `json:"filters,omitempty"`
	RateLimits         []RateLimit                     `json:"rateLimits,omitempty"`
	CustomPlaceholders []placeholder.CustomPlaceholder `json:"customPlaceholders,omitempty"`
}

// MediumDetails describes where and how to post.
type MediumDetails struct {
	Channel *Channel `json:"channel,omitempty"`
	Webhook *Webhook `json:"webhook,omitempty"`
	Content string   `json:"content,omitempty"`
	Embeds  []Embed  `json:"embeds,omitempty"`
}

// Channel is a Discord channel target. Type "forum" requires a thread to be
// created before the first message.
type Channel struct {
	ID   string `json:"id"`
	Type string `json:"type,omitempty"`
}

// Webhook is a Discord webhook target.
type Webhook struct {
	ID      string `json:"id"`
	Token   string `json:"token,omitempty"`
	Name    string `json:"name,omitempty"`
	IconURL string `json:"iconUrl,omitempty"`
}

// Embed mirrors the Discord embed object, with template placeholders allowed
// in every text field.
type Embed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	URL         string       `json:"url,omitempty"`
	Color       int          `json:"color,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
	Author      *EmbedAuthor `json:"author,omitempty"`
	Footer      *EmbedFooter `json:"footer,omitempty"`
	Image       *EmbedMedia  `json:"image,omitempty"`
	Thumbnail   *EmbedMedia  `json:"thumbnail,omitempty"`
	Fields      []EmbedField `json:"fields,omitempty"`
}

// EmbedAuthor is the author block of an embed.
type EmbedAuthor struct {
	Name    string `json:"name"`
	URL     string `json:"url,omitempty"`
	IconURL string `json:"iconUrl,omitempty"`
}

// EmbedFooter is the footer block of an embed.
type EmbedFooter struct {
	Text    string `json:"text"`
	IconURL string `json:"iconUrl,omitempty"`
}

// EmbedMedia is an image or thumbnail block of an embed.
type EmbedMedia struct {
	URL string `json:"url"`
}

// EmbedField is one field row of an embed.
type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// DeliveryStatus is the state of one delivery record. Negative outcomes are
// first-class statuses, not errors, so they stay explainable in diagnostics.
type DeliveryStatus string

// Delivery record statuses.
const (
	StatusPendingDelivery         DeliveryStatus = "pending-delivery"
	StatusSent                    DeliveryStatus = "sent"
	StatusFailed                  DeliveryStatus = "failed"
	StatusRejected                DeliveryStatus = "rejected"
	StatusFilteredOut             DeliveryStatus = "filtered-out"
	StatusRateLimited             DeliveryStatus = "rate-limited"
	StatusMediumRateLimitedByUser DeliveryStatus = "medium-rate-limited-by-user"
)

// ContentType distinguishes the payload kind of a delivery record.
type ContentType string

// Delivery record content types.
const (
	ContentTypeArticleMessage ContentType = "discord-article-message"
	ContentTypeThreadCreation ContentType = "discord-thread-creation"
)

// DeliveryRecord is one row of the append-only delivery ledger.
// (MediumID, ArticleIDHash) is the idempotency key for root records; child
// records model multi-step dispatch and reference their parent.
type DeliveryRecord struct {
	ID              string
	FeedID          string
	MediumID        string
	ArticleID       string
	ArticleIDHash   string
	Status          DeliveryStatus
	ContentType     ContentType
	ErrorCode       string
	InternalMessage string
	ExternalDetail  string
	ParentID        string
	CreatedAt       time.Time
}

// DeliveryLogStatus is the audit-display classification of a parent record
// joined with its children.
type DeliveryLogStatus string

// Delivery log statuses.
const (
	LogDelivered          DeliveryLogStatus = "DELIVERED"
	LogPartiallyDelivered DeliveryLogStatus = "PARTIALLY_DELIVERED"
	LogRejected           DeliveryLogStatus = "REJECTED"
	LogFailed             DeliveryLogStatus = "FAILED"
	LogPendingDelivery    DeliveryLogStatus = "PENDING_DELIVERY"
	LogArticleRateLimited DeliveryLogStatus = "ARTICLE_RATE_LIMITED"
	LogMediumRateLimited  DeliveryLogStatus = "MEDIUM_RATE_LIMITED"
	LogFilteredOut        DeliveryLogStatus = "FILTERED_OUT"
)

// DeliveryLog is one entry of the audit log: a parent record with its
// children folded into a single display status.
type DeliveryLog struct {
	ID            string            `json:"id"`
	MediumID      string            `json:"mediumId"`
	ArticleIDHash string            `json:"articleIdHash"`
	Status        DeliveryLogStatus `json:"status"`
	Details       LogDetails        `json:"details"`
	CreatedAt     time.Time         `json:"createdAt"`
}

// LogDetails carries the optional human-readable explanation of a log entry.
type LogDetails struct {
	Message string `json:"message,omitempty"`
}
