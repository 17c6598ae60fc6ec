// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"time"

	"feednotify/internal/model"
)

// FieldInsert is one article field value to persist for comparison history.
type FieldInsert struct {
	FieldName   string
	HashedValue string
}

// FieldQuery asks whether a field name + value hash pair has been recorded.
type FieldQuery struct {
	FieldName   string
	HashedValue string
}

// CountScope narrows a delivery count to a feed, a medium, or both.
type CountScope struct {
	FeedID   string
	MediumID string
}

// ArticleFieldStore persists article identity and comparison field history.
// The (feedId, fieldName, hashedValue) key is idempotent: re-inserting an
// observed value is a no-op.
type ArticleFieldStore interface {
	HasPriorArticles(ctx context.Context, feedID string) (bool, error)
	FindStoredIDHashes(ctx context.Context, feedID string, idHashes []string) (map[string]bool, error)
	SomeFieldsExist(ctx context.Context, feedID string, queries []FieldQuery) (bool, error)
	StoreFields(ctx context.Context, feedID string, inserts []FieldInsert) error
	StoredComparisonNames(ctx context.Context, feedID string) (map[string]bool, error)
	StoreComparisonNames(ctx context.Context, feedID string, names []string) error
}

// ResponseHashStore persists the content hash of the most recently fully
// processed snapshot per feed.
type ResponseHashStore interface {
	GetResponseHash(ctx context.Context, feedID string) (string, error)
	SetResponseHash(ctx context.Context, feedID, hash string) error
}

// DeliveryRecordStore is the append-only delivery ledger. Root records are
// deduplicated on (mediumId, articleIdHash); inserting a duplicate root is a
// no-op counted as zero inserts.
type DeliveryRecordStore interface {
	InsertRecords(ctx context.Context, records []model.DeliveryRecord) (int, error)
	GetRecord(ctx context.Context, id string) (*model.DeliveryRecord, error)
	FindRootRecord(ctx context.Context, mediumID, articleIDHash string) (*model.DeliveryRecord, error)
	UpdateRecordStatus(ctx context.Context, id string, status model.DeliveryStatus, errorCode, internalMessage, externalDetail string) error
	CountDeliveriesSince(ctx context.Context, scope CountScope, since time.Time) (int, error)
	ListParentRecords(ctx context.Context, feedID string, skip, limit int) ([]model.DeliveryRecord, error)
	ListChildRecords(ctx context.Context, parentIDs []string) ([]model.DeliveryRecord, error)
}

// Storage is the interface for all persistence operations.
type Storage interface {
	ArticleFieldStore
	ResponseHashStore
	DeliveryRecordStore

	// DeleteFeed removes all durable state for a feed: field history,
	// comparison names, and its response hash. Delivery records stay for
	// audit.
	DeleteFeed(ctx context.Context, feedID string) error

	Close() error
}
