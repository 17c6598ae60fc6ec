// Package ledger is the append-only record of delivery attempts. It is the
// single source of truth for rate limiting and delivery audit.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"feednotify/internal/model"
	"feednotify/internal/storage"
)

// Service wraps the delivery record store with domain-level operations.
type Service struct {
	store storage.DeliveryRecordStore
	now   func() time.Time
}

// New returns a ledger Service over the given record store.
func New(store storage.DeliveryRecordStore) *Service {
	return &Service{store: store, now: time.Now}
}

// NewRecord builds a root delivery record for an article going to a medium.
func (s *Service) NewRecord(feedID, mediumID string, a model.Article, status model.DeliveryStatus, contentType model.ContentType) model.DeliveryRecord {
	return model.DeliveryRecord{
		ID:            uuid.NewString(),
		FeedID:        feedID,
		MediumID:      mediumID,
		ArticleID:     a.ID,
		ArticleIDHash: a.IDHash,
		Status:        status,
		ContentType:   contentType,
		CreatedAt:     s.now().UTC(),
	}
}

// NewChildRecord builds a child record referencing its parent, for
// multi-step dispatch such as thread creation followed by the first message.
func (s *Service) NewChildRecord(parent model.DeliveryRecord, contentType model.ContentType) model.DeliveryRecord {
	child := s.NewRecord(parent.FeedID, parent.MediumID, model.Article{
		ID:     parent.ArticleID,
		IDHash: parent.ArticleIDHash,
	}, model.StatusPendingDelivery, contentType)
	child.ParentID = parent.ID
	return child
}

// Store appends records and returns how many were actually inserted. Root
// records that collide on (mediumId, articleIdHash) are skipped, making
// at-least-once event delivery safe.
func (s *Service) Store(ctx context.Context, records []model.DeliveryRecord) (int, error) {
	inserted, err := s.store.InsertRecords(ctx, records)
	if err != nil {
		return 0, fmt.Errorf("store delivery records: %w", err)
	}
	return inserted, nil
}

// FindRootRecord returns the root record holding the (mediumId,
// articleIdHash) idempotency key. A re-delivery settles its outcome on this
// record instead of appending a second root.
func (s *Service) FindRootRecord(ctx context.Context, mediumID, articleIDHash string) (*model.DeliveryRecord, error) {
	rec, err := s.store.FindRootRecord(ctx, mediumID, articleIDHash)
	if err != nil {
		return nil, fmt.Errorf("find root record: %w", err)
	}
	return rec, nil
}

// CountInWindow counts distinct delivered articles in scope within the last
// windowSeconds. Only sent and rejected attempts count.
func (s *Service) CountInWindow(ctx context.Context, scope storage.CountScope, windowSeconds int) (int, error) {
	since := s.now().UTC().Add(-time.Duration(windowSeconds) * time.Second)
	count, err := s.store.CountDeliveriesSince(ctx, scope, since)
	if err != nil {
		return 0, fmt.Errorf("count in window: %w", err)
	}
	return count, nil
}

// UpdateStatus moves a record to a new status with optional error details.
// A child record may only reach a terminal status once its parent is Sent;
// until then the child stays pending so a retry can settle it.
func (s *Service) UpdateStatus(ctx context.Context, id string, status model.DeliveryStatus, errorCode, internalMessage, externalDetail string) error {
	rec, err := s.store.GetRecord(ctx, id)
	if err != nil {
		return fmt.Errorf("load record %s: %w", id, err)
	}

	if rec.ParentID != "" && isTerminal(status) {
		parent, err := s.store.GetRecord(ctx, rec.ParentID)
		if err != nil {
			return fmt.Errorf("load parent %s: %w", rec.ParentID, err)
		}
		if parent.Status != model.StatusSent {
			return fmt.Errorf("record %s: parent %s is %s, not sent", id, parent.ID, parent.Status)
		}
	}

	if err := s.store.UpdateRecordStatus(ctx, id, status, errorCode, internalMessage, externalDetail); err != nil {
		return fmt.Errorf("update record %s: %w", id, err)
	}
	return nil
}

func isTerminal(status model.DeliveryStatus) bool {
	switch status {
	case model.StatusSent, model.StatusFailed, model.StatusRejected:
		return true
	}
	return false
}

// ListLogs returns the feed's parent records newest first, each folded with
// its children into a single display status.
func (s *Service) ListLogs(ctx context.Context, feedID string, skip, limit int) ([]model.DeliveryLog, error) {
	parents, err := s.store.ListParentRecords(ctx, feedID, skip, limit)
	if err != nil {
		return nil, fmt.Errorf("list parent records: %w", err)
	}
	if len(parents) == 0 {
		return []model.DeliveryLog{}, nil
	}

	parentIDs := make([]string, 0, len(parents))
	for _, p := range parents {
		parentIDs = append(parentIDs, p.ID)
	}
	children, err := s.store.ListChildRecords(ctx, parentIDs)
	if err != nil {
		return nil, fmt.Errorf("list child records: %w", err)
	}
	byParent := make(map[string][]model.DeliveryRecord)
	for _, c := range children {
		byParent[c.ParentID] = append(byParent[c.ParentID], c)
	}

	logs := make([]model.DeliveryLog, 0, len(parents))
	for _, p := range parents {
		logs = append(logs, foldLog(p, byParent[p.ID]))
	}
	return logs, nil
}

// foldLog classifies a parent record and its children for audit display. A
// sent parent whose child did not make it through counts as partial.
func foldLog(parent model.DeliveryRecord, children []model.DeliveryRecord) model.DeliveryLog {
	log := model.DeliveryLog{
		ID:            parent.ID,
		MediumID:      parent.MediumID,
		ArticleIDHash: parent.ArticleIDHash,
		CreatedAt:     parent.CreatedAt,
	}

	switch parent.Status {
	case model.StatusSent:
		log.Status = model.LogDelivered
		for _, c := range children {
			if c.Status != model.StatusSent {
				log.Status = model.LogPartiallyDelivered
				log.Details.Message = "Some parts of the notification failed to deliver"
				break
			}
		}
	case model.StatusFailed:
		log.Status = model.LogFailed
		log.Details.Message = parent.ExternalDetail
	case model.StatusRejected:
		log.Status = model.LogRejected
		log.Details.Message = parent.ExternalDetail
	case model.StatusPendingDelivery:
		log.Status = model.LogPendingDelivery
	case model.StatusRateLimited:
		log.Status = model.LogArticleRateLimited
	case model.StatusMediumRateLimitedByUser:
		log.Status = model.LogMediumRateLimited
	case model.StatusFilteredOut:
		log.Status = model.LogFilteredOut
	default:
		log.Status = model.LogPendingDelivery
	}
	return log
}
