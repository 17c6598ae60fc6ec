package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"feednotify/internal/model"
	"feednotify/migrations"
)

const timeLayout = "2006-01-02T15:04:05.000Z"

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=OFF"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("disable foreign keys: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// HasPriorArticles reports whether any identity has ever been recorded for
// the feed.
func (s *SQLite) HasPriorArticles(ctx context.Context, feedID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM article_fields WHERE feed_id = ? AND field_name = 'id' LIMIT 1`,
		feedID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check prior articles: %w", err)
	}
	return count > 0, nil
}

// FindStoredIDHashes returns which of the given identity hashes are already
// recorded for the feed.
func (s *SQLite) FindStoredIDHashes(ctx context.Context, feedID string, idHashes []string) (map[string]bool, error) {
	found := make(map[string]bool, len(idHashes))
	if len(idHashes) == 0 {
		return found, nil
	}

	query := `SELECT hashed_value FROM article_fields
	          WHERE feed_id = ? AND field_name = 'id' AND hashed_value IN (` +
		placeholders(len(idHashes)) + `)`

	args := make([]any, 0, len(idHashes)+1)
	args = append(args, feedID)
	for _, h := range idHashes {
		args = append(args, h)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query stored id hashes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return nil, fmt.Errorf("scan id hash: %w", err)
		}
		found[hash] = true
	}
	return found, rows.Err()
}

// SomeFieldsExist reports whether any of the field name + value hash pairs
// has been recorded for the feed.
func (s *SQLite) SomeFieldsExist(ctx context.Context, feedID string, queries []FieldQuery) (bool, error) {
	if len(queries) == 0 {
		return false, nil
	}

	var sb strings.Builder
	args := make([]any, 0, len(queries)*2+1)
	args = append(args, feedID)
	for i, q := range queries {
		if i > 0 {
			sb.WriteString(" OR ")
		}
		sb.WriteString("(field_name = ? AND hashed_value = ?)")
		args = append(args, q.FieldName, q.HashedValue)
	}

	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM article_fields WHERE feed_id = ? AND (`+sb.String()+`) LIMIT 1`,
		args...,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check fields exist: %w", err)
	}
	return count > 0, nil
}

// StoreFields records field values for a feed. Re-inserting an already
// recorded value is a no-op, which makes observation idempotent.
func (s *SQLite) StoreFields(ctx context.Context, feedID string, inserts []FieldInsert) error {
	if len(inserts) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(timeLayout)
	for _, ins := range inserts {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO article_fields (feed_id, field_name, hashed_value, created_at)
			 VALUES (?, ?, ?, ?)`,
			feedID, ins.FieldName, ins.HashedValue, now,
		)
		if err != nil {
			return fmt.Errorf("insert article field: %w", err)
		}
	}
	return tx.Commit()
}

// StoredComparisonNames returns the comparison field names that have ever
// been stored for the feed.
func (s *SQLite) StoredComparisonNames(ctx context.Context, feedID string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT field_name FROM comparison_names WHERE feed_id = ?`, feedID,
	)
	if err != nil {
		return nil, fmt.Errorf("query comparison names: %w", err)
	}
	defer func() { _ = rows.Close() }()

	names := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan comparison name: %w", err)
		}
		names[name] = true
	}
	return names, rows.Err()
}

// StoreComparisonNames marks comparison field names as active for the feed.
func (s *SQLite) StoreComparisonNames(ctx context.Context, feedID string, names []string) error {
	if len(names) == 0 {
		return nil
	}

	now := time.Now().UTC().Format(timeLayout)
	for _, name := range names {
		_, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO comparison_names (feed_id, field_name, created_at) VALUES (?, ?, ?)`,
			feedID, name, now,
		)
		if err != nil {
			return fmt.Errorf("insert comparison name: %w", err)
		}
	}
	return nil
}

// GetResponseHash returns the stored snapshot hash for the feed, or "" when
// the feed has never been fully processed.
func (s *SQLite) GetResponseHash(ctx context.Context, feedID string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx,
		`SELECT hash FROM response_hashes WHERE feed_id = ?`, feedID,
	).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query response hash: %w", err)
	}
	return hash, nil
}

// SetResponseHash upserts the snapshot hash for the feed. Empty hashes are
// ignored.
func (s *SQLite) SetResponseHash(ctx context.Context, feedID, hash string) error {
	if hash == "" {
		return nil
	}
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO response_hashes (feed_id, hash, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (feed_id) DO UPDATE SET hash = excluded.hash, updated_at = excluded.updated_at`,
		feedID, hash, now,
	)
	if err != nil {
		return fmt.Errorf("upsert response hash: %w", err)
	}
	return nil
}

// InsertRecords appends delivery records, returning how many were actually
// inserted. A root record whose (medium_id, article_id_hash) key already
// exists is skipped rather than erroring, so at-least-once re-processing of
// the same event is safe.
func (s *SQLite) InsertRecords(ctx context.Context, records []model.DeliveryRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	inserted := 0
	for _, r := range records {
		createdAt := r.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}

		var parent any
		if r.ParentID != "" {
			parent = r.ParentID
		}

		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO delivery_records
			 (id, feed_id, medium_id, article_id, article_id_hash, status, content_type,
			  error_code, internal_message, external_detail, parent_id, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.FeedID, r.MediumID, r.ArticleID, r.ArticleIDHash, string(r.Status),
			string(r.ContentType), r.ErrorCode, r.InternalMessage, r.ExternalDetail,
			parent, createdAt.UTC().Format(timeLayout),
		)
		if err != nil {
			return 0, fmt.Errorf("insert delivery record: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("rows affected: %w", err)
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

// GetRecord returns a single delivery record by id.
func (s *SQLite) GetRecord(ctx context.Context, id string) (*model.DeliveryRecord, error) {
	row := s.db.QueryRowContext(ctx, selectRecordSQL+` WHERE id = ?`, id)
	r, err := scanRecord(row)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// FindRootRecord returns the root delivery record holding the
// (medium_id, article_id_hash) idempotency key, the row an insert would have
// collided with.
func (s *SQLite) FindRootRecord(ctx context.Context, mediumID, articleIDHash string) (*model.DeliveryRecord, error) {
	row := s.db.QueryRowContext(ctx,
		selectRecordSQL+` WHERE medium_id = ? AND article_id_hash = ? AND parent_id IS NULL`,
		mediumID, articleIDHash,
	)
	r, err := scanRecord(row)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// UpdateRecordStatus updates a record's status and error details in place.
func (s *SQLite) UpdateRecordStatus(ctx context.Context, id string, status model.DeliveryStatus, errorCode, internalMessage, externalDetail string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE delivery_records
		 SET status = ?, error_code = ?, internal_message = ?, external_detail = ?
		 WHERE id = ?`,
		string(status), errorCode, internalMessage, externalDetail, id,
	)
	if err != nil {
		return fmt.Errorf("update delivery record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("delivery record %s not found", id)
	}
	return nil
}

// CountDeliveriesSince counts distinct delivered articles in scope since the
// given time. Only sent and rejected records count against rate limits.
func (s *SQLite) CountDeliveriesSince(ctx context.Context, scope CountScope, since time.Time) (int, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT COUNT(DISTINCT article_id_hash) FROM delivery_records
	                WHERE status IN (?, ?) AND created_at >= ?`)
	args := []any{
		string(model.StatusSent), string(model.StatusRejected),
		since.UTC().Format(timeLayout),
	}
	if scope.FeedID != "" {
		sb.WriteString(" AND feed_id = ?")
		args = append(args, scope.FeedID)
	}
	if scope.MediumID != "" {
		sb.WriteString(" AND medium_id = ?")
		args = append(args, scope.MediumID)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, sb.String(), args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count deliveries: %w", err)
	}
	return count, nil
}

// ListParentRecords returns root delivery records for the feed, newest
// first.
func (s *SQLite) ListParentRecords(ctx context.Context, feedID string, skip, limit int) ([]model.DeliveryRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		selectRecordSQL+` WHERE feed_id = ? AND parent_id IS NULL
		 ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		feedID, limit, skip,
	)
	if err != nil {
		return nil, fmt.Errorf("query parent records: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanRecords(rows)
}

// ListChildRecords returns the child records of the given parents.
func (s *SQLite) ListChildRecords(ctx context.Context, parentIDs []string) ([]model.DeliveryRecord, error) {
	if len(parentIDs) == 0 {
		return nil, nil
	}

	query := selectRecordSQL + ` WHERE parent_id IN (` + placeholders(len(parentIDs)) + `)`
	args := make([]any, 0, len(parentIDs))
	for _, id := range parentIDs {
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query child records: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanRecords(rows)
}

// DeleteFeed removes all durable decision state for a feed. The delivery
// ledger is intentionally left intact.
func (s *SQLite) DeleteFeed(ctx context.Context, feedID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM article_fields WHERE feed_id = ?`, feedID); err != nil {
		return fmt.Errorf("delete article fields: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM comparison_names WHERE feed_id = ?`, feedID); err != nil {
		return fmt.Errorf("delete comparison names: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM response_hashes WHERE feed_id = ?`, feedID); err != nil {
		return fmt.Errorf("delete response hash: %w", err)
	}
	return tx.Commit()
}

const selectRecordSQL = `SELECT id, feed_id, medium_id, article_id, article_id_hash, status,
	content_type, error_code, internal_message, external_detail, parent_id, created_at
	FROM delivery_records`

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRecord(row scannable) (model.DeliveryRecord, error) {
	var r model.DeliveryRecord
	var status, contentType, createdStr string
	var parent sql.NullString
	err := row.Scan(
		&r.ID, &r.FeedID, &r.MediumID, &r.ArticleID, &r.ArticleIDHash, &status,
		&contentType, &r.ErrorCode, &r.InternalMessage, &r.ExternalDetail, &parent, &createdStr,
	)
	if err != nil {
		return r, fmt.Errorf("scan delivery record: %w", err)
	}
	r.Status = model.DeliveryStatus(status)
	r.ContentType = model.ContentType(contentType)
	if parent.Valid {
		r.ParentID = parent.String
	}
	r.CreatedAt, _ = time.Parse(timeLayout, createdStr)
	return r, nil
}

func scanRecords(rows *sql.Rows) ([]model.DeliveryRecord, error) {
	var records []model.DeliveryRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
