package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/payhuk02/emarzona-sub013/internal/domain"
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS queue_items (
  id TEXT PRIMARY KEY,
  kind TEXT NOT NULL CHECK(kind IN ('webhook_delivery','sync_action')),
  event_type TEXT NOT NULL DEFAULT '',
  endpoint_id TEXT NOT NULL DEFAULT '',
  sync_op TEXT NOT NULL DEFAULT '',
  owner_id TEXT NOT NULL DEFAULT '',
  payload BLOB NOT NULL,
  priority INTEGER NOT NULL DEFAULT 5,
  status TEXT NOT NULL CHECK(status IN ('pending','in_flight','delivered','retrying','failed')) DEFAULT 'pending',
  attempts INTEGER NOT NULL DEFAULT 0,
  max_attempts INTEGER NOT NULL DEFAULT 3,
  next_attempt_at DATETIME NOT NULL,
  idempotency_key TEXT,
  last_error TEXT NOT NULL DEFAULT '',
  created_at DATETIME NOT NULL,
  last_attempted_at DATETIME,
  completed_at DATETIME,
  updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_items_due ON queue_items(status, next_attempt_at, priority DESC);
CREATE INDEX IF NOT EXISTS idx_items_idem ON queue_items(idempotency_key) WHERE idempotency_key IS NOT NULL;
CREATE TABLE IF NOT EXISTS endpoints (
  id TEXT PRIMARY KEY,
  owner_id TEXT NOT NULL,
  url TEXT NOT NULL,
  secret TEXT NOT NULL,
  events TEXT NOT NULL DEFAULT '[]',
  is_active INTEGER NOT NULL DEFAULT 1,
  failure_count INTEGER NOT NULL DEFAULT 0,
  created_at DATETIME NOT NULL,
  updated_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS delivery_logs (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  item_id TEXT NOT NULL,
  endpoint_id TEXT NOT NULL DEFAULT '',
  attempt INTEGER NOT NULL,
  status_code INTEGER,
  response TEXT NOT NULL DEFAULT '',
  error TEXT NOT NULL DEFAULT '',
  created_at DATETIME NOT NULL,
  FOREIGN KEY(item_id) REFERENCES queue_items(id)
);
CREATE INDEX IF NOT EXISTS idx_logs_endpoint ON delivery_logs(endpoint_id, created_at DESC);
`
	_, err := db.Exec(schema)
	return err
}

type sqliteStore struct{ db *sql.DB }

// NewSQLite wraps an opened SQLite database. The caller should set
// db.SetMaxOpenConns(1): SQLite has a single writer.
func NewSQLite(db *sql.DB) Store { return &sqliteStore{db: db} }

const itemColumns = `id,kind,event_type,endpoint_id,sync_op,owner_id,payload,priority,status,attempts,max_attempts,next_attempt_at,idempotency_key,last_error,created_at,last_attempted_at,completed_at,updated_at`

func (s *sqliteStore) Enqueue(ctx context.Context, item domain.QueueItem) (string, error) {
	id := item.ID
	if id == "" {
		id = "itm_" + uuid.NewString()
	}
	if item.Priority == 0 {
		item.Priority = 5
	}
	if item.MaxAttempts == 0 {
		item.MaxAttempts = 3
	}

	// Re-submitting the same client action must not double it.
	if item.IdempotencyKey != nil {
		row := s.db.QueryRowContext(ctx, `
SELECT id FROM queue_items WHERE idempotency_key = ? AND status NOT IN ('delivered','failed')`, *item.IdempotencyKey)
		var existingID string
		if err := row.Scan(&existingID); err == nil {
			return existingID, nil
		}
	}

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO queue_items (id,kind,event_type,endpoint_id,sync_op,owner_id,payload,priority,status,attempts,max_attempts,next_attempt_at,idempotency_key,last_error,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,'pending',0,?,?,?,'',?,?)
`, id, item.Kind, item.EventType, item.EndpointID, item.SyncOp, item.OwnerID, item.Payload,
		item.Priority, item.MaxAttempts, now, item.IdempotencyKey, now, now)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return id, nil
}

func (s *sqliteStore) ClaimBatch(ctx context.Context, now time.Time, limit int) ([]domain.QueueItem, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	rows, err := tx.QueryContext(ctx, `
SELECT `+itemColumns+`
FROM queue_items
WHERE status IN ('pending','retrying') AND next_attempt_at <= ?
ORDER BY priority DESC, created_at ASC
LIMIT ?
`, now, limit)
	if err != nil {
		return nil, err
	}
	items, err := collectItems(rows)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, tx.Rollback()
	}

	ids := make([]any, 0, len(items)+1)
	ids = append(ids, now.UTC())
	for _, it := range items {
		ids = append(ids, it.ID)
	}
	_, err = tx.ExecContext(ctx, `
UPDATE queue_items SET status='in_flight', updated_at=?
WHERE id IN (`+placeholders(len(items))+`)`, ids...)
	if err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	for i := range items {
		items[i].Status = domain.StatusInFlight
	}
	return items, nil
}

func (s *sqliteStore) Release(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE queue_items SET status='pending', updated_at=?
WHERE id=? AND status='in_flight'`, time.Now().UTC(), id)
	return err
}

func (s *sqliteStore) MarkDelivered(ctx context.Context, id string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
UPDATE queue_items
SET status='delivered', attempts=attempts+1, last_error='', last_attempted_at=?, completed_at=?, updated_at=?
WHERE id=? AND status='in_flight'`, now, now, now, id)
	return err
}

func (s *sqliteStore) MarkRetrying(ctx context.Context, id, errMsg string, nextAttemptAt time.Time) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
UPDATE queue_items
SET status='retrying', attempts=attempts+1, last_error=?, next_attempt_at=?, last_attempted_at=?, updated_at=?
WHERE id=? AND status='in_flight'`, errMsg, nextAttemptAt.UTC(), now, now, id)
	return err
}

func (s *sqliteStore) MarkFailed(ctx context.Context, id, errMsg string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
UPDATE queue_items
SET status='failed', attempts=attempts+1, last_error=?, last_attempted_at=?, completed_at=?, updated_at=?
WHERE id=? AND status='in_flight'`, errMsg, now, now, now, id)
	return err
}

func (s *sqliteStore) GetItem(ctx context.Context, id string) (domain.QueueItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM queue_items WHERE id=?`, id)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return domain.QueueItem{}, ErrNotFound
	}
	return item, err
}

func (s *sqliteStore) ListPending(ctx context.Context, limit int) ([]domain.QueueItem, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+itemColumns+` FROM queue_items
WHERE status IN ('pending','retrying')
ORDER BY priority DESC, created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return collectItems(rows)
}

func (s *sqliteStore) DeleteItem(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM queue_items WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM delivery_logs WHERE item_id=?`, id)
	return err
}

func (s *sqliteStore) ResetItem(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
UPDATE queue_items
SET status='pending', attempts=0, last_error='', next_attempt_at=?, completed_at=NULL, updated_at=?
WHERE id=? AND status='failed'`, now, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) RecoverStale(ctx context.Context, staleBefore time.Time) (int, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
UPDATE queue_items SET status='pending', next_attempt_at=?, updated_at=?
WHERE status='in_flight' AND updated_at < ?`, now, now, staleBefore.UTC())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) Stats(ctx context.Context) (domain.QueueStats, error) {
	stats := domain.QueueStats{ByKind: map[string]int{}}
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM queue_items GROUP BY status`)
	if err != nil {
		return stats, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return stats, err
		}
		stats.Total += n
		switch domain.ItemStatus(status) {
		case domain.StatusPending:
			stats.Pending = n
		case domain.StatusInFlight:
			stats.InFlight = n
		case domain.StatusRetrying:
			stats.Retrying = n
		case domain.StatusDelivered:
			stats.Delivered = n
		case domain.StatusFailed:
			stats.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}

	kindRows, err := s.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM queue_items GROUP BY kind`)
	if err != nil {
		return stats, err
	}
	defer kindRows.Close()
	for kindRows.Next() {
		var kind string
		var n int
		if err := kindRows.Scan(&kind, &n); err != nil {
			return stats, err
		}
		stats.ByKind[kind] = n
	}
	return stats, kindRows.Err()
}

func (s *sqliteStore) PruneTerminal(ctx context.Context, olderThan time.Time) (int, error) {
	cutoff := olderThan.UTC()
	_, err := s.db.ExecContext(ctx, `
DELETE FROM delivery_logs WHERE item_id IN (
  SELECT id FROM queue_items WHERE status IN ('delivered','failed') AND completed_at < ?
)`, cutoff)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `
DELETE FROM queue_items WHERE status IN ('delivered','failed') AND completed_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) CreateEndpoint(ctx context.Context, ep domain.Endpoint) (string, error) {
	id := ep.ID
	if id == "" {
		id = "ep_" + uuid.NewString()
	}
	events, err := json.Marshal(ep.Events)
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
INSERT INTO endpoints (id,owner_id,url,secret,events,is_active,failure_count,created_at,updated_at)
VALUES (?,?,?,?,?,?,0,?,?)`, id, ep.OwnerID, ep.URL, ep.Secret, string(events), ep.IsActive, now, now)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return id, nil
}

func (s *sqliteStore) GetEndpoint(ctx context.Context, id string) (domain.Endpoint, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id,owner_id,url,secret,events,is_active,failure_count,created_at,updated_at
FROM endpoints WHERE id=?`, id)
	ep, err := scanEndpoint(row)
	if err == sql.ErrNoRows {
		return domain.Endpoint{}, ErrNotFound
	}
	return ep, err
}

func (s *sqliteStore) ListEndpoints(ctx context.Context, ownerID string) ([]domain.Endpoint, error) {
	query := `SELECT id,owner_id,url,secret,events,is_active,failure_count,created_at,updated_at FROM endpoints`
	args := []any{}
	if ownerID != "" {
		query += ` WHERE owner_id=?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY created_at ASC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var eps []domain.Endpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		eps = append(eps, ep)
	}
	return eps, rows.Err()
}

func (s *sqliteStore) SetEndpointActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE endpoints SET is_active=?, updated_at=? WHERE id=?`, active, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) DeleteEndpoint(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM endpoints WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) BumpEndpointFailures(ctx context.Context, id string, threshold int) (bool, error) {
	now := time.Now().UTC()
	if threshold <= 0 {
		_, err := s.db.ExecContext(ctx, `
UPDATE endpoints SET failure_count=failure_count+1, updated_at=? WHERE id=?`, now, id)
		return false, err
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE endpoints
SET failure_count=failure_count+1,
    is_active=CASE WHEN failure_count+1 >= ? THEN 0 ELSE is_active END,
    updated_at=?
WHERE id=?`, threshold, now, id)
	if err != nil {
		return false, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT failure_count, is_active FROM endpoints WHERE id=?`, id)
	var count int
	var active bool
	if err := row.Scan(&count, &active); err != nil {
		if err == sql.ErrNoRows {
			return false, ErrNotFound
		}
		return false, err
	}
	return count == threshold && !active, nil
}

func (s *sqliteStore) ResetEndpointFailures(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE endpoints SET failure_count=0, updated_at=? WHERE id=?`, time.Now().UTC(), id)
	return err
}

func (s *sqliteStore) AppendDeliveryLog(ctx context.Context, entry domain.DeliveryLog) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO delivery_logs (item_id,endpoint_id,attempt,status_code,response,error,created_at)
VALUES (?,?,?,?,?,?,?)`,
		entry.ItemID, entry.EndpointID, entry.Attempt, entry.StatusCode, entry.Response, entry.Error, time.Now().UTC())
	return err
}

func (s *sqliteStore) ListDeliveryLogs(ctx context.Context, endpointID string, limit int) ([]domain.DeliveryLog, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id,item_id,endpoint_id,attempt,status_code,response,error,created_at
FROM delivery_logs WHERE endpoint_id=? ORDER BY created_at DESC, id DESC LIMIT ?`, endpointID, limit)
	if err != nil {
		return nil, err
	}
	return collectLogs(rows)
}

func (s *sqliteStore) ListItemLogs(ctx context.Context, itemID string) ([]domain.DeliveryLog, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id,item_id,endpoint_id,attempt,status_code,response,error,created_at
FROM delivery_logs WHERE item_id=? ORDER BY id ASC`, itemID)
	if err != nil {
		return nil, err
	}
	return collectLogs(rows)
}

type scanner interface{ Scan(dest ...any) error }

func scanItem(row scanner) (domain.QueueItem, error) {
	var it domain.QueueItem
	var idem sql.NullString
	var lastAttempted, completed sql.NullTime
	err := row.Scan(&it.ID, &it.Kind, &it.EventType, &it.EndpointID, &it.SyncOp, &it.OwnerID,
		&it.Payload, &it.Priority, &it.Status, &it.Attempts, &it.MaxAttempts, &it.NextAttemptAt,
		&idem, &it.LastError, &it.CreatedAt, &lastAttempted, &completed, &it.UpdatedAt)
	if err != nil {
		return domain.QueueItem{}, err
	}
	if idem.Valid {
		s := idem.String
		it.IdempotencyKey = &s
	}
	if lastAttempted.Valid {
		t := lastAttempted.Time
		it.LastAttemptedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		it.CompletedAt = &t
	}
	return it, nil
}

func scanEndpoint(row scanner) (domain.Endpoint, error) {
	var ep domain.Endpoint
	var events string
	err := row.Scan(&ep.ID, &ep.OwnerID, &ep.URL, &ep.Secret, &events, &ep.IsActive,
		&ep.FailureCount, &ep.CreatedAt, &ep.UpdatedAt)
	if err != nil {
		return domain.Endpoint{}, err
	}
	if err := json.Unmarshal([]byte(events), &ep.Events); err != nil {
		return domain.Endpoint{}, fmt.Errorf("endpoint %s: bad events column: %w", ep.ID, err)
	}
	return ep, nil
}

func collectItems(rows *sql.Rows) ([]domain.QueueItem, error) {
	defer rows.Close()
	var items []domain.QueueItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func collectLogs(rows *sql.Rows) ([]domain.DeliveryLog, error) {
	defer rows.Close()
	var logs []domain.DeliveryLog
	for rows.Next() {
		var l domain.DeliveryLog
		var code sql.NullInt64
		if err := rows.Scan(&l.ID, &l.ItemID, &l.EndpointID, &l.Attempt, &code, &l.Response, &l.Error, &l.CreatedAt); err != nil {
			return nil, err
		}
		if code.Valid {
			n := int(code.Int64)
			l.StatusCode = &n
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
