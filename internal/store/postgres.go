package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/payhuk02/emarzona-sub013/internal/domain"
)

// Compile-time check that both backends implement Store.
var (
	_ Store = (*sqliteStore)(nil)
	_ Store = (*postgresStore)(nil)
)

// EnsurePostgresSchema creates tables if they don't exist.
func EnsurePostgresSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS queue_items (
  id TEXT PRIMARY KEY,
  kind TEXT NOT NULL CHECK(kind IN ('webhook_delivery','sync_action')),
  event_type TEXT NOT NULL DEFAULT '',
  endpoint_id TEXT NOT NULL DEFAULT '',
  sync_op TEXT NOT NULL DEFAULT '',
  owner_id TEXT NOT NULL DEFAULT '',
  payload BYTEA NOT NULL,
  priority INTEGER NOT NULL DEFAULT 5,
  status TEXT NOT NULL CHECK(status IN ('pending','in_flight','delivered','retrying','failed')) DEFAULT 'pending',
  attempts INTEGER NOT NULL DEFAULT 0,
  max_attempts INTEGER NOT NULL DEFAULT 3,
  next_attempt_at TIMESTAMPTZ NOT NULL,
  idempotency_key TEXT,
  last_error TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL,
  last_attempted_at TIMESTAMPTZ,
  completed_at TIMESTAMPTZ,
  updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_items_due ON queue_items(status, next_attempt_at, priority DESC);
CREATE INDEX IF NOT EXISTS idx_items_idem ON queue_items(idempotency_key) WHERE idempotency_key IS NOT NULL;
CREATE TABLE IF NOT EXISTS endpoints (
  id TEXT PRIMARY KEY,
  owner_id TEXT NOT NULL,
  url TEXT NOT NULL,
  secret TEXT NOT NULL,
  events TEXT NOT NULL DEFAULT '[]',
  is_active BOOLEAN NOT NULL DEFAULT TRUE,
  failure_count INTEGER NOT NULL DEFAULT 0,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS delivery_logs (
  id BIGSERIAL PRIMARY KEY,
  item_id TEXT NOT NULL REFERENCES queue_items(id) ON DELETE CASCADE,
  endpoint_id TEXT NOT NULL DEFAULT '',
  attempt INTEGER NOT NULL,
  status_code INTEGER,
  response TEXT NOT NULL DEFAULT '',
  error TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_logs_endpoint ON delivery_logs(endpoint_id, created_at DESC);
`
	_, err := db.Exec(schema)
	return err
}

type postgresStore struct{ db *sql.DB }

// NewPostgres wraps an opened Postgres database. Claims rely on
// FOR UPDATE SKIP LOCKED, so multiple worker processes can share the store.
func NewPostgres(db *sql.DB) Store { return &postgresStore{db: db} }

func (s *postgresStore) Enqueue(ctx context.Context, item domain.QueueItem) (string, error) {
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

	if item.IdempotencyKey != nil {
		row := s.db.QueryRowContext(ctx, `
SELECT id FROM queue_items WHERE idempotency_key = $1 AND status NOT IN ('delivered','failed')`, *item.IdempotencyKey)
		var existingID string
		if err := row.Scan(&existingID); err == nil {
			return existingID, nil
		}
	}

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO queue_items (id,kind,event_type,endpoint_id,sync_op,owner_id,payload,priority,status,attempts,max_attempts,next_attempt_at,idempotency_key,last_error,created_at,updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,'pending',0,$9,$10,$11,'',$12,$13)
`, id, item.Kind, item.EventType, item.EndpointID, item.SyncOp, item.OwnerID, item.Payload,
		item.Priority, item.MaxAttempts, now, item.IdempotencyKey, now, now)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return id, nil
}

func (s *postgresStore) ClaimBatch(ctx context.Context, now time.Time, limit int) ([]domain.QueueItem, error) {
	rows, err := s.db.QueryContext(ctx, `
UPDATE queue_items SET status='in_flight', updated_at=$1
WHERE id IN (
  SELECT id FROM queue_items
  WHERE status IN ('pending','retrying') AND next_attempt_at <= $1
  ORDER BY priority DESC, created_at ASC
  LIMIT $2
  FOR UPDATE SKIP LOCKED
)
RETURNING `+itemColumns, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	items, err := collectItems(rows)
	if err != nil {
		return nil, err
	}
	// RETURNING does not preserve the subquery order.
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority > items[j].Priority
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items, nil
}

func (s *postgresStore) Release(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE queue_items SET status='pending', updated_at=$1
WHERE id=$2 AND status='in_flight'`, time.Now().UTC(), id)
	return err
}

func (s *postgresStore) MarkDelivered(ctx context.Context, id string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
UPDATE queue_items
SET status='delivered', attempts=attempts+1, last_error='', last_attempted_at=$1, completed_at=$1, updated_at=$1
WHERE id=$2 AND status='in_flight'`, now, id)
	return err
}

func (s *postgresStore) MarkRetrying(ctx context.Context, id, errMsg string, nextAttemptAt time.Time) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
UPDATE queue_items
SET status='retrying', attempts=attempts+1, last_error=$1, next_attempt_at=$2, last_attempted_at=$3, updated_at=$3
WHERE id=$4 AND status='in_flight'`, errMsg, nextAttemptAt.UTC(), now, id)
	return err
}

func (s *postgresStore) MarkFailed(ctx context.Context, id, errMsg string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
UPDATE queue_items
SET status='failed', attempts=attempts+1, last_error=$1, last_attempted_at=$2, completed_at=$2, updated_at=$2
WHERE id=$3 AND status='in_flight'`, errMsg, now, id)
	return err
}

func (s *postgresStore) GetItem(ctx context.Context, id string) (domain.QueueItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM queue_items WHERE id=$1`, id)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return domain.QueueItem{}, ErrNotFound
	}
	return item, err
}

func (s *postgresStore) ListPending(ctx context.Context, limit int) ([]domain.QueueItem, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+itemColumns+` FROM queue_items
WHERE status IN ('pending','retrying')
ORDER BY priority DESC, created_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return collectItems(rows)
}

func (s *postgresStore) DeleteItem(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM queue_items WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *postgresStore) ResetItem(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
UPDATE queue_items
SET status='pending', attempts=0, last_error='', next_attempt_at=$1, completed_at=NULL, updated_at=$1
WHERE id=$2 AND status='failed'`, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *postgresStore) RecoverStale(ctx context.Context, staleBefore time.Time) (int, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
UPDATE queue_items SET status='pending', next_attempt_at=$1, updated_at=$1
WHERE status='in_flight' AND updated_at < $2`, now, staleBefore.UTC())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *postgresStore) Stats(ctx context.Context) (domain.QueueStats, error) {
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

func (s *postgresStore) PruneTerminal(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM queue_items WHERE status IN ('delivered','failed') AND completed_at < $1`, olderThan.UTC())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *postgresStore) CreateEndpoint(ctx context.Context, ep domain.Endpoint) (string, error) {
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
VALUES ($1,$2,$3,$4,$5,$6,0,$7,$8)`, id, ep.OwnerID, ep.URL, ep.Secret, string(events), ep.IsActive, now, now)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return id, nil
}

func (s *postgresStore) GetEndpoint(ctx context.Context, id string) (domain.Endpoint, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id,owner_id,url,secret,events,is_active,failure_count,created_at,updated_at
FROM endpoints WHERE id=$1`, id)
	ep, err := scanEndpoint(row)
	if err == sql.ErrNoRows {
		return domain.Endpoint{}, ErrNotFound
	}
	return ep, err
}

func (s *postgresStore) ListEndpoints(ctx context.Context, ownerID string) ([]domain.Endpoint, error) {
	query := `SELECT id,owner_id,url,secret,events,is_active,failure_count,created_at,updated_at FROM endpoints`
	args := []any{}
	if ownerID != "" {
		query += ` WHERE owner_id=$1`
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

func (s *postgresStore) SetEndpointActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE endpoints SET is_active=$1, updated_at=$2 WHERE id=$3`, active, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *postgresStore) DeleteEndpoint(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM endpoints WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *postgresStore) BumpEndpointFailures(ctx context.Context, id string, threshold int) (bool, error) {
	now := time.Now().UTC()
	if threshold <= 0 {
		_, err := s.db.ExecContext(ctx, `
UPDATE endpoints SET failure_count=failure_count+1, updated_at=$1 WHERE id=$2`, now, id)
		return false, err
	}
	row := s.db.QueryRowContext(ctx, `
UPDATE endpoints
SET failure_count=failure_count+1,
    is_active=CASE WHEN failure_count+1 >= $1 THEN FALSE ELSE is_active END,
    updated_at=$2
WHERE id=$3
RETURNING failure_count, is_active`, threshold, now, id)
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

func (s *postgresStore) ResetEndpointFailures(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE endpoints SET failure_count=0, updated_at=$1 WHERE id=$2`, time.Now().UTC(), id)
	return err
}

func (s *postgresStore) AppendDeliveryLog(ctx context.Context, entry domain.DeliveryLog) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO delivery_logs (item_id,endpoint_id,attempt,status_code,response,error,created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		entry.ItemID, entry.EndpointID, entry.Attempt, entry.StatusCode, entry.Response, entry.Error, time.Now().UTC())
	return err
}

func (s *postgresStore) ListDeliveryLogs(ctx context.Context, endpointID string, limit int) ([]domain.DeliveryLog, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id,item_id,endpoint_id,attempt,status_code,response,error,created_at
FROM delivery_logs WHERE endpoint_id=$1 ORDER BY created_at DESC, id DESC LIMIT $2`, endpointID, limit)
	if err != nil {
		return nil, err
	}
	return collectLogs(rows)
}

func (s *postgresStore) ListItemLogs(ctx context.Context, itemID string) ([]domain.DeliveryLog, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id,item_id,endpoint_id,attempt,status_code,response,error,created_at
FROM delivery_logs WHERE item_id=$1 ORDER BY id ASC`, itemID)
	if err != nil {
		return nil, err
	}
	return collectLogs(rows)
}
