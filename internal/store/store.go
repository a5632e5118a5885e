// Package store is the durable home of the outbound queue: items, endpoint
// registrations and delivery logs. Every mutation is persisted immediately;
// a crash between enqueue and dispatch never loses an item.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/payhuk02/emarzona-sub013/internal/domain"
)

var (
	ErrNotFound = errors.New("store: not found")
	// ErrStorageUnavailable wraps backend connectivity failures. A dispatch
	// cycle that hits it gives up and waits for the next tick.
	ErrStorageUnavailable = errors.New("store: storage unavailable")
)

type Store interface {
	// Enqueue persists a new item as pending and returns its id. If the item
	// carries an idempotency key already present on a non-terminal item, the
	// existing id is returned instead.
	Enqueue(ctx context.Context, item domain.QueueItem) (string, error)

	// ClaimBatch atomically selects up to limit due items (pending or
	// retrying, next attempt at or before now), ordered by priority desc then
	// created_at asc, and marks them in_flight. Two concurrent callers never
	// receive overlapping sets.
	ClaimBatch(ctx context.Context, now time.Time, limit int) ([]domain.QueueItem, error)

	// Release returns an in_flight item to pending without counting an
	// attempt. Used when an endpoint is paused or a scope is rate limited.
	Release(ctx context.Context, id string) error

	// MarkDelivered, MarkRetrying and MarkFailed transition an in_flight
	// item and count the attempt. They are no-ops if the item was deleted or
	// already transitioned while the attempt was running.
	MarkDelivered(ctx context.Context, id string) error
	MarkRetrying(ctx context.Context, id, errMsg string, nextAttemptAt time.Time) error
	MarkFailed(ctx context.Context, id, errMsg string) error

	GetItem(ctx context.Context, id string) (domain.QueueItem, error)
	ListPending(ctx context.Context, limit int) ([]domain.QueueItem, error)
	DeleteItem(ctx context.Context, id string) error

	// ResetItem returns a failed item to pending with attempts zeroed
	// (operator manual retry).
	ResetItem(ctx context.Context, id string) error

	// RecoverStale returns items stuck in_flight since before staleBefore to
	// pending (crash recovery).
	RecoverStale(ctx context.Context, staleBefore time.Time) (int, error)

	Stats(ctx context.Context) (domain.QueueStats, error)

	// PruneTerminal deletes delivered and failed items completed before
	// olderThan, along with their delivery logs.
	PruneTerminal(ctx context.Context, olderThan time.Time) (int, error)

	// Endpoint registrations. GetEndpoint returns the signing secret; only
	// the dispatch path may call it. Everything else goes through the
	// registry service, which blanks the secret.
	CreateEndpoint(ctx context.Context, ep domain.Endpoint) (string, error)
	GetEndpoint(ctx context.Context, id string) (domain.Endpoint, error)
	ListEndpoints(ctx context.Context, ownerID string) ([]domain.Endpoint, error)
	SetEndpointActive(ctx context.Context, id string, active bool) error
	DeleteEndpoint(ctx context.Context, id string) error

	// BumpEndpointFailures increments the consecutive failure counter and
	// pauses the endpoint once it reaches threshold (threshold <= 0 disables
	// the breaker). Reports whether this call tripped it.
	BumpEndpointFailures(ctx context.Context, id string, threshold int) (bool, error)
	ResetEndpointFailures(ctx context.Context, id string) error

	AppendDeliveryLog(ctx context.Context, entry domain.DeliveryLog) error
	ListDeliveryLogs(ctx context.Context, endpointID string, limit int) ([]domain.DeliveryLog, error)
	ListItemLogs(ctx context.Context, itemID string) ([]domain.DeliveryLog, error)
}
