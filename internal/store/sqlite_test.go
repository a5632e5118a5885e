package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/payhuk02/emarzona-sub013/internal/domain"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	require.NoError(t, EnsureSchema(db))
	t.Cleanup(func() { db.Close() })
	return NewSQLite(db)
}

func enqueueWebhook(t *testing.T, st Store, priority int) string {
	t.Helper()
	id, err := st.Enqueue(context.Background(), domain.QueueItem{
		Kind:       domain.KindWebhookDelivery,
		EventType:  "order.created",
		EndpointID: "ep_1",
		Payload:    []byte(`{"order_id":"o1"}`),
		Priority:   priority,
	})
	require.NoError(t, err)
	return id
}

func claimOne(t *testing.T, st Store, id string) domain.QueueItem {
	t.Helper()
	items, err := st.ClaimBatch(context.Background(), time.Now().UTC(), 100)
	require.NoError(t, err)
	for _, it := range items {
		if it.ID == id {
			return it
		}
	}
	t.Fatalf("item %s not claimed", id)
	return domain.QueueItem{}
}

func TestEnqueueDefaultsAndGet(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	id, err := st.Enqueue(ctx, domain.QueueItem{
		Kind:    domain.KindSyncAction,
		SyncOp:  domain.OpCreateOrder,
		Payload: []byte(`{"store_id":"s1"}`),
	})
	require.NoError(t, err)

	it, err := st.GetItem(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, it.Status)
	assert.Equal(t, 5, it.Priority)
	assert.Equal(t, 3, it.MaxAttempts)
	assert.Equal(t, 0, it.Attempts)
	assert.Equal(t, domain.OpCreateOrder, it.SyncOp)
	assert.False(t, it.CreatedAt.IsZero())
}

func TestGetItemNotFound(t *testing.T) {
	st := newTestStore(t)
	_, err := st.GetItem(context.Background(), "itm_nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEnqueueIdempotency(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	key := "cart-update-42"

	first, err := st.Enqueue(ctx, domain.QueueItem{
		Kind: domain.KindSyncAction, SyncOp: domain.OpAddToCart,
		Payload: []byte(`{}`), IdempotencyKey: &key,
	})
	require.NoError(t, err)

	second, err := st.Enqueue(ctx, domain.QueueItem{
		Kind: domain.KindSyncAction, SyncOp: domain.OpAddToCart,
		Payload: []byte(`{}`), IdempotencyKey: &key,
	})
	require.NoError(t, err)
	assert.Equal(t, first, second, "duplicate submission returns the existing item")

	// Once the original is terminal the key is free again.
	claimOne(t, st, first)
	require.NoError(t, st.MarkFailed(ctx, first, "boom"))
	third, err := st.Enqueue(ctx, domain.QueueItem{
		Kind: domain.KindSyncAction, SyncOp: domain.OpAddToCart,
		Payload: []byte(`{}`), IdempotencyKey: &key,
	})
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
}

func TestClaimBatchOrdering(t *testing.T) {
	st := newTestStore(t)
	low := enqueueWebhook(t, st, 1)
	high := enqueueWebhook(t, st, 9)
	mid := enqueueWebhook(t, st, 5)

	items, err := st.ClaimBatch(context.Background(), time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, []string{high, mid, low}, []string{items[0].ID, items[1].ID, items[2].ID})
	for _, it := range items {
		assert.Equal(t, domain.StatusInFlight, it.Status)
	}
}

func TestClaimBatchAgeBreaksTies(t *testing.T) {
	st := newTestStore(t)
	older := enqueueWebhook(t, st, 5)
	time.Sleep(5 * time.Millisecond)
	newer := enqueueWebhook(t, st, 5)

	items, err := st.ClaimBatch(context.Background(), time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, older, items[0].ID)
	assert.Equal(t, newer, items[1].ID)
}

func TestClaimBatchSkipsClaimedAndTerminal(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	a := enqueueWebhook(t, st, 5)
	b := enqueueWebhook(t, st, 5)

	first, err := st.ClaimBatch(ctx, time.Now().UTC(), 1)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, a, first[0].ID)

	// a is in_flight, so a second claim only sees b.
	second, err := st.ClaimBatch(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, b, second[0].ID)

	require.NoError(t, st.MarkDelivered(ctx, a))
	require.NoError(t, st.MarkFailed(ctx, b, "x"))
	third, err := st.ClaimBatch(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	assert.Empty(t, third)
}

func TestClaimBatchHonorsDueTime(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	id := enqueueWebhook(t, st, 5)
	claimOne(t, st, id)

	future := time.Now().UTC().Add(time.Minute)
	require.NoError(t, st.MarkRetrying(ctx, id, "timeout", future))

	items, err := st.ClaimBatch(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	assert.Empty(t, items, "not due yet")

	items, err = st.ClaimBatch(ctx, future.Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, id, items[0].ID)
	assert.Equal(t, 1, items[0].Attempts)
	assert.Equal(t, "timeout", items[0].LastError)
}

func TestConcurrentClaimsAreDisjoint(t *testing.T) {
	st := newTestStore(t)
	for i := 0; i < 10; i++ {
		enqueueWebhook(t, st, 5)
	}

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			items, err := st.ClaimBatch(context.Background(), time.Now().UTC(), 5)
			assert.NoError(t, err)
			mu.Lock()
			for _, it := range items {
				seen[it.ID]++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 10, "both batches together cover all items")
	for id, n := range seen {
		assert.Equal(t, 1, n, "item %s claimed twice", id)
	}
}

func TestTerminalStatesAreImmutable(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	id := enqueueWebhook(t, st, 5)
	claimOne(t, st, id)
	require.NoError(t, st.MarkFailed(ctx, id, "gone"))

	// A straggler attempt must not resurrect the item.
	require.NoError(t, st.MarkDelivered(ctx, id))
	require.NoError(t, st.MarkRetrying(ctx, id, "late", time.Now()))

	it, err := st.GetItem(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, it.Status)
	assert.Equal(t, "gone", it.LastError)
	assert.Equal(t, 1, it.Attempts)
	require.NotNil(t, it.CompletedAt)
}

func TestDeleteMidFlightDropsLateWrite(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	id := enqueueWebhook(t, st, 5)
	claimOne(t, st, id)

	require.NoError(t, st.DeleteItem(ctx, id))
	require.NoError(t, st.MarkDelivered(ctx, id), "late write is a silent no-op")
	_, err := st.GetItem(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReleaseReturnsToPendingWithoutAttempt(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	id := enqueueWebhook(t, st, 5)
	claimOne(t, st, id)

	require.NoError(t, st.Release(ctx, id))
	it, err := st.GetItem(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, it.Status)
	assert.Equal(t, 0, it.Attempts)
}

func TestMarkDeliveredCountsAttemptAndClearsError(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	id := enqueueWebhook(t, st, 5)
	claimOne(t, st, id)
	require.NoError(t, st.MarkRetrying(ctx, id, "HTTP 503", time.Now().UTC()))
	claimOne(t, st, id)
	require.NoError(t, st.MarkDelivered(ctx, id))

	it, err := st.GetItem(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, it.Status)
	assert.Equal(t, 2, it.Attempts)
	assert.Empty(t, it.LastError)
	require.NotNil(t, it.CompletedAt)
	require.NotNil(t, it.LastAttemptedAt)
}

func TestResetItemRequeuesFailed(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	id := enqueueWebhook(t, st, 5)
	claimOne(t, st, id)
	require.NoError(t, st.MarkFailed(ctx, id, "HTTP 500"))

	require.NoError(t, st.ResetItem(ctx, id))
	it, err := st.GetItem(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, it.Status)
	assert.Equal(t, 0, it.Attempts)
	assert.Empty(t, it.LastError)
	assert.Nil(t, it.CompletedAt)
}

func TestResetItemOnlyAppliesToFailed(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	id := enqueueWebhook(t, st, 5)
	assert.ErrorIs(t, st.ResetItem(ctx, id), ErrNotFound)

	claimOne(t, st, id)
	require.NoError(t, st.MarkDelivered(ctx, id))
	assert.ErrorIs(t, st.ResetItem(ctx, id), ErrNotFound)
}

func TestRecoverStale(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	id := enqueueWebhook(t, st, 5)
	claimOne(t, st, id)

	// Nothing is stale yet.
	n, err := st.RecoverStale(ctx, time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = st.RecoverStale(ctx, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	it, err := st.GetItem(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, it.Status)
}

func TestStats(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	a := enqueueWebhook(t, st, 5)
	enqueueWebhook(t, st, 5)
	_, err := st.Enqueue(ctx, domain.QueueItem{
		Kind: domain.KindSyncAction, SyncOp: domain.OpAddToCart, Payload: []byte(`{}`),
	})
	require.NoError(t, err)

	claimOne(t, st, a)
	require.NoError(t, st.MarkDelivered(ctx, a))

	stats, err := st.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.Delivered)
	assert.Equal(t, 2, stats.Pending)
	assert.Equal(t, 2, stats.ByKind[string(domain.KindWebhookDelivery)])
	assert.Equal(t, 1, stats.ByKind[string(domain.KindSyncAction)])
}

func TestPruneTerminal(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	done := enqueueWebhook(t, st, 5)
	kept := enqueueWebhook(t, st, 5)

	claimOne(t, st, done)
	require.NoError(t, st.AppendDeliveryLog(ctx, domain.DeliveryLog{ItemID: done, EndpointID: "ep_1", Attempt: 1}))
	require.NoError(t, st.MarkDelivered(ctx, done))

	n, err := st.PruneTerminal(ctx, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = st.GetItem(ctx, done)
	assert.ErrorIs(t, err, ErrNotFound)
	logs, err := st.ListItemLogs(ctx, done)
	require.NoError(t, err)
	assert.Empty(t, logs, "logs pruned with their item")

	_, err = st.GetItem(ctx, kept)
	assert.NoError(t, err, "pending items are never pruned")
}

func TestEndpointLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	id, err := st.CreateEndpoint(ctx, domain.Endpoint{
		OwnerID:  "store_1",
		URL:      "https://example.com/hooks",
		Secret:   "whsec_abc",
		Events:   []string{"order.created", "order.refunded"},
		IsActive: true,
	})
	require.NoError(t, err)

	ep, err := st.GetEndpoint(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "whsec_abc", ep.Secret)
	assert.True(t, ep.IsActive)
	assert.True(t, ep.Subscribed("order.created"))
	assert.False(t, ep.Subscribed("product.updated"))

	require.NoError(t, st.SetEndpointActive(ctx, id, false))
	ep, err = st.GetEndpoint(ctx, id)
	require.NoError(t, err)
	assert.False(t, ep.IsActive)

	eps, err := st.ListEndpoints(ctx, "store_1")
	require.NoError(t, err)
	assert.Len(t, eps, 1)
	eps, err = st.ListEndpoints(ctx, "store_2")
	require.NoError(t, err)
	assert.Empty(t, eps)

	require.NoError(t, st.DeleteEndpoint(ctx, id))
	_, err = st.GetEndpoint(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEndpointCircuitBreaker(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	id, err := st.CreateEndpoint(ctx, domain.Endpoint{
		OwnerID: "store_1", URL: "https://example.com/hooks",
		Secret: "s", Events: []string{"*"}, IsActive: true,
	})
	require.NoError(t, err)

	for i := 1; i < 3; i++ {
		tripped, err := st.BumpEndpointFailures(ctx, id, 3)
		require.NoError(t, err)
		assert.False(t, tripped, "bump %d", i)
	}
	tripped, err := st.BumpEndpointFailures(ctx, id, 3)
	require.NoError(t, err)
	assert.True(t, tripped, "third consecutive failure pauses the endpoint")

	ep, err := st.GetEndpoint(ctx, id)
	require.NoError(t, err)
	assert.False(t, ep.IsActive)
	assert.Equal(t, 3, ep.FailureCount)

	require.NoError(t, st.ResetEndpointFailures(ctx, id))
	ep, err = st.GetEndpoint(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, ep.FailureCount)
}

func TestDeliveryLogs(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	code := 200

	require.NoError(t, st.AppendDeliveryLog(ctx, domain.DeliveryLog{
		ItemID: "itm_1", EndpointID: "ep_1", Attempt: 1, Error: "HTTP 500",
	}))
	require.NoError(t, st.AppendDeliveryLog(ctx, domain.DeliveryLog{
		ItemID: "itm_1", EndpointID: "ep_1", Attempt: 2, StatusCode: &code, Response: "ok",
	}))

	logs, err := st.ListDeliveryLogs(ctx, "ep_1", 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, 2, logs[0].Attempt, "newest first")
	require.NotNil(t, logs[0].StatusCode)
	assert.Equal(t, 200, *logs[0].StatusCode)
	assert.Nil(t, logs[1].StatusCode)

	byItem, err := st.ListItemLogs(ctx, "itm_1")
	require.NoError(t, err)
	require.Len(t, byItem, 2)
	assert.Equal(t, 1, byItem[0].Attempt, "oldest first")
}
