package domain

import "time"

// ItemKind is the closed set of work a queue item can carry.
type ItemKind string

const (
	KindWebhookDelivery ItemKind = "webhook_delivery"
	KindSyncAction      ItemKind = "sync_action"
)

func (k ItemKind) Valid() bool {
	return k == KindWebhookDelivery || k == KindSyncAction
}

// ItemStatus is the lifecycle state of a queue item.
type ItemStatus string

const (
	StatusPending   ItemStatus = "pending"
	StatusInFlight  ItemStatus = "in_flight"
	StatusDelivered ItemStatus = "delivered"
	StatusRetrying  ItemStatus = "retrying"
	StatusFailed    ItemStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s ItemStatus) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed
}

// SyncOp is the closed set of backend operations a sync_action item can replay.
type SyncOp string

const (
	OpCreateOrder   SyncOp = "create_order"
	OpUpdateProduct SyncOp = "update_product"
	OpAddToCart     SyncOp = "add_to_cart"
)

func (o SyncOp) Valid() bool {
	return o == OpCreateOrder || o == OpUpdateProduct || o == OpAddToCart
}

type QueueItem struct {
	ID              string
	Kind            ItemKind
	EventType       string // webhook items: event name, e.g. "order.created"
	EndpointID      string // webhook items only
	SyncOp          SyncOp // sync items only
	OwnerID         string
	Payload         []byte
	Priority        int
	Status          ItemStatus
	Attempts        int
	MaxAttempts     int
	NextAttemptAt   time.Time
	IdempotencyKey  *string
	LastError       string
	CreatedAt       time.Time
	LastAttemptedAt *time.Time
	CompletedAt     *time.Time
	UpdatedAt       time.Time
}

// Endpoint is a registered webhook receiver. Secret is only meaningful to the
// delivery worker; read paths must blank it before handing an Endpoint to
// anything outside the dispatch path.
type Endpoint struct {
	ID           string
	OwnerID      string
	URL          string
	Secret       string `json:"-"`
	Events       []string
	IsActive     bool
	FailureCount int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Subscribed reports whether the endpoint wants the given event type. An
// entry of "*" subscribes to everything.
func (e Endpoint) Subscribed(event string) bool {
	for _, ev := range e.Events {
		if ev == event || ev == "*" {
			return true
		}
	}
	return false
}

type DeliveryLog struct {
	ID         int64
	ItemID     string
	EndpointID string
	Attempt    int
	StatusCode *int
	Response   string
	Error      string
	CreatedAt  time.Time
}

type QueueStats struct {
	Total     int            `json:"total"`
	Pending   int            `json:"pending"`
	InFlight  int            `json:"in_flight"`
	Retrying  int            `json:"retrying"`
	Delivered int            `json:"delivered"`
	Failed    int            `json:"failed"`
	ByKind    map[string]int `json:"by_kind"`
}
