package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/payhuk02/emarzona-sub013/internal/domain"
	"github.com/payhuk02/emarzona-sub013/internal/registry"
	"github.com/payhuk02/emarzona-sub013/internal/store"
)

// Queue is the slice of the store the operator API is allowed to touch.
// Endpoint rows (and their secrets) are reachable only through the registry
// service, which never returns a secret.
type Queue interface {
	Enqueue(ctx context.Context, item domain.QueueItem) (string, error)
	GetItem(ctx context.Context, id string) (domain.QueueItem, error)
	ListPending(ctx context.Context, limit int) ([]domain.QueueItem, error)
	DeleteItem(ctx context.Context, id string) error
	ResetItem(ctx context.Context, id string) error
	Stats(ctx context.Context) (domain.QueueStats, error)
	ListItemLogs(ctx context.Context, itemID string) ([]domain.DeliveryLog, error)
}

type Server struct {
	r               *chi.Mux
	queue           Queue
	registry        *registry.Service
	wake            func()
	defaultAttempts int
}

func NewServer(queue Queue, reg *registry.Service, wake func(), defaultAttempts int) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	if defaultAttempts <= 0 {
		defaultAttempts = 3
	}
	s := &Server{r: r, queue: queue, registry: reg, wake: wake, defaultAttempts: defaultAttempts}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)

	r.Post("/api/items", s.enqueueItem)
	r.Get("/api/items", s.listPending)
	r.Get("/api/items/{id}", s.getItem)
	r.Get("/api/items/{id}/attempts", s.itemAttempts)
	r.Delete("/api/items/{id}", s.deleteItem)
	r.Post("/api/items/{id}/retry", s.retryItem)
	r.Get("/api/stats", s.stats)
	r.Post("/api/sync", s.syncNow)

	r.Post("/api/endpoints", s.createEndpoint)
	r.Get("/api/endpoints", s.listEndpoints)
	r.Get("/api/endpoints/{id}", s.getEndpoint)
	r.Post("/api/endpoints/{id}/pause", s.pauseEndpoint)
	r.Post("/api/endpoints/{id}/resume", s.resumeEndpoint)
	r.Post("/api/endpoints/{id}/ping", s.pingEndpoint)
	r.Delete("/api/endpoints/{id}", s.deleteEndpoint)
	r.Get("/api/endpoints/{id}/deliveries", s.listDeliveries)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "relayd_up 1\n")
	fmt.Fprintf(w, "relayd_queue_total %d\n", stats.Total)
	fmt.Fprintf(w, "relayd_queue_pending %d\n", stats.Pending)
	fmt.Fprintf(w, "relayd_queue_in_flight %d\n", stats.InFlight)
	fmt.Fprintf(w, "relayd_queue_retrying %d\n", stats.Retrying)
	fmt.Fprintf(w, "relayd_queue_delivered %d\n", stats.Delivered)
	fmt.Fprintf(w, "relayd_queue_failed %d\n", stats.Failed)
}

type enqueueReq struct {
	Kind           string          `json:"kind"`
	EventType      string          `json:"event_type"`
	EndpointID     string          `json:"endpoint_id"`
	SyncOp         string          `json:"sync_op"`
	OwnerID        string          `json:"owner_id"`
	Payload        json.RawMessage `json:"payload"`
	Priority       int             `json:"priority"`
	MaxAttempts    int             `json:"max_attempts"`
	IdempotencyKey *string         `json:"idempotency_key"`
}

type enqueueResp struct {
	ID string `json:"id"`
}

func (s *Server) enqueueItem(w http.ResponseWriter, r *http.Request) {
	var req enqueueReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	kind := domain.ItemKind(req.Kind)
	if !kind.Valid() {
		http.Error(w, "kind must be webhook_delivery or sync_action", 400)
		return
	}
	if len(req.Payload) == 0 {
		http.Error(w, "payload is required", 400)
		return
	}
	item := domain.QueueItem{
		Kind:           kind,
		EventType:      req.EventType,
		EndpointID:     req.EndpointID,
		OwnerID:        req.OwnerID,
		Payload:        req.Payload,
		Priority:       req.Priority,
		MaxAttempts:    req.MaxAttempts,
		IdempotencyKey: req.IdempotencyKey,
	}
	switch kind {
	case domain.KindWebhookDelivery:
		if req.EndpointID == "" || req.EventType == "" {
			http.Error(w, "webhook_delivery requires endpoint_id and event_type", 400)
			return
		}
	case domain.KindSyncAction:
		op := domain.SyncOp(req.SyncOp)
		if !op.Valid() {
			http.Error(w, "sync_action requires a valid sync_op", 400)
			return
		}
		item.SyncOp = op
	}
	if item.MaxAttempts == 0 {
		item.MaxAttempts = s.defaultAttempts
	}
	id, err := s.queue.Enqueue(r.Context(), item)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusAccepted, enqueueResp{ID: id})
}

func (s *Server) getItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.queue.GetItem(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, itemView(item))
}

func (s *Server) listPending(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	items, err := s.queue.ListPending(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	views := make([]map[string]any, 0, len(items))
	for _, it := range items {
		views = append(views, itemView(it))
	}
	writeJSON(w, 200, views)
}

func (s *Server) itemAttempts(w http.ResponseWriter, r *http.Request) {
	logs, err := s.queue.ListItemLogs(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, logViews(logs))
}

func (s *Server) deleteItem(w http.ResponseWriter, r *http.Request) {
	err := s.queue.DeleteItem(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) retryItem(w http.ResponseWriter, r *http.Request) {
	err := s.queue.ResetItem(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "item not found or not in failed state", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	s.wake()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, stats)
}

func (s *Server) syncNow(w http.ResponseWriter, r *http.Request) {
	s.wake()
	w.WriteHeader(http.StatusAccepted)
}

type createEndpointReq struct {
	OwnerID string   `json:"owner_id"`
	URL     string   `json:"url"`
	Events  []string `json:"events"`
}

func (s *Server) createEndpoint(w http.ResponseWriter, r *http.Request) {
	var req createEndpointReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	ep, err := s.registry.Register(r.Context(), req.OwnerID, req.URL, req.Events)
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	writeJSON(w, http.StatusCreated, endpointView(ep))
}

func (s *Server) listEndpoints(w http.ResponseWriter, r *http.Request) {
	eps, err := s.registry.List(r.Context(), r.URL.Query().Get("owner_id"))
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	views := make([]map[string]any, 0, len(eps))
	for _, ep := range eps {
		views = append(views, endpointView(ep))
	}
	writeJSON(w, 200, views)
}

func (s *Server) getEndpoint(w http.ResponseWriter, r *http.Request) {
	ep, err := s.registry.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, endpointView(ep))
}

func (s *Server) pauseEndpoint(w http.ResponseWriter, r *http.Request) {
	s.endpointAction(w, r, s.registry.Pause)
}

func (s *Server) resumeEndpoint(w http.ResponseWriter, r *http.Request) {
	s.endpointAction(w, r, func(ctx context.Context, id string) error {
		if err := s.registry.Resume(ctx, id); err != nil {
			return err
		}
		// Held items become deliverable again; don't wait for the timer.
		s.wake()
		return nil
	})
}

func (s *Server) deleteEndpoint(w http.ResponseWriter, r *http.Request) {
	s.endpointAction(w, r, s.registry.Delete)
}

func (s *Server) endpointAction(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) error) {
	err := fn(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) pingEndpoint(w http.ResponseWriter, r *http.Request) {
	id, err := s.registry.Ping(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	s.wake()
	writeJSON(w, http.StatusAccepted, enqueueResp{ID: id})
}

func (s *Server) listDeliveries(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	logs, err := s.registry.Deliveries(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, logViews(logs))
}

func itemView(it domain.QueueItem) map[string]any {
	v := map[string]any{
		"id":           it.ID,
		"kind":         it.Kind,
		"status":       it.Status,
		"priority":     it.Priority,
		"attempts":     it.Attempts,
		"max_attempts": it.MaxAttempts,
		"created_at":   it.CreatedAt.Format(time.RFC3339),
	}
	if it.Kind == domain.KindWebhookDelivery {
		v["event_type"] = it.EventType
		v["endpoint_id"] = it.EndpointID
	} else {
		v["sync_op"] = it.SyncOp
	}
	if it.LastError != "" {
		v["last_error"] = it.LastError
	}
	if it.LastAttemptedAt != nil {
		v["last_attempted_at"] = it.LastAttemptedAt.Format(time.RFC3339)
	}
	if it.CompletedAt != nil {
		v["completed_at"] = it.CompletedAt.Format(time.RFC3339)
	}
	return v
}

func endpointView(ep domain.Endpoint) map[string]any {
	return map[string]any{
		"id":            ep.ID,
		"owner_id":      ep.OwnerID,
		"url":           ep.URL,
		"events":        ep.Events,
		"is_active":     ep.IsActive,
		"failure_count": ep.FailureCount,
		"created_at":    ep.CreatedAt.Format(time.RFC3339),
	}
}

func logViews(logs []domain.DeliveryLog) []map[string]any {
	views := make([]map[string]any, 0, len(logs))
	for _, l := range logs {
		v := map[string]any{
			"item_id":    l.ItemID,
			"attempt":    l.Attempt,
			"created_at": l.CreatedAt.Format(time.RFC3339),
		}
		if l.StatusCode != nil {
			v["status_code"] = *l.StatusCode
		}
		if l.Response != "" {
			v["response"] = l.Response
		}
		if l.Error != "" {
			v["error"] = l.Error
		}
		views = append(views, v)
	}
	return views
}

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
