// Package registry manages webhook endpoint registrations for the operator
// API. Secrets are generated here and written to the store; they are never
// returned to a caller. Only the delivery worker reads them back.
package registry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/url"

	"github.com/payhuk02/emarzona-sub013/internal/domain"
	"github.com/payhuk02/emarzona-sub013/internal/store"
)

type Service struct {
	store store.Store
}

func New(st store.Store) *Service { return &Service{store: st} }

// Register validates the URL, generates a signing secret server-side and
// persists the registration. The returned endpoint has its secret blanked.
func (s *Service) Register(ctx context.Context, ownerID, rawURL string, events []string) (domain.Endpoint, error) {
	if ownerID == "" {
		return domain.Endpoint{}, fmt.Errorf("registry: owner id is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return domain.Endpoint{}, fmt.Errorf("registry: invalid endpoint url %q", rawURL)
	}
	if len(events) == 0 {
		return domain.Endpoint{}, fmt.Errorf("registry: at least one subscribed event is required")
	}

	secret, err := newSecret()
	if err != nil {
		return domain.Endpoint{}, err
	}
	ep := domain.Endpoint{
		OwnerID:  ownerID,
		URL:      rawURL,
		Secret:   secret,
		Events:   events,
		IsActive: true,
	}
	id, err := s.store.CreateEndpoint(ctx, ep)
	if err != nil {
		return domain.Endpoint{}, err
	}
	ep.ID = id
	ep.Secret = ""
	return ep, nil
}

func (s *Service) Get(ctx context.Context, id string) (domain.Endpoint, error) {
	ep, err := s.store.GetEndpoint(ctx, id)
	if err != nil {
		return domain.Endpoint{}, err
	}
	ep.Secret = ""
	return ep, nil
}

func (s *Service) List(ctx context.Context, ownerID string) ([]domain.Endpoint, error) {
	eps, err := s.store.ListEndpoints(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	for i := range eps {
		eps[i].Secret = ""
	}
	return eps, nil
}

// Pause stops delivery to the endpoint. Items already queued for it are held
// pending, not failed.
func (s *Service) Pause(ctx context.Context, id string) error {
	return s.store.SetEndpointActive(ctx, id, false)
}

// Resume re-enables delivery and forgives past consecutive failures, so the
// circuit breaker starts from a clean slate.
func (s *Service) Resume(ctx context.Context, id string) error {
	if err := s.store.SetEndpointActive(ctx, id, true); err != nil {
		return err
	}
	return s.store.ResetEndpointFailures(ctx, id)
}

func (s *Service) Delete(ctx context.Context, id string) error {
	return s.store.DeleteEndpoint(ctx, id)
}

// Deliveries lists recent delivery log entries for an endpoint, newest first.
func (s *Service) Deliveries(ctx context.Context, endpointID string, limit int) ([]domain.DeliveryLog, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListDeliveryLogs(ctx, endpointID, limit)
}

// Ping enqueues a high-priority signed "ping" delivery so an operator can
// verify a registration end to end.
func (s *Service) Ping(ctx context.Context, endpointID string) (string, error) {
	ep, err := s.store.GetEndpoint(ctx, endpointID)
	if err != nil {
		return "", err
	}
	return s.store.Enqueue(ctx, domain.QueueItem{
		Kind:       domain.KindWebhookDelivery,
		EventType:  "ping",
		EndpointID: ep.ID,
		OwnerID:    ep.OwnerID,
		Payload:    []byte(`{"event":"ping"}`),
		Priority:   9,
	})
}

func newSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("registry: generate secret: %w", err)
	}
	return "whsec_" + hex.EncodeToString(buf), nil
}
