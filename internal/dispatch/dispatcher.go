// Package dispatch drains the durable queue: it claims due items, delivers
// webhooks (signed) or replays sync actions against the backend, and applies
// the retry policy to the outcome. This is the only package that reads
// endpoint signing secrets.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/payhuk02/emarzona-sub013/internal/domain"
	"github.com/payhuk02/emarzona-sub013/internal/ratelimit"
	"github.com/payhuk02/emarzona-sub013/internal/retry"
	"github.com/payhuk02/emarzona-sub013/internal/signature"
	"github.com/payhuk02/emarzona-sub013/internal/store"
)

// Outbound webhook headers. The receiver verifies X-Signature against its
// copy of the shared secret before trusting the body.
const (
	HeaderSignature = "X-Signature"
	HeaderTimestamp = "X-Timestamp"
	HeaderEventType = "X-Event-Type"
)

const maxResponseExcerpt = 512

// Handler replays one sync_action operation against the backend.
type Handler interface {
	Handle(ctx context.Context, payload json.RawMessage) error
}

type Config struct {
	BatchSize        int           // items claimed per cycle
	AttemptTimeout   time.Duration // hard deadline per delivery attempt
	FailureThreshold int           // consecutive endpoint failures before auto-pause, <=0 disables
}

type Dispatcher struct {
	store    store.Store
	guard    ratelimit.Guard
	policy   retry.Policy
	handlers map[domain.SyncOp]Handler
	client   *http.Client
	cfg      Config
	wake     chan struct{}

	// Now is the clock used for due-time math; tests override it.
	Now func() time.Time
}

func New(st store.Store, guard ratelimit.Guard, policy retry.Policy, handlers map[domain.SyncOp]Handler, cfg Config) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 15 * time.Second
	}
	return &Dispatcher{
		store:    st,
		guard:    guard,
		policy:   policy,
		handlers: handlers,
		client:   &http.Client{Timeout: cfg.AttemptTimeout},
		cfg:      cfg,
		wake:     make(chan struct{}, 1),
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run polls the queue until ctx is done. Wake forces an immediate cycle.
func (d *Dispatcher) Run(ctx context.Context, pollEvery time.Duration) {
	t := time.NewTicker(pollEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		case <-d.wake:
		}
		if err := d.RunCycle(ctx); err != nil {
			log.Error().Err(err).Msg("dispatch cycle failed")
		}
	}
}

// Wake requests an immediate cycle (reconnect event, operator "sync now").
// Non-blocking; a cycle already requested is enough.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// RunCycle claims one batch and processes every item in it. One item's
// failure never aborts its siblings.
func (d *Dispatcher) RunCycle(ctx context.Context) error {
	items, err := d.store.ClaimBatch(ctx, d.Now(), d.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("claim batch: %w", err)
	}
	for _, item := range items {
		if ctx.Err() != nil {
			// Shutting down mid-batch: hand unprocessed claims back.
			if relErr := d.store.Release(context.WithoutCancel(ctx), item.ID); relErr != nil {
				log.Error().Err(relErr).Str("item_id", item.ID).Msg("release on shutdown failed")
			}
			continue
		}
		d.process(ctx, item)
	}
	return nil
}

func (d *Dispatcher) process(ctx context.Context, item domain.QueueItem) {
	switch item.Kind {
	case domain.KindWebhookDelivery:
		d.deliverWebhook(ctx, item)
	case domain.KindSyncAction:
		d.runSync(ctx, item)
	default:
		d.markFailed(ctx, item, fmt.Sprintf("unknown item kind %q", item.Kind))
	}
}

func (d *Dispatcher) deliverWebhook(ctx context.Context, item domain.QueueItem) {
	ep, err := d.store.GetEndpoint(ctx, item.EndpointID)
	if errors.Is(err, store.ErrNotFound) {
		// Permanent: the registration is gone.
		d.appendLog(ctx, item, nil, "", "endpoint not registered")
		d.markFailed(ctx, item, "endpoint not registered")
		return
	}
	if err != nil {
		log.Error().Err(err).Str("item_id", item.ID).Msg("endpoint lookup failed")
		d.release(ctx, item)
		return
	}
	if !ep.IsActive {
		// Paused endpoints hold their items; delivery resumes with the endpoint.
		d.release(ctx, item)
		return
	}
	// "ping" bypasses the subscription filter: it exists to verify a
	// registration regardless of what it subscribes to.
	if item.EventType != "ping" && !ep.Subscribed(item.EventType) {
		d.appendLog(ctx, item, nil, "", "endpoint not subscribed to "+item.EventType)
		d.markFailed(ctx, item, "endpoint not subscribed to "+item.EventType)
		return
	}
	if d.guard != nil {
		ok, err := d.guard.Allow(ctx, ep.ID)
		if err != nil {
			log.Error().Err(err).Str("endpoint_id", ep.ID).Msg("rate guard check failed")
			d.release(ctx, item)
			return
		}
		if !ok {
			// Rate limiting delays, it does not fail the item.
			d.release(ctx, item)
			return
		}
	}

	code, excerpt, err := d.post(ctx, ep, item)
	if err == nil && code >= 200 && code < 300 {
		d.appendLog(ctx, item, &code, excerpt, "")
		if err := d.store.MarkDelivered(ctx, item.ID); err != nil {
			log.Error().Err(err).Str("item_id", item.ID).Msg("mark delivered failed")
		}
		if err := d.store.ResetEndpointFailures(ctx, ep.ID); err != nil {
			log.Error().Err(err).Str("endpoint_id", ep.ID).Msg("failure counter reset failed")
		}
		return
	}

	var class retry.Class
	var reason string
	if err != nil {
		class = retry.ClassifyErr(err)
		reason = err.Error()
		d.appendLog(ctx, item, nil, "", reason)
	} else {
		class = retry.ClassifyStatus(code)
		reason = fmt.Sprintf("endpoint returned HTTP %d", code)
		d.appendLog(ctx, item, &code, excerpt, reason)
	}

	tripped, bumpErr := d.store.BumpEndpointFailures(ctx, ep.ID, d.cfg.FailureThreshold)
	if bumpErr != nil {
		log.Error().Err(bumpErr).Str("endpoint_id", ep.ID).Msg("failure counter bump failed")
	} else if tripped {
		log.Warn().Str("endpoint_id", ep.ID).Int("failures", ep.FailureCount+1).
			Msg("endpoint auto-paused after consecutive failures")
	}

	d.finish(ctx, item, class, reason)
}

// post signs and sends one webhook attempt. A request that cannot even be
// constructed (malformed URL) is terminal.
func (d *Dispatcher) post(ctx context.Context, ep domain.Endpoint, item domain.QueueItem) (int, string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(item.Payload))
	if err != nil {
		return 0, "", fmt.Errorf("%w: bad endpoint url: %v", retry.ErrTerminal, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, signature.Sign(item.Payload, []byte(ep.Secret)))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(d.Now().UnixMilli(), 10))
	req.Header.Set(HeaderEventType, item.EventType)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("webhook post: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseExcerpt))
	return resp.StatusCode, string(body), nil
}

func (d *Dispatcher) runSync(ctx context.Context, item domain.QueueItem) {
	h, ok := d.handlers[item.SyncOp]
	if !ok {
		d.markFailed(ctx, item, fmt.Sprintf("no handler for sync op %q", item.SyncOp))
		return
	}
	attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	err := h.Handle(attemptCtx, item.Payload)
	cancel()
	if err != nil {
		d.finish(ctx, item, retry.ClassifyErr(err), err.Error())
		return
	}
	if err := d.store.MarkDelivered(ctx, item.ID); err != nil {
		log.Error().Err(err).Str("item_id", item.ID).Msg("mark delivered failed")
	}
}

// finish applies the retry policy: schedule another attempt, or give up when
// the error is terminal or the attempt budget is spent.
func (d *Dispatcher) finish(ctx context.Context, item domain.QueueItem, class retry.Class, reason string) {
	attempt := item.Attempts + 1
	if class == retry.Terminal || attempt >= item.MaxAttempts {
		d.markFailed(ctx, item, reason)
		return
	}
	nextAt := d.Now().Add(d.policy.NextDelay(attempt))
	if err := d.store.MarkRetrying(ctx, item.ID, reason, nextAt); err != nil {
		log.Error().Err(err).Str("item_id", item.ID).Msg("mark retrying failed")
		return
	}
	log.Info().Str("item_id", item.ID).Int("attempt", attempt).Time("next_attempt_at", nextAt).
		Str("reason", reason).Msg("delivery attempt failed, retry scheduled")
}

func (d *Dispatcher) markFailed(ctx context.Context, item domain.QueueItem, reason string) {
	if err := d.store.MarkFailed(ctx, item.ID, reason); err != nil {
		log.Error().Err(err).Str("item_id", item.ID).Msg("mark failed failed")
		return
	}
	log.Warn().Str("item_id", item.ID).Str("kind", string(item.Kind)).
		Str("reason", reason).Msg("item failed terminally")
}

func (d *Dispatcher) release(ctx context.Context, item domain.QueueItem) {
	if err := d.store.Release(ctx, item.ID); err != nil {
		log.Error().Err(err).Str("item_id", item.ID).Msg("release failed")
	}
}

func (d *Dispatcher) appendLog(ctx context.Context, item domain.QueueItem, code *int, response, errMsg string) {
	entry := domain.DeliveryLog{
		ItemID:     item.ID,
		EndpointID: item.EndpointID,
		Attempt:    item.Attempts + 1,
		StatusCode: code,
		Response:   response,
		Error:      errMsg,
	}
	if err := d.store.AppendDeliveryLog(ctx, entry); err != nil {
		log.Error().Err(err).Str("item_id", item.ID).Msg("append delivery log failed")
	}
}
