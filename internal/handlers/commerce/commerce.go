// Package commerce replays queued storefront actions against the platform
// backend. Each handler owns one sync op; all of them share one internal
// HTTP client. These are internal service calls, so no signing is involved.
package commerce

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/payhuk02/emarzona-sub013/internal/retry"
)

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{baseURL: baseURL, http: &http.Client{Timeout: timeout}}
}

func (c *Client) post(ctx context.Context, path string, payload json.RawMessage) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: build backend request: %v", retry.ErrTerminal, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend call %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		// The backend rejected the action outright; retrying cannot help.
		return fmt.Errorf("%w: backend rejected %s: HTTP %d: %s", retry.ErrTerminal, path, resp.StatusCode, body)
	}
	return fmt.Errorf("backend call %s: HTTP %d: %s", path, resp.StatusCode, body)
}

// Orders handles create_order actions queued while the client was offline.
type Orders struct{ C *Client }

func (h Orders) Handle(ctx context.Context, payload json.RawMessage) error {
	var order struct {
		StoreID string `json:"store_id"`
	}
	if err := json.Unmarshal(payload, &order); err != nil {
		return fmt.Errorf("%w: invalid order payload: %v", retry.ErrTerminal, err)
	}
	if order.StoreID == "" {
		return fmt.Errorf("%w: order payload missing store_id", retry.ErrTerminal)
	}
	return h.C.post(ctx, "/internal/orders", payload)
}

// Products handles update_product actions.
type Products struct{ C *Client }

func (h Products) Handle(ctx context.Context, payload json.RawMessage) error {
	var product struct {
		ProductID string `json:"product_id"`
	}
	if err := json.Unmarshal(payload, &product); err != nil {
		return fmt.Errorf("%w: invalid product payload: %v", retry.ErrTerminal, err)
	}
	if product.ProductID == "" {
		return fmt.Errorf("%w: product payload missing product_id", retry.ErrTerminal)
	}
	return h.C.post(ctx, "/internal/products/"+product.ProductID, payload)
}

// Cart handles add_to_cart actions.
type Cart struct{ C *Client }

func (h Cart) Handle(ctx context.Context, payload json.RawMessage) error {
	var line struct {
		CartID    string `json:"cart_id"`
		ProductID string `json:"product_id"`
	}
	if err := json.Unmarshal(payload, &line); err != nil {
		return fmt.Errorf("%w: invalid cart payload: %v", retry.ErrTerminal, err)
	}
	if line.CartID == "" || line.ProductID == "" {
		return fmt.Errorf("%w: cart payload missing cart_id or product_id", retry.ErrTerminal)
	}
	return h.C.post(ctx, "/internal/carts/"+line.CartID+"/items", payload)
}
