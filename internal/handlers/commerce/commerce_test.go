package commerce

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/payhuk02/emarzona-sub013/internal/retry"
)

func newBackend(t *testing.T, status int, gotPath *string) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if gotPath != nil {
			*gotPath = r.URL.Path
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, time.Second)
}

func TestOrdersPostsToBackend(t *testing.T) {
	var path string
	c := newBackend(t, http.StatusCreated, &path)

	err := Orders{C: c}.Handle(context.Background(), []byte(`{"store_id":"s1","total":42}`))
	require.NoError(t, err)
	assert.Equal(t, "/internal/orders", path)
}

func TestOrdersRejectsMissingStoreID(t *testing.T) {
	c := newBackend(t, http.StatusCreated, nil)
	err := Orders{C: c}.Handle(context.Background(), []byte(`{"total":42}`))
	assert.ErrorIs(t, err, retry.ErrTerminal)
}

func TestOrdersRejectsMalformedPayload(t *testing.T) {
	c := newBackend(t, http.StatusCreated, nil)
	err := Orders{C: c}.Handle(context.Background(), []byte(`not json`))
	assert.ErrorIs(t, err, retry.ErrTerminal)
}

func TestProductsRoutesByID(t *testing.T) {
	var path string
	c := newBackend(t, http.StatusOK, &path)

	err := Products{C: c}.Handle(context.Background(), []byte(`{"product_id":"p1","price":9.99}`))
	require.NoError(t, err)
	assert.Equal(t, "/internal/products/p1", path)
}

func TestCartRoutesByCartID(t *testing.T) {
	var path string
	c := newBackend(t, http.StatusOK, &path)

	err := Cart{C: c}.Handle(context.Background(), []byte(`{"cart_id":"c1","product_id":"p1"}`))
	require.NoError(t, err)
	assert.Equal(t, "/internal/carts/c1/items", path)
}

func TestCartRejectsIncompleteLine(t *testing.T) {
	c := newBackend(t, http.StatusOK, nil)
	err := Cart{C: c}.Handle(context.Background(), []byte(`{"cart_id":"c1"}`))
	assert.ErrorIs(t, err, retry.ErrTerminal)
}

func TestBackendRejectionIsTerminal(t *testing.T) {
	c := newBackend(t, http.StatusUnprocessableEntity, nil)
	err := Orders{C: c}.Handle(context.Background(), []byte(`{"store_id":"s1"}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, retry.ErrTerminal)
	assert.Contains(t, err.Error(), "422")
}

func TestBackendOutageIsRetryable(t *testing.T) {
	c := newBackend(t, http.StatusServiceUnavailable, nil)
	err := Orders{C: c}.Handle(context.Background(), []byte(`{"store_id":"s1"}`))
	require.Error(t, err)
	assert.NotErrorIs(t, err, retry.ErrTerminal)
}

func TestTooManyRequestsIsRetryable(t *testing.T) {
	c := newBackend(t, http.StatusTooManyRequests, nil)
	err := Orders{C: c}.Handle(context.Background(), []byte(`{"store_id":"s1"}`))
	require.Error(t, err)
	assert.NotErrorIs(t, err, retry.ErrTerminal)
}
