package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

type staticKey string

func (k staticKey) APIKey(context.Context) (string, error) {
	return string(k), nil
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewClient(srv.URL, srv.Client(), staticKey("test-key"), logger)

	// Instant retries in tests.
	c.sleepFunc = func(context.Context, time.Duration) error { return nil }

	return c
}

func TestDo_RetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)

	resp, err := c.Do(context.Background(), http.MethodGet, "/v1/health", nil, nil)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}

	resp.Body.Close()

	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3 (two retries)", got)
	}
}

func TestDo_RetryAfterHeader(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)

			return
		}

		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)

	var slept []time.Duration

	c.sleepFunc = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	resp, err := c.Do(context.Background(), http.MethodGet, "/x", nil, nil)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}

	resp.Body.Close()

	if len(slept) != 1 || slept[0] != 7*time.Second {
		t.Errorf("slept = %v, want one 7s wait from Retry-After", slept)
	}
}

func TestDo_AuthRejectionIsFinal(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)

	_, err := c.Do(context.Background(), http.MethodGet, "/x", nil, nil)
	if !errors.Is(err, ErrAuthInvalid) {
		t.Fatalf("err = %v, want ErrAuthInvalid", err)
	}

	if calls.Load() != 1 {
		t.Errorf("calls = %d, 401 must not be retried", calls.Load())
	}

	if IsTransient(err) {
		t.Error("auth rejection must not be transient")
	}
}

func TestPullDataset(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/sync/datasets/products" {
			t.Errorf("path = %s", r.URL.Path)
		}

		if got := r.URL.Query().Get("modified_since"); got != "2024-01-01T00:00:00Z" {
			t.Errorf("modified_since = %q", got)
		}

		if r.URL.Query().Get("sync") != "true" {
			t.Error("sync flag missing")
		}

		if r.Header.Get("X-API-Key") != "test-key" {
			t.Error("api key header missing")
		}

		json.NewEncoder(w).Encode(DatasetDelta{
			Rows:         []json.RawMessage{json.RawMessage(`{"id":"p1"}`)},
			DeletedIDs:   []string{"p9"},
			Version:      "2024-01-02T00:00:00Z",
			RecordCount:  1,
			DeletedCount: 1,
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)

	delta, err := c.PullDataset(context.Background(), "products", "2024-01-01T00:00:00Z")
	if err != nil {
		t.Fatalf("PullDataset: %v", err)
	}

	if len(delta.Rows) != 1 || len(delta.DeletedIDs) != 1 || delta.Version != "2024-01-02T00:00:00Z" {
		t.Errorf("delta = %+v", delta)
	}
}

func TestPushOperation_IdempotencyAndSignature(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/sync/orders" {
			t.Errorf("path = %s", r.URL.Path)
		}

		if r.Header.Get("Idempotency-Key") != "op-1" {
			t.Error("idempotency key missing")
		}

		if r.Header.Get("X-Device-Signature") != "sig-abc" {
			t.Error("device signature missing")
		}

		json.NewEncoder(w).Encode(map[string]any{
			"order": map[string]string{"id": "srv-9", "order_number": "A-1007"},
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)

	res, err := c.PushOperation(context.Background(), PushRequest{
		ID:        "op-1",
		Kind:      "ORDER",
		Payload:   json.RawMessage(`{"total":"10.00"}`),
		Signature: "sig-abc",
	})
	if err != nil {
		t.Fatalf("PushOperation: %v", err)
	}

	if res.ServerOrderID != "srv-9" || res.ServerOrderNumber != "A-1007" {
		t.Errorf("result = %+v", res)
	}
}

func TestPushOperation_Conflict(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"message": "product p1 no longer exists"},
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)

	_, err := c.PushOperation(context.Background(), PushRequest{
		ID:      "op-1",
		Kind:    "ORDER",
		Payload: json.RawMessage(`{}`),
	})

	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("err = %v, want ConflictError", err)
	}

	if conflict.Reason != "product p1 no longer exists" {
		t.Errorf("reason = %q", conflict.Reason)
	}
}

func TestPair(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		json.NewDecoder(r.Body).Decode(&req)

		if req["code"] != "123456" {
			t.Errorf("code = %q", req["code"])
		}

		json.NewEncoder(w).Encode(PairResponse{
			TerminalID:    "term-1",
			TenantID:      "ten-1",
			LocationID:    "loc-1",
			APIKey:        "key-1",
			SigningSecret: "secret-1",
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)

	pr, err := c.Pair(context.Background(), "123456")
	if err != nil {
		t.Fatalf("Pair: %v", err)
	}

	if pr.TerminalID != "term-1" || pr.SigningSecret != "secret-1" {
		t.Errorf("pair response = %+v", pr)
	}
}

func TestPair_IncompleteResponse(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(PairResponse{TerminalID: "term-1"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)

	if _, err := c.Pair(context.Background(), "123456"); err == nil {
		t.Fatal("credentials without an api key must be rejected")
	}
}

func TestProbe_NoRetries(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)

	if err := c.Probe(context.Background()); err == nil {
		t.Fatal("unhealthy backend must fail the probe")
	}

	if calls.Load() != 1 {
		t.Errorf("calls = %d, probe must not retry", calls.Load())
	}
}

func TestSignOperation_RoundTrip(t *testing.T) {
	t.Parallel()

	issued := time.Unix(1_700_000_000, 0)

	sig, err := SignOperation("secret-1", "op-1", "ORDER", "term-1", issued)
	if err != nil {
		t.Fatalf("SignOperation: %v", err)
	}

	claims, err := VerifyOperationSignature("secret-1", sig)
	if err != nil {
		t.Fatalf("VerifyOperationSignature: %v", err)
	}

	if claims["op_id"] != "op-1" || claims["terminal_id"] != "term-1" {
		t.Errorf("claims = %v", claims)
	}

	if _, err := VerifyOperationSignature("wrong-secret", sig); err == nil {
		t.Error("wrong secret must fail verification")
	}
}
