package external

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"

	"commercehub/internal/types"
)

// newTestClient creates a BaseClient with a short timeout and a test user agent.
func newTestClient(t *testing.T, opts ...BaseClientOption) *BaseClient {
	t.Helper()
	return NewBaseClient(&http.Client{Timeout: 5 * time.Second}, "test-breaker", "CommerceHub-Test/1.0", opts...)
}

func TestDo_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer server.Close()

	client := newTestClient(t)

	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL+"/test", nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"status":"ok"}` {
		t.Errorf("unexpected body: %s", body)
	}
}

func TestDo_InjectsRequestIDAndUserAgent(t *testing.T) {
	var gotID, gotUA string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = r.Header.Get("X-Request-Id")
		gotUA = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := newTestClient(t)
	ctx := types.WithRequestID(context.Background(), "req-abc")

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	resp.Body.Close()

	if gotID != "req-abc" {
		t.Errorf("expected X-Request-Id req-abc, got %q", gotID)
	}
	if gotUA != "CommerceHub-Test/1.0" {
		t.Errorf("expected user agent, got %q", gotUA)
	}
}

func TestDo_5xxIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := newTestClient(t, WithUnavailableCode(types.ErrCodeUpstreamIntegration))

	req, _ := http.NewRequestWithContext(context.Background(), http.MethodPost, server.URL, strings.NewReader(`{}`))
	_, err := client.Do(req)
	if err == nil {
		t.Fatal("expected error for 502")
	}
	if calls.Load() != 1 {
		t.Errorf("expected exactly 1 call, got %d", calls.Load())
	}
	if code := types.CodeOf(err); code != types.ErrCodeUpstreamIntegration {
		t.Errorf("expected %s, got %s", types.ErrCodeUpstreamIntegration, code)
	}
}

func TestDo_SendsBodyOnce(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"a":1}` {
			t.Errorf("body not forwarded: %s", body)
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := newTestClient(t)

	req, _ := http.NewRequestWithContext(context.Background(), http.MethodPost, server.URL, strings.NewReader(`{"a":1}`))
	_, err := client.Do(req)
	if !types.HasCode(err, types.ErrCodeUpstreamIntegration) {
		t.Fatalf("expected upstream_integration_unavailable, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected exactly 1 call, got %d", calls.Load())
	}
}

func TestDo_429MapsToUnavailableCode(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	for _, code := range []types.ErrorCode{types.ErrCodeUpstreamIntegration, types.ErrCodeUpstreamPaymentProvider} {
		client := newTestClient(t, WithUnavailableCode(code))
		req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL, nil)
		_, err := client.Do(req)
		if !types.HasCode(err, code) {
			t.Errorf("expected %s, got %v", code, err)
		}
	}
	if calls.Load() != 2 {
		t.Errorf("expected one call per client, got %d", calls.Load())
	}
}

func TestDo_4xxReturnedToCaller(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	client := newTestClient(t)
	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL, nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("expected 4xx to be returned, got error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestDo_TimeoutMapsToUnavailable(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client := NewBaseClient(&http.Client{Timeout: 50 * time.Millisecond}, "timeout", "",
		WithUnavailableCode(types.ErrCodeUpstreamIntegration))

	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL, nil)
	_, err := client.Do(req)
	if !types.HasCode(err, types.ErrCodeUpstreamIntegration) {
		t.Fatalf("expected upstream_integration_unavailable, got %v", err)
	}
}

func TestDo_OpenBreakerShortCircuits(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	breaker := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:    "trip-fast",
		Timeout: time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 2
		},
	})
	client := newTestClient(t, WithBreaker(breaker))

	for range 2 {
		req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL, nil)
		_, _ = client.Do(req)
	}

	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL, nil)
	_, err := client.Do(req)

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected AppError, got %v", err)
	}
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("expected wrapped ErrOpenState, got %v", appErr.Err)
	}
	if calls.Load() != 2 {
		t.Errorf("expected breaker to stop calls after 2, got %d", calls.Load())
	}
}

func TestHTTPClient_RoutesThroughDo(t *testing.T) {
	var gotUA string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestClient(t).HTTPClient()

	_, err := client.Get(server.URL)
	if err == nil {
		t.Fatal("expected error for 500")
	}
	if !types.HasCode(err, types.ErrCodeUpstreamIntegration) {
		t.Errorf("expected AppError to survive url.Error wrapping, got %v", err)
	}
	if gotUA != "CommerceHub-Test/1.0" {
		t.Errorf("expected user agent from BaseClient, got %q", gotUA)
	}
}
