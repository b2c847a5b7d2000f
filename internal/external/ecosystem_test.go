package external

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commercehub/internal/types"
)

type recordingAuditLog struct {
	mu      sync.Mutex
	entries []types.EcosystemLogEntry
	err     error
}

func (r *recordingAuditLog) Append(_ context.Context, entry *types.EcosystemLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, *entry)
	return r.err
}

func (r *recordingAuditLog) last(t *testing.T) types.EcosystemLogEntry {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.entries)
	return r.entries[len(r.entries)-1]
}

func testEcosystemConfig(baseURL string) EcosystemClientConfig {
	return EcosystemClientConfig{
		BaseURL:       baseURL,
		APIKey:        "eco-key",
		APISecret:     "eco-secret",
		WebhookSecret: testHMACSecret,
	}
}

func newTestEcosystemClient(t *testing.T, baseURL string, audit EcosystemAuditLog) *EcosystemTrustClient {
	t.Helper()
	base := newTestClient(t, WithUnavailableCode(types.ErrCodeUpstreamIntegration))
	client, err := NewEcosystemTrustClientWithBase(base, audit, testEcosystemConfig(baseURL))
	require.NoError(t, err)
	return client
}

func TestNewEcosystemTrustClient_MissingSecretsFailFast(t *testing.T) {
	cfg := testEcosystemConfig("https://hub.example.com")
	cfg.APISecret = ""
	cfg.WebhookSecret = ""

	_, err := NewEcosystemTrustClient(http.DefaultClient, nil, cfg)
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeInternalMisconfiguredSecret, types.CodeOf(err))
	assert.Contains(t, err.Error(), "API secret")
	assert.Contains(t, err.Error(), "webhook secret")
}

func TestSignedRequest_AttachesCredentials(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "eco-key", r.Header.Get("X-API-Key"))
		assert.Equal(t, "eco-secret", r.Header.Get("X-API-Secret"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "/api/things", r.URL.Path)

		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"name":"x"}`, string(body))

		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	client := newTestEcosystemClient(t, server.URL, nil)
	raw, err := client.SignedRequest(context.Background(), http.MethodPost, "/api/things", map[string]string{"name": "x"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(raw))
}

func TestSignedRequest_Non2xxIsIntegrationUnavailable(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError} {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(status)
		}))

		client := newTestEcosystemClient(t, server.URL, nil)
		_, err := client.SignedRequest(context.Background(), http.MethodGet, "/api/x", nil)
		server.Close()

		assert.Equal(t, types.ErrCodeUpstreamIntegration, types.CodeOf(err), "status %d", status)
		assert.Equal(t, int32(1), calls.Load(), "status %d must not be retried", status)
	}
}

func TestSignedRequest_TimeoutIsIntegrationUnavailable(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client, err := NewEcosystemTrustClient(&http.Client{Timeout: 50 * time.Millisecond}, nil, testEcosystemConfig(server.URL))
	require.NoError(t, err)

	_, err = client.SignedRequest(context.Background(), http.MethodGet, "/api/slow", nil)
	assert.Equal(t, types.ErrCodeUpstreamIntegration, types.CodeOf(err))
}

func TestVerifyAndParseInboundEvent_Valid(t *testing.T) {
	audit := &recordingAuditLog{}
	client := newTestEcosystemClient(t, "https://hub.example.com", audit)

	body := []byte(`{"event":"anchor.confirmed","timestamp":"2026-01-02T03:04:05Z","source":"hub","payload":{"batchId":"b1"}}`)
	event, err := client.VerifyAndParseInboundEvent(context.Background(), body, SignHex(body, testHMACSecret))
	require.NoError(t, err)

	assert.Equal(t, "anchor.confirmed", event.Event)
	assert.Equal(t, "hub", event.Source)
	assert.JSONEq(t, `{"batchId":"b1"}`, string(event.Payload))

	entry := audit.last(t)
	assert.Equal(t, ActionInboundEvent, entry.Action)
	assert.Equal(t, types.LogStatusSuccess, entry.Status)
	assert.Equal(t, "anchor.confirmed", entry.Metadata["event"])
}

func TestVerifyAndParseInboundEvent_MutatedBodyRejectedAndAudited(t *testing.T) {
	audit := &recordingAuditLog{}
	client := newTestEcosystemClient(t, "https://hub.example.com", audit)

	body := []byte(`{"event":"anchor.confirmed","timestamp":"t","source":"hub","payload":{}}`)
	sig := SignHex(body, testHMACSecret)
	mutated := append([]byte(nil), body...)
	mutated[3] = 'E'

	event, err := client.VerifyAndParseInboundEvent(context.Background(), mutated, sig)
	assert.Nil(t, event)
	assert.Equal(t, types.ErrCodeAuthInvalidSignature, types.CodeOf(err))

	entry := audit.last(t)
	assert.Equal(t, types.LogStatusFailed, entry.Status)
	assert.Equal(t, "invalid_signature", entry.Metadata["reason"])
}

func TestVerifyAndParseInboundEvent_MalformedHeader(t *testing.T) {
	audit := &recordingAuditLog{}
	client := newTestEcosystemClient(t, "https://hub.example.com", audit)

	_, err := client.VerifyAndParseInboundEvent(context.Background(), []byte(`{}`), "not-hex")
	assert.Equal(t, types.ErrCodeValidationMalformedSignature, types.CodeOf(err))
	assert.True(t, errors.Is(err, ErrMalformedSignature))
	assert.Equal(t, "malformed_signature", audit.last(t).Metadata["reason"])
}

func TestVerifyAndParseInboundEvent_AuditFailureDoesNotReject(t *testing.T) {
	audit := &recordingAuditLog{err: errors.New("db down")}
	client := newTestEcosystemClient(t, "https://hub.example.com", audit)

	body := []byte(`{"event":"ping","timestamp":"t","source":"hub","payload":null}`)
	event, err := client.VerifyAndParseInboundEvent(context.Background(), body, SignHex(body, testHMACSecret))
	require.NoError(t, err)
	assert.Equal(t, "ping", event.Event)
}

func TestHash_CanonicalAndOrderIndependent(t *testing.T) {
	type reordered struct {
		C []any  `json:"c"`
		B string `json:"b"`
		A int    `json:"a"`
	}

	fromMap, err := CanonicalHash(map[string]any{"b": "<x>", "a": 1, "c": []any{true, nil}})
	require.NoError(t, err)
	fromStruct, err := CanonicalHash(reordered{C: []any{true, nil}, B: "<x>", A: 1})
	require.NoError(t, err)

	assert.Equal(t, fromMap, fromStruct)
	assert.Equal(t, "9feb2a3dc685c3ac6afdb08511256b42b14719ba1afe0205af08d54a8a0bbc89", fromMap)
}

func TestCanonicalJSON_PreservesLargeIntegers(t *testing.T) {
	out, err := CanonicalJSON(map[string]any{"n": int64(9007199254740993)})
	require.NoError(t, err)
	assert.Equal(t, `{"n":9007199254740993}`, string(out))
}

func TestRequestAnchor(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/anchors", r.URL.Path)
		var req anchorRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "payment", req.RecordType)
		assert.Equal(t, "p1", req.RecordID)
		assert.Equal(t, "abc123", req.DataHash)

		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"queued":true,"batchId":"batch_7"}`))
	}))
	defer server.Close()

	audit := &recordingAuditLog{}
	client := newTestEcosystemClient(t, server.URL, audit)

	receipt, err := client.RequestAnchor(context.Background(), "payment", "p1", "abc123")
	require.NoError(t, err)
	assert.True(t, receipt.Queued)
	assert.Equal(t, "batch_7", receipt.BatchID)

	entry := audit.last(t)
	assert.Equal(t, ActionAnchor, entry.Action)
	assert.Equal(t, types.LogStatusSuccess, entry.Status)
}

func TestSyncPayment_FailureAudited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/bookkeeping/payments", r.URL.Path)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	audit := &recordingAuditLog{}
	client := newTestEcosystemClient(t, server.URL, audit)

	err := client.SyncPayment(context.Background(), &types.PaymentRecord{ID: "p1", PaymentMethod: types.PaymentMethodCard})
	assert.Equal(t, types.ErrCodeUpstreamIntegration, types.CodeOf(err))

	entry := audit.last(t)
	assert.Equal(t, ActionSyncPayment, entry.Action)
	assert.Equal(t, types.LogStatusFailed, entry.Status)
	assert.Equal(t, "p1", entry.Metadata["payment_id"])
}

func TestSyncPayment_UsesChargeIDForCrypto(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req paymentSyncRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "ch_9", req.Reference)
		assert.Equal(t, "crypto", req.Method)
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	client := newTestEcosystemClient(t, server.URL, nil)
	err := client.SyncPayment(context.Background(), &types.PaymentRecord{
		ID:               "p2",
		PaymentMethod:    types.PaymentMethodCrypto,
		ProviderChargeID: "ch_9",
	})
	require.NoError(t, err)
}
