package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"

	"commercehub/internal/billing"
	"commercehub/internal/external"
	"commercehub/internal/types"
)

const (
	testStripeSecret = "whsec_test"
	testChargeSecret = "charge-shared-secret"
	testHubSecret    = "hub-shared-secret"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeReconciler struct {
	mu      sync.Mutex
	events  []types.PaymentEvent
	outcome types.ReconcileOutcome
	queued  []types.ReconcileOutcome // consumed one per call before outcome
	err     error
}

func (f *fakeReconciler) Reconcile(_ context.Context, ev types.PaymentEvent) (types.ReconcileOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	if f.err != nil {
		return "", f.err
	}
	if len(f.queued) > 0 {
		next := f.queued[0]
		f.queued = f.queued[1:]
		return next, nil
	}
	if f.outcome == "" {
		return types.OutcomeApplied, nil
	}
	return f.outcome, nil
}

type fakeEntitlements struct {
	events []types.SubscriptionEvent
	err    error
}

func (f *fakeEntitlements) Apply(_ context.Context, ev types.SubscriptionEvent) error {
	f.events = append(f.events, ev)
	return f.err
}

// memoryAccounts is an in-memory billing.AccountStore keyed by email.
type memoryAccounts struct {
	mu       sync.Mutex
	accounts map[string]*types.SubscriptionEntitlement
}

func newMemoryAccounts(emails ...string) *memoryAccounts {
	m := &memoryAccounts{accounts: map[string]*types.SubscriptionEntitlement{}}
	for i, email := range emails {
		m.accounts[email] = &types.SubscriptionEntitlement{AccountID: fmt.Sprintf("acc_%d", i+1), Email: email}
	}
	return m
}

func (m *memoryAccounts) GetByEmail(_ context.Context, email string) (*types.SubscriptionEntitlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.accounts[email]; ok {
		cp := *e
		return &cp, nil
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundAccount, "account not found", nil)
}

func (m *memoryAccounts) Activate(_ context.Context, email, customerID, subscriptionID string, expiresAt time.Time) (*types.SubscriptionEntitlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.accounts[email]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundAccount, "no account exists for this email; create an account first", nil)
	}
	e.SubscriptionActive = true
	e.ExpiresAt = &expiresAt
	e.ProviderCustomerID = customerID
	e.ProviderSubscriptionID = subscriptionID
	cp := *e
	return &cp, nil
}

func (m *memoryAccounts) Extend(_ context.Context, subscriptionID string, expiresAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.accounts {
		if e.ProviderSubscriptionID == subscriptionID {
			e.ExpiresAt = &expiresAt
			return true, nil
		}
	}
	return false, nil
}

func (m *memoryAccounts) Deactivate(_ context.Context, subscriptionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.accounts {
		if e.ProviderSubscriptionID == subscriptionID {
			e.SubscriptionActive = false
			e.ExpiresAt = nil
			e.ProviderSubscriptionID = ""
			return true, nil
		}
	}
	return false, nil
}

type recordingMetrics struct {
	mu       sync.Mutex
	webhooks []string
}

func (m *recordingMetrics) RecordRequest(context.Context, string, string, string, time.Duration) {}

func (m *recordingMetrics) RecordWebhook(_ context.Context, source, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.webhooks = append(m.webhooks, source+":"+outcome)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func stripeBody(eventType, object string) []byte {
	return fmt.Appendf(nil, `{"id":"evt_1","object":"event","type":%q,"created":1767225600,"data":{"object":%s}}`, eventType, object)
}

func signedStripeRequest(t *testing.T, body []byte) *http.Request {
	t.Helper()
	sp := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: body, Secret: testStripeSecret})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewReader(body))
	req.Header.Set(external.HeaderStripeSignature, sp.Header)
	return req
}

func chargeBody(eventType, chargeID string) []byte {
	return fmt.Appendf(nil, `{"id":"del_1","event":{"id":"ev_1","type":%q,"data":{"id":%q}}}`, eventType, chargeID)
}

func signedChargeRequest(body []byte, secret string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/charges", bytes.NewReader(body))
	req.Header.Set(external.HeaderChargeSignature, external.SignHex(body, secret))
	return req
}

type webhookFixture struct {
	router       *chi.Mux
	reconciler   *fakeReconciler
	entitlements *fakeEntitlements
	metrics      *recordingMetrics
}

func newWebhookFixture(t *testing.T) *webhookFixture {
	t.Helper()
	f := &webhookFixture{
		reconciler:   &fakeReconciler{},
		entitlements: &fakeEntitlements{},
		metrics:      &recordingMetrics{},
	}
	hub, err := external.NewStubEcosystemClient(types.SecretString(testHubSecret), nil, nil)
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Route("/webhooks", func(r chi.Router) {
		NewStripeWebhookHandler(external.StripeVerifier{}, types.SecretString(testStripeSecret), f.reconciler, f.entitlements, f.metrics, nil).RegisterRoutes(r)
		NewChargeWebhookHandler(external.HMACVerifier{}, types.SecretString(testChargeSecret), f.reconciler, f.metrics, nil).RegisterRoutes(r)
		NewEcosystemWebhookHandler(hub, f.metrics, nil).RegisterRoutes(r)
	})
	f.router = r
	return f
}

func (f *webhookFixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody(t, rec)
	errObj, ok := body["error"].(map[string]any)
	require.True(t, ok, "body: %s", rec.Body.String())
	return errObj["code"].(string)
}

// ---------------------------------------------------------------------------
// Stripe
// ---------------------------------------------------------------------------

func TestStripeWebhook_AppliesCheckoutCompleted(t *testing.T) {
	f := newWebhookFixture(t)
	body := stripeBody(types.EventCheckoutCompleted, `{"id":"cs_1","mode":"payment","payment_intent":"pi_1"}`)

	rec := f.do(signedStripeRequest(t, body))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "applied", decodeBody(t, rec)["outcome"])
	require.Len(t, f.reconciler.events, 1)
	assert.Equal(t, "cs_1", f.reconciler.events[0].(types.CheckoutCompleted).SessionID)
	assert.Empty(t, f.entitlements.events)
	assert.Equal(t, []string{"stripe:applied"}, f.metrics.webhooks)
}

func TestStripeWebhook_DuplicateAnswers200(t *testing.T) {
	f := newWebhookFixture(t)
	f.reconciler.outcome = types.OutcomeAlreadyTerminal
	body := stripeBody(types.EventCheckoutCompleted, `{"id":"cs_1","mode":"payment"}`)

	rec := f.do(signedStripeRequest(t, body))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "already_terminal", decodeBody(t, rec)["outcome"])
}

func TestStripeWebhook_SubscriptionCheckoutFeedsBoth(t *testing.T) {
	f := newWebhookFixture(t)
	body := stripeBody(types.EventCheckoutCompleted,
		`{"id":"cs_2","mode":"subscription","subscription":"sub_1","customer":"cus_1","metadata":{"email":"buyer@example.com"}}`)

	rec := f.do(signedStripeRequest(t, body))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, f.reconciler.events, 1)
	require.Len(t, f.entitlements.events, 1)
	assert.Equal(t, "buyer@example.com", f.entitlements.events[0].(types.SubscriptionCheckoutCompleted).Email)
}

func TestStripeWebhook_RedeliveredSubscriptionCheckoutSkipsEntitlement(t *testing.T) {
	f := newWebhookFixture(t)
	f.reconciler.outcome = types.OutcomeAlreadyTerminal
	body := stripeBody(types.EventCheckoutCompleted,
		`{"id":"cs_2","mode":"subscription","subscription":"sub_1","customer":"cus_1","metadata":{"email":"buyer@example.com"}}`)

	rec := f.do(signedStripeRequest(t, body))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "already_terminal", decodeBody(t, rec)["outcome"])
	assert.Empty(t, f.entitlements.events)
}

func TestStripeWebhook_ExternalSubscriptionCheckoutActivates(t *testing.T) {
	f := newWebhookFixture(t)
	f.reconciler.outcome = types.OutcomeUnknownRecord
	body := stripeBody(types.EventCheckoutCompleted,
		`{"id":"cs_3","mode":"subscription","subscription":"sub_1","metadata":{"email":"buyer@example.com"}}`)

	rec := f.do(signedStripeRequest(t, body))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, f.entitlements.events, 1)
}

func TestStripeWebhook_CancellationSurvivesCheckoutRedelivery(t *testing.T) {
	accounts := newMemoryAccounts("buyer@example.com")
	eventTime := time.Unix(1767225600, 0).UTC()
	entitlements := billing.NewEntitlementManager(accounts, func() time.Time { return eventTime.Add(time.Hour) }, nil)
	reconciler := &fakeReconciler{queued: []types.ReconcileOutcome{
		types.OutcomeApplied,
		types.OutcomeAlreadyTerminal,
	}}
	r := chi.NewRouter()
	r.Route("/webhooks", func(r chi.Router) {
		NewStripeWebhookHandler(external.StripeVerifier{}, types.SecretString(testStripeSecret), reconciler, entitlements, nil, nil).RegisterRoutes(r)
	})
	send := func(body []byte) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, signedStripeRequest(t, body))
		return rec
	}
	checkout := stripeBody(types.EventCheckoutCompleted,
		`{"id":"cs_2","mode":"subscription","subscription":"sub_1","customer":"cus_1","metadata":{"email":"buyer@example.com"}}`)

	require.Equal(t, http.StatusOK, send(checkout).Code)
	ent, err := entitlements.Entitlement(context.Background(), "buyer@example.com")
	require.NoError(t, err)
	require.True(t, ent.AdFree)

	require.Equal(t, http.StatusOK, send(stripeBody(types.EventCustomerSubscriptionDelete, `{"id":"sub_1"}`)).Code)

	rec := send(checkout)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "already_terminal", decodeBody(t, rec)["outcome"])

	ent, err = entitlements.Entitlement(context.Background(), "buyer@example.com")
	require.NoError(t, err)
	assert.False(t, ent.AdFree)
	assert.Nil(t, ent.ExpiresAt)
}

func TestStripeWebhook_UnknownAccountIsReported(t *testing.T) {
	f := newWebhookFixture(t)
	f.entitlements.err = types.NewAppError(types.ErrCodeNotFoundAccount, "no account exists for this email; create an account first", nil)
	body := stripeBody(types.EventCheckoutCompleted, `{"id":"cs_2","mode":"subscription","metadata":{"email":"ghost@example.com"}}`)

	rec := f.do(signedStripeRequest(t, body))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, string(types.ErrCodeNotFoundAccount), errorCode(t, rec))
}

func TestStripeWebhook_SingleByteMutationRejected(t *testing.T) {
	f := newWebhookFixture(t)
	body := stripeBody(types.EventCheckoutCompleted, `{"id":"cs_1","mode":"payment"}`)
	sig := signedStripeRequest(t, body).Header.Get(external.HeaderStripeSignature)

	tampered := bytes.Clone(body)
	tampered[len(tampered)-3] ^= 0x01
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewReader(tampered))
	req.Header.Set(external.HeaderStripeSignature, sig)

	rec := f.do(req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, string(types.ErrCodeAuthInvalidSignature), errorCode(t, rec))
	assert.Empty(t, f.reconciler.events)
	assert.Equal(t, []string{"stripe:rejected"}, f.metrics.webhooks)
}

func TestStripeWebhook_MissingSignature(t *testing.T) {
	f := newWebhookFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewReader(stripeBody("customer.created", `{}`)))

	rec := f.do(req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, f.reconciler.events)
}

func TestStripeWebhook_IgnoredType(t *testing.T) {
	f := newWebhookFixture(t)

	rec := f.do(signedStripeRequest(t, stripeBody("customer.created", `{"id":"cus_1"}`)))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ignored", decodeBody(t, rec)["outcome"])
	assert.Empty(t, f.reconciler.events)
}

func TestStripeWebhook_StoreFailureAnswers5xx(t *testing.T) {
	f := newWebhookFixture(t)
	f.reconciler.err = types.NewAppError(types.ErrCodeInternalDB, "db down", nil)

	rec := f.do(signedStripeRequest(t, stripeBody(types.EventCheckoutCompleted, `{"id":"cs_1"}`)))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestStripeWebhook_MisconfiguredSecret(t *testing.T) {
	r := chi.NewRouter()
	NewStripeWebhookHandler(external.StripeVerifier{}, "", &fakeReconciler{}, &fakeEntitlements{}, nil, nil).RegisterRoutes(r)
	body := stripeBody(types.EventCheckoutCompleted, `{"id":"cs_1"}`)
	req := signedStripeRequest(t, body)
	req.URL.Path = "/payments"

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, string(types.ErrCodeInternalMisconfiguredSecret), errorCode(t, rec))
}

// ---------------------------------------------------------------------------
// Charges
// ---------------------------------------------------------------------------

func TestChargeWebhook_Confirmed(t *testing.T) {
	f := newWebhookFixture(t)

	rec := f.do(signedChargeRequest(chargeBody(types.EventChargeConfirmed, "ch_1"), testChargeSecret))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, f.reconciler.events, 1)
	assert.Equal(t, types.ChargeConfirmed{ID: "ev_1", Type: types.EventChargeConfirmed, ChargeID: "ch_1"}, f.reconciler.events[0])
}

func TestChargeWebhook_WrongSecret(t *testing.T) {
	f := newWebhookFixture(t)

	rec := f.do(signedChargeRequest(chargeBody(types.EventChargeConfirmed, "ch_1"), "other-secret"))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, f.reconciler.events)
}

func TestChargeWebhook_MalformedHeader(t *testing.T) {
	f := newWebhookFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/charges", bytes.NewReader(chargeBody(types.EventChargeConfirmed, "ch_1")))
	req.Header.Set(external.HeaderChargeSignature, "not-hex")

	rec := f.do(req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, string(types.ErrCodeAuthInvalidSignature), errorCode(t, rec))
}

func TestChargeWebhook_PendingIgnored(t *testing.T) {
	f := newWebhookFixture(t)

	rec := f.do(signedChargeRequest(chargeBody("charge:pending", "ch_1"), testChargeSecret))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, f.reconciler.events)
	assert.Equal(t, []string{"charge:ignored"}, f.metrics.webhooks)
}

func TestChargeWebhook_BodyTooLarge(t *testing.T) {
	f := newWebhookFixture(t)
	body := bytes.Repeat([]byte("a"), maxWebhookBodySize+1)

	rec := f.do(signedChargeRequest(body, testChargeSecret))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, f.reconciler.events)
}

// ---------------------------------------------------------------------------
// Ecosystem
// ---------------------------------------------------------------------------

func TestEcosystemWebhook_Received(t *testing.T) {
	f := newWebhookFixture(t)
	body := []byte(`{"event":"booking.created","timestamp":"2026-01-01T00:00:00Z","source":"hub","payload":{"id":"b1"}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/ecosystem", bytes.NewReader(body))
	req.Header.Set(external.HeaderEcosystemSignature, external.SignHex(body, testHubSecret))

	rec := f.do(req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, map[string]any{"received": "booking.created"}, decodeBody(t, rec))
}

func TestEcosystemWebhook_BadSignature(t *testing.T) {
	f := newWebhookFixture(t)
	body := []byte(`{"event":"booking.created"}`)
	sig := external.SignHex(body, testHubSecret)
	tampered := bytes.Replace(body, []byte("created"), []byte("creatEd"), 1)

	for name, header := range map[string]string{"mutated body": sig, "missing header": "", "non-hex": "zz"} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/webhooks/ecosystem", bytes.NewReader(tampered))
			if header != "" {
				req.Header.Set(external.HeaderEcosystemSignature, header)
			}
			rec := f.do(req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}
