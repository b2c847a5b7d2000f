package billing

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"commercehub/internal/external"
	"commercehub/internal/types"
)

// PaymentStore is the persistence surface the reconciler needs. It is
// implemented by db.PaymentRepository.
type PaymentStore interface {
	Create(ctx context.Context, p *types.PaymentRecord) error
	// Transition returns (nil, nil) when no pending row matched.
	Transition(ctx context.Context, key types.LookupKey, value string, status types.PaymentStatus, at time.Time, intentID string) (*types.PaymentRecord, error)
	Get(ctx context.Context, key types.LookupKey, value string) (*types.PaymentRecord, error)
	GetByID(ctx context.Context, id string) (*types.PaymentRecord, error)
	ListUnsynced(ctx context.Context, limit int) ([]*types.PaymentRecord, error)
	MarkSynced(ctx context.Context, id string, at time.Time) error
}

// EcosystemSync is the subset of the hub client used for bookkeeping and
// anchoring.
type EcosystemSync interface {
	SyncPayment(ctx context.Context, payment *types.PaymentRecord) error
	Hash(data any) (string, error)
	RequestAnchor(ctx context.Context, recordType, recordID, dataHash string) (*types.AnchorReceipt, error)
}

// ReconcilerConfig holds the optional collaborators of a Reconciler.
type ReconcilerConfig struct {
	Providers   map[types.PaymentMethod]external.CheckoutProvider
	Plans       PlanCatalog
	SuccessURL  string
	CancelURL   string
	SyncWorkers int
	Clock       func() time.Time
	Logger      *slog.Logger
}

// Reconciler applies payment provider events to payment records. The only
// concurrency guard is the conditional UPDATE inside PaymentStore.Transition:
// of any number of concurrent deliveries for one record, exactly one is
// applied and the rest observe a terminal record.
type Reconciler struct {
	store     PaymentStore
	ecosystem EcosystemSync
	providers map[types.PaymentMethod]external.CheckoutProvider
	plans     PlanCatalog
	success   string
	cancel    string
	workers   int
	now       func() time.Time
	logger    *slog.Logger
}

// NewReconciler creates a Reconciler.
func NewReconciler(store PaymentStore, ecosystem EcosystemSync, cfg ReconcilerConfig) *Reconciler {
	r := &Reconciler{
		store:     store,
		ecosystem: ecosystem,
		providers: cfg.Providers,
		plans:     cfg.Plans,
		success:   cfg.SuccessURL,
		cancel:    cfg.CancelURL,
		workers:   cfg.SyncWorkers,
		now:       cfg.Clock,
		logger:    cfg.Logger,
	}
	if r.plans == nil {
		r.plans = NewStaticPlanCatalog()
	}
	if r.workers <= 0 {
		r.workers = 4
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Reconcile moves the record an event refers to out of pending.
//
// Duplicate, late and unknown deliveries are reported through the outcome,
// never as errors; only storage failures return an error. A completed
// transition is forwarded to the hub once, best effort.
func (r *Reconciler) Reconcile(ctx context.Context, ev types.PaymentEvent) (types.ReconcileOutcome, error) {
	key, value := ev.Lookup()
	log := r.logger.With("event_id", ev.EventID(), "event_type", ev.EventType(), string(key), value)
	if value == "" {
		log.WarnContext(ctx, "payment event without lookup key")
		return types.OutcomeIgnored, nil
	}

	var intentID string
	if cc, ok := ev.(types.CheckoutCompleted); ok {
		intentID = cc.PaymentIntentID
	}

	rec, err := r.store.Transition(ctx, key, value, ev.Target(), r.now().UTC(), intentID)
	if err != nil {
		log.ErrorContext(ctx, "payment transition failed", "error", err)
		return "", err
	}

	if rec == nil {
		existing, err := r.store.Get(ctx, key, value)
		if types.HasCode(err, types.ErrCodeNotFoundPayment) {
			log.InfoContext(ctx, "payment event for unknown record")
			return types.OutcomeUnknownRecord, nil
		}
		if err != nil {
			return "", err
		}
		log.InfoContext(ctx, "payment already terminal, event dropped",
			"payment_id", existing.ID,
			"status", existing.Status,
			"target", ev.Target(),
		)
		return types.OutcomeAlreadyTerminal, nil
	}

	log.InfoContext(ctx, "payment transitioned", "payment_id", rec.ID, "status", rec.Status)
	if rec.Status == types.PaymentStatusCompleted {
		r.sync(ctx, rec)
	}
	return types.OutcomeApplied, nil
}

// sync forwards rec to the hub and stamps it on success. Failures are
// logged and leave the record unsynced for BulkSync.
func (r *Reconciler) sync(ctx context.Context, rec *types.PaymentRecord) bool {
	if err := r.ecosystem.SyncPayment(ctx, rec); err != nil {
		r.logger.WarnContext(ctx, "ecosystem payment sync failed", "payment_id", rec.ID, "error", err)
		return false
	}
	if err := r.store.MarkSynced(ctx, rec.ID, r.now().UTC()); err != nil {
		r.logger.WarnContext(ctx, "failed to stamp payment as synced", "payment_id", rec.ID, "error", err)
		return false
	}
	return true
}

// BulkSync forwards up to limit completed payments the hub has not
// acknowledged. Individual failures are counted, not returned.
func (r *Reconciler) BulkSync(ctx context.Context, limit int) (*types.SyncReport, error) {
	if limit <= 0 {
		limit = 100
	}
	payments, err := r.store.ListUnsynced(ctx, limit)
	if err != nil {
		return nil, err
	}

	var synced, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for _, p := range payments {
		g.Go(func() error {
			if r.sync(gctx, p) {
				synced.Add(1)
			} else {
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	report := &types.SyncReport{
		Attempted: len(payments),
		Synced:    int(synced.Load()),
		Failed:    int(failed.Load()),
	}
	r.logger.InfoContext(ctx, "ecosystem bulk sync finished",
		"attempted", report.Attempted,
		"synced", report.Synced,
		"failed", report.Failed,
	)
	return report, nil
}

// AnchorResult pairs the submitted hash with the hub's receipt.
type AnchorResult struct {
	PaymentID string               `json:"paymentId"`
	DataHash  string               `json:"dataHash"`
	Receipt   *types.AnchorReceipt `json:"receipt"`
}

// anchorDocument is the hashed view of a payment. Mutable bookkeeping
// fields are excluded so the hash is stable after sync.
type anchorDocument struct {
	ID            string    `json:"id"`
	CustomerEmail string    `json:"customerEmail"`
	AmountCents   int64     `json:"amountCents"`
	Currency      string    `json:"currency"`
	Plan          string    `json:"plan"`
	Method        string    `json:"paymentMethod"`
	Reference     string    `json:"reference"`
	Status        string    `json:"status"`
	CompletedAt   time.Time `json:"completedAt"`
}

// Anchor hashes a completed payment and submits the hash to the hub.
func (r *Reconciler) Anchor(ctx context.Context, paymentID string) (*AnchorResult, error) {
	p, err := r.store.GetByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status != types.PaymentStatusCompleted || p.CompletedAt == nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidPayload,
			"only completed payments can be anchored", nil)
	}

	ref := p.ProviderSessionID
	if p.PaymentMethod == types.PaymentMethodCrypto {
		ref = p.ProviderChargeID
	}
	hash, err := r.ecosystem.Hash(anchorDocument{
		ID:            p.ID,
		CustomerEmail: p.CustomerEmail,
		AmountCents:   p.AmountCents,
		Currency:      p.Currency,
		Plan:          p.PlanIdentifier,
		Method:        string(p.PaymentMethod),
		Reference:     ref,
		Status:        string(p.Status),
		CompletedAt:   p.CompletedAt.UTC(),
	})
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to hash payment", err)
	}

	receipt, err := r.ecosystem.RequestAnchor(ctx, "payment", p.ID, hash)
	if err != nil {
		return nil, err
	}
	return &AnchorResult{PaymentID: p.ID, DataHash: hash, Receipt: receipt}, nil
}

// CheckoutInput is a request to start a checkout.
type CheckoutInput struct {
	Email  string
	Plan   string
	Method types.PaymentMethod
}

// CheckoutResult is where the browser goes next.
type CheckoutResult struct {
	PaymentID   string `json:"paymentId"`
	RedirectURL string `json:"url"`
}

// CreateCheckout opens a provider session and records it as a pending
// payment. The payment id is sent to the provider as metadata before the
// row exists; if the insert fails the orphaned session simply expires.
func (r *Reconciler) CreateCheckout(ctx context.Context, in CheckoutInput) (*CheckoutResult, error) {
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if email == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "email is required", nil)
	}
	plan, ok := r.plans.Lookup(in.Plan)
	if !ok {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidPayload, "unknown plan: "+in.Plan, nil)
	}
	method := in.Method
	if method == "" {
		method = types.PaymentMethodCard
	}
	provider, ok := r.providers[method]
	if !ok || !method.Valid() {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidPayload,
			"payment method not available: "+string(method), nil)
	}

	id := uuid.NewString()
	session, err := provider.CreateCheckout(ctx, external.CheckoutRequest{
		PaymentID:    id,
		Email:        email,
		AmountCents:  plan.AmountCents,
		Currency:     plan.Currency,
		Plan:         plan.ID,
		Subscription: plan.Subscription,
		Interval:     plan.Interval,
		SuccessURL:   r.success,
		CancelURL:    r.cancel,
	})
	if err != nil {
		r.logger.WarnContext(ctx, "checkout provider rejected session",
			"payment_id", id, "method", method, "plan", plan.ID, "error", err)
		return nil, err
	}

	rec := &types.PaymentRecord{
		ID:             id,
		CustomerEmail:  email,
		AmountCents:    plan.AmountCents,
		Currency:       plan.Currency,
		PlanIdentifier: plan.ID,
		PaymentMethod:  method,
		Status:         types.PaymentStatusPending,
	}
	if method == types.PaymentMethodCrypto {
		rec.ProviderChargeID = session.ProviderID
	} else {
		rec.ProviderSessionID = session.ProviderID
	}
	if err := r.store.Create(ctx, rec); err != nil {
		return nil, err
	}

	r.logger.InfoContext(ctx, "checkout created", "payment_id", id, "method", method, "plan", plan.ID)
	return &CheckoutResult{PaymentID: id, RedirectURL: session.RedirectURL}, nil
}
