// Package handlers contains the HTTP handler implementations for the billing
// API: the Stripe webhook ingestion endpoint and the tier-change endpoint.
//
// The webhook handler is NOT behind auth middleware; it is called directly by
// Stripe and authenticates requests by verifying the Stripe-Signature header.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"receiptwise/internal/billing"
	"receiptwise/internal/core"
	"receiptwise/internal/external"
	"receiptwise/internal/metrics"
	"receiptwise/internal/types"
)

// maxWebhookBodySize caps the accepted webhook payload (64 KB). Stripe
// payloads are small; the limit protects against abuse.
const maxWebhookBodySize = 64 * 1024

// Webhook event types the handler dispatches on. Everything else is
// acknowledged and ignored.
const (
	eventSubscriptionCreated = "customer.subscription.created"
	eventSubscriptionUpdated = "customer.subscription.updated"
	eventSubscriptionDeleted = "customer.subscription.deleted"
	eventCheckoutCompleted   = "checkout.session.completed"
	eventPaymentSucceeded    = "invoice.payment_succeeded"
	eventPaymentFailed       = "invoice.payment_failed"
)

// TransitionApplier is the subset of the state transition applier the webhook
// handler drives. Implemented by billing.Applier.
type TransitionApplier interface {
	Apply(ctx context.Context, in billing.TransitionInput) (*types.TierChangeResult, error)
	ApplyPaymentSucceeded(ctx context.Context, ev billing.PaymentEvent) error
	ApplyPaymentFailed(ctx context.Context, userID, invoiceID string) error
	ApplyCancellation(ctx context.Context, userID string) (*types.TierChangeResult, error)
	UserIDForCustomer(ctx context.Context, customerID string) (string, error)
}

// PriceResolver maps provider price IDs to tiers. The second return value is
// true when the price ID was unrecognized and the free tier was substituted.
// Implemented by billing.Resolver.
type PriceResolver interface {
	ResolveTier(priceID string) (types.Tier, bool)
}

// StripeWebhookHandler ingests asynchronous billing events from Stripe.
type StripeWebhookHandler struct {
	verifier external.WebhookVerifier
	applier  TransitionApplier
	resolver PriceResolver
	recorder metrics.Recorder
	secret   string
	logger   *slog.Logger
}

// NewStripeWebhookHandler creates a StripeWebhookHandler. recorder may be nil
// when metrics are disabled.
func NewStripeWebhookHandler(
	verifier external.WebhookVerifier,
	applier TransitionApplier,
	resolver PriceResolver,
	recorder metrics.Recorder,
	secret string,
	logger *slog.Logger,
) *StripeWebhookHandler {
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeWebhookHandler{
		verifier: verifier,
		applier:  applier,
		resolver: resolver,
		recorder: recorder,
		secret:   secret,
		logger:   logger,
	}
}

// RegisterRoutes mounts the webhook endpoint. Kept separate from the
// authenticated /v1 routes; signature verification replaces token auth here.
func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/stripe", h.Handle)
}

// webhookAck is the acknowledgment body returned for every verified, parseable
// event, including ones whose application failed internally.
type webhookAck struct {
	Received  bool      `json:"received"`
	EventType string    `json:"eventType"`
	EventID   string    `json:"eventId"`
	Timestamp time.Time `json:"timestamp"`
}

// Handle processes an incoming Stripe webhook delivery.
//
// A 400 is returned only for transport-level problems: unreadable body,
// missing or invalid signature, unparseable JSON. Once the event is verified
// and parsed, the response is always 200; application failures are logged and
// left to Stripe's redelivery, which the idempotent applier absorbs.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.WarnContext(r.Context(), "failed to read webhook body", "error", err)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationInvalidPayload,
			"failed to read request body",
			err,
		))
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if sigHeader == "" {
		h.logger.WarnContext(r.Context(), "missing Stripe-Signature header")
		core.Error(w, r, types.NewAppError(
			types.ErrCodeSignatureMissing,
			"missing Stripe-Signature header",
			nil,
		))
		return
	}

	if err := h.verifier.Verify(payload, sigHeader, h.secret); err != nil {
		h.logger.WarnContext(r.Context(), "webhook signature verification failed", "error", err)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeSignatureInvalid,
			"webhook signature verification failed",
			err,
		))
		return
	}

	var event stripeWebhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		h.logger.WarnContext(r.Context(), "failed to parse webhook event JSON", "error", err)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationInvalidPayload,
			"invalid webhook event JSON",
			err,
		))
		return
	}

	h.logger.InfoContext(r.Context(), "processing stripe webhook event",
		"event_id", event.ID,
		"event_type", event.Type,
	)

	result := metrics.ResultOK
	if err := h.routeEvent(r.Context(), &event); err != nil {
		result = metrics.ResultError
		h.logger.ErrorContext(r.Context(), "webhook event processing failed",
			"event_id", event.ID,
			"event_type", event.Type,
			"error", err,
		)
		// Acknowledged anyway. Stripe redelivers on non-200 responses and
		// the failure is already durable in the logs.
	}
	h.recorder.RecordEvent(r.Context(), event.Type, result)

	core.JSON(w, r, http.StatusOK, webhookAck{
		Received:  true,
		EventType: event.Type,
		EventID:   event.ID,
		Timestamp: time.Now().UTC(),
	})
}

func (h *StripeWebhookHandler) routeEvent(ctx context.Context, event *stripeWebhookEvent) error {
	switch event.Type {
	case eventSubscriptionCreated, eventSubscriptionUpdated:
		return h.handleSubscriptionChange(ctx, event)

	case eventSubscriptionDeleted:
		return h.handleSubscriptionDeleted(ctx, event)

	case eventCheckoutCompleted:
		return h.handleCheckoutCompleted(ctx, event)

	case eventPaymentSucceeded:
		return h.handlePaymentSucceeded(ctx, event)

	case eventPaymentFailed:
		return h.handlePaymentFailed(ctx, event)

	default:
		h.logger.InfoContext(ctx, "ignoring unhandled webhook event type",
			"event_type", event.Type,
		)
		return nil
	}
}

// handleSubscriptionChange processes subscription created/updated events. The
// target tier comes from the price ID on the first subscription item; an
// unknown price resolves to free rather than rejecting the event.
func (h *StripeWebhookHandler) handleSubscriptionChange(ctx context.Context, event *stripeWebhookEvent) error {
	sub, err := event.subscriptionObject()
	if err != nil {
		return fmt.Errorf("%s: %w", event.Type, err)
	}

	userID, err := h.resolveUserID(ctx, sub.Metadata, sub.Customer)
	if err != nil {
		return fmt.Errorf("%s: resolving user for event %s: %w", event.Type, event.ID, err)
	}

	// An update carrying canceled status is a cancellation regardless of
	// which event type delivered it first.
	status := mapProviderStatus(sub.Status)
	if status == types.SubStatusCanceled {
		_, err := h.applier.ApplyCancellation(ctx, userID)
		return err
	}

	priceID := sub.priceID()
	tier, defaulted := h.resolver.ResolveTier(priceID)
	if defaulted {
		h.logger.WarnContext(ctx, "unknown price on subscription event, defaulting to free",
			"event_id", event.ID,
			"price_id", priceID,
		)
	}

	result, err := h.applier.Apply(ctx, billing.TransitionInput{
		UserID:       userID,
		TargetTier:   tier,
		TargetStatus: status,
		Billing: types.BillingInfo{
			CustomerID:         sub.Customer,
			SubscriptionID:     sub.ID,
			PriceID:            priceID,
			CurrentPeriodStart: unixTimePtr(sub.CurrentPeriodStart),
			CurrentPeriodEnd:   unixTimePtr(sub.CurrentPeriodEnd),
			TrialEnd:           unixTimePtr(sub.TrialEnd),
		},
		CancelAtPeriodEnd: &sub.CancelAtPeriodEnd,
	})
	if err != nil {
		return err
	}
	if result.Changed {
		h.recorder.RecordTransition(ctx, result.ToTier, result.ReceiptsExcluded)
	}
	return nil
}

func (h *StripeWebhookHandler) handleSubscriptionDeleted(ctx context.Context, event *stripeWebhookEvent) error {
	sub, err := event.subscriptionObject()
	if err != nil {
		return fmt.Errorf("%s: %w", event.Type, err)
	}

	userID, err := h.resolveUserID(ctx, sub.Metadata, sub.Customer)
	if err != nil {
		return fmt.Errorf("%s: resolving user for event %s: %w", event.Type, event.ID, err)
	}

	_, err = h.applier.ApplyCancellation(ctx, userID)
	return err
}

// handleCheckoutCompleted confirms a completed checkout. The authoritative
// tier arrives on the subscription event that follows; this handler only
// applies an explicit tier carried in the session metadata.
func (h *StripeWebhookHandler) handleCheckoutCompleted(ctx context.Context, event *stripeWebhookEvent) error {
	session, err := event.checkoutSessionObject()
	if err != nil {
		return fmt.Errorf("%s: %w", event.Type, err)
	}

	userID := session.ClientReferenceID
	if userID == "" {
		userID = session.Metadata["user_id"]
	}
	if userID == "" {
		var resolveErr error
		userID, resolveErr = h.resolveUserID(ctx, nil, session.Customer)
		if resolveErr != nil {
			return fmt.Errorf("%s: resolving user for event %s: %w", event.Type, event.ID, resolveErr)
		}
	}

	tier := types.Tier(session.Metadata["tier"])
	if !tier.IsPaid() {
		h.logger.InfoContext(ctx, "checkout completed without tier metadata, deferring to subscription event",
			"event_id", event.ID,
			"user_id", userID,
		)
		return nil
	}

	result, err := h.applier.Apply(ctx, billing.TransitionInput{
		UserID:       userID,
		TargetTier:   tier,
		TargetStatus: types.SubStatusActive,
		Billing: types.BillingInfo{
			CustomerID:     session.Customer,
			SubscriptionID: session.Subscription,
		},
	})
	if err != nil {
		return err
	}
	if result.Changed {
		h.recorder.RecordTransition(ctx, result.ToTier, result.ReceiptsExcluded)
	}
	return nil
}

func (h *StripeWebhookHandler) handlePaymentSucceeded(ctx context.Context, event *stripeWebhookEvent) error {
	invoice, err := event.invoiceObject()
	if err != nil {
		return fmt.Errorf("%s: %w", event.Type, err)
	}

	userID, err := h.resolveInvoiceUserID(ctx, invoice)
	if err != nil {
		return fmt.Errorf("%s: resolving user for event %s: %w", event.Type, event.ID, err)
	}

	return h.applier.ApplyPaymentSucceeded(ctx, billing.PaymentEvent{
		UserID:      userID,
		CustomerID:  invoice.Customer,
		InvoiceID:   invoice.ID,
		AmountCents: invoice.AmountPaid,
		Currency:    invoice.Currency,
		PeriodStart: time.Unix(invoice.PeriodStart, 0).UTC(),
		PeriodEnd:   time.Unix(invoice.PeriodEnd, 0).UTC(),
	})
}

func (h *StripeWebhookHandler) handlePaymentFailed(ctx context.Context, event *stripeWebhookEvent) error {
	invoice, err := event.invoiceObject()
	if err != nil {
		return fmt.Errorf("%s: %w", event.Type, err)
	}

	userID, err := h.resolveInvoiceUserID(ctx, invoice)
	if err != nil {
		return fmt.Errorf("%s: resolving user for event %s: %w", event.Type, event.ID, err)
	}

	h.logger.WarnContext(ctx, "processing payment failure",
		"event_id", event.ID,
		"user_id", userID,
		"invoice_id", invoice.ID,
	)
	return h.applier.ApplyPaymentFailed(ctx, userID, invoice.ID)
}

// resolveUserID prefers the user_id stamped in event metadata, then falls back
// to the stored customer mapping.
func (h *StripeWebhookHandler) resolveUserID(ctx context.Context, metadata map[string]string, customerID string) (string, error) {
	if id := metadata["user_id"]; id != "" {
		return id, nil
	}
	if customerID == "" {
		return "", types.NewAppError(types.ErrCodeValidationInvalidUserID, "event carries neither user_id metadata nor a customer ID", nil)
	}
	return h.applier.UserIDForCustomer(ctx, customerID)
}

func (h *StripeWebhookHandler) resolveInvoiceUserID(ctx context.Context, invoice *stripeInvoiceObj) (string, error) {
	if invoice.SubscriptionDetails != nil {
		if id := invoice.SubscriptionDetails.Metadata["user_id"]; id != "" {
			return id, nil
		}
	}
	return h.resolveUserID(ctx, invoice.Metadata, invoice.Customer)
}

// mapProviderStatus folds Stripe's status vocabulary into the local one.
// Unrecognized statuses read as active so a provider-side addition cannot
// silently strip access.
func mapProviderStatus(status string) types.SubscriptionStatus {
	switch status {
	case "active", "trialing":
		return types.SubStatusActive
	case "past_due", "unpaid":
		return types.SubStatusPastDue
	case "canceled":
		return types.SubStatusCanceled
	case "incomplete", "incomplete_expired":
		return types.SubStatusIncomplete
	default:
		return types.SubStatusActive
	}
}

func unixTimePtr(sec int64) *time.Time {
	if sec == 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

// ---------------------------------------------------------------------------
// Stripe event parsing
// ---------------------------------------------------------------------------

// stripeWebhookEvent is a minimal projection of a Stripe event carrying only
// the fields routing and processing need. The full stripe.Event type is
// deliberately not imported here; the handler stays decoupled from the SDK's
// payload structs.
type stripeWebhookEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

type stripeSubscriptionObj struct {
	ID                 string            `json:"id"`
	Customer           string            `json:"customer"`
	Status             string            `json:"status"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	TrialEnd           int64             `json:"trial_end"`
	Metadata           map[string]string `json:"metadata"`
	Items              stripeSubItems    `json:"items"`
}

type stripeSubItems struct {
	Data []stripeSubItem `json:"data"`
}

type stripeSubItem struct {
	Price stripeSubPrice `json:"price"`
}

type stripeSubPrice struct {
	ID string `json:"id"`
}

func (s *stripeSubscriptionObj) priceID() string {
	if len(s.Items.Data) == 0 {
		return ""
	}
	return s.Items.Data[0].Price.ID
}

type stripeCheckoutSessionObj struct {
	ClientReferenceID string            `json:"client_reference_id"`
	Customer          string            `json:"customer"`
	Subscription      string            `json:"subscription"`
	Metadata          map[string]string `json:"metadata"`
}

type stripeInvoiceObj struct {
	ID                  string            `json:"id"`
	Customer            string            `json:"customer"`
	AmountPaid          int64             `json:"amount_paid"`
	Currency            string            `json:"currency"`
	PeriodStart         int64             `json:"period_start"`
	PeriodEnd           int64             `json:"period_end"`
	Metadata            map[string]string `json:"metadata"`
	SubscriptionDetails *stripeSubDetails `json:"subscription_details"`
}

type stripeSubDetails struct {
	Metadata map[string]string `json:"metadata"`
}

func (e *stripeWebhookEvent) subscriptionObject() (*stripeSubscriptionObj, error) {
	var sub stripeSubscriptionObj
	if err := json.Unmarshal(e.Data.Object, &sub); err != nil {
		return nil, fmt.Errorf("parsing subscription object: %w", err)
	}
	return &sub, nil
}

func (e *stripeWebhookEvent) checkoutSessionObject() (*stripeCheckoutSessionObj, error) {
	var session stripeCheckoutSessionObj
	if err := json.Unmarshal(e.Data.Object, &session); err != nil {
		return nil, fmt.Errorf("parsing checkout session object: %w", err)
	}
	return &session, nil
}

func (e *stripeWebhookEvent) invoiceObject() (*stripeInvoiceObj, error) {
	var invoice stripeInvoiceObj
	if err := json.Unmarshal(e.Data.Object, &invoice); err != nil {
		return nil, fmt.Errorf("parsing invoice object: %w", err)
	}
	return &invoice, nil
}
