package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"receiptwise/internal/billing"
	"receiptwise/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ---------------------------------------------------------------------------
// Mock Implementations
// ---------------------------------------------------------------------------

type mockWebhookVerifier struct {
	shouldFail bool
}

func (m *mockWebhookVerifier) Verify(payload []byte, header string, secret string) error {
	if m.shouldFail {
		return errors.New("signature verification failed")
	}
	return nil
}

type mockApplier struct {
	applyCalls        []billing.TransitionInput
	paymentCalls      []billing.PaymentEvent
	failureCalls      []paymentFailureCall
	cancellationCalls []string

	applyErr        error
	paymentErr      error
	failureErr      error
	cancellationErr error

	customerUsers map[string]string
	applyResult   *types.TierChangeResult
}

type paymentFailureCall struct {
	UserID    string
	InvoiceID string
}

func newMockApplier() *mockApplier {
	return &mockApplier{
		customerUsers: map[string]string{},
		applyResult:   &types.TierChangeResult{},
	}
}

func (m *mockApplier) Apply(_ context.Context, in billing.TransitionInput) (*types.TierChangeResult, error) {
	m.applyCalls = append(m.applyCalls, in)
	if m.applyErr != nil {
		return nil, m.applyErr
	}
	return m.applyResult, nil
}

func (m *mockApplier) ApplyPaymentSucceeded(_ context.Context, ev billing.PaymentEvent) error {
	m.paymentCalls = append(m.paymentCalls, ev)
	return m.paymentErr
}

func (m *mockApplier) ApplyPaymentFailed(_ context.Context, userID, invoiceID string) error {
	m.failureCalls = append(m.failureCalls, paymentFailureCall{UserID: userID, InvoiceID: invoiceID})
	return m.failureErr
}

func (m *mockApplier) ApplyCancellation(_ context.Context, userID string) (*types.TierChangeResult, error) {
	m.cancellationCalls = append(m.cancellationCalls, userID)
	if m.cancellationErr != nil {
		return nil, m.cancellationErr
	}
	return &types.TierChangeResult{Changed: true, ToTier: types.TierFree}, nil
}

func (m *mockApplier) UserIDForCustomer(_ context.Context, customerID string) (string, error) {
	if id, ok := m.customerUsers[customerID]; ok {
		return id, nil
	}
	return "", types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
}

type mockPriceResolver struct {
	prices map[string]types.Tier
}

func (m *mockPriceResolver) ResolveTier(priceID string) (types.Tier, bool) {
	if tier, ok := m.prices[priceID]; ok {
		return tier, false
	}
	return types.TierFree, true
}

// ---------------------------------------------------------------------------
// Test Helpers
// ---------------------------------------------------------------------------

func buildStripeEvent(eventType, eventID string, dataObject any) []byte {
	objBytes, _ := json.Marshal(dataObject)
	event := map[string]any{
		"id":      eventID,
		"type":    eventType,
		"created": time.Now().Unix(),
		"data": map[string]any{
			"object": json.RawMessage(objBytes),
		},
	}
	b, _ := json.Marshal(event)
	return b
}

func buildSubscriptionEvent(eventType, userID, priceID, status string) []byte {
	obj := map[string]any{
		"id":                   "sub_test_123",
		"customer":             "cus_test_123",
		"status":               status,
		"cancel_at_period_end": false,
		"current_period_start": int64(1767225600),
		"current_period_end":   int64(1769904000),
		"metadata":             map[string]string{"user_id": userID},
		"items": map[string]any{
			"data": []map[string]any{
				{"price": map[string]any{"id": priceID}},
			},
		},
	}
	return buildStripeEvent(eventType, "evt_sub_1", obj)
}

func buildInvoiceEvent(eventType, userID string) []byte {
	obj := map[string]any{
		"id":           "in_test_9",
		"customer":     "cus_test_123",
		"amount_paid":  int64(1999),
		"currency":     "usd",
		"period_start": int64(1767225600),
		"period_end":   int64(1769904000),
		"subscription_details": map[string]any{
			"metadata": map[string]string{"user_id": userID},
		},
	}
	return buildStripeEvent(eventType, "evt_inv_1", obj)
}

func newTestWebhookHandler(verifier *mockWebhookVerifier, applier *mockApplier) *StripeWebhookHandler {
	resolver := &mockPriceResolver{prices: map[string]types.Tier{
		"price_growth":  types.TierGrowth,
		"price_starter": types.TierStarter,
	}}
	return NewStripeWebhookHandler(verifier, applier, resolver, nil, "whsec_test_secret", testLogger())
}

func doWebhookRequest(handler *StripeWebhookHandler, body []byte, sigHeader string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(body))
	if sigHeader != "" {
		req.Header.Set("Stripe-Signature", sigHeader)
	}
	rr := httptest.NewRecorder()
	handler.Handle(rr, req)
	return rr
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var errResp map[string]map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	code, _ := errResp["error"]["code"].(string)
	return code
}

func decodeAck(t *testing.T, rr *httptest.ResponseRecorder) webhookAck {
	t.Helper()
	var ack webhookAck
	if err := json.Unmarshal(rr.Body.Bytes(), &ack); err != nil {
		t.Fatalf("failed to decode ack: %v", err)
	}
	return ack
}

// ---------------------------------------------------------------------------
// Tests: transport-level rejections
// ---------------------------------------------------------------------------

func TestWebhook_MissingSignature(t *testing.T) {
	handler := newTestWebhookHandler(&mockWebhookVerifier{}, newMockApplier())

	rr := doWebhookRequest(handler, buildSubscriptionEvent(eventSubscriptionUpdated, "user-1", "price_growth", "active"), "")

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected status %d, got %d", http.StatusBadRequest, rr.Code)
	}
	if code := errorCode(t, rr); code != string(types.ErrCodeSignatureMissing) {
		t.Errorf("expected error code %q, got %q", types.ErrCodeSignatureMissing, code)
	}
}

func TestWebhook_InvalidSignature(t *testing.T) {
	applier := newMockApplier()
	handler := newTestWebhookHandler(&mockWebhookVerifier{shouldFail: true}, applier)

	rr := doWebhookRequest(handler, buildSubscriptionEvent(eventSubscriptionUpdated, "user-1", "price_growth", "active"), "t=123,v1=bad")

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected status %d, got %d", http.StatusBadRequest, rr.Code)
	}
	if code := errorCode(t, rr); code != string(types.ErrCodeSignatureInvalid) {
		t.Errorf("expected error code %q, got %q", types.ErrCodeSignatureInvalid, code)
	}
	if len(applier.applyCalls) != 0 {
		t.Error("unverified event must not reach the applier")
	}
}

func TestWebhook_MalformedJSON(t *testing.T) {
	handler := newTestWebhookHandler(&mockWebhookVerifier{}, newMockApplier())

	rr := doWebhookRequest(handler, []byte("{not json"), "t=123,v1=sig")

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected status %d, got %d", http.StatusBadRequest, rr.Code)
	}
	if code := errorCode(t, rr); code != string(types.ErrCodeValidationInvalidPayload) {
		t.Errorf("expected error code %q, got %q", types.ErrCodeValidationInvalidPayload, code)
	}
}

// ---------------------------------------------------------------------------
// Tests: event dispatch
// ---------------------------------------------------------------------------

func TestWebhook_SubscriptionUpdated_AppliesTransition(t *testing.T) {
	applier := newMockApplier()
	handler := newTestWebhookHandler(&mockWebhookVerifier{}, applier)

	rr := doWebhookRequest(handler, buildSubscriptionEvent(eventSubscriptionUpdated, "user-1", "price_growth", "active"), "t=123,v1=sig")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	ack := decodeAck(t, rr)
	if !ack.Received || ack.EventType != eventSubscriptionUpdated || ack.EventID != "evt_sub_1" {
		t.Errorf("unexpected ack %+v", ack)
	}

	if len(applier.applyCalls) != 1 {
		t.Fatalf("expected 1 Apply call, got %d", len(applier.applyCalls))
	}
	in := applier.applyCalls[0]
	if in.UserID != "user-1" || in.TargetTier != types.TierGrowth || in.TargetStatus != types.SubStatusActive {
		t.Errorf("unexpected transition input %+v", in)
	}
	if in.Billing.CustomerID != "cus_test_123" || in.Billing.SubscriptionID != "sub_test_123" || in.Billing.PriceID != "price_growth" {
		t.Errorf("unexpected billing metadata %+v", in.Billing)
	}
	if in.Billing.CurrentPeriodStart == nil || in.Billing.CurrentPeriodStart.Unix() != 1767225600 {
		t.Errorf("unexpected period start %v", in.Billing.CurrentPeriodStart)
	}
}

func TestWebhook_UnknownPriceDefaultsToFree(t *testing.T) {
	applier := newMockApplier()
	handler := newTestWebhookHandler(&mockWebhookVerifier{}, applier)

	rr := doWebhookRequest(handler, buildSubscriptionEvent(eventSubscriptionCreated, "user-1", "price_mystery", "active"), "t=123,v1=sig")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if len(applier.applyCalls) != 1 {
		t.Fatalf("expected 1 Apply call, got %d", len(applier.applyCalls))
	}
	if got := applier.applyCalls[0].TargetTier; got != types.TierFree {
		t.Errorf("unknown price resolved to %q, want free", got)
	}
}

// Wires the production resolver rather than the mock so that the two sides of
// the (tier, defaulted) contract are exercised together.
func TestWebhook_ProductionResolverWarnsOnlyOnUnknownPrice(t *testing.T) {
	var logBuf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logBuf, nil))
	resolver := billing.NewResolver(map[string]types.Tier{
		"price_growth": types.TierGrowth,
	}, nil, logger)

	applier := newMockApplier()
	handler := NewStripeWebhookHandler(&mockWebhookVerifier{}, applier, resolver, nil, "whsec_test_secret", logger)

	doWebhookRequest(handler, buildSubscriptionEvent(eventSubscriptionUpdated, "user-1", "price_growth", "active"), "t=123,v1=sig")
	if len(applier.applyCalls) != 1 || applier.applyCalls[0].TargetTier != types.TierGrowth {
		t.Fatalf("known price must apply its mapped tier, got %+v", applier.applyCalls)
	}
	if strings.Contains(logBuf.String(), "unknown price") {
		t.Errorf("known price must not log the unknown-price warning:\n%s", logBuf.String())
	}

	logBuf.Reset()
	doWebhookRequest(handler, buildSubscriptionEvent(eventSubscriptionUpdated, "user-1", "price_mystery", "active"), "t=123,v1=sig")
	if len(applier.applyCalls) != 2 || applier.applyCalls[1].TargetTier != types.TierFree {
		t.Fatalf("unknown price must default to free, got %+v", applier.applyCalls)
	}
	if !strings.Contains(logBuf.String(), "unknown price") {
		t.Errorf("unknown price must log the unknown-price warning:\n%s", logBuf.String())
	}
}

func TestWebhook_PastDueStatusKeepsTierPath(t *testing.T) {
	applier := newMockApplier()
	handler := newTestWebhookHandler(&mockWebhookVerifier{}, applier)

	doWebhookRequest(handler, buildSubscriptionEvent(eventSubscriptionUpdated, "user-1", "price_growth", "past_due"), "t=123,v1=sig")

	if len(applier.applyCalls) != 1 {
		t.Fatalf("expected 1 Apply call, got %d", len(applier.applyCalls))
	}
	if got := applier.applyCalls[0].TargetStatus; got != types.SubStatusPastDue {
		t.Errorf("status = %q, want past_due", got)
	}
}

func TestWebhook_UpdatedWithCanceledStatusCancels(t *testing.T) {
	applier := newMockApplier()
	handler := newTestWebhookHandler(&mockWebhookVerifier{}, applier)

	doWebhookRequest(handler, buildSubscriptionEvent(eventSubscriptionUpdated, "user-1", "price_growth", "canceled"), "t=123,v1=sig")

	if len(applier.applyCalls) != 0 {
		t.Error("canceled status must not go through the tier-change path")
	}
	if len(applier.cancellationCalls) != 1 || applier.cancellationCalls[0] != "user-1" {
		t.Errorf("unexpected cancellation calls %v", applier.cancellationCalls)
	}
}

func TestWebhook_SubscriptionDeleted_Cancels(t *testing.T) {
	applier := newMockApplier()
	handler := newTestWebhookHandler(&mockWebhookVerifier{}, applier)

	rr := doWebhookRequest(handler, buildSubscriptionEvent(eventSubscriptionDeleted, "user-1", "price_growth", "canceled"), "t=123,v1=sig")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if len(applier.cancellationCalls) != 1 || applier.cancellationCalls[0] != "user-1" {
		t.Errorf("unexpected cancellation calls %v", applier.cancellationCalls)
	}
}

func TestWebhook_UserResolutionFallsBackToCustomerLookup(t *testing.T) {
	applier := newMockApplier()
	applier.customerUsers["cus_known"] = "user-42"
	handler := newTestWebhookHandler(&mockWebhookVerifier{}, applier)

	obj := map[string]any{
		"id":       "sub_test_456",
		"customer": "cus_known",
		"status":   "active",
		"items": map[string]any{
			"data": []map[string]any{
				{"price": map[string]any{"id": "price_starter"}},
			},
		},
	}
	rr := doWebhookRequest(handler, buildStripeEvent(eventSubscriptionUpdated, "evt_sub_2", obj), "t=123,v1=sig")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if len(applier.applyCalls) != 1 || applier.applyCalls[0].UserID != "user-42" {
		t.Errorf("unexpected apply calls %+v", applier.applyCalls)
	}
}

func TestWebhook_CheckoutWithoutTierMetadataDefers(t *testing.T) {
	applier := newMockApplier()
	handler := newTestWebhookHandler(&mockWebhookVerifier{}, applier)

	obj := map[string]any{
		"client_reference_id": "user-1",
		"customer":            "cus_test_123",
		"subscription":        "sub_test_123",
	}
	rr := doWebhookRequest(handler, buildStripeEvent(eventCheckoutCompleted, "evt_co_1", obj), "t=123,v1=sig")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if len(applier.applyCalls) != 0 {
		t.Error("checkout without tier metadata must not apply a transition")
	}
}

func TestWebhook_CheckoutWithTierMetadataApplies(t *testing.T) {
	applier := newMockApplier()
	handler := newTestWebhookHandler(&mockWebhookVerifier{}, applier)

	obj := map[string]any{
		"client_reference_id": "user-1",
		"customer":            "cus_test_123",
		"subscription":        "sub_test_123",
		"metadata":            map[string]string{"tier": "professional"},
	}
	doWebhookRequest(handler, buildStripeEvent(eventCheckoutCompleted, "evt_co_2", obj), "t=123,v1=sig")

	if len(applier.applyCalls) != 1 {
		t.Fatalf("expected 1 Apply call, got %d", len(applier.applyCalls))
	}
	in := applier.applyCalls[0]
	if in.UserID != "user-1" || in.TargetTier != types.TierProfessional {
		t.Errorf("unexpected transition input %+v", in)
	}
}

func TestWebhook_PaymentSucceeded(t *testing.T) {
	applier := newMockApplier()
	handler := newTestWebhookHandler(&mockWebhookVerifier{}, applier)

	rr := doWebhookRequest(handler, buildInvoiceEvent(eventPaymentSucceeded, "user-1"), "t=123,v1=sig")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if len(applier.paymentCalls) != 1 {
		t.Fatalf("expected 1 payment call, got %d", len(applier.paymentCalls))
	}
	ev := applier.paymentCalls[0]
	if ev.UserID != "user-1" || ev.InvoiceID != "in_test_9" || ev.AmountCents != 1999 || ev.Currency != "usd" {
		t.Errorf("unexpected payment event %+v", ev)
	}
	if ev.PeriodStart.Unix() != 1767225600 || ev.PeriodEnd.Unix() != 1769904000 {
		t.Errorf("unexpected period bounds %v %v", ev.PeriodStart, ev.PeriodEnd)
	}
}

func TestWebhook_PaymentFailed(t *testing.T) {
	applier := newMockApplier()
	handler := newTestWebhookHandler(&mockWebhookVerifier{}, applier)

	doWebhookRequest(handler, buildInvoiceEvent(eventPaymentFailed, "user-1"), "t=123,v1=sig")

	if len(applier.failureCalls) != 1 {
		t.Fatalf("expected 1 failure call, got %d", len(applier.failureCalls))
	}
	call := applier.failureCalls[0]
	if call.UserID != "user-1" || call.InvoiceID != "in_test_9" {
		t.Errorf("unexpected failure call %+v", call)
	}
}

// ---------------------------------------------------------------------------
// Tests: acknowledgment policy
// ---------------------------------------------------------------------------

func TestWebhook_ApplicationErrorStillAcks(t *testing.T) {
	applier := newMockApplier()
	applier.applyErr = types.NewAppError(types.ErrCodeInternalDB, "database down", nil)
	handler := newTestWebhookHandler(&mockWebhookVerifier{}, applier)

	rr := doWebhookRequest(handler, buildSubscriptionEvent(eventSubscriptionUpdated, "user-1", "price_growth", "active"), "t=123,v1=sig")

	if rr.Code != http.StatusOK {
		t.Fatalf("application error must still ack with 200, got %d", rr.Code)
	}
	ack := decodeAck(t, rr)
	if !ack.Received {
		t.Errorf("unexpected ack %+v", ack)
	}
}

func TestWebhook_UnhandledEventTypeAcks(t *testing.T) {
	applier := newMockApplier()
	handler := newTestWebhookHandler(&mockWebhookVerifier{}, applier)

	rr := doWebhookRequest(handler, buildStripeEvent("customer.created", "evt_cust_1", map[string]any{"id": "cus_1"}), "t=123,v1=sig")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	ack := decodeAck(t, rr)
	if !ack.Received || ack.EventType != "customer.created" {
		t.Errorf("unexpected ack %+v", ack)
	}
	if len(applier.applyCalls)+len(applier.paymentCalls)+len(applier.cancellationCalls) != 0 {
		t.Error("unhandled event must not reach the applier")
	}
}
