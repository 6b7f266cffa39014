package billing

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"receiptwise/internal/external"
	"receiptwise/internal/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore is an in-memory implementation of the persistence interfaces,
// used to assert end-state properties of the transition algorithm without a
// database.
type memStore struct {
	mu            sync.Mutex
	subs          map[string]*types.Subscription
	history       []types.HistoryEntry
	receipts      []*types.Receipt
	ledger        []types.LedgerEntry
	usage         map[string]*types.UsageWindow
	nextHistoryID int64
}

func newMemStore() *memStore {
	return &memStore{
		subs:  map[string]*types.Subscription{},
		usage: map[string]*types.UsageWindow{},
	}
}

func (m *memStore) Get(_ context.Context, userID string) (*types.Subscription, error) {
	return m.GetForUpdate(context.Background(), userID)
}

func (m *memStore) GetForUpdate(_ context.Context, userID string) (*types.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[userID]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "no subscription", nil)
	}
	cp := *sub
	if sub.Trial != nil {
		trial := *sub.Trial
		cp.Trial = &trial
	}
	return &cp, nil
}

func (m *memStore) Create(_ context.Context, sub *types.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.UserID]; ok {
		return types.NewAppError(types.ErrCodeInternalDB, "duplicate subscription", nil)
	}
	cp := *sub
	m.subs[sub.UserID] = &cp
	return nil
}

func (m *memStore) Save(_ context.Context, sub *types.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.UserID]; !ok {
		return types.NewAppError(types.ErrCodeNotFoundSubscription, "no subscription", nil)
	}
	cp := *sub
	m.subs[sub.UserID] = &cp
	return nil
}

func (m *memStore) FindByCustomerID(_ context.Context, customerID string) (*types.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.subs {
		if sub.Billing.CustomerID == customerID {
			cp := *sub
			return &cp, nil
		}
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "no subscription for customer", nil)
}

func (m *memStore) CloseOpenHistory(_ context.Context, userID string, endDate time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var closed int64
	for i := range m.history {
		if m.history[i].UserID == userID && m.history[i].EndDate == nil {
			end := endDate
			m.history[i].EndDate = &end
			closed++
		}
	}
	return closed, nil
}

func (m *memStore) AppendHistory(_ context.Context, entry *types.HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextHistoryID++
	e := *entry
	e.ID = m.nextHistoryID
	m.history = append(m.history, e)
	return nil
}

func (m *memStore) CountForAccountSince(_ context.Context, accountID string, windowStart time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, r := range m.receipts {
		if r.AccountID != accountID || r.ExcludeFromMonthlyCount {
			continue
		}
		if r.CreatedAt.Before(windowStart) {
			continue
		}
		// Soft-deleted receipts still count.
		count++
	}
	return count, nil
}

func (m *memStore) ExcludeBefore(_ context.Context, accountID string, cutoff time.Time, previousTier types.Tier, _ int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	excluded := 0
	for _, r := range m.receipts {
		if r.AccountID != accountID || r.ExcludeFromMonthlyCount {
			continue
		}
		if !r.CreatedAt.Before(cutoff) {
			continue
		}
		at := cutoff
		r.ExcludeFromMonthlyCount = true
		r.MonthlyCountExcludedAt = &at
		r.PreviousTier = previousTier
		excluded++
	}
	return excluded, nil
}

func (m *memStore) GetOrCreate(_ context.Context, userID string, month time.Time, limits types.TierLimits, now time.Time) (*types.UsageWindow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := types.UsageWindowID(userID, month)
	if w, ok := m.usage[id]; ok {
		return w, nil
	}
	w := &types.UsageWindow{
		ID:        id,
		UserID:    userID,
		Month:     month.UTC().Format("2006-01"),
		Limits:    limits,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.usage[id] = w
	return w, nil
}

func (m *memStore) SetReceiptCount(_ context.Context, id string, count int, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.usage[id]; ok {
		w.ReceiptsUploaded = count
		w.UpdatedAt = now
	}
	return nil
}

func (m *memStore) Increment(_ context.Context, id, counter string, delta int, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.usage[id]
	if !ok {
		return types.NewAppError(types.ErrCodeNotFoundSubscription, "no usage window", nil)
	}
	switch counter {
	case "api_calls":
		w.APICalls += delta
	case "reports_generated":
		w.ReportsGenerated += delta
	case "receipts_uploaded":
		w.ReceiptsUploaded += delta
	}
	w.UpdatedAt = now
	return nil
}

func (m *memStore) RefreshLimits(_ context.Context, id string, limits types.TierLimits, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.usage[id]; ok {
		w.Limits = limits
		w.UpdatedAt = now
	}
	return nil
}

func (m *memStore) Append(_ context.Context, entry *types.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.ledger {
		if e.UserID == entry.UserID && e.InvoiceID == entry.InvoiceID {
			return nil
		}
	}
	e := *entry
	if e.ID == "" {
		e.ID = fmt.Sprintf("ledger-%d", len(m.ledger)+1)
	}
	m.ledger = append(m.ledger, e)
	return nil
}

// openHistoryEntries returns the entries with a nil EndDate for a user.
func (m *memStore) openHistoryEntries(userID string) []types.HistoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var open []types.HistoryEntry
	for _, e := range m.history {
		if e.UserID == userID && e.EndDate == nil {
			open = append(open, e)
		}
	}
	return open
}

func (m *memStore) historyFor(userID string) []types.HistoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.HistoryEntry
	for _, e := range m.history {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out
}

func (m *memStore) excludedCount(accountID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.receipts {
		if r.AccountID == accountID && r.ExcludeFromMonthlyCount {
			n++
		}
	}
	return n
}

func (m *memStore) addReceipts(accountID string, n int, createdAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		m.receipts = append(m.receipts, &types.Receipt{
			ID:        fmt.Sprintf("%s-r%d", accountID, len(m.receipts)+1),
			UserID:    accountID,
			AccountID: accountID,
			CreatedAt: createdAt,
			Status:    types.ReceiptStatusActive,
		})
	}
}

// fakeTxRunner hands the same memStore to every closure. failWith, when set,
// aborts the transaction before the closure runs.
type fakeTxRunner struct {
	store    *memStore
	failWith error
}

func (f *fakeTxRunner) InTx(ctx context.Context, fn func(ctx context.Context, s Stores) error) error {
	if f.failWith != nil {
		return f.failWith
	}
	return fn(ctx, Stores{
		Subscriptions: f.store,
		Receipts:      f.store,
		Usage:         f.store,
		Ledger:        f.store,
	})
}

// fixedClock returns a constant instant.
type fixedClock struct {
	t time.Time
}

func (c fixedClock) Now() time.Time { return c.t }

// recordingNotifier captures published change messages.
type recordingNotifier struct {
	mu       sync.Mutex
	messages []types.ChangeMessage
}

func (n *recordingNotifier) PublishChange(_ context.Context, msg types.ChangeMessage) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, msg)
}

func (n *recordingNotifier) byType(t types.ChangeEventType) []types.ChangeMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []types.ChangeMessage
	for _, m := range n.messages {
		if m.EventType == t {
			out = append(out, m)
		}
	}
	return out
}

// stubFetcher serves canned subscription snapshots by customer ID.
type stubFetcher struct {
	snapshots map[string]*external.SubscriptionSnapshot
	err       error
}

func (s *stubFetcher) GetSubscription(_ context.Context, customerID string) (*external.SubscriptionSnapshot, error) {
	if s.err != nil {
		return nil, s.err
	}
	if snap, ok := s.snapshots[customerID]; ok {
		return snap, nil
	}
	return &external.SubscriptionSnapshot{
		CustomerID: customerID,
		Tier:       types.TierFree,
		Status:     types.SubStatusActive,
	}, nil
}

// stubEntitlements serves a canned entitlement list.
type stubEntitlements struct {
	entitlements []external.Entitlement
	err          error
}

func (s *stubEntitlements) GetEntitlements(_ context.Context, _ string) ([]external.Entitlement, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.entitlements, nil
}

// memTeams maps member IDs to account holders; unknown users are their own
// account holder.
type memTeams struct {
	members map[string]string
}

func (m *memTeams) AccountHolderFor(_ context.Context, userID string) (string, error) {
	if m.members != nil {
		if accountID, ok := m.members[userID]; ok {
			return accountID, nil
		}
	}
	return userID, nil
}
