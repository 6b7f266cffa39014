package db

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"receiptwise/internal/billing"
)

// BillingStores binds the repositories to a pool and hands out
// transaction-scoped bundles. It implements billing.TxRunner.
type BillingStores struct {
	tx       *TxManager
	subs     *SubscriptionRepo
	receipts *ReceiptRepo
	usage    *UsageWindowRepo
	ledger   *LedgerRepo
}

// NewBillingStores creates the store bundle over a pgx pool.
func NewBillingStores(pool *pgxpool.Pool, logger *slog.Logger) *BillingStores {
	return &BillingStores{
		tx:       NewTxManager(pool),
		subs:     NewSubscriptionRepo(pool, logger),
		receipts: NewReceiptRepo(pool, logger),
		usage:    NewUsageWindowRepo(pool),
		ledger:   NewLedgerRepo(pool),
	}
}

// Subscriptions returns the pool-scoped subscription repository, for reads
// outside a transition transaction.
func (b *BillingStores) Subscriptions() *SubscriptionRepo { return b.subs }

// Receipts returns the pool-scoped receipt repository.
func (b *BillingStores) Receipts() *ReceiptRepo { return b.receipts }

// Usage returns the pool-scoped usage window repository.
func (b *BillingStores) Usage() *UsageWindowRepo { return b.usage }

// Ledger returns the pool-scoped ledger repository.
func (b *BillingStores) Ledger() *LedgerRepo { return b.ledger }

// InTx runs fn against transaction-bound stores. All writes commit together
// or not at all.
func (b *BillingStores) InTx(ctx context.Context, fn func(ctx context.Context, s billing.Stores) error) error {
	return b.tx.RunInTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, billing.Stores{
			Subscriptions: b.subs.WithTx(tx),
			Receipts:      b.receipts.WithTx(tx),
			Usage:         b.usage.WithTx(tx),
			Ledger:        b.ledger.WithTx(tx),
		})
	})
}

var _ billing.TxRunner = (*BillingStores)(nil)
