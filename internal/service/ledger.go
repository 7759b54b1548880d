package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"marketplace-service/internal/entity"
	"marketplace-service/internal/repository"
)

// Ledger keeps escrow bookkeeping for orders. Every movement is written as a
// balanced pair of entries together with the wallet aggregates, in one
// transaction.
type Ledger struct {
	store repository.Store
	now   func() time.Time
}

func NewLedger(store repository.Store) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// Hold moves amount from the buyer into the supplier's escrow.
func (l *Ledger) Hold(ctx context.Context, orderID string, amount decimal.Decimal) error {
	return l.store.WithTx(ctx, func(r repository.Repos) error {
		o, err := r.Orders.GetForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		return l.hold(ctx, r, o, amount)
	})
}

// Release moves amount of the order's escrow into the supplier's available
// balance.
func (l *Ledger) Release(ctx context.Context, orderID, toParty string, amount decimal.Decimal) error {
	return l.store.WithTx(ctx, func(r repository.Repos) error {
		o, err := r.Orders.GetForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		return l.release(ctx, r, o, toParty, amount)
	})
}

// Refund returns amount of the order's escrow to the buyer.
func (l *Ledger) Refund(ctx context.Context, orderID, toParty string, amount decimal.Decimal) error {
	return l.store.WithTx(ctx, func(r repository.Repos) error {
		o, err := r.Orders.GetForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		return l.refund(ctx, r, o, toParty, amount)
	})
}

func (l *Ledger) Balance(ctx context.Context, partyID string) (*entity.Wallet, error) {
	return l.store.Repos().Wallets.Get(ctx, partyID)
}

func (l *Ledger) Entries(ctx context.Context, orderID string) ([]*entity.LedgerEntry, error) {
	return l.store.Repos().Wallets.Entries(ctx, orderID)
}

func (l *Ledger) hold(ctx context.Context, r repository.Repos, o *entity.Order, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("hold of %s on order %s: %w", amount, o.ID, entity.ErrInvalidArgument)
	}
	if o.SupplierID == "" {
		return fmt.Errorf("hold on order %s without supplier: %w", o.ID, entity.ErrLedgerInvariant)
	}

	now := l.now()
	w, err := r.Wallets.GetForUpdate(ctx, o.SupplierID)
	if err != nil {
		return err
	}
	w.EscrowHeld = w.EscrowHeld.Add(amount)
	w.UpdatedAt = now
	if err := r.Wallets.Save(ctx, w); err != nil {
		return err
	}

	return r.Wallets.AppendEntries(ctx,
		l.entry(o.ID, o.BuyerID, entity.BucketExternal, entity.LedgerHold, amount.Neg(), now),
		l.entry(o.ID, o.SupplierID, entity.BucketEscrow, entity.LedgerHold, amount, now),
	)
}

func (l *Ledger) release(ctx context.Context, r repository.Repos, o *entity.Order, toParty string, amount decimal.Decimal) error {
	if toParty != o.SupplierID {
		return fmt.Errorf("release on order %s to %s, supplier is %s: %w", o.ID, toParty, o.SupplierID, entity.ErrInvalidArgument)
	}
	if err := l.checkHeld(ctx, r, o, amount); err != nil {
		return err
	}

	now := l.now()
	w, err := r.Wallets.GetForUpdate(ctx, o.SupplierID)
	if err != nil {
		return err
	}
	if w.EscrowHeld.LessThan(amount) {
		return fmt.Errorf("wallet %s holds %s, release %s: %w", w.PartyID, w.EscrowHeld, amount, entity.ErrLedgerInvariant)
	}
	w.EscrowHeld = w.EscrowHeld.Sub(amount)
	w.Available = w.Available.Add(amount)
	w.TotalEarned = w.TotalEarned.Add(amount)
	w.UpdatedAt = now
	if err := r.Wallets.Save(ctx, w); err != nil {
		return err
	}

	return r.Wallets.AppendEntries(ctx,
		l.entry(o.ID, o.SupplierID, entity.BucketEscrow, entity.LedgerRelease, amount.Neg(), now),
		l.entry(o.ID, o.SupplierID, entity.BucketAvailable, entity.LedgerRelease, amount, now),
	)
}

func (l *Ledger) refund(ctx context.Context, r repository.Repos, o *entity.Order, toParty string, amount decimal.Decimal) error {
	if toParty != o.BuyerID {
		return fmt.Errorf("refund on order %s to %s, buyer is %s: %w", o.ID, toParty, o.BuyerID, entity.ErrInvalidArgument)
	}
	if err := l.checkHeld(ctx, r, o, amount); err != nil {
		return err
	}

	now := l.now()
	escrow, err := r.Wallets.GetForUpdate(ctx, o.SupplierID)
	if err != nil {
		return err
	}
	if escrow.EscrowHeld.LessThan(amount) {
		return fmt.Errorf("wallet %s holds %s, refund %s: %w", escrow.PartyID, escrow.EscrowHeld, amount, entity.ErrLedgerInvariant)
	}
	buyer, err := r.Wallets.GetForUpdate(ctx, o.BuyerID)
	if err != nil {
		return err
	}

	escrow.EscrowHeld = escrow.EscrowHeld.Sub(amount)
	escrow.UpdatedAt = now
	buyer.Available = buyer.Available.Add(amount)
	buyer.UpdatedAt = now
	if err := r.Wallets.Save(ctx, escrow); err != nil {
		return err
	}
	if err := r.Wallets.Save(ctx, buyer); err != nil {
		return err
	}

	return r.Wallets.AppendEntries(ctx,
		l.entry(o.ID, o.SupplierID, entity.BucketEscrow, entity.LedgerRefund, amount.Neg(), now),
		l.entry(o.ID, o.BuyerID, entity.BucketAvailable, entity.LedgerRefund, amount, now),
	)
}

// checkHeld rejects non-positive amounts and amounts above what the order
// still has in escrow.
func (l *Ledger) checkHeld(ctx context.Context, r repository.Repos, o *entity.Order, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("amount %s on order %s: %w", amount, o.ID, entity.ErrInvalidArgument)
	}
	held, err := r.Wallets.EscrowHeld(ctx, o.ID)
	if err != nil {
		return err
	}
	if amount.GreaterThan(held) {
		return fmt.Errorf("order %s holds %s in escrow, requested %s: %w", o.ID, held, amount, entity.ErrLedgerInvariant)
	}
	return nil
}

func (l *Ledger) entry(orderID, partyID string, bucket entity.Bucket, kind entity.LedgerKind, amount decimal.Decimal, at time.Time) *entity.LedgerEntry {
	return &entity.LedgerEntry{
		ID:        uuid.NewString(),
		OrderID:   orderID,
		PartyID:   partyID,
		Bucket:    bucket,
		Kind:      kind,
		Amount:    amount,
		CreatedAt: at,
	}
}
