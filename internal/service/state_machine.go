package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"marketplace-service/internal/entity"
	"marketplace-service/internal/repository"
)

// Change is a committed status transition. Post-commit reactions are driven
// from it.
type Change struct {
	Order *entity.Order
	From  entity.Status
	To    entity.Status
}

// StateMachine is the only writer of order status. Apply runs inside the
// caller's transaction so that side effects commit or roll back with the
// status change.
type StateMachine struct {
	ledger *Ledger
	opts   Options
	now    func() time.Time
}

func NewStateMachine(ledger *Ledger, opts Options) *StateMachine {
	return &StateMachine{ledger: ledger, opts: opts.withDefaults(), now: time.Now}
}

// Apply moves current to status to. mutate, when set, edits the order copy
// before the side effects of the target status run. The write is a
// conditional update on current's status; losing that race yields
// ErrAlreadyResolved.
func (m *StateMachine) Apply(ctx context.Context, r repository.Repos, current *entity.Order, to entity.Status, mutate func(o *entity.Order) error) (*Change, error) {
	from := current.Status
	if !entity.CanTransition(from, to) {
		return nil, fmt.Errorf("order %s %s -> %s: %w", current.ID, from, to, entity.ErrInvalidTransition)
	}

	next := current.Clone()
	if mutate != nil {
		if err := mutate(next); err != nil {
			return nil, err
		}
	}
	now := m.now()
	next.Status = to
	next.UpdatedAt = now

	if err := m.enter(ctx, r, next, now); err != nil {
		return nil, err
	}
	next.Recalculate()

	ok, err := r.Orders.UpdateIfStatus(ctx, next, from)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("order %s is no longer %s: %w", current.ID, from, entity.ErrAlreadyResolved)
	}
	return &Change{Order: next, From: from, To: to}, nil
}

// enter runs the transactional side effects of arriving in o.Status.
func (m *StateMachine) enter(ctx context.Context, r repository.Repos, o *entity.Order, now time.Time) error {
	switch o.Status {
	case entity.StatusSearchingSupplier:
		// buyer turned down the supplier's terms
		o.SupplierID = ""
		o.CourierID = ""
		o.SupplierPrice = decimal.Zero
		o.ShippingCost = decimal.Zero
		o.DeliveryMethod = ""
		o.Pickup = nil
		o.PickupAddress = ""
		_, err := r.Broadcasts.Supersede(ctx, o.ID, entity.KindSupplier, now)
		return err

	case entity.StatusWaitingPayment:
		if o.DeliveryMethod == entity.DeliverySelf {
			o.ShippingCost = decimal.Zero
		}
		return m.checkSupplierCapacity(ctx, r, o)

	case entity.StatusPaidHeld:
		o.PaidAt = &now
		o.Recalculate()
		return m.ledger.hold(ctx, r, o, o.TotalAmount)

	case entity.StatusShipping:
		o.DeliveryToken = newDeliveryToken()

	case entity.StatusCompleted:
		held, err := r.Wallets.EscrowHeld(ctx, o.ID)
		if err != nil {
			return err
		}
		if err := m.ledger.release(ctx, r, o, o.SupplierID, held); err != nil {
			return err
		}
		return m.freeCourier(ctx, r, o, now)

	case entity.StatusRefunded:
		held, err := r.Wallets.EscrowHeld(ctx, o.ID)
		if err != nil {
			return err
		}
		if err := m.ledger.refund(ctx, r, o, o.BuyerID, held); err != nil {
			return err
		}
		return m.freeCourier(ctx, r, o, now)

	case entity.StatusCancelledByBuyer:
		for _, kind := range []entity.BroadcastKind{entity.KindSupplier, entity.KindCourier} {
			if _, err := r.Broadcasts.ClosePending(ctx, o.ID, kind, 0, entity.ResponseStale, now); err != nil {
				return err
			}
		}
		return m.freeCourier(ctx, r, o, now)
	}
	return nil
}

// checkSupplierCapacity locks the supplier row and counts its other active
// orders in the same transaction that confirms o.
func (m *StateMachine) checkSupplierCapacity(ctx context.Context, r repository.Repos, o *entity.Order) error {
	if o.SupplierID == "" {
		return fmt.Errorf("order has no supplier: %w", entity.ErrInvalidArgument)
	}
	if _, err := r.Parties.GetForUpdate(ctx, o.SupplierID); err != nil {
		return err
	}
	return m.supplierHasRoom(ctx, r, o.SupplierID, o.ID)
}

// supplierHasRoom expects the caller to hold the supplier's row lock.
func (m *StateMachine) supplierHasRoom(ctx context.Context, r repository.Repos, supplierID, orderID string) error {
	active, err := r.Orders.CountActiveBySupplier(ctx, supplierID, orderID)
	if err != nil {
		return err
	}
	if active >= m.opts.SupplierCapacity {
		return fmt.Errorf("supplier %s has %d active orders: %w", supplierID, active, entity.ErrSupplierAtCapacity)
	}
	return nil
}

func (m *StateMachine) freeCourier(ctx context.Context, r repository.Repos, o *entity.Order, now time.Time) error {
	if o.CourierID == "" {
		return nil
	}
	_, err := r.Parties.SetBusy(ctx, o.CourierID, false, now)
	return err
}

func newDeliveryToken() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
}
