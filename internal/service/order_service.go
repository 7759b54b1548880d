package service

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"marketplace-service/internal/entity"
	"marketplace-service/internal/repository"
)

type CreateOrderRequest struct {
	BuyerID         string          `json:"buyer_id" validate:"required"`
	ProductName     string          `json:"product_name" validate:"required"`
	Quantity        decimal.Decimal `json:"quantity"`
	Unit            string          `json:"unit"`
	WeightKg        decimal.Decimal `json:"weight_kg"`
	BuyerPrice      decimal.Decimal `json:"buyer_price"`
	Delivery        *entity.Point   `json:"delivery"`
	DeliveryAddress string          `json:"delivery_address"`
	IdempotencyKey  string          `json:"-"`
}

const disputeInstructions = "You are checking a buyer's complaint about a delivered product. " +
	"Complaint: %q. Decide whether the photo shows damage, a wrong item or a shortfall that supports it."

// OrderService exposes the order operations buyers, carriers and admins
// trigger. Every status change goes through the StateMachine.
type OrderService struct {
	store       repository.Store
	machine     *StateMachine
	coordinator *Coordinator
	reactor     *Reactor
	ledger      *Ledger
	guard       *IdempotencyGuard
	vision      VisionVerifier
	opts        Options
	now         func() time.Time
}

func NewOrderService(store repository.Store, machine *StateMachine, coordinator *Coordinator, reactor *Reactor, ledger *Ledger, guard *IdempotencyGuard, vision VisionVerifier, opts Options) *OrderService {
	return &OrderService{
		store:       store,
		machine:     machine,
		coordinator: coordinator,
		reactor:     reactor,
		ledger:      ledger,
		guard:       guard,
		vision:      vision,
		opts:        opts.withDefaults(),
		now:         time.Now,
	}
}

// CreateOrder stores a new order and starts the supplier search. The order
// returned reflects the search: failed_no_supplier when nobody is in range.
func (s *OrderService) CreateOrder(ctx context.Context, req CreateOrderRequest) (*entity.Order, error) {
	if !req.BuyerPrice.IsPositive() || !req.Quantity.IsPositive() || req.WeightKg.IsNegative() {
		return nil, fmt.Errorf("price, quantity or weight out of range: %w", entity.ErrInvalidArgument)
	}

	repos := s.store.Repos()
	buyer, err := repos.Parties.Get(ctx, req.BuyerID)
	if err != nil {
		return nil, err
	}
	if buyer.Role != entity.RoleBuyer {
		return nil, fmt.Errorf("party %s is a %s: %w", buyer.ID, buyer.Role, entity.ErrForbidden)
	}

	delivery, address := buyer.Location, buyer.Address
	if req.Delivery != nil {
		delivery = *req.Delivery
	}
	if req.DeliveryAddress != "" {
		address = req.DeliveryAddress
	}
	if !delivery.Valid() {
		return nil, fmt.Errorf("delivery point %v: %w", delivery, entity.ErrInvalidArgument)
	}

	ok, err := s.guard.Claim(ctx, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("idempotency key %s: %w", req.IdempotencyKey, entity.ErrDuplicate)
	}

	now := s.now()
	o := &entity.Order{
		ID:              uuid.NewString(),
		BuyerID:         buyer.ID,
		ProductName:     req.ProductName,
		Quantity:        req.Quantity,
		Unit:            req.Unit,
		WeightKg:        req.WeightKg,
		BuyerPrice:      req.BuyerPrice,
		ServiceFee:      s.opts.ServiceFee,
		ShippingCost:    decimal.Zero,
		Delivery:        delivery,
		DeliveryAddress: address,
		Status:          entity.StatusSearchingSupplier,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	o.Recalculate()

	if err := repos.Orders.Create(ctx, o); err != nil {
		logger.Error().Err(err).Msg("Error creating order")
		s.guard.Release(ctx, req.IdempotencyKey)
		return nil, err
	}
	s.reactor.Created(ctx, o)

	if _, err := s.coordinator.StartSupplierSearch(ctx, o.ID); err != nil {
		logger.Error().Err(err).Msgf("Error starting supplier search for order %s", o.ID)
		return o, nil
	}
	return repos.Orders.Get(ctx, o.ID)
}

func (s *OrderService) GetOrder(ctx context.Context, id string) (*entity.Order, error) {
	return s.store.Repos().Orders.Get(ctx, id)
}

// ListOrders returns the orders a party takes part in, newest first.
func (s *OrderService) ListOrders(ctx context.Context, partyID string, limit int) ([]*entity.Order, error) {
	return s.store.Repos().Orders.ListByParty(ctx, partyID, limit)
}

func (s *OrderService) Broadcasts(ctx context.Context, orderID string) ([]*entity.BroadcastRecord, error) {
	if _, err := s.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	return s.store.Repos().Broadcasts.ListByOrder(ctx, orderID)
}

func (s *OrderService) LedgerEntries(ctx context.Context, orderID string) ([]*entity.LedgerEntry, error) {
	if _, err := s.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	return s.ledger.Entries(ctx, orderID)
}

// ApproveOffer accepts the supplier's counter price. The order continues to
// payment or courier negotiation depending on the supplier's delivery method.
func (s *OrderService) ApproveOffer(ctx context.Context, orderID, buyerID string) (*entity.Order, error) {
	o, err := s.transition(ctx, orderID, func(o *entity.Order) (entity.Status, error) {
		if err := requireBuyer(o, buyerID); err != nil {
			return "", err
		}
		if err := requireStatus(o, entity.StatusWaitingBuyerApproval); err != nil {
			return "", err
		}
		if o.DeliveryMethod == entity.DeliverySelf {
			return entity.StatusWaitingPayment, nil
		}
		return entity.StatusNegotiatingCourier, nil
	}, func(o *entity.Order) error {
		o.BuyerPrice = o.SupplierPrice
		return nil
	})
	if err != nil {
		return nil, err
	}
	if o.Status == entity.StatusNegotiatingCourier {
		return s.afterSearch(ctx, o, s.coordinator.StartCourierSearch)
	}
	return o, nil
}

// RejectOffer declines the supplier's counter price and searches again among
// suppliers not yet contacted.
func (s *OrderService) RejectOffer(ctx context.Context, orderID, buyerID string) (*entity.Order, error) {
	o, err := s.transition(ctx, orderID, func(o *entity.Order) (entity.Status, error) {
		if err := requireBuyer(o, buyerID); err != nil {
			return "", err
		}
		if err := requireStatus(o, entity.StatusWaitingBuyerApproval); err != nil {
			return "", err
		}
		return entity.StatusSearchingSupplier, nil
	}, nil)
	if err != nil {
		return nil, err
	}
	return s.afterSearch(ctx, o, s.coordinator.StartSupplierSearch)
}

func (s *OrderService) CancelOrder(ctx context.Context, orderID, buyerID string) (*entity.Order, error) {
	return s.transition(ctx, orderID, func(o *entity.Order) (entity.Status, error) {
		if err := requireBuyer(o, buyerID); err != nil {
			return "", err
		}
		if !o.Status.PrePayment() {
			return "", fmt.Errorf("order %s can no longer be cancelled in %s: %w", o.ID, o.Status, entity.ErrInvalidTransition)
		}
		return entity.StatusCancelledByBuyer, nil
	}, nil)
}

// ConfirmPayment funds escrow. A non-zero amount must match the order total.
func (s *OrderService) ConfirmPayment(ctx context.Context, orderID string, amount decimal.Decimal) (*entity.Order, error) {
	return s.transition(ctx, orderID, func(o *entity.Order) (entity.Status, error) {
		if !amount.IsZero() && !amount.Equal(o.TotalAmount) {
			return "", fmt.Errorf("paid %s for order %s totalling %s: %w", amount, o.ID, o.TotalAmount, entity.ErrInvalidArgument)
		}
		return entity.StatusPaidHeld, nil
	}, nil)
}

// ConfirmPickup is sent by the carrier: the courier, or the supplier when
// delivering themselves.
func (s *OrderService) ConfirmPickup(ctx context.Context, orderID, carrierID, photoURL string) (*entity.Order, error) {
	return s.transition(ctx, orderID, func(o *entity.Order) (entity.Status, error) {
		if err := requireCarrier(o, carrierID); err != nil {
			return "", err
		}
		return entity.StatusShipping, nil
	}, func(o *entity.Order) error {
		if photoURL != "" {
			o.PickupPhotoURL = photoURL
		}
		return nil
	})
}

// MarkDelivered requires the delivery code the buyer received when the
// order shipped.
func (s *OrderService) MarkDelivered(ctx context.Context, orderID, carrierID, token string) (*entity.Order, error) {
	return s.transition(ctx, orderID, func(o *entity.Order) (entity.Status, error) {
		if err := requireCarrier(o, carrierID); err != nil {
			return "", err
		}
		given := strings.ToUpper(strings.TrimSpace(token))
		if o.DeliveryToken == "" || subtle.ConstantTimeCompare([]byte(given), []byte(o.DeliveryToken)) != 1 {
			return "", fmt.Errorf("delivery code for order %s: %w", o.ID, entity.ErrForbidden)
		}
		return entity.StatusDelivered, nil
	}, nil)
}

// ConfirmReceipt completes the order and releases escrow to the supplier.
func (s *OrderService) ConfirmReceipt(ctx context.Context, orderID, buyerID string) (*entity.Order, error) {
	return s.transition(ctx, orderID, func(o *entity.Order) (entity.Status, error) {
		if err := requireBuyer(o, buyerID); err != nil {
			return "", err
		}
		return entity.StatusCompleted, nil
	}, nil)
}

// ReportProblem opens a dispute. Photo evidence is scored by the vision
// verifier before the transaction; a failed analysis leaves the confidence
// empty.
func (s *OrderService) ReportProblem(ctx context.Context, orderID, buyerID, reason, evidenceURL string) (*entity.Order, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, fmt.Errorf("dispute reason: %w", entity.ErrInvalidArgument)
	}

	var confidence *float64
	if evidenceURL != "" && s.vision != nil {
		judgment, err := s.vision.Analyze(ctx, evidenceURL, fmt.Sprintf(disputeInstructions, reason))
		if err != nil {
			logger.Warn().Err(err).Msgf("Error analysing dispute evidence for order %s", orderID)
		} else {
			c := judgment.Confidence
			if !judgment.Valid {
				c = 1 - c
			}
			confidence = &c
		}
	}

	return s.transition(ctx, orderID, func(o *entity.Order) (entity.Status, error) {
		if err := requireBuyer(o, buyerID); err != nil {
			return "", err
		}
		return entity.StatusDisputeCheck, nil
	}, func(o *entity.Order) error {
		o.DisputeReason = reason
		o.DisputeEvidence = evidenceURL
		o.DisputeConfidence = confidence
		return nil
	})
}

// ResolveDispute is the admin decision on a dispute: refund the buyer or
// pay the supplier.
func (s *OrderService) ResolveDispute(ctx context.Context, orderID string, refund bool) (*entity.Order, error) {
	to := entity.StatusCompleted
	if refund {
		to = entity.StatusRefunded
	}
	return s.transition(ctx, orderID, func(o *entity.Order) (entity.Status, error) {
		if err := requireStatus(o, entity.StatusDisputeCheck); err != nil {
			return "", err
		}
		return to, nil
	}, nil)
}

// RetryCourierSearch reopens courier negotiation for a stuck order.
func (s *OrderService) RetryCourierSearch(ctx context.Context, orderID, buyerID string) (*entity.Order, error) {
	o, err := s.transition(ctx, orderID, func(o *entity.Order) (entity.Status, error) {
		if err := requireBuyer(o, buyerID); err != nil {
			return "", err
		}
		if err := requireStatus(o, entity.StatusStuckNoCourier); err != nil {
			return "", err
		}
		return entity.StatusNegotiatingCourier, nil
	}, nil)
	if err != nil {
		return nil, err
	}
	return s.afterSearch(ctx, o, s.coordinator.StartCourierSearch)
}

// transition locks the order, lets decide pick the target status and
// applies it in one transaction, then runs the post-commit reactions.
func (s *OrderService) transition(ctx context.Context, orderID string, decide func(o *entity.Order) (entity.Status, error), mutate func(o *entity.Order) error) (*entity.Order, error) {
	var ch *Change
	err := s.store.WithTx(ctx, func(r repository.Repos) error {
		o, err := r.Orders.GetForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		to, err := decide(o)
		if err != nil {
			return err
		}
		ch, err = s.machine.Apply(ctx, r, o, to, mutate)
		return err
	})
	if err != nil {
		logger.Error().Err(err).Msgf("Error updating order %s", orderID)
		return nil, err
	}
	s.reactor.Committed(ctx, ch)
	return ch.Order, nil
}

// afterSearch runs a fan-out and returns the order as it stands afterwards.
func (s *OrderService) afterSearch(ctx context.Context, o *entity.Order, search func(context.Context, string) (*BroadcastBatch, error)) (*entity.Order, error) {
	if _, err := search(ctx, o.ID); err != nil {
		logger.Error().Err(err).Msgf("Error searching candidates for order %s", o.ID)
		return o, nil
	}
	return s.GetOrder(ctx, o.ID)
}

// requireBuyer passes for the order's buyer or for an empty id, which marks
// an admin or system caller.
func requireBuyer(o *entity.Order, buyerID string) error {
	if buyerID != "" && buyerID != o.BuyerID {
		return fmt.Errorf("party %s is not the buyer of order %s: %w", buyerID, o.ID, entity.ErrForbidden)
	}
	return nil
}

func requireCarrier(o *entity.Order, carrierID string) error {
	if carrierID != "" && carrierID != o.Carrier() {
		return fmt.Errorf("party %s does not carry order %s: %w", carrierID, o.ID, entity.ErrForbidden)
	}
	return nil
}

func requireStatus(o *entity.Order, want entity.Status) error {
	if o.Status != want {
		return fmt.Errorf("order %s is %s, not %s: %w", o.ID, o.Status, want, entity.ErrInvalidTransition)
	}
	return nil
}
