package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"marketplace-service/internal/entity"
	"marketplace-service/internal/geo"
	"marketplace-service/internal/metrics"
	"marketplace-service/internal/repository"
)

// Terms accompany a candidate's acceptance. Suppliers quote a price and a
// delivery method, couriers quote a shipping fee.
type Terms struct {
	OfferedPrice   decimal.Decimal       `json:"offered_price"`
	DeliveryMethod entity.DeliveryMethod `json:"delivery_method"`
	Note           string                `json:"note"`
}

type Resolution string

const (
	ResolutionAccepted Resolution = "accepted"
	ResolutionRejected Resolution = "rejected"
	// ResolutionExhausted is a rejection that closed the last outstanding
	// offer and failed the order.
	ResolutionExhausted Resolution = "exhausted"
	// ResolutionIgnored is a duplicate response to an answered offer.
	ResolutionIgnored Resolution = "ignored"
)

type Outcome struct {
	Resolution Resolution    `json:"resolution"`
	Order      *entity.Order `json:"order"`
}

// BroadcastBatch is the result of one fan-out round.
type BroadcastBatch struct {
	OrderID string                    `json:"order_id"`
	Kind    entity.BroadcastKind      `json:"kind"`
	Round   int                       `json:"round"`
	Records []*entity.BroadcastRecord `json:"records"`
	// Unreached lists candidates whose offer could not be delivered on the
	// first attempt.
	Unreached []string `json:"unreached,omitempty"`
}

// Err reports ErrNoCandidatesFound for an empty batch.
func (b *BroadcastBatch) Err() error {
	if len(b.Records) == 0 {
		return fmt.Errorf("%s search for order %s: %w", b.Kind, b.OrderID, entity.ErrNoCandidatesFound)
	}
	return nil
}

// Coordinator fans orders out to nearby candidates and resolves their
// responses so that at most one acceptance per order and kind is honoured.
type Coordinator struct {
	store     repository.Store
	geo       *GeoIndex
	machine   *StateMachine
	reactor   *Reactor
	scheduler ExpiryScheduler
	opts      Options
	now       func() time.Time
}

func NewCoordinator(store repository.Store, geoIndex *GeoIndex, machine *StateMachine, reactor *Reactor, scheduler ExpiryScheduler, opts Options) *Coordinator {
	return &Coordinator{
		store:     store,
		geo:       geoIndex,
		machine:   machine,
		reactor:   reactor,
		scheduler: scheduler,
		opts:      opts.withDefaults(),
		now:       time.Now,
	}
}

// openStatus is the order status in which offers of kind can be answered.
func openStatus(kind entity.BroadcastKind) entity.Status {
	if kind == entity.KindCourier {
		return entity.StatusNegotiatingCourier
	}
	return entity.StatusSearchingSupplier
}

func failureStatus(kind entity.BroadcastKind) entity.Status {
	if kind == entity.KindCourier {
		return entity.StatusStuckNoCourier
	}
	return entity.StatusFailedNoSupplier
}

// StartSupplierSearch offers the order to the nearest suppliers not yet
// contacted. With no one in range the order fails and the returned batch is
// empty.
func (c *Coordinator) StartSupplierSearch(ctx context.Context, orderID string) (*BroadcastBatch, error) {
	return c.search(ctx, orderID, entity.KindSupplier)
}

// StartCourierSearch is StartSupplierSearch for couriers around the pickup
// point.
func (c *Coordinator) StartCourierSearch(ctx context.Context, orderID string) (*BroadcastBatch, error) {
	return c.search(ctx, orderID, entity.KindCourier)
}

func (c *Coordinator) search(ctx context.Context, orderID string, kind entity.BroadcastKind) (*BroadcastBatch, error) {
	repos := c.store.Repos()
	o, err := repos.Orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status != openStatus(kind) {
		return nil, fmt.Errorf("%s search on order %s in %s: %w", kind, orderID, o.Status, entity.ErrInvalidTransition)
	}

	records, err := repos.Broadcasts.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	var contacted []string
	for _, rec := range records {
		if rec.Kind == kind {
			contacted = append(contacted, rec.CandidateID)
		}
	}

	point := o.Delivery
	if kind == entity.KindCourier && o.Pickup != nil {
		point = *o.Pickup
	}
	candidates, err := c.geo.FindNearby(ctx, point, kind.Role(), Filter{Exclude: contacted}, 0, 0)
	if err != nil {
		return nil, err
	}

	if len(candidates) == 0 {
		batch := &BroadcastBatch{OrderID: orderID, Kind: kind}
		logger.Info().Err(batch.Err()).Msg("Escalating order")
		if err := c.escalate(ctx, orderID, kind); err != nil {
			return nil, err
		}
		return batch, nil
	}
	return c.Broadcast(ctx, orderID, kind, candidates)
}

// Broadcast records one offer per candidate and sends each its offer. A
// failed send is logged and the rest of the batch still goes out.
func (c *Coordinator) Broadcast(ctx context.Context, orderID string, kind entity.BroadcastKind, candidates []repository.Candidate) (*BroadcastBatch, error) {
	batch := &BroadcastBatch{OrderID: orderID, Kind: kind}
	if len(candidates) == 0 {
		return batch, nil
	}

	var (
		order    *entity.Order
		shipFrom string
	)
	err := c.store.WithTx(ctx, func(r repository.Repos) error {
		o, err := r.Orders.GetForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Status != openStatus(kind) {
			return fmt.Errorf("order %s moved to %s: %w", orderID, o.Status, entity.ErrAlreadyResolved)
		}
		if kind == entity.KindCourier {
			supplier, err := r.Parties.Get(ctx, o.SupplierID)
			if err != nil {
				return err
			}
			shipFrom = supplier.DisplayName()
		}
		existing, err := r.Broadcasts.ListByOrder(ctx, orderID)
		if err != nil {
			return err
		}

		round := 1
		for _, rec := range existing {
			if rec.Kind == kind && rec.Round >= round {
				round = rec.Round + 1
			}
		}

		now := c.now()
		records := make([]*entity.BroadcastRecord, 0, len(candidates))
		for _, cand := range candidates {
			records = append(records, &entity.BroadcastRecord{
				ID:          uuid.NewString(),
				OrderID:     orderID,
				CandidateID: cand.ID,
				Kind:        kind,
				Round:       round,
				DistanceKm:  cand.DistanceKm,
				SentAt:      now,
			})
		}
		if err := r.Broadcasts.CreateBatch(ctx, records); err != nil {
			return err
		}
		batch.Round = round
		batch.Records = records
		order = o
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Msgf("Error broadcasting order %s to %d %s candidates", orderID, len(candidates), kind)
		return nil, err
	}
	metrics.Broadcasts.WithLabelValues(string(kind)).Add(float64(len(batch.Records)))

	for _, cand := range candidates {
		text := supplierOfferText(order, cand.DistanceKm)
		if kind == entity.KindCourier {
			text = courierOfferText(order, shipFrom, cand.DistanceKm)
		}
		if err := c.reactor.NotifyPhone(ctx, cand.Phone, text); err != nil {
			batch.Unreached = append(batch.Unreached, cand.ID)
		}
	}

	if c.scheduler != nil {
		if err := c.scheduler.ScheduleExpiry(ctx, orderID, kind, batch.Round, c.opts.OfferTTL); err != nil {
			logger.Error().Err(err).Msgf("Error scheduling expiry of order %s %s round %d", orderID, kind, batch.Round)
		}
	}
	return batch, nil
}

// RecordResponse resolves a candidate's answer to an offer.
func (c *Coordinator) RecordResponse(ctx context.Context, orderID string, kind entity.BroadcastKind, candidateID string, accepted bool, terms Terms) (*Outcome, error) {
	if accepted {
		return c.accept(ctx, orderID, kind, candidateID, terms)
	}
	return c.reject(ctx, orderID, kind, candidateID, terms)
}

// accept records the acceptance, locks the candidate and swaps the order
// status in one transaction. The order row lock queues concurrent acceptors;
// the conditional status update still decides the winner.
func (c *Coordinator) accept(ctx context.Context, orderID string, kind entity.BroadcastKind, candidateID string, terms Terms) (*Outcome, error) {
	var ch *Change
	err := c.store.WithTx(ctx, func(r repository.Repos) error {
		o, err := r.Orders.GetForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		rec, err := r.Broadcasts.Find(ctx, orderID, kind, candidateID)
		if err != nil {
			return err
		}
		if !rec.Pending() || o.Status != openStatus(kind) {
			return fmt.Errorf("order %s for %s: %w", orderID, candidateID, entity.ErrAlreadyResolved)
		}

		now := c.now()
		var (
			to     entity.Status
			price  decimal.Decimal
			mutate func(*entity.Order) error
		)
		switch kind {
		case entity.KindSupplier:
			to, price, mutate, err = c.supplierTerms(ctx, r, o, candidateID, terms)
		case entity.KindCourier:
			to, price, mutate, err = c.courierTerms(ctx, r, o, candidateID, terms, now)
		}
		if err != nil {
			return err
		}

		ok, err := r.Broadcasts.Respond(ctx, rec.ID, entity.ResponseAccepted, now, price, terms.Note)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("offer %s already answered: %w", rec.ID, entity.ErrAlreadyResolved)
		}

		ch, err = c.machine.Apply(ctx, r, o, to, mutate)
		if err != nil {
			return err
		}
		_, err = r.Broadcasts.ClosePending(ctx, orderID, kind, 0, entity.ResponseStale, now)
		return err
	})

	switch {
	case errors.Is(err, entity.ErrAlreadyResolved):
		metrics.Responses.WithLabelValues(string(kind), "late").Inc()
		c.reactor.NotifyParty(ctx, candidateID, fmt.Sprintf(jobTakenText, orderID))
		return nil, err
	case kind == entity.KindCourier && errors.Is(err, entity.ErrSupplierAtCapacity):
		metrics.Responses.WithLabelValues(string(kind), "supplier_at_capacity").Inc()
		c.reactor.NotifyParty(ctx, candidateID, fmt.Sprintf(supplierFullText, orderID))
		return nil, err
	case errors.Is(err, entity.ErrCapacityExceeded):
		metrics.Responses.WithLabelValues(string(kind), "at_capacity").Inc()
		c.reactor.NotifyParty(ctx, candidateID, fmt.Sprintf(atCapacityText, orderID))
		return nil, err
	case err != nil:
		logger.Error().Err(err).Msgf("Error recording acceptance of order %s by %s", orderID, candidateID)
		return nil, err
	}

	metrics.Responses.WithLabelValues(string(kind), string(ResolutionAccepted)).Inc()
	c.reactor.Committed(ctx, ch)
	if ch.To == entity.StatusNegotiatingCourier {
		if _, err := c.StartCourierSearch(ctx, orderID); err != nil {
			logger.Error().Err(err).Msgf("Error starting courier search for order %s", orderID)
		}
	}
	return &Outcome{Resolution: ResolutionAccepted, Order: ch.Order}, nil
}

// supplierTerms checks the supplier's capacity and decides where the order
// goes: to the buyer when the price changed, straight to payment for self
// delivery, otherwise on to courier negotiation.
func (c *Coordinator) supplierTerms(ctx context.Context, r repository.Repos, o *entity.Order, supplierID string, terms Terms) (entity.Status, decimal.Decimal, func(*entity.Order) error, error) {
	method := terms.DeliveryMethod
	if method == "" {
		method = entity.DeliverySelf
	}
	if method != entity.DeliverySelf && method != entity.DeliveryCourier {
		return "", decimal.Zero, nil, fmt.Errorf("delivery method %q: %w", method, entity.ErrInvalidArgument)
	}
	if terms.OfferedPrice.IsNegative() {
		return "", decimal.Zero, nil, fmt.Errorf("offered price %s: %w", terms.OfferedPrice, entity.ErrInvalidArgument)
	}

	p, err := r.Parties.GetForUpdate(ctx, supplierID)
	if err != nil {
		return "", decimal.Zero, nil, err
	}
	if err := c.machine.supplierHasRoom(ctx, r, supplierID, o.ID); err != nil {
		return "", decimal.Zero, nil, err
	}

	price := terms.OfferedPrice
	if price.IsZero() {
		price = o.BuyerPrice
	}

	to := entity.StatusNegotiatingCourier
	switch {
	case !price.Equal(o.BuyerPrice):
		to = entity.StatusWaitingBuyerApproval
	case method == entity.DeliverySelf:
		to = entity.StatusWaitingPayment
	}

	mutate := func(n *entity.Order) error {
		pickup := p.Location
		n.SupplierID = p.ID
		n.SupplierPrice = price
		n.DeliveryMethod = method
		n.Pickup = &pickup
		n.PickupAddress = p.Address
		return nil
	}
	return to, price, mutate, nil
}

// courierTerms marks the courier busy and prices the delivery. A courier
// that quotes no fee gets the per-km rate over the pickup to delivery
// distance.
func (c *Coordinator) courierTerms(ctx context.Context, r repository.Repos, o *entity.Order, courierID string, terms Terms, now time.Time) (entity.Status, decimal.Decimal, func(*entity.Order) error, error) {
	if terms.OfferedPrice.IsNegative() {
		return "", decimal.Zero, nil, fmt.Errorf("offered fee %s: %w", terms.OfferedPrice, entity.ErrInvalidArgument)
	}
	ok, err := r.Parties.SetBusy(ctx, courierID, true, now)
	if err != nil {
		return "", decimal.Zero, nil, err
	}
	if !ok {
		return "", decimal.Zero, nil, fmt.Errorf("courier %s is busy: %w", courierID, entity.ErrCapacityExceeded)
	}

	fee := terms.OfferedPrice
	if fee.IsZero() {
		fee = c.shippingQuote(o)
	}
	mutate := func(n *entity.Order) error {
		n.CourierID = courierID
		n.ShippingCost = fee
		return nil
	}
	return entity.StatusWaitingPayment, fee, mutate, nil
}

func (c *Coordinator) shippingQuote(o *entity.Order) decimal.Decimal {
	if o.Pickup == nil {
		return decimal.Zero
	}
	km := decimal.NewFromFloat(geo.DistanceKm(*o.Pickup, o.Delivery))
	return c.opts.ShippingRatePerKm.Mul(km).Round(0)
}

// reject records the rejection. When it closes the last outstanding offer
// and nobody accepted, the order moves to the kind's failure status; the
// conditional update makes that happen once.
func (c *Coordinator) reject(ctx context.Context, orderID string, kind entity.BroadcastKind, candidateID string, terms Terms) (*Outcome, error) {
	var (
		ch    *Change
		order *entity.Order
	)
	res := ResolutionRejected
	err := c.store.WithTx(ctx, func(r repository.Repos) error {
		o, err := r.Orders.GetForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		order = o
		rec, err := r.Broadcasts.Find(ctx, orderID, kind, candidateID)
		if err != nil {
			return err
		}

		ok, err := r.Broadcasts.Respond(ctx, rec.ID, entity.ResponseRejected, c.now(), decimal.Zero, terms.Note)
		if err != nil {
			return err
		}
		if !ok {
			res = ResolutionIgnored
			return nil
		}
		if o.Status != openStatus(kind) {
			return nil
		}

		pending, err := r.Broadcasts.CountByResponse(ctx, orderID, kind, entity.ResponsePending)
		if err != nil {
			return err
		}
		accepted, err := r.Broadcasts.CountByResponse(ctx, orderID, kind, entity.ResponseAccepted)
		if err != nil {
			return err
		}
		if pending > 0 || accepted > 0 {
			return nil
		}

		ch, err = c.machine.Apply(ctx, r, o, failureStatus(kind), nil)
		if err != nil {
			return err
		}
		order = ch.Order
		res = ResolutionExhausted
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Msgf("Error recording rejection of order %s by %s", orderID, candidateID)
		return nil, err
	}

	metrics.Responses.WithLabelValues(string(kind), string(res)).Inc()
	c.reactor.Committed(ctx, ch)
	return &Outcome{Resolution: res, Order: order}, nil
}

// ExpireRound closes the still-pending offers of a round. If that leaves the
// order without any live offer, it is re-broadcast to the next candidates
// or, after the last allowed round, failed.
func (c *Coordinator) ExpireRound(ctx context.Context, orderID string, kind entity.BroadcastKind, round int) error {
	var ch *Change
	rebroadcast := false
	err := c.store.WithTx(ctx, func(r repository.Repos) error {
		o, err := r.Orders.GetForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		expired, err := r.Broadcasts.ClosePending(ctx, orderID, kind, round, entity.ResponseExpired, c.now())
		if err != nil {
			return err
		}
		if expired > 0 {
			logger.Info().Msgf("Expired %d %s offers of order %s round %d", expired, kind, orderID, round)
		}
		if o.Status != openStatus(kind) {
			return nil
		}

		records, err := r.Broadcasts.ListByOrder(ctx, orderID)
		if err != nil {
			return err
		}
		latest, live := 0, 0
		for _, rec := range records {
			if rec.Kind != kind {
				continue
			}
			if rec.Round > latest {
				latest = rec.Round
			}
			if rec.Pending() || rec.Response == entity.ResponseAccepted {
				live++
			}
		}
		if live > 0 || round < latest {
			return nil
		}

		if round < c.opts.MaxBroadcastRounds {
			rebroadcast = true
			return nil
		}
		ch, err = c.machine.Apply(ctx, r, o, failureStatus(kind), nil)
		return err
	})
	if err != nil {
		logger.Error().Err(err).Msgf("Error expiring order %s %s round %d", orderID, kind, round)
		return err
	}

	c.reactor.Committed(ctx, ch)
	if rebroadcast {
		_, err := c.search(ctx, orderID, kind)
		return err
	}
	return nil
}

// escalate moves an order with nobody left to ask into the kind's failure
// status. It is a no-op when the order has already moved on.
func (c *Coordinator) escalate(ctx context.Context, orderID string, kind entity.BroadcastKind) error {
	var ch *Change
	err := c.store.WithTx(ctx, func(r repository.Repos) error {
		o, err := r.Orders.GetForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Status != openStatus(kind) {
			return nil
		}
		ch, err = c.machine.Apply(ctx, r, o, failureStatus(kind), nil)
		return err
	})
	if err != nil {
		logger.Error().Err(err).Msgf("Error failing order %s after empty %s search", orderID, kind)
		return err
	}
	c.reactor.Committed(ctx, ch)
	return nil
}
