package service

import (
	"context"

	"marketplace-service/internal/entity"
	"marketplace-service/internal/metrics"
	"marketplace-service/internal/repository"
)

// Reactor runs the side effects of a transition that must never roll it
// back: notifications, order events and metrics. It is only called after
// commit.
type Reactor struct {
	store    repository.Store
	notifier Notifier
	events   EventPublisher
}

func NewReactor(store repository.Store, notifier Notifier, events EventPublisher) *Reactor {
	return &Reactor{store: store, notifier: notifier, events: events}
}

// Created announces a new order.
func (r *Reactor) Created(ctx context.Context, o *entity.Order) {
	metrics.OrdersCreated.Inc()
	r.publish(ctx, o, "")
}

// Committed fans out the reactions to a committed transition.
func (r *Reactor) Committed(ctx context.Context, ch *Change) {
	if ch == nil {
		return
	}
	metrics.Transitions.WithLabelValues(string(ch.From), string(ch.To)).Inc()
	for partyID, text := range statusTexts(ch) {
		r.NotifyParty(ctx, partyID, text)
	}
	r.publish(ctx, ch.Order, ch.From)
}

// NotifyParty looks up the party's phone and sends text. Failures are logged
// only; the notifier has already queued a retry.
func (r *Reactor) NotifyParty(ctx context.Context, partyID, text string) {
	if r.notifier == nil || partyID == "" {
		return
	}
	p, err := r.store.Repos().Parties.Get(ctx, partyID)
	if err != nil {
		logger.Error().Err(err).Msgf("Error looking up party %s for notification", partyID)
		return
	}
	r.NotifyPhone(ctx, p.Phone, text)
}

// NotifyPhone sends text to phone and reports whether the first attempt
// failed.
func (r *Reactor) NotifyPhone(ctx context.Context, phone, text string) error {
	if r.notifier == nil {
		return nil
	}
	if err := r.notifier.Notify(ctx, phone, text); err != nil {
		metrics.NotificationFailures.Inc()
		logger.Warn().Err(err).Msgf("Notification to %s deferred", phone)
		return err
	}
	return nil
}

func (r *Reactor) publish(ctx context.Context, o *entity.Order, from entity.Status) {
	if r.events == nil {
		return
	}
	if err := r.events.PublishOrderEvent(ctx, o, from); err != nil {
		logger.Error().Err(err).Msgf("Error publishing event for order %s", o.ID)
	}
}
