// Package expiry closes offer rounds whose time-to-live has passed. Each
// round gets a durable Temporal timer workflow.
package expiry

import (
	"context"
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"marketplace-service/internal/entity"
)

const OfferExpiryWorkflowName = "OfferExpiryWorkflow"

// OfferRound identifies one broadcast round of an order.
type OfferRound struct {
	OrderID string               `json:"order_id"`
	Kind    entity.BroadcastKind `json:"kind"`
	Round   int                  `json:"round"`
	TTL     time.Duration        `json:"ttl"`
}

func (r OfferRound) workflowID() string {
	return fmt.Sprintf("offer-expiry-%s-%s-%d", r.OrderID, r.Kind, r.Round)
}

// Expirer is satisfied by *service.Coordinator.
type Expirer interface {
	ExpireRound(ctx context.Context, orderID string, kind entity.BroadcastKind, round int) error
}

// ExpirerFunc adapts a function to Expirer.
type ExpirerFunc func(ctx context.Context, orderID string, kind entity.BroadcastKind, round int) error

func (f ExpirerFunc) ExpireRound(ctx context.Context, orderID string, kind entity.BroadcastKind, round int) error {
	return f(ctx, orderID, kind, round)
}

type Activities struct {
	expirer Expirer
}

func NewActivities(expirer Expirer) *Activities {
	return &Activities{expirer: expirer}
}

// ExpireOffers closes the round's pending offers and lets the coordinator
// decide between a new round and escalation.
func (a *Activities) ExpireOffers(ctx context.Context, round OfferRound) error {
	return a.expirer.ExpireRound(ctx, round.OrderID, round.Kind, round.Round)
}

// OfferExpiryWorkflow sleeps for the round's TTL and then expires it.
func OfferExpiryWorkflow(ctx workflow.Context, round OfferRound) error {
	logger := workflow.GetLogger(ctx)
	logger.Info("OfferExpiryWorkflow started", "order_id", round.OrderID, "kind", round.Kind, "round", round.Round)

	if err := workflow.Sleep(ctx, round.TTL); err != nil {
		return err
	}

	activityOptions := workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    1 * time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    10 * time.Second,
			MaximumAttempts:    3,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, activityOptions)

	var a *Activities
	if err := workflow.ExecuteActivity(ctx, a.ExpireOffers, round).Get(ctx, nil); err != nil {
		logger.Error("Offer expiry failed", "order_id", round.OrderID, "error", err)
		return fmt.Errorf("expire %s round %d of order %s: %w", round.Kind, round.Round, round.OrderID, err)
	}

	logger.Info("Offer round expired", "order_id", round.OrderID, "kind", round.Kind, "round", round.Round)
	return nil
}
