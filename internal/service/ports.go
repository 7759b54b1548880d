package service

import (
	"context"
	"time"

	"marketplace-service/internal/entity"
)

// Notifier delivers a text to a phone handle. A returned error means the
// message was queued for retry; callers log it and carry on.
type Notifier interface {
	Notify(ctx context.Context, phone, text string) error
}

// EventPublisher announces committed order changes to other services.
type EventPublisher interface {
	PublishOrderEvent(ctx context.Context, o *entity.Order, from entity.Status) error
}

// ExpiryScheduler arranges for ExpireRound to run once an offer round's TTL
// has elapsed.
type ExpiryScheduler interface {
	ScheduleExpiry(ctx context.Context, orderID string, kind entity.BroadcastKind, round int, ttl time.Duration) error
}

// VisionVerifier judges photo evidence.
type VisionVerifier interface {
	Analyze(ctx context.Context, imageURL, instructions string) (*entity.Judgment, error)
}
