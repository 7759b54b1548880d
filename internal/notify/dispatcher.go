package notify

import (
	"context"
	"math"
	"time"

	"marketplace-service/internal/metrics"
)

// RetryPolicy shapes the delay between attempts:
// InitialInterval * BackoffCoefficient^(attempt-1), capped at MaximumInterval.
type RetryPolicy struct {
	InitialInterval    time.Duration
	BackoffCoefficient float64
	MaximumInterval    time.Duration
	// MaximumAttempts counts the first send.
	MaximumAttempts int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval:    5 * time.Second,
		BackoffCoefficient: 2.0,
		MaximumInterval:    5 * time.Minute,
		MaximumAttempts:    6,
	}
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := float64(p.InitialInterval) * math.Pow(p.BackoffCoefficient, float64(attempt-1))
	if d > float64(p.MaximumInterval) {
		return p.MaximumInterval
	}
	return time.Duration(d)
}

// Dispatcher sends through a Sink and hands failures to the retry queue.
// It implements service.Notifier.
type Dispatcher struct {
	sink   Sink
	queue  *RetryQueue
	policy RetryPolicy
	now    func() time.Time
}

// NewDispatcher builds a dispatcher. A nil queue disables retries.
func NewDispatcher(sink Sink, queue *RetryQueue, policy RetryPolicy) *Dispatcher {
	if policy.MaximumAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}
	return &Dispatcher{sink: sink, queue: queue, policy: policy, now: time.Now}
}

// Notify makes one attempt. On failure the message is queued and the send
// error, which wraps entity.ErrNotificationDeliveryFailed, is returned.
func (d *Dispatcher) Notify(ctx context.Context, phone, text string) error {
	err := d.sink.Send(ctx, phone, text)
	if err == nil {
		return nil
	}
	d.retry(ctx, Job{Phone: phone, Text: text, Attempts: 1, FirstTry: d.now()})
	return err
}

func (d *Dispatcher) retry(ctx context.Context, job Job) {
	if job.Attempts >= d.policy.MaximumAttempts || d.queue == nil {
		metrics.NotificationsDropped.Inc()
		logger.Error().Msgf("Giving up on message to %s after %d attempts", job.Phone, job.Attempts)
		return
	}
	due := d.now().Add(d.policy.delay(job.Attempts))
	if err := d.queue.Push(ctx, job, due); err != nil {
		metrics.NotificationsDropped.Inc()
		logger.Error().Err(err).Msgf("Error queueing retry for %s", job.Phone)
	}
}

// Flush resends every due job once and reports how many were delivered. It
// also publishes the remaining queue length.
func (d *Dispatcher) Flush(ctx context.Context) (int, error) {
	if d.queue == nil {
		return 0, nil
	}
	jobs, err := d.queue.Due(ctx, d.now(), 100)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, job := range jobs {
		if err := d.sink.Send(ctx, job.Phone, job.Text); err != nil {
			logger.Error().Err(err).Msgf("Retry %d for %s failed", job.Attempts, job.Phone)
			job.Attempts++
			d.retry(ctx, job)
			continue
		}
		delivered++
	}

	backlog, err := d.queue.Len(ctx)
	if err != nil {
		return delivered, err
	}
	metrics.NotificationBacklog.Set(float64(backlog))
	return delivered, nil
}

// Run flushes the queue every interval until ctx is done.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.Flush(ctx); err != nil {
				logger.Error().Err(err).Msg("Error flushing notification retries")
			}
		}
	}
}
