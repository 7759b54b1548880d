package expiry

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"marketplace-service/internal/entity"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

const DefaultTaskQueue = "offer-expiry"

// Scheduler starts one expiry workflow per offer round.
type Scheduler struct {
	client    client.Client
	taskQueue string
}

func NewScheduler(c client.Client, taskQueue string) *Scheduler {
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	return &Scheduler{client: c, taskQueue: taskQueue}
}

// ScheduleExpiry is idempotent per round: the workflow id is derived from
// the order, kind and round, so a repeated call finds the running timer.
func (s *Scheduler) ScheduleExpiry(ctx context.Context, orderID string, kind entity.BroadcastKind, round int, ttl time.Duration) error {
	in := OfferRound{OrderID: orderID, Kind: kind, Round: round, TTL: ttl}
	workflowOptions := client.StartWorkflowOptions{
		ID:        in.workflowID(),
		TaskQueue: s.taskQueue,
	}

	we, err := s.client.ExecuteWorkflow(ctx, workflowOptions, OfferExpiryWorkflowName, in)
	if err != nil {
		var started *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &started) {
			return nil
		}
		logger.Error().Err(err).Msgf("Unable to schedule expiry for order %s", orderID)
		return err
	}

	logger.Info().Msgf("Scheduled %s round %d expiry for order %s (run %s)", kind, round, orderID, we.GetRunID())
	return nil
}

// NewWorker registers the expiry workflow and activity on taskQueue.
func NewWorker(c client.Client, taskQueue string, expirer Expirer) worker.Worker {
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	w := worker.New(c, taskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize:     100,
		MaxConcurrentWorkflowTaskExecutionSize: 50,
	})
	w.RegisterWorkflowWithOptions(OfferExpiryWorkflow, workflow.RegisterOptions{Name: OfferExpiryWorkflowName})
	w.RegisterActivity(NewActivities(expirer))
	return w
}

// TimerScheduler expires rounds with in-process timers. It backs local runs
// without a Temporal server; pending timers are lost on restart.
type TimerScheduler struct {
	expirer Expirer

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func NewTimerScheduler(expirer Expirer) *TimerScheduler {
	return &TimerScheduler{expirer: expirer, timers: map[string]*time.Timer{}}
}

func (s *TimerScheduler) ScheduleExpiry(ctx context.Context, orderID string, kind entity.BroadcastKind, round int, ttl time.Duration) error {
	in := OfferRound{OrderID: orderID, Kind: kind, Round: round, TTL: ttl}
	id := in.workflowID()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.timers[id]; ok {
		return nil
	}
	s.timers[id] = time.AfterFunc(ttl, func() {
		s.mu.Lock()
		delete(s.timers, id)
		s.mu.Unlock()

		if err := s.expirer.ExpireRound(context.Background(), orderID, kind, round); err != nil {
			logger.Error().Err(err).Msgf("Error expiring %s round %d of order %s", kind, round, orderID)
		}
	})
	return nil
}

// Stop cancels every pending timer.
func (s *TimerScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}
