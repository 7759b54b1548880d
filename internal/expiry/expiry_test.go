package expiry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"

	"marketplace-service/internal/entity"
)

type fakeExpirer struct {
	mu    sync.Mutex
	calls []OfferRound
	err   error
}

func (f *fakeExpirer) ExpireRound(ctx context.Context, orderID string, kind entity.BroadcastKind, round int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, OfferRound{OrderID: orderID, Kind: kind, Round: round})
	return f.err
}

func (f *fakeExpirer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestOfferExpiryWorkflowWaitsForTTL(t *testing.T) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	expirer := &fakeExpirer{}
	env.RegisterWorkflow(OfferExpiryWorkflow)
	env.RegisterActivity(NewActivities(expirer))

	round := OfferRound{OrderID: "o1", Kind: entity.KindCourier, Round: 2, TTL: 15 * time.Minute}
	env.RegisterDelayedCallback(func() {
		assert.Zero(t, expirer.count(), "expired before the TTL")
	}, 14*time.Minute)

	env.ExecuteWorkflow(OfferExpiryWorkflow, round)

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	require.Len(t, expirer.calls, 1)
	assert.Equal(t, "o1", expirer.calls[0].OrderID)
	assert.Equal(t, entity.KindCourier, expirer.calls[0].Kind)
	assert.Equal(t, 2, expirer.calls[0].Round)
}

func TestOfferExpiryWorkflowRetriesThenFails(t *testing.T) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	expirer := &fakeExpirer{err: errors.New("database unavailable")}
	env.RegisterWorkflow(OfferExpiryWorkflow)
	env.RegisterActivity(NewActivities(expirer))

	env.ExecuteWorkflow(OfferExpiryWorkflow, OfferRound{OrderID: "o1", Kind: entity.KindSupplier, Round: 1, TTL: time.Minute})

	require.True(t, env.IsWorkflowCompleted())
	err := env.GetWorkflowError()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database unavailable")
	assert.Equal(t, 3, expirer.count())
}

func TestExpireOffersActivity(t *testing.T) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestActivityEnvironment()

	expirer := &fakeExpirer{}
	act := NewActivities(expirer)
	env.RegisterActivity(act.ExpireOffers)

	_, err := env.ExecuteActivity(act.ExpireOffers, OfferRound{OrderID: "o9", Kind: entity.KindSupplier, Round: 3})
	require.NoError(t, err)
	assert.Equal(t, 1, expirer.count())
}

func TestTimerSchedulerFiresOncePerRound(t *testing.T) {
	expirer := &fakeExpirer{}
	s := NewTimerScheduler(expirer)
	defer s.Stop()

	ctx := context.Background()
	require.NoError(t, s.ScheduleExpiry(ctx, "o1", entity.KindSupplier, 1, 10*time.Millisecond))
	require.NoError(t, s.ScheduleExpiry(ctx, "o1", entity.KindSupplier, 1, 10*time.Millisecond))

	require.Eventually(t, func() bool { return expirer.count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, expirer.count())
}

func TestWorkflowIDIsStablePerRound(t *testing.T) {
	a := OfferRound{OrderID: "o1", Kind: entity.KindCourier, Round: 2, TTL: time.Minute}
	b := OfferRound{OrderID: "o1", Kind: entity.KindCourier, Round: 2, TTL: time.Hour}
	assert.Equal(t, "offer-expiry-o1-courier-2", a.workflowID())
	assert.Equal(t, a.workflowID(), b.workflowID())
}
