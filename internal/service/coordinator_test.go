package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace-service/internal/entity"
)

func TestCreateOrderWithNoSupplierInRangeFailsOnce(t *testing.T) {
	f := newFixture(t)
	buyer := f.party(t, entity.RoleBuyer, monas)
	f.party(t, entity.RoleSupplier, bandung)

	o := f.createOrder(t, buyer)

	assert.Equal(t, entity.StatusFailedNoSupplier, o.Status)
	assert.True(t, o.TotalAmount.Equal(decimal.NewFromInt(105000)), "total was %s", o.TotalAmount)
	assert.Empty(t, o.SupplierID)
	assert.Equal(t, 1, f.notifier.countContaining(buyer.Phone, "No supplier is available"))
	assert.Empty(t, f.scheduler.calls)
}

func TestBroadcastOffersNearestSuppliersFirst(t *testing.T) {
	f := newFixture(t)
	buyer := f.party(t, entity.RoleBuyer, monas)
	farther := f.party(t, entity.RoleSupplier, near2km)
	nearest := f.party(t, entity.RoleSupplier, near1km)
	f.party(t, entity.RoleSupplier, bandung)
	f.party(t, entity.RoleCourier, near1km)

	o := f.createOrder(t, buyer)
	assert.Equal(t, entity.StatusSearchingSupplier, o.Status)

	records, err := f.orders.Broadcasts(context.Background(), o.ID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, nearest.ID, records[0].CandidateID)
	assert.Equal(t, farther.ID, records[1].CandidateID)
	for _, rec := range records {
		assert.Equal(t, 1, rec.Round)
		assert.True(t, rec.Pending())
	}

	assert.Len(t, f.notifier.to(nearest.Phone), 1)
	assert.Len(t, f.notifier.to(farther.Phone), 1)
	require.Len(t, f.scheduler.calls, 1)
	assert.Equal(t, scheduled{orderID: o.ID, kind: entity.KindSupplier, round: 1, ttl: DefaultOptions().OfferTTL}, f.scheduler.calls[0])
}

func TestBroadcastSurvivesFailedOffer(t *testing.T) {
	f := newFixture(t)
	buyer := f.party(t, entity.RoleBuyer, monas)
	unreachable := f.party(t, entity.RoleSupplier, near1km)
	reachable := f.party(t, entity.RoleSupplier, near2km)
	f.notifier.failFor[unreachable.Phone] = true

	o := f.createOrder(t, buyer)

	assert.Equal(t, entity.StatusSearchingSupplier, o.Status)
	assert.Equal(t, 2, f.count(t, o.ID, entity.KindSupplier, entity.ResponsePending))
	assert.Len(t, f.notifier.to(reachable.Phone), 1)
}

func TestBroadcastBatchErrWhenEmpty(t *testing.T) {
	batch := &BroadcastBatch{OrderID: "o-1", Kind: entity.KindCourier}
	assert.ErrorIs(t, batch.Err(), entity.ErrNoCandidatesFound)

	batch.Records = []*entity.BroadcastRecord{{ID: "b-1"}}
	assert.NoError(t, batch.Err())
}

func TestEmptySearchReturnsEmptyBatch(t *testing.T) {
	f := newFixture(t)
	buyer := f.party(t, entity.RoleBuyer, monas)
	f.party(t, entity.RoleSupplier, bandung)
	o := f.seedOrder(t, buyer.ID, "", entity.StatusSearchingSupplier)

	batch, err := f.coordinator.StartSupplierSearch(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Empty(t, batch.Records)
	assert.ErrorIs(t, batch.Err(), entity.ErrNoCandidatesFound)
	assert.Equal(t, entity.StatusFailedNoSupplier, f.order(t, o.ID).Status)
}

func TestSelfDeliveryGoesStraightToPayment(t *testing.T) {
	f := newFixture(t)
	buyer := f.party(t, entity.RoleBuyer, monas)
	winner := f.party(t, entity.RoleSupplier, near1km)
	other := f.party(t, entity.RoleSupplier, near2km)
	o := f.createOrder(t, buyer)

	out, err := f.accept(o.ID, entity.KindSupplier, winner.ID, Terms{DeliveryMethod: entity.DeliverySelf})
	require.NoError(t, err)

	assert.Equal(t, ResolutionAccepted, out.Resolution)
	got := f.order(t, o.ID)
	assert.Equal(t, entity.StatusWaitingPayment, got.Status)
	assert.Equal(t, winner.ID, got.SupplierID)
	assert.Equal(t, entity.DeliverySelf, got.DeliveryMethod)
	assert.True(t, got.ShippingCost.IsZero())
	assert.True(t, got.TotalAmount.Equal(decimal.NewFromInt(105000)))
	require.NotNil(t, got.Pickup)
	assert.Equal(t, winner.Location, *got.Pickup)

	assert.Equal(t, 1, f.count(t, o.ID, entity.KindSupplier, entity.ResponseAccepted))
	assert.Equal(t, 1, f.count(t, o.ID, entity.KindSupplier, entity.ResponseStale))

	_, err = f.accept(o.ID, entity.KindSupplier, other.ID, Terms{})
	assert.ErrorIs(t, err, entity.ErrAlreadyResolved)
	assert.Equal(t, 1, f.notifier.countContaining(other.Phone, "already been taken"))
}

func TestConcurrentAcceptHonoursOnlyOne(t *testing.T) {
	f := newFixture(t)
	buyer := f.party(t, entity.RoleBuyer, monas)
	suppliers := []*entity.Party{
		f.party(t, entity.RoleSupplier, near1km),
		f.party(t, entity.RoleSupplier, near2km),
		f.party(t, entity.RoleSupplier, near3km),
	}
	o := f.createOrder(t, buyer)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		resolved int
	)
	for _, s := range suppliers {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := f.accept(o.ID, entity.KindSupplier, id, Terms{DeliveryMethod: entity.DeliverySelf})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, entity.ErrAlreadyResolved):
				resolved++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(s.ID)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, 2, resolved)
	assert.Equal(t, 1, f.count(t, o.ID, entity.KindSupplier, entity.ResponseAccepted))
	assert.Equal(t, entity.StatusWaitingPayment, f.order(t, o.ID).Status)
}

func TestSupplierAtCapacityCannotAccept(t *testing.T) {
	f := newFixture(t)
	buyer := f.party(t, entity.RoleBuyer, monas)
	supplier := f.party(t, entity.RoleSupplier, near1km)
	o := f.createOrder(t, buyer)

	for _, status := range entity.ActiveSupplierStatuses {
		f.seedOrder(t, buyer.ID, supplier.ID, status)
	}

	_, err := f.accept(o.ID, entity.KindSupplier, supplier.ID, Terms{DeliveryMethod: entity.DeliverySelf})
	require.ErrorIs(t, err, entity.ErrCapacityExceeded)

	got := f.order(t, o.ID)
	assert.Equal(t, entity.StatusSearchingSupplier, got.Status)
	assert.Empty(t, got.SupplierID)
	assert.Equal(t, 1, f.count(t, o.ID, entity.KindSupplier, entity.ResponsePending))
	assert.Equal(t, 1, f.notifier.countContaining(supplier.Phone, "active order limit"))
}

func TestCourierDeliveryOrdersCountTowardSupplierCapacity(t *testing.T) {
	f := newFixture(t)
	buyer := f.party(t, entity.RoleBuyer, monas)
	supplier := f.party(t, entity.RoleSupplier, near1km)

	var orders []*entity.Order
	for i := 0; i < 4; i++ {
		orders = append(orders, f.createOrder(t, buyer))
	}
	for _, o := range orders[:3] {
		_, err := f.accept(o.ID, entity.KindSupplier, supplier.ID, Terms{DeliveryMethod: entity.DeliveryCourier})
		require.NoError(t, err)
		assert.Equal(t, entity.StatusStuckNoCourier, f.order(t, o.ID).Status)
	}

	_, err := f.accept(orders[3].ID, entity.KindSupplier, supplier.ID, Terms{DeliveryMethod: entity.DeliveryCourier})
	require.ErrorIs(t, err, entity.ErrSupplierAtCapacity)
	assert.Equal(t, entity.StatusSearchingSupplier, f.order(t, orders[3].ID).Status)
	assert.Equal(t, 1, f.notifier.countContaining(supplier.Phone, "active order limit"))
}

func TestCourierIsNotBlamedForSupplierCapacity(t *testing.T) {
	f := newFixture(t)
	buyer := f.party(t, entity.RoleBuyer, monas)
	supplier := f.party(t, entity.RoleSupplier, near1km)
	courier := f.party(t, entity.RoleCourier, near1km)
	o := f.createOrder(t, buyer)

	_, err := f.accept(o.ID, entity.KindSupplier, supplier.ID, Terms{DeliveryMethod: entity.DeliveryCourier})
	require.NoError(t, err)
	require.Equal(t, entity.StatusNegotiatingCourier, f.order(t, o.ID).Status)

	for i := 0; i < DefaultOptions().SupplierCapacity; i++ {
		f.seedOrder(t, buyer.ID, supplier.ID, entity.StatusPaidHeld)
	}

	_, err = f.accept(o.ID, entity.KindCourier, courier.ID, Terms{})
	require.ErrorIs(t, err, entity.ErrSupplierAtCapacity)
	assert.Equal(t, entity.StatusNegotiatingCourier, f.order(t, o.ID).Status)
	assert.Equal(t, 1, f.notifier.countContaining(courier.Phone, "supplier has too many open orders"))
	assert.Zero(t, f.notifier.countContaining(courier.Phone, "active order limit"))

	c, err := f.parties.Get(context.Background(), courier.ID)
	require.NoError(t, err)
	assert.False(t, c.IsBusy)
}

func TestPriceChangeWaitsForBuyerApproval(t *testing.T) {
	f := newFixture(t)
	buyer := f.party(t, entity.RoleBuyer, monas)
	supplier := f.party(t, entity.RoleSupplier, near1km)
	o := f.createOrder(t, buyer)

	_, err := f.accept(o.ID, entity.KindSupplier, supplier.ID, Terms{
		OfferedPrice:   decimal.NewFromInt(120000),
		DeliveryMethod: entity.DeliverySelf,
	})
	require.NoError(t, err)

	got := f.order(t, o.ID)
	assert.Equal(t, entity.StatusWaitingBuyerApproval, got.Status)
	assert.True(t, got.SupplierPrice.Equal(decimal.NewFromInt(120000)))
	assert.True(t, got.TotalAmount.Equal(decimal.NewFromInt(105000)))
	assert.Equal(t, 1, f.notifier.countContaining(buyer.Phone, "APPROVE"))
}

func TestAllRejectionsFailOrderExactlyOnce(t *testing.T) {
	f := newFixture(t)
	buyer := f.party(t, entity.RoleBuyer, monas)
	s1 := f.party(t, entity.RoleSupplier, near1km)
	s2 := f.party(t, entity.RoleSupplier, near2km)
	o := f.createOrder(t, buyer)

	out, err := f.reject(o.ID, entity.KindSupplier, s1.ID)
	require.NoError(t, err)
	assert.Equal(t, ResolutionRejected, out.Resolution)
	assert.Equal(t, entity.StatusSearchingSupplier, f.order(t, o.ID).Status)

	out, err = f.reject(o.ID, entity.KindSupplier, s2.ID)
	require.NoError(t, err)
	assert.Equal(t, ResolutionExhausted, out.Resolution)
	assert.Equal(t, entity.StatusFailedNoSupplier, out.Order.Status)

	out, err = f.reject(o.ID, entity.KindSupplier, s2.ID)
	require.NoError(t, err)
	assert.Equal(t, ResolutionIgnored, out.Resolution)

	assert.Equal(t, entity.StatusFailedNoSupplier, f.order(t, o.ID).Status)
	assert.Equal(t, 1, f.notifier.countContaining(buyer.Phone, "No supplier is available"))
	assert.Equal(t, 2, f.count(t, o.ID, entity.KindSupplier, entity.ResponseRejected))
}

func TestResponseFromUncontactedPartyIsNotFound(t *testing.T) {
	f := newFixture(t)
	buyer := f.party(t, entity.RoleBuyer, monas)
	f.party(t, entity.RoleSupplier, near1km)
	stranger := f.party(t, entity.RoleSupplier, bandung)
	o := f.createOrder(t, buyer)

	_, err := f.accept(o.ID, entity.KindSupplier, stranger.ID, Terms{})
	assert.ErrorIs(t, err, entity.ErrNotFound)
}

func TestCourierPathPricesShippingByDistance(t *testing.T) {
	f := newFixture(t)
	buyer := f.party(t, entity.RoleBuyer, monas)
	supplier := f.party(t, entity.RoleSupplier, near2km)
	courier := f.party(t, entity.RoleCourier, near3km)
	o := f.createOrder(t, buyer)

	_, err := f.accept(o.ID, entity.KindSupplier, supplier.ID, Terms{DeliveryMethod: entity.DeliveryCourier})
	require.NoError(t, err)
	assert.Equal(t, entity.StatusNegotiatingCourier, f.order(t, o.ID).Status)
	assert.Equal(t, 1, f.count(t, o.ID, entity.KindCourier, entity.ResponsePending))
	assert.Equal(t, 1, f.notifier.countContaining(courier.Phone, "from "+supplier.Name+" at "+supplier.Address))

	_, err = f.accept(o.ID, entity.KindCourier, courier.ID, Terms{})
	require.NoError(t, err)

	got := f.order(t, o.ID)
	assert.Equal(t, entity.StatusWaitingPayment, got.Status)
	assert.Equal(t, courier.ID, got.CourierID)
	// roughly 2 km at 2500 per km
	assert.True(t, got.ShippingCost.GreaterThan(decimal.NewFromInt(4900)), "shipping %s", got.ShippingCost)
	assert.True(t, got.ShippingCost.LessThan(decimal.NewFromInt(5100)), "shipping %s", got.ShippingCost)
	assert.True(t, got.TotalConsistent())

	c, err := f.parties.Get(context.Background(), courier.ID)
	require.NoError(t, err)
	assert.True(t, c.IsBusy)
}

func TestBusyCourierCannotAccept(t *testing.T) {
	f := newFixture(t)
	buyer := f.party(t, entity.RoleBuyer, monas)
	supplier := f.party(t, entity.RoleSupplier, near1km)
	courier := f.party(t, entity.RoleCourier, near1km)
	o := f.createOrder(t, buyer)

	_, err := f.accept(o.ID, entity.KindSupplier, supplier.ID, Terms{DeliveryMethod: entity.DeliveryCourier})
	require.NoError(t, err)

	ok, err := f.store.Repos().Parties.SetBusy(context.Background(), courier.ID, true, f.coordinator.now())
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.accept(o.ID, entity.KindCourier, courier.ID, Terms{OfferedPrice: decimal.NewFromInt(8000)})
	require.ErrorIs(t, err, entity.ErrCapacityExceeded)
	assert.Equal(t, entity.StatusNegotiatingCourier, f.order(t, o.ID).Status)
	assert.Equal(t, 1, f.count(t, o.ID, entity.KindCourier, entity.ResponsePending))

	_, err = f.store.Repos().Parties.SetBusy(context.Background(), courier.ID, false, f.coordinator.now())
	require.NoError(t, err)

	_, err = f.accept(o.ID, entity.KindCourier, courier.ID, Terms{OfferedPrice: decimal.NewFromInt(8000)})
	require.NoError(t, err)
	got := f.order(t, o.ID)
	assert.True(t, got.ShippingCost.Equal(decimal.NewFromInt(8000)))
	assert.True(t, got.TotalAmount.Equal(decimal.NewFromInt(113000)))
}

func TestNoCourierInRangeGetsStuck(t *testing.T) {
	f := newFixture(t)
	buyer := f.party(t, entity.RoleBuyer, monas)
	supplier := f.party(t, entity.RoleSupplier, near1km)
	o := f.createOrder(t, buyer)

	_, err := f.accept(o.ID, entity.KindSupplier, supplier.ID, Terms{DeliveryMethod: entity.DeliveryCourier})
	require.NoError(t, err)

	assert.Equal(t, entity.StatusStuckNoCourier, f.order(t, o.ID).Status)
	assert.Equal(t, 1, f.notifier.countContaining(buyer.Phone, "No courier is available"))

	courier := f.party(t, entity.RoleCourier, near1km)
	got, err := f.orders.RetryCourierSearch(context.Background(), o.ID, buyer.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusNegotiatingCourier, got.Status)
	assert.Len(t, f.notifier.to(courier.Phone), 1)
}

func TestExpiredRoundsRebroadcastThenEscalate(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.SupplierLimit = 1
		o.MaxBroadcastRounds = 2
	})
	ctx := context.Background()
	buyer := f.party(t, entity.RoleBuyer, monas)
	first := f.party(t, entity.RoleSupplier, near1km)
	second := f.party(t, entity.RoleSupplier, near2km)
	o := f.createOrder(t, buyer)
	assert.Len(t, f.notifier.to(first.Phone), 1)

	require.NoError(t, f.coordinator.ExpireRound(ctx, o.ID, entity.KindSupplier, 1))
	assert.Equal(t, entity.StatusSearchingSupplier, f.order(t, o.ID).Status)
	assert.Equal(t, 1, f.count(t, o.ID, entity.KindSupplier, entity.ResponseExpired))
	assert.Len(t, f.notifier.to(second.Phone), 1)
	require.Len(t, f.scheduler.calls, 2)
	assert.Equal(t, 2, f.scheduler.calls[1].round)

	// a timer for an old round changes nothing
	require.NoError(t, f.coordinator.ExpireRound(ctx, o.ID, entity.KindSupplier, 1))
	assert.Equal(t, 1, f.count(t, o.ID, entity.KindSupplier, entity.ResponsePending))

	require.NoError(t, f.coordinator.ExpireRound(ctx, o.ID, entity.KindSupplier, 2))
	assert.Equal(t, entity.StatusFailedNoSupplier, f.order(t, o.ID).Status)
	assert.Equal(t, 2, f.count(t, o.ID, entity.KindSupplier, entity.ResponseExpired))
	assert.Equal(t, 1, f.notifier.countContaining(buyer.Phone, "No supplier is available"))
}

func TestExpiryAfterAcceptanceIsNoop(t *testing.T) {
	f := newFixture(t)
	buyer := f.party(t, entity.RoleBuyer, monas)
	supplier := f.party(t, entity.RoleSupplier, near1km)
	o := f.createOrder(t, buyer)

	_, err := f.accept(o.ID, entity.KindSupplier, supplier.ID, Terms{})
	require.NoError(t, err)

	require.NoError(t, f.coordinator.ExpireRound(context.Background(), o.ID, entity.KindSupplier, 1))
	assert.Equal(t, entity.StatusWaitingPayment, f.order(t, o.ID).Status)
	assert.Equal(t, 0, f.count(t, o.ID, entity.KindSupplier, entity.ResponseExpired))
}
