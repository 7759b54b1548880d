package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace-service/internal/entity"
)

func TestFindNearbyClampsToRoleDefaults(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	geo := NewGeoIndex(f.store, DefaultOptions())

	for i := 0; i < 7; i++ {
		f.party(t, entity.RoleSupplier, near1km)
	}
	f.party(t, entity.RoleSupplier, bandung)
	courierNear := f.party(t, entity.RoleCourier, near3km)
	f.party(t, entity.RoleCourier, entity.Point{Lat: -6.2300, Lng: 106.8272})

	suppliers, err := geo.FindNearby(ctx, monas, entity.RoleSupplier, Filter{}, -1, 0)
	require.NoError(t, err)
	assert.Len(t, suppliers, 5)

	couriers, err := geo.FindNearby(ctx, monas, entity.RoleCourier, Filter{}, 0, -3)
	require.NoError(t, err)
	require.Len(t, couriers, 1)
	assert.Equal(t, courierNear.ID, couriers[0].ID)

	wide, err := geo.FindNearby(ctx, monas, entity.RoleCourier, Filter{}, 10, 10)
	require.NoError(t, err)
	assert.Len(t, wide, 2)
}

func TestFindNearbyOrdersByDistanceThenID(t *testing.T) {
	f := newFixture(t)
	geo := NewGeoIndex(f.store, DefaultOptions())
	a := f.party(t, entity.RoleSupplier, near2km)
	b := f.party(t, entity.RoleSupplier, near2km)
	c := f.party(t, entity.RoleSupplier, near1km)

	got, err := geo.FindNearby(context.Background(), monas, entity.RoleSupplier, Filter{}, 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, c.ID, got[0].ID)
	first, second := a.ID, b.ID
	if second < first {
		first, second = second, first
	}
	assert.Equal(t, first, got[1].ID)
	assert.Equal(t, second, got[2].ID)
	assert.InDelta(t, 1.0, got[0].DistanceKm, 0.05)
	assert.InDelta(t, 2.0, got[1].DistanceKm, 0.05)
}

func TestFindNearbySkipsBusyFullAndExcluded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	geo := NewGeoIndex(f.store, DefaultOptions())
	buyer := f.party(t, entity.RoleBuyer, monas)

	full := f.party(t, entity.RoleSupplier, near1km)
	for _, status := range entity.ActiveSupplierStatuses {
		f.seedOrder(t, buyer.ID, full.ID, status)
	}
	contacted := f.party(t, entity.RoleSupplier, near1km)
	open := f.party(t, entity.RoleSupplier, near2km)

	busy := f.party(t, entity.RoleCourier, near1km)
	_, err := f.store.Repos().Parties.SetBusy(ctx, busy.ID, true, f.coordinator.now())
	require.NoError(t, err)
	free := f.party(t, entity.RoleCourier, near2km)

	suppliers, err := geo.FindNearby(ctx, monas, entity.RoleSupplier, Filter{Exclude: []string{contacted.ID}}, 0, 0)
	require.NoError(t, err)
	require.Len(t, suppliers, 1)
	assert.Equal(t, open.ID, suppliers[0].ID)

	couriers, err := geo.FindNearby(ctx, monas, entity.RoleCourier, Filter{}, 0, 0)
	require.NoError(t, err)
	require.Len(t, couriers, 1)
	assert.Equal(t, free.ID, couriers[0].ID)
}

func TestFindNearbyEmptyIsNotAnError(t *testing.T) {
	f := newFixture(t)
	geo := NewGeoIndex(f.store, DefaultOptions())

	got, err := geo.FindNearby(context.Background(), monas, entity.RoleSupplier, Filter{}, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = geo.FindNearby(context.Background(), entity.Point{Lat: 91}, entity.RoleSupplier, Filter{}, 0, 0)
	assert.ErrorIs(t, err, entity.ErrInvalidArgument)

	_, err = geo.FindNearby(context.Background(), monas, entity.RoleBuyer, Filter{}, 0, 0)
	assert.ErrorIs(t, err, entity.ErrInvalidArgument)
}
