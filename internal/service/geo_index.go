package service

import (
	"context"
	"fmt"

	"marketplace-service/internal/entity"
	"marketplace-service/internal/repository"
)

// Filter narrows a nearby search beyond role and radius.
type Filter struct {
	// Exclude drops parties already contacted for the order.
	Exclude []string
}

// GeoIndex ranks candidate suppliers and couriers around a point.
type GeoIndex struct {
	store repository.Store
	opts  Options
}

func NewGeoIndex(store repository.Store, opts Options) *GeoIndex {
	return &GeoIndex{store: store, opts: opts.withDefaults()}
}

// FindNearby returns active parties of role within radiusKm, nearest first.
// Suppliers at capacity and busy couriers are skipped. Non-positive radius
// or result limits fall back to the role's defaults. An empty result is not
// an error.
func (g *GeoIndex) FindNearby(ctx context.Context, point entity.Point, role entity.Role, filter Filter, radiusKm float64, maxResults int) ([]repository.Candidate, error) {
	if !point.Valid() {
		return nil, fmt.Errorf("point %v: %w", point, entity.ErrInvalidArgument)
	}

	q := repository.NearbyQuery{
		Point:   point,
		Role:    role,
		Exclude: filter.Exclude,
	}
	switch role {
	case entity.RoleSupplier:
		q.RadiusKm, q.Limit = g.opts.SupplierRadiusKm, g.opts.SupplierLimit
		q.MaxActiveOrders = g.opts.SupplierCapacity
	case entity.RoleCourier:
		q.RadiusKm, q.Limit = g.opts.CourierRadiusKm, g.opts.CourierLimit
		q.ExcludeBusy = true
	default:
		return nil, fmt.Errorf("nearby search for role %q: %w", role, entity.ErrInvalidArgument)
	}
	if radiusKm > 0 {
		q.RadiusKm = radiusKm
	}
	if maxResults > 0 {
		q.Limit = maxResults
	}

	candidates, err := g.store.Repos().Parties.FindNearby(ctx, q)
	if err != nil {
		logger.Error().Err(err).Msgf("Error searching %s candidates near %v", role, point)
		return nil, err
	}
	return candidates, nil
}
