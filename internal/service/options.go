package service

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

// Options are the matching and pricing knobs shared by the services.
type Options struct {
	SupplierRadiusKm float64
	SupplierLimit    int
	CourierRadiusKm  float64
	CourierLimit     int
	// SupplierCapacity is the number of active orders a supplier may hold.
	SupplierCapacity int

	ServiceFee        decimal.Decimal
	ShippingRatePerKm decimal.Decimal

	OfferTTL           time.Duration
	MaxBroadcastRounds int
}

func DefaultOptions() Options {
	return Options{
		SupplierRadiusKm:   10,
		SupplierLimit:      5,
		CourierRadiusKm:    5,
		CourierLimit:       5,
		SupplierCapacity:   3,
		ServiceFee:         decimal.NewFromInt(5000),
		ShippingRatePerKm:  decimal.NewFromInt(2500),
		OfferTTL:           15 * time.Minute,
		MaxBroadcastRounds: 3,
	}
}

// withDefaults fills zero values from DefaultOptions.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.SupplierRadiusKm <= 0 {
		o.SupplierRadiusKm = d.SupplierRadiusKm
	}
	if o.SupplierLimit <= 0 {
		o.SupplierLimit = d.SupplierLimit
	}
	if o.CourierRadiusKm <= 0 {
		o.CourierRadiusKm = d.CourierRadiusKm
	}
	if o.CourierLimit <= 0 {
		o.CourierLimit = d.CourierLimit
	}
	if o.SupplierCapacity <= 0 {
		o.SupplierCapacity = d.SupplierCapacity
	}
	if o.OfferTTL <= 0 {
		o.OfferTTL = d.OfferTTL
	}
	if o.MaxBroadcastRounds <= 0 {
		o.MaxBroadcastRounds = d.MaxBroadcastRounds
	}
	return o
}
