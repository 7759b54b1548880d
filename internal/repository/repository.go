// Package repository declares the typed persistence contracts the service
// layer depends on. Implementations live in the mysql and memory
// subpackages.
package repository

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"marketplace-service/internal/entity"
)

// Store hands out repositories, either bound to a single transaction or not.
type Store interface {
	// Repos returns repositories for reads outside a transaction.
	Repos() Repos
	// WithTx runs fn in one transaction. Any error returned by fn rolls back
	// every write fn made.
	WithTx(ctx context.Context, fn func(r Repos) error) error
}

type Repos struct {
	Orders     OrderRepository
	Broadcasts BroadcastRepository
	Parties    PartyRepository
	Wallets    WalletRepository
}

type OrderRepository interface {
	Create(ctx context.Context, o *entity.Order) error
	Get(ctx context.Context, id string) (*entity.Order, error)
	// GetForUpdate locks the order row until the transaction ends, so that
	// concurrent responders queue behind one another.
	GetForUpdate(ctx context.Context, id string) (*entity.Order, error)
	// UpdateIfStatus writes every mutable column of o only if the stored
	// status still equals expected. It reports whether the row was written.
	UpdateIfStatus(ctx context.Context, o *entity.Order, expected entity.Status) (bool, error)
	ListByParty(ctx context.Context, partyID string, limit int) ([]*entity.Order, error)
	CountActiveBySupplier(ctx context.Context, supplierID, excludeOrderID string) (int, error)
}

type BroadcastRepository interface {
	CreateBatch(ctx context.Context, records []*entity.BroadcastRecord) error
	Find(ctx context.Context, orderID string, kind entity.BroadcastKind, candidateID string) (*entity.BroadcastRecord, error)
	// Respond records a response on a still-pending record. It reports
	// whether the record was pending.
	Respond(ctx context.Context, id string, response entity.Response, at time.Time, price decimal.Decimal, note string) (bool, error)
	// ClosePending sets response on every pending record of the order and
	// kind. A round of zero matches all rounds.
	ClosePending(ctx context.Context, orderID string, kind entity.BroadcastKind, round int, response entity.Response, at time.Time) (int64, error)
	// Supersede turns the accepted record of the kind into superseded.
	Supersede(ctx context.Context, orderID string, kind entity.BroadcastKind, at time.Time) (int64, error)
	CountByResponse(ctx context.Context, orderID string, kind entity.BroadcastKind, response entity.Response) (int, error)
	ListByOrder(ctx context.Context, orderID string) ([]*entity.BroadcastRecord, error)
}

// NearbyQuery selects active parties of one role within a radius.
type NearbyQuery struct {
	Point    entity.Point
	Role     entity.Role
	RadiusKm float64
	Limit    int
	// MaxActiveOrders drops suppliers holding this many active orders. Zero disables it.
	MaxActiveOrders int
	ExcludeBusy     bool
	Exclude         []string
}

// Candidate is a party returned by a nearby search.
type Candidate struct {
	entity.Party
	DistanceKm float64 `json:"distance_km"`
}

type PartyRepository interface {
	Create(ctx context.Context, p *entity.Party) error
	Get(ctx context.Context, id string) (*entity.Party, error)
	// GetForUpdate locks the party row until the transaction ends.
	GetForUpdate(ctx context.Context, id string) (*entity.Party, error)
	GetByPhone(ctx context.Context, phone string) (*entity.Party, error)
	UpdateLocation(ctx context.Context, id string, p entity.Point, address string, at time.Time) error
	// SetBusy flips the busy flag only if it currently holds the opposite
	// value, and reports whether it did.
	SetBusy(ctx context.Context, id string, busy bool, at time.Time) (bool, error)
	// FindNearby orders results by distance, then party id.
	FindNearby(ctx context.Context, q NearbyQuery) ([]Candidate, error)
}

type WalletRepository interface {
	Get(ctx context.Context, partyID string) (*entity.Wallet, error)
	// GetForUpdate creates an empty wallet when missing and locks it.
	GetForUpdate(ctx context.Context, partyID string) (*entity.Wallet, error)
	Save(ctx context.Context, w *entity.Wallet) error
	AppendEntries(ctx context.Context, entries ...*entity.LedgerEntry) error
	// EscrowHeld sums the escrow bucket of an order's entries.
	EscrowHeld(ctx context.Context, orderID string) (decimal.Decimal, error)
	Entries(ctx context.Context, orderID string) ([]*entity.LedgerEntry, error)
}
