package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

type Wallet struct {
	PartyID     string          `json:"party_id"`
	Available   decimal.Decimal `json:"available"`
	EscrowHeld  decimal.Decimal `json:"escrow_held"`
	TotalEarned decimal.Decimal `json:"total_earned"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Bucket is the logical account a ledger entry moves funds in or out of.
type Bucket string

const (
	BucketExternal  Bucket = "external"
	BucketEscrow    Bucket = "escrow"
	BucketAvailable Bucket = "available"
)

type LedgerKind string

const (
	LedgerHold    LedgerKind = "hold"
	LedgerRelease LedgerKind = "release"
	LedgerRefund  LedgerKind = "refund"
)

// LedgerEntry is an immutable, signed movement of funds. Entries are written
// in balanced pairs so that every order nets to zero.
type LedgerEntry struct {
	ID        string          `json:"id"`
	OrderID   string          `json:"order_id"`
	PartyID   string          `json:"party_id"`
	Bucket    Bucket          `json:"bucket"`
	Kind      LedgerKind      `json:"kind"`
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt time.Time       `json:"created_at"`
}
