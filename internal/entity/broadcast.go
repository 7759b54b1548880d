package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

// BroadcastKind separates supplier offers from courier offers.
type BroadcastKind string

const (
	KindSupplier BroadcastKind = "supplier"
	KindCourier  BroadcastKind = "courier"
)

// Role is the party role an offer of this kind is sent to.
func (k BroadcastKind) Role() Role {
	if k == KindCourier {
		return RoleCourier
	}
	return RoleSupplier
}

// Response is the outcome recorded on a broadcast. Empty means pending.
type Response string

const (
	ResponsePending  Response = ""
	ResponseAccepted Response = "accepted"
	ResponseRejected Response = "rejected"
	// ResponseStale marks offers made moot by another candidate's acceptance.
	ResponseStale   Response = "stale"
	ResponseExpired Response = "expired"
	// ResponseSuperseded marks an acceptance the buyer later declined.
	ResponseSuperseded Response = "superseded"
)

// BroadcastRecord is one outstanding offer of an order to a candidate.
type BroadcastRecord struct {
	ID           string          `json:"id"`
	OrderID      string          `json:"order_id"`
	CandidateID  string          `json:"candidate_id"`
	Kind         BroadcastKind   `json:"kind"`
	Round        int             `json:"round"`
	DistanceKm   float64         `json:"distance_km"`
	SentAt       time.Time       `json:"sent_at"`
	Response     Response        `json:"response,omitempty"`
	RespondedAt  *time.Time      `json:"responded_at,omitempty"`
	OfferedPrice decimal.Decimal `json:"offered_price"`
	Note         string          `json:"note,omitempty"`
}

func (b *BroadcastRecord) Pending() bool {
	return b.Response == ResponsePending
}
