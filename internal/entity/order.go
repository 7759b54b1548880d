package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the fulfilment status of an order.
type Status string

const (
	StatusSearchingSupplier    Status = "searching_supplier"
	StatusWaitingBuyerApproval Status = "waiting_buyer_approval"
	StatusNegotiatingCourier   Status = "negotiating_courier"
	StatusStuckNoCourier       Status = "stuck_no_courier"
	StatusWaitingPayment       Status = "waiting_payment"
	StatusPaidHeld             Status = "paid_held"
	StatusShipping             Status = "shipping"
	StatusDelivered            Status = "delivered"
	StatusDisputeCheck         Status = "dispute_check"
	StatusCompleted            Status = "completed"
	StatusRefunded             Status = "refunded"
	StatusCancelledByBuyer     Status = "cancelled_by_buyer"
	StatusFailedNoSupplier     Status = "failed_no_supplier"
)

// DeliveryMethod is chosen by the supplier when accepting an order.
type DeliveryMethod string

const (
	DeliverySelf    DeliveryMethod = "self"
	DeliveryCourier DeliveryMethod = "courier"
)

// ActiveSupplierStatuses count against a supplier's concurrent order capacity:
// every order the supplier has accepted until it is delivered or dropped.
var ActiveSupplierStatuses = []Status{
	StatusWaitingBuyerApproval,
	StatusNegotiatingCourier,
	StatusStuckNoCourier,
	StatusWaitingPayment,
	StatusPaidHeld,
	StatusShipping,
}

type Order struct {
	ID         string `json:"id"`
	BuyerID    string `json:"buyer_id"`
	SupplierID string `json:"supplier_id,omitempty"`
	CourierID  string `json:"courier_id,omitempty"`

	ProductName   string          `json:"product_name"`
	Quantity      decimal.Decimal `json:"quantity"`
	Unit          string          `json:"unit"`
	WeightKg      decimal.Decimal `json:"weight_kg"`
	BuyerPrice    decimal.Decimal `json:"buyer_price"`
	SupplierPrice decimal.Decimal `json:"supplier_price"`
	ShippingCost  decimal.Decimal `json:"shipping_cost"`
	ServiceFee    decimal.Decimal `json:"service_fee"`
	TotalAmount   decimal.Decimal `json:"total_amount"`

	DeliveryMethod  DeliveryMethod `json:"delivery_method,omitempty"`
	Pickup          *Point         `json:"pickup,omitempty"`
	PickupAddress   string         `json:"pickup_address,omitempty"`
	Delivery        Point          `json:"delivery"`
	DeliveryAddress string         `json:"delivery_address"`

	Status Status `json:"status"`

	PaidAt            *time.Time `json:"paid_at,omitempty"`
	PickupPhotoURL    string     `json:"pickup_photo_url,omitempty"`
	DeliveryToken     string     `json:"-"`
	DisputeReason     string     `json:"dispute_reason,omitempty"`
	DisputeEvidence   string     `json:"dispute_evidence_url,omitempty"`
	DisputeConfidence *float64   `json:"dispute_confidence,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Recalculate derives TotalAmount from its addends.
func (o *Order) Recalculate() {
	o.TotalAmount = o.BuyerPrice.Add(o.ServiceFee).Add(o.ShippingCost)
}

// TotalConsistent reports whether TotalAmount matches its addends.
func (o *Order) TotalConsistent() bool {
	return o.TotalAmount.Equal(o.BuyerPrice.Add(o.ServiceFee).Add(o.ShippingCost))
}

// IsParty reports whether partyID is bound to the order in any role.
func (o *Order) IsParty(partyID string) bool {
	return partyID != "" && (partyID == o.BuyerID || partyID == o.SupplierID || partyID == o.CourierID)
}

// Carrier is the party responsible for moving the goods: the courier, or the
// supplier when delivering themselves.
func (o *Order) Carrier() string {
	if o.DeliveryMethod == DeliveryCourier {
		return o.CourierID
	}
	return o.SupplierID
}

// Clone returns a copy that shares no pointers with o.
func (o *Order) Clone() *Order {
	c := *o
	if o.Pickup != nil {
		p := *o.Pickup
		c.Pickup = &p
	}
	if o.PaidAt != nil {
		t := *o.PaidAt
		c.PaidAt = &t
	}
	if o.DisputeConfidence != nil {
		f := *o.DisputeConfidence
		c.DisputeConfidence = &f
	}
	return &c
}
