package service

import (
	"fmt"

	"github.com/shopspring/decimal"

	"marketplace-service/internal/entity"
)

func rupiah(d decimal.Decimal) string {
	return "Rp " + d.StringFixed(0)
}

func supplierOfferText(o *entity.Order, distanceKm float64) string {
	return fmt.Sprintf("New order %s: %s %s %s for %s, delivered to %s (%.1f km away).\n"+
		"Reply ACCEPT %s [price] [SELF|COURIER] or REJECT %s.",
		o.ID, o.Quantity.String(), o.Unit, o.ProductName, rupiah(o.BuyerPrice), o.DeliveryAddress, distanceKm, o.ID, o.ID)
}

func courierOfferText(o *entity.Order, supplier string, distanceKm float64) string {
	return fmt.Sprintf("Delivery job %s: pick up %s kg from %s at %s (%.1f km away), drop at %s.\n"+
		"Reply ACCEPT %s [fee] or REJECT %s.",
		o.ID, o.WeightKg.String(), supplier, o.PickupAddress, distanceKm, o.DeliveryAddress, o.ID, o.ID)
}

const (
	jobTakenText     = "Sorry, order %s has already been taken by someone else."
	atCapacityText   = "You cannot take order %s right now: you are at your active order limit."
	supplierFullText = "Order %s cannot be confirmed right now because its supplier has too many open orders. You have not been assigned."
	noSupplierText   = "No supplier is available near you for order %s. Please try again later or widen your search."
	noCourierText    = "No courier is available for order %s yet. Reply RETRY %s to search again or CANCEL %s."
	searchAgainText  = "Looking for another supplier for order %s."
)

// statusTexts returns the notifications for a committed transition, keyed by
// the party that receives them.
func statusTexts(ch *Change) map[string]string {
	o := ch.Order
	texts := map[string]string{}
	switch ch.To {
	case entity.StatusSearchingSupplier:
		texts[o.BuyerID] = fmt.Sprintf(searchAgainText, o.ID)
	case entity.StatusWaitingBuyerApproval:
		texts[o.BuyerID] = fmt.Sprintf("A supplier offers %s for order %s (you asked %s). Reply APPROVE %s or DECLINE %s.",
			rupiah(o.SupplierPrice), o.ID, rupiah(o.BuyerPrice), o.ID, o.ID)
	case entity.StatusNegotiatingCourier:
		if ch.From == entity.StatusStuckNoCourier {
			texts[o.BuyerID] = fmt.Sprintf("Searching couriers again for order %s.", o.ID)
		} else {
			texts[o.BuyerID] = fmt.Sprintf("A supplier accepted order %s. We are now looking for a courier.", o.ID)
		}
	case entity.StatusStuckNoCourier:
		texts[o.BuyerID] = fmt.Sprintf(noCourierText, o.ID, o.ID, o.ID)
		texts[o.SupplierID] = fmt.Sprintf("No courier has been found for order %s yet.", o.ID)
	case entity.StatusWaitingPayment:
		texts[o.BuyerID] = fmt.Sprintf("Order %s is confirmed. Please pay %s (goods %s, shipping %s, service fee %s).",
			o.ID, rupiah(o.TotalAmount), rupiah(o.BuyerPrice), rupiah(o.ShippingCost), rupiah(o.ServiceFee))
		texts[o.SupplierID] = fmt.Sprintf("Order %s is confirmed and awaiting the buyer's payment.", o.ID)
		if o.CourierID != "" {
			texts[o.CourierID] = fmt.Sprintf("You are assigned to deliver order %s once it is paid.", o.ID)
		}
	case entity.StatusPaidHeld:
		texts[o.SupplierID] = fmt.Sprintf("Payment for order %s is held in escrow. Please prepare the goods for pickup.", o.ID)
		if o.CourierID != "" {
			texts[o.CourierID] = fmt.Sprintf("Order %s is paid. Pick it up at %s and reply PICKUP %s.", o.ID, o.PickupAddress, o.ID)
		}
	case entity.StatusShipping:
		texts[o.BuyerID] = fmt.Sprintf("Order %s is on its way. Give delivery code %s to the carrier on arrival.", o.ID, o.DeliveryToken)
	case entity.StatusDelivered:
		texts[o.BuyerID] = fmt.Sprintf("Order %s was delivered. Reply RECEIVED %s or PROBLEM %s <reason>.", o.ID, o.ID, o.ID)
	case entity.StatusDisputeCheck:
		texts[o.BuyerID] = fmt.Sprintf("We received your report on order %s and are reviewing it.", o.ID)
		texts[o.SupplierID] = fmt.Sprintf("The buyer reported a problem with order %s. Funds stay in escrow during review.", o.ID)
	case entity.StatusCompleted:
		texts[o.BuyerID] = fmt.Sprintf("Order %s is complete. Thank you!", o.ID)
		texts[o.SupplierID] = fmt.Sprintf("Order %s is complete. %s has been released to your wallet.", o.ID, rupiah(o.TotalAmount))
		if o.CourierID != "" {
			texts[o.CourierID] = fmt.Sprintf("Order %s is complete. You are free for new jobs.", o.ID)
		}
	case entity.StatusRefunded:
		texts[o.BuyerID] = fmt.Sprintf("Order %s was refunded. %s is back in your wallet.", o.ID, rupiah(o.TotalAmount))
		texts[o.SupplierID] = fmt.Sprintf("The dispute on order %s was resolved in the buyer's favour.", o.ID)
	case entity.StatusCancelledByBuyer:
		if o.SupplierID != "" {
			texts[o.SupplierID] = fmt.Sprintf("Order %s was cancelled by the buyer.", o.ID)
		}
		if o.CourierID != "" {
			texts[o.CourierID] = fmt.Sprintf("Order %s was cancelled by the buyer.", o.ID)
		}
	case entity.StatusFailedNoSupplier:
		texts[o.BuyerID] = fmt.Sprintf(noSupplierText, o.ID)
	}
	delete(texts, "")
	return texts
}
