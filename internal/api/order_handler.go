package api

import (
	"fmt"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"marketplace-service/internal/entity"
	"marketplace-service/internal/service"
)

type OrderHandler struct {
	orders      *service.OrderService
	coordinator *service.Coordinator
}

func NewOrderHandler(orders *service.OrderService, coordinator *service.Coordinator) *OrderHandler {
	return &OrderHandler{orders: orders, coordinator: coordinator}
}

// CreateOrder --> POST /orders
func (h *OrderHandler) CreateOrder(c echo.Context) error {
	req := service.CreateOrderRequest{}
	if err := c.Bind(&req); err != nil {
		return c.JSON(400, map[string]string{"error": "Invalid request payload"})
	}
	if actor := actorID(c); actor != "" {
		if req.BuyerID == "" {
			req.BuyerID = actor
		}
		if req.BuyerID != actor {
			return c.JSON(403, map[string]string{"error": "cannot order on behalf of another buyer"})
		}
	}
	if err := c.Validate(&req); err != nil {
		return respondError(c, err)
	}
	req.IdempotencyKey = c.Request().Header.Get("Idempotency-Key")

	order, err := h.orders.CreateOrder(c.Request().Context(), req)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(201, order)
}

// GetOrder --> GET /orders/:id
func (h *OrderHandler) GetOrder(c echo.Context) error {
	order, err := h.visibleOrder(c)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(200, order)
}

// ListOrders --> GET /orders?buyer_id=
func (h *OrderHandler) ListOrders(c echo.Context) error {
	partyID := c.QueryParam("buyer_id")
	if partyID == "" {
		partyID = c.QueryParam("party_id")
	}
	if actor := actorID(c); actor != "" {
		if partyID == "" {
			partyID = actor
		}
		if partyID != actor {
			return c.JSON(403, map[string]string{"error": "Forbidden"})
		}
	}
	if partyID == "" {
		return c.JSON(400, map[string]string{"error": "buyer_id is required"})
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))

	orders, err := h.orders.ListOrders(c.Request().Context(), partyID, limit)
	if err != nil {
		return respondError(c, err)
	}
	if orders == nil {
		orders = []*entity.Order{}
	}
	return c.JSON(200, orders)
}

// Broadcasts --> GET /orders/:id/broadcasts
func (h *OrderHandler) Broadcasts(c echo.Context) error {
	if _, err := h.visibleOrder(c); err != nil {
		return respondError(c, err)
	}
	records, err := h.orders.Broadcasts(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, err)
	}
	if records == nil {
		records = []*entity.BroadcastRecord{}
	}
	return c.JSON(200, records)
}

// Ledger --> GET /orders/:id/ledger
func (h *OrderHandler) Ledger(c echo.Context) error {
	if _, err := h.visibleOrder(c); err != nil {
		return respondError(c, err)
	}
	entries, err := h.orders.LedgerEntries(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, err)
	}
	if entries == nil {
		entries = []*entity.LedgerEntry{}
	}
	return c.JSON(200, entries)
}

type responseRequest struct {
	Kind           entity.BroadcastKind  `json:"kind" validate:"required,oneof=supplier courier"`
	CandidateID    string                `json:"candidate_id"`
	Accept         bool                  `json:"accept"`
	OfferedPrice   decimal.Decimal       `json:"offered_price"`
	DeliveryMethod entity.DeliveryMethod `json:"delivery_method" validate:"omitempty,oneof=self courier"`
	Note           string                `json:"note"`
}

// RecordResponse --> POST /orders/:id/responses
func (h *OrderHandler) RecordResponse(c echo.Context) error {
	req := responseRequest{}
	if err := c.Bind(&req); err != nil {
		return c.JSON(400, map[string]string{"error": "Invalid request payload"})
	}
	if actor := actorID(c); actor != "" {
		if req.CandidateID == "" {
			req.CandidateID = actor
		}
		if req.CandidateID != actor {
			return c.JSON(403, map[string]string{"error": "cannot respond for another party"})
		}
	}
	if err := c.Validate(&req); err != nil {
		return respondError(c, err)
	}
	if req.CandidateID == "" {
		return c.JSON(400, map[string]string{"error": "candidate_id is required"})
	}

	outcome, err := h.coordinator.RecordResponse(c.Request().Context(), c.Param("id"), req.Kind, req.CandidateID, req.Accept, service.Terms{
		OfferedPrice:   req.OfferedPrice,
		DeliveryMethod: req.DeliveryMethod,
		Note:           req.Note,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(200, outcome)
}

// ApproveOffer --> POST /orders/:id/approve
func (h *OrderHandler) ApproveOffer(c echo.Context) error {
	return h.reply(c)(h.orders.ApproveOffer(c.Request().Context(), c.Param("id"), actorID(c)))
}

// RejectOffer --> POST /orders/:id/reject-offer
func (h *OrderHandler) RejectOffer(c echo.Context) error {
	return h.reply(c)(h.orders.RejectOffer(c.Request().Context(), c.Param("id"), actorID(c)))
}

// CancelOrder --> POST /orders/:id/cancel
func (h *OrderHandler) CancelOrder(c echo.Context) error {
	return h.reply(c)(h.orders.CancelOrder(c.Request().Context(), c.Param("id"), actorID(c)))
}

// ConfirmPayment --> POST /orders/:id/payment (admin)
func (h *OrderHandler) ConfirmPayment(c echo.Context) error {
	if !isAdmin(c) {
		return c.JSON(403, map[string]string{"error": "Forbidden"})
	}
	req := struct {
		Amount decimal.Decimal `json:"amount"`
	}{}
	if err := c.Bind(&req); err != nil {
		return c.JSON(400, map[string]string{"error": "Invalid request payload"})
	}
	return h.reply(c)(h.orders.ConfirmPayment(c.Request().Context(), c.Param("id"), req.Amount))
}

// ConfirmPickup --> POST /orders/:id/pickup
func (h *OrderHandler) ConfirmPickup(c echo.Context) error {
	req := struct {
		PhotoURL string `json:"photo_url"`
	}{}
	if err := c.Bind(&req); err != nil {
		return c.JSON(400, map[string]string{"error": "Invalid request payload"})
	}
	return h.reply(c)(h.orders.ConfirmPickup(c.Request().Context(), c.Param("id"), actorID(c), req.PhotoURL))
}

// MarkDelivered --> POST /orders/:id/delivered
func (h *OrderHandler) MarkDelivered(c echo.Context) error {
	req := struct {
		Token string `json:"token" validate:"required"`
	}{}
	if err := c.Bind(&req); err != nil {
		return c.JSON(400, map[string]string{"error": "Invalid request payload"})
	}
	if err := c.Validate(&req); err != nil {
		return respondError(c, err)
	}
	return h.reply(c)(h.orders.MarkDelivered(c.Request().Context(), c.Param("id"), actorID(c), req.Token))
}

// ConfirmReceipt --> POST /orders/:id/receipt
func (h *OrderHandler) ConfirmReceipt(c echo.Context) error {
	return h.reply(c)(h.orders.ConfirmReceipt(c.Request().Context(), c.Param("id"), actorID(c)))
}

// ReportProblem --> POST /orders/:id/problem
func (h *OrderHandler) ReportProblem(c echo.Context) error {
	req := struct {
		Reason      string `json:"reason" validate:"required"`
		EvidenceURL string `json:"evidence_url" validate:"omitempty,url"`
	}{}
	if err := c.Bind(&req); err != nil {
		return c.JSON(400, map[string]string{"error": "Invalid request payload"})
	}
	if err := c.Validate(&req); err != nil {
		return respondError(c, err)
	}
	return h.reply(c)(h.orders.ReportProblem(c.Request().Context(), c.Param("id"), actorID(c), req.Reason, req.EvidenceURL))
}

// ResolveDispute --> POST /orders/:id/dispute/resolve (admin)
func (h *OrderHandler) ResolveDispute(c echo.Context) error {
	if !isAdmin(c) {
		return c.JSON(403, map[string]string{"error": "Forbidden"})
	}
	req := struct {
		Refund bool `json:"refund"`
	}{}
	if err := c.Bind(&req); err != nil {
		return c.JSON(400, map[string]string{"error": "Invalid request payload"})
	}
	return h.reply(c)(h.orders.ResolveDispute(c.Request().Context(), c.Param("id"), req.Refund))
}

// RetryCourierSearch --> POST /orders/:id/courier-search
func (h *OrderHandler) RetryCourierSearch(c echo.Context) error {
	return h.reply(c)(h.orders.RetryCourierSearch(c.Request().Context(), c.Param("id"), actorID(c)))
}

func (h *OrderHandler) reply(c echo.Context) func(*entity.Order, error) error {
	return func(o *entity.Order, err error) error {
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(200, o)
	}
}

// visibleOrder loads the order in the path, hiding it from parties that take
// no part in it.
func (h *OrderHandler) visibleOrder(c echo.Context) (*entity.Order, error) {
	order, err := h.orders.GetOrder(c.Request().Context(), c.Param("id"))
	if err != nil {
		return nil, err
	}
	if actor := actorID(c); actor != "" && !order.IsParty(actor) {
		return nil, fmt.Errorf("party %s on order %s: %w", actor, order.ID, entity.ErrForbidden)
	}
	return order, nil
}
