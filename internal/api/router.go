package api

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handlers bundles everything the router mounts.
type Handlers struct {
	Auth      *AuthHandler
	Orders    *OrderHandler
	Parties   *PartyHandler
	Webhook   *WebhookHandler
	JWTSecret string
}

// Register mounts the public and token protected routes on e.
func Register(e *echo.Echo, h Handlers) {
	e.Validator = NewValidator()

	e.POST("/auth/token", h.Auth.IssueToken)
	e.POST("/webhook/whatsapp", h.Webhook.Receive)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(200, map[string]interface{}{
			"status":  "ok",
			"service": "marketplace-service",
			"time":    time.Now().Format(time.RFC3339),
		})
	})

	auth := JWTMiddleware(h.JWTSecret)

	parties := e.Group("/parties", auth)
	parties.POST("", h.Parties.Register)
	parties.GET("/:id", h.Parties.GetParty)
	parties.PUT("/:id/location", h.Parties.UpdateLocation)
	parties.GET("/:id/wallet", h.Parties.Wallet)

	orders := e.Group("/orders", auth)
	orders.POST("", h.Orders.CreateOrder)
	orders.GET("", h.Orders.ListOrders)
	orders.GET("/:id", h.Orders.GetOrder)
	orders.GET("/:id/broadcasts", h.Orders.Broadcasts)
	orders.GET("/:id/ledger", h.Orders.Ledger)
	orders.POST("/:id/responses", h.Orders.RecordResponse)
	orders.POST("/:id/approve", h.Orders.ApproveOffer)
	orders.POST("/:id/reject-offer", h.Orders.RejectOffer)
	orders.POST("/:id/cancel", h.Orders.CancelOrder)
	orders.POST("/:id/payment", h.Orders.ConfirmPayment)
	orders.POST("/:id/pickup", h.Orders.ConfirmPickup)
	orders.POST("/:id/delivered", h.Orders.MarkDelivered)
	orders.POST("/:id/receipt", h.Orders.ConfirmReceipt)
	orders.POST("/:id/problem", h.Orders.ReportProblem)
	orders.POST("/:id/dispute/resolve", h.Orders.ResolveDispute)
	orders.POST("/:id/courier-search", h.Orders.RetryCourierSearch)
}
