package api

import (
	"github.com/labstack/echo/v4"

	"marketplace-service/internal/entity"
	"marketplace-service/internal/service"
)

type PartyHandler struct {
	parties *service.PartyService
}

func NewPartyHandler(parties *service.PartyService) *PartyHandler {
	return &PartyHandler{parties: parties}
}

// Register --> POST /parties (admin)
func (h *PartyHandler) Register(c echo.Context) error {
	if !isAdmin(c) {
		return c.JSON(403, map[string]string{"error": "Forbidden"})
	}
	req := service.RegisterPartyRequest{}
	if err := c.Bind(&req); err != nil {
		return c.JSON(400, map[string]string{"error": "Invalid request payload"})
	}
	if err := c.Validate(&req); err != nil {
		return respondError(c, err)
	}

	party, err := h.parties.Register(c.Request().Context(), req)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(201, party)
}

// GetParty --> GET /parties/:id
func (h *PartyHandler) GetParty(c echo.Context) error {
	party, err := h.parties.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(200, party)
}

// UpdateLocation --> PUT /parties/:id/location
func (h *PartyHandler) UpdateLocation(c echo.Context) error {
	if !h.self(c) {
		return c.JSON(403, map[string]string{"error": "Forbidden"})
	}
	req := struct {
		Lat     float64 `json:"lat" validate:"gte=-90,lte=90"`
		Lng     float64 `json:"lng" validate:"gte=-180,lte=180"`
		Address string  `json:"address"`
	}{}
	if err := c.Bind(&req); err != nil {
		return c.JSON(400, map[string]string{"error": "Invalid request payload"})
	}
	if err := c.Validate(&req); err != nil {
		return respondError(c, err)
	}

	party, err := h.parties.UpdateLocation(c.Request().Context(), c.Param("id"), entity.Point{Lat: req.Lat, Lng: req.Lng}, req.Address)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(200, party)
}

// Wallet --> GET /parties/:id/wallet
func (h *PartyHandler) Wallet(c echo.Context) error {
	if !h.self(c) {
		return c.JSON(403, map[string]string{"error": "Forbidden"})
	}
	wallet, err := h.parties.Wallet(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(200, wallet)
}

func (h *PartyHandler) self(c echo.Context) bool {
	actor := actorID(c)
	return actor == "" || actor == c.Param("id")
}
