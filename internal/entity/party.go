package entity

import (
	"strings"
	"time"
	"unicode"
)

type Role string

const (
	RoleBuyer    Role = "buyer"
	RoleSupplier Role = "supplier"
	RoleCourier  Role = "courier"
)

func (r Role) Valid() bool {
	return r == RoleBuyer || r == RoleSupplier || r == RoleCourier
}

// Point is a WGS84 coordinate.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (p Point) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// Party is a directory entry for a buyer, supplier or courier.
type Party struct {
	ID           string    `json:"id"`
	Role         Role      `json:"role"`
	Name         string    `json:"name"`
	Phone        string    `json:"phone"`
	BusinessName string    `json:"business_name,omitempty"`
	Category     string    `json:"category,omitempty"`
	Vehicle      string    `json:"vehicle,omitempty"`
	Location     Point     `json:"location"`
	Address      string    `json:"address,omitempty"`
	IsBusy       bool      `json:"is_busy"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// DisplayName prefers the business name for suppliers.
func (p *Party) DisplayName() string {
	if p.BusinessName != "" {
		return p.BusinessName
	}
	return p.Name
}

// NormalizePhone turns local and international spellings of an Indonesian
// number into the 62-prefixed handle used by the WhatsApp gateway.
func NormalizePhone(raw string) string {
	raw = strings.TrimSuffix(strings.TrimSpace(raw), "@s.whatsapp.net")
	digits := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, raw)
	switch {
	case strings.HasPrefix(digits, "0"):
		return "62" + digits[1:]
	case strings.HasPrefix(digits, "8"):
		return "62" + digits
	}
	return digits
}
