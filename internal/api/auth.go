package api

import (
	"crypto/subtle"
	"time"

	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"

	"marketplace-service/internal/service"
)

// JwtCustomClaims scope a token to one party. An empty PartyID is an admin
// token that may act on any order.
type JwtCustomClaims struct {
	PartyID string `json:"party_id,omitempty"`
	Role    string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

type AuthHandler struct {
	secret   []byte
	adminKey string
	ttl      time.Duration
	parties  *service.PartyService
}

func NewAuthHandler(secret, adminKey string, ttl time.Duration, parties *service.PartyService) *AuthHandler {
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &AuthHandler{secret: []byte(secret), adminKey: adminKey, ttl: ttl, parties: parties}
}

// IssueToken trades the admin key for a JWT --> /auth/token
// With party_id set the token acts as that party.
func (h *AuthHandler) IssueToken(c echo.Context) error {
	req := struct {
		APIKey  string `json:"api_key"`
		PartyID string `json:"party_id"`
	}{}
	if err := c.Bind(&req); err != nil {
		return c.JSON(400, map[string]string{"error": "Invalid request payload"})
	}
	if h.adminKey == "" || subtle.ConstantTimeCompare([]byte(req.APIKey), []byte(h.adminKey)) != 1 {
		return c.JSON(401, map[string]string{"error": "Unauthorized"})
	}

	claims := &JwtCustomClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "admin",
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(h.ttl)),
		},
	}
	if req.PartyID != "" {
		p, err := h.parties.Get(c.Request().Context(), req.PartyID)
		if err != nil {
			return respondError(c, err)
		}
		claims.PartyID = p.ID
		claims.Role = string(p.Role)
		claims.Subject = p.ID
	}

	tkn := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tkn.SignedString(h.secret)
	if err != nil {
		return c.JSON(500, map[string]string{"error": err.Error()})
	}
	return c.JSON(200, map[string]string{"token": signed})
}

// JWTMiddleware validates bearer tokens signed with secret.
func JWTMiddleware(secret string) echo.MiddlewareFunc {
	return echojwt.WithConfig(echojwt.Config{
		SigningKey: []byte(secret),
		NewClaimsFunc: func(c echo.Context) jwt.Claims {
			return new(JwtCustomClaims)
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return c.JSON(401, map[string]string{"error": "Unauthorized"})
		},
	})
}

// actorID is the party the caller acts as, or "" for an admin token.
func actorID(c echo.Context) string {
	token, ok := c.Get("user").(*jwt.Token)
	if !ok {
		return ""
	}
	claims, ok := token.Claims.(*JwtCustomClaims)
	if !ok {
		return ""
	}
	return claims.PartyID
}

func isAdmin(c echo.Context) bool {
	_, ok := c.Get("user").(*jwt.Token)
	return ok && actorID(c) == ""
}
