package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"marketplace-service/internal/entity"
	"marketplace-service/internal/service"
)

// Replier sends a WhatsApp answer to the sender of a command.
type Replier interface {
	NotifyPhone(ctx context.Context, phone, text string) error
}

// inbound is the Fonnte webhook payload.
type inbound struct {
	ID       string `json:"id" form:"id"`
	Sender   string `json:"sender" form:"sender"`
	Message  string `json:"message" form:"message"`
	Location string `json:"location" form:"location"`
	URL      string `json:"url" form:"url"`
}

type command struct {
	usage   string
	minArgs int
	roles   []entity.Role
	run     func(ctx context.Context, sender *entity.Party, args []string, in inbound) (string, error)
}

// WebhookHandler turns WhatsApp replies into order operations.
type WebhookHandler struct {
	token       string
	orders      *service.OrderService
	parties     *service.PartyService
	coordinator *service.Coordinator
	guard       *service.IdempotencyGuard
	replier     Replier
	commands    map[string]command
}

func NewWebhookHandler(token string, orders *service.OrderService, parties *service.PartyService, coordinator *service.Coordinator, guard *service.IdempotencyGuard, replier Replier) *WebhookHandler {
	h := &WebhookHandler{
		token:       token,
		orders:      orders,
		parties:     parties,
		coordinator: coordinator,
		guard:       guard,
		replier:     replier,
	}
	carriers := []entity.Role{entity.RoleSupplier, entity.RoleCourier}
	buyers := []entity.Role{entity.RoleBuyer}
	h.commands = map[string]command{
		"ACCEPT":    {usage: "ACCEPT <order> [price] [SELF|COURIER]", minArgs: 1, roles: carriers, run: h.accept},
		"REJECT":    {usage: "REJECT <order>", minArgs: 1, roles: carriers, run: h.reject},
		"APPROVE":   {usage: "APPROVE <order>", minArgs: 1, roles: buyers, run: h.approve},
		"DECLINE":   {usage: "DECLINE <order>", minArgs: 1, roles: buyers, run: h.decline},
		"CANCEL":    {usage: "CANCEL <order>", minArgs: 1, roles: buyers, run: h.cancel},
		"RETRY":     {usage: "RETRY <order>", minArgs: 1, roles: buyers, run: h.retry},
		"PICKUP":    {usage: "PICKUP <order> [photo url]", minArgs: 1, roles: carriers, run: h.pickup},
		"DELIVERED": {usage: "DELIVERED <order> <code>", minArgs: 2, roles: carriers, run: h.delivered},
		"RECEIVED":  {usage: "RECEIVED <order>", minArgs: 1, roles: buyers, run: h.received},
		"PROBLEM":   {usage: "PROBLEM <order> <reason>", minArgs: 2, roles: buyers, run: h.problem},
		"LOC":       {usage: "LOC <lat>,<lng>", minArgs: 0, run: h.location},
	}
	return h
}

// Receive --> POST /webhook/whatsapp
// The gateway always gets a 200 once the token checks out, so that it does
// not redeliver messages that failed for business reasons.
func (h *WebhookHandler) Receive(c echo.Context) error {
	given := c.Request().Header.Get("X-Webhook-Token")
	if given == "" {
		given = c.QueryParam("token")
	}
	if h.token == "" || subtle.ConstantTimeCompare([]byte(given), []byte(h.token)) != 1 {
		return c.JSON(401, map[string]string{"error": "Unauthorized"})
	}

	in := inbound{}
	if err := c.Bind(&in); err != nil {
		return c.JSON(400, map[string]string{"error": "Invalid request payload"})
	}
	ctx := c.Request().Context()

	if in.ID != "" {
		ok, err := h.guard.Claim(ctx, "wa:"+in.ID)
		if err != nil {
			return c.JSON(500, map[string]string{"error": err.Error()})
		}
		if !ok {
			return c.JSON(200, map[string]string{"status": "duplicate"})
		}
	}

	status, reply := h.handle(ctx, in)
	if reply != "" {
		h.replier.NotifyPhone(ctx, entity.NormalizePhone(in.Sender), reply)
	}
	return c.JSON(200, map[string]string{"status": status})
}

func (h *WebhookHandler) handle(ctx context.Context, in inbound) (string, string) {
	sender, err := h.parties.GetByPhone(ctx, in.Sender)
	if err != nil {
		if errors.Is(err, entity.ErrNotFound) {
			return "unknown_sender", "Your number is not registered with us."
		}
		logger.Error().Err(err).Msgf("Error looking up sender %s", in.Sender)
		return "error", ""
	}

	fields := strings.Fields(in.Message)
	name := "LOC"
	if len(fields) > 0 {
		name = strings.ToUpper(fields[0])
		fields = fields[1:]
	} else if in.Location == "" {
		return "ignored", ""
	}

	cmd, ok := h.commands[name]
	if !ok {
		return "unknown_command", h.help(sender.Role)
	}
	if !cmd.allows(sender.Role) {
		return "forbidden", fmt.Sprintf("%s is not available for your account.", name)
	}
	if len(fields) < cmd.minArgs {
		return "usage", "Usage: " + cmd.usage
	}

	reply, err := cmd.run(ctx, sender, fields, in)
	if err != nil {
		return "error", errorReply(err)
	}
	return "ok", reply
}

func (c command) allows(role entity.Role) bool {
	if len(c.roles) == 0 {
		return true
	}
	for _, r := range c.roles {
		if r == role {
			return true
		}
	}
	return false
}

func (h *WebhookHandler) help(role entity.Role) string {
	var usages []string
	for _, cmd := range h.commands {
		if cmd.allows(role) {
			usages = append(usages, cmd.usage)
		}
	}
	sort.Strings(usages)
	return "Unknown command. Available:\n" + strings.Join(usages, "\n")
}

// errorReply phrases failures for the sender. Taken jobs and full
// capacity are answered by the coordinator itself.
func errorReply(err error) string {
	switch {
	case errors.Is(err, entity.ErrAlreadyResolved), errors.Is(err, entity.ErrCapacityExceeded):
		return ""
	case errors.Is(err, entity.ErrNotFound):
		return "We could not find that order."
	case errors.Is(err, entity.ErrForbidden):
		return "That order is not yours, or the code is wrong."
	case errors.Is(err, entity.ErrInvalidTransition):
		return "That action is not possible at the order's current stage."
	case errors.Is(err, entity.ErrInvalidArgument):
		return "Please check the values you sent and try again."
	}
	return "Something went wrong. Please try again later."
}

func kindFor(role entity.Role) entity.BroadcastKind {
	if role == entity.RoleCourier {
		return entity.KindCourier
	}
	return entity.KindSupplier
}

func (h *WebhookHandler) accept(ctx context.Context, sender *entity.Party, args []string, in inbound) (string, error) {
	terms := service.Terms{}
	for _, a := range args[1:] {
		switch strings.ToUpper(a) {
		case "SELF":
			terms.DeliveryMethod = entity.DeliverySelf
		case "COURIER":
			terms.DeliveryMethod = entity.DeliveryCourier
		default:
			price, err := parseRupiah(a)
			if err != nil {
				return "", err
			}
			terms.OfferedPrice = price
		}
	}
	if _, err := h.coordinator.RecordResponse(ctx, args[0], kindFor(sender.Role), sender.ID, true, terms); err != nil {
		return "", err
	}
	return fmt.Sprintf("You have taken order %s.", args[0]), nil
}

func (h *WebhookHandler) reject(ctx context.Context, sender *entity.Party, args []string, in inbound) (string, error) {
	if _, err := h.coordinator.RecordResponse(ctx, args[0], kindFor(sender.Role), sender.ID, false, service.Terms{}); err != nil {
		return "", err
	}
	return fmt.Sprintf("Noted, you declined order %s.", args[0]), nil
}

func (h *WebhookHandler) approve(ctx context.Context, sender *entity.Party, args []string, in inbound) (string, error) {
	_, err := h.orders.ApproveOffer(ctx, args[0], sender.ID)
	return "", err
}

func (h *WebhookHandler) decline(ctx context.Context, sender *entity.Party, args []string, in inbound) (string, error) {
	_, err := h.orders.RejectOffer(ctx, args[0], sender.ID)
	return "", err
}

func (h *WebhookHandler) cancel(ctx context.Context, sender *entity.Party, args []string, in inbound) (string, error) {
	_, err := h.orders.CancelOrder(ctx, args[0], sender.ID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Order %s is cancelled.", args[0]), nil
}

func (h *WebhookHandler) retry(ctx context.Context, sender *entity.Party, args []string, in inbound) (string, error) {
	_, err := h.orders.RetryCourierSearch(ctx, args[0], sender.ID)
	return "", err
}

func (h *WebhookHandler) pickup(ctx context.Context, sender *entity.Party, args []string, in inbound) (string, error) {
	photo := in.URL
	if len(args) > 1 {
		photo = args[1]
	}
	if _, err := h.orders.ConfirmPickup(ctx, args[0], sender.ID, photo); err != nil {
		return "", err
	}
	return fmt.Sprintf("Pickup of order %s recorded. Ask the buyer for the delivery code on arrival.", args[0]), nil
}

func (h *WebhookHandler) delivered(ctx context.Context, sender *entity.Party, args []string, in inbound) (string, error) {
	if _, err := h.orders.MarkDelivered(ctx, args[0], sender.ID, args[1]); err != nil {
		return "", err
	}
	return fmt.Sprintf("Delivery of order %s recorded.", args[0]), nil
}

func (h *WebhookHandler) received(ctx context.Context, sender *entity.Party, args []string, in inbound) (string, error) {
	_, err := h.orders.ConfirmReceipt(ctx, args[0], sender.ID)
	return "", err
}

func (h *WebhookHandler) problem(ctx context.Context, sender *entity.Party, args []string, in inbound) (string, error) {
	_, err := h.orders.ReportProblem(ctx, args[0], sender.ID, strings.Join(args[1:], " "), in.URL)
	return "", err
}

func (h *WebhookHandler) location(ctx context.Context, sender *entity.Party, args []string, in inbound) (string, error) {
	raw := strings.Join(args, " ")
	if raw == "" {
		raw = in.Location
	}
	p, err := parsePoint(raw)
	if err != nil {
		return "", err
	}
	if _, err := h.parties.UpdateLocation(ctx, sender.ID, p, ""); err != nil {
		return "", err
	}
	return fmt.Sprintf("Location updated to %.5f,%.5f.", p.Lat, p.Lng), nil
}

// parseRupiah reads "95000", "95.000" or "Rp95,000" as whole rupiah.
func parseRupiah(s string) (decimal.Decimal, error) {
	digits := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)
	if digits == "" {
		return decimal.Zero, fmt.Errorf("price %q: %w", s, entity.ErrInvalidArgument)
	}
	return decimal.NewFromString(digits)
}

// parsePoint reads "lat,lng" or "lat lng".
func parsePoint(s string) (entity.Point, error) {
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || unicode.IsSpace(r) })
	if len(parts) != 2 {
		return entity.Point{}, fmt.Errorf("location %q: %w", s, entity.ErrInvalidArgument)
	}
	lat, err1 := strconv.ParseFloat(parts[0], 64)
	lng, err2 := strconv.ParseFloat(parts[1], 64)
	if err1 != nil || err2 != nil {
		return entity.Point{}, fmt.Errorf("location %q: %w", s, entity.ErrInvalidArgument)
	}
	p := entity.Point{Lat: lat, Lng: lng}
	if !p.Valid() {
		return entity.Point{}, fmt.Errorf("location %q: %w", s, entity.ErrInvalidArgument)
	}
	return p, nil
}
