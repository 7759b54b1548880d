package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"marketplace-service/internal/entity"
	"marketplace-service/internal/repository/memory"
)

var (
	monas      = entity.Point{Lat: -6.1754, Lng: 106.8272}
	near1km    = entity.Point{Lat: -6.1844, Lng: 106.8272}
	near2km    = entity.Point{Lat: -6.1934, Lng: 106.8272}
	near3km    = entity.Point{Lat: -6.2024, Lng: 106.8272}
	bandung    = entity.Point{Lat: -6.9175, Lng: 107.6191}
	hundredK   = decimal.NewFromInt(100000)
	fiveThousK = decimal.NewFromInt(5000)
)

type sentMessage struct {
	phone string
	text  string
}

type fakeNotifier struct {
	mu      sync.Mutex
	sent    []sentMessage
	failFor map[string]bool
}

func (n *fakeNotifier) Notify(ctx context.Context, phone, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentMessage{phone: phone, text: text})
	if n.failFor[phone] {
		return fmt.Errorf("send to %s: %w", phone, entity.ErrNotificationDeliveryFailed)
	}
	return nil
}

func (n *fakeNotifier) to(phone string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var texts []string
	for _, m := range n.sent {
		if m.phone == phone {
			texts = append(texts, m.text)
		}
	}
	return texts
}

func (n *fakeNotifier) countContaining(phone, fragment string) int {
	count := 0
	for _, text := range n.to(phone) {
		if strings.Contains(text, fragment) {
			count++
		}
	}
	return count
}

type scheduled struct {
	orderID string
	kind    entity.BroadcastKind
	round   int
	ttl     time.Duration
}

type fakeScheduler struct {
	mu    sync.Mutex
	calls []scheduled
}

func (s *fakeScheduler) ScheduleExpiry(ctx context.Context, orderID string, kind entity.BroadcastKind, round int, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, scheduled{orderID: orderID, kind: kind, round: round, ttl: ttl})
	return nil
}

type publishedEvent struct {
	orderID string
	from    entity.Status
	to      entity.Status
}

type fakeEvents struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (e *fakeEvents) PublishOrderEvent(ctx context.Context, o *entity.Order, from entity.Status) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, publishedEvent{orderID: o.ID, from: from, to: o.Status})
	return nil
}

type fakeVision struct {
	judgment *entity.Judgment
	err      error
}

func (v *fakeVision) Analyze(ctx context.Context, imageURL, instructions string) (*entity.Judgment, error) {
	return v.judgment, v.err
}

type fixture struct {
	store       *memory.Store
	notifier    *fakeNotifier
	scheduler   *fakeScheduler
	events      *fakeEvents
	vision      *fakeVision
	ledger      *Ledger
	machine     *StateMachine
	coordinator *Coordinator
	orders      *OrderService
	parties     *PartyService
	phones      int
}

func newFixture(t *testing.T, tweak ...func(*Options)) *fixture {
	t.Helper()
	opts := DefaultOptions()
	for _, fn := range tweak {
		fn(&opts)
	}

	f := &fixture{
		store:     memory.NewStore(),
		notifier:  &fakeNotifier{failFor: map[string]bool{}},
		scheduler: &fakeScheduler{},
		events:    &fakeEvents{},
		vision:    &fakeVision{judgment: &entity.Judgment{Valid: true, Confidence: 0.8}},
	}
	f.ledger = NewLedger(f.store)
	f.machine = NewStateMachine(f.ledger, opts)
	reactor := NewReactor(f.store, f.notifier, f.events)
	f.coordinator = NewCoordinator(f.store, NewGeoIndex(f.store, opts), f.machine, reactor, f.scheduler, opts)
	f.orders = NewOrderService(f.store, f.machine, f.coordinator, reactor, f.ledger, nil, f.vision, opts)
	f.parties = NewPartyService(f.store, f.ledger)
	return f
}

func (f *fixture) party(t *testing.T, role entity.Role, at entity.Point) *entity.Party {
	t.Helper()
	f.phones++
	p, err := f.parties.Register(context.Background(), RegisterPartyRequest{
		Role:     role,
		Name:     fmt.Sprintf("%s %d", role, f.phones),
		Phone:    fmt.Sprintf("0812000%04d", f.phones),
		Location: at,
		Address:  fmt.Sprintf("%s street %d", role, f.phones),
	})
	require.NoError(t, err)
	return p
}

func (f *fixture) createOrder(t *testing.T, buyer *entity.Party) *entity.Order {
	t.Helper()
	o, err := f.orders.CreateOrder(context.Background(), CreateOrderRequest{
		BuyerID:     buyer.ID,
		ProductName: "Beras Premium",
		Quantity:    decimal.NewFromInt(10),
		Unit:        "kg",
		WeightKg:    decimal.NewFromInt(10),
		BuyerPrice:  hundredK,
	})
	require.NoError(t, err)
	return o
}

// seedOrder stores an order that already belongs to supplierID in status.
func (f *fixture) seedOrder(t *testing.T, buyerID, supplierID string, status entity.Status) *entity.Order {
	t.Helper()
	f.phones++
	now := time.Now()
	o := &entity.Order{
		ID:          fmt.Sprintf("seed-%d", f.phones),
		BuyerID:     buyerID,
		SupplierID:  supplierID,
		ProductName: "Gula",
		Quantity:    decimal.NewFromInt(1),
		BuyerPrice:  hundredK,
		ServiceFee:  fiveThousK,
		Delivery:    monas,
		Status:      status,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	o.Recalculate()
	require.NoError(t, f.store.Repos().Orders.Create(context.Background(), o))
	return o
}

func (f *fixture) order(t *testing.T, id string) *entity.Order {
	t.Helper()
	o, err := f.orders.GetOrder(context.Background(), id)
	require.NoError(t, err)
	return o
}

func (f *fixture) count(t *testing.T, orderID string, kind entity.BroadcastKind, response entity.Response) int {
	t.Helper()
	n, err := f.store.Repos().Broadcasts.CountByResponse(context.Background(), orderID, kind, response)
	require.NoError(t, err)
	return n
}

func (f *fixture) accept(orderID string, kind entity.BroadcastKind, candidateID string, terms Terms) (*Outcome, error) {
	return f.coordinator.RecordResponse(context.Background(), orderID, kind, candidateID, true, terms)
}

func (f *fixture) reject(orderID string, kind entity.BroadcastKind, candidateID string) (*Outcome, error) {
	return f.coordinator.RecordResponse(context.Background(), orderID, kind, candidateID, false, Terms{})
}
