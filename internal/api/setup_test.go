package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	"marketplace-service/internal/entity"
	"marketplace-service/internal/repository/memory"
	"marketplace-service/internal/service"
)

const (
	testSecret   = "test-secret"
	testAdminKey = "admin-key"
	testHook     = "hook-token"
)

var (
	monas   = entity.Point{Lat: -6.1754, Lng: 106.8272}
	near1km = entity.Point{Lat: -6.1844, Lng: 106.8272}
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent map[string][]string
}

func (n *recordingNotifier) Notify(ctx context.Context, phone, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent[phone] = append(n.sent[phone], text)
	return nil
}

func (n *recordingNotifier) last(phone string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	texts := n.sent[phone]
	if len(texts) == 0 {
		return ""
	}
	return texts[len(texts)-1]
}

type noopScheduler struct{}

func (noopScheduler) ScheduleExpiry(ctx context.Context, orderID string, kind entity.BroadcastKind, round int, ttl time.Duration) error {
	return nil
}

type testServer struct {
	e        *echo.Echo
	store    *memory.Store
	notifier *recordingNotifier
	parties  *service.PartyService
	phones   int
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	opts := service.DefaultOptions()
	store := memory.NewStore()
	notifier := &recordingNotifier{sent: map[string][]string{}}
	guard := service.NewIdempotencyGuard(rdb, time.Hour)
	ledger := service.NewLedger(store)
	machine := service.NewStateMachine(ledger, opts)
	reactor := service.NewReactor(store, notifier, nil)
	coordinator := service.NewCoordinator(store, service.NewGeoIndex(store, opts), machine, reactor, noopScheduler{}, opts)
	orders := service.NewOrderService(store, machine, coordinator, reactor, ledger, guard, nil, opts)
	parties := service.NewPartyService(store, ledger)

	e := echo.New()
	Register(e, Handlers{
		Auth:      NewAuthHandler(testSecret, testAdminKey, time.Hour, parties),
		Orders:    NewOrderHandler(orders, coordinator),
		Parties:   NewPartyHandler(parties),
		Webhook:   NewWebhookHandler(testHook, orders, parties, coordinator, guard, reactor),
		JWTSecret: testSecret,
	})
	return &testServer{e: e, store: store, notifier: notifier, parties: parties}
}

func (s *testServer) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

// token issues a JWT for partyID, or an admin token for "".
func (s *testServer) token(t *testing.T, partyID string) string {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/auth/token", "", map[string]string{"api_key": testAdminKey, "party_id": partyID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out["token"]
}

func (s *testServer) party(t *testing.T, role entity.Role, at entity.Point) *entity.Party {
	t.Helper()
	s.phones++
	p, err := s.parties.Register(context.Background(), service.RegisterPartyRequest{
		Role:     role,
		Name:     fmt.Sprintf("%s %d", role, s.phones),
		Phone:    fmt.Sprintf("0812000%04d", s.phones),
		Location: at,
		Address:  fmt.Sprintf("%s street %d", role, s.phones),
	})
	require.NoError(t, err)
	return p
}

func (s *testServer) order(t *testing.T, id string) *entity.Order {
	t.Helper()
	o, err := s.store.Repos().Orders.Get(context.Background(), id)
	require.NoError(t, err)
	return o
}

func (s *testServer) createOrder(t *testing.T, buyer *entity.Party) *entity.Order {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/orders", s.token(t, buyer.ID), map[string]interface{}{
		"product_name": "Beras Premium",
		"quantity":     "10",
		"unit":         "kg",
		"weight_kg":    "10",
		"buyer_price":  "100000",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeOrder(t, rec)
}

func decodeOrder(t *testing.T, rec *httptest.ResponseRecorder) *entity.Order {
	t.Helper()
	o := &entity.Order{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), o))
	return o
}

// hook posts a Fonnte style inbound message.
func (s *testServer) hook(t *testing.T, id, sender, message string) *httptest.ResponseRecorder {
	t.Helper()
	body := fmt.Sprintf(`{"id":%q,"sender":%q,"message":%q}`, id, sender, message)
	req := httptest.NewRequest(http.MethodPost, "/webhook/whatsapp", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set("X-Webhook-Token", testHook)
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}
