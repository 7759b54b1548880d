// Package memory is an in-process repository.Store for local runs and tests.
// Transactions are serialised by one mutex and rolled back by restoring a
// snapshot of every table.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"marketplace-service/internal/entity"
	"marketplace-service/internal/geo"
	"marketplace-service/internal/repository"
)

type tables struct {
	orders     map[string]entity.Order
	broadcasts map[string]entity.BroadcastRecord
	parties    map[string]entity.Party
	wallets    map[string]entity.Wallet
	ledger     []entity.LedgerEntry
}

func (t *tables) snapshot() *tables {
	c := &tables{
		orders:     make(map[string]entity.Order, len(t.orders)),
		broadcasts: make(map[string]entity.BroadcastRecord, len(t.broadcasts)),
		parties:    make(map[string]entity.Party, len(t.parties)),
		wallets:    make(map[string]entity.Wallet, len(t.wallets)),
		ledger:     append([]entity.LedgerEntry(nil), t.ledger...),
	}
	for k, v := range t.orders {
		c.orders[k] = *v.Clone()
	}
	for k, v := range t.broadcasts {
		c.broadcasts[k] = v
	}
	for k, v := range t.parties {
		c.parties[k] = v
	}
	for k, v := range t.wallets {
		c.wallets[k] = v
	}
	return c
}

type Store struct {
	mu sync.Mutex
	t  *tables
}

func NewStore() *Store {
	return &Store{t: &tables{
		orders:     map[string]entity.Order{},
		broadcasts: map[string]entity.BroadcastRecord{},
		parties:    map[string]entity.Party{},
		wallets:    map[string]entity.Wallet{},
	}}
}

func (s *Store) Repos() repository.Repos {
	return s.repos(false)
}

func (s *Store) WithTx(ctx context.Context, fn func(r repository.Repos) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	saved := s.t.snapshot()
	restore := true
	defer func() {
		if restore {
			s.t = saved
		}
	}()

	if err := fn(s.repos(true)); err != nil {
		return err
	}
	restore = false
	return nil
}

func (s *Store) repos(inTx bool) repository.Repos {
	h := handle{s: s, inTx: inTx}
	return repository.Repos{
		Orders:     orderRepo{h},
		Broadcasts: broadcastRepo{h},
		Parties:    partyRepo{h},
		Wallets:    walletRepo{h},
	}
}

// handle gives repositories access to the tables, locking per call unless
// the enclosing transaction already holds the lock.
type handle struct {
	s    *Store
	inTx bool
}

func (h handle) hold() (*tables, func()) {
	if h.inTx {
		return h.s.t, func() {}
	}
	h.s.mu.Lock()
	return h.s.t, h.s.mu.Unlock
}

type orderRepo struct{ handle }

func (r orderRepo) Create(ctx context.Context, o *entity.Order) error {
	t, done := r.hold()
	defer done()
	if _, ok := t.orders[o.ID]; ok {
		return fmt.Errorf("order %s: %w", o.ID, entity.ErrDuplicate)
	}
	t.orders[o.ID] = *o.Clone()
	return nil
}

func (r orderRepo) Get(ctx context.Context, id string) (*entity.Order, error) {
	t, done := r.hold()
	defer done()
	o, ok := t.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, entity.ErrNotFound)
	}
	return o.Clone(), nil
}

func (r orderRepo) GetForUpdate(ctx context.Context, id string) (*entity.Order, error) {
	return r.Get(ctx, id)
}

func (r orderRepo) UpdateIfStatus(ctx context.Context, o *entity.Order, expected entity.Status) (bool, error) {
	t, done := r.hold()
	defer done()
	cur, ok := t.orders[o.ID]
	if !ok || cur.Status != expected {
		return false, nil
	}
	next := *o.Clone()
	next.CreatedAt = cur.CreatedAt
	t.orders[o.ID] = next
	return true, nil
}

func (r orderRepo) ListByParty(ctx context.Context, partyID string, limit int) ([]*entity.Order, error) {
	t, done := r.hold()
	defer done()
	if limit <= 0 {
		limit = 50
	}
	var out []*entity.Order
	for _, o := range t.orders {
		if o.IsParty(partyID) {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r orderRepo) CountActiveBySupplier(ctx context.Context, supplierID, excludeOrderID string) (int, error) {
	t, done := r.hold()
	defer done()
	return countActive(t, supplierID, excludeOrderID), nil
}

func countActive(t *tables, supplierID, excludeOrderID string) int {
	n := 0
	for _, o := range t.orders {
		if o.SupplierID != supplierID || o.ID == excludeOrderID {
			continue
		}
		for _, s := range entity.ActiveSupplierStatuses {
			if o.Status == s {
				n++
				break
			}
		}
	}
	return n
}

type broadcastRepo struct{ handle }

func (r broadcastRepo) CreateBatch(ctx context.Context, records []*entity.BroadcastRecord) error {
	t, done := r.hold()
	defer done()
	for _, b := range records {
		for _, existing := range t.broadcasts {
			if existing.OrderID == b.OrderID && existing.Kind == b.Kind && existing.CandidateID == b.CandidateID {
				return fmt.Errorf("broadcast %s/%s: %w", b.OrderID, b.CandidateID, entity.ErrDuplicate)
			}
		}
		t.broadcasts[b.ID] = *b
	}
	return nil
}

func (r broadcastRepo) Find(ctx context.Context, orderID string, kind entity.BroadcastKind, candidateID string) (*entity.BroadcastRecord, error) {
	t, done := r.hold()
	defer done()
	for _, b := range t.broadcasts {
		if b.OrderID == orderID && b.Kind == kind && b.CandidateID == candidateID {
			found := b
			return &found, nil
		}
	}
	return nil, fmt.Errorf("broadcast for %s: %w", candidateID, entity.ErrNotFound)
}

func (r broadcastRepo) Respond(ctx context.Context, id string, response entity.Response, at time.Time, price decimal.Decimal, note string) (bool, error) {
	t, done := r.hold()
	defer done()
	b, ok := t.broadcasts[id]
	if !ok || !b.Pending() {
		return false, nil
	}
	b.Response = response
	b.RespondedAt = &at
	b.OfferedPrice = price
	b.Note = note
	t.broadcasts[id] = b
	return true, nil
}

func (r broadcastRepo) ClosePending(ctx context.Context, orderID string, kind entity.BroadcastKind, round int, response entity.Response, at time.Time) (int64, error) {
	t, done := r.hold()
	defer done()
	var n int64
	for id, b := range t.broadcasts {
		if b.OrderID != orderID || b.Kind != kind || !b.Pending() {
			continue
		}
		if round > 0 && b.Round != round {
			continue
		}
		b.Response = response
		b.RespondedAt = &at
		t.broadcasts[id] = b
		n++
	}
	return n, nil
}

func (r broadcastRepo) Supersede(ctx context.Context, orderID string, kind entity.BroadcastKind, at time.Time) (int64, error) {
	t, done := r.hold()
	defer done()
	var n int64
	for id, b := range t.broadcasts {
		if b.OrderID == orderID && b.Kind == kind && b.Response == entity.ResponseAccepted {
			b.Response = entity.ResponseSuperseded
			b.RespondedAt = &at
			t.broadcasts[id] = b
			n++
		}
	}
	return n, nil
}

func (r broadcastRepo) CountByResponse(ctx context.Context, orderID string, kind entity.BroadcastKind, response entity.Response) (int, error) {
	t, done := r.hold()
	defer done()
	n := 0
	for _, b := range t.broadcasts {
		if b.OrderID == orderID && b.Kind == kind && b.Response == response {
			n++
		}
	}
	return n, nil
}

func (r broadcastRepo) ListByOrder(ctx context.Context, orderID string) ([]*entity.BroadcastRecord, error) {
	t, done := r.hold()
	defer done()
	var out []*entity.BroadcastRecord
	for _, b := range t.broadcasts {
		if b.OrderID == orderID {
			rec := b
			out = append(out, &rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.Round != b.Round {
			return a.Round < b.Round
		}
		if a.DistanceKm != b.DistanceKm {
			return a.DistanceKm < b.DistanceKm
		}
		return a.CandidateID < b.CandidateID
	})
	return out, nil
}

type partyRepo struct{ handle }

func (r partyRepo) Create(ctx context.Context, p *entity.Party) error {
	t, done := r.hold()
	defer done()
	for _, existing := range t.parties {
		if existing.Phone == p.Phone {
			return fmt.Errorf("phone %s: %w", p.Phone, entity.ErrDuplicate)
		}
	}
	t.parties[p.ID] = *p
	return nil
}

func (r partyRepo) Get(ctx context.Context, id string) (*entity.Party, error) {
	t, done := r.hold()
	defer done()
	p, ok := t.parties[id]
	if !ok {
		return nil, fmt.Errorf("party %s: %w", id, entity.ErrNotFound)
	}
	return &p, nil
}

func (r partyRepo) GetForUpdate(ctx context.Context, id string) (*entity.Party, error) {
	return r.Get(ctx, id)
}

func (r partyRepo) GetByPhone(ctx context.Context, phone string) (*entity.Party, error) {
	t, done := r.hold()
	defer done()
	for _, p := range t.parties {
		if p.Phone == phone {
			found := p
			return &found, nil
		}
	}
	return nil, fmt.Errorf("party with phone %s: %w", phone, entity.ErrNotFound)
}

func (r partyRepo) UpdateLocation(ctx context.Context, id string, pt entity.Point, address string, at time.Time) error {
	t, done := r.hold()
	defer done()
	p, ok := t.parties[id]
	if !ok {
		return fmt.Errorf("party %s: %w", id, entity.ErrNotFound)
	}
	p.Location = pt
	if address != "" {
		p.Address = address
	}
	p.UpdatedAt = at
	t.parties[id] = p
	return nil
}

func (r partyRepo) SetBusy(ctx context.Context, id string, busy bool, at time.Time) (bool, error) {
	t, done := r.hold()
	defer done()
	p, ok := t.parties[id]
	if !ok || p.IsBusy == busy {
		return false, nil
	}
	p.IsBusy = busy
	p.UpdatedAt = at
	t.parties[id] = p
	return true, nil
}

func (r partyRepo) FindNearby(ctx context.Context, q repository.NearbyQuery) ([]repository.Candidate, error) {
	t, done := r.hold()
	defer done()

	excluded := make(map[string]bool, len(q.Exclude))
	for _, id := range q.Exclude {
		excluded[id] = true
	}

	candidates := []repository.Candidate{}
	for _, p := range t.parties {
		if p.Role != q.Role || !p.Active || excluded[p.ID] {
			continue
		}
		if q.ExcludeBusy && p.IsBusy {
			continue
		}
		if q.MaxActiveOrders > 0 && countActive(t, p.ID, "") >= q.MaxActiveOrders {
			continue
		}
		d := geo.DistanceKm(q.Point, p.Location)
		if d > q.RadiusKm {
			continue
		}
		candidates = append(candidates, repository.Candidate{Party: p, DistanceKm: d})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].DistanceKm != candidates[j].DistanceKm {
			return candidates[i].DistanceKm < candidates[j].DistanceKm
		}
		return candidates[i].ID < candidates[j].ID
	})
	if q.Limit > 0 && len(candidates) > q.Limit {
		candidates = candidates[:q.Limit]
	}
	return candidates, nil
}

type walletRepo struct{ handle }

func (r walletRepo) Get(ctx context.Context, partyID string) (*entity.Wallet, error) {
	t, done := r.hold()
	defer done()
	if w, ok := t.wallets[partyID]; ok {
		return &w, nil
	}
	return &entity.Wallet{PartyID: partyID}, nil
}

func (r walletRepo) GetForUpdate(ctx context.Context, partyID string) (*entity.Wallet, error) {
	t, done := r.hold()
	defer done()
	w, ok := t.wallets[partyID]
	if !ok {
		w = entity.Wallet{PartyID: partyID, UpdatedAt: time.Now()}
		t.wallets[partyID] = w
	}
	return &w, nil
}

func (r walletRepo) Save(ctx context.Context, w *entity.Wallet) error {
	t, done := r.hold()
	defer done()
	if w.EscrowHeld.IsNegative() {
		return fmt.Errorf("wallet %s escrow below zero: %w", w.PartyID, entity.ErrLedgerInvariant)
	}
	t.wallets[w.PartyID] = *w
	return nil
}

func (r walletRepo) AppendEntries(ctx context.Context, entries ...*entity.LedgerEntry) error {
	t, done := r.hold()
	defer done()
	for _, e := range entries {
		t.ledger = append(t.ledger, *e)
	}
	return nil
}

func (r walletRepo) EscrowHeld(ctx context.Context, orderID string) (decimal.Decimal, error) {
	t, done := r.hold()
	defer done()
	held := decimal.Zero
	for _, e := range t.ledger {
		if e.OrderID == orderID && e.Bucket == entity.BucketEscrow {
			held = held.Add(e.Amount)
		}
	}
	return held, nil
}

func (r walletRepo) Entries(ctx context.Context, orderID string) ([]*entity.LedgerEntry, error) {
	t, done := r.hold()
	defer done()
	var out []*entity.LedgerEntry
	for _, e := range t.ledger {
		if e.OrderID == orderID {
			entry := e
			out = append(out, &entry)
		}
	}
	return out, nil
}
