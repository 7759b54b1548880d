package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"marketplace-service/internal/entity"
	"marketplace-service/internal/repository"
)

type RegisterPartyRequest struct {
	Role         entity.Role  `json:"role" validate:"required,oneof=buyer supplier courier"`
	Name         string       `json:"name" validate:"required"`
	Phone        string       `json:"phone" validate:"required"`
	BusinessName string       `json:"business_name"`
	Category     string       `json:"category"`
	Vehicle      string       `json:"vehicle"`
	Location     entity.Point `json:"location"`
	Address      string       `json:"address"`
}

// PartyService manages the directory of buyers, suppliers and couriers.
type PartyService struct {
	store  repository.Store
	ledger *Ledger
	now    func() time.Time
}

func NewPartyService(store repository.Store, ledger *Ledger) *PartyService {
	return &PartyService{store: store, ledger: ledger, now: time.Now}
}

func (s *PartyService) Register(ctx context.Context, req RegisterPartyRequest) (*entity.Party, error) {
	if !req.Role.Valid() {
		return nil, fmt.Errorf("role %q: %w", req.Role, entity.ErrInvalidArgument)
	}
	if !req.Location.Valid() {
		return nil, fmt.Errorf("location %v: %w", req.Location, entity.ErrInvalidArgument)
	}
	phone := entity.NormalizePhone(req.Phone)
	if len(phone) < 8 {
		return nil, fmt.Errorf("phone %q: %w", req.Phone, entity.ErrInvalidArgument)
	}

	now := s.now()
	p := &entity.Party{
		ID:           uuid.NewString(),
		Role:         req.Role,
		Name:         req.Name,
		Phone:        phone,
		BusinessName: req.BusinessName,
		Category:     req.Category,
		Vehicle:      req.Vehicle,
		Location:     req.Location,
		Address:      req.Address,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Repos().Parties.Create(ctx, p); err != nil {
		logger.Error().Err(err).Msgf("Error registering %s %s", p.Role, phone)
		return nil, err
	}
	return p, nil
}

func (s *PartyService) Get(ctx context.Context, id string) (*entity.Party, error) {
	return s.store.Repos().Parties.Get(ctx, id)
}

// GetByPhone accepts any spelling NormalizePhone understands.
func (s *PartyService) GetByPhone(ctx context.Context, phone string) (*entity.Party, error) {
	return s.store.Repos().Parties.GetByPhone(ctx, entity.NormalizePhone(phone))
}

func (s *PartyService) UpdateLocation(ctx context.Context, id string, p entity.Point, address string) (*entity.Party, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("location %v: %w", p, entity.ErrInvalidArgument)
	}
	repos := s.store.Repos()
	if err := repos.Parties.UpdateLocation(ctx, id, p, address, s.now()); err != nil {
		return nil, err
	}
	return repos.Parties.Get(ctx, id)
}

func (s *PartyService) Wallet(ctx context.Context, id string) (*entity.Wallet, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.ledger.Balance(ctx, id)
}
