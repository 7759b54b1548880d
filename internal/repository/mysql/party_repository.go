package mysql

import (
	"context"
	"fmt"
	"time"

	"marketplace-service/internal/entity"
	"marketplace-service/internal/repository"
)

const partyColumns = `id, role, name, phone, business_name, category, vehicle, lat, lng, address, is_busy, active, created_at, updated_at`

type PartyRepository struct {
	db dbtx
}

func scanParty(row scanner, extra ...interface{}) (*entity.Party, error) {
	p := &entity.Party{}
	var role string
	dest := []interface{}{&p.ID, &role, &p.Name, &p.Phone, &p.BusinessName, &p.Category, &p.Vehicle,
		&p.Location.Lat, &p.Location.Lng, &p.Address, &p.IsBusy, &p.Active, &p.CreatedAt, &p.UpdatedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	p.Role = entity.Role(role)
	return p, nil
}

func (r *PartyRepository) Create(ctx context.Context, p *entity.Party) error {
	query := `INSERT INTO parties (` + partyColumns + `) VALUES (` + placeholders(14) + `)`
	_, err := r.db.ExecContext(ctx, query, p.ID, string(p.Role), p.Name, p.Phone, p.BusinessName, p.Category, p.Vehicle,
		p.Location.Lat, p.Location.Lng, p.Address, p.IsBusy, p.Active, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("phone %s: %w", p.Phone, entity.ErrDuplicate)
		}
		return err
	}
	return nil
}

func (r *PartyRepository) Get(ctx context.Context, id string) (*entity.Party, error) {
	query := `SELECT ` + partyColumns + ` FROM parties WHERE id = ?`
	p, err := scanParty(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, notFound(err, "party "+id)
	}
	return p, nil
}

func (r *PartyRepository) GetForUpdate(ctx context.Context, id string) (*entity.Party, error) {
	query := `SELECT ` + partyColumns + ` FROM parties WHERE id = ? FOR UPDATE`
	p, err := scanParty(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, notFound(err, "party "+id)
	}
	return p, nil
}

func (r *PartyRepository) GetByPhone(ctx context.Context, phone string) (*entity.Party, error) {
	query := `SELECT ` + partyColumns + ` FROM parties WHERE phone = ?`
	p, err := scanParty(r.db.QueryRowContext(ctx, query, phone))
	if err != nil {
		return nil, notFound(err, "party with phone "+phone)
	}
	return p, nil
}

func (r *PartyRepository) UpdateLocation(ctx context.Context, id string, p entity.Point, address string, at time.Time) error {
	query := `UPDATE parties SET lat = ?, lng = ?, address = IF(? = '', address, ?), updated_at = ? WHERE id = ?`
	res, err := r.db.ExecContext(ctx, query, p.Lat, p.Lng, address, address, at, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("party %s: %w", id, entity.ErrNotFound)
	}
	return nil
}

func (r *PartyRepository) SetBusy(ctx context.Context, id string, busy bool, at time.Time) (bool, error) {
	query := `UPDATE parties SET is_busy = ?, updated_at = ? WHERE id = ? AND is_busy = ?`
	res, err := r.db.ExecContext(ctx, query, busy, at, id, !busy)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// FindNearby ranks parties by great-circle distance using MySQL's
// ST_Distance_Sphere, which takes POINT(longitude, latitude).
func (r *PartyRepository) FindNearby(ctx context.Context, q repository.NearbyQuery) ([]repository.Candidate, error) {
	query := `SELECT ` + partyColumns + `,
			ST_Distance_Sphere(POINT(p.lng, p.lat), POINT(?, ?)) / 1000 AS distance_km
		FROM parties p
		WHERE p.role = ? AND p.active = 1`
	args := []interface{}{q.Point.Lng, q.Point.Lat, string(q.Role)}

	if q.ExcludeBusy {
		query += ` AND p.is_busy = 0`
	}
	if q.MaxActiveOrders > 0 {
		query += ` AND (SELECT COUNT(*) FROM orders o WHERE o.supplier_id = p.id AND o.status IN (` +
			placeholders(len(entity.ActiveSupplierStatuses)) + `)) < ?`
		for _, s := range entity.ActiveSupplierStatuses {
			args = append(args, string(s))
		}
		args = append(args, q.MaxActiveOrders)
	}
	if len(q.Exclude) > 0 {
		query += ` AND p.id NOT IN (` + placeholders(len(q.Exclude)) + `)`
		for _, id := range q.Exclude {
			args = append(args, id)
		}
	}
	query += ` HAVING distance_km <= ? ORDER BY distance_km ASC, p.id ASC LIMIT ?`
	args = append(args, q.RadiusKm, q.Limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	candidates := []repository.Candidate{}
	for rows.Next() {
		var distance float64
		p, err := scanParty(rows, &distance)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, repository.Candidate{Party: *p, DistanceKm: distance})
	}
	return candidates, rows.Err()
}
