package mysql

import (
	"context"
	"database/sql"
	"time"

	"github.com/shopspring/decimal"

	"marketplace-service/internal/entity"
)

const broadcastColumns = `id, order_id, candidate_id, kind, round, distance_km, sent_at, response, responded_at, offered_price, note`

type BroadcastRepository struct {
	db dbtx
}

func scanBroadcast(row scanner) (*entity.BroadcastRecord, error) {
	b := &entity.BroadcastRecord{}
	var (
		kind        string
		response    sql.NullString
		respondedAt sql.NullTime
	)
	err := row.Scan(&b.ID, &b.OrderID, &b.CandidateID, &kind, &b.Round, &b.DistanceKm, &b.SentAt,
		&response, &respondedAt, &b.OfferedPrice, &b.Note)
	if err != nil {
		return nil, err
	}
	b.Kind = entity.BroadcastKind(kind)
	b.Response = entity.Response(response.String)
	if respondedAt.Valid {
		t := respondedAt.Time
		b.RespondedAt = &t
	}
	return b, nil
}

// CreateBatch inserts all records with one multi-row statement.
func (r *BroadcastRepository) CreateBatch(ctx context.Context, records []*entity.BroadcastRecord) error {
	if len(records) == 0 {
		return nil
	}

	query := `INSERT INTO broadcasts (` + broadcastColumns + `) VALUES `

	var values []interface{}
	for _, b := range records {
		query += "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?),"
		values = append(values, b.ID, b.OrderID, b.CandidateID, string(b.Kind), b.Round, b.DistanceKm, b.SentAt,
			nullString(string(b.Response)), nil, b.OfferedPrice, b.Note)
	}

	// Remove the trailing comma
	query = query[:len(query)-1]

	_, err := r.db.ExecContext(ctx, query, values...)
	return err
}

func (r *BroadcastRepository) Find(ctx context.Context, orderID string, kind entity.BroadcastKind, candidateID string) (*entity.BroadcastRecord, error) {
	query := `SELECT ` + broadcastColumns + ` FROM broadcasts
		WHERE order_id = ? AND kind = ? AND candidate_id = ?`
	b, err := scanBroadcast(r.db.QueryRowContext(ctx, query, orderID, string(kind), candidateID))
	if err != nil {
		return nil, notFound(err, "broadcast for "+candidateID)
	}
	return b, nil
}

func (r *BroadcastRepository) Respond(ctx context.Context, id string, response entity.Response, at time.Time, price decimal.Decimal, note string) (bool, error) {
	query := `UPDATE broadcasts SET response = ?, responded_at = ?, offered_price = ?, note = ?
		WHERE id = ? AND response IS NULL`
	res, err := r.db.ExecContext(ctx, query, string(response), at, price, note, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *BroadcastRepository) ClosePending(ctx context.Context, orderID string, kind entity.BroadcastKind, round int, response entity.Response, at time.Time) (int64, error) {
	query := `UPDATE broadcasts SET response = ?, responded_at = ?
		WHERE order_id = ? AND kind = ? AND response IS NULL`
	args := []interface{}{string(response), at, orderID, string(kind)}
	if round > 0 {
		query += ` AND round = ?`
		args = append(args, round)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *BroadcastRepository) Supersede(ctx context.Context, orderID string, kind entity.BroadcastKind, at time.Time) (int64, error) {
	query := `UPDATE broadcasts SET response = ?, responded_at = ?
		WHERE order_id = ? AND kind = ? AND response = ?`
	res, err := r.db.ExecContext(ctx, query, string(entity.ResponseSuperseded), at, orderID, string(kind), string(entity.ResponseAccepted))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *BroadcastRepository) CountByResponse(ctx context.Context, orderID string, kind entity.BroadcastKind, response entity.Response) (int, error) {
	query := `SELECT COUNT(*) FROM broadcasts WHERE order_id = ? AND kind = ? AND response = ?`
	args := []interface{}{orderID, string(kind), string(response)}
	if response == entity.ResponsePending {
		query = `SELECT COUNT(*) FROM broadcasts WHERE order_id = ? AND kind = ? AND response IS NULL`
		args = args[:2]
	}

	var n int
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (r *BroadcastRepository) ListByOrder(ctx context.Context, orderID string) ([]*entity.BroadcastRecord, error) {
	query := `SELECT ` + broadcastColumns + ` FROM broadcasts WHERE order_id = ? ORDER BY kind, round, distance_km, candidate_id`
	rows, err := r.db.QueryContext(ctx, query, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*entity.BroadcastRecord
	for rows.Next() {
		b, err := scanBroadcast(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, b)
	}
	return records, rows.Err()
}
