package mysql

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"marketplace-service/internal/entity"
)

type WalletRepository struct {
	db dbtx
}

func (r *WalletRepository) Get(ctx context.Context, partyID string) (*entity.Wallet, error) {
	query := `SELECT party_id, available, escrow_held, total_earned, updated_at FROM wallets WHERE party_id = ?`
	w := &entity.Wallet{}
	err := r.db.QueryRowContext(ctx, query, partyID).Scan(&w.PartyID, &w.Available, &w.EscrowHeld, &w.TotalEarned, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &entity.Wallet{PartyID: partyID}, nil
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (r *WalletRepository) GetForUpdate(ctx context.Context, partyID string) (*entity.Wallet, error) {
	insert := `INSERT IGNORE INTO wallets (party_id, available, escrow_held, total_earned, updated_at) VALUES (?, 0, 0, 0, ?)`
	if _, err := r.db.ExecContext(ctx, insert, partyID, time.Now()); err != nil {
		return nil, err
	}

	query := `SELECT party_id, available, escrow_held, total_earned, updated_at FROM wallets WHERE party_id = ? FOR UPDATE`
	w := &entity.Wallet{}
	err := r.db.QueryRowContext(ctx, query, partyID).Scan(&w.PartyID, &w.Available, &w.EscrowHeld, &w.TotalEarned, &w.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "wallet "+partyID)
	}
	return w, nil
}

func (r *WalletRepository) Save(ctx context.Context, w *entity.Wallet) error {
	query := `UPDATE wallets SET available = ?, escrow_held = ?, total_earned = ?, updated_at = ? WHERE party_id = ?`
	_, err := r.db.ExecContext(ctx, query, w.Available, w.EscrowHeld, w.TotalEarned, w.UpdatedAt, w.PartyID)
	return err
}

func (r *WalletRepository) AppendEntries(ctx context.Context, entries ...*entity.LedgerEntry) error {
	if len(entries) == 0 {
		return nil
	}

	query := `INSERT INTO ledger_entries (id, order_id, party_id, bucket, kind, amount, created_at) VALUES `
	var values []interface{}
	for _, e := range entries {
		query += "(?, ?, ?, ?, ?, ?, ?),"
		values = append(values, e.ID, e.OrderID, e.PartyID, string(e.Bucket), string(e.Kind), e.Amount, e.CreatedAt)
	}
	query = query[:len(query)-1]

	_, err := r.db.ExecContext(ctx, query, values...)
	return err
}

func (r *WalletRepository) EscrowHeld(ctx context.Context, orderID string) (decimal.Decimal, error) {
	query := `SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE order_id = ? AND bucket = ?`
	var held decimal.Decimal
	if err := r.db.QueryRowContext(ctx, query, orderID, string(entity.BucketEscrow)).Scan(&held); err != nil {
		return decimal.Zero, err
	}
	return held, nil
}

func (r *WalletRepository) Entries(ctx context.Context, orderID string) ([]*entity.LedgerEntry, error) {
	query := `SELECT id, order_id, party_id, bucket, kind, amount, created_at FROM ledger_entries
		WHERE order_id = ? ORDER BY created_at, id`
	rows, err := r.db.QueryContext(ctx, query, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*entity.LedgerEntry
	for rows.Next() {
		e := &entity.LedgerEntry{}
		var bucket, kind string
		if err := rows.Scan(&e.ID, &e.OrderID, &e.PartyID, &bucket, &kind, &e.Amount, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Bucket = entity.Bucket(bucket)
		e.Kind = entity.LedgerKind(kind)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
