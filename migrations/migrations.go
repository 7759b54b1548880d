package migrations

import (
	"database/sql"
	"fmt"
	"time"
)

var tables = []struct {
	name  string
	query string
}{
	{"parties", `
		CREATE TABLE IF NOT EXISTS parties (
			id CHAR(36) PRIMARY KEY,
			role VARCHAR(16) NOT NULL,
			name VARCHAR(255) NOT NULL,
			phone VARCHAR(32) NOT NULL UNIQUE,
			business_name VARCHAR(255) NOT NULL DEFAULT '',
			category VARCHAR(64) NOT NULL DEFAULT '',
			vehicle VARCHAR(64) NOT NULL DEFAULT '',
			lat DOUBLE NOT NULL,
			lng DOUBLE NOT NULL,
			address VARCHAR(512) NOT NULL DEFAULT '',
			is_busy TINYINT(1) NOT NULL DEFAULT 0,
			active TINYINT(1) NOT NULL DEFAULT 1,
			created_at DATETIME(6) NOT NULL,
			updated_at DATETIME(6) NOT NULL,
			INDEX idx_parties_role (role, active, is_busy)
		);
	`},
	{"orders", `
		CREATE TABLE IF NOT EXISTS orders (
			id CHAR(36) PRIMARY KEY,
			buyer_id CHAR(36) NOT NULL,
			supplier_id CHAR(36) NULL,
			courier_id CHAR(36) NULL,
			product_name VARCHAR(255) NOT NULL,
			quantity DECIMAL(12,3) NOT NULL,
			unit VARCHAR(32) NOT NULL DEFAULT '',
			weight_kg DECIMAL(12,3) NOT NULL DEFAULT 0,
			buyer_price DECIMAL(15,2) NOT NULL,
			supplier_price DECIMAL(15,2) NOT NULL DEFAULT 0,
			shipping_cost DECIMAL(15,2) NOT NULL DEFAULT 0,
			service_fee DECIMAL(15,2) NOT NULL DEFAULT 0,
			total_amount DECIMAL(15,2) NOT NULL,
			delivery_method VARCHAR(16) NOT NULL DEFAULT '',
			pickup_lat DOUBLE NULL,
			pickup_lng DOUBLE NULL,
			pickup_address VARCHAR(512) NOT NULL DEFAULT '',
			delivery_lat DOUBLE NOT NULL,
			delivery_lng DOUBLE NOT NULL,
			delivery_address VARCHAR(512) NOT NULL DEFAULT '',
			status VARCHAR(32) NOT NULL,
			paid_at DATETIME(6) NULL,
			pickup_photo_url VARCHAR(1024) NOT NULL DEFAULT '',
			delivery_token VARCHAR(16) NOT NULL DEFAULT '',
			dispute_reason VARCHAR(1024) NOT NULL DEFAULT '',
			dispute_evidence_url VARCHAR(1024) NOT NULL DEFAULT '',
			dispute_confidence DOUBLE NULL,
			created_at DATETIME(6) NOT NULL,
			updated_at DATETIME(6) NOT NULL,
			INDEX idx_orders_buyer (buyer_id),
			INDEX idx_orders_supplier_status (supplier_id, status),
			INDEX idx_orders_courier (courier_id),
			CONSTRAINT chk_orders_total CHECK (total_amount = buyer_price + service_fee + shipping_cost)
		);
	`},
	{"broadcasts", `
		CREATE TABLE IF NOT EXISTS broadcasts (
			id CHAR(36) PRIMARY KEY,
			order_id CHAR(36) NOT NULL,
			candidate_id CHAR(36) NOT NULL,
			kind VARCHAR(16) NOT NULL,
			round INT NOT NULL,
			distance_km DOUBLE NOT NULL,
			sent_at DATETIME(6) NOT NULL,
			response VARCHAR(16) NULL,
			responded_at DATETIME(6) NULL,
			offered_price DECIMAL(15,2) NOT NULL DEFAULT 0,
			note VARCHAR(1024) NOT NULL DEFAULT '',
			UNIQUE KEY uq_broadcast_candidate (order_id, kind, candidate_id),
			FOREIGN KEY (order_id) REFERENCES orders(id)
		);
	`},
	{"wallets", `
		CREATE TABLE IF NOT EXISTS wallets (
			party_id CHAR(36) PRIMARY KEY,
			available DECIMAL(15,2) NOT NULL DEFAULT 0,
			escrow_held DECIMAL(15,2) NOT NULL DEFAULT 0,
			total_earned DECIMAL(15,2) NOT NULL DEFAULT 0,
			updated_at DATETIME(6) NOT NULL,
			CONSTRAINT chk_wallet_escrow CHECK (escrow_held >= 0)
		);
	`},
	{"ledger_entries", `
		CREATE TABLE IF NOT EXISTS ledger_entries (
			id CHAR(36) PRIMARY KEY,
			order_id CHAR(36) NOT NULL,
			party_id CHAR(36) NOT NULL,
			bucket VARCHAR(16) NOT NULL,
			kind VARCHAR(16) NOT NULL,
			amount DECIMAL(15,2) NOT NULL,
			created_at DATETIME(6) NOT NULL,
			INDEX idx_ledger_order (order_id, bucket)
		);
	`},
}

// AutoMigrate creates every table that does not exist yet, retrying each
// statement while the database warms up.
func AutoMigrate(retries int, db *sql.DB) error {
	for _, table := range tables {
		_, err := db.Exec(table.query)
		if err != nil {
			// Retry creating the table
			for i := 0; i < retries; i++ {
				time.Sleep(1 * time.Second)
				_, err = db.Exec(table.query)
				if err == nil {
					break
				}
			}
		}
		if err != nil {
			return fmt.Errorf("failed to migrate %s table: %w", table.name, err)
		}
	}
	return nil
}
