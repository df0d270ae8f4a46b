package database

import (
	"database/sql"
	"fmt"
	"log"

	"github.com/brannt/wallet/internal/wallet"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id BIGSERIAL PRIMARY KEY,
		username VARCHAR(255) UNIQUE NOT NULL,
		password_hash VARCHAR(288) NOT NULL,
		balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0)
	)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		id VARCHAR(255) PRIMARY KEY,
		account_from BIGINT NOT NULL REFERENCES accounts (id),
		account_to BIGINT NOT NULL REFERENCES accounts (id),
		type VARCHAR(16) NOT NULL,
		amount BIGINT NOT NULL,
		created TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS transactions_created_idx ON transactions (created)`,
}

// InitSchema creates the tables and the reserved system top-up account.
// Every statement is idempotent, so the bootstrap is safe to run on each
// startup. The top-up row must exist before any topup transaction is
// accepted.
func InitSchema(db *sql.DB, topupAccountID int64) error {
	for _, stmt := range schemaStatements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("schema bootstrap: %w", err)
		}
	}

	_, err := db.Exec(`
		INSERT INTO accounts (id, username, password_hash, balance)
		VALUES ($1, $2, '', 0)
		ON CONFLICT (id) DO NOTHING`,
		topupAccountID, wallet.TopupUsername)
	if err != nil {
		return fmt.Errorf("schema bootstrap: top-up account: %w", err)
	}

	// An explicit-id insert does not advance the serial sequence, so the
	// next default-id insert would collide with the top-up row.
	_, err = db.Exec(`
		SELECT setval(pg_get_serial_sequence('accounts', 'id'),
			GREATEST($1, COALESCE((SELECT MAX(id) FROM accounts), 1)))`,
		topupAccountID)
	if err != nil {
		return fmt.Errorf("schema bootstrap: account id sequence: %w", err)
	}

	log.Printf("[SCHEMA] Bootstrap complete, top-up account id %d", topupAccountID)
	return nil
}
