package wallet

import (
	"context"
	"database/sql"
	"log"
)

// AccountStore persists accounts and serves lookups. The non-negative
// balance invariant lives in the accounts table CHECK constraint, not
// here: adjustBalance surfaces the violation instead of pre-checking.
type AccountStore struct {
	db *sql.DB
}

func NewAccountStore(db *sql.DB) *AccountStore {
	return &AccountStore{db: db}
}

// CreateAccount inserts a new account with a zero balance and returns it.
// The created row comes straight from INSERT ... RETURNING, so there is
// no window for a concurrent mutation between insert and read-back.
func (s *AccountStore) CreateAccount(ctx context.Context, username, passwordHash string) (*Account, error) {
	if len(username) == 0 || len(username) > 255 {
		return nil, ErrInvalidUsername
	}

	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO accounts (username, password_hash, balance)
		VALUES ($1, $2, 0)
		RETURNING id`,
		username, passwordHash).Scan(&id)
	if err != nil {
		if isUniqueViolation(err, constraintUsernameUnique) {
			return nil, ErrDuplicateUsername
		}
		return nil, storeErr("create account", err)
	}

	log.Printf("[ACCOUNT] Created account %d (%s)", id, username)
	return &Account{ID: id, Username: username, Balance: 0, PasswordHash: passwordHash}, nil
}

// GetAccountByID returns the account with the given id, or nil when no
// such account exists.
func (s *AccountStore) GetAccountByID(ctx context.Context, id int64) (*Account, error) {
	return s.getAccount(ctx, `
		SELECT id, username, balance, password_hash
		FROM accounts
		WHERE id = $1`, id)
}

// GetAccountByUsername returns the account with the given username, or
// nil when no such account exists. Exact match only.
func (s *AccountStore) GetAccountByUsername(ctx context.Context, username string) (*Account, error) {
	return s.getAccount(ctx, `
		SELECT id, username, balance, password_hash
		FROM accounts
		WHERE username = $1`, username)
}

func (s *AccountStore) getAccount(ctx context.Context, query string, arg any) (*Account, error) {
	var a Account
	err := s.db.QueryRowContext(ctx, query, arg).
		Scan(&a.ID, &a.Username, &a.Balance, &a.PasswordHash)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, storeErr("get account", err)
	}
	return &a, nil
}

// adjustBalance applies balance = balance + delta as a single conditional
// update inside the caller's transaction. A negative result trips the
// CHECK constraint and comes back as ErrInsufficientBalance.
func (s *AccountStore) adjustBalance(ctx context.Context, tx *sql.Tx, accountID, delta int64) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET balance = balance + $1
		WHERE id = $2`,
		delta, accountID)
	if err != nil {
		if isCheckViolation(err, constraintBalanceNotNeg) {
			return ErrInsufficientBalance
		}
		return storeErr("adjust balance", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return storeErr("adjust balance", err)
	}
	if affected == 0 {
		return ErrUnknownAccount
	}
	return nil
}
