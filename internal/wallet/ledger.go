package wallet

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"
)

// Ledger is the state machine for creating and reading transactions. All
// consistency invariants are enforced here, inside a single database
// transaction per call; the engine holds no mutable state of its own and
// adds no application-level locking on top of the store's row locking.
type Ledger struct {
	db             *sql.DB
	accounts       *AccountStore
	topupAccountID int64
}

func NewLedger(db *sql.DB, accounts *AccountStore, topupAccountID int64) *Ledger {
	return &Ledger{
		db:             db,
		accounts:       accounts,
		topupAccountID: topupAccountID,
	}
}

// TopupAccountID returns the id of the reserved system top-up account.
func (l *Ledger) TopupAccountID() int64 {
	return l.topupAccountID
}

// CreateTransaction validates the intent, resolves both parties, and
// applies the balance deltas and the transaction row as one atomic unit
// of work. It reports applied=false with a nil error when a transaction
// with the same id and identical content already exists: the balances are
// left untouched and the caller observes "already processed". The same id
// with different content fails with ErrTransactionConflict.
//
// A failed attempt leaves the id unused and is fully retriable.
func (l *Ledger) CreateTransaction(ctx context.Context, intent Intent) (applied bool, err error) {
	if len(intent.ID) == 0 || len(intent.ID) > 255 {
		return false, ErrInvalidTransactionID
	}
	if intent.Amount <= 0 {
		return false, ErrInvalidAmount
	}

	fromID, toID, err := l.resolveParties(ctx, intent)
	if err != nil {
		return false, err
	}

	applied, err = l.apply(ctx, fromID, toID, intent)
	if isUniqueViolation(err, constraintTransactionPK) {
		// Lost a race against a concurrent call with the same id. The
		// winner committed; report its outcome instead of re-applying.
		log.Printf("[LEDGER] Concurrent duplicate for transaction %s, resolving against committed row", intent.ID)
		return false, l.replayOutcome(ctx, fromID, toID, intent)
	}
	return applied, err
}

// resolveParties maps the intent onto (account_from, account_to) ids.
// Top-ups always flow from the reserved account to the actor. Transfers
// flow from the actor to a destination named by exactly one of id or
// username.
func (l *Ledger) resolveParties(ctx context.Context, intent Intent) (fromID, toID int64, err error) {
	switch intent.Type {
	case TypeTopup:
		return l.topupAccountID, intent.ActorID, nil

	case TypeTransfer:
		if (intent.DestinationID == nil) == (intent.DestinationUsername == nil) {
			return 0, 0, ErrInvalidDestination
		}

		var dest *Account
		if intent.DestinationID != nil {
			dest, err = l.accounts.GetAccountByID(ctx, *intent.DestinationID)
		} else {
			dest, err = l.accounts.GetAccountByUsername(ctx, *intent.DestinationUsername)
		}
		if err != nil {
			return 0, 0, err
		}
		if dest == nil {
			return 0, 0, ErrUnknownAccount
		}
		if dest.ID == l.topupAccountID {
			return 0, 0, ErrForbiddenDestination
		}
		return intent.ActorID, dest.ID, nil

	default:
		return 0, 0, ErrInvalidType
	}
}

// apply runs the idempotency check, balance deltas and transaction insert
// in one database transaction. All three writes commit together or not at
// all.
func (l *Ledger) apply(ctx context.Context, fromID, toID int64, intent Intent) (bool, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return false, storeErr("begin", err)
	}
	defer tx.Rollback()

	var (
		prevFrom, prevTo, prevAmount int64
		prevType                     string
	)
	err = tx.QueryRowContext(ctx, `
		SELECT account_from, account_to, type, amount
		FROM transactions
		WHERE id = $1`,
		intent.ID).Scan(&prevFrom, &prevTo, &prevType, &prevAmount)
	switch {
	case err == nil:
		if prevFrom == fromID && prevTo == toID &&
			prevType == string(intent.Type) && prevAmount == intent.Amount {
			log.Printf("[LEDGER] Transaction %s already processed", intent.ID)
			return false, nil
		}
		return false, ErrTransactionConflict
	case err != sql.ErrNoRows:
		return false, storeErr("lookup transaction", err)
	}

	// The reserved top-up account is not balance-constrained the same way,
	// so top-ups only credit the destination.
	if intent.Type == TypeTransfer {
		if err := l.accounts.adjustBalance(ctx, tx, fromID, -intent.Amount); err != nil {
			return false, err
		}
	}
	if err := l.accounts.adjustBalance(ctx, tx, toID, intent.Amount); err != nil {
		return false, err
	}

	created := time.Now().UTC().Truncate(time.Second)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO transactions (id, account_from, account_to, type, amount, created)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		intent.ID, fromID, toID, string(intent.Type), intent.Amount, created)
	if err != nil {
		if isUniqueViolation(err, constraintTransactionPK) {
			return false, err
		}
		return false, storeErr("insert transaction", err)
	}

	if err := tx.Commit(); err != nil {
		return false, storeErr("commit", err)
	}

	log.Printf("[LEDGER] Committed %s transaction %s: %d -> %d, amount %d",
		intent.Type, intent.ID, fromID, toID, intent.Amount)
	return true, nil
}

// replayOutcome resolves a lost insert race by comparing the intent
// against the row the winner committed.
func (l *Ledger) replayOutcome(ctx context.Context, fromID, toID int64, intent Intent) error {
	committed, err := l.GetTransaction(ctx, intent.ID, nil)
	if err != nil {
		return err
	}
	if committed == nil {
		return storeErr("resolve duplicate", fmt.Errorf("transaction %s vanished after unique violation", intent.ID))
	}
	if committed.AccountFrom.ID == fromID && committed.AccountTo.ID == toID &&
		committed.Type == intent.Type && committed.Amount == intent.Amount {
		return nil
	}
	return ErrTransactionConflict
}

// GetTransaction returns a single transaction joined with both parties'
// usernames, or nil when absent. When restrictTo is given, a transaction
// that exists but names neither party is reported as absent rather than
// forbidden, so the existence of other accounts' transactions is not
// revealed.
func (l *Ledger) GetTransaction(ctx context.Context, id string, restrictTo *int64) (*Transaction, error) {
	query := `
		SELECT t.id, t.account_from, src.username, t.account_to, dst.username, t.type, t.amount, t.created
		FROM transactions t
		JOIN accounts src ON src.id = t.account_from
		JOIN accounts dst ON dst.id = t.account_to
		WHERE t.id = $1`
	args := []any{id}

	if restrictTo != nil {
		query += ` AND (t.account_from = $2 OR t.account_to = $2)`
		args = append(args, *restrictTo)
	}

	var txn Transaction
	err := l.db.QueryRowContext(ctx, query, args...).Scan(
		&txn.ID, &txn.AccountFrom.ID, &txn.AccountFrom.Username,
		&txn.AccountTo.ID, &txn.AccountTo.Username,
		&txn.Type, &txn.Amount, &txn.Created,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, storeErr("get transaction", err)
	}
	return &txn, nil
}

// TransactionHistory returns transactions where the account is either
// party, inside the inclusive [From, To] window on created. Open-ended
// bounds are supported; defaulting an unbounded window is the caller's
// policy, not the engine's.
func (l *Ledger) TransactionHistory(ctx context.Context, accountID int64, filter HistoryFilter) ([]Transaction, error) {
	conditions := []string{"(t.account_from = $1 OR t.account_to = $1)"}
	args := []any{accountID}
	argIndex := 2

	if filter.From != nil {
		conditions = append(conditions, fmt.Sprintf("t.created >= $%d", argIndex))
		args = append(args, *filter.From)
		argIndex++
	}
	if filter.To != nil {
		conditions = append(conditions, fmt.Sprintf("t.created <= $%d", argIndex))
		args = append(args, *filter.To)
		argIndex++
	}

	order := "DESC"
	if filter.Order == OrderAsc {
		order = "ASC"
	}

	limit := filter.Limit
	if limit <= 0 || limit > HistoryLimit {
		limit = HistoryLimit
	}

	query := `
		SELECT t.id, t.account_from, src.username, t.account_to, dst.username, t.type, t.amount, t.created
		FROM transactions t
		JOIN accounts src ON src.id = t.account_from
		JOIN accounts dst ON dst.id = t.account_to
		WHERE ` + strings.Join(conditions, " AND ") +
		fmt.Sprintf(" ORDER BY t.created %s LIMIT $%d", order, argIndex)
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("transaction history", err)
	}
	defer rows.Close()

	transactions := []Transaction{}
	for rows.Next() {
		var txn Transaction
		err := rows.Scan(
			&txn.ID, &txn.AccountFrom.ID, &txn.AccountFrom.Username,
			&txn.AccountTo.ID, &txn.AccountTo.Username,
			&txn.Type, &txn.Amount, &txn.Created,
		)
		if err != nil {
			return nil, storeErr("transaction history", err)
		}
		transactions = append(transactions, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("transaction history", err)
	}

	return transactions, nil
}
