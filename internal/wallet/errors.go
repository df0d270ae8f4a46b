package wallet

import (
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// Error kinds surfaced at the engine boundary. Callers branch on these
// with errors.Is; raw store errors are never the only signal.
var (
	ErrDuplicateUsername    = errors.New("username already exists")
	ErrInvalidUsername      = errors.New("username must be between 1 and 255 characters")
	ErrUnknownAccount       = errors.New("unknown account")
	ErrForbiddenDestination = errors.New("cannot transfer to the system top-up account")
	ErrInvalidAmount        = errors.New("amount must be a positive integer")
	ErrInvalidTransactionID = errors.New("transaction id must be between 1 and 255 characters")
	ErrInvalidType          = errors.New("unknown transaction type")
	ErrInvalidDestination   = errors.New("exactly one of destination id or username must be given")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrTransactionConflict  = errors.New("transaction id already used with different content")

	// ErrStore marks connection-level or otherwise unclassified store
	// failures. Nothing partial is ever committed, so the whole operation
	// is safe to retry with the same transaction id.
	ErrStore = errors.New("store failure")
)

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStore, op, err)
}

// Postgres constraint names the schema bootstrap creates. The store maps
// violations of these to error kinds instead of pre-checking, which keeps
// the checks race-free under concurrent writes.
const (
	constraintUsernameUnique = "accounts_username_key"
	constraintBalanceNotNeg  = "accounts_balance_check"
	constraintTransactionPK  = "transactions_pkey"
)

func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code.Name() == "unique_violation" &&
		(constraint == "" || pqErr.Constraint == constraint)
}

func isCheckViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code.Name() == "check_violation" &&
		(constraint == "" || pqErr.Constraint == constraint)
}
