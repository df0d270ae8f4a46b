package wallet

import (
	"time"
)

// TransactionType enumerates the two kinds of balance movements.
type TransactionType string

const (
	TypeTopup    TransactionType = "topup"
	TypeTransfer TransactionType = "transfer"
)

// Ordering controls the sort direction of transaction history.
type Ordering string

const (
	OrderAsc  Ordering = "asc"
	OrderDesc Ordering = "desc"
)

// TopupUsername is the reserved username of the system top-up account.
const TopupUsername = "system:topup"

type Account struct {
	ID           int64  `json:"id" db:"id"`
	Username     string `json:"username" db:"username"`
	Balance      int64  `json:"balance" db:"balance"`
	PasswordHash string `json:"-" db:"password_hash"`
}

// Party is an account reference embedded in a transaction, joined with the
// account's username for display.
type Party struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type Transaction struct {
	ID          string          `json:"id"`
	AccountFrom Party           `json:"account_from"`
	AccountTo   Party           `json:"account_to"`
	Type        TransactionType `json:"type"`
	Amount      int64           `json:"amount"`
	Created     time.Time       `json:"created"`
}

// Intent is a validated request to create a transaction. ActorID is the
// authenticated account. For transfers exactly one of DestinationID and
// DestinationUsername names the receiving account; for top-ups both are
// ignored, the actor is always the destination.
type Intent struct {
	ID                  string
	Type                TransactionType
	Amount              int64
	ActorID             int64
	DestinationID       *int64
	DestinationUsername *string
}

// HistoryFilter narrows a transaction history query. Nil bounds are open
// ended; the window is inclusive on both sides. A Limit of zero or above
// HistoryLimit is clamped to HistoryLimit.
type HistoryFilter struct {
	From  *time.Time
	To    *time.Time
	Limit int
	Order Ordering
}

// HistoryLimit is the hard ceiling on the number of rows a single history
// query returns.
const HistoryLimit = 1000
