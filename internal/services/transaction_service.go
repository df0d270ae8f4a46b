package services

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/brannt/wallet/internal/middleware"
	"github.com/brannt/wallet/internal/wallet"
)

// TransactionService exposes the ledger engine over HTTP. It decides the
// wire-level policies the engine deliberately does not (default history
// window, status codes); all consistency logic stays in the engine.
type TransactionService struct {
	ledger    *wallet.Ledger
	validator *ValidationHelper
}

func NewTransactionService(ledger *wallet.Ledger) *TransactionService {
	return &TransactionService{
		ledger:    ledger,
		validator: NewValidationHelper(),
	}
}

// DestinationRef names a transfer destination by id or by username.
type DestinationRef struct {
	ID       *int64  `json:"id"`
	Username *string `json:"username" validate:"omitempty,min=1,max=255"`
}

// CreateTransactionRequest represents the transaction creation payload.
// The transaction id comes from the URL: clients generate a random id and
// pass the same one again when retrying.
type CreateTransactionRequest struct {
	Type      string          `json:"type" validate:"required,oneof=topup transfer"`
	Amount    int64           `json:"amount" validate:"required,gt=0"`
	AccountTo *DestinationRef `json:"account_to" validate:"required_if=Type transfer"`
}

// CreateTransaction handles PUT /transactions/{transactionID}
func (ts *TransactionService) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountID(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	txID := chi.URLParam(r, "transactionID")

	var req CreateTransactionRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	if err := ts.validator.ValidateStruct(&req); err != nil {
		log.Printf("[TRANSACTION] Validation failed for %s: %v", txID, err)
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	intent := wallet.Intent{
		ID:      txID,
		Type:    wallet.TransactionType(req.Type),
		Amount:  req.Amount,
		ActorID: accountID,
	}
	if intent.Type == wallet.TypeTransfer && req.AccountTo != nil {
		intent.DestinationID = req.AccountTo.ID
		intent.DestinationUsername = req.AccountTo.Username
	}

	applied, err := ts.ledger.CreateTransaction(r.Context(), intent)
	if err != nil {
		status, message := transactionErrorStatus(err)
		log.Printf("[TRANSACTION] Create %s failed: %v", txID, err)
		SendErrorResponse(w, message, status, nil)
		return
	}

	message := "OK"
	if !applied {
		message = "Transaction already processed"
	}
	SendJSON(w, http.StatusCreated, map[string]string{"message": message})
}

// GetTransaction handles GET /transactions/{transactionID}. A transaction
// the caller is not a party to is reported as not found.
func (ts *TransactionService) GetTransaction(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountID(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	txID := chi.URLParam(r, "transactionID")

	txn, err := ts.ledger.GetTransaction(r.Context(), txID, &accountID)
	if err != nil {
		log.Printf("[TRANSACTION] Fetch %s failed: %v", txID, err)
		SendErrorResponse(w, "Failed to fetch transaction", http.StatusInternalServerError, nil)
		return
	}
	if txn == nil {
		SendErrorResponse(w, "Transaction not found", http.StatusNotFound, nil)
		return
	}

	SendJSON(w, http.StatusOK, txn)
}

// ListTransactions handles GET /transactions. When neither dt_from nor
// dt_to is given the window defaults to today (UTC); that defaulting is
// this layer's policy, the engine itself supports open bounds.
func (ts *TransactionService) ListTransactions(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountID(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	filter, errMsg := parseHistoryQuery(r)
	if errMsg != "" {
		SendErrorResponse(w, errMsg, http.StatusBadRequest, nil)
		return
	}

	transactions, err := ts.ledger.TransactionHistory(r.Context(), accountID, filter)
	if err != nil {
		log.Printf("[TRANSACTION] History for account %d failed: %v", accountID, err)
		SendErrorResponse(w, "Failed to fetch transactions", http.StatusInternalServerError, nil)
		return
	}

	SendJSON(w, http.StatusOK, transactions)
}

func parseHistoryQuery(r *http.Request) (wallet.HistoryFilter, string) {
	filter := wallet.HistoryFilter{
		Limit: 100,
		Order: wallet.OrderDesc,
	}

	q := r.URL.Query()

	if raw := q.Get("dt_from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, "dt_from must be an RFC 3339 timestamp"
		}
		filter.From = &t
	}
	if raw := q.Get("dt_to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, "dt_to must be an RFC 3339 timestamp"
		}
		filter.To = &t
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > wallet.HistoryLimit {
			return filter, "limit must be between 1 and 1000"
		}
		filter.Limit = limit
	}
	if raw := q.Get("order"); raw != "" {
		switch wallet.Ordering(raw) {
		case wallet.OrderAsc, wallet.OrderDesc:
			filter.Order = wallet.Ordering(raw)
		default:
			return filter, "order must be asc or desc"
		}
	}

	if filter.From == nil && filter.To == nil {
		now := time.Now().UTC().Truncate(time.Second)
		midnight := now.Truncate(24 * time.Hour)
		filter.From, filter.To = &midnight, &now
	}

	switch {
	case filter.From != nil && filter.To != nil && filter.From.After(*filter.To):
		return filter, "dt_from must be earlier than dt_to"
	case filter.Order == wallet.OrderDesc && filter.To == nil:
		return filter, "Specify dt_to with descending order"
	case filter.Order == wallet.OrderAsc && filter.From == nil:
		return filter, "Specify dt_from with ascending order"
	}

	return filter, ""
}

func transactionErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, wallet.ErrInvalidAmount),
		errors.Is(err, wallet.ErrInvalidTransactionID),
		errors.Is(err, wallet.ErrInvalidDestination),
		errors.Is(err, wallet.ErrInvalidType):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, wallet.ErrUnknownAccount):
		return http.StatusNotFound, "Unknown account"
	case errors.Is(err, wallet.ErrForbiddenDestination):
		return http.StatusForbidden, "Cannot transfer to system account"
	case errors.Is(err, wallet.ErrInsufficientBalance):
		return http.StatusPaymentRequired, "Insufficient balance"
	case errors.Is(err, wallet.ErrTransactionConflict):
		return http.StatusConflict, "Transaction id already used with different content"
	default:
		return http.StatusInternalServerError, "Failed to process transaction"
	}
}
