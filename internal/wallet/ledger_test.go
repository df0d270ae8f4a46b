package wallet

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

const topupID = int64(1)

func newTestLedger(t *testing.T) (*Ledger, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	accounts := NewAccountStore(db)
	return NewLedger(db, accounts, topupID), mock, func() { db.Close() }
}

func int64Ptr(v int64) *int64 { return &v }

func strPtr(v string) *string { return &v }

func expectDestinationByID(mock sqlmock.Sqlmock, id int64, username string, balance int64) {
	mock.ExpectQuery("SELECT id, username, balance, password_hash FROM accounts WHERE id = \\$1").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"id", "username", "balance", "password_hash"}).
			AddRow(id, username, balance, "x"))
}

func expectNoExistingTransaction(mock sqlmock.Sqlmock, id string) {
	mock.ExpectQuery("SELECT account_from, account_to, type, amount FROM transactions WHERE id = \\$1").
		WithArgs(id).
		WillReturnError(sql.ErrNoRows)
}

func expectBalanceAdjust(mock sqlmock.Sqlmock, accountID, delta int64) {
	mock.ExpectExec("UPDATE accounts SET balance = balance \\+ \\$1 WHERE id = \\$2").
		WithArgs(delta, accountID).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func expectTransactionInsert(mock sqlmock.Sqlmock, id string, from, to int64, txType string, amount int64) {
	mock.ExpectExec("INSERT INTO transactions").
		WithArgs(id, from, to, txType, amount, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestLedger_CreateTransaction_Transfer(t *testing.T) {
	ledger, mock, closeDB := newTestLedger(t)
	defer closeDB()
	ctx := context.Background()

	t.Run("successful transfer by destination id", func(t *testing.T) {
		expectDestinationByID(mock, 3, "bob", 1000)
		mock.ExpectBegin()
		expectNoExistingTransaction(mock, "t1")
		expectBalanceAdjust(mock, 2, -100)
		expectBalanceAdjust(mock, 3, 100)
		expectTransactionInsert(mock, "t1", 2, 3, "transfer", 100)
		mock.ExpectCommit()

		applied, err := ledger.CreateTransaction(ctx, Intent{
			ID: "t1", Type: TypeTransfer, Amount: 100,
			ActorID: 2, DestinationID: int64Ptr(3),
		})
		assert.NoError(t, err)
		assert.True(t, applied)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("successful transfer by destination username", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, username, balance, password_hash FROM accounts WHERE username = \\$1").
			WithArgs("bob").
			WillReturnRows(sqlmock.NewRows([]string{"id", "username", "balance", "password_hash"}).
				AddRow(3, "bob", 1000, "x"))
		mock.ExpectBegin()
		expectNoExistingTransaction(mock, "t2")
		expectBalanceAdjust(mock, 2, -250)
		expectBalanceAdjust(mock, 3, 250)
		expectTransactionInsert(mock, "t2", 2, 3, "transfer", 250)
		mock.ExpectCommit()

		applied, err := ledger.CreateTransaction(ctx, Intent{
			ID: "t2", Type: TypeTransfer, Amount: 250,
			ActorID: 2, DestinationUsername: strPtr("bob"),
		})
		assert.NoError(t, err)
		assert.True(t, applied)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insufficient balance aborts the whole unit of work", func(t *testing.T) {
		expectDestinationByID(mock, 3, "bob", 1000)
		mock.ExpectBegin()
		expectNoExistingTransaction(mock, "t3")
		mock.ExpectExec("UPDATE accounts SET balance = balance \\+ \\$1 WHERE id = \\$2").
			WithArgs(int64(-5000), int64(2)).
			WillReturnError(&pq.Error{Code: "23514", Constraint: "accounts_balance_check"})
		mock.ExpectRollback()

		applied, err := ledger.CreateTransaction(ctx, Intent{
			ID: "t3", Type: TypeTransfer, Amount: 5000,
			ActorID: 2, DestinationID: int64Ptr(3),
		})
		assert.ErrorIs(t, err, ErrInsufficientBalance)
		assert.False(t, applied)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown destination", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, username, balance, password_hash FROM accounts WHERE id = \\$1").
			WithArgs(int64(99)).
			WillReturnError(sql.ErrNoRows)

		applied, err := ledger.CreateTransaction(ctx, Intent{
			ID: "t4", Type: TypeTransfer, Amount: 100,
			ActorID: 2, DestinationID: int64Ptr(99),
		})
		assert.ErrorIs(t, err, ErrUnknownAccount)
		assert.False(t, applied)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("transfer to the top-up account is forbidden", func(t *testing.T) {
		expectDestinationByID(mock, topupID, TopupUsername, 0)

		applied, err := ledger.CreateTransaction(ctx, Intent{
			ID: "t5", Type: TypeTransfer, Amount: 100,
			ActorID: 2, DestinationID: int64Ptr(topupID),
		})
		assert.ErrorIs(t, err, ErrForbiddenDestination)
		assert.False(t, applied)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("both destination id and username rejected", func(t *testing.T) {
		applied, err := ledger.CreateTransaction(ctx, Intent{
			ID: "t6", Type: TypeTransfer, Amount: 100,
			ActorID: 2, DestinationID: int64Ptr(3), DestinationUsername: strPtr("bob"),
		})
		assert.ErrorIs(t, err, ErrInvalidDestination)
		assert.False(t, applied)
	})

	t.Run("neither destination id nor username rejected", func(t *testing.T) {
		applied, err := ledger.CreateTransaction(ctx, Intent{
			ID: "t7", Type: TypeTransfer, Amount: 100, ActorID: 2,
		})
		assert.ErrorIs(t, err, ErrInvalidDestination)
		assert.False(t, applied)
	})
}

func TestLedger_CreateTransaction_Topup(t *testing.T) {
	ledger, mock, closeDB := newTestLedger(t)
	defer closeDB()
	ctx := context.Background()

	t.Run("topup credits the actor and skips the debit", func(t *testing.T) {
		mock.ExpectBegin()
		expectNoExistingTransaction(mock, "topup-1")
		expectBalanceAdjust(mock, 2, 100)
		expectTransactionInsert(mock, "topup-1", topupID, 2, "topup", 100)
		mock.ExpectCommit()

		applied, err := ledger.CreateTransaction(ctx, Intent{
			ID: "topup-1", Type: TypeTopup, Amount: 100, ActorID: 2,
		})
		assert.NoError(t, err)
		assert.True(t, applied)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("destination fields are ignored, the actor is credited", func(t *testing.T) {
		mock.ExpectBegin()
		expectNoExistingTransaction(mock, "topup-2")
		expectBalanceAdjust(mock, 2, 100)
		expectTransactionInsert(mock, "topup-2", topupID, 2, "topup", 100)
		mock.ExpectCommit()

		applied, err := ledger.CreateTransaction(ctx, Intent{
			ID: "topup-2", Type: TypeTopup, Amount: 100, ActorID: 2,
			DestinationID: int64Ptr(3), DestinationUsername: strPtr("bob"),
		})
		assert.NoError(t, err)
		assert.True(t, applied)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLedger_CreateTransaction_Validation(t *testing.T) {
	ledger, _, closeDB := newTestLedger(t)
	defer closeDB()
	ctx := context.Background()

	t.Run("zero amount", func(t *testing.T) {
		_, err := ledger.CreateTransaction(ctx, Intent{ID: "t1", Type: TypeTopup, Amount: 0, ActorID: 2})
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})

	t.Run("negative amount", func(t *testing.T) {
		_, err := ledger.CreateTransaction(ctx, Intent{ID: "t1", Type: TypeTopup, Amount: -10, ActorID: 2})
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})

	t.Run("empty transaction id", func(t *testing.T) {
		_, err := ledger.CreateTransaction(ctx, Intent{ID: "", Type: TypeTopup, Amount: 10, ActorID: 2})
		assert.ErrorIs(t, err, ErrInvalidTransactionID)
	})

	t.Run("overlong transaction id", func(t *testing.T) {
		id := make([]byte, 256)
		for i := range id {
			id[i] = 'a'
		}
		_, err := ledger.CreateTransaction(ctx, Intent{ID: string(id), Type: TypeTopup, Amount: 10, ActorID: 2})
		assert.ErrorIs(t, err, ErrInvalidTransactionID)
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := ledger.CreateTransaction(ctx, Intent{ID: "t1", Type: "refund", Amount: 10, ActorID: 2})
		assert.ErrorIs(t, err, ErrInvalidType)
	})
}

func TestLedger_CreateTransaction_Idempotency(t *testing.T) {
	ledger, mock, closeDB := newTestLedger(t)
	defer closeDB()
	ctx := context.Background()

	t.Run("identical replay applies nothing", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT account_from, account_to, type, amount FROM transactions WHERE id = \\$1").
			WithArgs("topup-1").
			WillReturnRows(sqlmock.NewRows([]string{"account_from", "account_to", "type", "amount"}).
				AddRow(topupID, 2, "topup", 100))
		mock.ExpectRollback()

		applied, err := ledger.CreateTransaction(ctx, Intent{
			ID: "topup-1", Type: TypeTopup, Amount: 100, ActorID: 2,
		})
		assert.NoError(t, err)
		assert.False(t, applied)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("same id with different amount conflicts", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT account_from, account_to, type, amount FROM transactions WHERE id = \\$1").
			WithArgs("topup-1").
			WillReturnRows(sqlmock.NewRows([]string{"account_from", "account_to", "type", "amount"}).
				AddRow(topupID, 2, "topup", 500))
		mock.ExpectRollback()

		applied, err := ledger.CreateTransaction(ctx, Intent{
			ID: "topup-1", Type: TypeTopup, Amount: 100, ActorID: 2,
		})
		assert.ErrorIs(t, err, ErrTransactionConflict)
		assert.False(t, applied)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("same id with different parties conflicts", func(t *testing.T) {
		expectDestinationByID(mock, 3, "bob", 1000)
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT account_from, account_to, type, amount FROM transactions WHERE id = \\$1").
			WithArgs("t1").
			WillReturnRows(sqlmock.NewRows([]string{"account_from", "account_to", "type", "amount"}).
				AddRow(2, 4, "transfer", 100))
		mock.ExpectRollback()

		applied, err := ledger.CreateTransaction(ctx, Intent{
			ID: "t1", Type: TypeTransfer, Amount: 100,
			ActorID: 2, DestinationID: int64Ptr(3),
		})
		assert.ErrorIs(t, err, ErrTransactionConflict)
		assert.False(t, applied)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLedger_CreateTransaction_ConcurrentDuplicate(t *testing.T) {
	ledger, mock, closeDB := newTestLedger(t)
	defer closeDB()
	ctx := context.Background()

	t.Run("race loser observes the committed identical row", func(t *testing.T) {
		mock.ExpectBegin()
		expectNoExistingTransaction(mock, "race-1")
		expectBalanceAdjust(mock, 2, 100)
		mock.ExpectExec("INSERT INTO transactions").
			WithArgs("race-1", topupID, int64(2), "topup", int64(100), sqlmock.AnyArg()).
			WillReturnError(&pq.Error{Code: "23505", Constraint: "transactions_pkey"})
		mock.ExpectRollback()

		// The winner's row is re-read outside the aborted transaction.
		mock.ExpectQuery("SELECT t.id, t.account_from, src.username, t.account_to, dst.username, t.type, t.amount, t.created FROM transactions t").
			WithArgs("race-1").
			WillReturnRows(sqlmock.NewRows([]string{"id", "account_from", "src_username", "account_to", "dst_username", "type", "amount", "created"}).
				AddRow("race-1", topupID, TopupUsername, 2, "alice", "topup", 100, time.Now()))

		applied, err := ledger.CreateTransaction(ctx, Intent{
			ID: "race-1", Type: TypeTopup, Amount: 100, ActorID: 2,
		})
		assert.NoError(t, err)
		assert.False(t, applied)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("race loser with different content gets a conflict", func(t *testing.T) {
		mock.ExpectBegin()
		expectNoExistingTransaction(mock, "race-2")
		expectBalanceAdjust(mock, 2, 100)
		mock.ExpectExec("INSERT INTO transactions").
			WithArgs("race-2", topupID, int64(2), "topup", int64(100), sqlmock.AnyArg()).
			WillReturnError(&pq.Error{Code: "23505", Constraint: "transactions_pkey"})
		mock.ExpectRollback()

		mock.ExpectQuery("SELECT t.id, t.account_from, src.username, t.account_to, dst.username, t.type, t.amount, t.created FROM transactions t").
			WithArgs("race-2").
			WillReturnRows(sqlmock.NewRows([]string{"id", "account_from", "src_username", "account_to", "dst_username", "type", "amount", "created"}).
				AddRow("race-2", topupID, TopupUsername, 2, "alice", "topup", 999, time.Now()))

		applied, err := ledger.CreateTransaction(ctx, Intent{
			ID: "race-2", Type: TypeTopup, Amount: 100, ActorID: 2,
		})
		assert.ErrorIs(t, err, ErrTransactionConflict)
		assert.False(t, applied)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLedger_GetTransaction(t *testing.T) {
	ledger, mock, closeDB := newTestLedger(t)
	defer closeDB()
	ctx := context.Background()

	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("found with joined usernames", func(t *testing.T) {
		mock.ExpectQuery("SELECT t.id, t.account_from, src.username, t.account_to, dst.username, t.type, t.amount, t.created FROM transactions t").
			WithArgs("t1").
			WillReturnRows(sqlmock.NewRows([]string{"id", "account_from", "src_username", "account_to", "dst_username", "type", "amount", "created"}).
				AddRow("t1", 2, "alice", 3, "bob", "transfer", 100, created))

		txn, err := ledger.GetTransaction(ctx, "t1", nil)
		assert.NoError(t, err)
		assert.Equal(t, "t1", txn.ID)
		assert.Equal(t, Party{ID: 2, Username: "alice"}, txn.AccountFrom)
		assert.Equal(t, Party{ID: 3, Username: "bob"}, txn.AccountTo)
		assert.Equal(t, TypeTransfer, txn.Type)
		assert.Equal(t, int64(100), txn.Amount)
		assert.Equal(t, created, txn.Created)
	})

	t.Run("restricted to a non-party reports absent", func(t *testing.T) {
		mock.ExpectQuery("AND \\(t.account_from = \\$2 OR t.account_to = \\$2\\)").
			WithArgs("t1", int64(7)).
			WillReturnError(sql.ErrNoRows)

		txn, err := ledger.GetTransaction(ctx, "t1", int64Ptr(7))
		assert.NoError(t, err)
		assert.Nil(t, txn)
	})

	t.Run("absent", func(t *testing.T) {
		mock.ExpectQuery("SELECT t.id, t.account_from, src.username, t.account_to, dst.username, t.type, t.amount, t.created FROM transactions t").
			WithArgs("missing").
			WillReturnError(sql.ErrNoRows)

		txn, err := ledger.GetTransaction(ctx, "missing", nil)
		assert.NoError(t, err)
		assert.Nil(t, txn)
	})
}

func TestLedger_TransactionHistory(t *testing.T) {
	ledger, mock, closeDB := newTestLedger(t)
	defer closeDB()
	ctx := context.Background()

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	historyRows := func(times ...time.Time) *sqlmock.Rows {
		rows := sqlmock.NewRows([]string{"id", "account_from", "src_username", "account_to", "dst_username", "type", "amount", "created"})
		for i, ts := range times {
			rows.AddRow("t"+string(rune('1'+i)), 2, "alice", 3, "bob", "transfer", 100, ts)
		}
		return rows
	}

	t.Run("ascending with open upper bound", func(t *testing.T) {
		from := base
		mock.ExpectQuery("t.created >= \\$2 ORDER BY t.created ASC LIMIT \\$3").
			WithArgs(int64(2), from, 100).
			WillReturnRows(historyRows(base, base.Add(time.Minute), base.Add(2*time.Minute)))

		txns, err := ledger.TransactionHistory(ctx, 2, HistoryFilter{From: &from, Limit: 100, Order: OrderAsc})
		assert.NoError(t, err)
		assert.Len(t, txns, 3)
		assert.True(t, txns[0].Created.Before(txns[1].Created))
		assert.True(t, txns[1].Created.Before(txns[2].Created))
	})

	t.Run("window with both bounds descending", func(t *testing.T) {
		from, to := base, base.Add(time.Hour)
		mock.ExpectQuery("t.created >= \\$2 AND t.created <= \\$3 ORDER BY t.created DESC LIMIT \\$4").
			WithArgs(int64(2), from, to, 50).
			WillReturnRows(historyRows(base.Add(2 * time.Minute)))

		txns, err := ledger.TransactionHistory(ctx, 2, HistoryFilter{From: &from, To: &to, Limit: 50, Order: OrderDesc})
		assert.NoError(t, err)
		assert.Len(t, txns, 1)
	})

	t.Run("limit is clamped to the ceiling", func(t *testing.T) {
		mock.ExpectQuery("ORDER BY t.created DESC LIMIT \\$2").
			WithArgs(int64(2), HistoryLimit).
			WillReturnRows(historyRows())

		txns, err := ledger.TransactionHistory(ctx, 2, HistoryFilter{Limit: 5000, Order: OrderDesc})
		assert.NoError(t, err)
		assert.Empty(t, txns)
	})

	t.Run("zero limit uses the ceiling", func(t *testing.T) {
		mock.ExpectQuery("ORDER BY t.created DESC LIMIT \\$2").
			WithArgs(int64(2), HistoryLimit).
			WillReturnRows(historyRows())

		_, err := ledger.TransactionHistory(ctx, 2, HistoryFilter{Order: OrderDesc})
		assert.NoError(t, err)
	})
}
