package service

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"wallet-ledger/internal/logger"
	"wallet-ledger/internal/model"
	"wallet-ledger/internal/repo"
)

func newTestService(t *testing.T) (*WalletService, redismock.ClientMock, context.Context) {
	// per-test in-memory DB shared across pooled connections
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(&model.Wallet{}, &model.Operation{}, &model.OutboxEvent{}))

	// cache misses and write failures are soft, so most tests leave the
	// mock without expectations and let every command fall through
	rdb, mock := redismock.NewClientMock()

	log, _ := logger.NewLogger()
	repository := repo.NewRepository(db, rdb, nil, log)
	svc := NewWalletService(repository, log)

	return svc, mock, context.Background()
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestWalletService_Scenario(t *testing.T) {
	svc, _, ctx := newTestService(t)
	owner := uuid.New()

	w, err := svc.CreateWallet(ctx, owner)
	assert.NoError(t, err)
	assert.Equal(t, "0.00", w.Balance.StringFixed(2))

	bal, err := svc.Apply(ctx, w.ID, owner, model.KindDeposit, dec("1000.00"))
	assert.NoError(t, err)
	assert.Equal(t, "1000.00", bal.StringFixed(2))

	time.Sleep(5 * time.Millisecond) // distinct created_at for ordering

	bal, err = svc.Apply(ctx, w.ID, owner, model.KindWithdraw, dec("300.00"))
	assert.NoError(t, err)
	assert.Equal(t, "700.00", bal.StringFixed(2))

	// overdraw is rejected and leaves everything untouched
	_, err = svc.Apply(ctx, w.ID, owner, model.KindWithdraw, dec("1000.00"))
	assert.ErrorIs(t, err, repo.ErrInsufficientFunds)

	got, err := svc.GetWallet(ctx, w.ID, owner)
	assert.NoError(t, err)
	assert.Equal(t, "700.00", got.Balance.StringFixed(2))

	ops, total, err := svc.ListOperations(ctx, w.ID, owner, 50, 0)
	assert.NoError(t, err)
	assert.EqualValues(t, 2, total)
	assert.Len(t, ops, 2)
	assert.Equal(t, model.KindWithdraw, ops[0].Kind)
	assert.Equal(t, model.KindDeposit, ops[1].Kind)
}

func TestApply_Validation(t *testing.T) {
	svc, _, ctx := newTestService(t)
	owner := uuid.New()
	w, err := svc.CreateWallet(ctx, owner)
	assert.NoError(t, err)

	_, err = svc.Apply(ctx, w.ID, owner, model.KindDeposit, dec("0"))
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = svc.Apply(ctx, w.ID, owner, model.KindDeposit, dec("-5.00"))
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = svc.Apply(ctx, w.ID, owner, model.KindWithdraw, dec("-5.00"))
	assert.ErrorIs(t, err, ErrInvalidAmount)

	// more than two fraction digits
	_, err = svc.Apply(ctx, w.ID, owner, model.KindDeposit, dec("1.001"))
	assert.ErrorIs(t, err, ErrInvalidAmount)

	// beyond the numeric(12,2) column
	_, err = svc.Apply(ctx, w.ID, owner, model.KindDeposit, dec("99999999999999999999.00"))
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = svc.Apply(ctx, w.ID, owner, model.OperationKind("TRANSFER"), dec("1.00"))
	assert.ErrorIs(t, err, ErrInvalidKind)

	// nothing above may have produced a ledger entry
	_, total, err := svc.ListOperations(ctx, w.ID, owner, 50, 0)
	assert.NoError(t, err)
	assert.Zero(t, total)
}

func TestApply_WithdrawWholeBalance(t *testing.T) {
	svc, _, ctx := newTestService(t)
	owner := uuid.New()
	w, _ := svc.CreateWallet(ctx, owner)

	_, err := svc.Apply(ctx, w.ID, owner, model.KindDeposit, dec("42.50"))
	assert.NoError(t, err)

	// amount equal to the balance is allowed; the balance may hit 0.00
	bal, err := svc.Apply(ctx, w.ID, owner, model.KindWithdraw, dec("42.50"))
	assert.NoError(t, err)
	assert.Equal(t, "0.00", bal.StringFixed(2))
}

func TestApply_AmountUpperBound(t *testing.T) {
	svc, _, ctx := newTestService(t)
	owner := uuid.New()
	w, _ := svc.CreateWallet(ctx, owner)

	// the largest amount numeric(12,2) can hold is fine
	bal, err := svc.Apply(ctx, w.ID, owner, model.KindDeposit, dec("9999999999.99"))
	assert.NoError(t, err)
	assert.Equal(t, "9999999999.99", bal.StringFixed(2))

	// one step past the column's precision is not
	_, err = svc.Apply(ctx, w.ID, owner, model.KindDeposit, dec("10000000000.00"))
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestOwnershipScoping(t *testing.T) {
	svc, _, ctx := newTestService(t)
	alice := uuid.New()
	bob := uuid.New()

	w, err := svc.CreateWallet(ctx, alice)
	assert.NoError(t, err)

	_, err = svc.GetWallet(ctx, w.ID, bob)
	assert.ErrorIs(t, err, ErrWalletNotFound)

	_, err = svc.Apply(ctx, w.ID, bob, model.KindDeposit, dec("10.00"))
	assert.ErrorIs(t, err, ErrWalletNotFound)

	// not-found wins even when the request is malformed as well; anything
	// else would leak the wallet's existence
	_, err = svc.Apply(ctx, w.ID, bob, model.KindDeposit, dec("-5.00"))
	assert.ErrorIs(t, err, ErrWalletNotFound)
	_, err = svc.Apply(ctx, w.ID, bob, model.OperationKind("TRANSFER"), dec("1.00"))
	assert.ErrorIs(t, err, ErrWalletNotFound)
	_, err = svc.Apply(ctx, uuid.New(), alice, model.KindDeposit, dec("0"))
	assert.ErrorIs(t, err, ErrWalletNotFound)

	_, _, err = svc.ListOperations(ctx, w.ID, bob, 50, 0)
	assert.ErrorIs(t, err, ErrWalletNotFound)

	err = svc.DeleteWallet(ctx, w.ID, bob)
	assert.ErrorIs(t, err, ErrWalletNotFound)

	// bob's own listing does not leak alice's wallet
	ws, err := svc.ListWallets(ctx, bob)
	assert.NoError(t, err)
	assert.Empty(t, ws)
}

func TestGetWallet_CacheFirst(t *testing.T) {
	svc, mock, ctx := newTestService(t)
	owner := uuid.New()
	wid := uuid.New()

	body, _ := json.Marshal(repo.CachedWallet{UserID: owner, Balance: dec("12.34")})
	mock.ExpectGet("wallet:" + wid.String()).SetVal(string(body))

	w, err := svc.GetWallet(ctx, wid, owner)
	assert.NoError(t, err)
	assert.Equal(t, "12.34", w.Balance.StringFixed(2))

	// the cached owner still gates access
	mock.ExpectGet("wallet:" + wid.String()).SetVal(string(body))
	_, err = svc.GetWallet(ctx, wid, uuid.New())
	assert.ErrorIs(t, err, ErrWalletNotFound)
}

func TestDeleteWallet_RemovesOperations(t *testing.T) {
	svc, _, ctx := newTestService(t)
	owner := uuid.New()
	w, _ := svc.CreateWallet(ctx, owner)

	_, err := svc.Apply(ctx, w.ID, owner, model.KindDeposit, dec("10.00"))
	assert.NoError(t, err)
	_, err = svc.Apply(ctx, w.ID, owner, model.KindWithdraw, dec("4.00"))
	assert.NoError(t, err)

	assert.NoError(t, svc.DeleteWallet(ctx, w.ID, owner))

	_, err = svc.GetWallet(ctx, w.ID, owner)
	assert.ErrorIs(t, err, ErrWalletNotFound)

	var orphans int64
	svc.Repo().DB(ctx).Model(&model.Operation{}).Where("wallet_id = ?", w.ID).Count(&orphans)
	assert.Zero(t, orphans)
}

func TestLedgerReplayMatchesBalance(t *testing.T) {
	svc, _, ctx := newTestService(t)
	owner := uuid.New()
	w, _ := svc.CreateWallet(ctx, owner)

	steps := []struct {
		kind   model.OperationKind
		amount string
	}{
		{model.KindDeposit, "100.10"},
		{model.KindDeposit, "0.01"},
		{model.KindWithdraw, "50.05"},
		{model.KindDeposit, "999.99"},
		{model.KindWithdraw, "0.01"},
	}
	var final decimal.Decimal
	for _, st := range steps {
		bal, err := svc.Apply(ctx, w.ID, owner, st.kind, dec(st.amount))
		assert.NoError(t, err)
		final = bal
	}

	ops, total, err := svc.ListOperations(ctx, w.ID, owner, 100, 0)
	assert.NoError(t, err)
	assert.EqualValues(t, len(steps), total)

	// replay oldest-to-newest from zero; must land exactly on the balance
	replayed := decimal.Zero
	for i := len(ops) - 1; i >= 0; i-- {
		switch ops[i].Kind {
		case model.KindDeposit:
			replayed = replayed.Add(ops[i].Amount)
		case model.KindWithdraw:
			replayed = replayed.Sub(ops[i].Amount)
		}
	}
	assert.True(t, replayed.Equal(final), "replay %s vs balance %s", replayed, final)
	assert.Equal(t, "1050.04", final.StringFixed(2))
}

func TestListWallets(t *testing.T) {
	svc, _, ctx := newTestService(t)
	owner := uuid.New()

	w1, err := svc.CreateWallet(ctx, owner)
	assert.NoError(t, err)
	w2, err := svc.CreateWallet(ctx, owner)
	assert.NoError(t, err)

	ws, err := svc.ListWallets(ctx, owner)
	assert.NoError(t, err)
	assert.Len(t, ws, 2)
	ids := []uuid.UUID{ws[0].ID, ws[1].ID}
	assert.Contains(t, ids, w1.ID)
	assert.Contains(t, ids, w2.ID)
}

func TestListOperations_Pagination(t *testing.T) {
	svc, _, ctx := newTestService(t)
	owner := uuid.New()
	w, _ := svc.CreateWallet(ctx, owner)

	for i := 0; i < 5; i++ {
		_, err := svc.Apply(ctx, w.ID, owner, model.KindDeposit, dec("1.00"))
		assert.NoError(t, err)
	}

	ops, total, err := svc.ListOperations(ctx, w.ID, owner, 2, 0)
	assert.NoError(t, err)
	assert.EqualValues(t, 5, total)
	assert.Len(t, ops, 2)

	ops, _, err = svc.ListOperations(ctx, w.ID, owner, 2, 4)
	assert.NoError(t, err)
	assert.Len(t, ops, 1)
}
