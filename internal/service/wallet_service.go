package service

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"wallet-ledger/internal/model"
	"wallet-ledger/internal/repo"
)

// WalletService glues business logic and repository.
type WalletService struct {
	repo repo.RepositoryInterface
	log  *zap.SugaredLogger
}

// NewWalletService returns WalletService.
func NewWalletService(r repo.RepositoryInterface, logger *zap.SugaredLogger) *WalletService {
	return &WalletService{repo: r, log: logger}
}

var (
	// ErrWalletNotFound covers both a missing wallet and one owned by
	// somebody else; callers cannot tell the two apart.
	ErrWalletNotFound = errors.New("wallet not found")
	// ErrInvalidAmount means the amount is not a positive decimal with at
	// most two fraction digits.
	ErrInvalidAmount = errors.New("amount must be a positive decimal with at most 2 fraction digits")
	// ErrInvalidKind means an unknown operation kind was passed.
	ErrInvalidKind = errors.New("unknown operation kind")
)

// maxAmount mirrors the numeric(12,2) columns: ten integer digits at most.
var maxAmount = decimal.RequireFromString("9999999999.99")

// ValidateAmount enforces the ledger's money format.
func ValidateAmount(amt decimal.Decimal) error {
	if amt.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidAmount
	}
	if amt.Exponent() < -2 {
		return ErrInvalidAmount
	}
	if amt.GreaterThan(maxAmount) {
		return ErrInvalidAmount
	}
	return nil
}

// CreateWallet inserts an empty wallet for userID.
func (s *WalletService) CreateWallet(ctx context.Context, userID uuid.UUID) (*model.Wallet, error) {
	w := &model.Wallet{ID: uuid.New(), UserID: userID, Balance: decimal.Zero}
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.CreateWallet(ctx, tx, w); err != nil {
			return err
		}
		payload, _ := json.Marshal(map[string]interface{}{"wallet_id": w.ID, "user_id": userID})
		evt := &model.OutboxEvent{
			Aggregate: "Wallet", AggregateID: w.ID.String(), EventType: "WalletCreated", Payload: string(payload),
		}
		return s.repo.CreateOutboxEvent(ctx, tx, evt)
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

// ListWallets returns every wallet owned by userID.
func (s *WalletService) ListWallets(ctx context.Context, userID uuid.UUID) ([]model.Wallet, error) {
	return s.repo.ListWalletsByOwner(ctx, userID)
}

// GetWallet resolves a wallet scoped to its owner, cache first. The cached
// record carries the owner, so a foreign wallet 404s without touching the DB.
func (s *WalletService) GetWallet(ctx context.Context, walletID, userID uuid.UUID) (*model.Wallet, error) {
	if cw, err := s.repo.GetCachedWallet(ctx, walletID); err == nil {
		if cw.UserID != userID {
			return nil, ErrWalletNotFound
		}
		return &model.Wallet{ID: walletID, UserID: cw.UserID, Balance: cw.Balance}, nil
	}
	w, err := s.repo.GetOwnedWallet(ctx, s.repo.DB(ctx), walletID, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	if err := s.repo.CacheWallet(ctx, w); err != nil {
		s.log.Warnf("cache wallet %s: %v", walletID, err)
	}
	return w, nil
}

// DeleteWallet removes a wallet and its whole operation log. The row lock
// makes deletion serialize with any in-flight mutation.
func (s *WalletService) DeleteWallet(ctx context.Context, walletID, userID uuid.UUID) error {
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		w, err := s.repo.GetOwnedWalletForUpdate(ctx, tx, walletID, userID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrWalletNotFound
			}
			return err
		}
		if err := s.repo.DeleteWallet(ctx, tx, w.ID); err != nil {
			return err
		}
		payload, _ := json.Marshal(map[string]interface{}{"wallet_id": walletID, "user_id": userID})
		evt := &model.OutboxEvent{
			Aggregate: "Wallet", AggregateID: walletID.String(), EventType: "WalletDeleted", Payload: string(payload),
		}
		return s.repo.CreateOutboxEvent(ctx, tx, evt)
	})
	if err != nil {
		return err
	}
	if err := s.repo.DropCachedWallet(ctx, walletID); err != nil {
		s.log.Warnf("drop cached wallet %s: %v", walletID, err)
	}
	return nil
}

// Apply runs one DEPOSIT or WITHDRAW against a wallet. The wallet row stays
// exclusively locked from the read to the commit, so concurrent calls on the
// same wallet serialize while calls on different wallets run in parallel.
// Everything (balance, ledger entry, outbox event) commits atomically or not
// at all.
func (s *WalletService) Apply(ctx context.Context, walletID, userID uuid.UUID, kind model.OperationKind, amt decimal.Decimal) (decimal.Decimal, error) {
	var updated model.Wallet
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		w, err := s.repo.GetOwnedWalletForUpdate(ctx, tx, walletID, userID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrWalletNotFound
			}
			return err
		}
		// resolve first: a wallet the requester does not own answers
		// not-found even when the request is malformed too
		if !kind.Valid() {
			return ErrInvalidKind
		}
		if err := ValidateAmount(amt); err != nil {
			return err
		}
		var newBal decimal.Decimal
		switch kind {
		case model.KindDeposit:
			newBal = w.Balance.Add(amt)
		case model.KindWithdraw:
			// amount == balance is allowed: balance may reach exactly 0.00
			if w.Balance.LessThan(amt) {
				return repo.ErrInsufficientFunds
			}
			newBal = w.Balance.Sub(amt)
		}
		if err := s.repo.UpdateWalletBalance(ctx, tx, walletID, newBal, w.Version); err != nil {
			return err
		}
		op := &model.Operation{ID: uuid.New(), WalletID: walletID, Kind: kind, Amount: amt}
		if err := s.repo.CreateOperation(ctx, tx, op); err != nil {
			return err
		}
		payload, _ := json.Marshal(map[string]interface{}{
			"wallet_id": walletID, "kind": kind, "amount": amt, "balance": newBal,
		})
		evt := &model.OutboxEvent{
			Aggregate: "Wallet", AggregateID: walletID.String(), EventType: string(kind), Payload: string(payload),
		}
		if err := s.repo.CreateOutboxEvent(ctx, tx, evt); err != nil {
			return err
		}
		updated = *w
		updated.Balance = newBal
		updated.Version = w.Version + 1
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	// cache only after commit; a rolled-back balance must never be served
	if err := s.repo.CacheWallet(ctx, &updated); err != nil {
		s.log.Warnf("cache wallet %s: %v", walletID, err)
	}
	return updated.Balance, nil
}

// ListOperations returns a page of the wallet's ledger, newest first, plus
// the total count. Ownership scoping is identical to GetWallet.
func (s *WalletService) ListOperations(ctx context.Context, walletID, userID uuid.UUID, limit, offset int) ([]model.Operation, int64, error) {
	if _, err := s.GetWallet(ctx, walletID, userID); err != nil {
		return nil, 0, err
	}
	ops, err := s.repo.ListOperations(ctx, walletID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.repo.CountOperations(ctx, walletID)
	if err != nil {
		return nil, 0, err
	}
	return ops, total, nil
}

// Repo exposes underlying repository (unit tests helper).
func (s *WalletService) Repo() repo.RepositoryInterface {
	return s.repo
}
