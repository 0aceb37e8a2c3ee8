package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OperationKind is the type of a balance-affecting event.
type OperationKind string

const (
	KindDeposit  OperationKind = "DEPOSIT"
	KindWithdraw OperationKind = "WITHDRAW"
)

// Valid reports whether k is a known operation kind.
func (k OperationKind) Valid() bool {
	return k == KindDeposit || k == KindWithdraw
}

// Operation is one append-only ledger entry. Rows are never updated and are
// removed only when their wallet is deleted. Replaying a wallet's operations
// in creation order from 0.00 reproduces its current balance.
type Operation struct {
	ID        uuid.UUID       `gorm:"type:uuid;primaryKey"`
	WalletID  uuid.UUID       `gorm:"type:uuid;not null;index"`
	Kind      OperationKind   `gorm:"size:10;not null"`
	Amount    decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	CreatedAt time.Time       `gorm:"autoCreateTime"`
}

func (Operation) TableName() string { return "wallet_operation" }
