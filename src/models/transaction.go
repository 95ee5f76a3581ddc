package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransactionKind string

const (
	KindExpense TransactionKind = "expense"
	KindIncome  TransactionKind = "income"
)

const SourceProvider = "provider"

const (
	UncategorizedCategory = "Uncategorized"
	UnknownDescription    = "Unknown Transaction"
)

// Transaction is one ledger entry owned by a user namespace.
type Transaction struct {
	ID                    string          `json:"id"`
	UserID                string          `json:"-"`
	Description           string          `json:"description"`
	Amount                decimal.Decimal `json:"amount"`
	Kind                  TransactionKind `json:"kind"`
	Category              string          `json:"category"`
	ExternalTransactionID *string         `json:"externalTransactionId"`
	ExternalAccountID     string          `json:"externalAccountId"`
	LinkedItemID          string          `json:"linkedItemId"`
	MerchantName          *string         `json:"merchantName"`
	OccurredAt            time.Time       `json:"occurredAt"`
	SyncedAt              time.Time       `json:"syncedAt"`
	Source                string          `json:"source"`
}
