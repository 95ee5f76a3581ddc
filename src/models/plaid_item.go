package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultInstitutionName is shown when neither the caller nor the provider names the institution.
const DefaultInstitutionName = "Unknown Institution"

// LinkedItem is one user's durable connection to one institution.
type LinkedItem struct {
	ItemID          string           `json:"itemId"`
	UserID          string           `json:"-"`
	AccessToken     string           `json:"-"`
	InstitutionID   *string          `json:"institutionId"`
	InstitutionName string           `json:"institutionName"`
	Accounts        []AccountSummary `json:"accounts"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
	LastSyncedAt    *time.Time       `json:"lastSyncedAt"`
}

// AccountSummary is the snapshot of an external account embedded in a LinkedItem.
type AccountSummary struct {
	AccountID        string           `json:"accountId"`
	Name             string           `json:"name"`
	OfficialName     *string          `json:"officialName"`
	Type             string           `json:"type"`
	Subtype          string           `json:"subtype"`
	Mask             string           `json:"mask"`
	CurrentBalance   decimal.Decimal  `json:"currentBalance"`
	AvailableBalance *decimal.Decimal `json:"availableBalance"`
}

// InstitutionMeta is the optional institution description sent by the linking UI.
type InstitutionMeta struct {
	InstitutionID string `json:"institution_id"`
	Name          string `json:"name"`
}

// LinkedItemView is the read-only projection returned by the accounts query.
type LinkedItemView struct {
	ItemID          string           `json:"itemId"`
	InstitutionName string           `json:"institutionName"`
	Accounts        []AccountSummary `json:"accounts"`
	LastSyncedAt    *time.Time       `json:"lastSyncedAt"`
	CreatedAt       time.Time        `json:"createdAt"`
}

// View projects the item without its access token or bookkeeping fields.
func (i LinkedItem) View() LinkedItemView {
	accounts := i.Accounts
	if accounts == nil {
		accounts = []AccountSummary{}
	}
	return LinkedItemView{
		ItemID:          i.ItemID,
		InstitutionName: i.InstitutionName,
		Accounts:        accounts,
		LastSyncedAt:    i.LastSyncedAt,
		CreatedAt:       i.CreatedAt,
	}
}

// RedactedAccount is what the exchange returns to the caller: no balances, no official name.
type RedactedAccount struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	Mask    string `json:"mask"`
}

// Redact drops balances and the official name.
func (a AccountSummary) Redact() RedactedAccount {
	return RedactedAccount{
		ID:      a.AccountID,
		Name:    a.Name,
		Type:    a.Type,
		Subtype: a.Subtype,
		Mask:    a.Mask,
	}
}
