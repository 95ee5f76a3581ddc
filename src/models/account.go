package models

import "github.com/shopspring/decimal"

// ProviderAccount is an account as the provider reports it.
type ProviderAccount struct {
	AccountID        string
	Name             string
	OfficialName     *string
	Type             string
	Subtype          string
	Mask             string
	CurrentBalance   *decimal.Decimal
	AvailableBalance *decimal.Decimal
}

// Summary maps the provider account onto the embedded snapshot. A missing current
// balance is recorded as zero.
func (a ProviderAccount) Summary() AccountSummary {
	current := decimal.Zero
	if a.CurrentBalance != nil {
		current = *a.CurrentBalance
	}
	return AccountSummary{
		AccountID:        a.AccountID,
		Name:             a.Name,
		OfficialName:     a.OfficialName,
		Type:             a.Type,
		Subtype:          a.Subtype,
		Mask:             a.Mask,
		CurrentBalance:   current,
		AvailableBalance: a.AvailableBalance,
	}
}

// ProviderTransaction is a transaction record from the provider feed. A positive
// Amount means money left the account.
type ProviderTransaction struct {
	TransactionID    string
	AccountID        string
	Amount           float64
	Date             string
	Name             string
	MerchantName     string
	PrimaryCategory  string
	LegacyCategories []string
	Pending          bool
}

// ExchangeResult is what the provider hands back for a temporary credential.
type ExchangeResult struct {
	AccessToken string
	ItemID      string
}
