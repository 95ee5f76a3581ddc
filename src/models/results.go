package models

// ExchangeResponse is returned to the caller after linking; it never carries the access token.
type ExchangeResponse struct {
	ItemID   string            `json:"itemId"`
	Accounts []RedactedAccount `json:"accounts"`
}

type SyncResult struct {
	Added   int `json:"added"`
	Skipped int `json:"skipped"`
	Total   int `json:"total"`
}

type DisconnectResult struct {
	DeletedTransactions int `json:"deletedTransactions"`
	// RemovalOutcome records what happened at the provider; local cleanup does not depend on it.
	RemovalOutcome RemovalOutcome `json:"-"`
}

type RemovalOutcome string

const (
	RemovalRemoved     RemovalOutcome = "removed"
	RemovalAlreadyGone RemovalOutcome = "already_gone"
	RemovalFailed      RemovalOutcome = "failed"
)
