// Package services implements the account-linking and transaction-sync workflow:
// link sessions, credential exchange, sync, disconnect, and the accounts query.
// Services hold no state between calls beyond the handles passed to them.
package services

import (
	"context"
	"time"

	"github.com/im7mortal/kmutex"
	"github.com/juju/clock"
	"github.com/juju/loggo"

	"ledgerlink-server/src/events"
	"ledgerlink-server/src/metrics"
	"ledgerlink-server/src/models"
)

var logger = loggo.GetLogger("ledgerlink.services")

// syncWindowDays is the trailing window requested on every sync.
const syncWindowDays = 30

const dateLayout = "2006-01-02"

// Provider is the remote financial-data API.
type Provider interface {
	CreateLinkToken(ctx context.Context, userID string) (string, error)
	ExchangePublicToken(ctx context.Context, publicToken string) (models.ExchangeResult, error)
	GetAccounts(ctx context.Context, accessToken string) ([]models.ProviderAccount, error)
	GetTransactions(ctx context.Context, accessToken, startDate, endDate string) ([]models.ProviderTransaction, error)
	RemoveItem(ctx context.Context, accessToken string) error
	LookupInstitution(ctx context.Context, accessToken string) (institutionID, name string, err error)
}

// Store is the ledger persistence layer, scoped to one application id.
type Store interface {
	ApplicationID() string
	GetLinkedItem(ctx context.Context, userID, itemID string) (*models.LinkedItem, error)
	CreateLinkedItem(ctx context.Context, item *models.LinkedItem) error
	ListLinkedItems(ctx context.Context, userID string) ([]models.LinkedItem, error)
	UpdateLastSynced(ctx context.Context, userID, itemID string, at time.Time) error
	FindTransactionByExternalID(ctx context.Context, userID, externalID string) (*models.Transaction, error)
	InsertTransaction(ctx context.Context, txn *models.Transaction) (bool, error)
	DeleteLinkedItemCascade(ctx context.Context, userID, itemID string) (int, error)
}

// AccountsCache caches accounts query results per user. GetAccounts returns the
// key's generation; SetAccounts drops the fill when DelAccounts ran since then.
type AccountsCache interface {
	GetAccounts(applicationID, userID string) (value interface{}, generation uint64, ok bool)
	SetAccounts(applicationID, userID string, generation uint64, value interface{}) bool
	DelAccounts(applicationID, userID string)
}

// Deps are the process-wide handles every service is built from.
type Deps struct {
	Provider  Provider
	Store     Store
	Cache     AccountsCache
	Publisher events.Publisher
	Metrics   *metrics.Metrics
	Clock     clock.Clock
	Locks     *ItemLocks
}

func (d Deps) now() time.Time {
	if d.Clock == nil {
		return time.Now().UTC()
	}
	return d.Clock.Now().UTC()
}

func (d Deps) invalidate(userID string) {
	if d.Cache != nil {
		d.Cache.DelAccounts(d.Store.ApplicationID(), userID)
	}
}

func (d Deps) publish(ctx context.Context, eventType, userID, itemID string, data interface{}) {
	events.PublishBestEffort(ctx, d.Publisher, events.Event{
		Type:          eventType,
		ApplicationID: d.Store.ApplicationID(),
		UserID:        userID,
		ItemID:        itemID,
		OccurredAt:    d.now(),
		Data:          data,
	})
}

// ItemLocks serialises work on one linked item within this process. Combined with
// the store's unique index on provider transaction ids it keeps concurrent syncs
// from inserting the same record twice.
type ItemLocks struct {
	km *kmutex.Kmutex
}

func NewItemLocks() *ItemLocks {
	return &ItemLocks{km: kmutex.New()}
}

// Lock blocks until the item is free and returns the matching unlock.
func (l *ItemLocks) Lock(applicationID, userID, itemID string) func() {
	if l == nil {
		return func() {}
	}
	key := applicationID + "/" + userID + "/" + itemID
	l.km.Lock(key)
	return func() { l.km.Unlock(key) }
}
