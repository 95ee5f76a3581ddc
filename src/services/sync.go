package services

import (
	"context"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/shopspring/decimal"

	"ledgerlink-server/src/events"
	"ledgerlink-server/src/models"
	"ledgerlink-server/src/util"
)

type SyncService struct {
	deps Deps
}

func NewSyncService(deps Deps) *SyncService {
	return &SyncService{deps: deps}
}

// SyncTransactions pulls the trailing window of the item's transaction feed and
// stores every record not already in the ledger.
//
// On a store failure mid-feed the sync stops, the counts reached so far are
// returned with the error, and lastSyncedAt is left untouched.
func (s *SyncService) SyncTransactions(ctx context.Context, userID, itemID string) (result models.SyncResult, err error) {
	defer func() { s.deps.Metrics.Observe("sync", err) }()

	if userID, err = util.RequireIdentifier("userId", userID); err != nil {
		return result, err
	}
	if itemID, err = util.RequireIdentifier("itemId", itemID); err != nil {
		return result, err
	}

	unlock := s.deps.Locks.Lock(s.deps.Store.ApplicationID(), userID, itemID)
	defer unlock()

	item, err := s.deps.Store.GetLinkedItem(ctx, userID, itemID)
	if err != nil {
		return result, errors.Trace(err)
	}

	now := s.deps.now()
	startDate, endDate := syncWindow(now)

	feed, err := s.deps.Provider.GetTransactions(ctx, item.AccessToken, startDate, endDate)
	if err != nil {
		logger.Errorf("transaction fetch failed for user %s, item %s: %v", userID, itemID, err)
		return result, errors.Trace(err)
	}
	result.Total = len(feed)

	for _, record := range feed {
		added, err := s.syncRecord(ctx, userID, itemID, record, now)
		if err != nil {
			logger.Errorf("sync of item %s aborted after %d added, %d skipped: %v", itemID, result.Added, result.Skipped, err)
			s.deps.Metrics.Synced(result.Added, result.Skipped)
			if result.Added > 0 {
				s.deps.invalidate(userID)
			}
			return result, errors.Annotatef(err, "transaction %s", record.TransactionID)
		}
		if added {
			result.Added++
		} else {
			result.Skipped++
		}
	}

	if err := s.deps.Store.UpdateLastSynced(ctx, userID, itemID, now); err != nil {
		logger.Errorf("failed to record sync time for item %s: %v", itemID, err)
		s.deps.Metrics.Synced(result.Added, result.Skipped)
		return result, errors.Trace(err)
	}
	s.deps.Metrics.Synced(result.Added, result.Skipped)
	s.deps.invalidate(userID)

	logger.Infof("synced item %s for user %s: added=%d skipped=%d total=%d (%s..%s)",
		itemID, userID, result.Added, result.Skipped, result.Total, startDate, endDate)
	s.deps.publish(ctx, events.TransactionsSynced, userID, itemID, result)
	return result, nil
}

// syncRecord stores one provider record unless it is already in the ledger. It
// reports whether a row was added.
func (s *SyncService) syncRecord(ctx context.Context, userID, itemID string, record models.ProviderTransaction, now time.Time) (bool, error) {
	if record.TransactionID == "" {
		logger.Warningf("item %s: provider record without a transaction id, skipping", itemID)
		return false, nil
	}

	existing, err := s.deps.Store.FindTransactionByExternalID(ctx, userID, record.TransactionID)
	if err != nil {
		return false, errors.Trace(err)
	}
	if existing != nil {
		logger.Debugf("item %s: transaction %s already stored as %s", itemID, record.TransactionID, existing.ID)
		return false, nil
	}

	txn, err := ToTransaction(record, userID, itemID, now)
	if err != nil {
		return false, err
	}
	inserted, err := s.deps.Store.InsertTransaction(ctx, txn)
	if err != nil {
		return false, errors.Trace(err)
	}
	if !inserted {
		// Lost a race with another writer holding the same provider id.
		logger.Debugf("item %s: transaction %s inserted concurrently", itemID, record.TransactionID)
	}
	return inserted, nil
}

// syncWindow returns the trailing window ending today, as provider calendar dates.
func syncWindow(now time.Time) (string, string) {
	today := now.UTC()
	return today.AddDate(0, 0, -syncWindowDays).Format(dateLayout), today.Format(dateLayout)
}

// ToTransaction maps a provider record onto a ledger row. The provider reports
// money leaving the account as a positive amount; the ledger stores magnitudes
// and records direction in Kind.
func ToTransaction(record models.ProviderTransaction, userID, itemID string, now time.Time) (*models.Transaction, error) {
	occurredAt, err := time.Parse(dateLayout, record.Date)
	if err != nil {
		return nil, errors.WithType(errors.Annotatef(err, "provider date %q", record.Date), util.ErrUpstream)
	}

	amount := decimal.NewFromFloat(record.Amount)
	kind := models.KindIncome
	if amount.Sign() > 0 {
		kind = models.KindExpense
	}

	externalID := record.TransactionID
	txn := &models.Transaction{
		UserID:                userID,
		Description:           Description(record),
		Amount:                amount.Abs(),
		Kind:                  kind,
		Category:              Category(record),
		ExternalTransactionID: &externalID,
		ExternalAccountID:     record.AccountID,
		LinkedItemID:          itemID,
		OccurredAt:            occurredAt,
		SyncedAt:              now,
		Source:                models.SourceProvider,
	}
	if merchant := strings.TrimSpace(record.MerchantName); merchant != "" {
		txn.MerchantName = &merchant
	}
	return txn, nil
}

// Category falls back from the provider's primary category to its legacy top-level
// category, then to Uncategorized.
func Category(record models.ProviderTransaction) string {
	if primary := strings.TrimSpace(record.PrimaryCategory); primary != "" {
		return primary
	}
	if len(record.LegacyCategories) > 0 {
		if legacy := strings.TrimSpace(record.LegacyCategories[0]); legacy != "" {
			return legacy
		}
	}
	return models.UncategorizedCategory
}

func Description(record models.ProviderTransaction) string {
	if name := strings.TrimSpace(record.Name); name != "" {
		return name
	}
	if merchant := strings.TrimSpace(record.MerchantName); merchant != "" {
		return merchant
	}
	return models.UnknownDescription
}
