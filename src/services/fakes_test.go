package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/juju/errors"

	"ledgerlink-server/src/models"
	"ledgerlink-server/src/util"
)

const testApplicationID = "app-test"

// fakeStore is a map-backed Store with the same dedup and cascade semantics as
// the Postgres store.
type fakeStore struct {
	mu           sync.Mutex
	items        map[string]models.LinkedItem // user/item
	transactions map[string]models.Transaction
	nextID       int

	// error injection
	insertErrAfter int // fail the insert once this many rows were inserted; 0 disables
	createErr      error
	listErr        error
	findHook       func(externalID string)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		items:        map[string]models.LinkedItem{},
		transactions: map[string]models.Transaction{},
	}
}

func itemKey(userID, itemID string) string { return userID + "/" + itemID }

func notFound(itemID string) error {
	return errors.WithType(errors.Errorf("linked item %s not found", itemID), util.ErrNotFound)
}

func (s *fakeStore) ApplicationID() string { return testApplicationID }

func (s *fakeStore) GetLinkedItem(_ context.Context, userID, itemID string) (*models.LinkedItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[itemKey(userID, itemID)]
	if !ok {
		return nil, notFound(itemID)
	}
	return &item, nil
}

func (s *fakeStore) CreateLinkedItem(_ context.Context, item *models.LinkedItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	key := itemKey(item.UserID, item.ItemID)
	if _, ok := s.items[key]; ok {
		return errors.WithType(errors.Errorf("linked item %s already exists", item.ItemID), util.ErrStorage)
	}
	s.items[key] = *item
	return nil
}

func (s *fakeStore) ListLinkedItems(_ context.Context, userID string) ([]models.LinkedItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	items := []models.LinkedItem{}
	for _, item := range s.items {
		if item.UserID == userID {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ItemID < items[j].ItemID })
	return items, nil
}

func (s *fakeStore) UpdateLastSynced(_ context.Context, userID, itemID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := itemKey(userID, itemID)
	item, ok := s.items[key]
	if !ok {
		return notFound(itemID)
	}
	item.LastSyncedAt = &at
	item.UpdatedAt = at
	s.items[key] = item
	return nil
}

func (s *fakeStore) FindTransactionByExternalID(_ context.Context, userID, externalID string) (*models.Transaction, error) {
	if s.findHook != nil {
		s.findHook(externalID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, txn := range s.transactions {
		if txn.UserID == userID && txn.ExternalTransactionID != nil && *txn.ExternalTransactionID == externalID {
			found := txn
			return &found, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) InsertTransaction(_ context.Context, txn *models.Transaction) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErrAfter > 0 && s.nextID >= s.insertErrAfter {
		return false, errors.WithType(errors.New("write failed"), util.ErrStorage)
	}
	if txn.ExternalTransactionID != nil {
		for _, existing := range s.transactions {
			if existing.UserID == txn.UserID && existing.ExternalTransactionID != nil &&
				*existing.ExternalTransactionID == *txn.ExternalTransactionID {
				return false, nil
			}
		}
	}
	s.nextID++
	txn.ID = fmt.Sprintf("txn-%d", s.nextID)
	s.transactions[txn.ID] = *txn
	return true, nil
}

func (s *fakeStore) DeleteLinkedItemCascade(_ context.Context, userID, itemID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := itemKey(userID, itemID)
	if _, ok := s.items[key]; !ok {
		return 0, notFound(itemID)
	}
	delete(s.items, key)
	deleted := 0
	for id, txn := range s.transactions {
		if txn.UserID == userID && txn.LinkedItemID == itemID {
			delete(s.transactions, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *fakeStore) transactionsFor(userID, itemID string) []models.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Transaction
	for _, txn := range s.transactions {
		if txn.UserID == userID && txn.LinkedItemID == itemID {
			out = append(out, txn)
		}
	}
	sort.Slice(out, func(i, j int) bool { return *out[i].ExternalTransactionID < *out[j].ExternalTransactionID })
	return out
}

// fakeProvider answers each call with the matching func field, or a zero value.
type fakeProvider struct {
	CreateLinkTokenFunc     func(ctx context.Context, userID string) (string, error)
	ExchangePublicTokenFunc func(ctx context.Context, publicToken string) (models.ExchangeResult, error)
	GetAccountsFunc         func(ctx context.Context, accessToken string) ([]models.ProviderAccount, error)
	GetTransactionsFunc     func(ctx context.Context, accessToken, startDate, endDate string) ([]models.ProviderTransaction, error)
	RemoveItemFunc          func(ctx context.Context, accessToken string) error
	LookupInstitutionFunc   func(ctx context.Context, accessToken string) (string, string, error)

	mu    sync.Mutex
	calls []string
}

func (p *fakeProvider) record(call string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call)
}

func (p *fakeProvider) called() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *fakeProvider) CreateLinkToken(ctx context.Context, userID string) (string, error) {
	p.record("CreateLinkToken")
	if p.CreateLinkTokenFunc != nil {
		return p.CreateLinkTokenFunc(ctx, userID)
	}
	return "", nil
}

func (p *fakeProvider) ExchangePublicToken(ctx context.Context, publicToken string) (models.ExchangeResult, error) {
	p.record("ExchangePublicToken")
	if p.ExchangePublicTokenFunc != nil {
		return p.ExchangePublicTokenFunc(ctx, publicToken)
	}
	return models.ExchangeResult{}, nil
}

func (p *fakeProvider) GetAccounts(ctx context.Context, accessToken string) ([]models.ProviderAccount, error) {
	p.record("GetAccounts")
	if p.GetAccountsFunc != nil {
		return p.GetAccountsFunc(ctx, accessToken)
	}
	return nil, nil
}

func (p *fakeProvider) GetTransactions(ctx context.Context, accessToken, startDate, endDate string) ([]models.ProviderTransaction, error) {
	p.record("GetTransactions")
	if p.GetTransactionsFunc != nil {
		return p.GetTransactionsFunc(ctx, accessToken, startDate, endDate)
	}
	return nil, nil
}

func (p *fakeProvider) RemoveItem(ctx context.Context, accessToken string) error {
	p.record("RemoveItem")
	if p.RemoveItemFunc != nil {
		return p.RemoveItemFunc(ctx, accessToken)
	}
	return nil
}

func (p *fakeProvider) LookupInstitution(ctx context.Context, accessToken string) (string, string, error) {
	p.record("LookupInstitution")
	if p.LookupInstitutionFunc != nil {
		return p.LookupInstitutionFunc(ctx, accessToken)
	}
	return "", "", nil
}

// upstreamErr builds the error the real provider client returns for a failed call.
func upstreamErr(code string) error {
	return errors.WithType(&util.UpstreamError{
		Op:      "test",
		Payload: &util.ProviderError{Type: "ITEM_ERROR", Code: code, Message: code},
		Err:     errors.New(code),
	}, util.ErrUpstream)
}

// FindItemOwner lets fakeStore route webhooks.
func (s *fakeStore) FindItemOwner(_ context.Context, itemID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range s.items {
		if item.ItemID == itemID {
			return item.UserID, nil
		}
	}
	return "", notFound(itemID)
}
