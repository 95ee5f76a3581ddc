package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgerlink-server/src/db"
	"ledgerlink-server/src/events"
	"ledgerlink-server/src/metrics"
	"ledgerlink-server/src/models"
	"ledgerlink-server/src/util"
)

var fixedNow = time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type mapCache struct {
	mu          sync.Mutex
	entries     map[string]interface{}
	generations map[string]uint64
	deletes     int
}

func newMapCache() *mapCache {
	return &mapCache{entries: map[string]interface{}{}, generations: map[string]uint64{}}
}

func (c *mapCache) GetAccounts(app, user string) (interface{}, uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[app+":"+user]
	return v, c.generations[app+":"+user], ok
}

func (c *mapCache) SetAccounts(app, user string, gen uint64, v interface{}) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generations[app+":"+user] != gen {
		return false
	}
	c.entries[app+":"+user] = v
	return true
}

func (c *mapCache) DelAccounts(app, user string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deletes++
	c.generations[app+":"+user]++
	delete(c.entries, app+":"+user)
}

type harness struct {
	provider  *fakeProvider
	store     *fakeStore
	cache     *mapCache
	publisher *recordingPublisher
	deps      Deps
}

func newHarness() *harness {
	h := &harness{
		provider:  &fakeProvider{},
		store:     newFakeStore(),
		cache:     newMapCache(),
		publisher: &recordingPublisher{},
	}
	h.deps = Deps{
		Provider:  h.provider,
		Store:     h.store,
		Cache:     h.cache,
		Publisher: h.publisher,
		Metrics:   metrics.New(prometheus.NewRegistry()),
		Clock:     testclock.NewClock(fixedNow),
		Locks:     NewItemLocks(),
	}
	return h
}

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func strPtr(s string) *string { return &s }

// seedItem stores a linked item directly, as a completed exchange would.
func (h *harness) seedItem(t *testing.T, userID, itemID string) {
	t.Helper()
	require.NoError(t, h.store.CreateLinkedItem(context.Background(), &models.LinkedItem{
		ItemID:          itemID,
		UserID:          userID,
		AccessToken:     "access-" + itemID,
		InstitutionName: "First Platypus Bank",
		Accounts:        []models.AccountSummary{},
		CreatedAt:       fixedNow,
		UpdatedAt:       fixedNow,
	}))
}

func feedOf(n int) []models.ProviderTransaction {
	feed := make([]models.ProviderTransaction, 0, n)
	for i := 0; i < n; i++ {
		feed = append(feed, models.ProviderTransaction{
			TransactionID: fmt.Sprintf("t%d", i+1),
			AccountID:     "acc-1",
			Amount:        float64(i+1) * 10.5,
			Date:          "2024-03-01",
			Name:          fmt.Sprintf("Purchase %d", i+1),
		})
	}
	return feed
}

func TestCreateLinkSession(t *testing.T) {
	h := newHarness()
	h.provider.CreateLinkTokenFunc = func(_ context.Context, userID string) (string, error) {
		assert.Equal(t, "user-1", userID)
		return "link-sandbox-123", nil
	}

	token, err := NewLinkSessionService(h.deps).CreateLinkSession(context.Background(), "  user-1 ")
	require.NoError(t, err)
	assert.Equal(t, "link-sandbox-123", token)
}

func TestCreateLinkSessionAcceptsAnyPrintableUserID(t *testing.T) {
	for _, userID := range []string{"jane+budget@example.com", "user 1", "Ünïcode-user"} {
		h := newHarness()
		h.provider.CreateLinkTokenFunc = func(_ context.Context, got string) (string, error) {
			assert.Equal(t, userID, got)
			return "link-sandbox-123", nil
		}

		token, err := NewLinkSessionService(h.deps).CreateLinkSession(context.Background(), userID)
		require.NoError(t, err, userID)
		assert.Equal(t, "link-sandbox-123", token)
	}
}

func TestCreateLinkSessionRejectsMissingUser(t *testing.T) {
	h := newHarness()

	_, err := NewLinkSessionService(h.deps).CreateLinkSession(context.Background(), "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, util.ErrInvalidRequest))
	assert.Empty(t, h.provider.called())
}

func TestCreateLinkSessionProviderFailure(t *testing.T) {
	h := newHarness()
	h.provider.CreateLinkTokenFunc = func(context.Context, string) (string, error) {
		return "", upstreamErr("INVALID_API_KEYS")
	}

	_, err := NewLinkSessionService(h.deps).CreateLinkSession(context.Background(), "user-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, util.ErrUpstream))
}

func TestExchangePublicToken(t *testing.T) {
	h := newHarness()
	h.provider.ExchangePublicTokenFunc = func(_ context.Context, publicToken string) (models.ExchangeResult, error) {
		assert.Equal(t, "public-sandbox-1", publicToken)
		return models.ExchangeResult{AccessToken: "access-secret", ItemID: "item-1"}, nil
	}
	h.provider.GetAccountsFunc = func(_ context.Context, accessToken string) ([]models.ProviderAccount, error) {
		assert.Equal(t, "access-secret", accessToken)
		return []models.ProviderAccount{
			{AccountID: "a1", Name: "Checking", OfficialName: strPtr("Gold Checking"), Type: "depository", Subtype: "checking", Mask: "0000", CurrentBalance: dec("110.50"), AvailableBalance: dec("100.00")},
			{AccountID: "a2", Name: "Savings", Type: "depository", Subtype: "savings", Mask: "1111", CurrentBalance: dec("210")},
			{AccountID: "a3", Name: "Credit Card", Type: "credit", Subtype: "credit card", Mask: "3333"},
		}, nil
	}

	meta := &models.InstitutionMeta{InstitutionID: "ins_109508", Name: "First Platypus Bank"}
	resp, err := NewExchangeService(h.deps).ExchangePublicToken(context.Background(), "user-1", "public-sandbox-1", meta)
	require.NoError(t, err)

	assert.Equal(t, "item-1", resp.ItemID)
	require.Len(t, resp.Accounts, 3)
	assert.Equal(t, models.RedactedAccount{ID: "a1", Name: "Checking", Type: "depository", Subtype: "checking", Mask: "0000"}, resp.Accounts[0])

	body, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "access-secret")
	assert.NotContains(t, string(body), "110.5")

	item, err := h.store.GetLinkedItem(context.Background(), "user-1", "item-1")
	require.NoError(t, err)
	assert.Equal(t, "access-secret", item.AccessToken)
	assert.Equal(t, "First Platypus Bank", item.InstitutionName)
	require.NotNil(t, item.InstitutionID)
	assert.Equal(t, "ins_109508", *item.InstitutionID)
	assert.Nil(t, item.LastSyncedAt)
	require.Len(t, item.Accounts, 3)
	assert.True(t, item.Accounts[0].CurrentBalance.Equal(decimal.RequireFromString("110.5")))
	assert.True(t, item.Accounts[2].CurrentBalance.IsZero())
	assert.Nil(t, item.Accounts[2].AvailableBalance)

	assert.NotContains(t, h.provider.called(), "LookupInstitution")
	assert.Equal(t, []string{events.ItemLinked}, h.publisher.types())
}

func TestExchangeInstitutionFallbacks(t *testing.T) {
	tests := []struct {
		name     string
		meta     *models.InstitutionMeta
		lookupID string
		lookup   string
		lookErr  error
		wantName string
		wantID   *string
	}{{
		name:     "provider lookup",
		lookupID: "ins_3",
		lookup:   "Chase",
		wantName: "Chase",
		wantID:   strPtr("ins_3"),
	}, {
		name:     "lookup failure",
		lookErr:  upstreamErr("INSTITUTION_NOT_FOUND"),
		wantName: models.DefaultInstitutionName,
	}, {
		name:     "metadata id kept when name is looked up",
		meta:     &models.InstitutionMeta{InstitutionID: "ins_9"},
		lookupID: "ins_other",
		lookup:   "Tartan Bank",
		wantName: "Tartan Bank",
		wantID:   strPtr("ins_9"),
	}}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			h.provider.ExchangePublicTokenFunc = func(context.Context, string) (models.ExchangeResult, error) {
				return models.ExchangeResult{AccessToken: "access", ItemID: "item-1"}, nil
			}
			h.provider.LookupInstitutionFunc = func(context.Context, string) (string, string, error) {
				return tt.lookupID, tt.lookup, tt.lookErr
			}

			_, err := NewExchangeService(h.deps).ExchangePublicToken(context.Background(), "user-1", "public", tt.meta)
			require.NoError(t, err)

			item, err := h.store.GetLinkedItem(context.Background(), "user-1", "item-1")
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, item.InstitutionName)
			assert.Equal(t, tt.wantID, item.InstitutionID)
		})
	}
}

func TestExchangeWritesNothingWhenAccountsFail(t *testing.T) {
	h := newHarness()
	h.provider.ExchangePublicTokenFunc = func(context.Context, string) (models.ExchangeResult, error) {
		return models.ExchangeResult{AccessToken: "access", ItemID: "item-1"}, nil
	}
	h.provider.GetAccountsFunc = func(context.Context, string) ([]models.ProviderAccount, error) {
		return nil, upstreamErr("ITEM_LOGIN_REQUIRED")
	}

	_, err := NewExchangeService(h.deps).ExchangePublicToken(context.Background(), "user-1", "public", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, util.ErrUpstream))

	_, err = h.store.GetLinkedItem(context.Background(), "user-1", "item-1")
	assert.True(t, errors.Is(err, util.ErrNotFound))
	assert.Empty(t, h.publisher.types())
}

func TestExchangeValidation(t *testing.T) {
	tests := []struct {
		name, userID, publicToken string
	}{
		{"missing user", "", "public"},
		{"blank user", "   ", "public"},
		{"missing token", "user-1", ""},
		{"control characters in user", "user\x001", "public"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			_, err := NewExchangeService(h.deps).ExchangePublicToken(context.Background(), tt.userID, tt.publicToken, nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, util.ErrInvalidRequest))
			assert.Empty(t, h.provider.called())
		})
	}
}

func TestExchangeDuplicateItemKeepsOriginal(t *testing.T) {
	h := newHarness()
	h.seedItem(t, "user-1", "item-1")
	h.provider.ExchangePublicTokenFunc = func(context.Context, string) (models.ExchangeResult, error) {
		return models.ExchangeResult{AccessToken: "other-token", ItemID: "item-1"}, nil
	}

	_, err := NewExchangeService(h.deps).ExchangePublicToken(context.Background(), "user-1", "public", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, util.ErrStorage))

	item, err := h.store.GetLinkedItem(context.Background(), "user-1", "item-1")
	require.NoError(t, err)
	assert.Equal(t, "access-item-1", item.AccessToken)
}

func TestSyncTransactionsIsIdempotent(t *testing.T) {
	h := newHarness()
	h.seedItem(t, "user-1", "item-1")
	h.provider.GetTransactionsFunc = func(_ context.Context, accessToken, start, end string) ([]models.ProviderTransaction, error) {
		assert.Equal(t, "access-item-1", accessToken)
		assert.Equal(t, "2024-02-14", start)
		assert.Equal(t, "2024-03-15", end)
		return feedOf(5), nil
	}
	svc := NewSyncService(h.deps)

	first, err := svc.SyncTransactions(context.Background(), "user-1", "item-1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncResult{Added: 5, Skipped: 0, Total: 5}, first)

	second, err := svc.SyncTransactions(context.Background(), "user-1", "item-1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncResult{Added: 0, Skipped: 5, Total: 5}, second)

	assert.Len(t, h.store.transactionsFor("user-1", "item-1"), 5)

	item, err := h.store.GetLinkedItem(context.Background(), "user-1", "item-1")
	require.NoError(t, err)
	require.NotNil(t, item.LastSyncedAt)
	assert.True(t, item.LastSyncedAt.Equal(fixedNow))
	assert.Equal(t, []string{events.TransactionsSynced, events.TransactionsSynced}, h.publisher.types())
}

func TestSyncSignConvention(t *testing.T) {
	h := newHarness()
	h.seedItem(t, "user-1", "item-1")
	h.provider.GetTransactionsFunc = func(context.Context, string, string, string) ([]models.ProviderTransaction, error) {
		return []models.ProviderTransaction{
			{TransactionID: "t1", Amount: 42.5, Date: "2024-03-01", Name: "Coffee", MerchantName: "Blue Bottle"},
			{TransactionID: "t2", Amount: -1200, Date: "2024-03-02", Name: "Payroll"},
		}, nil
	}

	_, err := NewSyncService(h.deps).SyncTransactions(context.Background(), "user-1", "item-1")
	require.NoError(t, err)

	rows := h.store.transactionsFor("user-1", "item-1")
	require.Len(t, rows, 2)

	assert.Equal(t, models.KindExpense, rows[0].Kind)
	assert.Equal(t, "42.5", rows[0].Amount.String())
	require.NotNil(t, rows[0].MerchantName)
	assert.Equal(t, "Blue Bottle", *rows[0].MerchantName)

	assert.Equal(t, models.KindIncome, rows[1].Kind)
	assert.Equal(t, "1200", rows[1].Amount.String())
	assert.Nil(t, rows[1].MerchantName)

	for _, row := range rows {
		assert.Equal(t, "item-1", row.LinkedItemID)
		assert.Equal(t, models.SourceProvider, row.Source)
		assert.True(t, row.SyncedAt.Equal(fixedNow))
	}
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), rows[0].OccurredAt)
}

func TestCategoryAndDescriptionFallbacks(t *testing.T) {
	tests := []struct {
		name         string
		record       models.ProviderTransaction
		wantCategory string
		wantDesc     string
	}{{
		name:         "primary category",
		record:       models.ProviderTransaction{PrimaryCategory: "FOOD_AND_DRINK", LegacyCategories: []string{"Food"}, Name: "Lunch"},
		wantCategory: "FOOD_AND_DRINK",
		wantDesc:     "Lunch",
	}, {
		name:         "legacy category",
		record:       models.ProviderTransaction{LegacyCategories: []string{"Travel", "Airlines"}, MerchantName: "United"},
		wantCategory: "Travel",
		wantDesc:     "United",
	}, {
		name:         "nothing",
		record:       models.ProviderTransaction{},
		wantCategory: "Uncategorized",
		wantDesc:     "Unknown Transaction",
	}, {
		name:         "blank strings",
		record:       models.ProviderTransaction{PrimaryCategory: "  ", LegacyCategories: []string{""}, Name: " ", MerchantName: " "},
		wantCategory: "Uncategorized",
		wantDesc:     "Unknown Transaction",
	}}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantCategory, Category(tt.record))
			assert.Equal(t, tt.wantDesc, Description(tt.record))
		})
	}
}

func TestToTransactionRejectsBadDate(t *testing.T) {
	_, err := ToTransaction(models.ProviderTransaction{TransactionID: "t1", Date: "03/01/2024"}, "user-1", "item-1", fixedNow)
	require.Error(t, err)
	assert.True(t, errors.Is(err, util.ErrUpstream))
}

func TestSyncSkipsRecordsWithoutID(t *testing.T) {
	h := newHarness()
	h.seedItem(t, "user-1", "item-1")
	h.provider.GetTransactionsFunc = func(context.Context, string, string, string) ([]models.ProviderTransaction, error) {
		feed := feedOf(2)
		feed = append(feed, models.ProviderTransaction{Amount: 1, Date: "2024-03-01"})
		return feed, nil
	}

	result, err := NewSyncService(h.deps).SyncTransactions(context.Background(), "user-1", "item-1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncResult{Added: 2, Skipped: 1, Total: 3}, result)
}

func TestSyncDeduplicatesAcrossItems(t *testing.T) {
	h := newHarness()
	h.seedItem(t, "user-1", "item-1")
	h.seedItem(t, "user-1", "item-2")
	h.provider.GetTransactionsFunc = func(context.Context, string, string, string) ([]models.ProviderTransaction, error) {
		return feedOf(3), nil
	}
	svc := NewSyncService(h.deps)

	_, err := svc.SyncTransactions(context.Background(), "user-1", "item-1")
	require.NoError(t, err)
	result, err := svc.SyncTransactions(context.Background(), "user-1", "item-2")
	require.NoError(t, err)
	assert.Equal(t, models.SyncResult{Added: 0, Skipped: 3, Total: 3}, result)
}

func TestSyncUnknownItem(t *testing.T) {
	h := newHarness()

	_, err := NewSyncService(h.deps).SyncTransactions(context.Background(), "user-1", "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, util.ErrNotFound))
	assert.Empty(t, h.provider.called())
}

func TestSyncOtherUsersItemIsNotFound(t *testing.T) {
	h := newHarness()
	h.seedItem(t, "user-1", "item-1")

	_, err := NewSyncService(h.deps).SyncTransactions(context.Background(), "user-2", "item-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, util.ErrNotFound))
}

func TestSyncValidation(t *testing.T) {
	h := newHarness()
	svc := NewSyncService(h.deps)

	_, err := svc.SyncTransactions(context.Background(), "user-1", "")
	assert.True(t, errors.Is(err, util.ErrInvalidRequest))
	_, err = svc.SyncTransactions(context.Background(), "", "item-1")
	assert.True(t, errors.Is(err, util.ErrInvalidRequest))
	assert.Empty(t, h.provider.called())
}

func TestSyncPartialFailureKeepsCounts(t *testing.T) {
	h := newHarness()
	h.seedItem(t, "user-1", "item-1")
	h.store.insertErrAfter = 2
	h.provider.GetTransactionsFunc = func(context.Context, string, string, string) ([]models.ProviderTransaction, error) {
		return feedOf(5), nil
	}

	result, err := NewSyncService(h.deps).SyncTransactions(context.Background(), "user-1", "item-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, util.ErrStorage))
	assert.Equal(t, models.SyncResult{Added: 2, Skipped: 0, Total: 5}, result)

	item, err := h.store.GetLinkedItem(context.Background(), "user-1", "item-1")
	require.NoError(t, err)
	assert.Nil(t, item.LastSyncedAt)
	assert.Empty(t, h.publisher.types())
}

func TestSyncProviderFailure(t *testing.T) {
	h := newHarness()
	h.seedItem(t, "user-1", "item-1")
	h.provider.GetTransactionsFunc = func(context.Context, string, string, string) ([]models.ProviderTransaction, error) {
		return nil, upstreamErr("PRODUCT_NOT_READY")
	}

	result, err := NewSyncService(h.deps).SyncTransactions(context.Background(), "user-1", "item-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, util.ErrUpstream))
	assert.Equal(t, models.SyncResult{}, result)
	assert.Empty(t, h.store.transactionsFor("user-1", "item-1"))
}

func TestConcurrentSyncsInsertOnce(t *testing.T) {
	h := newHarness()
	h.seedItem(t, "user-1", "item-1")
	h.provider.GetTransactionsFunc = func(context.Context, string, string, string) ([]models.ProviderTransaction, error) {
		return feedOf(20), nil
	}
	svc := NewSyncService(h.deps)

	var wg sync.WaitGroup
	results := make([]models.SyncResult, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := svc.SyncTransactions(context.Background(), "user-1", "item-1")
			assert.NoError(t, err)
			results[i] = r
		}(i)
	}
	wg.Wait()

	added := 0
	for _, r := range results {
		added += r.Added
		assert.Equal(t, 20, r.Added+r.Skipped)
	}
	assert.Equal(t, 20, added)
	assert.Len(t, h.store.transactionsFor("user-1", "item-1"), 20)
}

func TestDisconnectCascades(t *testing.T) {
	h := newHarness()
	h.seedItem(t, "user-1", "item-1")
	h.seedItem(t, "user-1", "item-2")
	h.provider.GetTransactionsFunc = func(_ context.Context, accessToken, _, _ string) ([]models.ProviderTransaction, error) {
		feed := feedOf(3)
		for i := range feed {
			feed[i].TransactionID = accessToken + feed[i].TransactionID
		}
		return feed, nil
	}
	syncSvc := NewSyncService(h.deps)
	_, err := syncSvc.SyncTransactions(context.Background(), "user-1", "item-1")
	require.NoError(t, err)
	_, err = syncSvc.SyncTransactions(context.Background(), "user-1", "item-2")
	require.NoError(t, err)

	var removedWith string
	h.provider.RemoveItemFunc = func(_ context.Context, accessToken string) error {
		removedWith = accessToken
		return nil
	}

	result, err := NewDisconnectService(h.deps).Disconnect(context.Background(), "user-1", "item-1")
	require.NoError(t, err)
	assert.Equal(t, 3, result.DeletedTransactions)
	assert.Equal(t, models.RemovalRemoved, result.RemovalOutcome)
	assert.Equal(t, "access-item-1", removedWith)

	_, err = h.store.GetLinkedItem(context.Background(), "user-1", "item-1")
	assert.True(t, errors.Is(err, util.ErrNotFound))
	assert.Empty(t, h.store.transactionsFor("user-1", "item-1"))
	assert.Len(t, h.store.transactionsFor("user-1", "item-2"), 3)
}

func TestDisconnectContinuesWhenProviderRemovalFails(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want models.RemovalOutcome
	}{
		{"item already gone", upstreamErr("ITEM_NOT_FOUND"), models.RemovalAlreadyGone},
		{"invalid token", upstreamErr("INVALID_ACCESS_TOKEN"), models.RemovalAlreadyGone},
		{"other failure", upstreamErr("INTERNAL_SERVER_ERROR"), models.RemovalFailed},
		{"transport failure", errors.New("connection reset"), models.RemovalFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			h.seedItem(t, "user-1", "item-1")
			h.provider.RemoveItemFunc = func(context.Context, string) error { return tt.err }

			result, err := NewDisconnectService(h.deps).Disconnect(context.Background(), "user-1", "item-1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, result.RemovalOutcome)

			_, err = h.store.GetLinkedItem(context.Background(), "user-1", "item-1")
			assert.True(t, errors.Is(err, util.ErrNotFound))
		})
	}
}

func TestDisconnectUnknownItem(t *testing.T) {
	h := newHarness()

	_, err := NewDisconnectService(h.deps).Disconnect(context.Background(), "user-1", "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, util.ErrNotFound))
	assert.NotContains(t, h.provider.called(), "RemoveItem")
}

func TestListAccounts(t *testing.T) {
	h := newHarness()
	h.seedItem(t, "user-1", "item-1")
	h.seedItem(t, "user-1", "item-2")
	h.seedItem(t, "user-2", "item-3")

	svc := NewAccountsService(h.deps)
	views, err := svc.ListAccounts(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, "item-1", views[0].ItemID)
	assert.Equal(t, "First Platypus Bank", views[0].InstitutionName)

	body, err := json.Marshal(views)
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(body), "access-item-1"))
	assert.Empty(t, h.provider.called())
}

func TestListAccountsEmpty(t *testing.T) {
	h := newHarness()

	views, err := NewAccountsService(h.deps).ListAccounts(context.Background(), "nobody")
	require.NoError(t, err)
	assert.NotNil(t, views)
	assert.Empty(t, views)
}

func TestListAccountsCacheIsInvalidatedByWrites(t *testing.T) {
	h := newHarness()
	h.seedItem(t, "user-1", "item-1")
	accounts := NewAccountsService(h.deps)

	views, err := accounts.ListAccounts(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, views, 1)

	// Served from cache even though the store now fails.
	h.store.listErr = errors.New("down")
	views, err = accounts.ListAccounts(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, views, 1)
	h.store.listErr = nil

	_, err = NewDisconnectService(h.deps).Disconnect(context.Background(), "user-1", "item-1")
	require.NoError(t, err)

	views, err = accounts.ListAccounts(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Empty(t, views)
}

// racingStore runs a write right after the first ListLinkedItems read, the way a
// concurrent exchange would land between an accounts query and its cache fill.
type racingStore struct {
	Store
	once  sync.Once
	write func()
}

func (s *racingStore) ListLinkedItems(ctx context.Context, userID string) ([]models.LinkedItem, error) {
	items, err := s.Store.ListLinkedItems(ctx, userID)
	s.once.Do(s.write)
	return items, err
}

func TestListAccountsDoesNotCacheListingOverriddenByWrite(t *testing.T) {
	cache, err := db.NewCache(time.Minute)
	require.NoError(t, err)
	defer cache.Close()

	h := newHarness()
	h.deps.Cache = cache
	h.deps.Store = &racingStore{Store: h.store, write: func() {
		h.seedItem(t, "user-1", "item-1")
		h.deps.invalidate("user-1")
	}}
	accounts := NewAccountsService(h.deps)

	views, err := accounts.ListAccounts(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Empty(t, views)

	views, err = accounts.ListAccounts(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, "item-1", views[0].ItemID)

	// With no write in between the listing is cached again.
	h.store.listErr = errors.New("down")
	views, err = accounts.ListAccounts(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Len(t, views, 1)
}

func TestItemLocksNilIsNoop(t *testing.T) {
	var locks *ItemLocks
	unlock := locks.Lock("app", "user", "item")
	unlock()
}
