package services

import (
	"context"

	"github.com/juju/errors"

	"ledgerlink-server/src/models"
	"ledgerlink-server/src/util"
)

// Webhook codes of the TRANSACTIONS type that mean new data is ready.
var syncWebhookCodes = map[string]bool{
	"SYNC_UPDATES_AVAILABLE": true,
	"DEFAULT_UPDATE":         true,
	"INITIAL_UPDATE":         true,
	"HISTORICAL_UPDATE":      true,
}

// WebhookPayload is the part of a provider webhook body this service reads.
type WebhookPayload struct {
	WebhookType string `json:"webhook_type"`
	WebhookCode string `json:"webhook_code"`
	ItemID      string `json:"item_id"`
}

// ItemOwners resolves the user owning an item id within the store namespace.
type ItemOwners interface {
	FindItemOwner(ctx context.Context, itemID string) (string, error)
}

// WebhookOutcome says what a verified webhook led to.
type WebhookOutcome struct {
	Synced bool               `json:"synced"`
	Result *models.SyncResult `json:"result,omitempty"`
}

type WebhookService struct {
	owners      ItemOwners
	sync        *SyncService
	syncEnabled bool
}

// NewWebhookService builds the webhook router. With syncEnabled false, transaction
// webhooks are acknowledged without touching the ledger.
func NewWebhookService(owners ItemOwners, sync *SyncService, syncEnabled bool) *WebhookService {
	return &WebhookService{owners: owners, sync: sync, syncEnabled: syncEnabled}
}

// HandleWebhook runs a sync for transaction update webhooks of a known item.
// Anything else is acknowledged and ignored.
func (s *WebhookService) HandleWebhook(ctx context.Context, payload WebhookPayload) (WebhookOutcome, error) {
	if payload.WebhookType != "TRANSACTIONS" || !syncWebhookCodes[payload.WebhookCode] {
		logger.Infof("ignoring webhook %s/%s for item %s", payload.WebhookType, payload.WebhookCode, payload.ItemID)
		return WebhookOutcome{}, nil
	}
	itemID, err := util.RequireIdentifier("item_id", payload.ItemID)
	if err != nil {
		return WebhookOutcome{}, err
	}
	if !s.syncEnabled {
		logger.Infof("read-only mode: not syncing item %s for webhook %s", itemID, payload.WebhookCode)
		return WebhookOutcome{}, nil
	}

	userID, err := s.owners.FindItemOwner(ctx, itemID)
	if errors.Is(err, util.ErrNotFound) {
		// Items disconnected here may still get a late webhook.
		logger.Warningf("webhook %s for unknown item %s", payload.WebhookCode, itemID)
		return WebhookOutcome{}, nil
	}
	if err != nil {
		return WebhookOutcome{}, errors.Trace(err)
	}

	result, err := s.sync.SyncTransactions(ctx, userID, itemID)
	if err != nil {
		return WebhookOutcome{Result: &result}, errors.Trace(err)
	}
	return WebhookOutcome{Synced: true, Result: &result}, nil
}
