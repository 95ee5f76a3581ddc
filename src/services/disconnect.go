package services

import (
	"context"

	"github.com/juju/errors"

	"ledgerlink-server/src/events"
	"ledgerlink-server/src/models"
	"ledgerlink-server/src/plaid"
	"ledgerlink-server/src/util"
)

type DisconnectService struct {
	deps Deps
}

func NewDisconnectService(deps Deps) *DisconnectService {
	return &DisconnectService{deps: deps}
}

// Disconnect revokes the item at the provider, then deletes the item and every
// transaction referencing it. A failed provider removal never blocks the local
// cleanup; it is reported through RemovalOutcome.
func (s *DisconnectService) Disconnect(ctx context.Context, userID, itemID string) (result models.DisconnectResult, err error) {
	defer func() { s.deps.Metrics.Observe("disconnect", err) }()

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

	result.RemovalOutcome = s.removeAtProvider(ctx, item)

	deleted, err := s.deps.Store.DeleteLinkedItemCascade(ctx, userID, itemID)
	if err != nil {
		logger.Errorf("failed to delete item %s for user %s: %v", itemID, userID, err)
		return result, errors.Trace(err)
	}
	result.DeletedTransactions = deleted
	s.deps.invalidate(userID)

	logger.Infof("disconnected item %s for user %s: deleted %d transactions (provider removal: %s)",
		itemID, userID, deleted, result.RemovalOutcome)
	s.deps.publish(ctx, events.ItemDisconnected, userID, itemID, map[string]interface{}{
		"deletedTransactions": deleted,
		"providerRemoval":     result.RemovalOutcome,
	})
	return result, nil
}

func (s *DisconnectService) removeAtProvider(ctx context.Context, item *models.LinkedItem) models.RemovalOutcome {
	err := s.deps.Provider.RemoveItem(ctx, item.AccessToken)
	switch {
	case err == nil:
		return models.RemovalRemoved
	case plaid.IsItemGone(err):
		logger.Warningf("item %s already removed at provider, continuing with local cleanup: %v", item.ItemID, err)
		s.deps.Metrics.RemovalFailed(string(models.RemovalAlreadyGone))
		return models.RemovalAlreadyGone
	default:
		logger.Warningf("provider removal of item %s failed, continuing with local cleanup: %v", item.ItemID, err)
		s.deps.Metrics.RemovalFailed(string(models.RemovalFailed))
		return models.RemovalFailed
	}
}
