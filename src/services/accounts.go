package services

import (
	"context"

	"github.com/juju/errors"

	"ledgerlink-server/src/models"
	"ledgerlink-server/src/util"
)

type AccountsService struct {
	deps Deps
}

func NewAccountsService(deps Deps) *AccountsService {
	return &AccountsService{deps: deps}
}

// ListAccounts returns every linked item of the user with its cached account
// snapshot. It never calls the provider.
func (s *AccountsService) ListAccounts(ctx context.Context, userID string) (views []models.LinkedItemView, err error) {
	defer func() { s.deps.Metrics.Observe("list_accounts", err) }()

	if userID, err = util.RequireIdentifier("userId", userID); err != nil {
		return nil, err
	}

	applicationID := s.deps.Store.ApplicationID()
	var generation uint64
	if s.deps.Cache != nil {
		cached, gen, ok := s.deps.Cache.GetAccounts(applicationID, userID)
		if ok {
			if views, ok := cached.([]models.LinkedItemView); ok {
				return views, nil
			}
		}
		generation = gen
	}

	items, err := s.deps.Store.ListLinkedItems(ctx, userID)
	if err != nil {
		logger.Errorf("failed to list linked items for user %s: %v", userID, err)
		return nil, errors.Trace(err)
	}

	views = make([]models.LinkedItemView, 0, len(items))
	for _, item := range items {
		views = append(views, item.View())
	}
	if s.deps.Cache != nil && !s.deps.Cache.SetAccounts(applicationID, userID, generation, views) {
		logger.Debugf("accounts of user %s changed while listing, not caching", userID)
	}
	return views, nil
}
