package services

import (
	"context"
	"strings"

	"github.com/juju/errors"

	"ledgerlink-server/src/events"
	"ledgerlink-server/src/models"
	"ledgerlink-server/src/util"
)

type ExchangeService struct {
	deps Deps
}

func NewExchangeService(deps Deps) *ExchangeService {
	return &ExchangeService{deps: deps}
}

// ExchangePublicToken turns a completed link session into a stored LinkedItem.
// The steps run strictly in order and nothing is written until the provider has
// returned both the access token and the account list.
func (s *ExchangeService) ExchangePublicToken(ctx context.Context, userID, publicToken string, meta *models.InstitutionMeta) (resp models.ExchangeResponse, err error) {
	defer func() { s.deps.Metrics.Observe("exchange", err) }()

	if userID, err = util.RequireIdentifier("userId", userID); err != nil {
		return resp, err
	}
	if publicToken, err = util.RequireToken("public_token", publicToken); err != nil {
		return resp, err
	}

	exchanged, err := s.deps.Provider.ExchangePublicToken(ctx, publicToken)
	if err != nil {
		logger.Errorf("public token exchange failed for user %s: %v", userID, err)
		return resp, errors.Trace(err)
	}

	providerAccounts, err := s.deps.Provider.GetAccounts(ctx, exchanged.AccessToken)
	if err != nil {
		// The access token is dropped here; the caller can relink with a fresh public token.
		logger.Errorf("account fetch failed for user %s, item %s: %v", userID, exchanged.ItemID, err)
		return resp, errors.Trace(err)
	}

	institutionID, institutionName := s.institution(ctx, exchanged, meta)

	now := s.deps.now()
	item := &models.LinkedItem{
		ItemID:          exchanged.ItemID,
		UserID:          userID,
		AccessToken:     exchanged.AccessToken,
		InstitutionID:   institutionID,
		InstitutionName: institutionName,
		Accounts:        make([]models.AccountSummary, 0, len(providerAccounts)),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	for _, acc := range providerAccounts {
		item.Accounts = append(item.Accounts, acc.Summary())
	}

	if err := s.deps.Store.CreateLinkedItem(ctx, item); err != nil {
		logger.Errorf("failed to save linked item %s for user %s: %v", item.ItemID, userID, err)
		return resp, errors.Trace(err)
	}
	s.deps.invalidate(userID)

	logger.Infof("linked item %s (%s) for user %s with %d accounts", item.ItemID, institutionName, userID, len(item.Accounts))
	s.deps.publish(ctx, events.ItemLinked, userID, item.ItemID, map[string]interface{}{
		"institutionName": institutionName,
		"accounts":        len(item.Accounts),
	})

	resp.ItemID = item.ItemID
	resp.Accounts = make([]models.RedactedAccount, 0, len(item.Accounts))
	for _, acc := range item.Accounts {
		resp.Accounts = append(resp.Accounts, acc.Redact())
	}
	return resp, nil
}

// institution picks the institution id and display name: caller metadata first,
// then the provider, then the placeholder name. Provider lookup failures are not fatal.
func (s *ExchangeService) institution(ctx context.Context, exchanged models.ExchangeResult, meta *models.InstitutionMeta) (*string, string) {
	var id, name string
	if meta != nil {
		id = strings.TrimSpace(meta.InstitutionID)
		name = strings.TrimSpace(meta.Name)
	}

	if name == "" {
		lookedUpID, lookedUpName, err := s.deps.Provider.LookupInstitution(ctx, exchanged.AccessToken)
		if err != nil {
			logger.Warningf("institution lookup failed for item %s: %v", exchanged.ItemID, err)
		}
		if id == "" {
			id = lookedUpID
		}
		name = lookedUpName
	}
	if name == "" {
		name = models.DefaultInstitutionName
	}

	if id == "" {
		return nil, name
	}
	return &id, name
}
