package services

import (
	"context"

	"github.com/juju/errors"

	"ledgerlink-server/src/util"
)

type LinkSessionService struct {
	deps Deps
}

func NewLinkSessionService(deps Deps) *LinkSessionService {
	return &LinkSessionService{deps: deps}
}

// CreateLinkSession returns the provider's link token for userID verbatim.
func (s *LinkSessionService) CreateLinkSession(ctx context.Context, userID string) (token string, err error) {
	defer func() { s.deps.Metrics.Observe("link_session", err) }()

	userID, err = util.RequireIdentifier("userId", userID)
	if err != nil {
		return "", err
	}

	token, err = s.deps.Provider.CreateLinkToken(ctx, userID)
	if err != nil {
		logger.Errorf("link token creation failed for user %s: %v", userID, err)
		return "", errors.Trace(err)
	}

	logger.Infof("issued link token for user %s", userID)
	return token, nil
}
