package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/juju/errors"
	"github.com/juju/loggo"

	"ledgerlink-server/src/middleware"
	"ledgerlink-server/src/models"
	"ledgerlink-server/src/services"
	"ledgerlink-server/src/util"
)

var logger = loggo.GetLogger("ledgerlink.handlers")

// maxBodyBytes caps request bodies, webhooks included.
const maxBodyBytes = 1 << 20

type LinkSessionCreator interface {
	CreateLinkSession(ctx context.Context, userID string) (string, error)
}

type TokenExchanger interface {
	ExchangePublicToken(ctx context.Context, userID, publicToken string, meta *models.InstitutionMeta) (models.ExchangeResponse, error)
}

type TransactionSyncer interface {
	SyncTransactions(ctx context.Context, userID, itemID string) (models.SyncResult, error)
}

type Disconnecter interface {
	Disconnect(ctx context.Context, userID, itemID string) (models.DisconnectResult, error)
}

type AccountsLister interface {
	ListAccounts(ctx context.Context, userID string) ([]models.LinkedItemView, error)
}

type WebhookVerifier interface {
	Verify(ctx context.Context, body []byte, header http.Header) error
}

type WebhookHandler interface {
	HandleWebhook(ctx context.Context, payload services.WebhookPayload) (services.WebhookOutcome, error)
}

type userRequest struct {
	UserID string `json:"userId"`
}

type itemRequest struct {
	UserID string `json:"userId"`
	ItemID string `json:"itemId"`
}

type exchangeRequest struct {
	PublicToken string            `json:"public_token"`
	UserID      string            `json:"userId"`
	Metadata    *exchangeMetadata `json:"metadata"`
}

// exchangeMetadata is the link UI's onSuccess metadata; only the institution is read.
type exchangeMetadata struct {
	Institution *models.InstitutionMeta `json:"institution"`
}

func CreateLinkToken(svc LinkSessionCreator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req userRequest
		if !decode(w, r, &req) || !authorize(w, r, req.UserID) {
			return
		}

		token, err := svc.CreateLinkSession(r.Context(), req.UserID)
		if err != nil {
			writeServiceError(w, err, "Failed to create link token", nil)
			return
		}
		util.WriteJSON(w, http.StatusOK, map[string]string{"link_token": token})
	}
}

func ExchangePublicToken(svc TokenExchanger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req exchangeRequest
		if !decode(w, r, &req) || !authorize(w, r, req.UserID) {
			return
		}

		var meta *models.InstitutionMeta
		if req.Metadata != nil {
			meta = req.Metadata.Institution
		}

		resp, err := svc.ExchangePublicToken(r.Context(), req.UserID, req.PublicToken, meta)
		if err != nil {
			writeServiceError(w, err, "Failed to exchange public token", nil)
			return
		}
		util.WriteJSON(w, http.StatusOK, map[string]interface{}{
			"success":  true,
			"itemId":   resp.ItemID,
			"accounts": resp.Accounts,
		})
	}
}

func SyncTransactions(svc TransactionSyncer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req itemRequest
		if !decode(w, r, &req) || !authorize(w, r, req.UserID) {
			return
		}

		result, err := svc.SyncTransactions(r.Context(), req.UserID, req.ItemID)
		if err != nil {
			writeServiceError(w, err, "Failed to sync transactions", map[string]interface{}{
				"added":   result.Added,
				"skipped": result.Skipped,
				"total":   result.Total,
			})
			return
		}
		util.WriteJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"added":   result.Added,
			"skipped": result.Skipped,
			"total":   result.Total,
		})
	}
}

func Disconnect(svc Disconnecter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req itemRequest
		if !decode(w, r, &req) || !authorize(w, r, req.UserID) {
			return
		}

		result, err := svc.Disconnect(r.Context(), req.UserID, req.ItemID)
		if err != nil {
			writeServiceError(w, err, "Failed to disconnect item", nil)
			return
		}
		util.WriteJSON(w, http.StatusOK, map[string]interface{}{
			"success":             true,
			"message":             "Item disconnected",
			"deletedTransactions": result.DeletedTransactions,
		})
	}
}

func ListAccounts(svc AccountsLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req userRequest
		if !decode(w, r, &req) || !authorize(w, r, req.UserID) {
			return
		}

		accounts, err := svc.ListAccounts(r.Context(), req.UserID)
		if err != nil {
			writeServiceError(w, err, "Failed to list accounts", nil)
			return
		}
		util.WriteJSON(w, http.StatusOK, map[string]interface{}{
			"success":  true,
			"accounts": accounts,
		})
	}
}

// PlaidWebhook verifies a provider webhook and hands transaction updates to the
// sync flow. Verified webhooks the ledger does not act on are still acknowledged.
func PlaidWebhook(verifier WebhookVerifier, svc WebhookHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			util.WriteError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if err := verifier.Verify(r.Context(), body, r.Header); err != nil {
			if errors.Is(err, util.ErrUpstream) {
				logger.Errorf("webhook verification key unavailable: %v", err)
				util.WriteError(w, http.StatusInternalServerError, "webhook verification unavailable")
				return
			}
			logger.Warningf("rejected webhook: %v", err)
			util.WriteError(w, http.StatusUnauthorized, "invalid webhook signature")
			return
		}

		var payload services.WebhookPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			logger.Errorf("failed to decode webhook body: %v", err)
			util.WriteError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		outcome, err := svc.HandleWebhook(r.Context(), payload)
		if err != nil {
			logger.Errorf("webhook %s/%s for item %s failed: %v", payload.WebhookType, payload.WebhookCode, payload.ItemID, err)
			writeServiceError(w, err, "Failed to process webhook", nil)
			return
		}
		util.WriteJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"synced":  outcome.Synced,
		})
	}
}

// decode reads the JSON request body into v. An empty body decodes as {} so the
// services report the missing fields.
func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	logger.Debugf("failed to decode %s body: %v", r.URL.Path, err)
	util.WriteError(w, http.StatusBadRequest, "invalid request body")
	return false
}

func authorize(w http.ResponseWriter, r *http.Request, userID string) bool {
	if err := middleware.AuthorizeUser(r.Context(), userID); err != nil {
		util.WriteError(w, http.StatusForbidden, err.Error())
		return false
	}
	return true
}

// writeServiceError maps the error kinds onto status codes. Server-side failures
// carry details and any extra fields, such as partial sync counts.
func writeServiceError(w http.ResponseWriter, err error, summary string, extra map[string]interface{}) {
	switch {
	case errors.Is(err, util.ErrInvalidRequest):
		util.WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, util.ErrForbidden):
		util.WriteError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, util.ErrNotFound):
		util.WriteError(w, http.StatusNotFound, err.Error())
	default:
		body := map[string]interface{}{
			"error":   summary,
			"details": util.Details(err),
		}
		for k, v := range extra {
			body[k] = v
		}
		util.WriteJSON(w, http.StatusInternalServerError, body)
	}
}
