package middleware

import (
	"net/http"

	"ledgerlink-server/src/util"
)

// ReadOnlyMiddleware blocks the routes that write to the ledger when readOnly is
// set. Link sessions, the accounts query and webhooks stay available.
func ReadOnlyMiddleware(readOnly bool) func(http.Handler) http.Handler {
	blockedPosts := map[string]bool{
		"/api/exchange-public-token": true,
		"/api/sync-transactions":     true,
		"/api/disconnect":            true,
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if readOnly && r.Method == http.MethodPost && blockedPosts[r.URL.Path] {
				logger.Infof("read-only mode: blocked %s", r.URL.Path)
				util.WriteError(w, http.StatusForbidden, "read-only mode: ledger writes are disabled")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
