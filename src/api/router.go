package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ledgerlink-server/src/handlers"
	"ledgerlink-server/src/middleware"
	"ledgerlink-server/src/util"
)

// Services are the operations the router exposes.
type Services struct {
	LinkSessions handlers.LinkSessionCreator
	Exchange     handlers.TokenExchanger
	Sync         handlers.TransactionSyncer
	Disconnect   handlers.Disconnecter
	Accounts     handlers.AccountsLister
	Webhooks     handlers.WebhookHandler
	Verifier     handlers.WebhookVerifier
}

type Options struct {
	// JWTSecret enables bearer auth on /api operations when set.
	JWTSecret string
	ReadOnly  bool
	// Gatherer backs /metrics; nil leaves the route out.
	Gatherer prometheus.Gatherer
}

func NewRouter(svc Services, opts Options) *chi.Mux {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORSMiddleware)
	r.Use(middleware.ReadOnlyMiddleware(opts.ReadOnly))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		util.WriteError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		util.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	if opts.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		// Authenticated by its own signature.
		r.Post("/plaid/webhook", handlers.PlaidWebhook(svc.Verifier, svc.Webhooks))

		r.Group(func(r chi.Router) {
			if opts.JWTSecret != "" {
				r.Use(middleware.JWTAuthMiddleware(opts.JWTSecret))
			}
			r.Post("/link-token", handlers.CreateLinkToken(svc.LinkSessions))
			r.Post("/exchange-public-token", handlers.ExchangePublicToken(svc.Exchange))
			r.Post("/sync-transactions", handlers.SyncTransactions(svc.Sync))
			r.Post("/disconnect", handlers.Disconnect(svc.Disconnect))
			r.Post("/accounts", handlers.ListAccounts(svc.Accounts))
		})
	})

	return r
}
