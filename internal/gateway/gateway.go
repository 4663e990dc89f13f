// Package gateway is the HTTP surface of the metering plane: generation
// endpoints gated by credits, the usage snapshot endpoint, and the
// Stripe webhook mount.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/vizual/metering-plane/internal/billing"
	"github.com/vizual/metering-plane/internal/credits"
	"github.com/vizual/metering-plane/internal/ledger"
	"github.com/vizual/metering-plane/internal/provider"
	"github.com/vizual/metering-plane/pkg/cache"
	"github.com/vizual/metering-plane/pkg/models"
)

type ctxKey int

const (
	ctxKeyAccount ctxKey = iota
	ctxKeyAPIKey
)

// accountFrom returns the authenticated account stored by authMiddleware.
func accountFrom(ctx context.Context) *models.Account {
	account, _ := ctx.Value(ctxKeyAccount).(*models.Account)
	return account
}

// Gateway handles API requests.
type Gateway struct {
	store          ledger.Store
	cache          *cache.Cache
	logger         *zap.Logger
	gate           *credits.Gate
	recorder       *credits.Recorder
	provider       *provider.Client
	authenticator  *Authenticator
	rateLimiter    *RateLimiter
	webhookHandler *billing.WebhookHandler
	router         *chi.Mux
}

// NewGateway creates the API gateway and wires its routes.
func NewGateway(store ledger.Store, cacheClient *cache.Cache, gate *credits.Gate, recorder *credits.Recorder, providerClient *provider.Client, webhookHandler *billing.WebhookHandler, logger *zap.Logger) *Gateway {
	g := &Gateway{
		store:          store,
		cache:          cacheClient,
		logger:         logger,
		gate:           gate,
		recorder:       recorder,
		provider:       providerClient,
		authenticator:  NewAuthenticator(store, cacheClient, logger),
		rateLimiter:    NewRateLimiter(cacheClient, logger),
		webhookHandler: webhookHandler,
		router:         chi.NewRouter(),
	}

	g.setupRoutes()
	return g
}

func (g *Gateway) setupRoutes() {
	g.router.Use(middleware.RequestID)
	g.router.Use(middleware.RealIP)
	g.router.Use(g.loggerMiddleware)
	g.router.Use(g.metricsMiddleware)
	g.router.Use(middleware.Recoverer)
	g.router.Use(middleware.Timeout(90 * time.Second))

	g.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "https://*.vizual.ai"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	g.registerMetrics()

	// no auth: health probes and the signature-verified webhook
	g.router.Get("/health", g.handleHealth)
	g.router.Get("/ready", g.handleReady)
	if g.webhookHandler != nil {
		g.router.Post("/webhooks/stripe", g.webhookHandler.HandleWebhook)
	}

	g.router.Group(func(r chi.Router) {
		r.Use(g.authMiddleware)
		r.Use(g.rateLimitMiddleware)

		r.Post("/v1/generations/image", g.handleGenerateImage)
		r.Post("/v1/generations/video", g.handleGenerateVideo)
		r.Post("/v1/web-tasks", g.handleWebTask)
		r.Get("/v1/credits", g.handleGetCredits)
	})
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

func (g *Gateway) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		g.logger.Info("request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr),
		)
	})
}

func (g *Gateway) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := bearerToken(r)
		if apiKey == "" {
			g.writeError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}

		ctx := r.Context()
		key, account, err := g.authenticator.ValidateAPIKey(ctx, apiKey)
		if err != nil {
			g.logger.Warn("authentication failed", zap.Error(err))
			g.writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}

		ctx = context.WithValue(ctx, ctxKeyAPIKey, key)
		ctx = context.WithValue(ctx, ctxKeyAccount, account)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (g *Gateway) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		key, ok := ctx.Value(ctxKeyAPIKey).(*models.APIKey)
		if !ok {
			g.writeError(w, http.StatusInternalServerError, "missing API key in context")
			return
		}

		allowed, err := g.rateLimiter.Allow(ctx, key)
		if err != nil {
			// the limiter is advisory; a broken Redis must not take the API down
			g.logger.Error("rate limit check failed", zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			w.Header().Set("Retry-After", "60")
			g.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if healther, ok := g.store.(interface{ Health(context.Context) error }); ok {
		if err := healther.Health(ctx); err != nil {
			g.writeError(w, http.StatusServiceUnavailable, "database not ready")
			return
		}
	}
	if g.cache != nil {
		if err := g.cache.Health(ctx); err != nil {
			g.writeError(w, http.StatusServiceUnavailable, "cache not ready")
			return
		}
	}

	g.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func (g *Gateway) writeError(w http.ResponseWriter, statusCode int, message string) {
	g.writeJSON(w, statusCode, map[string]interface{}{
		"error": map[string]string{
			"message": message,
			"type":    "invalid_request_error",
		},
	})
}
