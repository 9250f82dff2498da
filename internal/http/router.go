// Package httpapi wires the HTTP transport (Gin) to the onboarding services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// CORS, security headers, webhook authentication, and rate limiting.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
//   - Production-ready CORS and security header posture
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/go-onboard-backend/internal/config"
	"github.com/tbourn/go-onboard-backend/internal/domain"
	"github.com/tbourn/go-onboard-backend/internal/http/handlers"
	"github.com/tbourn/go-onboard-backend/internal/http/middleware"
	"github.com/tbourn/go-onboard-backend/internal/phone"
	"github.com/tbourn/go-onboard-backend/internal/repo"
	"github.com/tbourn/go-onboard-backend/internal/roster"
	"github.com/tbourn/go-onboard-backend/internal/services"
)

// accountRepoShim adapts the repository free functions to the
// services.AccountStore interface expected by the AccountService. This keeps
// services decoupled from the concrete repo package while reusing existing
// functions.
type accountRepoShim struct{}

func (accountRepoShim) Get(ctx context.Context, db *gorm.DB, id int64) (*domain.Account, error) {
	return repo.GetAccount(ctx, db, id)
}

func (accountRepoShim) FindByPhone(ctx context.Context, db *gorm.DB, p string) (*domain.Account, error) {
	return repo.FindAccountByPhone(ctx, db, p)
}

func (accountRepoShim) FindLinked(ctx context.Context, db *gorm.DB, platform, platformUserID string) (*domain.Account, error) {
	return repo.FindLinkedAccount(ctx, db, platform, platformUserID)
}

func (accountRepoShim) Create(ctx context.Context, db *gorm.DB, p string, rec *domain.RosterRecord, platform, platformUserID string) (*domain.Account, error) {
	return repo.CreateAccount(ctx, db, p, rec, platform, platformUserID)
}

func (accountRepoShim) AddLink(ctx context.Context, db *gorm.DB, accountID int64, platform, platformUserID string) error {
	return repo.AddPlatformLink(ctx, db, accountID, platform, platformUserID)
}

// sessionRepoShim adapts the session repository functions to
// services.SessionRepo.
type sessionRepoShim struct{}

func (sessionRepoShim) Create(ctx context.Context, db *gorm.DB, platform, platformUserID, status string) (*domain.Session, error) {
	return repo.CreateSession(ctx, db, platform, platformUserID, status)
}

func (sessionRepoShim) Latest(ctx context.Context, db *gorm.DB, platform, platformUserID string) (*domain.Session, error) {
	return repo.LatestSession(ctx, db, platform, platformUserID)
}

func (sessionRepoShim) Update(ctx context.Context, db *gorm.DB, id, status, p string) (*domain.Session, error) {
	return repo.UpdateSession(ctx, db, id, status, p)
}

func (sessionRepoShim) DeleteIdleSince(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	return repo.DeleteSessionsIdleSince(ctx, db, cutoff)
}

// auditRepoShim adapts the audit repository functions to services.AuditRepo.
type auditRepoShim struct{}

func (auditRepoShim) Append(ctx context.Context, db *gorm.DB, ev *domain.AuditEvent) error {
	return repo.AppendAudit(ctx, db, ev)
}

func (auditRepoShim) List(ctx context.Context, db *gorm.DB, f repo.AuditFilter) ([]domain.AuditEvent, error) {
	return repo.ListAudit(ctx, db, f)
}

func (auditRepoShim) Aggregates(ctx context.Context, db *gorm.DB, from, to time.Time) ([]repo.AuditKindCount, int64, int64, int64, error) {
	return repo.AuditAggregates(ctx, db, from, to)
}

func (auditRepoShim) PurgeOlderThan(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	return repo.PurgeAuditOlderThan(ctx, db, cutoff)
}

// eventLedgerShim adapts the processed-event functions to
// services.EventLedger.
type eventLedgerShim struct{}

func (eventLedgerShim) Get(ctx context.Context, db *gorm.DB, platform, platformUserID, messageID string, now time.Time) (*domain.ProcessedEvent, error) {
	return repo.GetProcessedEvent(ctx, db, platform, platformUserID, messageID, now)
}

func (eventLedgerShim) Put(ctx context.Context, db *gorm.DB, platform, platformUserID, messageID, outcome string, accountID int64, ttl time.Duration) (*domain.ProcessedEvent, error) {
	return repo.CreateProcessedEvent(ctx, db, platform, platformUserID, messageID, outcome, accountID, ttl)
}

// BuildServices constructs the service graph over db. Exposed separately
// from RegisterRoutes so the background sweeper in cmd/server can share the
// same instances.
func BuildServices(db *gorm.DB, cfg config.Config) (*services.AccountService, *services.SessionService, *services.AuditService) {
	sessionSvc := services.NewSessionService(db, sessionRepoShim{}, cfg.SessionTTL, cfg.SessionGrace)
	auditSvc := services.NewAuditService(db, auditRepoShim{}, log.Logger, cfg.AuditRetention)

	// Sender-level limiter for the orchestrator, separate from the edge
	// limiter installed as middleware.
	senderLimiter := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, nil)

	accountSvc := &services.AccountService{
		DB:          db,
		Normalizer:  phone.NewNormalizer(cfg.Phone.DefaultRegion, cfg.Phone.RequireMobile, &phone.Stats{}),
		Matcher:     roster.NewMatcher(roster.DBDirectory{DB: db}),
		Sessions:    sessionSvc,
		Audit:       auditSvc,
		Accounts:    accountRepoShim{},
		Events:      eventLedgerShim{},
		Limit:       senderLimiter.Allow,
		CallTimeout: cfg.CallTimeout,
		EventTTL:    cfg.EventTTL,
	}
	return accountSvc, sessionSvc, auditSvc
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine and returns the service graph for callers that need it (sweepers,
// tests).
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with PII scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. Edge rate limiter (per client IP)
//  8. CORS and security headers
//
// The webhook group additionally enforces the shared-secret token.
func RegisterRoutes(r *gin.Engine, db *gorm.DB, cfg config.Config) (*services.AccountService, *services.SessionService, *services.AuditService) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with redaction. Webhook bodies are never
	// logged; query strings and headers are scrubbed.
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit (256 KiB; webhook payloads are small)
	r.Use(limitBody(256 << 10))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) Edge token-bucket limiter per client IP. Sender-level limiting
	// happens inside the orchestrator with its own buckets.
	rl := middleware.NewRateLimiter(cfg.RateRPS*4, cfg.RateBurst*4, middleware.KeyByClientIP())
	r.Use(rl.Handler())

	// 8) CORS posture (safe defaults: allow all if none configured)
	if len(cfg.CORS.AllowedOrigins) == 0 {
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Webhook-Token"},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		allowed := make(map[string]struct{}, len(cfg.CORS.AllowedOrigins))
		for _, o := range cfg.CORS.AllowedOrigins {
			allowed[o] = struct{}{}
		}
		r.Use(func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Webhook-Token"},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Security headers (HSTS only when enabled and request is HTTPS)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      false,
		EnablePolicy: true,
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	// Dependency injection: services ← repo/db
	accountSvc, sessionSvc, auditSvc := BuildServices(db, cfg)
	h := handlers.New(accountSvc, auditSvc)

	// Platform deliveries, authenticated by shared secret
	wh := r.Group("/webhook", middleware.WebhookToken(cfg.Security.WebhookToken))
	{
		wh.POST("/telegram", h.TelegramWebhook)
		wh.POST("/whatsapp", h.WhatsAppWebhook)
	}

	// Compliance surface under the versioned API base
	api := groupWithPrefix(r, cfg.APIBasePath)
	{
		api.GET("/admin/audit", h.ListAudit)
		api.GET("/admin/audit/report", h.AuditReport)
	}

	return accountSvc, sessionSvc, auditSvc
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
