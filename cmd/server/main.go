// Command server runs the onboarding backend: webhook intake for Telegram and
// WhatsApp contact events, account provisioning against the family roster, and
// the audit/report admin surface. Wiring only lives here; behavior belongs to
// the internal packages.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-onboard-backend/internal/config"
	"github.com/tbourn/go-onboard-backend/internal/domain"
	httpapi "github.com/tbourn/go-onboard-backend/internal/http"
	"github.com/tbourn/go-onboard-backend/internal/observability"
	"github.com/tbourn/go-onboard-backend/internal/repo"
	"github.com/tbourn/go-onboard-backend/internal/services"
	"github.com/tbourn/go-onboard-backend/internal/sysutil"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	_ = godotenv.Load()
	cfg := config.MustLoad()

	sysutil.SetLogLevel(cfg.LogLevel)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}
	defer func() {
		fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(fctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	db, err := repo.OpenSQLite(cfg.DBPath, cfg.OTEL.Enabled)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open database failed")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}
	if err := seedRosterFromFile(ctx, db); err != nil {
		log.Fatal().Err(err).Msg("roster seed failed")
	}

	r := gin.New()
	_, sessionSvc, auditSvc := httpapi.RegisterRoutes(r, db, cfg)

	if cfg.SweepInterval > 0 {
		go runSweeper(ctx, db, sessionSvc, auditSvc, cfg.SweepInterval)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}

// seedRosterFromFile loads roster fixtures from the JSON file named by
// ROSTER_SEED_FILE (or ROSTER_SEED). Meant for development and demos; in
// production the roster table is synced by an external process and the
// variable stays unset.
func seedRosterFromFile(ctx context.Context, db *gorm.DB) error {
	path := sysutil.FirstNonEmpty(os.Getenv("ROSTER_SEED_FILE"), os.Getenv("ROSTER_SEED"))
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var records []domain.RosterRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return err
	}
	if err := repo.SeedRoster(ctx, db, records); err != nil {
		return err
	}
	log.Info().Int("records", len(records)).Str("file", path).Msg("roster seeded")
	return nil
}

// runSweeper periodically expires idle sessions, enforces audit retention,
// and drops expired webhook dedup records. All three are also safe to skip:
// session expiry is evaluated lazily at read time and dedup rows carry their
// own expiry, so the sweep only reclaims storage.
func runSweeper(ctx context.Context, db *gorm.DB, sessions *services.SessionService, audits *services.AuditService, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		sctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if n, err := sessions.Sweep(sctx); err != nil {
			log.Warn().Err(err).Msg("session sweep failed")
		} else if n > 0 {
			log.Info().Int64("sessions", n).Msg("expired sessions removed")
		}
		if n, err := audits.Purge(sctx); err != nil {
			log.Warn().Err(err).Msg("audit purge failed")
		} else if n > 0 {
			log.Info().Int64("events", n).Msg("audit retention applied")
		}
		if n, err := repo.PurgeProcessedBefore(sctx, db, time.Now().UTC()); err != nil {
			log.Warn().Err(err).Msg("dedup purge failed")
		} else if n > 0 {
			log.Info().Int64("records", n).Msg("expired dedup records removed")
		}
		cancel()
	}
}
