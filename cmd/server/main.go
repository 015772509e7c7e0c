// cmd/server/main.go
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog/log"

	"github.com/unclebandit/massmail-backend/internal/app"
	"github.com/unclebandit/massmail-backend/internal/auth"
	"github.com/unclebandit/massmail-backend/internal/config"
	"github.com/unclebandit/massmail-backend/internal/controller"
	"github.com/unclebandit/massmail-backend/internal/db"
	"github.com/unclebandit/massmail-backend/internal/handler"
	"github.com/unclebandit/massmail-backend/internal/logging"
	"github.com/unclebandit/massmail-backend/internal/scheduler"
)

// reconcileHook keeps the send wake-up in line with the stored job, so jobs
// created or cancelled from the CLI are picked up.
const reconcileHook = "mass_email_reconcile"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logging.Configure(cfg.LogLevel, cfg.LogPretty)

	ctx := context.Background()
	conn, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer conn.Close()
	if err := db.Migrate(ctx, conn); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate")
	}

	sched := scheduler.NewCronScheduler(time.Local)
	a, err := app.Build(cfg, conn, sched)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to wire services")
	}
	defer a.Close()

	if err := a.Jobs.Reconcile(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to restore wake-up")
	}
	err = sched.Register(reconcileHook, time.Minute, func(ctx context.Context) {
		if err := a.Jobs.Reconcile(ctx); err != nil {
			log.Warn().Err(err).Str("component", "server").Msg("reconcile failed")
		}
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to register reconcile")
	}
	sched.Start()

	var jwtSvc *auth.JWT
	if cfg.OperatorJWTSecret != "" {
		jwtSvc = auth.NewJWT(cfg.OperatorJWTSecret)
	} else {
		log.Warn().Msg("OPERATOR_JWT_SECRET not set, operator routes are unauthenticated")
	}

	router := handler.NewRouter(handler.RouterConfig{
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		JWT:                jwtSvc,
		DB:                 conn,
		ResetKeys:          a.ResetKeys,
	}, &controller.JobController{Jobs: a.Jobs})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("server running")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen failed")
		}
	}()
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Debug().Err(err).Msg("sd_notify failed")
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	// an interrupted tick removes only the recipients it already processed
	sched.Stop(shutdownCtx)
}
