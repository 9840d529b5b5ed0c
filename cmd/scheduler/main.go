package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/wolfman30/visa-scheduler/internal/api/router"
	"github.com/wolfman30/visa-scheduler/internal/app/bootstrap"
	"github.com/wolfman30/visa-scheduler/internal/appointments"
	"github.com/wolfman30/visa-scheduler/internal/audit"
	"github.com/wolfman30/visa-scheduler/internal/booking"
	"github.com/wolfman30/visa-scheduler/internal/browser"
	appconfig "github.com/wolfman30/visa-scheduler/internal/config"
	"github.com/wolfman30/visa-scheduler/internal/observability/metrics"
	"github.com/wolfman30/visa-scheduler/internal/portal"
	"github.com/wolfman30/visa-scheduler/internal/scheduler"
	"github.com/wolfman30/visa-scheduler/internal/secrets"
	"github.com/wolfman30/visa-scheduler/internal/session"
	"github.com/wolfman30/visa-scheduler/internal/store"
	"github.com/wolfman30/visa-scheduler/internal/window"
	"github.com/wolfman30/visa-scheduler/pkg/logging"
)

const shutdownTimeout = 15 * time.Second

func main() {
	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.NewWithFormat(cfg.LogLevel, cfg.LogFormat, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("visa scheduler exited with error", "error", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (err error) {
	if err := cfg.Validate(); err != nil {
		return err
	}
	logConfigSummary(logger, cfg)

	var cleanups []func(context.Context)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic in scheduler", "panic", r)
			err = fmt.Errorf("panic: %v", r)
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i](shutdownCtx)
		}
		logger.Info("visa scheduler stopped")
	}()

	cipher, err := secrets.NewCipher(cfg.EncryptionKey)
	if err != nil {
		return fmt.Errorf("init cipher: %w", err)
	}

	pool := connectPostgresPool(ctx, cfg.PostgresDSN(), logger)
	if pool == nil {
		return errors.New("postgres unavailable")
	}
	cleanups = append(cleanups, func(context.Context) { pool.Close() })
	st := store.New(pool, cipher)

	configured, err := saveConfiguredCredentials(ctx, st, cfg)
	if err != nil {
		return err
	}

	registry, schedulerMetrics := setupMetrics()

	recorder := audit.NewRecorder(st, 0, logger).WithMetrics(schedulerMetrics)
	cleanups = append(cleanups, func(ctx context.Context) {
		if err := recorder.Close(ctx); err != nil {
			logger.Warn("audit flush incomplete", "error", err)
		}
	})

	redisClient := bootstrap.BuildRedisClient(ctx, cfg, logger, true)
	runnerLease := bootstrap.BuildLease(redisClient, cfg, logger)
	if redisClient != nil {
		cleanups = append(cleanups, func(ctx context.Context) {
			if err := runnerLease.Release(ctx); err != nil {
				logger.Warn("lease release failed", "error", err)
			}
			_ = redisClient.Close()
		})
	}

	shots, err := bootstrap.BuildScreenshotSink(ctx, cfg, logger)
	if err != nil {
		return err
	}
	notifier, err := bootstrap.BuildBookingNotifier(ctx, cfg, logger)
	if err != nil {
		return err
	}

	checkWindow, err := window.New(cfg.StartHour, cfg.EndHour, cfg.Timezone)
	if err != nil {
		return err
	}

	chrome, err := browser.NewChrome(
		browser.WithLogger(logger),
		browser.WithExecPath(cfg.ChromePath),
		browser.WithHeadless(cfg.BrowserHeadless),
		browser.WithUserAgent(cfg.BrowserUserAgent),
		browser.WithTimeout(cfg.BrowserTimeout),
		browser.WithNavigationRetry(cfg.NavigationRetries, cfg.NavigationRetryBackoff),
	)
	if err != nil {
		return err
	}
	cleanups = append(cleanups, func(context.Context) {
		if err := chrome.Close(); err != nil {
			logger.Warn("browser close failed", "error", err)
		}
	})

	site := portal.NewSite(cfg.SiteBaseURL, cfg.CountryCode)
	client := portal.NewClient(chrome, site, rate.NewLimiter(rate.Limit(cfg.SiteMaxRPS), cfg.SiteBurst), logger)
	auth := portal.NewAuthenticator(chrome, site, st, configured, logger).WithScreenshots(shots)

	guardian := session.NewGuardian(chrome, auth, st, site, session.Config{
		ValidateEvery: time.Duration(cfg.SessionValidateMin) * time.Minute,
		RefreshEvery:  time.Duration(cfg.SessionRefreshMin) * time.Minute,
		Cooldown:      cfg.ReauthCooldown,
	}, logger).WithMetrics(schedulerMetrics)
	cleanups = append(cleanups, func(ctx context.Context) {
		if guardian.State() != session.StateValid {
			return
		}
		if err := guardian.Persist(ctx); err != nil {
			logger.Warn("failed to save session on shutdown", "error", err)
		}
	})

	if restored, err := guardian.Restore(ctx); err != nil {
		logger.Warn("session restore failed", "error", err)
	} else if restored {
		logger.Info("restored previous browser session")
	}
	userID, err := guardian.Establish(ctx)
	if err != nil {
		return fmt.Errorf("initial login: %w", err)
	}
	logger.Info("logged in", "user_id", userID)
	if scheduled, ok := auth.ScheduledDate(ctx); ok {
		logger.Info("portal shows scheduled appointment", "date", scheduled.Format(appointments.DateLayout))
	}

	facilities := make([]appointments.Facility, 0, len(cfg.Facilities))
	for _, id := range cfg.Facilities {
		facilities = append(facilities, appointments.Facility{ID: id, Name: cfg.FacilityName(id)})
	}

	prober := appointments.NewProber(client, guardian, recorder, logger).
		WithMetrics(schedulerMetrics).
		WithScanAll(cfg.ScanAllDays)

	bookingCfg := booking.DefaultConfig()
	bookingCfg.MaxRetries = cfg.MaxBookingRetries
	bookingCfg.RetryPause = cfg.BookingRetryPause
	bookingCfg.SlotSettle = cfg.BookingSlotSettle
	bookingCfg.ConfirmSettle = cfg.BookingConfirmSettle
	bookingCfg.TimesRetries = cfg.TimeSlotFetchRetries
	bookingCfg.TimesBackoff = cfg.TimeSlotFetchBackoff
	executor := booking.NewExecutor(chrome, site, client, st, bookingCfg, logger).
		WithGuard(guardian).
		WithRecorder(recorder).
		WithNotifier(notifier).
		WithScreenshots(shots).
		WithMetrics(schedulerMetrics)

	loop := scheduler.NewLoop(checkWindow, guardian, st, prober, executor, scheduler.Config{
		Facilities:          facilities,
		StartDate:           cfg.StartDateFilter,
		EndDate:             cfg.EndDateFilter,
		HorizonDays:         cfg.HorizonDays,
		MinDelay:            time.Duration(cfg.MinDelaySec) * time.Second,
		MaxDelay:            time.Duration(cfg.MaxDelaySec) * time.Second,
		OutsideWindowPause:  cfg.OutsideWindowPause,
		IterationErrorPause: cfg.IterationErrorPause,
		AfterBookingPause:   cfg.AfterBookingPause,
		StartJitter:         cfg.StartJitter,
		LeasePause:          10 * time.Second,
	}, logger).WithMetrics(schedulerMetrics)
	if runnerLease != nil {
		loop.WithLease(runnerLease)
	}

	srv := &http.Server{
		Addr: cfg.MetricsAddr,
		Handler: router.New(&router.Config{
			Logger:         logger,
			Status:         st,
			Session:        guardian,
			MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
			Ready:          pool.Ping,
		}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("ops server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server error", "error", err)
		}
	}()
	cleanups = append(cleanups, func(ctx context.Context) {
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("ops server shutdown failed", "error", err)
		}
	})

	logger.Info("scheduler loop starting")
	if err := loop.Run(ctx); err != nil {
		return err
	}
	logger.Info("shutdown signal received")
	return nil
}

func connectPostgresPool(ctx context.Context, dsn string, logger *logging.Logger) *pgxpool.Pool {
	if strings.TrimSpace(dsn) == "" {
		return nil
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		logger.Error("failed to connect postgres", "error", err)
		return nil
	}
	if err := pool.Ping(ctx); err != nil {
		logger.Error("failed to ping postgres", "error", err)
		pool.Close()
		return nil
	}
	return pool
}

type credentialSaver interface {
	SaveCredentials(ctx context.Context, c store.Credentials) error
}

// saveConfiguredCredentials upserts the environment login so a changed
// password replaces the stored one. A stored user id survives when none is
// configured.
func saveConfiguredCredentials(ctx context.Context, st credentialSaver, cfg *appconfig.Config) (store.Credentials, error) {
	creds := store.Credentials{
		Email:    cfg.VisaEmail,
		Password: cfg.VisaPassword,
		Country:  cfg.CountryCode,
		UserID:   cfg.UserID,
	}
	if err := st.SaveCredentials(ctx, creds); err != nil {
		return store.Credentials{}, fmt.Errorf("save credentials: %w", err)
	}
	return creds, nil
}

func setupMetrics() (*prometheus.Registry, *metrics.SchedulerMetrics) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return registry, metrics.NewSchedulerMetrics(registry)
}

func logConfigSummary(logger *logging.Logger, cfg *appconfig.Config) {
	names := make([]string, 0, len(cfg.Facilities))
	for _, id := range cfg.Facilities {
		names = append(names, cfg.FacilityName(id))
	}
	attrs := []any{
		"country", cfg.CountryCode,
		"facilities", names,
		"window", fmt.Sprintf("%02d:00-%02d:59 %s", cfg.StartHour, cfg.EndHour, cfg.Timezone),
		"delay", fmt.Sprintf("%d-%ds", cfg.MinDelaySec, cfg.MaxDelaySec),
		"max_booking_retries", cfg.MaxBookingRetries,
		"headless", cfg.BrowserHeadless,
		"lease", cfg.RedisAddr != "",
	}
	if cfg.HasDateRange() {
		attrs = append(attrs, "date_range", cfg.StartDateFilter.Format(appointments.DateLayout)+".."+cfg.EndDateFilter.Format(appointments.DateLayout))
	}
	logger.Info("starting visa scheduler", attrs...)
}
