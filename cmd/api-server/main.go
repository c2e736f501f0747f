package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clinicdesk/clinic-booking/internal/api"
	"github.com/clinicdesk/clinic-booking/internal/availability"
	"github.com/clinicdesk/clinic-booking/internal/booking"
	"github.com/clinicdesk/clinic-booking/internal/calendar"
	"github.com/clinicdesk/clinic-booking/internal/config"
	"github.com/clinicdesk/clinic-booking/internal/db"
	"github.com/clinicdesk/clinic-booking/internal/invoice"
	"github.com/clinicdesk/clinic-booking/internal/logging"
	"github.com/clinicdesk/clinic-booking/internal/notify"
	"github.com/clinicdesk/clinic-booking/internal/payment"
	"github.com/clinicdesk/clinic-booking/internal/ratelimit"
	redisclient "github.com/clinicdesk/clinic-booking/internal/redisclient"
)

const version = "1.0.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config load error: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger := logging.New("api-server", cfg.Env)
	logger.Info().Str("env", cfg.Env).Str("http_port", cfg.HTTPPort).Msg("api-server starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, int32(cfg.PGMaxConns))
	cancelPg()
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()
	logger.Info().Msg("connected to Postgres")

	rdb, err := redisclient.New(redisclient.Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
		PoolSize: cfg.RedisPoolSize,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connection error")
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Warn().Err(err).Msg("error closing redis")
		}
	}()
	logger.Info().Msg("connected to Redis")

	repo := booking.NewPgRepository(pgPool)

	cal := calendar.NewGoogleClient(calendar.GoogleClientConfig{
		APIBase:      cfg.CalendarAPIBase,
		TokenURL:     cfg.CalendarTokenURL,
		ClientID:     cfg.CalendarClientID,
		ClientSecret: cfg.CalendarClientSecret,
	}, repo)

	adapter := booking.NewAvailabilityAdapter(repo, cal)
	engine := availability.NewEngine(adapter, adapter, cfg.AggregateMarker)

	var mailer notify.Notifier = &notify.ConsoleNotifier{Logger: logger}
	if cfg.SMTPAddr != "" {
		mailer = &notify.SMTPNotifier{Addr: cfg.SMTPAddr, From: cfg.SMTPFrom}
	}

	limiter := ratelimit.New(ratelimit.Options{
		BookingMax:    cfg.BookingRateMax,
		BookingWindow: cfg.BookingRateWindow,
		LoginMax:      cfg.LoginRateMax,
		LoginWindow:   cfg.LoginRateWindow,
	})
	go sweepLimiter(rootCtx, limiter)

	svc := booking.NewService(booking.Deps{
		Repo:     repo,
		Slots:    engine,
		Locker:   redisclient.NewRedisSlotLocker(rdb, cfg.LockTTL),
		Calendar: cal,
		Payments: payment.NewClient(cfg.PaymentAPIBase, cfg.PaymentSecretKey),
		Invoices: invoice.NewClient(cfg.InvoiceAPIBase, cfg.InvoiceAPIKey),
		Mailer:   mailer,
		Limiter:  limiter,
		Pricing: booking.PricingPolicy{
			StampDutyThresholdCents: cfg.StampDutyThresholdCents,
			StampDutyCents:          cfg.StampDutyCents,
		},
		URLs:        booking.CheckoutURLs{Success: cfg.PaymentSuccessURL, Cancel: cfg.PaymentCancelURL},
		ClinicEmail: cfg.ClinicEmail,
		Logger:      logger,
	})

	router := api.NewRouter(api.RouterConfig{
		Bookings:         svc,
		Slots:            engine,
		WebhookSecret:    cfg.PaymentWebhookSecret,
		WebhookTolerance: cfg.SignatureTolerance,
		TrustProxy:       cfg.TrustProxy,
		PgPool:           pgPool,
		Redis:            rdb,
		Env:              cfg.Env,
		Version:          version,
		Logger:           logger,
	})

	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", server.Addr).Msg("http server listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-rootCtx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server error")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown error")
	}
	logger.Info().Msg("api-server stopped")
}

func sweepLimiter(ctx context.Context, limiter *ratelimit.Limiter) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			limiter.Sweep()
		}
	}
}
