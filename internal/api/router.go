package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type RouterConfig struct {
	Bookings BookingService
	Slots    SlotService

	WebhookSecret    string
	WebhookTolerance time.Duration

	// TrustProxy enables X-Forwarded-For resolution for the
	// abuse-control client key. Leave off unless fronted by a proxy
	// that appends the real client address.
	TrustProxy bool

	PgPool  *pgxpool.Pool
	Redis   *redis.Client
	Env     string
	Version string
	Logger  zerolog.Logger
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))

	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	r.Get("/slots", listSlotsHandler(cfg.Slots, cfg.Logger))
	r.Post("/bookings", createBookingHandler(cfg.Bookings, cfg.TrustProxy, cfg.Logger))
	r.Post("/fiscal-code/validate", validateFiscalCodeHandler())
	r.Post("/webhooks/payment", paymentWebhookHandler(cfg.Bookings, cfg.WebhookSecret, cfg.WebhookTolerance, cfg.Logger))

	return r
}
