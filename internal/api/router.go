package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/hackgods/vaccine-reservation-scheduling/internal/booking"
)

// BookingService is implemented by *booking.Coordinator.
type BookingService interface {
	Reserve(ctx context.Context, date booking.Date, vaccineName, patientUsername string) (booking.Reservation, error)
	Cancel(ctx context.Context, appointmentID int64, requester booking.Identity) error
	AddDoses(ctx context.Context, vaccineName string, count int) error
	CreateVaccine(ctx context.Context, vaccineName string, initialDoses int) error
	GetDoses(ctx context.Context, vaccineName string) (int, error)
	PublishAvailability(ctx context.Context, caregiverUsername string, date booking.Date) error
	ListAvailability(ctx context.Context, date booking.Date) ([]booking.AvailabilityRow, error)
	ListAppointments(ctx context.Context, who booking.Identity, includeCancelled bool) ([]booking.AppointmentRow, error)
}

type RouterConfig struct {
	Service   BookingService
	Store     Pinger
	StoreName string
	Redis     *redis.Client       // optional
	Gatherer  prometheus.Gatherer // optional, serves /metrics when set
	Logger    *slog.Logger
	Env       string
	Version   string

	RateLimitRPS   float64 // zero disables rate limiting
	RateLimitBurst int

	// Context bounds background work such as rate limiter eviction.
	// Defaults to context.Background.
	Context context.Context
}

const (
	rateLimitSweepEvery = time.Minute
	rateLimitIdle       = 10 * time.Minute
)

func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	// Apply middleware
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))

	// Health endpoints
	health := NewHealthHandler(cfg.Store, cfg.StoreName, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	if cfg.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(IdentityMiddleware)
		if cfg.RateLimitRPS > 0 {
			ctx := cfg.Context
			if ctx == nil {
				ctx = context.Background()
			}
			limiter := NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
			go limiter.Run(ctx, rateLimitSweepEvery, rateLimitIdle)
			r.Use(limiter.Middleware)
		}

		// Appointment endpoints
		r.With(RequireRole(booking.RolePatient)).Post("/appointments", reserveHandler(cfg.Service))
		r.Get("/appointments", listAppointmentsHandler(cfg.Service))
		r.Post("/appointments/{id}/cancel", cancelHandler(cfg.Service))

		// Vaccine endpoints
		r.With(RequireRole(booking.RoleCaregiver)).Post("/vaccines", createVaccineHandler(cfg.Service))
		r.With(RequireRole(booking.RoleCaregiver)).Post("/vaccines/{name}/doses", addDosesHandler(cfg.Service))
		r.Get("/vaccines/{name}", getVaccineHandler(cfg.Service))

		// Availability endpoints
		r.With(RequireRole(booking.RoleCaregiver)).Post("/availability", publishAvailabilityHandler(cfg.Service))
		r.Get("/availability", listAvailabilityHandler(cfg.Service))
	})

	return r
}
