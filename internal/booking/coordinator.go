package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hackgods/vaccine-reservation-scheduling/internal/config"
	"github.com/hackgods/vaccine-reservation-scheduling/internal/logging"
	"github.com/hackgods/vaccine-reservation-scheduling/internal/metrics"
	redisclient "github.com/hackgods/vaccine-reservation-scheduling/internal/redis"
)

const (
	EventAppointmentReserved  = "APPOINTMENT_RESERVED"
	EventAppointmentCancelled = "APPOINTMENT_CANCELLED"
	EventDosesAdded           = "DOSES_ADDED"
	EventVaccineCreated       = "VACCINE_CREATED"
	EventAvailabilityAdded    = "AVAILABILITY_PUBLISHED"
	EventAvailabilityPruned   = "AVAILABILITY_PRUNED"
)

const maxNameLength = 255

// Coordinator performs the cross-entity transitions on calendar, inventory and
// ledger. It holds no domain state; every operation is one store transaction.
type Coordinator struct {
	store       Store
	locker      redisclient.Locker
	logger      *slog.Logger
	metrics     *metrics.BookingMetrics
	tracer      trace.Tracer
	maxAttempts uint
	baseDelay   time.Duration
}

func NewCoordinator(store Store, locker redisclient.Locker, cfg config.Config, logger *slog.Logger, m *metrics.BookingMetrics) *Coordinator {
	if locker == nil {
		locker = redisclient.NopLocker{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	attempts := cfg.StorageMaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := cfg.RetryBaseDelay
	if delay <= 0 {
		delay = 50 * time.Millisecond
	}
	return &Coordinator{
		store:       store,
		locker:      locker,
		logger:      logger,
		metrics:     m,
		tracer:      otel.Tracer("vaccine-reservation-scheduling/booking"),
		maxAttempts: uint(attempts),
		baseDelay:   delay,
	}
}

// Reserve books the first caregiver (by username) with an open slot on date and
// takes one dose of vaccineName. Fails with KindNotFound when no caregiver or vaccine
// matches and KindConflict when no dose is left.
func (c *Coordinator) Reserve(ctx context.Context, date Date, vaccineName, patientUsername string) (Reservation, error) {
	const op = "reserve"
	ctx, span, start := c.begin(ctx, op,
		attribute.String("booking.date", date.String()),
		attribute.String("vaccine.name", vaccineName),
	)

	var res Reservation
	err := validate(func(f fieldErrors) {
		checkDate(f, "date", date)
		checkName(f, "vaccine", vaccineName)
		checkName(f, "patient", patientUsername)
	})
	if err == nil {
		err = c.locked(ctx, reserveLockKey(date, vaccineName), func(lockCtx context.Context) error {
			return c.inTx(lockCtx, op, func(ctx context.Context, tx Tx) error {
				caregivers, err := tx.Calendar().ListByDate(ctx, date)
				if err != nil {
					return err
				}
				if len(caregivers) == 0 {
					return errorf(KindNotFound, "no caregiver available on %s", date)
				}
				caregiver := caregivers[0]

				doses, err := tx.Inventory().Get(ctx, vaccineName)
				if err != nil {
					return err
				}
				if doses == 0 {
					return errorf(KindConflict, "insufficient doses of %q", vaccineName)
				}

				if err := tx.Calendar().Consume(ctx, caregiver, date); err != nil {
					return err
				}
				if err := tx.Inventory().Decrease(ctx, vaccineName, 1); err != nil {
					return err
				}
				id, err := tx.Ledger().NextID(ctx)
				if err != nil {
					return err
				}
				if err := tx.Ledger().Record(ctx, id, date, caregiver, patientUsername, vaccineName); err != nil {
					return err
				}
				if err := tx.RegisterParticipant(ctx, patientUsername, RolePatient); err != nil {
					return err
				}
				if err := insertEvent(ctx, tx, &id, EventAppointmentReserved, map[string]any{
					"date":      date.String(),
					"caregiver": caregiver,
					"patient":   patientUsername,
					"vaccine":   vaccineName,
				}); err != nil {
					return err
				}

				res = Reservation{AppointmentID: id, CaregiverUsername: caregiver}
				return nil
			})
		})
	}

	err = withOp(op, err)
	if err != nil {
		res = Reservation{}
	}
	c.end(ctx, span, op, start, err,
		"date", date.String(),
		"vaccine", vaccineName,
		"patient", patientUsername,
		"appointment_id", res.AppointmentID,
		"caregiver", res.CaregiverUsername,
	)
	return res, err
}

// Cancel cancels an active appointment on behalf of one of its participants and
// gives the slot and the dose back.
func (c *Coordinator) Cancel(ctx context.Context, appointmentID int64, requester Identity) error {
	const op = "cancel"
	ctx, span, start := c.begin(ctx, op, attribute.Int64("appointment.id", appointmentID))

	err := validate(func(f fieldErrors) {
		f.check(appointmentID > 0, "appointment_id", "must be a positive integer")
		checkIdentity(f, requester)
	})
	if err == nil {
		err = c.locked(ctx, appointmentLockKey(appointmentID), func(lockCtx context.Context) error {
			return c.inTx(lockCtx, op, func(ctx context.Context, tx Tx) error {
				appt, err := tx.Ledger().Find(ctx, appointmentID)
				if err != nil {
					return err
				}
				if appt.Status == StatusCancelled {
					return errorf(KindNotFound, "appointment %d not found", appointmentID)
				}
				if !appt.HasParticipant(requester) {
					return errorf(KindUnauthorized, "%s %q is not a participant of appointment %d", requester.Role, requester.Username, appointmentID)
				}

				if err := tx.Ledger().Cancel(ctx, appointmentID); err != nil {
					if KindOf(err) == KindConflict {
						return errorf(KindNotFound, "appointment %d not found", appointmentID)
					}
					return err
				}
				if err := tx.Calendar().Restore(ctx, appt.CaregiverUsername, appt.Date); err != nil {
					return err
				}
				if err := tx.Inventory().Increase(ctx, appt.VaccineName, 1); err != nil {
					return err
				}
				return insertEvent(ctx, tx, &appointmentID, EventAppointmentCancelled, map[string]any{
					"requester": requester.Username,
					"role":      string(requester.Role),
				})
			})
		})
	}

	err = withOp(op, err)
	c.end(ctx, span, op, start, err,
		"appointment_id", appointmentID,
		"requester", requester.Username,
		"role", string(requester.Role),
	)
	return err
}

// AddDoses creates the stock record with count doses or increments an existing one.
func (c *Coordinator) AddDoses(ctx context.Context, vaccineName string, count int) error {
	const op = "add_doses"
	ctx, span, start := c.begin(ctx, op,
		attribute.String("vaccine.name", vaccineName),
		attribute.Int("doses.count", count),
	)

	err := validate(func(f fieldErrors) {
		checkName(f, "vaccine", vaccineName)
		f.check(count >= 0, "count", "must not be negative")
		f.check(count <= MaxDoses, "count", "is too large")
	})
	if err == nil {
		err = c.inTx(ctx, op, func(ctx context.Context, tx Tx) error {
			if count == 0 {
				if _, err := tx.Inventory().Get(ctx, vaccineName); KindOf(err) != KindNotFound {
					return err
				}
				if err := tx.Inventory().Create(ctx, vaccineName, 0); err != nil {
					return err
				}
			} else if err := tx.Inventory().Increase(ctx, vaccineName, count); err != nil {
				return err
			}
			return insertEvent(ctx, tx, nil, EventDosesAdded, map[string]any{
				"vaccine": vaccineName,
				"count":   count,
			})
		})
	}

	err = withOp(op, err)
	c.end(ctx, span, op, start, err, "vaccine", vaccineName, "count", count)
	return err
}

// CreateVaccine registers a new vaccine. KindConflict when it already exists.
func (c *Coordinator) CreateVaccine(ctx context.Context, vaccineName string, initialDoses int) error {
	const op = "create_vaccine"
	ctx, span, start := c.begin(ctx, op, attribute.String("vaccine.name", vaccineName))

	err := validate(func(f fieldErrors) {
		checkName(f, "vaccine", vaccineName)
		f.check(initialDoses >= 0, "doses", "must not be negative")
		f.check(initialDoses <= MaxDoses, "doses", "is too large")
	})
	if err == nil {
		err = c.inTx(ctx, op, func(ctx context.Context, tx Tx) error {
			if err := tx.Inventory().Create(ctx, vaccineName, initialDoses); err != nil {
				return err
			}
			return insertEvent(ctx, tx, nil, EventVaccineCreated, map[string]any{
				"vaccine": vaccineName,
				"doses":   initialDoses,
			})
		})
	}

	err = withOp(op, err)
	c.end(ctx, span, op, start, err, "vaccine", vaccineName, "doses", initialDoses)
	return err
}

// GetDoses returns the remaining dose count of a vaccine.
func (c *Coordinator) GetDoses(ctx context.Context, vaccineName string) (int, error) {
	const op = "get_doses"
	var doses int
	err := validate(func(f fieldErrors) { checkName(f, "vaccine", vaccineName) })
	if err == nil {
		err = c.inTx(ctx, op, func(ctx context.Context, tx Tx) error {
			var err error
			doses, err = tx.Inventory().Get(ctx, vaccineName)
			return err
		})
	}
	return doses, withOp(op, err)
}

// PublishAvailability opens a slot for the caregiver. Publishing the same slot twice
// is a no-op.
func (c *Coordinator) PublishAvailability(ctx context.Context, caregiverUsername string, date Date) error {
	const op = "publish_availability"
	ctx, span, start := c.begin(ctx, op, attribute.String("booking.date", date.String()))

	created := false
	err := validate(func(f fieldErrors) {
		checkName(f, "caregiver", caregiverUsername)
		checkDate(f, "date", date)
	})
	if err == nil {
		err = c.inTx(ctx, op, func(ctx context.Context, tx Tx) error {
			if err := tx.RegisterParticipant(ctx, caregiverUsername, RoleCaregiver); err != nil {
				return err
			}
			var err error
			created, err = tx.Calendar().Publish(ctx, caregiverUsername, date)
			if err != nil || !created {
				return err
			}
			return insertEvent(ctx, tx, nil, EventAvailabilityAdded, map[string]any{
				"caregiver": caregiverUsername,
				"date":      date.String(),
			})
		})
	}

	err = withOp(op, err)
	c.end(ctx, span, op, start, err, "caregiver", caregiverUsername, "date", date.String(), "created", created)
	return err
}

// ListAvailability returns every caregiver with an open slot on date crossed with
// every vaccine in stock records, ordered by caregiver then vaccine.
func (c *Coordinator) ListAvailability(ctx context.Context, date Date) ([]AvailabilityRow, error) {
	const op = "list_availability"
	var rows []AvailabilityRow
	err := validate(func(f fieldErrors) { checkDate(f, "date", date) })
	if err == nil {
		err = c.inTx(ctx, op, func(ctx context.Context, tx Tx) error {
			caregivers, err := tx.Calendar().ListByDate(ctx, date)
			if err != nil {
				return err
			}
			stocks, err := tx.Inventory().List(ctx)
			if err != nil {
				return err
			}
			rows = make([]AvailabilityRow, 0, len(caregivers)*len(stocks))
			for _, caregiver := range caregivers {
				for _, stock := range stocks {
					rows = append(rows, AvailabilityRow{
						CaregiverUsername: caregiver,
						VaccineName:       stock.Name,
						Doses:             stock.Doses,
					})
				}
			}
			return nil
		})
	}
	if err != nil {
		return nil, withOp(op, err)
	}
	return rows, nil
}

// ListAppointments returns the caller's appointments ordered by id. Cancelled ones
// are included only when includeCancelled is set.
func (c *Coordinator) ListAppointments(ctx context.Context, who Identity, includeCancelled bool) ([]AppointmentRow, error) {
	const op = "list_appointments"
	var rows []AppointmentRow
	err := validate(func(f fieldErrors) { checkIdentity(f, who) })
	if err == nil {
		err = c.inTx(ctx, op, func(ctx context.Context, tx Tx) error {
			appts, err := tx.Ledger().ListFor(ctx, who.Username, who.Role)
			if err != nil {
				return err
			}
			rows = make([]AppointmentRow, 0, len(appts))
			for _, a := range appts {
				if a.Status == StatusCancelled && !includeCancelled {
					continue
				}
				rows = append(rows, AppointmentRow{
					AppointmentID:       a.ID,
					Date:                a.Date,
					VaccineName:         a.VaccineName,
					CounterpartUsername: a.Counterpart(who.Role),
					Status:              a.Status,
				})
			}
			return nil
		})
	}
	if err != nil {
		return nil, withOp(op, err)
	}
	return rows, nil
}

// PruneAvailability drops open slots dated before the given date.
func (c *Coordinator) PruneAvailability(ctx context.Context, before Date) (int64, error) {
	const op = "prune_availability"
	ctx, span, start := c.begin(ctx, op, attribute.String("booking.date", before.String()))

	var removed int64
	err := validate(func(f fieldErrors) { checkDate(f, "before", before) })
	if err == nil {
		err = c.inTx(ctx, op, func(ctx context.Context, tx Tx) error {
			var err error
			removed, err = tx.Calendar().PruneBefore(ctx, before)
			if err != nil || removed == 0 {
				return err
			}
			return insertEvent(ctx, tx, nil, EventAvailabilityPruned, map[string]any{
				"before":  before.String(),
				"removed": removed,
			})
		})
	}

	err = withOp(op, err)
	if err != nil {
		removed = 0
	}
	c.end(ctx, span, op, start, err, "before", before.String(), "removed", removed)
	return removed, err
}

// inTx runs fn in a store transaction, retrying storage failures with exponential
// backoff. Domain errors end the retry loop immediately.
func (c *Coordinator) inTx(ctx context.Context, op string, fn func(ctx context.Context, tx Tx) error) error {
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := c.store.WithTx(ctx, fn)
		if err == nil {
			return struct{}{}, nil
		}
		if kind := KindOf(err); kind != KindStorage && kind != KindUnknown {
			return struct{}{}, backoff.Permanent(err)
		}
		if uint(attempt) < c.maxAttempts {
			c.metrics.ObserveStorageRetry(op)
			logging.FromContext(ctx, c.logger).Warn("storage failure, retrying",
				"operation", op,
				"attempt", attempt,
				"error", err,
			)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(c.newBackOff()), backoff.WithMaxTries(c.maxAttempts))
	if err == nil {
		return nil
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	if KindOf(err) == KindUnknown {
		return storageError("transaction failed", err)
	}
	return err
}

func (c *Coordinator) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.baseDelay
	b.MaxInterval = 20 * c.baseDelay
	return b
}

func (c *Coordinator) locked(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	err := c.locker.WithLock(ctx, key, fn)
	if err == nil {
		return nil
	}
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		return errorf(KindConflict, "%s is busy, retry shortly", key)
	}
	if KindOf(err) != KindUnknown {
		return err
	}
	return storageError("lock", err)
}

func (c *Coordinator) begin(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	ctx, span := c.tracer.Start(ctx, "booking."+op, trace.WithAttributes(attrs...))
	return ctx, span, time.Now()
}

func (c *Coordinator) end(ctx context.Context, span trace.Span, op string, start time.Time, err error, attrs ...any) {
	defer span.End()

	outcome := "ok"
	if err != nil {
		outcome = KindOf(err).String()
	}
	elapsed := time.Since(start)
	c.metrics.ObserveOperation(op, outcome, elapsed.Seconds())
	span.SetAttributes(attribute.String("booking.outcome", outcome))

	logger := logging.FromContext(ctx, c.logger).With("operation", op)
	switch kind := KindOf(err); {
	case err == nil:
		span.SetStatus(codes.Ok, "")
		logger.Info("operation committed", append(attrs, "duration_ms", elapsed.Milliseconds())...)
	case kind == KindStorage || kind == KindUnknown:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("operation failed", append(attrs, "kind", kind.String(), "error", err)...)
	default:
		logger.Info("operation rejected", append(attrs, "kind", kind.String(), "reason", err.Error())...)
	}
}

func insertEvent(ctx context.Context, tx Tx, appointmentID *int64, eventType string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return tx.InsertEvent(ctx, EventLog{
		EventType:     eventType,
		AppointmentID: appointmentID,
		Payload:       data,
		CreatedAt:     time.Now().UTC(),
	})
}

// reserveLockKey scopes the reserve gate to one vaccine on one date, so
// reservations on other dates never wait on each other.
func reserveLockKey(date Date, vaccineName string) string {
	return "reserve:" + date.String() + ":" + vaccineName
}

func appointmentLockKey(id int64) string {
	return "appointment:" + strconv.FormatInt(id, 10)
}

func validate(rules func(f fieldErrors)) error {
	f := fieldErrors{}
	rules(f)
	return f.err()
}

func checkName(f fieldErrors, field, value string) {
	switch {
	case value == "":
		f.check(false, field, "is required")
	case len(value) > maxNameLength:
		f.check(false, field, "is too long")
	case strings.ContainsFunc(value, isSpace):
		f.check(false, field, "must not contain whitespace")
	}
}

func checkDate(f fieldErrors, field string, d Date) {
	if d.IsZero() {
		f.check(false, field, "is required")
		return
	}
	if d != DateOf(d.Time()) {
		f.check(false, field, "is not a calendar date")
	}
}

func checkIdentity(f fieldErrors, who Identity) {
	checkName(f, "username", who.Username)
	f.check(who.Role == RolePatient || who.Role == RoleCaregiver, "role", "must be patient or caregiver")
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f'
}
