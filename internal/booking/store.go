package booking

import (
	"context"
	"math"
)

// MaxDoses is the largest dose count a vaccine record can hold. It matches the
// INTEGER column of the Postgres schema.
const MaxDoses = math.MaxInt32

// Calendar owns caregiver slots.
type Calendar interface {
	// Publish upserts a slot and reports whether it was newly created.
	Publish(ctx context.Context, caregiverUsername string, date Date) (bool, error)
	// ListByDate returns caregivers with an open slot on date, ascending by username.
	ListByDate(ctx context.Context, date Date) ([]string, error)
	// Consume removes the slot or fails with KindNotFound.
	Consume(ctx context.Context, caregiverUsername string, date Date) error
	Restore(ctx context.Context, caregiverUsername string, date Date) error
	// PruneBefore removes open slots dated strictly before date.
	PruneBefore(ctx context.Context, date Date) (int64, error)
}

// Inventory owns vaccine dose counts. Counts stay within [0, MaxDoses].
type Inventory interface {
	Get(ctx context.Context, vaccineName string) (int, error)
	Create(ctx context.Context, vaccineName string, initialDoses int) error
	// Increase adds amount (> 0), creating the record when absent. Fails with
	// KindConflict when the result would exceed MaxDoses.
	Increase(ctx context.Context, vaccineName string, amount int) error
	// Decrease fails with KindConflict when the result would be negative.
	Decrease(ctx context.Context, vaccineName string, amount int) error
	List(ctx context.Context) ([]VaccineStock, error)
}

// Ledger owns appointments.
type Ledger interface {
	// NextID returns an id greater than any id handed out before.
	NextID(ctx context.Context) (int64, error)
	Record(ctx context.Context, id int64, date Date, caregiverUsername, patientUsername, vaccineName string) error
	Find(ctx context.Context, id int64) (Appointment, error)
	// Cancel moves an active appointment to cancelled. KindConflict if already cancelled.
	Cancel(ctx context.Context, id int64) error
	ListFor(ctx context.Context, username string, role Role) ([]Appointment, error)
}

// Tx exposes the three components bound to one storage transaction.
type Tx interface {
	Calendar() Calendar
	Inventory() Inventory
	Ledger() Ledger

	// RegisterParticipant records a caregiver or patient username. Idempotent.
	RegisterParticipant(ctx context.Context, username string, role Role) error
	InsertEvent(ctx context.Context, ev EventLog) error
}

// Store runs fn inside one atomic transaction. When fn returns an error nothing fn
// wrote is kept.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Ping(ctx context.Context) error
	Close() error
}
