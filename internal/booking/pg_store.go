package booking

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PgPool is the subset of *pgxpool.Pool the store needs.
type PgPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// PgStore runs every transaction at the server default isolation (READ COMMITTED).
// Races are settled by row locks taken by the conditional DELETE/UPDATE statements.
type PgStore struct {
	pool PgPool
}

func NewPgStore(pool PgPool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classifyPgError("begin transaction", err)
	}

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		_ = tx.Rollback(context.WithoutCancel(ctx))
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return classifyPgError("commit transaction", err)
	}
	return nil
}

func (s *PgStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PgStore) Close() error {
	s.pool.Close()
	return nil
}

// classifyPgError maps constraint violations to Conflict and everything else,
// including serialization failures and deadlocks, to Storage.
func classifyPgError(msg string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "23514", "23503":
			return &Error{Kind: KindConflict, Msg: msg, Err: err}
		case "22003":
			return &Error{Kind: KindValidation, Msg: msg, Err: err}
		}
	}
	return storageError(msg, err)
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Calendar() Calendar   { return pgCalendar{t.tx} }
func (t *pgTx) Inventory() Inventory { return pgInventory{t.tx} }
func (t *pgTx) Ledger() Ledger       { return pgLedger{t.tx} }

func (t *pgTx) RegisterParticipant(ctx context.Context, username string, role Role) error {
	query := `INSERT INTO patients (username) VALUES ($1) ON CONFLICT (username) DO NOTHING`
	if role == RoleCaregiver {
		query = `INSERT INTO caregivers (username) VALUES ($1) ON CONFLICT (username) DO NOTHING`
	}
	if _, err := t.tx.Exec(ctx, query, username); err != nil {
		return classifyPgError("register "+string(role), err)
	}
	return nil
}

func (t *pgTx) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return classifyPgError("insert event log", err)
	}
	return nil
}

type pgCalendar struct{ tx pgx.Tx }

func (c pgCalendar) Publish(ctx context.Context, caregiverUsername string, date Date) (bool, error) {
	tag, err := c.tx.Exec(ctx, `
		INSERT INTO availabilities (caregiver_username, date)
		VALUES ($1, $2)
		ON CONFLICT (caregiver_username, date) DO NOTHING
	`, caregiverUsername, date.Time())
	if err != nil {
		return false, classifyPgError("publish availability", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (c pgCalendar) ListByDate(ctx context.Context, date Date) ([]string, error) {
	rows, err := c.tx.Query(ctx, `
		SELECT caregiver_username
		FROM availabilities
		WHERE date = $1
		ORDER BY caregiver_username
	`, date.Time())
	if err != nil {
		return nil, classifyPgError("list availability", err)
	}
	defer rows.Close()

	var result []string
	for rows.Next() {
		var username string
		if err := rows.Scan(&username); err != nil {
			return nil, classifyPgError("scan availability", err)
		}
		result = append(result, username)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPgError("list availability", err)
	}
	return result, nil
}

// Consume deletes the slot row. A concurrent consumer blocks on the row lock and
// then deletes nothing.
func (c pgCalendar) Consume(ctx context.Context, caregiverUsername string, date Date) error {
	tag, err := c.tx.Exec(ctx, `
		DELETE FROM availabilities
		WHERE caregiver_username = $1 AND date = $2
	`, caregiverUsername, date.Time())
	if err != nil {
		return classifyPgError("consume availability", err)
	}
	if tag.RowsAffected() == 0 {
		return errorf(KindNotFound, "no slot for caregiver %q on %s", caregiverUsername, date)
	}
	return nil
}

func (c pgCalendar) Restore(ctx context.Context, caregiverUsername string, date Date) error {
	_, err := c.Publish(ctx, caregiverUsername, date)
	return err
}

func (c pgCalendar) PruneBefore(ctx context.Context, date Date) (int64, error) {
	tag, err := c.tx.Exec(ctx, `DELETE FROM availabilities WHERE date < $1`, date.Time())
	if err != nil {
		return 0, classifyPgError("prune availability", err)
	}
	return tag.RowsAffected(), nil
}

type pgInventory struct{ tx pgx.Tx }

func (i pgInventory) Get(ctx context.Context, vaccineName string) (int, error) {
	var doses int
	err := i.tx.QueryRow(ctx, `SELECT doses FROM vaccines WHERE name = $1`, vaccineName).Scan(&doses)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, errorf(KindNotFound, "no such vaccine %q", vaccineName)
		}
		return 0, classifyPgError("get vaccine", err)
	}
	return doses, nil
}

func (i pgInventory) Create(ctx context.Context, vaccineName string, initialDoses int) error {
	if initialDoses < 0 || initialDoses > MaxDoses {
		return errorf(KindValidation, "initial doses must be between 0 and %d", MaxDoses)
	}
	tag, err := i.tx.Exec(ctx, `
		INSERT INTO vaccines (name, doses, created_at, updated_at)
		VALUES ($1, $2, now(), now())
		ON CONFLICT (name) DO NOTHING
	`, vaccineName, initialDoses)
	if err != nil {
		return classifyPgError("create vaccine", err)
	}
	if tag.RowsAffected() == 0 {
		return errorf(KindConflict, "vaccine %q already exists", vaccineName)
	}
	return nil
}

func (i pgInventory) Increase(ctx context.Context, vaccineName string, amount int) error {
	if amount <= 0 || amount > MaxDoses {
		return errorf(KindValidation, "amount must be between 1 and %d", MaxDoses)
	}
	tag, err := i.tx.Exec(ctx, `
		INSERT INTO vaccines (name, doses, created_at, updated_at)
		VALUES ($1, $2, now(), now())
		ON CONFLICT (name) DO UPDATE
		SET doses = vaccines.doses + EXCLUDED.doses,
		    updated_at = now()
		WHERE vaccines.doses <= 2147483647 - EXCLUDED.doses
	`, vaccineName, amount)
	if err != nil {
		return classifyPgError("increase doses", err)
	}
	if tag.RowsAffected() == 0 {
		return errorf(KindConflict, "adding %d doses of %q would exceed %d", amount, vaccineName, MaxDoses)
	}
	return nil
}

func (i pgInventory) Decrease(ctx context.Context, vaccineName string, amount int) error {
	tag, err := i.tx.Exec(ctx, `
		UPDATE vaccines
		SET doses = doses - $2,
		    updated_at = now()
		WHERE name = $1
		  AND doses >= $2
	`, vaccineName, amount)
	if err != nil {
		return classifyPgError("decrease doses", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := i.Get(ctx, vaccineName); err != nil {
		return err
	}
	return errorf(KindConflict, "insufficient doses of %q", vaccineName)
}

func (i pgInventory) List(ctx context.Context) ([]VaccineStock, error) {
	rows, err := i.tx.Query(ctx, `SELECT name, doses FROM vaccines ORDER BY name`)
	if err != nil {
		return nil, classifyPgError("list vaccines", err)
	}
	defer rows.Close()

	var result []VaccineStock
	for rows.Next() {
		var v VaccineStock
		if err := rows.Scan(&v.Name, &v.Doses); err != nil {
			return nil, classifyPgError("scan vaccine", err)
		}
		result = append(result, v)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPgError("list vaccines", err)
	}
	return result, nil
}

type pgLedger struct{ tx pgx.Tx }

func scanAppointment(row pgx.Row) (Appointment, error) {
	var a Appointment
	var date time.Time
	var status string

	err := row.Scan(
		&a.ID,
		&date,
		&a.CaregiverUsername,
		&a.PatientUsername,
		&a.VaccineName,
		&status,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return Appointment{}, err
	}

	a.Date = DateOf(date)
	a.Status = AppointmentStatus(status)
	return a, nil
}

func (l pgLedger) NextID(ctx context.Context) (int64, error) {
	var id int64
	if err := l.tx.QueryRow(ctx, `SELECT nextval('appointment_id_seq')`).Scan(&id); err != nil {
		return 0, classifyPgError("next appointment id", err)
	}
	return id, nil
}

func (l pgLedger) Record(ctx context.Context, id int64, date Date, caregiverUsername, patientUsername, vaccineName string) error {
	_, err := l.tx.Exec(ctx, `
		INSERT INTO appointments (id, date, caregiver_username, patient_username, vaccine_name, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 'active', now(), now())
	`, id, date.Time(), caregiverUsername, patientUsername, vaccineName)
	if err != nil {
		return classifyPgError("record appointment", err)
	}
	return nil
}

func (l pgLedger) Find(ctx context.Context, id int64) (Appointment, error) {
	row := l.tx.QueryRow(ctx, `
		SELECT id, date, caregiver_username, patient_username, vaccine_name, status, created_at, updated_at
		FROM appointments
		WHERE id = $1
	`, id)
	a, err := scanAppointment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Appointment{}, errorf(KindNotFound, "appointment %d not found", id)
		}
		return Appointment{}, classifyPgError("find appointment", err)
	}
	return a, nil
}

func (l pgLedger) Cancel(ctx context.Context, id int64) error {
	tag, err := l.tx.Exec(ctx, `
		UPDATE appointments
		SET status = 'cancelled',
		    updated_at = now()
		WHERE id = $1
		  AND status = 'active'
	`, id)
	if err != nil {
		return classifyPgError("cancel appointment", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := l.Find(ctx, id); err != nil {
		return err
	}
	return errorf(KindConflict, "appointment %d already cancelled", id)
}

func (l pgLedger) ListFor(ctx context.Context, username string, role Role) ([]Appointment, error) {
	query := `
		SELECT id, date, caregiver_username, patient_username, vaccine_name, status, created_at, updated_at
		FROM appointments
		WHERE patient_username = $1
		ORDER BY id
	`
	if role == RoleCaregiver {
		query = `
		SELECT id, date, caregiver_username, patient_username, vaccine_name, status, created_at, updated_at
		FROM appointments
		WHERE caregiver_username = $1
		ORDER BY id
	`
	}

	rows, err := l.tx.Query(ctx, query, username)
	if err != nil {
		return nil, classifyPgError("list appointments", err)
	}
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, classifyPgError("scan appointment", err)
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPgError("list appointments", err)
	}
	return result, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
