package booking

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS caregivers (
		username   TEXT PRIMARY KEY,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS patients (
		username   TEXT PRIMARY KEY,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS vaccines (
		name       TEXT PRIMARY KEY,
		doses      INTEGER NOT NULL CHECK (doses >= 0),
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS availabilities (
		caregiver_username TEXT NOT NULL REFERENCES caregivers (username),
		date               TEXT NOT NULL,
		PRIMARY KEY (caregiver_username, date)
	)`,
	`CREATE INDEX IF NOT EXISTS availabilities_date_idx ON availabilities (date)`,
	`CREATE TABLE IF NOT EXISTS id_sequences (
		name  TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	)`,
	`INSERT OR IGNORE INTO id_sequences (name, value) VALUES ('appointment', 0)`,
	`CREATE TABLE IF NOT EXISTS appointments (
		id                 INTEGER PRIMARY KEY,
		date               TEXT NOT NULL,
		caregiver_username TEXT NOT NULL REFERENCES caregivers (username),
		patient_username   TEXT NOT NULL REFERENCES patients (username),
		vaccine_name       TEXT NOT NULL REFERENCES vaccines (name),
		status             TEXT NOT NULL CHECK (status IN ('active', 'cancelled')),
		created_at         TEXT NOT NULL,
		updated_at         TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS event_logs (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type     TEXT NOT NULL,
		appointment_id INTEGER REFERENCES appointments (id),
		payload        TEXT NOT NULL,
		created_at     TEXT NOT NULL
	)`,
}

// SQLiteStore expects a *sql.DB with a single open connection and immediate
// transactions (see db.OpenSQLite), so writers are serialized by the engine.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Migrate creates the schema if it does not exist yet.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	for _, stmt := range sqliteSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply sqlite schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifySQLiteError("begin transaction", err)
	}

	if err := fn(ctx, &sqlTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return classifySQLiteError("commit transaction", err)
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func classifySQLiteError(msg string, err error) error {
	var sqlErr *sqlite.Error
	if errors.As(err, &sqlErr) && sqlErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT {
		return &Error{Kind: KindConflict, Msg: msg, Err: err}
	}
	return storageError(msg, err)
}

func sqliteNow() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

type sqlTx struct {
	tx *sql.Tx
}

func (t *sqlTx) Calendar() Calendar   { return sqlCalendar{t.tx} }
func (t *sqlTx) Inventory() Inventory { return sqlInventory{t.tx} }
func (t *sqlTx) Ledger() Ledger       { return sqlLedger{t.tx} }

func (t *sqlTx) RegisterParticipant(ctx context.Context, username string, role Role) error {
	query := `INSERT INTO patients (username, created_at) VALUES (?, ?) ON CONFLICT (username) DO NOTHING`
	if role == RoleCaregiver {
		query = `INSERT INTO caregivers (username, created_at) VALUES (?, ?) ON CONFLICT (username) DO NOTHING`
	}
	if _, err := t.tx.ExecContext(ctx, query, username, sqliteNow()); err != nil {
		return classifySQLiteError("register "+string(role), err)
	}
	return nil
}

func (t *sqlTx) InsertEvent(ctx context.Context, ev EventLog) error {
	createdAt := ev.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	payload := string(ev.Payload)
	if payload == "" {
		payload = "{}"
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES (?, ?, ?, ?)
	`, ev.EventType, ev.AppointmentID, payload, createdAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return classifySQLiteError("insert event log", err)
	}
	return nil
}

type sqlCalendar struct{ tx *sql.Tx }

func (c sqlCalendar) Publish(ctx context.Context, caregiverUsername string, date Date) (bool, error) {
	res, err := c.tx.ExecContext(ctx, `
		INSERT INTO availabilities (caregiver_username, date)
		VALUES (?, ?)
		ON CONFLICT (caregiver_username, date) DO NOTHING
	`, caregiverUsername, date.String())
	if err != nil {
		return false, classifySQLiteError("publish availability", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classifySQLiteError("publish availability", err)
	}
	return n == 1, nil
}

func (c sqlCalendar) ListByDate(ctx context.Context, date Date) ([]string, error) {
	rows, err := c.tx.QueryContext(ctx, `
		SELECT caregiver_username
		FROM availabilities
		WHERE date = ?
		ORDER BY caregiver_username
	`, date.String())
	if err != nil {
		return nil, classifySQLiteError("list availability", err)
	}
	defer rows.Close()

	var result []string
	for rows.Next() {
		var username string
		if err := rows.Scan(&username); err != nil {
			return nil, classifySQLiteError("scan availability", err)
		}
		result = append(result, username)
	}
	if err := rows.Err(); err != nil {
		return nil, classifySQLiteError("list availability", err)
	}
	return result, nil
}

func (c sqlCalendar) Consume(ctx context.Context, caregiverUsername string, date Date) error {
	res, err := c.tx.ExecContext(ctx, `
		DELETE FROM availabilities
		WHERE caregiver_username = ? AND date = ?
	`, caregiverUsername, date.String())
	if err != nil {
		return classifySQLiteError("consume availability", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classifySQLiteError("consume availability", err)
	}
	if n == 0 {
		return errorf(KindNotFound, "no slot for caregiver %q on %s", caregiverUsername, date)
	}
	return nil
}

func (c sqlCalendar) Restore(ctx context.Context, caregiverUsername string, date Date) error {
	_, err := c.Publish(ctx, caregiverUsername, date)
	return err
}

func (c sqlCalendar) PruneBefore(ctx context.Context, date Date) (int64, error) {
	res, err := c.tx.ExecContext(ctx, `DELETE FROM availabilities WHERE date < ?`, date.String())
	if err != nil {
		return 0, classifySQLiteError("prune availability", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classifySQLiteError("prune availability", err)
	}
	return n, nil
}

type sqlInventory struct{ tx *sql.Tx }

func (i sqlInventory) Get(ctx context.Context, vaccineName string) (int, error) {
	var doses int
	err := i.tx.QueryRowContext(ctx, `SELECT doses FROM vaccines WHERE name = ?`, vaccineName).Scan(&doses)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, errorf(KindNotFound, "no such vaccine %q", vaccineName)
		}
		return 0, classifySQLiteError("get vaccine", err)
	}
	return doses, nil
}

func (i sqlInventory) Create(ctx context.Context, vaccineName string, initialDoses int) error {
	if initialDoses < 0 || initialDoses > MaxDoses {
		return errorf(KindValidation, "initial doses must be between 0 and %d", MaxDoses)
	}
	now := sqliteNow()
	res, err := i.tx.ExecContext(ctx, `
		INSERT INTO vaccines (name, doses, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (name) DO NOTHING
	`, vaccineName, initialDoses, now, now)
	if err != nil {
		return classifySQLiteError("create vaccine", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classifySQLiteError("create vaccine", err)
	}
	if n == 0 {
		return errorf(KindConflict, "vaccine %q already exists", vaccineName)
	}
	return nil
}

func (i sqlInventory) Increase(ctx context.Context, vaccineName string, amount int) error {
	if amount <= 0 || amount > MaxDoses {
		return errorf(KindValidation, "amount must be between 1 and %d", MaxDoses)
	}
	now := sqliteNow()
	res, err := i.tx.ExecContext(ctx, `
		INSERT INTO vaccines (name, doses, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE
		SET doses = doses + excluded.doses,
		    updated_at = excluded.updated_at
		WHERE vaccines.doses <= ? - excluded.doses
	`, vaccineName, amount, now, now, MaxDoses)
	if err != nil {
		return classifySQLiteError("increase doses", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classifySQLiteError("increase doses", err)
	}
	if n == 0 {
		return errorf(KindConflict, "adding %d doses of %q would exceed %d", amount, vaccineName, MaxDoses)
	}
	return nil
}

func (i sqlInventory) Decrease(ctx context.Context, vaccineName string, amount int) error {
	res, err := i.tx.ExecContext(ctx, `
		UPDATE vaccines
		SET doses = doses - ?,
		    updated_at = ?
		WHERE name = ?
		  AND doses >= ?
	`, amount, sqliteNow(), vaccineName, amount)
	if err != nil {
		return classifySQLiteError("decrease doses", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classifySQLiteError("decrease doses", err)
	}
	if n == 1 {
		return nil
	}
	if _, err := i.Get(ctx, vaccineName); err != nil {
		return err
	}
	return errorf(KindConflict, "insufficient doses of %q", vaccineName)
}

func (i sqlInventory) List(ctx context.Context) ([]VaccineStock, error) {
	rows, err := i.tx.QueryContext(ctx, `SELECT name, doses FROM vaccines ORDER BY name`)
	if err != nil {
		return nil, classifySQLiteError("list vaccines", err)
	}
	defer rows.Close()

	var result []VaccineStock
	for rows.Next() {
		var v VaccineStock
		if err := rows.Scan(&v.Name, &v.Doses); err != nil {
			return nil, classifySQLiteError("scan vaccine", err)
		}
		result = append(result, v)
	}
	if err := rows.Err(); err != nil {
		return nil, classifySQLiteError("list vaccines", err)
	}
	return result, nil
}

type sqlLedger struct{ tx *sql.Tx }

type sqlRow interface {
	Scan(dest ...any) error
}

func scanSQLiteAppointment(row sqlRow) (Appointment, error) {
	var a Appointment
	var date, status, createdAt, updatedAt string

	err := row.Scan(
		&a.ID,
		&date,
		&a.CaregiverUsername,
		&a.PatientUsername,
		&a.VaccineName,
		&status,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return Appointment{}, err
	}

	if a.Date, err = ParseDate(date); err != nil {
		return Appointment{}, err
	}
	if a.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return Appointment{}, fmt.Errorf("parse created_at: %w", err)
	}
	if a.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return Appointment{}, fmt.Errorf("parse updated_at: %w", err)
	}
	a.Status = AppointmentStatus(status)
	return a, nil
}

// NextID advances the counter row inside the write transaction. A rolled back
// transaction also rolls the counter back, but its id was never visible to anyone.
func (l sqlLedger) NextID(ctx context.Context) (int64, error) {
	var id int64
	err := l.tx.QueryRowContext(ctx, `
		UPDATE id_sequences
		SET value = value + 1
		WHERE name = 'appointment'
		RETURNING value
	`).Scan(&id)
	if err != nil {
		return 0, classifySQLiteError("next appointment id", err)
	}
	return id, nil
}

func (l sqlLedger) Record(ctx context.Context, id int64, date Date, caregiverUsername, patientUsername, vaccineName string) error {
	now := sqliteNow()
	_, err := l.tx.ExecContext(ctx, `
		INSERT INTO appointments (id, date, caregiver_username, patient_username, vaccine_name, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'active', ?, ?)
	`, id, date.String(), caregiverUsername, patientUsername, vaccineName, now, now)
	if err != nil {
		return classifySQLiteError("record appointment", err)
	}
	return nil
}

func (l sqlLedger) Find(ctx context.Context, id int64) (Appointment, error) {
	row := l.tx.QueryRowContext(ctx, `
		SELECT id, date, caregiver_username, patient_username, vaccine_name, status, created_at, updated_at
		FROM appointments
		WHERE id = ?
	`, id)
	a, err := scanSQLiteAppointment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Appointment{}, errorf(KindNotFound, "appointment %d not found", id)
		}
		return Appointment{}, classifySQLiteError("find appointment", err)
	}
	return a, nil
}

func (l sqlLedger) Cancel(ctx context.Context, id int64) error {
	res, err := l.tx.ExecContext(ctx, `
		UPDATE appointments
		SET status = 'cancelled',
		    updated_at = ?
		WHERE id = ?
		  AND status = 'active'
	`, sqliteNow(), id)
	if err != nil {
		return classifySQLiteError("cancel appointment", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classifySQLiteError("cancel appointment", err)
	}
	if n == 1 {
		return nil
	}
	if _, err := l.Find(ctx, id); err != nil {
		return err
	}
	return errorf(KindConflict, "appointment %d already cancelled", id)
}

func (l sqlLedger) ListFor(ctx context.Context, username string, role Role) ([]Appointment, error) {
	column := "patient_username"
	if role == RoleCaregiver {
		column = "caregiver_username"
	}

	rows, err := l.tx.QueryContext(ctx, `
		SELECT id, date, caregiver_username, patient_username, vaccine_name, status, created_at, updated_at
		FROM appointments
		WHERE `+column+` = ?
		ORDER BY id
	`, username)
	if err != nil {
		return nil, classifySQLiteError("list appointments", err)
	}
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanSQLiteAppointment(rows)
		if err != nil {
			return nil, classifySQLiteError("scan appointment", err)
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, classifySQLiteError("list appointments", err)
	}
	return result, nil
}
