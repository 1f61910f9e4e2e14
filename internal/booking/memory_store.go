package booking

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps all state in process. Transactions are serialized by a single
// mutex; each one works on a copy of the state that replaces the live state on commit.
type MemoryStore struct {
	mu     sync.Mutex
	state  *memState
	lastID int64
	closed bool
}

type participantKey struct {
	username string
	role     Role
}

type memState struct {
	slots        map[Slot]struct{}
	vaccines     map[string]int
	appointments map[int64]Appointment
	participants map[participantKey]struct{}
	events       []EventLog
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: &memState{
			slots:        make(map[Slot]struct{}),
			vaccines:     make(map[string]int),
			appointments: make(map[int64]Appointment),
			participants: make(map[participantKey]struct{}),
		},
	}
}

func (s *memState) clone() *memState {
	return &memState{
		slots:        maps.Clone(s.slots),
		vaccines:     maps.Clone(s.vaccines),
		appointments: maps.Clone(s.appointments),
		participants: maps.Clone(s.participants),
		events:       append([]EventLog(nil), s.events...),
	}
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return storageError("begin transaction", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storageError("begin transaction", errStoreClosed)
	}

	tx := &memTx{store: s, state: s.state.clone()}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return storageError("commit transaction", err)
	}
	s.state = tx.state
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStoreClosed
	}
	return ctx.Err()
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Events returns a copy of the committed event log.
func (s *MemoryStore) Events() []EventLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]EventLog(nil), s.state.events...)
}

type memTx struct {
	store *MemoryStore
	state *memState
}

func (t *memTx) Calendar() Calendar   { return memCalendar{t} }
func (t *memTx) Inventory() Inventory { return memInventory{t} }
func (t *memTx) Ledger() Ledger       { return memLedger{t} }

func (t *memTx) RegisterParticipant(_ context.Context, username string, role Role) error {
	t.state.participants[participantKey{username: username, role: role}] = struct{}{}
	return nil
}

func (t *memTx) InsertEvent(_ context.Context, ev EventLog) error {
	ev.ID = int64(len(t.state.events) + 1)
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	t.state.events = append(t.state.events, ev)
	return nil
}

type memCalendar struct{ *memTx }

func (c memCalendar) Publish(_ context.Context, caregiverUsername string, date Date) (bool, error) {
	key := Slot{CaregiverUsername: caregiverUsername, Date: date}
	if _, ok := c.state.slots[key]; ok {
		return false, nil
	}
	c.state.slots[key] = struct{}{}
	return true, nil
}

func (c memCalendar) ListByDate(_ context.Context, date Date) ([]string, error) {
	var out []string
	for slot := range c.state.slots {
		if slot.Date == date {
			out = append(out, slot.CaregiverUsername)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (c memCalendar) Consume(_ context.Context, caregiverUsername string, date Date) error {
	key := Slot{CaregiverUsername: caregiverUsername, Date: date}
	if _, ok := c.state.slots[key]; !ok {
		return errorf(KindNotFound, "no slot for caregiver %q on %s", caregiverUsername, date)
	}
	delete(c.state.slots, key)
	return nil
}

func (c memCalendar) Restore(ctx context.Context, caregiverUsername string, date Date) error {
	_, err := c.Publish(ctx, caregiverUsername, date)
	return err
}

func (c memCalendar) PruneBefore(_ context.Context, date Date) (int64, error) {
	var n int64
	for slot := range c.state.slots {
		if slot.Date.Before(date) {
			delete(c.state.slots, slot)
			n++
		}
	}
	return n, nil
}

type memInventory struct{ *memTx }

func (i memInventory) Get(_ context.Context, vaccineName string) (int, error) {
	doses, ok := i.state.vaccines[vaccineName]
	if !ok {
		return 0, errorf(KindNotFound, "no such vaccine %q", vaccineName)
	}
	return doses, nil
}

func (i memInventory) Create(_ context.Context, vaccineName string, initialDoses int) error {
	if initialDoses < 0 || initialDoses > MaxDoses {
		return errorf(KindValidation, "initial doses must be between 0 and %d", MaxDoses)
	}
	if _, ok := i.state.vaccines[vaccineName]; ok {
		return errorf(KindConflict, "vaccine %q already exists", vaccineName)
	}
	i.state.vaccines[vaccineName] = initialDoses
	return nil
}

func (i memInventory) Increase(_ context.Context, vaccineName string, amount int) error {
	if amount <= 0 || amount > MaxDoses {
		return errorf(KindValidation, "amount must be between 1 and %d", MaxDoses)
	}
	if doses := i.state.vaccines[vaccineName]; doses > MaxDoses-amount {
		return errorf(KindConflict, "adding %d doses of %q would exceed %d", amount, vaccineName, MaxDoses)
	}
	i.state.vaccines[vaccineName] += amount
	return nil
}

func (i memInventory) Decrease(_ context.Context, vaccineName string, amount int) error {
	doses, ok := i.state.vaccines[vaccineName]
	if !ok {
		return errorf(KindNotFound, "no such vaccine %q", vaccineName)
	}
	if doses-amount < 0 {
		return errorf(KindConflict, "insufficient doses of %q", vaccineName)
	}
	i.state.vaccines[vaccineName] = doses - amount
	return nil
}

func (i memInventory) List(_ context.Context) ([]VaccineStock, error) {
	out := make([]VaccineStock, 0, len(i.state.vaccines))
	for name, doses := range i.state.vaccines {
		out = append(out, VaccineStock{Name: name, Doses: doses})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out, nil
}

type memLedger struct{ *memTx }

// NextID advances the store-wide counter, which survives rollbacks.
func (l memLedger) NextID(_ context.Context) (int64, error) {
	l.store.lastID++
	return l.store.lastID, nil
}

func (l memLedger) Record(_ context.Context, id int64, date Date, caregiverUsername, patientUsername, vaccineName string) error {
	if _, ok := l.state.appointments[id]; ok {
		return errorf(KindConflict, "appointment %d already exists", id)
	}
	now := time.Now().UTC()
	l.state.appointments[id] = Appointment{
		ID:                id,
		Date:              date,
		CaregiverUsername: caregiverUsername,
		PatientUsername:   patientUsername,
		VaccineName:       vaccineName,
		Status:            StatusActive,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	return nil
}

func (l memLedger) Find(_ context.Context, id int64) (Appointment, error) {
	appt, ok := l.state.appointments[id]
	if !ok {
		return Appointment{}, errorf(KindNotFound, "appointment %d not found", id)
	}
	return appt, nil
}

func (l memLedger) Cancel(ctx context.Context, id int64) error {
	appt, err := l.Find(ctx, id)
	if err != nil {
		return err
	}
	if appt.Status == StatusCancelled {
		return errorf(KindConflict, "appointment %d already cancelled", id)
	}
	appt.Status = StatusCancelled
	appt.UpdatedAt = time.Now().UTC()
	l.state.appointments[id] = appt
	return nil
}

func (l memLedger) ListFor(_ context.Context, username string, role Role) ([]Appointment, error) {
	var out []Appointment
	for _, appt := range l.state.appointments {
		if appt.HasParticipant(Identity{Username: username, Role: role}) {
			out = append(out, appt)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}
