package booking

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/vaccine-reservation-scheduling/internal/db"
)

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	ctx := context.Background()

	conn, err := db.OpenSQLite(ctx, filepath.Join(t.TempDir(), "scheduler.db"))
	require.NoError(t, err)

	store := NewSQLiteStore(conn)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(ctx))
	// migrating twice is harmless
	require.NoError(t, store.Migrate(ctx))
	return store
}

func TestSQLiteStore_ReserveThenCancel(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(newSQLiteStore(t))
	date := MustParseDate("2024-01-05")

	require.NoError(t, c.AddDoses(ctx, "VaccineX", 10))
	require.NoError(t, c.PublishAvailability(ctx, "caregiverA", date))
	require.NoError(t, c.PublishAvailability(ctx, "caregiverA", date))

	res, err := c.Reserve(ctx, date, "VaccineX", "patient1")
	require.NoError(t, err)
	assert.Equal(t, Reservation{AppointmentID: 1, CaregiverUsername: "caregiverA"}, res)
	assert.Equal(t, 9, dosesOf(t, c, "VaccineX"))
	assert.Empty(t, openCaregivers(t, c, date))

	appts, err := c.ListAppointments(ctx, caregiverA, false)
	require.NoError(t, err)
	assert.Equal(t, []AppointmentRow{{
		AppointmentID:       1,
		Date:                date,
		VaccineName:         "VaccineX",
		CounterpartUsername: "patient1",
		Status:              StatusActive,
	}}, appts)

	require.NoError(t, c.Cancel(ctx, 1, patient1))
	require.ErrorIs(t, c.Cancel(ctx, 1, patient1), ErrNotFound)
	assert.Equal(t, 10, dosesOf(t, c, "VaccineX"))
	assert.Equal(t, []string{"caregiverA"}, openCaregivers(t, c, date))

	res, err = c.Reserve(ctx, date, "VaccineX", "patient1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.AppointmentID)

	all, err := c.ListAppointments(ctx, patient1, true)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, StatusCancelled, all[0].Status)
	assert.Equal(t, StatusActive, all[1].Status)
}

func TestSQLiteStore_FailedReserveLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(newSQLiteStore(t))
	date := MustParseDate("2024-01-05")

	require.NoError(t, c.CreateVaccine(ctx, "VaccineX", 0))
	require.NoError(t, c.PublishAvailability(ctx, "caregiverA", date))

	_, err := c.Reserve(ctx, date, "VaccineX", "patient1")
	require.ErrorIs(t, err, ErrConflict)
	_, err = c.Reserve(ctx, date.AddDays(1), "VaccineX", "patient1")
	require.ErrorIs(t, err, ErrNotFound)

	assert.Equal(t, []string{"caregiverA"}, openCaregivers(t, c, date))
	assert.Equal(t, 0, dosesOf(t, c, "VaccineX"))
	require.ErrorIs(t, c.CreateVaccine(ctx, "VaccineX", 3), ErrConflict)
}

func TestSQLiteStore_Prune(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(newSQLiteStore(t))

	require.NoError(t, c.PublishAvailability(ctx, "caregiverA", MustParseDate("2023-12-31")))
	require.NoError(t, c.PublishAvailability(ctx, "caregiverA", MustParseDate("2024-01-05")))

	removed, err := c.PruneAvailability(ctx, MustParseDate("2024-01-01"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
	assert.Equal(t, []string{"caregiverA"}, openCaregivers(t, c, MustParseDate("2024-01-05")))
}

func TestSQLiteStore_IncreaseStopsAtMaxDoses(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)
	c := newTestCoordinator(store)

	require.NoError(t, c.AddDoses(ctx, "VaccineX", 10))
	require.ErrorIs(t, c.AddDoses(ctx, "VaccineX", MaxDoses), ErrConflict)
	assert.Equal(t, 10, dosesOf(t, c, "VaccineX"))

	require.NoError(t, c.CreateVaccine(ctx, "VaccineY", MaxDoses))
	require.ErrorIs(t, c.AddDoses(ctx, "VaccineY", 1), ErrConflict)
	assert.Equal(t, MaxDoses, dosesOf(t, c, "VaccineY"))

	err := store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.Inventory().Increase(ctx, "VaccineZ", MaxDoses+1)
	})
	require.ErrorIs(t, err, ErrValidation)

	rows, err := c.ListAvailability(ctx, MustParseDate("2024-01-05"))
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestSQLiteStore_ConcurrentReservesNeverOversell(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(newSQLiteStore(t))
	date := MustParseDate("2024-01-05")

	const slots = 8
	const doses = 5
	require.NoError(t, c.AddDoses(ctx, "VaccineX", doses))
	for i := 0; i < slots; i++ {
		require.NoError(t, c.PublishAvailability(ctx, "caregiver"+string(rune('a'+i)), date))
	}

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = map[int64]bool{}
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := c.Reserve(ctx, date, "VaccineX", "patient1")
			if err != nil {
				kind := KindOf(err)
				assert.True(t, kind == KindConflict || kind == KindNotFound, "unexpected error %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			assert.False(t, ids[res.AppointmentID], "id %d handed out twice", res.AppointmentID)
			ids[res.AppointmentID] = true
		}()
	}
	wg.Wait()

	assert.Len(t, ids, doses)
	assert.Equal(t, 0, dosesOf(t, c, "VaccineX"))
	assert.Len(t, openCaregivers(t, c, date), slots-doses)
}
