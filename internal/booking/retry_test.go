package booking

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/vaccine-reservation-scheduling/internal/logging"
	"github.com/hackgods/vaccine-reservation-scheduling/internal/metrics"
	redisclient "github.com/hackgods/vaccine-reservation-scheduling/internal/redis"
)

func newMockedSQLStore(t *testing.T) (*SQLiteStore, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return NewSQLiteStore(conn), mock
}

func TestRetry_BeginFailureIsRetriedThenSucceeds(t *testing.T) {
	store, mock := newMockedSQLStore(t)
	reg := prometheus.NewRegistry()
	m := metrics.NewBookingMetrics(reg)
	c := NewCoordinator(store, redisclient.NopLocker{}, testConfig(), logging.Discard(), m)

	mock.ExpectBegin().WillReturnError(errors.New("database is locked"))
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT doses FROM vaccines WHERE name = ?`)).
		WithArgs("VaccineX").
		WillReturnRows(sqlmock.NewRows([]string{"doses"}).AddRow(4))
	mock.ExpectCommit()

	doses, err := c.GetDoses(context.Background(), "VaccineX")
	require.NoError(t, err)
	assert.Equal(t, 4, doses)
	require.NoError(t, mock.ExpectationsWereMet())

	expected := `
		# HELP vaccine_booking_storage_retries_total Transactions retried after a storage failure
		# TYPE vaccine_booking_storage_retries_total counter
		vaccine_booking_storage_retries_total{operation="get_doses"} 1
	`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "vaccine_booking_storage_retries_total"))
}

func TestRetry_StorageErrorSurfacesAfterMaxAttempts(t *testing.T) {
	store, mock := newMockedSQLStore(t)
	c := newTestCoordinator(store)

	for i := 0; i < 3; i++ {
		mock.ExpectBegin().WillReturnError(errors.New("disk I/O error"))
	}

	err := c.AddDoses(context.Background(), "VaccineX", 2)
	require.ErrorIs(t, err, ErrStorage)
	assert.Equal(t, KindStorage, KindOf(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRetry_FailedStatementRollsBackAndRetries(t *testing.T) {
	store, mock := newMockedSQLStore(t)
	c := newTestCoordinator(store)

	increase := regexp.QuoteMeta(`INSERT INTO vaccines (name, doses, created_at, updated_at)`)
	event := regexp.QuoteMeta(`INSERT INTO event_logs`)

	mock.ExpectBegin()
	mock.ExpectExec(increase).WillReturnError(errors.New("driver: bad connection"))
	mock.ExpectRollback()

	mock.ExpectBegin()
	mock.ExpectExec(increase).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(event).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, c.AddDoses(context.Background(), "VaccineX", 2))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRetry_DomainErrorRollsBackOnce(t *testing.T) {
	store, mock := newMockedSQLStore(t)
	c := newTestCoordinator(store)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT caregiver_username`)).
		WillReturnRows(sqlmock.NewRows([]string{"caregiver_username"}))
	mock.ExpectRollback()

	_, err := c.Reserve(context.Background(), MustParseDate("2024-01-05"), "VaccineX", "patient1")
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
