package bootstrap

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/vaccine-reservation-scheduling/internal/booking"
	"github.com/hackgods/vaccine-reservation-scheduling/internal/config"
	"github.com/hackgods/vaccine-reservation-scheduling/internal/logging"
	redisclient "github.com/hackgods/vaccine-reservation-scheduling/internal/redis"
)

func TestOpenStore_Memory(t *testing.T) {
	store, err := OpenStore(context.Background(), config.Config{StoreDriver: config.DriverMemory}, logging.Discard())
	require.NoError(t, err)
	assert.IsType(t, &booking.MemoryStore{}, store)
}

func TestOpenStore_SQLiteIsMigrated(t *testing.T) {
	ctx := context.Background()
	cfg := config.Config{
		StoreDriver: config.DriverSQLite,
		SQLitePath:  filepath.Join(t.TempDir(), "test.db"),
	}

	store, err := OpenStore(ctx, cfg, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	c := booking.NewCoordinator(store, nil, config.Config{StorageMaxAttempts: 1, RetryBaseDelay: time.Millisecond}, logging.Discard(), nil)
	require.NoError(t, c.AddDoses(ctx, "Pfizer", 3))
	doses, err := c.GetDoses(ctx, "Pfizer")
	require.NoError(t, err)
	assert.Equal(t, 3, doses)
}

func TestOpenStore_UnknownDriver(t *testing.T) {
	_, err := OpenStore(context.Background(), config.Config{StoreDriver: "mongo"}, logging.Discard())
	require.Error(t, err)
}

func TestOpenLocker(t *testing.T) {
	ctx := context.Background()

	locker, rdb, err := OpenLocker(ctx, config.Config{Locker: config.LockerNone}, logging.Discard())
	require.NoError(t, err)
	assert.Nil(t, rdb)
	assert.Equal(t, redisclient.NopLocker{}, locker)

	mr := miniredis.RunT(t)
	locker, rdb, err = OpenLocker(ctx, config.Config{
		Locker:    config.LockerRedis,
		RedisAddr: mr.Addr(),
		LockTTL:   time.Second,
	}, logging.Discard())
	require.NoError(t, err)
	require.NotNil(t, rdb)
	t.Cleanup(func() { _ = rdb.Close() })

	err = locker.WithLock(ctx, "vaccine:Pfizer", func(context.Context) error {
		assert.True(t, mr.Exists("lock:vaccine:Pfizer"))
		return nil
	})
	require.NoError(t, err)
}
