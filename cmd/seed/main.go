package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v7"

	"github.com/hackgods/vaccine-reservation-scheduling/internal/booking"
	"github.com/hackgods/vaccine-reservation-scheduling/internal/bootstrap"
	"github.com/hackgods/vaccine-reservation-scheduling/internal/config"
	"github.com/hackgods/vaccine-reservation-scheduling/internal/logging"
)

var vaccineNames = []string{
	"Pfizer",
	"Moderna",
	"Novavax",
	"AstraZeneca",
	"Janssen",
	"Sinovac",
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load error", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel).With("component", "seed")
	slog.SetDefault(logger)
	logger.Info("seed starting", "store", cfg.StoreDriver)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	store, err := bootstrap.OpenStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("store connection error", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// bulk seeding does not need the redis gate
	coord := booking.NewCoordinator(store, nil, cfg, logger, nil)
	faker := gofakeit.New(0)

	caregivers := getInt("SEED_CAREGIVERS", 50)
	days := getInt("SEED_DAYS", 14)
	maxDoses := getInt("SEED_MAX_DOSES", 500)

	if err := seedVaccines(ctx, coord, faker, maxDoses, logger); err != nil {
		logger.Error("seed vaccines", "error", err)
		os.Exit(1)
	}
	if err := seedAvailability(ctx, coord, faker, caregivers, days, logger); err != nil {
		logger.Error("seed availability", "error", err)
		os.Exit(1)
	}

	logger.Info("seed complete")
}

func seedVaccines(ctx context.Context, coord *booking.Coordinator, faker *gofakeit.Faker, maxDoses int, logger *slog.Logger) error {
	logger.Info("seeding vaccines", "count", len(vaccineNames))

	for _, name := range vaccineNames {
		doses := faker.Number(maxDoses/10, maxDoses)
		if err := coord.AddDoses(ctx, name, doses); err != nil {
			return fmt.Errorf("add doses of %s: %w", name, err)
		}
	}

	logger.Info("vaccines seeded")
	return nil
}

// seedAvailability publishes each fake caregiver on a random subset of the
// next days dates.
func seedAvailability(ctx context.Context, coord *booking.Coordinator, faker *gofakeit.Faker, count, days int, logger *slog.Logger) error {
	logger.Info("seeding caregivers", "count", count, "days", days)

	today := booking.DateOf(time.Now().UTC())
	published := 0

	for i := 0; i < count; i++ {
		username := caregiverUsername(faker, i)
		for d := 0; d < days; d++ {
			if !faker.Bool() {
				continue
			}
			if err := coord.PublishAvailability(ctx, username, today.AddDays(d)); err != nil {
				return fmt.Errorf("publish %s: %w", username, err)
			}
			published++
		}
	}

	logger.Info("caregivers seeded", "slots", published)
	return nil
}

func caregiverUsername(faker *gofakeit.Faker, i int) string {
	name := strings.ToLower(faker.FirstName() + "." + faker.LastName())
	name = strings.Join(strings.Fields(name), "")
	return fmt.Sprintf("%s.%d", name, i)
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
