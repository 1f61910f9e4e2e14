package main

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/hackgods/vaccine-reservation-scheduling/internal/config"
	"github.com/hackgods/vaccine-reservation-scheduling/internal/logging"
	"github.com/hackgods/vaccine-reservation-scheduling/migrations"
)

// Usage: migrate [up | down | version | force <version>]
func main() {
	cfg, err := config.Load()
	if err != nil {
		fatal("config load error", err)
	}
	logger := logging.New(cfg.LogLevel)
	slog.SetDefault(logger)

	if cfg.StoreDriver != config.DriverPostgres {
		logger.Info("nothing to migrate, the store applies its own schema", "store", cfg.StoreDriver)
		return
	}

	db, err := sql.Open("pgx", cfg.PostgresDSN)
	if err != nil {
		fatal("open db", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.Ping(); err != nil {
		fatal("ping db", err)
	}

	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		fatal("db driver", err)
	}

	srcDriver, err := iofs.New(migrations.FS, ".")
	if err != nil {
		fatal("source driver", err)
	}

	m, err := migrate.NewWithInstance("iofs", srcDriver, "postgres", dbDriver)
	if err != nil {
		fatal("create migrator", err)
	}
	defer func() { _, _ = m.Close() }()

	cmd := "up"
	if len(os.Args) >= 2 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "up":
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			fatal("migrate up", err)
		}
	case "down":
		if err := m.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			fatal("migrate down", err)
		}
	case "force":
		if len(os.Args) < 3 {
			fatal("force", errors.New("version argument is required"))
		}
		version, err := strconv.Atoi(os.Args[2])
		if err != nil {
			fatal("invalid version", err)
		}
		if err := m.Force(version); err != nil {
			fatal("force version", err)
		}
	case "version":
	default:
		fatal("unknown command", fmt.Errorf("%q", cmd))
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		fatal("read version", err)
	}
	logger.Info("migrations complete", "command", cmd, "version", version, "dirty", dirty)
}

func fatal(msg string, err error) {
	slog.Error(msg, "error", err)
	os.Exit(1)
}
