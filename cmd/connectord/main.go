// Command connectord runs the connector state-machine runtime: one polling
// driver per entity family over a shared relational store, coordinated
// purely through leases. Business extensions register protocol handlers on
// the drivers; the stock binary wires the mechanical transitions only.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/tradelane/dataspace/pkg/config"
	"github.com/tradelane/dataspace/pkg/entity"
	"github.com/tradelane/dataspace/pkg/machine"
	"github.com/tradelane/dataspace/pkg/negotiation"
	"github.com/tradelane/dataspace/pkg/notify"
	"github.com/tradelane/dataspace/pkg/observability"
	"github.com/tradelane/dataspace/pkg/query"
	"github.com/tradelane/dataspace/pkg/store"
	"github.com/tradelane/dataspace/pkg/transfer"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // embedded single-node driver
)

func main() {
	if err := run(); err != nil {
		slog.Error("connectord failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	profileName := flag.String("profile", "", "tuning profile name (profiles/profile_<name>.yaml)")
	profilesDir := flag.String("profiles-dir", "profiles", "directory holding tuning profiles")
	flag.Parse()

	cfg := config.Load()
	if *profileName != "" {
		profile, err := config.LoadProfile(*profilesDir, *profileName)
		if err != nil {
			return err
		}
		profile.Apply(cfg)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:  "dataspace-connector",
		OTLPEndpoint: cfg.OTLPEndpoint,
		Enabled:      cfg.OTLPEnabled,
		Insecure:     true,
	})
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	defer func() { _ = obs.Shutdown(context.Background()) }()

	db, dialect, err := openDatabase(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	negotiationDef := negotiation.Definition()
	transferDef := transfer.Definition()
	if err := store.Migrate(ctx, db, dialect, negotiationDef, transferDef); err != nil {
		return err
	}

	negotiations := store.NewSQLStore(db, negotiationDef, dialect)
	transfers := store.NewSQLStore(db, transferDef, dialect)

	driverCfg := machine.Config{
		WorkerID:                 cfg.WorkerID,
		LeaseDuration:            cfg.LeaseDuration,
		MaxBatchSize:             cfg.MaxBatchSize,
		PollInterval:             cfg.PollInterval,
		MaxStateCountBeforeFatal: cfg.MaxStateCountBeforeFatal,
		RetryBaseDelay:           cfg.RetryBaseDelay,
	}
	if driverCfg.WorkerID == "" {
		driverCfg.WorkerID = machine.DefaultConfig().WorkerID
	}

	negotiationDriver := machine.New(negotiations, driverCfg, logger, machine.WithMetrics(obs))
	transferDriver := machine.New(transfers, driverCfg, logger, machine.WithMetrics(obs))
	if err := registerMechanicalHandlers(negotiationDriver, transferDriver); err != nil {
		return err
	}

	var wg sync.WaitGroup
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				logger.Error("component exited", "component", name, "error", err)
				stop()
			}
		}()
	}

	start("negotiation-driver", negotiationDriver.Run)
	start("transfer-driver", transferDriver.Run)

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = client.Close() }()
		listener := notify.NewListener(client, logger)
		listener.Register(negotiation.States.Family, negotiations)
		listener.Register(transfer.States.Family, transfers)
		start("pending-release-listener", listener.Run)
	}

	logger.Info("connectord running", "worker", driverCfg.WorkerID, "database", dialect.Name)
	wg.Wait()
	return nil
}

// registerMechanicalHandlers wires the transitions that need no protocol
// exchange. The message-sending states go Pending and wait for the
// release listener; extensions replace these with real dispatch logic.
func registerMechanicalHandlers(negotiations, transfers *machine.Driver) error {
	steps := []struct {
		driver *machine.Driver
		state  int
		handle machine.Handler
	}{
		{negotiations, negotiation.StateInitial, advanceTo(negotiation.StateRequesting)},
		{negotiations, negotiation.StateRequesting, park()},
		{negotiations, negotiation.StateVerified, advanceTo(negotiation.StateFinalizing)},
		{negotiations, negotiation.StateFinalizing, park()},
		{transfers, transfer.StateInitial, advanceTo(transfer.StateProvisioning)},
		{transfers, transfer.StateProvisioning, park()},
		{transfers, transfer.StateCompleting, advanceTo(transfer.StateCompleted)},
	}
	for _, step := range steps {
		if err := step.driver.OnState(step.state, step.handle); err != nil {
			return err
		}
	}
	return nil
}

func advanceTo(stateCode int) machine.Handler {
	return func(context.Context, *entity.Record) machine.Outcome {
		return machine.Advance(stateCode)
	}
}

func park() machine.Handler {
	return func(context.Context, *entity.Record) machine.Outcome {
		return machine.Pending()
	}
}

// openDatabase dispatches on the URL scheme: postgres:// goes to lib/pq,
// sqlite:// opens an embedded file database.
func openDatabase(url string) (*sql.DB, query.Dialect, error) {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		db, err := sql.Open("postgres", url)
		if err != nil {
			return nil, query.Dialect{}, fmt.Errorf("open postgres: %w", err)
		}
		return db, query.Postgres, nil
	case strings.HasPrefix(url, "sqlite://"):
		path := strings.TrimPrefix(url, "sqlite://")
		db, err := sql.Open("sqlite", path)
		if err != nil {
			return nil, query.Dialect{}, fmt.Errorf("open sqlite: %w", err)
		}
		// A single writer connection sidesteps SQLITE_BUSY under
		// concurrent drivers.
		db.SetMaxOpenConns(1)
		return db, query.SQLite, nil
	default:
		return nil, query.Dialect{}, fmt.Errorf("unsupported database url %q", url)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
