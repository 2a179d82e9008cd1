package infrastructure

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"

	"tokenledger/internal/config"
	"tokenledger/internal/pricing"
	"tokenledger/internal/repository"
	"tokenledger/internal/service"
	transportGRPC "tokenledger/internal/transport/grpc"
	transportHTTP "tokenledger/internal/transport/http"
	transportNATS "tokenledger/internal/transport/nats"
	"tokenledger/internal/worker"
)

// Deps is the wired ledger together with the connections behind it.
// DB and NC are nil when the configuration does not use them.
type Deps struct {
	Ledger *service.TokenLedger
	DB     *pgxpool.Pool
	NC     *nats.Conn
}

// Bootstrap initialises all dependencies from config and wires up the application.
// Returns the App, a cleanup function, or an error.
func Bootstrap(ctx context.Context) (*App, func(), error) {
	cfg, err := config.New()
	if err != nil {
		return nil, nil, err
	}

	logger, closeLog := NewLogger(cfg)
	slog.SetDefault(logger)
	cleanupFns := []func(){func() { _ = closeLog() }}

	deps, cleanup, err := Build(ctx, cfg, logger)
	if err != nil {
		return nil, runCleanup(cleanupFns), err
	}
	cleanupFns = append(cleanupFns, cleanup)

	var servers []Server
	if addr, apiErr := cfg.ApiAddr(); apiErr == nil {
		servers = append(servers, transportHTTP.NewServer(addr, deps.Ledger, logger))
	} else {
		logger.Info("http api disabled", "reason", apiErr)
	}
	if cfg.GRPCListen != "" {
		servers = append(servers, transportGRPC.NewServer(cfg.GRPCListen, deps.Ledger, logger))
	}
	if deps.NC != nil {
		servers = append(servers, transportNATS.NewHandler(deps.Ledger, deps.NC, logger))
		if cfg.WorkerEnabled {
			servers = append(servers, worker.NewEntryWorker(deps.Ledger, deps.NC, logger))
		}
	}
	if len(servers) == 0 {
		return nil, runCleanup(cleanupFns), fmt.Errorf("nothing to run: enable the HTTP API, gRPC listener or NATS bus")
	}

	logger.Info("tokenledger configured",
		"store", cfg.Store,
		"bus", cfg.BusProvider,
		"servers", len(servers),
	)
	return NewApp(servers, logger), runCleanup(cleanupFns), nil
}

// Build connects the configured store and bus and returns the ledger service.
// The cleanup function closes everything Build opened.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Deps, func(), error) {
	table, err := pricing.LoadTable(cfg.PricingFile)
	if err != nil {
		return nil, nil, err
	}
	if cfg.DefaultPlan != "" {
		if _, ok := table.Plans[cfg.DefaultPlan]; !ok {
			return nil, nil, fmt.Errorf("default plan %q is not defined in the pricing table", cfg.DefaultPlan)
		}
		table.DefaultPlan = cfg.DefaultPlan
	}

	var (
		cleanupFns []func()
		deps       = &Deps{}
		archive    *repository.PostgresStore
		bus        repository.MessageBus
	)

	if cfg.NeedsPostgres() {
		db, err := connectPostgres(ctx, cfg.DSN())
		if err != nil {
			return nil, nil, err
		}
		cleanupFns = append(cleanupFns, db.Close)
		deps.DB = db
		archive = repository.NewPostgresStore(db)
	}

	switch cfg.BusProvider {
	case "nats":
		nc, err := connectNats(cfg.NatsAddr(), logger)
		if err != nil {
			return nil, runCleanup(cleanupFns), err
		}
		cleanupFns = append(cleanupFns, nc.Close)
		deps.NC = nc
		bus = transportNATS.NewBus(nc)
	case "grpc":
		grpcBus, cleanup, err := transportGRPC.NewGrpcBusFromAddr(cfg.GRPCAddr(), cfg.BusBufferSize, logger)
		if err != nil {
			return nil, runCleanup(cleanupFns), err
		}
		cleanupFns = append(cleanupFns, cleanup)
		bus = grpcBus
	}

	var store repository.Store
	switch cfg.Store {
	case "memory":
		store = repository.NewMemoryStore()
	case "postgres":
		store = archive
	case "redis":
		rdb, err := connectRedis(ctx, cfg.RedisAddr())
		if err != nil {
			return nil, runCleanup(cleanupFns), err
		}
		cleanupFns = append(cleanupFns, func() { _ = rdb.Close() })
		// A nil *PostgresStore must not end up inside the interface.
		var source repository.AccountSource
		if archive != nil {
			source = archive
		}
		store = repository.NewRedisStore(rdb, bus, source, logger)
	default:
		return nil, runCleanup(cleanupFns), fmt.Errorf("invalid store %q", cfg.Store)
	}

	opts := []service.Option{service.WithLogger(logger)}
	if archive != nil {
		opts = append(opts, service.WithArchive(archive))
	}
	deps.Ledger = service.New(store, table, opts...)

	return deps, runCleanup(cleanupFns), nil
}

// runCleanup returns a single function that calls all cleanup functions in reverse order.
func runCleanup(fns []func()) func() {
	return func() {
		for i := len(fns) - 1; i >= 0; i-- {
			fns[i]()
		}
	}
}
