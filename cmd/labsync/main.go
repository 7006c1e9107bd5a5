package main

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/labsync/internal/config"
	"github.com/ehr/labsync/internal/lab/dispatch"
	"github.com/ehr/labsync/internal/lab/processor"
	"github.com/ehr/labsync/internal/lab/results"
	"github.com/ehr/labsync/internal/platform/db"
	"github.com/ehr/labsync/internal/platform/docstore"
	"github.com/ehr/labsync/migrations"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "labsync",
		Short:        "Lab result retrieval and acknowledgment engine",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd())
	root.AddCommand(fetchCmd())
	root.AddCommand(replayCmd())
	root.AddCommand(orderCmd())
	root.AddCommand(processorCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(tokenCmd())
	return root
}

func newLogger(env string, out io.Writer) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

// app holds the stores shared by every command.
type app struct {
	cfg        *config.Config
	logger     zerolog.Logger
	pool       *pgxpool.Pool
	processors processor.Store
	docs       docstore.Store
	ledger     results.Ledger
}

// bootstrap loads configuration and opens the stores. Without DATABASE_URL
// processors come from PROCESSORS_FILE and results are kept in memory.
func bootstrap(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	a := &app{cfg: cfg, logger: newLogger(cfg.Env, os.Stderr)}
	if !cfg.UsesDatabase() {
		a.processors = processor.NewFileStore(cfg.ProcessorsFile, cfg.WorkRoot)
		a.docs = docstore.NewInMemoryStore()
		a.ledger = results.NewInMemoryLedger()
		a.logger.Warn().Str("processors", cfg.ProcessorsFile).Msg("no DATABASE_URL, results are kept in memory")
		return a, nil
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, err
	}
	a.pool = pool
	a.processors = processor.NewPGStore(pool, cfg.WorkRoot)
	a.docs = docstore.NewPGStore(pool)
	a.ledger = results.NewPGLedger(pool)
	a.logger.Info().Msg("connected to database")
	return a, nil
}

// dispatcher builds the cycle runner. Without a database results only live
// in memory, so nothing is acknowledged and the labs keep redelivering.
func (a *app) dispatcher() (*dispatch.Dispatcher, error) {
	sink := results.NewSink(a.docs, a.ledger, a.logger)
	noAck := !a.cfg.UsesDatabase()
	if noAck {
		a.logger.Warn().Msg("no DATABASE_URL, results are stored but never acknowledged")
	}
	return dispatch.New(a.processors, sink, dispatch.Options{
		PoolSize:   a.cfg.WorkerPoolSize,
		MaxResults: a.cfg.FetchMaxResults,
		Timeout:    a.cfg.TransportTimeout,
		Logger:     a.logger,
		NoAck:      noAck,
	})
}

func (a *app) migrationsFS() fs.FS {
	if a.cfg.MigrationsDir != "" {
		return os.DirFS(a.cfg.MigrationsDir)
	}
	return migrations.FS
}

func (a *app) close() {
	if a.pool != nil {
		a.pool.Close()
	}
}
