package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/dshills/agentpipeline/checkpoint"
	"github.com/dshills/agentpipeline/identity"
	"github.com/dshills/agentpipeline/nodes"
	"github.com/dshills/agentpipeline/orchestrator"
	"github.com/dshills/agentpipeline/pipeline/emit"
	"github.com/dshills/agentpipeline/sessionstore"
	"github.com/dshills/agentpipeline/subagent"
)

// appFlags are the persistent flags shared by every subcommand.
type appFlags struct {
	dataDir       string
	workRoot      string
	ttlHours      int
	maxIterations int
	dbBackend     string
	mysqlDSN      string
	trace         bool
}

func registerAppFlags(cmd *cobra.Command, f *appFlags) {
	defaultDataDir := filepath.Join(homeOrTemp(), ".agentpipeline")
	cmd.PersistentFlags().StringVar(&f.dataDir, "data-dir", defaultDataDir, "directory for the checkpoint and session-store databases")
	cmd.PersistentFlags().StringVar(&f.workRoot, "work-root", filepath.Join(defaultDataDir, "work"), "parent directory for per-session working directories")
	cmd.PersistentFlags().IntVar(&f.ttlHours, "ttl-hours", 72, "hours of inactivity before a session is considered expired")
	cmd.PersistentFlags().IntVar(&f.maxIterations, "max-iterations", 3, "QA->engineer repair-loop budget for new sessions")
	cmd.PersistentFlags().StringVar(&f.dbBackend, "db-backend", "sqlite", "checkpoint store backend: sqlite or mysql")
	cmd.PersistentFlags().StringVar(&f.mysqlDSN, "mysql-dsn", "", "MySQL DSN for the checkpoint store, required when --db-backend=mysql")
	cmd.PersistentFlags().BoolVar(&f.trace, "trace", false, "print OpenTelemetry spans for each graph step to stdout")
}

func homeOrTemp() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return os.TempDir()
}

// buildFacade opens the on-disk stores under f.dataDir and wires a Facade.
// Callers own the returned closer and must call it before exiting. The
// returned Metrics is the same instance wired into the facade's Config, so a
// caller that also serves /metrics (the server subcommand) observes counters
// the facade actually increments rather than a second, disconnected set.
func buildFacade(f *appFlags) (*orchestrator.Facade, *orchestrator.Metrics, func() error, error) {
	if err := os.MkdirAll(f.dataDir, 0o755); err != nil {
		return nil, nil, nil, err
	}
	if err := os.MkdirAll(f.workRoot, 0o755); err != nil {
		return nil, nil, nil, err
	}

	cp, err := buildCheckpointer(f)
	if err != nil {
		return nil, nil, nil, err
	}
	store, err := sessionstore.Open(filepath.Join(f.dataDir, "sessions.db"))
	if err != nil {
		_ = cp.Close()
		return nil, nil, nil, err
	}

	envFile := filepath.Join(f.dataDir, ".env")
	if _, statErr := os.Stat(envFile); statErr != nil {
		envFile = ""
	}
	idm, err := identity.NewManager(filepath.Join(f.dataDir, "profiles"), envFile)
	if err != nil {
		_ = cp.Close()
		_ = store.Close()
		return nil, nil, nil, err
	}
	driver := subagent.NewDriver(idm)

	tracerProvider, shutdownTracing, err := buildTracerProvider(f)
	if err != nil {
		_ = cp.Close()
		_ = store.Close()
		return nil, nil, nil, err
	}
	emitter := emit.NewOTelEmitter(tracerProvider.Tracer("agentpipeline/cmd/agentctl"))
	metrics := orchestrator.NewMetrics(nil)

	facade, err := orchestrator.New(orchestrator.Config{
		Store:         store,
		Checkpointer:  cp,
		Nodes:         nodes.Config{Driver: driver},
		Emitter:       emitter,
		Metrics:       metrics,
		WorkRoot:      f.workRoot,
		TTL:           time.Duration(f.ttlHours) * time.Hour,
		MaxIterations: f.maxIterations,
	})
	if err != nil {
		_ = cp.Close()
		_ = store.Close()
		_ = shutdownTracing(context.Background())
		return nil, nil, nil, err
	}

	closer := func() error {
		storeErr := store.Close()
		cpErr := cp.Close()
		traceErr := shutdownTracing(context.Background())
		if storeErr != nil {
			return storeErr
		}
		if cpErr != nil {
			return cpErr
		}
		return traceErr
	}
	return facade, metrics, closer, nil
}

// buildCheckpointer opens the SQLite or MySQL-backed checkpoint store
// selected by --db-backend/--mysql-dsn.
func buildCheckpointer(f *appFlags) (checkpoint.Checkpointer, error) {
	switch f.dbBackend {
	case "", "sqlite":
		return checkpoint.NewSQLiteCheckpointer(filepath.Join(f.dataDir, "checkpoints.db"))
	case "mysql":
		if f.mysqlDSN == "" {
			return nil, fmt.Errorf("--mysql-dsn is required when --db-backend=mysql")
		}
		return checkpoint.NewMySQLCheckpointer(f.mysqlDSN)
	default:
		return nil, fmt.Errorf("unknown --db-backend %q (want sqlite or mysql)", f.dbBackend)
	}
}

// buildTracerProvider wires an OpenTelemetry SDK tracer provider that prints
// spans via stdouttrace, so `agentctl --trace` surfaces each graph step's
// span without requiring a running collector. Tracing is opt-in: without
// --trace the provider is otel's no-op implementation, so OTelEmitter still
// runs on every call but produces spans nobody records.
func buildTracerProvider(f *appFlags) (trace.TracerProvider, func(context.Context) error, error) {
	if !f.trace {
		return noop.NewTracerProvider(), func(context.Context) error { return nil }, nil
	}
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	return tp, tp.Shutdown, nil
}
