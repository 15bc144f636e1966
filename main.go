package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/alecthomas/kong"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shelfcache/shelfcache/internal/cache"
	"github.com/shelfcache/shelfcache/internal/fsm"
	"github.com/shelfcache/shelfcache/internal/ledger"
	"github.com/shelfcache/shelfcache/internal/maintain"
	"github.com/shelfcache/shelfcache/internal/store"
	"github.com/shelfcache/shelfcache/internal/telemetry"
)

// cli contains our command-line flags.
type cli struct {
	Serve serve `cmd:"" help:"Run the library engine with its admin surface."`

	Vacuum vacuum `cmd:"" help:"Compact the library database."`

	Maintain maintainCmd `cmd:"" help:"Run a one-shot maintenance sweep and exit."`
}

type libconfig struct {
	Library string `default:"." help:"Library directory containing metadata.db."`
}

func (c *libconfig) dbPath() string {
	return filepath.Join(c.Library, "metadata.db")
}

type serve struct {
	libconfig
	pgconfig
	logconfig

	Port     int           `default:"8788" help:"Port to serve the metrics/health admin surface on."`
	Interval time.Duration `default:"2s" help:"Maintainer loop interval."`
}

type vacuum struct {
	libconfig
	logconfig
}

type maintainCmd struct {
	libconfig
	logconfig
}

// pgconfig selects the optional durable dirty ledger. With no host
// configured the engine runs with an in-memory ledger only.
type pgconfig struct {
	PostgresHost     string `default:"" help:"Postgres host for the dirty ledger (empty disables it)."`
	PostgresUser     string `default:"postgres" help:"Postgres user."`
	PostgresPassword string `default:"" help:"Postgres password."`
	PostgresPort     int    `default:"5432" help:"Postgres port."`
	PostgresDatabase string `default:"shelfcache" help:"Postgres database to use."`
}

// dsn returns the ledger database's DSN based on the provided flags.
func (c *pgconfig) dsn() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		c.PostgresUser,
		c.PostgresPassword,
		c.PostgresHost,
		c.PostgresPort,
		c.PostgresDatabase,
	)
}

type logconfig struct {
	Verbose bool `help:"increase log verbosity"`
}

func (c *logconfig) Run() error {
	if c.Verbose {
		telemetry.SetVerbose()
	}
	return nil
}

func openEngine(ctx context.Context, lib libconfig, reg *prometheus.Registry) (*cache.Cache, error) {
	var storeMetrics *telemetry.StoreMetrics
	if reg != nil {
		storeMetrics = telemetry.NewStoreMetrics(reg)
	}
	driver := store.NewSQLite(lib.dbPath(), storeMetrics)
	if err := driver.Open(ctx); err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	files, err := fsm.NewLocal(lib.Library)
	if err != nil {
		return nil, fmt.Errorf("opening folder store: %w", err)
	}
	return cache.New(driver, files, reg), nil
}

func (s *serve) Run() error {
	_ = s.logconfig.Run()
	ctx := context.Background()

	reg := telemetry.NewRegistry()
	c, err := openEngine(ctx, s.libconfig, reg)
	if err != nil {
		return err
	}

	if s.PostgresHost != "" {
		persister, err := ledger.New(ctx, s.dsn(), reg)
		if err != nil {
			return fmt.Errorf("setting up dirty ledger: %w", err)
		}
		defer persister.Close()
		c.SetDirtyLedger(persister)
	}

	if err := c.Init(ctx, nil); err != nil {
		return fmt.Errorf("initializing cache: %w", err)
	}
	defer func() { _ = c.Close(context.Background()) }()

	m := maintain.New(c, s.Interval, reg)
	mctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go m.Run(mctx)

	mux := chi.NewRouter()
	mux.Use(middleware.RequestID)
	mux.Use(middleware.Recoverer)
	mux.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	addr := fmt.Sprintf(":%d", s.Port)
	server := &http.Server{
		Handler:           telemetry.Instrument(reg, mux),
		Addr:              addr,
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          slog.NewLogLogger(slog.Default().Handler(), slog.LevelError),
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		telemetry.Log(ctx).Info("shutting down")
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		_ = server.Shutdown(shutdownCtx)
	}()

	telemetry.Log(ctx).Info("listening", "addr", addr, "library", s.Library)
	err = server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (v *vacuum) Run() error {
	_ = v.logconfig.Run()
	ctx := context.Background()

	c, err := openEngine(ctx, v.libconfig, nil)
	if err != nil {
		return err
	}
	if err := c.Init(ctx, nil); err != nil {
		return err
	}
	defer func() { _ = c.Close(context.Background()) }()

	telemetry.Log(ctx).Info("vacuuming", "library", v.Library)
	return c.Vacuum(ctx)
}

func (m *maintainCmd) Run() error {
	_ = m.logconfig.Run()
	ctx := context.Background()

	c, err := openEngine(ctx, m.libconfig, nil)
	if err != nil {
		return err
	}
	if err := c.Init(ctx, nil); err != nil {
		return err
	}
	defer func() { _ = c.Close(context.Background()) }()

	mt := maintain.New(c, 0, nil)
	if err := mt.EnsureCreatorSorts(ctx); err != nil {
		return err
	}
	for _, field := range []string{"tags", "authors", "series", "publisher"} {
		if _, err := mt.FixDuplicates(ctx, field, "name", "nocase"); err != nil {
			return err
		}
		if _, err := mt.Clean(ctx, itemTable(field), nil); err != nil {
			return err
		}
	}
	return c.CommitDirtyCache(ctx)
}

func itemTable(field string) string {
	if field == "publisher" {
		return "publishers"
	}
	return field
}

func main() {
	kctx := kong.Parse(&cli{})
	err := kctx.Run()
	if err != nil {
		telemetry.Log(context.Background()).Error("fatal", "err", err)
		os.Exit(1)
	}
}

func init() {
	// Limit our memory to 90% of the available memory limit (the cgroup
	// limit, or total system memory without one). This bounds the in-memory
	// field/table cache.
	_, err := memlimit.SetGoMemLimitWithOpts(
		memlimit.WithRatio(0.9),
		memlimit.WithLogger(slog.Default()),
		memlimit.WithProvider(
			memlimit.ApplyFallback(
				memlimit.FromCgroup,
				memlimit.FromSystem,
			),
		),
	)
	if err != nil {
		panic(err)
	}
}
