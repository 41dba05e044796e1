package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"

	"github.com/BrandonDHaskell/Silenus/server/internal/clock"
	"github.com/BrandonDHaskell/Silenus/server/internal/config"
	"github.com/BrandonDHaskell/Silenus/server/internal/db"
	"github.com/BrandonDHaskell/Silenus/server/internal/grpcapi"
	"github.com/BrandonDHaskell/Silenus/server/internal/httpapi"
	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/authz"
	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/engine"
	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/events"
	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/flow"
	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/hardware"
	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/ledger"
	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/service"
	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/store"
	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/store/sqlite"
	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/tag"
	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/types"
	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/valve"
	"github.com/BrandonDHaskell/Silenus/server/internal/telemetry/logger"
	"github.com/BrandonDHaskell/Silenus/server/internal/telemetry/metrics"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the dispensers and the API",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "sim-console",
				Usage: "Read simulated tag presentations from stdin",
			},
		},
		Action: serve,
	}
}

// stores groups the sqlite stores sharing one connection and writer.
type stores struct {
	conn       *sql.DB
	accounts   *sqlite.AccountStore
	sessions   *sqlite.SessionStore
	dispensers *sqlite.DispenserStore
	events     *sqlite.EventStore
	outbox     *sqlite.OutboxStore
}

func openStores(ctx context.Context, cfg config.Config) (*stores, func(), error) {
	conn, err := db.Open(ctx, db.Config{Path: cfg.DB.Path, Env: cfg.DB.Env})
	if err != nil {
		return nil, nil, err
	}
	w := db.NewWorker(conn)
	st := &stores{
		conn:       conn,
		accounts:   sqlite.NewAccountStore(conn, w),
		sessions:   sqlite.NewSessionStore(conn, w),
		dispensers: sqlite.NewDispenserStore(conn, w),
		events:     sqlite.NewEventStore(conn, w),
		outbox:     sqlite.NewOutboxStore(conn, w),
	}
	closeFn := func() {
		w.Close()
		_ = conn.Close()
	}
	return st, closeFn, nil
}

// loadConfig reads the config named by the global flag and builds the
// process logger from it.
func loadConfig(c *cli.Context) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return config.Config{}, nil, err
	}
	log, err := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: os.Stderr,
	})
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, log, nil
}

// tap is one dispenser's hardware and engine.
type tap struct {
	engine *engine.Engine
	sim    *hardware.SimTap
	reader tag.Gateway
}

func (t *tap) close() {
	_ = t.sim.Stop()
	if u, ok := t.reader.(*tag.UARTReader); ok {
		_ = u.Close()
	}
}

func serve(c *cli.Context) error {
	cfg, log, err := loadConfig(c)
	if err != nil {
		return err
	}
	clk := clock.Real{}
	m := metrics.New()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeDB, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDB()

	registry := service.NewDispenserRegistry(st.dispensers, clk)
	reconciler := ledger.NewReconciler(st.accounts, clk, log, m)
	if err := registerDispensers(ctx, cfg, registry, st, reconciler, log); err != nil {
		return err
	}

	authorizeSvc := service.NewAuthorizeService(registry, st.accounts, clk, log)
	eventSvc := service.NewEventService(registry, st.events, clk, log)

	// Authorization and debit either stay in this process or go to a hub.
	var (
		authClient authz.Client   = authorizeSvc
		debiter    ledger.Debiter = reconciler
	)
	if cfg.Auth.Mode == "http" {
		hc := authz.NewHTTPClient(cfg.Auth.BaseURL, cfg.Auth.APIKey, cfg.Auth.Timeout)
		authClient, debiter = hc, hc
		log.Info("authorizing remotely", "base_url", cfg.Auth.BaseURL)
	}

	cache, closeCache, err := authCache(ctx, cfg.Auth, clk)
	if err != nil {
		return err
	}
	defer closeCache()

	publisher, err := newPublisher(cfg, st, eventSvc, clk, log, m)
	if err != nil {
		return err
	}
	publisher.Start()
	defer publisher.Stop()

	var health *grpcapi.Server
	if cfg.GRPC.Addr != "" {
		health = grpcapi.NewServer(cfg.GRPC.Addr, log)
	}

	taps := make([]*tap, 0, len(cfg.Dispensers))
	sims := make(map[string]*tag.Scripted)
	apiDispensers := make(map[string]httpapi.Dispenser, len(cfg.Dispensers))
	defer func() {
		for _, t := range taps {
			t.close()
		}
	}()
	for _, d := range cfg.Dispensers {
		var client authz.Client = authClient
		if cache != nil {
			client = authz.NewCached(authClient, cache, d.AuthCacheTTL, log, m)
		}
		deps := engine.Deps{
			Auth:     client,
			Ledger:   debiter,
			Sessions: st.sessions,
			Events:   publisher,
			Clock:    clk,
			Logger:   log,
			Metrics:  m,
		}
		if health != nil {
			deps.OnFault = health.DispenserFaulted
		}
		t, err := buildTap(d, cfg.Auth.Timeout, deps, clk, log)
		if err != nil {
			return fmt.Errorf("dispenser %s: %w", d.ID, err)
		}
		taps = append(taps, t)
		apiDispensers[d.ID] = t.engine
		if s, ok := t.reader.(*tag.Scripted); ok {
			sims[d.ID] = s
		}
		if health != nil {
			health.SetDispenser(d.ID, true)
		}
	}

	apiSrv := httpapi.NewServer(httpapi.Dependencies{
		Logger:           log,
		Addr:             cfg.HTTP.Addr,
		APIKey:           cfg.HTTP.APIKey,
		Metrics:          m,
		AuthorizeService: authorizeSvc,
		EventService:     eventSvc,
		Ledger:           reconciler,
		Dispensers:       apiDispensers,
	})

	pruner := service.NewRetentionPruner(
		service.PrunerTargets{Sessions: st.sessions, Events: st.events, Outbox: st.outbox},
		service.PrunerConfig{
			SessionRetention: days(cfg.Retention.SessionDays),
			EventRetention:   days(cfg.Retention.EventDays),
			OutboxRetention:  days(cfg.Retention.OutboxDays),
			Interval:         cfg.Retention.PruneInterval,
		},
		clk, log,
	)
	pruner.Start(ctx)

	if path := c.String("config"); path != "" {
		w, err := config.NewWatcher(path, log)
		if err != nil {
			log.Warn("config watch disabled", "path", path, "error", err)
		} else {
			w.Start()
			defer w.Stop()
		}
	}

	var engines sync.WaitGroup
	for _, t := range taps {
		engines.Add(1)
		go func() {
			defer engines.Done()
			if err := t.engine.Run(ctx); err != nil {
				log.Error("dispenser stopped", "dispenser_id", t.engine.DispenserID(), "error", err)
			}
		}()
	}

	go func() {
		log.Info("http listening", "addr", cfg.HTTP.Addr)
		if err := apiSrv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server error", "error", err)
			stop()
		}
	}()
	if health != nil {
		go func() {
			log.Info("grpc listening", "addr", cfg.GRPC.Addr)
			if err := health.Start(); err != nil {
				log.Error("grpc server error", "error", err)
				stop()
			}
		}()
	}
	if c.Bool("sim-console") && len(sims) > 0 {
		go runSimConsole(ctx, os.Stdin, os.Stdout, sims, apiDispensers)
	}

	<-ctx.Done()
	log.Info("shutting down")

	// Engines close open sessions and debit them before anything else stops.
	engines.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "error", err)
	}
	if health != nil {
		health.Shutdown(shutdownCtx)
	}
	pruner.Stop()
	return nil
}

// registerDispensers records configured dispensers. Dev databases also get
// the seed accounts, funded through the ledger.
func registerDispensers(ctx context.Context, cfg config.Config, reg *service.DispenserRegistry, st *stores, rec *ledger.Reconciler, log *slog.Logger) error {
	if cfg.DB.Env != "dev" {
		ds := make([]store.Dispenser, 0, len(cfg.Dispensers))
		for _, d := range cfg.Dispensers {
			ds = append(ds, store.Dispenser{ID: d.ID, Label: d.Label, LiquidLabel: d.Liquid, UnitMl: d.UnitMl, Enabled: true})
		}
		return reg.Register(ctx, ds...)
	}

	opt := db.SeedDevOptions{}
	for _, d := range cfg.Dispensers {
		opt.Dispensers = append(opt.Dispensers, db.SeedDispenser{ID: d.ID, Label: d.Label, LiquidLabel: d.Liquid, UnitMl: d.UnitMl})
	}
	now := time.Now()
	for _, a := range cfg.Seed.Accounts {
		opt.Accounts = append(opt.Accounts, db.SeedAccount{ID: store.NewAccountID(now), UID: tag.CanonicalHex(a.UID), Label: a.Label})
	}
	if err := db.SeedDev(ctx, st.conn, opt); err != nil {
		return err
	}

	for _, a := range cfg.Seed.Accounts {
		if a.Balance == "" {
			continue
		}
		units, err := types.ParseUnits(a.Balance)
		if err != nil {
			return fmt.Errorf("seed account %s balance: %w", a.UID, err)
		}
		acct, err := st.accounts.AccountByUID(ctx, tag.CanonicalHex(a.UID))
		if err != nil {
			return err
		}
		if acct.Balance != 0 || units <= 0 {
			continue
		}
		if _, err := rec.Credit(ctx, acct.ID, units, "dev seed"); err != nil {
			return err
		}
	}
	log.Info("dev seed applied", "dispensers", len(opt.Dispensers), "accounts", len(opt.Accounts))
	return nil
}

func authCache(ctx context.Context, cfg config.AuthConfig, clk clock.Clock) (authz.Cache, func(), error) {
	switch cfg.Cache {
	case "redis":
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := rc.Ping(pingCtx).Err(); err != nil {
			_ = rc.Close()
			return nil, nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		return authz.NewRedisCache(rc, "silenus:authz:"), func() { _ = rc.Close() }, nil
	case "memory":
		return authz.NewMemoryCache(clk), func() {}, nil
	default:
		return nil, func() {}, nil
	}
}

func newPublisher(cfg config.Config, st *stores, eventSvc *service.EventService, clk clock.Clock, log *slog.Logger, m *metrics.Registry) (*events.Publisher, error) {
	var sink events.Sink
	switch cfg.Events.Sink {
	case "store":
		sink = eventSvc.Sink("local")
	case "http":
		sink = events.NewHTTPSink(cfg.Events.URL, cfg.Events.APIKey, cfg.Events.Format, 3*time.Second)
	case "log":
		sink = events.LogSink{Logger: log}
	default:
		return nil, fmt.Errorf("unknown event sink %q", cfg.Events.Sink)
	}
	var outbox store.OutboxStore
	if cfg.Events.Outbox {
		outbox = st.outbox
	}
	return events.NewPublisher(sink, outbox, events.Config{
		QueueSize:   cfg.Events.QueueSize,
		BaseBackoff: cfg.Events.BaseBackoff,
		MaxBackoff:  cfg.Events.MaxBackoff,
	}, clk, log, m), nil
}

// buildTap wires one dispenser. The valve and flow sensor are simulated: the
// tap emits pulses while its valve pin is at the active level.
func buildTap(d config.DispenserConfig, authTimeout time.Duration, deps engine.Deps, clk clock.Clock, log *slog.Logger) (*tap, error) {
	sim := hardware.NewSimTap(d.ValveActiveHigh, d.SimPulsesPerSecond)
	counter, err := flow.NewCounter(d.PulsesPerLiter, d.SmoothingWindow, clk)
	if err != nil {
		return nil, err
	}
	act, err := valve.New(sim.Pin, valve.Config{ActiveHigh: d.ValveActiveHigh, MinOpen: d.MinOpen}, clk)
	if err != nil {
		return nil, err
	}

	var reader tag.Gateway
	switch d.Reader.Kind {
	case "uart":
		f, err := os.Open(d.Reader.Device)
		if err != nil {
			return nil, fmt.Errorf("open reader: %w", err)
		}
		reader = tag.NewUARTReader(f, d.Reader.HoldFor, clk, log.With("dispenser_id", d.ID))
	default:
		reader = tag.NewScripted()
	}

	deps.Gateway = reader
	deps.Meter = counter
	deps.Valve = act
	eng, err := engine.New(engine.Config{
		DispenserID:    d.ID,
		LiquidLabel:    d.Liquid,
		UnitMl:         d.UnitMl,
		PollInterval:   d.PollInterval,
		UpdateInterval: d.UpdateInterval,
		GracePeriod:    d.GracePeriod,
		ZeroFlowDwell:  d.ZeroFlowDwell,
		AuthTimeout:    authTimeout,
		QuotaEpsilonMl: d.QuotaEpsilonMl,

		ZeroFlowMlPerMin: d.ZeroFlowMlPerMin,
	}, deps)
	t := &tap{engine: eng, sim: sim, reader: reader}
	if err != nil {
		t.close()
		return nil, err
	}

	if err := sim.Start(counter.RegisterPulse); err != nil {
		t.close()
		return nil, err
	}
	return t, nil
}

func days(n int) time.Duration { return time.Duration(n) * 24 * time.Hour }
