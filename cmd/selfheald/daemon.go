package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/StricklySoft/selfheal/pkg/agent"
	"github.com/StricklySoft/selfheal/pkg/agent/openai"
	"github.com/StricklySoft/selfheal/pkg/api"
	"github.com/StricklySoft/selfheal/pkg/approval"
	"github.com/StricklySoft/selfheal/pkg/auth"
	"github.com/StricklySoft/selfheal/pkg/catalog"
	"github.com/StricklySoft/selfheal/pkg/catalog/objstore"
	"github.com/StricklySoft/selfheal/pkg/catalog/pgjobs"
	"github.com/StricklySoft/selfheal/pkg/clients/minio"
	"github.com/StricklySoft/selfheal/pkg/clients/postgres"
	"github.com/StricklySoft/selfheal/pkg/clients/redis"
	"github.com/StricklySoft/selfheal/pkg/engine"
	sserr "github.com/StricklySoft/selfheal/pkg/errors"
	"github.com/StricklySoft/selfheal/pkg/executor"
	"github.com/StricklySoft/selfheal/pkg/incident"
	"github.com/StricklySoft/selfheal/pkg/intake"
	intakeredis "github.com/StricklySoft/selfheal/pkg/intake/redis"
	"github.com/StricklySoft/selfheal/pkg/lease"
	leaseredis "github.com/StricklySoft/selfheal/pkg/lease/redis"
	"github.com/StricklySoft/selfheal/pkg/lifecycle"
	"github.com/StricklySoft/selfheal/pkg/notify"
	"github.com/StricklySoft/selfheal/pkg/sink"
	"github.com/StricklySoft/selfheal/pkg/store"
	"github.com/StricklySoft/selfheal/pkg/store/badger"
	"github.com/StricklySoft/selfheal/pkg/store/memory"
	storepg "github.com/StricklySoft/selfheal/pkg/store/postgres"
)

// stopTimeout bounds the lifecycle stop hooks after the run group exits.
const stopTimeout = 10 * time.Second

// daemon is the assembled process.
type daemon struct {
	logger   *slog.Logger
	store    store.Store
	gate     *approval.Gate
	engine   *engine.Engine
	intake   *intake.Intake
	sink     *sink.Buffered
	service  *lifecycle.Service
	api      *api.Server
	registry *prometheus.Registry

	closers []func() error
}

// clients holds the optional external connections.
type clients struct {
	pg    *postgres.Client
	redis *redis.Client
	minio *minio.Client
}

// build connects to every configured dependency and assembles the daemon.
// On error everything opened so far is closed.
func build(ctx context.Context, cfg daemonConfig, logger *slog.Logger) (_ *daemon, err error) {
	d := &daemon{logger: logger, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			d.close()
		}
	}()
	d.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	cl, err := d.connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if d.store, err = d.openStore(cfg, cl); err != nil {
		return nil, err
	}

	d.sink = sink.NewBuffered(cfg.Sink, sink.NewMetrics(d.registry), logger)

	var notifier notify.Notifier = notify.NewLog(logger)
	if cl.redis != nil {
		notifier = notify.Fanout{notifier, notify.NewRedis(cl.redis, cfg.Notify)}
	}

	backend, planner := d.agentBackend(cfg)
	backends := catalog.Backends{Planner: planner}
	if cl.pg != nil {
		backends.Jobs = pgjobs.NewJobs(cl.pg)
		backends.Schemas = pgjobs.NewSchemas(cl.pg)
		backends.Queries = pgjobs.NewQueries(cl.pg)
	}
	if cl.minio != nil {
		backends.Objects = objstore.New(cl.minio)
	}
	actions, err := catalog.Build(cfg.Actions, backends, logger)
	if err != nil {
		return nil, err
	}

	exec := executor.New(actions, d.store, cfg.Executor,
		executor.WithLogger(logger),
		executor.WithObserver(sink.ExecutionObserver(d.sink)),
	)
	gateway := agent.NewGateway(backend, cfg.Agent,
		agent.WithLogger(logger),
		agent.WithObserver(sink.AgentObserver(d.sink)),
	)
	if d.gate, err = approval.New(d.store, cfg.Approval,
		approval.WithLogger(logger),
		approval.WithNotifier(notifier),
	); err != nil {
		return nil, err
	}
	d.closers = append(d.closers, func() error { d.gate.Stop(); return nil })

	var leases lease.Manager = lease.NewLocal(cfg.Lease.TTL)
	var claims intake.Claims = intake.NewLocalClaims()
	if cl.redis != nil {
		leases = leaseredis.New(cl.redis, cfg.Lease)
		claims = intakeredis.New(cl.redis, cfg.Intake.KeyPrefix)
	}

	opts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithSink(d.sink),
		engine.WithNotifier(notifier),
		engine.WithLeases(leases),
		engine.WithActions(actions),
	}
	if backends.Jobs != nil {
		opts = append(opts, engine.WithJobs(backends.Jobs))
	}
	if d.engine, err = engine.New(d.store, gateway, exec, d.gate, cfg.Engine, opts...); err != nil {
		return nil, err
	}

	if len(cfg.Intake.Sources) == 0 {
		logger.Warn("selfheald: no intake sources registered; every event will be rejected")
	}
	d.intake = intake.New(d.store, intake.Patterns(cfg.Intake.Sources), claims, cfg.Intake,
		intake.WithLogger(logger),
		intake.WithHandoff(d.engine.Handoff),
	)

	if d.service, err = d.buildService(cfg, cl); err != nil {
		return nil, err
	}

	tokens, err := auth.NewValidator(cfg.Auth)
	if err != nil {
		return nil, err
	}
	if cfg.Auth.Disabled {
		logger.Warn("selfheald: operator authentication is disabled")
	}
	d.api, err = api.New(cfg.API, api.Deps{
		Incidents: d.store,
		Intake:    d.intake,
		Engine:    d.engine,
		Approvals: d.gate,
		Service:   d.service,
		Auth:      tokens,
		Metrics:   d.registry,
	}, api.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (d *daemon) connect(ctx context.Context, cfg daemonConfig) (clients, error) {
	var cl clients
	var err error
	if cfg.Postgres.Configured() {
		if cl.pg, err = postgres.NewClient(ctx, cfg.Postgres); err != nil {
			return cl, err
		}
		d.closers = append(d.closers, func() error { cl.pg.Close(); return nil })
	}
	if cfg.Redis.Configured() {
		if cl.redis, err = redis.NewClient(ctx, cfg.Redis); err != nil {
			return cl, err
		}
		d.closers = append(d.closers, cl.redis.Close)
	}
	if cfg.Minio.Configured() {
		if cl.minio, err = minio.NewClient(ctx, cfg.Minio); err != nil {
			return cl, err
		}
	}
	return cl, nil
}

func (d *daemon) openStore(cfg daemonConfig, cl clients) (store.Store, error) {
	var st store.Store
	switch cfg.Store.Backend {
	case storePostgres:
		if cl.pg == nil {
			return nil, sserr.New(sserr.CodeValidationRequired, "selfheald: postgres store needs a postgres connection")
		}
		st = storepg.New(cl.pg)
	case storeBadger:
		bs, err := badger.Open(cfg.Store.Badger, d.logger)
		if err != nil {
			return nil, err
		}
		st = bs
	default:
		d.logger.Warn("selfheald: using the in-memory store; incidents are lost on restart")
		st = memory.New()
	}
	d.closers = append(d.closers, st.Close)
	d.logger.Info("selfheald: store ready", "backend", cfg.Store.Backend)
	return st, nil
}

// agentBackend returns the OpenAI backend when configured. Without one
// the agent declines every request, so each incident escalates.
func (d *daemon) agentBackend(cfg daemonConfig) (agent.Backend, catalog.QueryPlanner) {
	if !cfg.OpenAI.Configured() {
		d.logger.Warn("selfheald: no agent backend configured; incidents will escalate")
		return agent.BackendFunc(func(context.Context, agent.Request) (*incident.Decision, error) {
			return nil, nil
		}), nil
	}
	b, err := openai.New(cfg.OpenAI, d.logger)
	if err != nil {
		d.logger.Warn("selfheald: agent backend unavailable", "error", err)
		return agent.BackendFunc(func(context.Context, agent.Request) (*incident.Decision, error) {
			return nil, err
		}), nil
	}
	return b, b
}

func (d *daemon) buildService(cfg daemonConfig, cl clients) (*lifecycle.Service, error) {
	id := cfg.NodeID
	if id == "" {
		if host, err := os.Hostname(); err == nil {
			id = host
		} else {
			id = uuid.NewString()
		}
	}
	b := lifecycle.NewBuilder(id, "selfheald", version).
		WithLogger(d.logger).
		WithComponent(lifecycle.Component{Role: "store", Backend: cfg.Store.Backend, Check: d.store.Health}).
		OnStateChange(func(from, to lifecycle.State) {
			d.logger.Info("selfheald: state changed", "from", from, "to", to)
		})
	if cl.pg != nil {
		b = b.WithComponent(lifecycle.Component{Role: "jobs", Backend: "postgres", Check: cl.pg.Health})
	}
	if cl.redis != nil {
		b = b.WithComponent(lifecycle.Component{Role: "coordination", Backend: "redis", Check: cl.redis.Health})
	}
	if cl.minio != nil {
		b = b.WithComponent(lifecycle.Component{Role: "objects", Backend: "minio", Check: cl.minio.Health})
	}
	return b.
		WithOnStart(d.store.Health).
		WithOnStop(func(context.Context) error {
			d.gate.Stop()
			return nil
		}).
		Build()
}

// run starts the service and blocks until ctx ends or a component fails.
func (d *daemon) run(ctx context.Context) error {
	if err := d.service.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.sink.Run(gctx) })
	g.Go(func() error { return d.engine.Run(gctx) })
	g.Go(func() error { return d.api.Run(gctx) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()
	if err != nil {
		d.service.Fail(err)
		return err
	}
	return d.service.Stop(stopCtx)
}

// close releases every opened resource in reverse order.
func (d *daemon) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			d.logger.Warn("selfheald: close failed", "error", err)
		}
	}
	d.closers = nil
}
