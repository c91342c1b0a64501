package engine

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/fiscal"
	"github.com/xraph/fiscal/broker"
	"github.com/xraph/fiscal/clock"
	"github.com/xraph/fiscal/deadletter"
	"github.com/xraph/fiscal/dispatcher"
	"github.com/xraph/fiscal/document"
	"github.com/xraph/fiscal/ext"
	"github.com/xraph/fiscal/ident"
	"github.com/xraph/fiscal/lane"
	mw "github.com/xraph/fiscal/middleware"
	"github.com/xraph/fiscal/observability"
	"github.com/xraph/fiscal/operation"
	"github.com/xraph/fiscal/retry"
	"github.com/xraph/fiscal/schedule"
	"github.com/xraph/fiscal/store"
	"github.com/xraph/fiscal/worker"
	"github.com/xraph/fiscal/workitem"
)

// instrumentationName is the OpenTelemetry scope of engine spans and
// instruments.
const instrumentationName = "github.com/xraph/fiscal"

// Engine is the assembled processing engine.
type Engine struct {
	cfg     fiscal.Config
	table   *lane.Table
	broker  broker.Broker
	store   store.Store
	tx      operation.Transmitter
	results operation.ResultSink
	keys    *ident.Generator
	clock   clock.Clock
	logger  *slog.Logger

	extensions *ext.Registry
	registry   *workitem.Registry
	machine    *document.Machine
	dispatcher *dispatcher.Dispatcher
	controller *retry.Controller
	deadLetter *deadletter.Service
	aggregator *deadletter.Aggregator
	analyzer   *deadletter.Analyzer
	manager    *lane.Manager
	group      *worker.Group
	scheduler  *schedule.Scheduler

	mws            []mw.Middleware
	exts           []ext.Extension
	tenants        []lane.TenantConfig
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures the Engine.
type Option func(*Engine)

// WithConfig replaces the default configuration.
func WithConfig(cfg fiscal.Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithBroker sets the message broker.
func WithBroker(b broker.Broker) Option {
	return func(e *Engine) { e.broker = b }
}

// WithStore sets the document and dead-letter store.
func WithStore(s store.Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithTransmitter sets the authority boundary.
func WithTransmitter(tx operation.Transmitter) Option {
	return func(e *Engine) { e.tx = tx }
}

// WithResultSink sets where query results are delivered.
func WithResultSink(s operation.ResultSink) Option {
	return func(e *Engine) { e.results = s }
}

// WithKeyGenerator sets the access key generator.
func WithKeyGenerator(g *ident.Generator) Option {
	return func(e *Engine) { e.keys = g }
}

// WithClock sets the time source shared by every component.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithExtension registers a lifecycle extension.
func WithExtension(x ext.Extension) Option {
	return func(e *Engine) { e.exts = append(e.exts, x) }
}

// WithMiddleware appends middleware after the built-in stack.
func WithMiddleware(m ...mw.Middleware) Option {
	return func(e *Engine) { e.mws = append(e.mws, m...) }
}

// WithTenantConfig sets per-tenant limits on a lane.
func WithTenantConfig(tc lane.TenantConfig) Option {
	return func(e *Engine) { e.tenants = append(e.tenants, tc) }
}

// WithTracerProvider sets the OpenTelemetry tracer provider. The global
// provider is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracerProvider = tp }
}

// WithMeterProvider sets the OpenTelemetry meter provider. The global
// provider is used otherwise.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(e *Engine) { e.meterProvider = mp }
}

// New assembles an Engine and declares every lane on the broker.
func New(ctx context.Context, opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:    fiscal.DefaultConfig(),
		keys:   ident.NewGenerator(),
		clock:  clock.System{},
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}

	switch {
	case e.broker == nil:
		return nil, fiscal.ErrNoBroker
	case e.store == nil:
		return nil, fiscal.ErrNoStore
	case e.tx == nil:
		return nil, fiscal.ErrNoTransmitter
	}

	table, err := lane.DefaultTable().WithOverrides(e.cfg.Lanes)
	if err != nil {
		return nil, err
	}
	e.table = table
	for _, cfg := range table.Configs() {
		if err := e.broker.Declare(ctx, cfg); err != nil {
			return nil, fmt.Errorf("declare lane %s: %w", cfg.Name, err)
		}
	}

	e.extensions = ext.NewRegistry(e.logger)
	e.registerObservability()
	for _, x := range e.exts {
		e.extensions.Register(x)
	}

	e.machine = document.NewMachine(e.store,
		document.WithClock(e.clock),
		document.WithLogger(e.logger),
		document.WithMaxErrors(e.cfg.Documents.MaxErrors),
		document.WithMaxConflictRetries(e.cfg.Retry.MaxConflictRetries),
	)
	e.dispatcher = dispatcher.New(table, e.broker,
		dispatcher.WithExtensions(e.extensions),
		dispatcher.WithClock(e.clock),
		dispatcher.WithLogger(e.logger),
	)
	e.controller = retry.NewController(e.cfg.Retry, e.dispatcher,
		retry.WithDocuments(e.machine),
		retry.WithExtensions(e.extensions),
		retry.WithClock(e.clock),
		retry.WithLogger(e.logger),
	)

	e.deadLetter = deadletter.NewService(e.store, e.dispatcher, e.clock)
	e.aggregator = deadletter.NewAggregator(e.cfg.DeadLetter.WindowSize)
	e.analyzer = deadletter.NewAnalyzer(e.cfg.DeadLetter, e.deadLetter, e.aggregator, e.controller,
		deadletter.WithAlertSink(e.extensions),
		deadletter.WithClock(e.clock),
		deadletter.WithLogger(e.logger),
	)

	e.registry = workitem.NewRegistry()
	handlerOpts := []operation.Option{operation.WithLogger(e.logger)}
	if e.results != nil {
		handlerOpts = append(handlerOpts, operation.WithResultSink(e.results))
	}
	operation.New(e.tx, e.machine, handlerOpts...).Register(e.registry)

	e.manager = lane.NewManager(table)
	for _, tc := range e.tenants {
		e.manager.SetTenantConfig(tc)
	}

	executor := worker.NewExecutor(e.registry, e.extensions, e.controller, e.logger,
		worker.WithMiddleware(e.middlewares()...),
		worker.WithMaxConflictRetries(e.cfg.Retry.MaxConflictRetries),
		worker.WithExecutorClock(e.clock),
	)

	pools := make([]*worker.Pool, 0, len(table.Names()))
	for _, cfg := range table.Configs() {
		poolOpts := []worker.PoolOption{
			worker.WithPollInterval(e.cfg.PollInterval),
			worker.WithLaneManager(e.manager),
			worker.WithPoolClock(e.clock),
		}
		if cfg.Name == lane.DeadLetter {
			poolOpts = append(poolOpts, worker.WithDeadLetterHandler(e.analyzer))
		}
		pools = append(pools, worker.NewPool(cfg, e.broker, executor, e.extensions, e.logger, poolOpts...))
	}
	e.group = worker.NewGroup(pools...)

	e.scheduler = schedule.New(e.cfg.Schedule,
		schedule.WithPurger(e.deadLetter, e.cfg.DeadLetter.PurgeAfter),
		schedule.WithTenantResetter(e.aggregator),
		schedule.WithReconciler(e.store, e.dispatcher, e.cfg.Documents.StaleProcessingAfter),
		schedule.WithEmitter(e.extensions),
		schedule.WithClock(e.clock),
		schedule.WithLogger(e.logger),
	)

	return e, nil
}

func (e *Engine) registerObservability() {
	var metrics *observability.MetricsExtension
	if e.meterProvider != nil {
		metrics = observability.NewMetricsExtensionWithMeter(e.meterProvider.Meter(instrumentationName + "/observability"))
	} else {
		metrics = observability.NewMetricsExtension()
	}
	e.extensions.Register(metrics)
	e.extensions.Register(observability.NewAlertLogger(e.logger))
}

// middlewares builds the stack: recover → tracing → metrics → logging →
// scope → timeout, then any configured middleware.
func (e *Engine) middlewares() []mw.Middleware {
	tracing := mw.Tracing()
	if e.tracerProvider != nil {
		tracing = mw.TracingWithTracer(e.tracerProvider.Tracer(instrumentationName))
	}
	metrics := mw.Metrics()
	if e.meterProvider != nil {
		metrics = mw.MetricsWithMeter(e.meterProvider.Meter(instrumentationName))
	}

	all := []mw.Middleware{
		mw.Recover(e.logger),
		tracing,
		metrics,
		mw.Logging(e.logger),
		mw.Scope(),
		mw.Timeout(e.logger, worker.LaneTimeouts(e.table)),
	}
	return append(all, e.mws...)
}

// Start starts the maintenance scheduler and a consumer pool per lane.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	if err := e.group.Start(ctx); err != nil {
		return err
	}
	e.logger.Info("fiscal engine started", slog.Int("lanes", len(e.group.Pools())))
	return nil
}

// Stop stops the scheduler and the lane pools, waiting for in-flight
// items until ctx ends.
func (e *Engine) Stop(ctx context.Context) error {
	if err := e.scheduler.Stop(ctx); err != nil {
		e.logger.Error("scheduler stop error", slog.String("error", err.Error()))
	}
	err := e.group.Stop(ctx)
	e.extensions.EmitShutdown(ctx)
	e.logger.Info("fiscal engine stopped")
	return err
}

// Config returns the effective configuration.
func (e *Engine) Config() fiscal.Config { return e.cfg }

// Extensions returns the extension registry.
func (e *Engine) Extensions() *ext.Registry { return e.extensions }

// Registry returns the operation handler registry.
func (e *Engine) Registry() *workitem.Registry { return e.registry }

// Table returns the lane table.
func (e *Engine) Table() *lane.Table { return e.table }

// Dispatcher returns the lane dispatcher.
func (e *Engine) Dispatcher() *dispatcher.Dispatcher { return e.dispatcher }

// Machine returns the document state machine.
func (e *Engine) Machine() *document.Machine { return e.machine }

// RetryController returns the retry controller.
func (e *Engine) RetryController() *retry.Controller { return e.controller }

// DeadLetterService returns the dead-letter service for inspection and
// replay.
func (e *Engine) DeadLetterService() *deadletter.Service { return e.deadLetter }

// Analyzer returns the dead-letter analyzer.
func (e *Engine) Analyzer() *deadletter.Analyzer { return e.analyzer }

// LaneManager returns the runtime lane manager.
func (e *Engine) LaneManager() *lane.Manager { return e.manager }

// Workers returns the lane pool group.
func (e *Engine) Workers() *worker.Group { return e.group }

// Scheduler returns the maintenance scheduler.
func (e *Engine) Scheduler() *schedule.Scheduler { return e.scheduler }
