// Package server wires one stage runner from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"slices"
	"strconv"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/leadflow/internal/api"
	"github.com/JakeFAU/leadflow/internal/backlog"
	"github.com/JakeFAU/leadflow/internal/browser"
	"github.com/JakeFAU/leadflow/internal/clock/system"
	"github.com/JakeFAU/leadflow/internal/cluster"
	"github.com/JakeFAU/leadflow/internal/config"
	"github.com/JakeFAU/leadflow/internal/id/uuid"
	"github.com/JakeFAU/leadflow/internal/loop"
	"github.com/JakeFAU/leadflow/internal/metrics"
	"github.com/JakeFAU/leadflow/internal/pages"
	"github.com/JakeFAU/leadflow/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/leadflow/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/leadflow/internal/publisher/pubsub"
	"github.com/JakeFAU/leadflow/internal/stages"
	gcsstorage "github.com/JakeFAU/leadflow/internal/storage/gcs"
	localstorage "github.com/JakeFAU/leadflow/internal/storage/local"
	memorystorage "github.com/JakeFAU/leadflow/internal/storage/memory"
	pgstore "github.com/JakeFAU/leadflow/internal/storage/postgres"
	"github.com/JakeFAU/leadflow/internal/workflow"
)

// App contains one stage runner's dependencies.
type App struct {
	cfg    config.Config
	stage  string
	sc     config.StageConfig
	logger *zap.Logger
	self   cluster.Runner

	registry   *prometheus.Registry
	collector  *metrics.Collector
	engine     *workflow.Engine
	router     *cluster.Router
	processor  *stages.Processor
	loop       *loop.Loop
	reporter   *metrics.Reporter
	membership *cluster.Membership
	apiServer  *api.Server

	db           *pgxpool.Pool
	browserPool  *browser.Pool
	pubsubClient *pubsub.Client
	pubsubTopic  *pubsub.Topic
	gcsClient    *storage.Client
}

type stores struct {
	backlog    backlog.Store
	executions workflow.ExecutionStore
	runners    cluster.Registry
}

// Build creates the runner for stage. The caller owns logger.
func Build(ctx context.Context, cfg config.Config, stage string, logger *zap.Logger) (_ *App, err error) {
	if !slices.Contains(stages.Names(), stage) {
		return nil, fmt.Errorf("unknown stage %q", stage)
	}
	sc, err := cfg.Stage(stage)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := system.New()
	ids := uuid.New()
	runnerID, err := ids.NewID()
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:    cfg,
		stage:  stage,
		sc:     sc,
		logger: logger.With(zap.String("stage", stage)),
		self: cluster.Runner{
			ID:        stage + "-" + runnerID,
			Stage:     stage,
			Address:   net.JoinHostPort(cfg.Server.Host, strconv.Itoa(sc.Port)),
			StartedAt: clock.Now(),
		},
		registry: prometheus.NewRegistry(),
	}
	defer func() {
		if err != nil {
			a.closeInfrastructure(context.Background())
		}
	}()
	a.collector = metrics.NewCollector(a.registry, stage)
	a.logger.Info("building stage runner", zap.String("runner", a.self.ID), zap.String("address", a.self.Address))

	st, err := a.setupStores(ctx, ids)
	if err != nil {
		return nil, err
	}
	notifier, err := a.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}

	limiter := ratelimit.New(cfg.RateLimit)
	deps := stages.Deps{
		Store:    st.backlog,
		Notifier: notifier,
		Logger:   logger.Named("stage"),
		Static: pages.NewStaticFetcher(pages.StaticConfig{
			UserAgent:     cfg.Static.UserAgent,
			Timeout:       cfg.Static.Timeout,
			RespectRobots: cfg.Static.RespectRobots,
		}, limiter),
	}
	if stage != stages.Website || sc.RenderScripts {
		deps.Browser, err = a.setupBrowser(ctx, limiter)
		if err != nil {
			return nil, err
		}
	}
	if sc.RenderScripts {
		deps.Static = pages.NewPromotingFetcher(deps.Static, deps.Browser, pages.NewHeuristic(0), a.logger.Named("pages"))
	}

	a.engine, err = workflow.NewEngine(st.executions, workflow.Config{
		Owner:    a.self.ID,
		Lease:    2 * sc.ItemTimeout,
		Clock:    clock,
		Observer: a.collector,
	}, a.logger.Named("engine"))
	if err != nil {
		return nil, fmt.Errorf("engine init failed: %w", err)
	}
	settings, err := stageSettings(cfg, sc)
	if err != nil {
		return nil, err
	}
	runner, err := stages.Bind(a.engine, stage, deps, settings)
	if err != nil {
		return nil, err
	}

	var (
		peers  cluster.Peers
		client *cluster.Client
	)
	if cfg.Cluster.Enabled {
		a.membership, err = cluster.NewMembership(st.runners, a.self, cluster.MembershipConfig{
			Interval: cfg.Cluster.HeartbeatInterval,
			TTL:      cfg.Cluster.TTL,
		}, clock, a.logger.Named("cluster"))
		if err != nil {
			return nil, fmt.Errorf("membership init failed: %w", err)
		}
		peers = a.membership
		client = cluster.NewClient(0, a.apiKey())
	}
	a.router = cluster.NewRouter(peers, client, a.logger.Named("router"), runner)
	a.processor = stages.NewProcessor(stage, a.router)

	a.loop, err = loop.New(st.backlog, a.processor, a.collector, loop.Config{
		Table:       sc.SourceTable,
		Owner:       a.self.ID,
		ItemTimeout: sc.ItemTimeout,
		IdleDelay:   sc.IdleDelay,
		Poll:        cfg.Policy("backlog_poll"),
	}, a.logger.Named("loop"))
	if err != nil {
		return nil, fmt.Errorf("loop init failed: %w", err)
	}
	a.reporter = metrics.NewReporter(a.collector, cfg.Metrics.ReportInterval, a.logger.Named("metrics"))

	checks := map[string]api.Check{}
	if a.db != nil {
		checks["db"] = func(ctx context.Context) error { return a.db.Ping(ctx) }
	}
	a.apiServer = api.NewServer(a.router, a.engine, api.Options{
		APIKey:         a.apiKey(),
		ExecuteTimeout: sc.ItemTimeout + time.Minute,
		Gatherer:       prometheus.Gatherers{prometheus.DefaultGatherer, a.registry},
		Checks:         checks,
	}, a.logger.Named("api"))

	return a, nil
}

// Handler returns the coordination API handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Self returns this runner's identity.
func (a *App) Self() cluster.Runner {
	return a.self
}

// Run serves the coordination API, heartbeats, reports metrics and drains the
// stage backlog. It returns when the backlog is drained or ctx is canceled.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancel := context.WithCancel(gctx)
	defer cancel()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.sc.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.sc.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-runCtx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancelShutdown()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})
	if a.membership != nil {
		g.Go(func() error { return a.membership.Run(runCtx) })
	}
	g.Go(func() error { return a.reporter.Run(runCtx) })
	g.Go(func() error {
		defer cancel()
		return a.loop.Run(runCtx)
	})

	err := g.Wait()
	a.logger.Info("shutdown initiated")
	closeCtx, cancelClose := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancelClose()
	a.Close(closeCtx)
	return err
}

// ExecuteRecord runs one record through the stage workflow outside the loop.
func (a *App) ExecuteRecord(ctx context.Context, id string, fields map[string]any) (backlog.Outcome, error) {
	return a.processor.Process(ctx, backlog.Record{ID: id, Fields: fields})
}

// Close releases infrastructure. It is safe to call more than once.
func (a *App) Close(ctx context.Context) {
	a.closeInfrastructure(ctx)
	a.logger.Info("shutdown complete")
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.browserPool != nil {
		if err := a.browserPool.Close(ctx); err != nil {
			a.logger.Warn("browser pool close failed", zap.Error(err))
		}
	}
	if a.pubsubTopic != nil {
		a.pubsubTopic.Stop()
		a.pubsubTopic = nil
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
		a.pubsubClient = nil
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
		a.gcsClient = nil
	}
	if a.db != nil {
		a.db.Close()
		a.db = nil
	}
}

func (a *App) apiKey() string {
	if a.cfg.Auth.Enabled {
		return a.cfg.Auth.APIKey
	}
	return ""
}

func (a *App) setupStores(ctx context.Context, ids pgstore.IDGenerator) (stores, error) {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no DSN specified for database, using in-memory stores")
		return stores{
			backlog:    memorystorage.NewBacklogStore(a.sc.SourceTable),
			executions: memorystorage.NewExecutionStore(),
			runners:    memorystorage.NewRegistry(),
		}, nil
	}
	var err error
	a.db, err = pgstore.Connect(ctx, pgstore.Config{
		DSN:             a.cfg.DB.DSN,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return stores{}, fmt.Errorf("database init failed: %w", err)
	}
	tables := a.cfg.Tables()
	if a.cfg.DB.Migrate {
		if err := pgstore.Migrate(ctx, a.db, pgstore.DefaultExecutionsTable, pgstore.DefaultRunnersTable, tables...); err != nil {
			return stores{}, err
		}
		a.logger.Info("schema migrated", zap.Strings("tables", tables))
	}
	backlogStore, err := pgstore.NewBacklogStoreWithPool(a.db, ids, a.sc.SourceTable, tables...)
	if err != nil {
		return stores{}, err
	}
	executions, err := pgstore.NewExecutionStoreWithPool(a.db, pgstore.DefaultExecutionsTable)
	if err != nil {
		return stores{}, err
	}
	runners, err := pgstore.NewRegistryWithPool(a.db, pgstore.DefaultRunnersTable)
	if err != nil {
		return stores{}, err
	}
	a.logger.Info("postgres stores initialized", zap.String("source_table", a.sc.SourceTable))
	return stores{backlog: backlogStore, executions: executions, runners: runners}, nil
}

func (a *App) setupPublisher(ctx context.Context) (workflow.Notifier, error) {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("no Pub/Sub topic configured, compensation alerts stay in memory")
		return memorypublisher.New(), nil
	}
	var err error
	a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubTopic = a.pubsubClient.Topic(a.cfg.PubSub.TopicName)
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return gcppublisher.New(a.pubsubTopic), nil
}

func (a *App) setupSessions(ctx context.Context) (browser.SessionStore, error) {
	switch a.cfg.Session.Backend {
	case config.SessionGCS:
		var err error
		a.gcsClient, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.logger.Info("using GCS session store", zap.String("bucket", a.cfg.Session.Bucket))
		return gcsstorage.New(a.gcsClient, gcsstorage.Config{Bucket: a.cfg.Session.Bucket, Prefix: a.cfg.Session.Prefix})
	case config.SessionLocal:
		a.logger.Info("using local session store", zap.String("path", a.cfg.Session.LocalDir))
		return localstorage.New(localstorage.Config{BaseDir: a.cfg.Session.LocalDir})
	default:
		a.logger.Info("using in-memory session store")
		return memorystorage.NewSessionStore(), nil
	}
}

func (a *App) setupBrowser(ctx context.Context, limiter pages.Limiter) (pages.Fetcher, error) {
	sessions, err := a.setupSessions(ctx)
	if err != nil {
		return nil, err
	}
	chrome, err := browser.NewChrome(browser.ChromeConfig{
		Headless:  a.cfg.Browser.Headless,
		UserAgent: a.cfg.Browser.UserAgent,
		ExecPath:  a.cfg.Browser.ExecPath,
	}, a.logger.Named("chrome"))
	if err != nil {
		return nil, fmt.Errorf("browser init failed: %w", err)
	}
	a.browserPool, err = browser.NewPool(chrome, sessions, browser.Config{
		MaxContexts:    a.cfg.Browser.MaxContexts,
		Acquire:        a.cfg.Policy("acquire"),
		ReleaseTimeout: a.cfg.Browser.ReleaseTimeout,
		LiveGauge:      a.collector.BrowserContexts(),
	}, a.logger.Named("browser"))
	if err != nil {
		if closeErr := chrome.Close(); closeErr != nil {
			a.logger.Warn("browser close failed", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("browser pool init failed: %w", err)
	}
	a.logger.Info("browser pool ready", zap.Int("max_contexts", a.cfg.Browser.MaxContexts))
	return pages.NewBrowserFetcher(a.browserPool, limiter, pages.BrowserConfig{
		NavigationTimeout: a.cfg.Browser.NavigationTimeout,
		WaitSelector:      a.cfg.Browser.WaitSelector,
		SessionName:       a.cfg.Browser.SessionName,
		Scrolls:           a.cfg.Browser.Scrolls,
	}, a.logger.Named("pages"))
}

func stageSettings(cfg config.Config, sc config.StageConfig) (stages.Settings, error) {
	attrs, err := pages.ParseAttributes(sc.Attributes)
	if err != nil {
		return stages.Settings{}, err
	}
	sel, err := pages.ParseSelectors(sc.Selectors)
	if err != nil {
		return stages.Settings{}, err
	}
	listing := sc.Listing
	if listing.Item == "" || listing.Link == "" {
		listing = pages.DefaultListingSelectors()
	}
	return stages.Settings{
		DerivedTable: sc.DerivedTable,
		SearchURL:    sc.SearchURL,
		Attributes:   attrs,
		Selectors:    sel,
		Listing:      listing,
		Timeout:      sc.ItemTimeout,
		Navigation:   cfg.Policy("navigation"),
		Extraction:   cfg.Policy("extraction"),
		Interaction:  cfg.Policy("interaction"),
	}, nil
}
