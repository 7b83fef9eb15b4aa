// Package server builds the relay's dependency graph and runs the HTTP server.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-relay/internal/api"
	"github.com/JakeFAU/scrape-relay/internal/clock/system"
	"github.com/JakeFAU/scrape-relay/internal/config"
	"github.com/JakeFAU/scrape-relay/internal/id/uuid"
	"github.com/JakeFAU/scrape-relay/internal/logging"
	"github.com/JakeFAU/scrape-relay/internal/notify"
	gcppublisher "github.com/JakeFAU/scrape-relay/internal/publisher/pubsub"
	"github.com/JakeFAU/scrape-relay/internal/relay"
	"github.com/JakeFAU/scrape-relay/internal/scrape"
	badgerstore "github.com/JakeFAU/scrape-relay/internal/storage/badger"
	gcsstorage "github.com/JakeFAU/scrape-relay/internal/storage/gcs"
	localstorage "github.com/JakeFAU/scrape-relay/internal/storage/local"
	memorystorage "github.com/JakeFAU/scrape-relay/internal/storage/memory"
	pgstore "github.com/JakeFAU/scrape-relay/internal/storage/postgres"
	"github.com/JakeFAU/scrape-relay/internal/telemetry"
	"github.com/JakeFAU/scrape-relay/internal/ws"
)

// App contains the application's dependencies.
type App struct {
	cfg        *config.Config
	logger     *zap.Logger
	instanceID string

	apiServer *api.Server
	fabric    *notify.Fabric
	service   *scrape.Service

	taskStore    scrape.Store
	closeStore   func() error
	ready        api.ReadinessCheck
	pubsubClient *pubsub.Client
	publisher    *gcppublisher.Publisher
	subscriber   *relay.Subscriber
	storage      *storage.Client

	closeOnce sync.Once
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	return BuildWithLogger(ctx, cfg, logger)
}

// BuildWithLogger is Build with a caller-supplied logger.
func BuildWithLogger(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	zap.ReplaceGlobals(logger)
	telemetry.InitPropagator()

	instanceID := cfg.Server.InstanceID
	if instanceID == "" {
		instanceID = uuid.InstanceID()
	}
	app := &App{
		cfg:        cfg,
		logger:     logger.With(zap.String("instance_id", instanceID)),
		instanceID: instanceID,
	}
	app.logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("archive_backend", cfg.Archive.Backend),
		zap.Bool("pubsub", cfg.PubSub.Enabled()),
	)

	// Close whatever was opened if a later step fails.
	ok := false
	defer func() {
		if !ok {
			app.closeInfrastructure()
		}
	}()

	if err := setupTaskStore(ctx, app); err != nil {
		return nil, err
	}
	blobStore, err := setupArchive(ctx, app)
	if err != nil {
		return nil, err
	}
	app.fabric = notify.New(app.logger.Named("notify"))
	publisher, err := setupPubSub(ctx, app)
	if err != nil {
		return nil, err
	}

	app.service = scrape.NewService(
		app.taskStore,
		app.fabric,
		publisher,
		blobStore,
		system.New(),
		uuid.New(),
		scrape.Config{
			Timeouts: scrape.Timeouts{
				TaskTTL:           cfg.Scrape.TaskTTL,
				CacheTTL:          cfg.Scrape.CacheTTL,
				ProcessingTimeout: cfg.Scrape.ProcessingTimeout,
				PendingStall:      cfg.Scrape.PendingStall,
			},
			MaxWait:        cfg.Scrape.MaxWait,
			AllowedDomains: cfg.Scrape.AllowedDomains,
			Topic:          cfg.PubSub.TopicName,
			ArchivePrefix:  cfg.Archive.Prefix,
		},
		app.logger.Named("scrape"),
	)

	wsHandler := ws.NewHandler(app.fabric, ws.Config{
		WriteTimeout:    cfg.WS.WriteTimeout,
		PongWait:        cfg.WS.PongWait,
		MaxMessageBytes: cfg.WS.MaxMessageBytes,
		MessageRate:     cfg.WS.MessageRate,
		MessageBurst:    cfg.WS.MessageBurst,
		AllowedOrigins:  cfg.WS.AllowedOrigins,
	}, app.logger.Named("ws"))

	app.apiServer = api.NewServer(app.service, wsHandler, app.ready, *cfg, app.logger.Named("api"))
	ok = true
	return app, nil
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the application and blocks until the context is canceled or a
// termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	if a.subscriber != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.subscriber.Run(ctx); err != nil {
				a.logger.Error("relay subscriber stopped", zap.Error(err))
			}
		}()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: a.cfg.Server.ReadHeaderTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	wg.Wait()

	closeErr := a.Close(shutdownCtx)
	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return closeErr
	}
}

// Close gracefully shuts down the application. It is safe to call twice.
func (a *App) Close(_ context.Context) error {
	a.closeOnce.Do(func() {
		if a.fabric != nil {
			a.fabric.Close()
		}
		a.closeInfrastructure()
		if err := a.logger.Sync(); err != nil {
			a.logger.Debug("logger sync failed", zap.Error(err))
		}
		a.logger.Info("shutdown complete")
	})
	return nil
}

func (a *App) closeInfrastructure() {
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.closeStore != nil {
		if err := a.closeStore(); err != nil {
			a.logger.Warn("task store close failed", zap.Error(err))
		}
	}
}

func setupTaskStore(ctx context.Context, app *App) error {
	cfg := app.cfg.Storage
	switch cfg.Backend {
	case config.StoragePostgres:
		store, err := pgstore.NewTaskStore(ctx, pgstore.TaskStoreConfig{
			DSN:             cfg.Postgres.DSN,
			Table:           cfg.Postgres.Table,
			MaxConns:        cfg.Postgres.MaxConns,
			MinConns:        cfg.Postgres.MinConns,
			MaxConnLifetime: cfg.Postgres.MaxConnLifetime,
		})
		if err != nil {
			return fmt.Errorf("postgres task store init failed: %w", err)
		}
		app.taskStore = store
		app.closeStore = func() error {
			store.Close()
			return nil
		}
		app.ready = store.Ping
		if cfg.Postgres.EnsureSchema {
			if err := store.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("postgres schema init failed: %w", err)
			}
		}
		app.logger.Info("using postgres task store", zap.String("table", cfg.Postgres.Table))
	case config.StorageBadger:
		store, err := badgerstore.NewTaskStore(badgerstore.Config{
			Path:           cfg.Badger.Path,
			InMemory:       cfg.Badger.InMemory,
			ResetOnStartup: cfg.Badger.ResetOnStartup,
		}, app.logger.Named("badger"))
		if err != nil {
			return fmt.Errorf("badger task store init failed: %w", err)
		}
		app.taskStore = store
		app.closeStore = store.Close
		app.logger.Info("using badger task store",
			zap.String("path", cfg.Badger.Path),
			zap.Bool("in_memory", cfg.Badger.InMemory),
		)
	default:
		app.taskStore = memorystorage.NewTaskStore()
		app.logger.Warn("using in-memory task store; tasks are lost on restart")
	}
	return nil
}

func setupArchive(ctx context.Context, app *App) (scrape.BlobStore, error) {
	cfg := app.cfg.Archive
	switch cfg.Backend {
	case config.ArchiveGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.storage = client
		blobStore, err := gcsstorage.New(ctx, client, gcsstorage.Config{
			Bucket:       cfg.GCSBucket,
			VerifyBucket: cfg.VerifyBucket,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.logger.Info("archiving results to GCS", zap.String("bucket", cfg.GCSBucket))
		return blobStore, nil
	case config.ArchiveLocal:
		blobStore, err := localstorage.New(localstorage.Config{BaseDir: cfg.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Info("archiving results to local disk", zap.String("path", cfg.BaseDir))
		return blobStore, nil
	case config.ArchiveMemory:
		app.logger.Info("archiving results in memory")
		return memorystorage.NewBlobStore(), nil
	default:
		app.logger.Debug("result archive disabled")
		return nil, nil
	}
}

// setupPubSub wires cross-instance fan-out. It returns a nil publisher when
// no topic is configured.
func setupPubSub(ctx context.Context, app *App) (scrape.Publisher, error) {
	cfg := app.cfg.PubSub
	if !cfg.Enabled() {
		app.logger.Info("Pub/Sub not configured; resolutions stay in this instance")
		return nil, nil
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubClient = client

	var publisher scrape.Publisher
	if cfg.TopicName != "" {
		p, err := gcppublisher.New(client, cfg.TopicName, app.instanceID)
		if err != nil {
			return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		if cfg.VerifyTopic {
			if err := p.VerifyTopic(ctx); err != nil {
				return nil, err
			}
		}
		app.publisher = p
		publisher = p
		app.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", cfg.ProjectID),
			zap.String("topic", cfg.TopicName),
		)
	}

	if cfg.SubscriptionName != "" {
		sub, err := relay.NewSubscriber(
			client.Subscription(cfg.SubscriptionName),
			app.fabric,
			app.instanceID,
			app.logger.Named("relay"),
		)
		if err != nil {
			return nil, fmt.Errorf("relay subscriber init failed: %w", err)
		}
		app.subscriber = sub
		app.logger.Info("relay subscriber initialized", zap.String("subscription", cfg.SubscriptionName))
	}
	return publisher, nil
}
