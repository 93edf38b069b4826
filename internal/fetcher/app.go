package fetcher

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/mindwell/syncpipe/internal/blob"
	"github.com/mindwell/syncpipe/internal/bus"
	"github.com/mindwell/syncpipe/internal/config"
	"github.com/mindwell/syncpipe/internal/logging"
	"github.com/mindwell/syncpipe/internal/models"
	"github.com/mindwell/syncpipe/internal/store"
	"github.com/mindwell/syncpipe/internal/tracker"
)

// App owns the fetcher role's lifecycle: store, bus, blob storage, the
// strategy registry, and one consumer per source family.
type App struct {
	config  *config.Config
	logger  logging.Logger
	manager *store.Manager
	bus     *bus.Client
	service *Service
}

// NewApp wires the fetcher role.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	logger := logging.NewSlogLogger(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	manager, err := store.NewManager(ctx, cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	busClient, err := bus.Connect(ctx, cfg.NATSURL, cfg.StreamName, logger)
	if err != nil {
		manager.Close()
		return nil, fmt.Errorf("bus init error: %w", err)
	}

	blobs, err := blob.NewS3Store(ctx, blob.Options{
		RootUser:     cfg.S3RootUser,
		RootPassword: cfg.S3RootPassword,
		Bucket:       cfg.S3Bucket,
		Region:       cfg.S3Region,
		BaseEndpoint: cfg.S3BaseEndpoint,
	})
	if err != nil {
		busClient.Close()
		manager.Close()
		return nil, fmt.Errorf("blob init error: %w", err)
	}

	httpClient := &http.Client{Timeout: cfg.CallTimeout}
	limiter := rate.NewLimiter(rate.Every(time.Second), 5)

	registry := tracker.NewRegistry(
		tracker.NewETagStrategy(httpClient, limiter),
		tracker.NewOneShotStrategy(blobs),
		tracker.NewManifestStrategy(tracker.NewHTTPManifestAPI(httpClient, limiter)),
		tracker.NewDeltaStrategy(tracker.NewHTTPDeltaAPI(httpClient, limiter)),
	)

	service, err := NewService(manager.Sources(), manager.Items(), registry, blobs, busClient, cfg, logger)
	if err != nil {
		busClient.Close()
		manager.Close()
		return nil, err
	}

	return &App{config: cfg, logger: logger, manager: manager, bus: busClient, service: service}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// Run binds one durable consumer per source family and blocks until a signal
// arrives.
func (app *App) Run(ctx context.Context) {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "starting fetcher...")
	app.initSignalHandler(cancelFunc)

	g, ctx := errgroup.WithContext(ctx)
	for _, kind := range models.Kinds() {
		subject := models.SyncSubject(kind)
		g.Go(func() error {
			return app.bus.Consume(ctx, subject, "fetcher", app.config.MaxDeliver, app.service.Handle)
		})
	}

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		app.logger.Error(ctx, "fetcher stopped", "error", err)
	}

	app.service.Close()
	app.bus.Close()
	if err := app.manager.Close(); err != nil {
		app.logger.Error(ctx, "db close error", "error", err)
	}
}
