package processor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/mindwell/syncpipe/internal/blob"
	"github.com/mindwell/syncpipe/internal/bus"
	"github.com/mindwell/syncpipe/internal/config"
	"github.com/mindwell/syncpipe/internal/embed"
	"github.com/mindwell/syncpipe/internal/extract"
	"github.com/mindwell/syncpipe/internal/logging"
	"github.com/mindwell/syncpipe/internal/models"
	"github.com/mindwell/syncpipe/internal/store"
)

// App owns the processor role's lifecycle: store, bus, blob storage, the
// extraction and embedding collaborators, and one consumer per content
// family.
type App struct {
	config  *config.Config
	logger  logging.Logger
	manager *store.Manager
	bus     *bus.Client
	service *Service
}

// NewApp wires the processor role. This binary carries the text extractor;
// image and audio deployments swap in their own Extractor.
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
	extractor := extract.NewTextExtractor()
	embedder := embed.NewHTTPEmbedder(httpClient, cfg.IndexerURL, cfg.IndexerAuthToken)

	service := NewService(manager.Sources(), manager.Items(), blobs, extractor, embedder, cfg, logger)

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

// Run binds the text-family consumer and blocks until a signal arrives.
func (app *App) Run(ctx context.Context) {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "starting processor...")
	app.initSignalHandler(cancelFunc)

	g, ctx := errgroup.WithContext(ctx)
	subject := models.ProcessSubject(models.FamilyText)
	g.Go(func() error {
		return app.bus.Consume(ctx, subject, "processor", app.config.MaxDeliver, app.service.Handle)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		app.logger.Error(ctx, "processor stopped", "error", err)
	}

	app.bus.Close()
	if err := app.manager.Close(); err != nil {
		app.logger.Error(ctx, "db close error", "error", err)
	}
}
