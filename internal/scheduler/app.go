package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mindwell/syncpipe/internal/bus"
	"github.com/mindwell/syncpipe/internal/config"
	"github.com/mindwell/syncpipe/internal/logging"
	"github.com/mindwell/syncpipe/internal/store"
)

// App owns the scheduler role's lifecycle: store, bus, and the service loops.
type App struct {
	config  *config.Config
	logger  logging.Logger
	manager *store.Manager
	bus     *bus.Client
	service *Service
}

// NewApp wires the scheduler role.
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

	service := NewService(manager.Conn(), manager.Sources(), manager.Outbox(), busClient, cfg, logger)

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

// Run drives the scheduler loops until a signal arrives.
func (app *App) Run(ctx context.Context) {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "starting scheduler...")
	app.initSignalHandler(cancelFunc)

	if err := app.service.Run(ctx); err != nil && ctx.Err() == nil {
		app.logger.Error(ctx, "scheduler stopped", "error", err)
	}

	app.bus.Close()
	if err := app.manager.Close(); err != nil {
		app.logger.Error(ctx, "db close error", "error", err)
	}
}
