package application

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rocketscienceinc/tictactoe-arena/internal/config"
	"github.com/rocketscienceinc/tictactoe-arena/internal/repository"
	"github.com/rocketscienceinc/tictactoe-arena/internal/repository/storage"
	"github.com/rocketscienceinc/tictactoe-arena/internal/scheduler"
	"github.com/rocketscienceinc/tictactoe-arena/internal/transport/rest"
	"github.com/rocketscienceinc/tictactoe-arena/internal/transport/websocket"
	"github.com/rocketscienceinc/tictactoe-arena/internal/usecase"
)

const (
	memoryHistoryCapacity = 1000
	drainTimeout          = 10 * time.Second
)

// RunApp - runs the application.
func RunApp(logger *slog.Logger, conf *config.Config) error {
	log := logger.With("component", "app")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	history, closeHistory, err := openHistory(ctx, logger, conf)
	if err != nil {
		return err
	}
	defer closeHistory()

	registry := usecase.NewGameRegistry(logger, history, scheduler.New(), usecase.RegistryConfig{
		CleanupDelay: conf.Game.CleanupDelay,
		SaveTimeout:  conf.Storage.SaveTimeout,
	})
	presence := usecase.NewPresenceTracker(logger)

	hub := websocket.NewHub(logger)
	dispatcher := websocket.NewDispatcher(logger, hub, registry, presence, history, conf.Game.SocketHistoryLimit)
	wsServer := websocket.New(logger, hub, dispatcher, conf.OriginPatterns())

	handlers := rest.NewHandlers(logger, history, registry, presence, conf.Game.HistoryLimit)

	group, groupCtx := errgroup.WithContext(ctx)

	if conf.SocketPort == "" || conf.SocketPort == conf.HTTPPort {
		wsServer.Bind(groupCtx)
		httpServer := rest.New(logger, handlers, conf.AllowedOrigins, wsServer)

		group.Go(func() error {
			return httpServer.Start(groupCtx, conf.HTTPPort)
		})
	} else {
		httpServer := rest.New(logger, handlers, conf.AllowedOrigins, nil)

		group.Go(func() error {
			return httpServer.Start(groupCtx, conf.HTTPPort)
		})
		group.Go(func() error {
			return wsServer.Start(groupCtx, conf.SocketPort)
		})
	}

	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutting down")

		drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()

		if err := registry.Close(drainCtx); err != nil {
			log.Error("game results were not saved", "error", err)
		}

		return nil
	})

	if err = group.Wait(); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// openHistory picks the history storage named by storage.driver.
func openHistory(ctx context.Context, logger *slog.Logger, conf *config.Config) (repository.HistoryRepository, func(), error) {
	log := logger.With("component", "app", "driver", conf.Storage.Driver)

	switch conf.Storage.Driver {
	case config.StoragePostgres:
		postgres, err := storage.NewPostgresStorage(ctx, conf.Postgres.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("could not connect to postgres storage: %w", err)
		}

		if err = storage.Migrate(ctx, postgres.Pool); err != nil {
			postgres.Close()
			return nil, nil, err
		}

		log.Info("history storage ready")

		return repository.NewPostgresHistory(postgres.Pool), postgres.Close, nil

	case config.StorageRedis:
		redisStorage, err := storage.NewRedisStorage(ctx, conf.Redis.GetRedisAddr(), conf.Redis.DB)
		if err != nil {
			return nil, nil, fmt.Errorf("could not connect to redis storage: %w", err)
		}

		log.Info("history storage ready")

		closeRedis := func() {
			if err := redisStorage.Close(); err != nil {
				log.Error("could not close redis storage", "error", err)
			}
		}

		return repository.NewRedisHistory(redisStorage.Connection, conf.Redis.HistoryKey, conf.Redis.HistoryCap), closeRedis, nil

	default:
		log.Warn("game history is kept in memory and lost on restart")

		return repository.NewMemoryHistory(memoryHistoryCapacity), func() {}, nil
	}
}
