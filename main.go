package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"merkle-vesting-service/authz"
	"merkle-vesting-service/events"
	"merkle-vesting-service/handlers"
	"merkle-vesting-service/ledger"
	"merkle-vesting-service/service"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:          "merkle-vesting",
		Short:        "Merkle allocation distribution with vesting",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("CONFIG_PATH"), "YAML config file")
	root.AddCommand(newServeCmd(&configPath), newTreeCmd())
	return root
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the claim HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := LoadConfig(*configPath)
			if err != nil {
				return err
			}
			return serve(config, newLogger(config.LogLevel))
		},
	}
}

func newLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	return logger
}

// book is the ledger surface serve needs beyond service.Ledger.
type book interface {
	service.Ledger
	Credit(ctx context.Context, account common.Address, amount *uint256.Int) error
	Balance(ctx context.Context, account common.Address) (*uint256.Int, error)
}

type store interface {
	service.Repository
	events.Outbox
}

func serve(config *Config, logger *logrus.Logger) error {
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f, err := os.Open(config.AllocationsFile)
	if err != nil {
		return fmt.Errorf("open allocations: %w", err)
	}
	dist, err := service.LoadAllocations(config.AllocationsFormat, f)
	f.Close()
	if err != nil {
		return fmt.Errorf("load allocations: %w", err)
	}

	var (
		repo  store
		funds book
	)
	if config.DataDir == "" {
		logger.Warn("no data_dir configured, state is kept in memory")
		repo, funds = service.NewMemoryStore(), ledger.NewMemory()
	} else {
		if err := os.MkdirAll(config.DataDir, 0o755); err != nil {
			return err
		}
		storage, err := service.NewStorage(filepath.Join(config.DataDir, "distribution.db"))
		if err != nil {
			return fmt.Errorf("initialize storage: %w", err)
		}
		defer storage.Close()
		balances, err := ledger.OpenBolt(filepath.Join(config.DataDir, "ledger.db"))
		if err != nil {
			return fmt.Errorf("initialize ledger: %w", err)
		}
		defer balances.Close()
		repo, funds = storage, balances
	}

	if config.FundPool {
		if err := fundPool(ctx, funds, config.Pool(), dist.Total); err != nil {
			return err
		}
	}

	svc, err := service.NewDistributor(ctx, dist.Tree, repo, funds, service.SystemClock{}, logger, service.Config{
		Pool:          config.Pool(),
		Schedule:      config.Schedule,
		ClaimDeadline: config.ClaimDeadline,
	})
	if err != nil {
		return err
	}
	az, err := authz.NewFromFile(ctx, config.PolicyFile, config.Admins())
	if err != nil {
		return err
	}

	sink, closeSinks, err := openSinks(config, logger)
	if err != nil {
		return err
	}
	defer closeSinks()
	relay := &events.Relay{
		Outbox:   repo,
		Sink:     sink,
		Interval: config.RelayInterval,
		Logger:   logger.WithField("module", "relay"),
	}
	go relay.Run(ctx)

	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())
	handlers.NewHandler(svc, az).Register(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Port),
		Handler: router,
	}

	go func() {
		logger.WithField("port", config.Port).Info("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}
	cancel()
	if _, err := relay.Flush(shutdownCtx); err != nil {
		logger.WithError(err).Warn("final event flush failed")
	}

	logger.Info("bye")
	return nil
}

// fundPool credits the pool with the allocation total the first time it is
// seen empty.
func fundPool(ctx context.Context, funds book, pool common.Address, total *uint256.Int) error {
	balance, err := funds.Balance(ctx, pool)
	if err != nil {
		return err
	}
	if !balance.IsZero() {
		return nil
	}
	return funds.Credit(ctx, pool, total)
}

func openSinks(config *Config, logger *logrus.Logger) (events.Sink, func(), error) {
	sinks := events.Fanout{events.NewLogSink(logger.WithField("module", "events"))}
	var closers []func() error

	if config.RedisAddr != "" {
		redisSink, err := events.NewRedisSink(config.RedisAddr, config.RedisPassword, config.RedisDB, config.RedisStream)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, redisSink)
		closers = append(closers, redisSink.Close)
	}
	if config.PostgresDSN != "" {
		pgSink, err := events.OpenPostgresSink(config.PostgresDSN)
		if err != nil {
			for _, c := range closers {
				c()
			}
			return nil, nil, fmt.Errorf("open postgres sink: %w", err)
		}
		sinks = append(sinks, pgSink)
		closers = append(closers, pgSink.Close)
	}

	return sinks, func() {
		for _, c := range closers {
			if err := c(); err != nil {
				logger.WithError(err).Warn("close event sink")
			}
		}
	}, nil
}
