package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/contentharvest/harvester/internal/api"
	"github.com/contentharvest/harvester/internal/clock/system"
	"github.com/contentharvest/harvester/internal/config"
	"github.com/contentharvest/harvester/internal/dispatcher"
	"github.com/contentharvest/harvester/internal/gateway"
	"github.com/contentharvest/harvester/internal/harvest"
	"github.com/contentharvest/harvester/internal/id/uuid"
	"github.com/contentharvest/harvester/internal/logging"
	"github.com/contentharvest/harvester/internal/progress"
	memorypublisher "github.com/contentharvest/harvester/internal/publisher/memory"
	pubsubpublisher "github.com/contentharvest/harvester/internal/publisher/pubsub"
	queuememory "github.com/contentharvest/harvester/internal/queue/memory"
	queueredis "github.com/contentharvest/harvester/internal/queue/redis"
	"github.com/contentharvest/harvester/internal/ratelimit"
	storagememory "github.com/contentharvest/harvester/internal/storage/memory"
	storagepostgres "github.com/contentharvest/harvester/internal/storage/postgres"
	"github.com/contentharvest/harvester/internal/telemetry"
	"github.com/contentharvest/harvester/internal/tokencache"
	"github.com/contentharvest/harvester/internal/worker"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the harvester HTTP API and worker pool.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	telemetry.Init()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := system.New()
	idGen := uuid.New()
	limiter := ratelimit.New(ratelimit.Config{RPS: cfg.Limiter.RPS, Burst: cfg.Limiter.Burst})

	var rdb *goredis.Client
	if cfg.Redis.Addr != "" {
		rdb = goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = rdb.Close() }()
	}

	var tokenCache harvest.TokenCache
	if rdb != nil {
		tokenCache = tokencache.NewRedis(rdb, cfg.Redis.TokenPrefix, clock)
	} else {
		tokenCache = tokencache.NewMemory(clock)
	}
	renewer := gateway.NewStaticRenewer(
		cfg.API.AccessToken,
		time.Duration(cfg.API.TokenTTLSeconds)*time.Second,
		clock,
	)
	tokens := gateway.NewTokenManager(
		tokenCache,
		renewer,
		time.Duration(cfg.API.TokenMarginSeconds)*time.Second,
		clock,
		logger.Named("tokens"),
	)
	retry := harvest.NewRetryPolicy(
		cfg.API.MaxRetries,
		time.Duration(cfg.API.BackoffInitialMs)*time.Millisecond,
		time.Duration(cfg.API.BackoffMaxMs)*time.Millisecond,
	)
	gw := gateway.New(limiter, tokens, retry, gateway.Config{
		BaseURL:  cfg.API.BaseURL,
		Version:  cfg.API.Version,
		PageSize: cfg.API.PageSize,
		Timeout:  time.Duration(cfg.API.TimeoutSeconds) * time.Second,
	}, logger.Named("gateway"))

	var (
		jobStore     harvest.JobStore
		contentStore harvest.ContentStore
	)
	if cfg.DB.DSN != "" {
		pool, err := storagepostgres.NewPool(ctx, storagepostgres.Config{
			DSN:      cfg.DB.DSN,
			MaxConns: cfg.DB.MaxConns,
		})
		if err != nil {
			return fmt.Errorf("open postgres pool: %w", err)
		}
		defer pool.Close()
		if jobStore, err = storagepostgres.NewJobStore(pool, clock); err != nil {
			return fmt.Errorf("job store init: %w", err)
		}
		if contentStore, err = storagepostgres.NewContentStore(pool); err != nil {
			return fmt.Errorf("content store init: %w", err)
		}
	} else {
		jobStore = storagememory.NewJobStore(clock)
		contentStore = storagememory.NewContentStore()
	}

	var queue harvest.Queue
	if rdb != nil {
		queue = queueredis.New(rdb, cfg.Redis.QueuePrefix)
	} else {
		queue = queuememory.NewQueue(cfg.Worker.QueueDepth)
	}

	var publisher harvest.Publisher
	if cfg.PubSub.ProjectID != "" && cfg.PubSub.TopicName != "" {
		client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client init: %w", err)
		}
		defer func() { _ = client.Close() }()
		publisher = pubsubpublisher.New(client.Topic(cfg.PubSub.TopicName))
	} else {
		publisher = memorypublisher.New()
	}

	weights := progress.Weights{
		Groups:   cfg.Progress.GroupsWeight,
		Posts:    cfg.Progress.PostsWeight,
		Comments: cfg.Progress.CommentsWeight,
	}
	if err := weights.Validate(); err != nil {
		return fmt.Errorf("progress weights: %w", err)
	}

	registry := worker.NewRegistry()
	workerCfg := worker.Config{
		PhaseConcurrency:  cfg.Worker.PhaseConcurrency,
		MaxErrorRate:      cfg.Worker.MaxErrorRate,
		ErrorRateMinItems: int64(cfg.Worker.ErrorRateMinItems),
		Topic:             cfg.PubSub.TopicName,
	}
	var workers []*worker.Worker
	for i := 0; i < cfg.Worker.Count; i++ {
		workers = append(workers, worker.New(
			queue,
			jobStore,
			contentStore,
			gw,
			publisher,
			registry,
			clock,
			workerCfg,
			logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	dispatch := dispatcher.New(queue, workers, registry)

	apiServer := api.NewServer(jobStore, dispatch, idGen, clock, weights, cfg, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		logger.Info("dispatcher started", zap.Int("workers", cfg.Worker.Count))
		dispatch.Run(ctx)
	}()

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if closer, ok := queue.(interface{ Close() }); ok {
		closer.Close()
	}

	// Workers drain their in-flight jobs before Run returns.
	select {
	case <-dispatchDone:
	case <-shutdownCtx.Done():
		logger.Warn("workers did not drain before shutdown deadline")
	}
	logger.Info("shutdown complete")
	return nil
}
