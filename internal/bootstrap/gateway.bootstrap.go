package bootstrap

import (
	"context"
	"fmt"
	"net/http"

	"github.com/krobus00/stream-gateway/internal/config"
	"github.com/krobus00/stream-gateway/internal/entity"
	wsHandler "github.com/krobus00/stream-gateway/internal/handler/gateway/ws"
	httpHandler "github.com/krobus00/stream-gateway/internal/handler/recovery/http"
	"github.com/krobus00/stream-gateway/internal/infrastructure"
	"github.com/krobus00/stream-gateway/internal/queue"
	"github.com/krobus00/stream-gateway/internal/repository"
	"github.com/krobus00/stream-gateway/internal/service/ingest"
	"github.com/krobus00/stream-gateway/internal/service/ratelimit"
	"github.com/krobus00/stream-gateway/internal/service/recovery"
	"github.com/krobus00/stream-gateway/internal/service/subscription"
	"github.com/krobus00/stream-gateway/internal/service/tickcache"
	"github.com/krobus00/stream-gateway/internal/service/upstream"
	"github.com/krobus00/stream-gateway/internal/util"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func StartGateway(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gatewayDB, err := infrastructure.NewPostgresConnection(ctx, config.Env.Database["gateway"])
	util.ContinueOrFatal(err)
	infrastructure.StartPostgresHealthCheck(ctx, gatewayDB, config.Env.Database["gateway"].PingInterval)

	redisClient, err := infrastructure.NewRedisClient(ctx, config.Env.Redis["gateway"])
	util.ContinueOrFatal(err)

	nc, js, err := infrastructure.NewJetstream()
	util.ContinueOrFatal(err)

	recoveryAuditRepo := repository.NewRecoveryAuditRepository(gatewayDB)

	registry := subscription.NewRegistry(
		subscription.WithIdleThreshold(config.Env.Registry.IdleThreshold),
		subscription.WithSweepInterval(config.Env.Registry.SweepInterval),
	)
	registry.StartIdleSweep(ctx)

	limiter := ratelimit.NewProviderLimiter(config.Env.Providers)
	connections := upstream.NewConnectionManager(config.Env.Providers)
	cache := tickcache.NewTickCache(redisClient, config.Env.TickCache)

	recoveryQueue := queue.NewRedisQueue(redisClient, queue.Config{
		KeyPrefix:          config.Env.Recovery.KeyPrefix,
		Concurrency:        config.Env.Recovery.WorkerConcurrency,
		MaxRetries:         config.Env.Recovery.MaxRetries,
		BackoffBase:        config.Env.Recovery.BackoffBase,
		BackoffMax:         config.Env.Recovery.BackoffMax,
		PollInterval:       config.Env.Recovery.PollInterval,
		JobTimeout:         config.Env.Recovery.JobTimeout,
		CompletedRetention: config.Env.Recovery.CompletedRetention,
		FailedRetention:    config.Env.Recovery.FailedRetention,
	})

	recoveryService := recovery.NewService(
		config.Env.Recovery,
		recoveryQueue,
		cache,
		limiter,
		registry,
		connections,
		recovery.WithAuditStore(recoveryAuditRepo),
	)

	err = recoveryService.Start(ctx)
	util.ContinueOrFatal(err)

	tickIngestService := ingest.NewTickIngestService(js, cache, connections, registry)

	publishers := make([]entity.Publisher, 0)
	publishers = append(publishers, tickIngestService)
	for _, v := range publishers {
		err = v.JetstreamEventInit(ctx)
		util.ContinueOrFatal(err)
	}

	subscribers := make([]entity.Subscriber, 0)
	subscribers = append(subscribers, tickIngestService)
	for _, v := range subscribers {
		err = v.JetstreamEventSubscribe(ctx)
		util.ContinueOrFatal(err)
	}

	gatewayWSHandler := wsHandler.NewGatewayWSHandler(registry)
	recoveryHTTPHandler := httpHandler.NewRecoveryHTTPHandler(recoveryService, registry, connections, cache)

	httpMux := http.NewServeMux()
	gatewayWSHandler.Register(httpMux)
	recoveryHTTPHandler.Register(httpMux)

	httpPort := fmt.Sprintf(":%s", config.Env.Port["gateway_http"])
	httpServer := infrastructure.NewHTTPServerWithConfig(infrastructure.HTTPServerConfig{
		Addr:            httpPort,
		ShutdownTimeout: config.Env.GracefulShutdownTimeout,
	}, httpMux)

	go func() {
		err := httpServer.Start()
		if err != nil {
			logrus.Error(err)
		}
	}()
	logrus.Info(fmt.Sprintf("http server started on %s", httpPort))

	wait := gracefulShutdown(ctx, config.Env.GracefulShutdownTimeout, map[string]operation{
		"recovery workers": func(ctx context.Context) error {
			recoveryService.Stop()
			return nil
		},
		"gateway database": func(ctx context.Context) error {
			cancel()
			return gatewayDB.Close()
		},
		"redis connection": func(ctx context.Context) error {
			return redisClient.Close()
		},
		"http": func(ctx context.Context) error {
			return httpServer.Shutdown(ctx)
		},
		"nats connection": func(ctx context.Context) error {
			return infrastructure.CloseJetstream(nc)
		},
	})

	<-wait
}
