package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"concierge-intercom/config"
	"concierge-intercom/internal/coordinator"
	"concierge-intercom/internal/domain/call"
	"concierge-intercom/internal/handler"
	"concierge-intercom/internal/metrics"
	"concierge-intercom/internal/middleware"
	"concierge-intercom/internal/push"
	"concierge-intercom/internal/recovery"
	"concierge-intercom/internal/redis"
	"concierge-intercom/internal/server"
	"concierge-intercom/internal/telephony"
	"concierge-intercom/internal/token"
	"concierge-intercom/internal/transport/httpdto"
	"concierge-intercom/internal/websocket"
	"concierge-intercom/pkg/logger"

	"go.uber.org/zap"
)

func main() {
	cfg := config.LoadConfig()

	log := logger.New(cfg.LogMode)
	logger.SetGlobalLogger(log)
	defer log.Sync()

	if err := cfg.Validate(); err != nil {
		log.Logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Logger.Fatal("intercomd stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	// Redis
	rdb := redis.NewClient(redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	if err := redis.Ping(ctx, rdb, 5*time.Second); err != nil {
		// signaling resubscribes in the background once Redis is back
		log.Logger.Warn("redis not reachable at startup", zap.Error(err))
	}
	signaling := redis.NewSignalingChannel(rdb, log)
	directory := redis.NewCallDirectory(rdb, cfg.CallDirectoryTTL)

	issuer, err := token.NewIssuer(token.Config{
		APIKey:    cfg.LiveKitAPIKey,
		APISecret: cfg.LiveKitAPISecret,
		RTMSecret: cfg.RTMSigningSecret,
		TTL:       cfg.TokenTTL,
	})
	if err != nil {
		return err
	}

	// Native shell link and coordinator
	shell := websocket.NewShellLink(log, cfg.ShellAckTimeout)
	shell.SetMediaURL(cfg.LiveKitURL)
	bridge := telephony.NewBridge(shell, log)

	coord, err := coordinator.New(coordinator.Deps{
		Tokens:    issuer,
		Signaling: signaling,
		Media:     shell,
		Telephony: bridge,
		Logger:    log,
	}, coordinator.Options{
		NoAnswerTimeout:  cfg.NoAnswerTimeout,
		MaxIncomingAge:   cfg.MaxIncomingAge,
		OperationTimeout: cfg.OperationTimeout,
	})
	if err != nil {
		return err
	}

	collector := metrics.New()
	collector.Attach(coord)
	defer collector.Detach()

	hub := websocket.NewHub(log)
	go hub.Run(ctx)
	hub.Attach(coord)
	defer hub.Detach()

	// Recovery
	var source recovery.ActiveCallSource = directory
	opts := recovery.Options{
		MaxCallAge: cfg.RecoveryMaxCallAge,
		Timeout:    cfg.RecoveryTimeout,
	}
	if cfg.RecoveryBaseURL != "" {
		httpSource := recovery.NewHTTPSource(cfg.RecoveryBaseURL, cfg.RecoveryToken, cfg.RecoveryTimeout)
		source = httpSource
		opts.Directory = httpSource
	}
	fetcher := recovery.NewFetcher(coord, source, log, opts)
	fetcher.Attach()
	defer fetcher.Detach()

	if cfg.AnnounceActiveCalls {
		announcer := recovery.NewAnnouncer(directory, log, cfg.OperationTimeout)
		announcer.Attach(coord)
		defer announcer.Flush()
		defer announcer.Detach()
	}

	// Push
	ingestor := push.NewIngestor(coord, log, cfg.PushReadyTimeout)
	ingestor.OnResult(collector.ObservePush)
	if cfg.AMQPURL != "" {
		consumer := push.NewConsumer(push.ConsumerConfig{
			URL:        cfg.AMQPURL,
			Exchange:   cfg.AMQPPushExchange,
			Queue:      cfg.AMQPPushQueue,
			BindingKey: cfg.AMQPPushRoutingKey,
			Prefetch:   cfg.AMQPPrefetch,
		}, ingestor, log)
		go func() {
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Logger.Error("push consumer stopped", zap.Error(err))
			}
		}()
	}

	if err := coord.Start(ctx); err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout)
		defer cancel()
		if err := coord.Close(closeCtx); err != nil {
			log.Logger.Warn("coordinator close failed", zap.Error(err))
		}
		fetcher.Wait()
	}()

	if u, ok := deviceUser(cfg); ok {
		if err := coord.SetCurrentUser(ctx, u); err != nil {
			log.Logger.Error("failed to set device user", zap.String("user_id", u.ID), zap.Error(err))
		}
	}

	// HTTP
	srv := server.New(cfg, log)
	auth := middleware.NewTokenAuth(cfg.ControlAPISecret)
	if !auth.Enabled() {
		log.Logger.Warn("CONTROL_API_SECRET is empty; control API is unauthenticated")
	}

	var limiter middleware.RateLimiter
	if cfg.RateLimitEnabled {
		limits := redis.DefaultRateLimitConfig()
		limits.CallLimit = cfg.CallRateLimit
		limits.PushLimit = cfg.PushRateLimit
		limiter = redis.NewRateLimiter(rdb, limits)
	}

	srv.SetupRoutes(&server.Handlers{
		Calls:   handler.NewCallHandler(coord),
		Users:   handler.NewUserHandler(coord),
		Push:    handler.NewPushHandler(ingestor, fetcher),
		Sockets: websocket.NewHandler(hub, shell, verifierFor(auth), srv.OriginAllowed, log),
	}, server.Routes{
		Auth:    auth,
		Limiter: limiter,
		Metrics: collector.Handler(),
		CurrentUserID: func() string {
			u, _ := coord.CurrentUser()
			return u.ID
		},
		Status: func() httpdto.StatusResponse {
			status := httpdto.StatusResponse{
				Ready:     coord.IsReady(),
				Shell:     shell.Connected(),
				UIClients: hub.ClientCount(),
			}
			if u, ok := coord.CurrentUser(); ok {
				status.User = &u
			}
			if snap, ok := coord.ActiveSession(); ok {
				status.ActiveCall = snap.ID
			}
			return status
		},
	})

	return srv.Start(ctx)
}

func deviceUser(cfg *config.Config) (call.CurrentUser, bool) {
	if cfg.DeviceUserID == "" {
		return call.CurrentUser{}, false
	}
	return call.CurrentUser{
		ID:              cfg.DeviceUserID,
		UserType:        call.UserType(cfg.DeviceUserType),
		DisplayName:     cfg.DeviceDisplayName,
		BuildingID:      cfg.DeviceBuildingID,
		ApartmentNumber: cfg.DeviceApartmentNumber,
	}, true
}

// verifierFor leaves websockets open when the control API has no secret.
func verifierFor(auth *middleware.TokenAuth) websocket.TokenVerifier {
	if !auth.Enabled() {
		return nil
	}
	return auth
}
