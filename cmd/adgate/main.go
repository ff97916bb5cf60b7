// Command adgate runs the ad-gated video delivery service: the HTTP surface,
// the Telegram webhook and the background sweeps.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"adgate/internal/admin"
	"adgate/internal/adsession"
	"adgate/internal/api"
	"adgate/internal/catalog"
	"adgate/internal/delivery"
	"adgate/internal/lifecycle"
	"adgate/internal/observability/logging"
	"adgate/internal/observability/metrics"
	"adgate/internal/ratelimit"
	"adgate/internal/scheduler"
	"adgate/internal/server"
	"adgate/internal/storage"
	"adgate/internal/telegram"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	storageDriver := flag.String("storage-driver", "", "datastore driver (json or postgres)")
	dataDir := flag.String("data-dir", "", "directory holding the JSON collections")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresAcquireTimeout := flag.Duration("postgres-acquire-timeout", 0, "timeout when acquiring a Postgres connection from the pool")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	postgresMaxConnLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime of a pooled Postgres connection")
	postgresMaxConnIdle := flag.Duration("postgres-max-conn-idle", 0, "maximum idle time of a pooled Postgres connection")
	postgresHealthInterval := flag.Duration("postgres-health-interval", 0, "interval between Postgres pool health checks")
	verifyWindow := flag.Duration("verify-window", 0, "how long an issued ad grant stays verifiable")
	assetTTL := flag.Duration("asset-ttl", 0, "lifetime of a delivered video message")
	noticeTTL := flag.Duration("notice-ttl", 0, "lifetime of prompts and notices")
	sweepInterval := flag.Duration("sweep-interval", 0, "interval between expired message sweeps")
	sweepConcurrency := flag.Int("sweep-concurrency", 0, "concurrent removals per sweep")
	botToken := flag.String("telegram-token", "", "Telegram bot token")
	apiBase := flag.String("telegram-api-base", "", "Telegram Bot API base URL")
	protectAssets := flag.Bool("telegram-protect-content", false, "forbid forwarding and saving delivered videos")
	webhookSecret := flag.String("webhook-secret", "", "secret token expected on webhook calls")
	sourceChannel := flag.Int64("source-channel-id", 0, "restricted channel whose video posts are ingested")
	publicChannel := flag.Int64("public-channel-id", 0, "public channel that receives teasers")
	autoPublish := flag.Bool("auto-publish", false, "post a teaser for every newly ingested video")
	adPageURL := flag.String("ad-page-url", "", "external page that plays the ad")
	watchLinkBase := flag.String("watch-link-base", "", "prefix for teaser watch links, e.g. https://t.me/bot?start=")
	redisAddr := flag.String("rate-redis-addr", "", "Redis address for the shared watch rate limit")
	redisPassword := flag.String("rate-redis-password", "", "Redis password for the shared watch rate limit")
	watchLimit := flag.Int("rate-watch-limit", 0, "watch requests allowed per user per window")
	watchWindow := flag.Duration("rate-watch-window", 0, "window for counting watch requests")
	adminHash := flag.String("admin-password-hash", "", "bcrypt hash of the admin password")
	adminIdle := flag.Duration("admin-idle-timeout", 0, "idle timeout for admin sessions")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("ADGATE_LOG_LEVEL"), "info"),
		Format: firstNonEmpty(*logFormat, os.Getenv("ADGATE_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dsn := resolvePostgresDSN(*postgresDSN)
	driver, err := resolveStorageDriver(*storageDriver, os.Getenv("ADGATE_STORAGE_DRIVER"), dsn)
	if err != nil {
		logger.Error("failed to resolve storage driver", "error", err)
		os.Exit(1)
	}

	storeLogger := logging.WithComponent(logger, "storage")
	var repo storage.Repository
	switch driver {
	case "postgres":
		if dsn == "" {
			logger.Error("postgres storage selected without DSN", "hint", "set --postgres-dsn, ADGATE_POSTGRES_DSN, or DATABASE_URL")
			os.Exit(1)
		}
		settings := resolvePostgresSettings(postgresSettings{
			MaxConns:        *postgresMaxConns,
			MinConns:        *postgresMinConns,
			AcquireTimeout:  *postgresAcquireTimeout,
			MaxConnLifetime: *postgresMaxConnLifetime,
			MaxConnIdle:     *postgresMaxConnIdle,
			HealthInterval:  *postgresHealthInterval,
			AppName:         *postgresAppName,
		})
		repo, err = storage.NewPostgresRepository(dsn, settings.options(storeLogger)...)
	default:
		dir := firstNonEmpty(*dataDir, os.Getenv("ADGATE_DATA_DIR"), "data")
		repo, err = storage.NewJSONRepository(dir, storage.WithLogger(storeLogger))
	}
	if err != nil {
		logger.Error("failed to open datastore", "driver", driver, "error", err)
		os.Exit(1)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := repo.Close(closeCtx); err != nil {
			logger.Warn("failed to close datastore", "error", err)
		}
	}()
	if err := storage.EnsureSchema(ctx, repo); err != nil {
		logger.Error("failed to prepare datastore schema", "error", err)
		os.Exit(1)
	}
	logger.Info("datastore ready", "driver", driver)

	bot, err := telegram.NewClient(telegram.Config{
		Token:         firstNonEmpty(*botToken, os.Getenv("ADGATE_TELEGRAM_TOKEN")),
		BaseURL:       firstNonEmpty(*apiBase, os.Getenv("ADGATE_TELEGRAM_API_BASE")),
		Logger:        logging.WithComponent(logger, "telegram"),
		ProtectAssets: resolveBool(*protectAssets, "ADGATE_TELEGRAM_PROTECT_CONTENT"),
	})
	if err != nil {
		logger.Error("failed to configure telegram client", "error", err)
		os.Exit(1)
	}

	cat := catalog.New(repo, catalog.WithLogger(logging.WithComponent(logger, "catalog")))
	sessions := adsession.NewManager(repo,
		adsession.WithWindow(resolveDuration(*verifyWindow, "ADGATE_VERIFY_WINDOW", 0)),
		adsession.WithLogger(logging.WithComponent(logger, "adsession")),
	)
	messages := lifecycle.NewManager(repo, messageRemover(bot),
		lifecycle.WithAssetTTL(resolveDuration(*assetTTL, "ADGATE_ASSET_TTL", 0)),
		lifecycle.WithNoticeTTL(resolveDuration(*noticeTTL, "ADGATE_NOTICE_TTL", 0)),
		lifecycle.WithConcurrency(resolveInt(*sweepConcurrency, "ADGATE_SWEEP_CONCURRENCY", 0)),
		lifecycle.WithLogger(logging.WithComponent(logger, "lifecycle")),
		lifecycle.WithObserver(recorder),
	)

	var probes []api.Probe
	limiter, closeLimiter, err := configureLimiter(
		firstNonEmpty(*redisAddr, os.Getenv("ADGATE_RATE_REDIS_ADDR")),
		firstNonEmpty(*redisPassword, os.Getenv("ADGATE_RATE_REDIS_PASSWORD")),
		resolveInt(*watchLimit, "ADGATE_RATE_WATCH_LIMIT", 5),
		resolveDuration(*watchWindow, "ADGATE_RATE_WATCH_WINDOW", time.Minute),
	)
	if err != nil {
		logger.Error("failed to configure rate limiter", "error", err)
		os.Exit(1)
	}
	defer closeLimiter()
	if redisLimiter, ok := limiter.(*ratelimit.Redis); ok {
		probes = append(probes, api.Probe{Name: "redis", Ping: redisLimiter.Ping})
	}

	orchestrator, err := delivery.New(delivery.Config{
		Repo:            repo,
		Catalog:         cat,
		Sessions:        sessions,
		Messages:        messages,
		Sender:          bot,
		Limiter:         limiter,
		Metrics:         recorder,
		Logger:          logging.WithComponent(logger, "delivery"),
		AdPageURL:       firstNonEmpty(*adPageURL, os.Getenv("ADGATE_AD_PAGE_URL")),
		WatchLinkBase:   firstNonEmpty(*watchLinkBase, os.Getenv("ADGATE_WATCH_LINK_BASE")),
		PublicChannelID: resolveInt64(*publicChannel, "ADGATE_PUBLIC_CHANNEL_ID"),
	})
	if err != nil {
		logger.Error("failed to configure delivery", "error", err)
		os.Exit(1)
	}

	admins := admin.NewSessionManager(repo,
		firstNonEmpty(*adminHash, os.Getenv("ADGATE_ADMIN_PASSWORD_HASH")),
		admin.WithIdleTimeout(resolveDuration(*adminIdle, "ADGATE_ADMIN_IDLE_TIMEOUT", 0)),
		admin.WithLogger(logging.WithComponent(logger, "admin")),
	)

	handler := &api.Handler{
		Store:           repo,
		Delivery:        orchestrator,
		Sessions:        sessions,
		Catalog:         cat,
		Admin:           admins,
		Probes:          probes,
		Logger:          logging.WithComponent(logger, "api"),
		WebhookSecret:   firstNonEmpty(*webhookSecret, os.Getenv("ADGATE_WEBHOOK_SECRET")),
		SourceChannelID: resolveInt64(*sourceChannel, "ADGATE_SOURCE_CHANNEL_ID"),
		AutoPublish:     resolveBool(*autoPublish, "ADGATE_AUTO_PUBLISH"),
	}

	srv, err := server.New(handler, server.Config{
		Addr:    firstNonEmpty(*addr, os.Getenv("ADGATE_ADDR"), ":8080"),
		TLS:     server.TLSConfig{CertFile: firstNonEmpty(*tlsCert, os.Getenv("ADGATE_TLS_CERT")), KeyFile: firstNonEmpty(*tlsKey, os.Getenv("ADGATE_TLS_KEY"))},
		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	group, groupCtx := errgroup.WithContext(ctx)

	sweeper := scheduler.NewWorker("message-sweep",
		resolveDuration(*sweepInterval, "ADGATE_SWEEP_INTERVAL", time.Minute),
		func(ctx context.Context, tick time.Time) error {
			_, err := messages.Sweep(ctx, tick)
			return err
		},
		scheduler.WithLogger(logging.WithComponent(logger, "sweeper")),
	)
	stopSweeper := sweeper.Start(groupCtx)
	defer stopSweeper()

	adminPurger := scheduler.NewWorker("admin-session-purge", 15*time.Minute,
		func(ctx context.Context, tick time.Time) error {
			_, err := admins.PurgeIdle(ctx, tick)
			return err
		},
		scheduler.WithLogger(logging.WithComponent(logger, "admin-purger")),
	)
	stopAdminPurger := adminPurger.Start(groupCtx)
	defer stopAdminPurger()

	group.Go(func() error {
		return srv.Run(groupCtx, nil)
	})
	group.Go(func() error {
		checkCtx, cancel := context.WithTimeout(groupCtx, 10*time.Second)
		defer cancel()
		if err := bot.GetMe(checkCtx); err != nil {
			logger.Warn("telegram token check failed", "error", err)
		}
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server error", "error", err)
		stopSweeper()
		stopAdminPurger()
		os.Exit(1)
	}
	logger.Info("server stopped")
}

// messageRemover maps the bot's "message not found" onto the lifecycle
// sentinel so a message deleted by hand counts as removed.
func messageRemover(bot *telegram.Client) lifecycle.Remover {
	return lifecycle.RemoverFunc(func(ctx context.Context, chatID, messageID int64) error {
		err := bot.DeleteMessage(ctx, chatID, messageID)
		if errors.Is(err, telegram.ErrMessageNotFound) {
			return fmt.Errorf("%w: %v", lifecycle.ErrMessageGone, err)
		}
		return err
	})
}

func configureLimiter(redisAddr, redisPassword string, limit int, window time.Duration) (ratelimit.Limiter, func(), error) {
	if limit <= 0 {
		return ratelimit.Unlimited{}, func() {}, nil
	}
	if redisAddr == "" {
		return ratelimit.NewMemory(limit, window), func() {}, nil
	}
	limiter, err := ratelimit.NewRedis(ratelimit.RedisConfig{
		Addr:     redisAddr,
		Password: redisPassword,
		Limit:    limit,
		Window:   window,
	})
	if err != nil {
		return nil, nil, err
	}
	return limiter, func() {
		if err := limiter.Close(); err != nil {
			slog.Default().Warn("failed to close redis limiter", "error", err)
		}
	}, nil
}
