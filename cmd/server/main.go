// Command server starts the Cinetide delivery API and streaming service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"cinetide/internal/api"
	"cinetide/internal/auth"
	"cinetide/internal/catalog"
	"cinetide/internal/jobqueue"
	"cinetide/internal/objectstore"
	"cinetide/internal/observability/logging"
	"cinetide/internal/observability/metrics"
	"cinetide/internal/requestqueue"
	"cinetide/internal/server"
	"cinetide/internal/stream"
	"cinetide/internal/upload"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	publicBaseURL := flag.String("public-base-url", "", "base URL advertised in playback responses")
	repoDriver := flag.String("catalog-driver", "", "catalog driver (memory or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string for the catalog")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	sessionStoreDriver := flag.String("session-store", "", "session store driver (memory or postgres)")
	sessionPostgresDSN := flag.String("session-postgres-dsn", "", "Postgres DSN for the session store")
	chunkDir := flag.String("chunk-dir", "", "directory for staged upload chunks")
	objectEndpoint := flag.String("object-endpoint", "", "object storage endpoint (e.g. http://127.0.0.1:9000)")
	objectRegion := flag.String("object-region", "", "object storage region")
	objectAccessKey := flag.String("object-access-key", "", "object storage access key")
	objectSecretKey := flag.String("object-secret-key", "", "object storage secret key")
	objectBucket := flag.String("object-bucket", "", "object storage bucket name")
	videoConcurrency := flag.Int("queue-video-concurrency", 0, "concurrent object-store operations for video traffic")
	subtitleConcurrency := flag.Int("queue-subtitle-concurrency", 0, "concurrent object-store operations for subtitle traffic")
	queueTimeout := flag.Duration("queue-op-timeout", 0, "per-operation timeout inside the admission queues")
	queueFailures := flag.Int("queue-failure-threshold", 0, "consecutive failures before a queue circuit opens")
	queueCooldown := flag.Duration("queue-cooldown", 0, "cooldown before an open queue circuit half-opens")
	brokerDriver := flag.String("broker-driver", "", "job broker driver (memory or redis)")
	brokerRedisAddr := flag.String("broker-redis-addr", "", "Redis address for the job broker")
	brokerRedisPassword := flag.String("broker-redis-password", "", "Redis password for the job broker")
	brokerRedisStream := flag.String("broker-redis-stream", "", "Redis stream key for job tasks")
	brokerRedisGroup := flag.String("broker-redis-group", "", "Redis consumer group for job tasks")
	globalRPS := flag.Float64("rate-global-rps", 0, "global API rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	uploadLimit := flag.Int("rate-upload-limit", 0, "maximum chunk uploads per window for a single IP")
	uploadWindow := flag.Duration("rate-upload-window", 0, "window for counting chunk uploads")
	rateRedisAddr := flag.String("rate-redis-addr", "", "Redis address for distributed upload throttling")
	rateRedisPassword := flag.String("rate-redis-password", "", "Redis password for distributed upload throttling")
	corsOrigins := flag.String("cors-origins", "", "comma separated origins allowed to call the API")
	presignTTL := flag.Duration("presign-ttl", 0, "lifetime of presigned playback URLs")
	flag.Parse()

	loadDotEnv()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("CINETIDE_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("CINETIDE_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, repoClose, err := openCatalog(ctx, catalogSettings{
		Driver:   firstNonEmpty(*repoDriver, os.Getenv("CINETIDE_CATALOG_DRIVER")),
		DSN:      resolvePostgresDSN(*postgresDSN),
		MaxConns: resolveInt(*postgresMaxConns, "CINETIDE_POSTGRES_MAX_CONNS"),
		AppName:  firstNonEmpty(*postgresAppName, os.Getenv("CINETIDE_POSTGRES_APP_NAME")),
	})
	if err != nil {
		logger.Error("failed to open catalog", "error", err)
		os.Exit(1)
	}
	defer repoClose()

	sessions, sessionClose, err := openSessions(ctx, sessionSettings{
		Driver: firstNonEmpty(*sessionStoreDriver, os.Getenv("CINETIDE_SESSION_STORE")),
		DSN: firstNonEmpty(
			*sessionPostgresDSN,
			os.Getenv("CINETIDE_SESSION_POSTGRES_DSN"),
			resolvePostgresDSN(*postgresDSN),
		),
	})
	if err != nil {
		logger.Error("failed to open session store", "error", err)
		os.Exit(1)
	}
	defer sessionClose()
	go sessions.RunPurge(ctx, time.Hour, logger)

	store, err := objectstore.NewS3Client(ctx, objectstore.Config{
		Endpoint:  firstNonEmpty(*objectEndpoint, os.Getenv("CINETIDE_OBJECT_ENDPOINT")),
		Region:    firstNonEmpty(*objectRegion, os.Getenv("CINETIDE_OBJECT_REGION")),
		AccessKey: firstNonEmpty(*objectAccessKey, os.Getenv("CINETIDE_OBJECT_ACCESS_KEY")),
		SecretKey: firstNonEmpty(*objectSecretKey, os.Getenv("CINETIDE_OBJECT_SECRET_KEY")),
		Bucket:    firstNonEmpty(*objectBucket, os.Getenv("CINETIDE_OBJECT_BUCKET")),
	})
	if err != nil {
		logger.Error("failed to configure object storage", "error", err)
		os.Exit(1)
	}

	queueDefaults := requestqueue.Config{
		OperationTimeout: resolveDuration(*queueTimeout, "CINETIDE_QUEUE_OP_TIMEOUT", 0),
		FailureThreshold: resolveInt(*queueFailures, "CINETIDE_QUEUE_FAILURE_THRESHOLD"),
		Cooldown:         resolveDuration(*queueCooldown, "CINETIDE_QUEUE_COOLDOWN", 0),
		Logger:           logger,
	}
	videoQueue := newQueue(queueDefaults, "video", resolveInt(*videoConcurrency, "CINETIDE_QUEUE_VIDEO_CONCURRENCY"), 32)
	defer videoQueue.Close()
	subtitleQueue := newQueue(queueDefaults, "subtitle", resolveInt(*subtitleConcurrency, "CINETIDE_QUEUE_SUBTITLE_CONCURRENCY"), 8)
	defer subtitleQueue.Close()

	broker, err := openBroker(brokerSettings{
		Driver:   firstNonEmpty(*brokerDriver, os.Getenv("CINETIDE_BROKER_DRIVER")),
		Addr:     firstNonEmpty(*brokerRedisAddr, os.Getenv("CINETIDE_BROKER_REDIS_ADDR")),
		Password: firstNonEmpty(*brokerRedisPassword, os.Getenv("CINETIDE_BROKER_REDIS_PASSWORD")),
		Stream:   firstNonEmpty(*brokerRedisStream, os.Getenv("CINETIDE_BROKER_REDIS_STREAM")),
		Group:    firstNonEmpty(*brokerRedisGroup, os.Getenv("CINETIDE_BROKER_REDIS_GROUP")),
	}, logger)
	if err != nil {
		logger.Error("failed to configure job broker", "error", err)
		os.Exit(1)
	}
	defer broker.Close()

	chunks := upload.NewChunkStore(
		firstNonEmpty(*chunkDir, os.Getenv("CINETIDE_CHUNK_DIR"), "data/chunks"),
		logger,
	)

	streamHandler := stream.NewHandler(stream.HandlerConfig{
		Repo:          repo,
		Store:         store,
		VideoQueue:    videoQueue,
		SubtitleQueue: subtitleQueue,
		Verifier:      sessions,
		Logger:        logger,
		Recorder:      recorder,
	})

	handler := &api.Handler{
		Repo:          repo,
		Sessions:      sessions,
		Store:         store,
		Chunks:        chunks,
		Broker:        broker,
		Access:        stream.NewAccessChecker(repo),
		VideoQueue:    videoQueue,
		SubtitleQueue: subtitleQueue,
		PublicBaseURL: firstNonEmpty(*publicBaseURL, os.Getenv("CINETIDE_PUBLIC_BASE_URL")),
		PresignTTL:    resolveDuration(*presignTTL, "CINETIDE_PRESIGN_TTL", 15*time.Minute),
		Logger:        logger,
	}

	srv, err := server.New(handler, server.Config{
		Addr: firstNonEmpty(*addr, os.Getenv("CINETIDE_ADDR"), ":8080"),
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("CINETIDE_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("CINETIDE_TLS_KEY")),
		},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:     resolveFloat(*globalRPS, "CINETIDE_RATE_GLOBAL_RPS"),
			GlobalBurst:   resolveInt(*globalBurst, "CINETIDE_RATE_GLOBAL_BURST"),
			UploadLimit:   resolveInt(*uploadLimit, "CINETIDE_RATE_UPLOAD_LIMIT"),
			UploadWindow:  resolveDuration(*uploadWindow, "CINETIDE_RATE_UPLOAD_WINDOW", time.Minute),
			RedisAddr:     firstNonEmpty(*rateRedisAddr, os.Getenv("CINETIDE_RATE_REDIS_ADDR")),
			RedisPassword: firstNonEmpty(*rateRedisPassword, os.Getenv("CINETIDE_RATE_REDIS_PASSWORD")),
		},
		CORS: server.CORSConfig{
			Origins: splitAndTrim(firstNonEmpty(*corsOrigins, os.Getenv("CINETIDE_CORS_ORIGINS"))),
		},
		Logger:  logger,
		Metrics: recorder,
		Stream:  streamHandler,
		Queues:  []*requestqueue.Queue{videoQueue, subtitleQueue},
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

type catalogSettings struct {
	Driver   string
	DSN      string
	MaxConns int
	AppName  string
}

func openCatalog(ctx context.Context, cfg catalogSettings) (catalog.Repository, func(), error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		if cfg.DSN != "" {
			driver = "postgres"
		} else {
			driver = "memory"
		}
	}
	switch driver {
	case "memory":
		return catalog.NewMemoryRepository(), func() {}, nil
	case "postgres":
		var opts []catalog.PostgresOption
		if cfg.MaxConns > 0 {
			opts = append(opts, catalog.WithMaxConnections(int32(cfg.MaxConns)))
		}
		if cfg.AppName != "" {
			opts = append(opts, catalog.WithApplicationName(cfg.AppName))
		}
		repo, err := catalog.NewPostgresRepository(ctx, cfg.DSN, opts...)
		if err != nil {
			return nil, nil, err
		}
		return repo, func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = repo.Close(closeCtx)
		}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported catalog driver %q", driver)
	}
}

type sessionSettings struct {
	Driver string
	DSN    string
}

func openSessions(ctx context.Context, cfg sessionSettings) (*auth.SessionManager, func(), error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		if cfg.DSN != "" {
			driver = "postgres"
		} else {
			driver = "memory"
		}
	}
	switch driver {
	case "memory":
		return auth.NewSessionManager(24 * time.Hour), func() {}, nil
	case "postgres":
		if cfg.DSN == "" {
			return nil, nil, fmt.Errorf("postgres session store selected without DSN")
		}
		store, err := auth.NewPostgresSessionStore(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		manager := auth.NewSessionManager(24*time.Hour, auth.WithStore(store))
		return manager, func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = store.Close(closeCtx)
		}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported session store driver %q", driver)
	}
}

type brokerSettings struct {
	Driver   string
	Addr     string
	Password string
	Stream   string
	Group    string
}

func openBroker(cfg brokerSettings, logger *slog.Logger) (jobqueue.Broker, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		if cfg.Addr != "" {
			driver = "redis"
		} else {
			driver = "memory"
		}
	}
	switch driver {
	case "memory":
		return jobqueue.NewMemoryBroker(), nil
	case "redis":
		return jobqueue.NewRedisBroker(jobqueue.RedisBrokerConfig{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			Stream:   cfg.Stream,
			Group:    cfg.Group,
			Logger:   logger,
		})
	default:
		return nil, fmt.Errorf("unsupported broker driver %q", driver)
	}
}

func newQueue(defaults requestqueue.Config, name string, concurrency, fallback int) *requestqueue.Queue {
	cfg := defaults
	cfg.Name = name
	cfg.Concurrency = concurrency
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = fallback
	}
	return requestqueue.New(cfg)
}

// loadDotEnv reads a .env file when present; real environment variables win.
func loadDotEnv() {
	if _, err := os.Stat(".env"); err != nil {
		return
	}
	_ = godotenv.Load()
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolvePostgresDSN(flagValue string) string {
	return firstNonEmpty(flagValue, os.Getenv("CINETIDE_POSTGRES_DSN"), os.Getenv("DATABASE_URL"))
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	return fallback
}
