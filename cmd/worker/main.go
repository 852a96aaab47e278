// Command worker runs the transcode worker: it consumes job tasks from the
// broker, drives ffmpeg, and uploads finished renditions to object storage.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	redis "github.com/redis/go-redis/v9"

	"cinetide/internal/catalog"
	"cinetide/internal/jobqueue"
	"cinetide/internal/objectstore"
	"cinetide/internal/observability/logging"
	"cinetide/internal/progress"
	"cinetide/internal/requestqueue"
	"cinetide/internal/transcode"
)

func main() {
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string for the catalog")
	objectEndpoint := flag.String("object-endpoint", "", "object storage endpoint")
	objectRegion := flag.String("object-region", "", "object storage region")
	objectAccessKey := flag.String("object-access-key", "", "object storage access key")
	objectSecretKey := flag.String("object-secret-key", "", "object storage secret key")
	objectBucket := flag.String("object-bucket", "", "object storage bucket name")
	brokerRedisAddr := flag.String("broker-redis-addr", "", "Redis address for the job broker")
	brokerRedisPassword := flag.String("broker-redis-password", "", "Redis password for the job broker")
	brokerRedisStream := flag.String("broker-redis-stream", "", "Redis stream key for job tasks")
	brokerRedisGroup := flag.String("broker-redis-group", "", "Redis consumer group for job tasks")
	progressRedisAddr := flag.String("progress-redis-addr", "", "Redis address for progress events (defaults to the broker address)")
	workDir := flag.String("work-dir", "", "scratch directory for transcode segments")
	ffmpegPath := flag.String("ffmpeg", "", "path to the ffmpeg binary")
	ffprobePath := flag.String("ffprobe", "", "path to the ffprobe binary")
	segmentSeconds := flag.Int("segment-seconds", 0, "length of transcode segments in seconds")
	concurrency := flag.Int("concurrency", 0, "jobs processed in parallel")
	uploadConcurrency := flag.Int("queue-upload-concurrency", 0, "concurrent object-store uploads")
	flag.Parse()

	loadDotEnv()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("CINETIDE_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("CINETIDE_LOG_FORMAT")),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dsn := firstNonEmpty(*postgresDSN, os.Getenv("CINETIDE_POSTGRES_DSN"), os.Getenv("DATABASE_URL"))
	if dsn == "" {
		logger.Error("worker requires a Postgres catalog", "hint", "set CINETIDE_POSTGRES_DSN")
		os.Exit(1)
	}
	repo, err := catalog.NewPostgresRepository(ctx, dsn)
	if err != nil {
		logger.Error("failed to open catalog", "error", err)
		os.Exit(1)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = repo.Close(closeCtx)
	}()

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

	brokerAddr := firstNonEmpty(*brokerRedisAddr, os.Getenv("CINETIDE_BROKER_REDIS_ADDR"))
	if brokerAddr == "" {
		logger.Error("worker requires a Redis broker", "hint", "set CINETIDE_BROKER_REDIS_ADDR")
		os.Exit(1)
	}
	brokerPassword := firstNonEmpty(*brokerRedisPassword, os.Getenv("CINETIDE_BROKER_REDIS_PASSWORD"))
	broker, err := jobqueue.NewRedisBroker(jobqueue.RedisBrokerConfig{
		Addr:     brokerAddr,
		Password: brokerPassword,
		Stream:   firstNonEmpty(*brokerRedisStream, os.Getenv("CINETIDE_BROKER_REDIS_STREAM")),
		Group:    firstNonEmpty(*brokerRedisGroup, os.Getenv("CINETIDE_BROKER_REDIS_GROUP")),
		Logger:   logger,
	})
	if err != nil {
		logger.Error("failed to configure job broker", "error", err)
		os.Exit(1)
	}
	defer broker.Close()

	progressAddr := firstNonEmpty(*progressRedisAddr, os.Getenv("CINETIDE_PROGRESS_REDIS_ADDR"), brokerAddr)
	progressClient := redis.NewClient(&redis.Options{Addr: progressAddr, Password: brokerPassword})
	defer progressClient.Close()
	sink := progress.NewRedisSink(progressClient, "", logger)

	uploadQueue := requestqueue.New(requestqueue.Config{
		Name:        "upload",
		Concurrency: positiveOr(resolveInt(*uploadConcurrency, "CINETIDE_QUEUE_UPLOAD_CONCURRENCY"), 4),
		Logger:      logger,
	})
	defer uploadQueue.Close()

	worker := jobqueue.NewWorker(jobqueue.WorkerConfig{
		Broker:      broker,
		Repo:        repo,
		Progress:    sink,
		Logger:      logger,
		Concurrency: positiveOr(resolveInt(*concurrency, "CINETIDE_WORKER_CONCURRENCY"), 1),
	})

	pipeline := transcode.NewPipeline(transcode.PipelineConfig{
		Repo:           repo,
		Store:          store,
		Queue:          uploadQueue,
		Broker:         broker,
		Progress:       sink,
		Logger:         logger,
		WorkDir:        firstNonEmpty(*workDir, os.Getenv("CINETIDE_WORK_DIR")),
		FFmpegPath:     firstNonEmpty(*ffmpegPath, os.Getenv("CINETIDE_FFMPEG")),
		FFprobePath:    firstNonEmpty(*ffprobePath, os.Getenv("CINETIDE_FFPROBE")),
		SegmentSeconds: resolveInt(*segmentSeconds, "CINETIDE_SEGMENT_SECONDS"),
	})
	pipeline.Register(worker)

	if err := worker.Recover(ctx); err != nil {
		logger.Error("failed to recover pending jobs", "error", err)
		os.Exit(1)
	}

	logger.Info("worker started", "broker", brokerAddr)
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("worker stopped")
}

func positiveOr(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
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
