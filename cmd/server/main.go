// Command server starts the templatepipe HTTP service: the template
// acquisition, manifest binding, and render-plan execution pipeline behind
// POST /pipeline/v2/process.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"templatepipe/internal/api"
	"templatepipe/internal/jobledger"
	"templatepipe/internal/observability/logging"
	"templatepipe/internal/observability/metrics"
	"templatepipe/internal/outputstore"
	"templatepipe/internal/pipeline"
	"templatepipe/internal/resolver"
	"templatepipe/internal/server"
	"templatepipe/internal/serverutil"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	cacheRoot := flag.String("cache-root", "", "directory template packages are extracted into")
	outputRoot := flag.String("output-root", "", "directory rendered outputs are written into")
	publicBaseURL := flag.String("public-base-url", "", "base URL used to mint preview/final output URLs")
	downloadConnectTimeout := flag.Duration("download-connect-timeout", 0, "template download connect timeout")
	downloadReadTimeout := flag.Duration("download-read-timeout", 0, "template download total read timeout")
	cacheSweepInterval := flag.Duration("cache-sweep-interval", 0, "interval between template cache sweeps (0 disables sweeping)")
	cacheSweepMaxAge := flag.Duration("cache-sweep-max-age", 0, "maximum age of a cached template entry before it is swept")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log output format (json or text)")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	clientRPS := flag.Float64("rate-client-rps", 0, "per-client request rate limit in requests per second")
	clientBurst := flag.Int("rate-client-burst", 0, "per-client rate limit burst allowance")
	trustForwarded := flag.Bool("rate-trust-forwarded-headers", false, "trust proxy-provided client IP headers")
	trustedProxies := flag.String("rate-trusted-proxies", "", "comma separated CIDR blocks or IPs of trusted proxies")
	objectEndpoint := flag.String("object-endpoint", "", "S3-compatible endpoint for mirroring outputs")
	objectRegion := flag.String("object-region", "", "object storage region")
	objectAccessKey := flag.String("object-access-key", "", "object storage access key")
	objectSecretKey := flag.String("object-secret-key", "", "object storage secret key")
	objectBucket := flag.String("object-bucket", "", "object storage bucket name")
	objectUseSSL := flag.Bool("object-use-ssl", false, "enable TLS for object storage requests")
	objectPrefix := flag.String("object-prefix", "", "object storage key prefix")
	objectPublicEndpoint := flag.String("object-public-endpoint", "", "public endpoint used when mirroring to object storage")
	resolverRedisAddr := flag.String("resolver-redis-addr", "", "Redis address for the resolver's cross-process download lock (optional)")
	resolverRedisPassword := flag.String("resolver-redis-password", "", "Redis password for the resolver's cross-process download lock")
	resolverRedisDB := flag.Int("resolver-redis-db", 0, "Redis logical DB index for the resolver's cross-process download lock")
	jobLedgerDriver := flag.String("job-ledger-driver", "", "job ledger backend (memory or postgres)")
	jobLedgerDSN := flag.String("job-ledger-postgres-dsn", "", "Postgres DSN for the job ledger")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("TEMPLATEPIPE_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("TEMPLATEPIPE_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	listenAddr := firstNonEmpty(*addr, os.Getenv("TEMPLATEPIPE_ADDR"), ":9002")
	cacheRootPath := firstNonEmpty(*cacheRoot, os.Getenv("TEMPLATEPIPE_CACHE_ROOT"), defaultCacheRoot())
	outputRootPath := firstNonEmpty(*outputRoot, os.Getenv("TEMPLATEPIPE_OUTPUT_ROOT"), defaultOutputRoot())
	baseURL := firstNonEmpty(*publicBaseURL, os.Getenv("TEMPLATEPIPE_PUBLIC_BASE_URL"), "http://localhost:9002")

	tlsCertPath := firstNonEmpty(*tlsCert, os.Getenv("TEMPLATEPIPE_TLS_CERT"))
	tlsKeyPath := firstNonEmpty(*tlsKey, os.Getenv("TEMPLATEPIPE_TLS_KEY"))

	var distLock resolver.DistLock
	redisAddr := firstNonEmpty(*resolverRedisAddr, os.Getenv("TEMPLATEPIPE_RESOLVER_REDIS_ADDR"))
	if redisAddr != "" {
		lock, err := resolver.NewRedisDistLock(resolver.RedisDistLockConfig{
			Addr:     redisAddr,
			Password: firstNonEmpty(*resolverRedisPassword, os.Getenv("TEMPLATEPIPE_RESOLVER_REDIS_PASSWORD")),
			DB:       resolveInt(*resolverRedisDB, "TEMPLATEPIPE_RESOLVER_REDIS_DB"),
		})
		if err != nil {
			logger.Error("failed to configure resolver redis lock", "error", err)
			os.Exit(1)
		}
		distLock = lock
	}

	res, err := resolver.New(resolver.Config{
		CacheRoot:      cacheRootPath,
		ConnectTimeout: resolveDuration(*downloadConnectTimeout, "TEMPLATEPIPE_DOWNLOAD_CONNECT_TIMEOUT", 5*time.Second),
		ReadTimeout:    resolveDuration(*downloadReadTimeout, "TEMPLATEPIPE_DOWNLOAD_READ_TIMEOUT", 30*time.Second),
		Metrics:        recorder,
		DistLock:       distLock,
	})
	if err != nil {
		logger.Error("failed to initialise template resolver", "error", err)
		os.Exit(1)
	}

	store, err := outputstore.New(outputstore.Config{
		OutputRoot:    outputRootPath,
		PublicBaseURL: baseURL,
		S3: outputstore.S3Config{
			Endpoint:       firstNonEmpty(*objectEndpoint, os.Getenv("TEMPLATEPIPE_OBJECT_ENDPOINT")),
			Region:         firstNonEmpty(*objectRegion, os.Getenv("TEMPLATEPIPE_OBJECT_REGION")),
			AccessKey:      firstNonEmpty(*objectAccessKey, os.Getenv("TEMPLATEPIPE_OBJECT_ACCESS_KEY")),
			SecretKey:      firstNonEmpty(*objectSecretKey, os.Getenv("TEMPLATEPIPE_OBJECT_SECRET_KEY")),
			Bucket:         firstNonEmpty(*objectBucket, os.Getenv("TEMPLATEPIPE_OBJECT_BUCKET")),
			UseSSL:         resolveBool(*objectUseSSL, "TEMPLATEPIPE_OBJECT_USE_SSL"),
			Prefix:         strings.TrimSpace(firstNonEmpty(*objectPrefix, os.Getenv("TEMPLATEPIPE_OBJECT_PREFIX"))),
			PublicEndpoint: firstNonEmpty(*objectPublicEndpoint, os.Getenv("TEMPLATEPIPE_OBJECT_PUBLIC_ENDPOINT")),
		},
	})
	if err != nil {
		logger.Error("failed to initialise output store", "error", err)
		os.Exit(1)
	}

	var ledger pipeline.Ledger
	var ledgerPinger api.Pinger
	var ledgerCloser func(context.Context) error
	driver := strings.ToLower(firstNonEmpty(*jobLedgerDriver, os.Getenv("TEMPLATEPIPE_JOB_LEDGER_DRIVER"), "memory"))
	switch driver {
	case "postgres":
		dsn := firstNonEmpty(*jobLedgerDSN, os.Getenv("TEMPLATEPIPE_JOB_LEDGER_POSTGRES_DSN"))
		if dsn == "" {
			logger.Error("postgres job ledger selected without a DSN")
			os.Exit(1)
		}
		pgLedger, err := jobledger.New(context.Background(), jobledger.Config{DSN: dsn})
		if err != nil {
			logger.Error("failed to open job ledger", "error", err)
			os.Exit(1)
		}
		ledger = pgLedger
		ledgerPinger = pgLedger
		ledgerCloser = pgLedger.Close
	case "", "memory":
		// No durable ledger configured; JobResults are logged but not persisted.
	default:
		logger.Error("unsupported job ledger driver", "driver", driver)
		os.Exit(1)
	}

	orchestrator := &pipeline.Orchestrator{
		Resolver: res,
		Store:    store,
		Metrics:  recorder,
		Logger:   logger,
		Ledger:   ledger,
	}
	handler := api.NewHandler(orchestrator)
	handler.Ledger = ledgerPinger

	rateCfg := server.RateLimitConfig{
		GlobalRPS:             resolveFloat(*globalRPS, "TEMPLATEPIPE_RATE_GLOBAL_RPS"),
		GlobalBurst:           resolveInt(*globalBurst, "TEMPLATEPIPE_RATE_GLOBAL_BURST"),
		PerClientRPS:          resolveFloat(*clientRPS, "TEMPLATEPIPE_RATE_CLIENT_RPS"),
		PerClientBurst:        resolveInt(*clientBurst, "TEMPLATEPIPE_RATE_CLIENT_BURST"),
		TrustForwardedHeaders: resolveBool(*trustForwarded, "TEMPLATEPIPE_RATE_TRUST_FORWARDED_HEADERS"),
		TrustedProxies:        splitAndTrim(firstNonEmpty(*trustedProxies, os.Getenv("TEMPLATEPIPE_RATE_TRUSTED_PROXIES"))),
	}

	srv, err := server.New(handler, server.Config{
		Addr: listenAddr,
		TLS: server.TLSConfig{
			CertFile: tlsCertPath,
			KeyFile:  tlsKeyPath,
		},
		RateLimit: rateCfg,
		Logger:    logger,
		Metrics:   recorder,
		FilesDir:  outputRootPath,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweepStop := startCacheSweepWorker(
		ctx,
		logging.WithComponent(logger, "cache-sweeper"),
		res,
		resolveDuration(*cacheSweepInterval, "TEMPLATEPIPE_CACHE_SWEEP_INTERVAL", time.Hour),
		resolveDuration(*cacheSweepMaxAge, "TEMPLATEPIPE_CACHE_SWEEP_MAX_AGE", 0),
	)
	defer sweepStop()

	logger.Info("templatepipe listening", "addr", listenAddr, "cache_root", cacheRootPath, "output_root", outputRootPath)
	if tlsCertPath != "" && tlsKeyPath != "" {
		logger.Info("TLS enabled", "cert_file", tlsCertPath)
	}
	logger.Info("metrics endpoint available", "path", "/metrics")

	runErr := serverutil.Run(ctx, serverutil.Config{
		Server: srv.HTTPServer(),
		TLS: serverutil.TLSConfig{
			CertFile: tlsCertPath,
			KeyFile:  tlsKeyPath,
		},
		ShutdownTimeout: 10 * time.Second,
		Logger:          logging.WithComponent(logger, "http-server"),
		ActiveJobs:      recorder.ActiveJobs,
	})
	if runErr != nil {
		logger.Error("server error", "error", runErr)
	}

	if ledgerCloser != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := ledgerCloser(closeCtx); err != nil {
			logger.Warn("failed to close job ledger", "error", err)
		}
		cancel()
	}

	logger.Info("server stopped")
	if runErr != nil {
		os.Exit(1)
	}
}

func defaultCacheRoot() string {
	return filepath.Join(os.TempDir(), "templatepipe", "cache")
}

func defaultOutputRoot() string {
	return filepath.Join(os.TempDir(), "templatepipe", "output")
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
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
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

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
