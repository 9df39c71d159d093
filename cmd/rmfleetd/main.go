package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/rmfleet/rmfleet/internal/app"
	"github.com/rmfleet/rmfleet/internal/eventbus"
	"github.com/rmfleet/rmfleet/internal/pool"
)

// fileConfig is the on-disk yaml configuration; -config defaults to
// rmfleet.yaml. Only broker, log_level and cert_root can be overridden by
// a flag (-broker, -log-level, -cert-root); the other fields are set here
// only.
type fileConfig struct {
	Broker   string `yaml:"broker"`
	CertRoot []string `yaml:"cert_root"`
	CertsDir string `yaml:"certs_dir"`
	LogLevel string `yaml:"log_level"`

	Pool struct {
		MaxConcurrentConnections int           `yaml:"max_concurrent_connections"`
		ConnectionRateLimit      int           `yaml:"connection_rate_limit"`
		BatchSize                int           `yaml:"batch_size"`
		CircuitBreakerThreshold  int64         `yaml:"circuit_breaker_threshold"`
		CircuitBreakerTimeout    time.Duration `yaml:"circuit_breaker_timeout"`
		ConnectionTimeout        time.Duration `yaml:"connection_timeout"`
		OperationTimeout         time.Duration `yaml:"operation_timeout"`
		HealthCheckInterval      time.Duration `yaml:"health_check_interval"`
		HealthSweepSubsetSize    int           `yaml:"health_sweep_subset_size"`
		MaxRetries               int           `yaml:"max_retries"`
		RetryBackoffBase         float64       `yaml:"retry_backoff_base"`
		JitterRange              float64       `yaml:"jitter_range"`
		ESPKeepAliveTime         time.Duration `yaml:"esp_keepalive_time"`
	} `yaml:"pool"`

	Monitor struct {
		MaxConcurrentMonitors int `yaml:"max_concurrent_monitors"`
		HighPrioritySeedCount int `yaml:"high_priority_seed_count"`
	} `yaml:"monitor"`

	Subscriptions struct {
		MaxSubscriptions int `yaml:"max_subscriptions"`
	} `yaml:"subscriptions"`

	NATS struct {
		Enabled       bool     `yaml:"enabled"`
		Servers       []string `yaml:"servers"`
		SubjectPrefix string   `yaml:"subject_prefix"`
	} `yaml:"nats"`
}

func defaultFileConfig() fileConfig {
	var c fileConfig
	c.LogLevel = "info"
	c.Pool.MaxConcurrentConnections = 50
	c.Pool.ConnectionRateLimit = 20
	c.Pool.BatchSize = 0
	c.Pool.CircuitBreakerThreshold = 3
	c.Pool.CircuitBreakerTimeout = 120 * time.Second
	c.Pool.ConnectionTimeout = 8 * time.Second
	c.Pool.OperationTimeout = 6 * time.Second
	c.Pool.HealthCheckInterval = 25 * time.Second
	c.Pool.HealthSweepSubsetSize = 10
	c.Pool.MaxRetries = 2
	c.Pool.RetryBackoffBase = 1.5
	c.Pool.JitterRange = 0.2
	c.Pool.ESPKeepAliveTime = 20 * time.Second
	c.Monitor.MaxConcurrentMonitors = 0
	c.Monitor.HighPrioritySeedCount = 2
	c.Subscriptions.MaxSubscriptions = 0
	return c
}

func loadConfig(filename string) (fileConfig, error) {
	cfg := defaultFileConfig()
	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", filename, err)
	}
	return cfg, nil
}

// certBaseFor picks the root directory recorded as active_config.json's
// cert_base: the configured global certs dir if set, else the first
// discovery root.
func certBaseFor(certsDir string, roots []string) string {
	if certsDir != "" {
		return certsDir
	}
	if len(roots) > 0 {
		return roots[0]
	}
	return "."
}

type rootList []string

func (r *rootList) String() string { return strings.Join(*r, ",") }
func (r *rootList) Set(v string) error {
	*r = append(*r, v)
	return nil
}

func main() {
	var (
		configPath  = flag.String("config", "rmfleet.yaml", "path to the yaml configuration file")
		broker      = flag.String("broker", "", "mqtts:// broker URL, overrides config")
		logLevel    = flag.String("log-level", "", "log level (debug, info, warn, error), overrides config")
		metricsAddr = flag.String("metrics-addr", ":9100", "address to serve /metrics, /healthz, and /ws on")
		healthCheck = flag.Bool("health-check", false, "perform a liveness check against -metrics-addr and exit")
	)
	var certRoots rootList
	flag.Var(&certRoots, "cert-root", "directory root to discover node identities under (repeatable)")
	flag.Parse()

	if *healthCheck {
		os.Exit(runHealthCheck(*metricsAddr))
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "rmfleetd: failed to load configuration:", err)
		os.Exit(1)
	}
	if *broker != "" {
		cfg.Broker = *broker
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	roots := cfg.CertRoot
	if len(certRoots) > 0 {
		roots = certRoots
	}

	logger := setupLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("starting rmfleetd",
		zap.String("broker", cfg.Broker),
		zap.Strings("cert_roots", roots),
		zap.String("log_level", cfg.LogLevel),
	)

	if cfg.Broker == "" || len(roots) == 0 {
		logger.Error("startup failed: broker and at least one cert-root are required")
		os.Exit(1)
	}

	application := app.New(app.Config{
		Broker:    cfg.Broker,
		ConfigDir: ".",
		CertBase:  certBaseFor(cfg.CertsDir, roots),
		PoolConfig: pool.Config{
			MaxConcurrentConnections: cfg.Pool.MaxConcurrentConnections,
			ConnectionRateLimit:      cfg.Pool.ConnectionRateLimit,
			BatchSize:                cfg.Pool.BatchSize,
			CircuitBreakerThreshold:  cfg.Pool.CircuitBreakerThreshold,
			CircuitBreakerTimeout:    cfg.Pool.CircuitBreakerTimeout,
			ConnectionTimeout:        cfg.Pool.ConnectionTimeout,
			OperationTimeout:         cfg.Pool.OperationTimeout,
			HealthCheckInterval:      cfg.Pool.HealthCheckInterval,
			HealthSweepSubsetSize:    cfg.Pool.HealthSweepSubsetSize,
			MaxRetries:               cfg.Pool.MaxRetries,
			RetryBackoffBase:         cfg.Pool.RetryBackoffBase,
			JitterRange:              cfg.Pool.JitterRange,
			ESPKeepAliveTime:         cfg.Pool.ESPKeepAliveTime,
		},
		MaxConcurrentMonitors: cfg.Monitor.MaxConcurrentMonitors,
		MaxSubscriptions:      cfg.Subscriptions.MaxSubscriptions,
		HighPrioritySeedCount: cfg.Monitor.HighPrioritySeedCount,
		MetricsAddr:           *metricsAddr,
		EventBus: eventbus.Config{
			Enabled:       cfg.NATS.Enabled,
			Servers:       cfg.NATS.Servers,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
		},
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("received shutdown signal")
		cancel()
	}()

	application.ServeHTTP(ctx)

	successful, total, err := application.BringUp(ctx, roots, cfg.CertsDir)
	if err != nil {
		logger.Error("bring-up failed", zap.Error(err))
		os.Exit(1)
	}
	if total == 0 || successful == 0 {
		logger.Error("startup failed: no nodes discovered or zero successful connections",
			zap.Int("successful", successful), zap.Int("total", total))
		os.Exit(1)
	}
	logger.Info("bring-up complete", zap.Int("successful", successful), zap.Int("total", total))

	<-ctx.Done()

	shutdownStart := time.Now()
	application.Shutdown()
	cancel()
	logger.Info("shutdown complete", zap.Duration("elapsed", time.Since(shutdownStart)))
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	zcfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zcfg.Build()
	if err != nil {
		panic("failed to initialize logger: " + err.Error())
	}
	return logger
}

func runHealthCheck(metricsAddr string) int {
	addr := metricsAddr
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + addr + "/healthz")
	if err != nil {
		fmt.Fprintln(os.Stderr, "health check failed:", err)
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintln(os.Stderr, "health check failed: status", resp.StatusCode)
		return 1
	}
	return 0
}
