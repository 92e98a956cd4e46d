package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/fnhost"
	"pkt.systems/fnhost/internal/loggingutil"
	"pkt.systems/fnhost/internal/version"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("FNHOST_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "fnhost")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}

// cli carries the per-invocation viper instance and base logger shared by
// every subcommand.
type cli struct {
	v      *viper.Viper
	logger pslog.Logger
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	c := &cli{v: viper.New(), logger: baseLogger}
	cmd := &cobra.Command{
		Use:           "fnhost",
		Short:         "fnhost runs queue-triggered functions with visibility renewal, poison queues and an invocation log",
		SilenceErrors: true,
		Example: `
  # In-memory storage with one logging function (tests/dev only)
  fnhost --store mem://

  # Disk backend; functions declared in $HOME/.fnhost/config.yaml
  fnhost --store disk:///var/lib/fnhost

  # MinIO backend (TLS on by default; append ?insecure=1 for HTTP)
  FNHOST_STORE=s3://localhost:9000/fnhost?insecure=1 FNHOST_S3_ACCESS_KEY_ID=minioadmin FNHOST_S3_SECRET_ACCESS_KEY=minioadmin fnhost

  # Queues in SQS, singleton leases in Redis
  fnhost --store aws://my-bucket --aws-region eu-north-1 --queue-backend sqs --lease-backend redis --redis-addrs redis:6379
`,
		Args: cobra.NoArgs,
		RunE: c.runServe,
	}

	pf := cmd.PersistentFlags()
	pf.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.fnhost/"+fnhost.DefaultConfigFileName+")")
	pf.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	pf.String("store", fnhost.DefaultStore, "storage backend URL (mem://, disk:///path, s3://host[:port]/bucket, aws://bucket, azure://account/container)")
	pf.Bool("disable-storage-tracing", false, "disable OpenTelemetry spans around storage calls")
	pf.Bool("disable-change-feed", false, "disable change-feed wake-ups on memory and disk backends")
	pf.Int("storage-retry-max-attempts", fnhost.DefaultStorageRetryMaxAttempts, "maximum storage retry attempts")
	pf.Duration("storage-retry-base-delay", fnhost.DefaultStorageRetryBaseDelay, "initial backoff for storage retries")
	pf.Duration("storage-retry-max-delay", fnhost.DefaultStorageRetryMaxDelay, "maximum backoff delay for storage retries")
	pf.String("s3-access-key-id", "", "access key for s3:// stores (or FNHOST_S3_ACCESS_KEY_ID)")
	pf.String("s3-secret-access-key", "", "secret key for s3:// stores")
	pf.String("s3-session-token", "", "session token for s3:// stores")
	pf.String("aws-region", "", "AWS region for aws:// stores and SQS")
	pf.String("azure-account", "", "Azure Storage account name")
	pf.String("azure-account-key", "", "Azure Storage account key (or FNHOST_AZURE_ACCOUNT_KEY)")
	pf.String("azure-endpoint", "", "Azure Blob service endpoint")
	pf.String("azure-sas-token", "", "Azure SAS token (alternative to the account key)")
	pf.String("queue-backend", fnhost.DefaultQueueBackend, "queue backend (store or sqs)")
	pf.String("sqs-endpoint", "", "SQS endpoint override (for local emulators)")
	pf.String("sqs-queue-prefix", "", "prefix prepended to every SQS queue name")
	pf.Duration("sqs-wait-time", fnhost.DefaultSQSWaitTime, "SQS long-poll wait time")
	pf.String("max-message-size", humanize.IBytes(fnhost.DefaultMaxMessageBytes), "maximum message body size for store queues")
	pf.Int("batch-size", fnhost.DefaultBatchSize, "messages dequeued per poll and dispatched concurrently")
	pf.Int("new-batch-threshold", 0, "in-flight count below which a new batch is fetched (default batch-size/2)")
	pf.Duration("min-poll-interval", fnhost.DefaultMinPollInterval, "poll interval after finding work")
	pf.Duration("max-poll-interval", fnhost.DefaultMaxPollInterval, "upper bound of the empty-poll backoff")
	pf.Int("max-dequeue-count", fnhost.DefaultMaxDequeueCount, "deliveries before a failing message is poisoned")
	pf.Duration("visibility-timeout", fnhost.DefaultVisibilityTimeout, "visibility timeout of dequeued messages (renewed at 80%)")
	pf.Duration("function-timeout", fnhost.DefaultFunctionTimeout, "default per-invocation timeout (0 disables)")
	pf.Duration("shutdown-grace", fnhost.DefaultShutdownGrace, "time to wait for in-flight invocations on shutdown")
	pf.String("lease-backend", fnhost.DefaultLeaseBackend, "singleton lease backend (store or redis)")
	pf.StringSlice("redis-addrs", nil, "Redis addresses for the redis lease backend")
	pf.Duration("lease-ttl", fnhost.DefaultLeaseTTL, "singleton lease TTL (renewed at half)")
	pf.String("invocation-log", fnhost.DefaultInvocationLog, "invocation log (store, sqlite or none)")
	pf.String("invocation-log-path", "", "SQLite database path (defaults to $HOME/.fnhost/invocations.db)")
	pf.Int("invocation-log-retry-attempts", fnhost.DefaultInvocationLogRetryAttempts, "attempts per invocation log write")
	pf.String("otlp-endpoint", "", "OTLP trace collector endpoint (host:port, grpc://, http://)")
	pf.String("metrics-listen", "", "Prometheus metrics listen address (empty disables)")
	pf.String("pprof-listen", "", "pprof listen address (empty disables)")
	pf.Bool("enable-profiling-metrics", false, "add Go runtime metrics to the metrics endpoint")

	c.v.SetEnvPrefix("FNHOST")
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()
	if err := c.v.BindPFlags(pf); err != nil {
		panic(err)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the function host (same as running fnhost without a subcommand)",
		Args:  cobra.NoArgs,
		RunE:  c.runServe,
	})
	cmd.AddCommand(c.newEnqueueCommand())
	cmd.AddCommand(c.newCountCommand())
	cmd.AddCommand(c.newPeekCommand())
	cmd.AddCommand(c.newInvocationsCommand())
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func (c *cli) runServe(cmd *cobra.Command, _ []string) error {
	cmd.SilenceUsage = true
	ctx := cmd.Context()
	cfg, logger, err := c.loadConfig()
	if err != nil {
		return err
	}
	cliLogger := loggingutil.WithSubsystem(logger, "cli", "serve")
	cliLogger.Info("welcome to fnhost", "version", version.Current(), "pid", os.Getpid(), "store", cfg.Store, "functions", len(cfg.Functions))
	h, err := fnhost.New(cfg, fnhost.WithLogger(logger))
	if err != nil {
		return err
	}
	if err := h.Start(ctx); err != nil {
		_ = h.Stop(context.Background())
		return err
	}
	<-ctx.Done()
	cliLogger.Info("shutdown requested", "grace", cfg.ShutdownGrace)
	if err := h.Stop(context.Background()); err != nil {
		cliLogger.Warn("shutdown incomplete", "error", err)
		return err
	}
	return nil
}

// openAdminHost opens the configured backends without registering or
// starting any function.
func (c *cli) openAdminHost() (*fnhost.Host, error) {
	cfg, logger, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	cfg.Functions = nil
	cfg.OTLPEndpoint, cfg.MetricsListen, cfg.PprofListen = "", "", ""
	cfg.EnableProfilingMetrics = false
	return fnhost.New(cfg, fnhost.WithLogger(logger))
}

func (c *cli) loadConfig() (fnhost.Config, pslog.Logger, error) {
	logger := c.logger
	configFile, err := c.loadConfigFile()
	if err != nil {
		return fnhost.Config{}, nil, err
	}
	if level, ok := pslog.ParseLevel(strings.TrimSpace(c.v.GetString("log-level"))); ok {
		logger = logger.LogLevel(level)
	}
	if configFile != "" {
		loggingutil.WithSubsystem(logger, "cli", "config").Debug("loaded config file", "path", configFile)
	}
	cfg, err := bindConfig(c.v)
	if err != nil {
		return fnhost.Config{}, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return fnhost.Config{}, nil, err
	}
	return cfg, logger, nil
}

func bindConfig(v *viper.Viper) (fnhost.Config, error) {
	cfg := fnhost.Config{
		Store:                      v.GetString("store"),
		DisableStorageTracing:      v.GetBool("disable-storage-tracing"),
		DisableChangeFeed:          v.GetBool("disable-change-feed"),
		StorageRetryMaxAttempts:    v.GetInt("storage-retry-max-attempts"),
		StorageRetryBaseDelay:      v.GetDuration("storage-retry-base-delay"),
		StorageRetryMaxDelay:       v.GetDuration("storage-retry-max-delay"),
		S3AccessKeyID:              v.GetString("s3-access-key-id"),
		S3SecretAccessKey:          v.GetString("s3-secret-access-key"),
		S3SessionToken:             v.GetString("s3-session-token"),
		AWSRegion:                  strings.TrimSpace(v.GetString("aws-region")),
		AzureAccount:               v.GetString("azure-account"),
		AzureAccountKey:            v.GetString("azure-account-key"),
		AzureEndpoint:              v.GetString("azure-endpoint"),
		AzureSASToken:              v.GetString("azure-sas-token"),
		QueueBackend:               v.GetString("queue-backend"),
		SQSEndpoint:                v.GetString("sqs-endpoint"),
		SQSQueuePrefix:             v.GetString("sqs-queue-prefix"),
		SQSWaitTime:                v.GetDuration("sqs-wait-time"),
		MaxMessageSize:             v.GetString("max-message-size"),
		BatchSize:                  v.GetInt("batch-size"),
		NewBatchThreshold:          v.GetInt("new-batch-threshold"),
		MinPollInterval:            v.GetDuration("min-poll-interval"),
		MaxPollInterval:            v.GetDuration("max-poll-interval"),
		MaxDequeueCount:            v.GetInt("max-dequeue-count"),
		VisibilityTimeout:          v.GetDuration("visibility-timeout"),
		FunctionTimeout:            v.GetDuration("function-timeout"),
		ShutdownGrace:              v.GetDuration("shutdown-grace"),
		LeaseBackend:               v.GetString("lease-backend"),
		RedisAddrs:                 v.GetStringSlice("redis-addrs"),
		LeaseTTL:                   v.GetDuration("lease-ttl"),
		InvocationLog:              v.GetString("invocation-log"),
		InvocationLogPath:          v.GetString("invocation-log-path"),
		InvocationLogRetryAttempts: v.GetInt("invocation-log-retry-attempts"),
		OTLPEndpoint:               v.GetString("otlp-endpoint"),
		MetricsListen:              v.GetString("metrics-listen"),
		PprofListen:                v.GetString("pprof-listen"),
		EnableProfilingMetrics:     v.GetBool("enable-profiling-metrics"),
	}
	for _, name := range []string{"AWS_REGION", "AWS_DEFAULT_REGION"} {
		if cfg.AWSRegion != "" {
			break
		}
		cfg.AWSRegion = strings.TrimSpace(os.Getenv(name))
	}
	if v.IsSet("functions") {
		if err := v.UnmarshalKey("functions", &cfg.Functions); err != nil {
			return fnhost.Config{}, fmt.Errorf("parse functions: %w", err)
		}
	}
	return cfg, nil
}

// loadConfigFile reads --config into viper. Without --config the default
// file is read only if it exists; an explicit path must exist.
func (c *cli) loadConfigFile() (string, error) {
	path, required := strings.TrimSpace(c.v.GetString("config")), true
	if path == "" {
		dir, err := fnhost.DefaultConfigDir()
		if err != nil {
			return "", nil
		}
		path, required = filepath.Join(dir, fnhost.DefaultConfigFileName), false
	}
	path, err := expandHome(path)
	if err != nil {
		return "", fmt.Errorf("config path: %w", err)
	}
	switch info, err := os.Stat(path); {
	case errors.Is(err, fs.ErrNotExist) && !required:
		return "", nil
	case err != nil:
		return "", fmt.Errorf("config path: %w", err)
	case info.IsDir():
		return "", fmt.Errorf("config path %s: is a directory", path)
	}
	c.v.SetConfigFile(path)
	if err := c.v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("config %s: %w", path, err)
	}
	return path, nil
}

// expandHome resolves a leading ~ or ~/ and makes p absolute.
func expandHome(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	rest, tilde := strings.CutPrefix(p, "~")
	if tilde && (rest == "" || os.IsPathSeparator(rest[0])) {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		p = home + rest
	}
	return filepath.Abs(p)
}
