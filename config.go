package fnhost

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"pkt.systems/fnhost/internal/queue"
)

const (
	// DefaultStore points the host at the in-memory backend when no store is provided.
	DefaultStore = "mem://"
	// DefaultQueueBackend keeps queues in the object store.
	DefaultQueueBackend = QueueBackendStore
	// DefaultLeaseBackend keeps singleton leases in the object store.
	DefaultLeaseBackend = LeaseBackendStore
	// DefaultInvocationLog persists invocation records in the object store.
	DefaultInvocationLog = InvocationLogStore
	// DefaultBatchSize bounds each dequeue and the concurrent dispatches per cycle.
	DefaultBatchSize = 16
	// DefaultMinPollInterval is the wait after a poll that found work.
	DefaultMinPollInterval = 100 * time.Millisecond
	// DefaultMaxPollInterval caps the empty-poll backoff.
	DefaultMaxPollInterval = time.Minute
	// DefaultMaxDequeueCount is the delivery count at which a failing message is poisoned.
	DefaultMaxDequeueCount = 5
	// DefaultVisibilityTimeout hides a dequeued message from other consumers.
	DefaultVisibilityTimeout = 10 * time.Minute
	// DefaultFunctionTimeout disables per-invocation timeouts.
	DefaultFunctionTimeout = time.Duration(0)
	// DefaultLeaseTTL bounds singleton leases; they renew at half this value.
	DefaultLeaseTTL = 15 * time.Second
	// DefaultShutdownGrace is how long Stop waits for in-flight invocations.
	DefaultShutdownGrace = 10 * time.Second
	// DefaultMaxMessageBytes bounds message bodies accepted by the object store queue.
	DefaultMaxMessageBytes = queue.DefaultMaxMessageBytes
	// DefaultStorageRetryMaxAttempts describes how many transient storage errors are retried.
	DefaultStorageRetryMaxAttempts = 4
	// DefaultStorageRetryBaseDelay configures the base delay between storage retries.
	DefaultStorageRetryBaseDelay = 50 * time.Millisecond
	// DefaultStorageRetryMaxDelay caps the exponential backoff between storage retries.
	DefaultStorageRetryMaxDelay = 2 * time.Second
	// DefaultInvocationLogRetryAttempts bounds retries of invocation log writes.
	DefaultInvocationLogRetryAttempts = 3
	// DefaultSQSWaitTime enables SQS long polling.
	DefaultSQSWaitTime = 10 * time.Second
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
)

// Queue backends.
const (
	QueueBackendStore = "store"
	QueueBackendSQS   = "sqs"
)

// Lease backends.
const (
	LeaseBackendStore = "store"
	LeaseBackendRedis = "redis"
)

// Invocation log backends.
const (
	InvocationLogStore  = "store"
	InvocationLogSQLite = "sqlite"
	InvocationLogNone   = "none"
)

// Config captures the tunables for a Host.
type Config struct {
	// Store is the backend DSN (mem://, disk:///path, s3://host/bucket, aws://bucket, azure://account/container).
	Store string `yaml:"store" mapstructure:"store"`
	// DisableStorageTracing disables OpenTelemetry spans around storage calls.
	DisableStorageTracing bool `yaml:"disable-storage-tracing" mapstructure:"disable-storage-tracing"`
	// DisableChangeFeed turns off change-feed wake-ups on memory and disk backends.
	DisableChangeFeed bool `yaml:"disable-change-feed" mapstructure:"disable-change-feed"`
	// StorageRetryMaxAttempts bounds retries of transient storage errors.
	StorageRetryMaxAttempts int `yaml:"storage-retry-max-attempts" mapstructure:"storage-retry-max-attempts"`
	// StorageRetryBaseDelay is the first retry delay.
	StorageRetryBaseDelay time.Duration `yaml:"storage-retry-base-delay" mapstructure:"storage-retry-base-delay"`
	// StorageRetryMaxDelay caps the retry delay.
	StorageRetryMaxDelay time.Duration `yaml:"storage-retry-max-delay" mapstructure:"storage-retry-max-delay"`

	// S3AccessKeyID, S3SecretAccessKey and S3SessionToken authenticate s3:// stores.
	S3AccessKeyID     string `yaml:"s3-access-key-id" mapstructure:"s3-access-key-id"`
	S3SecretAccessKey string `yaml:"s3-secret-access-key" mapstructure:"s3-secret-access-key"`
	S3SessionToken    string `yaml:"s3-session-token" mapstructure:"s3-session-token"`
	// AWSRegion applies to aws:// stores and the SQS queue backend.
	AWSRegion string `yaml:"aws-region" mapstructure:"aws-region"`
	// AzureAccount, AzureAccountKey, AzureEndpoint and AzureSASToken configure azure:// stores.
	AzureAccount    string `yaml:"azure-account" mapstructure:"azure-account"`
	AzureAccountKey string `yaml:"azure-account-key" mapstructure:"azure-account-key"`
	AzureEndpoint   string `yaml:"azure-endpoint" mapstructure:"azure-endpoint"`
	AzureSASToken   string `yaml:"azure-sas-token" mapstructure:"azure-sas-token"`

	// QueueBackend selects where queues live ("store" or "sqs").
	QueueBackend string `yaml:"queue-backend" mapstructure:"queue-backend"`
	// SQSEndpoint overrides the SQS endpoint (for local emulators).
	SQSEndpoint string `yaml:"sqs-endpoint" mapstructure:"sqs-endpoint"`
	// SQSQueuePrefix is prepended to every SQS queue name.
	SQSQueuePrefix string `yaml:"sqs-queue-prefix" mapstructure:"sqs-queue-prefix"`
	// SQSWaitTime enables long polling on SQS receives.
	SQSWaitTime time.Duration `yaml:"sqs-wait-time" mapstructure:"sqs-wait-time"`
	// MaxMessageBytes bounds message bodies on the object store queue.
	MaxMessageBytes int64 `yaml:"-" mapstructure:"-"`
	// MaxMessageSize is the humanized form of MaxMessageBytes ("64 KiB").
	MaxMessageSize string `yaml:"max-message-size" mapstructure:"max-message-size"`

	// BatchSize, NewBatchThreshold, MinPollInterval, MaxPollInterval,
	// MaxDequeueCount and VisibilityTimeout are the listener defaults.
	BatchSize         int           `yaml:"batch-size" mapstructure:"batch-size"`
	NewBatchThreshold int           `yaml:"new-batch-threshold" mapstructure:"new-batch-threshold"`
	MinPollInterval   time.Duration `yaml:"min-poll-interval" mapstructure:"min-poll-interval"`
	MaxPollInterval   time.Duration `yaml:"max-poll-interval" mapstructure:"max-poll-interval"`
	MaxDequeueCount   int           `yaml:"max-dequeue-count" mapstructure:"max-dequeue-count"`
	VisibilityTimeout time.Duration `yaml:"visibility-timeout" mapstructure:"visibility-timeout"`
	// FunctionTimeout bounds every invocation unless a function sets its own; 0 disables.
	FunctionTimeout time.Duration `yaml:"function-timeout" mapstructure:"function-timeout"`
	// ShutdownGrace is how long Stop waits for in-flight invocations.
	ShutdownGrace time.Duration `yaml:"shutdown-grace" mapstructure:"shutdown-grace"`

	// LeaseBackend selects singleton lease storage ("store" or "redis").
	LeaseBackend string `yaml:"lease-backend" mapstructure:"lease-backend"`
	// RedisAddrs lists the Redis servers for the redis lease backend.
	RedisAddrs []string `yaml:"redis-addrs" mapstructure:"redis-addrs"`
	// LeaseTTL bounds singleton leases.
	LeaseTTL time.Duration `yaml:"lease-ttl" mapstructure:"lease-ttl"`

	// InvocationLog selects the invocation log ("store", "sqlite" or "none").
	InvocationLog string `yaml:"invocation-log" mapstructure:"invocation-log"`
	// InvocationLogPath is the SQLite database file for the sqlite invocation log.
	InvocationLogPath string `yaml:"invocation-log-path" mapstructure:"invocation-log-path"`
	// InvocationLogRetryAttempts bounds retries of invocation log writes.
	InvocationLogRetryAttempts int `yaml:"invocation-log-retry-attempts" mapstructure:"invocation-log-retry-attempts"`

	// OTLPEndpoint enables OTLP trace export to the given collector endpoint.
	OTLPEndpoint string `yaml:"otlp-endpoint" mapstructure:"otlp-endpoint"`
	// MetricsListen is the Prometheus endpoint bind address; empty disables metrics.
	MetricsListen string `yaml:"metrics-listen" mapstructure:"metrics-listen"`
	// PprofListen is the pprof endpoint bind address; empty disables pprof.
	PprofListen string `yaml:"pprof-listen" mapstructure:"pprof-listen"`
	// EnableProfilingMetrics adds Go runtime metrics to the metrics endpoint.
	EnableProfilingMetrics bool `yaml:"enable-profiling-metrics" mapstructure:"enable-profiling-metrics"`

	// Functions declares queue-triggered functions served by the CLI host.
	Functions []FunctionConfig `yaml:"functions" mapstructure:"functions"`
}

// FunctionConfig declares one function in a config file. Functions
// registered from Go use QueueFunction instead.
type FunctionConfig struct {
	Name  string `yaml:"name" mapstructure:"name"`
	Queue string `yaml:"queue" mapstructure:"queue"`
	// Action selects the built-in body: log, forward, exec or fail.
	Action string `yaml:"action" mapstructure:"action"`
	// Command is the argv run by the exec action; the body is piped to stdin.
	Command []string `yaml:"command,omitempty" mapstructure:"command"`
	// OutputQueue receives forwarded bodies or exec stdout.
	OutputQueue     string        `yaml:"output-queue,omitempty" mapstructure:"output-queue"`
	Timeout         time.Duration `yaml:"timeout,omitempty" mapstructure:"timeout"`
	Singleton       bool          `yaml:"singleton,omitempty" mapstructure:"singleton"`
	BatchSize       int           `yaml:"batch-size,omitempty" mapstructure:"batch-size"`
	MaxDequeueCount int           `yaml:"max-dequeue-count,omitempty" mapstructure:"max-dequeue-count"`
}

// Built-in function actions.
const (
	ActionLog     = "log"
	ActionForward = "forward"
	ActionExec    = "exec"
	ActionFail    = "fail"
)

// DefaultConfig returns a Config with every default filled in.
func DefaultConfig() Config {
	cfg := Config{}
	_ = cfg.Validate()
	return cfg
}

// Validate fills defaults and checks the configuration.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Store) == "" {
		c.Store = DefaultStore
	}
	if c.StorageRetryMaxAttempts == 0 {
		c.StorageRetryMaxAttempts = DefaultStorageRetryMaxAttempts
	}
	if c.StorageRetryBaseDelay <= 0 {
		c.StorageRetryBaseDelay = DefaultStorageRetryBaseDelay
	}
	if c.StorageRetryMaxDelay <= 0 {
		c.StorageRetryMaxDelay = DefaultStorageRetryMaxDelay
	}
	c.QueueBackend = strings.ToLower(strings.TrimSpace(c.QueueBackend))
	if c.QueueBackend == "" {
		c.QueueBackend = DefaultQueueBackend
	}
	switch c.QueueBackend {
	case QueueBackendStore:
	case QueueBackendSQS:
		if strings.TrimSpace(c.AWSRegion) == "" {
			return fmt.Errorf("config: sqs queue backend requires aws-region")
		}
		if c.SQSWaitTime == 0 {
			c.SQSWaitTime = DefaultSQSWaitTime
		}
	default:
		return fmt.Errorf("config: queue backend must be %q or %q", QueueBackendStore, QueueBackendSQS)
	}
	if c.MaxMessageSize != "" {
		n, err := humanize.ParseBytes(c.MaxMessageSize)
		if err != nil {
			return fmt.Errorf("config: max message size: %w", err)
		}
		c.MaxMessageBytes = int64(n)
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = DefaultMaxMessageBytes
	}
	c.MaxMessageSize = humanize.IBytes(uint64(c.MaxMessageBytes))
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.NewBatchThreshold <= 0 {
		c.NewBatchThreshold = max(c.BatchSize/2, 1)
	}
	if c.MinPollInterval <= 0 {
		c.MinPollInterval = DefaultMinPollInterval
	}
	if c.MaxPollInterval <= 0 {
		c.MaxPollInterval = DefaultMaxPollInterval
	}
	if c.MaxPollInterval < c.MinPollInterval {
		return fmt.Errorf("config: max poll interval %s below min poll interval %s", c.MaxPollInterval, c.MinPollInterval)
	}
	if c.MaxDequeueCount <= 0 {
		c.MaxDequeueCount = DefaultMaxDequeueCount
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if c.FunctionTimeout < 0 {
		return fmt.Errorf("config: function timeout must be >= 0")
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	c.LeaseBackend = strings.ToLower(strings.TrimSpace(c.LeaseBackend))
	if c.LeaseBackend == "" {
		c.LeaseBackend = DefaultLeaseBackend
	}
	switch c.LeaseBackend {
	case LeaseBackendStore:
	case LeaseBackendRedis:
		if len(c.RedisAddrs) == 0 {
			return fmt.Errorf("config: redis lease backend requires redis-addrs")
		}
	default:
		return fmt.Errorf("config: lease backend must be %q or %q", LeaseBackendStore, LeaseBackendRedis)
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = DefaultLeaseTTL
	}
	c.InvocationLog = strings.ToLower(strings.TrimSpace(c.InvocationLog))
	if c.InvocationLog == "" {
		c.InvocationLog = DefaultInvocationLog
	}
	switch c.InvocationLog {
	case InvocationLogStore, InvocationLogNone:
	case InvocationLogSQLite:
		if strings.TrimSpace(c.InvocationLogPath) == "" {
			dir, err := DefaultConfigDir()
			if err != nil {
				return fmt.Errorf("config: resolve invocation log path: %w", err)
			}
			c.InvocationLogPath = filepath.Join(dir, "invocations.db")
		}
	default:
		return fmt.Errorf("config: invocation log must be %q, %q or %q", InvocationLogStore, InvocationLogSQLite, InvocationLogNone)
	}
	if c.InvocationLogRetryAttempts <= 0 {
		c.InvocationLogRetryAttempts = DefaultInvocationLogRetryAttempts
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	seen := make(map[string]struct{}, len(c.Functions))
	for i := range c.Functions {
		fn := &c.Functions[i]
		if err := fn.validate(); err != nil {
			return err
		}
		if _, dup := seen[fn.Name]; dup {
			return fmt.Errorf("config: function %s declared twice", fn.Name)
		}
		seen[fn.Name] = struct{}{}
	}
	return nil
}

func (f *FunctionConfig) validate() error {
	if strings.TrimSpace(f.Name) == "" {
		return fmt.Errorf("config: function name required")
	}
	if err := queue.ValidateName(f.Queue); err != nil {
		return fmt.Errorf("config: function %s: %w", f.Name, err)
	}
	f.Action = strings.ToLower(strings.TrimSpace(f.Action))
	if f.Action == "" {
		f.Action = ActionLog
	}
	switch f.Action {
	case ActionLog, ActionFail:
	case ActionForward:
		if f.OutputQueue == "" {
			return fmt.Errorf("config: function %s: forward requires output-queue", f.Name)
		}
	case ActionExec:
		if len(f.Command) == 0 {
			return fmt.Errorf("config: function %s: exec requires command", f.Name)
		}
	default:
		return fmt.Errorf("config: function %s: unknown action %q", f.Name, f.Action)
	}
	if f.OutputQueue != "" {
		if err := queue.ValidateName(f.OutputQueue); err != nil {
			return fmt.Errorf("config: function %s output: %w", f.Name, err)
		}
	}
	if f.Timeout < 0 {
		return fmt.Errorf("config: function %s: timeout must be >= 0", f.Name)
	}
	return nil
}

// DefaultConfigDir returns the default configuration directory ($HOME/.fnhost).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("FNHOST_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".fnhost"), nil
}
