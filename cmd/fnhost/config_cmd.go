package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/fnhost"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage fnhost configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.fnhost/" + fnhost.DefaultConfigFileName
	if dir, err := fnhost.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, fnhost.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default fnhost configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			if outPath == "" {
				dir, err := fnhost.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, fnhost.DefaultConfigFileName)
			}

			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}

			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}

			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

type configDefaults struct {
	Store                      string            `yaml:"store"`
	DisableStorageTracing      bool              `yaml:"disable-storage-tracing"`
	DisableChangeFeed          bool              `yaml:"disable-change-feed"`
	StorageRetryMaxAttempts    int               `yaml:"storage-retry-max-attempts"`
	StorageRetryBaseDelay      string            `yaml:"storage-retry-base-delay"`
	StorageRetryMaxDelay       string            `yaml:"storage-retry-max-delay"`
	AWSRegion                  string            `yaml:"aws-region"`
	QueueBackend               string            `yaml:"queue-backend"`
	SQSEndpoint                string            `yaml:"sqs-endpoint"`
	SQSQueuePrefix             string            `yaml:"sqs-queue-prefix"`
	SQSWaitTime                string            `yaml:"sqs-wait-time"`
	MaxMessageSize             string            `yaml:"max-message-size"`
	BatchSize                  int               `yaml:"batch-size"`
	NewBatchThreshold          int               `yaml:"new-batch-threshold"`
	MinPollInterval            string            `yaml:"min-poll-interval"`
	MaxPollInterval            string            `yaml:"max-poll-interval"`
	MaxDequeueCount            int               `yaml:"max-dequeue-count"`
	VisibilityTimeout          string            `yaml:"visibility-timeout"`
	FunctionTimeout            string            `yaml:"function-timeout"`
	ShutdownGrace              string            `yaml:"shutdown-grace"`
	LeaseBackend               string            `yaml:"lease-backend"`
	RedisAddrs                 []string          `yaml:"redis-addrs"`
	LeaseTTL                   string            `yaml:"lease-ttl"`
	InvocationLog              string            `yaml:"invocation-log"`
	InvocationLogPath          string            `yaml:"invocation-log-path"`
	InvocationLogRetryAttempts int               `yaml:"invocation-log-retry-attempts"`
	OTLPEndpoint               string            `yaml:"otlp-endpoint"`
	MetricsListen              string            `yaml:"metrics-listen"`
	PprofListen                string            `yaml:"pprof-listen"`
	EnableProfilingMetrics     bool              `yaml:"enable-profiling-metrics"`
	Functions                  []functionDefault `yaml:"functions"`
}

type functionDefault struct {
	Name        string   `yaml:"name"`
	Queue       string   `yaml:"queue"`
	Action      string   `yaml:"action"`
	Command     []string `yaml:"command,omitempty"`
	OutputQueue string   `yaml:"output-queue,omitempty"`
	Timeout     string   `yaml:"timeout,omitempty"`
	Singleton   bool     `yaml:"singleton,omitempty"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		Store:                      fnhost.DefaultStore,
		StorageRetryMaxAttempts:    fnhost.DefaultStorageRetryMaxAttempts,
		StorageRetryBaseDelay:      fnhost.DefaultStorageRetryBaseDelay.String(),
		StorageRetryMaxDelay:       fnhost.DefaultStorageRetryMaxDelay.String(),
		QueueBackend:               fnhost.DefaultQueueBackend,
		SQSWaitTime:                fnhost.DefaultSQSWaitTime.String(),
		MaxMessageSize:             humanize.IBytes(fnhost.DefaultMaxMessageBytes),
		BatchSize:                  fnhost.DefaultBatchSize,
		MinPollInterval:            fnhost.DefaultMinPollInterval.String(),
		MaxPollInterval:            fnhost.DefaultMaxPollInterval.String(),
		MaxDequeueCount:            fnhost.DefaultMaxDequeueCount,
		VisibilityTimeout:          fnhost.DefaultVisibilityTimeout.String(),
		FunctionTimeout:            fnhost.DefaultFunctionTimeout.String(),
		ShutdownGrace:              fnhost.DefaultShutdownGrace.String(),
		LeaseBackend:               fnhost.DefaultLeaseBackend,
		LeaseTTL:                   fnhost.DefaultLeaseTTL.String(),
		InvocationLog:              fnhost.DefaultInvocationLog,
		InvocationLogRetryAttempts: fnhost.DefaultInvocationLogRetryAttempts,
		Functions: []functionDefault{
			{Name: "audit", Queue: "orders", Action: fnhost.ActionLog, OutputQueue: "orders-audited"},
			{Name: "ship", Queue: "orders-audited", Action: fnhost.ActionExec, Command: []string{"/usr/local/bin/ship-order"}, Timeout: "30s"},
		},
	}
	for _, override := range overrides {
		override(&defaults)
	}
	return yaml.Marshal(defaults)
}
