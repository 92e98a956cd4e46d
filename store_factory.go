package fnhost

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/fnhost/internal/clock"
	"pkt.systems/fnhost/internal/loggingutil"
	"pkt.systems/fnhost/internal/storage"
	"pkt.systems/fnhost/internal/storage/azure"
	"pkt.systems/fnhost/internal/storage/disk"
	storagelog "pkt.systems/fnhost/internal/storage/logging"
	"pkt.systems/fnhost/internal/storage/memory"
	"pkt.systems/fnhost/internal/storage/retry"
	"pkt.systems/fnhost/internal/storage/s3"
	"pkt.systems/pslog"
)

// OpenBackend opens cfg.Store, retries its transient errors and, unless
// DisableStorageTracing is set, traces every call.
func OpenBackend(ctx context.Context, cfg Config, clk clock.Clock, logger pslog.Logger) (storage.Backend, error) {
	backend, err := openBackend(ctx, cfg, clk)
	if err != nil {
		return nil, err
	}
	logger = loggingutil.WithSubsystem(logger, "storage")
	backend = retry.Wrap(backend, logger, clk, retry.Config{
		MaxAttempts: cfg.StorageRetryMaxAttempts,
		BaseDelay:   cfg.StorageRetryBaseDelay,
		MaxDelay:    cfg.StorageRetryMaxDelay,
	})
	if !cfg.DisableStorageTracing {
		backend = storagelog.Wrap(backend, logger, "storage.backend")
	}
	return backend, nil
}

func openBackend(ctx context.Context, cfg Config, clk clock.Clock) (storage.Backend, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("store %q: %w", cfg.Store, err)
	}
	switch u.Scheme {
	case "", "mem", "memory":
		return memory.NewWithOptions(memory.Options{NoWatch: cfg.DisableChangeFeed, Clock: clk}), nil
	case "disk":
		root, err := diskRoot(u)
		if err != nil {
			return nil, err
		}
		return disk.New(disk.Config{Root: root, Watch: !cfg.DisableChangeFeed})
	case "s3", "aws":
		sc, err := s3Config(cfg, u)
		if err != nil {
			return nil, err
		}
		store, err := s3.New(sc)
		if err != nil {
			return nil, err
		}
		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := store.Ping(pingCtx); err != nil {
			return nil, err
		}
		return store, nil
	case "azure":
		ac, err := azureConfig(cfg, u)
		if err != nil {
			return nil, err
		}
		return azure.New(ctx, ac)
	}
	return nil, fmt.Errorf("store scheme %q not supported", u.Scheme)
}

// diskRoot accepts disk:///abs/path and the two-slash disk://abs/path.
func diskRoot(u *url.URL) (string, error) {
	p := strings.Trim(u.Host+"/"+strings.TrimPrefix(u.Path, "/"), "/")
	if p == "" {
		return "", errors.New("disk store needs a path, e.g. disk:///var/lib/fnhost")
	}
	return filepath.Clean("/" + p), nil
}

// s3Config reads s3://endpoint/bucket[/prefix] and aws://bucket[/prefix].
// s3:// takes static credentials from cfg or the environment; aws:// uses
// the provider chain.
func s3Config(cfg Config, u *url.URL) (s3.Config, error) {
	q := u.Query()
	sc := s3.Config{
		Region:         strings.TrimSpace(q.Get("region")),
		Insecure:       queryBool(q, "insecure", false) || !queryBool(q, "secure", true) || strings.EqualFold(q.Get("scheme"), "http"),
		ForcePathStyle: queryBool(q, "path-style", false),
	}
	path := strings.Trim(u.Path, "/")
	if u.Scheme == "aws" {
		sc.Bucket, sc.Prefix = u.Host, path
		sc.Endpoint = strings.TrimSpace(q.Get("endpoint"))
		if sc.Region == "" {
			sc.Region = firstNonEmpty(cfg.AWSRegion, env("FNHOST_AWS_REGION", "AWS_REGION", "AWS_DEFAULT_REGION"))
		}
		switch {
		case sc.Bucket == "":
			return s3.Config{}, errors.New("aws store needs a bucket: aws://bucket[/prefix]")
		case sc.Region == "":
			return s3.Config{}, errors.New("aws store needs a region: set --aws-region or AWS_REGION")
		}
		return sc, nil
	}
	sc.Endpoint = u.Host
	sc.Bucket, sc.Prefix, _ = strings.Cut(path, "/")
	if sc.Endpoint == "" || sc.Bucket == "" {
		return s3.Config{}, errors.New("s3 store needs an endpoint and a bucket: s3://host[:port]/bucket[/prefix]")
	}
	creds, err := staticCredentials(cfg)
	if err != nil {
		return s3.Config{}, err
	}
	sc.Credentials = creds
	return sc, nil
}

// staticCredentials prefers the config, then FNHOST_S3_*, then AWS_*. No
// keys at all means anonymous access.
func staticCredentials(cfg Config) (*credentials.Credentials, error) {
	sources := [][3]string{
		{strings.TrimSpace(cfg.S3AccessKeyID), cfg.S3SecretAccessKey, cfg.S3SessionToken},
		{env("FNHOST_S3_ACCESS_KEY_ID"), os.Getenv("FNHOST_S3_SECRET_ACCESS_KEY"), os.Getenv("FNHOST_S3_SESSION_TOKEN")},
		{env("AWS_ACCESS_KEY_ID"), os.Getenv("AWS_SECRET_ACCESS_KEY"), os.Getenv("AWS_SESSION_TOKEN")},
	}
	for _, src := range sources {
		if src == [3]string{} {
			continue
		}
		if src[0] == "" || src[1] == "" {
			return nil, errors.New("s3 credentials need both an access key and a secret key")
		}
		return credentials.NewStaticV4(src[0], src[1], src[2]), nil
	}
	return credentials.NewStaticV4("", "", ""), nil
}

// azureConfig reads azure://account/container[/prefix]. Flags override the
// URL, which overrides the environment.
func azureConfig(cfg Config, u *url.URL) (azure.Config, error) {
	q := u.Query()
	ac := azure.Config{
		Account:    firstNonEmpty(cfg.AzureAccount, u.Host, env("AZURE_STORAGE_ACCOUNT", "AZURE_STORAGE_ACCOUNT_NAME")),
		AccountKey: firstNonEmpty(cfg.AzureAccountKey, env("FNHOST_AZURE_ACCOUNT_KEY", "AZURE_STORAGE_ACCOUNT_KEY", "AZURE_STORAGE_KEY")),
		Endpoint:   firstNonEmpty(q.Get("endpoint"), cfg.AzureEndpoint),
		SASToken:   firstNonEmpty(q.Get("sas"), cfg.AzureSASToken, env("FNHOST_AZURE_SAS_TOKEN", "AZURE_STORAGE_SAS_TOKEN")),
	}
	ac.Container, ac.Prefix, _ = strings.Cut(strings.Trim(u.Path, "/"), "/")
	switch {
	case ac.Account == "":
		return azure.Config{}, errors.New("azure store needs an account: azure://account/container or AZURE_STORAGE_ACCOUNT")
	case ac.Container == "":
		return azure.Config{}, errors.New("azure store needs a container: azure://account/container[/prefix]")
	}
	return ac, nil
}

func queryBool(q url.Values, name string, def bool) bool {
	v, err := strconv.ParseBool(q.Get(name))
	if err != nil {
		return def
	}
	return v
}

func env(names ...string) string {
	for _, name := range names {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			return v
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
