// Package s3 runs fnhost on an S3 bucket through minio-go. It serves both
// s3:// (any S3-compatible endpoint) and aws:// (regional AWS endpoints with
// the default credential chain) store URLs.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pkt.systems/fnhost/internal/loggingutil"
	"pkt.systems/fnhost/internal/storage"
	"pkt.systems/pslog"
)

// Config locates the bucket. An empty Endpoint selects the AWS endpoint for
// Region; nil Credentials selects the environment, shared file and IAM chain.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	Credentials    *credentials.Credentials
	Transport      http.RoundTripper
}

// endpoint returns the host New dials for cfg.
func (cfg Config) endpoint() string {
	switch {
	case cfg.Endpoint != "":
		return cfg.Endpoint
	case cfg.Region != "":
		return "s3." + cfg.Region + ".amazonaws.com"
	}
	return "s3.amazonaws.com"
}

// Store is a storage.Backend over one bucket and key prefix.
type Store struct {
	mc     *minio.Client
	bucket string
	root   string
}

// New builds the client. It does not contact the endpoint; see Ping.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3: bucket required")
	}
	creds := cfg.Credentials
	if creds == nil {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}
	rt := cfg.Transport
	if rt == nil {
		rt = pooledTransport()
	}
	opts := &minio.Options{
		Creds:     creds,
		Secure:    !cfg.Insecure,
		Region:    cfg.Region,
		Transport: otelhttp.NewTransport(rt),
	}
	if cfg.ForcePathStyle {
		opts.BucketLookup = minio.BucketLookupPath
	}
	mc, err := minio.New(cfg.endpoint(), opts)
	if err != nil {
		return nil, fmt.Errorf("s3: client for %s: %w", cfg.endpoint(), err)
	}
	s := &Store{mc: mc, bucket: cfg.Bucket}
	if p := strings.Trim(cfg.Prefix, "/"); p != "" {
		s.root = p + "/"
	}
	return s, nil
}

func pooledTransport() http.RoundTripper {
	t, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	t = t.Clone()
	t.MaxIdleConnsPerHost = 64
	t.IdleConnTimeout = 90 * time.Second
	return t
}

// Ping fails unless the bucket exists and is reachable with the configured
// credentials.
func (s *Store) Ping(ctx context.Context) error {
	ok, err := s.mc.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("s3: bucket %s: %w", s.bucket, err)
	}
	if !ok {
		return fmt.Errorf("s3: bucket %s does not exist", s.bucket)
	}
	return nil
}

func (s *Store) Close() error { return nil }

func (s *Store) Get(ctx context.Context, key string) (storage.Object, error) {
	r, err := s.mc.GetObject(ctx, s.bucket, s.root+key, minio.GetObjectOptions{})
	if err != nil {
		return storage.Object{}, s.fail(ctx, "get", key, err)
	}
	defer r.Close()
	st, err := r.Stat()
	if err != nil {
		return storage.Object{}, s.fail(ctx, "get", key, err)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return storage.Object{}, s.fail(ctx, "get", key, err)
	}
	return storage.Object{
		Key:      key,
		ETag:     unquote(st.ETag),
		Size:     int64(len(data)),
		Modified: st.LastModified,
		Data:     data,
	}, nil
}

// Put sends a single-part upload so If-Match and If-None-Match apply.
func (s *Store) Put(ctx context.Context, key string, data []byte, pre storage.Precondition) (storage.Object, error) {
	opts := minio.PutObjectOptions{ContentType: "application/json"}
	switch {
	case pre.IfMatch != "":
		opts.SetMatchETag(pre.IfMatch)
	case pre.IfAbsent:
		opts.SetMatchETagExcept("*")
	}
	info, err := s.mc.PutObject(ctx, s.bucket, s.root+key, bytes.NewReader(data), int64(len(data)), opts)
	if err != nil {
		if pre.IfMatch == "" && status(err) == http.StatusNotFound {
			return storage.Object{}, fmt.Errorf("s3: put %s: %w", key, err)
		}
		return storage.Object{}, s.fail(ctx, "put", key, err)
	}
	return storage.Object{Key: key, ETag: unquote(info.ETag), Size: int64(len(data)), Modified: time.Now().UTC()}, nil
}

// Delete stats first: S3 deletes are unconditional and succeed on missing
// keys.
func (s *Store) Delete(ctx context.Context, key string, pre storage.Precondition) error {
	st, err := s.mc.StatObject(ctx, s.bucket, s.root+key, minio.StatObjectOptions{})
	if err != nil {
		return s.fail(ctx, "delete", key, err)
	}
	if pre.IfMatch != "" && unquote(st.ETag) != pre.IfMatch {
		return storage.ErrConflict
	}
	if err := s.mc.RemoveObject(ctx, s.bucket, s.root+key, minio.RemoveObjectOptions{}); err != nil {
		return s.fail(ctx, "delete", key, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, prefix, after string, limit int) (storage.Page, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	opts := minio.ListObjectsOptions{Prefix: s.root + prefix, Recursive: true}
	if after != "" {
		opts.StartAfter = s.root + after
	}
	var page storage.Page
	for item := range s.mc.ListObjects(ctx, s.bucket, opts) {
		if item.Err != nil {
			return storage.Page{}, s.fail(ctx, "list", prefix, item.Err)
		}
		if limit > 0 && len(page.Objects) == limit {
			page.Next = page.Objects[limit-1].Key
			break
		}
		page.Objects = append(page.Objects, storage.Object{
			Key:      strings.TrimPrefix(item.Key, s.root),
			ETag:     unquote(item.ETag),
			Size:     item.Size,
			Modified: item.LastModified,
		})
	}
	return page, nil
}

// fail maps a minio error onto the storage sentinels. Anything else is
// wrapped, and marked transient when a retry could help.
func (s *Store) fail(ctx context.Context, op, key string, err error) error {
	switch code := status(err); {
	case code == http.StatusNotFound:
		return storage.ErrNotFound
	case code == http.StatusPreconditionFailed, code == http.StatusConflict:
		loggingutil.EnsureLogger(pslog.LoggerFromContext(ctx)).Debug("s3.precondition.failed", "op", op, "key", key, "bucket", s.bucket)
		return storage.ErrConflict
	}
	wrapped := fmt.Errorf("s3: %s %s: %w", op, key, err)
	if retryable(err) {
		return storage.Transient(wrapped)
	}
	return wrapped
}

func status(err error) int {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp.StatusCode
	}
	return 0
}

func retryable(err error) bool {
	if err == nil {
		return false
	}
	switch code := status(err); {
	case code >= 500, code == http.StatusTooManyRequests, code == http.StatusRequestTimeout:
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var dns *net.DNSError
	if errors.As(err, &dns) && dns.IsTemporary {
		return true
	}
	for _, target := range []error{
		context.DeadlineExceeded, io.ErrUnexpectedEOF, net.ErrClosed,
		syscall.ECONNRESET, syscall.ECONNREFUSED, syscall.EPIPE, syscall.EHOSTUNREACH,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func unquote(etag string) string { return strings.Trim(etag, `"`) }
