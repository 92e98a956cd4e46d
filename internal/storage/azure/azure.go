// Package azure runs fnhost on an Azure Blob Storage container.
package azure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pkt.systems/fnhost/internal/storage"
)

// Config names the account, the credentials and the container. SASToken
// wins over AccountKey when both are set.
type Config struct {
	Account    string
	AccountKey string
	Endpoint   string
	SASToken   string
	Container  string
	Prefix     string
}

// Store is a storage.Backend over one container and blob name prefix.
type Store struct {
	api       *azblob.Client
	container string
	root      string
}

// New connects and creates the container if it does not exist yet.
func New(ctx context.Context, cfg Config) (*Store, error) {
	switch {
	case cfg.Account == "":
		return nil, errors.New("azure: account required")
	case cfg.Container == "":
		return nil, errors.New("azure: container required")
	case cfg.SASToken == "" && cfg.AccountKey == "":
		return nil, errors.New("azure: account key or SAS token required")
	}
	api, err := connect(cfg)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := api.CreateContainer(ctx, cfg.Container, nil); err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return nil, fail("create container", cfg.Container, err)
	}
	s := &Store{api: api, container: cfg.Container}
	if p := strings.Trim(cfg.Prefix, "/"); p != "" {
		s.root = p + "/"
	}
	return s, nil
}

func connect(cfg Config) (*azblob.Client, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "https://" + cfg.Account + ".blob.core.windows.net"
	}
	opts := &azblob.ClientOptions{ClientOptions: azcore.ClientOptions{Transport: tracedTransport()}}
	if cfg.SASToken != "" {
		signed, err := withSAS(endpoint, cfg.SASToken)
		if err != nil {
			return nil, err
		}
		return azblob.NewClientWithNoCredential(signed, opts)
	}
	cred, err := azblob.NewSharedKeyCredential(cfg.Account, cfg.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("azure: shared key: %w", err)
	}
	return azblob.NewClientWithSharedKeyCredential(endpoint, cred, opts)
}

type doer struct{ http.RoundTripper }

func (d doer) Do(req *http.Request) (*http.Response, error) { return d.RoundTrip(req) }

func tracedTransport() policy.Transporter {
	return doer{otelhttp.NewTransport(http.DefaultTransport)}
}

// withSAS appends a shared access signature to the endpoint query.
func withSAS(endpoint, sas string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("azure: endpoint %q: %w", endpoint, err)
	}
	sas = strings.TrimPrefix(sas, "?")
	if u.RawQuery == "" {
		u.RawQuery = sas
	} else {
		u.RawQuery += "&" + sas
	}
	return u.String(), nil
}

func (s *Store) Close() error { return nil }

func (s *Store) Get(ctx context.Context, key string) (storage.Object, error) {
	resp, err := s.api.DownloadStream(ctx, s.container, s.root+key, nil)
	if err != nil {
		return storage.Object{}, fail("get", key, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return storage.Object{}, storage.Transient(fmt.Errorf("azure: get %s: %w", key, err))
	}
	obj := storage.Object{Key: key, ETag: etagOf(resp.ETag), Size: int64(len(data)), Data: data}
	if resp.LastModified != nil {
		obj.Modified = resp.LastModified.UTC()
	}
	return obj, nil
}

func (s *Store) Put(ctx context.Context, key string, data []byte, pre storage.Precondition) (storage.Object, error) {
	resp, err := s.api.UploadBuffer(ctx, s.container, s.root+key, data, &azblob.UploadBufferOptions{
		HTTPHeaders:      &blob.HTTPHeaders{BlobContentType: to.Ptr("application/json")},
		AccessConditions: conditions(pre),
	})
	if err != nil {
		if pre.IfMatch == "" && bloberror.HasCode(err, bloberror.ContainerNotFound) {
			return storage.Object{}, fmt.Errorf("azure: put %s: %w", key, err)
		}
		return storage.Object{}, fail("put", key, err)
	}
	obj := storage.Object{Key: key, ETag: etagOf(resp.ETag), Size: int64(len(data)), Modified: time.Now().UTC()}
	if resp.LastModified != nil {
		obj.Modified = resp.LastModified.UTC()
	}
	return obj, nil
}

func (s *Store) Delete(ctx context.Context, key string, pre storage.Precondition) error {
	_, err := s.api.DeleteBlob(ctx, s.container, s.root+key, &azblob.DeleteBlobOptions{AccessConditions: conditions(pre)})
	if err != nil {
		return fail("delete", key, err)
	}
	return nil
}

// List filters after client side: the blob listing API pages by opaque
// marker, not by key.
func (s *Store) List(ctx context.Context, prefix, after string, limit int) (storage.Page, error) {
	full := s.root + prefix
	pager := s.api.NewListBlobsFlatPager(s.container, &azblob.ListBlobsFlatOptions{Prefix: &full})
	var page storage.Page
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return storage.Page{}, fail("list", prefix, err)
		}
		for _, item := range resp.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			key := strings.TrimPrefix(*item.Name, s.root)
			if key <= after {
				continue
			}
			if limit > 0 && len(page.Objects) == limit {
				page.Next = page.Objects[limit-1].Key
				return page, nil
			}
			obj := storage.Object{Key: key}
			if p := item.Properties; p != nil {
				obj.ETag = etagOf(p.ETag)
				if p.ContentLength != nil {
					obj.Size = *p.ContentLength
				}
				if p.LastModified != nil {
					obj.Modified = p.LastModified.UTC()
				}
			}
			page.Objects = append(page.Objects, obj)
		}
	}
	return page, nil
}

func conditions(pre storage.Precondition) *blob.AccessConditions {
	var mod blob.ModifiedAccessConditions
	switch {
	case pre.IfMatch != "":
		mod.IfMatch = to.Ptr(azcore.ETag(pre.IfMatch))
	case pre.IfAbsent:
		mod.IfNoneMatch = to.Ptr(azcore.ETagAny)
	default:
		return nil
	}
	return &blob.AccessConditions{ModifiedAccessConditions: &mod}
}

func etagOf(tag *azcore.ETag) string {
	if tag == nil {
		return ""
	}
	return string(*tag)
}

// fail maps a service error onto the storage sentinels.
func fail(op, key string, err error) error {
	var re *azcore.ResponseError
	if !errors.As(err, &re) {
		wrapped := fmt.Errorf("azure: %s %s: %w", op, key, err)
		if errors.Is(err, context.DeadlineExceeded) {
			return storage.Transient(wrapped)
		}
		return wrapped
	}
	switch {
	case re.StatusCode == http.StatusNotFound:
		return storage.ErrNotFound
	case re.StatusCode == http.StatusPreconditionFailed,
		re.StatusCode == http.StatusConflict && re.ErrorCode == string(bloberror.BlobAlreadyExists):
		return storage.ErrConflict
	case re.StatusCode >= http.StatusInternalServerError, re.StatusCode == http.StatusTooManyRequests:
		return storage.Transient(fmt.Errorf("azure: %s %s: %w", op, key, err))
	}
	return fmt.Errorf("azure: %s %s: %w", op, key, err)
}
