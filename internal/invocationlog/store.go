package invocationlog

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"pkt.systems/fnhost/internal/storage"
)

const (
	runningPrefix   = "invocations/running/"
	completedPrefix = "invocations/completed/"
	listPageSize    = 256
)

// ObjectStore keeps invocation records as JSON documents in a
// storage.Backend. Running records live at invocations/running/<id>.json;
// completed ones at invocations/completed/<function>/<start>-<id>.json so a
// listing is ordered by start time.
type ObjectStore struct {
	backend storage.Backend
}

// NewObjectStore returns a Store backed by backend.
func NewObjectStore(backend storage.Backend) *ObjectStore {
	return &ObjectStore{backend: backend}
}

func runningKey(id string) string {
	return runningPrefix + id + ".json"
}

func completedKey(fi *FunctionInstance) string {
	return path.Join(strings.TrimSuffix(completedPrefix, "/"), fi.FunctionName,
		fmt.Sprintf("%020d-%s.json", fi.StartTime.UnixNano(), fi.ID))
}

// LogStarted writes the running record and returns its key.
func (s *ObjectStore) LogStarted(ctx context.Context, instance *FunctionInstance) (string, error) {
	if instance == nil || instance.ID == "" {
		return "", fmt.Errorf("invocationlog: instance id required")
	}
	key := runningKey(instance.ID)
	if _, err := storage.StoreJSON(ctx, s.backend, key, instance, storage.Precondition{}); err != nil {
		return "", fmt.Errorf("invocationlog: log started %s: %w", instance.ID, err)
	}
	return key, nil
}

// LogCompleted writes the completed record.
func (s *ObjectStore) LogCompleted(ctx context.Context, instance *FunctionInstance) error {
	if instance == nil || !instance.Completed() {
		return fmt.Errorf("invocationlog: completed instance required")
	}
	if _, err := storage.StoreJSON(ctx, s.backend, completedKey(instance), instance, storage.Precondition{}); err != nil {
		return fmt.Errorf("invocationlog: log completed %s: %w", instance.ID, err)
	}
	return nil
}

// DeleteStarted removes the running record. Missing records are ignored.
func (s *ObjectStore) DeleteStarted(ctx context.Context, logID string) error {
	if !strings.HasPrefix(logID, runningPrefix) {
		return fmt.Errorf("invocationlog: invalid log id %q", logID)
	}
	if err := s.backend.Delete(ctx, logID, storage.Precondition{}); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("invocationlog: delete started %s: %w", logID, err)
	}
	return nil
}

// Query lists completed records matching filter, oldest first.
func (s *ObjectStore) Query(ctx context.Context, filter Filter) ([]*FunctionInstance, error) {
	prefix := completedPrefix
	if filter.FunctionName != "" {
		prefix += filter.FunctionName + "/"
	}
	objects, err := storage.ListAll(ctx, s.backend, prefix, listPageSize)
	if err != nil {
		return nil, fmt.Errorf("invocationlog: query: %w", err)
	}
	out, err := s.load(ctx, objects, filter)
	if err != nil {
		return nil, err
	}
	sortByStart(out)
	return filter.Refine(ctx, out)
}

// Running lists records without a completed counterpart deleted yet.
func (s *ObjectStore) Running(ctx context.Context) ([]*FunctionInstance, error) {
	objects, err := storage.ListAll(ctx, s.backend, runningPrefix, listPageSize)
	if err != nil {
		return nil, fmt.Errorf("invocationlog: running: %w", err)
	}
	out, err := s.load(ctx, objects, Filter{})
	if err != nil {
		return nil, err
	}
	sortByStart(out)
	return out, nil
}

func (s *ObjectStore) load(ctx context.Context, objects []storage.Object, filter Filter) ([]*FunctionInstance, error) {
	out := make([]*FunctionInstance, 0, len(objects))
	for _, obj := range objects {
		var fi FunctionInstance
		if _, err := storage.LoadJSON(ctx, s.backend, obj.Key, &fi); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("invocationlog: load %s: %w", obj.Key, err)
		}
		if filter.matches(&fi) {
			out = append(out, &fi)
		}
	}
	return out, nil
}
