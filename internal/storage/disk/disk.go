// Package disk stores objects as plain files under a root directory. Each
// file starts with its ETag on a line of its own, so a single rename swaps
// data and version together and readers never see them disagree.
package disk

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"pkt.systems/fnhost/internal/ids"
	"pkt.systems/fnhost/internal/storage"
)

const (
	lockStripes = 64
	lockDir     = ".locks"
	tmpDir      = ".tmp"
)

// Config configures a Store.
type Config struct {
	Root string
	// Watch enables fsnotify wake-ups for queue prefixes.
	Watch bool
}

// Store is a storage.Backend on the local filesystem. Conditional writes are
// serialized per key stripe, in process with a mutex and across processes
// with an fcntl lock, so several hosts may share one root.
type Store struct {
	root  string
	watch bool
	mu    [lockStripes]sync.Mutex
}

// New prepares root and returns a Store over it.
func New(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, errors.New("disk: root required")
	}
	s := &Store{root: filepath.Clean(cfg.Root), watch: cfg.Watch}
	for _, dir := range []string{s.root, filepath.Join(s.root, lockDir), filepath.Join(s.root, tmpDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("disk: %w", err)
		}
	}
	if s.watch && !watchable(s.root) {
		s.watch = false
	}
	return s, nil
}

// Root returns the directory the store lives in.
func (s *Store) Root() string { return s.root }

// Watching reports whether Watch is available.
func (s *Store) Watching() bool { return s.watch }

func (s *Store) Close() error { return nil }

// file maps a key to its path. Keys are slash separated; segments may not
// be empty, relative or hidden, which keeps the store's own dot-directories
// out of reach.
func (s *Store) file(key string) (string, error) {
	if key == "" {
		return "", errors.New("disk: empty key")
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || strings.HasPrefix(seg, ".") {
			return "", fmt.Errorf("disk: invalid key %q", key)
		}
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

func (s *Store) Get(_ context.Context, key string) (storage.Object, error) {
	name, err := s.file(key)
	if err != nil {
		return storage.Object{}, err
	}
	raw, err := os.ReadFile(name)
	if errors.Is(err, fs.ErrNotExist) {
		return storage.Object{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Object{}, fmt.Errorf("disk: read %s: %w", key, err)
	}
	etag, data, ok := bytes.Cut(raw, []byte{'\n'})
	if !ok {
		return storage.Object{}, fmt.Errorf("disk: %s: missing version header", key)
	}
	obj := storage.Object{Key: key, ETag: string(etag), Size: int64(len(data)), Data: data}
	if st, err := os.Stat(name); err == nil {
		obj.Modified = st.ModTime().UTC()
	}
	return obj, nil
}

func (s *Store) Put(_ context.Context, key string, data []byte, pre storage.Precondition) (storage.Object, error) {
	name, err := s.file(key)
	if err != nil {
		return storage.Object{}, err
	}
	unlock, err := s.lock(key)
	if err != nil {
		return storage.Object{}, err
	}
	defer unlock()
	if err := s.check(name, pre); err != nil {
		return storage.Object{}, err
	}
	etag := ids.NewString()
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return storage.Object{}, fmt.Errorf("disk: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Join(s.root, tmpDir), "put-*")
	if err != nil {
		return storage.Object{}, fmt.Errorf("disk: %w", err)
	}
	w := bufio.NewWriter(tmp)
	w.WriteString(etag)
	w.WriteByte('\n')
	w.Write(data)
	err = w.Flush()
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), name)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return storage.Object{}, fmt.Errorf("disk: write %s: %w", key, err)
	}
	obj := storage.Object{Key: key, ETag: etag, Size: int64(len(data))}
	if st, err := os.Stat(name); err == nil {
		obj.Modified = st.ModTime().UTC()
	}
	return obj, nil
}

func (s *Store) Delete(_ context.Context, key string, pre storage.Precondition) error {
	name, err := s.file(key)
	if err != nil {
		return err
	}
	unlock, err := s.lock(key)
	if err != nil {
		return err
	}
	defer unlock()
	if pre.IfMatch != "" {
		if err := s.check(name, pre); err != nil {
			return err
		}
	}
	if err := os.Remove(name); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("disk: delete %s: %w", key, err)
	}
	return nil
}

// check evaluates pre against the file at name. Callers hold the key lock.
func (s *Store) check(name string, pre storage.Precondition) error {
	if pre.Unconditional() {
		return nil
	}
	current, err := readETag(name)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if pre.IfMatch != "" {
			return storage.ErrNotFound
		}
		return nil
	case err != nil:
		return fmt.Errorf("disk: %w", err)
	case pre.IfAbsent:
		return storage.ErrConflict
	case pre.IfMatch != current:
		return storage.ErrConflict
	}
	return nil
}

func readETag(name string) (string, error) {
	f, err := os.Open(name)
	if err != nil {
		return "", err
	}
	defer f.Close()
	line, err := bufio.NewReader(f).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read version of %s: %w", name, err)
	}
	return strings.TrimSuffix(line, "\n"), nil
}

// List walks the directory that holds prefix. Versions are not read, so
// listed objects carry no ETag and their size includes the header line.
func (s *Store) List(_ context.Context, prefix, after string, limit int) (storage.Page, error) {
	base := s.root
	if dir := path.Dir(prefix); strings.Contains(prefix, "/") && dir != "." {
		base = filepath.Join(s.root, filepath.FromSlash(dir))
	}
	found := map[string]fs.FileInfo{}
	var keys []string
	err := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if strings.HasPrefix(d.Name(), ".") && p != base {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		found[key] = info
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return storage.Page{}, fmt.Errorf("disk: list %s: %w", prefix, err)
	}
	sort.Strings(keys)
	page, next := storage.PageKeys(keys, prefix, after, limit)
	out := storage.Page{Next: next, Objects: make([]storage.Object, 0, len(page))}
	for _, key := range page {
		info := found[key]
		out.Objects = append(out.Objects, storage.Object{Key: key, Size: info.Size(), Modified: info.ModTime().UTC()})
	}
	return out, nil
}

// lock takes the stripe for key, first in process and then across
// processes.
func (s *Store) lock(key string) (func(), error) {
	h := fnv.New32a()
	h.Write([]byte(key))
	stripe := h.Sum32() % lockStripes
	s.mu[stripe].Lock()
	f, err := os.OpenFile(filepath.Join(s.root, lockDir, fmt.Sprintf("%02d", stripe)), os.O_CREATE|os.O_RDWR, 0o644)
	if err == nil {
		err = flock(f, true)
		if err != nil {
			f.Close()
		}
	}
	if err != nil {
		s.mu[stripe].Unlock()
		return nil, fmt.Errorf("disk: lock %s: %w", key, err)
	}
	return func() {
		_ = flock(f, false)
		f.Close()
		s.mu[stripe].Unlock()
	}, nil
}
