package disk

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"pkt.systems/fnhost/internal/storage"
)

// Watch signals on any create, write, rename or remove in the directory
// named by prefix, which must end in "/".
func (s *Store) Watch(prefix string) (storage.Subscription, error) {
	if !s.watch {
		return nil, storage.ErrNotImplemented
	}
	if !strings.HasSuffix(prefix, "/") {
		return nil, fmt.Errorf("disk: watch prefix %q must end in /", prefix)
	}
	dir, err := s.file(strings.TrimSuffix(prefix, "/"))
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("disk: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("disk: watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("disk: watch %s: %w", prefix, err)
	}
	w := &dirWatch{fw: fw, ch: make(chan struct{}, 1)}
	go w.loop()
	return w, nil
}

type dirWatch struct {
	fw   *fsnotify.Watcher
	ch   chan struct{}
	once sync.Once
}

func (w *dirWatch) Events() <-chan struct{} { return w.ch }

func (w *dirWatch) Close() error {
	var err error
	w.once.Do(func() { err = w.fw.Close() })
	return err
}

// loop ends when the watcher closes its channels.
func (w *dirWatch) loop() {
	defer close(w.ch)
	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if ev.Op == fsnotify.Chmod || strings.HasPrefix(filepath.Base(ev.Name), ".") {
				continue
			}
		case _, ok := <-w.fw.Errors:
			if !ok {
				return
			}
		}
		select {
		case w.ch <- struct{}{}:
		default:
		}
	}
}
