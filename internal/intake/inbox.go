package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"inboxflow/internal/meta"
	"inboxflow/internal/repo"
)

const (
	SourceInbox   = "inbox"
	defaultSettle = 500 * time.Millisecond
)

// Seen remembers which external items were already deposited.
type Seen interface {
	SeenKey(ctx context.Context, source, externalID string) (string, error)
	MarkSeen(ctx context.Context, source, externalID, key string, at time.Time) (bool, error)
}

// MemorySeen is a process-local Seen.
type MemorySeen struct {
	mu   sync.Mutex
	keys map[string]string
}

func (m *MemorySeen) SeenKey(_ context.Context, source, id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k, ok := m.keys[source+"\x00"+id]; ok {
		return k, nil
	}
	return "", repo.ErrNotFound
}

func (m *MemorySeen) MarkSeen(_ context.Context, source, id, key string, _ time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys == nil {
		m.keys = map[string]string{}
	}
	k := source + "\x00" + id
	if _, ok := m.keys[k]; ok {
		return false, nil
	}
	m.keys[k] = key
	return true, nil
}

// InboxWatcher turns files dropped into a directory into document records.
// The dropped file is copied as the record payload and left in place.
type InboxWatcher struct {
	Dir     string
	Adapter Adapter
	Seen    Seen
	Logger  *slog.Logger
	// Settle is how long a file must stay quiet before it is ingested.
	Settle time.Duration
}

func (w *InboxWatcher) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

func (w *InboxWatcher) seen() Seen {
	if w.Seen == nil {
		w.Seen = &MemorySeen{}
	}
	return w.Seen
}

func ignored(name string) bool {
	return name == "" || strings.HasPrefix(name, ".") || strings.HasSuffix(name, "~") || strings.Contains(name, ".tmp.")
}

func fileID(name string, info os.FileInfo) string {
	return name + "|" + strconv.FormatInt(info.Size(), 10) + "|" + strconv.FormatInt(info.ModTime().UnixNano(), 10)
}

// Ingest deposits one file. It returns "" when the file was skipped.
func (w *InboxWatcher) Ingest(ctx context.Context, path string) (string, error) {
	name := filepath.Base(path)
	if ignored(name) {
		return "", nil
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	if !info.Mode().IsRegular() {
		return "", nil
	}
	id := fileID(name, info)
	switch _, err := w.seen().SeenKey(ctx, SourceInbox, id); {
	case err == nil:
		return "", nil
	case !errors.Is(err, repo.ErrNotFound):
		return "", err
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	key, err := w.Adapter.Submit(ctx, Submission{
		Prefix: PrefixFile,
		Slug:   name,
		Fields: []meta.Field{
			{Key: "kind", Value: "document"},
			{Key: "origin", Value: SourceInbox},
			{Key: "subject", Value: name},
			{Key: "original_name", Value: name},
			{Key: "size", Value: strconv.FormatInt(info.Size(), 10)},
			{Key: "created", Value: info.ModTime().UTC().Format(time.RFC3339)},
			{Key: "priority", Value: "normal"},
		},
		Body:    fmt.Sprintf("New file dropped for processing: %s (%d bytes)\n", name, info.Size()),
		Payload: f,
	})
	if err != nil {
		return "", err
	}
	if _, err := w.seen().MarkSeen(ctx, SourceInbox, id, key, time.Now()); err != nil {
		w.logger().Warn("mark inbox file seen", "file", name, "err", err)
	}
	return key, nil
}

// Scan ingests every file currently in the directory.
func (w *InboxWatcher) Scan(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(w.Dir)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		key, err := w.Ingest(ctx, filepath.Join(w.Dir, e.Name()))
		if err != nil {
			w.logger().Error("ingest inbox file", "file", e.Name(), "err", err)
			continue
		}
		if key != "" {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Run rescans the directory, then watches it until ctx is done.
func (w *InboxWatcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	if err := fw.Add(w.Dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.Dir, err)
	}
	if _, err := w.Scan(ctx); err != nil {
		return err
	}
	settle := w.Settle
	if settle <= 0 {
		settle = defaultSettle
	}
	tick := time.NewTicker(settle / 2)
	defer tick.Stop()
	pending := map[string]time.Time{}
	w.logger().Info("watching inbox", "dir", w.Dir)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) {
				pending[ev.Name] = time.Now()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger().Warn("inbox watcher", "err", err)
		case now := <-tick.C:
			for path, last := range pending {
				if now.Sub(last) < settle {
					continue
				}
				delete(pending, path)
				if _, err := w.Ingest(ctx, path); err != nil {
					w.logger().Error("ingest inbox file", "file", filepath.Base(path), "err", err)
				}
			}
		}
	}
}
