package gmail

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"inboxflow/internal/intake"
	"inboxflow/internal/repo"
)

const (
	SourceGmail  = "gmail"
	defaultQuery = "is:unread is:important"
	fetchCount   = 10
)

// Watcher polls a mailbox and deposits each new message once.
type Watcher struct {
	Mailbox  Mailbox
	Adapter  intake.Adapter
	Seen     intake.Seen
	Query    string
	Interval time.Duration
	Logger   *slog.Logger
}

func (w *Watcher) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

// Poll fetches the current query results and deposits unseen messages,
// oldest first. It returns the keys created.
func (w *Watcher) Poll(ctx context.Context) ([]string, error) {
	if w.Seen == nil {
		w.Seen = &intake.MemorySeen{}
	}
	query := w.Query
	if query == "" {
		query = defaultQuery
	}
	ids, err := w.Mailbox.List(ctx, query, fetchCount)
	if err != nil {
		return nil, err
	}
	var keys []string
	for i := len(ids) - 1; i >= 0; i-- {
		id := ids[i]
		_, err := w.Seen.SeenKey(ctx, SourceGmail, id)
		if err == nil {
			continue
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return keys, err
		}
		msg, err := w.Mailbox.Get(ctx, id)
		if err != nil {
			w.logger().Warn("fetch gmail message", "id", id, "err", err)
			continue
		}
		email := ParseMessage(msg)
		key, err := w.Adapter.Submit(ctx, email.Submission())
		if err != nil {
			return keys, err
		}
		if _, err := w.Seen.MarkSeen(ctx, SourceGmail, id, key, time.Now()); err != nil {
			w.logger().Warn("mark gmail message seen", "id", id, "err", err)
		}
		w.logger().Info("email deposited", "key", key, "subject", email.Subject)
		keys = append(keys, key)
	}
	return keys, nil
}

// Run polls until ctx is done. Poll errors are logged and retried on the
// next tick.
func (w *Watcher) Run(ctx context.Context) error {
	interval := w.Interval
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	w.logger().Info("watching gmail", "query", w.Query, "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := w.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger().Error("gmail poll", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
