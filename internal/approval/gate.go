// Package approval manages the human checkpoint between classification and
// execution: pending documents, the notification flag and rejections.
package approval

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"inboxflow/internal/domain"
	"inboxflow/internal/meta"
	"inboxflow/internal/store"
)

const KeyPrefix = "APPROVAL_"

type Gate struct {
	Store  *store.Store
	Logger *slog.Logger
	Now    func() time.Time
}

func New(st *store.Store, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{Store: st, Logger: logger, Now: time.Now}
}

func (g *Gate) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

// Pending is a pending approval shown to the human.
type Pending struct {
	Entry  store.Entry
	Parsed Parsed
}

// Key names the approval document for a source record.
func Key(sourceKey string, at time.Time) string {
	stem := strings.TrimSuffix(sourceKey, filepath.Ext(sourceKey))
	if stem == "" {
		stem = sourceKey
	}
	return KeyPrefix + at.Format("20060102_150405") + "_" + stem
}

// CreatePending writes the approval document into PendingApproval. A source
// record gets one approval document: when one already exists in any state it
// is returned with created false.
func (g *Gate) CreatePending(req Request) (store.Entry, bool, error) {
	if req.Created.IsZero() {
		req.Created = g.now()
	}
	if src := req.Descriptor.SourceKey; src != "" {
		e, found, err := g.FindBySource(src)
		if err != nil {
			return store.Entry{}, false, err
		}
		if found {
			return e, false, nil
		}
	}
	base := Key(req.Descriptor.SourceKey, req.Created)
	content := []byte(Render(req))
	key := base
	for i := 2; ; i++ {
		e, err := g.Store.Create(domain.StatePendingApproval, key, content, nil)
		if err == nil {
			return e, true, nil
		}
		if !errors.Is(err, store.ErrDuplicateKey) || i > 50 {
			return store.Entry{}, false, err
		}
		key = fmt.Sprintf("%s_%d", base, i)
	}
}

// approvalStates are the states an approval document can be in.
var approvalStates = []domain.State{
	domain.StatePendingApproval,
	domain.StateApproved,
	domain.StateRejected,
	domain.StateDone,
}

// FindBySource returns the approval document whose source header names
// sourceKey, wherever it is in its lifecycle.
func (g *Gate) FindBySource(sourceKey string) (store.Entry, bool, error) {
	stem := strings.TrimSuffix(sourceKey, filepath.Ext(sourceKey))
	if stem == "" {
		stem = sourceKey
	}
	for _, st := range approvalStates {
		entries, err := g.Store.List(st)
		if err != nil {
			return store.Entry{}, false, err
		}
		for _, e := range entries {
			if !strings.HasPrefix(e.Key, KeyPrefix) || !strings.Contains(e.Key, stem) {
				continue
			}
			_, data, err := g.Store.Read(st, e.Key)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return store.Entry{}, false, err
			}
			if sourceHeader(string(data)) == sourceKey {
				return e, true, nil
			}
		}
	}
	return store.Entry{}, false, nil
}

func sourceHeader(content string) string {
	lines, _, ok := meta.Split(content)
	if !ok {
		return ""
	}
	return meta.ParseHeader(lines)["source"]
}

// ScanPending returns pending records that were never shown to the human.
// The flag is persisted before a record is returned, so a second scan
// without an external change returns nothing.
func (g *Gate) ScanPending() ([]Pending, error) {
	entries, err := g.Store.List(domain.StatePendingApproval)
	if err != nil {
		return nil, err
	}
	var out []Pending
	for _, e := range entries {
		_, data, err := g.Store.Read(domain.StatePendingApproval, e.Key)
		if err != nil {
			g.Logger.Warn("read pending approval", "key", e.Key, "err", err)
			continue
		}
		content, err := meta.Decode(data)
		if err != nil {
			g.Logger.Warn("pending approval unreadable", "key", e.Key, "err", err)
			continue
		}
		flagged, changed := MarkNotified(content, g.now())
		if !changed {
			continue
		}
		if err := g.Store.Write(domain.StatePendingApproval, e.Key, []byte(flagged)); err != nil {
			g.Logger.Warn("persist notification flag", "key", e.Key, "err", err)
			continue
		}
		out = append(out, Pending{Entry: e, Parsed: Parse(content)})
	}
	return out, nil
}

// Load parses an approval document from any state.
func (g *Gate) Load(st domain.State, key string) (store.Entry, Parsed, error) {
	e, data, err := g.Store.Read(st, key)
	if err != nil {
		return store.Entry{}, Parsed{}, err
	}
	content, err := meta.Decode(data)
	if err != nil {
		return e, Parsed{}, err
	}
	return e, Parse(content), nil
}

// Decide records the human's verdict by moving a pending record.
func (g *Gate) Decide(key string, approve bool) (store.Entry, error) {
	to := domain.StateRejected
	if approve {
		to = domain.StateApproved
	}
	return g.Store.Move(key, domain.StatePendingApproval, to)
}

// FinalizeRejected stamps a rejected record once and moves it to Done under
// the rejected name.
func (g *Gate) FinalizeRejected(key string) (store.Entry, bool, error) {
	_, data, err := g.Store.Read(domain.StateRejected, key)
	if err != nil {
		return store.Entry{}, false, err
	}
	stamped, changed := StampRejected(string(data), g.now())
	if changed {
		if err := g.Store.Write(domain.StateRejected, key, []byte(stamped)); err != nil {
			return store.Entry{}, false, err
		}
	}
	e, err := g.Store.MoveAs(key, domain.StateRejected, domain.StateDone, store.RejectedPrefix+key)
	if err != nil {
		return store.Entry{}, changed, err
	}
	return e, changed, nil
}
