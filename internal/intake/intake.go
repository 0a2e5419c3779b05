// Package intake deposits new records into the Intake state.
package intake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"inboxflow/internal/domain"
	"inboxflow/internal/events"
	"inboxflow/internal/meta"
	"inboxflow/internal/store"
)

// Source prefixes used in record keys.
const (
	PrefixFile  = "FILE"
	PrefixEmail = "EMAIL"
	PrefixChat  = "CHAT"
	PrefixNote  = "NOTE"
)

// Submission is everything a source knows about a new item.
type Submission struct {
	Prefix  string
	Slug    string
	Fields  []meta.Field
	Body    string
	Payload io.Reader
}

// Adapter is the contract every source fulfils to create a record.
type Adapter interface {
	Submit(ctx context.Context, s Submission) (string, error)
}

// Journal is the subset of events.Writer intake needs.
type Journal interface {
	Append(ctx context.Context, exec events.Execer, evtType, key, state, actorID string, payload events.EventPayload) error
}

// Depositor writes submissions into the Intake state of a store.
type Depositor struct {
	Store   *store.Store
	Journal Journal
	Logger  *slog.Logger
	Now     func() time.Time
	Actor   string
}

func (d *Depositor) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Key builds <PREFIX>_<YYYYMMDD_HHMMSS>_<slug>.
func Key(prefix string, at time.Time, slug string) string {
	slug = Slug(slug)
	if slug == "" {
		slug = shortID()
	}
	return stem(prefix, at) + "_" + slug
}

// retryKey is Key with a random id ahead of the slug. The slug is already
// cut to size, so the id is always kept.
func retryKey(prefix string, at time.Time, slug string) string {
	key := stem(prefix, at) + "_" + shortID()
	if slug = Slug(slug); slug != "" {
		key += "_" + slug
	}
	return key
}

func stem(prefix string, at time.Time) string {
	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	if prefix == "" {
		prefix = PrefixNote
	}
	return prefix + "_" + at.Format("20060102_150405")
}

const maxSlug = 96

// Slug makes v safe to use inside a file name.
func Slug(v string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(v) {
		switch {
		case r == '/' || r == '\\' || r == ':' || r == '*' || r == '?' || r == '"' || r == '<' || r == '>' || r == '|':
			b.WriteRune('_')
		case unicode.IsSpace(r) || unicode.IsControl(r):
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	out := strings.TrimSuffix(b.String(), ".md")
	// keep the tail, where the extension is, and start on a rune
	if len(out) > maxSlug {
		cut := len(out) - maxSlug
		for cut < len(out) && !utf8.RuneStart(out[cut]) {
			cut++
		}
		out = out[cut:]
	}
	return strings.TrimLeft(out, ".")
}

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Submit creates the record and returns its key. A key collision within the
// same second gets a random disambiguator.
func (d *Depositor) Submit(ctx context.Context, s Submission) (string, error) {
	at := d.now()
	key := Key(s.Prefix, at, s.Slug)
	content := []byte(meta.Render(s.Fields, s.Body))
	if len(s.Fields) == 0 {
		content = []byte(s.Body)
	}
	// Create checks for a duplicate before it reads the payload, so a retry
	// sees the payload untouched.
	for attempt := 0; ; attempt++ {
		_, err := d.Store.Create(domain.StateIntake, key, content, s.Payload)
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrDuplicateKey) || attempt >= 3 {
			return "", fmt.Errorf("deposit %s: %w", key, err)
		}
		key = retryKey(s.Prefix, at, s.Slug)
	}
	if d.Journal != nil {
		if err := d.Journal.Append(ctx, nil, events.RecordCreated, key, string(domain.StateIntake), d.Actor, events.EventPayload{"prefix": strings.ToUpper(s.Prefix)}); err != nil && d.Logger != nil {
			d.Logger.Warn("journal record.created", "key", key, "err", err)
		}
	}
	if d.Logger != nil {
		d.Logger.Info("record deposited", "key", key)
	}
	return key, nil
}
