// Package trigger evaluates time-of-day triggers that fire at most once per
// calendar day.
package trigger

import (
	"fmt"
	"sort"
	"time"

	"inboxflow/internal/config"
)

const (
	DailyBriefing   = "daily_briefing"
	EndOfDaySummary = "end_of_day_summary"
	dateLayout      = "2006-01-02"
)

type Spec struct {
	Key    string
	Hour   int
	Minute int
	Window time.Duration
}

// LastFired maps a trigger key to the local date it last fired.
type LastFired map[string]string

func (l LastFired) Clone() LastFired {
	out := make(LastFired, len(l))
	for k, v := range l {
		out[k] = v
	}
	return out
}

func FromConfig(triggers []config.Trigger) ([]Spec, error) {
	specs := make([]Spec, 0, len(triggers))
	for _, t := range triggers {
		h, m, err := config.ParseClock(t.At)
		if err != nil {
			return nil, fmt.Errorf("trigger %s: %w", t.Key, err)
		}
		specs = append(specs, Spec{Key: t.Key, Hour: h, Minute: m, Window: t.Window.Std()})
	}
	return specs, nil
}

// Start returns the window start on now's local date.
func (s Spec) Start(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day(), s.Hour, s.Minute, 0, 0, now.Location())
}

// InWindow reports whether now falls in [start, start+window).
func (s Spec) InWindow(now time.Time) bool {
	start := s.Start(now)
	return !now.Before(start) && now.Before(start.Add(s.Window))
}

// Date formats now as the per-day firing key.
func Date(now time.Time) string { return now.Format(dateLayout) }

// Evaluate returns the triggers due at now and the updated firing state. The
// input state is not modified.
func Evaluate(specs []Spec, now time.Time, last LastFired) ([]Spec, LastFired) {
	next := last.Clone()
	today := Date(now)
	var due []Spec
	for _, s := range specs {
		if !s.InWindow(now) || next[s.Key] == today {
			continue
		}
		next[s.Key] = today
		due = append(due, s)
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].Start(now).Before(due[j].Start(now)) })
	return due, next
}
