// Package plan writes the output-only audit documents: one PLAN per
// classification batch and one BRIEFING per fired time-of-day trigger.
package plan

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"inboxflow/internal/domain"
)

// Item is one classified record in a batch.
type Item struct {
	Key         string
	Subject     string
	Origin      string
	Decision    domain.Decision
	ApprovalKey string
	Err         string
}

// Writer places documents in Dir. Documents are never overwritten.
type Writer struct {
	Dir string
	Now func() time.Time
}

func (w Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// WritePlan writes PLAN_<YYYYMMDD_HHMMSS>.md for items and returns its path.
func (w Writer) WritePlan(items []Item) (string, error) {
	at := w.now()
	stem := "PLAN_" + at.Format("20060102_150405")
	content := RenderPlan(stem, at, items)
	for i := 1; ; i++ {
		name := stem + ".md"
		if i > 1 {
			name = fmt.Sprintf("%s_%d.md", stem, i)
		}
		path := filepath.Join(w.Dir, name)
		err := writeOnce(path, content)
		if err == nil {
			return path, nil
		}
		if !errors.Is(err, os.ErrExist) || i >= 100 {
			return "", err
		}
	}
}

// RenderPlan renders a plan document.
func RenderPlan(title string, at time.Time, items []Item) string {
	counts := map[domain.Category]int{}
	var approvals []Item
	for _, it := range items {
		counts[it.Decision.Category]++
		if it.Decision.RequiresApproval && it.ApprovalKey != "" {
			approvals = append(approvals, it)
		}
	}
	var b strings.Builder
	b.WriteString("---\n")
	b.WriteString("type: plan\n")
	b.WriteString("id: " + uuid.NewString() + "\n")
	b.WriteString("created: " + at.Format(time.RFC3339) + "\n")
	fmt.Fprintf(&b, "records_processed: %d\n", len(items))
	b.WriteString("---\n\n")
	b.WriteString("# Action Plan - " + title + "\n\n")

	b.WriteString("## Summary\n\n")
	b.WriteString("| Category | Count |\n|----------|-------|\n")
	for _, c := range []domain.Category{domain.CategoryEmail, domain.CategoryMessage, domain.CategoryDocument, domain.CategoryGeneral} {
		fmt.Fprintf(&b, "| %s | %d |\n", c, counts[c])
	}
	fmt.Fprintf(&b, "| **Total** | **%d** |\n\n", len(items))

	b.WriteString("## Processing Results\n\n")
	for _, it := range items {
		b.WriteString("### " + it.Key + "\n")
		fmt.Fprintf(&b, "- **Category:** %s\n", it.Decision.Category)
		fmt.Fprintf(&b, "- **Priority:** %s\n", it.Decision.Priority)
		fmt.Fprintf(&b, "- **Action:** %s\n", it.Decision.Action)
		status := "Auto-processed"
		switch {
		case it.Err != "":
			status = "Failed: " + it.Err
		case it.Decision.RequiresApproval:
			status = "Approval needed"
		}
		b.WriteString("- **Status:** " + status + "\n")
		if it.Decision.Rule != "" {
			b.WriteString("- **Rule:** " + it.Decision.Rule + "\n")
		}
		if it.Subject != "" {
			b.WriteString("- **Subject:** " + it.Subject + "\n")
		}
		if it.Origin != "" {
			b.WriteString("- **From:** " + it.Origin + "\n")
		}
		b.WriteString("\n")
	}

	if len(approvals) > 0 {
		b.WriteString("## Approval Required\n\n")
		for _, it := range approvals {
			fmt.Fprintf(&b, "- [ ] **%s**: %s -> `%s`\n", it.Decision.Action, it.Key, it.ApprovalKey)
		}
	} else {
		b.WriteString("## No Approval Needed\n\nAll records were processed automatically.\n")
	}
	b.WriteString("\n## Actions Taken\n\n")
	for _, it := range items {
		if it.Err != "" {
			fmt.Fprintf(&b, "- [ ] `%s` -> %s\n", it.Key, it.Decision.Action)
			continue
		}
		fmt.Fprintf(&b, "- [x] `%s` -> %s\n", it.Key, it.Decision.Action)
	}
	return b.String()
}

// Briefing is the content of a time-of-day summary.
type Briefing struct {
	Trigger   string
	At        time.Time
	Counts    map[domain.State]int
	Pending   []string
	Approved  []string
	DoneToday []string
	Events    map[string]int
}

// WriteBriefing writes BRIEFING_<trigger>_<YYYYMMDD>.md. An existing briefing
// for the same trigger and day is kept and its path returned.
func (w Writer) WriteBriefing(br Briefing) (string, error) {
	if br.At.IsZero() {
		br.At = w.now()
	}
	path := filepath.Join(w.Dir, fmt.Sprintf("BRIEFING_%s_%s.md", br.Trigger, br.At.Format("20060102")))
	if err := writeOnce(path, RenderBriefing(br)); err != nil && !errors.Is(err, os.ErrExist) {
		return "", err
	}
	return path, nil
}

func RenderBriefing(br Briefing) string {
	var b strings.Builder
	b.WriteString("---\n")
	b.WriteString("type: briefing\n")
	b.WriteString("trigger: " + br.Trigger + "\n")
	b.WriteString("id: " + uuid.NewString() + "\n")
	b.WriteString("created: " + br.At.Format(time.RFC3339) + "\n")
	b.WriteString("---\n\n")
	title := strings.ReplaceAll(br.Trigger, "_", " ")
	if title != "" {
		title = strings.ToUpper(title[:1]) + title[1:]
	}
	fmt.Fprintf(&b, "# %s - %s\n\n", title, br.At.Format("2006-01-02"))

	b.WriteString("## Queue\n\n| State | Records |\n|-------|---------|\n")
	for _, st := range domain.Lifecycle {
		fmt.Fprintf(&b, "| %s | %d |\n", st, br.Counts[st])
	}
	b.WriteString("\n")
	writeList(&b, "Pending Approvals", br.Pending, "Nothing is waiting for approval.")
	writeList(&b, "Approved, Not Yet Executed", br.Approved, "Nothing is waiting for execution.")
	writeList(&b, "Done Today", br.DoneToday, "Nothing was completed today.")

	if len(br.Events) > 0 {
		b.WriteString("## Activity Today\n\n| Event | Count |\n|-------|-------|\n")
		types := make([]string, 0, len(br.Events))
		for t := range br.Events {
			types = append(types, t)
		}
		sort.Strings(types)
		for _, t := range types {
			fmt.Fprintf(&b, "| %s | %d |\n", t, br.Events[t])
		}
		b.WriteString("\n")
	}
	return b.String()
}

func writeList(b *strings.Builder, heading string, items []string, empty string) {
	b.WriteString("## " + heading + "\n\n")
	if len(items) == 0 {
		b.WriteString(empty + "\n\n")
		return
	}
	for _, it := range items {
		b.WriteString("- " + it + "\n")
	}
	b.WriteString("\n")
}

// writeOnce publishes content at path unless path already exists. The file
// appears complete or not at all.
func writeOnce(path, content string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Link(tmp.Name(), path)
}
