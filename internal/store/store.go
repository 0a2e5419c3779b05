// Package store keeps task records as files in one directory per state.
//
// A record with key K in state S is the descriptor S/K.md plus, when present,
// the payload S/K. The directory holding the descriptor is the record's state.
package store

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"inboxflow/internal/domain"
)

const (
	descriptorExt = ".md"
	tmpMarker     = ".tmp."

	// RejectedPrefix marks rejected records once they reach Done.
	RejectedPrefix = "REJECTED_"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrDuplicateKey = errors.New("duplicate record key")
	ErrInvalidKey   = errors.New("invalid record key")
)

// ConflictError reports a NotFound/DuplicateKey condition for one record.
type ConflictError struct {
	Op    string
	Key   string
	State domain.State
	Err   error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s in %s: %v", e.Op, e.Key, e.State, e.Err)
}

func (e *ConflictError) Unwrap() error { return e.Err }

// Layout maps each state to a directory name relative to the store root.
type Layout map[domain.State]string

// DefaultLayout mirrors the folder names humans see in the vault.
func DefaultLayout() Layout {
	return Layout{
		domain.StateIntake:          "Intake",
		domain.StateNeedsAction:     "Needs_Action",
		domain.StatePendingApproval: "Pending_Approval",
		domain.StateApproved:        "Approved",
		domain.StateRejected:        "Rejected",
		domain.StateDone:            "Done",
	}
}

// Entry is a record as found on disk.
type Entry struct {
	Key         string       `json:"key"`
	Name        string       `json:"name"`
	State       domain.State `json:"state"`
	Path        string       `json:"path"`
	PayloadPath string       `json:"payload_path,omitempty"`
	ModTime     time.Time    `json:"mod_time"`
}

type Store struct {
	root   string
	layout Layout
}

func New(root string, layout Layout) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("store root is required")
	}
	if layout == nil {
		layout = DefaultLayout()
	}
	for _, st := range domain.Lifecycle {
		if strings.TrimSpace(layout[st]) == "" {
			return nil, fmt.Errorf("no directory configured for state %s", st)
		}
	}
	return &Store{root: root, layout: layout}, nil
}

func (s *Store) Root() string { return s.root }

// Dir returns the directory backing st.
func (s *Store) Dir(st domain.State) string {
	return filepath.Join(s.root, s.layout[st])
}

// EnsureDirs creates every state directory.
func (s *Store) EnsureDirs() error {
	for _, st := range domain.Lifecycle {
		if err := ensureDir(s.Dir(st)); err != nil {
			return err
		}
	}
	return nil
}

// ValidateKey rejects keys that are not a single safe file name.
func ValidateKey(key string) error {
	switch {
	case strings.TrimSpace(key) == "",
		key == "." || key == "..",
		strings.HasPrefix(key, "."),
		strings.ContainsAny(key, `/\`),
		strings.HasSuffix(key, descriptorExt),
		strings.Contains(key, tmpMarker):
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// LogicalKey strips the Done-state naming so a record keeps one identity.
func LogicalKey(st domain.State, name string) string {
	if st == domain.StateDone {
		return strings.TrimPrefix(name, RejectedPrefix)
	}
	return name
}

func (s *Store) descPath(st domain.State, name string) string {
	return filepath.Join(s.Dir(st), name+descriptorExt)
}

func (s *Store) payloadPath(st domain.State, name string) string {
	return filepath.Join(s.Dir(st), name)
}

// List returns the records in st ordered by modification time, then key.
func (s *Store) List(st domain.State) ([]Entry, error) {
	if !st.Valid() {
		return nil, fmt.Errorf("unknown state %q", st)
	}
	dir := s.Dir(st)
	if err := ensureDir(dir); err != nil {
		return nil, err
	}
	des, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make(map[string]bool, len(des))
	for _, de := range des {
		if !de.IsDir() {
			names[de.Name()] = true
		}
	}
	out := make([]Entry, 0, len(des))
	for _, de := range des {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, descriptorExt) || strings.Contains(name, tmpMarker) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		recName := strings.TrimSuffix(name, descriptorExt)
		e := Entry{
			Key:     LogicalKey(st, recName),
			Name:    recName,
			State:   st,
			Path:    filepath.Join(dir, name),
			ModTime: info.ModTime(),
		}
		if names[recName] {
			e.PayloadPath = filepath.Join(dir, recName)
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ModTime.Equal(out[j].ModTime) {
			return out[i].ModTime.Before(out[j].ModTime)
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (s *Store) entry(st domain.State, name string) (Entry, error) {
	p := s.descPath(st, name)
	info, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, err
	}
	e := Entry{Key: LogicalKey(st, name), Name: name, State: st, Path: p, ModTime: info.ModTime()}
	if pp := s.payloadPath(st, name); exists(pp) {
		e.PayloadPath = pp
	}
	return e, nil
}

// Get returns the entry for key in st. In Done the rejected spelling is also tried.
func (s *Store) Get(st domain.State, key string) (Entry, error) {
	if err := ValidateKey(key); err != nil {
		return Entry{}, err
	}
	e, err := s.entry(st, key)
	if errors.Is(err, ErrNotFound) && st == domain.StateDone {
		e, err = s.entry(st, RejectedPrefix+key)
	}
	if errors.Is(err, ErrNotFound) {
		return Entry{}, &ConflictError{Op: "get", Key: key, State: st, Err: ErrNotFound}
	}
	return e, err
}

// Read returns the entry and its descriptor content.
func (s *Store) Read(st domain.State, key string) (Entry, []byte, error) {
	e, err := s.Get(st, key)
	if err != nil {
		return Entry{}, nil, err
	}
	data, err := os.ReadFile(e.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return Entry{}, nil, &ConflictError{Op: "read", Key: key, State: st, Err: ErrNotFound}
		}
		return Entry{}, nil, err
	}
	return e, data, nil
}

// Locate returns every state currently holding key, in lifecycle order.
func (s *Store) Locate(key string) ([]domain.State, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	var found []domain.State
	for _, st := range domain.Lifecycle {
		if exists(s.descPath(st, key)) || (st == domain.StateDone && exists(s.descPath(st, RejectedPrefix+key))) {
			found = append(found, st)
		}
	}
	return found, nil
}

// Create adds a new record to st. The payload, if any, is written before the
// descriptor so the record becomes visible only once complete.
func (s *Store) Create(st domain.State, key string, content []byte, payload io.Reader) (Entry, error) {
	if err := ValidateKey(key); err != nil {
		return Entry{}, err
	}
	if !st.Valid() {
		return Entry{}, fmt.Errorf("unknown state %q", st)
	}
	where, err := s.Locate(key)
	if err != nil {
		return Entry{}, err
	}
	if len(where) > 0 {
		return Entry{}, &ConflictError{Op: "create", Key: key, State: where[0], Err: ErrDuplicateKey}
	}
	if payload != nil {
		if err := writeFileAtomic(s.payloadPath(st, key), payload, 0o644); err != nil {
			return Entry{}, fmt.Errorf("write payload %s: %w", key, err)
		}
	}
	if err := writeFileAtomic(s.descPath(st, key), bytes.NewReader(content), 0o644); err != nil {
		return Entry{}, fmt.Errorf("write descriptor %s: %w", key, err)
	}
	return s.entry(st, key)
}

// Write replaces the descriptor content of an existing record.
func (s *Store) Write(st domain.State, key string, content []byte) error {
	e, err := s.Get(st, key)
	if err != nil {
		return err
	}
	return writeFileAtomic(e.Path, bytes.NewReader(content), 0o644)
}

// Move relocates key from one state to another under the same name.
func (s *Store) Move(key string, from, to domain.State) (Entry, error) {
	return s.MoveAs(key, from, to, key)
}

// MoveAs relocates key and stores it under name in the target state.
//
// Both files are placed in the target before either is removed from the
// source, and the source descriptor goes before the source payload. A crash
// at any point leaves the record complete in at least one state.
func (s *Store) MoveAs(key string, from, to domain.State, name string) (Entry, error) {
	if err := ValidateKey(key); err != nil {
		return Entry{}, err
	}
	if err := ValidateKey(name); err != nil {
		return Entry{}, err
	}
	if !from.Valid() || !to.Valid() {
		return Entry{}, fmt.Errorf("unknown state in move %s -> %s", from, to)
	}
	src, err := s.entry(from, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Entry{}, &ConflictError{Op: "move", Key: key, State: from, Err: ErrNotFound}
		}
		return Entry{}, err
	}
	if from == to && key == name {
		return src, nil
	}
	if err := ensureDir(s.Dir(to)); err != nil {
		return Entry{}, err
	}
	dstDesc := s.descPath(to, name)
	dstPayload := s.payloadPath(to, name)
	if src.PayloadPath != "" {
		if err := placeFile(src.PayloadPath, dstPayload); err != nil {
			return Entry{}, fmt.Errorf("move payload %s: %w", key, err)
		}
	}
	if err := placeFile(src.Path, dstDesc); err != nil {
		return Entry{}, fmt.Errorf("move descriptor %s: %w", key, err)
	}
	if err := removeIfExists(src.Path); err != nil {
		return Entry{}, fmt.Errorf("release %s from %s: %w", key, from, err)
	}
	if src.PayloadPath != "" {
		if err := removeIfExists(src.PayloadPath); err != nil {
			return Entry{}, fmt.Errorf("release payload %s from %s: %w", key, from, err)
		}
	}
	if err := fsyncDir(s.Dir(to)); err != nil {
		return Entry{}, err
	}
	return s.entry(to, name)
}

// Duplicate describes a key found in more than one state.
type Duplicate struct {
	Key    string         `json:"key"`
	States []domain.State `json:"states"`
	Kept   domain.State   `json:"kept,omitempty"`
}

// Reconcile finishes moves interrupted by a crash: a key present in several
// states keeps only its copy in the latest lifecycle state. A key sitting in
// both Approved and Rejected is a conflicting human decision and is reported
// without touching either copy.
func (s *Store) Reconcile() ([]Duplicate, error) {
	where := map[string][]Entry{}
	var order []string
	for _, st := range domain.Lifecycle {
		entries, err := s.List(st)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if _, ok := where[e.Key]; !ok {
				order = append(order, e.Key)
			}
			where[e.Key] = append(where[e.Key], e)
		}
	}
	var dups []Duplicate
	for _, key := range order {
		copies := where[key]
		if len(copies) < 2 {
			continue
		}
		d := Duplicate{Key: key}
		for _, c := range copies {
			d.States = append(d.States, c.State)
		}
		if isDecisionConflict(d.States) {
			dups = append(dups, d)
			continue
		}
		keep := copies[len(copies)-1]
		d.Kept = keep.State
		for _, c := range copies[:len(copies)-1] {
			if err := removeIfExists(c.Path); err != nil {
				return dups, err
			}
			if c.PayloadPath != "" && keep.PayloadPath != "" {
				if err := removeIfExists(c.PayloadPath); err != nil {
					return dups, err
				}
			}
		}
		dups = append(dups, d)
	}
	if err := s.dropOrphanPayloads(); err != nil {
		return dups, err
	}
	return dups, nil
}

// dropOrphanPayloads removes payloads left behind by a move that was
// interrupted after the source descriptor was released. A payload is only
// removed once a later state holds both the descriptor and the payload.
func (s *Store) dropOrphanPayloads() error {
	for i, st := range domain.Lifecycle {
		des, err := os.ReadDir(s.Dir(st))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		for _, de := range des {
			name := de.Name()
			if de.IsDir() || strings.HasSuffix(name, descriptorExt) || strings.Contains(name, tmpMarker) {
				continue
			}
			if exists(s.descPath(st, name)) {
				continue
			}
			key := LogicalKey(st, name)
			for _, later := range domain.Lifecycle[i+1:] {
				e, err := s.Get(later, key)
				if err != nil || e.PayloadPath == "" {
					continue
				}
				if err := removeIfExists(filepath.Join(s.Dir(st), name)); err != nil {
					return err
				}
				break
			}
		}
	}
	return nil
}

func isDecisionConflict(states []domain.State) bool {
	var approved, rejected bool
	for _, st := range states {
		approved = approved || st == domain.StateApproved
		rejected = rejected || st == domain.StateRejected
	}
	return approved && rejected
}
