package store

import (
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inboxflow/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	return s
}

func listKeys(t *testing.T, s *Store, st domain.State) []string {
	t.Helper()
	entries, err := s.List(st)
	require.NoError(t, err)
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, e.Key)
	}
	return keys
}

func TestListCreatesMissingDirectories(t *testing.T) {
	s := newTestStore(t)
	entries, err := s.List(domain.StatePendingApproval)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.DirExists(t, s.Dir(domain.StatePendingApproval))
}

func TestListOrdersByModTimeThenKey(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	for i, key := range []string{"NOTE_c", "NOTE_a", "NOTE_b"} {
		e, err := s.Create(domain.StateIntake, key, []byte("body"), nil)
		require.NoError(t, err)
		mt := base
		if i == 0 {
			mt = base.Add(-time.Minute)
		}
		require.NoError(t, os.Chtimes(e.Path, mt, mt))
	}
	assert.Equal(t, []string{"NOTE_c", "NOTE_a", "NOTE_b"}, listKeys(t, s, domain.StateIntake))
}

func TestListSkipsTempFilesAndOrphanPayloads(t *testing.T) {
	s := newTestStore(t)
	dir := s.Dir(domain.StateIntake)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "FILE_x.pdf"), []byte("%PDF"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "NOTE_y.md"+tmpMarker+"123"), []byte("partial"), 0o644))
	assert.Empty(t, listKeys(t, s, domain.StateIntake))
}

func TestCreateRejectsDuplicateAnywhere(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create(domain.StateDone, RejectedPrefix+"EMAIL_1", []byte("x"), nil)
	require.NoError(t, err)

	_, err = s.Create(domain.StateIntake, "EMAIL_1", []byte("y"), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateKey))
	var ce *ConflictError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, domain.StateDone, ce.State)
}

func TestCreateValidatesKey(t *testing.T) {
	s := newTestStore(t)
	for _, key := range []string{"", "../x", "a/b", ".hidden", "x.md"} {
		_, err := s.Create(domain.StateIntake, key, nil, nil)
		assert.ErrorIs(t, err, ErrInvalidKey, key)
	}
}

func TestCreateWithPayloadAndMove(t *testing.T) {
	s := newTestStore(t)
	key := "FILE_20240101_120000_report.pdf"
	e, err := s.Create(domain.StateIntake, key, []byte("---\nkind: document\n---\n"), strings.NewReader("%PDF-1.4"))
	require.NoError(t, err)
	assert.NotEmpty(t, e.PayloadPath)

	moved, err := s.Move(key, domain.StateIntake, domain.StateDone)
	require.NoError(t, err)
	assert.Equal(t, domain.StateDone, moved.State)
	assert.NoFileExists(t, e.Path)
	assert.NoFileExists(t, e.PayloadPath)

	data, err := os.ReadFile(moved.PayloadPath)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4", string(data))
}

func TestMoveMissingIsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Move("NOTE_missing", domain.StateApproved, domain.StateDone)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMoveAsRejectedName(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create(domain.StateRejected, "APPROVAL_1", []byte("doc"), nil)
	require.NoError(t, err)

	e, err := s.MoveAs("APPROVAL_1", domain.StateRejected, domain.StateDone, RejectedPrefix+"APPROVAL_1")
	require.NoError(t, err)
	assert.Equal(t, "APPROVAL_1", e.Key)
	assert.Equal(t, RejectedPrefix+"APPROVAL_1", e.Name)

	where, err := s.Locate("APPROVAL_1")
	require.NoError(t, err)
	assert.Equal(t, []domain.State{domain.StateDone}, where)

	_, data, err := s.Read(domain.StateDone, "APPROVAL_1")
	require.NoError(t, err)
	assert.Equal(t, "doc", string(data))
}

func TestMoveCompletesWhenDestinationAlreadyHoldsKey(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create(domain.StateApproved, "EMAIL_2", []byte("doc"), nil)
	require.NoError(t, err)
	// crash after linking into Done, before releasing Approved
	require.NoError(t, placeFile(filepath.Join(s.Dir(domain.StateApproved), "EMAIL_2.md"), filepath.Join(s.Dir(domain.StateDone), "EMAIL_2.md")))

	_, err = s.Move("EMAIL_2", domain.StateApproved, domain.StateDone)
	require.NoError(t, err)
	where, err := s.Locate("EMAIL_2")
	require.NoError(t, err)
	assert.Equal(t, []domain.State{domain.StateDone}, where)
}

func TestMoveKeepsSourceWhenDestinationDiffers(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create(domain.StateApproved, "EMAIL_3", []byte("doc"), nil)
	require.NoError(t, err)
	require.NoError(t, ensureDir(s.Dir(domain.StateDone)))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(domain.StateDone), "EMAIL_3.md"), []byte("hand placed"), 0o644))

	_, err = s.Move("EMAIL_3", domain.StateApproved, domain.StateDone)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateKey)

	_, data, err := s.Read(domain.StateApproved, "EMAIL_3")
	require.NoError(t, err)
	assert.Equal(t, "doc", string(data))
}

func TestMoveAcceptsCopiedRemnant(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create(domain.StateApproved, "EMAIL_4", []byte("doc"), nil)
	require.NoError(t, err)
	// copy fallback interrupted before the source was released
	require.NoError(t, ensureDir(s.Dir(domain.StateDone)))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(domain.StateDone), "EMAIL_4.md"), []byte("doc"), 0o644))

	_, err = s.Move("EMAIL_4", domain.StateApproved, domain.StateDone)
	require.NoError(t, err)
	where, err := s.Locate("EMAIL_4")
	require.NoError(t, err)
	assert.Equal(t, []domain.State{domain.StateDone}, where)
}

func TestReconcileKeepsLatestCopy(t *testing.T) {
	s := newTestStore(t)
	key := "FILE_20240101_120000_a.txt"
	_, err := s.Create(domain.StateIntake, key, []byte("meta"), strings.NewReader("payload"))
	require.NoError(t, err)
	src := s.Dir(domain.StateIntake)
	dst := s.Dir(domain.StateNeedsAction)
	require.NoError(t, os.MkdirAll(dst, 0o755))
	require.NoError(t, placeFile(filepath.Join(src, key), filepath.Join(dst, key)))
	require.NoError(t, placeFile(filepath.Join(src, key+".md"), filepath.Join(dst, key+".md")))

	dups, err := s.Reconcile()
	require.NoError(t, err)
	require.Len(t, dups, 1)
	assert.Equal(t, domain.StateNeedsAction, dups[0].Kept)
	assert.NoFileExists(t, filepath.Join(src, key))
	assert.NoFileExists(t, filepath.Join(src, key+".md"))
	assert.FileExists(t, filepath.Join(dst, key))
}

func TestReconcileDropsOrphanPayload(t *testing.T) {
	s := newTestStore(t)
	key := "FILE_20240101_120000_b.txt"
	_, err := s.Create(domain.StateNeedsAction, key, []byte("meta"), strings.NewReader("payload"))
	require.NoError(t, err)
	// crash after the source descriptor was released
	require.NoError(t, os.MkdirAll(s.Dir(domain.StateIntake), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(domain.StateIntake), key), []byte("payload"), 0o644))

	_, err = s.Reconcile()
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(s.Dir(domain.StateIntake), key))
	assert.FileExists(t, filepath.Join(s.Dir(domain.StateNeedsAction), key))
}

func TestReconcileLeavesConflictingDecisions(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create(domain.StateApproved, "APPROVAL_9", []byte("doc"), nil)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(s.Dir(domain.StateRejected), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(domain.StateRejected), "APPROVAL_9.md"), []byte("doc"), 0o644))

	dups, err := s.Reconcile()
	require.NoError(t, err)
	require.Len(t, dups, 1)
	assert.Empty(t, dups[0].Kept)
	where, err := s.Locate("APPROVAL_9")
	require.NoError(t, err)
	assert.Equal(t, []domain.State{domain.StateApproved, domain.StateRejected}, where)
}

// Random sequences of moves, including ones interrupted at each step, never
// lose a key; after Reconcile every key is listed in exactly one state.
func TestStatePartitionUnderInterruptedMoves(t *testing.T) {
	s := newTestStore(t)
	rng := rand.New(rand.NewSource(7))
	var keys []string
	for i := 0; i < 12; i++ {
		key := "NOTE_" + string(rune('a'+i))
		var payload *strings.Reader
		if i%2 == 0 {
			payload = strings.NewReader("blob")
		}
		if payload != nil {
			_, err := s.Create(domain.StateIntake, key, []byte("m"), payload)
			require.NoError(t, err)
		} else {
			_, err := s.Create(domain.StateIntake, key, []byte("m"), nil)
			require.NoError(t, err)
		}
		keys = append(keys, key)
	}

	forward := []domain.State{domain.StateIntake, domain.StateNeedsAction, domain.StatePendingApproval, domain.StateApproved, domain.StateDone}
	for round := 0; round < 200; round++ {
		key := keys[rng.Intn(len(keys))]
		where, err := s.Locate(key)
		require.NoError(t, err)
		require.NotEmpty(t, where, "key %s lost", key)
		from := where[len(where)-1]
		idx := -1
		for i, st := range forward {
			if st == from {
				idx = i
			}
		}
		if idx < 0 || idx == len(forward)-1 {
			continue
		}
		to := forward[idx+1]
		if rng.Intn(3) == 0 {
			interruptMove(t, s, key, from, to, rng.Intn(4))
		} else {
			_, err := s.Move(key, from, to)
			require.NoError(t, err)
		}
		if rng.Intn(5) == 0 {
			_, err := s.Reconcile()
			require.NoError(t, err)
		}
	}

	_, err := s.Reconcile()
	require.NoError(t, err)
	seen := map[string]int{}
	for _, st := range domain.Lifecycle {
		for _, k := range listKeys(t, s, st) {
			seen[k]++
		}
	}
	for _, k := range keys {
		assert.Equal(t, 1, seen[k], "key %s", k)
	}
}

// interruptMove performs the first steps of a move and stops, as a crash would.
func interruptMove(t *testing.T, s *Store, key string, from, to domain.State, steps int) {
	t.Helper()
	src, err := s.Get(from, key)
	require.NoError(t, err)
	require.NoError(t, ensureDir(s.Dir(to)))
	ops := []func() error{
		func() error {
			if src.PayloadPath == "" {
				return nil
			}
			return placeFile(src.PayloadPath, s.payloadPath(to, key))
		},
		func() error { return placeFile(src.Path, s.descPath(to, key)) },
		func() error { return removeIfExists(src.Path) },
	}
	for i := 0; i < steps && i < len(ops); i++ {
		require.NoError(t, ops[i]())
	}
}
