package amstate_test

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"pgregory.net/rapid"

	"github.com/tamanonymous/gitam/internal/amstate"
)

// fakeDriver plays all four of the Machine's driver roles (Splitter,
// Parser, Applier, Committer) against an in-memory patch sequence, so
// property tests can drive Setup/Load/Run without shelling git or
// touching real mailboxes.
type fakeDriver struct {
	total    int
	skip     map[int]bool
	failOnce map[int]bool

	applied   []int
	committed []string
}

func (f *fakeDriver) Split(dir *amstate.Dir, prec int, paths []string) (int, error) {
	for i := 1; i <= f.total; i++ {
		name := fmt.Sprintf("%0*d", prec, i)
		if err := dir.WriteAtomic(name, []byte(strconv.Itoa(i))); err != nil {
			return 0, err
		}
	}
	return f.total, nil
}

func (f *fakeDriver) Parse(mailPath string, dir *amstate.Dir) (amstate.ParseResult, error) {
	n, err := strconv.Atoi(strings.TrimLeft(filepath.Base(mailPath), "0"))
	if err != nil {
		// The all-zero message number ("0000") never occurs, but guard
		// against TrimLeft stripping every digit anyway.
		n = 0
	}
	if f.skip[n] {
		return amstate.ParseResult{Skip: true}, nil
	}
	if err := dir.WriteAtomic("patch", []byte(fmt.Sprintf("diff --git a/f%d b/f%d\n", n, n))); err != nil {
		return amstate.ParseResult{}, err
	}
	return amstate.ParseResult{
		AuthorName:  fmt.Sprintf("Author%d", n),
		AuthorEmail: fmt.Sprintf("author%d@example.com", n),
		AuthorDate:  "Wed, 1 Jan 2020 00:00:00 +0000",
		Msg:         []byte(fmt.Sprintf("Commit %d\n\nbody\n", n)),
	}, nil
}

func (f *fakeDriver) Apply(patchPath string) error {
	data, err := os.ReadFile(patchPath)
	if err != nil {
		return err
	}
	n := indexFromPatch(string(data))
	if f.failOnce[n] {
		delete(f.failOnce, n)
		return fmt.Errorf("simulated apply failure for patch %d", n)
	}
	f.applied = append(f.applied, n)
	return nil
}

func (f *fakeDriver) RefreshIndex() error { return nil }

func (f *fakeDriver) GCAuto() error { return nil }

func (f *fakeDriver) Commit(msg []byte, authorName, authorEmail, authorDate string) error {
	f.committed = append(f.committed, firstLine(string(msg)))
	return nil
}

func indexFromPatch(patch string) int {
	var n int
	fmt.Sscanf(patch, "diff --git a/f%d", &n)
	return n
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func newDriver(total int, skip, failOnce map[int]bool) *fakeDriver {
	return &fakeDriver{total: total, skip: skip, failOnce: failOnce}
}

func newSessionDir(t testing.TB) *amstate.Dir {
	t.Helper()
	return amstate.NewDir(filepath.Join(t.TempDir(), "rebase-apply"))
}

// Property P4 (session predicate): after setup the predicate is true,
// after destroy it is false, and a directory that only got as far as
// writing split messages (never both next and last) reads as absent.
func TestSessionPredicate(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 8).Draw(rt, "n")

		dir := newSessionDir(t)
		driver := newDriver(n, nil, nil)
		m := amstate.NewMachine(dir, driver, driver, driver, driver)

		if amstate.InProgress(dir) {
			rt.Fatal("predicate true before setup")
		}

		if err := m.Setup("", nil); err != nil {
			rt.Fatalf("Setup: %v", err)
		}
		if !amstate.InProgress(dir) {
			rt.Fatal("predicate false right after setup")
		}

		if err := m.Destroy(); err != nil {
			rt.Fatalf("Destroy: %v", err)
		}
		if amstate.InProgress(dir) {
			rt.Fatal("predicate true after destroy")
		}
	})
}

func TestSessionPredicateFalseWithoutBothCursorFiles(t *testing.T) {
	dir := newSessionDir(t)
	if err := dir.Create(); err != nil {
		t.Fatalf("Create: %v", err)
	}
	// Simulate a crash mid-setup: split has written message files but
	// setup never reached the next/last writes.
	if err := dir.WriteAtomic("0001", []byte("1")); err != nil {
		t.Fatalf("WriteAtomic: %v", err)
	}
	if amstate.InProgress(dir) {
		t.Fatal("predicate true with only a split message file present")
	}

	if err := dir.WriteAtomic("last", []byte("1")); err != nil {
		t.Fatalf("WriteAtomic: %v", err)
	}
	if amstate.InProgress(dir) {
		t.Fatal("predicate true with only last (no next) present")
	}
}

// Property P5 (monotonic cursor): next strictly increases by 1 per
// applied-or-skipped patch, and never decreases.
func TestMonotonicCursor(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 10).Draw(rt, "n")

		dir := newSessionDir(t)
		driver := newDriver(n, nil, nil)
		m := amstate.NewMachine(dir, driver, driver, driver, driver)

		if err := m.Setup("", nil); err != nil {
			rt.Fatalf("Setup: %v", err)
		}

		prev := readNext(rt, dir)
		if prev != 1 {
			rt.Fatalf("cursor after setup = %d, want 1", prev)
		}

		for i := 0; i < n; i++ {
			if err := m.Next(); err != nil {
				rt.Fatalf("Next: %v", err)
			}
			cur := readNext(rt, dir)
			if cur != prev+1 {
				rt.Fatalf("cursor moved from %d to %d, want +1", prev, cur)
			}
			prev = cur
		}
	})
}

func readNext(rt *rapid.T, dir *amstate.Dir) int {
	b, err := dir.Read("next")
	if err != nil {
		rt.Fatalf("Read(next): %v", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		rt.Fatalf("next is not an integer: %v", err)
	}
	return n
}

// Property P6 (commit ordering): the sequence of commits produced is one
// per non-skipped patch, in patch-index order.
func TestCommitOrdering(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 10).Draw(rt, "n")

		skip := map[int]bool{}
		for i := 1; i <= n; i++ {
			if rapid.Bool().Draw(rt, fmt.Sprintf("skip_%d", i)) {
				skip[i] = true
			}
		}

		dir := newSessionDir(t)
		driver := newDriver(n, skip, nil)
		m := amstate.NewMachine(dir, driver, driver, driver, driver)

		if err := m.Setup("", nil); err != nil {
			rt.Fatalf("Setup: %v", err)
		}
		if err := m.Run(); err != nil {
			rt.Fatalf("Run: %v", err)
		}

		var want []string
		for i := 1; i <= n; i++ {
			if !skip[i] {
				want = append(want, fmt.Sprintf("Commit %d", i))
			}
		}

		if len(driver.committed) != len(want) {
			rt.Fatalf("committed %v, want %v", driver.committed, want)
		}
		for i := range want {
			if driver.committed[i] != want[i] {
				rt.Fatalf("committed[%d] = %q, want %q", i, driver.committed[i], want[i])
			}
		}
	})
}

// Property P1 (resume fidelity): interrupting the loop at a failed apply
// and resuming after the fix produces the same final commit sequence as
// an uninterrupted run.
func TestResumeFidelity(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(2, 8).Draw(rt, "n")
		failAt := rapid.IntRange(1, n).Draw(rt, "fail_at")

		controlDir := newSessionDir(t)
		control := newDriver(n, nil, nil)
		cm := amstate.NewMachine(controlDir, control, control, control, control)
		if err := cm.Setup("", nil); err != nil {
			rt.Fatalf("control Setup: %v", err)
		}
		if err := cm.Run(); err != nil {
			rt.Fatalf("control Run: %v", err)
		}

		interruptedDir := newSessionDir(t)
		interrupted := newDriver(n, nil, map[int]bool{failAt: true})
		im := amstate.NewMachine(interruptedDir, interrupted, interrupted, interrupted, interrupted)
		if err := im.Setup("", nil); err != nil {
			rt.Fatalf("interrupted Setup: %v", err)
		}

		err := im.Run()
		if !errors.Is(err, amstate.ErrApplyFailed) {
			rt.Fatalf("expected ErrApplyFailed at patch %d, got %v", failAt, err)
		}
		if !amstate.InProgress(interruptedDir) {
			rt.Fatal("session should remain Armed after a resumable failure")
		}

		// Resume in a fresh Machine instance, as a new invocation would.
		im2 := amstate.NewMachine(interruptedDir, interrupted, interrupted, interrupted, interrupted)
		if err := im2.Load(); err != nil {
			rt.Fatalf("Load: %v", err)
		}
		if err := im2.Run(); err != nil {
			rt.Fatalf("resumed Run: %v", err)
		}

		if len(interrupted.committed) != len(control.committed) {
			rt.Fatalf("committed %v, want %v", interrupted.committed, control.committed)
		}
		for i := range control.committed {
			if interrupted.committed[i] != control.committed[i] {
				rt.Fatalf("committed[%d] = %q, want %q", i, interrupted.committed[i], control.committed[i])
			}
		}
	})
}

// Property P2 (skip idempotence): removing the numbered mail file for
// patch k before resume causes that patch to be skipped, with the rest
// of the run unaffected.
func TestSkipIdempotence(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(2, 8).Draw(rt, "n")
		removeAt := rapid.IntRange(1, n).Draw(rt, "remove_at")

		dir := newSessionDir(t)
		driver := newDriver(n, nil, map[int]bool{removeAt: true})
		m := amstate.NewMachine(dir, driver, driver, driver, driver)

		if err := m.Setup("", nil); err != nil {
			rt.Fatalf("Setup: %v", err)
		}

		err := m.Run()
		if !errors.Is(err, amstate.ErrApplyFailed) {
			rt.Fatalf("expected the driver's staged failure at %d, got %v", removeAt, err)
		}

		// The operator removes the stuck mail file instead of fixing it.
		if err := dir.Remove(fmt.Sprintf("%04d", removeAt)); err != nil {
			rt.Fatalf("Remove: %v", err)
		}

		m2 := amstate.NewMachine(dir, driver, driver, driver, driver)
		if err := m2.Load(); err != nil {
			rt.Fatalf("Load: %v", err)
		}
		if err := m2.Run(); err != nil {
			rt.Fatalf("resumed Run: %v", err)
		}

		var want []string
		for i := 1; i <= n; i++ {
			if i != removeAt {
				want = append(want, fmt.Sprintf("Commit %d", i))
			}
		}
		if len(driver.committed) != len(want) {
			rt.Fatalf("committed %v, want %v", driver.committed, want)
		}
		for i := range want {
			if driver.committed[i] != want[i] {
				rt.Fatalf("committed[%d] = %q, want %q", i, driver.committed[i], want[i])
			}
		}
	})
}
