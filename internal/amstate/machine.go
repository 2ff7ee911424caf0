package amstate

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/tamanonymous/gitam/internal/authscript"
	"github.com/tamanonymous/gitam/internal/format"
)

// ErrFormatUnknown is returned when the Format Detector cannot classify
// the input paths.
var ErrFormatUnknown = errors.New("patch format detection failed")

// ErrPatchEmpty is returned by Run when a split message's patch body is
// empty — the splitter likely mis-parsed the input.
var ErrPatchEmpty = errors.New("patch is empty. Was it split wrong?")

// ErrApplyFailed is returned by Run when the patch applier rejects the
// current patch. The session is left Armed (I1 still holds) so the
// caller can fix the tree and resume.
var ErrApplyFailed = errors.New("patch failed to apply")

// Splitter is the Mail Splitter Driver's contract (spec.md §4.4):
// split writes numbered message files into dir and reports the index of
// the last one written.
type Splitter interface {
	Split(dir *Dir, prec int, paths []string) (last int, err error)
}

// ParseResult is what the Per-Patch Parser extracts from one split
// message (spec.md §4.5).
type ParseResult struct {
	Skip        bool
	AuthorName  string
	AuthorEmail string
	AuthorDate  string
	Msg         []byte
}

// Parser is the Per-Patch Parser's contract. mailPath is the absolute
// path to the split message file; dir is the session directory in which
// the parser must (re-)materialize its info/msg/patch side effects.
type Parser interface {
	Parse(mailPath string, dir *Dir) (ParseResult, error)
}

// Applier is the Patch Applier's contract (spec.md §4.6 precondition):
// apply the unidiff at patchPath against the staging area.
type Applier interface {
	Apply(patchPath string) error
}

// Committer is the Commit Driver's contract (spec.md §4.6).
type Committer interface {
	RefreshIndex() error
	Commit(msg []byte, authorName, authorEmail, authorDate string) error
	// GCAuto triggers git's own housekeeping threshold check, mirroring
	// am_run's trailing run_command_v_opt(argv_gc_auto, ...) after a
	// successful destroy(). It is best-effort: a failure here must never
	// fail an otherwise-successful run.
	GCAuto() error
}

// Machine is the Session State Machine (spec.md §4.7): the orchestrator
// that owns a Session and drives Setup/Load/Next/Run/Destroy.
type Machine struct {
	dir    *Dir
	sess   *Session
	split  Splitter
	parse  Parser
	apply  Applier
	commit Committer

	// OnApplying is called with the first line of the commit message
	// before the patch applier runs, e.g. to print "Applying: <subject>".
	OnApplying func(firstLine string)
	// OnApplyFailed is called with the message number and first line of
	// the commit message when the applier rejects a patch.
	OnApplyFailed func(msgnum, firstLine string)
	// OnStaleLockReclaimed is called with the dead pid when Setup or Load
	// reclaims an advisory lock left behind by a crashed process.
	OnStaleLockReclaimed func(pid int)
	// OnGCFailed is called with the error when the post-run "git gc
	// --auto" housekeeping trigger fails. The run itself has already
	// succeeded by the time this fires.
	OnGCFailed func(err error)
}

// NewMachine constructs a Machine over the session directory at dir.
func NewMachine(dir *Dir, split Splitter, parse Parser, apply Applier, commit Committer) *Machine {
	return &Machine{
		dir:    dir,
		sess:   &Session{dir: dir, prec: defaultPrecision},
		split:  split,
		parse:  parse,
		apply:  apply,
		commit: commit,
	}
}

// Session exposes the machine's in-memory session for inspection (used by
// the --watch retry loop in cmd/root.go).
func (m *Machine) Session() *Session { return m.sess }

// InProgress implements the session-presence predicate I1: the session
// directory exists and is a directory, and both `last` and `next` exist
// and are regular files. No other file's presence is consulted.
func InProgress(dir *Dir) bool {
	if !dir.Exists() {
		return false
	}
	return dir.IsRegular("last") && dir.IsRegular("next")
}

// Setup starts a fresh session (spec.md §4.7 setup(format_hint, paths),
// precondition: Absent). paths have already been resolved to absolute
// form by the command entry layer. formatHint, when non-empty, is an
// explicitly asserted format (spec.md §6 --patch-format) that bypasses
// the Format Detector entirely; when empty, the detector runs and a
// classification failure is fatal.
func (m *Machine) Setup(formatHint string, paths []string) error {
	if formatHint == "" {
		detected, err := format.Detect(paths)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrFormatUnknown, err)
		}
		if detected == format.Unknown {
			return ErrFormatUnknown
		}
	}

	if err := m.dir.Create(); err != nil {
		return err
	}

	if err := AcquireLock(m.dir, m.OnStaleLockReclaimed); err != nil {
		_ = m.dir.Destroy()
		return err
	}

	last, err := m.split.Split(m.dir, m.sess.prec, paths)
	if err != nil {
		_ = m.dir.Destroy()
		return fmt.Errorf("failed to split patches: %w", err)
	}
	m.sess.cur = 1
	m.sess.last = last

	// I3: next/last are the last files written during setup. If this
	// process is interrupted before both exist, InProgress is false and
	// a subsequent invocation treats the directory as absent-and-stale,
	// never as a half-populated in-progress session.
	if err := m.dir.WriteAtomic("next", []byte(strconv.Itoa(m.sess.cur))); err != nil {
		return err
	}
	if err := m.dir.WriteAtomic("last", []byte(strconv.Itoa(m.sess.last))); err != nil {
		return err
	}
	return nil
}

// Load restores an Armed session from disk (spec.md §4.7 load()). It
// also reclaims the advisory session lock, refusing to proceed if a
// still-live process already holds it.
func (m *Machine) Load() error {
	if err := AcquireLock(m.dir, m.OnStaleLockReclaimed); err != nil {
		return err
	}

	next, err := m.dir.Read("next")
	if err != nil {
		return fmt.Errorf("BUG: state file 'next' does not exist")
	}
	cur, err := strconv.Atoi(string(trimDecimal(next)))
	if err != nil {
		return fmt.Errorf("BUG: state file 'next' is not a decimal integer: %w", err)
	}
	m.sess.cur = cur

	last, err := m.dir.Read("last")
	if err != nil {
		return fmt.Errorf("BUG: state file 'last' does not exist")
	}
	lastN, err := strconv.Atoi(string(trimDecimal(last)))
	if err != nil {
		return fmt.Errorf("BUG: state file 'last' is not a decimal integer: %w", err)
	}
	m.sess.last = lastN

	if m.sess.cur < 1 || m.sess.cur > m.sess.last+1 {
		return fmt.Errorf("BUG: state file 'next' (%d) out of range [1, %d]", m.sess.cur, m.sess.last+1)
	}

	script, err := m.dir.Read("author-script")
	switch {
	case errors.Is(err, ErrNotFound):
		// Absent is fine — no parse has completed for the current patch.
	case err != nil:
		return err
	default:
		name, email, date, decErr := authscript.Decode(script)
		if decErr != nil {
			return fmt.Errorf("could not parse author script: %w", decErr)
		}
		m.sess.authorName, m.sess.authorEmail, m.sess.authorDate = name, email, date
		m.sess.haveAuthor = true
	}

	msg, err := m.dir.Read("final-commit")
	if err == nil {
		m.sess.msg = msg
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	return nil
}

// Next advances the cursor past the current patch (spec.md §4.7
// next()). It is crash-safe: a crash between removing the per-patch
// scratch and the `next` write completing just re-enters the same patch
// on the next Load, which is safe because parsing is deterministic.
func (m *Machine) Next() error {
	m.sess.clearParsed()

	if err := m.dir.Remove("author-script"); err != nil {
		return err
	}
	if err := m.dir.Remove("final-commit"); err != nil {
		return err
	}

	m.sess.cur++
	return m.dir.WriteAtomic("next", []byte(strconv.Itoa(m.sess.cur)))
}

// Destroy ends the session, removing the session directory. No-op if
// already gone.
func (m *Machine) Destroy() error {
	return m.dir.Destroy()
}

// Run drives the main per-patch loop (spec.md §4.7 run()). On a resumable
// failure (ErrPatchEmpty or ErrApplyFailed) it returns that error with the
// session left Armed; the caller decides whether to exit or, under
// --watch, wait and retry (see amstate/watch.go).
func (m *Machine) Run() error {
	if err := m.commit.RefreshIndex(); err != nil {
		return err
	}

	for m.sess.cur <= m.sess.last {
		mailPath := m.dir.Path(m.sess.Msgnum())

		if !pathExists(mailPath) {
			// Allow the operator to skip a patch by removing its file,
			// even one already parsed before a previous apply failure.
			if err := m.Next(); err != nil {
				return err
			}
			continue
		}

		authorName, authorEmail, authorDate, haveAuthor := m.sess.Author()
		msg := m.sess.Msg()

		if !haveAuthor {
			result, err := m.parse.Parse(mailPath, m.dir)
			if err != nil {
				return fmt.Errorf("could not parse patch: %w", err)
			}
			if result.Skip {
				if err := m.Next(); err != nil {
					return err
				}
				continue
			}

			// spec.md §4.5 step 4: the *patch* body, not the composed
			// message, is what must be non-empty — an empty patch means
			// the splitter mis-parsed the input.
			patch, err := m.dir.Read("patch")
			if err != nil || len(patch) == 0 {
				return ErrPatchEmpty
			}

			m.sess.SetParsed(result.AuthorName, result.AuthorEmail, result.AuthorDate, result.Msg)

			script := authscript.Encode(result.AuthorName, result.AuthorEmail, result.AuthorDate)
			if err := m.dir.WriteAtomic("author-script", script); err != nil {
				return err
			}
			if err := m.dir.WriteAtomic("final-commit", result.Msg); err != nil {
				return err
			}

			authorName, authorEmail, authorDate = result.AuthorName, result.AuthorEmail, result.AuthorDate
			msg = result.Msg
		}

		firstLine := firstLineOf(msg)
		if m.OnApplying != nil {
			m.OnApplying(firstLine)
		}

		if err := m.apply.Apply(m.dir.Path("patch")); err != nil {
			if m.OnApplyFailed != nil {
				m.OnApplyFailed(m.sess.Msgnum(), firstLine)
			}
			return ErrApplyFailed
		}

		if err := m.commit.Commit(msg, authorName, authorEmail, authorDate); err != nil {
			return err
		}

		if err := m.Next(); err != nil {
			return err
		}
	}

	if err := m.Destroy(); err != nil {
		return err
	}

	// spec.md §4.7 run()'s final step: trigger background maintenance.
	// Best-effort — a failed gc must not turn an otherwise-successful run
	// into an error.
	if err := m.commit.GCAuto(); err != nil && m.OnGCFailed != nil {
		m.OnGCFailed(err)
	}

	return nil
}

func firstLineOf(msg []byte) string {
	for i, b := range msg {
		if b == '\n' {
			return string(msg[:i])
		}
	}
	return string(msg)
}

func pathExists(path string) bool {
	_, err := statNoFollow(path)
	return err == nil
}
