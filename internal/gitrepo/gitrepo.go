// Package gitrepo implements the Commit Driver and Repository Primitives
// (spec.md §4.6) plus the Patch Applier, all by shelling the real `git`
// binary — the pattern the teacher's collector.GitCollector and
// Iron-Ham-claudio's consolidation.DefaultGitOperations both use for
// mutating git access from Go rather than a git-object library.
package gitrepo

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// GitRunner executes a git command in workDir and returns its trimmed
// stdout. This abstraction allows mocking in tests, mirroring the
// teacher's collector.GitRunner.
type GitRunner func(workDir string, stdin []byte, env []string, args ...string) (stdout string, err error)

// defaultGitRunner runs git as a real subprocess.
func defaultGitRunner(workDir string, stdin []byte, env []string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = workDir
	if len(env) > 0 {
		cmd.Env = append(cmd.Environ(), env...)
	}
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(string(out)), nil
}

// Repo is a handle onto a repository's working tree and staging area,
// realizing SPEC_FULL.md's "global staging-area handle" design note as an
// explicit value threaded through the state machine instead of
// process-wide state.
type Repo struct {
	WorkDir string
	Runner  GitRunner

	// ReflogAction is the configured default reflog action, used when the
	// GIT_REFLOG_ACTION environment variable is unset (spec.md §6).
	ReflogAction string

	// OnEmptyHistory is called when HEAD is unborn, so the caller can
	// emit the "applying to an empty history" notice (spec.md §4.6 step
	// 2 / Scenario 6). Commit's signature must match amstate.Committer,
	// so this is a field rather than a parameter.
	OnEmptyHistory func()

	mu sync.Mutex
}

// NewRepo returns a Repo rooted at workDir using the real git subprocess.
func NewRepo(workDir string) *Repo {
	return &Repo{WorkDir: workDir, Runner: defaultGitRunner, ReflogAction: "am"}
}

func (r *Repo) run(stdin []byte, env []string, args ...string) (string, error) {
	runner := r.Runner
	if runner == nil {
		runner = defaultGitRunner
	}
	return runner(r.WorkDir, stdin, env, args...)
}

// WithIndexLock serializes access to the staging area for the duration of
// fn, guaranteeing release on every exit path including panics. Real git
// still owns the on-disk index.lock for each subprocess invocation; this
// mutex only protects against overlapping refresh/apply/commit calls
// issued by this process, per spec.md §5's scoped-lock requirement.
func (r *Repo) WithIndexLock(fn func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn()
}

// isExitCode128 reports whether err wraps an *exec.ExitError carrying exit
// status 128 — used to detect "no HEAD yet". defaultGitRunner wraps the
// underlying error with %w, so errors.As can still reach the ExitError.
func isExitCode128(err error) bool {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode() == 128
	}
	return false
}

// GitDir resolves the repository's git directory (spec.md §6 "Persisted
// layout"), used by the command entry layer to compute
// <gitdir>/rebase-apply.
func (r *Repo) GitDir() (string, error) {
	out, err := r.run(nil, nil, "rev-parse", "--git-dir")
	if err != nil {
		return "", fmt.Errorf("could not resolve git directory: %w", err)
	}
	return out, nil
}

// RefreshIndex refreshes the on-disk index against the working tree,
// implementing spec.md §4.7 run()'s refresh_and_write_index preamble.
func (r *Repo) RefreshIndex() error {
	return r.WithIndexLock(func() error {
		if _, err := r.run(nil, nil, "update-index", "-q", "--unmerged", "--refresh"); err != nil {
			return fmt.Errorf("unable to write index file: %w", err)
		}
		return nil
	})
}

// Apply implements the Patch Applier contract (spec.md §4.6 precondition
// and amstate.Applier): apply the unidiff at patchPath against the
// staging area.
func (r *Repo) Apply(patchPath string) error {
	return r.WithIndexLock(func() error {
		_, err := r.run(nil, nil, "apply", "--index", patchPath)
		return err
	})
}

// Commit implements the Commit Driver (spec.md §4.6) and satisfies
// amstate.Committer: build a tree from the current staging area, resolve
// HEAD (or note an empty history via r.OnEmptyHistory), create a commit
// object with the given author identity, and advance HEAD with a reflog
// entry built from GIT_REFLOG_ACTION (or r.ReflogAction, or "am").
func (r *Repo) Commit(msg []byte, authorName, authorEmail, authorDate string) error {
	return r.WithIndexLock(func() error {
		tree, err := r.run(nil, nil, "write-tree")
		if err != nil {
			return fmt.Errorf("git write-tree failed to write a tree: %w", err)
		}

		var parentArgs []string
		parent, err := r.run(nil, nil, "rev-parse", "HEAD")
		switch {
		case err == nil:
			parentArgs = []string{"-p", parent}
		case isExitCode128(err):
			if r.OnEmptyHistory != nil {
				r.OnEmptyHistory()
			}
		default:
			return fmt.Errorf("could not resolve HEAD: %w", err)
		}

		authorEnv := []string{
			"GIT_AUTHOR_NAME=" + authorName,
			"GIT_AUTHOR_EMAIL=" + authorEmail,
			"GIT_AUTHOR_DATE=" + authorDate,
		}
		commitArgs := append([]string{"commit-tree", tree}, parentArgs...)
		commit, err := r.run(msg, authorEnv, commitArgs...)
		if err != nil {
			return fmt.Errorf("failed to write commit object: %w", err)
		}

		reflogMsg := fmt.Sprintf("%s: %s", r.reflogAction(), firstLine(msg))

		updateArgs := []string{"update-ref", "-m", reflogMsg, "HEAD", commit}
		if parent != "" {
			updateArgs = append(updateArgs, parent)
		}
		if _, err := r.run(nil, nil, updateArgs...); err != nil {
			return fmt.Errorf("could not update HEAD: %w", err)
		}
		return nil
	})
}

// GCAuto runs "git gc --auto", the background-maintenance trigger
// spec.md §4.7 run() fires after a successful destroy(). It satisfies
// amstate.Committer and is best-effort by contract: callers must not
// treat its error as fatal to an otherwise-successful run.
func (r *Repo) GCAuto() error {
	_, err := r.run(nil, nil, "gc", "--auto")
	return err
}

// reflogAction resolves the GIT_REFLOG_ACTION environment variable ahead
// of the configured default, per spec.md §6.
func (r *Repo) reflogAction() string {
	if action := os.Getenv("GIT_REFLOG_ACTION"); action != "" {
		return action
	}
	if r.ReflogAction != "" {
		return r.ReflogAction
	}
	return "am"
}

func firstLine(msg []byte) string {
	if i := bytes.IndexByte(msg, '\n'); i >= 0 {
		return string(msg[:i])
	}
	return string(msg)
}
