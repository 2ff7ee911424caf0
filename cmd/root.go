package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/term"
	"github.com/spf13/cobra"

	"github.com/tamanonymous/gitam/internal/amstate"
	"github.com/tamanonymous/gitam/internal/config"
	"github.com/tamanonymous/gitam/internal/gitrepo"
	"github.com/tamanonymous/gitam/internal/mailparse"
	"github.com/tamanonymous/gitam/internal/mailsplit"
)

// ErrOptionParse tags errors that should exit 1 rather than 128 (spec.md
// §6: "1 reserved for option-parsing errors").
var ErrOptionParse = errors.New("option parse error")

// cfg holds the merged configuration, populated by runAm once the git
// directory is known.
var cfg config.Config

var (
	patchFormat string
	watchFlag   bool
)

var (
	applyingStyle = lipgloss.NewStyle().Bold(true)
	failedStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	hintStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

var rootCmd = &cobra.Command{
	Use:   "gitam [options] [(<mbox>|<Maildir>)...]",
	Short: "Apply a series of patches from a mailbox",
	Args:  cobra.ArbitraryArgs,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if patchFormat != "" && patchFormat != "mbox" {
			return fmt.Errorf("%w: invalid --patch-format %q (only \"mbox\" is supported)", ErrOptionParse, patchFormat)
		}
		return nil
	},
	RunE: runAm,
}

func init() {
	rootCmd.Flags().StringVar(&patchFormat, "patch-format", "", `patch format ("mbox" is the only supported value)`)
	rootCmd.Flags().BoolVar(&watchFlag, "watch", false, "on a failed patch, wait for the operator to fix it and resume automatically")
	rootCmd.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", ErrOptionParse, err)
	})
}

func runAm(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return err
	}

	repo := gitrepo.NewRepo(cwd)
	repo.OnEmptyHistory = func() {
		cmd.PrintErrln("applying to an empty history")
	}

	gitDir, err := repo.GitDir()
	if err != nil {
		return fmt.Errorf("not a git repository: %w", err)
	}
	if !filepath.IsAbs(gitDir) {
		gitDir = filepath.Join(cwd, gitDir)
	}

	global, err := config.LoadGlobal()
	if err != nil {
		return fmt.Errorf("loading global config: %w", err)
	}
	project, err := config.LoadProjectAt(gitDir)
	if err != nil {
		return fmt.Errorf("loading project config: %w", err)
	}
	cfg = config.Merge(global, project)
	if cfg.ReflogAction != "" {
		repo.ReflogAction = cfg.ReflogAction
	}

	dir := amstate.NewDir(filepath.Join(gitDir, "rebase-apply"))

	machine := amstate.NewMachine(dir, mailsplit.New(), mailparse.New(), repo, repo)
	wireCallbacks(cmd, machine, dir)

	resuming := amstate.InProgress(dir)

	if resuming {
		if len(args) != 0 {
			return fmt.Errorf("previous rebase directory %s still exists but mbox given", dir.Root())
		}
		if err := machine.Load(); err != nil {
			return err
		}
	} else {
		paths, err := resolvePaths(cwd, args)
		if err != nil {
			return err
		}
		if err := machine.Setup(patchFormat, paths); err != nil {
			return err
		}
	}

	for {
		err := machine.Run()
		if err == nil {
			return nil
		}
		if watchFlag && errors.Is(err, amstate.ErrApplyFailed) {
			if waitErr := amstate.WaitForOperatorFix(cmd.Context(), dir, machine.Session().Msgnum()); waitErr != nil {
				return waitErr
			}
			if loadErr := machine.Load(); loadErr != nil {
				return loadErr
			}
			continue
		}
		return err
	}
}

// wireCallbacks attaches the machine's progress hooks to cmd's output
// streams, styling them with lipgloss when stdout is a terminal.
func wireCallbacks(cmd *cobra.Command, m *amstate.Machine, dir *amstate.Dir) {
	styled := term.IsTerminal(os.Stdout.Fd())

	m.OnApplying = func(firstLine string) {
		line := "Applying: " + firstLine
		if styled {
			line = applyingStyle.Render(line)
		}
		cmd.Println(line)
	}

	m.OnApplyFailed = func(msgnum, firstLine string) {
		msg := fmt.Sprintf("Patch failed at %s %s", msgnum, firstLine)
		if styled {
			msg = failedStyle.Render(msg)
		}
		cmd.PrintErrln(msg)

		if cfg.AmWorkdirAdvice() {
			hint := "The copy of the patch that failed is found in: " + dir.Path(msgnum)
			if styled {
				hint = hintStyle.Render(hint)
			}
			cmd.PrintErrln(hint)
		}
	}

	m.OnStaleLockReclaimed = func(pid int) {
		cmd.PrintErrf("warning: reclaiming stale session lock left by dead process %d\n", pid)
	}

	m.OnGCFailed = func(err error) {
		cmd.PrintErrf("warning: git gc --auto failed: %v\n", err)
	}
}

// resolvePaths resolves relative positional arguments against cwd before
// the session starts (spec.md §6). A bare "-" and an empty list both mean
// "read from standard input" and are passed through unresolved.
func resolvePaths(cwd string, args []string) ([]string, error) {
	if len(args) == 0 {
		return args, nil
	}
	resolved := make([]string, len(args))
	for i, p := range args {
		if p == "-" {
			resolved[i] = p
			continue
		}
		if filepath.IsAbs(p) {
			resolved[i] = p
			continue
		}
		resolved[i] = filepath.Join(cwd, p)
	}
	return resolved, nil
}

// Execute runs the root command, mapping errors to the exit codes spec.md
// §6 defines: 0 success, 1 option-parsing errors, 128 everything else.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, ErrOptionParse) {
			os.Exit(1)
		}
		os.Exit(128)
	}
}

// GetConfig returns the configuration merged by the most recent runAm; it
// is the zero Config until runAm has loaded it.
func GetConfig() config.Config {
	return cfg
}
