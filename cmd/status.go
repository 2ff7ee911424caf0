package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tamanonymous/gitam/internal/amstate"
	"github.com/tamanonymous/gitam/internal/gitrepo"
	"github.com/tamanonymous/gitam/internal/tui"
)

var statusTUI bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether a patch-application session is in progress",
	RunE: func(cmd *cobra.Command, args []string) error {
		cwd, err := os.Getwd()
		if err != nil {
			return err
		}

		repo := gitrepo.NewRepo(cwd)
		gitDir, err := repo.GitDir()
		if err != nil {
			return fmt.Errorf("not a git repository: %w", err)
		}
		if !filepath.IsAbs(gitDir) {
			gitDir = filepath.Join(cwd, gitDir)
		}
		dir := amstate.NewDir(filepath.Join(gitDir, "rebase-apply"))

		if statusTUI {
			return tui.Run(dir)
		}

		if !amstate.InProgress(dir) {
			cmd.Println("no session in progress")
			return nil
		}

		cur, last := readCursor(dir)
		cmd.Printf("patch %d of %d\n", cur, last)
		if subject := readSubject(dir); subject != "" {
			cmd.Printf("current: %s\n", subject)
		}

		if lockErr := amstate.CheckLock(dir); lockErr != nil {
			cmd.PrintErrln(lockErr)
		}

		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusTUI, "tui", false, "open a live dashboard instead of printing plain text")
	rootCmd.AddCommand(statusCmd)
}

func readCursor(dir *amstate.Dir) (cur, last int) {
	if b, err := dir.Read("next"); err == nil {
		cur, _ = strconv.Atoi(strings.TrimSpace(string(b)))
	}
	if b, err := dir.Read("last"); err == nil {
		last, _ = strconv.Atoi(strings.TrimSpace(string(b)))
	}
	return cur, last
}

func readSubject(dir *amstate.Dir) string {
	if b, err := dir.Read("final-commit"); err == nil {
		return firstLine(string(b))
	}
	if b, err := dir.Read("info"); err == nil {
		for _, line := range strings.Split(string(b), "\n") {
			if s, ok := strings.CutPrefix(line, "Subject: "); ok {
				return s
			}
		}
	}
	return ""
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
