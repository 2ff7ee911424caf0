// Package tui provides a small Bubble Tea dashboard for `gitam status
// --tui`, live-updating by re-reading the session directory every 500ms.
// It is read-only: nothing here mutates session state.
package tui

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/tamanonymous/gitam/internal/amstate"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 2)

	subjectStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("33")).Bold(true)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	doneStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("82")).Bold(true)
)

// Model is the root Bubble Tea model for `gitam status --tui`.
type Model struct {
	dir      *amstate.Dir
	progress progress.Model
	cur      int
	last     int
	subject  string
	done     bool
	width    int
}

// New creates a status dashboard model over the given session directory.
func New(dir *amstate.Dir) Model {
	return Model{
		dir:      dir,
		progress: progress.New(progress.WithDefaultGradient()),
	}
}

type tickMsg time.Time

type refreshedMsg struct {
	cur, last int
	subject   string
	done      bool
}

func tickCmd() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) refreshCmd() tea.Cmd {
	dir := m.dir
	return func() tea.Msg {
		if !amstate.InProgress(dir) {
			return refreshedMsg{done: true}
		}
		cur, last := readCursor(dir)
		return refreshedMsg{cur: cur, last: last, subject: readSubject(dir)}
	}
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

// readSubject prefers the composed commit message (post-parse), falling
// back to the raw header summary's Subject line while a patch is still
// being parsed.
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

func (m Model) Init() tea.Cmd {
	return tea.Batch(tickCmd(), m.refreshCmd())
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.progress.Width = msg.Width - 8
		if m.progress.Width > 60 {
			m.progress.Width = 60
		}
	case tickMsg:
		return m, tea.Batch(tickCmd(), m.refreshCmd())
	case refreshedMsg:
		m.cur, m.last, m.subject, m.done = msg.cur, msg.last, msg.subject, msg.done
		if m.done {
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m Model) View() string {
	title := titleStyle.Render("  gitam status  ")

	if m.done {
		return title + "\n\n" + doneStyle.Render("  no session in progress") + "\n"
	}

	pct := 0.0
	if m.last > 0 {
		pct = float64(m.cur-1) / float64(m.last)
	}

	counter := fmt.Sprintf("  patch %d of %d", m.cur, m.last)
	bar := "  " + m.progress.ViewAs(pct)
	subj := "  " + subjectStyle.Render(m.subject)
	hint := dimStyle.Render("  q to quit")

	return strings.Join([]string{title, "", counter, bar, "", subj, "", hint, ""}, "\n")
}

// Run starts the status dashboard for dir, blocking until the operator
// quits or the session completes.
func Run(dir *amstate.Dir) error {
	p := tea.NewProgram(New(dir))
	_, err := p.Run()
	return err
}
