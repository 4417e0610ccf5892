// Package progressui renders sync progress as a terminal UI.
package progressui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	patchsync "github.com/customlauncher/patchsync/internal/sync"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	fileStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("255")).Bold(true)
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

type keyMap struct {
	Quit key.Binding
}

var keys = keyMap{
	Quit: key.NewBinding(
		key.WithKeys("ctrl+c", "q"),
		key.WithHelp("q", "cancel"),
	),
}

type (
	phaseMsg    patchsync.Phase
	progressMsg patchsync.Progress
	bytesMsg    struct {
		name           string
		written, total int64
	}
	finishMsg   struct{ report *patchsync.Report }
)

// Model is the Bubble Tea model of one sync run
type Model struct {
	bar      progress.Model
	phase    patchsync.Phase
	current  patchsync.Progress
	written  int64
	size     int64
	failed   int
	report   *patchsync.Report
	width    int
	canceled bool
	onCancel func()
}

// NewModel creates a model. onCancel is called once when the user quits
// before the run finished.
func NewModel(onCancel func()) Model {
	return Model{
		bar:      progress.New(progress.WithDefaultGradient()),
		phase:    patchsync.PhaseChecking,
		onCancel: onCancel,
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = max(10, min(msg.Width-4, 60))

	case tea.KeyMsg:
		if key.Matches(msg, keys.Quit) && m.report == nil && !m.canceled {
			m.canceled = true
			if m.onCancel != nil {
				m.onCancel()
			}
		}

	case phaseMsg:
		m.phase = patchsync.Phase(msg)

	case progressMsg:
		p := patchsync.Progress(msg)
		if p.File != m.current.File {
			m.written, m.size = 0, 0
		}
		if p.Step == patchsync.StepFailed {
			m.failed++
		}
		m.current = p

	case bytesMsg:
		// prefetched downloads report too; only the current item counts
		if msg.name != m.current.Download {
			break
		}
		m.written, m.size = msg.written, msg.total

	case finishMsg:
		m.report = msg.report
		return m, tea.Quit
	}

	return m, nil
}

// View implements tea.Model.
func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("patchsync"))
	b.WriteString(" ")

	if m.report != nil {
		style := okStyle
		if m.report.Status != patchsync.StatusDone {
			style = errStyle
		}
		b.WriteString(style.Render(m.report.Message))
		b.WriteString("\n")
		return b.String()
	}

	b.WriteString(m.status())
	b.WriteString("\n")

	if m.current.Total > 0 {
		b.WriteString(m.bar.ViewAs(m.percent()))
		b.WriteString("\n")
		line := fmt.Sprintf("%d/%d files", m.current.Done, m.current.Total)
		if m.size > 0 {
			line += fmt.Sprintf("  %s / %s", humanize.Bytes(uint64(m.written)), humanize.Bytes(uint64(m.size)))
		}
		if m.failed > 0 {
			line += errStyle.Render(fmt.Sprintf("  %d failed", m.failed))
		}
		b.WriteString(dimStyle.Render(line))
		b.WriteString("\n")
	}

	if m.canceled {
		b.WriteString(errStyle.Render("canceling..."))
	} else {
		b.WriteString(dimStyle.Render("Press q or Ctrl+C to cancel"))
	}
	b.WriteString("\n")
	return b.String()
}

// status is the one-line description of what the run is doing
func (m Model) status() string {
	switch m.phase {
	case patchsync.PhaseChecking:
		return "Checking for updates"
	case patchsync.PhasePlanning:
		return "Checking files"
	case patchsync.PhaseCleanup:
		return "Cleaning up"
	case patchsync.PhaseSyncing:
		switch m.current.Step {
		case patchsync.StepExtracting:
			return "Extracting " + fileStyle.Render(m.current.File)
		case patchsync.StepFailed:
			return errStyle.Render("Failed " + m.current.File)
		case patchsync.StepFetching:
			return "Downloading " + fileStyle.Render(m.current.File)
		default:
			return "Updating files"
		}
	default:
		return string(m.phase)
	}
}

// percent combines finished files with the current file's download share
func (m Model) percent() float64 {
	if m.current.Total == 0 {
		return 0
	}
	done := float64(m.current.Done)
	if m.size > 0 && m.current.Step == patchsync.StepFetching {
		done += float64(m.written) / float64(m.size)
	}
	return min(done/float64(m.current.Total), 1)
}
