package cli

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"

	"github.com/raphaelgruber/enhance-go/internal/jobs"
)

// Theme holds the color scheme for the progress display.
type Theme struct {
	Status     lipgloss.Color
	Success    lipgloss.Color
	Warning    lipgloss.Color
	Error      lipgloss.Color
	Hint       lipgloss.Color
	ProgressBg lipgloss.Color
}

// defaultTheme provides default colors.
var defaultTheme = Theme{
	Status:     lipgloss.Color("#5FAFD7"), // light blue
	Success:    lipgloss.Color("#00D787"), // green
	Warning:    lipgloss.Color("#FFAF00"), // amber
	Error:      lipgloss.Color("#FF005F"), // red
	Hint:       lipgloss.Color("#6C6C6C"), // dim gray
	ProgressBg: lipgloss.Color("#3A3A3A"), // dark gray
}

// Style functions for dynamic theming
func (t Theme) statusStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Status)
}

func (t Theme) completedStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Success).Bold(true)
}

func (t Theme) warningStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Warning)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

// snapshotMsg carries the latest orchestrator state.
type snapshotMsg jobs.Snapshot

// downloadMsg reports the end of a download attempt.
type downloadMsg struct {
	err error
}

// progressModel is the bubbletea model for job progress.
type progressModel struct {
	ctx      context.Context
	orch     *jobs.Orchestrator
	updates  <-chan jobs.Snapshot
	save     jobs.SaveFunc
	auto     bool
	snap     jobs.Snapshot
	progress progress.Model
	theme    Theme

	started     bool // auto download already triggered
	downloadErr error
	saved       string
	done        bool
	quitting    bool
	err         error
}

// newProgressModel creates a new progress model.
func newProgressModel(ctx context.Context, orch *jobs.Orchestrator, updates <-chan jobs.Snapshot, save jobs.SaveFunc, auto bool) progressModel {
	// Create progress bar with color blend
	prog := progress.New(
		progress.WithDefaultBlend(),
		progress.WithWidth(40),
	)

	return progressModel{
		ctx:      ctx,
		orch:     orch,
		updates:  updates,
		save:     save,
		auto:     auto,
		snap:     orch.Snapshot(),
		progress: prog,
		theme:    defaultTheme,
	}
}

// Init returns the initial command (wait for the first snapshot).
func (m progressModel) Init() tea.Cmd {
	return tea.Batch(
		waitSnapshot(m.updates),
		m.progress.Init(),
	)
}

// Update handles messages and returns the updated model.
func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		case "d":
			if m.canDownload() {
				return m, m.download()
			}
		}

	case snapshotMsg:
		m.snap = jobs.Snapshot(msg)
		if m.snap.Job == nil {
			return m, waitSnapshot(m.updates)
		}

		switch m.snap.State {
		case jobs.StateFailed:
			m.done = true
			m.err = errors.New(m.snap.Job.ErrorMessage)
			return m, tea.Quit
		case jobs.StateCompleted:
			if m.snap.Job.Downloaded {
				m.done = true
				return m, tea.Quit
			}
			if m.auto && !m.started {
				m.started = true
				return m, tea.Batch(m.download(), waitSnapshot(m.updates))
			}
		}
		return m, waitSnapshot(m.updates)

	case downloadMsg:
		m.downloadErr = msg.err
		if msg.err == nil {
			m.saved = filepath.Join(cfg.OutputDir, m.snap.Job.DownloadName())
			m.done = true
			return m, tea.Quit
		}
		return m, nil

	case progress.FrameMsg:
		// Update progress bar animation
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m progressModel) canDownload() bool {
	j := m.snap.Job
	return j != nil && m.snap.State == jobs.StateCompleted && !j.Downloaded && !m.snap.Downloading
}

// download runs the fetch-save-confirm sequence off the UI goroutine.
func (m progressModel) download() tea.Cmd {
	return func() tea.Msg {
		return downloadMsg{err: m.orch.Download(m.ctx, m.save)}
	}
}

// waitSnapshot blocks until the orchestrator publishes a new state.
func waitSnapshot(updates <-chan jobs.Snapshot) tea.Cmd {
	return func() tea.Msg {
		snap, ok := <-updates
		if !ok {
			return nil
		}
		return snapshotMsg(snap)
	}
}

// View renders the progress display.
func (m progressModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

// renderContent builds the display string.
func (m progressModel) renderContent() string {
	if m.done || m.quitting {
		return m.finalView()
	}

	job := m.snap.Job
	if job == nil {
		return "Uploading...\n"
	}

	var b strings.Builder
	status := m.theme.statusStyle().Render(fmt.Sprintf("[%s]", m.snap.State))
	fmt.Fprintf(&b, "%s %s %3d%%\n", status, m.progress.ViewAs(float64(job.Progress)/100), job.Progress)
	if job.Message != "" {
		fmt.Fprintf(&b, "%s\n", job.Message)
	}

	if m.snap.State == jobs.StateCompleted {
		switch {
		case m.snap.Downloading:
			b.WriteString(m.theme.statusStyle().Render("Downloading "+job.DownloadName()+"...") + "\n")
		case m.downloadErr != nil:
			b.WriteString(m.theme.errorStyle().Render("✗ "+m.downloadErr.Error()) + "\n")
		}
		if m.snap.LeaseLost {
			b.WriteString(m.theme.warningStyle().Render("Server may discard the result: "+m.snap.LeaseError) + "\n")
		}
		b.WriteString(m.theme.hintStyle().Render("Press d to download, q to quit") + "\n")
		return b.String()
	}

	b.WriteString(m.theme.hintStyle().Render("Press q to stop watching (the job keeps running)") + "\n")
	return b.String()
}

// finalView renders the completion message.
func (m progressModel) finalView() string {
	if m.err != nil {
		return m.theme.errorStyle().Render(fmt.Sprintf("\n✗ Job failed: %s\n", m.err))
	}
	if m.quitting {
		if j := m.snap.Job; j != nil && m.snap.State == jobs.StateCompleted && !j.Downloaded {
			return m.theme.hintStyle().Render(fmt.Sprintf("\nResult left on server: %s\n", j.ResultRef))
		}
		return m.theme.hintStyle().Render("\nStopped watching; the job keeps running on the server.\n")
	}
	if m.saved != "" {
		return m.theme.completedStyle().Render("✓ Completed") + "\n\n" + fmt.Sprintf("  Saved: %s\n", m.saved)
	}
	return m.theme.completedStyle().Render("✓ Completed\n")
}

// RunJobProgress runs the interactive progress UI for a submitted job.
// Returns nil on success or when the user quits, error on job failure.
func RunJobProgress(ctx context.Context, orch *jobs.Orchestrator, save jobs.SaveFunc, autoDownload bool) error {
	updates, cancel := orch.Subscribe()
	defer cancel()

	model := newProgressModel(ctx, orch, updates, save, autoDownload)
	p := tea.NewProgram(model, tea.WithContext(ctx))

	finalModel, err := p.Run()
	if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("progress UI error: %w", err)
	}

	// Check final state
	if m, ok := finalModel.(progressModel); ok {
		if m.err != nil {
			return m.err
		}
	}

	return nil
}
