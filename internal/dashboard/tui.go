// Package dashboard renders the live merge queue TUI for run --dashboard.
package dashboard

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/alekspetrov/mergeq/internal/pipeline"
)

// Panel width (all panels same width)
const (
	panelTotalWidth = 69 // Total visual width including borders
	panelInnerWidth = 65 // panelTotalWidth - 4 (2 borders + 2 padding spaces)
)

// Styles (muted terminal aesthetic)
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7eb8da")) // steel blue

	borderStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#3d4450")) // slate

	runningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7eb8da")) // steel blue

	failedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#d48a8a")) // dusty rose

	mergedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7ec699")) // sage green

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#8b949e"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#c9d1d9"))
)

// row tracks one candidate's progress through the pipeline.
type row struct {
	number  int
	stage   pipeline.Stage
	bucket  pipeline.Bucket
	runID   int64
	started time.Time
}

// Model is the TUI model. Candidates appear as pipeline events arrive.
type Model struct {
	repo    string
	version string
	events  <-chan pipeline.Event

	order []int
	rows  map[int]*row
	logs  []string

	width    int
	height   int
	done     bool
	quitting bool
}

// NewModel creates a dashboard model fed by the given event channel.
func NewModel(repo, version string, events <-chan pipeline.Event) Model {
	return Model{
		repo:    repo,
		version: version,
		events:  events,
		rows:    map[int]*row{},
	}
}

// tickMsg is sent periodically to refresh stage durations.
type tickMsg time.Time

// eventMsg carries one pipeline event into the model.
type eventMsg pipeline.Event

// cycleDoneMsg signals the event channel closed: the cycle is over.
type cycleDoneMsg struct{}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// waitForEvent blocks on the pipeline channel and converts events to
// messages. A closed channel ends the stream.
func waitForEvent(events <-chan pipeline.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return cycleDoneMsg{}
		}
		return eventMsg(ev)
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		waitForEvent(m.events),
		tickCmd(),
		tea.EnterAltScreen,
	)
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		return m, tickCmd()

	case eventMsg:
		m.apply(pipeline.Event(msg))
		return m, waitForEvent(m.events)

	case cycleDoneMsg:
		m.done = true
	}

	return m, nil
}

// apply folds one pipeline event into the candidate rows.
func (m *Model) apply(ev pipeline.Event) {
	r, ok := m.rows[ev.Candidate]
	if !ok {
		r = &row{number: ev.Candidate, started: time.Now()}
		m.rows[ev.Candidate] = r
		m.order = append(m.order, ev.Candidate)
	}
	r.stage = ev.Stage
	if ev.RunID > 0 {
		r.runID = ev.RunID
	}
	if ev.Stage == pipeline.StageDone {
		r.bucket = ev.Bucket
	}

	m.logs = append(m.logs, fmt.Sprintf("%s  #%d %s", time.Now().Format("15:04:05"), ev.Candidate, stageLabel(ev.Stage)))
	if len(m.logs) > 100 {
		m.logs = m.logs[1:]
	}
}

// View renders the TUI
func (m Model) View() string {
	if m.quitting {
		return "Merge queue dashboard closed.\n"
	}

	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(titleStyle.Render(fmt.Sprintf("  MERGEQ %s", m.version)))
	b.WriteString(helpStyle.Render("  " + m.repo))
	b.WriteString("\n\n")

	b.WriteString(m.renderQueue())
	b.WriteString("\n")
	b.WriteString(m.renderLogs())
	b.WriteString("\n")
	b.WriteString(helpStyle.Render("q: quit"))

	return b.String()
}

func (m Model) renderQueue() string {
	var content strings.Builder
	w := panelInnerWidth

	if len(m.order) == 0 {
		content.WriteString("  Waiting for candidates...")
		return renderPanel("QUEUE", content.String())
	}

	for i, number := range m.order {
		if i > 0 {
			content.WriteString("\n")
		}
		r := m.rows[number]

		label := stageLabel(r.stage)
		style := runningStyle
		if r.stage == pipeline.StageDone {
			label = bucketLabel(r.bucket)
			if r.bucket == pipeline.BucketMerged {
				style = mergedStyle
			} else {
				style = failedStyle
			}
		}

		left := fmt.Sprintf("%s #%d", stageIcon(r.stage, r.bucket), number)
		if r.runID > 0 && r.stage == pipeline.StageRunningCI {
			left += fmt.Sprintf(" (run %d)", r.runID)
		}
		content.WriteString(dotLeaderStyled(left, label, style, w))
	}

	if m.done {
		content.WriteString("\n\n")
		content.WriteString(dotLeader("Cycle", "complete", w))
	}

	return renderPanel("QUEUE", content.String())
}

func (m Model) renderLogs() string {
	var content strings.Builder

	logs := m.logs
	if len(logs) > 10 {
		logs = logs[len(logs)-10:]
	}
	if len(logs) == 0 {
		content.WriteString("  No activity yet")
	}
	for i, line := range logs {
		if i > 0 {
			content.WriteString("\n")
		}
		content.WriteString("  " + line)
	}

	return renderPanel("LOGS", content.String())
}

// stageIcon returns an ASCII indicator for the candidate's state.
func stageIcon(stage pipeline.Stage, bucket pipeline.Bucket) string {
	if stage == pipeline.StageDone {
		if bucket == pipeline.BucketMerged {
			return "*"
		}
		return "x"
	}
	switch stage {
	case pipeline.StageUpdating:
		return "+"
	case pipeline.StageTriggeringCI, pipeline.StageWaitingCIStart:
		return "~"
	case pipeline.StageRunningCI:
		return "~"
	case pipeline.StageMerging:
		return ">"
	default:
		return "-"
	}
}

// stageLabel returns a human-readable label for the pipeline stage.
func stageLabel(stage pipeline.Stage) string {
	switch stage {
	case pipeline.StageUpdating:
		return "Updating branch"
	case pipeline.StageTriggeringCI:
		return "Triggering CI"
	case pipeline.StageWaitingCIStart:
		return "Waiting for CI start"
	case pipeline.StageRunningCI:
		return "Running CI"
	case pipeline.StageMerging:
		return "Merging"
	case pipeline.StageDone:
		return "Done"
	default:
		return string(stage)
	}
}

// bucketLabel returns a human-readable label for a final bucket.
func bucketLabel(bucket pipeline.Bucket) string {
	switch bucket {
	case pipeline.BucketMerged:
		return "Merged"
	case pipeline.BucketFailedUpdate:
		return "Update failed"
	case pipeline.BucketFailedCI:
		return "CI failed"
	case pipeline.BucketCITimeout:
		return "CI timeout"
	case pipeline.BucketCIStartupTimeout:
		return "CI never started"
	case pipeline.BucketFailedMerge:
		return "Merge failed"
	default:
		return string(bucket)
	}
}

// renderPanel builds a panel manually with guaranteed width
// Structure: ╭─ TITLE ─...─╮ / │ (space) content (space) │ / ╰─...─╯
func renderPanel(title string, content string) string {
	var lines []string

	lines = append(lines, buildTopBorder(title))
	lines = append(lines, buildEmptyLine())
	for _, line := range strings.Split(content, "\n") {
		lines = append(lines, buildContentLine(line))
	}
	lines = append(lines, buildEmptyLine())
	lines = append(lines, buildBottomBorder())

	return strings.Join(lines, "\n")
}

func buildTopBorder(title string) string {
	titleUpper := strings.ToUpper(title)
	prefix := "╭─ "
	prefixWidth := lipgloss.Width(prefix + titleUpper + " ")

	dashCount := panelTotalWidth - prefixWidth - 1
	if dashCount < 0 {
		dashCount = 0
	}

	return borderStyle.Render(prefix) + labelStyle.Render(titleUpper) + borderStyle.Render(" "+strings.Repeat("─", dashCount)+"╮")
}

func buildBottomBorder() string {
	return borderStyle.Render("╰" + strings.Repeat("─", panelTotalWidth-2) + "╯")
}

func buildEmptyLine() string {
	border := borderStyle.Render("│")
	return border + strings.Repeat(" ", panelTotalWidth-2) + border
}

func buildContentLine(content string) string {
	adjusted := padOrTruncate(content, panelTotalWidth-4)
	border := borderStyle.Render("│")
	return border + " " + adjusted + " " + border
}

// padOrTruncate ensures content is exactly targetWidth visual chars
func padOrTruncate(s string, targetWidth int) string {
	visualWidth := lipgloss.Width(s)
	if visualWidth == targetWidth {
		return s
	}
	if visualWidth > targetWidth {
		return truncateVisual(s, targetWidth)
	}
	return s + strings.Repeat(" ", targetWidth-visualWidth)
}

// truncateVisual truncates to targetWidth visual chars, adding "..."
func truncateVisual(s string, targetWidth int) string {
	if lipgloss.Width(s) <= targetWidth {
		return s
	}
	if targetWidth <= 3 {
		return strings.Repeat(".", targetWidth)
	}

	result := ""
	width := 0
	for _, r := range s {
		runeWidth := lipgloss.Width(string(r))
		if width+runeWidth > targetWidth-3 {
			break
		}
		result += string(r)
		width += runeWidth
	}
	for width < targetWidth-3 {
		result += " "
		width++
	}
	return result + "..."
}

// dotLeader creates a dot-leader line: "  Label .............. Value"
func dotLeader(label string, value string, totalWidth int) string {
	prefix := "  " + label + " "
	suffix := " " + value
	dotsNeeded := totalWidth - lipgloss.Width(prefix) - lipgloss.Width(suffix)
	if dotsNeeded < 3 {
		dotsNeeded = 3
	}
	return prefix + strings.Repeat(".", dotsNeeded) + suffix
}

// dotLeaderStyled creates a dot-leader with a styled value. Width is
// calculated on the raw value, then the style is applied.
func dotLeaderStyled(label string, value string, style lipgloss.Style, totalWidth int) string {
	prefix := "  " + label + " "
	suffix := " " + value
	dotsNeeded := totalWidth - lipgloss.Width(prefix) - lipgloss.Width(suffix)
	if dotsNeeded < 3 {
		dotsNeeded = 3
	}
	return prefix + strings.Repeat(".", dotsNeeded) + " " + style.Render(value)
}

// Run starts the TUI and blocks until the user quits.
func Run(repo, version string, events <-chan pipeline.Event) error {
	p := tea.NewProgram(
		NewModel(repo, version, events),
		tea.WithAltScreen(),
	)
	_, err := p.Run()
	return err
}
