// Package tui renders live job progress for run --watch: superstep
// counter, active vertex and message totals, recovery count and the
// final aggregator values once the job terminates.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/stepwise-graph/stepwise/pkg/master"
)

// EventMsg wraps one master progress event for the update loop.
type EventMsg master.Event

// DoneMsg ends the watch. Err is nil on a clean run.
type DoneMsg struct {
	Result *master.Result
	Err    error
}

type tickMsg time.Time

type Model struct {
	spinner  spinner.Model
	progress progress.Model

	jobID         string
	maxSupersteps int
	events        <-chan master.Event

	superstep  int
	active     int64
	sent       int64
	workers    int
	recoveries int
	totalSent  int64

	done     bool
	quitting bool
	err      error
	result   *master.Result

	startTime time.Time
	width     int
}

func NewModel(jobID string, maxSupersteps int, events <-chan master.Event) Model {
	s := spinner.New()
	s.Spinner = spinner.Points
	s.Style = special

	prog := progress.New(progress.WithGradient("#00FF99", "#00CCFF"))

	return Model{
		spinner:       s,
		progress:      prog,
		jobID:         jobID,
		maxSupersteps: maxSupersteps,
		events:        events,
		startTime:     time.Now(),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.waitForEvent(), tickCmd())
}

func tickCmd() tea.Cmd {
	return tea.Tick(250*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// waitForEvent blocks on the master's feed. A closed channel just stops
// the pump; the final DoneMsg arrives through Watch.
func (m Model) waitForEvent() tea.Cmd {
	events := m.events
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return nil
		}
		return EventMsg(ev)
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case EventMsg:
		m.superstep = msg.Superstep
		m.active = msg.ActiveVertices
		m.sent = msg.MessagesSent
		m.workers = msg.Workers
		m.recoveries = msg.Recoveries
		m.totalSent += msg.MessagesSent
		return m, m.waitForEvent()
	case DoneMsg:
		m.done = true
		m.err = msg.Err
		m.result = msg.Result
		return m, tea.Quit
	case tickMsg:
		if !m.done {
			return m, tickCmd()
		}
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) View() string {
	if m.quitting && !m.done {
		return subtle.Render("detached from job "+m.jobID) + "\n"
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("stepwise / " + m.jobID))
	b.WriteString("\n\n")

	if m.done {
		if m.err != nil {
			b.WriteString(danger.Render("job failed: " + m.err.Error()))
			b.WriteString("\n")
			return b.String()
		}
		b.WriteString(special.Render("job complete"))
		b.WriteString("\n")
		if m.result != nil {
			b.WriteString(fmt.Sprintf("%s %d\n", hudLabelStyle.Render("supersteps"), m.result.Supersteps))
			for name, value := range m.result.Aggregators {
				b.WriteString(fmt.Sprintf("%s %v\n", hudLabelStyle.Render(name), value))
			}
		}
		b.WriteString(subtle.Render(fmt.Sprintf("elapsed %s", time.Since(m.startTime).Round(time.Millisecond))))
		b.WriteString("\n")
		return b.String()
	}

	b.WriteString(m.spinner.View())
	b.WriteString(" ")
	b.WriteString(highlight.Render(fmt.Sprintf("superstep %d", m.superstep)))
	b.WriteString("\n\n")

	hud := []string{
		hudLabelStyle.Render("active") + hudValueStyle.Render(fmt.Sprintf("%d", m.active)),
		hudLabelStyle.Render("sent") + hudValueStyle.Render(fmt.Sprintf("%d", m.sent)),
		hudLabelStyle.Render("workers") + hudValueStyle.Render(fmt.Sprintf("%d", m.workers)),
	}
	if m.recoveries > 0 {
		hud = append(hud, hudLabelStyle.Render("recoveries")+warning.Render(fmt.Sprintf("%d", m.recoveries)))
	}
	b.WriteString(hudStyle.Render(strings.Join(hud, "  ")))
	b.WriteString("\n\n")
	if m.maxSupersteps > 0 {
		b.WriteString(m.progress.ViewAs(float64(m.superstep+1) / float64(m.maxSupersteps)))
		b.WriteString("\n\n")
	}
	b.WriteString(subtle.Render(fmt.Sprintf("%d messages total, elapsed %s, q to detach",
		m.totalSent, time.Since(m.startTime).Round(time.Second))))
	b.WriteString("\n")
	return b.String()
}

// Watch runs the TUI until done delivers the run outcome.
func Watch(jobID string, maxSupersteps int, events <-chan master.Event, done <-chan DoneMsg) error {
	p := tea.NewProgram(NewModel(jobID, maxSupersteps, events))
	go func() {
		msg := <-done
		p.Send(msg)
	}()
	_, err := p.Run()
	return err
}
