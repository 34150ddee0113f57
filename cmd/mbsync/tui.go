package main

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	lipgloss "github.com/charmbracelet/lipgloss"

	"github.com/mback2k/isync/internal/engine"
	"github.com/mback2k/isync/internal/model"
)

type tuiModel struct {
	ctx    context.Context
	cancel context.CancelFunc
	e      *engine.Engine

	spinner  spinner.Model
	bar      progress.Model
	stats    engine.Stats
	ret      engine.Result
	err      error
	finished bool
}

type tickMsg time.Time
type runDoneMsg struct {
	ret engine.Result
	err error
}

func newTUIModel(ctx context.Context, e *engine.Engine) *tuiModel {
	cctx, cancel := context.WithCancel(ctx)
	s := spinner.New()
	s.Spinner = spinner.Line
	bar := progress.New(progress.WithDefaultGradient())
	return &tuiModel{ctx: cctx, cancel: cancel, e: e, spinner: s, bar: bar}
}

func (m *tuiModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tick(), m.startRun())
}

func tick() tea.Cmd {
	return tea.Tick(200*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *tuiModel) startRun() tea.Cmd {
	return func() tea.Msg {
		ret, err := m.e.Run(m.ctx)
		return runDoneMsg{ret: ret, err: err}
	}
}

func (m *tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			m.cancel()
			return m, tea.Quit
		}
	case tickMsg:
		// Best-effort snapshot: Stats carries no lock of its own (it is
		// documented safe only once Run has returned), but these are plain
		// counters incremented by a single goroutine at a time, so a torn
		// read here only ever costs the progress bar a stale tick.
		m.stats = m.e.Stats()
		return m, tea.Batch(m.spinner.Tick, tick())
	case runDoneMsg:
		m.stats = m.e.Stats()
		m.ret = msg.ret
		m.err = msg.err
		m.finished = true
		return m, tea.Quit
	}
	return m, nil
}

func (m *tuiModel) View() string {
	title := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63")).Render("mbsync")
	s := title + "\n\nPress q to cancel\n\n"

	total, done := 0, 0
	for _, side := range model.Sides {
		total += m.stats.NewTotal[side] + m.stats.FlagsTotal[side] + m.stats.TrashTotal[side]
		done += m.stats.NewDone[side] + m.stats.FlagsDone[side] + m.stats.TrashDone[side]
	}
	pct := 0.0
	if total > 0 {
		pct = float64(done) / float64(total)
	}
	s += fmt.Sprintf("%s %d/%d\n", m.spinner.View(), done, total)
	s += m.bar.ViewAs(pct) + "\n\n"

	for _, side := range model.Sides {
		s += fmt.Sprintf("%s: +%d/%d *%d/%d T%d/%d\n", side,
			m.stats.NewDone[side], m.stats.NewTotal[side],
			m.stats.FlagsDone[side], m.stats.FlagsTotal[side],
			m.stats.TrashDone[side], m.stats.TrashTotal[side])
	}

	if m.finished && m.err != nil {
		s += "\n" + lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Render("error: "+m.err.Error()) + "\n"
	}
	return s
}

// runTUI runs the bubbletea progress view around one Engine.Run call and
// returns the engine's result, falling back to a plain run if the terminal
// doesn't support the TUI.
func runTUI(ctx context.Context, e *engine.Engine) (engine.Result, error) {
	m := newTUIModel(ctx, e)
	if _, err := tea.NewProgram(m).Run(); err != nil {
		fmt.Println("mbsync: TUI failed, falling back to plain output:", err)
		return e.Run(ctx)
	}
	return m.ret, m.err
}
