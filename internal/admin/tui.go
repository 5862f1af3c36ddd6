package admin

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/xiy/agent-memstore/pkg/types"
)

const refreshEvery = 2 * time.Second

type tickMsg time.Time

type dashboardMsg struct {
	stats    types.Stats
	recent   []types.MemoryEntry
	popular  []types.MemoryEntry
	err      error
	duration time.Duration
}

// Source is what the dashboard reads. *memory.Lazy satisfies it.
type Source interface {
	GetStats(ctx context.Context) (types.Stats, error)
	GetAll(ctx context.Context, f types.ListFilter) ([]types.MemoryEntry, error)
}

type model struct {
	ctx      context.Context
	src      Source
	title    string
	stats    types.Stats
	recent   []types.MemoryEntry
	popular  []types.MemoryEntry
	lastErr  error
	lastTick time.Time
	logLines []string
	maxLogs  int
	rows     int
	width    int
	height   int
}

func newModel(ctx context.Context, src Source, title string) model {
	m := model{ctx: ctx, src: src, title: title, maxLogs: 10, rows: 8}
	return m.appendLog("admin UI started")
}

// Run starts the local admin dashboard and blocks until the user quits.
func Run(ctx context.Context, src Source, title string) error {
	p := tea.NewProgram(newModel(ctx, src, title), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}

func (m model) Init() tea.Cmd {
	return tea.Batch(fetchDashboardCmd(m.ctx, m.src, m.rows), tickCmd())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m = m.appendLog("received quit signal")
			return m, tea.Quit
		case "r":
			m = m.appendLog("manual refresh")
			return m, fetchDashboardCmd(m.ctx, m.src, m.rows)
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case tickMsg:
		m.lastTick = time.Time(msg)
		return m, tea.Batch(fetchDashboardCmd(m.ctx, m.src, m.rows), tickCmd())
	case dashboardMsg:
		m.lastErr = msg.err
		if msg.err != nil {
			m = m.appendLog(fmt.Sprintf("refresh error: %v", msg.err))
			return m, nil
		}
		m.stats = msg.stats
		m.recent = msg.recent
		m.popular = msg.popular
		m = m.appendLog(fmt.Sprintf("refresh ok entries=%d (%s)", msg.stats.TotalEntries, formatDuration(msg.duration)))
	}
	return m, nil
}

func (m model) View() string {
	title := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).Render(m.title + " admin")
	meta := lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Render("q to quit • r to refresh • auto refresh every 2s")

	logBody := "(no log events yet)"
	if len(m.logLines) > 0 {
		logBody = strings.Join(m.logLines, "\n")
	}

	paneWidth := 54
	if m.width > 0 {
		paneWidth = max(38, (m.width-3)/2)
	}
	paneHeight := 9
	if m.height > 0 {
		paneHeight = max(8, (m.height-8)/2)
	}

	topRow := joinColumns(
		renderPane("Stats", m.renderStats(), paneWidth, paneHeight),
		renderPane("Events", logBody, paneWidth, paneHeight),
	)
	bottomRow := joinColumns(
		renderPane("Recently Added", formatEntries(m.recent, false), paneWidth, paneHeight),
		renderPane("Most Accessed", formatEntries(m.popular, true), paneWidth, paneHeight),
	)
	return lipgloss.JoinVertical(lipgloss.Left, title, meta, "", topRow, bottomRow)
}

func (m model) renderStats() string {
	body := formatStats(m.stats) + "\nLast refresh:  " + formatTime(m.lastTick)
	if m.lastErr != nil {
		body += "\n\nLast error: " + truncateText(compactWhitespace(m.lastErr.Error()), 120)
	}
	return body
}

func fetchDashboardCmd(ctx context.Context, src Source, rows int) tea.Cmd {
	return func() tea.Msg {
		start := time.Now()
		s, err := src.GetStats(ctx)
		if err != nil {
			return dashboardMsg{err: err, duration: time.Since(start)}
		}
		recent, err := src.GetAll(ctx, types.ListFilter{Limit: rows, OrderBy: "created_at", Order: types.OrderDesc})
		if err != nil {
			return dashboardMsg{stats: s, err: err, duration: time.Since(start)}
		}
		popular, err := src.GetAll(ctx, types.ListFilter{Limit: rows, OrderBy: "access_count", Order: types.OrderDesc})
		if err != nil {
			return dashboardMsg{stats: s, recent: recent, err: err, duration: time.Since(start)}
		}
		return dashboardMsg{stats: s, recent: recent, popular: popular, duration: time.Since(start)}
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(refreshEvery, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) appendLog(line string) model {
	if strings.TrimSpace(line) == "" {
		return m
	}
	m.logLines = append(m.logLines, fmt.Sprintf("[%s] %s", time.Now().UTC().Format("15:04:05"), line))
	if len(m.logLines) > m.maxLogs {
		m.logLines = m.logLines[len(m.logLines)-m.maxLogs:]
	}
	return m
}

func renderPane(title, body string, width, height int) string {
	style := lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(1, 2)
	if width > 0 {
		style = style.Width(width)
	}
	if height > 0 {
		style = style.Height(height)
	}
	return style.Render(title + "\n\n" + body)
}

func joinColumns(left, right string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, left, " ", right)
}
