package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/rmax-ai/graphkit/pkg/client"
	"github.com/rmax-ai/graphkit/pkg/graph"
	"github.com/rmax-ai/graphkit/pkg/watch"
)

// Config
const (
	defaultDaemonURL = "http://localhost:8090"
	pollRate         = time.Second
	pageSize         = 100
	maxEntries       = 200
	viewportHeight   = 20
	requestTimeout   = 500 * time.Millisecond
)

// Styles
var (
	subtleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	mainStyle   = lipgloss.NewStyle().MarginLeft(1)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Bold(true).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			Width(100)

	paneStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63")).
			Padding(0, 1).
			Width(100)

	entryTimeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Width(10)
	entryKindStyle = lipgloss.NewStyle().Width(20).Bold(true)
	entryNodeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("99"))

	removeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	insertStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	updateStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
)

type tickMsg time.Time

type dataMsg struct {
	health  client.Health
	changes client.ChangesResult
	err     error
}

type model struct {
	api      *client.Client
	expr     string
	spinner  spinner.Model
	viewport viewport.Model
	health   client.Health
	entries  []watch.FeedEntry
	counts   map[graph.EntryKind]int
	next     int64
	err      error
	ready    bool
}

func newViewport(width int) viewport.Model {
	vp := viewport.New(width, viewportHeight)
	vp.Style = lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).
		PaddingRight(2)
	return vp
}

func initialModel(api *client.Client, expr string) model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return model{
		api:      api,
		expr:     expr,
		spinner:  s,
		viewport: newViewport(100),
		counts:   make(map[graph.EntryKind]int),
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		fetchData(m.api, m.next, m.expr),
		tick(),
	)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		cmd  tea.Cmd
		cmds []tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		m.viewport, cmd = m.viewport.Update(msg)
		cmds = append(cmds, cmd)
		return m, tea.Batch(cmds...)

	case spinner.TickMsg:
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case tickMsg:
		cmds = append(cmds, fetchData(m.api, m.next, m.expr), tick())

	case dataMsg:
		if msg.err != nil {
			m.err = msg.err
		} else {
			m.err = nil
			m.health = msg.health
			m.apply(msg.changes)
		}
		m.ready = true

	case tea.WindowSizeMsg:
		m.viewport.Width = msg.Width
		m.viewport.Height = viewportHeight
		m.ready = true
	}

	return m, tea.Batch(cmds...)
}

// apply appends a page of the change feed, keeping the newest maxEntries.
func (m *model) apply(page client.ChangesResult) {
	if page.Next > m.next {
		m.next = page.Next
	}
	if len(page.Changes) == 0 {
		return
	}
	for _, fe := range page.Changes {
		m.counts[fe.Entry.Kind]++
	}
	m.entries = append(m.entries, page.Changes...)
	if over := len(m.entries) - maxEntries; over > 0 {
		m.entries = append([]watch.FeedEntry(nil), m.entries[over:]...)
	}
	m.updateViewportContent()
}

func (m *model) updateViewportContent() {
	var sb strings.Builder
	for _, fe := range m.entries {
		sb.WriteString(formatEntry(fe))
		sb.WriteString("\n")
	}
	m.viewport.SetContent(sb.String())
	m.viewport.GotoBottom()
}

func formatEntry(fe watch.FeedEntry) string {
	e := fe.Entry
	kind := string(e.Kind)
	switch {
	case e.Kind.IsRemoval():
		kind = removeStyle.Render(kind)
	case e.Kind == graph.PropertyUpdated:
		kind = updateStyle.Render(kind)
	default:
		kind = insertStyle.Render(kind)
	}

	detail := ""
	switch e.Kind.Attribute() {
	case graph.AttrProperty:
		detail = fmt.Sprintf(" %s=%s", e.Name, e.Value)
	case graph.AttrTag, graph.AttrGroup:
		detail = " " + e.Name
	}
	if e.Source == graph.SourceExternal {
		detail += subtleStyle.Render(" (external)")
	}

	return fmt.Sprintf("%s %s %s%s",
		entryTimeStyle.Render(fe.ReceivedAt.Local().Format("15:04:05")),
		entryKindStyle.Render(kind),
		entryNodeStyle.Render(fmt.Sprintf("%s %s", e.Node.Type, e.Node.ID)),
		detail,
	)
}

func (m model) View() string {
	if !m.ready {
		return fmt.Sprintf("\n%s Connecting...", m.spinner.View())
	}

	var summary strings.Builder
	summary.WriteString(lipgloss.NewStyle().Bold(true).Underline(true).Render(fmt.Sprintf("Graph %s", m.health.Graph)) + "\n\n")
	summary.WriteString(fmt.Sprintf("seq %d • %d nodes\n", m.health.Seq, m.health.Nodes))
	if len(m.counts) == 0 {
		summary.WriteString(subtleStyle.Render("No changes seen yet."))
	} else {
		kinds := make([]string, 0, len(m.counts))
		for k := range m.counts {
			kinds = append(kinds, string(k))
		}
		sort.Strings(kinds)
		for _, k := range kinds {
			summary.WriteString(fmt.Sprintf("• %s: %d\n", k, m.counts[graph.EntryKind(k)]))
		}
	}
	topPane := paneStyle.Render(summary.String())

	title := "Change Feed"
	if m.expr != "" {
		title += " " + subtleStyle.Render(m.expr)
	}
	header := headerStyle.Render(fmt.Sprintf("%s %s", m.spinner.View(), title))

	var status string
	if m.err != nil {
		status = errorStyle.Render(fmt.Sprintf("Offline: %v", m.err))
	} else {
		status = okStyle.Render(fmt.Sprintf("Online • %d Entries • next %d", len(m.entries), m.next))
	}
	footer := subtleStyle.Render(fmt.Sprintf("\n%s\nPress q to quit", status))

	return mainStyle.Render(lipgloss.JoinVertical(lipgloss.Left, topPane, header, m.viewport.View(), footer))
}

// Commands

func fetchData(api *client.Client, since int64, expr string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		health, err := api.Health(ctx)
		if err != nil {
			return dataMsg{err: err}
		}
		changes, err := api.Changes(ctx, since, expr, pageSize)
		if err != nil {
			return dataMsg{err: err}
		}
		return dataMsg{health: health, changes: changes}
	}
}

func tick() tea.Cmd {
	return tea.Tick(pollRate, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func main() {
	addr := flag.String("addr", envOrDefault("GRAPHKIT_URL", defaultDaemonURL), "graphkitd base URL")
	expr := flag.String("expr", "", "only show changes matching this predicate expression")
	flag.Parse()

	api := client.NewClient(*addr, client.WithMaxRetries(0))
	p := tea.NewProgram(initialModel(api, *expr), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Printf("Alas, there's been an error: %v", err)
		os.Exit(1)
	}
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
