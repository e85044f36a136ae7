package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/InsulaLabs/pulse/client"
	"github.com/InsulaLabs/pulse/models"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

/*
	pulsetop is a terminal monitor for a running service: the left pane
	polls the online-users endpoint, the right pane tails the live event
	stream through a subscriber of its own. Handy for watching presence
	churn while poking the API with pulsec.
*/

const (
	usersPollInterval = 2 * time.Second
	eventLogLimit     = 200
)

type usersMsg struct {
	users []string
	err   error
}

type envelopeMsg models.Envelope

type pollTickMsg time.Time

type model struct {
	cli      *client.Client
	sub      *client.Subscriber
	events   <-chan models.Envelope
	userID   string
	ready    bool
	quitting bool

	users    []string
	usersErr error
	log      []string
	viewport viewport.Model
	width    int
	height   int

	titleStyle lipgloss.Style
	userStyle  lipgloss.Style
	eventStyle lipgloss.Style
	errStyle   lipgloss.Style
}

func newModel(cli *client.Client, sub *client.Subscriber, events <-chan models.Envelope, userID string) model {
	return model{
		cli:        cli,
		sub:        sub,
		events:     events,
		userID:     userID,
		titleStyle: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212")),
		userStyle:  lipgloss.NewStyle().Foreground(lipgloss.Color("86")),
		eventStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		errStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.pollUsers, m.waitForEnvelope, schedulePoll())
}

func schedulePoll() tea.Cmd {
	return tea.Tick(usersPollInterval, func(t time.Time) tea.Msg {
		return pollTickMsg(t)
	})
}

func (m model) pollUsers() tea.Msg {
	users, err := m.cli.ConnectedUsers()
	return usersMsg{users: users, err: err}
}

func (m model) waitForEnvelope() tea.Msg {
	env, ok := <-m.events
	if !ok {
		return nil
	}
	return envelopeMsg(env)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.quitting = true
			return m, tea.Quit
		}
		if msg.String() == "q" {
			m.quitting = true
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		logWidth := m.width - m.usersPaneWidth() - 3
		if logWidth < 20 {
			logWidth = 20
		}
		logHeight := m.height - 4
		if logHeight < 3 {
			logHeight = 3
		}
		if !m.ready {
			m.viewport = viewport.New(logWidth, logHeight)
			m.ready = true
		} else {
			m.viewport.Width = logWidth
			m.viewport.Height = logHeight
		}
		m.refreshLog()
		return m, nil

	case pollTickMsg:
		return m, tea.Batch(m.pollUsers, schedulePoll())

	case usersMsg:
		m.users = msg.users
		m.usersErr = msg.err
		return m, nil

	case envelopeMsg:
		line := fmt.Sprintf("%s  %s  %s",
			msg.CreatedAt.Format("15:04:05"),
			string(msg.Event),
			string(msg.Data),
		)
		m.log = append(m.log, line)
		if len(m.log) > eventLogLimit {
			m.log = m.log[len(m.log)-eventLogLimit:]
		}
		m.refreshLog()
		return m, m.waitForEnvelope
	}
	return m, nil
}

func (m *model) refreshLog() {
	if !m.ready {
		return
	}
	atBottom := m.viewport.AtBottom()
	m.viewport.SetContent(strings.Join(m.log, "\n"))
	if atBottom {
		m.viewport.GotoBottom()
	}
}

func (m model) usersPaneWidth() int {
	return 28
}

func (m model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}
	if !m.ready {
		return "Connecting...\n"
	}

	var usersPane strings.Builder
	usersPane.WriteString(m.titleStyle.Render(fmt.Sprintf("Online (%d)", len(m.users))))
	usersPane.WriteString("\n")
	if m.usersErr != nil {
		usersPane.WriteString(m.errStyle.Render("unreachable"))
		usersPane.WriteString("\n")
	}
	for _, u := range m.users {
		usersPane.WriteString(m.userStyle.Render(u))
		usersPane.WriteString("\n")
	}

	left := lipgloss.NewStyle().
		Width(m.usersPaneWidth()).
		Height(m.viewport.Height).
		Render(usersPane.String())

	right := lipgloss.JoinVertical(lipgloss.Left,
		m.titleStyle.Render("Events"),
		m.eventStyle.Render(m.viewport.View()),
	)

	body := lipgloss.JoinHorizontal(lipgloss.Top, left, " ", right)
	footer := m.eventStyle.Render(fmt.Sprintf("observing as %s. q to quit.", m.userID))
	return body + "\n" + footer + "\n"
}

func main() {
	endpoint := flag.String("endpoint", "127.0.0.1:8081", "Service endpoint (host:port or full URL)")
	userID := flag.String("user", "pulsetop", "Identity to observe the stream as")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	cli, err := client.NewClient(&client.Config{
		Endpoint: *endpoint,
		Timeout:  10 * time.Second,
		Logger:   logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize client: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := client.NewBus(logger)
	defer bus.Close()

	events := make(chan models.Envelope, 64)
	sub := client.NewSubscriber(cli, bus, *userID, client.ElectorConfig{})
	sub.OnAny(func(env models.Envelope) {
		select {
		case events <- env:
		default:
		}
	})
	if err := sub.Connect(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start subscriber: %v\n", err)
		os.Exit(1)
	}
	defer sub.Disconnect()

	p := tea.NewProgram(newModel(cli, sub, events, *userID), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Monitor failed: %v\n", err)
		os.Exit(1)
	}
}
