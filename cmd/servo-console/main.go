// Servo console: a live terminal view of every telescope axis, fed by
// the daemon's websocket event stream.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/gorilla/websocket"

	"github.com/telescopio-montemayor/ethernet-encoder-servo/pkg/servo"
)

var (
	serverAddr = flag.String("server", "127.0.0.1:5000", "Daemon host:port")
)

// stateMsg carries one axis state document from the stream reader into
// the bubbletea loop.
type stateMsg servo.State

// disconnectMsg reports a dropped stream.
type disconnectMsg struct{ err error }

type tickMsg time.Time

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

type model struct {
	axes      map[string]servo.State
	lastSeen  map[string]time.Time
	connected bool
	err       error
}

func newModel() model {
	return model{
		axes:     make(map[string]servo.State),
		lastSeen: make(map[string]time.Time),
	}
}

func (m model) Init() tea.Cmd {
	return tick()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case stateMsg:
		m.connected = true
		m.err = nil
		m.axes[msg.Name] = servo.State(msg)
		m.lastSeen[msg.Name] = time.Now()

	case disconnectMsg:
		m.connected = false
		m.err = msg.err

	case tickMsg:
		return m, tick()
	}

	return m, nil
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("86")).
			Background(lipgloss.Color("235")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("226"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

func flagText(on bool, label string) string {
	if on {
		return okStyle.Render(label)
	}
	return dimStyle.Render(label)
}

func (m model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("ethernet-encoder-servo console"))
	b.WriteString("  ")
	if m.connected {
		b.WriteString(okStyle.Render("connected"))
	} else if m.err != nil {
		b.WriteString(errStyle.Render(fmt.Sprintf("disconnected: %v", m.err)))
	} else {
		b.WriteString(warnStyle.Render("connecting..."))
	}
	b.WriteString("\n\n")

	if len(m.axes) == 0 {
		b.WriteString(dimStyle.Render("  waiting for axis state..."))
		b.WriteString("\n")
	} else {
		b.WriteString(headerStyle.Render(fmt.Sprintf("  %-8s %-14s %-14s %10s %9s  %s",
			"AXIS", "POSITION", "TARGET", "ERROR", "SPEED", "MODES")))
		b.WriteString("\n")

		names := make([]string, 0, len(m.axes))
		for name := range m.axes {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			s := m.axes[name]

			age := time.Since(m.lastSeen[name])
			ageStyle := okStyle
			if age > 2*time.Second {
				ageStyle = warnStyle
			}
			if age > 10*time.Second {
				ageStyle = errStyle
			}

			modes := strings.Join([]string{
				flagText(s.ClosedLoop, "closed"),
				flagText(s.Tracking, "tracking"),
				flagText(s.FreeRunning, "slew"),
			}, " ")

			b.WriteString("  ")
			b.WriteString(ageStyle.Render(fmt.Sprintf("%-8s", name)))
			b.WriteString(fmt.Sprintf(" %-14s %-14s %10.1f %7.0fHz  %s",
				s.PositionAngle.String(),
				s.TargetAngle.String(),
				s.Error,
				s.SpeedHz,
				modes))
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	b.WriteString(dimStyle.Render("  q: quit"))
	b.WriteString("\n")

	return b.String()
}

// streamEvents reads the websocket and feeds the program until the
// connection drops, then retries.
func streamEvents(program *tea.Program, addr string) {
	wsURL := url.URL{Scheme: "ws", Host: addr, Path: "/ws"}

	for {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL.String(), nil)
		if err != nil {
			program.Send(disconnectMsg{err: err})
			time.Sleep(2 * time.Second)
			continue
		}

		for {
			var msg struct {
				Event string      `json:"event"`
				Data  servo.State `json:"data"`
			}
			_, data, err := conn.ReadMessage()
			if err != nil {
				program.Send(disconnectMsg{err: err})
				break
			}
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if msg.Event == "position" {
				program.Send(stateMsg(msg.Data))
			}
		}

		conn.Close()
		time.Sleep(time.Second)
	}
}

func main() {
	flag.Parse()

	program := tea.NewProgram(newModel(), tea.WithAltScreen())

	go streamEvents(program, *serverAddr)

	if _, err := program.Run(); err != nil {
		log.Printf("console error: %v", err)
		os.Exit(1)
	}
}
