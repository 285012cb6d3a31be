// sectoragent-chat is a terminal client for the conversation websocket.
//
// Usage:
//
//	sectoragent-chat --url ws://localhost:3000/api/v1/agent/conversations/1/chat --token "$SECTORAGENT_TOKEN"
//
// Enter sends the message. Esc or Ctrl+C quits.
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/gorilla/websocket"
	flag "github.com/spf13/pflag"
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFDF5")).
			Background(lipgloss.Color("#25A065")).
			Padding(0, 1)

	senderStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("5")).
			Bold(true)

	userStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("2")).
			Bold(true)

	systemStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true).Padding(0, 1) // Red
)

// frame is anything the server pushes: a durable message or an error notice.
type frame struct {
	ID      int64  `json:"id"`
	Role    string `json:"role"`
	Content string `json:"content"`
	Type    string `json:"type"`
	Error   string `json:"error"`
}

type frameMsg frame
type errMsg struct{ err error }
type closedMsg struct{}

// conn serializes writes on the websocket; tea commands run concurrently.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) send(content string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(map[string]string{"content": content})
}

type model struct {
	conn   *conn
	frames <-chan frame
	title  string

	width  int
	height int
	err    error

	// UI Components
	viewport viewport.Model
	textarea textarea.Model

	// Data
	messages []frame
	renderer *glamour.TermRenderer
}

func newRenderer(width int) *glamour.TermRenderer {
	// Use "light" style to avoid terminal queries that leak into input
	r, _ := glamour.NewTermRenderer(
		glamour.WithStandardStyle("light"),
		glamour.WithWordWrap(width),
	)
	return r
}

func initialModel(c *conn, frames <-chan frame, title string) model {
	ta := textarea.New()
	ta.Placeholder = "Type a message..."
	ta.Focus()
	ta.Prompt = "┃ "
	ta.CharLimit = 2000

	ta.SetWidth(80)
	ta.SetHeight(3)

	// Remove cursor line styling
	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.ShowLineNumbers = false
	ta.KeyMap.InsertNewline.SetEnabled(false)

	vp := viewport.New(80, 20)
	vp.SetContent("Connected. Say hello to the agent.")

	return model{
		conn:     c,
		frames:   frames,
		title:    title,
		viewport: vp,
		textarea: ta,
		renderer: newRenderer(76),
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, waitForFrame(m.frames))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		tiCmd tea.Cmd
		vpCmd tea.Cmd
	)
	m.textarea, tiCmd = m.textarea.Update(msg)
	m.viewport, vpCmd = m.viewport.Update(msg)
	cmds := []tea.Cmd{tiCmd, vpCmd}

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = msg.Width
		m.textarea.SetWidth(msg.Width)
		m.viewport.Height = max(msg.Height-m.textarea.Height()-3, 0) // Header + Margin
		m.renderer = newRenderer(max(m.width-4, 20))
		m.refresh()

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			v := strings.TrimSpace(m.textarea.Value())
			if v == "" {
				return m, nil
			}
			m.err = nil // Clear error on new message
			m.textarea.Reset()
			c := m.conn
			cmds = append(cmds, func() tea.Msg {
				if err := c.send(v); err != nil {
					return errMsg{err}
				}
				return nil
			})
		}

	case frameMsg:
		f := frame(msg)
		if f.Type == "error" {
			m.err = fmt.Errorf("%s", f.Error)
		} else {
			m.messages = append(m.messages, f)
			m.refresh()
		}
		cmds = append(cmds, waitForFrame(m.frames))

	case closedMsg:
		m.err = fmt.Errorf("connection closed by server")

	case errMsg:
		m.err = msg.err
	}

	return m, tea.Batch(cmds...)
}

// refresh re-renders the transcript into the viewport.
func (m *model) refresh() {
	if len(m.messages) == 0 {
		return
	}
	var sb strings.Builder
	for _, f := range m.messages {
		switch f.Role {
		case "user":
			sb.WriteString(userStyle.Render("You: "))
		case "assistant":
			sb.WriteString(senderStyle.Render("Agent: "))
		default:
			sb.WriteString(systemStyle.Render(f.Role + ": "))
		}
		sb.WriteString("\n")

		content := f.Content
		if f.Role == "assistant" && m.renderer != nil {
			if rendered, err := m.renderer.Render(f.Content); err == nil {
				content = rendered
			}
		}
		sb.WriteString(content)
		sb.WriteString("\n")
	}
	m.viewport.SetContent(sb.String())
	m.viewport.GotoBottom()
}

func (m model) View() string {
	var errorView string
	if m.err != nil {
		errorView = errorStyle.Width(m.width).Render(fmt.Sprintf("Error: %v", m.err))
	}

	return lipgloss.JoinVertical(
		lipgloss.Left,
		titleStyle.Render(m.title),
		"",
		m.viewport.View(),
		errorView,
		m.textarea.View(),
	)
}

func waitForFrame(ch <-chan frame) tea.Cmd {
	return func() tea.Msg {
		f, ok := <-ch
		if !ok {
			return closedMsg{}
		}
		return frameMsg(f)
	}
}

// readFrames forwards server frames until the connection ends.
func readFrames(ws *websocket.Conn, out chan<- frame) {
	defer close(out)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("WebSocket read ended", "error", err)
			}
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Warn("Ignoring malformed frame", "error", err)
			continue
		}
		out <- f
	}
}

// --- Main ---

func main() {
	url := flag.String("url", "ws://localhost:3000/api/v1/agent/conversations/1/chat", "conversation websocket URL")
	token := flag.String("token", os.Getenv("SECTORAGENT_TOKEN"), "bearer token (defaults to $SECTORAGENT_TOKEN)")
	logFile := flag.String("log-file", "chat.log", "file that receives client logs")
	flag.Parse()

	// Log to a file; the terminal belongs to the UI.
	f, err := os.OpenFile(*logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
	defer f.Close()
	slog.SetDefault(slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug})))

	if *token == "" {
		fmt.Println("Error: --token or SECTORAGENT_TOKEN is required.")
		os.Exit(1)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+*token)
	ws, resp, err := websocket.DefaultDialer.Dial(*url, header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (HTTP %d)", err, resp.StatusCode)
		}
		slog.Error("Failed to connect", "url", *url, "error", err)
		fmt.Printf("Error: failed to connect to %s: %v\n", *url, err)
		os.Exit(1)
	}
	defer ws.Close()
	slog.Info("Connected", "url", *url)

	frames := make(chan frame, 16)
	go readFrames(ws, frames)

	p := tea.NewProgram(initialModel(&conn{ws: ws}, frames, "Sector Agent"), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Printf("Alas, there's been an error: %v", err)
		os.Exit(1)
	}
	ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
