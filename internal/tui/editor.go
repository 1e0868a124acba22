// Package tui is the interactive configuration editor: a bubbletea
// list-and-form model styled after the teacher's own bubble_tea
// components (Selector/TextInput), adapted to edit the port/method/
// password entries this repository's config.Config holds instead of
// the teacher's tunnel-interface settings.
package tui

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"ssrelay/internal/cipher"
	"ssrelay/internal/config"
)

var (
	selectedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	headerStyle   = lipgloss.NewStyle().Bold(true)
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	helpStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
)

type focus int

const (
	focusList focus = iota
	focusAddPort
	focusAddMethod
	focusAddPassword
)

// Model is the bubbletea model for the `configure` subcommand. Form
// fields are each a bubbles/textinput.Model, the same wrapping style
// the teacher uses around bubbles/textarea.
type Model struct {
	path    string
	cfg     *config.Config
	cursor  int
	focus   focus
	field   textinput.Model
	newPort int
	newMeth cipher.Method
	err     error
	saved   bool
	quit    bool
}

func New(path string, cfg *config.Config) Model {
	return Model{path: path, cfg: cfg, field: newField("port")}
}

func newField(placeholder string) textinput.Model {
	ti := textinput.New()
	ti.Placeholder = placeholder
	ti.Focus()
	ti.CharLimit = 128
	ti.Width = 40
	return ti
}

func (m Model) Init() tea.Cmd { return textinput.Blink }

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	keyMsg, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}

	m.err = nil
	switch m.focus {
	case focusList:
		return m.updateList(keyMsg)
	case focusAddPort, focusAddMethod, focusAddPassword:
		return m.updateForm(keyMsg)
	}
	return m, nil
}

func (m Model) updateList(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "up":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down":
		if m.cursor < len(m.cfg.Entries)-1 {
			m.cursor++
		}
	case "a":
		m.focus = focusAddPort
		m.field = newField("port")
	case "d":
		if len(m.cfg.Entries) > 0 {
			m.cfg.Entries = append(m.cfg.Entries[:m.cursor], m.cfg.Entries[m.cursor+1:]...)
			if m.cursor >= len(m.cfg.Entries) && m.cursor > 0 {
				m.cursor--
			}
		}
	case "s":
		if err := config.Save(m.path, m.cfg); err != nil {
			m.err = err
		} else {
			m.saved = true
		}
	case "q", "ctrl+c":
		m.quit = true
		return m, tea.Quit
	}
	return m, nil
}

func (m Model) updateForm(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.focus = focusList
		return m, nil
	case "enter":
		return m.advanceForm()
	}
	var cmd tea.Cmd
	m.field, cmd = m.field.Update(msg)
	return m, cmd
}

func (m Model) advanceForm() (tea.Model, tea.Cmd) {
	value := strings.TrimSpace(m.field.Value())
	switch m.focus {
	case focusAddPort:
		port, err := strconv.Atoi(value)
		if err != nil || port <= 0 || port > 65535 {
			m.err = fmt.Errorf("invalid port %q", value)
			return m, nil
		}
		m.newPort = port
		m.focus = focusAddMethod
		m.field = newField("chacha20-ietf-poly1305")
	case focusAddMethod:
		method := cipher.Method(value)
		if method != cipher.ChaCha20IETFPoly1305 && method != cipher.AES256GCM {
			m.err = fmt.Errorf("unsupported method %q (use %q or %q)", value, cipher.ChaCha20IETFPoly1305, cipher.AES256GCM)
			return m, nil
		}
		m.newMeth = method
		m.focus = focusAddPassword
		m.field = newField("password")
		m.field.EchoMode = textinput.EchoPassword
	case focusAddPassword:
		if value == "" {
			m.err = fmt.Errorf("password cannot be empty")
			return m, nil
		}
		m.cfg.Entries = append(m.cfg.Entries, config.PortEntry{
			Port:     m.newPort,
			Method:   m.newMeth,
			Password: value,
		})
		m.focus = focusList
		m.field = newField("port")
	}
	return m, nil
}

func (m Model) View() string {
	var b strings.Builder

	b.WriteString(headerStyle.Render(fmt.Sprintf("ssrelay configuration — %s", m.path)))
	b.WriteString("\n\n")

	switch m.focus {
	case focusList:
		if len(m.cfg.Entries) == 0 {
			b.WriteString("(no ports configured)\n")
		}
		for i, e := range m.cfg.Entries {
			line := fmt.Sprintf("port %-6d  method %-24s", e.Port, e.Method)
			if i == m.cursor {
				line = selectedStyle.Render("> " + line)
			} else {
				line = "  " + line
			}
			b.WriteString(line + "\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("a add   d delete   s save   q quit"))
	case focusAddPort:
		b.WriteString("new port:\n" + m.field.View())
	case focusAddMethod:
		b.WriteString(fmt.Sprintf("port %d\nmethod (%s | %s):\n%s", m.newPort, cipher.ChaCha20IETFPoly1305, cipher.AES256GCM, m.field.View()))
	case focusAddPassword:
		b.WriteString(fmt.Sprintf("port %d, method %s\npassword:\n%s", m.newPort, m.newMeth, m.field.View()))
	}

	if m.saved {
		b.WriteString("\n" + helpStyle.Render("saved.") + "\n")
	}
	if m.err != nil {
		b.WriteString("\n" + errorStyle.Render(m.err.Error()) + "\n")
	}

	return b.String()
}
