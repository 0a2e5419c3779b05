// Package notify shows notices to the human running the workflow.
package notify

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
)

type Level int

const (
	Info Level = iota
	Action
	Success
	Failure
)

// Notice is one message for the human approver.
type Notice struct {
	Level Level
	Title string
	Lines []string
}

type Notifier interface {
	Notify(n Notice)
}

// Discard drops every notice.
type Discard struct{}

func (Discard) Notify(Notice) {}

var (
	stampStyle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "240", Dark: "244"})
	bodyStyle   = lipgloss.NewStyle().PaddingLeft(2)
	titleStyles = map[Level]lipgloss.Style{
		Info:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63")),
		Action:  lipgloss.NewStyle().Bold(true).Background(lipgloss.Color("214")).Foreground(lipgloss.Color("0")).Padding(0, 1),
		Success: lipgloss.NewStyle().Bold(true).Background(lipgloss.Color("28")).Foreground(lipgloss.Color("255")).Padding(0, 1),
		Failure: lipgloss.NewStyle().Bold(true).Background(lipgloss.Color("196")).Foreground(lipgloss.Color("255")).Padding(0, 1),
	}
	bannerStyle = lipgloss.NewStyle().Border(lipgloss.NormalBorder(), true).Padding(0, 1).BorderForeground(lipgloss.Color("240"))
)

// Console writes styled notices to a terminal. Action notices are boxed so
// pending approvals stand out between routine lines.
type Console struct {
	Out io.Writer
	Now func() time.Time

	mu sync.Mutex
}

func NewConsole(out io.Writer) *Console {
	return &Console{Out: out, Now: time.Now}
}

func (c *Console) Notify(n Notice) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	stamp := stampStyle.Render("[" + now().Format("15:04:05") + "]")
	title := titleStyles[n.Level].Render(n.Title)
	var body []string
	for _, l := range n.Lines {
		body = append(body, bodyStyle.Render(l))
	}
	block := lipgloss.JoinVertical(lipgloss.Left, append([]string{stamp + " " + title}, body...)...)
	if n.Level == Action {
		block = bannerStyle.Render(block)
	}
	fmt.Fprintln(c.Out, block)
}

// Plain writes unstyled notices, one line per entry.
type Plain struct {
	Out io.Writer
}

func (p Plain) Notify(n Notice) {
	fmt.Fprintln(p.Out, n.Title)
	for _, l := range n.Lines {
		fmt.Fprintln(p.Out, "  "+strings.TrimRight(l, "\n"))
	}
}
