package tui

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/pocketcmd/pocketcmd/internal/event"
)

// RendererOptions controls terminal output.
type RendererOptions struct {
	NoColor bool
	Verbose bool
}

// Renderer prints conversation output to a terminal. It is safe for
// concurrent use.
type Renderer struct {
	mu   sync.Mutex
	out  io.Writer
	err  io.Writer
	opts RendererOptions
}

// NewRenderer writes conversation output to out and diagnostics to errOut.
func NewRenderer(out, errOut io.Writer, opts RendererOptions) *Renderer {
	if opts.NoColor {
		color.NoColor = true
	}
	return &Renderer{out: out, err: errOut, opts: opts}
}

func (r *Renderer) Banner(text string) {
	r.println(r.err, color.New(color.FgHiBlack).Sprint(text))
}

// Message prints a completed message with a role label.
func (r *Renderer) Message(role event.Role, text string) {
	text = strings.TrimRight(text, "\n")
	switch role {
	case event.RoleAssistant:
		r.println(r.out, color.New(color.FgGreen, color.Bold).Sprint("assistant ›")+" "+text)
	case event.RoleSystem:
		r.println(r.out, color.New(color.FgHiBlack).Sprint(text))
	case event.RoleTool:
		r.println(r.out, color.New(color.FgHiBlack).Sprint(indent(text)))
	case event.RoleUser:
		r.println(r.out, color.New(color.FgCyan, color.Bold).Sprint("you ›")+" "+text)
	default:
		r.println(r.out, fmt.Sprintf("%s › %s", role, text))
	}
}

// ToolCall prints one finished tool call.
func (r *Renderer) ToolCall(name, summary string) {
	line := "→ tool " + name
	if summary != "" {
		line += " (" + summary + ")"
	}
	r.println(r.out, color.New(color.FgYellow).Sprint(line))
}

// Error prints a user-visible error.
func (r *Renderer) Error(code, message, detail string) {
	line := "error: " + message
	if code != "" {
		line += " [" + code + "]"
	}
	r.println(r.err, color.New(color.FgRed).Sprint(line))
	if detail != "" && r.opts.Verbose {
		r.println(r.err, color.New(color.FgRed).Sprint("  "+detail))
	}
}

// Warn prints a client-side problem, such as a stream protocol violation.
func (r *Renderer) Warn(msg string) {
	r.println(r.err, color.New(color.FgYellow).Sprint("warning: "+msg))
}

// Prompt prints a question asked by an agent.
func (r *Renderer) Prompt(message string, sensitive bool) {
	if sensitive {
		message += " (input is sensitive)"
	}
	r.println(r.out, color.New(color.FgMagenta, color.Bold).Sprint("? ")+message)
}

// Label prints the input prompt without a newline.
func (r *Renderer) Label(label string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprint(r.out, color.New(color.FgCyan).Sprint(label))
}

func (r *Renderer) Trace(msg string, details map[string]any) {
	if !r.opts.Verbose {
		return
	}
	if details != nil {
		r.println(r.err, color.New(color.FgHiBlack).Sprintf("[trace] %s %v", msg, details))
	} else {
		r.println(r.err, color.New(color.FgHiBlack).Sprintf("[trace] %s", msg))
	}
}

func (r *Renderer) println(w io.Writer, s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(w, s)
}

func indent(s string) string {
	return "  " + strings.ReplaceAll(s, "\n", "\n  ")
}
