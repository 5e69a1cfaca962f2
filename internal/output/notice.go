package output

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// Styles renders notice markers. Plain styles render text unchanged.
type Styles struct {
	Success lipgloss.Style
	Error   lipgloss.Style
	Warning lipgloss.Style
	Muted   lipgloss.Style
}

// PlainStyles returns styles that add no escape codes.
func PlainStyles() *Styles {
	return &Styles{
		Success: lipgloss.NewStyle(),
		Error:   lipgloss.NewStyle(),
		Warning: lipgloss.NewStyle(),
		Muted:   lipgloss.NewStyle(),
	}
}

// ColorStyles returns the terminal palette.
func ColorStyles() *Styles {
	return &Styles{
		Success: lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true),
		Error:   lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
		Warning: lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true),
		Muted:   lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
	}
}

// StylesFor colours output only when w is a terminal and NO_COLOR is unset.
func StylesFor(w io.Writer) *Styles {
	if IsTerminal(w) && os.Getenv("NO_COLOR") == "" {
		return ColorStyles()
	}
	return PlainStyles()
}

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// NoticeKind selects the marker of a one-line notice.
type NoticeKind string

const (
	NoticeSecurity NoticeKind = "security"
	NoticeRejected NoticeKind = "rejected"
	NoticeInfo     NoticeKind = "info"
)

// Notice writes a one-line notice to the error stream. Notices are
// suppressed in structured modes, where the payload carries the same data.
func (w *Writer) Notice(kind NoticeKind, format string, args ...any) {
	if w.IsStructured() {
		return
	}
	var marker string
	switch kind {
	case NoticeSecurity:
		marker = w.styles.Warning.Render("! security:")
	case NoticeRejected:
		marker = w.styles.Error.Render("✗ rejected:")
	default:
		marker = w.styles.Muted.Render("·")
	}
	fmt.Fprintln(w.errOut, marker+" "+fmt.Sprintf(format, args...))
}
