package cli

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/Dicklesworthstone/warden/internal/core"
)

var (
	inkHeading = lipgloss.Color("#89b4fa")
	inkAccent  = lipgloss.Color("#cba6f7")
	inkMuted   = lipgloss.Color("#6c7086")
	inkFlag    = lipgloss.Color("#f9e2af")
	inkCommand = lipgloss.Color("#94e2d5")
	inkPanel   = lipgloss.Color("#1e1e2e")
)

// decisionInk colours each rule outcome the same way in help and tables.
var decisionInk = map[core.DecisionKind]lipgloss.Style{
	core.DecisionAutoApprove:           lipgloss.NewStyle().Foreground(lipgloss.Color("#a6e3a1")),
	core.DecisionRequireApproval:       lipgloss.NewStyle().Foreground(lipgloss.Color("#f9e2af")),
	core.DecisionAlwaysRequireApproval: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#f38ba8")),
}

var (
	headingStyle = lipgloss.NewStyle().Bold(true).Foreground(inkHeading).MarginTop(1)
	commandStyle = lipgloss.NewStyle().Foreground(inkCommand)
	flagStyle    = lipgloss.NewStyle().Foreground(inkFlag)
	mutedStyle   = lipgloss.NewStyle().Foreground(inkMuted)
	panelStyle   = lipgloss.NewStyle().
			BorderForeground(inkHeading).
			Background(inkPanel).
			Padding(1, 2).
			MarginTop(1).
			MarginBottom(1)
)

var asciiBorder = lipgloss.Border{
	Top: "-", Bottom: "-", Left: "|", Right: "|",
	TopLeft: "+", TopRight: "+", BottomLeft: "+", BottomRight: "+",
}

// termCaps is what the quick reference knows about the terminal.
type termCaps struct {
	width   int
	unicode bool
}

func detectCaps() termCaps {
	return termCaps{width: boundWidth(terminalWidth()), unicode: unicodeLocale()}
}

type helpEntry struct{ example, summary string }

type helpSection struct {
	icon, title string
	entries     []helpEntry
}

var quickReference = []helpSection{
	{"🔷", "AS THE AGENT", []helpEntry{
		{`warden check shell "rm -rf ./build" -j`, "decide a call (exit 0 run, 2 pending, 3 denied)"},
		{`warden classify write_file '{"path":"/etc/hosts"}'`, "classification only, nothing audited"},
		{`warden check shell "make" --mode plan`, "evaluate in another agent mode"},
	}},
	{"🔶", "AS THE HUMAN", []helpEntry{
		{"warden pending", "list held calls and their tokens"},
		{"warden resume <token> approved", "let one call run"},
		{`warden resume <token> approved-and-save --match prefix --pattern "go test"`, "run and always allow"},
		{"warden resume <token> denied", "refuse the call"},
		{"warden pending prune --older-than 24h", "cancel calls nobody answered"},
	}},
	{"🛡", "POLICY", []helpEntry{
		{"warden rules --mode build --trust careful", "show the decision matrix"},
		{"warden patterns list", "saved allow and deny patterns"},
		{"warden patterns import approvals.toml", "add patterns from a file"},
		{"warden mcp mcp__github__create_issue", "policy an MCP tool is decided by"},
		{"warden verify [--fix]", "check (or force-restore) builtin tables"},
		{"warden watch", "re-verify when the store or pattern files change"},
		{"warden audit --limit 20", "recent decisions"},
	}},
}

var globalFlagHelp = []helpEntry{
	{"-j, --json", "structured output"},
	{"-C, --project <dir>", "override project path"},
	{"-s, --session-id <id>", "session-scoped patterns"},
	{"--db <path>", "policy store path"},
}

func showQuickReference(w io.Writer) {
	caps := detectCaps()

	border := lipgloss.RoundedBorder()
	title := "WARDEN QUICK REFERENCE - Tool Call Approval"
	if caps.unicode {
		title = shade(" WARDEN QUICK REFERENCE · Tool Call Approval ", caps, inkAccent, inkHeading)
	} else {
		border = asciiBorder
	}

	blocks := []string{
		lipgloss.NewStyle().Bold(true).MarginBottom(1).Width(caps.width - 4).Align(lipgloss.Center).Render(title),
	}
	for _, s := range quickReference {
		blocks = append(blocks, s.render(caps))
	}
	blocks = append(blocks, decisionKey(caps), flagKey(caps), helpFooter(caps))

	panel := panelStyle.Border(border).Width(caps.width)
	fmt.Fprintln(w, panel.Render(lipgloss.JoinVertical(lipgloss.Left, blocks...)))
}

func (s helpSection) render(caps termCaps) string {
	lines := []string{heading(s.icon, s.title, caps)}
	for _, e := range s.entries {
		lines = append(lines, commandStyle.Render("  "+e.example)+mutedStyle.Render("  "+e.summary))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func heading(icon, title string, caps termCaps) string {
	if caps.unicode && icon != "" {
		title = icon + " " + title
	}
	return headingStyle.Render(title)
}

func decisionKey(caps termCaps) string {
	labels := []struct {
		kind      core.DecisionKind
		dot, text string
	}{
		{core.DecisionAutoApprove, "🟢 ", "AUTO"},
		{core.DecisionRequireApproval, "🟡 ", "REQUIRE (savable or not)"},
		{core.DecisionAlwaysRequireApproval, "🔴 ", "ALWAYS REQUIRE"},
	}
	parts := make([]string, 0, len(labels))
	for _, l := range labels {
		text := l.text
		if caps.unicode {
			text = l.dot + text
		}
		parts = append(parts, decisionInk[l.kind].Render(text))
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		heading("🎯", "DECISIONS", caps),
		"  "+strings.Join(parts, "   "),
		mutedStyle.Render("  ask and plan modes never need approval"),
	)
}

func flagKey(caps termCaps) string {
	lines := []string{heading("🚩", "GLOBAL FLAGS", caps)}
	for _, f := range globalFlagHelp {
		lines = append(lines, flagStyle.Render(fmt.Sprintf("  %-24s", f.example))+mutedStyle.Render(f.summary))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func helpFooter(caps termCaps) string {
	const hint = "warden <command> --help"
	if !caps.unicode {
		return mutedStyle.Render("HELP: " + hint)
	}
	return mutedStyle.Render("HELP: ") + commandStyle.Render(hint)
}

// boundWidth keeps the reference panel between 72 and 100 columns.
func boundWidth(w int) int {
	return max(72, min(w, 100))
}

func terminalWidth() int {
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		return w
	}
	if v, err := strconv.Atoi(os.Getenv("COLUMNS")); err == nil && v > 0 {
		return v
	}
	return 80
}

func unicodeLocale() bool {
	if strings.Contains(strings.ToLower(os.Getenv("TERM")), "dumb") {
		return false
	}
	for _, key := range []string{"LC_ALL", "LC_CTYPE", "LANG"} {
		v := strings.ToLower(os.Getenv(key))
		if strings.Contains(v, "utf-8") || strings.Contains(v, "utf8") {
			return true
		}
	}
	return false
}

// shade colours text rune by rune, stepping evenly from the first ink to
// the last.
func shade(text string, caps termCaps, inks ...lipgloss.Color) string {
	if len(inks) == 0 || !caps.unicode {
		return text
	}
	runes := []rune(text)
	if len(inks) == 1 || len(runes) < 2 {
		return lipgloss.NewStyle().Foreground(inks[0]).Render(text)
	}
	var b strings.Builder
	for i, r := range runes {
		ink := inks[i*(len(inks)-1)/(len(runes)-1)]
		b.WriteString(lipgloss.NewStyle().Foreground(ink).Render(string(r)))
	}
	return b.String()
}
