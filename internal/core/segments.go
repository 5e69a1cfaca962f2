package core

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// ErrUnparseable marks a command line the classifier could not split.
// Callers never see it: the classifier turns it into (Delete, Outside).
var ErrUnparseable = errors.New("unparseable command")

// substPlaceholder stands in for a command substitution inside its parent
// segment. Paths containing it cannot be resolved.
const substPlaceholder = "__subst__"

// Redirect is an I/O redirection lifted out of a segment.
type Redirect struct {
	Op     string `json:"op"`
	Target string `json:"target"`
}

// Writes reports whether the redirection writes to its target.
func (r Redirect) Writes() bool {
	return r.Op != "<"
}

// Segment is one simple command of a compound command line, with its
// redirections removed from Text.
type Segment struct {
	Text      string     `json:"text"`
	Separator string     `json:"separator,omitempty"`
	Redirects []Redirect `json:"redirects,omitempty"`
}

// CommandLine is a command line split on its control operators.
type CommandLine struct {
	Segments []Segment
	// Substitutions holds the bodies of $(...), `...` and <(...).
	Substitutions []string
}

// SplitCommandLine splits s on ;, &&, ||, |, & and newlines, honouring
// quotes, and lifts out redirections, heredoc bodies, and substitutions.
func SplitCommandLine(s string) (*CommandLine, error) {
	sp := &splitter{src: []rune(s)}
	if err := sp.run(); err != nil {
		return nil, err
	}
	return &sp.line, nil
}

func unparseable(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnparseable, fmt.Sprintf(format, args...))
}

type heredoc struct {
	delim     string
	stripTabs bool
}

type splitter struct {
	src       []rune
	pos       int
	cur       strings.Builder
	redirects []Redirect
	heredocs  []heredoc
	lastSep   string
	line      CommandLine
}

func (s *splitter) peek(off int) rune {
	if i := s.pos + off; i < len(s.src) {
		return s.src[i]
	}
	return 0
}

func (s *splitter) hasPrefix(p string) bool {
	i := s.pos
	for _, r := range p {
		if i >= len(s.src) || s.src[i] != r {
			return false
		}
		i++
	}
	return true
}

func (s *splitter) atWordStart() bool {
	if s.pos == 0 {
		return true
	}
	prev := s.src[s.pos-1]
	return unicode.IsSpace(prev) || strings.ContainsRune(";&|(", prev)
}

func (s *splitter) fdRedirectAhead() bool {
	i := s.pos
	for i < len(s.src) && isDigit(s.src[i]) {
		i++
	}
	return i > s.pos && i < len(s.src) && (s.src[i] == '>' || s.src[i] == '<')
}

func (s *splitter) run() error {
	inDouble := false
	for s.pos < len(s.src) {
		c := s.src[s.pos]
		if inDouble {
			var err error
			switch {
			case c == '\\':
				s.copyEscape()
			case c == '"':
				inDouble = false
				s.cur.WriteRune(c)
				s.pos++
			case c == '$' && s.peek(1) == '(':
				err = s.substitution(2)
			case c == '`':
				err = s.backtick()
			default:
				s.cur.WriteRune(c)
				s.pos++
			}
			if err != nil {
				return err
			}
			continue
		}

		var err error
		switch {
		case c == '\\':
			s.copyEscape()
		case c == '\'':
			end := indexRune(s.src, '\'', s.pos+1)
			if end < 0 {
				return unparseable("unterminated single quote")
			}
			s.cur.WriteString(string(s.src[s.pos : end+1]))
			s.pos = end + 1
		case c == '"':
			inDouble = true
			s.cur.WriteRune(c)
			s.pos++
		case c == '$' && s.peek(1) == '(':
			err = s.substitution(2)
		case (c == '<' || c == '>') && s.peek(1) == '(':
			err = s.substitution(2)
		case c == '`':
			err = s.backtick()
		case c == '#' && s.atWordStart():
			for s.pos < len(s.src) && s.src[s.pos] != '\n' {
				s.pos++
			}
		case c == '&' && s.peek(1) == '&':
			err = s.flush("&&")
			s.pos += 2
		case c == '|' && s.peek(1) == '|':
			err = s.flush("||")
			s.pos += 2
		case c == '|':
			err = s.flush("|")
			s.pos++
			if s.peek(0) == '&' {
				s.pos++
			}
		case c == ';':
			err = s.flush(";")
			s.pos++
			if s.peek(0) == ';' {
				s.pos++
			}
		case c == '\n':
			err = s.newline()
		case c == '&' && s.peek(1) == '>':
			err = s.redirect()
		case c == '&':
			err = s.flush("&")
			s.pos++
		case c == '>' || c == '<':
			err = s.redirect()
		case isDigit(c) && s.atWordStart() && s.fdRedirectAhead():
			err = s.redirect()
		default:
			s.cur.WriteRune(c)
			s.pos++
		}
		if err != nil {
			return err
		}
	}
	if inDouble {
		return unparseable("unterminated double quote")
	}
	return s.flush("")
}

func (s *splitter) copyEscape() {
	if s.pos+1 >= len(s.src) {
		s.cur.WriteRune('\\')
		s.pos++
		return
	}
	next := s.src[s.pos+1]
	s.pos += 2
	if next == '\n' {
		return
	}
	s.cur.WriteRune('\\')
	s.cur.WriteRune(next)
}

func isBinarySep(sep string) bool {
	return sep == "&&" || sep == "||" || sep == "|"
}

func (s *splitter) flush(sep string) error {
	text := strings.TrimSpace(s.cur.String())
	s.cur.Reset()
	if text == "" && len(s.redirects) == 0 {
		if isBinarySep(sep) || isBinarySep(s.lastSep) {
			return unparseable("missing command around %q", firstNonEmpty(sep, s.lastSep))
		}
		if sep != "" {
			s.lastSep = sep
		}
		return nil
	}
	s.line.Segments = append(s.line.Segments, Segment{
		Text:      text,
		Separator: sep,
		Redirects: s.redirects,
	})
	s.redirects = nil
	s.lastSep = sep
	return nil
}

// newline ends the current command unless it is empty; a newline right
// after && or | continues the pipeline. Pending heredoc bodies follow it.
func (s *splitter) newline() error {
	s.pos++
	if strings.TrimSpace(s.cur.String()) != "" || len(s.redirects) > 0 {
		if err := s.flush(";"); err != nil {
			return err
		}
	}
	s.consumeHeredocs()
	return nil
}

func (s *splitter) consumeHeredocs() {
	for _, h := range s.heredocs {
		for s.pos < len(s.src) {
			end := indexRune(s.src, '\n', s.pos)
			if end < 0 {
				end = len(s.src)
			}
			line := string(s.src[s.pos:end])
			s.pos = end
			if s.pos < len(s.src) {
				s.pos++
			}
			if h.stripTabs {
				line = strings.TrimLeft(line, "\t")
			}
			if line == h.delim {
				break
			}
		}
	}
	s.heredocs = nil
}

func (s *splitter) substitution(skip int) error {
	start := s.pos + skip
	depth := 1
	inSingle, inDouble := false, false
	for i := start; i < len(s.src); i++ {
		c := s.src[i]
		switch {
		case inSingle:
			if c == '\'' {
				inSingle = false
			}
		case c == '\\':
			i++
		case inDouble:
			if c == '"' {
				inDouble = false
			}
		case c == '\'':
			inSingle = true
		case c == '"':
			inDouble = true
		case c == '(':
			depth++
		case c == ')':
			depth--
			if depth == 0 {
				s.line.Substitutions = append(s.line.Substitutions, string(s.src[start:i]))
				s.cur.WriteString(substPlaceholder)
				s.pos = i + 1
				return nil
			}
		}
	}
	return unparseable("unterminated command substitution")
}

func (s *splitter) backtick() error {
	for i := s.pos + 1; i < len(s.src); i++ {
		switch s.src[i] {
		case '\\':
			i++
		case '`':
			s.line.Substitutions = append(s.line.Substitutions, string(s.src[s.pos+1:i]))
			s.cur.WriteString(substPlaceholder)
			s.pos = i + 1
			return nil
		}
	}
	return unparseable("unterminated backtick")
}

var redirectOps = []string{"&>>", "&>", "<<<", "<<-", "<<", ">>", ">|", "<>", ">&", "<&", ">", "<"}

func (s *splitter) redirect() error {
	for s.pos < len(s.src) && isDigit(s.src[s.pos]) {
		s.pos++
	}
	op := ""
	for _, candidate := range redirectOps {
		if s.hasPrefix(candidate) {
			op = candidate
			break
		}
	}
	if op == "" {
		return unparseable("bad redirection")
	}
	s.pos += len(op)

	if op == ">&" || op == "<&" {
		// 2>&1, >&-: descriptor duplication, no file involved.
		if c := s.peek(0); isDigit(c) || c == '-' {
			for s.pos < len(s.src) && (isDigit(s.src[s.pos]) || s.src[s.pos] == '-') {
				s.pos++
			}
			return nil
		}
		if op == "<&" {
			return unparseable("bad descriptor duplication")
		}
		op = "&>"
	}

	s.skipBlanks()
	target, err := s.word()
	if err != nil {
		return err
	}
	if target == "" {
		return unparseable("missing redirection target after %q", op)
	}

	switch op {
	case "<<", "<<-":
		s.heredocs = append(s.heredocs, heredoc{delim: target, stripTabs: op == "<<-"})
		return nil
	case "<<<":
		return nil
	}
	s.redirects = append(s.redirects, Redirect{Op: op, Target: target})
	return nil
}

func (s *splitter) skipBlanks() {
	for s.pos < len(s.src) && (s.src[s.pos] == ' ' || s.src[s.pos] == '\t') {
		s.pos++
	}
}

// word reads one shell word with its quotes removed.
func (s *splitter) word() (string, error) {
	var b strings.Builder
	for s.pos < len(s.src) {
		c := s.src[s.pos]
		switch {
		case c == '\'':
			end := indexRune(s.src, '\'', s.pos+1)
			if end < 0 {
				return "", unparseable("unterminated single quote")
			}
			b.WriteString(string(s.src[s.pos+1 : end]))
			s.pos = end + 1
		case c == '"':
			end := closingDouble(s.src, s.pos+1)
			if end < 0 {
				return "", unparseable("unterminated double quote")
			}
			b.WriteString(string(s.src[s.pos+1 : end]))
			s.pos = end + 1
		case c == '\\' && s.pos+1 < len(s.src):
			b.WriteRune(s.src[s.pos+1])
			s.pos += 2
		case unicode.IsSpace(c) || strings.ContainsRune(";&|<>()", c):
			return b.String(), nil
		default:
			b.WriteRune(c)
			s.pos++
		}
	}
	return b.String(), nil
}

func indexRune(src []rune, r rune, from int) int {
	for i := from; i < len(src); i++ {
		if src[i] == r {
			return i
		}
	}
	return -1
}

func closingDouble(src []rune, from int) int {
	for i := from; i < len(src); i++ {
		switch src[i] {
		case '\\':
			i++
		case '"':
			return i
		}
	}
	return -1
}

func isDigit(r rune) bool {
	return r >= '0' && r <= '9'
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
