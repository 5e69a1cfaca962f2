package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/mattn/go-shellwords"
)

// maxNesting bounds sh -c, substitution, and find -exec recursion.
const maxNesting = 8

// Classification is the classifier's verdict for one tool call.
type Classification struct {
	Operation Operation `json:"classification"`
	Location  Location  `json:"location"`
	// Subject is the text saved patterns are matched against: the command
	// line for shell tools, the named paths for file tools.
	Subject  string          `json:"subject"`
	Paths    []string        `json:"paths,omitempty"`
	Segments []SegmentResult `json:"segments,omitempty"`
	// Compound is set for command lines with more than one command, any
	// nested command, or an output redirection. Only exact patterns match
	// them.
	Compound   bool   `json:"compound,omitempty"`
	ParseError bool   `json:"parse_error,omitempty"`
	Reason     string `json:"reason,omitempty"`
	// MCP is the policy an MCP tool call was classified under.
	MCP *MCPPolicy `json:"mcp,omitempty"`
}

// Within reports whether c is no riskier than limit in both operation and
// location.
func (c Classification) Within(limit Classification) bool {
	if c.Operation.Rank() > limit.Operation.Rank() {
		return false
	}
	return c.Location == LocationInWorkdir || limit.Location == LocationOutside
}

// SegmentResult is the verdict for one command of a compound line.
type SegmentResult struct {
	Text      string    `json:"text"`
	Verb      string    `json:"verb,omitempty"`
	Operation Operation `json:"classification"`
	Location  Location  `json:"location"`
}

// Classifier maps tool calls to (Operation, Location) using a catalog.
// It is safe for concurrent use.
type Classifier struct {
	catalog *Catalog
	home    string
	mcp     map[MCPTool]MCPPolicy
}

// ClassifierOption configures a Classifier.
type ClassifierOption func(*Classifier)

// WithHomeDir sets the directory ~ expands to.
func WithHomeDir(dir string) ClassifierOption {
	return func(c *Classifier) {
		c.home = dir
	}
}

// WithMCPPolicies sets the policies MCP tool calls are classified under.
// Tools without one get DefaultMCPPolicy.
func WithMCPPolicies(policies []MCPPolicy) ClassifierOption {
	return func(c *Classifier) {
		c.mcp = make(map[MCPTool]MCPPolicy, len(policies))
		for _, p := range policies {
			c.mcp[p.MCPTool] = p
		}
	}
}

// NewClassifier creates a classifier over catalog.
func NewClassifier(catalog *Catalog, opts ...ClassifierOption) *Classifier {
	home, _ := os.UserHomeDir()
	c := &Classifier{catalog: catalog, home: home}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify returns the operation and location of a tool call. It never
// fails: input it cannot understand classifies as (Delete, Outside).
func (c *Classifier) Classify(tool, args, workdir string) Classification {
	if t, ok := ParseMCPTool(tool); ok {
		return c.classifyMCP(t, args)
	}
	root := NormalizeWorkdir(workdir)
	entry, ok := c.catalog.Tool(tool)
	if !ok {
		return Classification{
			Operation: OperationWrite,
			Location:  LocationOutside,
			Subject:   strings.TrimSpace(args),
			Reason:    fmt.Sprintf("unknown tool %q", tool),
		}
	}

	switch entry.Strategy {
	case StrategyShell:
		return c.classifyShell(args, root)
	case StrategyPath:
		paths, deletes, ok := toolArgPaths(args)
		res := Classification{Operation: entry.Operation, Subject: strings.Join(paths, " ")}
		if deletes {
			res.Operation = res.Operation.Max(OperationDelete)
		}
		// Only a read with no arguments at all defaults to the workdir.
		if !ok || (len(paths) == 0 && res.Operation != OperationRead) {
			res.Location = LocationOutside
			res.Reason = "no paths found in arguments"
			res.Subject = strings.TrimSpace(args)
			return res
		}
		res.Location, res.Paths = c.locate(paths, root, root)
		return res
	default:
		return Classification{
			Operation: entry.Operation,
			Location:  LocationInWorkdir,
			Subject:   strings.TrimSpace(args),
		}
	}
}

// locate resolves raw paths against base and reports whether all of them
// stay under root.
func (c *Classifier) locate(raw []string, base, root string) (Location, []string) {
	loc := LocationInWorkdir
	resolved := make([]string, 0, len(raw))
	for _, p := range raw {
		abs, ok := resolvePath(p, base, c.home)
		if !ok {
			loc = LocationOutside
			resolved = append(resolved, p)
			continue
		}
		resolved = append(resolved, abs)
		if !within(abs, root) {
			loc = LocationOutside
		}
	}
	return loc, resolved
}

func (c *Classifier) classifyShell(args, root string) Classification {
	command, cwd := shellArgs(args)
	st := &shellState{c: c, root: root, base: root, op: OperationRead}
	if cwd != "" {
		st.chdir(cwd)
		if _, paths := c.locate([]string{cwd}, root, root); len(paths) > 0 {
			st.paths = append(st.paths, paths...)
		}
		if st.base == "" || !within(st.base, root) {
			st.outside = true
		}
	}

	fail := func(err error) Classification {
		return Classification{
			Operation:  OperationDelete,
			Location:   LocationOutside,
			Subject:    command,
			Compound:   true,
			ParseError: true,
			Reason:     err.Error(),
		}
	}
	if err := st.line(command, 0); err != nil {
		return fail(err)
	}

	res := Classification{
		Operation: st.op,
		Location:  LocationInWorkdir,
		Subject:   command,
		Paths:     st.paths,
		Segments:  st.segments,
		Compound:  st.compound,
	}
	if st.outside {
		res.Location = LocationOutside
	}
	return res
}

// shellArgs accepts either a raw command line or a JSON object carrying
// "command" (string or argv) and an optional working directory.
func shellArgs(args string) (command, cwd string) {
	trimmed := strings.TrimSpace(args)
	if !strings.HasPrefix(trimmed, "{") {
		return trimmed, ""
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		return trimmed, ""
	}
	for _, key := range []string{"command", "cmd"} {
		switch v := obj[key].(type) {
		case string:
			command = strings.TrimSpace(v)
		case []any:
			parts := make([]string, 0, len(v))
			for _, item := range v {
				if s, ok := item.(string); ok {
					parts = append(parts, shellQuote(s))
				}
			}
			command = strings.Join(parts, " ")
		}
		if command != "" {
			break
		}
	}
	for _, key := range []string{"cwd", "workdir", "dir"} {
		if s, ok := obj[key].(string); ok && s != "" {
			cwd = s
			break
		}
	}
	if command == "" {
		return trimmed, cwd
	}
	return command, cwd
}

func shellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n'\"\\$`;&|<>(){}*?[]#~") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

type shellState struct {
	c        *Classifier
	root     string
	base     string
	op       Operation
	outside  bool
	compound bool
	paths    []string
	segments []SegmentResult
}

func (st *shellState) chdir(dir string) {
	abs, ok := resolvePath(dir, st.base, st.c.home)
	if !ok {
		st.base = ""
		return
	}
	st.base = abs
}

func (st *shellState) line(command string, depth int) error {
	if depth > maxNesting {
		return unparseable("nesting deeper than %d", maxNesting)
	}
	cl, err := SplitCommandLine(command)
	if err != nil {
		return err
	}
	for _, seg := range cl.Segments {
		if seg.Separator != "" && !st.c.catalog.DeclaresSeparator(seg.Separator) {
			return unparseable("separator %q is not in the catalog", seg.Separator)
		}
	}
	if depth > 0 || len(cl.Segments) > 1 || len(cl.Substitutions) > 0 {
		st.compound = true
	}
	for _, sub := range cl.Substitutions {
		if err := st.line(sub, depth+1); err != nil {
			return err
		}
	}
	for _, seg := range cl.Segments {
		if err := st.segment(seg, depth); err != nil {
			return err
		}
	}
	return nil
}

// segAcc accumulates the verdict for one segment.
type segAcc struct {
	verb  string
	op    Operation
	paths []string
	cdTo  []string
	isCD  bool
}

func (a *segAcc) raise(op Operation) {
	a.op = a.op.Max(op)
}

func (a *segAcc) addPath(p string) {
	if p == "" || stdStreams[p] {
		return
	}
	a.paths = append(a.paths, p)
}

func (a *segAcc) maybePath(p string) {
	if strings.Contains(p, substPlaceholder) || looksLikePath(p) {
		a.addPath(p)
	}
}

func (st *shellState) segment(seg Segment, depth int) error {
	args, err := shellwords.Parse(seg.Text)
	if err != nil {
		return unparseable("%v", err)
	}
	acc := &segAcc{op: OperationRead}
	for _, r := range seg.Redirects {
		if stdStreams[r.Target] {
			continue
		}
		if r.Writes() {
			acc.raise(OperationWrite)
			st.compound = true
		}
		acc.addPath(r.Target)
	}
	if err := st.argv(args, acc, depth); err != nil {
		return err
	}

	loc, resolved := st.c.locate(acc.paths, st.base, st.root)
	if loc == LocationOutside {
		st.outside = true
	}
	st.paths = append(st.paths, resolved...)
	st.op = st.op.Max(acc.op)
	st.segments = append(st.segments, SegmentResult{
		Text:      seg.Text,
		Verb:      acc.verb,
		Operation: acc.op,
		Location:  loc,
	})
	if acc.isCD {
		switch {
		case len(acc.cdTo) == 0:
			st.chdir("~")
		case acc.cdTo[0] == "-":
			st.base = ""
		default:
			st.chdir(acc.cdTo[0])
		}
	}
	return nil
}

// shellKeywords open or close compound statements and carry no operation.
var shellKeywords = map[string]bool{
	"!": true, "{": true, "}": true, "(": true, ")": true,
	"if": true, "then": true, "else": true, "elif": true, "fi": true,
	"do": true, "done": true, "while": true, "until": true, "esac": true,
}

// headerKeywords start loop or case headers whose words are not commands.
var headerKeywords = map[string]bool{
	"for": true, "select": true, "case": true, "function": true,
}

func stripPrefix(args []string) []string {
	for len(args) > 0 {
		first := strings.TrimLeft(args[0], "({")
		if first == "" || shellKeywords[first] {
			args = args[1:]
			continue
		}
		if isAssignment(first) {
			args = args[1:]
			continue
		}
		args[0] = first
		break
	}
	for len(args) > 0 {
		last := args[len(args)-1]
		if last == ")" || last == "}" || last == ";;" {
			args = args[:len(args)-1]
			continue
		}
		break
	}
	return args
}

func isAssignment(tok string) bool {
	name, _, ok := strings.Cut(tok, "=")
	return ok && isIdent(name)
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}

func normalizeVerb(tok string) string {
	tok = strings.TrimPrefix(tok, "\\")
	if strings.Contains(tok, "/") {
		tok = path.Base(tok)
	}
	return tok
}

func (st *shellState) argv(args []string, acc *segAcc, depth int) error {
	args = stripPrefix(args)
	if len(args) == 0 {
		return nil
	}
	if headerKeywords[args[0]] {
		if acc.verb == "" {
			acc.verb = args[0]
		}
		return nil
	}

	raw := args[0]
	verb := normalizeVerb(raw)
	rest := args[1:]
	if acc.verb == "" {
		acc.verb = verb
	}

	entry, ok := st.c.catalog.Verb(verb, "")
	sub := ""
	if st.c.catalog.HasSubcommands(verb) {
		sub = firstPositional(rest, entry)
		if subEntry, found := st.c.catalog.Verb(verb, sub); found && subEntry.Subcommand != "" {
			subEntry.ArgFlags = append(append([]string(nil), entry.ArgFlags...), subEntry.ArgFlags...)
			entry, ok = subEntry, true
		}
	}
	if !ok {
		st.unknown(raw, rest, acc)
		return nil
	}
	if strings.Contains(raw, "/") && !strings.HasPrefix(raw, "/") {
		acc.addPath(raw)
	}

	switch entry.Kind {
	case VerbWrapper:
		acc.raise(entry.Operation)
		return st.argv(wrapperInner(rest, entry), acc, depth)
	case VerbShell:
		if script, found := shellScript(rest); found {
			return st.line(script, depth+1)
		}
	}

	acc.raise(entry.Operation)
	if verb == "cd" || verb == "pushd" {
		acc.isCD = true
	}

	endFlags := false
	subSeen := sub == ""
	for i := 0; i < len(rest); i++ {
		a := rest[i]
		if a == "--" && !endFlags {
			endFlags = true
			continue
		}
		if !endFlags && strings.HasPrefix(a, "-") && a != "-" {
			if op, found := entry.escalation(a); found {
				acc.raise(op)
			}
			if verb == "find" && isFindExec(a) {
				inner, n := findExecArgs(rest[i+1:])
				if depth+1 > maxNesting {
					return unparseable("nesting deeper than %d", maxNesting)
				}
				if err := st.argv(inner, acc, depth+1); err != nil {
					return err
				}
				i += n
				continue
			}
			if entry.takesArg(a) && i+1 < len(rest) {
				i++
				acc.maybePath(rest[i])
			} else if _, v, hasValue := strings.Cut(a, "="); hasValue {
				acc.maybePath(v)
			}
			continue
		}
		if !subSeen && a == sub {
			subSeen = true
			continue
		}
		if acc.isCD {
			acc.cdTo = append(acc.cdTo, a)
		}
		if k, v, found := strings.Cut(a, "="); found && isIdent(k) {
			acc.maybePath(v)
			continue
		}
		if entry.PathOperands {
			acc.addPath(a)
		} else {
			acc.maybePath(a)
		}
	}
	return nil
}

// outputFlags name a destination on commands the verb table does not know.
var outputFlags = map[string]bool{
	"-o": true, "--output": true, "--out": true, "--outfile": true,
	"--output-file": true, "--output-dir": true, "--out-dir": true, "--outdir": true,
	"--dest": true, "--destination": true, "--target": true, "--target-dir": true,
}

var outputKeys = map[string]bool{"of": true, "out": true, "output": true, "dest": true}

// unknown classifies a verb missing from the table: Write when any
// argument names a destination, Read otherwise. Executables run by path
// are Write.
func (st *shellState) unknown(raw string, rest []string, acc *segAcc) {
	op := OperationRead
	if strings.Contains(raw, "/") {
		op = OperationWrite
		acc.addPath(raw)
	}
	for i := 0; i < len(rest); i++ {
		a := rest[i]
		if strings.HasPrefix(a, "-") && a != "-" {
			name, v, hasValue := strings.Cut(a, "=")
			if outputFlags[name] {
				op = OperationWrite
				if hasValue {
					acc.addPath(v)
				} else if i+1 < len(rest) {
					i++
					acc.addPath(rest[i])
				}
				continue
			}
			if hasValue {
				acc.maybePath(v)
			}
			continue
		}
		if k, v, found := strings.Cut(a, "="); found && isIdent(k) {
			if outputKeys[strings.ToLower(k)] {
				op = OperationWrite
				acc.addPath(v)
			} else {
				acc.maybePath(v)
			}
			continue
		}
		acc.maybePath(a)
	}
	acc.raise(op)
}

func firstPositional(rest []string, entry VerbEntry) string {
	for i := 0; i < len(rest); i++ {
		a := rest[i]
		if strings.HasPrefix(a, "-") {
			if entry.takesArg(a) {
				i++
			}
			continue
		}
		return a
	}
	return ""
}

// wrapperInner strips a wrapper's own flags and returns the wrapped argv.
func wrapperInner(rest []string, entry VerbEntry) []string {
	skip := entry.SkipArgs
	for i := 0; i < len(rest); i++ {
		a := rest[i]
		if a == "--" {
			return rest[i+1:]
		}
		if strings.HasPrefix(a, "-") && a != "-" {
			if entry.takesArg(a) {
				i++
			}
			continue
		}
		if isAssignment(a) {
			continue
		}
		if skip > 0 {
			skip--
			continue
		}
		return rest[i:]
	}
	return nil
}

// shellScript finds the command string of `sh -c <script>`, including
// combined flags like -lc.
func shellScript(rest []string) (string, bool) {
	for i, a := range rest {
		if !strings.HasPrefix(a, "-") || strings.HasPrefix(a, "--") {
			continue
		}
		if strings.Contains(a[1:], "c") && i+1 < len(rest) {
			return rest[i+1], true
		}
	}
	return "", false
}

func isFindExec(flag string) bool {
	switch flag {
	case "-exec", "-execdir", "-ok", "-okdir":
		return true
	}
	return false
}

// findExecArgs returns the command after -exec up to its terminator and
// the number of tokens consumed.
func findExecArgs(rest []string) ([]string, int) {
	for i, a := range rest {
		if a == ";" || a == "+" || a == `\;` {
			return rest[:i], i + 1
		}
	}
	return rest, len(rest)
}
