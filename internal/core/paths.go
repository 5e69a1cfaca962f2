package core

import (
	"encoding/json"
	"path/filepath"
	"sort"
	"strings"
)

// pathKeys are the JSON argument fields that name filesystem paths.
var pathKeys = map[string]bool{
	"path": true, "paths": true, "file": true, "files": true,
	"file_path": true, "filepath": true, "filename": true,
	"target": true, "target_path": true, "destination": true, "dest": true,
	"source": true, "src": true, "old_path": true, "new_path": true,
	"dir": true, "directory": true, "cwd": true, "workdir": true,
}

var stdStreams = map[string]bool{
	"/dev/null": true, "/dev/stdout": true, "/dev/stderr": true,
	"/dev/stdin": true, "/dev/tty": true, "-": true,
}

// NormalizeWorkdir cleans a workspace root and makes it absolute.
// An empty root stays empty, which puts every path outside.
func NormalizeWorkdir(workdir string) string {
	workdir = strings.TrimSpace(workdir)
	if workdir == "" {
		return ""
	}
	if abs, err := filepath.Abs(workdir); err == nil {
		return abs
	}
	return filepath.Clean(workdir)
}

// looksLikePath reports whether an operand of an unknown shape is a path.
func looksLikePath(tok string) bool {
	if tok == "" || strings.Contains(tok, "://") {
		return false
	}
	if tok == "." || tok == ".." || tok == "~" {
		return true
	}
	for _, prefix := range []string{"/", "./", "../", "~/"} {
		if strings.HasPrefix(tok, prefix) {
			return true
		}
	}
	return strings.Contains(tok, "/")
}

// resolvePath makes p absolute against base, expanding ~ to home.
// Paths built from variables or substitutions cannot be resolved.
func resolvePath(p, base, home string) (string, bool) {
	if p == "" || strings.Contains(p, "$") || strings.Contains(p, substPlaceholder) || strings.Contains(p, "`") {
		return "", false
	}
	switch {
	case p == "~" || strings.HasPrefix(p, "~/"):
		if home == "" {
			return "", false
		}
		p = filepath.Join(home, strings.TrimPrefix(p, "~"))
	case strings.HasPrefix(p, "~"):
		return "", false
	case !filepath.IsAbs(p):
		if base == "" {
			return "", false
		}
		p = filepath.Join(base, p)
	}
	return filepath.Clean(p), true
}

// within reports whether the absolute path p is root or below it.
func within(p, root string) bool {
	if root == "" {
		return false
	}
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// toolArgPaths extracts paths from a file tool's argument text: path-like
// fields of a JSON object, patch headers, or the raw text as one path.
// ok is false when multi-line raw text names no paths at all.
func toolArgPaths(args string) (paths []string, deletes bool, ok bool) {
	trimmed := strings.TrimSpace(args)
	if trimmed == "" {
		return nil, false, true
	}
	if strings.HasPrefix(trimmed, "{") {
		var obj map[string]any
		if err := json.Unmarshal([]byte(trimmed), &obj); err == nil {
			paths = collectPaths(obj, nil)
			return paths, false, len(paths) > 0
		}
	}
	if !strings.Contains(trimmed, "\n") {
		return []string{trimmed}, false, true
	}
	paths, deletes = patchPaths(trimmed)
	return paths, deletes, len(paths) > 0
}

func collectPaths(v any, out []string) []string {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			child := val[k]
			if pathKeys[strings.ToLower(k)] {
				switch c := child.(type) {
				case string:
					out = append(out, c)
					continue
				case []any:
					for _, item := range c {
						if s, ok := item.(string); ok {
							out = append(out, s)
						}
					}
					continue
				}
			}
			out = collectPaths(child, out)
		}
	case []any:
		for _, item := range val {
			out = collectPaths(item, out)
		}
	}
	return out
}

// patchPaths reads file headers of unified diffs and apply_patch envelopes.
func patchPaths(text string) (paths []string, deletes bool) {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case strings.HasPrefix(line, "*** Update File: "):
			paths = append(paths, strings.TrimSpace(strings.TrimPrefix(line, "*** Update File: ")))
		case strings.HasPrefix(line, "*** Add File: "):
			paths = append(paths, strings.TrimSpace(strings.TrimPrefix(line, "*** Add File: ")))
		case strings.HasPrefix(line, "*** Move to: "):
			paths = append(paths, strings.TrimSpace(strings.TrimPrefix(line, "*** Move to: ")))
		case strings.HasPrefix(line, "*** Delete File: "):
			paths = append(paths, strings.TrimSpace(strings.TrimPrefix(line, "*** Delete File: ")))
			deletes = true
		case strings.HasPrefix(line, "--- ") || strings.HasPrefix(line, "+++ "):
			p := strings.TrimSpace(line[4:])
			if i := strings.IndexByte(p, '\t'); i >= 0 {
				p = p[:i]
			}
			if p == "/dev/null" {
				if strings.HasPrefix(line, "+++ ") {
					deletes = true
				}
				continue
			}
			if strings.HasPrefix(p, "a/") || strings.HasPrefix(p, "b/") {
				p = p[2:]
			}
			paths = append(paths, p)
		}
	}
	return paths, deletes
}
