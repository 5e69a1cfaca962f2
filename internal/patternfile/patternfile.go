// Package patternfile loads operator-maintained pattern files. A file lists
// [[approvals]] and [[denials]] entries, plus [[mcp_approvals]] and
// [[mcp_denials]] for MCP tools, in TOML or, when the file ends in .yaml
// or .yml, the same keys in YAML.
package patternfile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"go.yaml.in/yaml/v3"

	"github.com/Dicklesworthstone/warden/internal/core"
)

// Entry is one pattern in a file.
type Entry struct {
	Tool        string `toml:"tool" yaml:"tool"`
	Pattern     string `toml:"pattern" yaml:"pattern"`
	MatchKind   string `toml:"match_kind,omitempty" yaml:"match_kind,omitempty"`
	Description string `toml:"description,omitempty" yaml:"description,omitempty"`
}

// MCPEntry is one pattern for an MCP tool. Exact patterns are JSON and
// are compared in canonical form.
type MCPEntry struct {
	Server      string `toml:"server" yaml:"server"`
	Tool        string `toml:"tool" yaml:"tool"`
	Pattern     string `toml:"pattern" yaml:"pattern"`
	MatchKind   string `toml:"match_kind,omitempty" yaml:"match_kind,omitempty"`
	Description string `toml:"description,omitempty" yaml:"description,omitempty"`
}

// File is the decoded form of a pattern file.
type File struct {
	Approvals    []Entry    `toml:"approvals" yaml:"approvals"`
	Denials      []Entry    `toml:"denials" yaml:"denials"`
	MCPApprovals []MCPEntry `toml:"mcp_approvals" yaml:"mcp_approvals"`
	MCPDenials   []MCPEntry `toml:"mcp_denials" yaml:"mcp_denials"`
}

// Format selects the file syntax.
type Format string

const (
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
)

// FormatFor picks the format from a file extension. Anything that is not
// .yaml or .yml is TOML.
func FormatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	}
	return FormatTOML
}

// Parse decodes data in format.
func Parse(data []byte, format Format) (*File, error) {
	var f File
	switch format {
	case FormatYAML:
		// An empty document decodes to no entries.
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("decode pattern file: %w", err)
		}
	default:
		md, err := toml.Decode(string(data), &f)
		if err != nil {
			return nil, fmt.Errorf("decode pattern file: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("decode pattern file: unknown key %q", undecoded[0].String())
		}
	}
	return &f, nil
}

// Read loads the file at path. A missing file returns (nil, nil).
func Read(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read pattern file %s: %w", path, err)
	}
	f, err := Parse(data, FormatFor(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Patterns converts the file into persistent patterns with source. Every
// entry is checked for shape; tool-specific screening is left to the
// caller. path is used in error messages only.
func (f *File) Patterns(path string, source core.PatternSource) ([]*core.Pattern, error) {
	var out []*core.Pattern
	add := func(section string, entries []Entry, action core.PatternAction) error {
		for i, e := range entries {
			kind, err := core.ParseMatchKind(e.MatchKind)
			if err != nil {
				return fmt.Errorf("%s: %s[%d]: %w", path, section, i, err)
			}
			if strings.TrimSpace(e.Tool) == "" {
				return fmt.Errorf("%s: %s[%d]: tool is required", path, section, i)
			}
			out = append(out, &core.Pattern{
				Tool:        strings.TrimSpace(e.Tool),
				Pattern:     strings.TrimSpace(e.Pattern),
				MatchKind:   kind,
				Action:      action,
				Scope:       core.ScopePersistent,
				Source:      source,
				Description: e.Description,
			})
		}
		return nil
	}
	if err := add("approvals", f.Approvals, core.ActionAllow); err != nil {
		return nil, err
	}
	if err := add("denials", f.Denials, core.ActionDeny); err != nil {
		return nil, err
	}

	addMCP := func(section string, entries []MCPEntry, action core.PatternAction) error {
		for i, e := range entries {
			kind, err := core.ParseMatchKind(e.MatchKind)
			if err != nil {
				return fmt.Errorf("%s: %s[%d]: %w", path, section, i, err)
			}
			tool, ok := core.ParseMCPTool("mcp__" + strings.TrimSpace(e.Server) + "__" + strings.TrimSpace(e.Tool))
			if !ok {
				return fmt.Errorf("%s: %s[%d]: server and tool are required", path, section, i)
			}
			text := strings.TrimSpace(e.Pattern)
			if kind == core.MatchExact {
				text = core.MCPSubject(text)
			}
			out = append(out, &core.Pattern{
				Tool:        tool.Name(),
				Pattern:     text,
				MatchKind:   kind,
				Action:      action,
				Scope:       core.ScopePersistent,
				Source:      source,
				Description: e.Description,
			})
		}
		return nil
	}
	if err := addMCP("mcp_approvals", f.MCPApprovals, core.ActionAllow); err != nil {
		return nil, err
	}
	if err := addMCP("mcp_denials", f.MCPDenials, core.ActionDeny); err != nil {
		return nil, err
	}
	return out, nil
}

// LoadAll reads every existing file in order and returns their patterns
// tagged as file-sourced. Missing files are skipped.
func LoadAll(paths ...string) ([]*core.Pattern, error) {
	var out []*core.Pattern
	for _, path := range paths {
		if path == "" {
			continue
		}
		f, err := Read(path)
		if err != nil {
			return nil, err
		}
		if f == nil {
			continue
		}
		patterns, err := f.Patterns(path, core.SourceFile)
		if err != nil {
			return nil, err
		}
		out = append(out, patterns...)
	}
	return out, nil
}

// Write encodes f to path in the format its extension selects.
func Write(path string, f *File) error {
	var buf bytes.Buffer
	switch FormatFor(path) {
	case FormatYAML:
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(f); err != nil {
			return fmt.Errorf("encode pattern file: %w", err)
		}
		_ = enc.Close()
	default:
		if err := toml.NewEncoder(&buf).Encode(f); err != nil {
			return fmt.Errorf("encode pattern file: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("create pattern file dir: %w", err)
	}
	return os.WriteFile(path, buf.Bytes(), 0600)
}
