// Package config loads warden settings from defaults, the user and
// project config files, WARDEN_* environment variables, and flags, in
// that order of precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"

	"github.com/Dicklesworthstone/warden/internal/core"
)

// DirName is the per-user and per-project state directory.
const DirName = ".warden"

// Config is the full configuration.
type Config struct {
	General  GeneralConfig  `toml:"general" mapstructure:"general" json:"general"`
	Store    StoreConfig    `toml:"store" mapstructure:"store" json:"store"`
	Patterns PatternsConfig `toml:"patterns" mapstructure:"patterns" json:"patterns"`
	Audit    AuditConfig    `toml:"audit" mapstructure:"audit" json:"audit"`
	Logging  LoggingConfig  `toml:"logging" mapstructure:"logging" json:"logging"`
	MCP      MCPConfig      `toml:"mcp" mapstructure:"mcp" json:"mcp"`
}

// GeneralConfig holds the default evaluation context.
type GeneralConfig struct {
	Mode  string `toml:"mode" mapstructure:"mode" json:"mode"`
	Trust string `toml:"trust" mapstructure:"trust" json:"trust"`
	// Workdir defaults to the project directory.
	Workdir string `toml:"workdir" mapstructure:"workdir" json:"workdir"`
}

// StoreConfig locates the policy store. Empty paths resolve under the
// project's .warden directory.
type StoreConfig struct {
	Path          string `toml:"path" mapstructure:"path" json:"path"`
	LegacyPath    string `toml:"legacy_path" mapstructure:"legacy_path" json:"legacy_path"`
	BusyTimeoutMs int    `toml:"busy_timeout_ms" mapstructure:"busy_timeout_ms" json:"busy_timeout_ms"`
}

// PatternsConfig locates the declarative pattern files.
type PatternsConfig struct {
	UserFile    string `toml:"user_file" mapstructure:"user_file" json:"user_file"`
	ProjectFile string `toml:"project_file" mapstructure:"project_file" json:"project_file"`
	Enabled     bool   `toml:"enabled" mapstructure:"enabled" json:"enabled"`
}

type AuditConfig struct {
	ListLimit int `toml:"list_limit" mapstructure:"list_limit" json:"list_limit"`
}

type LoggingConfig struct {
	Level string `toml:"level" mapstructure:"level" json:"level"`
	// File, when set, receives a timestamped copy of the log.
	File string `toml:"file" mapstructure:"file" json:"file"`
}

// MCPConfig lists per-tool policies for MCP servers. A project file's
// list replaces the user file's.
type MCPConfig struct {
	Tools []MCPToolConfig `toml:"tools" mapstructure:"tools" json:"tools"`
}

// MCPToolConfig is one [[mcp.tools]] entry. NeedsApproval and
// AllowSavePattern default to true.
type MCPToolConfig struct {
	Server           string `toml:"server" mapstructure:"server" json:"server"`
	Tool             string `toml:"tool" mapstructure:"tool" json:"tool"`
	Risk             string `toml:"risk" mapstructure:"risk" json:"risk"`
	NeedsApproval    *bool  `toml:"needs_approval" mapstructure:"needs_approval" json:"needs_approval,omitempty"`
	AllowSavePattern *bool  `toml:"allow_save_pattern" mapstructure:"allow_save_pattern" json:"allow_save_pattern,omitempty"`
	Description      string `toml:"description" mapstructure:"description" json:"description,omitempty"`
}

// Policies converts the entries, rejecting malformed ones.
func (c MCPConfig) Policies() ([]core.MCPPolicy, error) {
	out := make([]core.MCPPolicy, 0, len(c.Tools))
	for i, t := range c.Tools {
		server := strings.ToLower(strings.TrimSpace(t.Server))
		tool := strings.ToLower(strings.TrimSpace(t.Tool))
		if server == "" || tool == "" {
			return nil, fmt.Errorf("mcp.tools[%d]: server and tool are required", i)
		}
		risk, err := core.ParseRisk(t.Risk)
		if err != nil {
			return nil, fmt.Errorf("mcp.tools[%d] (%s:%s): %w", i, server, tool, err)
		}
		out = append(out, core.MCPPolicy{
			MCPTool:          core.MCPTool{Server: server, Tool: tool},
			Risk:             risk,
			NeedsApproval:    boolOr(t.NeedsApproval, true),
			AllowSavePattern: boolOr(t.AllowSavePattern, true),
			Description:      strings.TrimSpace(t.Description),
		})
	}
	return out, nil
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		General: GeneralConfig{
			Mode:  string(core.ModeBuild),
			Trust: string(core.TrustCareful),
		},
		Store: StoreConfig{
			BusyTimeoutMs: 5000,
		},
		Patterns: PatternsConfig{
			Enabled: true,
		},
		Audit: AuditConfig{
			ListLimit: 50,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadOptions controls Load.
type LoadOptions struct {
	// ProjectDir is the project root; empty uses the working directory.
	ProjectDir string
	// ConfigPath replaces the project config file.
	ConfigPath string
	// FlagOverrides maps dotted keys to values from command-line flags.
	FlagOverrides map[string]any
}

// Load merges every configuration layer and validates the result.
func Load(opts LoadOptions) (Config, error) {
	project := opts.ProjectDir
	if project == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("get working directory: %w", err)
		}
		project = cwd
	}

	v := viper.New()
	setDefaults(v)

	userPath, projectPath := ConfigPaths(project, opts.ConfigPath)
	if err := mergeConfigFile(v, userPath); err != nil {
		return Config{}, err
	}
	if err := mergeConfigFile(v, projectPath); err != nil {
		return Config{}, err
	}

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	for key, value := range opts.FlagOverrides {
		v.Set(key, value)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// envBindings maps each leaf key to its environment variable.
var envBindings = map[string]string{
	"general.mode":          "WARDEN_MODE",
	"general.trust":         "WARDEN_TRUST",
	"general.workdir":       "WARDEN_WORKDIR",
	"store.path":            "WARDEN_DB",
	"store.legacy_path":     "WARDEN_LEGACY_PATH",
	"store.busy_timeout_ms": "WARDEN_BUSY_TIMEOUT_MS",
	"patterns.user_file":    "WARDEN_USER_PATTERNS",
	"patterns.project_file": "WARDEN_PROJECT_PATTERNS",
	"patterns.enabled":      "WARDEN_PATTERNS_ENABLED",
	"audit.list_limit":      "WARDEN_AUDIT_LIMIT",
	"logging.level":         "WARDEN_LOG_LEVEL",
	"logging.file":          "WARDEN_LOG_FILE",
}

// EnvVar returns the environment variable bound to key.
func EnvVar(key string) (string, bool) {
	env, ok := envBindings[key]
	return env, ok
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("general.mode", d.General.Mode)
	v.SetDefault("general.trust", d.General.Trust)
	v.SetDefault("general.workdir", d.General.Workdir)
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("store.legacy_path", d.Store.LegacyPath)
	v.SetDefault("store.busy_timeout_ms", d.Store.BusyTimeoutMs)
	v.SetDefault("patterns.user_file", d.Patterns.UserFile)
	v.SetDefault("patterns.project_file", d.Patterns.ProjectFile)
	v.SetDefault("patterns.enabled", d.Patterns.Enabled)
	v.SetDefault("audit.list_limit", d.Audit.ListLimit)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.file", d.Logging.File)
}

// mergeConfigFile merges a TOML file into v. A missing file is ignored.
func mergeConfigFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}
	var values map[string]any
	if _, err := toml.Decode(string(data), &values); err != nil {
		return fmt.Errorf("decode config %s: %w", path, err)
	}
	if err := v.MergeConfigMap(values); err != nil {
		return fmt.Errorf("merge config %s: %w", path, err)
	}
	return nil
}

// ConfigPaths returns the user and project config files. A non-empty
// override replaces the project file.
func ConfigPaths(projectDir, override string) (userPath, projectPath string) {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, DirName, "config.toml"), projectConfigPath(projectDir, override)
}

func projectConfigPath(projectDir, override string) string {
	if override != "" {
		return override
	}
	return filepath.Join(projectDir, DirName, "config.toml")
}

// Validate checks enumerations and numeric bounds.
func Validate(cfg Config) error {
	var problems []string
	if !core.Mode(cfg.General.Mode).Valid() {
		problems = append(problems, fmt.Sprintf("general.mode must be ask, plan, or build (got %q)", cfg.General.Mode))
	}
	if !core.TrustLevel(cfg.General.Trust).Valid() {
		problems = append(problems, fmt.Sprintf("general.trust must be manual, careful, or balanced (got %q)", cfg.General.Trust))
	}
	if cfg.Store.BusyTimeoutMs <= 0 {
		problems = append(problems, "store.busy_timeout_ms must be positive")
	}
	if cfg.Audit.ListLimit <= 0 {
		problems = append(problems, "audit.list_limit must be positive")
	}
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		problems = append(problems, fmt.Sprintf("logging.level must be debug, info, warn, or error (got %q)", cfg.Logging.Level))
	}
	if _, err := cfg.MCP.Policies(); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Resolved holds absolute paths derived from a Config and a project dir.
type Resolved struct {
	Workdir      string
	StorePath    string
	LegacyPath   string
	PatternFiles []string
}

// Resolve fills empty paths with their project and user defaults.
func Resolve(cfg Config, projectDir string) Resolved {
	home, _ := os.UserHomeDir()
	r := Resolved{
		Workdir:    cfg.General.Workdir,
		StorePath:  cfg.Store.Path,
		LegacyPath: cfg.Store.LegacyPath,
	}
	if r.Workdir == "" {
		r.Workdir = projectDir
	}
	if r.StorePath == "" {
		r.StorePath = filepath.Join(projectDir, DirName, "policy.db")
	}
	if r.LegacyPath == "" {
		r.LegacyPath = filepath.Join(projectDir, DirName, "approvals.json")
	}
	if cfg.Patterns.Enabled {
		user := cfg.Patterns.UserFile
		if user == "" {
			user = filepath.Join(home, DirName, "patterns.toml")
		}
		project := cfg.Patterns.ProjectFile
		if project == "" {
			project = filepath.Join(projectDir, DirName, "patterns.toml")
		}
		r.PatternFiles = []string{user, project}
	}
	return r
}

type valueKind int

const (
	kindString valueKind = iota
	kindInt
	kindBool
)

var keyKinds = map[string]valueKind{
	"general.mode":          kindString,
	"general.trust":         kindString,
	"general.workdir":       kindString,
	"store.path":            kindString,
	"store.legacy_path":     kindString,
	"store.busy_timeout_ms": kindInt,
	"patterns.user_file":    kindString,
	"patterns.project_file": kindString,
	"patterns.enabled":      kindBool,
	"audit.list_limit":      kindInt,
	"logging.level":         kindString,
	"logging.file":          kindString,
}

// Keys lists every settable dotted key in sorted order.
func Keys() []string {
	return slices.Sorted(maps.Keys(keyKinds))
}

// ParseValue converts raw CLI text to the type key expects.
func ParseValue(key, raw string) (any, error) {
	kind, ok := keyKinds[key]
	if !ok {
		return nil, fmt.Errorf("unsupported config key %q", key)
	}
	return parseValueByKind(raw, kind)
}

func parseValueByKind(raw string, kind valueKind) (any, error) {
	switch kind {
	case kindString:
		return raw, nil
	case kindInt:
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q: %w", raw, err)
		}
		return n, nil
	case kindBool:
		b, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("invalid boolean %q: %w", raw, err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unsupported value kind %d", kind)
	}
}

// GetValue returns the value at a dotted key, or a whole section.
func GetValue(cfg Config, key string) (any, bool) {
	switch key {
	case "general":
		return cfg.General, true
	case "general.mode":
		return cfg.General.Mode, true
	case "general.trust":
		return cfg.General.Trust, true
	case "general.workdir":
		return cfg.General.Workdir, true
	case "store":
		return cfg.Store, true
	case "store.path":
		return cfg.Store.Path, true
	case "store.legacy_path":
		return cfg.Store.LegacyPath, true
	case "store.busy_timeout_ms":
		return cfg.Store.BusyTimeoutMs, true
	case "patterns":
		return cfg.Patterns, true
	case "patterns.user_file":
		return cfg.Patterns.UserFile, true
	case "patterns.project_file":
		return cfg.Patterns.ProjectFile, true
	case "patterns.enabled":
		return cfg.Patterns.Enabled, true
	case "audit":
		return cfg.Audit, true
	case "audit.list_limit":
		return cfg.Audit.ListLimit, true
	case "logging":
		return cfg.Logging, true
	case "logging.level":
		return cfg.Logging.Level, true
	case "logging.file":
		return cfg.Logging.File, true
	}
	return nil, false
}

// WriteValue sets a dotted key in the TOML file at path, creating the
// file and any intermediate tables.
func WriteValue(path, key string, value any) error {
	if path == "" {
		return fmt.Errorf("config path is required")
	}
	segments := strings.Split(key, ".")
	if key == "" || len(segments) < 2 {
		return fmt.Errorf("key must be section.name, got %q", key)
	}

	root := map[string]any{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if _, err := toml.Decode(string(data), &root); err != nil {
			return fmt.Errorf("decode config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return fmt.Errorf("read config %s: %w", path, err)
	}

	table := root
	for _, seg := range segments[:len(segments)-1] {
		next, exists := table[seg]
		if !exists {
			child := map[string]any{}
			table[seg] = child
			table = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("config key %q: %s is not a table", key, seg)
		}
		table = child
	}
	table[segments[len(segments)-1]] = value

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(root); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}
