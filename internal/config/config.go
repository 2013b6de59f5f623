// Package config loads the server configuration from YAML with
// defaults-first semantics: every field starts at its default and the file
// overrides only what it names.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lm-assist/backend/internal/session"
)

// DefaultContextWindow is the context size assumed for models with no
// configured entry.
const DefaultContextWindow = 200000

// Config is the root configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Cache      CacheConfig      `yaml:"cache"`
	Watch      WatchConfig      `yaml:"watch"`
	Executions ExecutionsConfig `yaml:"executions"`
	Tasks      TasksConfig      `yaml:"tasks"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Privacy    PrivacyConfig    `yaml:"privacy"`

	// PersistEnabled gates every on-disk snapshot: cached views, execution
	// history, and the task store.
	PersistEnabled bool `yaml:"persist_enabled"`

	// Models maps model names to context window sizes. A key ending in *
	// matches any model sharing the prefix; the key "default" catches the
	// rest.
	Models map[string]int `yaml:"models"`
}

// ServerConfig configures the HTTP and WebSocket listener.
type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	Token          string   `yaml:"token"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// CacheConfig tunes the session view cache.
type CacheConfig struct {
	SessionTTLMs       int `yaml:"session_ttl_ms"`
	WarmingConcurrency int `yaml:"warming_concurrency"`
}

// SessionTTL is how long a cached view is served without re-statting.
func (c CacheConfig) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLMs) * time.Millisecond
}

// WatchConfig tunes the filesystem watcher.
type WatchConfig struct {
	DebounceMs int `yaml:"debounce_ms"`
}

// Debounce is the window within which writes to one directory coalesce.
func (c WatchConfig) Debounce() time.Duration {
	return time.Duration(c.DebounceMs) * time.Millisecond
}

// ExecutionsConfig bounds the execution store.
type ExecutionsConfig struct {
	MaxEvents     int   `yaml:"max_events"`
	MaxExecutions int   `yaml:"max_executions"`
	CleanupAgeMs  int64 `yaml:"cleanup_age_ms"`
}

// CleanupAge is how long finished executions are retained.
func (c ExecutionsConfig) CleanupAge() time.Duration {
	return time.Duration(c.CleanupAgeMs) * time.Millisecond
}

// TasksConfig tunes the cross-session task store.
type TasksConfig struct {
	// AutoRefreshMs rescans the project on a timer; 0 leaves refresh to
	// watch events only.
	AutoRefreshMs int `yaml:"auto_refresh_ms"`
}

// AutoRefresh is the rescan interval; zero disables the ticker.
func (c TasksConfig) AutoRefresh() time.Duration {
	return time.Duration(c.AutoRefreshMs) * time.Millisecond
}

// MonitorConfig tunes the runner mirror and the process activity scan.
type MonitorConfig struct {
	Enabled             bool `yaml:"enabled"`
	PollIntervalMs      int  `yaml:"poll_interval_ms"`
	BroadcastThrottleMs int  `yaml:"broadcast_throttle_ms"`
}

// PollInterval is the process scan cadence.
func (c MonitorConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// BroadcastThrottle is the minimum gap between WebSocket delta flushes.
func (c MonitorConfig) BroadcastThrottle() time.Duration {
	return time.Duration(c.BroadcastThrottleMs) * time.Millisecond
}

// PrivacyConfig controls what leaves the process over the wire.
type PrivacyConfig struct {
	MaskWorkingDirs bool     `yaml:"mask_working_dirs"`
	MaskSessionIDs  bool     `yaml:"mask_session_ids"`
	MaskPIDs        bool     `yaml:"mask_pids"`
	AllowedPaths    []string `yaml:"allowed_paths"`
	BlockedPaths    []string `yaml:"blocked_paths"`
}

// NewPrivacyFilter builds the filter the broadcast layer applies.
func (p PrivacyConfig) NewPrivacyFilter() *session.PrivacyFilter {
	return &session.PrivacyFilter{
		MaskWorkingDirs: p.MaskWorkingDirs,
		MaskSessionIDs:  p.MaskSessionIDs,
		MaskPIDs:        p.MaskPIDs,
		AllowedPaths:    p.AllowedPaths,
		BlockedPaths:    p.BlockedPaths,
	}
}

// Default returns the configuration used when no file overrides it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Cache: CacheConfig{
			SessionTTLMs: 60000,
		},
		Watch: WatchConfig{
			DebounceMs: 500,
		},
		Executions: ExecutionsConfig{
			MaxEvents:     10000,
			MaxExecutions: 1000,
			CleanupAgeMs:  7 * 24 * 60 * 60 * 1000,
		},
		Monitor: MonitorConfig{
			Enabled:             true,
			PollIntervalMs:      1000,
			BroadcastThrottleMs: 100,
		},
		PersistEnabled: true,
	}
}

// Load reads and parses the file at path. A missing file is an error; use
// LoadOrDefault when the file is optional.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault reads the file at path, falling back to defaults when it is
// missing. Parse errors also fall back, but loudly.
func LoadOrDefault(path string) *Config {
	if path == "" {
		return Default()
	}
	cfg, err := Load(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "config: %v (using defaults)\n", err)
		}
		return Default()
	}
	return cfg
}

// MaxContextTokens resolves the context window for a model name. Exact
// entries win, then the longest matching wildcard prefix, then the
// "default" entry, then DefaultContextWindow.
func (c *Config) MaxContextTokens(model string) int {
	if tokens, ok := c.Models[model]; ok {
		return tokens
	}
	best, bestLen := 0, -1
	for key, tokens := range c.Models {
		if !strings.HasSuffix(key, "*") {
			continue
		}
		prefix := strings.TrimSuffix(key, "*")
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			best, bestLen = tokens, len(prefix)
		}
	}
	if bestLen >= 0 {
		return best
	}
	if tokens, ok := c.Models["default"]; ok {
		return tokens
	}
	return DefaultContextWindow
}

// GenerateToken returns a fresh random access token.
func GenerateToken() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("config: reading random source: %v", err))
	}
	return hex.EncodeToString(buf)
}

// Diff lists the settings that differ between two configurations, one line
// per setting. Token values never appear in the output.
func Diff(old, new *Config) []string {
	var out []string
	add := func(name string, oldV, newV any) {
		out = append(out, fmt.Sprintf("%s: %v → %v", name, oldV, newV))
	}

	if old.Server.Host != new.Server.Host {
		add("server.host", old.Server.Host, new.Server.Host)
	}
	if old.Server.Port != new.Server.Port {
		add("server.port", old.Server.Port, new.Server.Port)
	}
	if old.Server.Token != new.Server.Token {
		out = append(out, "server.token: changed")
	}
	if !stringSlicesEqual(old.Server.AllowedOrigins, new.Server.AllowedOrigins) {
		add("server.allowed_origins", old.Server.AllowedOrigins, new.Server.AllowedOrigins)
	}
	if old.Cache.SessionTTLMs != new.Cache.SessionTTLMs {
		add("cache.session_ttl_ms", old.Cache.SessionTTLMs, new.Cache.SessionTTLMs)
	}
	if old.Cache.WarmingConcurrency != new.Cache.WarmingConcurrency {
		add("cache.warming_concurrency", old.Cache.WarmingConcurrency, new.Cache.WarmingConcurrency)
	}
	if old.Watch.DebounceMs != new.Watch.DebounceMs {
		add("watch.debounce_ms", old.Watch.DebounceMs, new.Watch.DebounceMs)
	}
	if old.Executions.MaxEvents != new.Executions.MaxEvents {
		add("executions.max_events", old.Executions.MaxEvents, new.Executions.MaxEvents)
	}
	if old.Executions.MaxExecutions != new.Executions.MaxExecutions {
		add("executions.max_executions", old.Executions.MaxExecutions, new.Executions.MaxExecutions)
	}
	if old.Executions.CleanupAgeMs != new.Executions.CleanupAgeMs {
		add("executions.cleanup_age_ms", old.Executions.CleanupAgeMs, new.Executions.CleanupAgeMs)
	}
	if old.Tasks.AutoRefreshMs != new.Tasks.AutoRefreshMs {
		add("tasks.auto_refresh_ms", old.Tasks.AutoRefreshMs, new.Tasks.AutoRefreshMs)
	}
	if old.Monitor.Enabled != new.Monitor.Enabled {
		add("monitor.enabled", old.Monitor.Enabled, new.Monitor.Enabled)
	}
	if old.Monitor.PollIntervalMs != new.Monitor.PollIntervalMs {
		add("monitor.poll_interval_ms", old.Monitor.PollIntervalMs, new.Monitor.PollIntervalMs)
	}
	if old.Monitor.BroadcastThrottleMs != new.Monitor.BroadcastThrottleMs {
		add("monitor.broadcast_throttle_ms", old.Monitor.BroadcastThrottleMs, new.Monitor.BroadcastThrottleMs)
	}
	if old.PersistEnabled != new.PersistEnabled {
		add("persist_enabled", old.PersistEnabled, new.PersistEnabled)
	}
	if !privacyEqual(old.Privacy, new.Privacy) {
		out = append(out, "privacy: changed")
	}

	keys := make([]string, 0, len(old.Models)+len(new.Models))
	seen := map[string]bool{}
	for k := range old.Models {
		keys = append(keys, k)
		seen[k] = true
	}
	for k := range new.Models {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		oldV, inOld := old.Models[k]
		newV, inNew := new.Models[k]
		switch {
		case !inOld:
			out = append(out, fmt.Sprintf("models: added %s=%d", k, newV))
		case !inNew:
			out = append(out, fmt.Sprintf("models: removed %s", k))
		case oldV != newV:
			add("models."+k, oldV, newV)
		}
	}
	return out
}

func privacyEqual(a, b PrivacyConfig) bool {
	return a.MaskWorkingDirs == b.MaskWorkingDirs &&
		a.MaskSessionIDs == b.MaskSessionIDs &&
		a.MaskPIDs == b.MaskPIDs &&
		stringSlicesEqual(a.AllowedPaths, b.AllowedPaths) &&
		stringSlicesEqual(a.BlockedPaths, b.BlockedPaths)
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
