package config

import (
	"fmt"
	"os"
	"regexp"
	"sync"

	"gopkg.in/yaml.v3"
)

// Loader loads, holds, and reloads a Config from a YAML file on disk,
// substituting ${VAR} / ${VAR:-default} environment references before
// parsing.
type Loader struct {
	mu   sync.RWMutex
	cfg  *Config
	path string
}

// NewLoader returns a Loader pre-populated with DefaultConfig, with no
// file loaded yet.
func NewLoader() *Loader {
	return &Loader{cfg: DefaultConfig()}
}

// Load reads path, substitutes environment variables, and parses the
// result over a fresh DefaultConfig so unset fields keep their default.
func (l *Loader) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := substituteEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("failed to parse config yaml: %w", err)
	}

	l.mu.Lock()
	l.cfg = cfg
	l.path = path
	l.mu.Unlock()
	return nil
}

// Reload re-reads the previously loaded file path.
func (l *Loader) Reload() error {
	l.mu.RLock()
	path := l.path
	l.mu.RUnlock()

	if path == "" {
		return fmt.Errorf("no config file loaded yet")
	}
	return l.Load(path)
}

// Get returns the currently active config.
func (l *Loader) Get() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// FilePath returns the path of the last successfully loaded file, or
// empty if Load has never succeeded.
func (l *Loader) FilePath() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.path
}

// GenerateDefault writes DefaultConfig, marshaled as YAML, to path.
func GenerateDefault(path string) error {
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to marshal default config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-[^}]*)?\}`)

// substituteEnvVars replaces ${VAR} with the environment value of VAR,
// or ${VAR:-default} with default when VAR is unset or empty.
func substituteEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name, defaultClause := groups[1], groups[2]

		if v, ok := os.LookupEnv(name); ok && v != "" {
			return v
		}
		if defaultClause != "" {
			return defaultClause[2:] // strip ":-"
		}
		return ""
	})
}
