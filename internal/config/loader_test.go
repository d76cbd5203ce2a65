package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoaderLoadValidConfig(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "aegis.yaml")

	yamlContent := `
gateway:
  port: 9443
  log_level: debug

ledger:
  path: ./test-ledger.log
  demo_signed: true

drift:
  max_resurrections: 5
  learning_intents: 10

embedding:
  provider: hash
  dimension: 128
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	loader := NewLoader()
	if err := loader.Load(configPath); err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	cfg := loader.Get()
	if cfg.Gateway.Port != 9443 {
		t.Errorf("Gateway.Port = %d, want 9443", cfg.Gateway.Port)
	}
	if cfg.Gateway.LogLevel != "debug" {
		t.Errorf("Gateway.LogLevel = %q, want debug", cfg.Gateway.LogLevel)
	}
	if cfg.Ledger.Path != "./test-ledger.log" {
		t.Errorf("Ledger.Path = %q, want ./test-ledger.log", cfg.Ledger.Path)
	}
	if cfg.Drift.MaxResurrections != 5 {
		t.Errorf("Drift.MaxResurrections = %d, want 5", cfg.Drift.MaxResurrections)
	}
	if cfg.Embedding.Dimension != 128 {
		t.Errorf("Embedding.Dimension = %d, want 128", cfg.Embedding.Dimension)
	}
}

func TestLoaderDefaultConfig(t *testing.T) {
	loader := NewLoader()
	cfg := loader.Get()

	if cfg.Gateway.Port != 8443 {
		t.Errorf("default Gateway.Port = %d, want 8443", cfg.Gateway.Port)
	}
	if cfg.Drift.MaxResurrections != 3 {
		t.Errorf("default Drift.MaxResurrections = %d, want 3", cfg.Drift.MaxResurrections)
	}
	if cfg.Embedding.Provider != "hash" {
		t.Errorf("default Embedding.Provider = %q, want hash", cfg.Embedding.Provider)
	}
}

func TestLoaderLoadNonExistentFile(t *testing.T) {
	loader := NewLoader()
	if err := loader.Load("/nonexistent/path/to/aegis.yaml"); err == nil {
		t.Error("Load() with nonexistent file should return error")
	}
}

func TestLoaderLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(configPath, []byte(`{{{invalid yaml`), 0644); err != nil {
		t.Fatalf("failed to write bad config: %v", err)
	}

	loader := NewLoader()
	if err := loader.Load(configPath); err == nil {
		t.Error("Load() with invalid YAML should return error")
	}
}

func TestLoaderFilePath(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "aegis.yaml")
	if err := os.WriteFile(configPath, []byte("gateway:\n  port: 1234\n"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	loader := NewLoader()
	if loader.FilePath() != "" {
		t.Errorf("FilePath() before Load() = %q, want empty", loader.FilePath())
	}
	if err := loader.Load(configPath); err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if loader.FilePath() != configPath {
		t.Errorf("FilePath() = %q, want %q", loader.FilePath(), configPath)
	}
}

func TestLoaderReload(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "aegis.yaml")

	if err := os.WriteFile(configPath, []byte("gateway:\n  port: 1111\n"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	loader := NewLoader()
	if err := loader.Load(configPath); err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if loader.Get().Gateway.Port != 1111 {
		t.Errorf("initial port = %d, want 1111", loader.Get().Gateway.Port)
	}

	if err := os.WriteFile(configPath, []byte("gateway:\n  port: 2222\n"), 0644); err != nil {
		t.Fatalf("failed to overwrite config: %v", err)
	}
	if err := loader.Reload(); err != nil {
		t.Fatalf("Reload() error: %v", err)
	}
	if loader.Get().Gateway.Port != 2222 {
		t.Errorf("reloaded port = %d, want 2222", loader.Get().Gateway.Port)
	}
}

func TestLoaderReloadWithoutLoad(t *testing.T) {
	loader := NewLoader()
	if err := loader.Reload(); err == nil {
		t.Error("Reload() without prior Load() should return error")
	}
}

func TestSubstituteEnvVars(t *testing.T) {
	os.Setenv("TEST_AEGIS_PORT", "9999")
	defer os.Unsetenv("TEST_AEGIS_PORT")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"simple substitution", "port: ${TEST_AEGIS_PORT}", "port: 9999"},
		{"undefined variable", "value: ${UNDEFINED_TEST_VAR_XYZ}", "value: "},
		{"default value syntax", "value: ${UNDEFINED_TEST_VAR_XYZ:-fallback}", "value: fallback"},
		{"default not used when set", "port: ${TEST_AEGIS_PORT:-1234}", "port: 9999"},
		{"no env vars", "port: 8080", "port: 8080"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := substituteEnvVars(tt.input); got != tt.want {
				t.Errorf("substituteEnvVars(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestGenerateDefault(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "aegis.yaml")

	if err := GenerateDefault(configPath); err != nil {
		t.Fatalf("GenerateDefault() error: %v", err)
	}

	loader := NewLoader()
	if err := loader.Load(configPath); err != nil {
		t.Fatalf("generated config is not valid YAML: %v", err)
	}
	if loader.Get().Gateway.Port != 8443 {
		t.Errorf("generated config port = %d, want 8443", loader.Get().Gateway.Port)
	}
}
