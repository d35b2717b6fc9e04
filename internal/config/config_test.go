package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"Sentinel-Orchestrator/internal/coordinator"
	"Sentinel-Orchestrator/internal/envelope"
	"Sentinel-Orchestrator/internal/fusion"
	"Sentinel-Orchestrator/internal/specialist"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "sentinel.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"chains": {"definitions_path": "chains.yaml"},
		"pipeline": {"enabled": true, "patterns_path": "patterns.yaml"}
	}`)
	dir := filepath.Dir(path)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("unexpected address %q", cfg.Server.Address)
	}
	if cfg.Identity.Mode() != envelope.ModeProduction {
		t.Fatalf("expected production mode by default, got %q", cfg.Identity.VerificationMode)
	}
	if cfg.Chains.DefinitionsPath != filepath.Join(dir, "chains.yaml") {
		t.Fatalf("definitions path not resolved: %q", cfg.Chains.DefinitionsPath)
	}
	if cfg.Pipeline.PatternsPath != filepath.Join(dir, "patterns.yaml") {
		t.Fatalf("patterns path not resolved: %q", cfg.Pipeline.PatternsPath)
	}
	if cfg.Identity.KeyPath != filepath.Join(dir, "data", "keys", "coordinator.key") {
		t.Fatalf("unexpected key path %q", cfg.Identity.KeyPath)
	}
	if len(cfg.Pipeline.Weights) != 4 || cfg.Pipeline.Weights["sentinel"] != 0.40 {
		t.Fatalf("expected default pipeline weights, got %v", cfg.Pipeline.Weights)
	}
	if cfg.Escrow.Driver != "memory" || cfg.Jobs.Queue != "memory" || cfg.Jobs.Workers != 4 {
		t.Fatalf("unexpected driver defaults %+v %+v", cfg.Escrow, cfg.Jobs)
	}
	if cfg.Specialists.Profile != fusion.SpecialistProfile.Name || cfg.Pipeline.Profile != fusion.PipelineProfile.Name {
		t.Fatalf("unexpected profile defaults %q %q", cfg.Specialists.Profile, cfg.Pipeline.Profile)
	}
	if got := Seconds(cfg.Specialists.FanoutTimeoutSeconds); got != coordinator.DefaultFanoutTimeout {
		t.Fatalf("expected fan-out deadline %s, got %s", coordinator.DefaultFanoutTimeout, got)
	}
	if got := Seconds(cfg.Specialists.TimeoutSeconds); got != specialist.DefaultTimeout {
		t.Fatalf("expected specialist timeout %s, got %s", specialist.DefaultTimeout, got)
	}
}

func TestSampleConfigKeepsDeadlineBelowSpecialistTimeout(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "sentinel.json"))
	if err != nil {
		t.Fatalf("load sample config: %v", err)
	}
	fanout := Seconds(cfg.Specialists.FanoutTimeoutSeconds)
	perSpecialist := Seconds(cfg.Specialists.TimeoutSeconds)
	if fanout < 5*time.Second || fanout > 10*time.Second {
		t.Fatalf("fan-out deadline %s outside 5s-10s", fanout)
	}
	if fanout >= perSpecialist {
		t.Fatalf("fan-out deadline %s must be below specialist timeout %s", fanout, perSpecialist)
	}
	raw, err := os.ReadFile(filepath.Join("..", "..", "configs", "sentinel.json"))
	if err != nil {
		t.Fatalf("read sample config: %v", err)
	}
	for _, key := range []string{"sample_size", "top_k", "concentration_threshold", "fork_threshold"} {
		if strings.Contains(string(raw), `"`+key+`"`) {
			t.Fatalf("sample config still overrides %s", key)
		}
	}
}

func TestValidateRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "mode",
			content: `{"identity": {"verification_mode": "lenient"}}`,
			want:    "未知的校验模式",
		},
		{
			name:    "weights",
			content: `{"pipeline": {"enabled": true, "weights": {"sentinel": 0.5, "oracle": 0.4}}}`,
			want:    "流水线权重无效",
		},
		{
			name:    "fan-out deadline",
			content: `{"specialists": {"timeout_seconds": 10, "fanout_timeout_seconds": 10}}`,
			want:    "fanout_timeout_seconds",
		},
		{
			name:    "specialist profile",
			content: `{"specialists": {"profile": "bayesian"}}`,
			want:    "specialists.profile",
		},
		{
			name:    "pipeline profile",
			content: `{"pipeline": {"enabled": true, "profile": "bayesian"}}`,
			want:    "pipeline.profile",
		},
		{
			name:    "escrow driver",
			content: `{"escrow": {"driver": "postgres"}}`,
			want:    "未知的托管账本驱动",
		},
		{
			name:    "mysql dsn",
			content: `{"jobs": {"enabled": true, "store": "mysql"}}`,
			want:    "storage.mysql.dsn",
		},
		{
			name:    "rabbitmq url",
			content: `{"jobs": {"enabled": true, "queue": "rabbitmq"}}`,
			want:    "rabbitmq",
		},
		{
			name:    "remote specialist",
			content: `{"specialists": {"remote": [{"name": "x"}]}}`,
			want:    "远程 specialist",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.content))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestDisabledPipelineSkipsWeightCheck(t *testing.T) {
	path := writeConfig(t, `{"pipeline": {"weights": {"sentinel": 0.9}}}`)
	if _, err := Load(path); err != nil {
		t.Fatalf("disabled pipeline should not validate weights: %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SENTINEL_MYSQL_DSN", "user:pw@tcp(db:3306)/sentinel")
	path := writeConfig(t, `{"escrow": {"driver": "mysql"}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.MySQL.DSN != "user:pw@tcp(db:3306)/sentinel" {
		t.Fatalf("dsn override not applied: %q", cfg.Storage.MySQL.DSN)
	}
}

func TestPathFromEnv(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	if got := PathFromEnv(); got != DefaultConfigPath {
		t.Fatalf("expected default path, got %q", got)
	}
	t.Setenv(EnvConfigPath, "/etc/sentinel.json")
	if got := PathFromEnv(); got != "/etc/sentinel.json" {
		t.Fatalf("unexpected path %q", got)
	}
}

func TestSpecialistsEnabled(t *testing.T) {
	cfg := SpecialistsConfig{Disabled: []string{" Replay_Detector "}}
	if cfg.Enabled("replay_detector") {
		t.Fatal("replay_detector should be disabled")
	}
	if !cfg.Enabled("tip_divergence") {
		t.Fatal("tip_divergence should be enabled")
	}
}
