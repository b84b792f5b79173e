package config_test

import (
	"slices"
	"testing"

	"github.com/nikolaiotsu/kanji-learning-app-sub003/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Server:   config.ServerConfig{LogLevel: config.LogInfo, TLS: &config.TLSConfig{CertFile: "a", KeyFile: "b"}},
		Pipeline: config.PipelineConfig{RulesFile: "rules.yaml"},
	}
	clone := *cfg
	clone.Server.TLS = &config.TLSConfig{CertFile: "a", KeyFile: "b"}

	d := config.Diff(cfg, &clone)
	if d.LogLevelChanged || d.RulesFileChanged || len(d.RestartRequired) != 0 {
		t.Errorf("Diff of equal configs = %+v", d)
	}
}

func TestDiff_HotReloadable(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Server:   config.ServerConfig{LogLevel: config.LogInfo},
		Pipeline: config.PipelineConfig{RulesFile: "a.yaml"},
	}
	new := &config.Config{
		Server:   config.ServerConfig{LogLevel: config.LogDebug},
		Pipeline: config.PipelineConfig{RulesFile: "b.yaml"},
	}

	d := config.Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("log level change not reported: %+v", d)
	}
	if !d.RulesFileChanged {
		t.Error("expected RulesFileChanged=true")
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("RestartRequired = %v, want none", d.RestartRequired)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	old := &config.Config{}
	new := &config.Config{
		Server:    config.ServerConfig{ListenAddr: ":9999"},
		Providers: config.ProvidersConfig{LLM: config.ProviderEntry{Name: "openai", Model: "gpt-4o"}},
		Pipeline:  config.PipelineConfig{MaxOutputTokens: 100},
		Usage:     config.UsageConfig{LogEvents: true},
	}

	d := config.Diff(old, new)
	for _, want := range []string{"server", "providers", "pipeline", "usage"} {
		if !slices.Contains(d.RestartRequired, want) {
			t.Errorf("RestartRequired = %v, missing %q", d.RestartRequired, want)
		}
	}
	if slices.Contains(d.RestartRequired, "telemetry") {
		t.Errorf("RestartRequired = %v, telemetry did not change", d.RestartRequired)
	}
}
