package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"serve", "version"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestVersionCmdPrintsVersion(t *testing.T) {
	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(out.String()); got != version {
		t.Errorf("version output = %q, want %q", got, version)
	}
}

func TestLoadServeConfig_MissingFileFallsBack(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")
	cfg, err := loadServeConfig(defaultConfigPath)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LLM.Anthropic.APIKey != "sk-ant-test" {
		t.Errorf("api key = %q", cfg.LLM.Anthropic.APIKey)
	}

	if _, err := loadServeConfig("/does/not/exist.yaml"); err == nil {
		t.Error("expected error for missing explicit config path")
	}
}
