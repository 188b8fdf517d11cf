package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimal = `
llm:
  anthropic:
    api_key: sk-test
`

func TestParse_AppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimal))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.MCP.CallTimeout != 60*time.Second {
		t.Errorf("call timeout = %v", cfg.MCP.CallTimeout)
	}
	if !cfg.Scheduler.Enabled {
		t.Error("scheduler should default on")
	}
	if cfg.MCP.AllowSubprocess {
		t.Error("subprocess transports should default off")
	}
}

func TestParse_ExpandsEnvironment(t *testing.T) {
	t.Setenv("ATRIUM_TEST_KEY", "sk-from-env")
	cfg, err := Parse([]byte(`
llm:
  anthropic:
    api_key: ${ATRIUM_TEST_KEY}
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LLM.Anthropic.APIKey != "sk-from-env" {
		t.Errorf("api key = %q", cfg.LLM.Anthropic.APIKey)
	}
}

func TestParse_RejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte(minimal + "\nservre:\n  port: 9090\n"))
	if err == nil || !strings.Contains(err.Error(), "servre") {
		t.Errorf("err = %v", err)
	}
}

func TestParse_Validation(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want string
	}{
		{"no provider", "server:\n  port: 8080\n", "llm provider"},
		{"bad port", minimal + "server:\n  port: 99999\n", "port"},
		{"bad level", minimal + "logging:\n  level: loud\n", "logging.level"},
		{"bad format", minimal + "logging:\n  format: xml\n", "logging.format"},
		{"bad top_k", minimal + "rag:\n  top_k: 0\n", "top_k"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("err = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestLoad_ReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "atrium.yaml")
	if err := os.WriteFile(path, []byte(minimal), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.LLM.Anthropic.Enabled() {
		t.Error("provider not configured")
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file should error")
	}
	if _, err := Load(" "); err == nil {
		t.Error("blank path should error")
	}
}
