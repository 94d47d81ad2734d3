package config

import "testing"

type testConfig struct {
	Path   string `env:"PROGRESSION_TEST_PATH"`
	Strict bool   `env:"PROGRESSION_TEST_STRICT" envDefault:"true"`
}

func TestParseEnvReadsValues(t *testing.T) {
	t.Setenv("PROGRESSION_TEST_PATH", "/tmp/progression.db")
	t.Setenv("PROGRESSION_TEST_STRICT", "false")

	var cfg testConfig
	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Path != "/tmp/progression.db" {
		t.Fatalf("path = %q, want %q", cfg.Path, "/tmp/progression.db")
	}
	if cfg.Strict {
		t.Fatal("expected strict to be false")
	}
}

func TestParseEnvAppliesDefaults(t *testing.T) {
	var cfg testConfig
	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if !cfg.Strict {
		t.Fatal("expected strict default true")
	}
}
