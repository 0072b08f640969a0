package config

import (
	"strings"
	"testing"
)

func TestConfigValidate_Valid(t *testing.T) {
	cfg := Defaults()
	cfg.Store.Dir = "/var/lib/memvault"
	cfg.Logging.Level = "debug"
	cfg.Logging.Format = "json"

	if err := cfg.Validate(); err != nil {
		t.Errorf("valid config should pass validation: %v", err)
	}
}

func TestConfigValidate_EmptyOptionalFields(t *testing.T) {
	cfg := Defaults()
	cfg.Store.MaxPayloadBytes = 0
	cfg.Logging.Level = ""
	cfg.Logging.Format = ""

	if err := cfg.Validate(); err != nil {
		t.Errorf("config with empty optional fields should be valid: %v", err)
	}
}

func TestConfigValidate_InvalidFields(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(*Config)
		field string
	}{
		{"empty dir", func(c *Config) { c.Store.Dir = "  " }, "store.dir"},
		{"negative payload", func(c *Config) { c.Store.MaxPayloadBytes = -1 }, "store.max_payload_bytes"},
		{"payload above cap", func(c *Config) { c.Store.MaxPayloadBytes = 1 << 30 }, "store.max_payload_bytes"},
		{"zero time cost", func(c *Config) { c.KDF.TimeCost = 0 }, "kdf"},
		{"tiny memory", func(c *Config) { c.KDF.MemoryKiB = 1 }, "kdf"},
		{"bad level", func(c *Config) { c.Logging.Level = "verbose" }, "log.level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.edit(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("error should mention %q: %v", tt.field, err)
			}
		})
	}
}

func TestConfigValidate_MultipleErrors(t *testing.T) {
	cfg := &Config{
		Store:   StoreConfig{Dir: "", MaxPayloadBytes: -5},
		KDF:     KDFConfig{},
		Logging: LoggingConfig{Level: "invalid-level", Format: "yaml"},
	}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}

	for _, expected := range []string{"store.dir", "store.max_payload_bytes", "kdf", "log.level", "log.format"} {
		if !strings.Contains(err.Error(), expected) {
			t.Errorf("error missing %q: %v", expected, err)
		}
	}
}

func TestValidateLogLevel(t *testing.T) {
	tests := []struct {
		level   string
		wantErr bool
	}{
		{"debug", false},
		{"INFO", false},
		{" warn ", false},
		{"warning", false},
		{"error", false},
		{"", false},
		{"   ", false},
		{"trace", true},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			err := validateLogLevel(tt.level)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateLogLevel(%q) = %v, wantErr %v", tt.level, err, tt.wantErr)
			}
		})
	}
}
