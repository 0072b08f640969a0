package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"memvault/internal/codec"
	"memvault/internal/crypto"
)

// DefaultPath is where Load looks when no path is given.
const DefaultPath = "~/.memvault/config.toml"

type Config struct {
	Store   StoreConfig   `toml:"store"`
	KDF     KDFConfig     `toml:"kdf"`
	Logging LoggingConfig `toml:"log"`
}

type StoreConfig struct {
	Dir             string `toml:"dir"`
	MaxPayloadBytes int    `toml:"max_payload_bytes"`
	Journal         bool   `toml:"journal"`
}

// KDFConfig is only consulted when a new store is created.
type KDFConfig struct {
	MemoryKiB   uint32 `toml:"memory_kib"`
	TimeCost    uint32 `toml:"time_cost"`
	Parallelism uint32 `toml:"parallelism"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Defaults returns a Config with sane defaults.
func Defaults() *Config {
	kdf := crypto.DefaultKDFParams()
	return &Config{
		Store: StoreConfig{
			Dir:             "~/.memvault/store",
			MaxPayloadBytes: codec.DefaultMaxPayload,
		},
		KDF: KDFConfig{
			MemoryKiB:   kdf.MemoryKiB,
			TimeCost:    kdf.TimeCost,
			Parallelism: kdf.Parallelism,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a TOML config file over the defaults.
// If path is empty, DefaultPath is used when it exists.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path == "" {
		path = expandHome(DefaultPath)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return cfg, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if undec := md.Undecoded(); len(undec) > 0 {
		return nil, fmt.Errorf("parsing config: unknown key %q", undec[0].String())
	}

	return cfg, nil
}

// KDFParams converts the [kdf] section.
func (c *Config) KDFParams() crypto.KDFParams {
	return crypto.KDFParams{
		MemoryKiB:   c.KDF.MemoryKiB,
		TimeCost:    c.KDF.TimeCost,
		Parallelism: c.KDF.Parallelism,
	}
}

// Validate reports every invalid field, each prefixed with its TOML path.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Store.Dir) == "" {
		errs = append(errs, errors.New("store.dir: must not be empty"))
	}
	if c.Store.MaxPayloadBytes < 0 || c.Store.MaxPayloadBytes > codec.DefaultMaxPayload {
		errs = append(errs, fmt.Errorf("store.max_payload_bytes: %d out of range [0,%d]", c.Store.MaxPayloadBytes, codec.DefaultMaxPayload))
	}
	if err := c.KDFParams().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("kdf: %w", err))
	}
	if err := validateLogLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if err := validateLogFormat(c.Logging.Format); err != nil {
		errs = append(errs, fmt.Errorf("log.format: %w", err))
	}
	return errors.Join(errs...)
}

func validateLogLevel(s string) error {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "debug", "info", "warn", "warning", "error":
		return nil
	}
	return fmt.Errorf("unknown level %q", s)
}

func validateLogFormat(s string) error {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "text", "json":
		return nil
	}
	return fmt.Errorf("unknown format %q", s)
}

// ExpandHome resolves a leading ~/ to the user's home directory.
func ExpandHome(path string) string {
	return expandHome(path)
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
