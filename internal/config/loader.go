package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// envOverrides maps CALEDGER_* variables to the fields they replace.
var envOverrides = []struct {
	name  string
	apply func(*Config, string) error
}{
	{"CALEDGER_NAMESPACE", func(c *Config, v string) error { c.Ledger.Namespace = v; return nil }},
	{"CALEDGER_STORAGE_BACKEND", func(c *Config, v string) error { c.Storage.Backend = v; return nil }},
	{"CALEDGER_STORAGE_PATH", func(c *Config, v string) error { c.Storage.Path = v; return nil }},
	{"CALEDGER_STORAGE_DSN", func(c *Config, v string) error { c.Storage.DSN = v; return nil }},
	{"CALEDGER_WATERMARK_PATH", func(c *Config, v string) error { c.Storage.WatermarkPath = v; return nil }},
	{"CALEDGER_WATERMARK_DSN", func(c *Config, v string) error { c.Storage.WatermarkDSN = v; return nil }},
	{"CALEDGER_ISSUER_CERT", func(c *Config, v string) error { c.Issuer.Certificate = v; return nil }},
	{"CALEDGER_ISSUER_KEY", func(c *Config, v string) error { c.Issuer.PrivateKey = v; return nil }},
	{"CALEDGER_OUTPUT_DIR", func(c *Config, v string) error { c.Issuance.OutputDir = v; return nil }},
	{"CALEDGER_SIGNER_TIMEOUT", func(c *Config, v string) error {
		d, err := ParseDuration(v)
		c.Issuance.SignerTimeout = Duration(d)
		return err
	}},
	{"CALEDGER_LOG_LEVEL", func(c *Config, v string) error { c.Logging.Level = v; return nil }},
	{"CALEDGER_LOG_FORMAT", func(c *Config, v string) error { c.Logging.Format = v; return nil }},
	{"CALEDGER_LISTEN_ADDR", func(c *Config, v string) error { c.Server.ListenAddr = v; return nil }},
}

// Load reads the YAML file at path over the defaults, applies CALEDGER_*
// environment overrides and validates the result. An empty path loads
// the defaults only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := decode(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	for _, o := range envOverrides {
		if v, ok := os.LookupEnv(o.name); ok && v != "" {
			if err := o.apply(cfg, v); err != nil {
				return nil, fmt.Errorf("%s: %w", o.name, err)
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// decode rejects unknown keys so typos do not silently fall back to
// defaults.
func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Write encodes cfg as YAML.
func Write(w io.Writer, cfg *Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	return enc.Close()
}
