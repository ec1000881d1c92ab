// Package config loads the caledger YAML configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jmcleod/caledger/ledger"
	"github.com/jmcleod/caledger/pki"
	"github.com/jmcleod/caledger/serial"
)

// Storage backends.
const (
	BackendBBolt    = "bbolt"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Config holds all configuration for caledger.
type Config struct {
	Ledger   LedgerConfig   `yaml:"ledger"`
	Storage  StorageConfig  `yaml:"storage"`
	Serial   SerialConfig   `yaml:"serial"`
	Issuer   IssuerConfig   `yaml:"issuer"`
	Issuance IssuanceConfig `yaml:"issuance"`
	Logging  LoggingConfig  `yaml:"logging"`
	Server   ServerConfig   `yaml:"server"`
}

// LedgerConfig selects the CA ledger.
type LedgerConfig struct {
	// Namespace separates the ledgers of several CAs sharing one store.
	Namespace string `yaml:"namespace"`
}

// StorageConfig selects the storage backend.
type StorageConfig struct {
	Backend string `yaml:"backend"`
	// Path is the database file for bbolt and sqlite.
	Path string `yaml:"path"`
	// DSN is the PostgreSQL connection string.
	DSN string `yaml:"dsn"`
	// WatermarkPath is a separate bbolt file recording the committed
	// serial high-water mark. Empty disables the rollback guard for file
	// backends.
	WatermarkPath string `yaml:"watermark_path"`
	// WatermarkDSN points the postgres backend's watermark at a second
	// database. Ignored when WatermarkPath is set.
	WatermarkDSN string `yaml:"watermark_dsn"`
}

// SerialConfig configures the serial allocator.
type SerialConfig struct {
	// Start is the first serial, in hex, used when the ledger is created.
	Start string `yaml:"start"`
	// RecoveryGrace is how old another process's reservation must be
	// before recovery rolls it back. It must exceed the signer timeout;
	// zero is only safe for a single issuing process.
	RecoveryGrace Duration `yaml:"recovery_grace"`
}

// IssuerConfig locates the signing CA.
type IssuerConfig struct {
	Certificate    string       `yaml:"certificate"`
	PrivateKey     string       `yaml:"private_key"`
	PassphraseEnv  string       `yaml:"passphrase_env"`
	PassphraseFile string       `yaml:"passphrase_file"`
	PKCS11         PKCS11Config `yaml:"pkcs11"`
}

// PKCS11Config locates an issuer key held in an HSM.
type PKCS11Config struct {
	Module     string `yaml:"module"`
	TokenLabel string `yaml:"token_label"`
	PINEnv     string `yaml:"pin_env"`
	KeyLabel   string `yaml:"key_label"`
}

// Enabled reports whether the issuer key lives in an HSM.
func (c PKCS11Config) Enabled() bool {
	return c.Module != ""
}

// IssuanceConfig holds issuance defaults.
type IssuanceConfig struct {
	Validity        Duration       `yaml:"validity"`
	Digest          string         `yaml:"digest"`
	KeyAlgorithm    string         `yaml:"key_algorithm"`
	SignerTimeout   Duration       `yaml:"signer_timeout"`
	SubjectDefaults ledger.Subject `yaml:"subject_defaults"`
	// OutputDir receives issued certificates as <SERIAL>.pem and, for
	// generated keys, <SERIAL>.key.pem.
	OutputDir string `yaml:"output_dir"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ServerConfig configures the status server.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Ledger: LedgerConfig{Namespace: "default"},
		Storage: StorageConfig{
			Backend: BackendBBolt,
			Path:    "./data/caledger.db",
		},
		Serial: SerialConfig{
			Start:         "01",
			RecoveryGrace: Duration(serial.DefaultRecoveryGrace),
		},
		Issuance: IssuanceConfig{
			Validity:      Duration(365 * 24 * time.Hour),
			Digest:        "sha256",
			KeyAlgorithm:  string(pki.RSA2048),
			SignerTimeout: Duration(30 * time.Second),
			OutputDir:     "./certs",
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Server:  ServerConfig{ListenAddr: ":8080"},
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Ledger.Namespace == "" {
		return fmt.Errorf("ledger.namespace is required")
	}
	if strings.ContainsAny(c.Ledger.Namespace, "/:\t\n ") {
		return fmt.Errorf("ledger.namespace %q must not contain '/', ':' or whitespace", c.Ledger.Namespace)
	}

	switch c.Storage.Backend {
	case BackendBBolt, BackendSQLite:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the %s backend", c.Storage.Backend)
		}
	case BackendPostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the postgres backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("storage.backend must be one of: bbolt, sqlite, postgres, memory")
	}

	start, err := c.StartSerial()
	if err != nil {
		return fmt.Errorf("serial.start is invalid: %w", err)
	}
	if start.IsZero() {
		return fmt.Errorf("serial.start must be positive")
	}
	if c.Serial.RecoveryGrace < 0 {
		return fmt.Errorf("serial.recovery_grace must not be negative")
	}

	if c.Issuance.Validity <= 0 {
		return fmt.Errorf("issuance.validity must be positive")
	}
	if c.Issuance.SignerTimeout <= 0 {
		return fmt.Errorf("issuance.signer_timeout must be positive")
	}
	if c.Serial.RecoveryGrace > 0 && c.Serial.RecoveryGrace <= c.Issuance.SignerTimeout {
		return fmt.Errorf("serial.recovery_grace (%s) must exceed issuance.signer_timeout (%s)",
			c.Serial.RecoveryGrace.Std(), c.Issuance.SignerTimeout.Std())
	}
	switch strings.ToLower(c.Issuance.Digest) {
	case "sha256", "sha384", "sha512":
	default:
		return fmt.Errorf("issuance.digest must be one of: sha256, sha384, sha512")
	}
	if _, err := pki.ParseKeyAlgorithm(c.Issuance.KeyAlgorithm); err != nil {
		return fmt.Errorf("issuance.key_algorithm: %w", err)
	}
	if err := validateSubjectDefaults(c.Issuance.SubjectDefaults); err != nil {
		return fmt.Errorf("issuance.subject_defaults: %w", err)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("logging.format must be 'json' or 'text'")
	}
	return nil
}

// validateSubjectDefaults checks the default DN components with a
// placeholder CN, since the CN comes from each request.
func validateSubjectDefaults(s ledger.Subject) error {
	s.CommonName = "placeholder"
	_, err := s.Normalize()
	return err
}

// ValidateIssuer checks the issuer section. Only commands that sign need it.
func (c *Config) ValidateIssuer() error {
	if c.Issuer.Certificate == "" {
		return fmt.Errorf("issuer.certificate is required")
	}
	if c.Issuer.PKCS11.Enabled() {
		if c.Issuer.PKCS11.KeyLabel == "" {
			return fmt.Errorf("issuer.pkcs11.key_label is required")
		}
		if c.Issuer.PKCS11.TokenLabel == "" {
			return fmt.Errorf("issuer.pkcs11.token_label is required")
		}
		return nil
	}
	if c.Issuer.PrivateKey == "" {
		return fmt.Errorf("issuer.private_key is required")
	}
	if c.Issuer.PassphraseEnv != "" && c.Issuer.PassphraseFile != "" {
		return fmt.Errorf("issuer.passphrase_env and issuer.passphrase_file are mutually exclusive")
	}
	return nil
}

// StartSerial parses serial.start.
func (c *Config) StartSerial() (serial.Number, error) {
	return serial.Parse(c.Serial.Start)
}

// IssuerPassphrase returns the issuer key passphrase from the configured
// environment variable or file, or nil when none is configured.
func (c *Config) IssuerPassphrase() ([]byte, error) {
	switch {
	case c.Issuer.PassphraseEnv != "":
		v, ok := os.LookupEnv(c.Issuer.PassphraseEnv)
		if !ok {
			return nil, fmt.Errorf("issuer passphrase variable %s is not set", c.Issuer.PassphraseEnv)
		}
		return []byte(v), nil
	case c.Issuer.PassphraseFile != "":
		data, err := os.ReadFile(c.Issuer.PassphraseFile)
		if err != nil {
			return nil, fmt.Errorf("reading issuer passphrase: %w", err)
		}
		return []byte(strings.TrimRight(string(data), "\r\n")), nil
	default:
		return nil, nil
	}
}

// Duration is a time.Duration that also accepts a day suffix ("365d").
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	td := time.Duration(d)
	if td != 0 && td%(24*time.Hour) == 0 {
		return strconv.FormatInt(int64(td/(24*time.Hour)), 10) + "d"
	}
	return td.String()
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// ParseDuration parses a Go duration or a whole number of days ("90d").
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if days, ok := strings.CutSuffix(s, "d"); ok && days != "" {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}
