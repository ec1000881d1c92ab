package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "caledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "default", cfg.Ledger.Namespace)
	assert.Equal(t, BackendBBolt, cfg.Storage.Backend)
	assert.Equal(t, 365*24*time.Hour, cfg.Issuance.Validity.Std())
	assert.Equal(t, 2*time.Minute, cfg.Serial.RecoveryGrace.Std())

	start, err := cfg.StartSerial()
	require.NoError(t, err)
	assert.Equal(t, "01", start.String())
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
ledger:
  namespace: intermediate
storage:
  backend: sqlite
  path: /var/lib/caledger/ledger.sqlite
serial:
  start: "1000"
  recovery_grace: 5m
issuer:
  certificate: /root/ca/intermediate/certs/intermediate.cert.pem
  private_key: /root/ca/intermediate/private/intermediate.key.pem
  passphrase_env: CA_PASS
issuance:
  validity: 90d
  digest: sha384
  key_algorithm: ecdsa-p256
  subject_defaults:
    country: US
    state: California
    organization: Acme
logging:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "intermediate", cfg.Ledger.Namespace)
	assert.Equal(t, BackendSQLite, cfg.Storage.Backend)
	assert.Equal(t, 5*time.Minute, cfg.Serial.RecoveryGrace.Std())
	assert.Equal(t, 90*24*time.Hour, cfg.Issuance.Validity.Std())
	assert.Equal(t, 30*time.Second, cfg.Issuance.SignerTimeout.Std(), "unset keys keep defaults")
	assert.Equal(t, "Acme", cfg.Issuance.SubjectDefaults.Organization)
	assert.Equal(t, "json", cfg.Logging.Format)
	require.NoError(t, cfg.ValidateIssuer())

	start, err := cfg.StartSerial()
	require.NoError(t, err)
	assert.Equal(t, "1000", start.String())
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "storage:\n  backnd: sqlite\n")
	_, err := Load(path)
	assert.ErrorContains(t, err, "backnd")
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CALEDGER_NAMESPACE", "from-env")
	t.Setenv("CALEDGER_STORAGE_BACKEND", "postgres")
	t.Setenv("CALEDGER_STORAGE_DSN", "postgres://localhost/caledger")
	t.Setenv("CALEDGER_SIGNER_TIMEOUT", "90s")

	cfg, err := Load(writeConfig(t, "ledger:\n  namespace: from-file\n"))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Ledger.Namespace)
	assert.Equal(t, BackendPostgres, cfg.Storage.Backend)
	assert.Equal(t, 90*time.Second, cfg.Issuance.SignerTimeout.Std())

	t.Setenv("CALEDGER_SIGNER_TIMEOUT", "soon")
	_, err = Load("")
	assert.ErrorContains(t, err, "CALEDGER_SIGNER_TIMEOUT")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"empty namespace", func(c *Config) { c.Ledger.Namespace = "" }, "ledger.namespace is required"},
		{"namespace with slash", func(c *Config) { c.Ledger.Namespace = "a/b" }, "must not contain"},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "redis" }, "storage.backend"},
		{"bbolt without path", func(c *Config) { c.Storage.Path = "" }, "storage.path"},
		{"postgres without dsn", func(c *Config) { c.Storage.Backend = BackendPostgres }, "storage.dsn"},
		{"bad start", func(c *Config) { c.Serial.Start = "xyz" }, "serial.start"},
		{"zero start", func(c *Config) { c.Serial.Start = "00" }, "serial.start must be positive"},
		{"grace within signer timeout", func(c *Config) { c.Serial.RecoveryGrace = Duration(20 * time.Second) }, "must exceed issuance.signer_timeout"},
		{"zero validity", func(c *Config) { c.Issuance.Validity = 0 }, "issuance.validity"},
		{"md5", func(c *Config) { c.Issuance.Digest = "md5" }, "issuance.digest"},
		{"dsa", func(c *Config) { c.Issuance.KeyAlgorithm = "dsa" }, "issuance.key_algorithm"},
		{"bad country", func(c *Config) { c.Issuance.SubjectDefaults.Country = "USA" }, "subject_defaults"},
		{"log level", func(c *Config) { c.Logging.Level = "trace" }, "logging.level"},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tc.wantErr)
		})
	}

	require.NoError(t, Default().Validate())

	single := Default()
	single.Serial.RecoveryGrace = 0
	require.NoError(t, single.Validate(), "zero grace is allowed for a single process")
}

func TestValidateIssuer(t *testing.T) {
	cfg := Default()
	assert.ErrorContains(t, cfg.ValidateIssuer(), "issuer.certificate")

	cfg.Issuer.Certificate = "ca.pem"
	assert.ErrorContains(t, cfg.ValidateIssuer(), "issuer.private_key")

	cfg.Issuer.PKCS11 = PKCS11Config{Module: "/usr/lib/softhsm/libsofthsm2.so", TokenLabel: "ca"}
	assert.ErrorContains(t, cfg.ValidateIssuer(), "key_label")
	cfg.Issuer.PKCS11.KeyLabel = "caledger-issuer"
	assert.NoError(t, cfg.ValidateIssuer())
}

func TestIssuerPassphrase(t *testing.T) {
	cfg := Default()
	pass, err := cfg.IssuerPassphrase()
	require.NoError(t, err)
	assert.Nil(t, pass)

	cfg.Issuer.PassphraseEnv = "CALEDGER_TEST_CA_PASS"
	_, err = cfg.IssuerPassphrase()
	assert.Error(t, err)
	t.Setenv("CALEDGER_TEST_CA_PASS", "hunter2")
	pass, err = cfg.IssuerPassphrase()
	require.NoError(t, err)
	assert.Equal(t, []byte("hunter2"), pass)

	cfg.Issuer.PassphraseEnv = ""
	cfg.Issuer.PassphraseFile = writeConfig(t, "from-file\n")
	pass, err = cfg.IssuerPassphrase()
	require.NoError(t, err)
	assert.Equal(t, []byte("from-file"), pass)
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "365d", want: 365 * 24 * time.Hour},
		{in: "90m", want: 90 * time.Minute},
		{in: "1h30m", want: 90 * time.Minute},
		{in: "d", wantErr: true},
		{in: "1.5d", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseDuration(tc.in)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestWriteRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, Default()))
	assert.Contains(t, buf.String(), "validity: 365d")

	path := writeConfig(t, buf.String())
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}
