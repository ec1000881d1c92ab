//go:build pkcs11

package pki

import (
	"crypto"
	"crypto/elliptic"
	"fmt"
	"strings"
	"sync"

	"github.com/ThalesGroup/crypto11"
	"github.com/google/uuid"
)

// PKCS11Prefix marks a key reference produced by PKCS11KeyStore.ExportPEM.
// The full reference is "PKCS11:<label>".
const PKCS11Prefix = "PKCS11:"

// PKCS11Config holds the configuration for connecting to a PKCS#11 token.
type PKCS11Config struct {
	// ModulePath is the path to the PKCS#11 shared library
	// (e.g., /usr/lib/softhsm/libsofthsm2.so).
	ModulePath string

	// TokenLabel identifies the token by label.
	TokenLabel string

	// PIN is the user PIN for the token.
	PIN string

	// SlotNumber overrides TokenLabel for slot selection when non-nil.
	SlotNumber *int
}

// PKCS11KeyStore keeps keys in a PKCS#11 token. Keys are referenced by
// their CKA_LABEL.
type PKCS11KeyStore struct {
	ctx *crypto11.Context
	mu  sync.Mutex
}

var _ KeyStore = (*PKCS11KeyStore)(nil)

// NewPKCS11KeyStore connects to the configured token. The caller must call
// Close when finished.
func NewPKCS11KeyStore(cfg PKCS11Config) (*PKCS11KeyStore, error) {
	config := &crypto11.Config{
		Path:       cfg.ModulePath,
		TokenLabel: cfg.TokenLabel,
		Pin:        cfg.PIN,
	}
	if cfg.SlotNumber != nil {
		config.SlotNumber = cfg.SlotNumber
	}

	ctx, err := crypto11.Configure(config)
	if err != nil {
		return nil, fmt.Errorf("configuring PKCS#11: %w", err)
	}
	return &PKCS11KeyStore{ctx: ctx}, nil
}

// Close releases the PKCS#11 context.
func (p *PKCS11KeyStore) Close() error {
	if p.ctx != nil {
		return p.ctx.Close()
	}
	return nil
}

// GenerateKey creates a key pair in the token under a fresh
// "caledger-<uuid>" label, which is also the key ID.
func (p *PKCS11KeyStore) GenerateKey(alg KeyAlgorithm) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	label := "caledger-" + uuid.NewString()
	id := []byte(label)

	var err error
	switch alg {
	case RSA2048, "":
		_, err = p.ctx.GenerateRSAKeyPairWithLabel(id, id, 2048)
	case RSA3072:
		_, err = p.ctx.GenerateRSAKeyPairWithLabel(id, id, 3072)
	case ECDSAP256:
		_, err = p.ctx.GenerateECDSAKeyPairWithLabel(id, id, elliptic.P256())
	case ECDSAP384:
		_, err = p.ctx.GenerateECDSAKeyPairWithLabel(id, id, elliptic.P384())
	default:
		return "", fmt.Errorf("unknown key algorithm %q", alg)
	}
	if err != nil {
		return "", fmt.Errorf("generating %s key in HSM: %w", alg, err)
	}
	return label, nil
}

func (p *PKCS11KeyStore) find(keyID string) (crypto11.Signer, error) {
	signer, err := p.ctx.FindKeyPair(nil, []byte(keyID))
	if err != nil {
		return nil, fmt.Errorf("%w: %s (HSM: %v)", ErrKeyNotFound, keyID, err)
	}
	if signer == nil {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	return signer, nil
}

// Signer returns a crypto.Signer backed by the token.
func (p *PKCS11KeyStore) Signer(keyID string) (crypto.Signer, error) {
	return p.find(keyID)
}

// ExportPEM returns the "PKCS11:<label>" reference; the key material never
// leaves the token.
func (p *PKCS11KeyStore) ExportPEM(keyID string, _ []byte) ([]byte, error) {
	if _, err := p.find(keyID); err != nil {
		return nil, err
	}
	return []byte(PKCS11Prefix + keyID), nil
}

// ImportPEM resolves a "PKCS11:<label>" reference. Real PEM keys cannot be
// imported into the token.
func (p *PKCS11KeyStore) ImportPEM(pemData, _ []byte) (string, error) {
	ref := strings.TrimSpace(string(pemData))
	if !strings.HasPrefix(ref, PKCS11Prefix) {
		return "", fmt.Errorf("%w: cannot import software PEM keys into PKCS#11 store", ErrKeyNotExportable)
	}
	label := strings.TrimPrefix(ref, PKCS11Prefix)
	if _, err := p.find(label); err != nil {
		return "", err
	}
	return label, nil
}

// Delete destroys the key pair in the token.
func (p *PKCS11KeyStore) Delete(keyID string) error {
	signer, err := p.ctx.FindKeyPair(nil, []byte(keyID))
	if err != nil {
		return fmt.Errorf("finding key for deletion: %w", err)
	}
	if signer == nil {
		return nil
	}
	return signer.Delete()
}
