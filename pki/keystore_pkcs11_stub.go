//go:build !pkcs11

package pki

import (
	"crypto"
	"errors"
)

// PKCS11Prefix marks a key reference produced by PKCS11KeyStore.ExportPEM.
const PKCS11Prefix = "PKCS11:"

// PKCS11Config holds the configuration for connecting to a PKCS#11 token.
type PKCS11Config struct {
	ModulePath string
	TokenLabel string
	PIN        string
	SlotNumber *int
}

var errPKCS11NotCompiled = errors.New("PKCS#11 support not compiled; rebuild with: go build -tags pkcs11")

// PKCS11KeyStore is a placeholder when built without the pkcs11 tag. Every
// method fails.
type PKCS11KeyStore struct{}

var _ KeyStore = (*PKCS11KeyStore)(nil)

// NewPKCS11KeyStore always fails without the pkcs11 build tag.
func NewPKCS11KeyStore(_ PKCS11Config) (*PKCS11KeyStore, error) {
	return nil, errPKCS11NotCompiled
}

func (p *PKCS11KeyStore) Close() error { return nil }

func (p *PKCS11KeyStore) GenerateKey(KeyAlgorithm) (string, error) {
	return "", errPKCS11NotCompiled
}

func (p *PKCS11KeyStore) Signer(string) (crypto.Signer, error) {
	return nil, errPKCS11NotCompiled
}

func (p *PKCS11KeyStore) ExportPEM(string, []byte) ([]byte, error) {
	return nil, errPKCS11NotCompiled
}

func (p *PKCS11KeyStore) ImportPEM(_, _ []byte) (string, error) {
	return "", errPKCS11NotCompiled
}

func (p *PKCS11KeyStore) Delete(string) error {
	return errPKCS11NotCompiled
}
