package pki

import (
	"crypto"
	"errors"
	"fmt"
	"strings"
)

// KeyStore abstracts private-key custody so the issuer key can live in
// software or in an HSM without changing the signer.
//
// A keyID identifies a key managed by the store; its format is
// implementation-defined.
type KeyStore interface {
	// GenerateKey creates a new key of the given algorithm and returns its
	// identifier.
	GenerateKey(alg KeyAlgorithm) (keyID string, err error)

	// Signer returns a [crypto.Signer] for keyID. For HSM stores signing is
	// delegated to the device.
	Signer(keyID string) (crypto.Signer, error)

	// ExportPEM returns the key as PKCS#8 PEM, encrypted when passphrase is
	// non-empty. HSM stores return a reference string instead, or
	// ErrKeyNotExportable.
	ExportPEM(keyID string, passphrase []byte) ([]byte, error)

	// ImportPEM loads a key previously produced by ExportPEM.
	ImportPEM(pemData, passphrase []byte) (keyID string, err error)

	// Delete removes the key from the store.
	Delete(keyID string) error
}

// ErrKeyNotExportable is returned by KeyStore.ExportPEM when the backing
// store does not allow private key material to leave the device.
var ErrKeyNotExportable = errors.New("private key is not exportable")

// ErrKeyNotFound is returned when the referenced key ID does not exist.
var ErrKeyNotFound = errors.New("key not found")

// KeyAlgorithm names a key type the stores can generate.
type KeyAlgorithm string

const (
	// RSA2048 matches the original tooling's leaf keys.
	RSA2048   KeyAlgorithm = "rsa2048"
	RSA3072   KeyAlgorithm = "rsa3072"
	ECDSAP256 KeyAlgorithm = "ecdsa-p256"
	ECDSAP384 KeyAlgorithm = "ecdsa-p384"
)

// ParseKeyAlgorithm accepts the names above, case-insensitively. An empty
// string selects RSA2048.
func ParseKeyAlgorithm(s string) (KeyAlgorithm, error) {
	switch alg := KeyAlgorithm(strings.ToLower(strings.TrimSpace(s))); alg {
	case "":
		return RSA2048, nil
	case RSA2048, RSA3072, ECDSAP256, ECDSAP384:
		return alg, nil
	default:
		return "", fmt.Errorf("unknown key algorithm %q", s)
	}
}
