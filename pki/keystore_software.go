package pki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"io"
	"sync"
)

// SoftwareKeyStore holds private keys in memory. Keys are ephemeral: the
// caller persists them with ExportPEM.
type SoftwareKeyStore struct {
	mu   sync.Mutex
	keys map[string]crypto.Signer
	rand io.Reader
	seq  int
}

var _ KeyStore = (*SoftwareKeyStore)(nil)

// NewSoftwareKeyStore returns a SoftwareKeyStore ready for use.
func NewSoftwareKeyStore() *SoftwareKeyStore {
	return &SoftwareKeyStore{
		keys: make(map[string]crypto.Signer),
		rand: rand.Reader,
	}
}

func (s *SoftwareKeyStore) add(key crypto.Signer) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	id := fmt.Sprintf("sw-%d", s.seq)
	s.keys[id] = key
	return id
}

// GenerateKey creates a new key pair.
func (s *SoftwareKeyStore) GenerateKey(alg KeyAlgorithm) (string, error) {
	var (
		key crypto.Signer
		err error
	)
	switch alg {
	case RSA2048, "":
		key, err = rsa.GenerateKey(s.rand, 2048)
	case RSA3072:
		key, err = rsa.GenerateKey(s.rand, 3072)
	case ECDSAP256:
		key, err = ecdsa.GenerateKey(elliptic.P256(), s.rand)
	case ECDSAP384:
		key, err = ecdsa.GenerateKey(elliptic.P384(), s.rand)
	default:
		return "", fmt.Errorf("unknown key algorithm %q", alg)
	}
	if err != nil {
		return "", fmt.Errorf("generating %s key: %w", alg, err)
	}
	return s.add(key), nil
}

// Signer returns the private key, which implements crypto.Signer.
func (s *SoftwareKeyStore) Signer(keyID string) (crypto.Signer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	return key, nil
}

// ExportPEM encodes the key as PKCS#8 PEM.
func (s *SoftwareKeyStore) ExportPEM(keyID string, passphrase []byte) ([]byte, error) {
	key, err := s.Signer(keyID)
	if err != nil {
		return nil, err
	}
	return EncodePrivateKeyPEM(key, passphrase)
}

// ImportPEM parses a private key PEM block and stores it.
func (s *SoftwareKeyStore) ImportPEM(pemData, passphrase []byte) (string, error) {
	key, err := ParsePrivateKeyPEM(pemData, passphrase)
	if err != nil {
		return "", err
	}
	return s.add(key), nil
}

// Delete removes the key from memory.
func (s *SoftwareKeyStore) Delete(keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, keyID)
	return nil
}
