package pki

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"github.com/jmcleod/caledger/ledger"
)

// NewCSR builds a PEM certificate request for subject, signed by key.
func NewCSR(key crypto.Signer, subject ledger.Subject, digest string) ([]byte, error) {
	subject, err := subject.Normalize()
	if err != nil {
		return nil, err
	}
	sigAlg, err := signatureAlgorithm(key.Public(), digest)
	if err != nil {
		return nil, err
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:            subject.PKIXName(),
		SignatureAlgorithm: sigAlg,
	}, key)
	if err != nil {
		return nil, fmt.Errorf("creating certificate request: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemCertificateRequest, Bytes: der}), nil
}

// CheckCSR parses a PEM certificate request, verifies its self-signature
// and returns it with its normalized subject.
func CheckCSR(data []byte) (*x509.CertificateRequest, ledger.Subject, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != pemCertificateRequest {
		return nil, ledger.Subject{}, fmt.Errorf("%w: %w", ErrInvalidCSR, ErrInvalidPEM)
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, ledger.Subject{}, fmt.Errorf("%w: %w", ErrInvalidCSR, err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, ledger.Subject{}, fmt.Errorf("%w: signature: %w", ErrInvalidCSR, err)
	}
	subject, err := ledger.SubjectFromPKIX(csr.Subject).Normalize()
	if err != nil {
		return nil, ledger.Subject{}, fmt.Errorf("%w: %w", ErrInvalidCSR, err)
	}
	return csr, subject, nil
}
