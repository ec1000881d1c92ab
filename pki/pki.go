// Package pki signs client/email certificates for the issuance coordinator.
// An Issuer pairs the intermediate CA certificate with its key; X509Signer
// turns a reserved serial and subject into a certificate signed by it.
package pki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"github.com/youmark/pkcs8"
)

var (
	// ErrInvalidPEM is returned when PEM data cannot be decoded or parsed.
	ErrInvalidPEM = errors.New("invalid PEM data")

	// ErrPassphraseRequired is returned when an encrypted key is loaded
	// without a passphrase.
	ErrPassphraseRequired = errors.New("private key is encrypted; passphrase required")

	// ErrIssuerMismatch is returned when the issuer key does not belong to
	// the issuer certificate.
	ErrIssuerMismatch = errors.New("issuer key does not match issuer certificate")

	// ErrNotCA is returned when the issuer certificate cannot sign
	// certificates.
	ErrNotCA = errors.New("issuer certificate is not a CA")

	// ErrUnsupportedDigest is returned for digests other than sha256,
	// sha384 and sha512.
	ErrUnsupportedDigest = errors.New("unsupported digest")

	// ErrInvalidCSR is returned when a certificate request fails parsing or
	// its self-signature does not verify.
	ErrInvalidCSR = errors.New("invalid certificate request")
)

const (
	pemCertificate         = "CERTIFICATE"
	pemCertificateRequest  = "CERTIFICATE REQUEST"
	pemPrivateKey          = "PRIVATE KEY"
	pemEncryptedPrivateKey = "ENCRYPTED PRIVATE KEY"
	pemRSAPrivateKey       = "RSA PRIVATE KEY"
	pemECPrivateKey        = "EC PRIVATE KEY"
)

// EncodeCertificatePEM returns cert as a PEM "CERTIFICATE" block.
func EncodeCertificatePEM(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: pemCertificate, Bytes: cert.Raw})
}

// ParseCertificatePEM decodes the first CERTIFICATE block in data.
func ParseCertificatePEM(data []byte) (*x509.Certificate, error) {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("%w: no CERTIFICATE block", ErrInvalidPEM)
		}
		if block.Type != pemCertificate {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidPEM, err)
		}
		return cert, nil
	}
}

// EncodePrivateKeyPEM encodes key as PKCS#8. With a non-empty passphrase
// the key is encrypted (PBES2, AES-256-CBC) and written as an
// "ENCRYPTED PRIVATE KEY" block.
func EncodePrivateKeyPEM(key crypto.PrivateKey, passphrase []byte) ([]byte, error) {
	if len(passphrase) == 0 {
		der, err := x509.MarshalPKCS8PrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("encoding private key: %w", err)
		}
		return pem.EncodeToMemory(&pem.Block{Type: pemPrivateKey, Bytes: der}), nil
	}
	der, err := pkcs8.MarshalPrivateKey(key, passphrase, nil)
	if err != nil {
		return nil, fmt.Errorf("encrypting private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemEncryptedPrivateKey, Bytes: der}), nil
}

// ParsePrivateKeyPEM decodes a PKCS#1, SEC1, PKCS#8 or encrypted PKCS#8
// private key. The passphrase is only consulted for encrypted keys.
func ParsePrivateKeyPEM(data, passphrase []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrInvalidPEM)
	}
	if _, ok := block.Headers["Proc-Type"]; ok {
		return nil, fmt.Errorf("%w: legacy encrypted PEM is not supported, convert with openssl pkcs8 -topk8", ErrInvalidPEM)
	}

	var (
		key any
		err error
	)
	switch block.Type {
	case pemRSAPrivateKey:
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case pemECPrivateKey:
		key, err = x509.ParseECPrivateKey(block.Bytes)
	case pemPrivateKey:
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	case pemEncryptedPrivateKey:
		if len(passphrase) == 0 {
			return nil, ErrPassphraseRequired
		}
		key, err = pkcs8.ParsePKCS8PrivateKey(block.Bytes, passphrase)
	default:
		return nil, fmt.Errorf("%w: unexpected PEM type %q", ErrInvalidPEM, block.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPEM, err)
	}

	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%w: %T cannot sign", ErrInvalidPEM, key)
	}
	return signer, nil
}

// signatureAlgorithm maps a digest name and issuer key to an x509
// signature algorithm.
func signatureAlgorithm(pub crypto.PublicKey, digest string) (x509.SignatureAlgorithm, error) {
	d := strings.ToLower(strings.ReplaceAll(digest, "-", ""))
	if d == "" {
		d = "sha256"
	}
	switch pub.(type) {
	case *rsa.PublicKey:
		switch d {
		case "sha256":
			return x509.SHA256WithRSA, nil
		case "sha384":
			return x509.SHA384WithRSA, nil
		case "sha512":
			return x509.SHA512WithRSA, nil
		}
	case *ecdsa.PublicKey:
		switch d {
		case "sha256":
			return x509.ECDSAWithSHA256, nil
		case "sha384":
			return x509.ECDSAWithSHA384, nil
		case "sha512":
			return x509.ECDSAWithSHA512, nil
		}
	case ed25519.PublicKey:
		// Ed25519 has a fixed hash.
		switch d {
		case "sha256", "sha384", "sha512":
			return x509.PureEd25519, nil
		}
	default:
		return x509.UnknownSignatureAlgorithm, fmt.Errorf("unsupported issuer key type %T", pub)
	}
	return x509.UnknownSignatureAlgorithm, fmt.Errorf("%w: %q", ErrUnsupportedDigest, digest)
}

// keyAlgorithmString returns a human-readable key algorithm description.
func keyAlgorithmString(pub crypto.PublicKey) string {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		return fmt.Sprintf("RSA %d", k.N.BitLen())
	case *ecdsa.PublicKey:
		return fmt.Sprintf("ECDSA %s", k.Curve.Params().Name)
	case ed25519.PublicKey:
		return "Ed25519"
	default:
		return fmt.Sprintf("%T", pub)
	}
}
