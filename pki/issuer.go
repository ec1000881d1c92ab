package pki

import (
	"crypto"
	"crypto/rand"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/caledger/ledger"
)

// Issuer is the CA certificate and key that sign leaf certificates.
type Issuer struct {
	Certificate *x509.Certificate
	Signer      crypto.Signer
}

// NewIssuer pairs cert with signer after checking that the key belongs to
// the certificate and that the certificate may sign certificates.
func NewIssuer(cert *x509.Certificate, signer crypto.Signer) (*Issuer, error) {
	if !cert.BasicConstraintsValid || !cert.IsCA {
		return nil, fmt.Errorf("%w: %s", ErrNotCA, cert.Subject)
	}
	if cert.KeyUsage != 0 && cert.KeyUsage&x509.KeyUsageCertSign == 0 {
		return nil, fmt.Errorf("%w: %s lacks keyCertSign", ErrNotCA, cert.Subject)
	}
	pub, ok := signer.Public().(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !pub.Equal(cert.PublicKey) {
		return nil, ErrIssuerMismatch
	}
	return &Issuer{Certificate: cert, Signer: signer}, nil
}

// LoadIssuer reads the issuer certificate and private key from PEM files.
// The key may be PKCS#1, SEC1, PKCS#8 or encrypted PKCS#8. The passphrase
// is moved into a memguard enclave; the caller's slice is wiped.
func LoadIssuer(certPath, keyPath string, passphrase []byte) (*Issuer, error) {
	cert, err := loadCertificateFile(certPath)
	if err != nil {
		return nil, err
	}

	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading issuer key: %w", err)
	}

	var enclave *memguard.Enclave
	if len(passphrase) > 0 {
		enclave = memguard.NewEnclave(passphrase)
	}
	signer, err := parseKeyWithEnclave(keyPEM, enclave)
	if err != nil {
		return nil, fmt.Errorf("issuer key %s: %w", keyPath, err)
	}
	return NewIssuer(cert, signer)
}

// LoadIssuerFromKeyStore reads the issuer certificate from certPath and
// signs with keyID from ks, typically an HSM.
func LoadIssuerFromKeyStore(certPath string, ks KeyStore, keyID string) (*Issuer, error) {
	cert, err := loadCertificateFile(certPath)
	if err != nil {
		return nil, err
	}
	signer, err := ks.Signer(keyID)
	if err != nil {
		return nil, fmt.Errorf("issuer key %s: %w", keyID, err)
	}
	return NewIssuer(cert, signer)
}

func loadCertificateFile(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading issuer certificate: %w", err)
	}
	cert, err := ParseCertificatePEM(data)
	if err != nil {
		return nil, fmt.Errorf("issuer certificate %s: %w", path, err)
	}
	return cert, nil
}

// parseKeyWithEnclave opens the passphrase only for the duration of the
// parse.
func parseKeyWithEnclave(keyPEM []byte, enclave *memguard.Enclave) (crypto.Signer, error) {
	if enclave == nil {
		return ParsePrivateKeyPEM(keyPEM, nil)
	}
	buf, err := enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("opening passphrase enclave: %w", err)
	}
	defer buf.Destroy()
	return ParsePrivateKeyPEM(keyPEM, buf.Bytes())
}

// KeyAlgorithm describes the issuer key, e.g. "ECDSA P-256".
func (i *Issuer) KeyAlgorithm() string {
	return keyAlgorithmString(i.Signer.Public())
}

// Subject returns the issuer subject as a ledger DN.
func (i *Issuer) Subject() ledger.Subject {
	return ledger.SubjectFromPKIX(i.Certificate.Subject)
}

// subjectKeyID computes the RFC 5280 method 1 key identifier: the SHA-1
// of the subjectPublicKey bit string.
func subjectKeyID(pub crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	var spki struct {
		Algorithm        pkix.AlgorithmIdentifier
		SubjectPublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(der, &spki); err != nil {
		return nil, err
	}
	sum := sha1.Sum(spki.SubjectPublicKey.Bytes)
	return sum[:], nil
}

// CAOptions configures NewCA.
type CAOptions struct {
	Subject ledger.Subject
	// Validity defaults to ten years.
	Validity time.Duration
	// Parent signs the new CA. Nil makes it self-signed.
	Parent *Issuer
	// Now defaults to time.Now.
	Now time.Time
}

// NewCA creates a CA certificate for signer, either self-signed or signed
// by opts.Parent, and returns it as an Issuer. Intermediates are limited to
// path length zero.
func NewCA(signer crypto.Signer, opts CAOptions) (*Issuer, error) {
	subject, err := opts.Subject.Normalize()
	if err != nil {
		return nil, err
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	validity := opts.Validity
	if validity == 0 {
		validity = 10 * 365 * 24 * time.Hour
	}
	ski, err := subjectKeyID(signer.Public())
	if err != nil {
		return nil, fmt.Errorf("computing subject key id: %w", err)
	}
	sn, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 127))
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber:          sn.Add(sn, big.NewInt(1)),
		Subject:               subject.PKIXName(),
		NotBefore:             now.UTC(),
		NotAfter:              now.Add(validity).UTC(),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        opts.Parent != nil,
		SubjectKeyId:          ski,
	}

	parent, parentSigner := template, signer
	if opts.Parent != nil {
		parent, parentSigner = opts.Parent.Certificate, opts.Parent.Signer
	}
	der, err := x509.CreateCertificate(rand.Reader, template, parent, signer.Public(), parentSigner)
	if err != nil {
		return nil, fmt.Errorf("creating CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return NewIssuer(cert, signer)
}
