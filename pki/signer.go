package pki

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"io"
	"log/slog"

	"github.com/jmcleod/caledger/issuance"
)

// oidNetscapeCertType is the Netscape certificate type extension.
var oidNetscapeCertType = asn1.ObjectIdentifier{2, 16, 840, 1, 113730, 1, 1}

// Netscape cert type bits, most significant first.
const (
	nsCertTypeSSLClient = 0
	nsCertTypeSMIME     = 2
)

// nsCertTypeClientEmail is the DER value for nsCertType "client, email".
var nsCertTypeClientEmail = func() []byte {
	bits := asn1.BitString{Bytes: []byte{1<<(7-nsCertTypeSSLClient) | 1<<(7-nsCertTypeSMIME)}, BitLength: nsCertTypeSMIME + 1}
	der, err := asn1.Marshal(bits)
	if err != nil {
		panic(err)
	}
	return der
}()

// X509Signer signs client/email certificates with an Issuer. It never
// allocates serials: the certificate carries the serial it is given.
type X509Signer struct {
	issuer *Issuer
	rand   io.Reader
	logger *slog.Logger
}

var _ issuance.Signer = (*X509Signer)(nil)

// SignerOption configures an X509Signer.
type SignerOption func(*X509Signer)

// WithRand sets the randomness source for signatures.
func WithRand(r io.Reader) SignerOption {
	return func(s *X509Signer) {
		s.rand = r
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) SignerOption {
	return func(s *X509Signer) {
		s.logger = l
	}
}

// NewX509Signer returns a signer for issuer.
func NewX509Signer(issuer *Issuer, opts ...SignerOption) *X509Signer {
	s := &X509Signer{
		issuer: issuer,
		rand:   rand.Reader,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issuer returns the signing issuer.
func (s *X509Signer) Issuer() *Issuer {
	return s.issuer
}

func (s *X509Signer) template(req issuance.SignRequest) (*x509.Certificate, error) {
	sigAlg, err := signatureAlgorithm(s.issuer.Signer.Public(), req.Digest)
	if err != nil {
		return nil, err
	}
	ski, err := subjectKeyID(req.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("computing subject key id: %w", err)
	}
	aki := s.issuer.Certificate.SubjectKeyId
	if len(aki) == 0 {
		if aki, err = subjectKeyID(s.issuer.Certificate.PublicKey); err != nil {
			return nil, fmt.Errorf("computing authority key id: %w", err)
		}
	}

	return &x509.Certificate{
		SerialNumber:          req.Serial.Big(),
		Subject:               req.Subject.PKIXName(),
		NotBefore:             req.NotBefore,
		NotAfter:              req.NotAfter,
		SignatureAlgorithm:    sigAlg,
		BasicConstraintsValid: true,
		IsCA:                  false,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageEmailProtection},
		SubjectKeyId:          ski,
		AuthorityKeyId:        aki,
		ExtraExtensions: []pkix.Extension{
			{Id: oidNetscapeCertType, Value: nsCertTypeClientEmail},
		},
	}, nil
}

type signResult struct {
	cert *x509.Certificate
	err  error
}

// Sign creates and verifies the certificate for req. A remote key (HSM)
// cannot be interrupted, so Sign stops waiting when ctx is done and the
// late result is dropped.
func (s *X509Signer) Sign(ctx context.Context, req issuance.SignRequest) (*x509.Certificate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	template, err := s.template(req)
	if err != nil {
		return nil, err
	}

	done := make(chan signResult, 1)
	go func() {
		cert, err := s.sign(template, req)
		done <- signResult{cert: cert, err: err}
	}()

	select {
	case <-ctx.Done():
		s.logger.Warn("signer abandoned", "serial", req.Serial.String(), "error", ctx.Err())
		return nil, ctx.Err()
	case res := <-done:
		return res.cert, res.err
	}
}

func (s *X509Signer) sign(template *x509.Certificate, req issuance.SignRequest) (*x509.Certificate, error) {
	der, err := x509.CreateCertificate(s.rand, template, s.issuer.Certificate, req.PublicKey, s.issuer.Signer)
	if err != nil {
		return nil, fmt.Errorf("signing certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parsing signed certificate: %w", err)
	}
	if cert.SerialNumber.Cmp(template.SerialNumber) != 0 {
		return nil, fmt.Errorf("signed certificate carries serial %x, want %x", cert.SerialNumber, template.SerialNumber)
	}
	if err := cert.CheckSignatureFrom(s.issuer.Certificate); err != nil {
		return nil, fmt.Errorf("verifying signed certificate: %w", err)
	}
	return cert, nil
}
