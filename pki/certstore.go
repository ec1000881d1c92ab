package pki

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmcleod/caledger/issuance"
	"github.com/jmcleod/caledger/serial"
)

// DirCertStore writes issued certificates as <SERIAL>.pem into a directory,
// the layout of OpenSSL's new_certs_dir.
type DirCertStore struct {
	dir string
}

var _ issuance.CertStore = (*DirCertStore)(nil)

// NewDirCertStore creates dir if needed.
func NewDirCertStore(dir string) (*DirCertStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating certificate directory: %w", err)
	}
	return &DirCertStore{dir: dir}, nil
}

// Dir returns the directory certificates are written to.
func (d *DirCertStore) Dir() string {
	return d.dir
}

// Path returns the file a certificate with serial n is stored in.
func (d *DirCertStore) Path(n serial.Number) string {
	return filepath.Join(d.dir, n.String()+".pem")
}

// Stage writes cert to a temporary file in the directory. The returned
// StagedCert renames it to <SERIAL>.pem on Publish. Until then an existing
// file for the same serial is untouched.
func (d *DirCertStore) Stage(ctx context.Context, cert *x509.Certificate) (issuance.StagedCert, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n, err := serial.FromBig(cert.SerialNumber)
	if err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp(d.dir, ".cert-"+n.String()+"-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("staging certificate %s: %w", n, err)
	}
	fail := func(err error) (issuance.StagedCert, error) {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("staging certificate %s: %w", n, err)
	}
	if _, err := tmp.Write(EncodeCertificatePEM(cert)); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		return fail(err)
	}
	return &stagedFile{serial: n, tmp: tmp.Name(), path: d.Path(n)}, nil
}

type stagedFile struct {
	serial serial.Number
	tmp    string
	path   string
}

func (f *stagedFile) Ref() string {
	return f.path
}

// Publish replaces any file left at the final path. The ledger accepted
// the entry, so no recorded certificate can own that serial.
func (f *stagedFile) Publish() error {
	if err := os.Rename(f.tmp, f.path); err != nil {
		return fmt.Errorf("publishing certificate %s: %w", f.serial, err)
	}
	return nil
}

func (f *stagedFile) Discard() error {
	if err := os.Remove(f.tmp); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("discarding certificate %s: %w", f.serial, err)
	}
	return nil
}

// Load reads the certificate stored for serial n.
func (d *DirCertStore) Load(n serial.Number) (*x509.Certificate, error) {
	data, err := os.ReadFile(d.Path(n))
	if err != nil {
		return nil, err
	}
	return ParseCertificatePEM(data)
}
