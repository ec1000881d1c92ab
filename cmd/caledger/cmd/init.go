package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/caledger/internal/config"
	"github.com/jmcleod/caledger/pki"
	"github.com/jmcleod/caledger/serial"
)

type initOptions struct {
	start      string
	generateCA bool
	caCN       string
	caValidity time.Duration
}

var initOpts initOptions

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the serial allocator for a new CA ledger",
	Long: `Creates the allocator state for the configured namespace so that the first
issued certificate gets the start serial. With --generate-ca a self-signed CA
certificate and key are also written to issuer.certificate and
issuer.private_key.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runInit(cmd.Context(), cmd.OutOrStdout(), cfg, initOpts)
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initOpts.start, "start", "", "First serial in hex (default serial.start)")
	initCmd.Flags().BoolVar(&initOpts.generateCA, "generate-ca", false, "Generate a self-signed CA certificate and key")
	initCmd.Flags().StringVar(&initOpts.caCN, "ca-cn", "caledger CA", "Common name of the generated CA")
	initCmd.Flags().DurationVar(&initOpts.caValidity, "ca-validity", 10*365*24*time.Hour, "Validity of the generated CA")
}

func runInit(ctx context.Context, w io.Writer, c *config.Config, opts initOptions) error {
	start, err := c.StartSerial()
	if err != nil {
		return err
	}
	if opts.start != "" {
		if start, err = serial.Parse(opts.start); err != nil {
			return err
		}
		if start.IsZero() {
			return fmt.Errorf("start serial must be positive")
		}
	}

	if opts.generateCA {
		if err := generateCA(w, c, opts); err != nil {
			return err
		}
	}

	s, err := openStore(ctx, c.Storage)
	if err != nil {
		return err
	}
	defer s.Close()

	err = serial.Bootstrap(ctx, s.repo, c.Ledger.Namespace, start)
	if errors.Is(err, serial.ErrAlreadyBootstrapped) {
		return fmt.Errorf("ledger %q is already initialized", c.Ledger.Namespace)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Initialized ledger %q, first serial %s\n", c.Ledger.Namespace, start)
	return nil
}

func generateCA(w io.Writer, c *config.Config, opts initOptions) error {
	if c.Issuer.Certificate == "" || c.Issuer.PrivateKey == "" {
		return fmt.Errorf("--generate-ca needs issuer.certificate and issuer.private_key")
	}
	for _, p := range []string{c.Issuer.Certificate, c.Issuer.PrivateKey} {
		if _, err := os.Stat(p); err == nil {
			return fmt.Errorf("refusing to overwrite %s", p)
		}
	}

	alg, err := pki.ParseKeyAlgorithm(c.Issuance.KeyAlgorithm)
	if err != nil {
		return err
	}
	ks := pki.NewSoftwareKeyStore()
	keyID, err := ks.GenerateKey(alg)
	if err != nil {
		return fmt.Errorf("generating CA key: %w", err)
	}
	signer, err := ks.Signer(keyID)
	if err != nil {
		return err
	}

	subject := c.Issuance.SubjectDefaults
	subject.CommonName = opts.caCN
	subject.Email = ""
	issuer, err := pki.NewCA(signer, pki.CAOptions{Subject: subject, Validity: opts.caValidity})
	if err != nil {
		return err
	}

	passphrase, err := c.IssuerPassphrase()
	if err != nil {
		return err
	}
	keyPEM, err := ks.ExportPEM(keyID, passphrase)
	if err != nil {
		return err
	}
	if err := ensureParentDir(c.Issuer.PrivateKey); err != nil {
		return err
	}
	if err := os.WriteFile(c.Issuer.PrivateKey, keyPEM, 0o600); err != nil {
		return fmt.Errorf("writing CA key: %w", err)
	}
	if err := ensureParentDir(c.Issuer.Certificate); err != nil {
		return err
	}
	if err := os.WriteFile(c.Issuer.Certificate, pki.EncodeCertificatePEM(issuer.Certificate), 0o644); err != nil {
		return fmt.Errorf("writing CA certificate: %w", err)
	}
	fmt.Fprintf(w, "Generated %s CA %q\n  certificate: %s\n  private key: %s\n",
		issuer.KeyAlgorithm(), issuer.Subject().String(), c.Issuer.Certificate, c.Issuer.PrivateKey)
	return nil
}
