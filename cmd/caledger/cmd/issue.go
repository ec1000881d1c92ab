package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jmcleod/caledger/internal/config"
	"github.com/jmcleod/caledger/issuance"
	"github.com/jmcleod/caledger/pki"
)

type issueOptions struct {
	email            string
	cn               string
	out              string
	keyPassphraseEnv string
}

var issueOpts issueOptions

var issueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Generate a key pair and issue a client certificate",
	Long: `Generates a key pair, reserves the next serial, signs a client/email
certificate with the configured issuer and records it in the ledger. The
certificate is written to <out>/<SERIAL>.pem and the key to
<out>/<SERIAL>.key.pem.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := openEnv(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer env.Close()

		_, err = runIssue(ctx, cmd.OutOrStdout(), env, issueOpts)
		return err
	},
}

func init() {
	rootCmd.AddCommand(issueCmd)
	issueCmd.Flags().StringVar(&issueOpts.email, "email", "", "Email address of the certificate holder")
	issueCmd.Flags().StringVar(&issueOpts.cn, "cn", "", "Common name (default the email address)")
	issueCmd.Flags().StringVar(&issueOpts.out, "out", "", "Output directory (default issuance.output_dir)")
	issueCmd.Flags().StringVar(&issueOpts.keyPassphraseEnv, "key-passphrase-env", "", "Environment variable holding a passphrase for the generated key")
	issueCmd.MarkFlagRequired("email")
}

// issuedFiles is what runIssue wrote.
type issuedFiles struct {
	result   *issuance.Result
	certPath string
	keyPath  string
}

func runIssue(ctx context.Context, w io.Writer, env *caEnv, opts issueOptions) (*issuedFiles, error) {
	c := env.cfg
	if err := c.ValidateIssuer(); err != nil {
		return nil, err
	}

	var keyPassphrase []byte
	if opts.keyPassphraseEnv != "" {
		v, ok := os.LookupEnv(opts.keyPassphraseEnv)
		if !ok || v == "" {
			return nil, fmt.Errorf("key passphrase variable %s is not set", opts.keyPassphraseEnv)
		}
		keyPassphrase = []byte(v)
	}

	issuer, closeIssuer, err := loadIssuer(c)
	if err != nil {
		return nil, err
	}
	defer closeIssuer()

	outDir := opts.out
	if outDir == "" {
		outDir = c.Issuance.OutputDir
	}
	certStore, err := pki.NewDirCertStore(outDir)
	if err != nil {
		return nil, err
	}

	alg, err := pki.ParseKeyAlgorithm(c.Issuance.KeyAlgorithm)
	if err != nil {
		return nil, err
	}
	ks := pki.NewSoftwareKeyStore()
	keyID, err := ks.GenerateKey(alg)
	if err != nil {
		return nil, err
	}
	defer ks.Delete(keyID)
	key, err := ks.Signer(keyID)
	if err != nil {
		return nil, err
	}

	subject := c.Issuance.SubjectDefaults
	subject.Email = opts.email
	subject.CommonName = opts.cn
	if subject.CommonName == "" {
		subject.CommonName = opts.email
	}

	coord := issuance.New(env.alloc, env.ledger,
		pki.NewX509Signer(issuer, pki.WithLogger(env.logger)),
		issuance.WithCertStore(certStore),
		issuance.WithLogger(env.logger),
		issuance.WithValidity(c.Issuance.Validity.Std()),
		issuance.WithDigest(c.Issuance.Digest),
		issuance.WithSignerTimeout(c.Issuance.SignerTimeout.Std()),
	)
	if _, err := env.recoverWith(ctx, coord); err != nil {
		return nil, err
	}
	res, err := coord.Issue(ctx, issuance.Request{Subject: subject, PublicKey: key.Public()})
	if err != nil {
		return nil, err
	}

	// The certificate is committed at this point; a key write failure
	// leaves a ledger entry whose key is lost.
	keyPEM, err := ks.ExportPEM(keyID, keyPassphrase)
	if err != nil {
		return nil, err
	}
	keyPath := filepath.Join(outDir, res.Serial.String()+".key.pem")
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		env.logger.Error("certificate issued but private key not written",
			"serial", res.Serial.String(), "path", keyPath, "error", err)
		return nil, fmt.Errorf("writing private key for serial %s: %w", res.Serial, err)
	}

	files := &issuedFiles{result: res, certPath: res.Entry.CertRef, keyPath: keyPath}
	fmt.Fprintf(w, "Issued serial %s to %s\n  expires:     %s\n  certificate: %s\n  private key: %s\n",
		res.Serial, res.Entry.Subject.String(),
		res.Entry.NotAfter.Format("2006-01-02 15:04:05 MST"), files.certPath, files.keyPath)
	return files, nil
}

// loadIssuer opens the signing CA from files or, when configured, an HSM.
// The returned func releases the HSM session.
func loadIssuer(c *config.Config) (*pki.Issuer, func() error, error) {
	noop := func() error { return nil }

	if !c.Issuer.PKCS11.Enabled() {
		passphrase, err := c.IssuerPassphrase()
		if err != nil {
			return nil, noop, err
		}
		issuer, err := pki.LoadIssuer(c.Issuer.Certificate, c.Issuer.PrivateKey, passphrase)
		if err != nil {
			return nil, noop, fmt.Errorf("loading issuer: %w", err)
		}
		return issuer, noop, nil
	}

	p := c.Issuer.PKCS11
	pin := ""
	if p.PINEnv != "" {
		pin = os.Getenv(p.PINEnv)
	}
	ks, err := pki.NewPKCS11KeyStore(pki.PKCS11Config{
		ModulePath: p.Module,
		TokenLabel: p.TokenLabel,
		PIN:        pin,
	})
	if err != nil {
		return nil, noop, err
	}
	issuer, err := pki.LoadIssuerFromKeyStore(c.Issuer.Certificate, ks, p.KeyLabel)
	if err != nil {
		ks.Close()
		return nil, noop, fmt.Errorf("loading issuer from token %s: %w", p.TokenLabel, err)
	}
	slog.Debug("issuer key loaded from PKCS#11 token", "token", p.TokenLabel, "label", p.KeyLabel)
	return issuer, ks.Close, nil
}
