package cmd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jmcleod/caledger/ledger"
)

// indexAttr is the OpenSSL index.txt.attr content matching a ledger that
// does not enforce unique subjects.
const indexAttr = "unique_subject = no\n"

var (
	indexPath  string
	serialPath string
)

var exportIndexCmd = &cobra.Command{
	Use:   "export-index",
	Short: "Write the ledger as an OpenSSL index.txt and serial file",
	Long: `Writes the ledger as an OpenSSL CA database: index.txt, index.txt.attr and,
with --serial, the serial file holding the next serial. Existing files are
kept as <file>.old.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := openEnv(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer env.Close()
		return runExportIndex(ctx, cmd.OutOrStdout(), env, indexPath, serialPath)
	},
}

var importIndexCmd = &cobra.Command{
	Use:   "import-index",
	Short: "Load an existing OpenSSL index.txt and serial file into the ledger",
	Long: `Appends every index.txt entry the ledger does not hold yet, then moves the
allocator past the highest imported serial and, with --serial, to the next
serial recorded in the OpenSSL serial file. Importing the same file twice is
harmless.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := openEnv(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer env.Close()
		_, err = runImportIndex(ctx, cmd.OutOrStdout(), env, indexPath, serialPath)
		return err
	},
}

func init() {
	rootCmd.AddCommand(exportIndexCmd, importIndexCmd)
	for _, c := range []*cobra.Command{exportIndexCmd, importIndexCmd} {
		c.Flags().StringVar(&indexPath, "index", "", "Path of the index.txt file")
		c.Flags().StringVar(&serialPath, "serial", "", "Path of the OpenSSL serial file")
		c.MarkFlagRequired("index")
	}
}

func runExportIndex(ctx context.Context, w io.Writer, env *caEnv, index, serialFile string) error {
	var buf bytes.Buffer
	count, err := env.ledger.ExportIndex(ctx, &buf)
	if err != nil {
		return err
	}
	if err := replaceFile(index, buf.Bytes()); err != nil {
		return err
	}
	if err := replaceFile(index+".attr", []byte(indexAttr)); err != nil {
		return err
	}
	fmt.Fprintf(w, "Wrote %d entries to %s\n", count, index)

	if serialFile == "" {
		return nil
	}
	st, err := env.alloc.State(ctx)
	if err != nil {
		return err
	}
	if err := replaceFile(serialFile, []byte(ledger.FormatSerialFile(st.Next))); err != nil {
		return err
	}
	fmt.Fprintf(w, "Wrote next serial %s to %s\n", st.Next, serialFile)
	return nil
}

func runImportIndex(ctx context.Context, w io.Writer, env *caEnv, index, serialFile string) (*ledger.ImportReport, error) {
	f, err := os.Open(index)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	records, err := ledger.ParseIndex(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", index, err)
	}

	// Recovery moves next above the highest imported serial, also after a
	// partial import.
	report, err := env.ledger.Import(ctx, records)
	if err != nil {
		if _, rerr := env.recover(ctx); rerr != nil {
			env.logger.Error("recovery after partial import failed", "error", rerr)
		}
		return report, fmt.Errorf("import stopped after %d entries: %w", report.Imported, err)
	}
	if _, err := env.recover(ctx); err != nil {
		return report, err
	}

	if serialFile != "" {
		sf, err := os.Open(serialFile)
		if err != nil {
			return report, err
		}
		defer sf.Close()
		next, err := ledger.ParseSerialFile(sf)
		if err != nil {
			return report, fmt.Errorf("%s: %w", serialFile, err)
		}
		if err := env.alloc.AdvanceTo(ctx, next); err != nil {
			return report, err
		}
	}

	st, err := env.alloc.State(ctx)
	if err != nil {
		return report, err
	}
	fmt.Fprintf(w, "Imported %d entries (%d already present), next serial %s\n",
		report.Imported, report.Skipped, st.Next)
	return report, nil
}

// replaceFile writes data to path through a temp file and rename, keeping
// any previous content as path.old.
func replaceFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}

	if _, err := os.Stat(path); err == nil {
		if err := os.Rename(path, path+".old"); err != nil {
			return fmt.Errorf("keeping previous %s: %w", path, err)
		}
	}
	return os.Rename(tmp.Name(), path)
}
