package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/caledger/ledger"
	"github.com/jmcleod/caledger/serial"
)

var (
	listStatus string
	listJSON   bool
	showJSON   bool
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List certificates in the ledger",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := openEnv(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer env.Close()
		return runList(ctx, cmd.OutOrStdout(), env.ledger, listStatus, listJSON)
	},
}

var showCmd = &cobra.Command{
	Use:   "show SERIAL",
	Short: "Show one ledger entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := openEnv(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer env.Close()
		return runShow(ctx, cmd.OutOrStdout(), env.ledger, args[0], showJSON)
	},
}

func init() {
	rootCmd.AddCommand(listCmd, showCmd)
	listCmd.Flags().StringVar(&listStatus, "status", "", "Only show V, R or E entries")
	listCmd.Flags().BoolVar(&listJSON, "json", false, "Output results as JSON")
	showCmd.Flags().BoolVar(&showJSON, "json", false, "Output the entry as JSON")
}

func runList(ctx context.Context, w io.Writer, l *ledger.Ledger, statusArg string, asJSON bool) error {
	var status ledger.Status
	if statusArg != "" {
		s, err := ledger.ParseStatus(statusArg)
		if err != nil {
			return err
		}
		status = s
	}

	entries := []ledger.Entry{}
	for e, err := range l.Scan(ctx) {
		if err != nil {
			return err
		}
		if status == "" || e.Status == status {
			entries = append(entries, e)
		}
	}

	if asJSON {
		return writeJSON(w, entries)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SERIAL\tSTATUS\tEXPIRES\tREVOKED\tSUBJECT")
	for _, e := range entries {
		revoked := "-"
		if e.Status == ledger.StatusRevoked {
			revoked = e.RevokedAt.UTC().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			e.Serial, e.Status, e.NotAfter.UTC().Format(time.DateTime), revoked, e.Subject.String())
	}
	return tw.Flush()
}

func runShow(ctx context.Context, w io.Writer, l *ledger.Ledger, serialArg string, asJSON bool) error {
	n, err := serial.Parse(serialArg)
	if err != nil {
		return err
	}
	e, err := l.Find(ctx, n)
	if err != nil {
		return fmt.Errorf("serial %s: %w", n, err)
	}
	if asJSON {
		return writeJSON(w, e)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 1, ' ', 0)
	fmt.Fprintf(tw, "Serial:\t%s\n", e.Serial)
	fmt.Fprintf(tw, "Status:\t%s\n", e.Status.Name())
	fmt.Fprintf(tw, "Subject:\t%s\n", e.Subject.String())
	if !e.NotBefore.IsZero() {
		fmt.Fprintf(tw, "Not before:\t%s\n", e.NotBefore.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(tw, "Not after:\t%s\n", e.NotAfter.UTC().Format(time.RFC3339))
	if e.Status == ledger.StatusRevoked {
		fmt.Fprintf(tw, "Revoked:\t%s (%s)\n", e.RevokedAt.UTC().Format(time.RFC3339), e.Reason)
	}
	if e.CertRef != "" {
		fmt.Fprintf(tw, "Certificate:\t%s\n", e.CertRef)
	}
	fmt.Fprintf(tw, "Ledger seq:\t%d\n", e.Seq)
	fmt.Fprintf(tw, "Hash:\t%s\n", e.Hash)
	return tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
