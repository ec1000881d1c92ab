package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/jmcleod/caledger/serial"
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Resolve serial reservations left behind by a crash",
	Long: `Commits reservations whose certificate reached the ledger, rolls back those
that did not, and moves the next serial above every serial in the ledger.
Reservations of other running processes younger than serial.recovery_grace
are left alone. Mutating commands run this automatically.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := openEnv(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer env.Close()
		_, err = runRecover(ctx, cmd.OutOrStdout(), env)
		return err
	},
}

func init() {
	rootCmd.AddCommand(recoverCmd)
}

func runRecover(ctx context.Context, w io.Writer, env *caEnv) (*serial.RecoveryReport, error) {
	report, err := env.recover(ctx)
	if err != nil {
		return nil, err
	}
	if report.Empty() {
		fmt.Fprintf(w, "Nothing to recover (%d reservation(s) pending)\n", report.Pending)
		return report, nil
	}
	fmt.Fprintf(w, "Committed:   %s\n", joinSerials(report.Committed))
	fmt.Fprintf(w, "Rolled back: %s\n", joinSerials(report.RolledBack))
	if !report.AdvancedTo.IsZero() {
		fmt.Fprintf(w, "Next serial advanced to %s\n", report.AdvancedTo)
	}
	if report.Pending > 0 {
		fmt.Fprintf(w, "%d reservation(s) left pending\n", report.Pending)
	}
	return report, nil
}

func joinSerials(ns []serial.Number) string {
	if len(ns) == 0 {
		return "-"
	}
	s := ""
	for i, n := range ns {
		if i > 0 {
			s += " "
		}
		s += n.String()
	}
	return s
}
