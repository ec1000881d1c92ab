package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/caledger/ledger"
	"github.com/jmcleod/caledger/serial"
)

var (
	revokeReason string
	revokeAt     string
	expireNow    string
)

var revokeCmd = &cobra.Command{
	Use:   "revoke SERIAL",
	Short: "Mark a valid certificate as revoked",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := openEnv(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer env.Close()

		at := time.Now()
		if revokeAt != "" {
			if at, err = time.Parse(time.RFC3339, revokeAt); err != nil {
				return fmt.Errorf("--at: %w", err)
			}
		}
		_, err = runRevoke(ctx, cmd.OutOrStdout(), env, args[0], revokeReason, at)
		return err
	},
}

var expireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Mark valid certificates past their expiry as expired",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := openEnv(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer env.Close()

		now := time.Now()
		if expireNow != "" {
			if now, err = time.Parse(time.RFC3339, expireNow); err != nil {
				return fmt.Errorf("--now: %w", err)
			}
		}
		_, err = runExpire(ctx, cmd.OutOrStdout(), env, now)
		return err
	},
}

func init() {
	rootCmd.AddCommand(revokeCmd, expireCmd)
	revokeCmd.Flags().StringVar(&revokeReason, "reason", "", "Revocation reason, e.g. keyCompromise, superseded (default unspecified)")
	revokeCmd.Flags().StringVar(&revokeAt, "at", "", "Revocation time in RFC 3339 (default now)")
	expireCmd.Flags().StringVar(&expireNow, "now", "", "Reference time in RFC 3339 (default now)")
}

func runRevoke(ctx context.Context, w io.Writer, env *caEnv, serialArg, reasonArg string, at time.Time) (ledger.Entry, error) {
	n, err := serial.Parse(serialArg)
	if err != nil {
		return ledger.Entry{}, err
	}
	reason, err := ledger.ParseReason(reasonArg)
	if err != nil {
		return ledger.Entry{}, err
	}
	e, err := env.ledger.MarkRevoked(ctx, n, at, reason)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("revoking %s: %w", n, err)
	}
	fmt.Fprintf(w, "Revoked serial %s (%s) at %s\n", e.Serial, e.Reason, e.RevokedAt.UTC().Format(time.RFC3339))
	return e, nil
}

func runExpire(ctx context.Context, w io.Writer, env *caEnv, now time.Time) ([]serial.Number, error) {
	expired, err := env.ledger.ExpireDue(ctx, now)
	if err != nil {
		return nil, err
	}
	if len(expired) == 0 {
		fmt.Fprintln(w, "No certificates due to expire")
		return nil, nil
	}
	fmt.Fprintf(w, "Marked %d certificate(s) expired:", len(expired))
	for _, n := range expired {
		fmt.Fprintf(w, " %s", n)
	}
	fmt.Fprintln(w)
	return expired, nil
}
