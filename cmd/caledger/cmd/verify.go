package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/jmcleod/caledger/ledger"
)

// errLedgerInvalid is returned when verification finds a failed check.
var errLedgerInvalid = errors.New("ledger verification failed")

var verifyJSONOutput bool

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the integrity of the ledger",
	Long: `Recomputes the ledger hash chain and checks the genesis anchor, entry hashes,
chain continuity, sequence numbers, serial uniqueness and the chain head, then
compares the allocator against the ledger. Exits non-zero when a check fails.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := openEnv(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer env.Close()

		result, err := verifyLedger(ctx, env)
		if err != nil {
			return err
		}
		if verifyJSONOutput {
			if err := writeJSON(cmd.OutOrStdout(), result); err != nil {
				return err
			}
		} else {
			printHumanResult(cmd.OutOrStdout(), result)
		}
		if !result.Valid {
			return errLedgerInvalid
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(verifyCmd)
	verifyCmd.Flags().BoolVar(&verifyJSONOutput, "json", false, "Output results as JSON")
}

// verifyLedger runs the ledger's own chain checks and adds one for the
// allocator: every serial in the ledger must be below next.
func verifyLedger(ctx context.Context, env *caEnv) (*ledger.VerifyResult, error) {
	result, err := env.ledger.Verify(ctx)
	if err != nil {
		return nil, err
	}
	st, err := env.alloc.State(ctx)
	if err != nil {
		return nil, err
	}
	highest, err := env.ledger.MaxSerial(ctx)
	if err != nil {
		return nil, err
	}

	check := ledger.Check{Name: "allocator_ahead", Status: "pass"}
	if !highest.IsZero() && !highest.Less(st.Next) {
		// Recovery repairs this, so it does not invalidate the ledger.
		check.Status = "warn"
		check.Detail = fmt.Sprintf("ledger holds serial %s but next is %s; run recover", highest, st.Next)
	}
	result.Checks = append(result.Checks, check)
	return result, nil
}

func printHumanResult(w io.Writer, result *ledger.VerifyResult) {
	fmt.Fprintf(w, "Ledger verification: %s\n", result.Namespace)
	fmt.Fprintf(w, "Entries: %d\n\n", result.EntryCount)

	for _, c := range result.Checks {
		tag := "[PASS]"
		switch c.Status {
		case "fail":
			tag = "[FAIL]"
		case "warn":
			tag = "[WARN]"
		}
		if c.Detail != "" {
			fmt.Fprintf(w, "%s %s: %s\n", tag, c.Name, c.Detail)
		} else {
			fmt.Fprintf(w, "%s %s\n", tag, c.Name)
		}
	}

	fmt.Fprintln(w)
	if result.Valid {
		fmt.Fprintln(w, "Result: VALID")
		return
	}
	failures, warnings := 0, 0
	for _, c := range result.Checks {
		switch c.Status {
		case "fail":
			failures++
		case "warn":
			warnings++
		}
	}
	fmt.Fprintf(w, "Result: INVALID (%d error(s), %d warning(s))\n", failures, warnings)
}
