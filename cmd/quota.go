package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/localrank/internal/quota"
)

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Inspect and top up daily check allowances",
}

// -- quota status --

var quotaStatusCmd = &cobra.Command{
	Use:   "status <account-id>",
	Short: "Show today's usage for both meters",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		ledger, err := initLedger(st)
		if err != nil {
			return err
		}

		var states []quota.State
		for _, m := range []quota.Meter{quota.MeterHeatmap, quota.MeterRank} {
			s, err := ledger.Status(ctx, args[0], m)
			if err != nil {
				return eris.Wrapf(err, "quota status %s", m)
			}
			states = append(states, s)
		}
		formatQuota(os.Stdout, states)
		return nil
	},
}

// -- quota purchase --

var quotaPurchaseCmd = &cobra.Command{
	Use:   "purchase <account-id> <checks>",
	Short: "Add purchased checks to today's allowance",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		meter, _ := cmd.Flags().GetString("meter")

		n, err := strconv.Atoi(args[1])
		if err != nil || n <= 0 {
			return eris.Errorf("quota purchase: invalid check count %q", args[1])
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		ledger, err := initLedger(st)
		if err != nil {
			return err
		}

		s, err := ledger.Purchase(ctx, args[0], quota.Meter(meter), n)
		if err != nil {
			return eris.Wrap(err, "quota purchase")
		}
		formatQuota(os.Stdout, []quota.State{s})
		return nil
	},
}

func formatQuota(out io.Writer, states []quota.State) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "METER\tUSED\tALLOWED\tPURCHASED\tREMAINING\tRESETS")
	_, _ = fmt.Fprintln(w, "-----\t----\t-------\t---------\t---------\t------")
	for _, s := range states {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%s\n",
			s.Meter, s.Used, s.Allowed, s.Purchased, s.Remaining(),
			s.ResetAt.UTC().Format(time.RFC3339),
		)
	}
	_ = w.Flush()
}

func init() {
	quotaPurchaseCmd.Flags().String("meter", string(quota.MeterHeatmap), "meter to top up (heatmap, rank)")
	quotaCmd.AddCommand(quotaStatusCmd, quotaPurchaseCmd)
	rootCmd.AddCommand(quotaCmd)
}
