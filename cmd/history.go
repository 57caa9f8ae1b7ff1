package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/straightface/internal/utils"
	"github.com/spf13/cobra"
)

var (
	historyLimit    int
	historyFailures bool
)

var historyCmd = &cobra.Command{
	Use:         "history",
	Short:       "List recorded attempts",
	Annotations: map[string]string{dbAnnotation: "required"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if historyFailures {
			return runFailures(cmd)
		}
		return runHistory(cmd)
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of attempts to show (0 for all)")
	historyCmd.Flags().BoolVar(&historyFailures, "failures", false, "List camera session failures instead")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command) error {
	attempts, err := DB.ListAttempts(cmd.Context(), historyLimit)
	if err != nil {
		utils.ShowError("Failed to list attempts", err, nil)
		return err
	}

	if len(attempts) == 0 {
		fmt.Println("No attempts found in database.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ATTEMPT\tVARIANT\tOUTCOME\tSCORE\tWATCHED\tFINISHED")
	fmt.Fprintln(w, "-------\t-------\t-------\t-----\t-------\t--------")

	for _, a := range attempts {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.0f%%\t%s\n", shortID(a.ID), a.Variant, a.Outcome, a.FinalScore,
			a.Progress*100, a.FinishedAt.Local().Format("2006-01-02 15:04"))
	}
	w.Flush()
	return nil
}

func runFailures(cmd *cobra.Command) error {
	failures, err := DB.ListSessionFailures(cmd.Context(), historyLimit)
	if err != nil {
		utils.ShowError("Failed to list session failures", err, nil)
		return err
	}

	if len(failures) == 0 {
		fmt.Println("No session failures recorded.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ATTEMPT\tVARIANT\tREASON\tWHEN")
	fmt.Fprintln(w, "-------\t-------\t------\t----")
	for _, f := range failures {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", shortID(f.AttemptID), f.Variant, f.Reason, f.OccurredAt.Local().Format("2006-01-02 15:04"))
	}
	w.Flush()
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
