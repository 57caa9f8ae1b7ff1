package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/andresmejia3/straightface/internal/utils"
	"github.com/spf13/cobra"
)

var (
	resetDB          bool
	resetConsent     bool
	resetConsentPath string
)

var resetCmd = &cobra.Command{
	Use:         "reset",
	Short:       "Reset system state (Database, Camera consent)",
	Long:        "Clears all data. By default, it resets everything. Use flags to clear specific components.",
	Annotations: map[string]string{dbAnnotation: "optional"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		// If no flags are set, default to clearing EVERYTHING
		if !resetDB && !resetConsent {
			resetDB = true
			resetConsent = true
		}

		reader := bufio.NewReader(os.Stdin)

		if resetDB {
			switch {
			case DB == nil:
				fmt.Fprintln(os.Stderr, "⚠️  No database connection, skipping.")
			case confirm(reader, "⚠️  Are you sure you want to DROP all database tables?"):
				fmt.Println("🗑️  Clearing Database...")
				if err := DB.Reset(cmd.Context()); err != nil {
					utils.ShowError("Failed to reset database", err, nil)
					return err
				}
			}
		}

		if resetConsent && resetConsentPath != "" {
			if confirm(reader, "⚠️  Are you sure you want to forget the camera permission answer?") {
				fmt.Println("🗑️  Clearing Camera Consent...")
				removeFile(resetConsentPath)
			}
		}

		fmt.Println("✨ System Reset Complete.")
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetDB, "journal", false, "Clear the PostgreSQL attempt journal")
	resetCmd.Flags().BoolVar(&resetConsent, "consent", false, "Forget the remembered camera permission")
	resetCmd.Flags().StringVar(&resetConsentPath, "consent-file", defaultConsentPath(), "Where the camera permission answer is remembered")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removeFile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
