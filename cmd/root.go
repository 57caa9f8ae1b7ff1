package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/straightface/internal/config"
	"github.com/andresmejia3/straightface/internal/store"
	"github.com/spf13/cobra"
)

// Options holds shared configuration for the play, serve and inspect commands
type Options struct {
	Variant     string
	VideoPath   string
	Camera      string
	Format      string
	FPS         int
	Width       int
	Height      int
	Audio       bool
	Extractor   string
	Script      string
	CascadeDir  string
	Period      string
	Grace       string
	ConsentPath string
	AssumeYes   bool
	Smile       float64
	EyeOpen     float64
}

// dbAnnotation marks how a command uses the journal: "required" or "optional".
const dbAnnotation = "db"

var (
	// DB is the global database connection shared by subcommands. It is nil when the
	// journal is optional and unreachable.
	DB *store.Store
	// dbURL is the connection string
	dbURL   string
	envFile string
	verbose bool
	logger  = slog.New(slog.DiscardHandler)
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "straightface",
	Short:   "Keep a straight face while the video plays",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Load(envFile); err != nil {
			return err
		}
		if verbose {
			logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
		}

		mode := cmd.Annotations[dbAnnotation]
		if mode == "" {
			return nil
		}

		// If no flag was provided, try to build the connection string from the environment
		if dbURL == "" {
			dbURL = config.DatabaseURL()
		}

		// Use the command's context (which will be cancellable) for the connection
		var err error
		DB, err = store.New(cmd.Context(), dbURL)
		if err != nil {
			if mode == "optional" {
				fmt.Fprintf(os.Stderr, "⚠️  Journal unavailable, attempts will not be recorded: %v\n", err)
				return nil
			}
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			DB.Close()
		}
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string (default: from POSTGRES_* or "+config.DefaultDatabaseURL+")")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Environment file to load before running")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "V", false, "Log engine diagnostics to stderr")
}
