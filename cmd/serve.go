package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/andresmejia3/straightface/internal/config"
	"github.com/andresmejia3/straightface/internal/rule"
	"github.com/andresmejia3/straightface/internal/scoring"
	"github.com/andresmejia3/straightface/internal/server"
	"github.com/andresmejia3/straightface/internal/store"
	"github.com/andresmejia3/straightface/internal/utils"
	"github.com/spf13/cobra"
)

var (
	serveOpts      Options
	serveAddr      string
	serveRetention time.Duration
)

var serveCmd = &cobra.Command{
	Use:         "serve",
	Short:       "Serve attempts to a presentation layer over HTTP and WebSocket",
	Annotations: map[string]string{dbAnnotation: "optional"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if err := applyEnvDefaults(cmd, &serveOpts); err != nil {
			utils.ShowError("Invalid environment", err, nil)
			return err
		}
		if !cmd.Flags().Changed("retention") {
			d, err := config.Duration("STRAIGHTFACE_RETENTION", serveRetention)
			if err != nil {
				utils.ShowError("Invalid environment", err, nil)
				return err
			}
			serveRetention = d
		}
		return runServe(cmd.Context(), serveOpts)
	},
}

func init() {
	addPipelineFlags(serveCmd, &serveOpts)
	serveCmd.Flags().StringVarP(&serveAddr, "addr", "a", "", "Listen address (default: STRAIGHTFACE_ADDR or :8080)")
	serveCmd.Flags().DurationVar(&serveRetention, "retention", server.DefaultRetention, "How long finished attempts stay readable")
	serveCmd.MarkFlagRequired("video")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context, opts Options) error {
	if err := validatePlayFlags(&opts); err != nil {
		utils.ShowError("Invalid flags", err, nil)
		return err
	}
	if serveAddr == "" {
		serveAddr = config.String("STRAIGHTFACE_ADDR", ":8080")
	}

	duration, err := utils.GetVideoDuration(ctx, opts.VideoPath)
	if err != nil {
		utils.ShowError("Failed to determine video length", err, nil)
		return err
	}

	var journal *store.Journal
	if DB != nil {
		contentID, err := utils.GenerateContentID(opts.VideoPath)
		if err != nil {
			utils.ShowError("Failed to generate content ID", err, nil)
			return err
		}
		if err := DB.EnsureContent(ctx, contentID, opts.VideoPath, duration); err != nil {
			utils.ShowError("Failed to register content", err, nil)
			return err
		}
		journal = &store.Journal{Store: DB, ContentID: contentID}
	}

	manager := server.NewManager(func(id string, kind rule.Kind) (*scoring.Loop, error) {
		o := opts
		o.Variant = kind.String()
		loopOpts := []scoring.Option{scoring.WithAttempt(id, kind.String())}
		if journal != nil {
			loopOpts = append(loopOpts, scoring.WithReporter(journal))
		}
		// Attempts outlive the request that created them; the manager stops them.
		return newLoop(context.Background(), o, kind, scoring.NewContentClock(duration), false, loopOpts...)
	}, logger, server.WithRetention(serveRetention))
	defer manager.StopAll()

	srv := &http.Server{
		Addr:              serveAddr,
		Handler:           server.New(manager, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "🌐 Listening on %s\n", serveAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			utils.ShowError("Server failed", err, nil)
			return err
		}
		return nil
	case <-ctx.Done():
	}

	fmt.Fprintln(os.Stderr, "\n🛑 Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// Hijacked WebSocket connections are not tracked by Shutdown; stopping the attempts
	// ends their streams.
	manager.StopAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}
