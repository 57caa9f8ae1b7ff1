package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/andresmejia3/straightface/internal/challenge"
	"github.com/andresmejia3/straightface/internal/rule"
	"github.com/andresmejia3/straightface/internal/scoring"
	"github.com/andresmejia3/straightface/internal/store"
	"github.com/andresmejia3/straightface/internal/utils"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var playOpts Options

var playCmd = &cobra.Command{
	Use:         "play",
	Short:       "Play one round against the camera",
	Annotations: map[string]string{dbAnnotation: "optional"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if err := applyEnvDefaults(cmd, &playOpts); err != nil {
			utils.ShowError("Invalid environment", err, nil)
			return err
		}
		return runPlay(cmd.Context(), playOpts)
	},
}

func init() {
	addPipelineFlags(playCmd, &playOpts)
	playCmd.MarkFlagRequired("video")
	rootCmd.AddCommand(playCmd)
}

// runPlay orchestrates one attempt: content registration, capture and classifier bring-up,
// the live score bar and the final summary.
func runPlay(ctx context.Context, opts Options) error {
	if err := validatePlayFlags(&opts); err != nil {
		utils.ShowError("Invalid flags", err, nil)
		return err
	}
	kind, _ := rule.ParseKind(opts.Variant)

	duration, err := utils.GetVideoDuration(ctx, opts.VideoPath)
	if err != nil {
		utils.ShowError("Failed to determine video length", err, nil)
		return err
	}

	attemptID := uuid.New().String()
	loopOpts := []scoring.Option{scoring.WithAttempt(attemptID, kind.String())}
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
		loopOpts = append(loopOpts, scoring.WithReporter(&store.Journal{Store: DB, ContentID: contentID}))
	}

	fmt.Fprintf(os.Stderr, "📼 Round length: %s\n", duration.Round(time.Second))
	fmt.Fprintf(os.Stderr, "⚙️  Starting %s extractor...\n", opts.Extractor)

	clock := scoring.NewContentClock(duration)
	loop, err := newLoop(ctx, opts, kind, clock, true, loopOpts...)
	if err != nil {
		utils.ShowError("Failed to set up the challenge", err, nil)
		return err
	}

	// Ctrl+C ends the round without an outcome, including while the permission prompt is up.
	stop := context.AfterFunc(ctx, loop.Stop)
	defer stop()

	fmt.Fprintf(os.Stderr, "🎬 Don't %s! Starting camera...\n", kind)
	if err := loop.Start(ctx); err != nil {
		if ctx.Err() != nil {
			fmt.Fprintln(os.Stderr, "\n🛑 Round stopped.")
			return ctx.Err()
		}
		utils.ShowError("Failed to start the challenge", err, nil)
		return err
	}

	bar := progressbar.NewOptions(challenge.DefaultRules.Initial,
		progressbar.OptionSetDescription(describe(scoring.Update{})),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(false),
	)
	for u := range loop.Updates() {
		bar.Describe(describe(u))
		_ = bar.Set(u.Score.Current)
	}
	<-loop.Done()
	_ = bar.Finish()

	out, ok := <-loop.Outcome()
	if !ok {
		fmt.Fprintln(os.Stderr, "\n🛑 Round stopped.")
		return ctx.Err()
	}
	return printSummary(ctx, kind, out, loop.Latest())
}

// validatePlayFlags checks the video on top of the shared pipeline flags.
func validatePlayFlags(opts *Options) error {
	info, err := os.Stat(opts.VideoPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("video file does not exist: %w", err)
		}
		return fmt.Errorf("unable to access video file: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("video path %s is a directory, expected a video file", opts.VideoPath)
	}
	return validatePipelineFlags(opts)
}

func describe(u scoring.Update) string {
	face := "😐"
	switch {
	case u.SearchingForFace:
		face = "🔎"
	case u.Score.LoseEffect:
		face = "💥"
	case !u.FacePresent:
		face = "👀"
	}
	return fmt.Sprintf("%s %s %3.0f%%", face, fmtTime(u.Elapsed), u.Progress*100)
}

func printSummary(ctx context.Context, kind rule.Kind, out challenge.Outcome, last scoring.Update) error {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	switch out.Kind {
	case challenge.Success:
		fmt.Fprintf(os.Stderr, "🏆 You made it! Final score: %d\n", out.Score)
	default:
		fmt.Fprintf(os.Stderr, "💀 You cracked after %s (%.0f%% of the video).\n", fmtTime(last.Elapsed), last.Progress*100)
	}
	if DB != nil {
		if best, ok, err := DB.BestScore(ctx, kind.String()); err == nil && ok {
			fmt.Fprintf(os.Stderr, "📈 Best %s score so far: %d\n", kind, best)
		}
	}
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
	return nil
}

func fmtTime(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
