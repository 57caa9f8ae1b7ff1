package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/straightface/internal/rule"
	"github.com/andresmejia3/straightface/internal/types"
	"github.com/andresmejia3/straightface/internal/utils"
	"github.com/andresmejia3/straightface/internal/worker"
	"github.com/spf13/cobra"
)

var inspectOpts Options

var inspectCmd = &cobra.Command{
	Use:   "inspect <image_path>",
	Short: "Classify a single image to check the extractor setup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runInspect(cmd.Context(), args[0], inspectOpts)
	},
}

func init() {
	inspectCmd.Flags().StringVarP(&inspectOpts.Variant, "variant", "v", "smile", "Worker mode: smile, blink")
	inspectCmd.Flags().StringVarP(&inspectOpts.Extractor, "extractor", "x", "python", "Feature extractor: python, cascade (needs a gocv build)")
	inspectCmd.Flags().StringVar(&inspectOpts.Script, "script", worker.DefaultScript, "Python classifier script speaking the worker protocol (needs python3 with opencv-python)")
	inspectCmd.Flags().StringVar(&inspectOpts.CascadeDir, "cascade-dir", "", "Directory holding the OpenCV Haar cascades")
	inspectCmd.Flags().Float64Var(&inspectOpts.Smile, "smile-threshold", worker.DefaultThresholds.Smile, "Smile probability at or above which you are smiling")
	inspectCmd.Flags().Float64Var(&inspectOpts.EyeOpen, "eye-threshold", worker.DefaultThresholds.EyeOpen, "Eye-open probability below which an eye is closed")
	rootCmd.AddCommand(inspectCmd)
}

func runInspect(ctx context.Context, imagePath string, opts Options) error {
	kind, err := rule.ParseKind(opts.Variant)
	if err != nil {
		utils.ShowError("Invalid variant", err, nil)
		return err
	}
	imgData, err := os.ReadFile(imagePath)
	if err != nil {
		utils.ShowError("Failed to read image file", err, nil)
		return err
	}

	fmt.Fprintln(os.Stderr, "🚀 Starting extractor...")
	ext, err := newExtractor(ctx, opts, kind)
	if err != nil {
		utils.ShowError("Failed to start extractor", err, nil)
		return err
	}
	defer ext.Close()

	fmt.Fprintln(os.Stderr, "🔍 Analyzing face...")
	set, err := ext.Extract(ctx, types.Frame{Index: 1, Data: imgData})
	if err != nil {
		var logs *utils.SafeCommand
		if w, ok := ext.(*worker.PythonWorker); ok {
			logs = w.Cmd
		}
		utils.ShowError("Classification failed", err, logs)
		return err
	}

	if len(set.Faces) == 0 {
		fmt.Println("❌ No faces detected in the provided image.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "FACE\tBOX\tSMILE\tLEFT EYE\tRIGHT EYE")
	fmt.Fprintln(w, "----\t---\t-----\t--------\t---------")
	for i, f := range set.Faces {
		fmt.Fprintf(w, "%d\t%v\t%.2f %s\t%.2f %s\t%.2f %s\n", i+1, f.Box,
			f.SmileProb, mark(f.HasSmile, "smiling"),
			f.LeftEyeOpen, mark(f.LeftEyeClosed, "closed"),
			f.RightEyeOpen, mark(f.RightEyeClosed, "closed"))
	}
	w.Flush()

	for _, k := range []rule.Kind{rule.Smile, rule.Blink} {
		verdict := "✅ would pass"
		if rule.Violates(k, set) {
			verdict = "💥 would lose points"
		}
		fmt.Printf("%-6s %s\n", k, verdict)
	}
	return nil
}

func mark(on bool, label string) string {
	if on {
		return "(" + label + ")"
	}
	return ""
}
