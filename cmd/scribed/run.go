package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/scribed/internal/pipeline"
)

var (
	runPrompt         string
	runClassification string
	runEmergency      bool
	runJSON           bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline for one prompt",
	Long: `Run the five-stage pipeline for a single prompt and print the final
output with its attributions.

Examples:
  # Run a writing task
  scribed run --prompt "an essay about morning pages" --classification writing

  # Retrieval only: render the assembled bundle, no generation
  scribed run --prompt "notes on revision" --classification retrieval-only

  # Full result as JSON
  scribed run --prompt "a short post" --classification chat --json`,
	RunE: runPipeline,
}

func init() {
	runCmd.Flags().StringVar(&runPrompt, "prompt", "", "user prompt (required)")
	runCmd.Flags().StringVar(&runClassification, "classification", "writing", "task classification: chat|writing|voice|retrieval-only")
	runCmd.Flags().BoolVar(&runEmergency, "emergency-fallback", false, "authorize the summarizer's single external fallback call")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the full result as JSON")
	_ = runCmd.MarkFlagRequired("prompt")
}

func runPipeline(cmd *cobra.Command, _ []string) error {
	classification, err := pipeline.ParseClassification(runClassification)
	if err != nil {
		return err
	}

	a, err := newApp(configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result, err := a.orch.Run(ctx, pipeline.Request{
		Prompt:            runPrompt,
		Classification:    classification,
		EmergencyFallback: runEmergency,
	})
	if err != nil {
		if pipeline.IsCritical(err) && result != nil {
			printFailure(cmd, a, result)
		}
		return err
	}

	if runJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	fmt.Fprintln(cmd.OutOrStdout(), result.FinalOutput)
	if len(result.Metadata.Attributions) > 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "\nSources:")
		for _, attr := range result.Metadata.Attributions {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", attr)
		}
	}
	return nil
}

func printFailure(cmd *cobra.Command, a *app, result *pipeline.Result) {
	fmt.Fprintf(cmd.ErrOrStderr(), "task %s failed at %s: %s\n",
		result.TaskID, result.Failure.Stage, result.Failure.Reason)
	for _, entry := range a.trail.Query(result.Failure.AuditRef) {
		line, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "  %s\n", line)
	}
}
