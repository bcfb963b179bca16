package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mqxerror/qa-guardian/internal/app"
	"github.com/mqxerror/qa-guardian/internal/models"
)

// runOnce executes one run configuration and prints the finished run as JSON.
// The exit code is 0 only for a completed run with a passing verdict.
func runOnce(application *app.App, path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Error().Err(err).Str("path", path).Msg("Failed to read run configuration")
		return 2
	}
	var runConfig models.RunConfig
	if err := json.Unmarshal(data, &runConfig); err != nil {
		logger.Error().Err(err).Str("path", path).Msg("Failed to parse run configuration")
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	run, err := application.Runs.Create(ctx, runConfig)
	if err != nil {
		logger.Error().Err(err).Msg("Invalid run configuration")
		return 2
	}

	// An interrupt cancels the run at its next step instead of killing the browser mid-action
	done := make(chan struct{})
	go func() {
		select {
		case <-done:
		case <-ctx.Done():
			if _, err := application.Cancel(context.Background(), run.ID); err == nil {
				logger.Info().Str("run_id", run.ID).Msg("Cancellation requested")
			}
		}
	}()

	finished, err := application.Orchestrator.Execute(context.Background(), run.ID)
	close(done)
	if err != nil {
		logger.Error().Err(err).Str("run_id", run.ID).Msg("Run failed to execute")
		if finished == nil {
			return 1
		}
	}

	out, err := json.MarshalIndent(finished, "", "  ")
	if err != nil {
		logger.Error().Err(err).Msg("Failed to encode run")
		return 1
	}
	fmt.Println(string(out))

	if finished.Status != models.RunStatusCompleted || finished.Result == nil || finished.Result.Verdict != models.VerdictPass {
		return 1
	}
	return 0
}
