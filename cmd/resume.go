package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/welltestfit/internal/model"
	"github.com/cwbudde/welltestfit/internal/store"
)

var resumeOutputs fitOutputs

var resumeCmd = &cobra.Command{
	Use:   "resume [fit-id]",
	Short: "Continue a fit from its checkpoint",
	Long: `Loads the checkpoint of a previous fit, continues the optimization from the best
parameters it holds and saves the improved result back under the same ID.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func init() {
	addOutputFlags(resumeCmd, &resumeOutputs)
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	fitID := args[0]
	c, err := currentConfig()
	if err != nil {
		return err
	}

	st, err := store.Open(c.Store.Driver, c.Store.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	cp, err := st.LoadCheckpoint(fitID)
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if err := cp.Validate(); err != nil {
		return fmt.Errorf("checkpoint %s is invalid: %w", fitID, err)
	}

	fmt.Printf("Resuming %s (%s, MSE %.6g after %d iterations)\n", fitID, cp.Session.Model, cp.BestMSE, cp.Iteration)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	start := time.Now()
	result, err := executeFit(ctx, model.NewEvaluator(), c.FitSettings(), cp.Session.Request())
	if err != nil {
		return err
	}
	printSummary(result, time.Since(start))

	session := cp.Session
	session.Update(result.Mapping)
	if result.MSE <= cp.BestMSE {
		next := store.NewCheckpoint(fitID, &session, result.MSE, cp.InitialMSE, cp.Iteration+result.Iterations, result.Reason)
		if err := st.SaveCheckpoint(fitID, next); err != nil {
			return fmt.Errorf("failed to save checkpoint: %w", err)
		}
		fmt.Printf("Updated checkpoint %s\n", fitID)
	}

	return writeOutputs(resumeOutputs, &session, result, c.Sampling.DefaultCount)
}
