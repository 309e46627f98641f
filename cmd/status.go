package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/welltestfit/internal/fit"
	"github.com/cwbudde/welltestfit/internal/report"
	"github.com/cwbudde/welltestfit/internal/server"
)

var (
	serverURL string
)

var statusCmd = &cobra.Command{
	Use:   "status [fit-id]",
	Short: "Query server fits",
	Long: `Queries a running server for fit status.
If no fit-id is provided, lists all fits.
If fit-id is provided, shows detailed status for that fit.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	rootCmd.AddCommand(statusCmd)
}

// fitStatus mirrors the body of GET /api/v1/fits/{id}.
type fitStatus struct {
	server.Job
	Elapsed     float64            `json:"elapsed"`
	FinalParams []fit.FitParameter `json:"finalParams"`
}

var statusClient = &http.Client{Timeout: 10 * time.Second}

func runStatus(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return listFits(serverURL + "/api/v1/fits")
	}
	return showFit(serverURL+"/api/v1/fits/"+args[0], args[0])
}

func getJSON(url string, v any) (int, error) {
	resp, err := statusClient.Get(url)
	if err != nil {
		return 0, fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
	}
	return resp.StatusCode, nil
}

func listFits(url string) error {
	var fits []server.Job
	if _, err := getJSON(url, &fits); err != nil {
		return err
	}

	if len(fits) == 0 {
		fmt.Println("No fits found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FIT ID\tMODEL\tSTATE\tITERATION\tMSE\tREASON")
	for _, f := range fits {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.6g\t%s\n", shortID(f.ID), f.Request.Model, f.State, f.Iteration, f.MSE, f.Reason)
	}
	w.Flush()
	fmt.Printf("\nFound %d fit(s)\n", len(fits))
	return nil
}

func showFit(url, fitID string) error {
	var status fitStatus
	code, err := getJSON(url, &status)
	if code == http.StatusNotFound {
		return fmt.Errorf("fit not found: %s", fitID)
	}
	if err != nil {
		return err
	}

	fmt.Printf("Fit: %s\n", status.ID)
	fmt.Printf("Model: %s\n", status.Request.Model)
	fmt.Printf("State: %s\n", status.State)
	if status.Reason != "" {
		fmt.Printf("Reason: %s\n", status.Reason)
	}
	fmt.Println()

	fmt.Println("Progress:")
	fmt.Printf("  Iteration: %d (%d accepted, %d%%)\n", status.Iteration, status.Accepted, status.Progress)
	fmt.Printf("  Lambda: %.3g\n", status.Lambda)
	if status.InitialMSE > 0 {
		fmt.Printf("  MSE: %.6g -> %.6g\n", status.InitialMSE, status.MSE)
	}
	elapsed := time.Duration(status.Elapsed * float64(time.Second))
	fmt.Printf("  Elapsed: %s\n", elapsed.Round(time.Millisecond))

	if len(status.FinalParams) > 0 {
		fmt.Println()
		fmt.Println("Parameters:")
		_ = report.WriteParamsText(os.Stdout, status.FinalParams)
	} else if len(status.Params) > 0 {
		fmt.Println()
		fmt.Println("Parameters:")
		for _, name := range status.Params.Names() {
			fmt.Printf("%s: %g\n", name, status.Params[name])
		}
	}

	if status.Error != "" {
		fmt.Printf("\nError: %s\n", status.Error)
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12] + "..."
	}
	return id
}
