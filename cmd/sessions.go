package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/welltestfit/internal/config"
	"github.com/cwbudde/welltestfit/internal/store"
)

var (
	keepLast      int
	olderThanDays int
	forceClean    bool
	exportPath    string
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage saved fit checkpoints",
	Long: `Manage the checkpoints of saved fits: list them, export one as a session file
that "run --session" accepts, or clean old ones.`,
}

var listSessionsCmd = &cobra.Command{
	Use:   "list",
	Short: "List all saved checkpoints",
	Long:  `Display all checkpoints with fit ID, model, timestamp, iterations, MSE and size.`,
	RunE:  runListSessions,
}

var exportSessionCmd = &cobra.Command{
	Use:   "export [fit-id]",
	Short: "Write the session of a checkpoint to a JSON file",
	Args:  cobra.ExactArgs(1),
	RunE:  runExportSession,
}

var cleanSessionsCmd = &cobra.Command{
	Use:   "clean",
	Short: "Clean old checkpoints",
	Long: `Delete old checkpoints based on retention policy.
You can keep only the newest N checkpoints or delete checkpoints older than N days.`,
	RunE: runCleanSessions,
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(listSessionsCmd)
	sessionsCmd.AddCommand(exportSessionCmd)
	sessionsCmd.AddCommand(cleanSessionsCmd)

	exportSessionCmd.Flags().StringVarP(&exportPath, "out", "o", "session.json", "Output path")

	cleanSessionsCmd.Flags().IntVar(&keepLast, "keep-last", 0, "Keep only the newest N checkpoints (0 = keep all)")
	cleanSessionsCmd.Flags().IntVar(&olderThanDays, "older-than", 0, "Delete checkpoints older than N days (0 = no age limit)")
	cleanSessionsCmd.Flags().BoolVarP(&forceClean, "force", "f", false, "Skip confirmation prompt")
}

func openStore() (store.Store, *config.Config, error) {
	c, err := currentConfig()
	if err != nil {
		return nil, nil, err
	}
	st, err := store.Open(c.Store.Driver, c.Store.DataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open store: %w", err)
	}
	return st, c, nil
}

func runListSessions(cmd *cobra.Command, args []string) error {
	st, c, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	infos, err := st.ListCheckpoints()
	if err != nil {
		return fmt.Errorf("failed to list checkpoints: %w", err)
	}

	if len(infos) == 0 {
		fmt.Println("No checkpoints found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FIT ID\tMODEL\tTIMESTAMP\tITERATION\tBEST MSE\tPOINTS\tSIZE")
	fmt.Fprintln(w, "------\t-----\t---------\t---------\t--------\t------\t----")

	for _, info := range infos {
		sizeStr := "-"
		if c.Store.Driver != config.DriverSQLite {
			if size, err := getDirSize(filepath.Join(c.Store.DataDir, "fits", info.FitID)); err == nil {
				sizeStr = formatBytes(size)
			}
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.6g\t%d\t%s\n",
			shortID(info.FitID),
			info.Model,
			info.Timestamp.Format("2006-01-02 15:04:05"),
			info.Iteration,
			info.BestMSE,
			info.Points,
			sizeStr,
		)
	}

	w.Flush()

	fmt.Printf("\nTotal checkpoints: %d\n", len(infos))
	return nil
}

func runExportSession(cmd *cobra.Command, args []string) error {
	st, _, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	cp, err := st.LoadCheckpoint(args[0])
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if err := writeSession(exportPath, &cp.Session); err != nil {
		return err
	}
	fmt.Printf("Wrote session of %s to %s\n", cp.FitID, exportPath)
	return nil
}

func runCleanSessions(cmd *cobra.Command, args []string) error {
	if keepLast == 0 && olderThanDays == 0 {
		return fmt.Errorf("must specify either --keep-last or --older-than")
	}

	st, _, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	infos, err := st.ListCheckpoints()
	if err != nil {
		return fmt.Errorf("failed to list checkpoints: %w", err)
	}

	if len(infos) == 0 {
		fmt.Println("No checkpoints to clean.")
		return nil
	}

	toDelete := selectCheckpointsForDeletion(infos, keepLast, olderThanDays)

	if len(toDelete) == 0 {
		fmt.Println("No checkpoints match deletion criteria.")
		return nil
	}

	fmt.Printf("Found %d checkpoint(s) to delete:\n", len(toDelete))
	for _, info := range toDelete {
		fmt.Printf("  - %s (%s, iteration %d, %s)\n",
			shortID(info.FitID),
			info.Model,
			info.Iteration,
			info.Timestamp.Format("2006-01-02 15:04:05"),
		)
	}

	if !forceClean {
		fmt.Print("\nProceed with deletion? [y/N]: ")
		var response string
		fmt.Scanln(&response)
		if response != "y" && response != "Y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	deleted := 0
	failed := 0
	for _, info := range toDelete {
		if err := st.DeleteCheckpoint(info.FitID); err != nil {
			slog.Error("Failed to delete checkpoint", "fit_id", info.FitID, "error", err)
			failed++
		} else {
			slog.Info("Deleted checkpoint", "fit_id", info.FitID)
			deleted++
		}
	}

	fmt.Printf("\nDeleted %d checkpoint(s), %d failed.\n", deleted, failed)
	return nil
}

// selectCheckpointsForDeletion returns every checkpoint older than olderThanDays plus the
// oldest ones beyond the newest keepLast. Zero disables either rule.
func selectCheckpointsForDeletion(infos []store.CheckpointInfo, keepLast int, olderThanDays int) []store.CheckpointInfo {
	var toDelete []store.CheckpointInfo
	selected := make(map[string]bool)

	if olderThanDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -olderThanDays)
		for _, info := range infos {
			if info.Timestamp.Before(cutoff) {
				toDelete = append(toDelete, info)
				selected[info.FitID] = true
			}
		}
	}

	if keepLast > 0 && len(infos) > keepLast {
		sorted := make([]store.CheckpointInfo, len(infos))
		copy(sorted, infos)
		sort.SliceStable(sorted, func(i, j int) bool {
			return sorted[i].Timestamp.Before(sorted[j].Timestamp)
		})

		for _, info := range sorted[:len(sorted)-keepLast] {
			if !selected[info.FitID] {
				toDelete = append(toDelete, info)
				selected[info.FitID] = true
			}
		}
	}

	return toDelete
}

// getDirSize calculates the total size of a directory
func getDirSize(path string) (int64, error) {
	var size int64
	err := filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size, err
}

// formatBytes formats bytes into human-readable format
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
