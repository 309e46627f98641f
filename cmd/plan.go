package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cwbudde/welltestfit/internal/fit"
)

var (
	planData      dataFlags
	planIntervals []string
	planDecades   bool
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Preview the points a fit would use",
	Long: `Reads a gauge CSV and prints the sampled subset the optimizer would fit against,
either the default log-uniform selection or the points picked by custom intervals.`,
	RunE: runPlan,
}

func init() {
	addDataFlags(planCmd, &planData)
	planCmd.Flags().StringArrayVar(&planIntervals, "interval", nil, "Custom sampling interval start:end:count (repeatable)")
	planCmd.Flags().BoolVar(&planDecades, "decade-sampling", false, "Sample 10 points per decade of the data")
	planCmd.MarkFlagRequired("data")
	rootCmd.AddCommand(planCmd)
}

func runPlan(cmd *cobra.Command, args []string) error {
	c, err := currentConfig()
	if err != nil {
		return err
	}
	series, err := planData.loadSeries()
	if err != nil {
		return err
	}
	policy, err := samplingPolicy(planIntervals, planDecades, series)
	if err != nil {
		return err
	}

	sampled := fit.Planner{DefaultCount: c.Sampling.DefaultCount}.Plan(series, policy)

	if policy.Enabled {
		fmt.Println("Intervals:")
		for _, iv := range policy.Intervals {
			fmt.Printf("  [%g, %g] x %d\n", iv.Start, iv.End, iv.Count)
		}
		fmt.Println()
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tDP\tDERIVATIVE")
	fmt.Fprintln(w, "----\t--\t----------")
	for i, t := range sampled.Time {
		d := "-"
		if i < len(sampled.Derivative) {
			d = fmt.Sprintf("%.6g", sampled.Derivative[i])
		}
		fmt.Fprintf(w, "%.6g\t%.6g\t%s\n", t, sampled.Pressure[i], d)
	}
	w.Flush()

	fmt.Printf("\nSampled %d of %d points\n", sampled.Len(), series.Len())
	return nil
}
