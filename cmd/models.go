package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cwbudde/welltestfit/internal/model"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the reservoir models and their default parameters",
	RunE: func(cmd *cobra.Command, args []string) error {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		for _, t := range model.SupportedTypes() {
			spec, err := model.Lookup(t)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%s\t%s\n", spec.Type, spec.Description)
			fmt.Fprintln(w, "  NAME\tVALUE\tMIN\tMAX\tFIT")
			for _, p := range spec.Defaults() {
				fmt.Fprintf(w, "  %s\t%g\t%g\t%g\t%t\n", p.Name, p.Value, p.Min, p.Max, p.Fit)
			}
			fmt.Fprintln(w)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(modelsCmd)
}
