package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/cwbudde/welltestfit/internal/fit"
	"github.com/cwbudde/welltestfit/internal/model"
	"github.com/cwbudde/welltestfit/internal/report"
)

var (
	curveData    dataFlags
	curveModel   string
	curveParams  map[string]string
	curveOutputs fitOutputs
)

var curveCmd = &cobra.Command{
	Use:   "curve",
	Short: "Evaluate a model curve without fitting",
	Long: `Evaluates a model with the given parameter values. A parameter given several
comma separated values, e.g. --param "S=0,1,5", produces one curve per value for a
sensitivity comparison. With --data the curve is scored against the sampled points.`,
	RunE: runCurve,
}

func init() {
	addDataFlags(curveCmd, &curveData)
	curveCmd.Flags().StringVar(&curveModel, "model", "", "Model type")
	curveCmd.Flags().StringToStringVar(&curveParams, "param", nil, "Parameter values; one parameter may list several")
	curveCmd.Flags().Float64("weight", 0.5, "Pressure weight in [0,1] used for the MSE")
	curveCmd.Flags().StringVar(&curveOutputs.png, "out-png", "", "Write a log-log PNG chart")
	curveCmd.Flags().StringVar(&curveOutputs.html, "out-html", "", "Write an interactive HTML chart")
	curveCmd.Flags().StringVar(&curveOutputs.curves, "out-csv", "", "Write observed and model curves as CSV")
	curveCmd.MarkFlagRequired("model")
	rootCmd.AddCommand(curveCmd)
}

// parameterTexts merges the model defaults with the user's raw value lists.
func parameterTexts(defaults []fit.FitParameter, overrides map[string]string) (map[string]string, error) {
	texts := make(map[string]string, len(defaults))
	for _, p := range defaults {
		texts[p.Name] = strconv.FormatFloat(p.Value, 'g', -1, 64)
	}
	for name, text := range overrides {
		if _, ok := texts[name]; !ok {
			return nil, fmt.Errorf("%w: %s", fit.ErrUnknownParameter, name)
		}
		texts[name] = text
	}
	return texts, nil
}

func runCurve(cmd *cobra.Command, args []string) error {
	c, err := currentConfig()
	if err != nil {
		return err
	}

	mt := model.NormalizeType(curveModel)
	defaults, err := model.DefaultParameters(mt)
	if err != nil {
		return err
	}
	texts, err := parameterTexts(defaults, curveParams)
	if err != nil {
		return err
	}
	base, key, values := fit.ParseParameterTexts(texts)

	series, err := curveData.loadSeries()
	if err != nil {
		return err
	}

	ev := model.NewEvaluator()
	planner := fit.Planner{DefaultCount: c.Sampling.DefaultCount}
	eval, err := fit.EvaluateCurve(ev, mt, base, c.Fit.Weight, series, fit.SamplingPolicy{}, planner)
	if err != nil {
		return err
	}

	chart := report.Chart{
		Title:    fmt.Sprintf("%s model", mt),
		Observed: series,
		Model:    eval.Curve,
		Sampled:  eval.Sampled,
	}
	if series.Len() > 0 {
		chart.Subtitle = fmt.Sprintf("MSE %.4g", eval.MSE)
		fmt.Printf("MSE against %d sampled points: %.6g\n", eval.Sampled.Len(), eval.MSE)
	}

	if key != "" {
		sweep, err := fit.Sensitivity(ev, mt, eval.Params, key, values, eval.Curve.Time)
		if err != nil {
			return err
		}
		chart.Sensitivity = sweep
		chart.Subtitle = fmt.Sprintf("sensitivity of %s", key)
		fmt.Printf("Sensitivity sweep over %s: %v\n", key, values)
	}

	for _, name := range eval.Params.Names() {
		fmt.Printf("%s: %g\n", name, eval.Params[name])
	}

	if curveOutputs.png != "" {
		if err := report.SavePNG(curveOutputs.png, chart); err != nil {
			return fmt.Errorf("failed to write chart: %w", err)
		}
		slog.Info("Wrote chart", "path", curveOutputs.png)
	}
	if curveOutputs.html != "" {
		if err := writeFile(curveOutputs.html, func(f *os.File) error { return report.WriteHTML(f, chart) }); err != nil {
			return err
		}
		slog.Info("Wrote chart", "path", curveOutputs.html)
	}
	if curveOutputs.curves != "" {
		if err := writeFile(curveOutputs.curves, func(f *os.File) error {
			return report.WriteCurvesCSV(f, series, eval.Curve)
		}); err != nil {
			return err
		}
		slog.Info("Wrote curves", "path", curveOutputs.curves)
	}
	return nil
}
