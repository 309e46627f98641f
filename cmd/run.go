package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cwbudde/welltestfit/internal/fit"
	"github.com/cwbudde/welltestfit/internal/model"
	"github.com/cwbudde/welltestfit/internal/opt"
	"github.com/cwbudde/welltestfit/internal/report"
	"github.com/cwbudde/welltestfit/internal/store"
)

var (
	runData        dataFlags
	sessionPath    string
	modelName      string
	paramValues    map[string]string
	fixParams      []string
	freeParams     []string
	intervalSpecs  []string
	decadeSampling bool
	seedSearch     bool
	seedIters      int
	popSize        int
	seed           int64
	saveCheckpoint bool
	outputs        fitOutputs
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Fit a reservoir model to well-test data",
	Long: `Fits a reservoir model to a gauge CSV (--data with --model) or to a saved session
(--session) and writes the fitted session, charts and CSV exports.`,
	RunE: runFitCommand,
}

func init() {
	f := runCmd.Flags()
	addDataFlags(runCmd, &runData)
	f.StringVar(&sessionPath, "session", "", "Saved session JSON to fit instead of --data")
	f.StringVar(&modelName, "model", "", "Model type (homogeneous, radial-composite, dual-porosity, fractured-horizontal)")
	f.StringToStringVar(&paramValues, "param", nil, "Parameter start values, e.g. --param km=2,S=0.5")
	f.StringSliceVar(&fixParams, "fix", nil, "Parameters to hold fixed")
	f.StringSliceVar(&freeParams, "free", nil, "Parameters to fit")
	f.StringArrayVar(&intervalSpecs, "interval", nil, "Custom sampling interval start:end:count (repeatable)")
	f.BoolVar(&decadeSampling, "decade-sampling", false, "Sample 10 points per decade of the data")
	f.Float64("weight", 0.5, "Pressure weight in [0,1]; the derivative gets the rest")
	f.BoolVar(&seedSearch, "seed-search", false, "Run a global mayfly search for the starting point")
	f.IntVar(&seedIters, "seed-iters", 100, "Seed search iterations")
	f.IntVar(&popSize, "pop", 30, "Seed search population size")
	f.Int64Var(&seed, "seed", 42, "Seed search random seed")
	f.BoolVar(&saveCheckpoint, "save", false, "Save the result as a checkpoint in the store")
	addOutputFlags(runCmd, &outputs)

	rootCmd.AddCommand(runCmd)
}

func addDataFlags(cmd *cobra.Command, d *dataFlags) {
	f := cmd.Flags()
	f.StringVar(&d.path, "data", "", "Gauge CSV with time, pressure and optional derivative columns")
	f.StringVar(&d.testType, "test-type", "drawdown", "Test type (drawdown, buildup)")
	f.Float64Var(&d.initialPressure, "pi", 0, "Initial reservoir pressure for drawdowns")
	f.StringVar(&d.timeCol, "time-col", "", "Time column name")
	f.StringVar(&d.pressureCol, "pressure-col", "", "Pressure column name")
	f.StringVar(&d.derivCol, "deriv-col", "", "Derivative column name")
}

// fitOutputs names the files written after a fit. Empty paths are skipped.
type fitOutputs struct {
	session string
	png     string
	html    string
	curves  string
	params  string
}

func addOutputFlags(cmd *cobra.Command, o *fitOutputs) {
	f := cmd.Flags()
	f.StringVar(&o.session, "out-session", "", "Write the fitted session JSON")
	f.StringVar(&o.png, "out-png", "", "Write a log-log PNG chart")
	f.StringVar(&o.html, "out-html", "", "Write an interactive HTML chart")
	f.StringVar(&o.curves, "out-csv", "", "Write observed and model curves as CSV")
	f.StringVar(&o.params, "out-params", "", "Write fitted parameters as CSV")
}

func runFitCommand(cmd *cobra.Command, args []string) error {
	c, err := currentConfig()
	if err != nil {
		return err
	}

	session, err := buildSession(cmd, c.Fit.Weight)
	if err != nil {
		return err
	}
	req := session.Request()

	ev := model.NewEvaluator()
	if seedSearch {
		planner := fit.Planner{DefaultCount: c.Sampling.DefaultCount}
		sr, err := fit.SeedSearch(ev, opt.NewMayfly(seedIters, popSize, seed), req, planner)
		if err != nil {
			return fmt.Errorf("seed search failed: %w", err)
		}
		req.Params = sr.Params
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	start := time.Now()
	result, err := executeFit(ctx, ev, c.FitSettings(), req)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	session.Update(result.Mapping)
	printSummary(result, elapsed)

	if saveCheckpoint {
		st, err := store.Open(c.Store.Driver, c.Store.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer st.Close()

		fitID := uuid.New().String()
		cp := store.NewCheckpoint(fitID, session, result.MSE, initialMSE(result), result.Iterations, result.Reason)
		if err := st.SaveCheckpoint(fitID, cp); err != nil {
			return fmt.Errorf("failed to save checkpoint: %w", err)
		}
		fmt.Printf("Saved checkpoint %s\n", fitID)
	}

	return writeOutputs(outputs, session, result, c.Sampling.DefaultCount)
}

// buildSession assembles the session to fit from --session or --data and --model, then
// applies parameter, weight and sampling flags on top.
func buildSession(cmd *cobra.Command, defaultWeight float64) (*store.Session, error) {
	var session *store.Session
	switch {
	case sessionPath != "":
		s, err := readSession(sessionPath)
		if err != nil {
			return nil, err
		}
		session = s
	case runData.path != "":
		if modelName == "" {
			return nil, fmt.Errorf("--model is required with --data")
		}
		mt := model.NormalizeType(modelName)
		params, err := model.DefaultParameters(mt)
		if err != nil {
			return nil, err
		}
		series, err := runData.loadSeries()
		if err != nil {
			return nil, err
		}
		session = store.NewSession(fit.Request{Model: mt, Params: params, Weight: defaultWeight, Series: series}, store.ViewRect{})
	default:
		return nil, fmt.Errorf("either --data or --session is required")
	}

	if err := applyOverrides(session.Params, paramValues, fixParams, freeParams); err != nil {
		return nil, err
	}
	fit.ApplyParameterConstraints(session.Params)

	if cmd != nil && cmd.Flags().Changed("weight") {
		w, _ := cmd.Flags().GetFloat64("weight")
		if w < 0 || w > 1 {
			return nil, fmt.Errorf("weight must be in [0,1], got %g", w)
		}
		session.Weight = w
		session.WeightSlider = int(w*100 + 0.5)
	}

	if len(intervalSpecs) > 0 || decadeSampling {
		policy, err := samplingPolicy(intervalSpecs, decadeSampling, session.Series)
		if err != nil {
			return nil, err
		}
		session.Sampling = policy
	}
	return session, nil
}

// executeFit runs the optimizer and logs every accepted step while it runs.
func executeFit(ctx context.Context, ev fit.Evaluator, settings fit.Settings, req fit.Request) (*fit.Result, error) {
	reports := make(chan fit.Report, 8)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for r := range reports {
			if r.Final {
				continue
			}
			slog.Info("Fit progress", "iteration", r.Iteration, "mse", r.MSE, "lambda", r.Lambda)
		}
	}()

	result, err := fit.NewOptimizer(ev, settings).Run(ctx, req, fit.Listener{Reports: reports})
	close(reports)
	<-done
	if err != nil {
		return nil, fmt.Errorf("fit failed: %w", err)
	}
	return result, nil
}

func initialMSE(r *fit.Result) float64 {
	if len(r.History) > 0 {
		return r.History[0]
	}
	return r.MSE
}

func printSummary(r *fit.Result, elapsed time.Duration) {
	fmt.Printf("\n=== Fit Complete ===\n")
	fmt.Printf("Reason: %s\n", r.Reason)
	fmt.Printf("Iterations: %d (%d accepted)\n", r.Iterations, r.Accepted)
	fmt.Printf("MSE: %.6g -> %.6g\n", initialMSE(r), r.MSE)
	fmt.Printf("Time: %s\n", elapsed.Round(time.Millisecond))
	fmt.Println()
	_ = report.WriteParamsText(os.Stdout, r.Params)
}

// writeOutputs writes every requested artifact for a finished fit.
func writeOutputs(o fitOutputs, session *store.Session, result *fit.Result, sampleCount int) error {
	if o.session != "" {
		if err := writeSession(o.session, session); err != nil {
			return err
		}
		slog.Info("Wrote session", "path", o.session)
	}

	chart := report.Chart{
		Title:    fmt.Sprintf("%s fit", session.Model),
		Subtitle: fmt.Sprintf("MSE %.4g, %s", result.MSE, result.Reason),
		Observed: session.Series,
		Model:    result.Curve,
		Sampled:  fit.Planner{DefaultCount: sampleCount}.Plan(session.Series.Normalize(), session.Sampling),
		View:     session.View,
	}
	if o.png != "" {
		if err := report.SavePNG(o.png, chart); err != nil {
			return fmt.Errorf("failed to write chart: %w", err)
		}
		slog.Info("Wrote chart", "path", o.png)
	}
	if o.html != "" {
		if err := writeFile(o.html, func(f *os.File) error { return report.WriteHTML(f, chart) }); err != nil {
			return err
		}
		slog.Info("Wrote chart", "path", o.html)
	}
	if o.curves != "" {
		if err := writeFile(o.curves, func(f *os.File) error {
			return report.WriteCurvesCSV(f, session.Series, result.Curve)
		}); err != nil {
			return err
		}
		slog.Info("Wrote curves", "path", o.curves)
	}
	if o.params != "" {
		if err := writeFile(o.params, func(f *os.File) error { return report.WriteParamsCSV(f, result.Params) }); err != nil {
			return err
		}
		slog.Info("Wrote parameters", "path", o.params)
	}
	return nil
}

func writeFile(path string, write func(f *os.File) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := write(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}
