package opt

// Optimizer is a derivative-free global minimizer used to seed local fits.
type Optimizer interface {
	// Run minimizes eval over the box [lower, upper] of dimension dim and returns the best
	// point found together with its cost.
	Run(eval func([]float64) float64, lower, upper []float64, dim int) ([]float64, float64)
}
