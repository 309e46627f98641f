package model

import "github.com/cwbudde/welltestfit/internal/fit"

func param(name string, value, min, max, step float64, isFit bool) fit.FitParameter {
	return fit.FitParameter{
		Name:    name,
		Value:   value,
		Min:     min,
		Max:     max,
		Fit:     isFit,
		Step:    step,
		Visible: true,
	}
}

func homogeneousDefaults() []fit.FitParameter {
	return []fit.FitParameter{
		param(fit.ParamKm, 1, 1e-3, 1e3, 0.1, true),
		param(fit.ParamSkin, 0.5, -5, 50, 0.1, true),
		param(ParamStorage, 0.01, 1e-5, 10, 0.001, true),
	}
}

func compositeDefaults() []fit.FitParameter {
	return []fit.FitParameter{
		param(fit.ParamKf, 5, 1e-3, 1e3, 0.1, true),
		param(fit.ParamKm, 1, 1e-3, 1e3, 0.1, true),
		param(fit.ParamSkin, 0, -5, 50, 0.1, true),
		param(ParamStorage, 0.01, 1e-5, 10, 0.001, true),
		param(ParamRadius, 10, 0.1, 1e4, 1, false),
	}
}

func dualPorosityDefaults() []fit.FitParameter {
	return []fit.FitParameter{
		param(fit.ParamKm, 1, 1e-3, 1e3, 0.1, true),
		param(fit.ParamOmega1, 0.5, 1e-4, 1, 0.01, false),
		param(fit.ParamOmega2, 0.05, 1e-5, 1, 0.01, true),
		param(ParamLambda, 1e-4, 1e-9, 1, 1e-5, true),
		param(fit.ParamSkin, 0, -5, 50, 0.1, true),
		param(ParamStorage, 0.01, 1e-5, 10, 0.001, false),
	}
}

func fracturedDefaults() []fit.FitParameter {
	lfd := param(fit.ParamLfD, 0, 0, 10, 0.01, false)
	lfd.Visible = false
	return []fit.FitParameter{
		param(fit.ParamKf, 10, 1e-3, 1e4, 0.1, true),
		param(fit.ParamKm, 1, 1e-3, 1e3, 0.1, true),
		param(fit.ParamL, 1000, 10, 5000, 10, false),
		param(fit.ParamLf, 50, 1, 500, 1, true),
		lfd,
		param(fit.ParamNf, 4, 1, 50, 1, false),
		param(fit.ParamSkin, 0, -5, 50, 0.1, true),
		param(ParamStorage, 0.01, 1e-5, 10, 0.001, false),
	}
}
