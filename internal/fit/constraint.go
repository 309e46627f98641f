package fit

const (
	regionMargin = 1.01
	minLength    = 1e-9
)

// regionPairs lists (inner, outer) parameters where the inner value must exceed the outer one.
// The pairs are enforced for every model type that carries both names.
var regionPairs = [][2]string{
	{ParamKf, ParamKm},
	{ParamOmega1, ParamOmega2},
}

// ApplyConstraints enforces the physical ordering of region pairs and recomputes the derived
// LfD in place. Applying it twice changes nothing.
func ApplyConstraints(m Mapping) {
	for _, pair := range regionPairs {
		inner, hasInner := m[pair[0]]
		outer, hasOuter := m[pair[1]]
		if hasInner && hasOuter && inner <= outer {
			m[pair[0]] = outer * regionMargin
		}
	}
	updateDerived(m)
}

// updateDerived recomputes LfD = Lf/L. Mappings without any of L, Lf, LfD are left alone.
func updateDerived(m Mapping) {
	l, hasL := m[ParamL]
	lf, hasLf := m[ParamLf]
	_, hasLfD := m[ParamLfD]
	if !hasL && !hasLf && !hasLfD {
		return
	}
	if hasL && hasLf && l > minLength {
		m[ParamLfD] = lf / l
		return
	}
	m[ParamLfD] = 0
}

// IsDerived reports whether name is computed from other parameters and never fitted.
func IsDerived(name string) bool {
	return name == ParamLfD
}

// ApplyParameterConstraints runs ApplyConstraints over a parameter list and writes the
// adjusted values back. Used when sessions are restored.
func ApplyParameterConstraints(params []FitParameter) {
	m := MappingOf(params)
	ApplyConstraints(m)
	for i := range params {
		if v, ok := m[params[i].Name]; ok {
			params[i].Value = v
		}
	}
}
