package fit

import (
	"math"
	"sort"
)

const (
	// DefaultSampleCount bounds the working set when custom sampling is disabled.
	DefaultSampleCount = 200

	// DefaultPointsPerDecade is the count assigned to each generated interval.
	DefaultPointsPerDecade = 10

	displayGridCount   = 300
	duplicateTolerance = 1e-9
	tinyTime           = 1e-10
	fallbackStartTime  = 1e-4
)

// Planner reduces an observed series to a bounded working set for the optimizer.
type Planner struct {
	// DefaultCount is the point budget used when the policy is disabled.
	DefaultCount int
}

// NewPlanner returns a planner using the default 200-point budget.
func NewPlanner() Planner {
	return Planner{DefaultCount: DefaultSampleCount}
}

// Plan samples series with the default planner.
func Plan(series ObservedSeries, policy SamplingPolicy) ObservedSeries {
	return NewPlanner().Plan(series, policy)
}

type samplePoint struct {
	t, p, d float64
}

// Plan returns the sampled subset of series selected by policy. The result is sorted by time
// and contains no two points closer than 1e-9 in time, except for the pass-through cases
// (small series under the default policy, or an enabled policy without intervals), which
// return the input unchanged. Plan never modifies series.
func (pl Planner) Plan(series ObservedSeries, policy SamplingPolicy) ObservedSeries {
	n := series.Len()
	if n == 0 {
		return ObservedSeries{}
	}

	target := pl.DefaultCount
	if target <= 0 {
		target = DefaultSampleCount
	}

	var points []samplePoint

	if !policy.Enabled {
		if n <= target {
			return series.Clone()
		}
		tMin := series.Time[0]
		if tMin <= tinyTime {
			tMin = fallbackStartTime
		}
		tMax := series.Time[n-1]
		points = scanNearest(series, 0, n, logTargets(tMin, tMax, target), make([]samplePoint, 0, target))
	} else {
		if len(policy.Intervals) == 0 {
			return series.Clone()
		}
		for _, iv := range policy.Intervals {
			if !iv.Valid() {
				continue
			}
			lo := sort.SearchFloat64s(series.Time, iv.Start)
			hi := sort.Search(n, func(i int) bool { return series.Time[i] > iv.End })
			if lo >= n || lo >= hi {
				continue
			}
			subMin := series.Time[lo]
			subMax := series.Time[hi-1]
			if subMin <= tinyTime {
				subMin = fallbackStartTime
			}
			points = scanNearest(series, lo, hi, logTargets(subMin, subMax, iv.Count), points)
		}
	}

	return collect(points)
}

// logTargets returns count times uniformly spaced in log10 between lo and hi.
// A single target is lo itself.
func logTargets(lo, hi float64, count int) []float64 {
	if count <= 0 {
		return nil
	}
	if count == 1 {
		return []float64{lo}
	}
	logLo := math.Log10(lo)
	step := (math.Log10(hi) - logLo) / float64(count-1)
	out := make([]float64, count)
	for i := range out {
		out[i] = math.Pow(10, logLo+float64(i)*step)
	}
	return out
}

// scanNearest appends, for every target, the sample in [lo, hi) nearest to it. The cursor
// only moves forward and restarts at the last pick, so the whole pass is O(hi-lo+targets).
func scanNearest(s ObservedSeries, lo, hi int, targets []float64, dst []samplePoint) []samplePoint {
	cur := lo
	for _, target := range targets {
		minDiff := math.Inf(1)
		best := cur
		for cur < hi {
			diff := math.Abs(s.Time[cur] - target)
			if diff >= minDiff {
				break
			}
			minDiff = diff
			best = cur
			cur++
		}
		cur = best

		t, p, d := s.at(best)
		dst = append(dst, samplePoint{t: t, p: p, d: d})
	}
	return dst
}

// collect sorts points by time and drops near-duplicates, keeping the first occurrence.
func collect(points []samplePoint) ObservedSeries {
	sort.SliceStable(points, func(i, j int) bool { return points[i].t < points[j].t })

	out := ObservedSeries{
		Time:       make([]float64, 0, len(points)),
		Pressure:   make([]float64, 0, len(points)),
		Derivative: make([]float64, 0, len(points)),
	}
	for i, pt := range points {
		if i > 0 && math.Abs(pt.t-out.Time[len(out.Time)-1]) < duplicateTolerance {
			continue
		}
		out.Time = append(out.Time, pt.t)
		out.Pressure = append(out.Pressure, pt.p)
		out.Derivative = append(out.Derivative, pt.d)
	}
	return out
}

// DefaultIntervals splits [tMin, tMax] at powers of ten and assigns
// DefaultPointsPerDecade points to every piece. It returns nil when the range is empty.
func DefaultIntervals(tMin, tMax float64) []SamplingInterval {
	current := tMin
	if current <= 1e-6 {
		current = 1e-6
	}
	if tMax <= current {
		return nil
	}

	nextPower := math.Pow(10, math.Floor(math.Log10(current))+1)
	var out []SamplingInterval
	for current < tMax {
		end := math.Min(nextPower, tMax)
		if end > current*1.000001 {
			out = append(out, SamplingInterval{Start: current, End: end, Count: DefaultPointsPerDecade})
		}
		current = end
		nextPower *= 10
		if math.Abs(current-tMax) < duplicateTolerance {
			break
		}
	}
	return out
}

// DisplayTimes returns the time grid used for model curves shown next to series.
func DisplayTimes(series ObservedSeries) []float64 {
	n := series.Len()
	switch {
	case n > displayGridCount:
		tMin := math.Max(series.Time[0], 1e-5)
		return logTargets(tMin, series.Time[n-1], displayGridCount)
	case n > 0:
		return cloneFloats(series.Time)
	default:
		out := make([]float64, 0, 81)
		for i := 0; i <= 80; i++ {
			out = append(out, math.Pow(10, -4+float64(i)*0.1))
		}
		return out
	}
}
