package pursuit

// DistanceFilter accepts readings strictly inside (Min, Max) and averages the
// last Samples valid ones of a cycle.
type DistanceFilter struct {
	Min     float64
	Max     float64
	Samples int
}

func (f DistanceFilter) Valid(reading float64) bool {
	return reading > f.Min && reading < f.Max
}

// Average returns the mean of the last valid readings. With no valid reading
// the distance is unknown and ok is false.
func (f DistanceFilter) Average(readings []float64) (avg float64, ok bool) {
	n := f.Samples
	if n <= 0 {
		n = 1
	}
	valid := make([]float64, 0, len(readings))
	for _, r := range readings {
		if f.Valid(r) {
			valid = append(valid, r)
		}
	}
	if len(valid) == 0 {
		return 0, false
	}
	if len(valid) > n {
		valid = valid[len(valid)-n:]
	}
	var sum float64
	for _, v := range valid {
		sum += v
	}
	return sum / float64(len(valid)), true
}
