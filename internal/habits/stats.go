package habits

import (
	"fmt"
	"math"
	"slices"
)

// median of xs; xs must be non-empty. Even lengths average the middle pair.
func median(xs []float64) float64 {
	s := slices.Clone(xs)
	slices.Sort(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

// sampleStdev is the n-1 standard deviation; it needs at least two values.
func sampleStdev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var ss float64
	for _, x := range xs {
		ss += (x - mean) * (x - mean)
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}

func round(x float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(x*p) / p
}

// clock formats minutes since midnight as "HH:MM".
func clock(minutes int) string {
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}

func frequencyLabel(medianGapDays float64) string {
	switch {
	case medianGapDays <= 1:
		return "daily"
	case medianGapDays <= 3:
		return "several times a week"
	case medianGapDays >= 6 && medianGapDays <= 8:
		return "weekly"
	case medianGapDays >= 13 && medianGapDays <= 15:
		return "biweekly"
	case medianGapDays >= 27 && medianGapDays <= 31:
		return "monthly"
	default:
		return fmt.Sprintf("every %d days", int(medianGapDays))
	}
}
