package common

import (
	"math"
	"strconv"
	"strings"
)

// FloorToStep rounds v down to a multiple of step. A step <= 0 returns v.
func FloorToStep(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	n := math.Floor(v/step + 1e-9)
	return roundDecimals(n*step, decimals(step))
}

// RoundToStep rounds v to the nearest multiple of step.
func RoundToStep(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	return roundDecimals(math.Round(v/step)*step, decimals(step))
}

func decimals(step float64) int {
	s := strconv.FormatFloat(step, 'f', -1, 64)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return len(s) - i - 1
	}
	return 0
}

func roundDecimals(v float64, d int) float64 {
	p := math.Pow10(d)
	return math.Round(v*p) / p
}
