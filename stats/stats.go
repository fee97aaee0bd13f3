// Package stats contains running statistics used to summarise labels and training progress.
package stats

import (
	"fmt"
	"html/template"
	"math"
)

// Calc exponentional moving average over n periods
type EMA float64

func (e EMA) Add(val, n float64) float64 {
	if e == 0 {
		return val
	}
	k := 2.0 / (n + 1.0)
	return val*k + float64(e)*(1-k)
}

// Running mean and stddev as per http://www.johndcook.com/blog/standard_deviation/
type Average struct {
	Count, Mean float64
	Var, StdDev float64
	Min, Max    float64
	oldM, oldV  float64
}

func (s *Average) Add(x float64) {
	s.Count++
	if s.Count == 1 {
		s.oldM, s.Mean = x, x
		s.oldV = 0
		s.Min, s.Max = x, x
	} else {
		s.Mean = s.oldM + (x-s.oldM)/s.Count
		s.Var = s.oldV + (x-s.oldM)*(x-s.Mean)
		s.oldM, s.oldV = s.Mean, s.Var
		s.StdDev = math.Sqrt(s.Var / (s.Count - 1))
		s.Min = math.Min(s.Min, x)
		s.Max = math.Max(s.Max, x)
	}
}

func (s *Average) format(plusMinus string) string {
	if s.Mean > 10 {
		if s.StdDev < 0.1 {
			return fmt.Sprintf("%.1f", s.Mean)
		}
		return fmt.Sprintf("%.1f%s%.1f", s.Mean, plusMinus, s.StdDev)
	}
	if s.StdDev < 0.01 {
		return fmt.Sprintf("%.3f", s.Mean)
	}
	return fmt.Sprintf("%.3f%s%.3f", s.Mean, plusMinus, s.StdDev)
}

func (s *Average) String() string {
	return fmt.Sprintf("%s [%.3g, %.3g] n=%d", s.format("+-"), s.Min, s.Max, int(s.Count))
}

func (s *Average) HTML() template.HTML {
	return template.HTML(s.format("&PlusMinus;"))
}
