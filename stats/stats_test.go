package stats

import (
	"math"
	"testing"
)

func TestAverage(t *testing.T) {
	var s Average
	for _, x := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		s.Add(x)
	}
	t.Log(s.String())
	if s.Count != 8 || math.Abs(s.Mean-5) > 1e-12 {
		t.Error("got count", s.Count, "mean", s.Mean)
	}
	if math.Abs(s.StdDev-math.Sqrt(32.0/7)) > 1e-9 {
		t.Error("got stddev", s.StdDev)
	}
	if s.Min != 2 || s.Max != 9 {
		t.Error("got range", s.Min, s.Max)
	}
	if html := s.HTML(); html != "5.000&PlusMinus;2.138" {
		t.Error("got html", html)
	}
}

func TestEMA(t *testing.T) {
	var e EMA
	val := e.Add(4, 3)
	if val != 4 {
		t.Error("first value: got", val)
	}
	val = EMA(val).Add(2, 3)
	if val != 3 {
		t.Error("second value: got", val)
	}
}
