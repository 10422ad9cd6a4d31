package pulseopt

import (
	"math"
	"testing"
)

func TestMeanEmptySlice(t *testing.T) {
	if m := mean(nil); m != 0 {
		t.Errorf("expected 0 for empty slice, got %f", m)
	}
}

func TestStdDevConstantSeries(t *testing.T) {
	if sd := stdDev([]float64{5, 5, 5, 5}); sd != 0 {
		t.Errorf("expected 0 stddev for constant series, got %f", sd)
	}
}

func TestCoefficientOfVariationZeroMeanGuard(t *testing.T) {
	if cv := coefficientOfVariation([]float64{-1, 1}); cv != 0 {
		t.Errorf("expected 0 for zero-mean series, got %f", cv)
	}
	cv := coefficientOfVariation([]float64{10, 20, 30})
	if math.IsNaN(cv) || cv <= 0 {
		t.Errorf("expected positive finite CV, got %f", cv)
	}
}

func TestLinearRegressionFitsLine(t *testing.T) {
	xs := []float64{0, 1, 2, 3, 4}
	ys := []float64{1, 3, 5, 7, 9} // y = 2x + 1
	slope, intercept := linearRegression(xs, ys)
	if math.Abs(slope-2) > 1e-9 {
		t.Errorf("expected slope 2, got %f", slope)
	}
	if math.Abs(intercept-1) > 1e-9 {
		t.Errorf("expected intercept 1, got %f", intercept)
	}
}

func TestLinearRegressionDegenerateSeries(t *testing.T) {
	slope, intercept := linearRegression([]float64{1}, []float64{7})
	if slope != 0 || intercept != 7 {
		t.Errorf("expected flat line at 7, got slope=%f intercept=%f", slope, intercept)
	}
}

func TestPearsonCorrelation(t *testing.T) {
	xs := []float64{1, 2, 3, 4}
	if r := pearsonCorrelation(xs, []float64{2, 4, 6, 8}); math.Abs(r-1) > 1e-9 {
		t.Errorf("expected correlation 1, got %f", r)
	}
	if r := pearsonCorrelation(xs, []float64{8, 6, 4, 2}); math.Abs(r+1) > 1e-9 {
		t.Errorf("expected correlation -1, got %f", r)
	}
	if r := pearsonCorrelation(xs, []float64{5, 5, 5, 5}); r != 0 {
		t.Errorf("expected 0 for flat series, got %f", r)
	}
}
