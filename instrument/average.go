package instrument

import "gonum.org/v1/gonum/stat"

// AveragePower takes n readings from the meter and folds them into one
// Sample.  The reported variance is the sample variance of the means of the
// individual readings.
func AveragePower(m PowerMeter, n int) (Sample, error) {
	if n < 1 {
		n = 1
	}
	vals := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		s, err := m.ReadPower()
		if err != nil {
			return Sample{}, err
		}
		vals = append(vals, s.Mean)
	}
	return aggregate(vals), nil
}

func aggregate(vals []float64) Sample {
	if len(vals) == 1 {
		return Sample{Mean: vals[0], N: 1}
	}
	mean, variance := stat.MeanVariance(vals, nil)
	return Sample{Mean: mean, Variance: variance, N: len(vals)}
}
