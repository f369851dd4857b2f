package anomaly

import "math"

// DefaultSigma is used when DetectStatistical is called with sigma <= 0.
const DefaultSigma = 2.0

// DetectStatistical returns the values whose distance from the mean is
// strictly greater than sigma population standard deviations, in input order.
// Fewer than three values or zero variance yield no outliers.
func DetectStatistical(values []float64, sigma float64) []float64 {
	if sigma <= 0 {
		sigma = DefaultSigma
	}
	mean, std, ok := meanStd(values)
	if !ok {
		return []float64{}
	}
	out := []float64{}
	for _, v := range values {
		if math.Abs(v-mean) > sigma*std {
			out = append(out, v)
		}
	}
	return out
}

// ZScores returns (v-mean)/std for every value. All scores are zero when the
// series is too short or has no variance.
func ZScores(values []float64) []float64 {
	out := make([]float64, len(values))
	mean, std, ok := meanStd(values)
	if !ok {
		return out
	}
	for i, v := range values {
		out[i] = (v - mean) / std
	}
	return out
}

func meanStd(values []float64) (mean, std float64, ok bool) {
	n := len(values)
	if n < 3 {
		return 0, 0, false
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean = sum / float64(n)
	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	std = math.Sqrt(sq / float64(n))
	if std == 0 {
		return mean, 0, false
	}
	return mean, std, true
}
