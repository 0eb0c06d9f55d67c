package session

// latencyEstimator keeps an exponentially smoothed one-way delay in
// seconds, weight 0.1 per sample (a ~10 sample smoothing window).
//
// Samples are full request->reply elapsed times, never halved: the estimate
// is a one-way upper bound, trading precision for simplicity. Zero or
// negative samples (clock skew, reordering) are folded in unclamped; under
// sustained skew the estimate is biased, which is a known limitation kept
// for protocol compatibility.
type latencyEstimator struct {
	value float64
}

func (e *latencyEstimator) Update(sample float64) float64 {
	e.value = (e.value*9 + sample) / 10
	return e.value
}

func (e *latencyEstimator) Value() float64 {
	return e.value
}
