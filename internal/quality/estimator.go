// Package quality samples link statistics and adapts the capture tier.
package quality

// DefaultWindow is the number of bandwidth samples the estimate looks at.
const DefaultWindow = 20

// Estimator is a moving average over the most recent samples where the
// weight grows linearly with recency: the oldest sample in the window
// counts once, the newest counts window times.
type Estimator struct {
	window  int
	samples []float64
}

func NewEstimator(window int) *Estimator {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Estimator{window: window, samples: make([]float64, 0, window)}
}

func (e *Estimator) Add(kbps float64) {
	if len(e.samples) == e.window {
		copy(e.samples, e.samples[1:])
		e.samples = e.samples[:e.window-1]
	}
	e.samples = append(e.samples, kbps)
}

// Estimate returns the weighted average, 0 with no samples.
func (e *Estimator) Estimate() float64 {
	var sum, weights float64
	for i, s := range e.samples {
		w := float64(i + 1)
		sum += w * s
		weights += w
	}
	if weights == 0 {
		return 0
	}
	return sum / weights
}

func (e *Estimator) Len() int { return len(e.samples) }

func (e *Estimator) Reset() { e.samples = e.samples[:0] }
