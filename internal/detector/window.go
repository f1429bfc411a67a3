package detector

import "math"

const DefaultWindowSize = 100

// Sample is one observation of a market at a timeframe, both in USD.
type Sample struct {
	OI     float64
	Volume float64
}

// Window keeps the most recent samples of one symbol and timeframe.
type Window struct {
	buf  []Sample
	head int
	size int
}

func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		capacity = DefaultWindowSize
	}
	return &Window{buf: make([]Sample, capacity)}
}

// Push appends s, overwriting the oldest sample once full.
func (w *Window) Push(s Sample) {
	idx := (w.head + w.size) % len(w.buf)
	if w.size == len(w.buf) {
		w.buf[w.head] = s
		w.head = (w.head + 1) % len(w.buf)
		return
	}
	w.buf[idx] = s
	w.size++
}

func (w *Window) Len() int { return w.size }

func (w *Window) Cap() int { return len(w.buf) }

// Last returns the newest sample.
func (w *Window) Last() (Sample, bool) {
	if w.size == 0 {
		return Sample{}, false
	}
	return w.buf[(w.head+w.size-1)%len(w.buf)], true
}

// Samples returns the window oldest first.
func (w *Window) Samples() []Sample {
	out := make([]Sample, w.size)
	for i := 0; i < w.size; i++ {
		out[i] = w.buf[(w.head+i)%len(w.buf)]
	}
	return out
}

// Scores returns the z-score of the newest OI and volume samples against
// the whole window, including themselves.
func (w *Window) Scores() (zOI, zVol float64) {
	if w.size == 0 {
		return 0, 0
	}
	oi := make([]float64, w.size)
	vol := make([]float64, w.size)
	for i, s := range w.Samples() {
		oi[i] = s.OI
		vol[i] = s.Volume
	}
	return ZScore(oi), ZScore(vol)
}

// ZScore is (last - mean) / stdev using the population standard deviation.
// A flat or empty series scores 0.
func ZScore(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(n)

	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	stdev := math.Sqrt(sq / float64(n))
	if stdev == 0 {
		return 0
	}
	return (values[n-1] - mean) / stdev
}
