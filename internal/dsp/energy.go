package dsp

// EnergyWindow tracks the short-term energy of a signal: the mean of x² over
// the last W samples. It wraps a MovingAverage fed with squared inputs, so
// each Step is O(1) and the running sum is periodically recomputed to bound
// drift. Output is non-negative.
type EnergyWindow struct {
	avg *MovingAverage
}

// NewEnergyWindow creates an energy tracker over a window of w samples.
// Around 25ms of samples gives a curve fast enough to resolve kick-drum
// transients without following individual cycles of the bass fundamental.
func NewEnergyWindow(w int) *EnergyWindow {
	return &EnergyWindow{avg: NewMovingAverage(w)}
}

// Step pushes a sample and returns the updated energy.
func (e *EnergyWindow) Step(x float64) float64 {
	return e.avg.Step(x * x)
}

// Energy returns the current mean of squares.
func (e *EnergyWindow) Energy() float64 {
	return e.avg.Avg()
}

// Reset clears the window. Used on NaN recovery.
func (e *EnergyWindow) Reset() {
	e.avg.Reset()
}
