package dsp

// BandPass isolates a band using two identical cascaded biquad sections.
// A single second-order section at musical Q still passes a fifth of a
// 20Hz rumble component when centred at 100Hz; the cascade squares the
// skirt response, taking out-of-band leakage below 5% while keeping unity
// gain at the centre.
type BandPass struct {
	s1, s2 Biquad
}

// NewBandPass creates a two-section band-pass centred on centreHz. Each
// section uses the given Q, so the composite skirt is the square of the
// single-section response.
func NewBandPass(centreHz, q float64, sampleRate int) (*BandPass, error) {
	bp := &BandPass{}
	if err := bp.Configure(centreHz, q, sampleRate); err != nil {
		return nil, err
	}
	return bp, nil
}

// Configure reconfigures both sections and clears their delay registers.
func (bp *BandPass) Configure(centreHz, q float64, sampleRate int) error {
	if err := bp.s1.Configure(BiquadBandPass, centreHz, q, sampleRate); err != nil {
		return err
	}
	return bp.s2.Configure(BiquadBandPass, centreHz, q, sampleRate)
}

// Step filters one sample through both sections.
func (bp *BandPass) Step(x float64) float64 {
	return bp.s2.Step(bp.s1.Step(x))
}
