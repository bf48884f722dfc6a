package synth

import "math"

// oscillator is a phase accumulator producing one cycle per unit phase.
type oscillator struct {
	phase float64
	inc   float64
}

func newOscillator(freq float64, sampleRate int) oscillator {
	return oscillator{inc: freq / float64(sampleRate)}
}

func (o *oscillator) advance() {
	o.phase += o.inc
	if o.phase >= 1 {
		o.phase -= math.Floor(o.phase)
	}
}

// saw returns a PolyBLEP band-limited sawtooth sample in [-1,1].
func (o *oscillator) saw() float64 {
	v := 2*o.phase - 1 - polyBLEP(o.phase, o.inc)
	o.advance()
	return v
}

// triangle returns a triangle sample in [-1,1]. Its harmonics fall off fast
// enough that it needs no band limiting at voice pitches.
func (o *oscillator) triangle() float64 {
	v := 4*math.Abs(o.phase-0.5) - 1
	o.advance()
	return v
}

// polyBLEP is the residual that smooths the sawtooth's discontinuity at
// phase wrap.
func polyBLEP(t, dt float64) float64 {
	switch {
	case dt <= 0:
		return 0
	case t < dt:
		t /= dt
		return t + t - t*t - 1
	case t > 1-dt:
		t = (t - 1) / dt
		return t*t + t + t + 1
	default:
		return 0
	}
}

// biquad is an RBJ cookbook filter in transposed direct form II.
type biquad struct {
	b0, b1, b2 float64
	a1, a2     float64
	z1, z2     float64
}

// newBandpass returns a constant 0 dB peak gain bandpass centred on freq.
func newBandpass(freq, q float64, sampleRate int) biquad {
	w0 := 2 * math.Pi * freq / float64(sampleRate)
	alpha := math.Sin(w0) / (2 * q)
	a0 := 1 + alpha

	return biquad{
		b0: alpha / a0,
		b1: 0,
		b2: -alpha / a0,
		a1: -2 * math.Cos(w0) / a0,
		a2: (1 - alpha) / a0,
	}
}

func (f *biquad) process(x float64) float64 {
	y := f.b0*x + f.z1
	f.z1 = f.b1*x - f.a1*y + f.z2
	f.z2 = f.b2*x - f.a2*y
	return y
}

// ramp moves linearly from its value to a target over a fixed number of
// samples. Setting a new target starts from wherever the ramp currently is.
type ramp struct {
	value     float64
	target    float64
	step      float64
	remaining int
}

func (r *ramp) set(target float64, samples int) {
	r.target = target
	if samples <= 0 {
		r.value = target
		r.step = 0
		r.remaining = 0
		return
	}
	r.step = (target - r.value) / float64(samples)
	r.remaining = samples
}

func (r *ramp) next() float64 {
	if r.remaining > 0 {
		r.remaining--
		if r.remaining == 0 {
			r.value = r.target
		} else {
			r.value += r.step
		}
	}
	return r.value
}

func (r *ramp) settled() bool {
	return r.remaining == 0
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
