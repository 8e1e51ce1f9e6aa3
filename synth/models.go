package synth

import "math"

const (
	// pianoDecay is the exponential decay constant, scaled by 2πf.
	pianoDecay = 0.0004
	// pianoOvertones is the number of overtones above the fundamental.
	pianoOvertones = 5
	// pianoAttackFactor scales the attack ramp window relative to the note
	// duration. With a factor above 1 the ramp spans the whole note.
	pianoAttackFactor = 3.0

	organRamp = 0.01
)

// organDrawbars are the relative levels of harmonics 1 to 4.
var organDrawbars = [...]float64{1, 0.5, 0.3, 0.2}

// Sine returns a pure sine tone at full amplitude.
func Sine(frequency, duration float64) []int16 {
	n := SampleCount(duration)
	samples := make([]int16, n)
	phase := 0.0
	step := 2 * math.Pi * frequency / SampleRate
	for i := range samples {
		samples[i] = int16(math.Round(Amplitude * math.Sin(phase)))
		phase += step
	}
	return samples
}

// Piano returns a decaying tone with five overtones, cubic saturation and a
// percussive attack. The waveform is normalized to its own peak, so a sample
// at time t depends on the note's total duration.
func Piano(frequency, duration float64) []int16 {
	n := SampleCount(duration)
	y := make([]float64, n)
	w := 2 * math.Pi * frequency
	attack := pianoAttackFactor * duration
	for i := range y {
		t := float64(i) / SampleRate
		e := math.Exp(-pianoDecay * w * t)

		v := math.Sin(w*t) * e
		div := 1.0
		for h := 2; h <= pianoOvertones+1; h++ {
			div *= 2
			v += math.Sin(float64(h)*w*t) * e / div
		}
		v += v * v * v
		v *= 1 + 16*t*math.Exp(-6*t)
		if t < attack {
			v *= math.Sin((t / attack) * math.Pi / 2)
		}
		y[i] = v
	}
	return quantize(y)
}

// Organ returns a sustained additive tone with short linear ramps at both ends.
func Organ(frequency, duration float64) []int16 {
	n := SampleCount(duration)
	y := make([]float64, n)
	w := 2 * math.Pi * frequency
	total := 0.0
	for _, level := range organDrawbars {
		total += level
	}
	ramp := int(organRamp * SampleRate)
	if ramp > n/2 {
		ramp = n / 2
	}
	for i := range y {
		t := float64(i) / SampleRate
		v := 0.0
		for h, level := range organDrawbars {
			v += level * math.Sin(float64(h+1)*w*t)
		}
		v /= total
		switch {
		case ramp > 0 && i < ramp:
			v *= float64(i) / float64(ramp)
		case ramp > 0 && i >= n-ramp:
			v *= float64(n-1-i) / float64(ramp)
		}
		y[i] = v
	}
	return quantize(y)
}
