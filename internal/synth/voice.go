package synth

import (
	"github.com/ayusman/handchoir/internal/harmony"
)

// Formant is the bandpass that gives a part its vocal colour.
type Formant struct {
	Center float64 `json:"center"`
	Q      float64 `json:"q"`
}

// Formants holds the bandpass setting for each part, highest centre first.
var Formants = [harmony.NumParts]Formant{
	harmony.Soprano: {Center: 1100, Q: 2.0},
	harmony.Alto:    {Center: 900, Q: 2.0},
	harmony.Tenor:   {Center: 650, Q: 1.8},
	harmony.Bass:    {Center: 450, Q: 1.6},
}

// detuneRatio sets the second oscillator 0.2% sharp.
const detuneRatio = 1.002

// VoiceInfo describes one active voice.
type VoiceInfo struct {
	Part      string  `json:"part"`
	Note      int     `json:"note"`
	Name      string  `json:"name"`
	Frequency float64 `json:"frequency"`
	Formant   Formant `json:"formant"`
}

func voiceInfo(part harmony.Part, note harmony.Note) VoiceInfo {
	return VoiceInfo{
		Part:      part.String(),
		Note:      int(note),
		Name:      note.Name(),
		Frequency: note.Frequency(),
		Formant:   Formants[part],
	}
}

// voice is one sounding chord part: saw and detuned triangle into a formant
// bandpass, shaped by a gain envelope. Built on the control side, then only
// the render side touches it.
type voice struct {
	part      harmony.Part
	note      harmony.Note
	saw       oscillator
	tri       oscillator
	filter    biquad
	env       ramp
	releasing bool
}

func newVoice(part harmony.Part, note harmony.Note, cfg Config) *voice {
	freq := note.Frequency()
	f := Formants[part]
	v := &voice{
		part:   part,
		note:   note,
		saw:    newOscillator(freq, cfg.SampleRate),
		tri:    newOscillator(freq*detuneRatio, cfg.SampleRate),
		filter: newBandpass(f.Center, f.Q, cfg.SampleRate),
	}
	v.env.set(cfg.SustainLevel, samples(cfg.AttackTime, cfg.SampleRate))
	return v
}

// release starts a linear fade from the current level to silence.
func (v *voice) release(n int) {
	if v.releasing {
		return
	}
	v.releasing = true
	v.env.set(0, n)
}

// done reports whether a released voice has faded out completely.
func (v *voice) done() bool {
	return v.releasing && v.env.settled() && v.env.value == 0
}

func (v *voice) next() float64 {
	x := 0.5 * (v.saw.saw() + v.tri.triangle())
	return v.filter.process(x) * v.env.next()
}

// gain returns the envelope's current level.
func (v *voice) gain() float64 {
	return v.env.value
}
