// Package synth renders four-part vocal-like chords.
//
// The Engine has two sides. The control side (SetChord, SetSilence,
// SetMasterVolume) records the requested state and, while the backend is
// open, stamps a command with the audio-clock sample it takes effect at. A
// newer command replaces a pending one of the same kind, so the queue never
// holds stale targets. The render side, driven by a Backend, drains the queue
// at block boundaries and applies each command at its exact sample, so voice
// and gain state is only ever touched on the audio thread.
package synth

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ayusman/handchoir/internal/harmony"
)

var (
	// ErrAudioInit is returned when the audio backend cannot be opened.
	ErrAudioInit = errors.New("audio backend initialization failed")
	// ErrEngineClosed is returned by operations after Shutdown.
	ErrEngineClosed = errors.New("synth engine shut down")
)

// Config holds the engine's timing and level settings.
type Config struct {
	SampleRate int
	Channels   int

	// Lookahead is added to the audio clock when stamping commands.
	Lookahead time.Duration

	AttackTime     time.Duration
	ReleaseTime    time.Duration
	MasterRampTime time.Duration

	// SustainLevel is the per-voice gain after the attack.
	SustainLevel float64

	// InitialVolume is the master gain before any volume request.
	InitialVolume float64
}

// DefaultConfig returns the standard engine settings.
func DefaultConfig() Config {
	return Config{
		SampleRate:     48000,
		Channels:       2,
		Lookahead:      5 * time.Millisecond,
		AttackTime:     30 * time.Millisecond,
		ReleaseTime:    60 * time.Millisecond,
		MasterRampTime: 50 * time.Millisecond,
		SustainLevel:   0.2,
		InitialVolume:  0.8,
	}
}

func samples(d time.Duration, sampleRate int) int {
	return int(math.Round(d.Seconds() * float64(sampleRate)))
}

type commandKind int

const (
	cmdChord commandKind = iota
	cmdSilence
	cmdVolume
)

type command struct {
	kind   commandKind
	at     int64
	voices [harmony.NumParts]*voice
	volume float64
}

// supersedes reports whether a pending command of kind old is made
// redundant by c.
func (c command) supersedes(old commandKind) bool {
	if c.kind == cmdVolume {
		return old == cmdVolume
	}
	return old == cmdChord || old == cmdSilence
}

// Engine is a four-voice synthesizer. Create one per session with New and
// release it with Shutdown.
type Engine struct {
	cfg     Config
	backend Backend
	logger  *slog.Logger

	// Control side.
	mu        sync.Mutex
	activated bool
	opened    bool
	closed    bool
	chord     *harmony.Chord
	volume    float64

	qmu    sync.Mutex
	queue  []command
	lastAt int64

	// Shared observation.
	clock    atomic.Int64
	sounding atomic.Int32
	gain     atomic.Uint64

	// Render side.
	due            []command
	voices         []*voice
	master         ramp
	releaseSamples int
	rampSamples    int
	lookahead      int64
}

// New creates an engine. The backend is not opened until Activate has been
// called and a chord has been requested.
func New(cfg Config, backend Backend, logger *slog.Logger) *Engine {
	def := DefaultConfig()
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.Channels <= 0 {
		cfg.Channels = def.Channels
	}
	cfg.InitialVolume = clamp01(cfg.InitialVolume)

	e := &Engine{
		cfg:            cfg,
		backend:        backend,
		logger:         logger.With(slog.String("component", "synth")),
		volume:         cfg.InitialVolume,
		queue:          make([]command, 0, 16),
		due:            make([]command, 0, 16),
		voices:         make([]*voice, 0, 4*harmony.NumParts),
		releaseSamples: samples(cfg.ReleaseTime, cfg.SampleRate),
		rampSamples:    samples(cfg.MasterRampTime, cfg.SampleRate),
		lookahead:      int64(samples(cfg.Lookahead, cfg.SampleRate)),
	}
	e.master.value = cfg.InitialVolume
	e.master.target = cfg.InitialVolume
	e.gain.Store(math.Float64bits(cfg.InitialVolume))
	return e
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// SetChord releases the current voices and starts four new ones, all at the
// same audio-clock sample.
func (e *Engine) SetChord(chord harmony.Chord) error {
	if err := chord.Validate(); err != nil {
		return fmt.Errorf("set chord: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrEngineClosed
	}
	c := chord
	e.chord = &c
	if e.opened {
		e.enqueue(e.chordCommand(chord))
		return nil
	}
	return e.ensureOpen()
}

// chordCommand builds the four voices on the control side so the audio
// thread never allocates.
func (e *Engine) chordCommand(chord harmony.Chord) command {
	cmd := command{kind: cmdChord}
	for i, p := range harmony.Parts {
		cmd.voices[i] = newVoice(p, chord.Note(p), e.cfg)
	}
	return cmd
}

// SetSilence releases all voices. It is a no-op when nothing is playing.
func (e *Engine) SetSilence() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed || e.chord == nil {
		return
	}
	e.chord = nil
	if e.opened {
		e.enqueue(command{kind: cmdSilence})
	}
}

// SetMasterVolume ramps the master gain to target, clamped to [0,1]. The
// latest request wins; a new ramp starts from the gain reached so far.
func (e *Engine) SetMasterVolume(target float64) error {
	target = clamp01(target)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrEngineClosed
	}
	if target == e.volume {
		return nil
	}
	e.volume = target
	if e.opened {
		e.enqueue(command{kind: cmdVolume, volume: target})
	}
	return nil
}

// Activate records the user gesture that permits audio output. If a chord
// is already requested the backend is opened now.
func (e *Engine) Activate() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrEngineClosed
	}
	e.activated = true
	if e.chord == nil {
		return nil
	}
	return e.ensureOpen()
}

// Shutdown closes the backend. The engine cannot be used afterwards.
func (e *Engine) Shutdown() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	e.chord = nil

	if !e.opened {
		return nil
	}
	e.opened = false
	if err := e.backend.Close(); err != nil {
		return fmt.Errorf("close audio backend: %w", err)
	}
	e.logger.Info("audio backend closed")
	return nil
}

// ensureOpen must be called with e.mu held. Nothing is queued while the
// backend is closed, so on open the render side starts from the current
// volume and the current chord only.
func (e *Engine) ensureOpen() error {
	if !e.activated || e.opened {
		return nil
	}

	// Render is not running yet, so its state can be set here.
	e.master = ramp{value: e.volume, target: e.volume}
	e.gain.Store(math.Float64bits(e.volume))

	if err := e.backend.Open(e.cfg, e.Render); err != nil {
		return fmt.Errorf("%w: %v", ErrAudioInit, err)
	}
	e.opened = true
	if e.chord != nil {
		e.enqueue(e.chordCommand(*e.chord))
	}
	e.logger.Info("audio backend opened",
		slog.Int("sample_rate", e.cfg.SampleRate),
		slog.Int("channels", e.cfg.Channels))
	return nil
}

// enqueue stamps cmd with its audio-clock sample and drops any pending
// command it supersedes. Stamps never go backwards.
func (e *Engine) enqueue(cmd command) {
	e.qmu.Lock()
	defer e.qmu.Unlock()

	at := e.clock.Load() + e.lookahead
	if at < e.lastAt {
		at = e.lastAt
	}
	e.lastAt = at
	cmd.at = at

	kept := e.queue[:0]
	for _, q := range e.queue {
		if !cmd.supersedes(q.kind) {
			kept = append(kept, q)
		}
	}
	for i := len(kept); i < len(e.queue); i++ {
		e.queue[i] = command{}
	}
	e.queue = append(kept, cmd)
}


// Render fills out with interleaved samples for len(out)/Channels frames.
// It is called from the backend's audio thread.
func (e *Engine) Render(out []float32) {
	channels := e.cfg.Channels
	frames := len(out) / channels
	start := e.clock.Load()
	end := start + int64(frames)

	e.qmu.Lock()
	n := 0
	for n < len(e.queue) && e.queue[n].at < end {
		n++
	}
	e.due = append(e.due[:0], e.queue[:n]...)
	rest := copy(e.queue, e.queue[n:])
	clear(e.queue[rest:])
	e.queue = e.queue[:rest]
	e.qmu.Unlock()

	next := 0
	for i := 0; i < frames; i++ {
		now := start + int64(i)
		for next < len(e.due) && e.due[next].at <= now {
			e.apply(e.due[next])
			next++
		}

		var s float64
		for _, v := range e.voices {
			s += v.next()
		}
		sample := float32(s * e.master.next())

		frame := out[i*channels : (i+1)*channels]
		for c := range frame {
			frame[c] = sample
		}
	}
	for i := frames * channels; i < len(out); i++ {
		out[i] = 0
	}

	e.prune()
	e.clock.Store(end)
	e.sounding.Store(int32(len(e.voices)))
	e.gain.Store(math.Float64bits(e.master.value))
}

func (e *Engine) apply(cmd command) {
	switch cmd.kind {
	case cmdChord:
		e.releaseAll()
		e.voices = append(e.voices, cmd.voices[:]...)
	case cmdSilence:
		e.releaseAll()
	case cmdVolume:
		e.master.set(cmd.volume, e.rampSamples)
	}
}

func (e *Engine) releaseAll() {
	for _, v := range e.voices {
		v.release(e.releaseSamples)
	}
}

// prune drops voices that have finished fading out.
func (e *Engine) prune() {
	kept := e.voices[:0]
	for _, v := range e.voices {
		if !v.done() {
			kept = append(kept, v)
		}
	}
	for i := len(kept); i < len(e.voices); i++ {
		e.voices[i] = nil
	}
	e.voices = kept
}

// Now returns the audio clock in samples rendered.
func (e *Engine) Now() int64 {
	return e.clock.Load()
}

// ActiveVoices returns the number of voices in the current chord: 0 or 4.
func (e *Engine) ActiveVoices() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.chord == nil {
		return 0
	}
	return harmony.NumParts
}

// Voices describes the voices of the current chord.
func (e *Engine) Voices() []VoiceInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.chord == nil {
		return nil
	}
	out := make([]VoiceInfo, 0, harmony.NumParts)
	for _, p := range harmony.Parts {
		out = append(out, voiceInfo(p, e.chord.Note(p)))
	}
	return out
}

// Chord returns the current chord.
func (e *Engine) Chord() (harmony.Chord, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.chord == nil {
		return harmony.Chord{}, false
	}
	return *e.chord, true
}

// SoundingVoices returns how many voices the render side is still producing,
// including ones fading out.
func (e *Engine) SoundingVoices() int {
	return int(e.sounding.Load())
}

// MasterVolume returns the requested master volume.
func (e *Engine) MasterVolume() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.volume
}

// MasterGain returns the master gain at the end of the last rendered block.
func (e *Engine) MasterGain() float64 {
	return math.Float64frombits(e.gain.Load())
}

// Activated reports whether Activate has been called.
func (e *Engine) Activated() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activated
}

// Running reports whether the backend is open.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opened
}
