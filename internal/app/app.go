// Package app wires hand tracking, harmonization and synthesis into the
// handchoir performance loop.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ayusman/handchoir/internal/capture"
	"github.com/ayusman/handchoir/internal/detector"
	"github.com/ayusman/handchoir/internal/gesture"
	"github.com/ayusman/handchoir/internal/harmony"
	"github.com/ayusman/handchoir/internal/store"
	"github.com/ayusman/handchoir/internal/synth"
)

// ErrTracking is returned when the camera or landmark source is unavailable.
var ErrTracking = errors.New("hand tracking unavailable")

// Loop defaults.
const (
	DefaultFPS = 30
	// DefaultMaxFailures is how many consecutive frame or detection failures
	// are tolerated before tracking is declared lost.
	DefaultMaxFailures = 30
)

// Config holds the performance options.
type Config struct {
	ControlHand    detector.Handedness
	FPS            int
	AutostartAudio bool
	DiscardStale   bool
	MaxFailures    int
}

// Deps are the collaborators an App drives. Recorder and Frames are optional.
type Deps struct {
	Camera   capture.Camera
	Detector detector.Detector
	Harmony  harmony.Service
	Engine   *synth.Engine
	Recorder *store.Store
	Frames   *capture.FrameBuffer
	Logger   *slog.Logger
}

// State is a point-in-time view of the performance for status surfaces.
type State struct {
	Control        gesture.ControlState `json:"control"`
	ControlHand    detector.Handedness  `json:"controlHand"`
	HarmonyReady   bool                 `json:"harmonyReady"`
	Note           string               `json:"note,omitempty"`
	Chord          *harmony.Chord       `json:"chord,omitempty"`
	Voices         []synth.VoiceInfo    `json:"voices"`
	ActiveVoices   int                  `json:"activeVoices"`
	MasterVolume   float64              `json:"masterVolume"`
	AudioActivated bool                 `json:"audioActivated"`
	AudioRunning   bool                 `json:"audioRunning"`
	Running        bool                 `json:"running"`
	LastFrame      time.Time            `json:"lastFrame"`
	Error          string               `json:"error,omitempty"`
}

// App is the performance orchestrator.
type App struct {
	cfg      Config
	logger   *slog.Logger
	camera   capture.Camera
	detector detector.Detector
	interp   *gesture.Interpreter
	session  *harmony.Session
	engine   *synth.Engine
	recorder *store.Store
	frames   *capture.FrameBuffer

	frameCounter metric.Int64Counter

	mu        sync.RWMutex
	err       error
	cancel    context.CancelFunc
	done      chan struct{}
	stopped   bool
	lastFrame time.Time

	// Owned by the loop goroutine.
	readFailures   int
	detectFailures int
}

// New creates an App. Nothing is opened until Start.
func New(cfg Config, deps Deps) *App {
	if cfg.FPS <= 0 {
		cfg.FPS = DefaultFPS
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	a := &App{
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "app")),
		camera:   deps.Camera,
		detector: deps.Detector,
		interp:   gesture.NewInterpreter(cfg.ControlHand),
		engine:   deps.Engine,
		recorder: deps.Recorder,
		frames:   deps.Frames,
	}

	opts := []harmony.SessionOption{harmony.WithLogger(logger)}
	if cfg.DiscardStale {
		opts = append(opts, harmony.WithDiscardStale())
	}
	if deps.Recorder != nil {
		opts = append(opts, harmony.WithObserver(deps.Recorder))
	}
	a.session = harmony.NewSession(deps.Harmony, deps.Engine, opts...)

	counter, err := otel.Meter("github.com/ayusman/handchoir/app").Int64Counter("handchoir.frames",
		metric.WithDescription("Frames processed by the control loop"))
	if err != nil {
		a.logger.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	a.frameCounter = counter

	return a
}

// Tick runs one control step for the hands seen at ts. It can be driven by
// Run or by any other scheduler.
func (a *App) Tick(ts time.Time, hands []detector.HandLandmarks) gesture.ControlState {
	state := a.interp.Update(hands)

	if state.DetectedVolume {
		if err := a.engine.SetMasterVolume(state.VolumePosition); err != nil {
			a.fail(err)
		}
	}
	a.session.OnControlUpdate(state.PitchPosition, state.Gesture, state.DetectedControl)

	a.mu.Lock()
	a.lastFrame = ts
	a.mu.Unlock()

	if a.frameCounter != nil {
		a.frameCounter.Add(context.Background(), 1,
			metric.WithAttributes(attribute.Int("hands", len(hands))))
	}
	return state
}

// HandleEvent applies one harmony service event.
func (a *App) HandleEvent(ev harmony.Event) {
	if err := a.session.HandleEvent(ev); err != nil {
		a.fail(err)
		return
	}
	a.clearAudioErr()
}

// DrainEvents handles every harmony event already queued, without waiting.
// It returns how many were handled.
func (a *App) DrainEvents() int {
	events := a.session.Events()
	n := 0
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return n
			}
			a.HandleEvent(ev)
			n++
		default:
			return n
		}
	}
}

// ActivateAudio is the user gesture that allows sound output.
func (a *App) ActivateAudio() error {
	if err := a.engine.Activate(); err != nil {
		a.fail(err)
		return err
	}
	a.clearAudioErr()
	a.logger.Info("audio activated")
	return nil
}

// Err returns the first fatal error seen, if any.
func (a *App) Err() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.err
}

// Running reports whether the control loop is active.
func (a *App) Running() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cancel != nil
}

// Frames returns the preview frame buffer, which may be nil.
func (a *App) Frames() *capture.FrameBuffer {
	return a.frames
}

// Recorder returns the session recorder, which may be nil.
func (a *App) Recorder() *store.Store {
	return a.recorder
}

// Snapshot returns the current state.
func (a *App) Snapshot() State {
	st := State{
		Control:        a.interp.State(),
		ControlHand:    a.interp.ControlHand(),
		HarmonyReady:   a.session.Ready(),
		Voices:         a.engine.Voices(),
		ActiveVoices:   a.engine.ActiveVoices(),
		MasterVolume:   a.engine.MasterVolume(),
		AudioActivated: a.engine.Activated(),
		AudioRunning:   a.engine.Running(),
	}
	if note, ok := a.session.LastNote(); ok {
		st.Note = note.Name()
	}
	if chord, ok := a.engine.Chord(); ok {
		st.Chord = &chord
	}
	if st.Voices == nil {
		st.Voices = []synth.VoiceInfo{}
	}

	a.mu.RLock()
	st.Running = a.cancel != nil
	st.LastFrame = a.lastFrame
	if a.err != nil {
		st.Error = a.err.Error()
	}
	a.mu.RUnlock()
	return st
}

// fail records fatal errors and logs the rest.
func (a *App) fail(err error) {
	switch {
	case errors.Is(err, synth.ErrEngineClosed):
		a.logger.Debug("engine closed", slog.String("error", err.Error()))
		return
	case errors.Is(err, synth.ErrAudioInit), errors.Is(err, ErrTracking):
		a.logger.Error("fatal error", slog.String("error", err.Error()))
		a.mu.Lock()
		if a.err == nil {
			a.err = err
		}
		a.mu.Unlock()
	default:
		a.logger.Warn("control step failed", slog.String("error", err.Error()))
	}
}

// clearAudioErr forgets a recorded ErrAudioInit once the backend has been
// opened by a later attempt.
func (a *App) clearAudioErr() {
	if !a.engine.Running() {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil && errors.Is(a.err, synth.ErrAudioInit) {
		a.logger.Info("audio recovered")
		a.err = nil
	}
}

// Start opens the camera, starts the harmony service and runs the control
// loop in the background. A camera failure returns ErrTracking; a harmony
// failure is logged and the loop still runs.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopped {
		return errors.New("app stopped")
	}
	if a.cancel != nil {
		return nil
	}

	if err := a.camera.Open(); err != nil {
		a.err = fmt.Errorf("%w: %v", ErrTracking, err)
		return a.err
	}

	if err := a.session.Start(ctx); err != nil {
		a.logger.Warn("continuing without harmony", slog.String("error", err.Error()))
	}

	if a.cfg.AutostartAudio {
		if err := a.engine.Activate(); err != nil {
			a.logger.Warn("audio autostart failed", slog.String("error", err.Error()))
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		if err := a.Run(loopCtx); err != nil {
			a.fail(err)
		}
		a.mu.Lock()
		a.cancel = nil
		a.mu.Unlock()
		cancel()
	}(a.done)

	a.logger.Info("performance started",
		slog.String("control_hand", string(a.interp.ControlHand())),
		slog.Int("fps", a.cfg.FPS))
	return nil
}

// Stop ends the loop and releases everything in order: loop, harmony
// service, engine, camera and detector, recorder.
func (a *App) Stop() error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	cancel, done := a.cancel, a.done
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	var errs []error
	if err := a.session.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close harmony: %w", err))
	}
	if err := a.engine.Shutdown(); err != nil {
		errs = append(errs, fmt.Errorf("shutdown engine: %w", err))
	}
	if err := a.camera.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close camera: %w", err))
	}
	if a.detector != nil {
		if err := a.detector.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close detector: %w", err))
		}
	}
	if a.recorder != nil {
		if err := a.recorder.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close recorder: %w", err))
		}
	}

	a.logger.Info("performance stopped")
	return errors.Join(errs...)
}
