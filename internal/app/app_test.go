package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"gocv.io/x/gocv"

	"github.com/ayusman/handchoir/internal/capture"
	"github.com/ayusman/handchoir/internal/detector"
	"github.com/ayusman/handchoir/internal/gesture"
	"github.com/ayusman/handchoir/internal/harmony"
	"github.com/ayusman/handchoir/internal/store"
	"github.com/ayusman/handchoir/internal/synth"
)

var cMajor = harmony.Chord{Soprano: 72, Alto: 67, Tenor: 64, Bass: 60}

// With a right control hand, the detector labels it Left (mirrored view).
const (
	controlLabel = detector.Left
	volumeLabel  = detector.Right
)

type fixture struct {
	app      *App
	svc      *harmony.MockService
	engine   *synth.Engine
	backend  *synth.ManualBackend
	camera   *capture.MockCamera
	detector *detector.MockDetector
	recorder *store.Store
	cfg      synth.Config
}

func newFixture(t *testing.T, cfg Config, opts ...harmony.MockOption) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	synthCfg := synth.DefaultConfig()
	synthCfg.SampleRate = 8000
	synthCfg.Channels = 1
	synthCfg.Lookahead = 0

	rec, err := store.New(store.WithLogger(logger))
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}

	f := &fixture{
		svc:      harmony.NewMockService(opts...),
		backend:  synth.NewManualBackend(),
		camera:   capture.NewMockCamera(nil, true),
		detector: detector.NewMockDetector(),
		recorder: rec,
		cfg:      synthCfg,
	}
	f.engine = synth.New(synthCfg, f.backend, logger)
	f.app = New(cfg, Deps{
		Camera:   f.camera,
		Detector: f.detector,
		Harmony:  f.svc,
		Engine:   f.engine,
		Recorder: rec,
		Logger:   logger,
	})
	t.Cleanup(func() { f.app.Stop() })
	return f
}

func (f *fixture) startHarmony(t *testing.T) {
	t.Helper()
	if err := f.app.session.Start(context.Background()); err != nil {
		t.Fatalf("session start: %v", err)
	}
	f.app.DrainEvents()
	if !f.app.Snapshot().HarmonyReady {
		t.Fatal("expected harmony ready")
	}
}

func samplesOf(d time.Duration, sampleRate int) int {
	return int(d.Seconds()*float64(sampleRate)) + 1
}

func TestApp_EndToEnd(t *testing.T) {
	f := newFixture(t, Config{ControlHand: detector.Right}, harmony.ManualReplies())
	f.startHarmony(t)

	if err := f.app.ActivateAudio(); err != nil {
		t.Fatalf("ActivateAudio() error = %v", err)
	}

	// Open right hand near the bottom of the frame: the lowest scale note.
	state := f.app.Tick(time.Now(), []detector.HandLandmarks{detector.OpenHand(controlLabel, 0.97)})
	if !state.DetectedControl || state.Gesture != gesture.ClassOpen {
		t.Fatalf("state = %+v, want detected open control", state)
	}

	reqs := f.svc.Requests()
	if len(reqs) != 1 || reqs[0].Note != 60 {
		t.Fatalf("requests = %+v, want one request for note 60", reqs)
	}

	f.svc.Reply(reqs[0], cMajor)
	if n := f.app.DrainEvents(); n != 1 {
		t.Fatalf("DrainEvents() = %d, want 1", n)
	}

	if got := f.engine.ActiveVoices(); got != 4 {
		t.Fatalf("ActiveVoices() = %d, want 4", got)
	}
	if !f.backend.Opened() {
		t.Fatal("backend should be open once a chord is requested after activation")
	}
	voices := f.engine.Voices()
	want := cMajor.Notes()
	for i, v := range voices {
		if v.Note != int(want[i]) {
			t.Errorf("voice %d note = %d, want %d", i, v.Note, want[i])
		}
	}

	f.backend.Pull(200)
	if got := f.engine.SoundingVoices(); got != 4 {
		t.Fatalf("SoundingVoices() = %d, want 4", got)
	}

	snap := f.app.Snapshot()
	if snap.Note != "C4" || snap.Chord == nil || *snap.Chord != cMajor {
		t.Fatalf("snapshot = %+v, want note C4 and chord %s", snap, cMajor)
	}

	// Hand leaves the frame: silence within the release window.
	state = f.app.Tick(time.Now(), nil)
	if state.DetectedControl {
		t.Fatal("control should not be detected with no hands")
	}
	if got := f.engine.ActiveVoices(); got != 0 {
		t.Fatalf("ActiveVoices() after loss = %d, want 0", got)
	}
	f.backend.Pull(samplesOf(f.cfg.ReleaseTime, f.cfg.SampleRate))
	if got := f.engine.SoundingVoices(); got != 0 {
		t.Fatalf("SoundingVoices() after release = %d, want 0", got)
	}

	stats, err := f.recorder.Stats()
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Notes != 1 || stats.Chords != 1 {
		t.Errorf("stats = %+v, want 1 note and 1 chord", stats)
	}
	if err := f.app.Err(); err != nil {
		t.Errorf("Err() = %v, want nil", err)
	}
}

func TestApp_DedupAndGestures(t *testing.T) {
	f := newFixture(t, Config{ControlHand: detector.Right})
	f.startHarmony(t)

	tests := []struct {
		name     string
		hand     detector.HandLandmarks
		wantReqs int
	}{
		{"open hand submits", detector.OpenHand(controlLabel, 0.5), 1},
		{"same note is deduplicated", detector.OpenHand(controlLabel, 0.5), 1},
		{"closed hand keeps the note", detector.ClosedHand(controlLabel, 0.5), 1},
		{"new height submits", detector.ClosedHand(controlLabel, 0.2), 2},
		{"unclassified hand silences", detector.SplitHand(controlLabel, 0.2), 2},
		{"same note after silence resubmits", detector.OpenHand(controlLabel, 0.2), 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f.app.Tick(time.Now(), []detector.HandLandmarks{tt.hand})
			if got := len(f.svc.Requests()); got != tt.wantReqs {
				t.Errorf("requests = %d, want %d", got, tt.wantReqs)
			}
		})
	}
}

func TestApp_VolumeOnlyWhenDetected(t *testing.T) {
	f := newFixture(t, Config{ControlHand: detector.Right})

	f.app.Tick(time.Now(), []detector.HandLandmarks{detector.OpenHand(volumeLabel, 0.25)})
	if got := f.engine.MasterVolume(); got != 0.75 {
		t.Fatalf("MasterVolume() = %v, want 0.75", got)
	}

	f.app.Tick(time.Now(), nil)
	if got := f.engine.MasterVolume(); got != 0.75 {
		t.Fatalf("MasterVolume() = %v after losing the volume hand, want 0.75", got)
	}
}

func TestApp_LeftControlHand(t *testing.T) {
	f := newFixture(t, Config{ControlHand: detector.Left})
	f.startHarmony(t)

	// The Right label is the physical left hand.
	state := f.app.Tick(time.Now(), []detector.HandLandmarks{detector.OpenHand(detector.Right, 0.5)})
	if !state.DetectedControl || state.DetectedVolume {
		t.Fatalf("state = %+v, want control only", state)
	}
}

func TestApp_DiscardStale(t *testing.T) {
	f := newFixture(t, Config{ControlHand: detector.Right, DiscardStale: true}, harmony.ManualReplies())
	f.startHarmony(t)
	if err := f.app.ActivateAudio(); err != nil {
		t.Fatalf("ActivateAudio() error = %v", err)
	}

	f.app.Tick(time.Now(), []detector.HandLandmarks{detector.OpenHand(controlLabel, 0.9)})
	f.app.Tick(time.Now(), []detector.HandLandmarks{detector.OpenHand(controlLabel, 0.1)})
	reqs := f.svc.Requests()
	if len(reqs) != 2 {
		t.Fatalf("requests = %d, want 2", len(reqs))
	}

	f.svc.Reply(reqs[0], cMajor)
	f.app.DrainEvents()
	if got := f.engine.ActiveVoices(); got != 0 {
		t.Fatalf("stale reply applied: ActiveVoices() = %d", got)
	}

	chord, err := harmony.Triad(reqs[1].Note)
	if err != nil {
		t.Fatalf("Triad() error = %v", err)
	}
	f.svc.Reply(reqs[1], chord)
	f.app.DrainEvents()
	if got := f.engine.ActiveVoices(); got != 4 {
		t.Fatalf("ActiveVoices() = %d, want 4", got)
	}
}

func TestApp_HarmonyErrorsAreNotFatal(t *testing.T) {
	f := newFixture(t, Config{ControlHand: detector.Right}, harmony.ManualReplies())
	f.startHarmony(t)

	f.app.Tick(time.Now(), []detector.HandLandmarks{detector.OpenHand(controlLabel, 0.5)})
	f.svc.Fail(f.svc.Requests()[0], errors.New("model crashed"))
	f.app.DrainEvents()

	if err := f.app.Err(); err != nil {
		t.Fatalf("Err() = %v, want nil", err)
	}
	if got := f.engine.ActiveVoices(); got != 0 {
		t.Fatalf("ActiveVoices() = %d, want 0", got)
	}
}

func TestApp_AudioInitFailure(t *testing.T) {
	f := newFixture(t, Config{ControlHand: detector.Right})
	f.startHarmony(t)
	f.backend.FailOpen(errors.New("no output device"))

	if err := f.app.ActivateAudio(); err != nil {
		t.Fatalf("ActivateAudio() without a chord should not open the device: %v", err)
	}

	f.app.Tick(time.Now(), []detector.HandLandmarks{detector.OpenHand(controlLabel, 0.5)})
	f.app.DrainEvents()

	if err := f.app.Err(); !errors.Is(err, synth.ErrAudioInit) {
		t.Fatalf("Err() = %v, want ErrAudioInit", err)
	}
	if snap := f.app.Snapshot(); snap.Error == "" {
		t.Error("snapshot should carry the error")
	}

	// The device comes back and the user enables sound again.
	f.backend.FailOpen(nil)
	if err := f.app.ActivateAudio(); err != nil {
		t.Fatalf("ActivateAudio() after recovery error = %v", err)
	}
	if err := f.app.Err(); err != nil {
		t.Fatalf("Err() = %v, want nil after recovery", err)
	}
	snap := f.app.Snapshot()
	if snap.Error != "" || !snap.AudioRunning {
		t.Fatalf("snapshot = %+v, want running audio and no error", snap)
	}
	f.backend.Pull(64)
	if got := f.engine.SoundingVoices(); got != 4 {
		t.Fatalf("SoundingVoices() = %d, want 4 from the stored chord", got)
	}
}

func TestApp_AudioRecoversOnNextChord(t *testing.T) {
	f := newFixture(t, Config{ControlHand: detector.Right})
	f.startHarmony(t)
	f.backend.FailOpen(errors.New("no output device"))
	if err := f.app.ActivateAudio(); err != nil {
		t.Fatalf("ActivateAudio() error = %v", err)
	}

	f.app.Tick(time.Now(), []detector.HandLandmarks{detector.OpenHand(controlLabel, 0.97)})
	f.app.DrainEvents()
	if !errors.Is(f.app.Err(), synth.ErrAudioInit) {
		t.Fatalf("Err() = %v, want ErrAudioInit", f.app.Err())
	}

	f.backend.FailOpen(nil)
	f.app.Tick(time.Now(), []detector.HandLandmarks{detector.OpenHand(controlLabel, 0.03)})
	f.app.DrainEvents()

	if err := f.app.Err(); err != nil {
		t.Fatalf("Err() = %v, want nil once a chord opens the device", err)
	}
	if !f.backend.Opened() {
		t.Fatal("expected backend open")
	}
}

func TestApp_HarmonyStartFailure(t *testing.T) {
	f := newFixture(t, Config{ControlHand: detector.Right}, harmony.WithStartError(errors.New("unreachable")))

	err := f.app.session.Start(context.Background())
	if !errors.Is(err, harmony.ErrNotReady) {
		t.Fatalf("session start error = %v, want ErrNotReady", err)
	}

	// Gestures keep working without harmony.
	state := f.app.Tick(time.Now(), []detector.HandLandmarks{detector.OpenHand(controlLabel, 0.5)})
	if !state.DetectedControl {
		t.Fatal("expected control detected")
	}
	if f.app.Snapshot().HarmonyReady {
		t.Error("harmony should not be ready")
	}
}

func TestApp_StartCameraFailure(t *testing.T) {
	f := newFixture(t, Config{ControlHand: detector.Right})
	f.camera.FailOpen(errors.New("device busy"))

	err := f.app.Start(context.Background())
	if !errors.Is(err, ErrTracking) {
		t.Fatalf("Start() error = %v, want ErrTracking", err)
	}
	if !errors.Is(f.app.Err(), ErrTracking) {
		t.Fatalf("Err() = %v, want ErrTracking", f.app.Err())
	}
	if f.app.Running() {
		t.Error("app should not be running")
	}
}

func TestApp_StepDetectionFailures(t *testing.T) {
	f := newFixture(t, Config{ControlHand: detector.Right, MaxFailures: 2})

	frame := gocv.NewMatWithSize(48, 64, gocv.MatTypeCV8UC3)
	defer frame.Close()
	f.camera.SetFrames([]*gocv.Mat{&frame})
	if err := f.camera.Open(); err != nil {
		t.Fatalf("camera open: %v", err)
	}

	f.detector.SetError(errors.New("mediapipe exited"))
	if err := f.app.step(time.Now()); err != nil {
		t.Fatalf("first failure should be tolerated: %v", err)
	}
	if err := f.app.step(time.Now()); !errors.Is(err, ErrTracking) {
		t.Fatalf("step() error = %v, want ErrTracking", err)
	}
}

func TestApp_StepClosedCamera(t *testing.T) {
	f := newFixture(t, Config{ControlHand: detector.Right})

	if err := f.app.step(time.Now()); !errors.Is(err, ErrTracking) {
		t.Fatalf("step() error = %v, want ErrTracking", err)
	}
}

func TestApp_RunLoop(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping loop test in short mode")
	}

	f := newFixture(t, Config{ControlHand: detector.Right, FPS: 100})

	frame := gocv.NewMatWithSize(48, 64, gocv.MatTypeCV8UC3)
	defer frame.Close()
	f.camera.SetFrames([]*gocv.Mat{&frame})
	f.detector.SetHands([]detector.HandLandmarks{detector.OpenHand(controlLabel, 0.5)})

	if err := f.app.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := f.app.ActivateAudio(); err != nil {
		t.Fatalf("ActivateAudio() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for f.engine.ActiveVoices() != 4 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := f.engine.ActiveVoices(); got != 4 {
		t.Fatalf("ActiveVoices() = %d, want 4 from the running loop", got)
	}
	if len(f.svc.Requests()) != 1 {
		t.Errorf("requests = %d, want 1 for a steady hand", len(f.svc.Requests()))
	}

	if err := f.app.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if f.app.Running() {
		t.Error("app should not be running after Stop()")
	}
	if f.camera.IsOpen() {
		t.Error("camera should be closed after Stop()")
	}
	if f.backend.Opened() {
		t.Error("audio backend should be closed after Stop()")
	}
	if err := f.app.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}
