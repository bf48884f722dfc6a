package harmony

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ayusman/handchoir/internal/gesture"
)

// ChordSink receives the chords and silence requests a Session produces.
type ChordSink interface {
	SetChord(chord Chord) error
	SetSilence()
}

// Observer is notified of notes submitted and chords applied.
type Observer interface {
	NoteSubmitted(req Request)
	ChordApplied(req Request, chord Chord)
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithDiscardStale drops chord responses that do not answer the newest
// submitted request, and any response arriving after silence.
func WithDiscardStale() SessionOption {
	return func(s *Session) { s.discardStale = true }
}

// WithLogger sets the session logger.
func WithLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) { s.logger = logger }
}

// WithMeter sets the meter the session's counters are created on.
func WithMeter(meter metric.Meter) SessionOption {
	return func(s *Session) { s.meter = meter }
}

// WithObserver registers an Observer.
func WithObserver(o Observer) SessionOption {
	return func(s *Session) { s.observers = append(s.observers, o) }
}

// Session turns control updates into harmonization requests and forwards
// chord results to a ChordSink. OnControlUpdate and HandleEvent must be
// called from the same control loop.
type Session struct {
	svc          Service
	sink         ChordSink
	logger       *slog.Logger
	meter        metric.Meter
	observers    []Observer
	discardStale bool

	mu        sync.RWMutex
	ready     bool
	hasLast   bool
	last      Note
	seq       uint64
	silenced  bool
	lastChord *Chord

	requests  metric.Int64Counter
	responses metric.Int64Counter
	failures  metric.Int64Counter
	applied   metric.Int64Counter
}

// NewSession creates a Session submitting to svc and publishing to sink.
func NewSession(svc Service, sink ChordSink, opts ...SessionOption) *Session {
	s := &Session{
		svc:    svc,
		sink:   sink,
		logger: slog.Default(),
		meter:  otel.Meter("github.com/ayusman/handchoir/harmony"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "harmony-session"))

	if err := s.initMetrics(); err != nil {
		s.logger.Warn("failed to initialize metrics", slogError(err))
	}
	return s
}

func (s *Session) initMetrics() error {
	var err error
	if s.requests, err = s.meter.Int64Counter("handchoir.harmony.requests",
		metric.WithDescription("Harmonization requests submitted")); err != nil {
		return err
	}
	if s.responses, err = s.meter.Int64Counter("handchoir.harmony.responses",
		metric.WithDescription("Chord responses received")); err != nil {
		return err
	}
	if s.failures, err = s.meter.Int64Counter("handchoir.harmony.errors",
		metric.WithDescription("Failed harmonization requests")); err != nil {
		return err
	}
	if s.applied, err = s.meter.Int64Counter("handchoir.chords.applied",
		metric.WithDescription("Chords forwarded to the synthesizer")); err != nil {
		return err
	}
	return nil
}

// Start starts the underlying service. A failure leaves the session not
// ready; gestures and silence keep working.
func (s *Session) Start(ctx context.Context) error {
	if err := s.svc.Start(ctx); err != nil {
		s.logger.Warn("harmony service failed to start", slogError(err))
		return fmt.Errorf("%w: %v", ErrNotReady, err)
	}
	return nil
}

// Events returns the service's event channel for the control loop to drain.
func (s *Session) Events() <-chan Event {
	return s.svc.Events()
}

// Ready reports whether the service has signalled readiness.
func (s *Session) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready
}

// LastNote returns the last submitted melody note, if any.
func (s *Session) LastNote() (Note, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last, s.hasLast
}

// LastChord returns the last chord forwarded to the sink, if any.
func (s *Session) LastChord() (Chord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastChord == nil {
		return Chord{}, false
	}
	return *s.lastChord, true
}

// OnControlUpdate handles one frame of control input. It returns the request
// submitted, if the quantized note changed.
func (s *Session) OnControlUpdate(pitch float64, class gesture.Class, detected bool) (Request, bool) {
	if !detected || !class.Active() {
		s.mu.Lock()
		s.hasLast = false
		s.silenced = true
		s.mu.Unlock()

		s.sink.SetSilence()
		return Request{}, false
	}

	note := Quantize(pitch)

	s.mu.Lock()
	if s.hasLast && s.last == note {
		s.mu.Unlock()
		return Request{}, false
	}
	s.seq++
	req := Request{ID: uuid.NewString(), Seq: s.seq, Note: note}
	s.last = note
	s.hasLast = true
	s.silenced = false
	s.mu.Unlock()

	s.svc.Submit(req)
	s.requests.Add(context.Background(), 1)
	s.logger.Debug("harmony requested",
		slog.String("note", note.Name()),
		slog.Uint64("seq", req.Seq))

	for _, o := range s.observers {
		o.NoteSubmitted(req)
	}
	return req, true
}

// OnHarmonyResult forwards chord to the sink unconditionally.
func (s *Session) OnHarmonyResult(chord Chord) error {
	return s.apply(Request{}, chord)
}

// HandleEvent processes one service event on the control loop. Only a sink
// failure is returned; request failures are logged and counted.
func (s *Session) HandleEvent(ev Event) error {
	switch ev.Type {
	case EventReady:
		s.mu.Lock()
		s.ready = true
		s.mu.Unlock()
		s.logger.Info("harmony service ready")
		return nil

	case EventChord:
		s.responses.Add(context.Background(), 1)
		if s.discardStale && s.stale(ev.Request) {
			s.logger.Debug("discarding stale chord",
				slog.Uint64("seq", ev.Request.Seq),
				slog.String("chord", ev.Chord.String()))
			return nil
		}
		return s.apply(ev.Request, ev.Chord)

	case EventError:
		s.failures.Add(context.Background(), 1,
			metric.WithAttributes(attribute.Int("note", int(ev.Request.Note))))
		if ev.Err != nil {
			s.logger.Warn("harmony request failed",
				slog.Uint64("seq", ev.Request.Seq),
				slogError(ev.Err))
		}
		return nil

	default:
		s.logger.Warn("unknown harmony event", slog.String("type", ev.Type.String()))
		return nil
	}
}

func (s *Session) stale(req Request) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.silenced || req.Seq != s.seq
}

func (s *Session) apply(req Request, chord Chord) error {
	if err := s.sink.SetChord(chord); err != nil {
		return fmt.Errorf("apply chord %s: %w", chord, err)
	}

	s.mu.Lock()
	c := chord
	s.lastChord = &c
	s.mu.Unlock()

	s.applied.Add(context.Background(), 1)
	for _, o := range s.observers {
		o.ChordApplied(req, chord)
	}
	return nil
}

// Close closes the underlying service.
func (s *Session) Close() error {
	return s.svc.Close()
}
