package harmony

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Headers carried on harmony requests and replies.
const (
	HeaderError     = "Harmony-Error"
	HeaderRequestID = "Harmony-Request-Id"
	HeaderSeq       = "Harmony-Seq"
)

// DefaultSubject is the subject harmony requests are published on.
const DefaultSubject = "handchoir.harmony"

// ReadySubject returns the readiness probe subject for subject.
func ReadySubject(subject string) string {
	return subject + ".ready"
}

// NATSConfig configures a NATSService.
type NATSConfig struct {
	Servers        []string
	Subject        string
	ReadyProbe     bool
	RequestTimeout time.Duration
	ProbeInterval  time.Duration
}

func (c NATSConfig) withDefaults() NATSConfig {
	if c.Subject == "" {
		c.Subject = DefaultSubject
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 2 * time.Second
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 500 * time.Millisecond
	}
	return c
}

// NATSService harmonizes over NATS request/reply.
type NATSService struct {
	cfg    NATSConfig
	conn   *nats.Conn
	owns   bool
	logger *slog.Logger
	tracer trace.Tracer
	events chan Event

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// NewNATSService creates a service that connects to cfg.Servers on Start.
func NewNATSService(cfg NATSConfig, logger *slog.Logger) *NATSService {
	return &NATSService{
		cfg:    cfg.withDefaults(),
		logger: logger.With(slog.String("component", "harmony-nats")),
		tracer: otel.Tracer("github.com/ayusman/handchoir/harmony"),
		events: make(chan Event, eventBuffer),
	}
}

// NewNATSServiceConn creates a service on an existing connection. The
// connection is not closed by Close.
func NewNATSServiceConn(conn *nats.Conn, cfg NATSConfig, logger *slog.Logger) *NATSService {
	s := NewNATSService(cfg, logger)
	s.conn = conn
	return s
}

// Start connects if needed and begins probing for readiness.
func (s *NATSService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrServiceClosed
	}

	if s.conn == nil {
		if len(s.cfg.Servers) == 0 {
			return errors.New("no NATS servers configured")
		}
		url := strings.Join(s.cfg.Servers, ",")
		conn, err := nats.Connect(url,
			nats.Name("handchoir"),
			nats.Timeout(s.cfg.RequestTimeout))
		if err != nil {
			return fmt.Errorf("connect to nats: %w", err)
		}
		s.conn = conn
		s.owns = true
		s.logger.Info("connected to NATS", slog.String("servers", url))
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())

	if !s.cfg.ReadyProbe {
		s.emit(Event{Type: EventReady})
		return nil
	}

	s.wg.Add(1)
	go s.probe(ctx)
	return nil
}

// probe asks the ready subject until a responder answers.
func (s *NATSService) probe(startCtx context.Context) {
	defer s.wg.Done()

	subject := ReadySubject(s.cfg.Subject)
	for {
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.RequestTimeout)
		_, err := s.conn.RequestWithContext(ctx, subject, nil)
		cancel()
		if err == nil {
			s.emit(Event{Type: EventReady})
			return
		}
		s.logger.Debug("harmony responder not ready", slogError(err))

		select {
		case <-s.ctx.Done():
			return
		case <-startCtx.Done():
			return
		case <-time.After(s.cfg.ProbeInterval):
		}
	}
}

// Submit sends req in the background; the result arrives on Events.
func (s *NATSService) Submit(req Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.ctx == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.emit(s.request(req))
	}()
}

func (s *NATSService) request(req Request) Event {
	ctx, span := s.tracer.Start(s.ctx, "harmony.request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.Int("harmony.note", int(req.Note)),
			attribute.Int64("harmony.seq", int64(req.Seq)),
			attribute.String("harmony.request_id", req.ID),
		))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	fail := func(err error) Event {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return errorEvent(req, err)
	}

	payload, err := EncodeNote(req.Note)
	if err != nil {
		return fail(err)
	}

	msg := nats.NewMsg(s.cfg.Subject)
	msg.Data = payload
	msg.Header.Set(HeaderRequestID, req.ID)
	msg.Header.Set(HeaderSeq, strconv.FormatUint(req.Seq, 10))

	reply, err := s.conn.RequestMsgWithContext(ctx, msg)
	if err != nil {
		return fail(fmt.Errorf("nats request: %w", err))
	}
	if remote := reply.Header.Get(HeaderError); remote != "" {
		return fail(errors.New(remote))
	}

	chord, err := DecodeChord(reply.Data)
	if err != nil {
		return fail(err)
	}
	span.SetAttributes(attribute.String("harmony.chord", chord.String()))
	return chordEvent(req, chord)
}

func (s *NATSService) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// Events implements Service.
func (s *NATSService) Events() <-chan Event {
	return s.events
}

// Close cancels outstanding requests, waits for them, and closes Events.
func (s *NATSService) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	s.wg.Wait()
	close(s.events)

	if s.owns && s.conn != nil {
		if err := s.conn.Drain(); err != nil {
			s.conn.Close()
			return fmt.Errorf("drain nats: %w", err)
		}
	}
	return nil
}

// Responder serves harmony requests on a subject using a HarmonizeFunc.
type Responder struct {
	conn      *nats.Conn
	subject   string
	harmonize HarmonizeFunc
	logger    *slog.Logger
	subs      []*nats.Subscription
}

// NewResponder creates a Responder. A nil fn uses Triad.
func NewResponder(conn *nats.Conn, subject string, fn HarmonizeFunc, logger *slog.Logger) *Responder {
	if subject == "" {
		subject = DefaultSubject
	}
	if fn == nil {
		fn = Triad
	}
	return &Responder{
		conn:      conn,
		subject:   subject,
		harmonize: fn,
		logger:    logger.With(slog.String("component", "harmony-responder")),
	}
}

// Start subscribes to the request and readiness subjects.
func (r *Responder) Start() error {
	sub, err := r.conn.Subscribe(r.subject, r.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", r.subject, err)
	}
	r.subs = append(r.subs, sub)

	ready, err := r.conn.Subscribe(ReadySubject(r.subject), func(msg *nats.Msg) {
		_ = msg.Respond(nil)
	})
	if err != nil {
		r.Close()
		return fmt.Errorf("subscribe %s: %w", ReadySubject(r.subject), err)
	}
	r.subs = append(r.subs, ready)

	if err := r.conn.Flush(); err != nil {
		r.Close()
		return fmt.Errorf("flush subscriptions: %w", err)
	}
	r.logger.Info("harmony responder started", slog.String("subject", r.subject))
	return nil
}

// Close drains the responder's subscriptions.
func (r *Responder) Close() {
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
	r.subs = nil
}

func (r *Responder) handleRequest(msg *nats.Msg) {
	reply := nats.NewMsg(msg.Reply)
	reply.Header.Set(HeaderRequestID, msg.Header.Get(HeaderRequestID))
	reply.Header.Set(HeaderSeq, msg.Header.Get(HeaderSeq))

	data, err := r.answer(msg.Data)
	if err != nil {
		r.logger.Warn("harmony request failed", slogError(err))
		reply.Header.Set(HeaderError, err.Error())
	} else {
		reply.Data = data
	}

	if err := msg.RespondMsg(reply); err != nil {
		r.logger.Warn("failed to send harmony reply", slogError(err))
	}
}

func (r *Responder) answer(payload []byte) ([]byte, error) {
	note, err := DecodeNote(payload)
	if err != nil {
		return nil, err
	}
	chord, err := r.harmonize(note)
	if err != nil {
		return nil, err
	}
	return EncodeChord(chord)
}
