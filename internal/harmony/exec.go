package harmony

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
)

// ExecService runs a harmony model executable once per request. The request
// is written to stdin as JSON and the chord is read from stdout.
type ExecService struct {
	args    []string
	timeout time.Duration
	logger  *slog.Logger
	events  chan Event

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

type execRequest struct {
	Note int    `json:"note"`
	Seq  uint64 `json:"seq"`
}

type execResponse struct {
	Soprano *int   `json:"soprano"`
	Alto    *int   `json:"alto"`
	Tenor   *int   `json:"tenor"`
	Bass    *int   `json:"bass"`
	Error   string `json:"error"`
}

// NewExecService parses command with shell quoting rules.
func NewExecService(command string, timeout time.Duration, logger *slog.Logger) (*ExecService, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse harmony command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("harmony command empty")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &ExecService{
		args:    args,
		timeout: timeout,
		logger:  logger.With(slog.String("component", "harmony-exec")),
		events:  make(chan Event, eventBuffer),
	}, nil
}

// Start checks that the executable can be found and reports ready.
func (e *ExecService) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrServiceClosed
	}
	if _, err := exec.LookPath(e.args[0]); err != nil {
		return fmt.Errorf("harmony command: %w", err)
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.logger.Info("harmony executable ready", slog.String("command", e.args[0]))
	e.emit(Event{Type: EventReady})
	return nil
}

// Submit runs the executable for req in the background.
func (e *ExecService) Submit(req Request) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed || e.ctx == nil {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		chord, err := e.execute(req)
		if err != nil {
			e.emit(errorEvent(req, err))
			return
		}
		e.emit(chordEvent(req, chord))
	}()
}

func (e *ExecService) execute(req Request) (Chord, error) {
	ctx, cancel := context.WithTimeout(e.ctx, e.timeout)
	defer cancel()

	reqJSON, err := json.Marshal(execRequest{Note: int(req.Note), Seq: req.Seq})
	if err != nil {
		return Chord{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	cmd := exec.CommandContext(ctx, e.args[0], e.args[1:]...)
	cmd.Stdin = bytes.NewReader(reqJSON)
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Chord{}, fmt.Errorf("harmony execution timeout after %s", e.timeout)
	}
	if err != nil {
		if s := stderr.String(); s != "" {
			return Chord{}, fmt.Errorf("harmony execution failed: %w, stderr: %s", err, s)
		}
		return Chord{}, fmt.Errorf("harmony execution failed: %w", err)
	}

	var resp execResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return Chord{}, fmt.Errorf("failed to parse harmony response: %w, stdout: %s", err, stdout.String())
	}
	if resp.Error != "" {
		return Chord{}, errors.New(resp.Error)
	}
	if resp.Soprano == nil || resp.Alto == nil || resp.Tenor == nil || resp.Bass == nil {
		return Chord{}, errors.New("harmony response missing a part")
	}

	chord := Chord{
		Soprano: Note(*resp.Soprano),
		Alto:    Note(*resp.Alto),
		Tenor:   Note(*resp.Tenor),
		Bass:    Note(*resp.Bass),
	}
	if err := chord.Validate(); err != nil {
		return Chord{}, err
	}
	return chord, nil
}

func (e *ExecService) emit(ev Event) {
	select {
	case e.events <- ev:
	case <-e.ctx.Done():
	}
}

// Events implements Service.
func (e *ExecService) Events() <-chan Event {
	return e.events
}

// Close kills running executables, waits for them, and closes Events.
func (e *ExecService) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	if e.cancel != nil {
		e.cancel()
	}
	e.mu.Unlock()

	e.wg.Wait()
	close(e.events)
	return nil
}
