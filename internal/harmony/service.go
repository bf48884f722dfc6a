package harmony

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
)

var (
	// ErrNotReady is returned when the harmony service could not be started.
	ErrNotReady = errors.New("harmony service not ready")
	// ErrServiceClosed is returned when a service is used after Close.
	ErrServiceClosed = errors.New("harmony service closed")
)

// Request asks the service to harmonize one melody note.
type Request struct {
	ID   string `json:"id"`
	Seq  uint64 `json:"seq"`
	Note Note   `json:"note"`
}

// EventType identifies what a service Event carries.
type EventType int

const (
	// EventReady signals the service can answer requests.
	EventReady EventType = iota
	// EventChord carries a chord for Request.
	EventChord
	// EventError reports that Request could not be harmonized.
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventReady:
		return "ready"
	case EventChord:
		return "chord"
	case EventError:
		return "error"
	default:
		return "event(" + strconv.Itoa(int(t)) + ")"
	}
}

// Event is delivered asynchronously on a Service's Events channel. Events
// for different requests may arrive in any order.
type Event struct {
	Type    EventType
	Request Request
	Chord   Chord
	Err     error
}

// Service is an asynchronous harmonization backend.
type Service interface {
	// Start prepares the service. Readiness is reported later as an
	// EventReady; an error here means the service will never become ready.
	Start(ctx context.Context) error

	// Submit queues a request without blocking.
	Submit(req Request)

	// Events returns the channel results are delivered on. It is closed by
	// Close.
	Events() <-chan Event

	// Close stops the service and releases its resources.
	Close() error
}

// eventBuffer is the capacity of every service's event channel.
const eventBuffer = 64

func chordEvent(req Request, chord Chord) Event {
	return Event{Type: EventChord, Request: req, Chord: chord}
}

func errorEvent(req Request, err error) Event {
	return Event{Type: EventError, Request: req, Err: fmt.Errorf("harmonize %s: %w", req.Note, err)}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
