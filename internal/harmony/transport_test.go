package harmony

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startNATS(t *testing.T) *server.Server {
	t.Helper()

	ns, err := server.NewServer(&server.Options{
		Host:   "127.0.0.1",
		Port:   server.RANDOM_PORT,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)

	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		t.Fatal("embedded NATS server failed to start within 5 seconds")
	}
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	return ns
}

func nextEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "event channel closed")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for harmony event")
		return Event{}
	}
}

func TestNATSService_RoundTrip(t *testing.T) {
	ns := startNATS(t)

	conn, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	defer conn.Close()

	responder := NewResponder(conn, "test.harmony", nil, discardLogger())
	require.NoError(t, responder.Start())
	defer responder.Close()

	svc := NewNATSService(NATSConfig{
		Servers:        []string{ns.ClientURL()},
		Subject:        "test.harmony",
		ReadyProbe:     true,
		RequestTimeout: 2 * time.Second,
	}, discardLogger())
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Close()

	assert.Equal(t, EventReady, nextEvent(t, svc.Events()).Type)

	req := Request{ID: "req-1", Seq: 7, Note: 72}
	svc.Submit(req)

	ev := nextEvent(t, svc.Events())
	require.Equal(t, EventChord, ev.Type, "unexpected error: %v", ev.Err)
	assert.Equal(t, req, ev.Request)
	assert.Equal(t, Chord{Soprano: 72, Alto: 67, Tenor: 64, Bass: 60}, ev.Chord)
}

func TestNATSService_RemoteError(t *testing.T) {
	ns := startNATS(t)

	conn, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	defer conn.Close()

	responder := NewResponder(conn, DefaultSubject, func(Note) (Chord, error) {
		return Chord{}, errors.New("no chord for you")
	}, discardLogger())
	require.NoError(t, responder.Start())
	defer responder.Close()

	svc := NewNATSServiceConn(conn, NATSConfig{}, discardLogger())
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Close()

	assert.Equal(t, EventReady, nextEvent(t, svc.Events()).Type)

	svc.Submit(Request{Seq: 1, Note: 64})
	ev := nextEvent(t, svc.Events())
	assert.Equal(t, EventError, ev.Type)
	assert.ErrorContains(t, ev.Err, "no chord for you")
}

func TestNATSService_NoResponder(t *testing.T) {
	ns := startNATS(t)

	svc := NewNATSService(NATSConfig{
		Servers:        []string{ns.ClientURL()},
		RequestTimeout: 200 * time.Millisecond,
	}, discardLogger())
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Close()

	assert.Equal(t, EventReady, nextEvent(t, svc.Events()).Type)

	svc.Submit(Request{Seq: 1, Note: 60})
	ev := nextEvent(t, svc.Events())
	assert.Equal(t, EventError, ev.Type)
}

func TestNATSService_ProbeWaitsForResponder(t *testing.T) {
	ns := startNATS(t)

	svc := NewNATSService(NATSConfig{
		Servers:        []string{ns.ClientURL()},
		ReadyProbe:     true,
		RequestTimeout: 200 * time.Millisecond,
		ProbeInterval:  20 * time.Millisecond,
	}, discardLogger())
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Close()

	select {
	case ev := <-svc.Events():
		t.Fatalf("unexpected event before responder started: %v", ev.Type)
	case <-time.After(100 * time.Millisecond):
	}

	conn, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	defer conn.Close()

	responder := NewResponder(conn, "", nil, discardLogger())
	require.NoError(t, responder.Start())
	defer responder.Close()

	assert.Equal(t, EventReady, nextEvent(t, svc.Events()).Type)
}

func TestNATSService_StartFailure(t *testing.T) {
	svc := NewNATSService(NATSConfig{}, discardLogger())
	assert.Error(t, svc.Start(context.Background()))

	svc = NewNATSService(NATSConfig{
		Servers:        []string{"nats://127.0.0.1:1"},
		RequestTimeout: 100 * time.Millisecond,
	}, discardLogger())
	assert.Error(t, svc.Start(context.Background()))
}

func TestNATSService_CloseClosesEvents(t *testing.T) {
	svc := NewNATSService(NATSConfig{}, discardLogger())
	require.NoError(t, svc.Close())

	_, ok := <-svc.Events()
	assert.False(t, ok)
	assert.ErrorIs(t, svc.Start(context.Background()), ErrServiceClosed)
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("skipping test on Windows")
	}
	path := filepath.Join(t.TempDir(), "harmonize.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestExecService(t *testing.T) {
	t.Run("returns chord", func(t *testing.T) {
		script := writeScript(t, `cat > /dev/null
echo '{"soprano":72,"alto":67,"tenor":64,"bass":60}'
`)
		svc, err := NewExecService(script, 5*time.Second, discardLogger())
		require.NoError(t, err)
		require.NoError(t, svc.Start(context.Background()))
		defer svc.Close()

		assert.Equal(t, EventReady, nextEvent(t, svc.Events()).Type)

		svc.Submit(Request{Seq: 3, Note: 72})
		ev := nextEvent(t, svc.Events())
		require.Equal(t, EventChord, ev.Type, "unexpected error: %v", ev.Err)
		assert.Equal(t, Chord{Soprano: 72, Alto: 67, Tenor: 64, Bass: 60}, ev.Chord)
		assert.Equal(t, uint64(3), ev.Request.Seq)
	})

	t.Run("reads request from stdin", func(t *testing.T) {
		script := writeScript(t, `read line
case "$line" in
  *'"note":65'*) echo '{"soprano":65,"alto":60,"tenor":57,"bass":53}' ;;
  *) echo '{"error":"unexpected request"}' ;;
esac
`)
		svc, err := NewExecService(script, 5*time.Second, discardLogger())
		require.NoError(t, err)
		require.NoError(t, svc.Start(context.Background()))
		defer svc.Close()
		nextEvent(t, svc.Events())

		svc.Submit(Request{Seq: 1, Note: 65})
		ev := nextEvent(t, svc.Events())
		require.Equal(t, EventChord, ev.Type, "unexpected error: %v", ev.Err)
		assert.Equal(t, Note(53), ev.Chord.Bass)
	})

	t.Run("reports model error", func(t *testing.T) {
		script := writeScript(t, `echo '{"error":"cannot harmonize"}'
`)
		svc, err := NewExecService(script, 5*time.Second, discardLogger())
		require.NoError(t, err)
		require.NoError(t, svc.Start(context.Background()))
		defer svc.Close()
		nextEvent(t, svc.Events())

		svc.Submit(Request{Seq: 1, Note: 60})
		ev := nextEvent(t, svc.Events())
		assert.Equal(t, EventError, ev.Type)
		assert.ErrorContains(t, ev.Err, "cannot harmonize")
	})

	t.Run("times out", func(t *testing.T) {
		script := writeScript(t, `exec sleep 5
`)
		svc, err := NewExecService(script, 100*time.Millisecond, discardLogger())
		require.NoError(t, err)
		require.NoError(t, svc.Start(context.Background()))
		defer svc.Close()
		nextEvent(t, svc.Events())

		svc.Submit(Request{Seq: 1, Note: 60})
		ev := nextEvent(t, svc.Events())
		assert.Equal(t, EventError, ev.Type)
		assert.ErrorContains(t, ev.Err, "timeout")
	})

	t.Run("missing executable", func(t *testing.T) {
		svc, err := NewExecService("/nonexistent/harmonizer --fast", time.Second, discardLogger())
		require.NoError(t, err)
		assert.Error(t, svc.Start(context.Background()))
	})

	t.Run("empty command", func(t *testing.T) {
		_, err := NewExecService("  ", time.Second, discardLogger())
		assert.Error(t, err)
	})

	t.Run("quoted arguments", func(t *testing.T) {
		svc, err := NewExecService("/bin/harmonizer --model 'satb small'", time.Second, discardLogger())
		require.NoError(t, err)
		assert.Equal(t, []string{"/bin/harmonizer", "--model", "satb small"}, svc.args)
	})
}
