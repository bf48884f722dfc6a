package commands

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/ayusman/handchoir/internal/config"
	"github.com/ayusman/handchoir/internal/harmony"
	"github.com/ayusman/handchoir/internal/natsserver"
)

// newHarmonyService builds the service selected by cfg.Mode. The returned
// cleanup must run after the service itself has been closed.
func newHarmonyService(cfg config.HarmonyConfig, logger *slog.Logger) (harmony.Service, func(), error) {
	noop := func() {}

	switch cfg.Mode {
	case "mock":
		return harmony.NewMockService(), noop, nil

	case "exec":
		svc, err := harmony.NewExecService(cfg.Command, cfg.RequestTimeout(), logger)
		if err != nil {
			return nil, noop, err
		}
		return svc, noop, nil

	case "nats":
		servers := cfg.Servers
		cleanup := noop
		if cfg.Embedded {
			local, err := startLocalHarmony(cfg, logger)
			if err != nil {
				return nil, noop, err
			}
			servers = []string{local.url}
			cleanup = local.close
		}
		svc := harmony.NewNATSService(harmony.NATSConfig{
			Servers:        servers,
			Subject:        cfg.Subject,
			ReadyProbe:     cfg.ReadyProbe,
			RequestTimeout: cfg.RequestTimeout(),
		}, logger)
		return svc, cleanup, nil

	default:
		return nil, noop, fmt.Errorf("unknown harmony mode %q", cfg.Mode)
	}
}

// localHarmony is an embedded NATS server with a triad responder attached.
type localHarmony struct {
	url       string
	server    *natsserver.EmbeddedServer
	conn      *nats.Conn
	responder *harmony.Responder
}

func startLocalHarmony(cfg config.HarmonyConfig, logger *slog.Logger) (*localHarmony, error) {
	ns, err := natsserver.Start("127.0.0.1", cfg.EmbeddedPort, logger)
	if err != nil {
		return nil, err
	}

	conn, err := nats.Connect(ns.ClientURL(), nats.Name("handchoir-responder"))
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("connect to embedded NATS: %w", err)
	}

	responder := harmony.NewResponder(conn, cfg.Subject, harmony.Triad, logger)
	if err := responder.Start(); err != nil {
		conn.Close()
		ns.Shutdown()
		return nil, err
	}

	return &localHarmony{
		url:       ns.ClientURL(),
		server:    ns,
		conn:      conn,
		responder: responder,
	}, nil
}

func (l *localHarmony) close() {
	l.responder.Close()
	l.conn.Close()
	l.server.Shutdown()
}

// serveResponder answers harmony requests on conn until ctx is done.
func serveResponder(ctx context.Context, conn *nats.Conn, subject string, logger *slog.Logger) error {
	responder := harmony.NewResponder(conn, subject, harmony.Triad, logger)
	if err := responder.Start(); err != nil {
		return err
	}
	defer responder.Close()

	logger.Info("harmony responder ready",
		slog.String("subject", subject),
		slog.String("server", conn.ConnectedUrl()))
	<-ctx.Done()
	return nil
}

func joinServers(servers []string) string {
	return strings.Join(servers, ",")
}
