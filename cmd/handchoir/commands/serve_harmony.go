package commands

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/ayusman/handchoir/internal/natsserver"
	"github.com/ayusman/handchoir/internal/telemetry"
)

var (
	serveEmbedded bool
	servePort     int
)

var serveHarmonyCmd = &cobra.Command{
	Use:   "serve-harmony",
	Short: "Answer harmony requests over NATS",
	Long: `Subscribe to the harmony subject and answer every melody note with a
four-part chord (major triad, melody on top).

With --embedded a NATS server is started in-process so performers on the
local network can connect to it directly.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		logger := telemetry.NewLogger(os.Stderr, cfg.Telemetry.LogLevel, cfg.Telemetry.LogFormat)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		url := joinServers(cfg.Harmony.Servers)
		if serveEmbedded {
			port := cfg.Harmony.EmbeddedPort
			if cmd.Flags().Changed("port") {
				port = servePort
			}
			ns, err := natsserver.Start("0.0.0.0", port, logger)
			if err != nil {
				return err
			}
			defer ns.Shutdown()
			url = ns.ClientURL()
		}
		if url == "" {
			return fmt.Errorf("no NATS servers configured")
		}

		conn, err := nats.Connect(url,
			nats.Name("handchoir-harmony"),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					logger.Warn("nats disconnected", slog.String("error", err.Error()))
				}
			}),
			nats.ReconnectHandler(func(c *nats.Conn) {
				logger.Info("nats reconnected", slog.String("server", c.ConnectedUrl()))
			}),
		)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		defer conn.Close()

		return serveResponder(ctx, conn, cfg.Harmony.Subject, logger)
	},
}

func init() {
	serveHarmonyCmd.Flags().BoolVar(&serveEmbedded, "embedded", false, "run an in-process NATS server")
	serveHarmonyCmd.Flags().IntVar(&servePort, "port", 4222, "port for the embedded server")
	rootCmd.AddCommand(serveHarmonyCmd)
}
