package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ayusman/handchoir/internal/app"
	"github.com/ayusman/handchoir/internal/capture"
	"github.com/ayusman/handchoir/internal/config"
	"github.com/ayusman/handchoir/internal/detector"
	"github.com/ayusman/handchoir/internal/server"
	"github.com/ayusman/handchoir/internal/store"
	"github.com/ayusman/handchoir/internal/synth"
	"github.com/ayusman/handchoir/internal/telemetry"
	"github.com/ayusman/handchoir/internal/tray"
)

const (
	shutdownTimeout = 5 * time.Second
	watchInterval   = 250 * time.Millisecond
)

var (
	runControlHand string
	runAddr        string
	runHarmonyMode string
	runTray        bool
	runAutostart   bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a performance",
	Long: `Open the camera, start the harmony service and sing.

Audio output starts muted until it is enabled from the control panel, the
tray menu, or with --autostart-audio.`,
	RunE: runPerform,
}

func init() {
	addRunFlags(runCmd)
	rootCmd.AddCommand(runCmd)
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&runControlHand, "control-hand", "", "hand that picks the melody note (left|right)")
	cmd.Flags().StringVar(&runAddr, "addr", "", "HTTP listen address, overrides the config")
	cmd.Flags().StringVar(&runHarmonyMode, "harmony", "", "harmony mode (mock|nats|exec)")
	cmd.Flags().BoolVar(&runTray, "tray", false, "show the system tray menu")
	cmd.Flags().BoolVar(&runAutostart, "autostart-audio", false, "enable sound without waiting for a user action")
}

func runConfig() (config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return config.Config{}, err
	}
	if runControlHand != "" {
		cfg.ControlHand = runControlHand
	}
	if runHarmonyMode != "" {
		cfg.Harmony.Mode = runHarmonyMode
	}
	if runAutostart {
		cfg.Audio.Autostart = true
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func runPerform(cmd *cobra.Command, args []string) error {
	cfg, err := runConfig()
	if err != nil {
		return err
	}

	logger := telemetry.NewLogger(os.Stderr, cfg.Telemetry.LogLevel, cfg.Telemetry.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.Setup(ctx, cfg.Telemetry, logger)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	det, err := newDetector(cfg.Detector, logger)
	if err != nil {
		return fmt.Errorf("%w: %v", app.ErrTracking, err)
	}

	svc, cleanupHarmony, err := newHarmonyService(cfg.Harmony, logger)
	if err != nil {
		_ = det.Close()
		return err
	}
	defer cleanupHarmony()

	engine := synth.New(engineConfig(cfg.Audio), synth.NewMalgoBackend(cfg.Audio.PeriodMS, logger), logger)

	var recorder *store.Store
	if cfg.Recorder.Enabled {
		recorder, err = store.New(store.WithLogger(logger))
		if err != nil {
			_ = det.Close()
			return fmt.Errorf("open recorder: %w", err)
		}
	}

	frames := capture.NewFrameBuffer()
	camera := capture.NewCamera(capture.Config{
		DeviceID: cfg.Camera.DeviceID,
		Width:    cfg.Camera.Width,
		Height:   cfg.Camera.Height,
		FPS:      cfg.Camera.FPS,
	}, logger)

	a := app.New(app.Config{
		ControlHand:    detector.ParseHandedness(cfg.ControlHand),
		FPS:            cfg.Camera.FPS,
		AutostartAudio: cfg.Audio.Autostart,
		DiscardStale:   cfg.Harmony.DiscardStale,
	}, app.Deps{
		Camera:   camera,
		Detector: det,
		Harmony:  svc,
		Engine:   engine,
		Recorder: recorder,
		Frames:   frames,
		Logger:   logger,
	})
	defer func() {
		if err := a.Stop(); err != nil {
			logger.Warn("shutdown incomplete", slog.String("error", err.Error()))
		}
	}()

	if err := a.Start(ctx); err != nil {
		return err
	}

	srvCfg := server.Config{
		StaticDir: findWebDir(),
		App:       a,
		Frames:    frames,
		Metrics:   tel.MetricsHandler,
		Logger:    logger,
	}
	if recorder != nil {
		srvCfg.Recorder = recorder
	}
	if srvCfg.StaticDir != "" {
		logger.Info("serving control panel", slog.String("dir", srvCfg.StaticDir))
	}

	addr := cfg.HTTP.Addr()
	if runAddr != "" {
		addr = runAddr
	}

	srvCtx, stopServer := context.WithCancel(ctx)
	defer stopServer()
	serverErr := make(chan error, 1)
	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		serverErr <- server.New(srvCfg).Run(srvCtx, addr)
	}()

	trackingLost := watchTracking(ctx, a)

	wait := func() error {
		select {
		case <-ctx.Done():
			return nil
		case err := <-serverErr:
			if err != nil {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		case err := <-trackingLost:
			return err
		}
	}

	var runErr error
	if runTray {
		runErr = waitWithTray(ctx, stop, a, "http://"+addr, wait, logger)
	} else {
		runErr = wait()
	}

	logger.Info("shutting down")
	stopServer()
	<-serverDone
	return runErr
}

// waitWithTray runs the tray menu on the calling goroutine until wait
// returns or the user quits from the menu.
func waitWithTray(ctx context.Context, stop context.CancelFunc, a *app.App, url string, wait func() error, logger *slog.Logger) error {
	t := tray.New()
	t.OnEnableSound(a.ActivateAudio)
	t.OnOpen(func() {
		if err := openBrowser(url); err != nil {
			logger.Warn("failed to open browser", slog.String("url", url), slog.String("error", err.Error()))
		}
	})
	t.OnQuit(stop)

	go func() {
		ticker := time.NewTicker(watchInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.SetNote(a.Snapshot().Note)
			}
		}
	}()

	result := make(chan error, 1)
	go func() {
		result <- wait()
		t.Quit()
	}()

	t.Run()
	stop()
	return <-result
}

// watchTracking reports the first tracking failure recorded by the app.
func watchTracking(ctx context.Context, a *app.App) <-chan error {
	ch := make(chan error, 1)
	go func() {
		ticker := time.NewTicker(watchInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := a.Err(); errors.Is(err, app.ErrTracking) {
					ch <- err
					return
				}
			}
		}
	}()
	return ch
}

func newDetector(cfg config.DetectorConfig, logger *slog.Logger) (detector.Detector, error) {
	if cfg.Mode == "mock" {
		logger.Warn("using mock detector, no hands will be tracked")
		return detector.NewMockDetector(), nil
	}
	return detector.NewMediaPipeDetector(detector.Config{
		MaxHands:      cfg.MaxHands,
		MinConfidence: cfg.MinConfidence,
		Script:        cfg.Script,
		Python:        cfg.Python,
		IdleTimeout:   time.Duration(cfg.IdleTimeoutMS) * time.Millisecond,
	}, logger)
}

func engineConfig(cfg config.AudioConfig) synth.Config {
	ec := synth.DefaultConfig()
	ec.SampleRate = cfg.SampleRate
	ec.Channels = cfg.Channels
	ec.Lookahead = time.Duration(cfg.LookaheadMS) * time.Millisecond
	ec.InitialVolume = cfg.InitialVolume
	return ec
}

// findWebDir searches for the control panel assets in common locations.
// It checks: "web", "../web", "../../web", and ~/.handchoir/web.
// Returns the first existing directory or empty string if none found.
func findWebDir() string {
	relativePaths := []string{"web", "../web", "../../web"}
	for _, p := range relativePaths {
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			absPath, err := filepath.Abs(p)
			if err == nil {
				return absPath
			}
			return p
		}
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	homeWebDir := filepath.Join(homeDir, ".handchoir", "web")
	if info, err := os.Stat(homeWebDir); err == nil && info.IsDir() {
		return homeWebDir
	}

	return ""
}

func openBrowser(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	return cmd.Start()
}
