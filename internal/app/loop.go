package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ayusman/handchoir/internal/capture"
	"github.com/ayusman/handchoir/internal/detector"
)

// Run is the control loop: one Tick per camera frame at the configured FPS,
// with harmony events handled between frames. It returns nil when ctx is
// done and ErrTracking when the camera or detector stays unavailable.
func (a *App) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second / time.Duration(a.cfg.FPS))
	defer ticker.Stop()

	events := a.session.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			a.HandleEvent(ev)
		case ts := <-ticker.C:
			if err := a.step(ts); err != nil {
				return err
			}
		}
	}
}

// step reads, detects and ticks one frame.
func (a *App) step(ts time.Time) error {
	frame, err := a.camera.ReadFrame()
	if err != nil {
		if errors.Is(err, capture.ErrCameraNotOpen) {
			return fmt.Errorf("%w: %v", ErrTracking, err)
		}
		a.readFailures++
		if a.readFailures >= a.cfg.MaxFailures {
			return fmt.Errorf("%w: %d consecutive frame errors: %v", ErrTracking, a.readFailures, err)
		}
		a.logger.Debug("frame read failed", slog.String("error", err.Error()))
		return nil
	}
	defer frame.Close()
	a.readFailures = 0

	if a.frames != nil {
		if err := a.frames.Store(frame); err != nil {
			a.logger.Debug("preview encode failed", slog.String("error", err.Error()))
		}
	}

	var hands []detector.HandLandmarks
	if a.detector != nil {
		hands, err = a.detector.Detect(frame)
		if err != nil {
			a.detectFailures++
			if a.detectFailures >= a.cfg.MaxFailures {
				return fmt.Errorf("%w: %d consecutive detection errors: %v", ErrTracking, a.detectFailures, err)
			}
			a.logger.Warn("hand detection failed", slog.String("error", err.Error()))
			hands = nil
		} else {
			a.detectFailures = 0
		}
	}

	a.Tick(ts, hands)
	return nil
}
