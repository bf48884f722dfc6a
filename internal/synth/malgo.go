package synth

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/gen2brain/malgo"
)

// MalgoBackend plays through the default output device using miniaudio.
type MalgoBackend struct {
	periodMs uint32
	logger   *slog.Logger

	mu      sync.Mutex
	context *malgo.AllocatedContext
	device  *malgo.Device
	buf     []float32
}

// NewMalgoBackend creates a device backend with the given period size.
func NewMalgoBackend(periodMs int, logger *slog.Logger) *MalgoBackend {
	if periodMs <= 0 {
		periodMs = 10
	}
	return &MalgoBackend{
		periodMs: uint32(periodMs),
		logger:   logger.With(slog.String("component", "malgo")),
	}
}

// Open initializes the playback device and starts it.
func (b *MalgoBackend) Open(cfg Config, render RenderFunc) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.device != nil {
		return fmt.Errorf("audio device already open")
	}

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		b.logger.Debug("miniaudio", slog.String("message", message))
	})
	if err != nil {
		return fmt.Errorf("init audio context: %w", err)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.PeriodSizeInMilliseconds = b.periodMs
	deviceConfig.Playback.Format = malgo.FormatF32
	deviceConfig.Playback.Channels = uint32(cfg.Channels)
	deviceConfig.SampleRate = uint32(cfg.SampleRate)
	deviceConfig.Alsa.NoMMap = 1

	channels := cfg.Channels
	device, err := malgo.InitDevice(ctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: func(outputSamples, _ []byte, framecount uint32) {
			n := int(framecount) * channels
			if cap(b.buf) < n {
				b.buf = make([]float32, n)
			}
			buf := b.buf[:n]
			render(buf)
			for i, s := range buf {
				binary.LittleEndian.PutUint32(outputSamples[i*4:], math.Float32bits(s))
			}
		},
	})
	if err != nil {
		_ = ctx.Uninit()
		ctx.Free()
		return fmt.Errorf("init playback device: %w", err)
	}

	if err := device.Start(); err != nil {
		device.Uninit()
		_ = ctx.Uninit()
		ctx.Free()
		return fmt.Errorf("start playback device: %w", err)
	}

	b.context = ctx
	b.device = device
	b.logger.Info("playback device started",
		slog.Int("sample_rate", cfg.SampleRate),
		slog.Int("channels", channels),
		slog.Int("period_ms", int(b.periodMs)))
	return nil
}

// Close stops the device and releases the audio context.
func (b *MalgoBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.device == nil {
		return nil
	}

	var err error
	if stopErr := b.device.Stop(); stopErr != nil {
		err = fmt.Errorf("stop playback device: %w", stopErr)
	}
	b.device.Uninit()
	b.device = nil

	if uninitErr := b.context.Uninit(); uninitErr != nil && err == nil {
		err = fmt.Errorf("uninit audio context: %w", uninitErr)
	}
	b.context.Free()
	b.context = nil
	return err
}
