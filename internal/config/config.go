// Package config loads handchoir settings from YAML and HANDCHOIR_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

// Addr returns the listen address.
func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Bind, h.Port)
}

type CameraConfig struct {
	DeviceID int `yaml:"device_id"`
	Width    int `yaml:"width"`
	Height   int `yaml:"height"`
	FPS      int `yaml:"fps"`
}

type DetectorConfig struct {
	Mode          string  `yaml:"mode"` // mediapipe, mock
	Script        string  `yaml:"script"`
	Python        string  `yaml:"python"`
	MaxHands      int     `yaml:"max_hands"`
	MinConfidence float64 `yaml:"min_confidence"`
	IdleTimeoutMS int     `yaml:"idle_timeout_ms"`
}

type HarmonyConfig struct {
	Mode             string   `yaml:"mode"` // mock, nats, exec
	Servers          []string `yaml:"servers"`
	Subject          string   `yaml:"subject"`
	ReadyProbe       bool     `yaml:"ready_probe"`
	RequestTimeoutMS int      `yaml:"request_timeout_ms"`
	Command          string   `yaml:"command"`
	DiscardStale     bool     `yaml:"discard_stale"`
	Embedded         bool     `yaml:"embedded"`
	EmbeddedPort     int      `yaml:"embedded_port"`
}

// RequestTimeout returns the per-request timeout.
func (h HarmonyConfig) RequestTimeout() time.Duration {
	return time.Duration(h.RequestTimeoutMS) * time.Millisecond
}

type AudioConfig struct {
	SampleRate    int     `yaml:"sample_rate"`
	Channels      int     `yaml:"channels"`
	PeriodMS      int     `yaml:"period_ms"`
	LookaheadMS   int     `yaml:"lookahead_ms"`
	InitialVolume float64 `yaml:"initial_volume"`
	Autostart     bool    `yaml:"autostart"`
}

type TelemetryConfig struct {
	ServiceName  string `yaml:"service_name"`
	LogLevel     string `yaml:"log_level"`
	LogFormat    string `yaml:"log_format"` // text, json
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	TraceStdout  bool   `yaml:"trace_stdout"`
}

type RecorderConfig struct {
	Enabled bool `yaml:"enabled"`
}

type Config struct {
	ControlHand string          `yaml:"control_hand"`
	HTTP        HTTPConfig      `yaml:"http"`
	Camera      CameraConfig    `yaml:"camera"`
	Detector    DetectorConfig  `yaml:"detector"`
	Harmony     HarmonyConfig   `yaml:"harmony"`
	Audio       AudioConfig     `yaml:"audio"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Recorder    RecorderConfig  `yaml:"recorder"`
}

func Default() Config {
	return Config{
		ControlHand: "right",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8080,
		},
		Camera: CameraConfig{
			DeviceID: 0,
			Width:    640,
			Height:   480,
			FPS:      30,
		},
		Detector: DetectorConfig{
			Mode:          "mediapipe",
			MaxHands:      2,
			MinConfidence: 0.5,
			IdleTimeoutMS: 30000,
		},
		Harmony: HarmonyConfig{
			Mode:             "mock",
			Servers:          []string{"nats://localhost:4222"},
			Subject:          "handchoir.harmony",
			ReadyProbe:       true,
			RequestTimeoutMS: 2000,
			EmbeddedPort:     4222,
		},
		Audio: AudioConfig{
			SampleRate:    48000,
			Channels:      2,
			PeriodMS:      10,
			LookaheadMS:   5,
			InitialVolume: 0.8,
		},
		Telemetry: TelemetryConfig{
			ServiceName:  "handchoir",
			LogLevel:     "info",
			LogFormat:    "text",
			OTLPInsecure: true,
		},
		Recorder: RecorderConfig{
			Enabled: true,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.ControlHand, "HANDCHOIR_CONTROL_HAND")
	overrideString(&cfg.HTTP.Bind, "HANDCHOIR_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "HANDCHOIR_HTTP_PORT")
	overrideInt(&cfg.Camera.DeviceID, "HANDCHOIR_CAMERA_DEVICE_ID")
	overrideInt(&cfg.Camera.Width, "HANDCHOIR_CAMERA_WIDTH")
	overrideInt(&cfg.Camera.Height, "HANDCHOIR_CAMERA_HEIGHT")
	overrideInt(&cfg.Camera.FPS, "HANDCHOIR_CAMERA_FPS")
	overrideString(&cfg.Detector.Mode, "HANDCHOIR_DETECTOR_MODE")
	overrideString(&cfg.Detector.Script, "HANDCHOIR_DETECTOR_SCRIPT")
	overrideString(&cfg.Detector.Python, "HANDCHOIR_DETECTOR_PYTHON")
	overrideInt(&cfg.Detector.MaxHands, "HANDCHOIR_DETECTOR_MAX_HANDS")
	overrideFloat(&cfg.Detector.MinConfidence, "HANDCHOIR_DETECTOR_MIN_CONFIDENCE")
	overrideInt(&cfg.Detector.IdleTimeoutMS, "HANDCHOIR_DETECTOR_IDLE_TIMEOUT_MS")
	overrideString(&cfg.Harmony.Mode, "HANDCHOIR_HARMONY_MODE")
	overrideStringSlice(&cfg.Harmony.Servers, "HANDCHOIR_HARMONY_SERVERS")
	overrideString(&cfg.Harmony.Subject, "HANDCHOIR_HARMONY_SUBJECT")
	overrideBool(&cfg.Harmony.ReadyProbe, "HANDCHOIR_HARMONY_READY_PROBE")
	overrideInt(&cfg.Harmony.RequestTimeoutMS, "HANDCHOIR_HARMONY_REQUEST_TIMEOUT_MS")
	overrideString(&cfg.Harmony.Command, "HANDCHOIR_HARMONY_COMMAND")
	overrideBool(&cfg.Harmony.DiscardStale, "HANDCHOIR_HARMONY_DISCARD_STALE")
	overrideBool(&cfg.Harmony.Embedded, "HANDCHOIR_HARMONY_EMBEDDED")
	overrideInt(&cfg.Harmony.EmbeddedPort, "HANDCHOIR_HARMONY_EMBEDDED_PORT")
	overrideInt(&cfg.Audio.SampleRate, "HANDCHOIR_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.Channels, "HANDCHOIR_AUDIO_CHANNELS")
	overrideInt(&cfg.Audio.PeriodMS, "HANDCHOIR_AUDIO_PERIOD_MS")
	overrideInt(&cfg.Audio.LookaheadMS, "HANDCHOIR_AUDIO_LOOKAHEAD_MS")
	overrideFloat(&cfg.Audio.InitialVolume, "HANDCHOIR_AUDIO_INITIAL_VOLUME")
	overrideBool(&cfg.Audio.Autostart, "HANDCHOIR_AUDIO_AUTOSTART")
	overrideString(&cfg.Telemetry.ServiceName, "HANDCHOIR_TELEMETRY_SERVICE_NAME")
	overrideString(&cfg.Telemetry.LogLevel, "HANDCHOIR_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFormat, "HANDCHOIR_TELEMETRY_LOG_FORMAT")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "HANDCHOIR_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "HANDCHOIR_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.TraceStdout, "HANDCHOIR_TELEMETRY_TRACE_STDOUT")
	overrideBool(&cfg.Recorder.Enabled, "HANDCHOIR_RECORDER_ENABLED")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		var trimmed []string
		for _, p := range strings.Split(value, ",") {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

// Validate checks the configuration for values the application cannot run with.
func (cfg Config) Validate() error {
	switch strings.ToLower(cfg.ControlHand) {
	case "left", "right":
	default:
		return fmt.Errorf("control_hand must be left or right, got %q", cfg.ControlHand)
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Camera.FPS <= 0 {
		return errors.New("camera.fps must be positive")
	}
	switch cfg.Detector.Mode {
	case "mediapipe", "mock":
	default:
		return fmt.Errorf("detector.mode must be mediapipe or mock, got %q", cfg.Detector.Mode)
	}
	if cfg.Detector.MinConfidence < 0 || cfg.Detector.MinConfidence > 1 {
		return errors.New("detector.min_confidence must be between 0 and 1")
	}
	switch cfg.Harmony.Mode {
	case "mock":
	case "nats":
		if len(cfg.Harmony.Servers) == 0 && !cfg.Harmony.Embedded {
			return errors.New("harmony.servers must not be empty in nats mode")
		}
		if strings.TrimSpace(cfg.Harmony.Subject) == "" {
			return errors.New("harmony.subject must not be empty in nats mode")
		}
	case "exec":
		if strings.TrimSpace(cfg.Harmony.Command) == "" {
			return errors.New("harmony.command must be set in exec mode")
		}
	default:
		return fmt.Errorf("harmony.mode must be mock, nats or exec, got %q", cfg.Harmony.Mode)
	}
	if cfg.Harmony.RequestTimeoutMS <= 0 {
		return errors.New("harmony.request_timeout_ms must be positive")
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.Channels <= 0 || cfg.Audio.Channels > 2 {
		return errors.New("audio.channels must be 1 or 2")
	}
	if cfg.Audio.InitialVolume < 0 || cfg.Audio.InitialVolume > 1 {
		return errors.New("audio.initial_volume must be between 0 and 1")
	}
	switch cfg.Telemetry.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("telemetry.log_format must be text or json, got %q", cfg.Telemetry.LogFormat)
	}
	return nil
}
