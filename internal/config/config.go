// Package config loads go-voicebus configuration from a YAML file, the
// environment and built-in defaults, in that order of precedence from
// lowest to highest: defaults, file, environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"google.golang.org/api/option"

	"github.com/teslashibe/go-voicebus/pkg/inference"
	"github.com/teslashibe/go-voicebus/pkg/pipeline"
	"github.com/teslashibe/go-voicebus/pkg/transport"
	"github.com/teslashibe/go-voicebus/pkg/tts"
)

// EnvPrefix prefixes every environment override, e.g.
// VOICEBUS_INFERENCE_MODEL overrides inference.model.
const EnvPrefix = "VOICEBUS"

// Transport kinds.
const (
	TransportWebSocket = "websocket"
	TransportRTC       = "rtc"
	TransportBoth      = "both"
	TransportLoopback  = "loopback"
)

// Config is the complete application configuration.
type Config struct {
	LogLevel string `mapstructure:"log_level"`

	Pipeline  pipeline.Config  `mapstructure:"pipeline"`
	Inference inference.Config `mapstructure:"inference"`
	TTS       TTSConfig        `mapstructure:"tts"`
	Transport TransportConfig  `mapstructure:"transport"`
	Web       WebConfig        `mapstructure:"web"`
}

// TTSConfig selects and configures the synthesis provider.
type TTSConfig struct {
	// Provider is openai, elevenlabs, google or mock.
	Provider string `mapstructure:"provider"`

	APIKey   string `mapstructure:"api_key"`
	BaseURL  string `mapstructure:"base_url"`
	Voice    string `mapstructure:"voice"`
	Model    string `mapstructure:"model"`
	Language string `mapstructure:"language"`

	// Encoding is the PCM format requested from the provider.
	Encoding tts.Encoding `mapstructure:"encoding"`

	Timeout time.Duration `mapstructure:"timeout"`

	// Fallback names providers tried in order when Provider fails. Each
	// reads its API key from its conventional environment variable.
	Fallback []string `mapstructure:"fallback"`

	// CredentialsFile is a Google service account key. Without it the
	// Google provider uses the API key or Application Default Credentials.
	CredentialsFile string `mapstructure:"credentials_file"`
}

// TransportConfig selects how audio reaches the pipeline.
type TransportConfig struct {
	Kind      string                    `mapstructure:"kind"`
	WebSocket transport.WebSocketConfig `mapstructure:"websocket"`
	RTC       transport.RTCConfig       `mapstructure:"rtc"`
}

// WebConfig configures the status server.
type WebConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`

	// Metrics exposes Prometheus metrics on /metrics.
	Metrics bool `mapstructure:"metrics"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	inf := *inference.DefaultConfig()
	inf.Logger = nil
	return Config{
		LogLevel:  "info",
		Pipeline:  pipeline.DefaultConfig(),
		Inference: inf,
		TTS: TTSConfig{
			Provider: tts.NameOpenAI,
			Encoding: tts.EncodingPCM24,
			Language: "en-US",
			Timeout:  30 * time.Second,
		},
		Transport: TransportConfig{
			Kind:      TransportWebSocket,
			WebSocket: transport.DefaultWebSocketConfig(),
			RTC:       transport.DefaultRTCConfig(),
		},
		Web: WebConfig{
			Enabled: true,
			Addr:    ":8080",
			Metrics: true,
		},
	}
}

// envKeys are the settings overridable from the environment. Keys with
// extra names also accept those names verbatim, without the prefix.
var envKeys = map[string][]string{
	"log_level":                  nil,
	"inference.base_url":         nil,
	"inference.api_key":          {"OPENAI_API_KEY"},
	"inference.model":            nil,
	"pipeline.asr.api_key":       {"OPENAI_API_KEY"},
	"pipeline.asr.base_url":      nil,
	"pipeline.asr.model":         nil,
	"pipeline.asr.language":      nil,
	"pipeline.record":            nil,
	"pipeline.recorder.dir":      nil,
	"tts.provider":               nil,
	"tts.api_key":                nil,
	"tts.voice":                  nil,
	"tts.model":                  nil,
	"tts.credentials_file":       {"GOOGLE_APPLICATION_CREDENTIALS"},
	"tts.fallback":               nil,
	"transport.kind":             nil,
	"transport.websocket.url":    nil,
	"transport.websocket.source": nil,
	"transport.rtc.ice_servers":  nil,
	"web.enabled":                nil,
	"web.addr":                   nil,
	"web.metrics":                nil,
}

// Load reads path, if set, over the defaults and applies environment
// overrides. The result is validated.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for key, extra := range envKeys {
		names := append([]string{envName(key)}, extra...)
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// normalize fills settings derived from others.
func (c *Config) normalize() {
	c.Transport.Kind = strings.ToLower(c.Transport.Kind)
	c.TTS.Provider = strings.ToLower(c.TTS.Provider)
	for i, name := range c.TTS.Fallback {
		c.TTS.Fallback[i] = strings.ToLower(strings.TrimSpace(name))
	}
	if c.TTS.APIKey == "" {
		c.TTS.APIKey = os.Getenv(providerKeys[c.TTS.Provider])
	}
}

// providerKeys are the conventional API key variables of each TTS provider.
var providerKeys = map[string]string{
	tts.NameOpenAI:     "OPENAI_API_KEY",
	tts.NameElevenLabs: "ELEVENLABS_API_KEY",
	tts.NameGoogle:     "GOOGLE_API_KEY",
}

// Validate checks the whole configuration.
func (c Config) Validate() error {
	if err := c.Pipeline.Validate(); err != nil {
		return err
	}
	if err := c.Inference.Validate(); err != nil {
		return fmt.Errorf("config: inference: %w", err)
	}
	for _, name := range append([]string{c.TTS.Provider}, c.TTS.Fallback...) {
		switch name {
		case tts.NameOpenAI, tts.NameElevenLabs, tts.NameGoogle, tts.NameMock:
		default:
			return fmt.Errorf("config: unknown tts provider %q", name)
		}
	}
	if c.TTS.Timeout <= 0 {
		return errors.New("config: tts timeout must be positive")
	}

	switch c.Transport.Kind {
	case TransportWebSocket:
		return c.Transport.WebSocket.Validate()
	case TransportRTC:
		if !c.Web.Enabled {
			return errors.New("config: rtc transport needs the web server for signaling")
		}
		return c.Transport.RTC.Validate()
	case TransportBoth:
		if !c.Web.Enabled {
			return errors.New("config: rtc transport needs the web server for signaling")
		}
		if err := c.Transport.WebSocket.Validate(); err != nil {
			return err
		}
		return c.Transport.RTC.Validate()
	case TransportLoopback:
		return nil
	default:
		return fmt.Errorf("config: unknown transport %q", c.Transport.Kind)
	}
}

// UsesWebSocket reports whether a WebSocket transport is configured.
func (c Config) UsesWebSocket() bool {
	return c.Transport.Kind == TransportWebSocket || c.Transport.Kind == TransportBoth
}

// UsesRTC reports whether a WebRTC transport is configured.
func (c Config) UsesRTC() bool {
	return c.Transport.Kind == TransportRTC || c.Transport.Kind == TransportBoth
}

// InferenceOptions returns client options for the chat provider.
func (c Config) InferenceOptions(logger *slog.Logger) []inference.Option {
	return []inference.Option{
		inference.WithConfig(c.Inference),
		inference.WithLogger(logger),
	}
}

// TTSOptions returns provider options for the configured TTS provider.
// Unset values keep the provider's own defaults.
func (c Config) TTSOptions(logger *slog.Logger) []tts.Option {
	t := c.TTS
	opts := []tts.Option{
		tts.WithLogger(logger),
		tts.WithTimeout(t.Timeout),
	}
	if t.APIKey != "" {
		opts = append(opts, tts.WithAPIKey(t.APIKey))
	}
	if t.BaseURL != "" {
		opts = append(opts, tts.WithBaseURL(t.BaseURL))
	}
	if t.Voice != "" {
		opts = append(opts, tts.WithVoice(t.Voice))
	}
	if t.Model != "" {
		opts = append(opts, tts.WithModel(t.Model))
	}
	if t.Language != "" {
		opts = append(opts, tts.WithLanguage(t.Language))
	}
	if t.Encoding != "" {
		opts = append(opts, tts.WithOutputFormat(t.Encoding))
	}
	if t.CredentialsFile != "" && t.Provider == tts.NameGoogle {
		opts = append(opts, tts.WithClientOptions(option.WithCredentialsFile(t.CredentialsFile)))
	}
	return opts
}

// FallbackOptions returns options for the fallback provider called name.
// Voice and model are provider specific and left at the provider's
// defaults.
func (c Config) FallbackOptions(name string, logger *slog.Logger) []tts.Option {
	t := c.TTS
	opts := []tts.Option{
		tts.WithLogger(logger),
		tts.WithTimeout(t.Timeout),
	}
	if key := os.Getenv(providerKeys[name]); key != "" {
		opts = append(opts, tts.WithAPIKey(key))
	}
	if t.Language != "" {
		opts = append(opts, tts.WithLanguage(t.Language))
	}
	if t.Encoding != "" {
		opts = append(opts, tts.WithOutputFormat(t.Encoding))
	}
	if t.CredentialsFile != "" && name == tts.NameGoogle {
		opts = append(opts, tts.WithClientOptions(option.WithCredentialsFile(t.CredentialsFile)))
	}
	return opts
}
