package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	texttospeech "google.golang.org/api/texttospeech/v1"

	"github.com/teslashibe/go-voicebus/pkg/audioio"
)

const (
	providerGoogle = "google"
	googleRate     = 24000
)

// Google implements Provider for Google Cloud Text-to-Speech.
//
// Credentials come from, in order: an API key, explicit client options,
// or Application Default Credentials.
type Google struct {
	config *Config
	svc    *texttospeech.Service
	logger *slog.Logger
}

// NewGoogle creates a Google Cloud TTS provider.
func NewGoogle(ctx context.Context, opts ...Option) (*Google, error) {
	cfg := DefaultConfig()
	cfg.VoiceID = DefaultGoogleVoice
	cfg.Apply(opts...)
	if cfg.VoiceID == "" {
		return nil, ErrNoVoiceID
	}
	cfg.VoiceID = ResolveGoogleVoice(cfg.VoiceID)

	clientOpts := append([]option.ClientOption{}, cfg.ClientOptions...)
	if cfg.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(cfg.BaseURL))
	}
	switch {
	case cfg.APIKey != "":
		clientOpts = append(clientOpts, option.WithAPIKey(cfg.APIKey))
	case len(cfg.ClientOptions) == 0:
		ts, err := google.DefaultTokenSource(ctx, texttospeech.CloudPlatformScope)
		if err != nil {
			return nil, WrapError(providerGoogle, fmt.Errorf("default credentials: %w", err))
		}
		clientOpts = append(clientOpts, option.WithHTTPClient(oauth2.NewClient(ctx, ts)))
	}

	svc, err := texttospeech.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, WrapError(providerGoogle, fmt.Errorf("create service: %w", err))
	}

	return &Google{
		config: cfg,
		svc:    svc,
		logger: cfg.Logger.With("component", "tts.google"),
	}, nil
}

// Synthesize converts text to 24kHz LINEAR16 audio.
func (g *Google) Synthesize(ctx context.Context, text string) (*AudioResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}
	start := time.Now()

	req := &texttospeech.SynthesizeSpeechRequest{
		Input: &texttospeech.SynthesisInput{Text: text},
		Voice: &texttospeech.VoiceSelectionParams{
			LanguageCode: g.config.LanguageCode,
			Name:         g.config.VoiceID,
		},
		AudioConfig: &texttospeech.AudioConfig{
			AudioEncoding:   "LINEAR16",
			SampleRateHertz: googleRate,
		},
	}

	var resp *texttospeech.SynthesizeSpeechResponse
	err := g.retry(ctx, func(ctx context.Context) error {
		var err error
		resp, err = g.svc.Text.Synthesize(req).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}

	raw, err := base64.StdEncoding.DecodeString(resp.AudioContent)
	if err != nil {
		return nil, WrapError(providerGoogle, fmt.Errorf("decode audio: %w", err))
	}
	audio, rate := decodeLinear16(raw)
	if len(audio) < 2 {
		return nil, WrapError(providerGoogle, ErrEmptyAudio)
	}

	result := pcmResult(audio, pcmFormat(EncodingPCM24, rate), text, start)
	g.logger.Debug("synthesized audio",
		"chars", result.CharCount,
		"bytes", len(audio),
		"latency_ms", result.LatencyMs,
		"voice", g.config.VoiceID,
	)
	return result, nil
}

// Health lists the voices for the configured language.
func (g *Google) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, g.config.Timeout)
	defer cancel()
	if _, err := g.svc.Voices.List().LanguageCode(g.config.LanguageCode).Context(ctx).Do(); err != nil {
		return googleError(err)
	}
	return nil
}

// Close releases resources.
func (g *Google) Close() error {
	return nil
}

// VoiceID returns the resolved voice name.
func (g *Google) VoiceID() string {
	return g.config.VoiceID
}

// retry runs call with the configured timeout, retrying 429 and 5xx.
func (g *Google) retry(ctx context.Context, call func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= g.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(g.config.RetryDelay * time.Duration(attempt)):
			}
		}

		cctx, cancel := context.WithTimeout(ctx, g.config.Timeout)
		err := call(cctx)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		lastErr = googleError(err)
		var apiErr *APIError
		if !errors.As(lastErr, &apiErr) || !apiErr.IsRetryable() {
			return lastErr
		}
		g.logger.Warn("retrying request",
			"attempt", attempt+1,
			"status", apiErr.StatusCode,
		)
	}
	return lastErr
}

// googleError converts googleapi errors into APIError.
func googleError(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return &APIError{
			StatusCode: gerr.Code,
			Message:    gerr.Message,
			Provider:   providerGoogle,
		}
	}
	return WrapError(providerGoogle, err)
}

// decodeLinear16 strips the WAV header Google prepends to LINEAR16 audio.
func decodeLinear16(raw []byte) ([]byte, int) {
	if !bytes.HasPrefix(raw, []byte("RIFF")) {
		return raw, googleRate
	}
	samples, rate, err := audioio.ReadWAV(bytes.NewReader(raw))
	if err != nil {
		return raw[min(len(raw), 44):], googleRate
	}
	return audioio.SamplesToBytes(samples), rate
}

// Verify Google implements Provider at compile time.
var _ Provider = (*Google)(nil)
