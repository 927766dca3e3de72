package asr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/teslashibe/go-voicebus/internal/httpc"
	"github.com/teslashibe/go-voicebus/pkg/audioio"
)

// Whisper transcribes through the OpenAI audio transcription endpoint, or
// any server that implements it.
type Whisper struct {
	client openai.Client
	cfg    Config
	logger *slog.Logger
}

// NewWhisper creates a Whisper transcriber.
func NewWhisper(cfg Config, logger *slog.Logger) (*Whisper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	opts := []option.RequestOption{
		option.WithHTTPClient(httpc.NewClient(cfg.Timeout)),
		option.WithMaxRetries(2),
	}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Whisper{
		client: openai.NewClient(opts...),
		cfg:    cfg,
		logger: logger.With("component", "asr.whisper"),
	}, nil
}

// verbose is the part of a verbose_json transcription we read.
type verbose struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	Segments []struct {
		AvgLogprob   float64 `json:"avg_logprob"`
		NoSpeechProb float64 `json:"no_speech_prob"`
	} `json:"segments"`
}

// Transcribe implements Transcriber.
func (w *Whisper) Transcribe(ctx context.Context, seg audioio.Segment) (Transcript, error) {
	samples := seg.Samples()
	if len(samples) == 0 {
		return Transcript{}, ErrEmptySegment
	}
	wav, err := audioio.EncodeWAV(samples, seg.SampleRate)
	if err != nil {
		return Transcript{}, fmt.Errorf("asr: encode wav: %w", err)
	}

	params := openai.AudioTranscriptionNewParams{
		File:           openai.File(bytes.NewReader(wav), "speech.wav", "audio/wav"),
		Model:          openai.AudioModel(w.cfg.Model),
		ResponseFormat: openai.AudioResponseFormatVerboseJSON,
	}
	if w.cfg.Language != "" {
		params.Language = openai.String(w.cfg.Language)
	}
	if w.cfg.Prompt != "" {
		params.Prompt = openai.String(w.cfg.Prompt)
	}

	resp, err := w.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return Transcript{}, fmt.Errorf("asr: transcribe: %w", err)
	}

	t, err := parseVerbose([]byte(resp.RawJSON()))
	if err != nil {
		return Transcript{}, err
	}
	if t.Language == "" {
		t.Language = w.cfg.Language
	}
	w.logger.Debug("transcribed",
		"source", seg.Source,
		"duration", seg.Duration(),
		"text", t.Text,
		"language", t.Language,
		"confidence", t.Confidence,
	)
	return t, nil
}

// parseVerbose reads a verbose_json body. Confidence is the geometric mean
// token probability over segments, 1 when the server reports none.
func parseVerbose(body []byte) (Transcript, error) {
	var v verbose
	if err := json.Unmarshal(body, &v); err != nil {
		return Transcript{}, fmt.Errorf("asr: decode transcription: %w", err)
	}
	t := Transcript{
		Text:       strings.TrimSpace(v.Text),
		Language:   normalizeLanguage(v.Language),
		Confidence: 1,
	}
	if len(v.Segments) > 0 {
		var sum float64
		for _, s := range v.Segments {
			sum += s.AvgLogprob
		}
		t.Confidence = math.Exp(sum / float64(len(v.Segments)))
	}
	return t, nil
}

// languages maps the names verbose_json reports to ISO 639-1 codes.
var languages = map[string]string{
	"english":    "en",
	"spanish":    "es",
	"french":     "fr",
	"german":     "de",
	"italian":    "it",
	"portuguese": "pt",
	"dutch":      "nl",
	"swedish":    "sv",
	"norwegian":  "no",
	"danish":     "da",
	"finnish":    "fi",
	"polish":     "pl",
	"russian":    "ru",
	"ukrainian":  "uk",
	"japanese":   "ja",
	"chinese":    "zh",
	"korean":     "ko",
}

func normalizeLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if code, ok := languages[lang]; ok {
		return code
	}
	return lang
}

var _ Transcriber = (*Whisper)(nil)
