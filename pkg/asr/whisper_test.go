package asr

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/teslashibe/go-voicebus/internal/log"
	"github.com/teslashibe/go-voicebus/pkg/audioio"
)

func testSegment(source string, d time.Duration) audioio.Segment {
	samples := audioio.Tone(220, 0.3, d, 16000)
	return audioio.Segment{
		Source:     source,
		SampleRate: 16000,
		End:        time.Unix(1000, 0),
		Frames:     []audioio.Frame{{Source: source, Samples: samples, SampleRate: 16000}},
	}
}

func TestParseVerbose(t *testing.T) {
	tests := []struct {
		name string
		body string
		want Transcript
	}{
		{
			name: "no segments",
			body: `{"text":" hi ","language":"english"}`,
			want: Transcript{Text: "hi", Language: "en", Confidence: 1},
		},
		{
			name: "segment logprobs",
			body: `{"text":"hello there","language":"en","segments":[{"avg_logprob":-0.2},{"avg_logprob":-0.4}]}`,
			want: Transcript{Text: "hello there", Language: "en", Confidence: math.Exp(-0.3)},
		},
		{
			name: "unknown language kept",
			body: `{"text":"salut","language":"Breton"}`,
			want: Transcript{Text: "salut", Language: "breton", Confidence: 1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseVerbose([]byte(tt.body))
			if err != nil {
				t.Fatal(err)
			}
			if got.Text != tt.want.Text || got.Language != tt.want.Language || math.Abs(got.Confidence-tt.want.Confidence) > 1e-9 {
				t.Errorf("parseVerbose() = %+v, want %+v", got, tt.want)
			}
		})
	}

	if _, err := parseVerbose([]byte("not json")); err == nil {
		t.Error("malformed body accepted")
	}
}

func TestWhisperTranscribe(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/audio/transcriptions") {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if got := r.FormValue("model"); got != "whisper-1" {
			t.Errorf("model = %q", got)
		}
		if got := r.FormValue("response_format"); got != "verbose_json" {
			t.Errorf("response_format = %q", got)
		}
		if got := r.FormValue("language"); got != "en" {
			t.Errorf("language = %q", got)
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			t.Errorf("missing file: %v", err)
		} else {
			head := make([]byte, 4)
			file.Read(head)
			if string(head) != "RIFF" {
				t.Errorf("file is not a WAV: %q", head)
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"text":     "what time is it",
			"language": "english",
			"duration": 0.5,
			"segments": []map[string]any{{"avg_logprob": -0.1}},
		})
	}))
	defer server.Close()

	cfg := DefaultConfig()
	cfg.APIKey = "test-key"
	cfg.BaseURL = server.URL + "/v1/"
	cfg.Language = "en"
	w, err := NewWhisper(cfg, log.Discard())
	if err != nil {
		t.Fatal(err)
	}

	got, err := w.Transcribe(context.Background(), testSegment("mic", 500*time.Millisecond))
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if got.Text != "what time is it" || got.Language != "en" {
		t.Errorf("Transcribe() = %+v", got)
	}
	if math.Abs(got.Confidence-math.Exp(-0.1)) > 1e-9 {
		t.Errorf("Confidence = %v", got.Confidence)
	}
}

func TestWhisperEmptySegment(t *testing.T) {
	w, err := NewWhisper(DefaultConfig(), log.Discard())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Transcribe(context.Background(), audioio.Segment{}); !errors.Is(err, ErrEmptySegment) {
		t.Errorf("error = %v, want ErrEmptySegment", err)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Model = ""
	if cfg.Validate() == nil {
		t.Error("empty model accepted")
	}
	cfg = DefaultConfig()
	cfg.QueueSize = 0
	if _, err := NewStage(nil, cfg, NewMock(Transcript{})); err == nil {
		t.Error("queue_size 0 accepted")
	}
}
