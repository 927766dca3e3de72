// Package events is the catalog of topics and services the pipeline stages
// exchange over the bus, with their payload types.
package events

import (
	"time"

	"github.com/teslashibe/go-voicebus/pkg/audioio"
	"github.com/teslashibe/go-voicebus/pkg/bus"
)

// Stage names, used as topic and service owners.
const (
	OwnerTransport    = "transport"
	OwnerVAD          = "vad"
	OwnerASR          = "asr"
	OwnerPolicy       = "policy"
	OwnerConversation = "conversation"
	OwnerTTS          = "tts"
	OwnerPlayback     = "playback"
)

// Service names.
const (
	ServiceTranscribe = "transcribe" // asr, async: (audioio.Segment) -> Query
	ServiceSynthesize = "synthesize" // tts, async: (Sentence) -> PlaybackRequest
	ServiceClassify   = "classify"   // policy, async: (string previous, string current, string progress) -> policy.Verdict
	ServiceHistory    = "history"    // conversation, sync: () -> []inference.Message
	ServiceStatus     = "status"     // playback, sync: () -> playback.Snapshot
	ServiceSources    = "sources"    // vad, sync: () -> []string
)

// Query is a transcribed utterance.
type Query struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	Language   string    `json:"language"`
	Confidence float64   `json:"confidence"`
	Source     string    `json:"source"`
	SpeechEnd  time.Time `json:"speech_end"`
}

// Sentence is one flushed unit of a streamed reply.
type Sentence struct {
	QueryID string `json:"query_id"`
	Index   int    `json:"index"`
	Text    string `json:"text"`
}

// Interrupt cancels the reply to TargetID because of CauseID.
type Interrupt struct {
	CauseID  string    `json:"cause_id"`
	TargetID string    `json:"target_id"`
	At       time.Time `json:"at"`
}

// StreamState is the lifecycle of a reply's token stream.
type StreamState string

const (
	StreamStarted     StreamState = "started"
	StreamCompleted   StreamState = "completed"
	StreamInterrupted StreamState = "interrupted"
	StreamFailed      StreamState = "failed"
)

// StreamStatus reports a token stream transition.
type StreamStatus struct {
	QueryID string      `json:"query_id"`
	State   StreamState `json:"state"`
	Text    string      `json:"text,omitempty"`
}

// Active reports whether the stream is still producing tokens.
func (s StreamStatus) Active() bool { return s.State == StreamStarted }

// SynthesisStatus reports how many sentences are waiting for or in synthesis.
type SynthesisStatus struct {
	Pending int `json:"pending"`
}

// PlaybackRequest is synthesized speech ready to be played.
type PlaybackRequest struct {
	ID         string  `json:"id"`
	QueryID    string  `json:"query_id"`
	Index      int     `json:"index"`
	Text       string  `json:"text"`
	Samples    []int16 `json:"-"`
	SampleRate int     `json:"sample_rate"`
}

// Duration returns the request's play time.
func (r PlaybackRequest) Duration() time.Duration {
	return audioio.SamplesDuration(len(r.Samples), r.SampleRate)
}

// PlaybackState is a playback transition.
type PlaybackState string

const (
	PlaybackStarted     PlaybackState = "started"
	PlaybackFinished    PlaybackState = "finished"
	PlaybackInterrupted PlaybackState = "interrupted"
	PlaybackDiscarded   PlaybackState = "discarded"
	PlaybackIdle        PlaybackState = "idle"
)

// PlaybackStatus reports a playback transition. Expected is the full play
// time of the job that started.
type PlaybackStatus struct {
	State    PlaybackState `json:"state"`
	JobID    string        `json:"job_id,omitempty"`
	QueryID  string        `json:"query_id,omitempty"`
	Text     string        `json:"text,omitempty"`
	Expected time.Duration `json:"expected,omitempty"`
	At       time.Time     `json:"at"`
}

// Topics.
var (
	FrameReceived     = bus.NewTopic[audioio.Frame]("audio.frame")
	SpeechDetected    = bus.NewTopic[audioio.Segment]("vad.speech")
	QueryTranscribed  = bus.NewTopic[Query]("asr.query")
	QueryAccepted     = bus.NewTopic[Query]("policy.accepted")
	InterruptIssued   = bus.NewTopic[Interrupt]("policy.interrupt")
	SentenceReady     = bus.NewTopic[Sentence]("conversation.sentence")
	StreamChanged     = bus.NewTopic[StreamStatus]("conversation.stream")
	SynthesisChanged  = bus.NewTopic[SynthesisStatus]("tts.status")
	PlaybackRequested = bus.NewTopic[PlaybackRequest]("tts.audio")
	PlaybackChanged   = bus.NewTopic[PlaybackStatus]("playback.status")
)

// Register registers every topic in the catalog under its owning stage.
func Register(b *bus.Bus) error {
	regs := []func() error{
		func() error { return bus.Register(b, FrameReceived, OwnerTransport) },
		func() error { return bus.Register(b, SpeechDetected, OwnerVAD) },
		func() error { return bus.Register(b, QueryTranscribed, OwnerASR) },
		func() error { return bus.Register(b, QueryAccepted, OwnerPolicy) },
		func() error { return bus.Register(b, InterruptIssued, OwnerPolicy) },
		func() error { return bus.Register(b, SentenceReady, OwnerConversation) },
		func() error { return bus.Register(b, StreamChanged, OwnerConversation) },
		func() error { return bus.Register(b, SynthesisChanged, OwnerTTS) },
		func() error { return bus.Register(b, PlaybackRequested, OwnerTTS) },
		func() error { return bus.Register(b, PlaybackChanged, OwnerPlayback) },
	}
	for _, reg := range regs {
		if err := reg(); err != nil {
			return err
		}
	}
	return nil
}
