package metrics

import (
	"sync"
	"time"
)

// Turn tracks latency for one user utterance and its spoken reply.
// All durations are measured from the moment speech ends.
type Turn struct {
	QueryID string `json:"query_id"`

	SpeechEnd      time.Time `json:"speech_end"`
	TranscriptTime time.Time `json:"transcript_time"`
	FirstTokenTime time.Time `json:"first_token_time"`
	FirstAudioTime time.Time `json:"first_audio_time"`
	DoneTime       time.Time `json:"done_time"`

	ASRLatency    time.Duration `json:"asr_latency"`
	FirstToken    time.Duration `json:"first_token"`
	FirstAudio    time.Duration `json:"first_audio"`
	TotalLatency  time.Duration `json:"total_latency"`
	Interrupted   bool          `json:"interrupted"`
	SentencesSent int           `json:"sentences_sent"`
}

// Turns collects Turn latencies. It is goroutine-safe: the marks arrive
// from different stage goroutines.
type Turns struct {
	mu       sync.Mutex
	current  Turn
	history  []Turn
	limit    int
	provider Provider
	now      func() time.Time
}

// NewTurns creates a collector keeping the last limit turns.
func NewTurns(p Provider, limit int) *Turns {
	if limit <= 0 {
		limit = 100
	}
	return &Turns{
		history:  make([]Turn, 0, limit),
		limit:    limit,
		provider: Or(p),
		now:      time.Now,
	}
}

// MarkSpeechEnd starts a new turn.
func (t *Turns) MarkSpeechEnd(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = Turn{SpeechEnd: at}
}

// MarkTranscript records when ASR produced the query.
func (t *Turns) MarkTranscript(queryID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current.QueryID = queryID
	t.current.TranscriptTime = t.now()
	if !t.current.SpeechEnd.IsZero() {
		t.current.ASRLatency = t.current.TranscriptTime.Sub(t.current.SpeechEnd)
		t.provider.Observe(TurnASRLatency, ms(t.current.ASRLatency))
	}
}

// MarkFirstToken records the first sentence of the reply. Later calls are ignored.
func (t *Turns) MarkFirstToken(queryID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if queryID != t.current.QueryID {
		return
	}
	t.current.SentencesSent++
	if !t.current.FirstTokenTime.IsZero() {
		return
	}
	t.current.FirstTokenTime = t.now()
	if !t.current.SpeechEnd.IsZero() {
		t.current.FirstToken = t.current.FirstTokenTime.Sub(t.current.SpeechEnd)
		t.provider.Observe(TurnFirstToken, ms(t.current.FirstToken))
	}
}

// MarkFirstAudio records when the first frame of the reply was played.
func (t *Turns) MarkFirstAudio(queryID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if queryID != t.current.QueryID || !t.current.FirstAudioTime.IsZero() {
		return
	}
	t.current.FirstAudioTime = t.now()
	if !t.current.SpeechEnd.IsZero() {
		t.current.FirstAudio = t.current.FirstAudioTime.Sub(t.current.SpeechEnd)
		t.provider.Observe(TurnFirstAudio, ms(t.current.FirstAudio))
	}
}

// MarkDone archives the current turn.
func (t *Turns) MarkDone(interrupted bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current.QueryID == "" || !t.current.DoneTime.IsZero() {
		return
	}
	t.current.DoneTime = t.now()
	t.current.Interrupted = interrupted
	if !t.current.SpeechEnd.IsZero() {
		t.current.TotalLatency = t.current.DoneTime.Sub(t.current.SpeechEnd)
		t.provider.Observe(TurnTotalLatency, ms(t.current.TotalLatency))
	}
	t.history = append(t.history, t.current)
	if len(t.history) > t.limit {
		t.history = t.history[1:]
	}
}

// Current returns the turn in progress.
func (t *Turns) Current() Turn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// History returns a copy of the archived turns, oldest first.
func (t *Turns) History() []Turn {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Turn, len(t.history))
	copy(out, t.history)
	return out
}

// Average returns the mean latencies over archived turns.
func (t *Turns) Average() Turn {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.history) == 0 {
		return Turn{}
	}

	var avg Turn
	for _, h := range t.history {
		avg.ASRLatency += h.ASRLatency
		avg.FirstToken += h.FirstToken
		avg.FirstAudio += h.FirstAudio
		avg.TotalLatency += h.TotalLatency
	}

	n := time.Duration(len(t.history))
	avg.ASRLatency /= n
	avg.FirstToken /= n
	avg.FirstAudio /= n
	avg.TotalLatency /= n
	return avg
}

// FormatLatency returns a one-line summary of the turn's latencies.
func (t Turn) FormatLatency() string {
	return formatDuration(t.ASRLatency) + " ASR | " +
		formatDuration(t.FirstToken) + " LLM | " +
		formatDuration(t.FirstAudio) + " TTS | " +
		formatDuration(t.TotalLatency) + " TOTAL"
}

func formatDuration(d time.Duration) string {
	if d == 0 {
		return "---ms"
	}
	return d.Round(time.Millisecond).String()
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
