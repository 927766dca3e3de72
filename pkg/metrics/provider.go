// Package metrics exposes pipeline counters, gauges and latency summaries.
//
// Components depend on the Provider interface and default to Noop. The
// Prometheus-backed Prom is installed by the pipeline when metrics are enabled.
package metrics

import "sync"

// Provider records named measurements. Unknown names are ignored.
type Provider interface {
	SetGauge(name string, value float64)
	IncCounter(name string, delta float64)
	Observe(name string, value float64)
}

// Noop discards everything.
type Noop struct{}

func (Noop) SetGauge(string, float64)   {}
func (Noop) IncCounter(string, float64) {}
func (Noop) Observe(string, float64)    {}

// Metric names shared by all components.
const (
	BusPublished        = "bus_published_total"
	BusUnknownTopic     = "bus_unknown_topic_total"
	BusSubscriberPanics = "bus_subscriber_panics_total"
	BusCallsPending     = "bus_calls_pending"
	BusCallsFailed      = "bus_calls_failed_total"
	BusCallsCancelled   = "bus_calls_cancelled_total"
	BusCallLatency      = "bus_call_latency_ms"

	SegmentsEmitted = "vad_segments_total"
	SegmentsDropped = "vad_segments_dropped_total"

	QueriesTranscribed = "asr_queries_total"
	QueriesDropped     = "policy_queries_dropped_total"
	QueriesDiscarded   = "policy_queries_discarded_total"
	QueriesAccepted    = "policy_queries_accepted_total"
	Interrupts         = "policy_interrupts_total"

	SentencesEmitted  = "sentences_total"
	ResponsesFinished = "responses_total"

	SynthesisFailed = "tts_failures_total"
	FramesSent      = "playback_frames_total"
	JobsDiscarded   = "playback_jobs_discarded_total"
	PlaybackQueue   = "playback_queue_depth"

	TurnASRLatency   = "turn_asr_latency_ms"
	TurnFirstToken   = "turn_first_token_ms"
	TurnFirstAudio   = "turn_first_audio_ms"
	TurnTotalLatency = "turn_total_ms"
)

// Or returns p, or Noop when p is nil.
func Or(p Provider) Provider {
	if p == nil {
		return Noop{}
	}
	return p
}

// Recorder keeps the latest value of every measurement in memory. The web
// status endpoint and tests read it back.
type Recorder struct {
	mu     sync.Mutex
	values map[string]float64
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{values: make(map[string]float64)}
}

func (r *Recorder) SetGauge(name string, v float64) {
	r.mu.Lock()
	r.values[name] = v
	r.mu.Unlock()
}

func (r *Recorder) IncCounter(name string, d float64) {
	r.mu.Lock()
	r.values[name] += d
	r.mu.Unlock()
}

// Observe keeps the last observation.
func (r *Recorder) Observe(name string, v float64) {
	r.SetGauge(name, v)
}

// Get returns the current value of name.
func (r *Recorder) Get(name string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.values[name]
}

// Values returns a copy of all measurements.
func (r *Recorder) Values() map[string]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]float64, len(r.values))
	for k, v := range r.values {
		out[k] = v
	}
	return out
}

// Tee fans measurements out to every provider.
type Tee []Provider

func (t Tee) SetGauge(name string, v float64) {
	for _, p := range t {
		p.SetGauge(name, v)
	}
}

func (t Tee) IncCounter(name string, d float64) {
	for _, p := range t {
		p.IncCounter(name, d)
	}
}

func (t Tee) Observe(name string, v float64) {
	for _, p := range t {
		p.Observe(name, v)
	}
}
