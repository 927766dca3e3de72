package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prom is a Provider backed by a private Prometheus registry.
type Prom struct {
	reg *prometheus.Registry

	// populated once in NewProm, read-only afterwards
	gauges    map[string]prometheus.Gauge
	counters  map[string]prometheus.Counter
	summaries map[string]prometheus.Summary
}

var gaugeHelp = map[string]string{
	BusCallsPending: "Async calls not yet observed",
	PlaybackQueue:   "Playback jobs waiting behind the current one",
}

var counterHelp = map[string]string{
	BusPublished:        "Events delivered to the bus",
	BusUnknownTopic:     "Publishes to unregistered topics",
	BusSubscriberPanics: "Subscriber callbacks that panicked",
	BusCallsFailed:      "Async calls that ended in failure",
	BusCallsCancelled:   "Async calls that were cancelled",
	SegmentsEmitted:     "Speech segments emitted by the segmenter",
	SegmentsDropped:     "Partial segments dropped at stream end",
	QueriesTranscribed:  "Queries produced by ASR",
	QueriesDropped:      "Queries rejected by the confidence/language gate",
	QueriesDiscarded:    "Queries discarded by the interruption policy",
	QueriesAccepted:     "Queries forwarded to the language model",
	Interrupts:          "Interrupts issued",
	SentencesEmitted:    "Sentences emitted from token streams",
	ResponsesFinished:   "Token streams that reached a terminal state",
	SynthesisFailed:     "Sentences that failed synthesis",
	FramesSent:          "Audio frames sent to the transport",
	JobsDiscarded:       "Playback jobs discarded by interrupts",
}

var summaryHelp = map[string]string{
	BusCallLatency:   "Async call latency in ms",
	TurnASRLatency:   "Speech end to transcript in ms",
	TurnFirstToken:   "Speech end to first sentence in ms",
	TurnFirstAudio:   "Speech end to first audio frame in ms",
	TurnTotalLatency: "Speech end to playback idle in ms",
}

// NewProm creates a Prom with every known metric registered.
func NewProm() *Prom {
	p := &Prom{
		reg:       prometheus.NewRegistry(),
		gauges:    make(map[string]prometheus.Gauge),
		counters:  make(map[string]prometheus.Counter),
		summaries: make(map[string]prometheus.Summary),
	}
	for name, help := range gaugeHelp {
		g := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "voicebus", Name: name, Help: help})
		p.reg.MustRegister(g)
		p.gauges[name] = g
	}
	for name, help := range counterHelp {
		c := prometheus.NewCounter(prometheus.CounterOpts{Namespace: "voicebus", Name: name, Help: help})
		p.reg.MustRegister(c)
		p.counters[name] = c
	}
	for name, help := range summaryHelp {
		s := prometheus.NewSummary(prometheus.SummaryOpts{
			Namespace:  "voicebus",
			Name:       name,
			Help:       help,
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		})
		p.reg.MustRegister(s)
		p.summaries[name] = s
	}
	p.reg.MustRegister(collectors.NewGoCollector())
	return p
}

// Registry returns the underlying registry.
func (p *Prom) Registry() *prometheus.Registry { return p.reg }

// Handler serves the registry in the Prometheus text format.
func (p *Prom) Handler() http.Handler {
	return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{})
}

func (p *Prom) SetGauge(name string, value float64) {
	g, ok := p.gauges[name]
	if ok {
		g.Set(value)
	}
}

func (p *Prom) IncCounter(name string, delta float64) {
	c, ok := p.counters[name]
	if ok && delta > 0 {
		c.Add(delta)
	}
}

func (p *Prom) Observe(name string, value float64) {
	s, ok := p.summaries[name]
	if ok {
		s.Observe(value)
	}
}

var _ Provider = (*Prom)(nil)
