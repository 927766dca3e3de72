// Package policy decides what happens to a query that arrives while the
// pipeline is still answering an earlier one.
package policy

import (
	"context"
	"fmt"

	"github.com/teslashibe/go-voicebus/pkg/events"
)

// Outcome is what the policy did with a query.
type Outcome int

const (
	// Dropped queries failed the gate.
	Dropped Outcome = iota
	// Accepted queries arrived while the pipeline was idle.
	Accepted
	// Discarded queries lost to in-flight work.
	Discarded
	// Interrupted queries replaced in-flight work.
	Interrupted
)

func (o Outcome) String() string {
	switch o {
	case Dropped:
		return "dropped"
	case Accepted:
		return "accepted"
	case Discarded:
		return "discarded"
	case Interrupted:
		return "interrupted"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Decision is the policy's answer for one query. Target is the query whose
// reply an interrupt cancels.
type Decision struct {
	Outcome Outcome
	Reason  string
	Target  string
}

// Policy combines the gate, the tracker and the classifier.
type Policy struct {
	cfg        Config
	gate       *Gate
	tracker    *Tracker
	classifier Classifier
}

// New creates a Policy. The tracker must be fed the pipeline's status
// events by the caller.
func New(cfg Config, tracker *Tracker, classifier Classifier) (*Policy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if tracker == nil {
		tracker = NewTracker()
	}
	return &Policy{
		cfg:        cfg,
		gate:       NewGate(cfg),
		tracker:    tracker,
		classifier: classifier,
	}, nil
}

// Tracker returns the policy's tracker.
func (p *Policy) Tracker() *Tracker { return p.tracker }

// Decide classifies q. It does not change the tracker; callers Accept
// forwarded queries once the interrupt, if any, has been issued.
func (p *Policy) Decide(ctx context.Context, q events.Query) Decision {
	if ok, reason := p.gate.Admit(q); !ok {
		return Decision{Outcome: Dropped, Reason: reason}
	}
	if !p.tracker.Busy() {
		return Decision{Outcome: Accepted, Reason: "idle"}
	}

	prev, _ := p.tracker.Previous()
	if p.classifier == nil {
		return Decision{Outcome: Discarded, Reason: "no classifier", Target: prev.ID}
	}

	cctx, cancel := context.WithTimeout(ctx, p.cfg.ClassifyTimeout)
	defer cancel()
	v, err := p.classifier.Classify(cctx, Input{
		Previous: prev.Text,
		Current:  q.Text,
		Progress: p.tracker.Progress(),
	})
	if err != nil {
		return Decision{Outcome: Discarded, Reason: "classifier failed: " + err.Error(), Target: prev.ID}
	}
	if v.Action == Interrupt {
		return Decision{Outcome: Interrupted, Reason: v.Reason, Target: prev.ID}
	}
	return Decision{Outcome: Discarded, Reason: v.Reason, Target: prev.ID}
}
