package policy

import (
	"fmt"
	"slices"
	"strings"

	"github.com/teslashibe/go-voicebus/pkg/events"
)

// Gate drops queries that should never reach the policy.
type Gate struct {
	minConfidence float64
	languages     []string
}

// NewGate creates a Gate from cfg.
func NewGate(cfg Config) *Gate {
	langs := make([]string, len(cfg.Languages))
	for i, l := range cfg.Languages {
		langs[i] = strings.ToLower(l)
	}
	return &Gate{minConfidence: cfg.MinConfidence, languages: langs}
}

// Admit reports whether q passes, with the reason when it does not.
func (g *Gate) Admit(q events.Query) (bool, string) {
	if strings.TrimSpace(q.Text) == "" {
		return false, "empty transcription"
	}
	if q.Confidence < g.minConfidence {
		return false, fmt.Sprintf("confidence %.2f below %.2f", q.Confidence, g.minConfidence)
	}
	if len(g.languages) > 0 && !slices.Contains(g.languages, strings.ToLower(q.Language)) {
		return false, fmt.Sprintf("language %q not handled", q.Language)
	}
	return true, ""
}
