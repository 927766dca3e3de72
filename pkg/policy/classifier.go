package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"text/template"

	"github.com/teslashibe/go-voicebus/pkg/inference"
)

// Action is the policy's verdict for a query that arrives while the
// pipeline is busy.
type Action string

const (
	// Discard drops the new query and keeps going.
	Discard Action = "DISCARD"
	// Interrupt cancels in-flight work and switches to the new query.
	Interrupt Action = "INTERRUPT"
)

// ParseAction maps a classifier answer to an Action. Anything it does not
// recognize is Discard.
func ParseAction(s string) (Action, bool) {
	switch Action(strings.ToUpper(strings.TrimSpace(s))) {
	case Interrupt:
		return Interrupt, true
	case Discard:
		return Discard, true
	}
	return Discard, false
}

// Input is what the classifier decides on.
type Input struct {
	Previous string
	Current  string
	Progress string
}

// Verdict is a classifier answer.
type Verdict struct {
	Action Action `json:"action"`
	Reason string `json:"reason"`
}

// Classifier decides between Discard and Interrupt.
type Classifier interface {
	Classify(ctx context.Context, in Input) (Verdict, error)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ctx context.Context, in Input) (Verdict, error)

// Classify calls f.
func (f ClassifierFunc) Classify(ctx context.Context, in Input) (Verdict, error) {
	return f(ctx, in)
}

var promptTemplate = template.Must(template.New("decision").Parse(`
You are {{.Name}}, deciding how to handle a new user input while in an ongoing conversation. Prioritize the user's needs while maintaining focus on the current task. Be concise in your answer.

Previous input: {{.Previous}}
Current input: {{.Current}}
Speech status: {{.Progress}}

Select ONE action:

1. DISCARD (Default): Continue with previous input, ignoring current input.
   Use when current input is out of place or not urgent or interrupting.
   Appropriate when speech synthesis is still playing and the new input isn't urgent.

2. INTERRUPT: Stop current process and address new input immediately.
   Use when user says WAIT, STOP, or explicitly requests interruption.
   Also appropriate when user's input clearly contradicts or corrects what's currently being spoken.
`))

var verdictSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"action": map[string]any{
			"type":        "string",
			"enum":        []string{string(Discard), string(Interrupt)},
			"description": "The chosen action: DISCARD or INTERRUPT",
		},
		"reason": map[string]any{
			"type":        "string",
			"description": "A brief explanation for why this action was chosen",
		},
	},
	"required":             []string{"action", "reason"},
	"additionalProperties": false,
}

// LLMClassifier asks a language model for a structured verdict.
type LLMClassifier struct {
	provider inference.Provider
	name     string
	model    string
	logger   *slog.Logger
}

// NewLLMClassifier creates a classifier on provider. An empty model uses
// the provider default.
func NewLLMClassifier(provider inference.Provider, name, model string, logger *slog.Logger) *LLMClassifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMClassifier{
		provider: provider,
		name:     name,
		model:    model,
		logger:   logger.With("component", "policy.classifier"),
	}
}

// Prompt renders the decision prompt for in.
func (c *LLMClassifier) Prompt(in Input) (string, error) {
	var buf bytes.Buffer
	err := promptTemplate.Execute(&buf, struct {
		Name string
		Input
	}{c.name, in})
	if err != nil {
		return "", fmt.Errorf("policy: render prompt: %w", err)
	}
	return buf.String(), nil
}

// Classify implements Classifier. An unrecognized action is reported as
// Discard without an error.
func (c *LLMClassifier) Classify(ctx context.Context, in Input) (Verdict, error) {
	prompt, err := c.Prompt(in)
	if err != nil {
		return Verdict{Action: Discard}, err
	}

	resp, err := c.provider.Chat(ctx, &inference.ChatRequest{
		Messages:    []inference.Message{inference.NewUserMessage(prompt)},
		Model:       c.model,
		Temperature: -1,
		ResponseFormat: &inference.ResponseFormat{
			Name:   "action_decision",
			Schema: verdictSchema,
		},
	})
	if err != nil {
		return Verdict{Action: Discard}, err
	}

	var raw struct {
		Action string `json:"action"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(resp.Message.Content), &raw); err != nil {
		return Verdict{Action: Discard}, fmt.Errorf("policy: decode verdict %q: %w", resp.Message.Content, err)
	}

	action, ok := ParseAction(raw.Action)
	if !ok {
		c.logger.Warn("unhandled action", "action", raw.Action)
	}
	return Verdict{Action: action, Reason: raw.Reason}, nil
}

var _ Classifier = (*LLMClassifier)(nil)
