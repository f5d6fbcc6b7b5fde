// Package research turns a finalized clarification round into a synthesized
// finding. Synthesis is a single completion call with a narrow output schema;
// transient provider failures get one retry after a fixed backoff.
package research

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/taskwise/coworker/internal/conversation"
	"github.com/taskwise/coworker/internal/metrics"
	"github.com/taskwise/coworker/internal/provider"
)

// ErrResearch is returned when synthesis fails after the retry budget is
// spent. The orchestrator converts it into an apology turn.
var ErrResearch = errors.New("research synthesis failed")

// defaultRetryBackoff is the fixed wait before the single transient retry.
const defaultRetryBackoff = 2 * time.Second

var findingSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"summary": {"type": "string", "minLength": 1}
	},
	"required": ["summary"],
	"additionalProperties": false
}`)

// Input is one synthesis request: the original research query plus the
// answered clarification pairs.
type Input struct {
	Query string
	Task  string
	QA    []conversation.QAPair
}

// Synthesizer produces findings via the completion capability.
type Synthesizer struct {
	client  provider.Client
	backoff time.Duration
	logger  *zap.Logger
}

// Option configures a Synthesizer.
type Option func(*Synthesizer)

// WithBackoff overrides the retry backoff. Tests use this to avoid waiting.
func WithBackoff(d time.Duration) Option {
	return func(s *Synthesizer) { s.backoff = d }
}

// NewSynthesizer creates a research synthesizer.
func NewSynthesizer(client provider.Client, logger *zap.Logger, opts ...Option) *Synthesizer {
	s := &Synthesizer{client: client, backoff: defaultRetryBackoff, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Synthesize runs the research call and assembles the finding. A transient
// provider error is retried once after the backoff; permanent errors and a
// second failure yield ErrResearch.
func (s *Synthesizer) Synthesize(ctx context.Context, in Input) (conversation.Finding, error) {
	start := time.Now()
	req := provider.Request{
		Operation:    "research",
		Instructions: researchInstructions(),
		Context:      buildContext(in),
		Schema:       findingSchema,
	}

	raw, err := s.client.Complete(ctx, req)
	if err != nil && provider.IsTransient(err) {
		s.logger.Warn("Research call failed transiently, retrying after backoff",
			zap.Duration("backoff", s.backoff),
			zap.Error(err),
		)
		if werr := s.wait(ctx); werr != nil {
			metrics.ResearchSyntheses.WithLabelValues("error").Inc()
			return conversation.Finding{}, fmt.Errorf("%w: %v", ErrResearch, werr)
		}
		raw, err = s.client.Complete(ctx, req)
	}
	if err != nil {
		metrics.ResearchSyntheses.WithLabelValues("error").Inc()
		return conversation.Finding{}, fmt.Errorf("%w: %v", ErrResearch, err)
	}

	var payload struct {
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		metrics.ResearchSyntheses.WithLabelValues("error").Inc()
		return conversation.Finding{}, fmt.Errorf("%w: decode summary: %v", ErrResearch, err)
	}
	if strings.TrimSpace(payload.Summary) == "" {
		metrics.ResearchSyntheses.WithLabelValues("error").Inc()
		return conversation.Finding{}, fmt.Errorf("%w: empty summary", ErrResearch)
	}

	finding := conversation.NewFinding(in.Query, in.QA, payload.Summary)
	metrics.ResearchSyntheses.WithLabelValues("ok").Inc()
	metrics.ResearchLatency.Observe(time.Since(start).Seconds())
	return finding, nil
}

func (s *Synthesizer) wait(ctx context.Context) error {
	timer := time.NewTimer(s.backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func researchInstructions() string {
	return strings.Join([]string{
		"You are a research assistant for a task-scoped coworker.",
		"Using the research request and the user's clarification answers,",
		"produce a concise, actionable research summary.",
		"Respond with a single JSON object: {\"summary\": \"<your summary>\"}.",
	}, "\n")
}

func buildContext(in Input) string {
	var b strings.Builder
	if in.Task != "" {
		fmt.Fprintf(&b, "Task: %s\n", in.Task)
	}
	fmt.Fprintf(&b, "Research request: %s\n", in.Query)
	if len(in.QA) > 0 {
		b.WriteString("\nClarifications:\n")
		for _, qa := range in.QA {
			fmt.Fprintf(&b, "Q: %s\nA: %s\n", qa.Question, qa.Answer)
		}
	}
	return b.String()
}
