// Package intent decides, in one completion round trip, whether a user
// utterance can be answered directly or needs a clarification-driven
// research round. Classification and direct-answer generation are collapsed
// into the same call so the common case costs one round trip.
package intent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/taskwise/coworker/internal/conversation"
	"github.com/taskwise/coworker/internal/metrics"
	"github.com/taskwise/coworker/internal/provider"
)

// ErrClassification is returned when both classification attempts fail.
// The orchestrator converts it into a generic "could not process" turn.
var ErrClassification = errors.New("classification failed")

// MaxQuestions bounds a clarification round. Extra questions from the model
// are truncated, not rejected; over-asking is cosmetic, not a correctness
// problem.
const MaxQuestions = 5

// Kind discriminates the classifier output.
type Kind string

const (
	KindDirect             Kind = "direct"
	KindNeedsClarification Kind = "needs_clarification"
)

// Result is the classifier's tagged output. Answer is set only for direct;
// Questions only for needs_clarification. Never both.
type Result struct {
	Kind      Kind
	Answer    string
	Questions []string
}

// TaskContext is the task the conversation is scoped to.
type TaskContext struct {
	Title       string
	Description string
}

// Input carries one utterance plus the context the model needs to decide.
type Input struct {
	Utterance     string
	Task          TaskContext
	RecentHistory []conversation.Turn
}

// resultSchema is the discriminated JSON object the completion service must
// return. Validated at the provider boundary; parsed and range-checked here.
var resultSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"kind": {"type": "string", "enum": ["direct", "needs_clarification"]},
		"answer": {"type": "string"},
		"questions": {"type": "array", "items": {"type": "string"}}
	},
	"required": ["kind"],
	"additionalProperties": false
}`)

// Classifier determines intent via the completion capability.
type Classifier struct {
	client provider.Client
	logger *zap.Logger
}

// NewClassifier creates an intent classifier.
func NewClassifier(client provider.Client, logger *zap.Logger) *Classifier {
	return &Classifier{client: client, logger: logger}
}

// Classify makes at most two completion calls: the original request, and one
// retry with a stricter instruction if the first response fails validation.
// A second failure yields ErrClassification.
func (c *Classifier) Classify(ctx context.Context, in Input) (Result, error) {
	req := provider.Request{
		Operation:    "classify",
		Instructions: classifyInstructions(false),
		Context:      buildContext(in),
		Schema:       resultSchema,
	}

	res, err := c.attempt(ctx, req)
	if err == nil {
		metrics.IntentClassifications.WithLabelValues(string(res.Kind)).Inc()
		return res, nil
	}

	metrics.ClassificationRetries.Inc()
	c.logger.Warn("Classification attempt failed, retrying with stricter instruction",
		zap.Error(err),
	)

	req.Instructions = classifyInstructions(true)
	res, err = c.attempt(ctx, req)
	if err != nil {
		metrics.ClassificationErrors.Inc()
		return Result{}, fmt.Errorf("%w: %v", ErrClassification, err)
	}

	metrics.IntentClassifications.WithLabelValues(string(res.Kind)).Inc()
	return res, nil
}

func (c *Classifier) attempt(ctx context.Context, req provider.Request) (Result, error) {
	raw, err := c.client.Complete(ctx, req)
	if err != nil {
		return Result{}, err
	}
	return parseResult(raw)
}

// parseResult converts the schema-valid payload into the tagged Result and
// applies the question clamp.
func parseResult(raw json.RawMessage) (Result, error) {
	var payload struct {
		Kind      string   `json:"kind"`
		Answer    string   `json:"answer"`
		Questions []string `json:"questions"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Result{}, fmt.Errorf("decode intent payload: %w", err)
	}

	switch Kind(payload.Kind) {
	case KindDirect:
		if strings.TrimSpace(payload.Answer) == "" {
			return Result{}, errors.New("direct intent with empty answer")
		}
		return Result{Kind: KindDirect, Answer: payload.Answer}, nil

	case KindNeedsClarification:
		questions := clampQuestions(payload.Questions)
		if len(questions) == 0 {
			return Result{}, errors.New("needs_clarification intent with no usable questions")
		}
		return Result{Kind: KindNeedsClarification, Questions: questions}, nil

	default:
		return Result{}, fmt.Errorf("unknown intent kind %q", payload.Kind)
	}
}

// clampQuestions drops blank questions and truncates to MaxQuestions.
func clampQuestions(questions []string) []string {
	out := make([]string, 0, len(questions))
	for _, q := range questions {
		if strings.TrimSpace(q) == "" {
			continue
		}
		out = append(out, q)
	}
	if len(out) != len(questions) || len(out) > MaxQuestions {
		metrics.QuestionsClamped.Inc()
	}
	if len(out) > MaxQuestions {
		out = out[:MaxQuestions]
	}
	return out
}

func classifyInstructions(strict bool) string {
	var b strings.Builder
	b.WriteString("You are a task-scoped assistant embedded in a productivity app.\n")
	b.WriteString("Decide whether the user's message can be answered directly from the\n")
	b.WriteString("task context and general knowledge, or whether it is a research request\n")
	b.WriteString("that needs clarifying questions before useful work can start.\n\n")
	b.WriteString("Respond with a single JSON object:\n")
	b.WriteString(`- {"kind": "direct", "answer": "<your answer>"} when you can answer now` + "\n")
	b.WriteString(`- {"kind": "needs_clarification", "questions": ["..."]} with 1-5 short` + "\n")
	b.WriteString("  questions when research details are missing.\n")
	if strict {
		b.WriteString("\nIMPORTANT: the previous response did not match the required shape.\n")
		b.WriteString("Return ONLY the JSON object described above. No prose, no markdown,\n")
		b.WriteString("no extra fields.\n")
	}
	return b.String()
}

// buildContext renders the task context and recent history the way the
// completion service expects its context block.
func buildContext(in Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", in.Task.Title)
	if in.Task.Description != "" {
		fmt.Fprintf(&b, "Task description: %s\n", in.Task.Description)
	}
	if len(in.RecentHistory) > 0 {
		b.WriteString("\nRecent conversation:\n")
		for _, t := range in.RecentHistory {
			fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Content)
		}
	}
	fmt.Fprintf(&b, "\nUser message: %s\n", in.Utterance)
	return b.String()
}
