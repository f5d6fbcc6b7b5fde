// Package clarify manages the clarification round that precedes research.
// A round is born from a needs_clarification classification, waits for one
// batch of answers, and finalizes into the question/answer pairs the
// synthesizer consumes. At most one round is active per session.
package clarify

import (
	"errors"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/taskwise/coworker/internal/conversation"
	"github.com/taskwise/coworker/internal/metrics"
)

var (
	// ErrClarificationInProgress is returned when a new round or message
	// arrives while answers are still outstanding.
	ErrClarificationInProgress = errors.New("clarification round already in progress")

	// ErrNoActiveClarification is returned when answers arrive with no
	// round awaiting them.
	ErrNoActiveClarification = errors.New("no active clarification round")

	// ErrAnswerCountMismatch is returned when the submitted answer batch
	// does not line up one-to-one with the questions asked.
	ErrAnswerCountMismatch = errors.New("answer count does not match question count")

	// ErrInvalidQuestions is returned when a round is started with an
	// out-of-range question set.
	ErrInvalidQuestions = errors.New("clarification round needs 1 to 5 questions")

	// ErrIncompleteClarification is returned when finalize is attempted
	// before answers were submitted.
	ErrIncompleteClarification = errors.New("clarification round not yet answered")

	// ErrInvalidAnswer is returned for a blank individual answer.
	ErrInvalidAnswer = errors.New("answer must not be empty")
)

const maxQuestions = 5

// SkipAnswer is the value stored for a question the user declined to answer.
// Skips are recorded explicitly so a finalizable round never carries a nil
// answer slot.
const SkipAnswer = "(skipped)"

// Round is one clarification exchange. Answers slots are nil until answered;
// research may not begin while any slot is nil. Submit fills skipped slots
// with SkipAnswer.
type Round struct {
	OriginalQuery string    `json:"original_query"`
	Questions     []string  `json:"questions"`
	Answers       []*string `json:"answers,omitempty"`
}

// IsComplete reports whether every question has a non-nil answer.
func (r *Round) IsComplete() bool {
	if r == nil || len(r.Answers) != len(r.Questions) {
		return false
	}
	for _, a := range r.Answers {
		if a == nil {
			return false
		}
	}
	return true
}

// QAPairs returns the answered question/answer pairs in question order.
// Skipped questions are omitted.
func (r *Round) QAPairs() []conversation.QAPair {
	if !r.IsComplete() {
		return nil
	}
	pairs := make([]conversation.QAPair, 0, len(r.Questions))
	for i, q := range r.Questions {
		if *r.Answers[i] == SkipAnswer {
			continue
		}
		pairs = append(pairs, conversation.QAPair{Question: q, Answer: *r.Answers[i]})
	}
	return pairs
}

// Prompt renders the questions as a single assistant turn body.
func (r *Round) Prompt() string {
	var b strings.Builder
	b.WriteString("Before I dig in, a few quick questions:\n")
	for i, q := range r.Questions {
		b.WriteString("\n")
		b.WriteString(strconv.Itoa(i + 1))
		b.WriteString(". ")
		b.WriteString(q)
	}
	return b.String()
}

// Collector tracks the active round for one session. Callers serialize
// access; the orchestrator session lock covers this state.
type Collector struct {
	active *Round
	logger *zap.Logger
}

// NewCollector creates an idle collector.
func NewCollector(logger *zap.Logger) *Collector {
	return &Collector{logger: logger}
}

// Active returns the in-flight round, or nil when idle.
func (c *Collector) Active() *Round {
	return c.active
}

// AwaitingAnswers reports whether a round is waiting for the user.
func (c *Collector) AwaitingAnswers() bool {
	return c.active != nil && !c.active.IsComplete()
}

// Begin starts a round for the given query and questions. Fails when a
// round is already active or the question set is out of range.
func (c *Collector) Begin(query string, questions []string) (*Round, error) {
	if c.active != nil {
		return nil, ErrClarificationInProgress
	}
	if len(questions) == 0 || len(questions) > maxQuestions {
		return nil, ErrInvalidQuestions
	}
	for _, q := range questions {
		if strings.TrimSpace(q) == "" {
			return nil, ErrInvalidQuestions
		}
	}

	c.active = &Round{
		OriginalQuery: query,
		Questions:     append([]string(nil), questions...),
	}
	metrics.ClarificationRoundsStarted.Inc()
	metrics.ClarificationQuestions.Observe(float64(len(questions)))
	c.logger.Debug("Clarification round started",
		zap.Int("questions", len(questions)),
	)
	return c.active, nil
}

// Submit records the user's answer batch, overwriting any answers already
// in place. The batch must match the question count; nil and blank entries
// are stored as SkipAnswer, so after Submit every slot is non-nil.
func (c *Collector) Submit(answers []*string) (*Round, error) {
	if c.active == nil {
		return nil, ErrNoActiveClarification
	}
	if len(answers) != len(c.active.Questions) {
		return nil, ErrAnswerCountMismatch
	}

	stored := make([]*string, len(answers))
	for i, a := range answers {
		v := SkipAnswer
		if a != nil && strings.TrimSpace(*a) != "" {
			v = *a
		}
		stored[i] = &v
	}
	c.active.Answers = stored
	return c.active, nil
}

// Answer records one answer by question position, overwriting any prior
// answer there. Blank values are rejected; a skip is an explicit SkipAnswer.
func (c *Collector) Answer(index int, value string) error {
	if c.active == nil {
		return ErrNoActiveClarification
	}
	if index < 0 || index >= len(c.active.Questions) {
		return ErrAnswerCountMismatch
	}
	if strings.TrimSpace(value) == "" {
		return ErrInvalidAnswer
	}
	if c.active.Answers == nil {
		c.active.Answers = make([]*string, len(c.active.Questions))
	}
	v := value
	c.active.Answers[index] = &v
	return nil
}

// Finalize consumes the answered round, returning the original query and
// the answered pairs. The collector returns to idle.
func (c *Collector) Finalize() (string, []conversation.QAPair, error) {
	if c.active == nil {
		return "", nil, ErrNoActiveClarification
	}
	if !c.active.IsComplete() {
		return "", nil, ErrIncompleteClarification
	}
	round := c.active
	c.active = nil
	metrics.ClarificationRoundsCompleted.Inc()
	return round.OriginalQuery, round.QAPairs(), nil
}

// Reopen reinstates a finalized round so its answers can be resubmitted
// after a failed synthesis. No-op when another round is already active.
func (c *Collector) Reopen(r *Round) {
	if c.active != nil || r == nil {
		return
	}
	c.active = r
}

// Cancel discards any active round. Used on session reset.
func (c *Collector) Cancel() {
	c.active = nil
}
