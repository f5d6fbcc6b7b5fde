// Package orchestrator is the conversational engine's façade. It owns the
// per-task sessions, routes each user message through intent classification,
// drives clarification rounds into research synthesis, and converts internal
// failures into visible conversation turns. Callers never see provider
// errors; a message either produces turns or a typed session error.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskwise/coworker/internal/clarify"
	"github.com/taskwise/coworker/internal/conversation"
	"github.com/taskwise/coworker/internal/intent"
	"github.com/taskwise/coworker/internal/metrics"
	"github.com/taskwise/coworker/internal/research"
	"github.com/taskwise/coworker/internal/streaming"
)

var (
	// ErrNotAttached is returned for operations on a task with no session.
	ErrNotAttached = errors.New("no session attached for task")

	// ErrSessionBusy is returned under the reject busy policy when an
	// operation arrives while another is in flight.
	ErrSessionBusy = errors.New("session is busy")

	// ErrConversationReset is returned when a reset raced an in-flight
	// operation and the operation's result was discarded.
	ErrConversationReset = errors.New("conversation was reset")

	// ErrEmptyMessage is returned for blank user messages.
	ErrEmptyMessage = errors.New("message is empty")
)

// BusyPolicy selects what happens when a conversational call arrives while
// the session is already processing one.
type BusyPolicy string

const (
	// BusyQueue blocks the caller until the in-flight operation finishes.
	BusyQueue BusyPolicy = "queue"
	// BusyReject fails fast with ErrSessionBusy.
	BusyReject BusyPolicy = "reject"
)

// Apology texts used when a swallowed failure becomes a visible turn.
const (
	apologyClassification = "Sorry, I wasn't able to process that message. Please try again."
	apologyResearch       = "Sorry, I ran into a problem while researching that. Please try again."
	resetMarker           = "Conversation reset. Previous messages are no longer in context."
	pendingReminder       = "I still have clarifying questions waiting for your answers. Please answer them, or reset the conversation to start over."
)

// Task identifies and describes the task a conversation is scoped to.
type Task struct {
	ID          string
	Title       string
	Description string
}

// Config tunes the orchestrator.
type Config struct {
	BusyPolicy BusyPolicy
	// MaxRecentTurns bounds the history slice handed to the classifier.
	MaxRecentTurns int
}

func (c *Config) applyDefaults() {
	if c.BusyPolicy == "" {
		c.BusyPolicy = BusyQueue
	}
	if c.MaxRecentTurns <= 0 {
		c.MaxRecentTurns = 20
	}
}

// HistoryStore is the persistence surface the orchestrator writes through.
type HistoryStore interface {
	Load(ctx context.Context, taskID string) ([]conversation.Turn, error)
	Append(ctx context.Context, taskID string, turns ...conversation.Turn) error
	Replace(ctx context.Context, taskID string, turns []conversation.Turn) error
}

// FindingSink receives synthesized findings for archival.
type FindingSink interface {
	QueueSave(taskID string, f conversation.Finding, callback func(error))
	GetFinding(ctx context.Context, id string) (conversation.Finding, error)
	ListByTask(ctx context.Context, taskID string) ([]conversation.Finding, error)
}

// Publisher delivers conversation events to live subscribers.
type Publisher interface {
	Publish(taskID string, evt streaming.Event)
	PublishTurn(taskID string, turn conversation.Turn)
}

// Orchestrator coordinates sessions, classification, clarification, and
// research for all attached tasks.
type Orchestrator struct {
	cfg         Config
	classifier  *intent.Classifier
	synthesizer *research.Synthesizer
	history     HistoryStore
	archive     FindingSink
	stream      Publisher
	logger      *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*session
}

// New creates an orchestrator.
func New(
	cfg Config,
	classifier *intent.Classifier,
	synthesizer *research.Synthesizer,
	history HistoryStore,
	archive FindingSink,
	stream Publisher,
	logger *zap.Logger,
) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		cfg:         cfg,
		classifier:  classifier,
		synthesizer: synthesizer,
		history:     history,
		archive:     archive,
		stream:      stream,
		logger:      logger,
		sessions:    make(map[string]*session),
	}
}

// Attach binds a session to a task and returns the persisted history.
// Attaching an already-attached task is a no-op that returns the same
// conversation.
func (o *Orchestrator) Attach(ctx context.Context, task Task) ([]conversation.Turn, error) {
	if task.ID == "" {
		return nil, fmt.Errorf("task ID is required")
	}

	o.mu.Lock()
	s, exists := o.sessions[task.ID]
	if !exists {
		s = newSession(task, o.logger)
		o.sessions[task.ID] = s
		metrics.SessionsAttached.Inc()
		metrics.SessionsActive.Set(float64(len(o.sessions)))
	}
	o.mu.Unlock()

	if exists {
		o.logger.Debug("Attach on already-attached task", zap.String("task_id", task.ID))
	} else {
		o.logger.Info("Session attached",
			zap.String("task_id", task.ID),
			zap.String("title", task.Title),
		)
	}

	return o.history.Load(ctx, task.ID)
}

// Detach drops a task's session. Persisted history survives; a later Attach
// resumes the conversation.
func (o *Orchestrator) Detach(taskID string) {
	o.mu.Lock()
	if _, ok := o.sessions[taskID]; ok {
		delete(o.sessions, taskID)
		metrics.SessionsActive.Set(float64(len(o.sessions)))
	}
	o.mu.Unlock()
	o.logger.Info("Session detached", zap.String("task_id", taskID))
}

// History returns the persisted conversation for an attached task.
func (o *Orchestrator) History(ctx context.Context, taskID string) ([]conversation.Turn, error) {
	if _, err := o.session(taskID); err != nil {
		return nil, err
	}
	return o.history.Load(ctx, taskID)
}

// Finding loads an archived finding by ID.
func (o *Orchestrator) Finding(ctx context.Context, id string) (conversation.Finding, error) {
	return o.archive.GetFinding(ctx, id)
}

// Findings lists a task's archived findings, newest first.
func (o *Orchestrator) Findings(ctx context.Context, taskID string) ([]conversation.Finding, error) {
	return o.archive.ListByTask(ctx, taskID)
}

// ProcessMessage runs one user message through the conversation engine and
// returns the turns it produced, user turn first.
func (o *Orchestrator) ProcessMessage(ctx context.Context, taskID, text string) ([]conversation.Turn, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}

	s, err := o.session(taskID)
	if err != nil {
		return nil, err
	}
	if err := o.acquire(s); err != nil {
		return nil, err
	}
	defer s.opMu.Unlock()

	start := time.Now()
	gen := s.currentGeneration()

	userTurn, err := conversation.NewUserTurn(text)
	if err != nil {
		return nil, err
	}
	if err := o.commit(ctx, s, gen, userTurn); err != nil {
		return nil, err
	}
	produced := []conversation.Turn{userTurn}

	// A pending clarification round blocks new work until answered or reset.
	if s.awaitingAnswers() {
		reminder, err := conversation.NewAssistantTurn(pendingReminder)
		if err != nil {
			return nil, err
		}
		if err := o.commit(ctx, s, gen, reminder); err != nil {
			return nil, err
		}
		metrics.MessagesProcessed.WithLabelValues("pending_clarification").Inc()
		return append(produced, reminder), nil
	}

	// A fully answered round left over from a failed synthesis is dropped;
	// the user moved on instead of retrying.
	s.discardCompleteRound()

	recent, err := o.recentTurns(ctx, taskID)
	if err != nil {
		return nil, err
	}

	result, err := o.classifier.Classify(ctx, intent.Input{
		Utterance: text,
		Task:      intent.TaskContext{Title: s.task.Title, Description: s.task.Description},
		RecentHistory: recent,
	})
	if err != nil {
		o.logger.Error("Classification failed, emitting apology turn",
			zap.String("task_id", taskID),
			zap.Error(err),
		)
		apology, aerr := conversation.NewAssistantTurn(apologyClassification)
		if aerr != nil {
			return nil, aerr
		}
		if cerr := o.commit(ctx, s, gen, apology); cerr != nil {
			return nil, cerr
		}
		metrics.MessagesProcessed.WithLabelValues("apology").Inc()
		metrics.MessageLatency.WithLabelValues("apology").Observe(time.Since(start).Seconds())
		return append(produced, apology), nil
	}

	var reply conversation.Turn
	var outcome string
	switch result.Kind {
	case intent.KindDirect:
		reply, err = conversation.NewAssistantTurn(result.Answer)
		if err != nil {
			return nil, err
		}
		metrics.MessagesProcessed.WithLabelValues("direct").Inc()
		outcome = "direct"

	case intent.KindNeedsClarification:
		round, berr := s.beginClarification(text, result.Questions)
		if berr != nil {
			return nil, berr
		}
		reply, err = conversation.NewTurn(
			conversation.RoleAssistant,
			round.Prompt(),
			conversation.Metadata{Kind: conversation.KindClarifyingQuestion},
		)
		if err != nil {
			return nil, err
		}
		metrics.MessagesProcessed.WithLabelValues("clarification_started").Inc()
		outcome = "clarification_started"

	default:
		return nil, fmt.Errorf("unexpected intent kind %q", result.Kind)
	}

	if err := o.commit(ctx, s, gen, reply); err != nil {
		return nil, err
	}
	metrics.MessageLatency.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	return append(produced, reply), nil
}

// SubmitClarifications records the user's answers, runs research synthesis,
// and returns the produced turns plus the synthesized finding. On the
// apology path the finding is nil and the turns end with the apology.
func (o *Orchestrator) SubmitClarifications(ctx context.Context, taskID string, answers []*string) ([]conversation.Turn, *conversation.Finding, error) {
	s, err := o.session(taskID)
	if err != nil {
		return nil, nil, err
	}
	if err := o.acquire(s); err != nil {
		return nil, nil, err
	}
	defer s.opMu.Unlock()

	gen := s.currentGeneration()

	round, err := s.submitAnswers(answers)
	if err != nil {
		return nil, nil, err
	}

	answersTurn, err := conversation.NewUserTurn(formatAnswers(round))
	if err != nil {
		return nil, nil, err
	}
	if err := o.commit(ctx, s, gen, answersTurn); err != nil {
		return nil, nil, err
	}
	produced := []conversation.Turn{answersTurn}

	query, qa, err := s.finalizeClarification()
	if err != nil {
		return nil, nil, err
	}

	finding, err := o.synthesizer.Synthesize(ctx, research.Input{
		Query: query,
		Task:  s.task.Title,
		QA:    qa,
	})
	if err != nil {
		// Keep the answers so a retry does not force the user to re-answer.
		s.reopenClarification(gen, round)
		o.logger.Error("Research synthesis failed, emitting apology turn",
			zap.String("task_id", taskID),
			zap.Error(err),
		)
		apology, aerr := conversation.NewAssistantTurn(apologyResearch)
		if aerr != nil {
			return nil, nil, aerr
		}
		if cerr := o.commit(ctx, s, gen, apology); cerr != nil {
			return nil, nil, cerr
		}
		metrics.MessagesProcessed.WithLabelValues("apology").Inc()
		return append(produced, apology), nil, nil
	}

	// A reset while research was in flight invalidates the result.
	if s.currentGeneration() != gen {
		metrics.StaleResultsDiscarded.Inc()
		o.logger.Info("Discarding stale research result after reset",
			zap.String("task_id", taskID),
			zap.String("finding_id", finding.ID),
		)
		return nil, nil, ErrConversationReset
	}

	resultTurn, err := conversation.NewTurn(
		conversation.RoleAssistant,
		finding.Summary,
		conversation.Metadata{Kind: conversation.KindResearchResult, FindingID: finding.ID},
	)
	if err != nil {
		return nil, nil, err
	}
	if err := o.commit(ctx, s, gen, resultTurn); err != nil {
		return nil, nil, err
	}

	// Archive only once the result turn is committed, so a reset that beat
	// the commit does not leave an orphaned finding.
	o.archive.QueueSave(taskID, finding, nil)
	o.stream.Publish(taskID, streaming.Event{Type: streaming.EventFinding, FindingID: finding.ID})

	metrics.MessagesProcessed.WithLabelValues("research_completed").Inc()
	return append(produced, resultTurn), &finding, nil
}

// Reset clears the conversation: pending clarifications are cancelled,
// in-flight work is invalidated, and the history is replaced with a single
// reset marker turn. Archived findings are untouched.
func (o *Orchestrator) Reset(ctx context.Context, taskID string) (conversation.Turn, error) {
	s, err := o.session(taskID)
	if err != nil {
		return conversation.Turn{}, err
	}

	marker, err := conversation.NewAssistantTurn(resetMarker)
	if err != nil {
		return conversation.Turn{}, err
	}

	s.reset()
	if err := o.history.Replace(ctx, taskID, []conversation.Turn{marker}); err != nil {
		return conversation.Turn{}, err
	}
	o.stream.Publish(taskID, streaming.Event{Type: streaming.EventReset, Turn: &marker})

	o.logger.Info("Conversation reset", zap.String("task_id", taskID))
	return marker, nil
}

// AwaitingClarification reports whether the task has questions outstanding.
func (o *Orchestrator) AwaitingClarification(taskID string) (bool, error) {
	s, err := o.session(taskID)
	if err != nil {
		return false, err
	}
	return s.awaitingAnswers(), nil
}

func (o *Orchestrator) session(taskID string) (*session, error) {
	o.mu.RLock()
	s, ok := o.sessions[taskID]
	o.mu.RUnlock()
	if !ok {
		return nil, ErrNotAttached
	}
	return s, nil
}

// acquire takes the session's operation lock per the busy policy.
func (o *Orchestrator) acquire(s *session) error {
	if o.cfg.BusyPolicy == BusyReject {
		if !s.opMu.TryLock() {
			metrics.SessionsBusyRejected.Inc()
			return ErrSessionBusy
		}
		return nil
	}
	s.opMu.Lock()
	return nil
}

// commit persists a turn and publishes it, unless a reset invalidated the
// operation's generation. The generation check and the append run under the
// session state lock so a reset cannot slip in between them and leave a
// stale turn after its marker.
func (o *Orchestrator) commit(ctx context.Context, s *session, gen uint64, turn conversation.Turn) error {
	ok, err := s.withGeneration(gen, func() error {
		return o.history.Append(ctx, s.task.ID, turn)
	})
	if !ok {
		metrics.StaleResultsDiscarded.Inc()
		return ErrConversationReset
	}
	if err != nil {
		return err
	}
	o.stream.PublishTurn(s.task.ID, turn)
	return nil
}

func (o *Orchestrator) recentTurns(ctx context.Context, taskID string) ([]conversation.Turn, error) {
	turns, err := o.history.Load(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if len(turns) > o.cfg.MaxRecentTurns {
		turns = turns[len(turns)-o.cfg.MaxRecentTurns:]
	}
	return turns, nil
}

// formatAnswers renders the answer batch as the user-visible answers turn.
func formatAnswers(round *clarify.Round) string {
	var b strings.Builder
	for i, q := range round.Questions {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(strconv.Itoa(i + 1))
		b.WriteString(". ")
		b.WriteString(q)
		b.WriteString(" ")
		if a := round.Answers[i]; a != nil {
			b.WriteString(*a)
		} else {
			b.WriteString(clarify.SkipAnswer)
		}
	}
	return b.String()
}
