package orchestrator

import (
	"sync"

	"go.uber.org/zap"

	"github.com/taskwise/coworker/internal/clarify"
	"github.com/taskwise/coworker/internal/conversation"
)

// session is the in-memory state for one attached task. Conversational
// operations serialize on opMu; generation and clarification state are
// guarded separately by stateMu so Reset never waits behind a long provider
// call.
type session struct {
	task Task

	// opMu serializes ProcessMessage and SubmitClarifications.
	opMu sync.Mutex

	stateMu    sync.Mutex
	generation uint64
	collector  *clarify.Collector
}

func newSession(task Task, logger *zap.Logger) *session {
	return &session{
		task:      task,
		collector: clarify.NewCollector(logger.With(zap.String("task_id", task.ID))),
	}
}

func (s *session) currentGeneration() uint64 {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.generation
}

func (s *session) awaitingAnswers() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.collector.AwaitingAnswers()
}

func (s *session) beginClarification(query string, questions []string) (*clarify.Round, error) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.collector.Begin(query, questions)
}

func (s *session) submitAnswers(answers []*string) (*clarify.Round, error) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.collector.Submit(answers)
}

func (s *session) finalizeClarification() (string, []conversation.QAPair, error) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.collector.Finalize()
}

// withGeneration runs fn under the state lock when the generation still
// matches. Holding the lock across fn means a concurrent reset either waits
// for fn or invalidates the whole operation; it can never interleave between
// the check and the write.
func (s *session) withGeneration(gen uint64, fn func() error) (bool, error) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.generation != gen {
		return false, nil
	}
	return true, fn()
}

// discardCompleteRound drops a reopened round the user chose not to retry.
func (s *session) discardCompleteRound() {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if r := s.collector.Active(); r != nil && r.IsComplete() {
		s.collector.Cancel()
	}
}

// reopenClarification puts a finalized round back so its answers survive a
// failed synthesis. Skipped when the session was reset in the meantime.
func (s *session) reopenClarification(gen uint64, round *clarify.Round) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.generation != gen {
		return
	}
	s.collector.Reopen(round)
}

// reset bumps the generation so in-flight work discards its result, and
// cancels any pending clarification round.
func (s *session) reset() {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.generation++
	s.collector.Cancel()
}
