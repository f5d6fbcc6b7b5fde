package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/taskwise/coworker/internal/clarify"
	"github.com/taskwise/coworker/internal/conversation"
	"github.com/taskwise/coworker/internal/intent"
	"github.com/taskwise/coworker/internal/provider"
	"github.com/taskwise/coworker/internal/research"
	"github.com/taskwise/coworker/internal/streaming"
)

// scriptedProvider pops one scripted step per Complete call.
type scriptedProvider struct {
	mu    sync.Mutex
	steps []func(ctx context.Context, req provider.Request) (json.RawMessage, error)
}

func (p *scriptedProvider) push(fn func(ctx context.Context, req provider.Request) (json.RawMessage, error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.steps = append(p.steps, fn)
}

func (p *scriptedProvider) respond(body string) {
	p.push(func(context.Context, provider.Request) (json.RawMessage, error) {
		return json.RawMessage(body), nil
	})
}

func (p *scriptedProvider) fail(err error) {
	p.push(func(context.Context, provider.Request) (json.RawMessage, error) {
		return nil, err
	})
}

func (p *scriptedProvider) Complete(ctx context.Context, req provider.Request) (json.RawMessage, error) {
	p.mu.Lock()
	if len(p.steps) == 0 {
		p.mu.Unlock()
		return nil, &provider.Error{Err: assert.AnError}
	}
	fn := p.steps[0]
	p.steps = p.steps[1:]
	p.mu.Unlock()
	return fn(ctx, req)
}

// memHistory is an in-memory HistoryStore.
type memHistory struct {
	mu sync.Mutex
	m  map[string][]conversation.Turn

	// appendHook, when set, runs at the top of Append. Tests use it to
	// stall an append at a chosen point.
	appendHook func(taskID string, turns []conversation.Turn)
}

func newMemHistory() *memHistory {
	return &memHistory{m: make(map[string][]conversation.Turn)}
}

func (h *memHistory) Load(_ context.Context, taskID string) ([]conversation.Turn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]conversation.Turn(nil), h.m[taskID]...), nil
}

func (h *memHistory) Append(_ context.Context, taskID string, turns ...conversation.Turn) error {
	if h.appendHook != nil {
		h.appendHook(taskID, turns)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.m[taskID] = append(h.m[taskID], turns...)
	return nil
}

func (h *memHistory) Replace(_ context.Context, taskID string, turns []conversation.Turn) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.m[taskID] = append([]conversation.Turn(nil), turns...)
	return nil
}

// memSink records archived findings.
type memSink struct {
	mu    sync.Mutex
	saved []conversation.Finding
}

func (s *memSink) QueueSave(_ string, f conversation.Finding, callback func(error)) {
	s.mu.Lock()
	s.saved = append(s.saved, f)
	s.mu.Unlock()
	if callback != nil {
		callback(nil)
	}
}

func (s *memSink) GetFinding(_ context.Context, id string) (conversation.Finding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.saved {
		if f.ID == id {
			return f, nil
		}
	}
	return conversation.Finding{}, assert.AnError
}

func (s *memSink) ListByTask(context.Context, string) ([]conversation.Finding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]conversation.Finding(nil), s.saved...), nil
}

func (s *memSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

// memPublisher records published events.
type memPublisher struct {
	mu     sync.Mutex
	events []streaming.Event
}

func (p *memPublisher) Publish(taskID string, evt streaming.Event) {
	evt.TaskID = taskID
	p.mu.Lock()
	p.events = append(p.events, evt)
	p.mu.Unlock()
}

func (p *memPublisher) PublishTurn(taskID string, turn conversation.Turn) {
	p.Publish(taskID, streaming.Event{Type: streaming.EventTurn, Turn: &turn})
}

func (p *memPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	orch     *Orchestrator
	provider *scriptedProvider
	history  *memHistory
	sink     *memSink
	pub      *memPublisher
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	p := &scriptedProvider{}
	h := newMemHistory()
	s := &memSink{}
	pub := &memPublisher{}

	orch := New(
		cfg,
		intent.NewClassifier(p, logger),
		research.NewSynthesizer(p, logger, research.WithBackoff(time.Millisecond)),
		h, s, pub, logger,
	)
	return &fixture{orch: orch, provider: p, history: h, sink: s, pub: pub}
}

func attach(t *testing.T, f *fixture, taskID string) {
	t.Helper()
	_, err := f.orch.Attach(context.Background(), Task{ID: taskID, Title: "Plan offsite"})
	require.NoError(t, err)
}

func TestDirectAnswerFlow(t *testing.T) {
	f := newFixture(t, Config{})
	attach(t, f, "task-1")
	f.provider.respond(`{"kind": "direct", "answer": "Book the venue first."}`)

	turns, err := f.orch.ProcessMessage(context.Background(), "task-1", "where do I start?")
	require.NoError(t, err)
	require.Len(t, turns, 2)

	assert.Equal(t, conversation.RoleUser, turns[0].Role)
	assert.Equal(t, "where do I start?", turns[0].Content)
	assert.Equal(t, conversation.RoleAssistant, turns[1].Role)
	assert.Equal(t, "Book the venue first.", turns[1].Content)
	assert.Equal(t, conversation.KindPlain, turns[1].Metadata.Kind)

	persisted, err := f.history.Load(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Len(t, persisted, 2)
}

func TestResearchFlow(t *testing.T) {
	f := newFixture(t, Config{})
	attach(t, f, "task-1")
	ctx := context.Background()

	f.provider.respond(`{"kind": "needs_clarification", "questions": ["How many people?", "What budget?"]}`)

	turns, err := f.orch.ProcessMessage(ctx, "task-1", "research venue options")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.True(t, turns[1].IsClarifyingQuestion())
	assert.Contains(t, turns[1].Content, "How many people?")

	awaiting, err := f.orch.AwaitingClarification("task-1")
	require.NoError(t, err)
	assert.True(t, awaiting)

	f.provider.respond(`{"summary": "Three venues fit the budget."}`)

	budget := "under 5k"
	turns, finding, err := f.orch.SubmitClarifications(ctx, "task-1", []*string{nil, &budget})
	require.NoError(t, err)
	require.Len(t, turns, 2)

	assert.Equal(t, conversation.RoleUser, turns[0].Role)
	assert.Contains(t, turns[0].Content, "(skipped)")
	assert.Contains(t, turns[0].Content, "under 5k")

	result := turns[1]
	assert.Equal(t, conversation.KindResearchResult, result.Metadata.Kind)
	assert.NotEmpty(t, result.Metadata.FindingID)
	assert.Equal(t, "Three venues fit the budget.", result.Content)

	// The finding comes back directly; no archive round-trip needed.
	require.NotNil(t, finding)
	assert.Equal(t, result.Metadata.FindingID, finding.ID)
	assert.Equal(t, "Three venues fit the budget.", finding.Summary)

	require.Equal(t, 1, f.sink.count())
	saved, err := f.orch.Finding(ctx, result.Metadata.FindingID)
	require.NoError(t, err)
	assert.Equal(t, "research venue options", saved.Query)
	require.Len(t, saved.ClarifyingQA, 1)
	assert.Equal(t, "What budget?", saved.ClarifyingQA[0].Question)

	assert.Contains(t, f.pub.types(), streaming.EventFinding)

	awaiting, err = f.orch.AwaitingClarification("task-1")
	require.NoError(t, err)
	assert.False(t, awaiting)
}

func TestMessageDuringPendingClarification(t *testing.T) {
	f := newFixture(t, Config{})
	attach(t, f, "task-1")
	ctx := context.Background()

	f.provider.respond(`{"kind": "needs_clarification", "questions": ["Which city?"]}`)
	_, err := f.orch.ProcessMessage(ctx, "task-1", "research flights")
	require.NoError(t, err)

	// No provider step queued: the reminder path must not call the provider.
	turns, err := f.orch.ProcessMessage(ctx, "task-1", "actually also hotels")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Contains(t, turns[1].Content, "clarifying questions")

	awaiting, err := f.orch.AwaitingClarification("task-1")
	require.NoError(t, err)
	assert.True(t, awaiting)
}

func TestClassificationFailureBecomesApology(t *testing.T) {
	f := newFixture(t, Config{})
	attach(t, f, "task-1")

	f.provider.fail(&provider.Error{Err: assert.AnError})
	f.provider.fail(&provider.Error{Err: assert.AnError})

	turns, err := f.orch.ProcessMessage(context.Background(), "task-1", "hello")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, apologyClassification, turns[1].Content)
	assert.Equal(t, conversation.KindPlain, turns[1].Metadata.Kind)
}

func TestResearchFailureBecomesApology(t *testing.T) {
	f := newFixture(t, Config{})
	attach(t, f, "task-1")
	ctx := context.Background()

	f.provider.respond(`{"kind": "needs_clarification", "questions": ["Which city?"]}`)
	_, err := f.orch.ProcessMessage(ctx, "task-1", "research flights")
	require.NoError(t, err)

	// Permanent research failure: no retry, straight to apology.
	f.provider.fail(&provider.Error{Err: assert.AnError})

	city := "Lisbon"
	turns, finding, err := f.orch.SubmitClarifications(ctx, "task-1", []*string{&city})
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, apologyResearch, turns[1].Content)
	assert.Nil(t, finding)
	assert.Equal(t, 0, f.sink.count())

	// The answers survive the failure; resubmitting runs research without
	// a fresh clarification round.
	f.provider.respond(`{"summary": "Fly Tuesday."}`)
	turns, finding, err = f.orch.SubmitClarifications(ctx, "task-1", []*string{&city})
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, conversation.KindResearchResult, turns[1].Metadata.Kind)
	require.NotNil(t, finding)
	assert.Equal(t, "Fly Tuesday.", finding.Summary)
	assert.Equal(t, 1, f.sink.count())
}

func TestAttachIsIdempotent(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	_, err := f.orch.Attach(ctx, Task{ID: "task-1", Title: "T"})
	require.NoError(t, err)

	f.provider.respond(`{"kind": "direct", "answer": "hi"}`)
	_, err = f.orch.ProcessMessage(ctx, "task-1", "hello")
	require.NoError(t, err)

	history, err := f.orch.Attach(ctx, Task{ID: "task-1", Title: "T"})
	require.NoError(t, err)
	assert.Len(t, history, 2)

	// Pending clarification state must survive a re-attach too.
	f.provider.respond(`{"kind": "needs_clarification", "questions": ["Which?"]}`)
	_, err = f.orch.ProcessMessage(ctx, "task-1", "research things")
	require.NoError(t, err)

	_, err = f.orch.Attach(ctx, Task{ID: "task-1", Title: "T"})
	require.NoError(t, err)
	awaiting, err := f.orch.AwaitingClarification("task-1")
	require.NoError(t, err)
	assert.True(t, awaiting)
}

func TestOperationsRequireAttach(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	_, err := f.orch.ProcessMessage(ctx, "ghost", "hello")
	assert.ErrorIs(t, err, ErrNotAttached)

	_, _, err = f.orch.SubmitClarifications(ctx, "ghost", nil)
	assert.ErrorIs(t, err, ErrNotAttached)

	_, err = f.orch.Reset(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotAttached)

	_, err = f.orch.History(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotAttached)
}

func TestEmptyMessageRejected(t *testing.T) {
	f := newFixture(t, Config{})
	attach(t, f, "task-1")

	_, err := f.orch.ProcessMessage(context.Background(), "task-1", "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestSubmitWithoutRound(t *testing.T) {
	f := newFixture(t, Config{})
	attach(t, f, "task-1")

	answer := "yes"
	_, _, err := f.orch.SubmitClarifications(context.Background(), "task-1", []*string{&answer})
	assert.ErrorIs(t, err, clarify.ErrNoActiveClarification)
}

func TestAnswerCountMismatch(t *testing.T) {
	f := newFixture(t, Config{})
	attach(t, f, "task-1")
	ctx := context.Background()

	f.provider.respond(`{"kind": "needs_clarification", "questions": ["a?", "b?"]}`)
	_, err := f.orch.ProcessMessage(ctx, "task-1", "research")
	require.NoError(t, err)

	answer := "only one"
	_, _, err = f.orch.SubmitClarifications(ctx, "task-1", []*string{&answer})
	assert.ErrorIs(t, err, clarify.ErrAnswerCountMismatch)

	// The round is still answerable after the failed submit.
	awaiting, err := f.orch.AwaitingClarification("task-1")
	require.NoError(t, err)
	assert.True(t, awaiting)
}

func TestBusyPolicyReject(t *testing.T) {
	f := newFixture(t, Config{BusyPolicy: BusyReject})
	attach(t, f, "task-1")
	ctx := context.Background()

	gate := make(chan struct{})
	started := make(chan struct{})
	f.provider.push(func(context.Context, provider.Request) (json.RawMessage, error) {
		close(started)
		<-gate
		return json.RawMessage(`{"kind": "direct", "answer": "done"}`), nil
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := f.orch.ProcessMessage(ctx, "task-1", "slow one")
		assert.NoError(t, err)
	}()

	<-started
	_, err := f.orch.ProcessMessage(ctx, "task-1", "second")
	assert.ErrorIs(t, err, ErrSessionBusy)

	close(gate)
	wg.Wait()
}

func TestBusyPolicyQueue(t *testing.T) {
	f := newFixture(t, Config{BusyPolicy: BusyQueue})
	attach(t, f, "task-1")
	ctx := context.Background()

	gate := make(chan struct{})
	started := make(chan struct{})
	f.provider.push(func(context.Context, provider.Request) (json.RawMessage, error) {
		close(started)
		<-gate
		return json.RawMessage(`{"kind": "direct", "answer": "first"}`), nil
	})
	f.provider.respond(`{"kind": "direct", "answer": "second"}`)

	var wg sync.WaitGroup
	results := make([][]conversation.Turn, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		turns, err := f.orch.ProcessMessage(ctx, "task-1", "one")
		assert.NoError(t, err)
		results[0] = turns
	}()
	<-started
	go func() {
		defer wg.Done()
		turns, err := f.orch.ProcessMessage(ctx, "task-1", "two")
		assert.NoError(t, err)
		results[1] = turns
	}()

	// Give the second call time to block on the session lock, then release.
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	require.Len(t, results[0], 2)
	require.Len(t, results[1], 2)

	persisted, err := f.history.Load(ctx, "task-1")
	require.NoError(t, err)
	assert.Len(t, persisted, 4)
}

func TestResetClearsConversation(t *testing.T) {
	f := newFixture(t, Config{})
	attach(t, f, "task-1")
	ctx := context.Background()

	f.provider.respond(`{"kind": "needs_clarification", "questions": ["Which?"]}`)
	_, err := f.orch.ProcessMessage(ctx, "task-1", "research things")
	require.NoError(t, err)

	marker, err := f.orch.Reset(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, resetMarker, marker.Content)

	history, err := f.orch.History(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, marker.ID, history[0].ID)

	awaiting, err := f.orch.AwaitingClarification("task-1")
	require.NoError(t, err)
	assert.False(t, awaiting)
	assert.Contains(t, f.pub.types(), streaming.EventReset)
}

func TestResetDuringResearchDiscardsResult(t *testing.T) {
	f := newFixture(t, Config{})
	attach(t, f, "task-1")
	ctx := context.Background()

	f.provider.respond(`{"kind": "needs_clarification", "questions": ["Which?"]}`)
	_, err := f.orch.ProcessMessage(ctx, "task-1", "research things")
	require.NoError(t, err)

	gate := make(chan struct{})
	started := make(chan struct{})
	f.provider.push(func(context.Context, provider.Request) (json.RawMessage, error) {
		close(started)
		<-gate
		return json.RawMessage(`{"summary": "too late"}`), nil
	})

	answer := "this one"
	errCh := make(chan error, 1)
	go func() {
		_, _, err := f.orch.SubmitClarifications(ctx, "task-1", []*string{&answer})
		errCh <- err
	}()

	<-started
	_, err = f.orch.Reset(ctx, "task-1")
	require.NoError(t, err)
	close(gate)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrConversationReset)
	case <-time.After(2 * time.Second):
		t.Fatal("submit never returned")
	}

	assert.Equal(t, 0, f.sink.count())

	history, err := f.orch.History(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, resetMarker, history[0].Content)
}

// A reset arriving while a reply append is in flight must never leave that
// reply after the marker: the generation check and the append hold the
// session state lock together, so the reset waits and then wipes.
func TestResetRacingAppendLeavesOnlyMarker(t *testing.T) {
	f := newFixture(t, Config{})
	attach(t, f, "task-1")
	ctx := context.Background()

	f.provider.respond(`{"kind": "direct", "answer": "late reply"}`)

	appendStarted := make(chan struct{})
	release := make(chan struct{})
	f.history.appendHook = func(_ string, turns []conversation.Turn) {
		if turns[0].Role == conversation.RoleAssistant && turns[0].Content == "late reply" {
			close(appendStarted)
			<-release
		}
	}

	procDone := make(chan struct{})
	go func() {
		defer close(procDone)
		_, err := f.orch.ProcessMessage(ctx, "task-1", "hello")
		assert.NoError(t, err)
	}()

	<-appendStarted
	resetDone := make(chan error, 1)
	go func() {
		_, err := f.orch.Reset(ctx, "task-1")
		resetDone <- err
	}()

	// Let the reset reach the state lock before the append resumes.
	time.Sleep(20 * time.Millisecond)
	close(release)

	select {
	case err := <-resetDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("reset never returned")
	}
	<-procDone

	history, err := f.orch.History(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, resetMarker, history[0].Content)
}

func TestDetachPreservesHistory(t *testing.T) {
	f := newFixture(t, Config{})
	attach(t, f, "task-1")
	ctx := context.Background()

	f.provider.respond(`{"kind": "direct", "answer": "hi"}`)
	_, err := f.orch.ProcessMessage(ctx, "task-1", "hello")
	require.NoError(t, err)

	f.orch.Detach("task-1")
	_, err = f.orch.ProcessMessage(ctx, "task-1", "hello again")
	assert.ErrorIs(t, err, ErrNotAttached)

	history, err := f.orch.Attach(ctx, Task{ID: "task-1", Title: "T"})
	require.NoError(t, err)
	assert.Len(t, history, 2)
}
