package intent

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/taskwise/coworker/internal/conversation"
	"github.com/taskwise/coworker/internal/provider"
)

func newHistoryTurn(t *testing.T) ([]conversation.Turn, error) {
	t.Helper()
	turn, err := conversation.NewUserTurn("please draft the checklist")
	if err != nil {
		return nil, err
	}
	return []conversation.Turn{turn}, nil
}

// fakeClient returns canned responses in order; each call records the request.
type fakeClient struct {
	responses []json.RawMessage
	errs      []error
	requests  []provider.Request
}

func (f *fakeClient) Complete(_ context.Context, req provider.Request) (json.RawMessage, error) {
	f.requests = append(f.requests, req)
	i := len(f.requests) - 1
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	var res json.RawMessage
	if i < len(f.responses) {
		res = f.responses[i]
	}
	return res, err
}

func TestClassifyDirect(t *testing.T) {
	fc := &fakeClient{responses: []json.RawMessage{
		json.RawMessage(`{"kind": "direct", "answer": "Use a retro board."}`),
	}}
	c := NewClassifier(fc, zaptest.NewLogger(t))

	res, err := c.Classify(context.Background(), Input{
		Utterance: "any tips for running the retro?",
		Task:      TaskContext{Title: "Plan sprint retro"},
	})
	require.NoError(t, err)
	assert.Equal(t, KindDirect, res.Kind)
	assert.Equal(t, "Use a retro board.", res.Answer)
	assert.Empty(t, res.Questions)
	require.Len(t, fc.requests, 1)
	assert.Equal(t, "classify", fc.requests[0].Operation)
}

func TestClassifyNeedsClarification(t *testing.T) {
	fc := &fakeClient{responses: []json.RawMessage{
		json.RawMessage(`{"kind": "needs_clarification", "questions": ["Which vendors?", "What budget?"]}`),
	}}
	c := NewClassifier(fc, zaptest.NewLogger(t))

	res, err := c.Classify(context.Background(), Input{Utterance: "research vendor options"})
	require.NoError(t, err)
	assert.Equal(t, KindNeedsClarification, res.Kind)
	assert.Equal(t, []string{"Which vendors?", "What budget?"}, res.Questions)
	assert.Empty(t, res.Answer)
}

func TestClassifyClampsQuestions(t *testing.T) {
	fc := &fakeClient{responses: []json.RawMessage{
		json.RawMessage(`{"kind": "needs_clarification", "questions": ["a?", "", "b?", "  ", "c?", "d?", "e?", "f?", "g?"]}`),
	}}
	c := NewClassifier(fc, zaptest.NewLogger(t))

	res, err := c.Classify(context.Background(), Input{Utterance: "research"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a?", "b?", "c?", "d?", "e?"}, res.Questions)
	assert.Len(t, res.Questions, MaxQuestions)
}

func TestClassifyRetriesWithStricterInstruction(t *testing.T) {
	fc := &fakeClient{
		responses: []json.RawMessage{
			nil,
			json.RawMessage(`{"kind": "direct", "answer": "ok"}`),
		},
		errs: []error{
			&provider.Error{Err: assert.AnError},
			nil,
		},
	}
	c := NewClassifier(fc, zaptest.NewLogger(t))

	res, err := c.Classify(context.Background(), Input{Utterance: "hello"})
	require.NoError(t, err)
	assert.Equal(t, KindDirect, res.Kind)

	require.Len(t, fc.requests, 2)
	assert.NotEqual(t, fc.requests[0].Instructions, fc.requests[1].Instructions)
	assert.Contains(t, fc.requests[1].Instructions, "ONLY the JSON object")
}

func TestClassifyRetriesOnBadPayloadShape(t *testing.T) {
	fc := &fakeClient{responses: []json.RawMessage{
		json.RawMessage(`{"kind": "direct", "answer": "   "}`),
		json.RawMessage(`{"kind": "direct", "answer": "a real answer"}`),
	}}
	c := NewClassifier(fc, zaptest.NewLogger(t))

	res, err := c.Classify(context.Background(), Input{Utterance: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "a real answer", res.Answer)
	assert.Len(t, fc.requests, 2)
}

func TestClassifyFailsAfterTwoAttempts(t *testing.T) {
	fc := &fakeClient{responses: []json.RawMessage{
		json.RawMessage(`{"kind": "maybe"}`),
		json.RawMessage(`{"kind": "needs_clarification", "questions": []}`),
	}}
	c := NewClassifier(fc, zaptest.NewLogger(t))

	_, err := c.Classify(context.Background(), Input{Utterance: "hello"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrClassification)
	assert.Len(t, fc.requests, 2)
}

func TestClassifyIncludesHistoryAndTaskInContext(t *testing.T) {
	fc := &fakeClient{responses: []json.RawMessage{
		json.RawMessage(`{"kind": "direct", "answer": "ok"}`),
	}}
	c := NewClassifier(fc, zaptest.NewLogger(t))

	turn, err := newHistoryTurn(t)
	require.NoError(t, err)

	_, err = c.Classify(context.Background(), Input{
		Utterance:     "and after that?",
		Task:          TaskContext{Title: "Launch prep", Description: "Ship by Friday"},
		RecentHistory: turn,
	})
	require.NoError(t, err)

	ctxBlock := fc.requests[0].Context
	assert.Contains(t, ctxBlock, "Launch prep")
	assert.Contains(t, ctxBlock, "Ship by Friday")
	assert.Contains(t, ctxBlock, "draft the checklist")
	assert.Contains(t, ctxBlock, "and after that?")
}
