package conversation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTurnValidation(t *testing.T) {
	tests := []struct {
		name    string
		role    Role
		content string
		md      Metadata
		wantErr bool
	}{
		{"plain user", RoleUser, "hello", Metadata{}, false},
		{"plain assistant", RoleAssistant, "hi there", Metadata{Kind: KindPlain}, false},
		{"unknown role", Role("system"), "hello", Metadata{}, true},
		{"empty plain content", RoleUser, "   ", Metadata{}, true},
		{"clarifying question", RoleAssistant, "Which region?", Metadata{Kind: KindClarifyingQuestion}, false},
		{"research result with finding", RoleAssistant, "summary", Metadata{Kind: KindResearchResult, FindingID: "f-1"}, false},
		{"research result without finding", RoleAssistant, "summary", Metadata{Kind: KindResearchResult}, true},
		{"bogus metadata kind", RoleUser, "hello", Metadata{Kind: MetadataKind("weird")}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			turn, err := NewTurn(tt.role, tt.content, tt.md)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidTurn)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, turn.ID)
			assert.False(t, turn.Timestamp.IsZero())
			assert.Equal(t, time.UTC, turn.Timestamp.Location())
		})
	}
}

func TestNewTurnDefaultsToPlain(t *testing.T) {
	turn, err := NewTurn(RoleUser, "hello", Metadata{})
	require.NoError(t, err)
	assert.Equal(t, KindPlain, turn.Metadata.Kind)
}

func TestNewTurnUniqueIDs(t *testing.T) {
	a, err := NewUserTurn("one")
	require.NoError(t, err)
	b, err := NewUserTurn("one")
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestIsClarifyingQuestion(t *testing.T) {
	q, err := NewTurn(RoleAssistant, "Which vendors?", Metadata{Kind: KindClarifyingQuestion})
	require.NoError(t, err)
	assert.True(t, q.IsClarifyingQuestion())

	plain, err := NewAssistantTurn("done")
	require.NoError(t, err)
	assert.False(t, plain.IsClarifyingQuestion())
}

func TestAppendDoesNotMutateInput(t *testing.T) {
	a, err := NewUserTurn("first")
	require.NoError(t, err)
	b, err := NewAssistantTurn("second")
	require.NoError(t, err)
	c, err := NewUserTurn("third")
	require.NoError(t, err)

	base := Append(nil, a)
	withB := Append(base, b)
	withC := Append(base, c)

	require.Len(t, base, 1)
	require.Len(t, withB, 2)
	require.Len(t, withC, 2)
	assert.Equal(t, "second", withB[1].Content)
	assert.Equal(t, "third", withC[1].Content)
}

func TestPairs(t *testing.T) {
	u1, _ := NewUserTurn("question one")
	a1, _ := NewAssistantTurn("answer one")
	u2, _ := NewUserTurn("question two")

	pairs := Pairs([]Turn{u1, a1, u2})
	require.Len(t, pairs, 2)

	assert.True(t, pairs[0].Answered)
	assert.Equal(t, u1.ID, pairs[0].User.ID)
	assert.Equal(t, a1.ID, pairs[0].Assistant.ID)

	assert.False(t, pairs[1].Answered)
	assert.Equal(t, u2.ID, pairs[1].User.ID)
}

func TestPairsLeadingAssistantTurn(t *testing.T) {
	greeting, _ := NewAssistantTurn("welcome back")
	u, _ := NewUserTurn("hi")

	pairs := Pairs([]Turn{greeting, u})
	require.Len(t, pairs, 2)
	assert.Equal(t, greeting.ID, pairs[0].Assistant.ID)
	assert.Empty(t, pairs[0].User.ID)
	assert.Equal(t, u.ID, pairs[1].User.ID)
}
