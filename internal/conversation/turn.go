package conversation

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidTurn is returned when a turn fails shape validation
	ErrInvalidTurn = errors.New("invalid turn")
)

// Role identifies the author of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MetadataKind discriminates the turn metadata variant.
type MetadataKind string

const (
	KindPlain              MetadataKind = "plain"
	KindClarifyingQuestion MetadataKind = "clarifying_question"
	KindResearchResult     MetadataKind = "research_result"
)

// Metadata tags a turn with its conversational role beyond plain text.
// The zero value means "plain". FindingID is set only for research_result.
type Metadata struct {
	Kind      MetadataKind `json:"kind"`
	FindingID string       `json:"finding_id,omitempty"`
}

// Turn is one exchange unit in a conversation. Turns are immutable once
// created; a conversation is an ordered, append-only sequence of turns.
type Turn struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Metadata  Metadata  `json:"metadata,omitempty"`
}

// NewTurn constructs a validated turn. Empty content with plain metadata is
// rejected: a turn must either say something or carry a tagged variant.
func NewTurn(role Role, content string, md Metadata) (Turn, error) {
	if role != RoleUser && role != RoleAssistant {
		return Turn{}, ErrInvalidTurn
	}
	if md.Kind == "" {
		md.Kind = KindPlain
	}
	switch md.Kind {
	case KindPlain, KindClarifyingQuestion, KindResearchResult:
	default:
		return Turn{}, ErrInvalidTurn
	}
	if strings.TrimSpace(content) == "" && md.Kind == KindPlain {
		return Turn{}, ErrInvalidTurn
	}
	if md.Kind == KindResearchResult && md.FindingID == "" {
		return Turn{}, ErrInvalidTurn
	}
	return Turn{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
		Metadata:  md,
	}, nil
}

// NewUserTurn constructs a plain user turn.
func NewUserTurn(content string) (Turn, error) {
	return NewTurn(RoleUser, content, Metadata{Kind: KindPlain})
}

// NewAssistantTurn constructs a plain assistant turn.
func NewAssistantTurn(content string) (Turn, error) {
	return NewTurn(RoleAssistant, content, Metadata{Kind: KindPlain})
}

// IsClarifyingQuestion reports whether the turn carries clarification
// questions awaiting answers.
func (t Turn) IsClarifyingQuestion() bool {
	return t.Metadata.Kind == KindClarifyingQuestion
}

// Append returns a new slice with t appended. The input slice is never
// mutated; callers treat histories as append-only values.
func Append(turns []Turn, t Turn) []Turn {
	out := make([]Turn, 0, len(turns)+1)
	out = append(out, turns...)
	out = append(out, t)
	return out
}

// Pair groups a user turn with the assistant turn that answered it.
// Assistant is zero-valued when the exchange is still open.
type Pair struct {
	User      Turn
	Assistant Turn
	Answered  bool
}

// Pairs walks the history in order and pairs each user turn with the
// immediately following assistant turn, for display grouping. Leading
// assistant turns (e.g. greetings) pair with an empty user turn.
func Pairs(turns []Turn) []Pair {
	var out []Pair
	i := 0
	for i < len(turns) {
		t := turns[i]
		if t.Role == RoleUser {
			p := Pair{User: t}
			if i+1 < len(turns) && turns[i+1].Role == RoleAssistant {
				p.Assistant = turns[i+1]
				p.Answered = true
				i += 2
			} else {
				i++
			}
			out = append(out, p)
			continue
		}
		out = append(out, Pair{Assistant: t, Answered: true})
		i++
	}
	return out
}
