package conversation

import (
	"time"

	"github.com/google/uuid"
)

// QAPair is one answered clarification question.
type QAPair struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// Finding is the synthesized research artifact produced after a clarification
// round completes. Immutable once created; ownership transfers to the
// persistence layer when returned from the orchestrator.
type Finding struct {
	ID           string    `json:"id"`
	Query        string    `json:"query"`
	ClarifyingQA []QAPair  `json:"clarifying_qa"`
	Summary      string    `json:"summary"`
	Timestamp    time.Time `json:"timestamp"`
}

// NewFinding constructs a finding with a fresh ID and timestamp.
func NewFinding(query string, qa []QAPair, summary string) Finding {
	return Finding{
		ID:           uuid.New().String(),
		Query:        query,
		ClarifyingQA: qa,
		Summary:      summary,
		Timestamp:    time.Now().UTC(),
	}
}
