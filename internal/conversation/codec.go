package conversation

import (
	"encoding/json"
	"fmt"
)

// EncodeTurns serializes a history to the external persistence format.
func EncodeTurns(turns []Turn) ([]byte, error) {
	data, err := json.Marshal(turns)
	if err != nil {
		return nil, fmt.Errorf("encode turns: %w", err)
	}
	return data, nil
}

// DecodeTurns deserializes a history previously produced by EncodeTurns.
// Decoded turns are value-equal to the originals.
func DecodeTurns(data []byte) ([]Turn, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var turns []Turn
	if err := json.Unmarshal(data, &turns); err != nil {
		return nil, fmt.Errorf("decode turns: %w", err)
	}
	for i, t := range turns {
		if t.Role != RoleUser && t.Role != RoleAssistant {
			return nil, fmt.Errorf("decode turns: turn %d: %w", i, ErrInvalidTurn)
		}
	}
	return turns, nil
}
