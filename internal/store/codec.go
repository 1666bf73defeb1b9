package store

import (
	"encoding/json"
	"fmt"

	"github.com/sophia-care/sophia/internal/models"
)

// encodeSession serializes the session payload stored in the data column.
func encodeSession(s models.Session) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session for %s: %w", s.UserID, err)
	}
	return data, nil
}

// decodeSession restores a session; the generation column is authoritative.
func decodeSession(data []byte, generation int64) (*models.Session, error) {
	var s models.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	s.Generation = generation
	return &s, nil
}
