package storage

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a knowledge base or learning event does not
// exist. Callers match it with errors.Is.
var ErrNotFound = errors.New("storage: not found")

func notFound(entity string, id uuid.UUID) error {
	return fmt.Errorf("storage: %s %s: %w", entity, id, ErrNotFound)
}
