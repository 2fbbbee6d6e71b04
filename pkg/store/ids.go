package store

import (
	"strings"

	"github.com/google/uuid"
)

// NewID renders a 128-bit random id as 32 lowercase hex characters.
func NewID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}
