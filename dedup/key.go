package dedup

import "github.com/google/uuid"

// NewKey returns a fresh random task key.
func NewKey() string {
	return uuid.NewString()
}
