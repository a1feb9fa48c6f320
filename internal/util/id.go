package util

import "github.com/google/uuid"

// NewID returns a random identifier for deliveries and request correlation.
func NewID() string {
	return uuid.NewString()
}
