package internal

import (
	"fmt"

	"github.com/google/uuid"
)

// NewTokenID returns a fresh refresh token id (UUID v4).
func NewTokenID() (string, error) {
	return newID("token")
}

// NewFamilyID returns a fresh family id (UUID v4).
func NewFamilyID() (string, error) {
	return newID("family")
}

func newID(kind string) (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate %s id: %w", kind, err)
	}
	return id.String(), nil
}

// ValidID reports whether s is a canonical UUID string as produced by NewTokenID
// and NewFamilyID.
func ValidID(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}
