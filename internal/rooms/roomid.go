package rooms

import (
	"errors"
	"fmt"
	"regexp"
)

// MaxRoomIDLength is the maximum length of a room ID.
const MaxRoomIDLength = 128

var (
	// ErrInvalidRoomID indicates a room ID failed validation.
	ErrInvalidRoomID = errors.New("invalid room ID")
	// ErrRoomNotFound is returned for a room that is neither loaded nor persisted.
	ErrRoomNotFound = errors.New("room not found")
	// ErrRegistryClosed is returned after Close.
	ErrRegistryClosed = errors.New("room registry closed")
)

// roomIDPattern: starts with an alphanumeric, then alphanumerics, dots,
// underscores or hyphens. Keeps ids safe as storage keys and URL segments.
var roomIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidateRoomID validates a room ID against format rules.
func ValidateRoomID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty room ID", ErrInvalidRoomID)
	}
	if len(id) > MaxRoomIDLength {
		return fmt.Errorf("%w: exceeds %d characters", ErrInvalidRoomID, MaxRoomIDLength)
	}
	if !roomIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q (must be alphanumeric with . _ -)", ErrInvalidRoomID, id)
	}
	return nil
}
