package draft

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for an unknown draft id.
	ErrNotFound = errors.New("draft not found")

	// ErrUploadInFlight is returned when another draft on the same target is
	// already uploading, or when discarding an uploading draft.
	ErrUploadInFlight = errors.New("draft upload already in flight for target")

	// ErrBlocked is returned when an earlier draft on the same target is still
	// pending or failed.
	ErrBlocked = errors.New("draft blocked by earlier draft on target")

	// ErrInvalidTransition is returned for events the state machine rejects.
	ErrInvalidTransition = errors.New("invalid draft transition")
)

// UploadError records why the server rejected a draft. It is stored in
// Draft.Err and surfaced to subscribers through the draft listing.
type UploadError struct {
	DraftID   string
	TargetKey string
	Err       error
}

// Error implements the error interface.
func (e *UploadError) Error() string {
	return fmt.Sprintf("draft %s on %s upload failed: %v", e.DraftID, e.TargetKey, e.Err)
}

// Unwrap returns the server or transport error.
func (e *UploadError) Unwrap() error {
	return e.Err
}

// IsUploadError reports whether err wraps an *UploadError.
func IsUploadError(err error) bool {
	var ue *UploadError
	return errors.As(err, &ue)
}
