package sync

import (
	"errors"
	"fmt"

	"github.com/roach88/chora/internal/tracker"
)

// Error is a ledger or watermark failure that aborts a sync call.
type Error struct {
	Op   string // "head", "watermark", "changes", "handshake"
	Site string
	Err  error
}

func (e *Error) Error() string {
	if e.Site == "" {
		return fmt.Sprintf("sync %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("sync %s (site %s): %v", e.Op, e.Site, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ChangeError is a single change that could not be applied on the receiving
// site. It is collected in Result.Errors; the batch continues.
type ChangeError struct {
	ChangeID string
	EntityID string
	Op       tracker.Op
	// Site is the receiving site.
	Site string
	Err  error
}

func (e *ChangeError) Error() string {
	return fmt.Sprintf("apply %s %s (%s) at %s: %v", e.Op, e.EntityID, e.ChangeID, e.Site, e.Err)
}

func (e *ChangeError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err aborted a sync call rather than a single change.
func IsFatal(err error) bool {
	var se *Error
	return errors.As(err, &se)
}
