package app

import (
	"errors"
	"fmt"
	"time"
)

// Pipeline failure taxonomy. Every member except cleanup failures
// aborts the run and is returned verbatim to the caller; cleanup
// failures are logged with the failing stage and never fail a request.
var (
	// ErrInvalidMedia wraps media rejections (bad type, undecodable bytes).
	ErrInvalidMedia = errors.New("invalid media")
	// ErrUploadFailed marks blob store failures. The quota slot reserved
	// before the upload is intentionally not released.
	ErrUploadFailed = errors.New("image upload failed")
	// ErrGeneratorUnavailable marks generator transport failures after
	// the single retry was exhausted.
	ErrGeneratorUnavailable = errors.New("caption generator unavailable")
	// ErrNoValidOutput marks an irrecoverable caption shortfall.
	ErrNoValidOutput = errors.New("no valid caption output")
	// ErrPersistFailed marks post repository write failures. Generation
	// succeeded, but a caption the user cannot retrieve later counts as
	// a lost result.
	ErrPersistFailed = errors.New("caption persistence failed")
)

// QuotaExceededError is the one failure expected in normal operation.
// It carries the data the UI needs to render "resets on <date>" without
// the core formatting any prose.
type QuotaExceededError struct {
	Tier      string
	Limit     int
	ResetTime time.Time
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("generation quota exceeded for %s tier (limit %d, resets %s)",
		e.Tier, e.Limit, e.ResetTime.UTC().Format(time.RFC3339))
}
