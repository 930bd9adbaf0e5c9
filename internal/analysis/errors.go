package analysis

import "errors"

// Sentinel errors forming the pipeline failure taxonomy. Components wrap
// these with fmt.Errorf("...: %w", ...) so callers can branch with errors.Is.
var (
	// ErrResourceUnavailable signals the browser pool had no healthy process
	// within the acquisition timeout, or has been shut down.
	ErrResourceUnavailable = errors.New("resource unavailable")

	// ErrCaptureFailed signals every capture tier was exhausted for a URL.
	ErrCaptureFailed = errors.New("capture failed: all tiers exhausted")

	// ErrExternalService signals a retryable vendor failure (timeouts,
	// 429s, 5xx responses from the capture or scoring APIs).
	ErrExternalService = errors.New("external service error")

	// ErrPersistence signals a store write that failed after retries.
	// It is fatal to the run.
	ErrPersistence = errors.New("persistence error")

	// ErrValidation signals a malformed collaborator response. It is never
	// retried.
	ErrValidation = errors.New("validation error")

	// ErrNotFound signals a missing run or related record.
	ErrNotFound = errors.New("not found")
)
