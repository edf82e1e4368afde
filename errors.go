package cascade

import "errors"

var (
	// Boot errors.
	ErrNoStore     = errors.New("cascade: no store configured")
	ErrNoQueue     = errors.New("cascade: no queue configured")
	ErrNoStream    = errors.New("cascade: no stream configured")
	ErrStoreClosed = errors.New("cascade: store closed")
	ErrQueueClosed = errors.New("cascade: queue closed")
	ErrBusClosed   = errors.New("cascade: event bus closed")

	// Not found errors.
	ErrFlowNotFound  = errors.New("cascade: flow not found")
	ErrStepNotFound  = errors.New("cascade: step not found")
	ErrRunNotFound   = errors.New("cascade: run not found")
	ErrJobNotFound   = errors.New("cascade: job not found")
	ErrKeyNotFound   = errors.New("cascade: key not found")
	ErrAwaitNotFound = errors.New("cascade: await not found")

	// Stale errors. The caller should stop retrying.
	ErrAwaitGone  = errors.New("cascade: await no longer pending")
	ErrRunStopped = errors.New("cascade: run is not running")

	// Conflict errors.
	ErrJobAlreadyExists = errors.New("cascade: job already exists")
	ErrRunAlreadyExists = errors.New("cascade: run already exists")
	ErrVersionConflict  = errors.New("cascade: version conflict")
	ErrDuplicateFlow    = errors.New("cascade: duplicate flow")

	// Validation errors.
	ErrInvalidFlow   = errors.New("cascade: invalid flow definition")
	ErrInvalidAwait  = errors.New("cascade: invalid await configuration")
	ErrMethodInvalid = errors.New("cascade: method not allowed")
)
