package domain

import "errors"

var (
	// ErrInvalidLocation rejects malformed coordinates at subscribe or fetch time.
	ErrInvalidLocation = errors.New("invalid location")

	// ErrProviderUnavailable wraps every provider failure: timeout, non-2xx, malformed body.
	ErrProviderUnavailable = errors.New("provider unavailable")

	ErrUnknownCondition  = errors.New("unknown alert condition")
	ErrInvalidTransition = errors.New("invalid alert transition")
	ErrInvalidLevel      = errors.New("invalid level")
	ErrWorkerNotFound    = errors.New("worker not found")
	ErrInvalidWorker     = errors.New("invalid worker update")
)
