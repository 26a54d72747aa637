package controlplane

import "errors"

// Sentinel errors for control plane operations.
var (
	ErrInvalidStatus = errors.New("unknown task status")
	ErrUnknownSignal = errors.New("unknown control signal")
	ErrNoControl     = errors.New("control signals unavailable")
	ErrEmptyBatch    = errors.New("no tasks in request")
)
