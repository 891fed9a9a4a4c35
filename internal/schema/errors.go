package schema

import "errors"

// Error kinds surfaced across the orchestration core. Components wrap these
// with context via fmt.Errorf("...: %w", Err...) so callers can match with
// errors.Is regardless of where the failure originated.
var (
	ErrCompile          = errors.New("compile_error")
	ErrInvalidPlan      = errors.New("invalid_plan")
	ErrAgent            = errors.New("agent_error")
	ErrGateFailed       = errors.New("gate_failed")
	ErrEscalationFailed = errors.New("escalation_failed")
	ErrCancelled        = errors.New("cancelled")
	ErrBusOverflow      = errors.New("bus_overflow")
	ErrDeliveryFailed   = errors.New("delivery_failed")
	ErrIO               = errors.New("io_error")
	ErrValidation       = errors.New("validation_error")
	ErrNotFound         = errors.New("not_found")
	ErrInternal         = errors.New("internal_error")
)
