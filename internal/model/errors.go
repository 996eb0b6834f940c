package model

import (
	"errors"
	"fmt"
)

// Failure reasons recorded verbatim on terminal tasks and runs.
const (
	ReasonToolError      = "ToolError"
	ReasonBudgetExceeded = "BudgetExceeded"
	ReasonTimeout        = "Timeout"
	ReasonCancelled      = "Cancelled"
	ReasonProvisioning   = "ProvisioningError"
	ReasonStepFailed     = "StepFailed"
)

// ErrClaimConflict is returned when a claim race was lost. It never
// surfaces past the dispatch loop; callers retry the claim.
var ErrClaimConflict = errors.New("claim conflict")

// ErrNotFound is returned when an entity id does not resolve.
var ErrNotFound = errors.New("not found")

// ProvisioningError indicates the substrate could not schedule a sandbox.
// Retried once with backoff before failing the task.
type ProvisioningError struct {
	Cause error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("sandbox provisioning failed: %v", e.Cause)
}

func (e *ProvisioningError) Unwrap() error { return e.Cause }

// ToolError indicates a tool invocation failed. The engine decides
// per-mode whether to halt or continue.
type ToolError struct {
	Tool  string
	Cause error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s: %v", e.Tool, e.Cause)
}

func (e *ToolError) Unwrap() error { return e.Cause }
