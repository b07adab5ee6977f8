package extensions

import "fmt"

// Error codes mirrored onto the wire format described in spec §4.4/§6:
// {message, name, code, stack?}.
const (
	CodeExtensionTimeout          = "EXTENSION_TIMEOUT"
	CodeExtensionWorkerTerminated = "EXTENSION_WORKER_TERMINATED"
	CodeExtensionMemoryLimit      = "EXTENSION_MEMORY_LIMIT"
)

// CodedError is implemented by every error kind the host surfaces across
// the host/worker boundary, so callers can branch with errors.As instead of
// string-matching messages.
type CodedError interface {
	error
	Code() string
	Name() string
}

// ManifestError reports a manifest validation failure (fatal at load,
// never retried).
type ManifestError struct {
	Reason string
}

func (e *ManifestError) Error() string { return "manifest invalid: " + e.Reason }
func (e *ManifestError) Code() string  { return "MANIFEST_ERROR" }
func (e *ManifestError) Name() string  { return "ManifestError" }

func manifestErrf(format string, args ...interface{}) *ManifestError {
	return &ManifestError{Reason: fmt.Sprintf(format, args...)}
}

// PermissionError reports a declared-check failure or a user denial.
type PermissionError struct {
	Detail string
}

func (e *PermissionError) Error() string { return "Permission denied: " + e.Detail }
func (e *PermissionError) Code() string  { return "PERMISSION_ERROR" }
func (e *PermissionError) Name() string  { return "PermissionError" }

// NotDeclaredError is the declared-check failure variant of PermissionError:
// the caller asked for a permission the manifest never declared. It is
// distinguished from a user denial so the host never prompts for it.
type NotDeclaredError struct {
	Permission Permission
}

func (e *NotDeclaredError) Error() string {
	return fmt.Sprintf("Permission not declared: %s", e.Permission)
}
func (e *NotDeclaredError) Code() string { return "PERMISSION_ERROR" }
func (e *NotDeclaredError) Name() string { return "PermissionError" }

// ExtensionTimeoutError is raised when a pending request's deadline expires.
// Raising it always also terminates the owning worker (spec §4.4/§5).
type ExtensionTimeoutError struct {
	Operation string
}

func (e *ExtensionTimeoutError) Error() string {
	return fmt.Sprintf("extension operation timed out: %s", e.Operation)
}
func (e *ExtensionTimeoutError) Code() string { return CodeExtensionTimeout }
func (e *ExtensionTimeoutError) Name() string { return "ExtensionTimeoutError" }

// ExtensionWorkerTerminatedError is raised for every pending request still
// outstanding when a worker is terminated (timeout, crash, dispose, reload).
type ExtensionWorkerTerminatedError struct{}

func (e *ExtensionWorkerTerminatedError) Error() string {
	return "extension worker terminated"
}
func (e *ExtensionWorkerTerminatedError) Code() string { return CodeExtensionWorkerTerminated }
func (e *ExtensionWorkerTerminatedError) Name() string { return "ExtensionWorkerTerminatedError" }

// ShapeError reports an invalid call argument shape, rejected before any
// permission check per spec §4.5 step 1. Never terminates the worker.
type ShapeError struct {
	Detail string
}

func (e *ShapeError) Error() string { return "invalid argument: " + e.Detail }
func (e *ShapeError) Code() string  { return "SHAPE_ERROR" }
func (e *ShapeError) Name() string  { return "ShapeError" }

// TooLargeError reports an A1 range or selection exceeding MaxRangeCells.
type TooLargeError struct {
	CellCount int
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("range too large: %d cells exceeds limit of %d", e.CellCount, MaxRangeCells)
}
func (e *TooLargeError) Code() string { return "RANGE_TOO_LARGE" }
func (e *TooLargeError) Name() string { return "TooLargeError" }

// MemoryLimitInterrupt is the reason value passed to goja's Runtime.Interrupt
// when a sandbox's approximate memory monitor trips (spec §5). It is both
// the interrupt reason goja stores and, once unwrapped from the resulting
// *goja.InterruptedError, the CodedError surfaced to the caller.
type MemoryLimitInterrupt struct{}

func (e *MemoryLimitInterrupt) Error() string { return "extension exceeded its memory limit" }
func (e *MemoryLimitInterrupt) Code() string  { return CodeExtensionMemoryLimit }
func (e *MemoryLimitInterrupt) Name() string  { return "MemoryLimitInterrupt" }
func (e *MemoryLimitInterrupt) String() string { return e.Error() }

// SandboxPolicyError reports a denied sandbox operation (module resolution
// of a deny-listed builtin, a path escape, a dynamic import attempt, a
// process.binding lookup). Fatal per-call, never prompts.
type SandboxPolicyError struct {
	Detail string
}

func (e *SandboxPolicyError) Error() string { return e.Detail }
func (e *SandboxPolicyError) Code() string  { return "SANDBOX_POLICY_ERROR" }
func (e *SandboxPolicyError) Name() string  { return "SandboxPolicyError" }

// WireError is the on-the-wire representation of any error crossing the
// host/worker boundary (spec §4.4: "{message, name?, code?, stack?}").
type WireError struct {
	Message string `json:"message"`
	Name    string `json:"name,omitempty"`
	Code    string `json:"code,omitempty"`
	Stack   string `json:"stack,omitempty"`
}

// ToWireError converts any Go error into its wire representation, preserving
// name/code when the error implements CodedError, and passing plain errors
// through verbatim (spec's "extension-thrown errors surfaced verbatim with
// name/code preserved").
func ToWireError(err error) *WireError {
	if err == nil {
		return nil
	}
	if ce, ok := err.(CodedError); ok {
		return &WireError{Message: ce.Error(), Name: ce.Name(), Code: ce.Code()}
	}
	return &WireError{Message: err.Error()}
}

// Error implements error for WireError so it can be returned directly once
// decoded back out of a worker message.
func (e *WireError) Error() string { return e.Message }
