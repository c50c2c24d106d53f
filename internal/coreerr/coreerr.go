// Package coreerr defines the error taxonomy shared by every core
// component, so callers can switch on a Kind instead of matching
// message text.
package coreerr

import "fmt"

// Kind identifies one of the contractual error categories.
type Kind int

const (
	Unknown Kind = iota
	ValidationFailed
	UnknownApp
	UnknownGroup
	UnknownDeployment
	AppLocked
	ConflictingChange
	PortRangeExhausted
	StoreTimeout
	StoreUnavailable
	DriverError
	ResolveArtifactFailed
)

// Error satisfies the error interface so a bare Kind can be passed as
// the target of errors.Is (see (*Error).Is below).
func (k Kind) Error() string {
	return k.String()
}

func (k Kind) String() string {
	switch k {
	case ValidationFailed:
		return "ValidationFailed"
	case UnknownApp:
		return "UnknownApp"
	case UnknownGroup:
		return "UnknownGroup"
	case UnknownDeployment:
		return "UnknownDeployment"
	case AppLocked:
		return "AppLocked"
	case ConflictingChange:
		return "ConflictingChange"
	case PortRangeExhausted:
		return "PortRangeExhausted"
	case StoreTimeout:
		return "StoreTimeout"
	case StoreUnavailable:
		return "StoreUnavailable"
	case DriverError:
		return "DriverError"
	case ResolveArtifactFailed:
		return "ResolveArtifactFailed"
	default:
		return "Unknown"
	}
}

// Error is the single error type every package in this module
// returns for a taxonomy failure. Wrap a lower-level cause with Err
// so errors.Is / errors.As still see through to it.
type Error struct {
	kind    Kind
	Message string
	Err     error
}

func (e *Error) Kind() Kind    { return e.kind }
func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.Message)
}

func new_(k Kind, msg string, cause error) *Error {
	return &Error{kind: k, Message: msg, Err: cause}
}

func Wrap(k Kind, msg string, cause error) *Error { return new_(k, msg, cause) }

func Validation(msg string) *Error {
	return new_(ValidationFailed, msg, nil)
}

func UnknownAppErr(id string) *Error {
	return new_(UnknownApp, "no app with id "+id, nil)
}

func UnknownGroupErr(id string) *Error {
	return new_(UnknownGroup, "no group with id "+id, nil)
}

func UnknownDeploymentErr(id string) *Error {
	return new_(UnknownDeployment, "no deployment with id "+id, nil)
}

// Locked reports that appID is held by the given deployment ids.
func Locked(appID string, deploymentIDs ...string) *Error {
	return new_(AppLocked, fmt.Sprintf("app %s is locked by deployments %v", appID, deploymentIDs), nil)
}

func Conflict(reason string) *Error {
	return new_(ConflictingChange, reason, nil)
}

func Exhausted(min, max int) *Error {
	return new_(PortRangeExhausted, fmt.Sprintf("no free port in [%d, %d]", min, max), nil)
}

func Timeout(op string, cause error) *Error {
	return new_(StoreTimeout, "timed out during "+op, cause)
}

func Unavailable(op string, cause error) *Error {
	return new_(StoreUnavailable, "unavailable during "+op, cause)
}

func Driver(msg string, cause error) *Error {
	return new_(DriverError, msg, cause)
}

func ResolveArtifact(url string, cause error) *Error {
	return new_(ResolveArtifactFailed, "failed to resolve "+url, cause)
}

// Is lets errors.Is(err, coreerr.AppLocked) work against the Kind
// rather than requiring an exact *Error value.
func (e *Error) Is(target error) bool {
	if k, ok := target.(Kind); ok {
		return e.kind == k
	}
	other, ok := target.(*Error)
	return ok && other.kind == e.kind
}
