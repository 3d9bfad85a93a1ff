// Package errors provides the error taxonomy of the orocos runtime layer.
// It includes error classification, the domain sentinel errors and helper
// functions for consistent error wrapping across packages.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents temporary errors that may be retried
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents errors due to invalid input or a violated precondition
	ErrorInvalid
	// ErrorFatal represents errors that cannot be retried without remediation
	ErrorFatal
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Lookup errors
var (
	ErrNotFound                = errors.New("not found")
	ErrTypekitNotFound         = fmt.Errorf("typekit %w", ErrNotFound)
	ErrInterfaceObjectNotFound = fmt.Errorf("interface object %w", ErrNotFound)
	ErrAmbiguousName           = errors.New("ambiguous name")
)

// Precondition errors
var (
	ErrAlreadyInitialized = errors.New("already initialized")
	ErrNotInitialized     = errors.New("not initialized")
	ErrAlreadyConnected   = errors.New("ports already connected")
	ErrThread             = errors.New("blocking call forbidden in this context")
)

// Transport errors
var (
	ErrCom              = errors.New("communication failed")
	ErrConnectionFailed = errors.New("connection failed")
)

// Transition errors. The specific failures all match ErrStateTransitionFailed.
var (
	ErrStateTransitionFailed = errors.New("state transition failed")
	ErrConfigureFailed       = fmt.Errorf("configure: %w", ErrStateTransitionFailed)
	ErrStartFailed           = fmt.Errorf("start: %w", ErrStateTransitionFailed)
	ErrStopFailed            = fmt.Errorf("stop: %w", ErrStateTransitionFailed)
	ErrCleanupFailed         = fmt.Errorf("cleanup: %w", ErrStateTransitionFailed)
)

// Caller errors
var (
	ErrPolicy                 = errors.New("invalid connection policy")
	ErrTypeMismatch           = errors.New("type mismatch")
	ErrPropertyChangeRejected = errors.New("property change rejected")
	ErrInvalidConfig          = errors.New("invalid configuration")
	ErrConfigConflict         = errors.New("conflicting configuration")
)

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// ComError reports that one or two remote peers could not be reached.
type ComError struct {
	Targets []string
	Err     error
}

func (e *ComError) Error() string {
	var msg string
	switch len(e.Targets) {
	case 0:
		msg = "communication failed"
	case 1:
		msg = "communication failed with " + e.Targets[0]
	default:
		msg = "communication failed with either " + strings.Join(e.Targets, " or ")
	}
	if e.Err != nil && !errors.Is(e.Err, ErrCom) {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the transport error
func (e *ComError) Unwrap() error {
	return e.Err
}

// Is makes every ComError match ErrCom
func (e *ComError) Is(target error) bool {
	return target == ErrCom
}

// NewComError wraps a transport failure for the given peers.
func NewComError(err error, targets ...string) error {
	return &ComError{Targets: targets, Err: err}
}

// RefineCom rewrites a communication failure so that it names the peers
// involved. Other errors are returned unchanged.
func RefineCom(err error, targets ...string) error {
	if err == nil || !errors.Is(err, ErrCom) {
		return err
	}
	var ce *ComError
	if errors.As(err, &ce) {
		return &ComError{Targets: targets, Err: ce.Err}
	}
	return &ComError{Targets: targets, Err: err}
}

// IsCom reports whether err is a communication failure
func IsCom(err error) bool {
	return errors.Is(err, ErrCom)
}

// IsNotFound reports whether err is a lookup failure
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// InterfaceObjectNotFound is returned when a task has no port, property or
// operation with the requested name.
type InterfaceObjectNotFound struct {
	Task string
	Name string
}

func (e *InterfaceObjectNotFound) Error() string {
	return fmt.Sprintf("task %s has no interface object named %s", e.Task, e.Name)
}

// Unwrap returns ErrInterfaceObjectNotFound
func (e *InterfaceObjectNotFound) Unwrap() error {
	return ErrInterfaceObjectNotFound
}

// IsTransient checks if an error is transient and may be retried
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorTransient
	}

	return errors.Is(err, ErrCom) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

// IsFatal checks if an error needs remediation before the operation can be tried again
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorFatal
	}

	return errors.Is(err, ErrStateTransitionFailed) ||
		errors.Is(err, ErrConfigConflict) ||
		errors.Is(err, ErrPropertyChangeRejected)
}

// IsInvalid checks if an error is a caller error
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorInvalid
	}

	return errors.Is(err, ErrPolicy) ||
		errors.Is(err, ErrTypeMismatch) ||
		errors.Is(err, ErrThread) ||
		errors.Is(err, ErrAlreadyConnected) ||
		errors.Is(err, ErrAlreadyInitialized) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidConfig)
}

// Classify returns the error class for an error
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorTransient
	}

	if IsTransient(err) {
		return ErrorTransient
	}
	if IsFatal(err) {
		return ErrorFatal
	}
	if IsInvalid(err) {
		return ErrorInvalid
	}

	return ErrorTransient
}

func newClassified(class ErrorClass, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapTransient wraps an error as transient with context
func WrapTransient(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorTransient, wrappedErr, component, method, wrappedErr.Error())
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorFatal, wrappedErr, component, method, wrappedErr.Error())
}

// WrapInvalid wraps an error as invalid with context
func WrapInvalid(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorInvalid, wrappedErr, component, method, wrappedErr.Error())
}

// Is forwards to the standard library so callers need a single errors import.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As forwards to the standard library.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// New forwards to the standard library.
func New(text string) error {
	return errors.New(text)
}
