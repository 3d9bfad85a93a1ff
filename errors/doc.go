// Package errors provides standardized error handling for the orocos runtime layer.
//
// # Overview
//
// Errors fall into three classes: Transient (a peer could not be reached, the
// caller may retry), Invalid (the caller asked for something that cannot work:
// bad policy, type mismatch, a precondition such as "already connected") and
// Fatal (a remote component explicitly rejected the request, or the process
// configuration is contradictory).
//
// # Domain errors
//
// The sentinels are meant for errors.Is:
//
//	ErrNotFound               name, type or interface object absent
//	ErrTypekitNotFound        matches ErrNotFound
//	ErrAlreadyInitialized     runtime loaded twice
//	ErrAlreadyConnected       ports connected with another policy
//	ErrCom                    transport failure, see ComError
//	ErrStateTransitionFailed  remote rejected a lifecycle transition
//	ErrConfigureFailed ...    specific transitions, all match ErrStateTransitionFailed
//	ErrPolicy, ErrTypeMismatch
//	ErrThread                 blocking call from a context marked non-blocking
//
// ComError carries the peers involved and renders as
// "communication failed with X" or "communication failed with either X or Y".
// RefineCom rewrites an existing communication failure with new peer names.
//
// # Error Wrapping Pattern
//
// All wrapping follows the format
//
//	"component.method: action failed: %w"
//
// Wrap keeps the classification of the wrapped error; WrapTransient,
// WrapInvalid and WrapFatal attach an explicit class:
//
//	if err := remote.Start(ctx); err != nil {
//	    return errors.WrapFatal(err, "lifecycle", "Start", "remote start")
//	}
package errors
