package protocol

import "errors"

// Kind markers for the failure taxonomy. Every domain sentinel wraps exactly
// one of these so callers can branch on the class with errors.Is while still
// distinguishing the specific reason.
var (
	// ErrPrecondition marks synchronous rejections: wrong status, wrong
	// caller, wrong payment, time gate not satisfied. No state change.
	ErrPrecondition = errors.New("precondition violation")
	// ErrVetoed marks a callback (OnReplaced/OnStart/OnStop) signalling
	// refusal; it aborts the entire enclosing operation.
	ErrVetoed = errors.New("vetoed by collaborator")
	// ErrTransferFailed marks a failed escrow payout. The enclosing call is
	// rolled back atomically; the caller must resubmit later.
	ErrTransferFailed = errors.New("escrow transfer failed")
)
