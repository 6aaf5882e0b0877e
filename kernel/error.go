package kernel

// Error describes a kernel error. All kernel errors must be defined as global
// variables that are pointers to the Error structure. This requirement stems
// from the fact that the Go allocator is not available to us so we cannot use
// errors.New.
//
// An Error may wrap a more specific Error via its Cause field. Only a single
// level of wrapping is used: a coarse, per-subsystem error (e.g. "paging")
// carries the error reported by the collaborator that actually failed.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string

	// Cause optionally points to the error that triggered this one.
	Cause *Error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the error wrapped by e or nil if e has no cause. It allows
// errors.Is to match against both the category and the specific cause.
func (e *Error) Unwrap() error {
	if e.Cause == nil {
		return nil
	}

	return e.Cause
}

// Wrap sets the cause of e and returns e. As errors are global variables the
// cause is overwritten by each call; callers are expected to propagate the
// returned error immediately.
func (e *Error) Wrap(cause *Error) *Error {
	e.Cause = cause
	return e
}
