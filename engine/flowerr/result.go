package flowerr

import "errors"

type (
	// Result is the uniform command envelope returned to external callers:
	// exactly one of Data or Error is populated depending on Success.
	Result struct {
		// Success reports whether the command committed.
		Success bool `json:"success"`
		// Data carries the command payload when Success is true.
		Data any `json:"data,omitempty"`
		// Error describes the failure when Success is false.
		Error *ResultError `json:"error,omitempty"`
	}

	// ResultError is the serialized failure shape inside a Result.
	ResultError struct {
		// Code is the stable failure class.
		Code Code `json:"code"`
		// Message is the human-readable summary.
		Message string `json:"message"`
		// Details carries optional structured context.
		Details map[string]any `json:"details,omitempty"`
	}
)

// OK wraps data in a successful Result.
func OK(data any) Result {
	return Result{Success: true, Data: data}
}

// Fail converts err into a failed Result. Unclassified errors map to
// CodeInternal with their message preserved.
func Fail(err error) Result {
	if err == nil {
		return Result{Success: true}
	}
	var fe *Error
	if errors.As(err, &fe) {
		return Result{Success: false, Error: &ResultError{
			Code:    fe.Code,
			Message: fe.Message,
			Details: fe.Details,
		}}
	}
	return Result{Success: false, Error: &ResultError{
		Code:    CodeInternal,
		Message: err.Error(),
	}}
}
