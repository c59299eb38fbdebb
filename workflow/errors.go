package workflow

import "fmt"

type ErrorCode string

const (
	// CodeLockAcquisitionFailed: the key is busy; the caller may retry later.
	CodeLockAcquisitionFailed ErrorCode = "LOCK_ACQUISITION_FAILED"
	// CodeDuplicateDetected: a valid terminal outcome, not an infrastructure error.
	CodeDuplicateDetected ErrorCode = "DUPLICATE_DETECTED"
	// CodeValidationError: the duplicate check could not run or the options were bad.
	CodeValidationError ErrorCode = "VALIDATION_ERROR"
	// CodeSearchError: the informational search failed; never fatal on its own.
	CodeSearchError ErrorCode = "SEARCH_ERROR"
	// CodeOperationFailed: the wrapped operation exhausted its retries.
	CodeOperationFailed ErrorCode = "OPERATION_FAILED"
	// CodeStoreConnectionError: raised at initialization, fatal to startup.
	CodeStoreConnectionError ErrorCode = "STORE_CONNECTION_ERROR"
)

// OpError is the single error shape of the orchestrator: a code callers can branch on
// without parsing prose, plus a structured context map.
type OpError struct {
	Code    ErrorCode
	Message string
	Context map[string]interface{}
	Err     error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

func NewOpError(code ErrorCode, message string, err error, context map[string]interface{}) *OpError {
	return &OpError{Code: code, Message: message, Context: context, Err: err}
}
