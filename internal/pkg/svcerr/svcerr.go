package svcerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Stable service codes surfaced to callers. Grouped by the thousands digit:
// 1xxx general, 2xxx chat, 3xxx file, 4xxx storage, 5xxx permission, 6xxx system.
const (
	CodeSuccess = 0

	CodeParamError         = 1001
	CodeParamExceedLimit   = 1002
	CodeDuplicateOperation = 1003
	CodeInternalError      = 1004

	CodeQuestionTooLong = 2001
	CodeInvalidSession  = 2002
	CodeModelTimeout    = 2003
	CodeKBMatchFailed   = 2004
	CodeContextTooLong  = 2005

	CodeFileNotFound      = 3001
	CodeUnsupportedFormat = 3002
	CodeFileTooLarge      = 3003
	CodeInvalidFilename   = 3004
	CodeFileParseError    = 3005
	CodeFileExists        = 3006

	CodeStoreInsertFail     = 4001
	CodeStoreUpdateFail     = 4002
	CodeStoreDeleteFail     = 4003
	CodeStoreQueryFail      = 4004
	CodeStoreConnectionFail = 4005

	CodePermissionDenied  = 5001
	CodePermissionInvalid = 5003

	CodeSystemBusy     = 6001
	CodeSystemOverload = 6003
)

// Sentinels used across adapters and services.
var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicate         = errors.New("duplicate")
	ErrConflict          = errors.New("conflict")
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrOverlongInput     = errors.New("overlong input")
	ErrQueueFull         = errors.New("rate limiter queue full")
)

// Error carries a stable numeric code alongside a human-readable message.
type Error struct {
	Code    int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%d] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func New(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code int, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf extracts the service code from err, defaulting to CodeInternalError.
func CodeOf(err error) int {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return CodeFileNotFound
	case errors.Is(err, ErrDuplicate):
		return CodeDuplicateOperation
	case errors.Is(err, ErrConflict):
		return CodeDuplicateOperation
	case errors.Is(err, ErrOverlongInput):
		return CodeQuestionTooLong
	}
	return CodeInternalError
}

// HTTPStatus maps a service code onto the closest HTTP status.
func HTTPStatus(code int) int {
	switch code {
	case CodeSuccess:
		return http.StatusOK
	case CodeParamError, CodeParamExceedLimit, CodeInvalidFilename,
		CodeQuestionTooLong, CodeContextTooLong, CodeInvalidSession,
		CodeUnsupportedFormat, CodeFileTooLarge:
		return http.StatusBadRequest
	case CodePermissionDenied, CodePermissionInvalid:
		return http.StatusForbidden
	case CodeFileNotFound:
		return http.StatusNotFound
	case CodeDuplicateOperation, CodeFileExists:
		return http.StatusConflict
	case CodeModelTimeout:
		return http.StatusGatewayTimeout
	case CodeSystemBusy, CodeSystemOverload:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
