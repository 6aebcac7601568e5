package rest

import (
	"context"
	"errors"
	"net/http"

	"github.com/lakegate/lakegate/pkg/engine"
)

// APIPrefix is the path prefix of the catalog protocol.
const APIPrefix = "/api/v1"

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error    string                 `json:"error"`
	Code     string                 `json:"code,omitempty"`
	Class    engine.ErrorClass      `json:"class,omitempty"`
	Resource string                 `json:"resource,omitempty"`
	Details  map[string]interface{} `json:"details,omitempty"`
}

type createBranchRequest struct {
	Name    string `json:"name"`
	FromRef string `json:"from_ref"`
}

type deleteBranchResponse struct {
	Deleted bool `json:"deleted"`
}

type tableFilesResponse struct {
	Files []string `json:"files"`
}

type queryRequest struct {
	SQL string `json:"sql"`
	Ref string `json:"ref"`
}

// statusFor maps a classified error to an HTTP status.
func statusFor(err error) int {
	if errors.Is(err, context.Canceled) {
		return 499
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}

	switch engine.CodeOf(err) {
	case engine.ErrCodeRefNotFound, engine.ErrCodeTableNotFound:
		return http.StatusNotFound
	case engine.ErrCodeBranchExists, engine.ErrCodeMergeConflict:
		return http.StatusConflict
	case engine.ErrCodeHeadChanged:
		return http.StatusPreconditionFailed
	case engine.ErrCodeNotWritable, engine.ErrCodeForbidden:
		return http.StatusForbidden
	case engine.ErrCodeValidation, engine.ErrCodeSchemaMismatch, engine.ErrCodeDuplicateFile,
		engine.ErrCodeNoSourceFiles, engine.ErrCodeInvalidSource, engine.ErrCodeQuery:
		return http.StatusUnprocessableEntity
	case engine.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	}

	switch engine.ClassOf(err) {
	case engine.ErrorClassTransient:
		return http.StatusServiceUnavailable
	case engine.ErrorClassHeadConflict:
		return http.StatusPreconditionFailed
	case engine.ErrorClassContentConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func errorResponse(err error) ErrorResponse {
	resp := ErrorResponse{Error: err.Error(), Class: engine.ClassOf(err), Code: engine.CodeOf(err)}
	if ee, ok := engine.AsEngineError(err); ok {
		resp.Error = ee.Message
		resp.Resource = ee.Resource
		resp.Details = ee.Details
	}
	if errors.Is(err, context.DeadlineExceeded) {
		resp.Class = engine.ErrorClassTransient
		resp.Code = engine.ErrCodeTimeout
	}
	return resp
}

// decodeError rebuilds a classified error from a response. The body's class
// and code win; the status is the fallback for proxies and older servers.
func decodeError(op string, status int, body *ErrorResponse) error {
	message := http.StatusText(status)
	if body != nil && body.Error != "" {
		message = body.Error
	}

	if body != nil && body.Code != "" && body.Class.Validate() == nil {
		ee := &engine.EngineError{
			Class:     body.Class,
			Code:      body.Code,
			Message:   message,
			Resource:  body.Resource,
			Operation: op,
			Details:   body.Details,
		}
		return ee
	}

	var ee *engine.EngineError
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		ee = engine.NewFatalError(message, nil).WithCode(engine.ErrCodeForbidden)
	case status == http.StatusNotFound:
		ee = engine.NewFatalError(message, nil).WithCode(engine.ErrCodeRefNotFound)
	case status == http.StatusPreconditionFailed:
		ee = engine.NewHeadConflictError(message, nil)
	case status == http.StatusConflict:
		ee = engine.NewContentConflictError(message, nil)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		ee = engine.NewTransientError(message, nil).WithCode(engine.ErrCodeTimeout)
	case status == http.StatusTooManyRequests || status >= 500:
		ee = engine.NewTransientError(message, nil).WithCode(engine.ErrCodeTransientIO)
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		ee = engine.NewValidationError(message, nil)
	default:
		ee = engine.NewFatalError(message, nil).WithCode(engine.ErrCodeInternal)
	}
	return ee.WithOperation(op).WithDetail("status", status)
}
