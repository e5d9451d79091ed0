// Package errors maps domain errors onto the HTTP error envelope.
//
// Every non-2xx API response carries:
//
//	{"error": {"code": "NOT_FOUND", "message": "...", "request_id": "...", "details": {...}}}
package errors

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/3leaps/maplejuice/pkg/catalog"
	"github.com/3leaps/maplejuice/pkg/jobregistry"
	"github.com/3leaps/maplejuice/pkg/scheduler"
)

// Error codes.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeConflict           = "CONFLICT"
	CodeNotLeader          = "NOT_LEADER"
	CodeUnprocessable      = "UNPROCESSABLE"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeInternal           = "INTERNAL_ERROR"
)

// ErrorBody is the payload under "error".
type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// HTTPErrorResponse is the full error envelope.
type HTTPErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// HTTPError carries an explicit status and code.
type HTTPError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *HTTPError) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	return e.Message
}

func (e *HTTPError) Unwrap() error { return e.Err }

// New returns an HTTPError.
func New(status int, code, message string) *HTTPError {
	return &HTTPError{Status: status, Code: code, Message: message}
}

// WithDetails attaches structured context.
func (e *HTTPError) WithDetails(details map[string]any) *HTTPError {
	e.Details = details
	return e
}

// Classify returns the status and code for err.
func Classify(err error) (int, string) {
	var he *HTTPError
	switch {
	case stderrors.As(err, &he):
		return he.Status, he.Code
	case stderrors.Is(err, jobregistry.ErrTaskNotFound), stderrors.Is(err, jobregistry.ErrJobNotFound):
		return http.StatusNotFound, CodeNotFound
	case stderrors.Is(err, jobregistry.ErrJobExists):
		return http.StatusConflict, CodeConflict
	case stderrors.Is(err, scheduler.ErrInvalidJob), stderrors.Is(err, scheduler.ErrInvalidWorkerCount):
		return http.StatusBadRequest, CodeBadRequest
	case stderrors.Is(err, scheduler.ErrNotEnoughWorkers), stderrors.Is(err, catalog.ErrNoInputs):
		return http.StatusUnprocessableEntity, CodeUnprocessable
	}
	return http.StatusInternalServerError, CodeInternal
}

// RespondWithError writes the envelope for err.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := Classify(err)
	body := ErrorBody{Code: code, Message: err.Error()}
	var he *HTTPError
	if stderrors.As(err, &he) {
		body.Details = he.Details
	}
	if r != nil {
		body.RequestID = r.Header.Get("X-Request-ID")
	}
	Write(w, status, body)
}

// Write encodes body as the error envelope with status.
func Write(w http.ResponseWriter, status int, body ErrorBody) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(HTTPErrorResponse{Error: body})
}
