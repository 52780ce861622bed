package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/cognianchor/cognianchor/pkg/agent"
)

const (
	errorCodeUnauthorized   = "unauthorized"
	errorCodeInvalidRequest = "invalid_request"
	errorCodeTooLarge       = "too_large"
	errorCodeUnavailable    = "unavailable"
	errorCodeRuntime        = "runtime_error"
)

// Messages shown to patients and their apps. Internal errors are logged,
// never returned.
const (
	msgSomethingWrong   = "Something went wrong. Please try again."
	msgVoiceUnavailable = "Voice input is not available right now."
	msgNotReady         = "Not ready"
)

var errInvalidRequest = errors.New("invalid request")

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiErrorResponse struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiErrorResponse{
		Error: apiError{
			Code:    code,
			Message: message,
		},
	})
}

// writeMappedError answers with a status for err. Only messages of known
// request errors are echoed.
func writeMappedError(w http.ResponseWriter, err error) {
	var maxBytesErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxBytesErr):
		writeError(w, http.StatusRequestEntityTooLarge, errorCodeTooLarge,
			fmt.Sprintf("request body exceeds %d bytes", maxBytesErr.Limit))
	case errors.Is(err, errInvalidRequest),
		errors.Is(err, agent.ErrMissingPatientID),
		errors.Is(err, agent.ErrMissingPairID),
		errors.Is(err, agent.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, errorCodeInvalidRequest, err.Error())
	case errors.Is(err, agent.ErrNoTranscriber):
		writeError(w, http.StatusServiceUnavailable, errorCodeUnavailable, msgVoiceUnavailable)
	default:
		writeError(w, http.StatusInternalServerError, errorCodeRuntime, msgSomethingWrong)
	}
}

func decodeJSONBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return invalidRequestError("request body is required")
	}

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return err
		}
		if errors.Is(err, io.EOF) {
			return invalidRequestError("request body is required")
		}
		return invalidRequestError("invalid JSON body")
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return invalidRequestError("request body must contain exactly one JSON object")
	}

	return nil
}

func invalidRequestError(message string) error {
	return fmt.Errorf("%w: %s", errInvalidRequest, message)
}
