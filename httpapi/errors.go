package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/synadia-labs/cmdgate"
)

// ErrorResponse is the body of a failed request, or one entry of it when
// validators rejected the command.
type ErrorResponse struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func describe(err error) ErrorResponse {
	return ErrorResponse{
		Type:    cmdgate.ErrorType(err),
		Message: err.Error(),
	}
}

// errorBody maps err to its response body and status. Handler failures
// report their cause, validator rejections a list of failures. Envelope,
// lookup and decode failures are raised by the handler itself and are only
// recognized unwrapped, so a dispatcher failure carrying one stays a 500.
func (h *Handler) errorBody(err error) (int, any) {
	switch e := err.(type) {
	case *EnvelopeError:
		if isTooLarge(e) {
			return http.StatusRequestEntityTooLarge, describe(e)
		}
		return http.StatusBadRequest, describe(e)

	case *cmdgate.InvalidParameterError:
		return h.clientStatus(), describe(e)

	case *decodeError:
		cause := cmdgate.RootCause(e.Err)
		return http.StatusInternalServerError, ErrorResponse{
			Type:    cmdgate.ErrorType(cause),
			Message: cause.Error(),
		}
	}

	var (
		he  *cmdgate.HandlerError
		rej *cmdgate.RejectedError
	)

	switch {
	case errors.As(err, &he):
		if he.Cause == nil {
			return http.StatusInternalServerError, describe(he)
		}
		return http.StatusInternalServerError, ErrorResponse{
			Type:    cmdgate.ErrorName(he.Cause),
			Message: he.Cause.Error(),
		}

	case errors.As(err, &rej):
		list := make([]ErrorResponse, len(rej.Errors))
		for i, e := range rej.Errors {
			list[i] = describe(e)
		}
		return h.clientStatus(), list
	}

	return http.StatusInternalServerError, describe(err)
}

func (h *Handler) clientStatus() int {
	if h.legacyStatus {
		return http.StatusInternalServerError
	}
	return http.StatusBadRequest
}

// decodeError marks a payload that could not be decoded into its command.
type decodeError struct {
	Type string
	Err  error
}

func (e *decodeError) Error() string {
	return "decode " + e.Type + ": " + e.Err.Error()
}

func (e *decodeError) Unwrap() error {
	return e.Err
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
