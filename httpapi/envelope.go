package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"

	"github.com/synadia-labs/cmdgate/codec"
)

// Envelope is the request body of both command endpoints. Payload is a
// JSON document carried as a string.
type Envelope struct {
	Type    string `json:"type"`
	Payload string `json:"payload"`
}

// EnvelopeError reports a request body that is not a valid envelope.
type EnvelopeError struct {
	Message string
	Err     error
}

func (e *EnvelopeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err)
	}
	return e.Message
}

func (e *EnvelopeError) Unwrap() error {
	return e.Err
}

// ErrorType keeps the envelope failure as the reported type instead of
// the underlying decoding error.
func (e *EnvelopeError) ErrorType() string {
	return codec.TypeName(reflect.TypeOf(e))
}

// readEnvelope decodes the body of r, reading at most limit bytes.
func readEnvelope(w http.ResponseWriter, r *http.Request, limit int64) (*Envelope, error) {
	body := http.MaxBytesReader(w, r.Body, limit)
	defer body.Close()

	b, err := io.ReadAll(body)
	if err != nil {
		return nil, &EnvelopeError{Message: "read request body", Err: err}
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, &EnvelopeError{Message: "request body is empty"}
	}

	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, &EnvelopeError{Message: "invalid command envelope", Err: err}
	}
	if env.Type == "" {
		return nil, &EnvelopeError{Message: "command type is required"}
	}

	return &env, nil
}

func isTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}
