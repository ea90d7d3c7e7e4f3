package odoo

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthentication is returned when login does not yield a usable uid.
	ErrAuthentication = errors.New("authentication failed")
	// ErrMissingField is returned by Connection.Validate.
	ErrMissingField = errors.New("missing required field")
	// ErrUnexpectedResponse is returned when a call succeeds but the result
	// does not have the expected shape.
	ErrUnexpectedResponse = errors.New("unexpected response")
)

func errMissingField(name string) error {
	return fmt.Errorf("%w: %s", ErrMissingField, name)
}

// RemoteError is a failed JSON-RPC call, either at the HTTP level
// (StatusCode set) or as an error envelope returned by the server.
type RemoteError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *RemoteError) Error() string {
	return e.Message
}
