package shared

import "errors"

// ProtocolVersion is the version of the run event stream served on /ws/runs.
const ProtocolVersion = 1

var (
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
	ErrMissingType        = errors.New("missing required field: type")
	ErrMissingTimestamp   = errors.New("missing required field: timestamp")
	ErrInvalidPayload     = errors.New("invalid payload")
)

// MessageType identifies the payload of an Envelope.
type MessageType string

const (
	MessageTypeRunTransition MessageType = "run_transition"
	MessageTypeRunFinished   MessageType = "run_finished"
)

// RunEvent is the payload of run_transition and run_finished messages.
type RunEvent struct {
	RunID        string `json:"run_id"`
	Token        string `json:"token"`
	From         string `json:"from"`
	To           string `json:"to"`
	Outcome      string `json:"outcome,omitempty"`
	Error        string `json:"error,omitempty"`
	ErrorKind    string `json:"error_kind,omitempty"`
	URL          string `json:"url"`
	Database     string `json:"db"`
	Commit       bool   `json:"commit"`
	JobID        int64  `json:"job_id,omitempty"`
	PollAttempts int    `json:"poll_attempts"`
	DurationMS   int64  `json:"duration_ms"`
	At           int64  `json:"at"`
}
