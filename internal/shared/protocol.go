package shared

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope wraps every message pushed to run stream subscribers.
type Envelope struct {
	Version   int             `json:"version"`
	Type      string          `json:"type"`
	RunID     string          `json:"run_id,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// NewRunEnvelope wraps event as a message of type t.
func NewRunEnvelope(t MessageType, event RunEvent) (*Envelope, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return &Envelope{
		Version:   ProtocolVersion,
		Type:      string(t),
		RunID:     event.RunID,
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	}, nil
}

func MarshalEnvelope(env *Envelope) ([]byte, error) {
	if err := validateEnvelope(env); err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if err := validateEnvelope(&env); err != nil {
		return nil, err
	}
	return &env, nil
}

// RunEvent decodes the payload of a run message.
func (e *Envelope) RunEvent() (*RunEvent, error) {
	switch MessageType(e.Type) {
	case MessageTypeRunTransition, MessageTypeRunFinished:
	default:
		return nil, fmt.Errorf("%w: %s is not a run message", ErrInvalidPayload, e.Type)
	}
	var event RunEvent
	if err := json.Unmarshal(e.Payload, &event); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return &event, nil
}

func validateEnvelope(env *Envelope) error {
	if env.Version != ProtocolVersion {
		return fmt.Errorf("%w: got %d, expected %d", ErrUnsupportedVersion, env.Version, ProtocolVersion)
	}
	if env.Type == "" {
		return ErrMissingType
	}
	if env.Timestamp == 0 {
		return ErrMissingTimestamp
	}
	return nil
}
