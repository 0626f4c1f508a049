package wire

import (
	"encoding/json"
	"time"

	"github.com/typerush/typerush/pkg/errors"
)

// Envelope is the shape of every outbound message delivered to a client.
type Envelope struct {
	Type      string    `json:"type"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorPayload is the payload carried by "error" envelopes.
type ErrorPayload struct {
	Code      int       `json:"code"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Details   any       `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Event builds an outbound envelope stamped with the server clock.
func Event(eventType string, payload any, now time.Time) Envelope {
	return Envelope{
		Type:      eventType,
		Payload:   payload,
		Timestamp: now,
	}
}

// Error builds an "error" envelope from an AppError.
func Error(appErr *errors.AppError, now time.Time) Envelope {
	if appErr == nil {
		appErr = errors.ErrInternalServer
	}

	return Envelope{
		Type: "error",
		Payload: ErrorPayload{
			Code:      appErr.Code,
			Kind:      appErr.Kind,
			Message:   appErr.Message,
			Details:   appErr.Details,
			Timestamp: now,
		},
		Timestamp: now,
	}
}

// Encode serializes an envelope for transmission.
func Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}
