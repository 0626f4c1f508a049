package wire

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/typerush/typerush/pkg/errors"
)

func TestEventEnvelopeShape(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	env := Event("race:begin", map[string]string{"raceId": "r1"}, now)

	data, err := Encode(env)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, "race:begin", decoded["type"])
	require.Equal(t, "r1", decoded["payload"].(map[string]any)["raceId"])
	require.NotEmpty(t, decoded["timestamp"])
}

func TestErrorEnvelope(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	env := Error(errors.ErrRateLimited.WithDetails(map[string]any{"retryAfterMs": 250}), now)

	require.Equal(t, "error", env.Type)

	payload, ok := env.Payload.(ErrorPayload)
	require.True(t, ok)
	require.Equal(t, 4001, payload.Code)
	require.Equal(t, "RATE_LIMITED", payload.Kind)
	require.Equal(t, now, payload.Timestamp)
}

func TestErrorEnvelopeNilDefaultsToServerError(t *testing.T) {
	env := Error(nil, time.Now())

	payload := env.Payload.(ErrorPayload)
	require.Equal(t, 5001, payload.Code)
}
