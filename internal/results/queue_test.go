package results

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var testBackoff = []time.Duration{time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond}

func sampleTestResult(id string) TestResult {
	return TestResult{
		TestID:      id,
		IdentityID:  "user-1",
		Mode:        "time",
		WPM:         48,
		Accuracy:    100,
		CompletedAt: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestSubmitDeliversImmediately(t *testing.T) {
	sink := NewMemorySink()
	q := NewRetryQueue(sink, testBackoff)

	require.NoError(t, q.Submit(context.Background(), sampleTestResult("t1")))
	require.Len(t, sink.Records(), 1)
	require.Equal(t, 1, sink.Calls())
}

func TestSubmitRetriesAfterFailure(t *testing.T) {
	sink := NewMemorySink()
	sink.FailNext(1, errors.New("sink down"))
	q := NewRetryQueue(sink, testBackoff)

	err := q.Submit(context.Background(), sampleTestResult("t1"))
	require.Error(t, err) // caller learns the result is unsunk

	q.Drain()
	require.Len(t, sink.Records(), 1)
	require.Equal(t, 2, sink.Calls())
}

func TestSubmitExhaustsRetries(t *testing.T) {
	sink := NewMemorySink()
	sink.FailNext(4, errors.New("sink down"))
	q := NewRetryQueue(sink, testBackoff)

	require.Error(t, q.Submit(context.Background(), sampleTestResult("t1")))

	q.Drain()
	require.Empty(t, sink.Records())
	require.Equal(t, 4, sink.Calls()) // initial + three retries
}

func TestMemorySinkIsIdempotent(t *testing.T) {
	sink := NewMemorySink()

	require.NoError(t, sink.Record(context.Background(), sampleTestResult("t1")))
	require.NoError(t, sink.Record(context.Background(), sampleTestResult("t1")))
	require.Len(t, sink.Records(), 1)

	// Same session, different identity is a distinct record.
	other := sampleTestResult("t1")
	other.IdentityID = "user-2"
	require.NoError(t, sink.Record(context.Background(), other))
	require.Len(t, sink.Records(), 2)
}

func TestSessionKeys(t *testing.T) {
	tr := sampleTestResult("t1")
	require.Equal(t, SessionKey{SessionID: "t1", IdentityID: "user-1"}, tr.Key())

	rr := RaceResult{RaceID: "r1", IdentityID: "user-2"}
	require.Equal(t, SessionKey{SessionID: "r1", IdentityID: "user-2"}, rr.Key())
}
