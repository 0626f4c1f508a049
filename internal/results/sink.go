package results

import (
	"context"
	"time"
)

// TestResult is the authoritative record of a completed single-player test.
// Every metric is recomputed server-side from the keystroke log.
type TestResult struct {
	TestID         string    `json:"testId"`
	IdentityID     string    `json:"userId,omitempty"`
	Username       string    `json:"username,omitempty"`
	Mode           string    `json:"mode"`
	Limit          int       `json:"limit"`
	WPM            int       `json:"wpm"`
	RawWPM         int       `json:"rawWpm"`
	Accuracy       int       `json:"accuracy"`
	Consistency    int       `json:"consistency"`
	Errors         int       `json:"errors"`
	CorrectChars   int       `json:"correctChars"`
	IncorrectChars int       `json:"incorrectChars"`
	Position       int       `json:"position"`
	ElapsedMs      int64     `json:"timeElapsed"`
	CompletedAt    time.Time `json:"completedAt"`
}

// RaceResult is the authoritative per-player record of a completed race.
type RaceResult struct {
	RaceID       string    `json:"raceId"`
	IdentityID   string    `json:"userId"`
	Username     string    `json:"username,omitempty"`
	Mode         string    `json:"mode"`
	Rank         int       `json:"rank"`
	WPM          int       `json:"wpm"`
	Accuracy     int       `json:"accuracy"`
	Errors       int       `json:"errors"`
	Finished     bool      `json:"finished"`
	FinishTimeMs int64     `json:"finishTime,omitempty"`
	CompletedAt  time.Time `json:"completedAt"`
}

// SessionKey identifies a result for idempotence purposes.
type SessionKey struct {
	SessionID  string
	IdentityID string
}

// Key returns the idempotence key for a test result.
func (r TestResult) Key() SessionKey {
	return SessionKey{SessionID: r.TestID, IdentityID: r.IdentityID}
}

// Key returns the idempotence key for a race result.
func (r RaceResult) Key() SessionKey {
	return SessionKey{SessionID: r.RaceID, IdentityID: r.IdentityID}
}

// Record is a result accepted by a Sink.
type Record interface {
	Key() SessionKey
}

// Sink receives authoritative completed records. Implementations must be
// idempotent on (session id, identity id): recording the same key twice
// yields at most one durable record.
type Sink interface {
	Record(ctx context.Context, rec Record) error
}
