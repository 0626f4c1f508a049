package router

import (
	"encoding/json"

	"github.com/typerush/typerush/internal/ratelimit"
)

// Inbound is the top-level shape of every client message: an event name and
// a payload object. Unknown payload fields are ignored; missing required
// fields yield VALIDATION_ERROR.
type Inbound struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// rateClassFor maps an inbound event to its governor class. Everything not
// listed draws from the general bucket.
func rateClassFor(eventType string) ratelimit.Class {
	switch eventType {
	case "test:keystroke":
		return ratelimit.ClassKeystroke
	case "race:progress":
		return ratelimit.ClassRaceProgress
	case "race:message":
		return ratelimit.ClassChat
	default:
		return ratelimit.ClassGeneral
	}
}

// TestStartPayload is the payload of test:start.
type TestStartPayload struct {
	Mode       string `json:"mode" validate:"required,oneof=time words"`
	Duration   int    `json:"duration" validate:"omitempty,gte=1"`
	WordCount  int    `json:"wordCount" validate:"omitempty,gte=1"`
	WordListID string `json:"wordListId"`
	Language   string `json:"language"`
}

// TestKeystrokePayload is the payload of test:keystroke.
type TestKeystrokePayload struct {
	TestID      string `json:"testId" validate:"required"`
	Timestamp   int64  `json:"timestamp" validate:"gte=0"`
	Key         string `json:"key" validate:"required"`
	Correct     *bool  `json:"correct" validate:"required"`
	Position    int    `json:"position" validate:"gte=0"`
	CurrentText string `json:"currentText"`
}

// FinalStatsPayload is the client-side summary attached to completion events.
type FinalStatsPayload struct {
	WPM         int   `json:"wpm" validate:"gte=0"`
	Accuracy    int   `json:"accuracy" validate:"gte=0,lte=100"`
	Consistency int   `json:"consistency" validate:"omitempty,gte=0,lte=100"`
	Errors      int   `json:"errors" validate:"gte=0"`
	TimeElapsed int64 `json:"timeElapsed" validate:"omitempty,gte=0"`
	FinishTime  int64 `json:"finishTime" validate:"omitempty,gte=0"`
}

// TestCompletedPayload is the payload of test:completed.
type TestCompletedPayload struct {
	TestID     string            `json:"testId" validate:"required"`
	FinalStats FinalStatsPayload `json:"finalStats"`
}

// TestLeavePayload is the payload of test:leave.
type TestLeavePayload struct {
	TestID string `json:"testId" validate:"required"`
}

// RaceCreatePayload is the payload of race:create.
type RaceCreatePayload struct {
	Name       string `json:"name" validate:"required,max=50"`
	Mode       string `json:"mode" validate:"required,oneof=time words"`
	Duration   int    `json:"duration" validate:"omitempty,gte=1"`
	WordCount  int    `json:"wordCount" validate:"omitempty,gte=1"`
	MaxPlayers int    `json:"maxPlayers" validate:"required,gte=2,lte=20"`
	WordListID string `json:"wordListId"`
	Language   string `json:"language"`
	IsPrivate  bool   `json:"isPrivate"`
}

// RaceJoinPayload is the payload of race:join and race:spectate.
type RaceJoinPayload struct {
	RaceID string `json:"raceId" validate:"required"`
}

// RaceProgressPayload is the payload of race:progress.
type RaceProgressPayload struct {
	RaceID     string `json:"raceId" validate:"required"`
	Position   int    `json:"position" validate:"gte=0"`
	WPM        int    `json:"wpm" validate:"gte=0"`
	Accuracy   int    `json:"accuracy" validate:"gte=0,lte=100"`
	Errors     int    `json:"errors" validate:"gte=0"`
	IsFinished bool   `json:"isFinished"`
}

// RaceFinishPayload is the payload of race:finish.
type RaceFinishPayload struct {
	RaceID     string            `json:"raceId" validate:"required"`
	FinalStats FinalStatsPayload `json:"finalStats"`
}

// RaceMessagePayload is the payload of race:message.
type RaceMessagePayload struct {
	RaceID  string `json:"raceId" validate:"required"`
	Message string `json:"message" validate:"required,max=200"`
}

// FriendsStatusPayload is the payload of friends:update_status.
type FriendsStatusPayload struct {
	Status   string `json:"status" validate:"required,oneof=online away busy invisible"`
	Activity string `json:"activity" validate:"omitempty,max=100"`
}
