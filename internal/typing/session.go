package typing

import (
	"sync"
	"time"

	"github.com/typerush/typerush/internal/auth"
	"github.com/typerush/typerush/internal/clock"
	"github.com/typerush/typerush/internal/words"
)

// Status is the lifecycle state of a typing test session.
type Status string

// Session lifecycle states.
const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusExpired   Status = "expired"
)

// Session is a single-player typing test. The engine is its single writer;
// all mutation happens under the session mutex.
type Session struct {
	ID        string
	Owner     auth.Identity
	Mode      words.Mode
	Limit     int
	Reference words.ReferenceText

	mu        sync.Mutex
	status    Status
	createdAt time.Time
	startedAt time.Time
	endedAt   time.Time

	log       []Keystroke
	correct   int
	incorrect int
	position  int

	// divergences counts keystrokes whose client correctness claim
	// disagreed with the server judgement.
	divergences int

	snapshot      Snapshot
	lastBroadcast time.Time

	completionTimer clock.Timer
	evictTimer      clock.Timer
}

// State returns the session's lifecycle state.
func (s *Session) State() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// LatestSnapshot returns a copy of the most recently computed metrics.
func (s *Session) LatestSnapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

// KeystrokeCount reports the number of retained log entries.
func (s *Session) KeystrokeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.log)
}

// appendKeystrokeLocked appends to the capped log, downsampling the existing
// entries (keep every other) once the cap is reached so the distribution
// shape survives for the consistency calculation.
func (s *Session) appendKeystrokeLocked(k Keystroke, logCap int) {
	if logCap > 0 && len(s.log) >= logCap {
		kept := s.log[:0]
		for i, entry := range s.log {
			if i%2 == 0 {
				kept = append(kept, entry)
			}
		}
		s.log = kept
	}
	s.log = append(s.log, k)
}

func (s *Session) stopTimersLocked() {
	if s.completionTimer != nil {
		s.completionTimer.Stop()
		s.completionTimer = nil
	}
	if s.evictTimer != nil {
		s.evictTimer.Stop()
		s.evictTimer = nil
	}
}
