package race

import (
	"sort"
	"sync"
	"time"

	"github.com/typerush/typerush/internal/auth"
	"github.com/typerush/typerush/internal/clock"
	"github.com/typerush/typerush/internal/words"
)

// Status is the lifecycle state of a race.
type Status string

// Race lifecycle states. A race reaches active strictly through
// waiting → countdown → active; completed and cancelled are terminal.
const (
	StatusWaiting   Status = "waiting"
	StatusCountdown Status = "countdown"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

var statusRank = map[Status]int{
	StatusWaiting:   0,
	StatusCountdown: 1,
	StatusActive:    2,
	StatusCompleted: 3,
	StatusCancelled: 3,
}

// DefaultMinPlayers is the roster size that arms the countdown.
const DefaultMinPlayers = 2

// Progress is one player's live state within a race. It is mutated only by
// the race engine while holding the race mutex, and never holds a reference
// back to its race.
type Progress struct {
	Identity     auth.Identity `json:"user"`
	JoinedAt     time.Time     `json:"joinedAt"`
	Position     int           `json:"position"`
	WPM          int           `json:"wpm"`
	Accuracy     int           `json:"accuracy"`
	Errors       int           `json:"errors"`
	Finished     bool          `json:"finished"`
	FinishTimeMs int64         `json:"finishTime,omitempty"`
	Rank         int           `json:"rank,omitempty"`
	Disconnected bool          `json:"disconnected,omitempty"`
}

// Race is a multiplayer session. The engine is its single writer; all state
// below the mutex is guarded by it.
type Race struct {
	ID          string
	Code        string
	InviteToken string
	Name        string
	Mode        words.Mode
	Limit       int
	MaxPlayers  int
	MinPlayers  int
	Private     bool
	CreatedBy   string
	Reference   words.ReferenceText

	mu        sync.Mutex
	status    Status
	createdAt time.Time

	countdownStartedAt time.Time
	startedAt          time.Time
	endedAt            time.Time

	roster    map[string]*Progress
	joinOrder []string
	nextRank  int

	countdownRemaining int

	countdownTimer clock.Timer
	graceTimer     clock.Timer
	timeoutTimer   clock.Timer
	evictTimer     clock.Timer
}

// State returns the race's lifecycle state.
func (r *Race) State() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// transitionLocked advances the state machine. Regressions indicate an engine
// bug and are refused; the caller logs them. The sanctioned countdown revert
// goes through revertCountdownLocked instead.
func (r *Race) transitionLocked(to Status) bool {
	if statusRank[to] <= statusRank[r.status] {
		return false
	}
	r.status = to
	return true
}

// revertCountdownLocked returns a race to waiting when the roster drops below
// the minimum mid-countdown. This is the only sanctioned regression.
func (r *Race) revertCountdownLocked() bool {
	if r.status != StatusCountdown {
		return false
	}
	r.status = StatusWaiting
	r.countdownStartedAt = time.Time{}
	r.countdownRemaining = 0
	if r.countdownTimer != nil {
		r.countdownTimer.Stop()
		r.countdownTimer = nil
	}
	return true
}

func (r *Race) stopTimersLocked() {
	for _, t := range []*clock.Timer{&r.countdownTimer, &r.graceTimer, &r.timeoutTimer, &r.evictTimer} {
		if *t != nil {
			(*t).Stop()
			*t = nil
		}
	}
}

// rosterSnapshotLocked returns the players in join order.
func (r *Race) rosterSnapshotLocked() []Progress {
	out := make([]Progress, 0, len(r.joinOrder))
	for _, id := range r.joinOrder {
		if p, ok := r.roster[id]; ok {
			out = append(out, *p)
		}
	}
	return out
}

// RosterSnapshot returns a copy of all player progress in join order.
func (r *Race) RosterSnapshot() []Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rosterSnapshotLocked()
}

// assignFinalRanksLocked orders finished players by (finish time, wpm desc,
// errors asc, identity id asc) and unfinished players by (wpm desc, errors
// asc, identity id asc), assigning ranks 1..N. The result is a permutation
// of the roster.
func (r *Race) assignFinalRanksLocked() []Progress {
	players := make([]*Progress, 0, len(r.roster))
	for _, id := range r.joinOrder {
		if p, ok := r.roster[id]; ok {
			players = append(players, p)
		}
	}

	sort.SliceStable(players, func(i, j int) bool {
		a, b := players[i], players[j]
		if a.Finished != b.Finished {
			return a.Finished
		}
		if a.Finished {
			if a.FinishTimeMs != b.FinishTimeMs {
				return a.FinishTimeMs < b.FinishTimeMs
			}
		}
		if a.WPM != b.WPM {
			return a.WPM > b.WPM
		}
		if a.Errors != b.Errors {
			return a.Errors < b.Errors
		}
		return a.Identity.ID < b.Identity.ID
	})

	out := make([]Progress, len(players))
	for i, p := range players {
		p.Rank = i + 1
		out[i] = *p
	}
	return out
}
