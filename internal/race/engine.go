package race

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/typerush/typerush/internal/auth"
	"github.com/typerush/typerush/internal/clock"
	"github.com/typerush/typerush/internal/realtime"
	"github.com/typerush/typerush/internal/results"
	"github.com/typerush/typerush/internal/words"
	apperrors "github.com/typerush/typerush/pkg/errors"
	"github.com/typerush/typerush/pkg/logger"
	"github.com/typerush/typerush/pkg/metrics"
)

const (
	fetchTimeout = 3 * time.Second

	// wordsPerSecond sizes time-mode reference texts.
	wordsPerSecond = 3

	// graceCap bounds the words-mode window other players get once the
	// first finisher crosses the line.
	graceCap = 30 * time.Second

	evictAfterTerminal = 60 * time.Second

	maxNameLength    = 50
	maxMessageLength = 200
)

// Config tunes the race engine.
type Config struct {
	CountdownDuration time.Duration
	WaitingTTL        time.Duration
	MaxWPMCeiling     int
	AllowSpectators   bool
}

// DefaultConfig mirrors the engine defaults.
func DefaultConfig() Config {
	return Config{
		CountdownDuration: 5 * time.Second,
		WaitingTTL:        time.Hour,
		MaxWPMCeiling:     300,
		AllowSpectators:   true,
	}
}

// CreateInput is the validated payload of race:create.
type CreateInput struct {
	Name       string
	Mode       string
	Duration   int
	WordCount  int
	MaxPlayers int
	WordListID string
	Language   string
	Private    bool
}

// ProgressInput is the validated payload of race:progress.
type ProgressInput struct {
	RaceID   string
	Position int
	WPM      int
	Accuracy int
	Errors   int
	Finished bool
}

// FinalStats is the client-submitted summary attached to race:finish. It is
// cross-checked server-side before anything persists.
type FinalStats struct {
	WPM          int
	Accuracy     int
	Errors       int
	FinishTimeMs int64
}

// View is the lobby-facing description of a race.
type View struct {
	RaceID      string     `json:"raceId"`
	Code        string     `json:"code"`
	Name        string     `json:"name"`
	Mode        string     `json:"mode"`
	Limit       int        `json:"limit"`
	MaxPlayers  int        `json:"maxPlayers"`
	MinPlayers  int        `json:"minPlayers"`
	Private     bool       `json:"isPrivate"`
	InviteToken string     `json:"inviteToken,omitempty"`
	Status      string     `json:"status"`
	Players     []Progress `json:"players"`
	Words       []string   `json:"words,omitempty"`
	Text        string     `json:"text,omitempty"`
}

// Engine owns every live race.
type Engine struct {
	cfg    Config
	hub    *realtime.Hub
	source words.Source
	sink   *results.RetryQueue
	clk    clock.Clock
	log    *zap.Logger
	codes  *codeGenerator

	mu     sync.RWMutex
	races  map[string]*Race
	byCode map[string]string
}

// NewEngine constructs a race engine.
func NewEngine(cfg Config, hub *realtime.Hub, source words.Source, sink *results.RetryQueue, clk clock.Clock, seed int64) *Engine {
	def := DefaultConfig()
	if cfg.CountdownDuration <= 0 {
		cfg.CountdownDuration = def.CountdownDuration
	}
	if cfg.WaitingTTL <= 0 {
		cfg.WaitingTTL = def.WaitingTTL
	}
	if cfg.MaxWPMCeiling <= 0 {
		cfg.MaxWPMCeiling = def.MaxWPMCeiling
	}

	return &Engine{
		cfg:    cfg,
		hub:    hub,
		source: source,
		sink:   sink,
		clk:    clk,
		log:    logger.WithModule("race"),
		codes:  newCodeGenerator(clk.Now().UnixNano()),
		races:  make(map[string]*Race),
		byCode: make(map[string]string),
	}
}

// AllowSpectators reports whether non-players may subscribe to race rooms.
func (e *Engine) AllowSpectators() bool { return e.cfg.AllowSpectators }

// Create validates the request, fetches the reference text, installs the
// race, and seats the caller as its first player.
func (e *Engine) Create(ctx context.Context, owner auth.Identity, in CreateInput) (*View, *apperrors.AppError) {
	name := strings.TrimSpace(in.Name)
	if name == "" || len(name) > maxNameLength {
		return nil, apperrors.ErrValidation.WithDetails("name must be 1-50 characters")
	}
	if in.MaxPlayers < 2 || in.MaxPlayers > 20 {
		return nil, apperrors.ErrValidation.WithDetails("maxPlayers must be between 2 and 20")
	}

	mode := words.Mode(in.Mode)
	var count, limit int
	switch mode {
	case words.ModeTime:
		if in.Duration < 15 || in.Duration > 300 {
			return nil, apperrors.ErrValidation.WithDetails("duration must be between 15 and 300 seconds")
		}
		limit = in.Duration
		count = in.Duration * wordsPerSecond
	case words.ModeWords:
		if in.WordCount < 10 || in.WordCount > 200 {
			return nil, apperrors.ErrValidation.WithDetails("wordCount must be between 10 and 200")
		}
		limit = in.WordCount
		count = in.WordCount
	default:
		return nil, apperrors.ErrValidation.WithDetails("mode must be time or words")
	}

	fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	tokens, err := e.source.Fetch(fetchCtx, words.Request{
		ListID:   in.WordListID,
		Language: in.Language,
		Count:    count,
		Mode:     mode,
	})
	if err != nil {
		e.log.Warn("word source fetch failed", zap.Error(err))
		return nil, apperrors.FromError(err)
	}

	now := e.clk.Now()
	r := &Race{
		ID:         uuid.NewString(),
		Code:       e.uniqueCode(),
		Name:       name,
		Mode:       mode,
		Limit:      limit,
		MaxPlayers: in.MaxPlayers,
		MinPlayers: DefaultMinPlayers,
		Private:    in.Private,
		CreatedBy:  owner.ID,
		Reference:  words.NewReferenceText(tokens),
		status:     StatusWaiting,
		createdAt:  now,
		roster:     make(map[string]*Progress),
		nextRank:   1,
	}
	if in.Private {
		r.InviteToken = e.codes.inviteToken()
	}

	r.roster[owner.ID] = &Progress{Identity: owner, JoinedAt: now, Accuracy: 100}
	r.joinOrder = append(r.joinOrder, owner.ID)

	e.mu.Lock()
	e.races[r.ID] = r
	e.byCode[r.Code] = r.ID
	e.mu.Unlock()

	metrics.ActiveRaces.Inc()

	return e.view(r, true), nil
}

// Join seats the caller in a waiting race. A duplicate join from the same
// identity is a no-op returning the joined state.
func (e *Engine) Join(caller auth.Identity, raceID string) (*View, *apperrors.AppError) {
	r, appErr := e.get(raceID)
	if appErr != nil {
		return nil, appErr
	}

	r.mu.Lock()

	if _, present := r.roster[caller.ID]; present {
		view := e.viewLocked(r, true)
		r.mu.Unlock()
		return view, nil
	}

	switch r.status {
	case StatusWaiting:
	case StatusCountdown, StatusActive:
		r.mu.Unlock()
		return nil, apperrors.ErrRaceStarted
	default:
		r.mu.Unlock()
		return nil, apperrors.ErrRaceFinished
	}

	if len(r.roster) >= r.MaxPlayers {
		r.mu.Unlock()
		return nil, apperrors.ErrRaceFull
	}

	now := e.clk.Now()
	p := &Progress{Identity: caller, JoinedAt: now, Accuracy: 100}
	r.roster[caller.ID] = p
	r.joinOrder = append(r.joinOrder, caller.ID)

	joined := *p
	view := e.viewLocked(r, true)
	armCountdown := len(r.roster) >= r.MinPlayers
	if armCountdown {
		e.startCountdownLocked(r)
	}
	r.mu.Unlock()

	e.hub.Publish(realtime.RaceRoom(r.ID), "race:player_joined", joined, false)
	if armCountdown {
		e.publishCountdownEntry(r)
	}
	return view, nil
}

// Leave removes the caller from a race that has not begun; during an active
// race the player's progress freezes instead. Rosters that empty out cancel
// the race, and countdowns revert to waiting when the roster drops below the
// minimum.
func (e *Engine) Leave(caller auth.Identity, raceID string) *apperrors.AppError {
	r, appErr := e.get(raceID)
	if appErr != nil {
		return appErr
	}

	r.mu.Lock()

	p, present := r.roster[caller.ID]
	if !present {
		r.mu.Unlock()
		return apperrors.ErrNotInRace
	}

	var cancelled, reverted bool
	switch r.status {
	case StatusWaiting, StatusCountdown:
		delete(r.roster, caller.ID)
		for i, id := range r.joinOrder {
			if id == caller.ID {
				r.joinOrder = append(r.joinOrder[:i], r.joinOrder[i+1:]...)
				break
			}
		}
		if r.status == StatusCountdown && len(r.roster) < r.MinPlayers {
			reverted = r.revertCountdownLocked()
		}
		if len(r.roster) == 0 {
			cancelled = r.transitionLocked(StatusCancelled)
			if cancelled {
				r.endedAt = e.clk.Now()
				r.stopTimersLocked()
			}
		}
	case StatusActive:
		p.Disconnected = true
	default:
		r.mu.Unlock()
		return apperrors.ErrRaceFinished
	}
	r.mu.Unlock()

	e.hub.Publish(realtime.RaceRoom(r.ID), "race:player_left", map[string]string{
		"raceId":   r.ID,
		"userId":   caller.ID,
		"username": caller.Username,
	}, false)

	if reverted {
		e.log.Info("countdown cancelled, roster below minimum", zap.String("race", r.ID))
	}
	if cancelled {
		e.scheduleEviction(r)
	}
	return nil
}

// UpdateProgress ingests a race:progress event. Values are trusted for the
// live fan-out only; anything persisted is re-derived at completion.
func (e *Engine) UpdateProgress(caller auth.Identity, in ProgressInput) *apperrors.AppError {
	r, appErr := e.get(in.RaceID)
	if appErr != nil {
		return appErr
	}

	r.mu.Lock()

	switch r.status {
	case StatusActive:
	case StatusCompleted, StatusCancelled:
		r.mu.Unlock()
		return apperrors.ErrRaceFinished
	default:
		r.mu.Unlock()
		return apperrors.ErrValidation.WithDetails("race is not active")
	}

	p, present := r.roster[caller.ID]
	if !present {
		r.mu.Unlock()
		return apperrors.ErrNotInRace
	}

	if !p.Finished {
		p.Position = clampInt(in.Position, 0, r.Reference.Len())
		p.WPM = clampInt(in.WPM, 0, e.cfg.MaxWPMCeiling)
		p.Accuracy = clampInt(in.Accuracy, 0, 100)
		if in.Errors >= 0 {
			p.Errors = in.Errors
		}
	}

	var finishedNow bool
	if in.Finished && !p.Finished {
		finishedNow = true
		e.markFinishedLocked(r, p)
	}

	finished := *p
	snapshot := r.rosterSnapshotLocked()
	allDone := e.allFinishedLocked(r)
	r.mu.Unlock()

	e.hub.Publish(realtime.RaceRoom(r.ID), "race:progress_update", map[string]any{
		"raceId":  r.ID,
		"players": snapshot,
	}, false)

	if finishedNow {
		e.hub.Publish(realtime.RaceRoom(r.ID), "race:player_finished", finished, false)
	}

	if allDone {
		e.complete(r)
	} else if finishedNow {
		e.maybeStartGrace(r)
	}
	return nil
}

// Finish handles an explicit race:finish submission carrying final stats.
// The stats are cross-checked against the active time window and capped to
// plausible ceilings before they stick.
func (e *Engine) Finish(caller auth.Identity, raceID string, stats FinalStats) *apperrors.AppError {
	r, appErr := e.get(raceID)
	if appErr != nil {
		return appErr
	}

	r.mu.Lock()

	if r.status != StatusActive {
		r.mu.Unlock()
		if r.State() == StatusCompleted || r.State() == StatusCancelled {
			return apperrors.ErrRaceFinished
		}
		return apperrors.ErrValidation.WithDetails("race is not active")
	}

	p, present := r.roster[caller.ID]
	if !present {
		r.mu.Unlock()
		return apperrors.ErrNotInRace
	}

	var finishedNow bool
	if !p.Finished {
		finishedNow = true
		elapsed := e.clk.Now().Sub(r.startedAt)
		p.WPM = e.plausibleWPM(stats.WPM, p.Position, elapsed)
		p.Accuracy = clampInt(stats.Accuracy, 0, 100)
		if stats.Errors >= 0 {
			p.Errors = stats.Errors
		}
		e.markFinishedLocked(r, p)
	}

	finished := *p
	snapshot := r.rosterSnapshotLocked()
	allDone := e.allFinishedLocked(r)
	r.mu.Unlock()

	if finishedNow {
		e.hub.Publish(realtime.RaceRoom(r.ID), "race:progress_update", map[string]any{
			"raceId":  r.ID,
			"players": snapshot,
		}, false)
		e.hub.Publish(realtime.RaceRoom(r.ID), "race:player_finished", finished, false)
	}

	if allDone {
		e.complete(r)
	} else if finishedNow {
		e.maybeStartGrace(r)
	}
	return nil
}

// Message validates and fans a chat line out to the race room. Messages are
// not persisted.
func (e *Engine) Message(caller auth.Identity, raceID, message string) *apperrors.AppError {
	message = strings.TrimSpace(message)
	if message == "" || len(message) > maxMessageLength {
		return apperrors.ErrValidation.WithDetails("message must be 1-200 characters")
	}

	r, appErr := e.get(raceID)
	if appErr != nil {
		return appErr
	}

	r.mu.Lock()
	_, present := r.roster[caller.ID]
	r.mu.Unlock()

	if !present {
		return apperrors.ErrNotInRace
	}

	e.hub.Publish(realtime.RaceRoom(raceID), "race:message_received", map[string]any{
		"raceId":   raceID,
		"userId":   caller.ID,
		"username": caller.Username,
		"message":  message,
	}, false)
	return nil
}

// Get returns the race by id.
func (e *Engine) Get(raceID string) (*Race, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	r, ok := e.races[raceID]
	return r, ok
}

// FindByCode resolves a room code to its race.
func (e *Engine) FindByCode(code string) (*Race, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	id, ok := e.byCode[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return nil, false
	}
	r, ok := e.races[id]
	return r, ok
}

// ActiveCount reports the number of live races.
func (e *Engine) ActiveCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.races)
}

// HandleDisconnect freezes or removes the identity from every race it is
// part of, according to race state.
func (e *Engine) HandleDisconnect(identity auth.Identity) {
	for _, r := range e.snapshotRaces() {
		r.mu.Lock()
		_, present := r.roster[identity.ID]
		r.mu.Unlock()
		if present {
			_ = e.Leave(identity, r.ID)
		}
	}
}

// CancelStuck cancels non-terminal races older than the waiting TTL.
// Invoked by the housekeeping scheduler. Returns the number cancelled.
func (e *Engine) CancelStuck() int {
	now := e.clk.Now()
	cancelled := 0

	for _, r := range e.snapshotRaces() {
		r.mu.Lock()
		stuck := statusRank[r.status] < statusRank[StatusCompleted] &&
			now.Sub(r.createdAt) >= e.cfg.WaitingTTL
		if stuck {
			if r.transitionLocked(StatusCancelled) {
				r.endedAt = now
				r.stopTimersLocked()
				cancelled++
			} else {
				stuck = false
			}
		}
		r.mu.Unlock()

		if stuck {
			e.log.Info("race cancelled by TTL", zap.String("race", r.ID))
			e.scheduleEviction(r)
		}
	}
	return cancelled
}

// --- countdown ---

// startCountdownLocked arms the countdown; the caller publishes the entry
// events after releasing the race lock.
func (e *Engine) startCountdownLocked(r *Race) {
	if !r.transitionLocked(StatusCountdown) {
		e.log.Error("refused countdown transition", zap.String("race", r.ID), zap.String("status", string(r.status)))
		return
	}

	r.countdownStartedAt = e.clk.Now()
	r.countdownRemaining = int(e.cfg.CountdownDuration / time.Second)

	id := r.ID
	r.countdownTimer = e.clk.AfterFunc(time.Second, func() { e.countdownTick(id) })
}

func (e *Engine) publishCountdownEntry(r *Race) {
	e.hub.Publish(realtime.RaceRoom(r.ID), "race:start", map[string]any{
		"raceId":    r.ID,
		"countdown": int(e.cfg.CountdownDuration / time.Second),
		"words":     r.Reference.Tokens,
		"text":      r.Reference.Joined,
	}, false)
}

func (e *Engine) countdownTick(raceID string) {
	r, ok := e.Get(raceID)
	if !ok {
		return
	}

	r.mu.Lock()
	if r.status != StatusCountdown {
		r.mu.Unlock()
		return
	}

	r.countdownRemaining--
	remaining := r.countdownRemaining

	if remaining > 0 {
		r.countdownTimer = e.clk.AfterFunc(time.Second, func() { e.countdownTick(raceID) })
		r.mu.Unlock()
		e.hub.Publish(realtime.RaceRoom(raceID), "race:countdown", map[string]int{"remaining": remaining}, false)
		return
	}

	// Countdown hit zero: the race begins.
	if !r.transitionLocked(StatusActive) {
		e.log.Error("refused active transition", zap.String("race", r.ID), zap.String("status", string(r.status)))
		r.mu.Unlock()
		return
	}

	now := e.clk.Now()
	r.startedAt = now
	r.countdownTimer = nil
	if r.Mode == words.ModeTime {
		d := time.Duration(r.Limit) * time.Second
		r.timeoutTimer = e.clk.AfterFunc(d, func() { e.completeByTimeout(raceID) })
	}
	r.mu.Unlock()

	e.hub.Publish(realtime.RaceRoom(raceID), "race:begin", map[string]any{
		"raceId":    raceID,
		"startedAt": now,
	}, false)
}

// --- completion ---

func (e *Engine) markFinishedLocked(r *Race, p *Progress) {
	p.Finished = true
	p.FinishTimeMs = e.clk.Now().Sub(r.startedAt).Milliseconds()
	p.Rank = r.nextRank
	r.nextRank++
	p.Position = r.Reference.Len()
}

func (e *Engine) allFinishedLocked(r *Race) bool {
	if r.status != StatusActive {
		return false
	}
	for _, p := range r.roster {
		if !p.Finished && !p.Disconnected {
			return false
		}
	}
	return true
}

// maybeStartGrace arms the words-mode grace window after the first finisher.
func (e *Engine) maybeStartGrace(r *Race) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status != StatusActive || r.graceTimer != nil {
		return
	}
	if r.Mode != words.ModeWords {
		return
	}

	grace := graceCap
	if r.timeoutTimer != nil {
		// Bounded by the remaining duration when one exists.
		elapsed := e.clk.Now().Sub(r.startedAt)
		if remaining := time.Duration(r.Limit)*time.Second - elapsed; remaining < grace {
			grace = remaining
		}
	}

	id := r.ID
	r.graceTimer = e.clk.AfterFunc(grace, func() { e.completeByTimeout(id) })
}

func (e *Engine) completeByTimeout(raceID string) {
	r, ok := e.Get(raceID)
	if !ok {
		return
	}
	e.complete(r)
}

// complete commits the terminal state and publishes the final rankings. Sink
// deliveries happen after the state is committed.
func (e *Engine) complete(r *Race) {
	r.mu.Lock()
	if !r.transitionLocked(StatusCompleted) {
		r.mu.Unlock()
		return
	}

	now := e.clk.Now()
	r.endedAt = now
	r.stopTimersLocked()

	rankings := r.assignFinalRanksLocked()

	elapsed := time.Duration(0)
	if !r.startedAt.IsZero() {
		elapsed = now.Sub(r.startedAt)
	}

	records := make([]results.RaceResult, 0, len(rankings))
	for _, p := range rankings {
		// Finished players are judged against their own finish window.
		window := elapsed
		if p.Finished && p.FinishTimeMs > 0 {
			window = time.Duration(p.FinishTimeMs) * time.Millisecond
		}
		records = append(records, results.RaceResult{
			RaceID:       r.ID,
			IdentityID:   p.Identity.ID,
			Username:     p.Identity.Username,
			Mode:         string(r.Mode),
			Rank:         p.Rank,
			WPM:          e.plausibleWPM(p.WPM, p.Position, window),
			Accuracy:     clampInt(p.Accuracy, 0, 100),
			Errors:       p.Errors,
			Finished:     p.Finished,
			FinishTimeMs: p.FinishTimeMs,
			CompletedAt:  now,
		})
	}
	r.mu.Unlock()

	for _, rec := range records {
		if err := e.sink.Submit(context.Background(), rec); err != nil {
			e.log.Warn("race result unsunk, retrying in background",
				zap.String("race", r.ID), zap.String("player", rec.IdentityID))
		}
	}

	var winner *Progress
	if len(rankings) > 0 {
		winner = &rankings[0]
	}

	e.hub.Publish(realtime.RaceRoom(r.ID), "race:completed", map[string]any{
		"raceId":   r.ID,
		"rankings": rankings,
		"winner":   winner,
		"stats": map[string]any{
			"players":   len(rankings),
			"elapsedMs": elapsed.Milliseconds(),
		},
	}, true)

	e.scheduleEviction(r)
}

func (e *Engine) scheduleEviction(r *Race) {
	r.mu.Lock()
	if r.evictTimer == nil {
		id := r.ID
		r.evictTimer = e.clk.AfterFunc(evictAfterTerminal, func() { e.evict(id) })
	}
	r.mu.Unlock()
}

func (e *Engine) evict(raceID string) {
	e.mu.Lock()
	r, ok := e.races[raceID]
	if ok {
		delete(e.races, raceID)
		delete(e.byCode, r.Code)
	}
	e.mu.Unlock()

	if ok {
		r.mu.Lock()
		r.stopTimersLocked()
		r.mu.Unlock()
		metrics.ActiveRaces.Dec()
	}
}

// --- helpers ---

func (e *Engine) get(raceID string) (*Race, *apperrors.AppError) {
	r, ok := e.Get(raceID)
	if !ok {
		return nil, apperrors.ErrRaceNotFound
	}
	return r, nil
}

func (e *Engine) snapshotRaces() []*Race {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*Race, 0, len(e.races))
	for _, r := range e.races {
		out = append(out, r)
	}
	return out
}

func (e *Engine) uniqueCode() string {
	for {
		code := e.codes.roomCode()
		e.mu.RLock()
		_, taken := e.byCode[code]
		e.mu.RUnlock()
		if !taken {
			return code
		}
	}
}

// plausibleWPM caps a reported wpm at the configured ceiling and at the
// throughput the player's observed position and the active time window
// actually allow.
func (e *Engine) plausibleWPM(reported, position int, elapsed time.Duration) int {
	capped := clampInt(reported, 0, e.cfg.MaxWPMCeiling)
	if position > 0 && elapsed > 0 {
		implied := int(math.Round(float64(position) / 5 / elapsed.Minutes()))
		if implied < capped {
			capped = implied
		}
	}
	return capped
}

func (e *Engine) view(r *Race, withText bool) *View {
	r.mu.Lock()
	defer r.mu.Unlock()
	return e.viewLocked(r, withText)
}

func (e *Engine) viewLocked(r *Race, withText bool) *View {
	v := &View{
		RaceID:      r.ID,
		Code:        r.Code,
		Name:        r.Name,
		Mode:        string(r.Mode),
		Limit:       r.Limit,
		MaxPlayers:  r.MaxPlayers,
		MinPlayers:  r.MinPlayers,
		Private:     r.Private,
		InviteToken: r.InviteToken,
		Status:      string(r.status),
		Players:     r.rosterSnapshotLocked(),
	}
	if withText {
		v.Words = r.Reference.Tokens
		v.Text = r.Reference.Joined
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
