package typing

import (
	"context"
	"sync"
	"time"
	"unicode/utf8"

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

	evictAfterCompletion = 30 * time.Second
)

// timeModeDurations is the discrete duration set accepted for individual tests.
var timeModeDurations = map[int]struct{}{15: {}, 30: {}, 60: {}, 120: {}}

// Config tunes the test session engine.
type Config struct {
	SessionTTL       time.Duration
	KeystrokeLogCap  int
	StatsMinInterval time.Duration
	MaxWPMCeiling    int
}

// DefaultConfig mirrors the engine defaults.
func DefaultConfig() Config {
	return Config{
		SessionTTL:       10 * time.Minute,
		KeystrokeLogCap:  10000,
		StatsMinInterval: 100 * time.Millisecond,
		MaxWPMCeiling:    300,
	}
}

// StartInput is the validated payload of test:start.
type StartInput struct {
	Mode       string
	Duration   int
	WordCount  int
	WordListID string
	Language   string
}

// KeystrokeInput is the validated payload of test:keystroke.
type KeystrokeInput struct {
	TestID      string
	TimestampMs int64
	Key         string
	Correct     bool
	Position    int
}

// Joined is the payload of test:joined.
type Joined struct {
	TestID string   `json:"testId"`
	Mode   string   `json:"mode"`
	Limit  int      `json:"limit"`
	Words  []string `json:"words"`
	Text   string   `json:"text"`
}

// Engine owns every live single-player test session.
type Engine struct {
	cfg    Config
	hub    *realtime.Hub
	source words.Source
	sink   *results.RetryQueue
	clk    clock.Clock
	log    *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewEngine constructs a test session engine.
func NewEngine(cfg Config, hub *realtime.Hub, source words.Source, sink *results.RetryQueue, clk clock.Clock) *Engine {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultConfig().SessionTTL
	}
	if cfg.KeystrokeLogCap <= 0 {
		cfg.KeystrokeLogCap = DefaultConfig().KeystrokeLogCap
	}
	if cfg.StatsMinInterval <= 0 {
		cfg.StatsMinInterval = DefaultConfig().StatsMinInterval
	}
	if cfg.MaxWPMCeiling <= 0 {
		cfg.MaxWPMCeiling = DefaultConfig().MaxWPMCeiling
	}

	return &Engine{
		cfg:      cfg,
		hub:      hub,
		source:   source,
		sink:     sink,
		clk:      clk,
		log:      logger.WithModule("typing"),
		sessions: make(map[string]*Session),
	}
}

// Start validates the request, fetches the reference text, and installs a new
// session owned by the caller's identity. The word-source fetch happens
// before the session exists so a failure leaves no state behind.
func (e *Engine) Start(ctx context.Context, owner auth.Identity, in StartInput) (*Joined, *apperrors.AppError) {
	mode := words.Mode(in.Mode)

	var count, limit int
	switch mode {
	case words.ModeTime:
		if _, ok := timeModeDurations[in.Duration]; !ok {
			return nil, apperrors.ErrValidation.WithDetails("duration must be one of 15, 30, 60, 120")
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
	session := &Session{
		ID:        uuid.NewString(),
		Owner:     owner,
		Mode:      mode,
		Limit:     limit,
		Reference: words.NewReferenceText(tokens),
		status:    StatusCreated,
		createdAt: now,
	}

	e.mu.Lock()
	e.sessions[session.ID] = session
	e.mu.Unlock()

	metrics.ActiveTests.Inc()

	return &Joined{
		TestID: session.ID,
		Mode:   string(mode),
		Limit:  limit,
		Words:  session.Reference.Tokens,
		Text:   session.Reference.Joined,
	}, nil
}

// Keystroke ingests one typing event. Correctness is judged against the
// reference text at the server-tracked position; the client claim is
// advisory only.
func (e *Engine) Keystroke(caller auth.Identity, in KeystrokeInput) *apperrors.AppError {
	session, appErr := e.ownedSession(caller, in.TestID)
	if appErr != nil {
		return appErr
	}

	if utf8.RuneCountInString(in.Key) != 1 {
		return apperrors.ErrValidation.WithDetails("key must be a single character")
	}

	session.mu.Lock()

	switch session.status {
	case StatusCreated:
		session.status = StatusRunning
		session.startedAt = e.clk.Now()
		if session.Mode == words.ModeTime {
			d := time.Duration(session.Limit) * time.Second
			id := session.ID
			session.completionTimer = e.clk.AfterFunc(d, func() { e.completeByTimeout(id) })
		}
	case StatusRunning:
	case StatusCompleted:
		session.mu.Unlock()
		return apperrors.ErrTestCompleted
	default:
		session.mu.Unlock()
		return apperrors.ErrTestExpired
	}

	now := e.clk.Now()
	elapsed := now.Sub(session.startedAt).Milliseconds()

	// Server truth: the reference character at the session's position decides
	// correctness. The client claim is only tracked for divergence logging.
	ref, inRange := session.Reference.CharAt(session.position)
	correct := inRange && in.Key == string(ref)
	if correct != in.Correct {
		session.divergences++
	}

	session.appendKeystrokeLocked(Keystroke{
		TimestampMs: elapsed,
		Key:         in.Key,
		Correct:     correct,
		Position:    session.position,
	}, e.cfg.KeystrokeLogCap)

	if correct {
		session.correct++
		session.position++
	} else {
		session.incorrect++
	}

	session.snapshot = ComputeSnapshot(session.log, session.correct, session.incorrect, session.position, elapsed)

	shouldBroadcast := now.Sub(session.lastBroadcast) >= e.cfg.StatsMinInterval
	if shouldBroadcast {
		session.lastBroadcast = now
	}
	snapshot := session.snapshot

	wordsDone := session.Mode == words.ModeWords && session.position >= session.Reference.Len()
	session.mu.Unlock()

	if correct {
		metrics.Keystrokes.WithLabelValues("correct").Inc()
	} else {
		metrics.Keystrokes.WithLabelValues("incorrect").Inc()
	}

	if shouldBroadcast {
		e.hub.Publish(realtime.TestRoom(session.ID), "test:stats_update", snapshot, false)
	}

	if wordsDone {
		e.complete(session)
	}
	return nil
}

// Complete handles an explicit test:completed submission from the owner. The
// client's final stats are accepted only as a completion signal; the emitted
// result comes from the server-side log.
func (e *Engine) Complete(caller auth.Identity, testID string) *apperrors.AppError {
	session, appErr := e.ownedSession(caller, testID)
	if appErr != nil {
		return appErr
	}

	switch session.State() {
	case StatusCompleted:
		return apperrors.ErrTestCompleted
	case StatusExpired:
		return apperrors.ErrTestExpired
	}

	e.complete(session)
	return nil
}

// Leave abandons a session without producing a result.
func (e *Engine) Leave(caller auth.Identity, testID string) *apperrors.AppError {
	session, appErr := e.ownedSession(caller, testID)
	if appErr != nil {
		return appErr
	}

	session.mu.Lock()
	terminal := session.status == StatusCompleted || session.status == StatusExpired
	if !terminal {
		session.status = StatusExpired
		session.endedAt = e.clk.Now()
		session.stopTimersLocked()
	}
	session.mu.Unlock()

	e.hub.Publish(realtime.TestRoom(testID), "test:leave", map[string]string{"testId": testID}, false)
	e.evict(testID)
	return nil
}

// HandleDisconnect abandons every non-terminal session the identity owns.
func (e *Engine) HandleDisconnect(identity auth.Identity) {
	for _, session := range e.snapshotSessions() {
		if session.Owner.ID != identity.ID {
			continue
		}
		if state := session.State(); state == StatusCreated || state == StatusRunning {
			_ = e.Leave(identity, session.ID)
		}
	}
}

// ExpireStale transitions sessions past their TTL to expired and evicts
// them. Invoked by the housekeeping scheduler. Returns the number expired.
func (e *Engine) ExpireStale() int {
	now := e.clk.Now()
	expired := 0

	for _, session := range e.snapshotSessions() {
		session.mu.Lock()
		stale := (session.status == StatusCreated || session.status == StatusRunning) &&
			now.Sub(session.createdAt) >= e.cfg.SessionTTL
		if stale {
			session.status = StatusExpired
			session.endedAt = now
			session.stopTimersLocked()
		}
		session.mu.Unlock()

		if stale {
			e.evict(session.ID)
			expired++
		}
	}
	return expired
}

// Get returns the session by id.
func (e *Engine) Get(testID string) (*Session, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	s, ok := e.sessions[testID]
	return s, ok
}

// ActiveCount reports the number of live sessions.
func (e *Engine) ActiveCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.sessions)
}

func (e *Engine) completeByTimeout(testID string) {
	e.mu.RLock()
	session, ok := e.sessions[testID]
	e.mu.RUnlock()
	if !ok {
		return
	}

	if session.State() != StatusRunning {
		return
	}
	e.complete(session)
}

// complete commits the terminal state, then performs sink and broadcast work
// outside the session critical section.
func (e *Engine) complete(session *Session) {
	session.mu.Lock()
	if session.status == StatusCompleted || session.status == StatusExpired {
		session.mu.Unlock()
		return
	}

	now := e.clk.Now()
	session.status = StatusCompleted
	session.endedAt = now
	session.stopTimersLocked()

	elapsed := now.Sub(session.startedAt).Milliseconds()
	if session.startedAt.IsZero() {
		elapsed = 0
	}
	if session.Mode == words.ModeTime {
		// Clamp to the configured duration so a late timer cannot inflate it.
		limitMs := int64(session.Limit) * 1000
		if elapsed > limitMs {
			elapsed = limitMs
		}
	}

	session.snapshot = ComputeSnapshot(session.log, session.correct, session.incorrect, session.position, elapsed)
	if session.snapshot.WPM > e.cfg.MaxWPMCeiling {
		session.snapshot.WPM = e.cfg.MaxWPMCeiling
	}
	snapshot := session.snapshot

	result := results.TestResult{
		TestID:         session.ID,
		IdentityID:     session.Owner.ID,
		Username:       session.Owner.Username,
		Mode:           string(session.Mode),
		Limit:          session.Limit,
		WPM:            snapshot.WPM,
		RawWPM:         snapshot.RawWPM,
		Accuracy:       snapshot.Accuracy,
		Consistency:    snapshot.Consistency,
		Errors:         snapshot.Errors,
		CorrectChars:   snapshot.CorrectChars,
		IncorrectChars: snapshot.IncorrectChars,
		Position:       snapshot.Position,
		ElapsedMs:      elapsed,
		CompletedAt:    now,
	}

	id := session.ID
	session.evictTimer = e.clk.AfterFunc(evictAfterCompletion, func() { e.evict(id) })
	session.mu.Unlock()

	if err := e.sink.Submit(context.Background(), result); err != nil {
		e.log.Warn("test result unsunk, retrying in background", zap.String("test", id))
	}

	// The result is emitted exactly once regardless of sink outcome.
	e.hub.Publish(realtime.UserRoom(session.Owner.ID), "test:result", result, true)
	e.hub.Publish(realtime.TestRoom(id), "test:result", result, true)
}

func (e *Engine) evict(testID string) {
	e.mu.Lock()
	session, ok := e.sessions[testID]
	if ok {
		delete(e.sessions, testID)
	}
	e.mu.Unlock()

	if ok {
		session.mu.Lock()
		session.stopTimersLocked()
		session.mu.Unlock()
		metrics.ActiveTests.Dec()
	}
}

func (e *Engine) ownedSession(caller auth.Identity, testID string) (*Session, *apperrors.AppError) {
	e.mu.RLock()
	session, ok := e.sessions[testID]
	e.mu.RUnlock()

	if !ok {
		return nil, apperrors.ErrTestNotFound
	}
	if session.Owner.ID != caller.ID {
		return nil, apperrors.ErrAuthForbidden
	}
	return session, nil
}

func (e *Engine) snapshotSessions() []*Session {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		out = append(out, s)
	}
	return out
}
