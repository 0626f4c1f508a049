package router

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/typerush/typerush/internal/auth"
	"github.com/typerush/typerush/internal/clock"
	"github.com/typerush/typerush/internal/friends"
	"github.com/typerush/typerush/internal/race"
	"github.com/typerush/typerush/internal/ratelimit"
	"github.com/typerush/typerush/internal/realtime"
	"github.com/typerush/typerush/internal/typing"
	apperrors "github.com/typerush/typerush/pkg/errors"
	"github.com/typerush/typerush/pkg/logger"
	"github.com/typerush/typerush/pkg/metrics"
	"github.com/typerush/typerush/pkg/validator"
	"github.com/typerush/typerush/pkg/wire"
)

// idleThreshold marks connections as idle during the liveness scan. Idle
// connections are flagged, never closed: a quiet connection may be
// spectating a race.
const idleThreshold = 5 * time.Minute

// Config tunes the session router.
type Config struct {
	MaxConnectionsPerIdentity int
	QueueLimits               realtime.QueueLimits
}

// Router is the engine entry point: it authenticates sessions, registers
// connections, dispatches typed inbound events to the owning engine, and
// emits typed outbound events.
type Router struct {
	cfg      Config
	verifier *auth.Verifier
	registry *realtime.Registry
	hub      *realtime.Hub
	governor *ratelimit.Governor
	tests    *typing.Engine
	races    *race.Engine
	presence *friends.Notifier
	clk      clock.Clock
	log      *zap.Logger
	upgrader websocket.Upgrader
}

// NewRouter constructs the session router.
func NewRouter(cfg Config, verifier *auth.Verifier, registry *realtime.Registry, hub *realtime.Hub,
	governor *ratelimit.Governor, tests *typing.Engine, races *race.Engine,
	presence *friends.Notifier, clk clock.Clock) *Router {

	if cfg.MaxConnectionsPerIdentity <= 0 {
		cfg.MaxConnectionsPerIdentity = 5
	}

	return &Router{
		cfg:      cfg,
		verifier: verifier,
		registry: registry,
		hub:      hub,
		governor: governor,
		tests:    tests,
		races:    races,
		presence: presence,
		clk:      clk,
		log:      logger.WithModule("router"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Allow same-origin requests and explicit localhost development.
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				return hostWithoutPort(origin) == hostWithoutPort(r.Host) || isLoopback(hostWithoutPort(origin))
			},
		},
	}
}

// HandleWS authenticates the handshake and upgrades the request into a
// registered realtime connection. Failures are rejected before upgrade.
func (rt *Router) HandleWS(c *gin.Context) {
	remote := c.ClientIP()

	if decision := rt.governor.Check(remote, ratelimit.ClassConnection); !decision.Allowed {
		rt.rejectHTTP(c, http.StatusTooManyRequests, apperrors.ErrRateLimited.WithDetails(retryDetails(decision)))
		return
	}

	identity, appErr := rt.authenticate(c)
	if appErr != nil {
		metrics.AuthAttempts.WithLabelValues("failure").Inc()
		rt.rejectHTTP(c, http.StatusUnauthorized, appErr)
		return
	}
	metrics.AuthAttempts.WithLabelValues("success").Inc()

	if rt.registry.CountForIdentity(identity.ID) >= rt.cfg.MaxConnectionsPerIdentity {
		rt.rejectHTTP(c, http.StatusConflict, apperrors.ErrTooManyConnections)
		return
	}

	socket, err := rt.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		rt.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := realtime.NewConn(realtime.ConnOptions{
		ID:         uuid.NewString(),
		Identity:   *identity,
		RemoteAddr: remote,
		Socket:     socket,
		Limits:     rt.cfg.QueueLimits,
		Clock:      rt.clk.Now,
		OnClose:    rt.handleClose,
	})

	rt.registry.Register(conn)
	rt.hub.Subscribe(realtime.UserRoom(identity.ID), conn)
	rt.presence.AnnounceOnline(context.Background(), conn)

	rt.log.Info("connection established",
		zap.String("conn", conn.ID),
		zap.String("user", identity.ID),
		zap.String("remote", remote))

	go conn.WritePump()
	conn.ReadPump(func(payload []byte) { rt.Dispatch(conn, payload) })
}

// Dispatch routes one inbound message through the rate governor, payload
// validation, and the owning engine.
func (rt *Router) Dispatch(conn *realtime.Conn, raw []byte) {
	var inbound Inbound
	if err := json.Unmarshal(raw, &inbound); err != nil || inbound.Type == "" {
		rt.emitError(conn, apperrors.ErrValidation.WithDetails("malformed message"))
		return
	}

	decision := rt.governor.Check(conn.Identity.ID, rateClassFor(inbound.Type))
	if !decision.Allowed {
		rt.emitError(conn, apperrors.ErrRateLimited.WithDetails(retryDetails(decision)))
		return
	}

	switch inbound.Type {
	case "test:start":
		rt.handleTestStart(conn, inbound.Payload)
	case "test:keystroke":
		rt.handleTestKeystroke(conn, inbound.Payload)
	case "test:completed":
		rt.handleTestCompleted(conn, inbound.Payload)
	case "test:leave":
		rt.handleTestLeave(conn, inbound.Payload)
	case "race:create":
		rt.handleRaceCreate(conn, inbound.Payload)
	case "race:join":
		rt.handleRaceJoin(conn, inbound.Payload)
	case "race:spectate":
		rt.handleRaceSpectate(conn, inbound.Payload)
	case "race:leave":
		rt.handleRaceLeave(conn, inbound.Payload)
	case "race:progress":
		rt.handleRaceProgress(conn, inbound.Payload)
	case "race:finish":
		rt.handleRaceFinish(conn, inbound.Payload)
	case "race:message":
		rt.handleRaceMessage(conn, inbound.Payload)
	case "friends:update_status":
		rt.handleFriendsStatus(conn, inbound.Payload)
	case "ping":
		rt.emit(conn, "pong", nil)
	default:
		rt.emitError(conn, apperrors.ErrValidation.WithDetails("unknown event type"))
	}
}

// ScanIdle flags connections without recent inbound activity and logs
// process-wide counts. Invoked by the housekeeping scheduler.
func (rt *Router) ScanIdle() (idle, total int) {
	now := rt.clk.Now()
	for _, conn := range rt.registry.Snapshot() {
		total++
		if now.Sub(conn.LastActivity()) > idleThreshold {
			idle++
		}
	}

	rt.log.Info("liveness scan",
		zap.Int("connections", total),
		zap.Int("idle", idle),
		zap.Int("tests", rt.tests.ActiveCount()),
		zap.Int("races", rt.races.ActiveCount()))
	return idle, total
}

// --- event handlers ---

func (rt *Router) handleTestStart(conn *realtime.Conn, raw json.RawMessage) {
	var p TestStartPayload
	if !rt.decode(conn, raw, &p) {
		return
	}

	joined, appErr := rt.tests.Start(context.Background(), conn.Identity, typing.StartInput{
		Mode:       p.Mode,
		Duration:   p.Duration,
		WordCount:  p.WordCount,
		WordListID: p.WordListID,
		Language:   p.Language,
	})
	if appErr != nil {
		rt.emitError(conn, appErr)
		return
	}

	rt.hub.Subscribe(realtime.TestRoom(joined.TestID), conn)
	rt.emit(conn, "test:joined", joined)
}

func (rt *Router) handleTestKeystroke(conn *realtime.Conn, raw json.RawMessage) {
	var p TestKeystrokePayload
	if !rt.decode(conn, raw, &p) {
		return
	}

	appErr := rt.tests.Keystroke(conn.Identity, typing.KeystrokeInput{
		TestID:      p.TestID,
		TimestampMs: p.Timestamp,
		Key:         p.Key,
		Correct:     p.Correct != nil && *p.Correct,
		Position:    p.Position,
	})
	if appErr != nil {
		rt.emitError(conn, appErr)
	}
}

func (rt *Router) handleTestCompleted(conn *realtime.Conn, raw json.RawMessage) {
	var p TestCompletedPayload
	if !rt.decode(conn, raw, &p) {
		return
	}

	if appErr := rt.tests.Complete(conn.Identity, p.TestID); appErr != nil {
		rt.emitError(conn, appErr)
	}
}

func (rt *Router) handleTestLeave(conn *realtime.Conn, raw json.RawMessage) {
	var p TestLeavePayload
	if !rt.decode(conn, raw, &p) {
		return
	}

	appErr := rt.tests.Leave(conn.Identity, p.TestID)
	rt.hub.Unsubscribe(realtime.TestRoom(p.TestID), conn)
	if appErr != nil {
		rt.emitError(conn, appErr)
	}
}

func (rt *Router) handleRaceCreate(conn *realtime.Conn, raw json.RawMessage) {
	var p RaceCreatePayload
	if !rt.decode(conn, raw, &p) {
		return
	}

	if current := conn.CurrentRace(); current != "" {
		rt.emitError(conn, apperrors.ErrValidation.WithDetails("already in a race"))
		return
	}

	view, appErr := rt.races.Create(context.Background(), conn.Identity, race.CreateInput{
		Name:       p.Name,
		Mode:       p.Mode,
		Duration:   p.Duration,
		WordCount:  p.WordCount,
		MaxPlayers: p.MaxPlayers,
		WordListID: p.WordListID,
		Language:   p.Language,
		Private:    p.IsPrivate,
	})
	if appErr != nil {
		rt.emitError(conn, appErr)
		return
	}

	conn.JoinRace(view.RaceID)
	rt.hub.Subscribe(realtime.RaceRoom(view.RaceID), conn)
	rt.emit(conn, "race:created", view)
}

func (rt *Router) handleRaceJoin(conn *realtime.Conn, raw json.RawMessage) {
	var p RaceJoinPayload
	if !rt.decode(conn, raw, &p) {
		return
	}

	if !conn.JoinRace(p.RaceID) {
		rt.emitError(conn, apperrors.ErrValidation.WithDetails("already in a race"))
		return
	}

	view, appErr := rt.races.Join(conn.Identity, p.RaceID)
	if appErr != nil {
		conn.LeaveRace(p.RaceID)
		rt.emitError(conn, appErr)
		return
	}

	rt.hub.Subscribe(realtime.RaceRoom(p.RaceID), conn)
	rt.emit(conn, "race:joined", view)
}

func (rt *Router) handleRaceSpectate(conn *realtime.Conn, raw json.RawMessage) {
	var p RaceJoinPayload
	if !rt.decode(conn, raw, &p) {
		return
	}

	if !rt.races.AllowSpectators() {
		rt.emitError(conn, apperrors.ErrAuthForbidden)
		return
	}

	r, ok := rt.races.Get(p.RaceID)
	if !ok {
		rt.emitError(conn, apperrors.ErrRaceNotFound)
		return
	}

	rt.hub.Subscribe(realtime.RaceRoom(r.ID), conn)
	rt.emit(conn, "race:joined", map[string]any{
		"raceId":    r.ID,
		"spectator": true,
		"status":    string(r.State()),
		"players":   r.RosterSnapshot(),
	})
}

func (rt *Router) handleRaceLeave(conn *realtime.Conn, raw json.RawMessage) {
	var p RaceJoinPayload
	if !rt.decode(conn, raw, &p) {
		return
	}

	appErr := rt.races.Leave(conn.Identity, p.RaceID)
	conn.LeaveRace(p.RaceID)
	rt.hub.Unsubscribe(realtime.RaceRoom(p.RaceID), conn)
	if appErr != nil {
		rt.emitError(conn, appErr)
	}
}

func (rt *Router) handleRaceProgress(conn *realtime.Conn, raw json.RawMessage) {
	var p RaceProgressPayload
	if !rt.decode(conn, raw, &p) {
		return
	}

	appErr := rt.races.UpdateProgress(conn.Identity, race.ProgressInput{
		RaceID:   p.RaceID,
		Position: p.Position,
		WPM:      p.WPM,
		Accuracy: p.Accuracy,
		Errors:   p.Errors,
		Finished: p.IsFinished,
	})
	if appErr != nil {
		rt.emitError(conn, appErr)
	}
}

func (rt *Router) handleRaceFinish(conn *realtime.Conn, raw json.RawMessage) {
	var p RaceFinishPayload
	if !rt.decode(conn, raw, &p) {
		return
	}

	appErr := rt.races.Finish(conn.Identity, p.RaceID, race.FinalStats{
		WPM:          p.FinalStats.WPM,
		Accuracy:     p.FinalStats.Accuracy,
		Errors:       p.FinalStats.Errors,
		FinishTimeMs: p.FinalStats.FinishTime,
	})
	if appErr != nil {
		rt.emitError(conn, appErr)
	}
}

func (rt *Router) handleRaceMessage(conn *realtime.Conn, raw json.RawMessage) {
	var p RaceMessagePayload
	if !rt.decode(conn, raw, &p) {
		return
	}

	if appErr := rt.races.Message(conn.Identity, p.RaceID, p.Message); appErr != nil {
		rt.emitError(conn, appErr)
	}
}

func (rt *Router) handleFriendsStatus(conn *realtime.Conn, raw json.RawMessage) {
	var p FriendsStatusPayload
	if !rt.decode(conn, raw, &p) {
		return
	}

	conn.SetPresence(realtime.Presence(p.Status))
	rt.presence.AnnounceStatus(context.Background(), conn, p.Status, p.Activity)
}

// --- plumbing ---

func (rt *Router) authenticate(c *gin.Context) (*auth.Identity, *apperrors.AppError) {
	token := strings.TrimSpace(c.Query("token"))
	if token == "" {
		token = strings.TrimSpace(c.Query("access_token"))
	}
	if token == "" {
		authz := c.GetHeader("Authorization")
		if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			token = strings.TrimSpace(authz[7:])
		}
	}

	identity, err := rt.verifier.Verify(token)
	if err != nil {
		return nil, apperrors.FromError(err)
	}
	return identity, nil
}

// handleClose tears down engine state tied to a departing connection.
func (rt *Router) handleClose(conn *realtime.Conn, closeErr *apperrors.AppError) {
	rt.registry.Unregister(conn.ID)
	rt.hub.UnsubscribeAll(conn)

	if raceID := conn.CurrentRace(); raceID != "" {
		_ = rt.races.Leave(conn.Identity, raceID)
	}

	if !rt.registry.IsOnline(conn.Identity.ID) {
		rt.tests.HandleDisconnect(conn.Identity)
		rt.presence.AnnounceOffline(context.Background(), conn)
	}

	if closeErr != nil {
		rt.log.Info("connection closed",
			zap.String("conn", conn.ID),
			zap.String("kind", closeErr.Kind))
	}
}

func (rt *Router) decode(conn *realtime.Conn, raw json.RawMessage, v any) bool {
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, v); err != nil {
			rt.emitError(conn, apperrors.ErrValidation.WithDetails("malformed payload"))
			return false
		}
	}

	if err := validator.ValidateStruct(v); err != nil {
		rt.emitError(conn, apperrors.ErrValidation.WithDetails(err.Error()))
		return false
	}
	return true
}

func (rt *Router) emit(conn *realtime.Conn, eventType string, payload any) {
	conn.Enqueue(wire.Event(eventType, payload, rt.clk.Now()), false)
}

func (rt *Router) emitError(conn *realtime.Conn, appErr *apperrors.AppError) {
	conn.Enqueue(wire.Error(appErr, rt.clk.Now()), false)
}

func (rt *Router) rejectHTTP(c *gin.Context, status int, appErr *apperrors.AppError) {
	c.JSON(status, gin.H{
		"error": wire.ErrorPayload{
			Code:      appErr.Code,
			Kind:      appErr.Kind,
			Message:   appErr.Message,
			Details:   appErr.Details,
			Timestamp: rt.clk.Now(),
		},
	})
}

func retryDetails(d ratelimit.Decision) map[string]any {
	return map[string]any{"retryAfterMs": d.RetryAfter.Milliseconds()}
}

func hostWithoutPort(host string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		return ""
	}

	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		parsed, err := http.NewRequest(http.MethodGet, host, nil)
		if err == nil {
			return hostWithoutPort(parsed.URL.Host)
		}
	}

	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func isLoopback(host string) bool {
	ip := net.ParseIP(host)
	if ip != nil {
		return ip.IsLoopback()
	}
	return strings.EqualFold(host, "localhost")
}
