package router

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/typerush/typerush/internal/auth"
	"github.com/typerush/typerush/internal/clock"
	"github.com/typerush/typerush/internal/friends"
	"github.com/typerush/typerush/internal/race"
	"github.com/typerush/typerush/internal/ratelimit"
	"github.com/typerush/typerush/internal/realtime"
	"github.com/typerush/typerush/internal/results"
	"github.com/typerush/typerush/internal/typing"
	"github.com/typerush/typerush/internal/words"
	"github.com/typerush/typerush/pkg/wire"
)

type routerFixture struct {
	router   *Router
	registry *realtime.Registry
	hub      *realtime.Hub
	sink     *results.MemorySink
	tests    *typing.Engine
	races    *race.Engine
	clk      *clock.Manual
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()

	clk := clock.NewManual(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	hub := realtime.NewHub(realtime.WithHubClock(clk.Now))
	registry := realtime.NewRegistry()
	governor := ratelimit.NewGovernor(ratelimit.WithClock(clk.Now))
	sink := results.NewMemorySink()
	queue := results.NewRetryQueue(sink, []time.Duration{time.Millisecond})
	source := words.NewStaticSource(7)
	graph := friends.NewStaticGraph()
	presence := friends.NewNotifier(graph, registry, hub)

	verifier, err := auth.NewVerifier(auth.VerifierConfig{
		Secret: "test-secret",
		Issuer: "typerush",
		Clock:  clk.Now,
	})
	require.NoError(t, err)

	tests := typing.NewEngine(typing.Config{}, hub, source, queue, clk)
	races := race.NewEngine(race.Config{AllowSpectators: true}, hub, source, queue, clk, 3)

	return &routerFixture{
		router:   NewRouter(Config{}, verifier, registry, hub, governor, tests, races, presence, clk),
		registry: registry,
		hub:      hub,
		sink:     sink,
		tests:    tests,
		races:    races,
		clk:      clk,
	}
}

func (f *routerFixture) connect(connID, userID string) *realtime.Conn {
	c := realtime.NewConn(realtime.ConnOptions{
		ID:       connID,
		Identity: auth.Identity{ID: userID, Username: "u-" + userID, Role: auth.RoleUser},
		Clock:    f.clk.Now,
		OnClose:  f.router.handleClose,
	})
	f.registry.Register(c)
	f.hub.Subscribe(realtime.UserRoom(userID), c)
	return c
}

func (f *routerFixture) send(t *testing.T, c *realtime.Conn, eventType string, payload any) {
	t.Helper()

	msg := map[string]any{"type": eventType}
	if payload != nil {
		msg["payload"] = payload
	}
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	f.router.Dispatch(c, data)
}

func drain(t *testing.T, c *realtime.Conn) []wire.Envelope {
	t.Helper()

	var out []wire.Envelope
	for _, data := range c.Pending() {
		var env wire.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		out = append(out, env)
	}
	return out
}

func lastOfType(envs []wire.Envelope, eventType string) (wire.Envelope, bool) {
	for i := len(envs) - 1; i >= 0; i-- {
		if envs[i].Type == eventType {
			return envs[i], true
		}
	}
	return wire.Envelope{}, false
}

func errorCodes(t *testing.T, envs []wire.Envelope) []int {
	t.Helper()

	var codes []int
	for _, env := range envs {
		if env.Type != "error" {
			continue
		}
		payload, ok := env.Payload.(map[string]any)
		require.True(t, ok)
		codes = append(codes, int(payload["code"].(float64)))
	}
	return codes
}

func TestMalformedMessageYieldsValidationError(t *testing.T) {
	f := newRouterFixture(t)
	c := f.connect("conn-1", "user-1")

	f.router.Dispatch(c, []byte("{not json"))
	f.router.Dispatch(c, []byte(`{"payload":{}}`))

	codes := errorCodes(t, drain(t, c))
	require.Equal(t, []int{4002, 4002}, codes)
}

func TestUnknownEventYieldsValidationError(t *testing.T) {
	f := newRouterFixture(t)
	c := f.connect("conn-1", "user-1")

	f.send(t, c, "lobby:dance", nil)
	codes := errorCodes(t, drain(t, c))
	require.Equal(t, []int{4002}, codes)
}

func TestPingPong(t *testing.T) {
	f := newRouterFixture(t)
	c := f.connect("conn-1", "user-1")

	f.send(t, c, "ping", nil)

	envs := drain(t, c)
	require.Len(t, envs, 1)
	require.Equal(t, "pong", envs[0].Type)
}

func TestTestStartFlow(t *testing.T) {
	f := newRouterFixture(t)
	c := f.connect("conn-1", "user-1")

	f.send(t, c, "test:start", map[string]any{"mode": "time", "duration": 15})

	envs := drain(t, c)
	joined, ok := lastOfType(envs, "test:joined")
	require.True(t, ok)

	payload := joined.Payload.(map[string]any)
	testID := payload["testId"].(string)
	require.NotEmpty(t, testID)
	require.Len(t, payload["words"].([]any), 45)

	// The starting connection is subscribed to the test room.
	require.True(t, f.hub.IsSubscribed(realtime.TestRoom(testID), c))
}

func TestTestStartValidation(t *testing.T) {
	f := newRouterFixture(t)
	c := f.connect("conn-1", "user-1")

	f.send(t, c, "test:start", map[string]any{"mode": "sideways"})
	codes := errorCodes(t, drain(t, c))
	require.Equal(t, []int{4002}, codes)
}

// Rate limit trip: twenty-five keystrokes inside one second leave exactly
// twenty in the log; the rest bounce with retry-after details.
func TestKeystrokeRateLimitTrip(t *testing.T) {
	f := newRouterFixture(t)
	c := f.connect("conn-1", "user-1")

	f.send(t, c, "test:start", map[string]any{"mode": "time", "duration": 15})
	envs := drain(t, c)
	joined, ok := lastOfType(envs, "test:joined")
	require.True(t, ok)
	testID := joined.Payload.(map[string]any)["testId"].(string)
	text := joined.Payload.(map[string]any)["text"].(string)

	for i := 0; i < 25; i++ {
		f.send(t, c, "test:keystroke", map[string]any{
			"testId":    testID,
			"timestamp": i * 10,
			"key":       string(text[i]),
			"correct":   true,
			"position":  i,
		})
	}

	codes := errorCodes(t, drain(t, c))
	require.Len(t, codes, 5)
	for _, code := range codes {
		require.Equal(t, 4001, code)
	}

	session, ok := f.tests.Get(testID)
	require.True(t, ok)
	require.Equal(t, 20, session.KeystrokeCount())
}

func TestRateLimitCarriesRetryAfter(t *testing.T) {
	f := newRouterFixture(t)
	c := f.connect("conn-1", "user-1")

	for i := 0; i < 6; i++ {
		f.send(t, c, "race:message", map[string]any{"raceId": "ghost", "message": "hi"})
	}

	envs := drain(t, c)
	last := envs[len(envs)-1]
	require.Equal(t, "error", last.Type)

	payload := last.Payload.(map[string]any)
	require.EqualValues(t, 4001, payload["code"])
	details := payload["details"].(map[string]any)
	require.Greater(t, details["retryAfterMs"].(float64), float64(0))
}

func TestRaceCreateJoinFlow(t *testing.T) {
	f := newRouterFixture(t)
	creator := f.connect("conn-1", "user-1")
	joiner := f.connect("conn-2", "user-2")

	f.send(t, creator, "race:create", map[string]any{
		"name": "league night", "mode": "words", "wordCount": 10, "maxPlayers": 4,
	})

	envs := drain(t, creator)
	created, ok := lastOfType(envs, "race:created")
	require.True(t, ok)
	raceID := created.Payload.(map[string]any)["raceId"].(string)
	require.Equal(t, raceID, creator.CurrentRace())
	require.True(t, f.hub.IsSubscribed(realtime.RaceRoom(raceID), creator))

	f.send(t, joiner, "race:join", map[string]any{"raceId": raceID})

	envs = drain(t, joiner)
	joined, ok := lastOfType(envs, "race:joined")
	require.True(t, ok)
	require.Len(t, joined.Payload.(map[string]any)["players"].([]any), 2)
	require.Equal(t, raceID, joiner.CurrentRace())
}

func TestSecondRaceRejectedPerConnection(t *testing.T) {
	f := newRouterFixture(t)
	c := f.connect("conn-1", "user-1")

	f.send(t, c, "race:create", map[string]any{
		"name": "first", "mode": "words", "wordCount": 10, "maxPlayers": 4,
	})
	f.send(t, c, "race:create", map[string]any{
		"name": "second", "mode": "words", "wordCount": 10, "maxPlayers": 4,
	})

	codes := errorCodes(t, drain(t, c))
	require.Equal(t, []int{4002}, codes)
}

func TestRaceJoinUnknownRolledBack(t *testing.T) {
	f := newRouterFixture(t)
	c := f.connect("conn-1", "user-1")

	f.send(t, c, "race:join", map[string]any{"raceId": "ghost"})

	codes := errorCodes(t, drain(t, c))
	require.Equal(t, []int{2001}, codes)
	require.Empty(t, c.CurrentRace()) // membership marker rolled back
}

func TestRaceLeaveClearsMembership(t *testing.T) {
	f := newRouterFixture(t)
	c := f.connect("conn-1", "user-1")

	f.send(t, c, "race:create", map[string]any{
		"name": "solo", "mode": "words", "wordCount": 10, "maxPlayers": 4,
	})
	envs := drain(t, c)
	created, _ := lastOfType(envs, "race:created")
	raceID := created.Payload.(map[string]any)["raceId"].(string)

	f.send(t, c, "race:leave", map[string]any{"raceId": raceID})
	require.Empty(t, c.CurrentRace())
	require.False(t, f.hub.IsSubscribed(realtime.RaceRoom(raceID), c))
}

func TestSpectateSubscribesWithoutRoster(t *testing.T) {
	f := newRouterFixture(t)
	creator := f.connect("conn-1", "user-1")
	watcher := f.connect("conn-2", "user-2")

	f.send(t, creator, "race:create", map[string]any{
		"name": "derby", "mode": "words", "wordCount": 10, "maxPlayers": 4,
	})
	created, _ := lastOfType(drain(t, creator), "race:created")
	raceID := created.Payload.(map[string]any)["raceId"].(string)

	f.send(t, watcher, "race:spectate", map[string]any{"raceId": raceID})

	envs := drain(t, watcher)
	joined, ok := lastOfType(envs, "race:joined")
	require.True(t, ok)
	require.Equal(t, true, joined.Payload.(map[string]any)["spectator"])
	require.True(t, f.hub.IsSubscribed(realtime.RaceRoom(raceID), watcher))
	require.Empty(t, watcher.CurrentRace())

	// Spectators are not roster members and cannot chat.
	f.send(t, watcher, "race:message", map[string]any{"raceId": raceID, "message": "go!"})
	codes := errorCodes(t, drain(t, watcher))
	require.Equal(t, []int{2005}, codes)
}

func TestFriendsStatusUpdate(t *testing.T) {
	f := newRouterFixture(t)
	c := f.connect("conn-1", "user-1")

	f.send(t, c, "friends:update_status", map[string]any{"status": "away"})
	require.Equal(t, realtime.PresenceAway, c.Status())

	f.send(t, c, "friends:update_status", map[string]any{"status": "sleeping"})
	codes := errorCodes(t, drain(t, c))
	require.Equal(t, []int{4002}, codes)
}

func TestHandleCloseLeavesRace(t *testing.T) {
	f := newRouterFixture(t)
	creator := f.connect("conn-1", "user-1")

	f.send(t, creator, "race:create", map[string]any{
		"name": "fragile", "mode": "words", "wordCount": 10, "maxPlayers": 4,
	})
	created, _ := lastOfType(drain(t, creator), "race:created")
	raceID := created.Payload.(map[string]any)["raceId"].(string)

	creator.Close()

	r, ok := f.races.Get(raceID)
	require.True(t, ok)
	require.Equal(t, race.StatusCancelled, r.State())
	require.False(t, f.registry.IsOnline("user-1"))
}

func TestScanIdleCountsQuietConnections(t *testing.T) {
	f := newRouterFixture(t)
	f.connect("conn-1", "user-1")
	busy := f.connect("conn-2", "user-2")

	f.clk.Advance(6 * time.Minute)
	busy.Touch()

	idle, total := f.router.ScanIdle()
	require.Equal(t, 2, total)
	require.Equal(t, 1, idle)
}

