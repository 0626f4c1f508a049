package friends

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/typerush/typerush/internal/auth"
	"github.com/typerush/typerush/internal/clock"
	"github.com/typerush/typerush/internal/realtime"
	"github.com/typerush/typerush/pkg/wire"
)

type presenceFixture struct {
	graph    *StaticGraph
	registry *realtime.Registry
	hub      *realtime.Hub
	notifier *Notifier
	clk      *clock.Manual
}

func newPresenceFixture(t *testing.T) *presenceFixture {
	t.Helper()

	clk := clock.NewManual(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	graph := NewStaticGraph()
	registry := realtime.NewRegistry()
	hub := realtime.NewHub(realtime.WithHubClock(clk.Now))

	return &presenceFixture{
		graph:    graph,
		registry: registry,
		hub:      hub,
		notifier: NewNotifier(graph, registry, hub),
		clk:      clk,
	}
}

func (f *presenceFixture) connect(connID, userID string) *realtime.Conn {
	c := realtime.NewConn(realtime.ConnOptions{
		ID:       connID,
		Identity: auth.Identity{ID: userID, Username: "u-" + userID},
		Clock:    f.clk.Now,
	})
	f.registry.Register(c)
	f.hub.Subscribe(realtime.UserRoom(userID), c)
	return c
}

func eventTypes(t *testing.T, c *realtime.Conn) []string {
	t.Helper()

	var types []string
	for _, data := range c.Pending() {
		var env wire.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		types = append(types, env.Type)
	}
	return types
}

func TestAnnounceOnlineReachesOnlineFriends(t *testing.T) {
	f := newPresenceFixture(t)
	f.graph.Link("alice", "bob")
	f.graph.Link("alice", "carol")

	bobConn := f.connect("conn-bob", "bob")
	aliceConn := f.connect("conn-alice", "alice")
	// carol is offline; nothing should be queued anywhere for her.

	f.notifier.AnnounceOnline(context.Background(), aliceConn)

	require.Equal(t, []string{"friend:online"}, eventTypes(t, bobConn))
	require.Empty(t, eventTypes(t, aliceConn))
}

func TestInvisibleConnectionsAnnounceNothing(t *testing.T) {
	f := newPresenceFixture(t)
	f.graph.Link("alice", "bob")

	bobConn := f.connect("conn-bob", "bob")
	aliceConn := f.connect("conn-alice", "alice")
	aliceConn.SetPresence(realtime.PresenceInvisible)

	f.notifier.AnnounceOnline(context.Background(), aliceConn)
	require.Empty(t, eventTypes(t, bobConn))
}

func TestAnnounceOfflineSkippedWhileOtherConnectionsRemain(t *testing.T) {
	f := newPresenceFixture(t)
	f.graph.Link("alice", "bob")

	bobConn := f.connect("conn-bob", "bob")
	first := f.connect("conn-alice-1", "alice")
	f.connect("conn-alice-2", "alice")

	// First connection goes away but alice is still online elsewhere.
	f.registry.Unregister(first.ID)
	f.notifier.AnnounceOffline(context.Background(), first)
	require.Empty(t, eventTypes(t, bobConn))
}

func TestAnnounceOfflineOnLastConnection(t *testing.T) {
	f := newPresenceFixture(t)
	f.graph.Link("alice", "bob")

	bobConn := f.connect("conn-bob", "bob")
	aliceConn := f.connect("conn-alice", "alice")

	f.registry.Unregister(aliceConn.ID)
	f.notifier.AnnounceOffline(context.Background(), aliceConn)
	require.Equal(t, []string{"friend:offline"}, eventTypes(t, bobConn))
}

func TestStatusChangeToInvisibleReadsAsOffline(t *testing.T) {
	f := newPresenceFixture(t)
	f.graph.Link("alice", "bob")

	bobConn := f.connect("conn-bob", "bob")
	aliceConn := f.connect("conn-alice", "alice")

	f.notifier.AnnounceStatus(context.Background(), aliceConn, "invisible", "")
	require.Equal(t, []string{"friend:offline"}, eventTypes(t, bobConn))

	f.notifier.AnnounceStatus(context.Background(), aliceConn, "busy", "racing")
	require.Equal(t, []string{"friend:offline", "friend:online"}, eventTypes(t, bobConn))
}
