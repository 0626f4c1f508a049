package friends

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/typerush/typerush/internal/realtime"
	"github.com/typerush/typerush/pkg/logger"
)

const lookupTimeout = 3 * time.Second

// PresencePayload is carried by friend:online and friend:offline events.
type PresencePayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Status   string `json:"status,omitempty"`
	Activity string `json:"activity,omitempty"`
}

// Notifier fans presence changes out to the personal rooms of online friends.
type Notifier struct {
	graph    Graph
	registry *realtime.Registry
	hub      *realtime.Hub
	log      *zap.Logger
}

// NewNotifier constructs a presence notifier.
func NewNotifier(graph Graph, registry *realtime.Registry, hub *realtime.Hub) *Notifier {
	return &Notifier{
		graph:    graph,
		registry: registry,
		hub:      hub,
		log:      logger.WithModule("presence"),
	}
}

// AnnounceOnline tells online friends that the connection's identity came
// online. Invisible connections announce nothing.
func (n *Notifier) AnnounceOnline(ctx context.Context, c *realtime.Conn) {
	if c.Status() == realtime.PresenceInvisible {
		return
	}
	n.announce(ctx, c, "friend:online", string(c.Status()), "")
}

// AnnounceOffline tells online friends that the identity's last connection
// went away.
func (n *Notifier) AnnounceOffline(ctx context.Context, c *realtime.Conn) {
	if n.registry.IsOnline(c.Identity.ID) {
		// Another connection for the same identity is still up.
		return
	}
	n.announce(ctx, c, "friend:offline", "", "")
}

// AnnounceStatus fans a user-driven status change out to friends. Switching
// to invisible is announced as going offline.
func (n *Notifier) AnnounceStatus(ctx context.Context, c *realtime.Conn, status, activity string) {
	if status == string(realtime.PresenceInvisible) {
		n.announce(ctx, c, "friend:offline", "", "")
		return
	}
	n.announce(ctx, c, "friend:online", status, activity)
}

func (n *Notifier) announce(ctx context.Context, c *realtime.Conn, event, status, activity string) {
	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	friends, err := n.graph.FriendsOf(ctx, c.Identity.ID)
	if err != nil {
		n.log.Warn("friend lookup failed", zap.String("user", c.Identity.ID), zap.Error(err))
		return
	}

	payload := PresencePayload{
		UserID:   c.Identity.ID,
		Username: c.Identity.Username,
		Status:   status,
		Activity: activity,
	}

	for _, friendID := range friends {
		if !n.registry.IsOnline(friendID) {
			continue
		}
		n.hub.Publish(realtime.UserRoom(friendID), event, payload, false)
	}
}
