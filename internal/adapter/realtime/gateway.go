// Package realtime is the websocket gateway of the social plane: one
// long-lived connection per client, JSON frames, user channels bridged
// from Redis pub/sub, and process-local post rooms for typing events.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/quizdom-app/backend/internal/adapter/cache"
	"github.com/quizdom-app/backend/internal/adapter/feed"
	"github.com/quizdom-app/backend/internal/adapter/httpserver/auth"
	"github.com/quizdom-app/backend/internal/adapter/notify"
	"github.com/quizdom-app/backend/internal/adapter/observability"
)

const (
	pingInterval  = 10 * time.Second
	pongWait      = 30 * time.Second
	writeWait     = 10 * time.Second
	maxFrameBytes = 64 << 10
	sendBuffer    = 256

	// Inbound frame throttle per connection; typing storms stay under
	// this, abuse does not.
	inboundRate  = rate.Limit(20)
	inboundBurst = 40
)

// frame is the wire shape in both directions.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func marshalFrame(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(frame{Event: event, Data: raw})
}

// Gateway upgrades authenticated requests and multiplexes many
// connections over shared Redis subscriptions and local rooms.
type Gateway struct {
	rdb    *redis.Client
	keys   cache.Keys
	store  *feed.Store
	plane  *notify.Plane
	logger *slog.Logger

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
	rooms   map[string]map[*client]struct{}
}

// NewGateway wires the gateway on the shared cache substrate. logger
// may be nil.
func NewGateway(c *cache.Cache, store *feed.Store, plane *notify.Plane, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		rdb:    c.Client(),
		keys:   c.Keys(),
		store:  store,
		plane:  plane,
		logger: logger.With(slog.String("component", "realtime")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Cross-origin policy is enforced by the CORS middleware in
			// front of the upgrade.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
		rooms:   make(map[string]map[*client]struct{}),
	}
}

// ServeHTTP upgrades the connection. It must be mounted behind the
// token verify middleware: unauthenticated requests never upgrade.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the response
		g.logger.Warn("websocket upgrade failed",
			slog.String("client", r.RemoteAddr),
			slog.Any("error", err))
		return
	}

	c := &client{
		g:        g,
		conn:     conn,
		userID:   claims.UserID,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
		channels: make(map[string]struct{}),
		joined:   make(map[string]struct{}),
		limiter:  rate.NewLimiter(inboundRate, inboundBurst),
	}

	g.mu.Lock()
	g.clients[c] = struct{}{}
	g.mu.Unlock()
	observability.WSConnections.Inc()
	g.logger.Info("websocket attached", slog.String("user_id", c.userID))

	go c.writePump()
	go c.readPump()
}

// ClientCount returns the number of attached connections.
func (g *Gateway) ClientCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.clients)
}

// Close tears down every connection; used on server shutdown.
func (g *Gateway) Close() {
	g.mu.RLock()
	cs := make([]*client, 0, len(g.clients))
	for c := range g.clients {
		cs = append(cs, c)
	}
	g.mu.RUnlock()
	for _, c := range cs {
		c.teardown()
	}
}

func (g *Gateway) joinRoom(postID string, c *client) {
	g.mu.Lock()
	defer g.mu.Unlock()
	room, ok := g.rooms[postID]
	if !ok {
		room = make(map[*client]struct{})
		g.rooms[postID] = room
	}
	room[c] = struct{}{}
}

func (g *Gateway) leaveRoom(postID string, c *client) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if room, ok := g.rooms[postID]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(g.rooms, postID)
		}
	}
}

// broadcastRoom sends raw to every room member except the sender.
func (g *Gateway) broadcastRoom(postID string, sender *client, raw []byte) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for member := range g.rooms[postID] {
		if member != sender {
			member.trySend(raw)
		}
	}
}

// client is one attached websocket. The write pump owns all socket
// writes; every other goroutine goes through the send channel.
type client struct {
	g      *Gateway
	conn   *websocket.Conn
	userID string

	send chan []byte
	done chan struct{}
	once sync.Once

	mu       sync.Mutex
	pubsub   *redis.PubSub
	channels map[string]struct{}
	joined   map[string]struct{}

	limiter *rate.Limiter
}

func (c *client) teardown() {
	c.once.Do(func() {
		close(c.done)

		c.mu.Lock()
		ps := c.pubsub
		c.pubsub = nil
		rooms := make([]string, 0, len(c.joined))
		for id := range c.joined {
			rooms = append(rooms, id)
		}
		c.mu.Unlock()

		if ps != nil {
			_ = ps.Close()
		}
		for _, id := range rooms {
			c.g.leaveRoom(id, c)
		}
		_ = c.conn.Close()

		c.g.mu.Lock()
		delete(c.g.clients, c)
		c.g.mu.Unlock()
		observability.WSConnections.Dec()
		c.g.logger.Info("websocket detached", slog.String("user_id", c.userID))
	})
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case raw := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				c.teardown()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.teardown()
				return
			}
		}
	}
}

func (c *client) readPump() {
	defer c.teardown()
	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.g.logger.Warn("websocket read failed",
					slog.String("user_id", c.userID),
					slog.Any("error", err))
			}
			return
		}
		if !c.limiter.Allow() {
			c.sendError("rate limit exceeded")
			continue
		}
		c.handleFrame(context.Background(), raw)
	}
}

func (c *client) handleFrame(ctx context.Context, raw []byte) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil || f.Event == "" {
		c.sendError("malformed frame")
		return
	}
	observability.WSEventsTotal.WithLabelValues(f.Event, "in").Inc()

	switch f.Event {
	case "join-user-channel":
		c.joinUserChannel(ctx, f.Data)
	case "leave-user-channel":
		c.unsubscribe(c.g.keys.FeedChannel(c.userID))
	case "join-post":
		c.joinPost(f.Data)
	case "leave-post":
		c.leavePost(f.Data)
	case "typing-start":
		c.typing(f.Data, "user-typing")
	case "typing-stop":
		c.typing(f.Data, "user-stopped-typing")
	case "post-created":
		c.postCreated(ctx, f.Data)
	default:
		c.sendError(fmt.Sprintf("unknown event %q", f.Event))
	}
}

// joinUserChannel subscribes the connection to the caller's own user
// channel and replies with the current unread count. Joining another
// user's channel is refused regardless of payload.
func (c *client) joinUserChannel(ctx context.Context, data json.RawMessage) {
	var d struct {
		UserID string `json:"userId"`
	}
	_ = json.Unmarshal(data, &d)
	if d.UserID == "" || d.UserID != c.userID {
		c.sendError("cannot join another user's channel")
		return
	}
	if err := c.subscribe(c.g.keys.FeedChannel(d.UserID)); err != nil {
		c.sendError("subscribe failed")
		return
	}
	c.sendEvent("joined-channel", map[string]string{"userId": d.UserID})

	count, err := c.g.plane.UnreadCount(ctx, d.UserID)
	if err != nil {
		c.g.logger.Warn("unread count unavailable",
			slog.String("user_id", d.UserID),
			slog.Any("error", err))
		return
	}
	c.sendEvent("unread-count", map[string]int{"count": count})
}

func (c *client) joinPost(data json.RawMessage) {
	var d struct {
		PostID string `json:"postId"`
	}
	_ = json.Unmarshal(data, &d)
	if d.PostID == "" {
		c.sendError("postId required")
		return
	}
	c.g.joinRoom(d.PostID, c)
	c.mu.Lock()
	c.joined[d.PostID] = struct{}{}
	c.mu.Unlock()
	if err := c.subscribe(c.g.keys.PostChannel(d.PostID)); err != nil {
		c.sendError("subscribe failed")
	}
}

func (c *client) leavePost(data json.RawMessage) {
	var d struct {
		PostID string `json:"postId"`
	}
	_ = json.Unmarshal(data, &d)
	if d.PostID == "" {
		return
	}
	c.g.leaveRoom(d.PostID, c)
	c.mu.Lock()
	delete(c.joined, d.PostID)
	c.mu.Unlock()
	c.unsubscribe(c.g.keys.PostChannel(d.PostID))
}

// typing relays a typing signal to everyone else in the post room.
// Rooms are process-local; typing is lossy across instances and that
// is accepted.
func (c *client) typing(data json.RawMessage, event string) {
	var d struct {
		PostID      string `json:"postId"`
		DisplayName string `json:"displayName"`
	}
	_ = json.Unmarshal(data, &d)
	if d.PostID == "" {
		return
	}
	raw, err := marshalFrame(event, map[string]string{
		"postId":      d.PostID,
		"userId":      c.userID,
		"displayName": d.DisplayName,
	})
	if err != nil {
		return
	}
	observability.WSEventsTotal.WithLabelValues(event, "out").Inc()
	c.g.broadcastRoom(d.PostID, c, raw)
}

// postCreated pushes a new-post frame to every follower channel. The
// authoritative path is the HTTP route plus fanout worker; this only
// serves clients that already hold the post data.
func (c *client) postCreated(ctx context.Context, data json.RawMessage) {
	var d struct {
		AuthorID string `json:"authorId"`
	}
	_ = json.Unmarshal(data, &d)
	if d.AuthorID != c.userID {
		c.sendError("cannot publish for another user")
		return
	}
	followers, err := c.g.store.FollowerIDs(ctx, c.userID)
	if err != nil {
		c.sendError("follower lookup failed")
		return
	}
	c.g.store.PublishFeedUpdates(ctx, followers, frame{Event: "new-post", Data: data})
}

// subscribe attaches channels to the connection's pub/sub link,
// creating it on first use. The forwarder goroutine lives until the
// link closes at teardown.
func (c *client) subscribe(channels ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return nil
	default:
	}
	if c.pubsub == nil {
		c.pubsub = c.g.rdb.Subscribe(context.Background(), channels...)
		go c.forward(c.pubsub)
	} else if err := c.pubsub.Subscribe(context.Background(), channels...); err != nil {
		return err
	}
	for _, ch := range channels {
		c.channels[ch] = struct{}{}
	}
	return nil
}

func (c *client) unsubscribe(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.channels[channel]; !ok {
		return
	}
	delete(c.channels, channel)
	if c.pubsub != nil {
		if err := c.pubsub.Unsubscribe(context.Background(), channel); err != nil {
			c.g.logger.Warn("unsubscribe failed",
				slog.String("channel", channel),
				slog.Any("error", err))
		}
	}
}

// forward bridges pub/sub messages onto the socket. Published payloads
// are already complete frames; they pass through untouched, preserving
// per-channel publish order.
func (c *client) forward(ps *redis.PubSub) {
	for msg := range ps.Channel() {
		observability.WSEventsTotal.WithLabelValues("channel-forward", "out").Inc()
		c.trySend([]byte(msg.Payload))
	}
}

// trySend never blocks: a slow consumer loses frames instead of
// stalling publishers or room broadcasts.
func (c *client) trySend(raw []byte) {
	select {
	case c.send <- raw:
	default:
		observability.WSEventsTotal.WithLabelValues("dropped", "out").Inc()
	}
}

func (c *client) sendEvent(event string, data any) {
	raw, err := marshalFrame(event, data)
	if err != nil {
		return
	}
	observability.WSEventsTotal.WithLabelValues(event, "out").Inc()
	c.trySend(raw)
}

func (c *client) sendError(msg string) {
	c.sendEvent("error", map[string]string{"message": msg})
}
