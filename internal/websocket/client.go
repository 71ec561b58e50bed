package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/blitzboard/blitzboard/internal/domain"
)

const (
	// writeTimeout bounds a single frame write and a snapshot lookup
	writeTimeout = 10 * time.Second

	// idleTimeout is how long a connection may go without a pong
	idleTimeout = 60 * time.Second

	keepAliveInterval = idleTimeout * 9 / 10

	maxRequestBytes = 4096
	sendBufferSize  = 256

	// MaxSubscriptions caps the games one connection may watch
	MaxSubscriptions = 32

	// DefaultSnapshotSize is the number of entries sent on subscribe when
	// the request does not ask for a limit
	DefaultSnapshotSize = 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Snapshotter supplies the top of a leaderboard to new subscribers
type Snapshotter interface {
	GetTopN(ctx context.Context, gameID string, n int) ([]domain.LeaderboardEntry, error)
}

// Request is a control frame sent by a subscriber. GameID and GameIDs may
// be combined; Limit sizes the snapshot returned by subscribe.
type Request struct {
	Type    string   `json:"type"`
	GameID  string   `json:"game_id,omitempty"`
	GameIDs []string `json:"game_ids,omitempty"`
	Limit   int      `json:"limit,omitempty"`
}

// games lists the distinct non-empty game IDs named by the request
func (r Request) games() []string {
	seen := make(map[string]bool, len(r.GameIDs)+1)
	var games []string
	for _, id := range append([]string{r.GameID}, r.GameIDs...) {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		games = append(games, id)
	}
	return games
}

// Client is one WebSocket connection. The read loop owns watching; the hub
// owns send and closes it on unregister.
type Client struct {
	id       string
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	boards   Snapshotter
	watching map[string]struct{}
	logger   *slog.Logger
}

// NewClient wraps an upgraded connection. boards may be nil, in which case
// subscribers get no snapshot.
func NewClient(hub *Hub, conn *websocket.Conn, boards Snapshotter, logger *slog.Logger) *Client {
	id := uuid.NewString()
	return &Client{
		id:       id,
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		boards:   boards,
		watching: make(map[string]struct{}),
		logger:   logger.With("client_id", id),
	}
}

// listen decodes requests until the connection fails, then unregisters
func (c *Client) listen() {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxRequestBytes)
	c.conn.SetReadDeadline(time.Now().Add(idleTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(idleTimeout))
	})

	for {
		_, frame, err := c.conn.NextReader()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket closed unexpectedly", "error", err)
			}
			return
		}

		var req Request
		if err := json.NewDecoder(frame).Decode(&req); err != nil {
			c.logger.Debug("malformed websocket request", "error", err)
			c.deliver(failure("invalid message format"))
			continue
		}
		for _, reply := range c.handle(ctx, req) {
			c.deliver(reply)
		}
	}
}

// handle applies one request and returns the replies for it
func (c *Client) handle(ctx context.Context, req Request) []Message {
	switch req.Type {
	case MessageTypeSubscribe:
		games := req.games()
		if len(games) == 0 {
			return []Message{failure("game_id required for subscribe")}
		}
		var replies []Message
		for _, gameID := range games {
			replies = append(replies, c.subscribe(ctx, gameID, req.Limit)...)
		}
		return replies

	case MessageTypeUnsubscribe:
		games := req.games()
		if len(games) == 0 {
			return []Message{failure("game_id required for unsubscribe")}
		}
		replies := make([]Message, 0, len(games))
		for _, gameID := range games {
			delete(c.watching, gameID)
			c.hub.Unsubscribe(c, gameID)
			replies = append(replies, ack("unsubscribed", gameID))
		}
		return replies

	case MessageTypePing:
		return []Message{{Type: MessageTypePong}}
	}
	return []Message{failure("unknown message type")}
}

// subscribe watches a game and, with a Snapshotter, replies with the top
// of its leaderboard. Unknown games are refused.
func (c *Client) subscribe(ctx context.Context, gameID string, limit int) []Message {
	if _, ok := c.watching[gameID]; !ok && len(c.watching) >= MaxSubscriptions {
		return []Message{failure(fmt.Sprintf("subscription limit of %d reached", MaxSubscriptions))}
	}

	var snapshot *LeaderboardUpdate
	if c.boards != nil {
		if limit <= 0 {
			limit = DefaultSnapshotSize
		}
		lookupCtx, cancel := context.WithTimeout(ctx, writeTimeout)
		entries, err := c.boards.GetTopN(lookupCtx, gameID, limit)
		cancel()
		switch {
		case errors.Is(err, domain.ErrGameNotFound):
			return []Message{failure("game not found: " + gameID)}
		case err != nil:
			c.logger.Warn("leaderboard snapshot failed", "game_id", gameID, "error", err)
		default:
			snapshot = &LeaderboardUpdate{GameID: gameID, Entries: entries, TotalPlayers: len(entries)}
		}
	}

	if c.watching == nil {
		c.watching = make(map[string]struct{})
	}
	c.watching[gameID] = struct{}{}
	c.hub.Subscribe(c, gameID)

	replies := []Message{ack("subscribed", gameID)}
	if snapshot != nil {
		replies = append(replies, Message{Type: MessageTypeLeaderboardUpdate, GameID: gameID, Data: *snapshot})
	}
	return replies
}

// pump writes queued frames and keep-alive pings until send is closed or a
// write fails
func (c *Client) pump() {
	keepAlive := time.NewTicker(keepAliveInterval)
	defer func() {
		keepAlive.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, open := <-c.send:
			if !open {
				c.write(websocket.CloseMessage, nil)
				return
			}
			if err := c.write(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-keepAlive.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(kind int, payload []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(kind, payload)
}

// deliver queues a reply for the pump. A full buffer drops it.
func (c *Client) deliver(msg Message) {
	msg.Timestamp = time.Now()
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("failed to marshal reply", "type", msg.Type, "error", err)
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("client buffer full, dropping reply", "type", msg.Type)
	}
}

func failure(reason string) Message {
	return Message{
		Type: MessageTypeError,
		Data: map[string]string{"error": reason},
	}
}

func ack(action, gameID string) Message {
	return Message{
		Type:   action,
		GameID: gameID,
		Data:   map[string]string{"status": "ok"},
	}
}

// ServeWs upgrades the request and starts the connection's read loop and
// write pump. boards may be nil.
func ServeWs(hub *Hub, boards Snapshotter, logger *slog.Logger, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(hub, conn, boards, logger)
	hub.Register(client)

	go client.pump()
	go client.listen()

	client.logger.Debug("new websocket connection", "remote_addr", r.RemoteAddr)
}
