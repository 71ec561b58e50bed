package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/blitzboard/blitzboard/internal/domain"
)

// Message types
const (
	MessageTypeScoreUpdate       = "score_update"
	MessageTypeLeaderboardUpdate = "leaderboard_update"
	MessageTypeLeaderboardReset  = "leaderboard_reset"
	MessageTypeSubscribe         = "subscribe"
	MessageTypeUnsubscribe       = "unsubscribe"
	MessageTypePing              = "ping"
	MessageTypePong              = "pong"
	MessageTypeError             = "error"
)

// Message represents a WebSocket message
type Message struct {
	Type      string    `json:"type"`
	GameID    string    `json:"game_id,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// LeaderboardUpdate carries a full leaderboard snapshot
type LeaderboardUpdate struct {
	GameID       string                    `json:"game_id"`
	Entries      []domain.LeaderboardEntry `json:"entries"`
	TotalPlayers int                       `json:"total_players"`
}

// LeaderboardReset tells subscribers that entries were removed and any
// local copy of the leaderboard should be refetched
type LeaderboardReset struct {
	GameID string `json:"game_id"`
	Reason string `json:"reason"`
}

// Hub maintains the set of active clients and broadcasts messages
type Hub struct {
	// Registered clients by game ID
	clients map[string]map[*Client]bool

	// All connected clients
	allClients map[*Client]bool

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Outbound messages
	broadcast chan *Message

	// Subscription requests
	subscribe chan *subscriptionRequest

	// Unsubscription requests
	unsubscribe chan *subscriptionRequest

	mu sync.RWMutex

	logger *slog.Logger

	// Context for shutdown
	ctx    context.Context
	cancel context.CancelFunc
}

type subscriptionRequest struct {
	client *Client
	gameID string
}

// NewHub creates a new Hub
func NewHub(logger *slog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:     make(map[string]map[*Client]bool),
		allClients:  make(map[*Client]bool),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		broadcast:   make(chan *Message, 256),
		subscribe:   make(chan *subscriptionRequest, 64),
		unsubscribe: make(chan *subscriptionRequest, 64),
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	h.logger.Info("WebSocket hub started")
	for {
		select {
		case <-h.ctx.Done():
			h.closeAll()
			h.logger.Info("WebSocket hub stopping")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.allClients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", "client_id", client.id)

		case client := <-h.unregister:
			h.removeClient(client)
			h.logger.Debug("client unregistered", "client_id", client.id)

		case req := <-h.subscribe:
			h.mu.Lock()
			if _, ok := h.allClients[req.client]; ok {
				if _, ok := h.clients[req.gameID]; !ok {
					h.clients[req.gameID] = make(map[*Client]bool)
				}
				h.clients[req.gameID][req.client] = true
			}
			h.mu.Unlock()
			h.logger.Debug("client subscribed", "client_id", req.client.id, "game_id", req.gameID)

		case req := <-h.unsubscribe:
			h.mu.Lock()
			if clients, ok := h.clients[req.gameID]; ok {
				delete(clients, req.client)
				if len(clients) == 0 {
					delete(h.clients, req.gameID)
				}
			}
			h.mu.Unlock()
			h.logger.Debug("client unsubscribed", "client_id", req.client.id, "game_id", req.gameID)

		case message := <-h.broadcast:
			h.broadcastMessage(message)
		}
	}
}

// Stop stops the hub and disconnects every client
func (h *Hub) Stop() {
	h.cancel()
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.allClients[client]; !ok {
		return
	}
	delete(h.allClients, client)
	// Remove from all game subscriptions
	for gameID, clients := range h.clients {
		if _, ok := clients[client]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.clients, gameID)
			}
		}
	}
	close(client.send)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	// Closing the connection ends the client's loops; listen may still be
	// queueing, so send is left open.
	for client := range h.allClients {
		if client.conn != nil {
			client.conn.Close()
		}
	}
	h.allClients = make(map[*Client]bool)
	h.clients = make(map[string]map[*Client]bool)
}

// broadcastMessage sends a message to all subscribed clients
func (h *Hub) broadcastMessage(message *Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("failed to marshal message", "error", err)
		return
	}

	// If message has a game ID, only send to subscribed clients
	targets := h.allClients
	if message.GameID != "" {
		targets = h.clients[message.GameID]
	}
	for client := range targets {
		select {
		case client.send <- data:
		default:
			// Client's buffer is full, skip
			h.logger.Warn("client buffer full, skipping", "client_id", client.id)
		}
	}
}

func (h *Hub) enqueue(message *Message) {
	select {
	case h.broadcast <- message:
	default:
		h.logger.Warn("broadcast channel full, dropping message", "type", message.Type)
	}
}

// BroadcastScoreUpdate notifies subscribers of a game that a stored score changed
func (h *Hub) BroadcastScoreUpdate(gameID string, result domain.SubmitResult) {
	h.enqueue(&Message{
		Type:      MessageTypeScoreUpdate,
		GameID:    gameID,
		Data:      result,
		Timestamp: time.Now(),
	})
}

// BroadcastLeaderboardReset notifies subscribers that entries were removed
func (h *Hub) BroadcastLeaderboardReset(gameID, reason string) {
	h.enqueue(&Message{
		Type:      MessageTypeLeaderboardReset,
		GameID:    gameID,
		Data:      LeaderboardReset{GameID: gameID, Reason: reason},
		Timestamp: time.Now(),
	})
}

// BroadcastLeaderboardUpdate sends a leaderboard snapshot to all subscribed clients
func (h *Hub) BroadcastLeaderboardUpdate(gameID string, entries []domain.LeaderboardEntry) {
	h.enqueue(&Message{
		Type:   MessageTypeLeaderboardUpdate,
		GameID: gameID,
		Data: LeaderboardUpdate{
			GameID:       gameID,
			Entries:      entries,
			TotalPlayers: len(entries),
		},
		Timestamp: time.Now(),
	})
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.ctx.Done():
	}
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.ctx.Done():
	}
}

// Subscribe adds a client to a game subscription
func (h *Hub) Subscribe(client *Client, gameID string) {
	select {
	case h.subscribe <- &subscriptionRequest{client: client, gameID: gameID}:
	case <-h.ctx.Done():
	}
}

// Unsubscribe removes a client from a game subscription
func (h *Hub) Unsubscribe(client *Client, gameID string) {
	select {
	case h.unsubscribe <- &subscriptionRequest{client: client, gameID: gameID}:
	case <-h.ctx.Done():
	}
}

// GetSubscriberCount returns the number of subscribers for a game
func (h *Hub) GetSubscriberCount(gameID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[gameID])
}

// GetSubscriptions returns the subscriber count of every watched game
func (h *Hub) GetSubscriptions() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	counts := make(map[string]int, len(h.clients))
	for gameID, clients := range h.clients {
		counts[gameID] = len(clients)
	}
	return counts
}

// WatchedGames returns the IDs of games with at least one subscriber
func (h *Hub) WatchedGames() []string {
	return slices.Sorted(maps.Keys(h.GetSubscriptions()))
}

// GetTotalConnections returns the total number of connected clients
func (h *Hub) GetTotalConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.allClients)
}
