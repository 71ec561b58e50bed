package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/blitzboard/blitzboard/internal/domain"
	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(testLogger())
	go hub.Run()
	t.Cleanup(hub.Stop)
	return hub
}

func fakeClient(hub *Hub, id string) *Client {
	return &Client{id: id, hub: hub, send: make(chan []byte, 16), logger: testLogger()}
}

func receive(t *testing.T, c *Client) Message {
	t.Helper()
	select {
	case data := <-c.send:
		var msg Message
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
	return Message{}
}

func TestHub_RoutesByGame(t *testing.T) {
	hub := startHub(t)
	doom := fakeClient(hub, "doom-watcher")
	quake := fakeClient(hub, "quake-watcher")
	hub.Register(doom)
	hub.Register(quake)
	hub.Subscribe(doom, "doom")
	hub.Subscribe(quake, "quake")

	require.Eventually(t, func() bool {
		return hub.GetSubscriberCount("doom") == 1 && hub.GetSubscriberCount("quake") == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, hub.GetTotalConnections())
	assert.Equal(t, []string{"doom", "quake"}, hub.WatchedGames())

	hub.BroadcastScoreUpdate("doom", domain.SubmitResult{GameID: "doom", PlayerID: "hugo", Status: domain.SubmitCreated, Rank: 1})

	msg := receive(t, doom)
	assert.Equal(t, MessageTypeScoreUpdate, msg.Type)
	assert.Equal(t, "doom", msg.GameID)
	assert.Empty(t, quake.send)

	hub.BroadcastLeaderboardReset("quake", "scores_cleared")
	msg = receive(t, quake)
	assert.Equal(t, MessageTypeLeaderboardReset, msg.Type)
	assert.Equal(t, map[string]any{"game_id": "quake", "reason": "scores_cleared"}, msg.Data)
}

func TestHub_UnregisterDropsSubscriptions(t *testing.T) {
	hub := startHub(t)
	c := fakeClient(hub, "c1")
	hub.Register(c)
	hub.Subscribe(c, "doom")
	require.Eventually(t, func() bool { return hub.GetSubscriberCount("doom") == 1 }, time.Second, 10*time.Millisecond)

	hub.Unsubscribe(c, "doom")
	require.Eventually(t, func() bool { return hub.GetSubscriberCount("doom") == 0 }, time.Second, 10*time.Millisecond)

	hub.Subscribe(c, "doom")
	require.Eventually(t, func() bool { return hub.GetSubscriberCount("doom") == 1 }, time.Second, 10*time.Millisecond)

	hub.Unregister(c)
	require.Eventually(t, func() bool { return hub.GetTotalConnections() == 0 }, time.Second, 10*time.Millisecond)
	assert.Empty(t, hub.GetSubscriptions())

	_, open := <-c.send
	assert.False(t, open, "send channel is closed on unregister")
}

// fakeBoards serves snapshots for the games it knows
type fakeBoards map[string][]domain.LeaderboardEntry

func (b fakeBoards) GetTopN(_ context.Context, gameID string, n int) ([]domain.LeaderboardEntry, error) {
	entries, ok := b[gameID]
	if !ok {
		return nil, domain.ErrGameNotFound
	}
	if len(entries) > n {
		entries = entries[:n]
	}
	return entries, nil
}

var boards = fakeBoards{
	"doom": {
		{Rank: 1, PlayerID: "hugo", Name: "Hugo", HiddenScore: 108},
		{Rank: 2, PlayerID: "ada", Name: "Ada", HiddenScore: 90},
	},
	"quake": {},
}

func TestServeWs_SubscribeAndReceive(t *testing.T) {
	hub := startHub(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, boards, testLogger(), w, r)
	}))
	defer srv.Close()

	conn, _, err := gorilla.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	require.NoError(t, conn.WriteJSON(Request{Type: MessageTypeSubscribe, GameID: "doom", Limit: 1}))
	var ack Message
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "subscribed", ack.Type)
	assert.Equal(t, "doom", ack.GameID)

	var snapshot struct {
		Type string            `json:"type"`
		Data LeaderboardUpdate `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&snapshot))
	assert.Equal(t, MessageTypeLeaderboardUpdate, snapshot.Type)
	require.Len(t, snapshot.Data.Entries, 1)
	assert.Equal(t, "hugo", snapshot.Data.Entries[0].PlayerID)

	require.Eventually(t, func() bool { return hub.GetSubscriberCount("doom") == 1 }, time.Second, 10*time.Millisecond)

	hub.BroadcastLeaderboardUpdate("doom", []domain.LeaderboardEntry{{Rank: 1, PlayerID: "hugo", Name: "Hugo", HiddenScore: 108}})
	var update Message
	require.NoError(t, conn.ReadJSON(&update))
	assert.Equal(t, MessageTypeLeaderboardUpdate, update.Type)

	require.NoError(t, conn.WriteJSON(Request{Type: MessageTypeSubscribe}))
	var rejection Message
	require.NoError(t, conn.ReadJSON(&rejection))
	assert.Equal(t, MessageTypeError, rejection.Type)

	require.NoError(t, conn.WriteMessage(gorilla.TextMessage, []byte("{not json")))
	require.NoError(t, conn.ReadJSON(&rejection))
	assert.Equal(t, MessageTypeError, rejection.Type)

	require.NoError(t, conn.WriteJSON(Request{Type: MessageTypePing}))
	var pong Message
	require.NoError(t, conn.ReadJSON(&pong))
	assert.Equal(t, MessageTypePong, pong.Type)
}

func replyTypes(replies []Message) []string {
	out := make([]string, len(replies))
	for i, r := range replies {
		out[i] = r.Type
	}
	return out
}

func TestClient_HandleSubscriptions(t *testing.T) {
	ctx := context.Background()
	hub := startHub(t)
	c := fakeClient(hub, "c1")
	c.boards = boards
	hub.Register(c)

	replies := c.handle(ctx, Request{Type: MessageTypeSubscribe, GameID: "doom", GameIDs: []string{"quake", "doom"}})
	assert.Equal(t, []string{"subscribed", MessageTypeLeaderboardUpdate, "subscribed", MessageTypeLeaderboardUpdate}, replyTypes(replies))
	assert.Equal(t, "quake", replies[2].GameID)
	require.Eventually(t, func() bool {
		return hub.GetSubscriberCount("doom") == 1 && hub.GetSubscriberCount("quake") == 1
	}, time.Second, 10*time.Millisecond)

	replies = c.handle(ctx, Request{Type: MessageTypeSubscribe, GameID: "unreal"})
	require.Len(t, replies, 1)
	assert.Equal(t, MessageTypeError, replies[0].Type)
	assert.Equal(t, map[string]string{"error": "game not found: unreal"}, replies[0].Data)
	assert.Len(t, c.watching, 2)

	replies = c.handle(ctx, Request{Type: MessageTypeUnsubscribe, GameIDs: []string{"doom", "quake"}})
	assert.Equal(t, []string{"unsubscribed", "unsubscribed"}, replyTypes(replies))
	assert.Empty(t, c.watching)
	require.Eventually(t, func() bool { return len(hub.GetSubscriptions()) == 0 }, time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{MessageTypeError}, replyTypes(c.handle(ctx, Request{Type: MessageTypeUnsubscribe})))
	assert.Equal(t, []string{MessageTypeError}, replyTypes(c.handle(ctx, Request{Type: "shout"})))
	assert.Equal(t, []string{MessageTypePong}, replyTypes(c.handle(ctx, Request{Type: MessageTypePing})))
}

func TestClient_SubscriptionLimit(t *testing.T) {
	ctx := context.Background()
	hub := startHub(t)
	c := fakeClient(hub, "c1")
	hub.Register(c)

	for i := 0; i < MaxSubscriptions; i++ {
		replies := c.handle(ctx, Request{Type: MessageTypeSubscribe, GameID: fmt.Sprintf("g%d", i)})
		require.Equal(t, []string{"subscribed"}, replyTypes(replies), "no snapshot without a Snapshotter")
	}

	replies := c.handle(ctx, Request{Type: MessageTypeSubscribe, GameID: "one-more"})
	assert.Equal(t, []string{MessageTypeError}, replyTypes(replies))

	// resubscribing to a watched game is not a new subscription
	replies = c.handle(ctx, Request{Type: MessageTypeSubscribe, GameID: "g0"})
	assert.Equal(t, []string{"subscribed"}, replyTypes(replies))
	assert.Len(t, c.watching, MaxSubscriptions)
}
