package handler

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/blitzboard/blitzboard/internal/config"
	"github.com/blitzboard/blitzboard/internal/metrics"
	"github.com/blitzboard/blitzboard/internal/service"
	"github.com/blitzboard/blitzboard/internal/store"
	"github.com/blitzboard/blitzboard/internal/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const doomConfig = `{
	"attributes": {
		"score":      {"weight": 0.8, "type": "int"},
		"nb_ennemis": {"weight": 0.2, "type": "int"},
		"text_lol":   {"weight": 0,   "type": "string"}
	}
}`

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func newTestServer(t *testing.T, serverCfg *config.ServerConfig) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.DefaultConfig()
	recorder := metrics.NewRecorder()
	svc := service.NewLeaderboardService(store.NewMemoryStore(), nil, nil, recorder, &cfg.Leaderboard, logger)
	h := NewHandler(svc, websocket.NewHub(logger), recorder.Registry(), serverCfg, logger)
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path, body string) (int, envelope) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req, err := http.NewRequest(method, srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &env), string(raw))
	}
	return resp.StatusCode, env
}

func TestAPI_ScoreLifecycle(t *testing.T) {
	srv := newTestServer(t, nil)

	status, _ := do(t, srv, http.MethodPost, "/api/v1/games", `{"id": "doom", "name": "Doom", "config": `+doomConfig+`}`)
	require.Equal(t, http.StatusCreated, status)
	status, _ = do(t, srv, http.MethodPost, "/api/v1/players", `{"id": "hugo", "name": "Hugo"}`)
	require.Equal(t, http.StatusCreated, status)

	status, env := do(t, srv, http.MethodPost, "/api/v1/games/doom/scores/hugo", `{"score": 120, "nb_ennemis": 20, "text_lol": "coucou"}`)
	require.Equal(t, http.StatusCreated, status)
	var result struct {
		Status      string  `json:"status"`
		Rank        int64   `json:"rank"`
		HiddenScore float64 `json:"hidden_score"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.Equal(t, "created", result.Status)
	assert.Equal(t, int64(1), result.Rank)
	assert.InDelta(t, 100.0, result.HiddenScore, 1e-9)

	status, env = do(t, srv, http.MethodPost, "/api/v1/games/doom/scores/hugo", `{"score": 130, "nb_ennemis": 20, "text_lol": "TEST"}`)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.Equal(t, "updated", result.Status)

	status, env = do(t, srv, http.MethodPost, "/api/v1/games/doom/scores/hugo", `{"score": 120, "nb_ennemis": 10, "text_lol": "AAAA"}`)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.Equal(t, "unchanged", result.Status)

	status, env = do(t, srv, http.MethodGet, "/api/v1/games/doom/scores", "")
	require.Equal(t, http.StatusOK, status)
	var board []struct {
		Rank  int64          `json:"rank"`
		Name  string         `json:"name"`
		Score map[string]any `json:"score"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &board))
	require.Len(t, board, 1)
	assert.Equal(t, "Hugo", board[0].Name)
	assert.Equal(t, 130.0, board[0].Score["score"])

	status, _ = do(t, srv, http.MethodGet, "/api/v1/games/doom/scores/hugo", "")
	assert.Equal(t, http.StatusOK, status)

	status, env = do(t, srv, http.MethodGet, "/api/v1/players/hugo/games", "")
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `["doom"]`, string(env.Data))

	status, _ = do(t, srv, http.MethodDelete, "/api/v1/games/doom/scores/hugo", "")
	assert.Equal(t, http.StatusNoContent, status)
	status, env = do(t, srv, http.MethodGet, "/api/v1/games/doom/scores/hugo", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "score not found", env.Error)

	status, _ = do(t, srv, http.MethodDelete, "/api/v1/games/doom", "")
	assert.Equal(t, http.StatusNoContent, status)
	status, _ = do(t, srv, http.MethodGet, "/api/v1/games/doom/scores", "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAPI_ErrorMapping(t *testing.T) {
	srv := newTestServer(t, nil)
	do(t, srv, http.MethodPost, "/api/v1/games", `{"id": "doom", "name": "Doom", "config": `+doomConfig+`}`)
	do(t, srv, http.MethodPost, "/api/v1/players", `{"id": "hugo", "name": "Hugo"}`)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{name: "malformed body", method: http.MethodPost, path: "/api/v1/players", body: `{`, want: http.StatusBadRequest},
		{name: "missing player name", method: http.MethodPost, path: "/api/v1/players", body: `{"id": "x"}`, want: http.StatusBadRequest},
		{name: "duplicate player", method: http.MethodPost, path: "/api/v1/players", body: `{"id": "hugo", "name": "Again"}`, want: http.StatusConflict},
		{name: "duplicate game", method: http.MethodPost, path: "/api/v1/games", body: `{"id": "doom", "name": "Doom", "config": ` + doomConfig + `}`, want: http.StatusConflict},
		{name: "invalid template", method: http.MethodPost, path: "/api/v1/games", body: `{"id": "q", "name": "Q", "config": {"attributes": {"a": {"weight": 0.99, "type": "int"}}}}`, want: http.StatusBadRequest},
		{name: "invalid score", method: http.MethodPost, path: "/api/v1/games/doom/scores/hugo", body: `{"lives": 3}`, want: http.StatusBadRequest},
		{name: "empty submission body", method: http.MethodPost, path: "/api/v1/games/doom/scores/hugo", want: http.StatusBadRequest},
		{name: "unknown game", method: http.MethodPost, path: "/api/v1/games/quake/scores/hugo", body: `{"score": 1}`, want: http.StatusNotFound},
		{name: "unknown player", method: http.MethodPost, path: "/api/v1/games/doom/scores/ghost", body: `{"score": 1}`, want: http.StatusNotFound},
		{name: "unknown player scores", method: http.MethodGet, path: "/api/v1/players/ghost/scores", want: http.StatusNotFound},
		{name: "bad limit", method: http.MethodGet, path: "/api/v1/games/doom/scores?limit=abc", want: http.StatusBadRequest},
		{name: "update without config", method: http.MethodPatch, path: "/api/v1/games/doom", body: `{"name": "Doom II"}`, want: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, env := do(t, srv, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, status)
			assert.False(t, env.Success)
			assert.NotEmpty(t, env.Error)
		})
	}
}

func TestAPI_PlayersAndGames(t *testing.T) {
	srv := newTestServer(t, nil)

	status, env := do(t, srv, http.MethodPost, "/api/v1/players", `{"name": "Anonymous"}`)
	require.Equal(t, http.StatusCreated, status)
	var player struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &player))
	assert.NotEmpty(t, player.ID)

	status, env = do(t, srv, http.MethodPatch, "/api/v1/players/"+player.ID, `{"name": "Known"}`)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(env.Data, &player))
	assert.Equal(t, "Known", player.Name)

	status, env = do(t, srv, http.MethodGet, "/api/v1/players", "")
	require.Equal(t, http.StatusOK, status)
	var players []map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &players))
	assert.Len(t, players, 1)

	status, env = do(t, srv, http.MethodGet, "/api/v1/games", "")
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `[]`, string(env.Data))

	do(t, srv, http.MethodPost, "/api/v1/games", `{"id": "doom", "name": "Doom", "config": `+doomConfig+`}`)
	status, env = do(t, srv, http.MethodPatch, "/api/v1/games/doom", `{"name": "Doom II", "config": {"attributes": {"time": {"weight": 1, "type": "float"}}, "keep_lower_scores": true}}`)
	require.Equal(t, http.StatusOK, status)
	var game struct {
		Name   string          `json:"name"`
		Config json.RawMessage `json:"config"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &game))
	assert.Equal(t, "Doom II", game.Name)
	assert.JSONEq(t, `{"attributes": {"time": {"weight": 1, "type": "float"}}, "keep_lower_scores": true, "allow_ties": true}`, string(game.Config))

	status, _ = do(t, srv, http.MethodPost, "/api/v1/games/doom/scores/"+player.ID, `{"time": 12.5}`)
	require.Equal(t, http.StatusCreated, status)

	status, env = do(t, srv, http.MethodGet, "/api/v1/players/"+player.ID+"/scores", "")
	require.Equal(t, http.StatusOK, status)
	var scores []map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &scores))
	require.Len(t, scores, 1)
	assert.Equal(t, "doom", scores[0]["game_id"])

	status, _ = do(t, srv, http.MethodDelete, "/api/v1/players/"+player.ID+"/scores", "")
	assert.Equal(t, http.StatusNoContent, status)
	status, _ = do(t, srv, http.MethodDelete, "/api/v1/games/doom/scores", "")
	assert.Equal(t, http.StatusNoContent, status)
	status, _ = do(t, srv, http.MethodDelete, "/api/v1/players/"+player.ID, "")
	assert.Equal(t, http.StatusNoContent, status)
	status, _ = do(t, srv, http.MethodGet, "/api/v1/players/"+player.ID, "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAPI_HealthAndMetrics(t *testing.T) {
	srv := newTestServer(t, nil)

	status, env := do(t, srv, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, env.Success)

	status, _ = do(t, srv, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusOK, status)

	status, env = do(t, srv, http.MethodGet, "/api/v1/ws/stats", "")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"total_connections": 0, "subscriptions": {}}`, string(env.Data))

	resp, err := srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestAPI_RateLimit(t *testing.T) {
	srv := newTestServer(t, &config.ServerConfig{
		RateLimit: config.RateLimitConfig{RequestsPerSecond: 1, Burst: 2},
	})

	for range 2 {
		status, _ := do(t, srv, http.MethodGet, "/api/v1/players", "")
		require.Equal(t, http.StatusOK, status)
	}
	status, env := do(t, srv, http.MethodGet, "/api/v1/players", "")
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, "rate limit exceeded", env.Error)

	// Health checks are not limited
	status, _ = do(t, srv, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, status)
}

func TestIPRateLimiter(t *testing.T) {
	now := time.Unix(1000, 0)
	l := NewIPRateLimiter(1, 1)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("10.0.0.1"))
	assert.False(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.2"), "buckets are per IP")

	now = now.Add(time.Second)
	assert.True(t, l.Allow("10.0.0.1"))

	for i := range cleanupThreshold + 1 {
		l.Allow(string(rune('a'+i%26)) + time.Duration(i).String())
	}
	now = now.Add(maxIdleAge + time.Minute)
	l.Allow("10.0.0.3")
	assert.Equal(t, 1, l.size())
}
