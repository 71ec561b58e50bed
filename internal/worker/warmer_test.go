package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/blitzboard/blitzboard/internal/config"
	"github.com/blitzboard/blitzboard/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu        sync.Mutex
	games     []domain.Game
	failing   map[string]error
	refreshed []string
}

func (s *fakeSource) ListGames(context.Context) ([]domain.Game, error) {
	return s.games, nil
}

func (s *fakeSource) RefreshLeaderboard(_ context.Context, gameID string) ([]domain.LeaderboardEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failing[gameID]; err != nil {
		return nil, err
	}
	s.refreshed = append(s.refreshed, gameID)
	return []domain.LeaderboardEntry{{Rank: 1, PlayerID: "p-" + gameID}}, nil
}

func (s *fakeSource) refreshCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.refreshed)
}

type fakeWatchers struct {
	watched   map[string]int
	snapshots []string
}

func (w *fakeWatchers) GetSubscriberCount(gameID string) int { return w.watched[gameID] }

func (w *fakeWatchers) BroadcastLeaderboardUpdate(gameID string, _ []domain.LeaderboardEntry) {
	w.snapshots = append(w.snapshots, gameID)
}

type countingObserver struct{ n int }

func (o *countingObserver) GameWarmed() { o.n++ }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCacheWarmer_WarmAll(t *testing.T) {
	source := &fakeSource{
		games: []domain.Game{{ID: "doom"}, {ID: "quake"}, {ID: "gone"}, {ID: "broken"}},
		failing: map[string]error{
			"gone":   domain.ErrGameNotFound,
			"broken": errors.New("connection reset"),
		},
	}
	watchers := &fakeWatchers{watched: map[string]int{"quake": 2}}
	observer := &countingObserver{}
	w := NewCacheWarmer(source, watchers, observer, &config.WarmerConfig{Interval: time.Hour}, testLogger())

	warmed := w.WarmAll(context.Background())

	assert.Equal(t, 2, warmed)
	assert.Equal(t, []string{"doom", "quake"}, source.refreshed)
	assert.Equal(t, []string{"quake"}, watchers.snapshots, "only watched games get a snapshot")
	assert.Equal(t, 2, observer.n)
}

func TestCacheWarmer_StartStop(t *testing.T) {
	source := &fakeSource{games: []domain.Game{{ID: "doom"}}}
	w := NewCacheWarmer(source, nil, nil, &config.WarmerConfig{Interval: 10 * time.Millisecond}, testLogger())

	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Start(context.Background()), "second start is a no-op")

	require.Eventually(t, func() bool { return source.refreshCount() >= 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop(), "second stop is a no-op")

	n := source.refreshCount()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, source.refreshCount(), "no refresh after stop")
}
