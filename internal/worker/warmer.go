package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/blitzboard/blitzboard/internal/config"
	"github.com/blitzboard/blitzboard/internal/domain"
)

// LeaderboardSource lists games and rebuilds their cached leaderboards
type LeaderboardSource interface {
	ListGames(ctx context.Context) ([]domain.Game, error)
	RefreshLeaderboard(ctx context.Context, gameID string) ([]domain.LeaderboardEntry, error)
}

// Watchers reports which games have live subscribers and pushes snapshots to them
type Watchers interface {
	GetSubscriberCount(gameID string) int
	BroadcastLeaderboardUpdate(gameID string, entries []domain.LeaderboardEntry)
}

// WarmObserver is notified for every rebuilt leaderboard
type WarmObserver interface {
	GameWarmed()
}

// CacheWarmer periodically rebuilds the cached leaderboard of every game
type CacheWarmer struct {
	source   LeaderboardSource
	watchers Watchers
	observer WarmObserver
	config   *config.WarmerConfig
	logger   *slog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
	mu       sync.Mutex
	running  bool
}

// NewCacheWarmer creates a new cache warmer. watchers and observer may be nil.
func NewCacheWarmer(
	source LeaderboardSource,
	watchers Watchers,
	observer WarmObserver,
	cfg *config.WarmerConfig,
	logger *slog.Logger,
) *CacheWarmer {
	return &CacheWarmer{
		source:   source,
		watchers: watchers,
		observer: observer,
		config:   cfg,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start warms the cache once and then keeps refreshing it in the background
func (w *CacheWarmer) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	w.logger.Info("cache warmer started", "interval", w.config.Interval)

	go w.run(ctx)
	return nil
}

// Stop stops the background refresh
func (w *CacheWarmer) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	w.logger.Info("cache warmer stopped")
	return nil
}

// run is the main worker loop
func (w *CacheWarmer) run(ctx context.Context) {
	defer close(w.doneCh)

	w.WarmAll(ctx)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.WarmAll(ctx)
		}
	}
}

// WarmAll rebuilds the leaderboard of every game and returns how many were
// refreshed
func (w *CacheWarmer) WarmAll(ctx context.Context) int {
	startTime := time.Now()

	games, err := w.source.ListGames(ctx)
	if err != nil {
		w.logger.Error("failed to list games for warming", "error", err)
		return 0
	}

	warmed := 0
	errorCount := 0
	for _, game := range games {
		if ctx.Err() != nil {
			break
		}

		entries, err := w.source.RefreshLeaderboard(ctx, game.ID)
		if err != nil {
			// A game deleted since the listing is not an error
			if !domain.IsNotFoundError(err) {
				w.logger.Error("failed to warm leaderboard", "game_id", game.ID, "error", err)
				errorCount++
			}
			continue
		}
		warmed++
		if w.observer != nil {
			w.observer.GameWarmed()
		}
		if w.watchers != nil && w.watchers.GetSubscriberCount(game.ID) > 0 {
			w.watchers.BroadcastLeaderboardUpdate(game.ID, entries)
		}
	}

	w.logger.Info("cache warm cycle completed",
		"warmed", warmed,
		"errors", errorCount,
		"duration", time.Since(startTime),
	)
	return warmed
}
