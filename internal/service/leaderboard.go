package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/blitzboard/blitzboard/internal/config"
	"github.com/blitzboard/blitzboard/internal/domain"
	"github.com/blitzboard/blitzboard/internal/scoring"
	"github.com/blitzboard/blitzboard/internal/store"
	"github.com/google/uuid"
)

// Cache stores ranked leaderboards between reads
type Cache interface {
	Get(ctx context.Context, gameID string) ([]domain.LeaderboardEntry, bool, error)
	Set(ctx context.Context, gameID string, entries []domain.LeaderboardEntry) error
	Invalidate(ctx context.Context, gameIDs ...string) error
}

// Broadcaster pushes leaderboard changes to live subscribers
type Broadcaster interface {
	BroadcastScoreUpdate(gameID string, result domain.SubmitResult)
	BroadcastLeaderboardReset(gameID, reason string)
}

// Metrics receives the service's instrumentation events
type Metrics interface {
	SubmissionAccepted(status string)
	SubmissionRejected(reason string)
	CacheHit()
	CacheMiss()
	RankBuilt(d time.Duration)
	BatchIngested(n int)
}

// LeaderboardService provides business logic for leaderboard operations
type LeaderboardService struct {
	store       store.Store
	cache       Cache
	broadcaster Broadcaster
	metrics     Metrics
	config      *config.LeaderboardConfig
	logger      *slog.Logger

	// templates caches parsed game templates. gen is bumped whenever a
	// template is replaced or evicted so that a concurrent load started
	// before the change does not repopulate a stale value.
	mu        sync.RWMutex
	templates map[string]*domain.Template
	gen       uint64

	// boardGen plays the same role for cached leaderboards
	boardMu  sync.Mutex
	boardGen map[string]uint64
}

// NewLeaderboardService creates a new leaderboard service. cache, broadcaster
// and metrics may be nil.
func NewLeaderboardService(
	st store.Store,
	cache Cache,
	broadcaster Broadcaster,
	metrics Metrics,
	cfg *config.LeaderboardConfig,
	logger *slog.Logger,
) *LeaderboardService {
	if cache == nil {
		cache = noopCache{}
	}
	if broadcaster == nil {
		broadcaster = noopBroadcaster{}
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &LeaderboardService{
		store:       st,
		cache:       cache,
		broadcaster: broadcaster,
		metrics:     metrics,
		config:      cfg,
		logger:      logger,
		templates:   make(map[string]*domain.Template),
		boardGen:    make(map[string]uint64),
	}
}

// CreateGame validates the template and stores a new game
func (s *LeaderboardService) CreateGame(ctx context.Context, req domain.CreateGameRequest) (*domain.Game, error) {
	if strings.TrimSpace(req.ID) == "" || strings.TrimSpace(req.Name) == "" {
		return nil, fmt.Errorf("%w: game id and name are required", domain.ErrInvalidRequest)
	}

	tpl, err := scoring.ParseTemplate(req.Config)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	game := domain.Game{
		ID:        req.ID,
		Name:      req.Name,
		Template:  tpl,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateGame(ctx, game); err != nil {
		return nil, err
	}

	s.storeTemplate(game.ID, tpl)
	s.logger.Info("game created", "game_id", game.ID, "attributes", len(tpl.Attributes))
	return &game, nil
}

// UpdateGame replaces a game's template wholesale and optionally renames it.
// Stored scores keep the hidden score they were computed with.
func (s *LeaderboardService) UpdateGame(ctx context.Context, gameID string, req domain.UpdateGameRequest) (*domain.Game, error) {
	if len(req.Config) == 0 {
		return nil, fmt.Errorf("%w: config is required", domain.ErrInvalidRequest)
	}
	if req.Name != nil && strings.TrimSpace(*req.Name) == "" {
		return nil, fmt.Errorf("%w: name must not be empty", domain.ErrInvalidRequest)
	}

	tpl, err := scoring.ParseTemplate(req.Config)
	if err != nil {
		return nil, err
	}

	game, err := s.store.GetGame(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if req.Name != nil {
		game.Name = *req.Name
	}
	game.Template = tpl
	game.UpdatedAt = time.Now()

	if err := s.store.UpdateGame(ctx, *game); err != nil {
		return nil, err
	}

	s.storeTemplate(gameID, tpl)
	s.invalidate(ctx, gameID)
	s.logger.Info("game updated", "game_id", gameID)
	return game, nil
}

// DeleteGame removes a game with its score records and memberships
func (s *LeaderboardService) DeleteGame(ctx context.Context, gameID string) error {
	if err := s.store.DeleteGame(ctx, gameID); err != nil {
		return err
	}

	s.evictTemplate(gameID)
	s.invalidate(ctx, gameID)
	s.broadcaster.BroadcastLeaderboardReset(gameID, "game_deleted")
	s.logger.Info("game deleted", "game_id", gameID)
	return nil
}

// GetGame returns a game by ID
func (s *LeaderboardService) GetGame(ctx context.Context, gameID string) (*domain.Game, error) {
	return s.store.GetGame(ctx, gameID)
}

// ListGames returns all games
func (s *LeaderboardService) ListGames(ctx context.Context) ([]domain.Game, error) {
	return s.store.ListGames(ctx)
}

// CreatePlayer stores a new player, generating an ID when none is given
func (s *LeaderboardService) CreatePlayer(ctx context.Context, req domain.CreatePlayerRequest) (*domain.Player, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, fmt.Errorf("%w: player name is required", domain.ErrInvalidRequest)
	}

	player := domain.Player{
		ID:        req.ID,
		Name:      req.Name,
		CreatedAt: time.Now(),
	}
	if player.ID == "" {
		player.ID = uuid.NewString()
	}

	if err := s.store.CreatePlayer(ctx, player); err != nil {
		return nil, err
	}
	return &player, nil
}

// GetPlayer returns a player by ID
func (s *LeaderboardService) GetPlayer(ctx context.Context, playerID string) (*domain.Player, error) {
	return s.store.GetPlayer(ctx, playerID)
}

// ListPlayers returns all players
func (s *LeaderboardService) ListPlayers(ctx context.Context) ([]domain.Player, error) {
	return s.store.ListPlayers(ctx)
}

// RenamePlayer changes a player's display name
func (s *LeaderboardService) RenamePlayer(ctx context.Context, playerID string, req domain.RenamePlayerRequest) (*domain.Player, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, fmt.Errorf("%w: player name is required", domain.ErrInvalidRequest)
	}
	if err := s.store.RenamePlayer(ctx, playerID, req.Name); err != nil {
		return nil, err
	}

	// Cached leaderboards carry the old name
	s.invalidatePlayerGames(ctx, playerID)
	return s.store.GetPlayer(ctx, playerID)
}

// DeletePlayer removes a player with its score records and memberships
func (s *LeaderboardService) DeletePlayer(ctx context.Context, playerID string) error {
	games, err := s.store.GamesForPlayer(ctx, playerID)
	if err != nil {
		return fmt.Errorf("listing player games: %w", err)
	}
	if err := s.store.DeletePlayer(ctx, playerID); err != nil {
		return err
	}

	s.invalidate(ctx, games...)
	for _, gameID := range games {
		s.broadcaster.BroadcastLeaderboardReset(gameID, "player_deleted")
	}
	s.logger.Info("player deleted", "player_id", playerID, "games", len(games))
	return nil
}

// GetPlayerGames lists the games a player has ever scored in
func (s *LeaderboardService) GetPlayerGames(ctx context.Context, playerID string) ([]string, error) {
	if _, err := s.store.GetPlayer(ctx, playerID); err != nil {
		return nil, err
	}
	games, err := s.store.GamesForPlayer(ctx, playerID)
	if err != nil {
		return nil, fmt.Errorf("listing player games: %w", err)
	}
	if games == nil {
		games = []string{}
	}
	return games, nil
}

// SubmitScore scores a raw attribute object against the game template and
// keeps it if it beats the player's stored record
func (s *LeaderboardService) SubmitScore(ctx context.Context, gameID, playerID string, raw []byte) (*domain.SubmitResult, error) {
	tpl, err := s.template(ctx, gameID)
	if err != nil {
		return nil, err
	}

	attrs, err := scoring.ParseAttributes(raw)
	if err != nil {
		s.metrics.SubmissionRejected("invalid_score")
		return nil, err
	}
	hidden, normalized, err := scoring.HiddenScore(tpl, attrs)
	if err != nil {
		s.metrics.SubmissionRejected("invalid_score")
		return nil, err
	}

	rec := domain.ScoreRecord{
		GameID:      gameID,
		PlayerID:    playerID,
		Attributes:  normalized,
		HiddenScore: hidden,
	}
	status, stored, err := s.store.SubmitScore(ctx, rec, tpl.KeepLowerScores)
	if err != nil {
		if domain.IsNotFoundError(err) {
			s.metrics.SubmissionRejected("not_found")
			return nil, err
		}
		return nil, fmt.Errorf("storing score: %w", err)
	}
	s.metrics.SubmissionAccepted(string(status))

	if status != domain.SubmitUnchanged {
		s.invalidate(ctx, gameID)
	}

	rank, err := s.rankOf(ctx, *stored, tpl)
	if err != nil {
		return nil, err
	}

	result := &domain.SubmitResult{
		GameID:      gameID,
		PlayerID:    playerID,
		Status:      status,
		Rank:        rank,
		HiddenScore: stored.HiddenScore,
	}
	if status != domain.SubmitUnchanged {
		s.broadcaster.BroadcastScoreUpdate(gameID, *result)
	}

	s.logger.Debug("score submitted",
		"game_id", gameID,
		"player_id", playerID,
		"status", status,
		"hidden_score", hidden,
	)
	return result, nil
}

// SubmitScoreBatch submits multiple scores. Failed items are logged and
// skipped; the number of accepted submissions is returned.
func (s *LeaderboardService) SubmitScoreBatch(ctx context.Context, batch domain.BatchScoreSubmission) (int, error) {
	s.metrics.BatchIngested(len(batch.Scores))

	accepted := 0
	for _, submission := range batch.Scores {
		if err := ctx.Err(); err != nil {
			return accepted, err
		}
		if _, err := s.SubmitScore(ctx, submission.GameID, submission.PlayerID, submission.Attributes); err != nil {
			s.logger.Error("failed to submit score in batch",
				"game_id", submission.GameID,
				"player_id", submission.PlayerID,
				"error", err,
			)
			// Continue processing other scores
			continue
		}
		accepted++
	}
	return accepted, nil
}

// GetScore returns a player's stored score in a game with its current rank
func (s *LeaderboardService) GetScore(ctx context.Context, gameID, playerID string) (*domain.LeaderboardEntry, error) {
	tpl, err := s.template(ctx, gameID)
	if err != nil {
		return nil, err
	}
	player, err := s.store.GetPlayer(ctx, playerID)
	if err != nil {
		return nil, err
	}
	rec, err := s.store.GetScore(ctx, gameID, playerID)
	if err != nil {
		return nil, err
	}
	rank, err := s.rankOf(ctx, *rec, tpl)
	if err != nil {
		return nil, err
	}

	return &domain.LeaderboardEntry{
		Rank:        rank,
		PlayerID:    playerID,
		Name:        player.Name,
		Score:       rec.Attributes,
		HiddenScore: rec.HiddenScore,
	}, nil
}

// GetLeaderboard returns the full ranked leaderboard of a game
func (s *LeaderboardService) GetLeaderboard(ctx context.Context, gameID string) ([]domain.LeaderboardEntry, error) {
	tpl, err := s.template(ctx, gameID)
	if err != nil {
		return nil, err
	}

	entries, ok, err := s.cache.Get(ctx, gameID)
	if err != nil {
		s.logger.Warn("leaderboard cache read failed", "game_id", gameID, "error", err)
	}
	if ok {
		s.metrics.CacheHit()
		return entries, nil
	}
	s.metrics.CacheMiss()

	gen := s.boardGeneration(gameID)
	entries, err = s.buildLeaderboard(ctx, gameID, tpl)
	if err != nil {
		return nil, err
	}
	if err := s.fillCache(ctx, gameID, gen, entries); err != nil {
		s.logger.Warn("leaderboard cache write failed", "game_id", gameID, "error", err)
	}
	return entries, nil
}

// GetTopN returns at most n entries from the top of a leaderboard
func (s *LeaderboardService) GetTopN(ctx context.Context, gameID string, n int) ([]domain.LeaderboardEntry, error) {
	// Validate limit
	if n <= 0 {
		n = s.config.DefaultLimit
	}
	if n > s.config.MaxLimit {
		n = s.config.MaxLimit
	}

	entries, err := s.GetLeaderboard(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if len(entries) > n {
		entries = entries[:n]
	}
	return entries, nil
}

// RefreshLeaderboard rebuilds a game's leaderboard from the store and
// writes it to the cache, bypassing any cached value
func (s *LeaderboardService) RefreshLeaderboard(ctx context.Context, gameID string) ([]domain.LeaderboardEntry, error) {
	tpl, err := s.template(ctx, gameID)
	if err != nil {
		return nil, err
	}
	gen := s.boardGeneration(gameID)
	entries, err := s.buildLeaderboard(ctx, gameID, tpl)
	if err != nil {
		return nil, err
	}
	if err := s.fillCache(ctx, gameID, gen, entries); err != nil {
		return nil, fmt.Errorf("caching leaderboard: %w", err)
	}
	return entries, nil
}

// DeleteScore removes a player's record in a game. The membership stays.
func (s *LeaderboardService) DeleteScore(ctx context.Context, gameID, playerID string) error {
	if _, err := s.template(ctx, gameID); err != nil {
		return err
	}
	removed, err := s.store.DeleteScore(ctx, gameID, playerID)
	if err != nil {
		return fmt.Errorf("deleting score: %w", err)
	}
	if !removed {
		return domain.ErrScoreNotFound
	}

	s.invalidate(ctx, gameID)
	s.broadcaster.BroadcastLeaderboardReset(gameID, "score_deleted")
	return nil
}

// DeleteAllScoresForGame clears a game's leaderboard
func (s *LeaderboardService) DeleteAllScoresForGame(ctx context.Context, gameID string) (int64, error) {
	if _, err := s.template(ctx, gameID); err != nil {
		return 0, err
	}
	n, err := s.store.DeleteScoresForGame(ctx, gameID)
	if err != nil {
		return 0, fmt.Errorf("deleting game scores: %w", err)
	}

	s.invalidate(ctx, gameID)
	s.broadcaster.BroadcastLeaderboardReset(gameID, "scores_cleared")
	s.logger.Info("game scores cleared", "game_id", gameID, "removed", n)
	return n, nil
}

// GetPlayerScores lists a player's stored score in every game, ordered by game ID
func (s *LeaderboardService) GetPlayerScores(ctx context.Context, playerID string) ([]domain.PlayerGameScore, error) {
	if _, err := s.store.GetPlayer(ctx, playerID); err != nil {
		return nil, err
	}
	records, err := s.store.ListScoresForPlayer(ctx, playerID)
	if err != nil {
		return nil, fmt.Errorf("listing player scores: %w", err)
	}

	scores := make([]domain.PlayerGameScore, 0, len(records))
	for _, rec := range records {
		scores = append(scores, domain.PlayerGameScore{
			GameID:      rec.GameID,
			Score:       rec.Attributes,
			HiddenScore: rec.HiddenScore,
			UpdatedAt:   rec.UpdatedAt,
		})
	}
	return scores, nil
}

// DeleteAllScoresForPlayer removes a player's records in every game
func (s *LeaderboardService) DeleteAllScoresForPlayer(ctx context.Context, playerID string) (int64, error) {
	if _, err := s.store.GetPlayer(ctx, playerID); err != nil {
		return 0, err
	}
	records, err := s.store.ListScoresForPlayer(ctx, playerID)
	if err != nil {
		return 0, fmt.Errorf("listing player scores: %w", err)
	}
	n, err := s.store.DeleteScoresForPlayer(ctx, playerID)
	if err != nil {
		return 0, fmt.Errorf("deleting player scores: %w", err)
	}

	games := make([]string, 0, len(records))
	for _, rec := range records {
		games = append(games, rec.GameID)
	}
	s.invalidate(ctx, games...)
	for _, gameID := range games {
		s.broadcaster.BroadcastLeaderboardReset(gameID, "player_scores_cleared")
	}
	return n, nil
}

// buildLeaderboard ranks the stored records of a game and joins player names
func (s *LeaderboardService) buildLeaderboard(ctx context.Context, gameID string, tpl *domain.Template) ([]domain.LeaderboardEntry, error) {
	start := time.Now()

	records, err := s.store.ListScoresForGame(ctx, gameID)
	if err != nil {
		return nil, fmt.Errorf("listing scores: %w", err)
	}
	players, err := s.store.ListPlayers(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing players: %w", err)
	}
	names := make(map[string]string, len(players))
	for _, p := range players {
		names[p.ID] = p.Name
	}

	ranked := scoring.Rank(records, tpl)
	entries := make([]domain.LeaderboardEntry, 0, len(ranked))
	for _, r := range ranked {
		name, ok := names[r.Record.PlayerID]
		if !ok {
			// Player deleted between the two reads
			continue
		}
		entries = append(entries, domain.LeaderboardEntry{
			Rank:        r.Rank,
			PlayerID:    r.Record.PlayerID,
			Name:        name,
			Score:       r.Record.Attributes,
			HiddenScore: r.Record.HiddenScore,
		})
	}

	s.metrics.RankBuilt(time.Since(start))
	return entries, nil
}

// template returns the parsed template of a game, loading it on first use
func (s *LeaderboardService) template(ctx context.Context, gameID string) (*domain.Template, error) {
	s.mu.RLock()
	tpl, ok := s.templates[gameID]
	gen := s.gen
	s.mu.RUnlock()
	if ok {
		return tpl, nil
	}

	game, err := s.store.GetGame(ctx, gameID)
	if err != nil {
		if errors.Is(err, domain.ErrGameNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("loading game: %w", err)
	}

	s.mu.Lock()
	if s.gen == gen {
		s.templates[gameID] = game.Template
	}
	s.mu.Unlock()
	return game.Template, nil
}

func (s *LeaderboardService) storeTemplate(gameID string, tpl *domain.Template) {
	s.mu.Lock()
	s.templates[gameID] = tpl
	s.gen++
	s.mu.Unlock()
}

func (s *LeaderboardService) evictTemplate(gameID string) {
	s.mu.Lock()
	delete(s.templates, gameID)
	s.gen++
	s.mu.Unlock()
}

func (s *LeaderboardService) boardGeneration(gameID string) uint64 {
	s.boardMu.Lock()
	defer s.boardMu.Unlock()
	return s.boardGen[gameID]
}

// fillCache stores a leaderboard built at generation gen unless a write
// has invalidated the game since. The lock is held across the write so an
// invalidation either stops it or deletes it afterwards.
func (s *LeaderboardService) fillCache(ctx context.Context, gameID string, gen uint64, entries []domain.LeaderboardEntry) error {
	s.boardMu.Lock()
	defer s.boardMu.Unlock()

	if s.boardGen[gameID] != gen {
		return nil
	}
	return s.cache.Set(ctx, gameID, entries)
}

// rankOf computes the rank of a stored record from the count of records
// ahead of it
func (s *LeaderboardService) rankOf(ctx context.Context, rec domain.ScoreRecord, tpl *domain.Template) (int64, error) {
	ahead, err := s.store.CountAhead(ctx, rec, tpl.KeepLowerScores, tpl.AllowTies)
	if err != nil {
		return 0, fmt.Errorf("ranking score: %w", err)
	}
	return ahead + 1, nil
}

// invalidate drops cached leaderboards after a write. Cache failures are
// logged; the entry expires on its own.
func (s *LeaderboardService) invalidate(ctx context.Context, gameIDs ...string) {
	if len(gameIDs) == 0 {
		return
	}
	s.boardMu.Lock()
	for _, id := range gameIDs {
		s.boardGen[id]++
	}
	s.boardMu.Unlock()

	if err := s.cache.Invalidate(ctx, gameIDs...); err != nil {
		s.logger.Warn("leaderboard cache invalidation failed", "games", gameIDs, "error", err)
	}
}

func (s *LeaderboardService) invalidatePlayerGames(ctx context.Context, playerID string) {
	games, err := s.store.GamesForPlayer(ctx, playerID)
	if err != nil {
		s.logger.Warn("listing player games failed", "player_id", playerID, "error", err)
		return
	}
	s.invalidate(ctx, games...)
}

type noopCache struct{}

func (noopCache) Get(context.Context, string) ([]domain.LeaderboardEntry, bool, error) {
	return nil, false, nil
}
func (noopCache) Set(context.Context, string, []domain.LeaderboardEntry) error { return nil }
func (noopCache) Invalidate(context.Context, ...string) error                  { return nil }

type noopBroadcaster struct{}

func (noopBroadcaster) BroadcastScoreUpdate(string, domain.SubmitResult) {}
func (noopBroadcaster) BroadcastLeaderboardReset(string, string)         {}

type noopMetrics struct{}

func (noopMetrics) SubmissionAccepted(string) {}
func (noopMetrics) SubmissionRejected(string) {}
func (noopMetrics) CacheHit()                 {}
func (noopMetrics) CacheMiss()                {}
func (noopMetrics) RankBuilt(time.Duration)   {}
func (noopMetrics) BatchIngested(int)         {}
