// Package store defines the persistence boundary of the leaderboard engine
// and provides an in-memory implementation of it.
package store

import (
	"context"

	"github.com/blitzboard/blitzboard/internal/domain"
)

// GameStore persists games and their templates
type GameStore interface {
	CreateGame(ctx context.Context, game domain.Game) error
	GetGame(ctx context.Context, gameID string) (*domain.Game, error)
	ListGames(ctx context.Context) ([]domain.Game, error)
	// UpdateGame replaces the name and template of a game in one step
	UpdateGame(ctx context.Context, game domain.Game) error
	// DeleteGame removes a game with its score records and memberships
	DeleteGame(ctx context.Context, gameID string) error
}

// PlayerStore persists players
type PlayerStore interface {
	CreatePlayer(ctx context.Context, player domain.Player) error
	GetPlayer(ctx context.Context, playerID string) (*domain.Player, error)
	ListPlayers(ctx context.Context) ([]domain.Player, error)
	RenamePlayer(ctx context.Context, playerID, name string) error
	// DeletePlayer removes a player with its score records and memberships
	DeletePlayer(ctx context.Context, playerID string) error
}

// ScoreStore persists at most one score record per (game, player)
type ScoreStore interface {
	// SubmitScore creates the record if absent, replaces it if rec's hidden
	// score is strictly better under keepLower, and otherwise leaves it as is.
	// The read-compare-write is atomic per key, and a created or updated
	// record records the (game, player) membership in the same step. The
	// returned record is the one stored after the call.
	SubmitScore(ctx context.Context, rec domain.ScoreRecord, keepLower bool) (domain.SubmitStatus, *domain.ScoreRecord, error)
	GetScore(ctx context.Context, gameID, playerID string) (*domain.ScoreRecord, error)
	// CountAhead counts the records of rec's game ranked strictly ahead of
	// rec. With allowTies only a strictly better hidden score counts; without
	// it an equal score with a lower sequence counts too.
	CountAhead(ctx context.Context, rec domain.ScoreRecord, keepLower, allowTies bool) (int64, error)
	ListScoresForGame(ctx context.Context, gameID string) ([]domain.ScoreRecord, error)
	ListScoresForPlayer(ctx context.Context, playerID string) ([]domain.ScoreRecord, error)
	// DeleteScore reports whether a record was removed
	DeleteScore(ctx context.Context, gameID, playerID string) (bool, error)
	DeleteScoresForGame(ctx context.Context, gameID string) (int64, error)
	DeleteScoresForPlayer(ctx context.Context, playerID string) (int64, error)
}

// MembershipStore records which players have ever scored in which games
type MembershipStore interface {
	// EnsureMembership is idempotent
	EnsureMembership(ctx context.Context, gameID, playerID string) error
	GamesForPlayer(ctx context.Context, playerID string) ([]string, error)
}

// Store is the full persistence collaborator of the leaderboard service
type Store interface {
	GameStore
	PlayerStore
	ScoreStore
	MembershipStore
	Close() error
}
