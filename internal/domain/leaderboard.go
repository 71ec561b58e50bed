package domain

import (
	"encoding/json"
	"time"
)

// SubmitStatus is the outcome of a score submission against the stored record
type SubmitStatus string

const (
	SubmitCreated   SubmitStatus = "created"
	SubmitUpdated   SubmitStatus = "updated"
	SubmitUnchanged SubmitStatus = "unchanged"
)

// ScoreRecord is the best score a player holds in a game.
// Sequence increases every time a hidden score is written anywhere in the
// store, so among equal hidden scores the lower sequence achieved it first.
type ScoreRecord struct {
	GameID      string         `json:"game_id"`
	PlayerID    string         `json:"player_id"`
	Attributes  map[string]any `json:"attributes"`
	HiddenScore float64        `json:"hidden_score"`
	Sequence    uint64         `json:"-"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// RankedRecord pairs a score record with its rank in the game leaderboard
type RankedRecord struct {
	Record ScoreRecord
	Rank   int64
}

// LeaderboardEntry represents a single entry in the leaderboard
type LeaderboardEntry struct {
	Rank        int64          `json:"rank"`
	PlayerID    string         `json:"player_id"`
	Name        string         `json:"name"`
	Score       map[string]any `json:"score"`
	HiddenScore float64        `json:"hidden_score"`
}

// SubmitResult is returned by a score submission
type SubmitResult struct {
	GameID      string       `json:"game_id"`
	PlayerID    string       `json:"player_id"`
	Status      SubmitStatus `json:"status"`
	Rank        int64        `json:"rank"`
	HiddenScore float64      `json:"hidden_score"`
}

// ScoreSubmission represents a score submitted through an asynchronous channel.
// Attributes are kept raw and validated against the game template on submit.
type ScoreSubmission struct {
	GameID     string          `json:"game_id"`
	PlayerID   string          `json:"player_id"`
	Attributes json.RawMessage `json:"attributes"`
}

// BatchScoreSubmission represents multiple score submissions
type BatchScoreSubmission struct {
	Scores []ScoreSubmission `json:"scores"`
}
