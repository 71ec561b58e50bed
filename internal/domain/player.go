package domain

import "time"

// Player represents a player in the system. Names are not unique.
type Player struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// CreatePlayerRequest represents a request to create a player.
// An empty ID lets the service generate one.
type CreatePlayerRequest struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

// RenamePlayerRequest represents a request to change a player's name
type RenamePlayerRequest struct {
	Name string `json:"name"`
}

// PlayerGameScore is one entry of a player's score listing across games
type PlayerGameScore struct {
	GameID      string         `json:"game_id"`
	Score       map[string]any `json:"score"`
	HiddenScore float64        `json:"hidden_score"`
	UpdatedAt   time.Time      `json:"updated_at"`
}
