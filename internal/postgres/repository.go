package postgres

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/blitzboard/blitzboard/internal/config"
	"github.com/blitzboard/blitzboard/internal/domain"
	"github.com/blitzboard/blitzboard/internal/scoring"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgForeignKeyViolation = "23503"

	submitAttempts = 3

	fkScoreGame  = "score_records_game_fk"
	fkMemberGame = "memberships_game_fk"
)

// Repository provides PostgreSQL-based data access
type Repository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewRepository creates a new PostgreSQL repository
func NewRepository(ctx context.Context, cfg *config.PostgresConfig, logger *slog.Logger) (*Repository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MinConnections)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return NewRepositoryFromPool(pool, logger), nil
}

// NewRepositoryFromPool wraps an existing pool
func NewRepositoryFromPool(pool *pgxpool.Pool, logger *slog.Logger) *Repository {
	return &Repository{
		pool:   pool,
		logger: logger,
	}
}

// Close closes the database connection pool
func (r *Repository) Close() error {
	r.pool.Close()
	return nil
}

// Ping checks that the database is reachable
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// RunMigrations executes database migrations
func (r *Repository) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS games (
			id VARCHAR(64) PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			template JSON NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS players (
			id VARCHAR(64) PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE SEQUENCE IF NOT EXISTS score_achieved_seq`,
		`CREATE TABLE IF NOT EXISTS score_records (
			game_id VARCHAR(64) NOT NULL,
			player_id VARCHAR(64) NOT NULL,
			attributes JSONB NOT NULL,
			hidden_score DOUBLE PRECISION NOT NULL,
			achieved_seq BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (game_id, player_id),
			CONSTRAINT score_records_game_fk FOREIGN KEY (game_id) REFERENCES games(id) ON DELETE CASCADE,
			CONSTRAINT score_records_player_fk FOREIGN KEY (player_id) REFERENCES players(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS memberships (
			game_id VARCHAR(64) NOT NULL,
			player_id VARCHAR(64) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (game_id, player_id),
			CONSTRAINT memberships_game_fk FOREIGN KEY (game_id) REFERENCES games(id) ON DELETE CASCADE,
			CONSTRAINT memberships_player_fk FOREIGN KEY (player_id) REFERENCES players(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_score_records_player ON score_records(player_id)`,
		`CREATE INDEX IF NOT EXISTS idx_score_records_rank ON score_records(game_id, hidden_score, achieved_seq)`,
		`CREATE INDEX IF NOT EXISTS idx_memberships_player ON memberships(player_id)`,
	}

	for _, migration := range migrations {
		_, err := r.pool.Exec(ctx, migration)
		if err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	r.logger.Info("database migrations completed")
	return nil
}

// CreateGame inserts a new game
func (r *Repository) CreateGame(ctx context.Context, game domain.Game) error {
	template, err := json.Marshal(game.Template)
	if err != nil {
		return fmt.Errorf("marshaling template: %w", err)
	}

	query := `
		INSERT INTO games (id, name, template, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`
	result, err := r.pool.Exec(ctx, query, game.ID, game.Name, template, game.CreatedAt, game.UpdatedAt)
	if err != nil {
		return fmt.Errorf("creating game: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrGameExists
	}
	return nil
}

// GetGame retrieves a game by ID
func (r *Repository) GetGame(ctx context.Context, gameID string) (*domain.Game, error) {
	query := `
		SELECT id, name, template, created_at, updated_at
		FROM games
		WHERE id = $1
	`
	game, err := scanGame(r.pool.QueryRow(ctx, query, gameID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrGameNotFound
		}
		return nil, fmt.Errorf("getting game: %w", err)
	}
	return game, nil
}

// ListGames retrieves all games
func (r *Repository) ListGames(ctx context.Context) ([]domain.Game, error) {
	query := `
		SELECT id, name, template, created_at, updated_at
		FROM games
		ORDER BY created_at, id
	`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing games: %w", err)
	}
	defer rows.Close()

	var games []domain.Game
	for rows.Next() {
		game, err := scanGame(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning game: %w", err)
		}
		games = append(games, *game)
	}
	return games, rows.Err()
}

// UpdateGame replaces the name and template of a game
func (r *Repository) UpdateGame(ctx context.Context, game domain.Game) error {
	template, err := json.Marshal(game.Template)
	if err != nil {
		return fmt.Errorf("marshaling template: %w", err)
	}

	query := `UPDATE games SET name = $2, template = $3, updated_at = $4 WHERE id = $1`
	result, err := r.pool.Exec(ctx, query, game.ID, game.Name, template, game.UpdatedAt)
	if err != nil {
		return fmt.Errorf("updating game: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrGameNotFound
	}
	return nil
}

// DeleteGame removes a game; score records and memberships cascade
func (r *Repository) DeleteGame(ctx context.Context, gameID string) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM games WHERE id = $1`, gameID)
	if err != nil {
		return fmt.Errorf("deleting game: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrGameNotFound
	}
	return nil
}

// CreatePlayer inserts a new player
func (r *Repository) CreatePlayer(ctx context.Context, player domain.Player) error {
	query := `
		INSERT INTO players (id, name, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`
	result, err := r.pool.Exec(ctx, query, player.ID, player.Name, player.CreatedAt)
	if err != nil {
		return fmt.Errorf("creating player: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrPlayerExists
	}
	return nil
}

// GetPlayer retrieves a player by ID
func (r *Repository) GetPlayer(ctx context.Context, playerID string) (*domain.Player, error) {
	var p domain.Player
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, created_at FROM players WHERE id = $1`, playerID,
	).Scan(&p.ID, &p.Name, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrPlayerNotFound
		}
		return nil, fmt.Errorf("getting player: %w", err)
	}
	return &p, nil
}

// ListPlayers retrieves all players
func (r *Repository) ListPlayers(ctx context.Context) ([]domain.Player, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, created_at FROM players ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("listing players: %w", err)
	}
	defer rows.Close()

	var players []domain.Player
	for rows.Next() {
		var p domain.Player
		if err := rows.Scan(&p.ID, &p.Name, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning player: %w", err)
		}
		players = append(players, p)
	}
	return players, rows.Err()
}

// RenamePlayer changes a player's name
func (r *Repository) RenamePlayer(ctx context.Context, playerID, name string) error {
	result, err := r.pool.Exec(ctx, `UPDATE players SET name = $2 WHERE id = $1`, playerID, name)
	if err != nil {
		return fmt.Errorf("renaming player: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrPlayerNotFound
	}
	return nil
}

// DeletePlayer removes a player; score records and memberships cascade
func (r *Repository) DeletePlayer(ctx context.Context, playerID string) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM players WHERE id = $1`, playerID)
	if err != nil {
		return fmt.Errorf("deleting player: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrPlayerNotFound
	}
	return nil
}

// errScoreVanished reports that the row which made the insert conflict was
// deleted before it could be locked
var errScoreVanished = errors.New("score deleted during submission")

// execer is satisfied by both the pool and a transaction
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// SubmitScore applies the best-score update policy in one transaction.
// The insert claims an absent key; otherwise the row lock taken by
// SELECT ... FOR UPDATE serialises the compare and the update. A created or
// updated record writes its membership in the same transaction. When a
// concurrent delete removes the conflicting row, the insert is tried again.
func (r *Repository) SubmitScore(ctx context.Context, rec domain.ScoreRecord, keepLower bool) (domain.SubmitStatus, *domain.ScoreRecord, error) {
	attributes, err := json.Marshal(rec.Attributes)
	if err != nil {
		return "", nil, fmt.Errorf("marshaling attributes: %w", err)
	}

	for attempt := 1; ; attempt++ {
		status, stored, err := r.submit(ctx, rec, attributes, keepLower)
		if !errors.Is(err, errScoreVanished) || attempt == submitAttempts {
			return status, stored, err
		}
		r.logger.Debug("score deleted during submission, retrying",
			"game_id", rec.GameID,
			"player_id", rec.PlayerID,
			"attempt", attempt,
		)
	}
}

func (r *Repository) submit(ctx context.Context, rec domain.ScoreRecord, attributes []byte, keepLower bool) (domain.SubmitStatus, *domain.ScoreRecord, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now()
	insert := `
		INSERT INTO score_records (game_id, player_id, attributes, hidden_score, achieved_seq, created_at, updated_at)
		VALUES ($1, $2, $3, $4, nextval('score_achieved_seq'), $5, $5)
		ON CONFLICT (game_id, player_id) DO NOTHING
		RETURNING game_id, player_id, attributes, hidden_score, achieved_seq, created_at, updated_at
	`
	created, err := scanScore(tx.QueryRow(ctx, insert, rec.GameID, rec.PlayerID, attributes, rec.HiddenScore, now))
	switch {
	case err == nil:
		if err := joinGame(ctx, tx, rec.GameID, rec.PlayerID, now); err != nil {
			return "", nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			return "", nil, fmt.Errorf("committing score: %w", err)
		}
		return domain.SubmitCreated, created, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return "", nil, mapForeignKey(err, fkScoreGame, "inserting score")
	}

	current, err := scanScore(tx.QueryRow(ctx, `
		SELECT game_id, player_id, attributes, hidden_score, achieved_seq, created_at, updated_at
		FROM score_records
		WHERE game_id = $1 AND player_id = $2
		FOR UPDATE
	`, rec.GameID, rec.PlayerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil, errScoreVanished
		}
		return "", nil, fmt.Errorf("locking score: %w", err)
	}

	better := rec.HiddenScore > current.HiddenScore
	if keepLower {
		better = rec.HiddenScore < current.HiddenScore
	}
	if !better {
		return domain.SubmitUnchanged, current, nil
	}

	updated, err := scanScore(tx.QueryRow(ctx, `
		UPDATE score_records
		SET attributes = $3, hidden_score = $4, achieved_seq = nextval('score_achieved_seq'), updated_at = $5
		WHERE game_id = $1 AND player_id = $2
		RETURNING game_id, player_id, attributes, hidden_score, achieved_seq, created_at, updated_at
	`, rec.GameID, rec.PlayerID, attributes, rec.HiddenScore, now))
	if err != nil {
		return "", nil, fmt.Errorf("updating score: %w", err)
	}
	if err := joinGame(ctx, tx, rec.GameID, rec.PlayerID, now); err != nil {
		return "", nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", nil, fmt.Errorf("committing score: %w", err)
	}
	return domain.SubmitUpdated, updated, nil
}

// CountAhead counts the records ranked strictly ahead of rec. The range
// conditions are served by idx_score_records_rank.
func (r *Repository) CountAhead(ctx context.Context, rec domain.ScoreRecord, keepLower, allowTies bool) (int64, error) {
	query := `
		SELECT count(*) FROM score_records
		WHERE game_id = $1
		  AND (hidden_score > $2 OR (NOT $3 AND hidden_score = $2 AND achieved_seq < $4))
	`
	if keepLower {
		query = `
			SELECT count(*) FROM score_records
			WHERE game_id = $1
			  AND (hidden_score < $2 OR (NOT $3 AND hidden_score = $2 AND achieved_seq < $4))
		`
	}

	var ahead int64
	if err := r.pool.QueryRow(ctx, query, rec.GameID, rec.HiddenScore, allowTies, int64(rec.Sequence)).Scan(&ahead); err != nil {
		return 0, fmt.Errorf("counting scores ahead: %w", err)
	}
	return ahead, nil
}

// GetScore retrieves the record of one player in one game
func (r *Repository) GetScore(ctx context.Context, gameID, playerID string) (*domain.ScoreRecord, error) {
	rec, err := scanScore(r.pool.QueryRow(ctx, `
		SELECT game_id, player_id, attributes, hidden_score, achieved_seq, created_at, updated_at
		FROM score_records
		WHERE game_id = $1 AND player_id = $2
	`, gameID, playerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrScoreNotFound
		}
		return nil, fmt.Errorf("getting score: %w", err)
	}
	return rec, nil
}

// ListScoresForGame retrieves all records of a game
func (r *Repository) ListScoresForGame(ctx context.Context, gameID string) ([]domain.ScoreRecord, error) {
	return r.listScores(ctx, `
		SELECT game_id, player_id, attributes, hidden_score, achieved_seq, created_at, updated_at
		FROM score_records
		WHERE game_id = $1
	`, gameID)
}

// ListScoresForPlayer retrieves all records of a player ordered by game
func (r *Repository) ListScoresForPlayer(ctx context.Context, playerID string) ([]domain.ScoreRecord, error) {
	return r.listScores(ctx, `
		SELECT game_id, player_id, attributes, hidden_score, achieved_seq, created_at, updated_at
		FROM score_records
		WHERE player_id = $1
		ORDER BY game_id
	`, playerID)
}

func (r *Repository) listScores(ctx context.Context, query string, arg string) ([]domain.ScoreRecord, error) {
	rows, err := r.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("listing scores: %w", err)
	}
	defer rows.Close()

	var recs []domain.ScoreRecord
	for rows.Next() {
		rec, err := scanScore(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning score: %w", err)
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

// DeleteScore removes the record of one player in one game
func (r *Repository) DeleteScore(ctx context.Context, gameID, playerID string) (bool, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM score_records WHERE game_id = $1 AND player_id = $2`, gameID, playerID)
	if err != nil {
		return false, fmt.Errorf("deleting score: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// DeleteScoresForGame clears all records of a game
func (r *Repository) DeleteScoresForGame(ctx context.Context, gameID string) (int64, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM score_records WHERE game_id = $1`, gameID)
	if err != nil {
		return 0, fmt.Errorf("deleting game scores: %w", err)
	}
	return result.RowsAffected(), nil
}

// DeleteScoresForPlayer clears all records of a player
func (r *Repository) DeleteScoresForPlayer(ctx context.Context, playerID string) (int64, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM score_records WHERE player_id = $1`, playerID)
	if err != nil {
		return 0, fmt.Errorf("deleting player scores: %w", err)
	}
	return result.RowsAffected(), nil
}

// EnsureMembership records participation; repeated calls are no-ops
func (r *Repository) EnsureMembership(ctx context.Context, gameID, playerID string) error {
	return joinGame(ctx, r.pool, gameID, playerID, time.Now())
}

func joinGame(ctx context.Context, db execer, gameID, playerID string, at time.Time) error {
	_, err := db.Exec(ctx, `
		INSERT INTO memberships (game_id, player_id, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (game_id, player_id) DO NOTHING
	`, gameID, playerID, at)
	if err != nil {
		return mapForeignKey(err, fkMemberGame, "ensuring membership")
	}
	return nil
}

// GamesForPlayer lists the games a player has ever scored in
func (r *Repository) GamesForPlayer(ctx context.Context, playerID string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT game_id FROM memberships WHERE player_id = $1 ORDER BY game_id`, playerID)
	if err != nil {
		return nil, fmt.Errorf("listing memberships: %w", err)
	}
	defer rows.Close()

	var games []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning membership: %w", err)
		}
		games = append(games, id)
	}
	return games, rows.Err()
}

func scanGame(row pgx.Row) (*domain.Game, error) {
	var (
		game     domain.Game
		template []byte
	)
	if err := row.Scan(&game.ID, &game.Name, &template, &game.CreatedAt, &game.UpdatedAt); err != nil {
		return nil, err
	}
	tpl, err := scoring.ParseTemplate(template)
	if err != nil {
		return nil, fmt.Errorf("decoding template of game %s: %w", game.ID, err)
	}
	game.Template = tpl
	return &game, nil
}

func scanScore(row pgx.Row) (*domain.ScoreRecord, error) {
	var (
		rec        domain.ScoreRecord
		attributes []byte
		seq        int64
	)
	err := row.Scan(&rec.GameID, &rec.PlayerID, &attributes, &rec.HiddenScore, &seq, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(attributes))
	dec.UseNumber()
	if err := dec.Decode(&rec.Attributes); err != nil {
		return nil, fmt.Errorf("decoding attributes: %w", err)
	}
	rec.Sequence = uint64(seq)
	return &rec, nil
}

// mapForeignKey turns a foreign key violation into the matching not-found
// error; gameConstraint names the constraint that points at games.
func mapForeignKey(err error, gameConstraint, action string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
		if pgErr.ConstraintName == gameConstraint {
			return domain.ErrGameNotFound
		}
		return domain.ErrPlayerNotFound
	}
	return fmt.Errorf("%s: %w", action, err)
}
