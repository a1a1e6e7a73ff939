// Package profile stores persistent player data in Postgres: ratings,
// win/loss records, and per-match rating history. Match results move
// ratings with Elo.
package profile

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// ErrNotFound means no player row exists for the id.
var ErrNotFound = errors.New("profile: player not found")

// Player is one row of the players table.
type Player struct {
	ID        string    `json:"player_id"`
	Username  string    `json:"username"`
	MMR       int       `json:"mmr"`
	Wins      int       `json:"wins"`
	Losses    int       `json:"losses"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MatchOutcome reports which players won and lost a finished match.
type MatchOutcome struct {
	MatchID string
	Winners []string
	Losers  []string
}

// Store wraps the Postgres connection.
type Store struct {
	db *sql.DB
}

// Open connects to Postgres and verifies the connection.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("profile: open postgres: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("profile: postgres connection failed: %w", err)
	}
	return &Store{db: db}, nil
}

// Migrate applies all pending schema migrations.
func (s *Store) Migrate() error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("profile: load migrations: %w", err)
	}
	driver, err := postgres.WithInstance(s.db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("profile: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("profile: init migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("profile: run migrations: %w", err)
	}
	log.Printf("[profile] schema up to date")
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsurePlayer inserts a player row if none exists, keeping the stored
// username current.
func (s *Store) EnsurePlayer(ctx context.Context, playerID, username string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO players (id, username)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE
		SET username = EXCLUDED.username, updated_at = now()
		WHERE EXCLUDED.username <> ''`,
		playerID, username)
	if err != nil {
		return fmt.Errorf("profile: ensure player %s: %w", playerID, err)
	}
	return nil
}

// GetPlayer loads one player.
func (s *Store) GetPlayer(ctx context.Context, playerID string) (*Player, error) {
	var p Player
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, mmr, wins, losses, created_at, updated_at
		FROM players WHERE id = $1`, playerID).
		Scan(&p.ID, &p.Username, &p.MMR, &p.Wins, &p.Losses, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, playerID)
	}
	if err != nil {
		return nil, fmt.Errorf("profile: load player %s: %w", playerID, err)
	}
	return &p, nil
}

// AvgMMR returns the average rating of the given players. Players without
// a row count at the default rating, so fresh accounts can queue.
func (s *Store) AvgMMR(ctx context.Context, playerIDs []string) (int, error) {
	if len(playerIDs) == 0 {
		return 0, fmt.Errorf("profile: no players given")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT mmr FROM players WHERE id = ANY($1)`, pq.Array(playerIDs))
	if err != nil {
		return 0, fmt.Errorf("profile: query ratings: %w", err)
	}
	defer rows.Close()

	sum, found := 0, 0
	for rows.Next() {
		var mmr int
		if err := rows.Scan(&mmr); err != nil {
			return 0, fmt.Errorf("profile: scan rating: %w", err)
		}
		sum += mmr
		found++
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("profile: iterate ratings: %w", err)
	}

	sum += (len(playerIDs) - found) * DefaultMMR
	return sum / len(playerIDs), nil
}

// Leaderboard returns the top players by rating.
func (s *Store) Leaderboard(ctx context.Context, limit int) ([]*Player, error) {
	if limit < 1 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, mmr, wins, losses, created_at, updated_at
		FROM players ORDER BY mmr DESC, id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("profile: query leaderboard: %w", err)
	}
	defer rows.Close()

	var players []*Player
	for rows.Next() {
		var p Player
		if err := rows.Scan(&p.ID, &p.Username, &p.MMR, &p.Wins, &p.Losses, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("profile: scan leaderboard row: %w", err)
		}
		players = append(players, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("profile: iterate leaderboard: %w", err)
	}
	return players, nil
}

// ApplyMatchResult moves every participant's rating in one transaction.
// Each winner is scored against the losing side's average and vice versa;
// replaying a match id is a no-op.
func (s *Store) ApplyMatchResult(ctx context.Context, outcome MatchOutcome) error {
	if len(outcome.Winners) == 0 || len(outcome.Losers) == 0 {
		return fmt.Errorf("profile: match %s needs winners and losers", outcome.MatchID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("profile: begin result tx: %w", err)
	}
	defer tx.Rollback()

	var applied bool
	err = tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM match_results WHERE match_id = $1)`,
		outcome.MatchID).Scan(&applied)
	if err != nil {
		return fmt.Errorf("profile: check result %s: %w", outcome.MatchID, err)
	}
	if applied {
		return nil
	}

	ratings := make(map[string]int)
	for _, id := range append(append([]string{}, outcome.Winners...), outcome.Losers...) {
		var mmr int
		err := tx.QueryRowContext(ctx, `SELECT mmr FROM players WHERE id = $1`, id).Scan(&mmr)
		if errors.Is(err, sql.ErrNoRows) {
			if _, err := tx.ExecContext(ctx, `INSERT INTO players (id) VALUES ($1)`, id); err != nil {
				return fmt.Errorf("profile: create player %s: %w", id, err)
			}
			mmr = DefaultMMR
		} else if err != nil {
			return fmt.Errorf("profile: load rating %s: %w", id, err)
		}
		ratings[id] = mmr
	}

	winAvg := teamAvg(ratings, outcome.Winners)
	loseAvg := teamAvg(ratings, outcome.Losers)

	update := func(playerID string, opponentAvg int, won bool) error {
		before := ratings[playerID]
		score := 0.0
		winCol := 0
		lossCol := 1
		if won {
			score = 1.0
			winCol = 1
			lossCol = 0
		}
		after := before + RatingDelta(before, opponentAvg, score)

		if _, err := tx.ExecContext(ctx, `
			UPDATE players
			SET mmr = $2, wins = wins + $3, losses = losses + $4, updated_at = now()
			WHERE id = $1`,
			playerID, after, winCol, lossCol); err != nil {
			return fmt.Errorf("profile: update rating %s: %w", playerID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO match_results (match_id, player_id, won, mmr_before, mmr_after)
			VALUES ($1, $2, $3, $4, $5)`,
			outcome.MatchID, playerID, won, before, after); err != nil {
			return fmt.Errorf("profile: record result %s/%s: %w", outcome.MatchID, playerID, err)
		}
		return nil
	}

	for _, id := range outcome.Winners {
		if err := update(id, loseAvg, true); err != nil {
			return err
		}
	}
	for _, id := range outcome.Losers {
		if err := update(id, winAvg, false); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("profile: commit result %s: %w", outcome.MatchID, err)
	}
	log.Printf("[profile] applied result match=%s winners=%d losers=%d",
		outcome.MatchID, len(outcome.Winners), len(outcome.Losers))
	return nil
}

func teamAvg(ratings map[string]int, ids []string) int {
	sum := 0
	for _, id := range ids {
		sum += ratings[id]
	}
	return sum / len(ids)
}
