// Package audit records every analysed round and every topology transition in a
// SQLite ledger for offline inspection.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/psychesim/dynamics/internal/models"
)

// Config holds ledger configuration
type Config struct {
	Path string `yaml:"path"` // ":memory:" keeps the ledger in process
}

// DefaultConfig returns default ledger configuration
func DefaultConfig() *Config {
	return &Config{Path: "~/.psyche/audit.db"}
}

// Validate checks the ledger settings
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Path) == "" {
		return models.NewConfigurationError("audit.path", "is required")
	}
	return nil
}

// RoundEntry is one analysed round
type RoundEntry struct {
	SessionID    string
	Iteration    int
	RecordedAt   time.Time
	Agents       int
	State        models.StateVector
	Mode         models.Mode
	Intervention string
}

// TransitionEntry is one topology mode change
type TransitionEntry struct {
	SessionID  string
	Iteration  int
	From       models.Mode
	To         models.Mode
	Stagnation float64
	At         time.Time
}

// Summary aggregates the ledger of one session
type Summary struct {
	SessionID      string
	Rounds         int
	Transitions    int
	MeanStagnation float64
	MaxConflict    float64
	LastRecordedAt time.Time
}

// Ledger is a SQLite-backed audit trail
type Ledger struct {
	db *sql.DB
}

// Open opens (or creates) the ledger
func Open(config *Config) (*Ledger, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	path := config.Path
	if path != ":memory:" {
		if strings.HasPrefix(path, "~/") {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("failed to resolve home directory: %w", err)
			}
			path = filepath.Join(home, path[2:])
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	l := &Ledger{db: db}
	if err := l.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return l, nil
}

func (l *Ledger) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS rounds (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		iteration INTEGER NOT NULL,
		recorded_at DATETIME NOT NULL,
		agents INTEGER NOT NULL,
		conflict REAL NOT NULL,
		engagement REAL NOT NULL,
		diversity REAL NOT NULL,
		repetition REAL NOT NULL,
		emotional_intensity REAL NOT NULL,
		stagnation REAL NOT NULL,
		mode TEXT NOT NULL,
		intervention TEXT
	);

	CREATE TABLE IF NOT EXISTS transitions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		iteration INTEGER NOT NULL,
		from_mode TEXT NOT NULL,
		to_mode TEXT NOT NULL,
		stagnation REAL NOT NULL,
		at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_rounds_session ON rounds(session_id, iteration);
	CREATE INDEX IF NOT EXISTS idx_transitions_session ON transitions(session_id);
	`

	_, err := l.db.Exec(schema)
	return err
}

// RecordRound appends a round entry
func (l *Ledger) RecordRound(ctx context.Context, e RoundEntry) error {
	query := `
	INSERT INTO rounds (
		session_id, iteration, recorded_at, agents,
		conflict, engagement, diversity, repetition, emotional_intensity, stagnation,
		mode, intervention
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := l.db.ExecContext(ctx, query,
		e.SessionID, e.Iteration, e.RecordedAt.UTC(), e.Agents,
		e.State.Conflict, e.State.Engagement, e.State.Diversity,
		e.State.Repetition, e.State.EmotionalIntensity, e.State.Stagnation,
		string(e.Mode), e.Intervention,
	)
	if err != nil {
		return fmt.Errorf("failed to record round: %w", err)
	}
	return nil
}

// RecordTransition appends a mode change
func (l *Ledger) RecordTransition(ctx context.Context, e TransitionEntry) error {
	query := `
	INSERT INTO transitions (session_id, iteration, from_mode, to_mode, stagnation, at)
	VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := l.db.ExecContext(ctx, query,
		e.SessionID, e.Iteration, string(e.From), string(e.To), e.Stagnation, e.At.UTC())
	if err != nil {
		return fmt.Errorf("failed to record transition: %w", err)
	}
	return nil
}

// Rounds returns up to limit rounds of a session, newest first. limit <= 0 returns all.
func (l *Ledger) Rounds(ctx context.Context, session string, limit int) ([]RoundEntry, error) {
	query := `
	SELECT session_id, iteration, recorded_at, agents,
		conflict, engagement, diversity, repetition, emotional_intensity, stagnation,
		mode, COALESCE(intervention, '')
	FROM rounds
	WHERE session_id = ?
	ORDER BY iteration DESC, id DESC
	`
	args := []interface{}{session}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rounds: %w", err)
	}
	defer rows.Close()

	var entries []RoundEntry
	for rows.Next() {
		var e RoundEntry
		var mode string
		if err := rows.Scan(
			&e.SessionID, &e.Iteration, &e.RecordedAt, &e.Agents,
			&e.State.Conflict, &e.State.Engagement, &e.State.Diversity,
			&e.State.Repetition, &e.State.EmotionalIntensity, &e.State.Stagnation,
			&mode, &e.Intervention,
		); err != nil {
			return nil, fmt.Errorf("failed to scan round: %w", err)
		}
		e.Mode = models.Mode(mode)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Transitions returns every mode change of a session in order
func (l *Ledger) Transitions(ctx context.Context, session string) ([]TransitionEntry, error) {
	query := `
	SELECT session_id, iteration, from_mode, to_mode, stagnation, at
	FROM transitions
	WHERE session_id = ?
	ORDER BY id ASC
	`

	rows, err := l.db.QueryContext(ctx, query, session)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}
	defer rows.Close()

	var entries []TransitionEntry
	for rows.Next() {
		var e TransitionEntry
		var from, to string
		if err := rows.Scan(&e.SessionID, &e.Iteration, &from, &to, &e.Stagnation, &e.At); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		e.From, e.To = models.Mode(from), models.Mode(to)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Summarize aggregates the ledger of one session
func (l *Ledger) Summarize(ctx context.Context, session string) (*Summary, error) {
	s := &Summary{SessionID: session}

	var mean, maxConflict sql.NullFloat64
	var last sql.NullString
	err := l.db.QueryRowContext(ctx, `
	SELECT COUNT(*), AVG(stagnation), MAX(conflict), MAX(recorded_at)
	FROM rounds WHERE session_id = ?
	`, session).Scan(&s.Rounds, &mean, &maxConflict, &last)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize rounds: %w", err)
	}
	s.MeanStagnation = mean.Float64
	s.MaxConflict = maxConflict.Float64
	if last.Valid {
		if t, err := parseSQLiteTime(last.String); err == nil {
			s.LastRecordedAt = t
		}
	}

	if err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transitions WHERE session_id = ?`, session,
	).Scan(&s.Transitions); err != nil {
		return nil, fmt.Errorf("failed to count transitions: %w", err)
	}
	return s, nil
}

// aggregates lose the column type, so go-sqlite3 hands MAX(recorded_at) back as text
func parseSQLiteTime(v string) (time.Time, error) {
	layouts := []string{
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02T15:04:05.999999999-07:00",
		"2006-01-02 15:04:05.999999999",
		"2006-01-02T15:04:05.999999999Z07:00",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", v)
}

// Close closes the database connection
func (l *Ledger) Close() error {
	return l.db.Close()
}
