package agents

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// SQLConfig configures a SQL state store.
type SQLConfig struct {
	// Driver is "postgres" (also CockroachDB) or "sqlite".
	Driver string `yaml:"driver" json:"driver"`
	DSN    string `yaml:"dsn" json:"dsn"`

	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns,omitempty"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns,omitempty"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime,omitempty"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout" json:"connect_timeout,omitempty"`
}

// DefaultSQLConfig returns the pool settings used when a field is zero.
func DefaultSQLConfig() SQLConfig {
	return SQLConfig{
		Driver:          "postgres",
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// SQLStore keeps agent state in a relational database. The table is
// created on open.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// NewSQLStore opens the database, verifies the connection and creates the
// agent_states table if needed.
func NewSQLStore(cfg SQLConfig) (*SQLStore, error) {
	defaults := DefaultSQLConfig()
	if cfg.Driver == "" {
		cfg.Driver = defaults.Driver
	}
	if cfg.Driver != "postgres" && cfg.Driver != "sqlite" {
		return nil, fmt.Errorf("unsupported state store driver %q", cfg.Driver)
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("state store dsn is required")
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = defaults.MaxOpenConns
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = defaults.MaxIdleConns
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = defaults.ConnMaxLifetime
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaults.ConnectTimeout
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.Driver == "sqlite" {
		// SQLite serializes writers; one connection avoids SQLITE_BUSY.
		cfg.MaxOpenConns = 1
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := newSQLStore(db, cfg.Driver)
	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func newSQLStore(db *sql.DB, driver string) *SQLStore {
	return &SQLStore{db: db, driver: driver}
}

// rebind rewrites $N placeholders to ? for SQLite.
func (s *SQLStore) rebind(query string) string {
	if s.driver != "sqlite" {
		return query
	}
	for i := 9; i >= 1; i-- {
		query = strings.ReplaceAll(query, "$"+strconv.Itoa(i), "?")
	}
	return query
}

func (s *SQLStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS agent_states (
			agent_name TEXT NOT NULL,
			thread_id  TEXT NOT NULL,
			node_name  TEXT NOT NULL DEFAULT '',
			state      TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (agent_name, thread_id)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create agent_states table: %w", err)
	}
	return nil
}

// Load returns ErrStateNotFound for unknown threads.
func (s *SQLStore) Load(ctx context.Context, agentName, threadID string) (*StateRecord, error) {
	record := &StateRecord{AgentName: agentName, ThreadID: threadID}
	var state string

	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT node_name, state, updated_at
		FROM agent_states WHERE agent_name = $1 AND thread_id = $2
	`), agentName, threadID).Scan(&record.NodeName, &state, &record.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load agent state: %w", err)
	}
	if state != "" {
		record.State = json.RawMessage(state)
	}
	return record, nil
}

// Save upserts the record.
func (s *SQLStore) Save(ctx context.Context, record *StateRecord) error {
	if record == nil {
		return errors.New("state record is required")
	}
	if record.AgentName == "" || record.ThreadID == "" {
		return errors.New("agent name and thread id are required")
	}
	state := string(record.State)
	if state == "" {
		state = "null"
	}
	updatedAt := record.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO agent_states (agent_name, thread_id, node_name, state, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (agent_name, thread_id) DO UPDATE SET
			node_name = excluded.node_name,
			state = excluded.state,
			updated_at = excluded.updated_at
	`), record.AgentName, record.ThreadID, record.NodeName, state, updatedAt)
	if err != nil {
		return fmt.Errorf("failed to save agent state: %w", err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, agentName, threadID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		DELETE FROM agent_states WHERE agent_name = $1 AND thread_id = $2
	`), agentName, threadID)
	if err != nil {
		return fmt.Errorf("failed to delete agent state: %w", err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
