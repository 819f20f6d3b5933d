// Package eventlog provides the durable structured event log backing the
// swarm runtime: task transitions, agent health changes, cache evictions,
// sync failures, deadlock reports, and call timeouts are appended as rows in
// a SQLite database and queryable for display by the CLI.
package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"swarm/pkg/protocol"

	_ "modernc.org/sqlite" // SQLite driver
)

// Event is a single row from the event log.
type Event struct {
	ID        int64
	Type      string
	Source    string
	TaskID    string
	AgentID   string
	Payload   string
	CreatedAt time.Time
}

// QueryOpts specifies filter criteria for querying events.
type QueryOpts struct {
	// TaskID filters events to a specific task.
	TaskID string

	// AgentID filters events to a specific agent.
	AgentID string

	// EventType filters to a specific event type (e.g. "task_state", "deadlock").
	EventType string

	// After filters events created after this time (inclusive).
	After *time.Time

	// Before filters events created before this time (inclusive).
	Before *time.Time

	// Limit restricts the number of results (0 = no limit).
	Limit int
}

// Log appends and queries runtime events.
type Log struct {
	db *sql.DB
}

// Open opens (or creates) the runtime database at dbPath with WAL enabled
// and applies the schema.
func Open(dbPath string) (*Log, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), protocol.SchemaDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Log{db: db}, nil
}

// New wraps an existing database handle. The schema is applied if missing.
func New(db *sql.DB) (*Log, error) {
	if _, err := db.ExecContext(context.Background(), protocol.SchemaDDL); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Log{db: db}, nil
}

// Close releases the database connection. Safe to call multiple times.
func (l *Log) Close() error {
	if l.db != nil {
		return l.db.Close()
	}
	return nil
}

// Append records one event.
func (l *Log) Append(ctx context.Context, evType, source, taskID, agentID, payload string) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO events (type, source, task_id, agent_id, payload) VALUES (?, ?, ?, ?, ?)`,
		evType, source, taskID, agentID, payload)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Archive records a terminal task pruned from the coordinator's graph.
func (l *Log) Archive(ctx context.Context, taskID, state, errorCode string, retries int, createdAt, completedAt time.Time) error {
	var completed any
	if !completedAt.IsZero() {
		completed = completedAt.UTC().Format("2006-01-02 15:04:05")
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO task_archive (task_id, state, error_code, retries, created_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		taskID, state, errorCode, retries, createdAt.UTC().Format("2006-01-02 15:04:05"), completed)
	if err != nil {
		return fmt.Errorf("archive task: %w", err)
	}
	return nil
}

// Query retrieves events matching the given filter criteria, newest first.
// Returns an empty slice if no events match.
func (l *Log) Query(ctx context.Context, opts QueryOpts) ([]Event, error) {
	query, args := buildQuery(opts)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var taskID, agentID, payload sql.NullString
		var createdAtStr string
		if err := rows.Scan(&e.ID, &e.Type, &e.Source, &taskID, &agentID, &payload, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.TaskID = taskID.String
		e.AgentID = agentID.String
		e.Payload = payload.String

		if createdAtStr != "" {
			parsed, err := time.Parse("2006-01-02 15:04:05", createdAtStr)
			if err != nil {
				parsed, err = time.Parse(time.RFC3339, createdAtStr)
				if err != nil {
					return nil, fmt.Errorf("parse created_at: %w", err)
				}
			}
			e.CreatedAt = parsed
		}

		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// buildQuery constructs the SQL query and arguments from QueryOpts.
func buildQuery(opts QueryOpts) (string, []any) {
	var conditions []string
	var args []any

	query := "SELECT id, type, source, task_id, agent_id, payload, created_at FROM events WHERE 1=1"

	if opts.TaskID != "" {
		conditions = append(conditions, "task_id = ?")
		args = append(args, opts.TaskID)
	}
	if opts.AgentID != "" {
		conditions = append(conditions, "agent_id = ?")
		args = append(args, opts.AgentID)
	}
	if opts.EventType != "" {
		conditions = append(conditions, "type = ?")
		args = append(args, opts.EventType)
	}
	if opts.After != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, opts.After.Format("2006-01-02 15:04:05"))
	}
	if opts.Before != nil {
		conditions = append(conditions, "created_at <= ?")
		args = append(args, opts.Before.Format("2006-01-02 15:04:05"))
	}

	if len(conditions) > 0 {
		query += " AND " + strings.Join(conditions, " AND ")
	}

	query += " ORDER BY id DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}

	return query, args
}
