package task

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/GoCodeAlone/lexagent/agent"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id          TEXT PRIMARY KEY,
	agent_type  TEXT NOT NULL,
	action      TEXT NOT NULL,
	status      TEXT NOT NULL,
	progress    INTEGER NOT NULL DEFAULT 0,
	payload     TEXT NOT NULL DEFAULT '',
	result      TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL DEFAULT '',
	retry_of    TEXT NOT NULL DEFAULT '',
	created_at  DATETIME NOT NULL,
	updated_at  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
`

const columns = `id, agent_type, action, status, progress, payload, result, error, retry_of, created_at, updated_at`

// SQLiteStore persists tasks in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and ensures
// the tasks table exists. The caller is responsible for calling Close.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Create persists a new task and sets its ID, CreatedAt, and UpdatedAt.
func (s *SQLiteStore) Create(t *Task) (string, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	payload, result, err := encodeBodies(t)
	if err != nil {
		return "", err
	}

	_, err = s.db.Exec(`INSERT INTO tasks (`+columns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, string(t.AgentType), string(t.Action), string(t.Status), t.Progress,
		payload, result, t.Error, t.RetryOf,
		t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("insert task: %w", err)
	}
	return t.ID, nil
}

// Get retrieves a task by ID.
func (s *SQLiteStore) Get(id string) (*Task, error) {
	row := s.db.QueryRow(`SELECT `+columns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t, err
}

// Update saves changes to an existing task, updating UpdatedAt automatically.
func (s *SQLiteStore) Update(t *Task) error {
	t.UpdatedAt = time.Now().UTC()
	payload, result, err := encodeBodies(t)
	if err != nil {
		return err
	}

	res, err := s.db.Exec(`
		UPDATE tasks SET
			agent_type=?, action=?, status=?, progress=?,
			payload=?, result=?, error=?, retry_of=?, updated_at=?
		WHERE id=?`,
		string(t.AgentType), string(t.Action), string(t.Status), t.Progress,
		payload, result, t.Error, t.RetryOf, t.UpdatedAt,
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, t.ID)
	}
	return nil
}

// List returns tasks matching the filter, newest first.
func (s *SQLiteStore) List(filter Filter) ([]*Task, error) {
	q := strings.Builder{}
	q.WriteString("SELECT " + columns + " FROM tasks WHERE 1=1")
	args := []any{}

	if filter.Status != nil {
		q.WriteString(" AND status=?")
		args = append(args, string(*filter.Status))
	}
	if filter.AgentType != "" {
		q.WriteString(" AND agent_type=?")
		args = append(args, string(filter.AgentType))
	}
	q.WriteString(" ORDER BY created_at DESC, id ASC")
	if filter.Limit > 0 {
		q.WriteString(fmt.Sprintf(" LIMIT %d", filter.Limit))
		if filter.Offset > 0 {
			q.WriteString(fmt.Sprintf(" OFFSET %d", filter.Offset))
		}
	}

	rows, err := s.db.Query(q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Delete removes a task by ID.
func (s *SQLiteStore) Delete(id string) error {
	res, err := s.db.Exec("DELETE FROM tasks WHERE id=?", id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func encodeBodies(t *Task) (payload, result string, err error) {
	if t.Payload != nil {
		b, err := json.Marshal(t.Payload)
		if err != nil {
			return "", "", fmt.Errorf("encode payload: %w", err)
		}
		payload = string(b)
	}
	if t.Result != nil {
		b, err := json.Marshal(t.Result)
		if err != nil {
			return "", "", fmt.Errorf("encode result: %w", err)
		}
		result = string(b)
	}
	return payload, result, nil
}

// scanner abstracts sql.Row and sql.Rows for scanTask.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*Task, error) {
	var t Task
	var agentType, action, status, payload, result string

	err := s.Scan(
		&t.ID, &agentType, &action, &status, &t.Progress,
		&payload, &result, &t.Error, &t.RetryOf,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.AgentType = agent.Type(agentType)
	t.Action = agent.Action(action)
	t.Status = Status(status)

	if payload != "" {
		if t.Payload, err = DecodePayload(t.AgentType, []byte(payload)); err != nil {
			return nil, fmt.Errorf("task %s: decode payload: %w", t.ID, err)
		}
	}
	if result != "" {
		if t.Result, err = DecodeResult(t.AgentType, []byte(result)); err != nil {
			return nil, fmt.Errorf("task %s: decode result: %w", t.ID, err)
		}
	}
	return &t, nil
}
