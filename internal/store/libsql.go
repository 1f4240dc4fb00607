package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/nodeflow/internal/engine"
	"github.com/rendis/nodeflow/pkg/schema"
)

// LibSQLStore implements Store on libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database. dbPath is a file URI such as
// "file:/path/to/nodeflow.db". Call Migrate before first use.
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return a row, so they go through QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate applies pending schema migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Snapshots ---

// SaveSnapshot writes state as the current view of its execution: the
// execution row, every node output and the full variable set.
func (s *LibSQLStore) SaveSnapshot(ctx context.Context, state schema.ExecutionState) error {
	if state.ExecutionID == "" {
		return schema.NewError(schema.ErrCodeValidation, "snapshot has no execution id")
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO executions (id, workflow_id, status, mode, current_node_id, stopped, error, started_at, ended_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status=excluded.status, mode=excluded.mode,
		   current_node_id=excluded.current_node_id, stopped=excluded.stopped, error=excluded.error,
		   started_at=excluded.started_at, ended_at=excluded.ended_at, updated_at=excluded.updated_at`,
		state.ExecutionID, state.WorkflowID, string(state.Status), nullStr(string(state.Mode)),
		nullStr(state.CurrentNodeID), state.Stopped, nullStr(state.Error),
		nullTime(state.StartTime), nullTime(state.EndTime), now,
	)
	if err != nil {
		return fmt.Errorf("upsert execution: %w", err)
	}

	for i, id := range state.Outputs.Keys() {
		out, _ := state.Outputs.Get(id)
		data, err := marshalValue(out.Data)
		if err != nil {
			return fmt.Errorf("marshal output of %s: %w", id, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO node_outputs (execution_id, node_id, position, status, data, error, branch, attempts, started_at, ended_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(execution_id, node_id) DO UPDATE SET position=excluded.position, status=excluded.status,
			   data=excluded.data, error=excluded.error, branch=excluded.branch, attempts=excluded.attempts,
			   started_at=excluded.started_at, ended_at=excluded.ended_at`,
			state.ExecutionID, id, i, string(out.Status), data, nullStr(out.Error), nullStr(out.Branch),
			out.Attempts, nullTime(out.StartTime), nullTime(out.EndTime),
		)
		if err != nil {
			return fmt.Errorf("upsert output of %s: %w", id, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM variables WHERE execution_id = ?`, state.ExecutionID); err != nil {
		return fmt.Errorf("clear variables: %w", err)
	}
	for name, value := range state.Variables {
		raw, err := marshalValue(value)
		if err != nil {
			return fmt.Errorf("marshal variable %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO variables (execution_id, name, value, updated_at) VALUES (?, ?, ?, ?)`,
			state.ExecutionID, name, raw, now,
		); err != nil {
			return fmt.Errorf("insert variable %s: %w", name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

const executionColumns = `id, workflow_id, status, mode, current_node_id, stopped, error, started_at, ended_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*Execution, error) {
	ex := &Execution{}
	var (
		status                string
		mode, current, errMsg sql.NullString
		startedAt, endedAt    sql.NullTime
	)
	if err := row.Scan(&ex.ID, &ex.WorkflowID, &status, &mode, &current, &ex.Stopped, &errMsg,
		&startedAt, &endedAt, &ex.UpdatedAt); err != nil {
		return nil, err
	}
	ex.Status = schema.ExecutionStatus(status)
	ex.Mode = schema.ExecutionMode(mode.String)
	ex.CurrentNodeID = current.String
	ex.Error = errMsg.String
	ex.StartedAt = timePtr(startedAt)
	ex.EndedAt = timePtr(endedAt)
	return ex, nil
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	ex, err := scanExecution(s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("execution", id)
	}
	return ex, err
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	var where []string
	var args []any
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}

	query := `SELECT ` + executionColumns + ` FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC, id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		ex, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) ListNodeOutputs(ctx context.Context, executionID string) ([]*NodeOutput, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT execution_id, node_id, position, status, data, error, branch, attempts, started_at, ended_at
		 FROM node_outputs WHERE execution_id = ? ORDER BY position ASC`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*NodeOutput
	for rows.Next() {
		o := &NodeOutput{}
		var (
			status               string
			data, errMsg, branch sql.NullString
			startedAt, endedAt   sql.NullTime
		)
		if err := rows.Scan(&o.ExecutionID, &o.NodeID, &o.Position, &status, &data, &errMsg, &branch,
			&o.Attempts, &startedAt, &endedAt); err != nil {
			return nil, err
		}
		o.Status = schema.NodeStatus(status)
		o.Data = rawOrNil(data)
		o.Error = errMsg.String
		o.Branch = branch.String
		o.StartedAt = timePtr(startedAt)
		o.EndedAt = timePtr(endedAt)
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) GetVariables(ctx context.Context, executionID string) (map[string]any, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, value FROM variables WHERE execution_id = ? ORDER BY name`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	vars := map[string]any{}
	for rows.Next() {
		var name string
		var raw sql.NullString
		if err := rows.Scan(&name, &raw); err != nil {
			return nil, err
		}
		v, err := unmarshalValue(raw)
		if err != nil {
			return nil, fmt.Errorf("decode variable %s: %w", name, err)
		}
		vars[name] = v
	}
	return vars, rows.Err()
}

// LoadState rebuilds the last saved snapshot of an execution.
func (s *LibSQLStore) LoadState(ctx context.Context, executionID string) (schema.ExecutionState, error) {
	ex, err := s.GetExecution(ctx, executionID)
	if err != nil {
		return schema.ExecutionState{}, err
	}
	outputs, err := s.ListNodeOutputs(ctx, executionID)
	if err != nil {
		return schema.ExecutionState{}, err
	}
	vars, err := s.GetVariables(ctx, executionID)
	if err != nil {
		return schema.ExecutionState{}, err
	}

	state := schema.ExecutionState{
		WorkflowID:    ex.WorkflowID,
		ExecutionID:   ex.ID,
		Status:        ex.Status,
		Mode:          ex.Mode,
		CurrentNodeID: ex.CurrentNodeID,
		StartTime:     ex.StartedAt,
		EndTime:       ex.EndedAt,
		Variables:     vars,
		Error:         ex.Error,
		Stopped:       ex.Stopped,
	}
	for _, o := range outputs {
		var data any
		if len(o.Data) > 0 {
			if err := json.Unmarshal(o.Data, &data); err != nil {
				return schema.ExecutionState{}, fmt.Errorf("decode output of %s: %w", o.NodeID, err)
			}
		}
		state.Outputs.Set(o.NodeID, schema.NodeOutput{
			Status:    o.Status,
			StartTime: o.StartedAt,
			EndTime:   o.EndedAt,
			Data:      data,
			Error:     o.Error,
			Branch:    o.Branch,
			Attempts:  o.Attempts,
		})
	}
	return state, nil
}

func (s *LibSQLStore) DeleteExecution(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"events", "node_outputs", "variables"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE execution_id = ?`, id); err != nil {
			return fmt.Errorf("delete %s: %w", table, err)
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM executions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if err := checkRowsAffected(res, "execution", id); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Events ---

// AppendEvent stores event with the next per-execution sequence number.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *engine.Event) error {
	payload, err := marshalValue(event.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE execution_id = ?`, event.ExecutionID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (execution_id, workflow_id, node_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, event.WorkflowID, nullStr(event.NodeID), event.Type, payload,
		timeOrNow(event.Timestamp), seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

const eventColumns = `id, execution_id, workflow_id, node_id, event_type, payload, timestamp, sequence`

func (s *LibSQLStore) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE execution_id = ? AND sequence > ? ORDER BY sequence ASC`,
		executionID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	where := []string{"event_type = ?"}
	args := []any{eventType}

	if filter.ExecutionID != "" {
		where = append(where, "execution_id = ?")
		args = append(args, filter.ExecutionID)
	}
	if filter.NodeID != "" {
		where = append(where, "node_id = ?")
		args = append(args, filter.NodeID)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + eventColumns + ` FROM events WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY timestamp DESC, id DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var nodeID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.ExecutionID, &e.WorkflowID, &nodeID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.NodeID = nodeID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Secrets ---

func (s *LibSQLStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (key, value, created_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, rotated_at=CURRENT_TIMESTAMP`,
		key, value,
	)
	return err
}

func (s *LibSQLStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("secret", key)
	}
	return value, err
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "secret", key)
}

func (s *LibSQLStore) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM secrets ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.NodeflowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

// marshalValue encodes v as JSON text, storing nil as SQL NULL.
func marshalValue(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalValue(ns sql.NullString) (any, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(ns.String), &v); err != nil {
		return nil, err
	}
	return v, nil
}
