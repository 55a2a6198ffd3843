package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"hivewatch/internal/domain"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

const schema = `
CREATE TABLE IF NOT EXISTS executions (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	parent_id TEXT NULL,
	root_id TEXT NOT NULL,
	phase TEXT NOT NULL,
	call_mode TEXT NOT NULL DEFAULT 'sync',
	final_response TEXT NOT NULL DEFAULT '',
	started_at INTEGER NOT NULL,
	completed_at INTEGER NULL
);
CREATE INDEX IF NOT EXISTS idx_executions_parent ON executions(parent_id);
CREATE INDEX IF NOT EXISTS idx_executions_running ON executions(completed_at);

CREATE TABLE IF NOT EXISTS tool_calls (
	id TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL,
	tool_name TEXT NOT NULL,
	parameters TEXT NOT NULL DEFAULT '',
	call_mode TEXT NOT NULL DEFAULT 'sync',
	result TEXT NOT NULL DEFAULT '',
	failed INTEGER NOT NULL DEFAULT 0,
	started_at INTEGER NOT NULL,
	completed_at INTEGER NULL,
	FOREIGN KEY(execution_id) REFERENCES executions(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_tool_calls_execution ON tool_calls(execution_id, started_at);

CREATE TABLE IF NOT EXISTS execution_messages (
	execution_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	tool_name TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	PRIMARY KEY(execution_id, seq),
	FOREIGN KEY(execution_id) REFERENCES executions(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS agents (
	name TEXT PRIMARY KEY,
	description TEXT NOT NULL DEFAULT '',
	system_prompt TEXT NOT NULL DEFAULT '',
	tools TEXT NOT NULL DEFAULT '[]',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS tools (
	name TEXT PRIMARY KEY,
	description TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);
INSERT OR IGNORE INTO meta(key, value) VALUES('revision', 0);
`

const executionColumns = `e.id, e.name, e.parent_id, e.phase, e.call_mode, e.started_at, e.completed_at,
	(SELECT COUNT(*) FROM tool_calls tc WHERE tc.execution_id = e.id AND tc.failed = 1)`

const subtreeCTE = `WITH RECURSIVE subtree(id) AS (
	SELECT id FROM executions WHERE id = ?
	UNION ALL
	SELECT e.id FROM executions e JOIN subtree s ON e.parent_id = s.id
)`

type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// Revision is the snapshot revision. It moves whenever the executions list
// or an error count could have changed.
func (s *Store) Revision(ctx context.Context) (uint64, error) {
	var rev int64
	if err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'revision'`).Scan(&rev); err != nil {
		return 0, fmt.Errorf("read revision: %w", err)
	}
	return uint64(rev), nil
}

func bumpRevision(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, `UPDATE meta SET value = value + 1 WHERE key = 'revision'`); err != nil {
		return fmt.Errorf("bump revision: %w", err)
	}
	return nil
}

// CreateExecution inserts a running execution. The root id is inherited
// from the parent.
func (s *Store) CreateExecution(ctx context.Context, rec domain.ExecutionRecord) error {
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	if rec.Phase == "" {
		rec.Phase = domain.PhaseGenerating
	}
	if rec.CallMode == "" {
		rec.CallMode = domain.CallModeSync
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx create execution: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	rootID := rec.ID
	var parent any
	if !rec.IsRoot() {
		parent = *rec.ParentID
		if err := tx.QueryRowContext(ctx, `SELECT root_id FROM executions WHERE id = ?`, *rec.ParentID).Scan(&rootID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("create execution: parent %s: %w", *rec.ParentID, ErrNotFound)
			}
			return fmt.Errorf("read parent root: %w", err)
		}
	}

	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO executions(id, name, parent_id, root_id, phase, call_mode, started_at, completed_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, NULL)`,
		rec.ID, rec.Name, parent, rootID, string(rec.Phase), string(rec.CallMode), rec.StartedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("create execution: %w", err)
	}
	if err := bumpRevision(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create execution: %w", err)
	}
	return nil
}

// UpdatePhase changes the phase of a running execution. It reports false
// when the execution is missing or already completed.
func (s *Store) UpdatePhase(ctx context.Context, id string, phase domain.Phase) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx update phase: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(ctx, `UPDATE executions SET phase = ? WHERE id = ? AND completed_at IS NULL`, string(phase), id)
	if err != nil {
		return false, fmt.Errorf("update phase: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update phase rows affected: %w", err)
	}
	if affected == 0 {
		return false, nil
	}
	if err := bumpRevision(ctx, tx); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit update phase: %w", err)
	}
	return true, nil
}

// CompleteExecution marks a running execution completed. It reports false
// when the execution was already completed, e.g. by a stop.
func (s *Store) CompleteExecution(ctx context.Context, id string, finalResponse string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx complete execution: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(
		ctx,
		`UPDATE executions SET phase = ?, final_response = ?, completed_at = ?
		WHERE id = ? AND completed_at IS NULL`,
		string(domain.PhaseCompleted), finalResponse, time.Now().UTC().UnixMilli(), id,
	)
	if err != nil {
		return false, fmt.Errorf("complete execution: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("complete execution rows affected: %w", err)
	}
	if affected == 0 {
		return false, nil
	}
	if err := bumpRevision(ctx, tx); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit complete execution: %w", err)
	}
	return true, nil
}

// StopTree completes rootID and every running descendant and returns the
// ids it stopped.
func (s *Store) StopTree(ctx context.Context, rootID string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx stop tree: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM executions WHERE id = ?`, rootID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("lookup execution: %w", err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("stop tree %s: %w", rootID, ErrNotFound)
	}

	ids, err := queryIDs(ctx, tx,
		subtreeCTE+` SELECT e.id FROM executions e JOIN subtree s ON e.id = s.id
		WHERE e.completed_at IS NULL ORDER BY e.started_at`,
		rootID,
	)
	if err != nil {
		return nil, fmt.Errorf("stop tree: %w", err)
	}
	if err := stopIDs(ctx, tx, ids); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit stop tree: %w", err)
	}
	return ids, nil
}

// StopAll completes every running execution and returns the ids it stopped.
func (s *Store) StopAll(ctx context.Context) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx stop all: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	ids, err := queryIDs(ctx, tx, `SELECT id FROM executions WHERE completed_at IS NULL ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("stop all: %w", err)
	}
	if err := stopIDs(ctx, tx, ids); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit stop all: %w", err)
	}
	return ids, nil
}

func queryIDs(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]string, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func stopIDs(ctx context.Context, tx *sql.Tx, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	now := time.Now().UTC().UnixMilli()
	for _, id := range ids {
		if _, err := tx.ExecContext(
			ctx,
			`UPDATE executions SET phase = ?, final_response = 'stopped', completed_at = ? WHERE id = ?`,
			string(domain.PhaseCompleted), now, id,
		); err != nil {
			return fmt.Errorf("stop execution %s: %w", id, err)
		}
		if _, err := tx.ExecContext(
			ctx,
			`UPDATE tool_calls SET result = 'stopped', completed_at = ? WHERE execution_id = ? AND completed_at IS NULL`,
			now, id,
		); err != nil {
			return fmt.Errorf("stop tool calls of %s: %w", id, err)
		}
	}
	return bumpRevision(ctx, tx)
}

func (s *Store) CreateToolCall(ctx context.Context, call domain.ToolCall) error {
	if call.StartedAt.IsZero() {
		call.StartedAt = time.Now().UTC()
	}
	if call.CallMode == "" {
		call.CallMode = domain.CallModeSync
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx create tool call: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO tool_calls(id, execution_id, tool_name, parameters, call_mode, started_at)
		VALUES(?, ?, ?, ?, ?, ?)`,
		call.ID, call.ExecutionID, call.ToolName, string(call.Parameters), string(call.CallMode),
		call.StartedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("create tool call: %w", err)
	}
	if err := bumpRevision(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create tool call: %w", err)
	}
	return nil
}

// CompleteToolCall records the outcome of a tool call. A failed call counts
// toward the error count of its execution.
func (s *Store) CompleteToolCall(ctx context.Context, id string, result string, failed bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx complete tool call: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(
		ctx,
		`UPDATE tool_calls SET result = ?, failed = ?, completed_at = ? WHERE id = ? AND completed_at IS NULL`,
		result, boolToInt(failed), time.Now().UTC().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("complete tool call: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete tool call rows affected: %w", err)
	}
	if affected == 0 {
		return nil
	}
	if err := bumpRevision(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit complete tool call: %w", err)
	}
	return nil
}

// AppendMessage adds msg to the transcript of an execution and returns its
// sequence number. Transcripts do not move the snapshot revision.
func (s *Store) AppendMessage(ctx context.Context, executionID string, msg domain.Message) (int, error) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx append message: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var seq int
	if err := tx.QueryRowContext(
		ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM execution_messages WHERE execution_id = ?`,
		executionID,
	).Scan(&seq); err != nil {
		return 0, fmt.Errorf("next message seq: %w", err)
	}
	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO execution_messages(execution_id, seq, role, content, tool_name, created_at)
		VALUES(?, ?, ?, ?, ?, ?)`,
		executionID, seq, string(msg.Role), msg.Content, msg.ToolName, msg.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("append message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit append message: %w", err)
	}
	return seq, nil
}

// GetLog returns the transcript of an execution. Until the first message is
// written there is no log and ErrNotFound is returned.
func (s *Store) GetLog(ctx context.Context, executionID string) (domain.ExecutionLog, error) {
	var log domain.ExecutionLog
	var parent sql.NullString
	var started int64
	var completed sql.NullInt64
	err := s.db.QueryRowContext(
		ctx,
		`SELECT id, name, parent_id, final_response, started_at, completed_at FROM executions WHERE id = ?`,
		executionID,
	).Scan(&log.ExecutionID, &log.Name, &parent, &log.FinalResponse, &started, &completed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ExecutionLog{}, fmt.Errorf("get log %s: %w", executionID, ErrNotFound)
		}
		return domain.ExecutionLog{}, fmt.Errorf("get log: %w", err)
	}
	log.ParentID = nullStringPtr(parent)
	log.StartedAt = millisToTime(started)
	log.CompletedAt = int64ToTimePtr(completed)

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT seq, role, content, tool_name, created_at FROM execution_messages
		WHERE execution_id = ? ORDER BY seq`,
		executionID,
	)
	if err != nil {
		return domain.ExecutionLog{}, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	log.Messages = make([]domain.Message, 0)
	for rows.Next() {
		var m domain.Message
		var role string
		var created int64
		if err := rows.Scan(&m.Seq, &role, &m.Content, &m.ToolName, &created); err != nil {
			return domain.ExecutionLog{}, fmt.Errorf("scan message: %w", err)
		}
		m.Role = domain.MessageRole(role)
		m.CreatedAt = millisToTime(created)
		if m.Role == domain.RoleAssistant {
			log.TotalIterations++
		}
		log.Messages = append(log.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return domain.ExecutionLog{}, fmt.Errorf("iterate messages: %w", err)
	}
	if len(log.Messages) == 0 {
		return domain.ExecutionLog{}, fmt.Errorf("get log %s: %w", executionID, ErrNotFound)
	}
	if !log.IsRunning() && log.FinalResponse == "" {
		log.FinalResponse = lastAssistant(log.Messages)
	}
	return log, nil
}

// ListExecutions returns every execution, newest first, together with the
// revision the list was read at.
func (s *Store) ListExecutions(ctx context.Context) ([]domain.ExecutionRecord, uint64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("begin tx list executions: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var rev int64
	if err := tx.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'revision'`).Scan(&rev); err != nil {
		return nil, 0, fmt.Errorf("read revision: %w", err)
	}
	rows, err := tx.QueryContext(ctx, `SELECT `+executionColumns+` FROM executions e ORDER BY e.started_at DESC`)
	if err != nil {
		return nil, 0, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	result, err := scanExecutions(rows)
	if err != nil {
		return nil, 0, err
	}
	return result, uint64(rev), nil
}

func (s *Store) GetExecution(ctx context.Context, id string) (domain.ExecutionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions e WHERE e.id = ?`, id)
	rec, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ExecutionRecord{}, fmt.Errorf("get execution %s: %w", id, ErrNotFound)
		}
		return domain.ExecutionRecord{}, fmt.Errorf("get execution: %w", err)
	}
	return rec, nil
}

// GetTree returns the subtree rooted at id with the tool calls of every
// execution in it.
func (s *Store) GetTree(ctx context.Context, id string) (domain.ExecutionTree, error) {
	rows, err := s.db.QueryContext(
		ctx,
		subtreeCTE+` SELECT `+executionColumns+` FROM executions e JOIN subtree s ON e.id = s.id
		ORDER BY e.started_at, e.id`,
		id,
	)
	if err != nil {
		return domain.ExecutionTree{}, fmt.Errorf("get tree: %w", err)
	}
	records, err := scanExecutions(rows)
	rows.Close()
	if err != nil {
		return domain.ExecutionTree{}, err
	}
	if len(records) == 0 {
		return domain.ExecutionTree{}, fmt.Errorf("get tree %s: %w", id, ErrNotFound)
	}

	calls, err := s.listSubtreeToolCalls(ctx, id)
	if err != nil {
		return domain.ExecutionTree{}, err
	}

	children := make(map[string][]domain.ExecutionRecord)
	for _, rec := range records {
		if rec.ID != id && rec.ParentID != nil {
			children[*rec.ParentID] = append(children[*rec.ParentID], rec)
		}
	}
	var build func(rec domain.ExecutionRecord) domain.ExecutionTree
	build = func(rec domain.ExecutionRecord) domain.ExecutionTree {
		node := domain.ExecutionTree{
			ExecutionRecord: rec,
			Children:        make([]domain.ExecutionTree, 0, len(children[rec.ID])),
			Tools:           calls[rec.ID],
		}
		if node.Tools == nil {
			node.Tools = make([]domain.ToolCall, 0)
		}
		for _, child := range children[rec.ID] {
			node.Children = append(node.Children, build(child))
		}
		return node
	}
	for _, rec := range records {
		if rec.ID == id {
			return build(rec), nil
		}
	}
	return domain.ExecutionTree{}, fmt.Errorf("get tree %s: %w", id, ErrNotFound)
}

func (s *Store) listSubtreeToolCalls(ctx context.Context, id string) (map[string][]domain.ToolCall, error) {
	rows, err := s.db.QueryContext(
		ctx,
		subtreeCTE+` SELECT tc.id, tc.execution_id, tc.tool_name, tc.parameters, tc.call_mode, tc.result,
			tc.failed, tc.started_at, tc.completed_at
		FROM tool_calls tc JOIN subtree s ON tc.execution_id = s.id
		ORDER BY tc.started_at, tc.id`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("list subtree tool calls: %w", err)
	}
	defer rows.Close()

	calls, err := scanToolCalls(rows)
	if err != nil {
		return nil, err
	}
	result := make(map[string][]domain.ToolCall)
	for _, call := range calls {
		result[call.ExecutionID] = append(result[call.ExecutionID], call)
	}
	return result, nil
}

func (s *Store) ListToolCalls(ctx context.Context, executionID string) ([]domain.ToolCall, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, execution_id, tool_name, parameters, call_mode, result, failed, started_at, completed_at
		FROM tool_calls WHERE execution_id = ? ORDER BY started_at, id`,
		executionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list tool calls: %w", err)
	}
	defer rows.Close()
	return scanToolCalls(rows)
}

func (s *Store) ListAgents(ctx context.Context) ([]domain.AgentDetail, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, description, system_prompt, tools FROM agents ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	result := make([]domain.AgentDetail, 0)
	for rows.Next() {
		var a domain.AgentDetail
		var tools string
		if err := rows.Scan(&a.Name, &a.Description, &a.SystemPrompt, &tools); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		if a.Tools, err = parseTools(tools); err != nil {
			return nil, fmt.Errorf("decode tools of %s: %w", a.Name, err)
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}
	return result, nil
}

func (s *Store) GetAgent(ctx context.Context, name string) (domain.AgentDetail, error) {
	var a domain.AgentDetail
	var tools string
	err := s.db.QueryRowContext(
		ctx,
		`SELECT name, description, system_prompt, tools FROM agents WHERE name = ?`,
		name,
	).Scan(&a.Name, &a.Description, &a.SystemPrompt, &tools)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.AgentDetail{}, fmt.Errorf("get agent %s: %w", name, ErrNotFound)
		}
		return domain.AgentDetail{}, fmt.Errorf("get agent: %w", err)
	}
	if a.Tools, err = parseTools(tools); err != nil {
		return domain.AgentDetail{}, fmt.Errorf("decode tools of %s: %w", name, err)
	}
	return a, nil
}

func (s *Store) CreateAgent(ctx context.Context, agent domain.AgentDetail) error {
	if strings.TrimSpace(agent.Name) == "" {
		return fmt.Errorf("create agent: name is required")
	}
	tools, err := encodeTools(agent.Tools)
	if err != nil {
		return fmt.Errorf("encode tools: %w", err)
	}
	now := time.Now().UTC().Unix()
	res, err := s.db.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO agents(name, description, system_prompt, tools, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?)`,
		agent.Name, agent.Description, agent.SystemPrompt, tools, now, now,
	)
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("create agent rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("create agent %s: %w", agent.Name, ErrConflict)
	}
	return nil
}

func (s *Store) UpdateAgent(ctx context.Context, agent domain.AgentDetail) error {
	tools, err := encodeTools(agent.Tools)
	if err != nil {
		return fmt.Errorf("encode tools: %w", err)
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE agents SET description = ?, system_prompt = ?, tools = ?, updated_at = ? WHERE name = ?`,
		agent.Description, agent.SystemPrompt, tools, time.Now().UTC().Unix(), agent.Name,
	)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update agent rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("update agent %s: %w", agent.Name, ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteAgent(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete agent rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("delete agent %s: %w", name, ErrNotFound)
	}
	return nil
}

// ReplaceCatalog swaps the agent and tool definitions for the given ones in
// a single transaction.
func (s *Store) ReplaceCatalog(ctx context.Context, agents []domain.AgentDetail, tools []domain.ToolInfo) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx replace catalog: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM agents`); err != nil {
		return fmt.Errorf("clear agents: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tools`); err != nil {
		return fmt.Errorf("clear tools: %w", err)
	}
	now := time.Now().UTC().Unix()
	for _, a := range agents {
		encoded, err := encodeTools(a.Tools)
		if err != nil {
			return fmt.Errorf("encode tools of %s: %w", a.Name, err)
		}
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO agents(name, description, system_prompt, tools, created_at, updated_at)
			VALUES(?, ?, ?, ?, ?, ?)`,
			a.Name, a.Description, a.SystemPrompt, encoded, now, now,
		); err != nil {
			return fmt.Errorf("insert agent %s: %w", a.Name, err)
		}
	}
	for _, t := range tools {
		if _, err := tx.ExecContext(ctx, `INSERT INTO tools(name, description) VALUES(?, ?)`, t.Name, t.Description); err != nil {
			return fmt.Errorf("insert tool %s: %w", t.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace catalog: %w", err)
	}
	return nil
}

func (s *Store) ListTools(ctx context.Context) ([]domain.ToolInfo, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, description FROM tools ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	defer rows.Close()

	result := make([]domain.ToolInfo, 0)
	for rows.Next() {
		var t domain.ToolInfo
		if err := rows.Scan(&t.Name, &t.Description); err != nil {
			return nil, fmt.Errorf("scan tool: %w", err)
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tools: %w", err)
	}
	return result, nil
}

func (s *Store) HasTool(ctx context.Context, name string) (bool, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tools WHERE name = ?`, name).Scan(&count); err != nil {
		return false, fmt.Errorf("lookup tool: %w", err)
	}
	return count > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (domain.ExecutionRecord, error) {
	var rec domain.ExecutionRecord
	var parent sql.NullString
	var phase, mode string
	var started int64
	var completed sql.NullInt64
	if err := row.Scan(&rec.ID, &rec.Name, &parent, &phase, &mode, &started, &completed, &rec.ErrorCount); err != nil {
		return domain.ExecutionRecord{}, err
	}
	rec.ParentID = nullStringPtr(parent)
	rec.Phase = domain.Phase(phase)
	rec.CallMode = domain.CallMode(mode)
	rec.StartedAt = millisToTime(started)
	rec.CompletedAt = int64ToTimePtr(completed)
	rec.IsRunning = rec.CompletedAt == nil
	return rec, nil
}

func scanExecutions(rows *sql.Rows) ([]domain.ExecutionRecord, error) {
	result := make([]domain.ExecutionRecord, 0)
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate executions: %w", err)
	}
	return result, nil
}

func scanToolCalls(rows *sql.Rows) ([]domain.ToolCall, error) {
	result := make([]domain.ToolCall, 0)
	for rows.Next() {
		var c domain.ToolCall
		var params, mode string
		var failed int
		var started int64
		var completed sql.NullInt64
		if err := rows.Scan(
			&c.ID, &c.ExecutionID, &c.ToolName, &params, &mode, &c.Result, &failed, &started, &completed,
		); err != nil {
			return nil, fmt.Errorf("scan tool call: %w", err)
		}
		if params != "" {
			c.Parameters = json.RawMessage(params)
		}
		c.CallMode = domain.CallMode(mode)
		c.Failed = failed != 0
		c.StartedAt = millisToTime(started)
		c.CompletedAt = int64ToTimePtr(completed)
		c.IsRunning = c.CompletedAt == nil
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tool calls: %w", err)
	}
	return result, nil
}

func parseTools(raw string) ([]string, error) {
	values := make([]string, 0)
	if strings.TrimSpace(raw) == "" {
		return values, nil
	}
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil, err
	}
	return values, nil
}

func encodeTools(tools []string) (string, error) {
	if tools == nil {
		tools = []string{}
	}
	raw, err := json.Marshal(tools)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func lastAssistant(msgs []domain.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == domain.RoleAssistant {
			return msgs[i].Content
		}
	}
	return ""
}

func nullStringPtr(v sql.NullString) *string {
	if !v.Valid || v.String == "" {
		return nil
	}
	s := v.String
	return &s
}

func int64ToTimePtr(v sql.NullInt64) *time.Time {
	if !v.Valid || v.Int64 <= 0 {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func millisToTime(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
