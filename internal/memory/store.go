package memory

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/G-TechSD/ganesha-ai-sub002/internal/logging"
)

// ErrStoreClosed is returned for operations submitted after Close.
var ErrStoreClosed = errors.New("task store is closed")

const schema = `
-- Top-level tasks (one per run)
CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    goal TEXT NOT NULL,
    criteria TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'running',
    started_at TEXT NOT NULL,
    ended_at TEXT,
    total_actions INTEGER DEFAULT 0,
    error TEXT,
    final_screen_state TEXT
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_started ON tasks(started_at DESC);

-- Every action attempted within a task
CREATE TABLE IF NOT EXISTS actions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id TEXT NOT NULL,
    step_num INTEGER NOT NULL,
    intent TEXT NOT NULL,
    action_type TEXT NOT NULL,
    target_desc TEXT,
    target_x INTEGER,
    target_y INTEGER,
    text_input TEXT,
    keys_input TEXT,
    confidence REAL,
    expected_result TEXT,
    executed INTEGER DEFAULT 0,
    exec_success INTEGER DEFAULT 0,
    exec_error TEXT,
    exec_duration_ms INTEGER,
    screen_before TEXT,
    screen_after TEXT,
    screen_changed INTEGER DEFAULT 0,
    expected_achieved INTEGER DEFAULT 0,
    created_at TEXT DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (task_id) REFERENCES tasks(id)
);
CREATE INDEX IF NOT EXISTS idx_actions_task ON actions(task_id, step_num);

-- Failed approaches, deduplicated and reinforced
CREATE TABLE IF NOT EXISTS failures (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id TEXT,
    context TEXT NOT NULL,
    action_tried TEXT NOT NULL,
    what_happened TEXT NOT NULL,
    lesson TEXT NOT NULL,
    times_seen INTEGER DEFAULT 1,
    created_at TEXT DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (task_id) REFERENCES tasks(id)
);
CREATE INDEX IF NOT EXISTS idx_failures_context ON failures(context);

-- Sub-steps for decomposed goals
CREATE TABLE IF NOT EXISTS substeps (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id TEXT NOT NULL,
    step_order INTEGER NOT NULL,
    description TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    completed_at TEXT,
    FOREIGN KEY (task_id) REFERENCES tasks(id)
);
CREATE INDEX IF NOT EXISTS idx_substeps_task ON substeps(task_id, step_order);
`

const ftsSchema = `
CREATE VIRTUAL TABLE IF NOT EXISTS failures_fts USING fts5(
    context, action_tried, what_happened, lesson,
    content='failures',
    content_rowid='id'
);

CREATE TRIGGER IF NOT EXISTS failures_ai AFTER INSERT ON failures BEGIN
    INSERT INTO failures_fts(rowid, context, action_tried, what_happened, lesson)
    VALUES (NEW.id, NEW.context, NEW.action_tried, NEW.what_happened, NEW.lesson);
END;
`

// Store is the SQLite-backed task memory. All writes flow through a
// single goroutine that owns the write connection; reads run on a
// separate handle so they never queue behind writes.
type Store struct {
	writeDB *sql.DB
	readDB  *sql.DB
	path    string
	fts     bool

	writes chan writeOp
	done   chan struct{}
	wg     sync.WaitGroup

	closeOnce sync.Once
	log       *logging.Logger
}

type writeOp struct {
	fn    func(*sql.DB) (int64, error)
	reply chan writeResult
}

type writeResult struct {
	id  int64
	err error
}

// Open opens or creates the task database at path. ":memory:" shares a
// single connection between reads and writes, for tests.
func Open(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryMemory, "open store")
	defer timer.Stop()

	log := logging.Get(logging.CategoryMemory)

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	writeDB, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)
	applyPragmas(writeDB, log)

	readDB := writeDB
	if path != ":memory:" {
		readDB, err = sql.Open("sqlite3", path)
		if err != nil {
			writeDB.Close()
			return nil, fmt.Errorf("failed to open read handle: %w", err)
		}
		readDB.SetMaxOpenConns(4)
		applyPragmas(readDB, log)
	}

	s := &Store{
		writeDB: writeDB,
		readDB:  readDB,
		path:    path,
		writes:  make(chan writeOp),
		done:    make(chan struct{}),
		log:     log,
	}

	if _, err := writeDB.Exec(schema); err != nil {
		s.closeDBs()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	// FTS5 depends on how the driver was built. Fall back to LIKE scans
	// when it is missing rather than refusing to start.
	if _, err := writeDB.Exec(ftsSchema); err != nil {
		log.Warn("fts5 unavailable, failure recall degrades to LIKE scan: %v", err)
	} else {
		s.fts = true
	}

	s.wg.Add(1)
	go s.writer()

	log.Info("task store opened at %s (fts=%t)", path, s.fts)
	return s, nil
}

func applyPragmas(db *sql.DB, log *logging.Logger) {
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Debug("%s failed: %v", pragma, err)
		}
	}
}

// writer owns the write connection for the life of the store.
func (s *Store) writer() {
	defer s.wg.Done()
	for {
		select {
		case op := <-s.writes:
			id, err := op.fn(s.writeDB)
			op.reply <- writeResult{id: id, err: err}
		case <-s.done:
			return
		}
	}
}

// submit runs fn on the writer goroutine and waits for the result.
func (s *Store) submit(fn func(*sql.DB) (int64, error)) (int64, error) {
	op := writeOp{fn: fn, reply: make(chan writeResult, 1)}
	select {
	case s.writes <- op:
	case <-s.done:
		return 0, ErrStoreClosed
	}
	select {
	case res := <-op.reply:
		return res.id, res.err
	case <-s.done:
		return 0, ErrStoreClosed
	}
}

// Close stops the writer and closes both handles.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		s.closeDBs()
	})
	return nil
}

func (s *Store) closeDBs() {
	if s.readDB != nil && s.readDB != s.writeDB {
		s.readDB.Close()
	}
	if s.writeDB != nil {
		s.writeDB.Close()
	}
}

// Path returns the database path.
func (s *Store) Path() string {
	return s.path
}

// StartTask creates a task row and returns its ID.
func (s *Store) StartTask(goal string, criteria []string) (string, error) {
	id := uuid.NewString()
	criteriaJSON := marshalCriteria(criteria)
	_, err := s.submit(func(db *sql.DB) (int64, error) {
		_, err := db.Exec(
			`INSERT INTO tasks (id, goal, criteria, status, started_at) VALUES (?, ?, ?, 'running', ?)`,
			id, goal, criteriaJSON, time.Now().UTC().Format(time.RFC3339),
		)
		return 0, err
	})
	if err != nil {
		return "", fmt.Errorf("failed to start task: %w", err)
	}
	s.log.Info("task %s started: %s", id, goal)
	return id, nil
}

// EndTask finalizes a task. total_actions is counted from the actions
// table, not taken from the caller. A task that already reached a
// terminal status keeps it; the update only applies while running.
func (s *Store) EndTask(taskID, status, errMsg, screenState string) error {
	_, err := s.submit(func(db *sql.DB) (int64, error) {
		var count int64
		if err := db.QueryRow(`SELECT COUNT(*) FROM actions WHERE task_id = ?`, taskID).Scan(&count); err != nil {
			count = 0
		}
		_, err := db.Exec(
			`UPDATE tasks SET status = ?, ended_at = ?, error = ?, total_actions = ?, final_screen_state = ?
             WHERE id = ? AND status = 'running'`,
			status, time.Now().UTC().Format(time.RFC3339), nullable(errMsg), count, nullable(screenState), taskID,
		)
		return 0, err
	})
	if err != nil {
		return fmt.Errorf("failed to end task: %w", err)
	}
	return nil
}

// RecordActionStart inserts the intent phase of an action and returns
// the row id for the later outcome update.
func (s *Store) RecordActionStart(a ActionStart) (int64, error) {
	id, err := s.submit(func(db *sql.DB) (int64, error) {
		var x, y interface{}
		if a.HasTarget {
			x, y = a.TargetX, a.TargetY
		}
		res, err := db.Exec(
			`INSERT INTO actions (task_id, step_num, intent, action_type, target_desc, target_x, target_y,
             text_input, keys_input, confidence, expected_result, screen_before)
             VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.TaskID, a.Step, a.Intent, a.ActionType, nullable(a.TargetDesc), x, y,
			nullable(a.TextInput), nullable(a.KeysInput), a.Confidence, a.ExpectedResult, a.ScreenBefore,
		)
		if err != nil {
			return 0, err
		}
		return res.LastInsertId()
	})
	if err != nil {
		return 0, fmt.Errorf("failed to record action start: %w", err)
	}
	return id, nil
}

// RecordActionResult completes an action row with its outcome.
func (s *Store) RecordActionResult(actionID int64, o ActionOutcome) error {
	_, err := s.submit(func(db *sql.DB) (int64, error) {
		_, err := db.Exec(
			`UPDATE actions SET executed = 1, exec_success = ?, exec_error = ?, exec_duration_ms = ?,
             screen_after = ?, screen_changed = ?, expected_achieved = ?
             WHERE id = ?`,
			boolInt(o.ExecSuccess), nullable(o.ExecError), o.Duration.Milliseconds(),
			o.ScreenAfter, boolInt(o.ScreenChanged), boolInt(o.ExpectedAchieved), actionID,
		)
		return 0, err
	})
	if err != nil {
		return fmt.Errorf("failed to record action result: %w", err)
	}
	return nil
}

// RecordFailure stores a failure pattern. A pattern with the same
// context and action reinforces the existing row instead of inserting a
// duplicate: times_seen increments and the narrative fields refresh.
// An empty taskID marks a global pattern.
func (s *Store) RecordFailure(taskID, context, actionTried, whatHappened, lesson string) error {
	_, err := s.submit(func(db *sql.DB) (int64, error) {
		var existing int64
		err := db.QueryRow(
			`SELECT id FROM failures WHERE context = ? AND action_tried = ?`,
			context, actionTried,
		).Scan(&existing)
		switch {
		case err == nil:
			_, err = db.Exec(
				`UPDATE failures SET times_seen = times_seen + 1, what_happened = ?, lesson = ? WHERE id = ?`,
				whatHappened, lesson, existing,
			)
			return 0, err
		case errors.Is(err, sql.ErrNoRows):
			_, err = db.Exec(
				`INSERT INTO failures (task_id, context, action_tried, what_happened, lesson) VALUES (?, ?, ?, ?, ?)`,
				nullable(taskID), context, actionTried, whatHappened, lesson,
			)
			return 0, err
		default:
			return 0, err
		}
	})
	if err != nil {
		return fmt.Errorf("failed to record failure: %w", err)
	}
	return nil
}

// RelevantFailures returns known pitfalls matching the context, most
// reinforced first. FTS is tried first; a LIKE scan on the first context
// word tops up the remainder or serves as the whole query when FTS is
// unavailable or rejects the match expression.
func (s *Store) RelevantFailures(context string, limit int) ([]FailureRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	var failures []FailureRecord
	seen := make(map[string]bool)

	if s.fts {
		rows, err := s.readDB.Query(
			`SELECT f.context, f.action_tried, f.what_happened, f.lesson, f.times_seen
             FROM failures f
             JOIN failures_fts fts ON f.id = fts.rowid
             WHERE failures_fts MATCH ?
             ORDER BY f.times_seen DESC
             LIMIT ?`,
			context, limit,
		)
		if err != nil {
			// FTS5 match syntax errors on punctuation-heavy context
			s.log.Debug("fts query failed for %q: %v", context, err)
		} else {
			failures, err = scanFailures(rows, failures, seen)
			if err != nil {
				return nil, err
			}
		}
	}

	if len(failures) < limit {
		word := context
		if fields := strings.Fields(context); len(fields) > 0 {
			word = fields[0]
		}
		rows, err := s.readDB.Query(
			`SELECT context, action_tried, what_happened, lesson, times_seen
             FROM failures
             WHERE context LIKE ?
             ORDER BY times_seen DESC
             LIMIT ?`,
			"%"+word+"%", limit-len(failures),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to query failures: %w", err)
		}
		failures, err = scanFailures(rows, failures, seen)
		if err != nil {
			return nil, err
		}
	}

	return failures, nil
}

func scanFailures(rows *sql.Rows, out []FailureRecord, seen map[string]bool) ([]FailureRecord, error) {
	defer rows.Close()
	for rows.Next() {
		var f FailureRecord
		if err := rows.Scan(&f.Context, &f.ActionTried, &f.WhatHappened, &f.Lesson, &f.TimesSeen); err != nil {
			return out, fmt.Errorf("failed to scan failure: %w", err)
		}
		key := f.Context + "\x00" + f.ActionTried
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, f)
	}
	return out, rows.Err()
}

// SetSubsteps replaces the task's plan with the given steps, all
// pending, in one transaction.
func (s *Store) SetSubsteps(taskID string, steps []string) error {
	_, err := s.submit(func(db *sql.DB) (int64, error) {
		tx, err := db.Begin()
		if err != nil {
			return 0, err
		}
		defer tx.Rollback()

		if _, err := tx.Exec(`DELETE FROM substeps WHERE task_id = ?`, taskID); err != nil {
			return 0, err
		}
		for i, step := range steps {
			if _, err := tx.Exec(
				`INSERT INTO substeps (task_id, step_order, description) VALUES (?, ?, ?)`,
				taskID, i, step,
			); err != nil {
				return 0, err
			}
		}
		return 0, tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("failed to set substeps: %w", err)
	}
	return nil
}

// GetSubsteps returns the task's plan in order.
func (s *Store) GetSubsteps(taskID string) ([]SubStep, error) {
	rows, err := s.readDB.Query(
		`SELECT step_order, description, status FROM substeps WHERE task_id = ? ORDER BY step_order`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query substeps: %w", err)
	}
	defer rows.Close()

	var steps []SubStep
	for rows.Next() {
		var step SubStep
		if err := rows.Scan(&step.Order, &step.Description, &step.Status); err != nil {
			return nil, fmt.Errorf("failed to scan substep: %w", err)
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// UpdateSubstep updates one step's status. completed_at is stamped only
// for done.
func (s *Store) UpdateSubstep(taskID string, order int, status string) error {
	_, err := s.submit(func(db *sql.DB) (int64, error) {
		var completedAt interface{}
		if status == StepDone {
			completedAt = time.Now().UTC().Format(time.RFC3339)
		}
		_, err := db.Exec(
			`UPDATE substeps SET status = ?, completed_at = ? WHERE task_id = ? AND step_order = ?`,
			status, completedAt, taskID, order,
		)
		return 0, err
	})
	if err != nil {
		return fmt.Errorf("failed to update substep: %w", err)
	}
	return nil
}

// PlannerContext renders the task's recent history, known pitfalls for
// the current app, and the plan as a prompt fragment.
func (s *Store) PlannerContext(taskID, currentApp string) (string, error) {
	var b strings.Builder

	rows, err := s.readDB.Query(
		`SELECT step_num, intent, action_type, exec_success, screen_changed, expected_achieved,
                screen_after, exec_error
         FROM actions WHERE task_id = ? ORDER BY step_num DESC LIMIT 5`,
		taskID,
	)
	if err != nil {
		return "", fmt.Errorf("failed to query recent actions: %w", err)
	}
	var lines []string
	for rows.Next() {
		var (
			step                       int64
			intent, actionType         string
			success, changed, achieved int
			after, execErr             sql.NullString
		)
		if err := rows.Scan(&step, &intent, &actionType, &success, &changed, &achieved, &after, &execErr); err != nil {
			rows.Close()
			return "", fmt.Errorf("failed to scan action: %w", err)
		}
		var status string
		switch {
		case success == 0:
			status = fmt.Sprintf("FAILED: %s", execErr.String)
		case changed == 0:
			status = "executed but SCREEN DID NOT CHANGE"
		case achieved == 0:
			status = fmt.Sprintf("screen changed but expected result NOT seen (was: %s)", after.String)
		default:
			status = "SUCCESS"
		}
		lines = append(lines, fmt.Sprintf("  Step %d: [%s] %s → %s", step, actionType, intent, status))
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("failed to read actions: %w", err)
	}

	if len(lines) > 0 {
		b.WriteString("RECENT ACTIONS (newest first):\n")
		for _, l := range lines {
			b.WriteString(l)
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}

	if failures, err := s.RelevantFailures(currentApp, 3); err == nil && len(failures) > 0 {
		b.WriteString("KNOWN PITFALLS (avoid these):\n")
		for _, f := range failures {
			fmt.Fprintf(&b, "  - In %s: tried '%s' → %s. Instead: %s\n",
				f.Context, f.ActionTried, f.WhatHappened, f.Lesson)
		}
		b.WriteByte('\n')
	}

	if steps, err := s.GetSubsteps(taskID); err == nil && len(steps) > 0 {
		b.WriteString("TASK PLAN:\n")
		for _, step := range steps {
			marker := "[ ]"
			switch step.Status {
			case StepDone:
				marker = "[x]"
			case StepActive:
				marker = "[>]"
			case StepFailed:
				marker = "[!]"
			case StepSkipped:
				marker = "[-]"
			}
			fmt.Fprintf(&b, "  %s %s\n", marker, step.Description)
		}
		b.WriteByte('\n')
	}

	return b.String(), nil
}

// Stats counts tasks, actions and failure patterns across the store.
func (s *Store) Stats() (TaskStats, error) {
	var stats TaskStats
	for _, q := range []struct {
		query string
		dst   *int
	}{
		{`SELECT COUNT(*) FROM tasks`, &stats.TotalTasks},
		{`SELECT COUNT(*) FROM tasks WHERE status = 'success'`, &stats.SuccessfulTasks},
		{`SELECT COUNT(*) FROM actions`, &stats.TotalActions},
		{`SELECT COUNT(*) FROM failures`, &stats.KnownFailures},
	} {
		if err := s.readDB.QueryRow(q.query).Scan(q.dst); err != nil {
			return stats, fmt.Errorf("failed to count: %w", err)
		}
	}
	return stats, nil
}

// RecentTasks lists the latest tasks, newest first.
func (s *Store) RecentTasks(limit int) ([]TaskSummary, error) {
	rows, err := s.readDB.Query(
		`SELECT id, goal, status, started_at, COALESCE(ended_at, ''), total_actions
         FROM tasks ORDER BY started_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []TaskSummary
	for rows.Next() {
		var t TaskSummary
		if err := rows.Scan(&t.ID, &t.Goal, &t.Status, &t.StartedAt, &t.EndedAt, &t.TotalActions); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func marshalCriteria(criteria []string) string {
	if len(criteria) == 0 {
		return "[]"
	}
	data, err := json.Marshal(criteria)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
