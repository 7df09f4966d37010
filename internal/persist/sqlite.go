package persist

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite mirror. All JSON payloads are stored as text so the
// file stays inspectable with the sqlite3 shell.
type DB struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS audit_log (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	ts           REAL NOT NULL,
	event        TEXT NOT NULL,
	payload_json TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS context_events (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	ts           REAL NOT NULL,
	event        TEXT NOT NULL,
	payload_json TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS context_snapshots (
	context_id   TEXT NOT NULL,
	version      INTEGER NOT NULL,
	place_id     INTEGER NOT NULL,
	session_id   TEXT NOT NULL,
	project_key  TEXT NOT NULL,
	created_at   REAL NOT NULL,
	payload_json TEXT NOT NULL,
	PRIMARY KEY (context_id, version)
);
CREATE INDEX IF NOT EXISTS idx_context_snapshots_context
	ON context_snapshots (context_id);
CREATE TABLE IF NOT EXISTS context_memory (
	context_id TEXT PRIMARY KEY,
	updated_at REAL NOT NULL,
	memory     TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS context_semantic (
	context_id   TEXT NOT NULL,
	version      INTEGER NOT NULL,
	updated_at   REAL NOT NULL,
	payload_json TEXT NOT NULL,
	PRIMARY KEY (context_id, version)
);
CREATE TABLE IF NOT EXISTS queue_state (
	id           INTEGER PRIMARY KEY CHECK (id = 1),
	seq          INTEGER NOT NULL,
	payload_json TEXT NOT NULL,
	updated_at   REAL NOT NULL
);
`

// Open opens (and creates if needed) the SQLite mirror at path. WAL mode
// keeps readers from blocking the single writer.
func Open(path string, busyTimeoutMS int) (*DB, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)",
		path, busyTimeoutMS,
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &DB{db: db}, nil
}

func (d *DB) Close() error { return d.db.Close() }

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// AppendAudit mirrors one audit ledger entry.
func (d *DB) AppendAudit(ts time.Time, event string, payload any) error {
	return d.appendEvent("audit_log", ts, event, payload)
}

// AppendContextEvent mirrors one context event ledger entry.
func (d *DB) AppendContextEvent(ts time.Time, event string, payload any) error {
	return d.appendEvent("context_events", ts, event, payload)
}

func (d *DB) appendEvent(table string, ts time.Time, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", table, err)
	}
	_, err = d.db.Exec(
		fmt.Sprintf("INSERT INTO %s (ts, event, payload_json) VALUES (?, ?, ?)", table),
		unixSeconds(ts), event, string(data),
	)
	if err != nil {
		return fmt.Errorf("insert %s: %w", table, err)
	}
	return nil
}

// SaveSnapshot upserts one context snapshot version.
func (d *DB) SaveSnapshot(contextID string, version int, placeID int64, sessionID, projectKey string, createdAt time.Time, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = d.db.Exec(`
INSERT INTO context_snapshots (context_id, version, place_id, session_id, project_key, created_at, payload_json)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (context_id, version) DO UPDATE SET
	place_id = excluded.place_id,
	session_id = excluded.session_id,
	project_key = excluded.project_key,
	created_at = excluded.created_at,
	payload_json = excluded.payload_json`,
		contextID, version, placeID, sessionID, projectKey, unixSeconds(createdAt), string(data),
	)
	if err != nil {
		return fmt.Errorf("save snapshot %s v%d: %w", contextID, version, err)
	}
	return nil
}

// LoadLatestSnapshot returns the highest stored version for a context, or
// (0, false, nil) when none exists. The payload is unmarshalled into dst.
func (d *DB) LoadLatestSnapshot(contextID string, dst any) (int, bool, error) {
	var version int
	var payload string
	err := d.db.QueryRow(`
SELECT version, payload_json FROM context_snapshots
WHERE context_id = ? ORDER BY version DESC LIMIT 1`, contextID).Scan(&version, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("load snapshot %s: %w", contextID, err)
	}
	if err := json.Unmarshal([]byte(payload), dst); err != nil {
		return 0, false, fmt.Errorf("parse snapshot %s v%d: %w", contextID, version, err)
	}
	return version, true, nil
}

// SaveMemory upserts the project memory for a context.
func (d *DB) SaveMemory(contextID string, updatedAt time.Time, memory string) error {
	_, err := d.db.Exec(`
INSERT INTO context_memory (context_id, updated_at, memory) VALUES (?, ?, ?)
ON CONFLICT (context_id) DO UPDATE SET
	updated_at = excluded.updated_at,
	memory = excluded.memory`,
		contextID, unixSeconds(updatedAt), memory,
	)
	if err != nil {
		return fmt.Errorf("save memory %s: %w", contextID, err)
	}
	return nil
}

// LoadMemory returns the stored memory and its update time, or ok=false.
func (d *DB) LoadMemory(contextID string) (string, time.Time, bool, error) {
	var memory string
	var updatedAt float64
	err := d.db.QueryRow(
		"SELECT memory, updated_at FROM context_memory WHERE context_id = ?", contextID,
	).Scan(&memory, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, false, nil
	}
	if err != nil {
		return "", time.Time{}, false, fmt.Errorf("load memory %s: %w", contextID, err)
	}
	return memory, time.Unix(0, int64(updatedAt*float64(time.Second))), true, nil
}

// SaveSemantic upserts the semantic index for one context version.
func (d *DB) SaveSemantic(contextID string, version int, updatedAt time.Time, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal semantic: %w", err)
	}
	_, err = d.db.Exec(`
INSERT INTO context_semantic (context_id, version, updated_at, payload_json)
VALUES (?, ?, ?, ?)
ON CONFLICT (context_id, version) DO UPDATE SET
	updated_at = excluded.updated_at,
	payload_json = excluded.payload_json`,
		contextID, version, unixSeconds(updatedAt), string(data),
	)
	if err != nil {
		return fmt.Errorf("save semantic %s v%d: %w", contextID, version, err)
	}
	return nil
}

// LoadLatestSemantic returns the newest semantic index for a context.
func (d *DB) LoadLatestSemantic(contextID string, dst any) (int, bool, error) {
	var version int
	var payload string
	err := d.db.QueryRow(`
SELECT version, payload_json FROM context_semantic
WHERE context_id = ? ORDER BY version DESC LIMIT 1`, contextID).Scan(&version, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("load semantic %s: %w", contextID, err)
	}
	if err := json.Unmarshal([]byte(payload), dst); err != nil {
		return 0, false, fmt.Errorf("parse semantic %s v%d: %w", contextID, version, err)
	}
	return version, true, nil
}

// SaveQueueState stores the single-row queue snapshot.
func (d *DB) SaveQueueState(seq int64, updatedAt time.Time, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal queue state: %w", err)
	}
	_, err = d.db.Exec(`
INSERT INTO queue_state (id, seq, payload_json, updated_at) VALUES (1, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	seq = excluded.seq,
	payload_json = excluded.payload_json,
	updated_at = excluded.updated_at`,
		seq, string(data), unixSeconds(updatedAt),
	)
	if err != nil {
		return fmt.Errorf("save queue state: %w", err)
	}
	return nil
}

// LoadQueueState restores the queue snapshot into dst, or ok=false.
func (d *DB) LoadQueueState(dst any) (bool, error) {
	var payload string
	err := d.db.QueryRow("SELECT payload_json FROM queue_state WHERE id = 1").Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load queue state: %w", err)
	}
	if err := json.Unmarshal([]byte(payload), dst); err != nil {
		return false, fmt.Errorf("parse queue state: %w", err)
	}
	return true, nil
}

// ClearContext removes all rows for one context id.
func (d *DB) ClearContext(contextID string) error {
	for _, q := range []string{
		"DELETE FROM context_snapshots WHERE context_id = ?",
		"DELETE FROM context_memory WHERE context_id = ?",
		"DELETE FROM context_semantic WHERE context_id = ?",
	} {
		if _, err := d.db.Exec(q, contextID); err != nil {
			return fmt.Errorf("clear context %s: %w", contextID, err)
		}
	}
	return nil
}

// TailEvents returns up to limit newest rows from audit_log or
// context_events, oldest first.
func (d *DB) TailEvents(table string, limit int) ([]map[string]any, error) {
	if table != "audit_log" && table != "context_events" {
		return nil, fmt.Errorf("unknown event table %q", table)
	}
	rows, err := d.db.Query(fmt.Sprintf(
		"SELECT ts, event, payload_json FROM %s ORDER BY id DESC LIMIT ?", table), limit)
	if err != nil {
		return nil, fmt.Errorf("tail %s: %w", table, err)
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		var ts float64
		var event, payload string
		if err := rows.Scan(&ts, &event, &payload); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", table, err)
		}
		entry := map[string]any{"ts": ts, "event": event}
		var body map[string]any
		if err := json.Unmarshal([]byte(payload), &body); err == nil {
			for k, v := range body {
				if _, taken := entry[k]; !taken {
					entry[k] = v
				}
			}
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", table, err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if out == nil {
		out = []map[string]any{}
	}
	return out, nil
}
