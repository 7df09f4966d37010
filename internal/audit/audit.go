// Package audit keeps the append-only activity ledgers: a JSONL file per
// ledger plus an optional SQLite mirror. Entries are flat JSON objects with
// ts and event fields merged with the event payload.
package audit

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/persponify/codexd/internal/log"
	"github.com/persponify/codexd/internal/persist"
)

// Ledger is one append-only event stream.
type Ledger struct {
	mu    sync.Mutex
	path  string
	table string
	db    *persist.DB
	limit int
	now   func() time.Time
	log   zerolog.Logger
}

// NewAudit opens the transaction audit ledger. db may be nil when the SQLite
// mirror is disabled.
func NewAudit(path string, db *persist.DB, limit int) *Ledger {
	return &Ledger{
		path:  path,
		table: "audit_log",
		db:    db,
		limit: limit,
		now:   time.Now,
		log:   log.WithComponent("audit"),
	}
}

// NewContextEvents opens the context event ledger.
func NewContextEvents(path string, db *persist.DB, limit int) *Ledger {
	return &Ledger{
		path:  path,
		table: "context_events",
		db:    db,
		limit: limit,
		now:   time.Now,
		log:   log.WithComponent("context_events"),
	}
}

// Record appends one event. Ledger failures are logged, never fatal: the
// daemon keeps serving when the disk write fails.
func (l *Ledger) Record(event string, payload map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ts := l.now()
	entry := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		entry[k] = v
	}
	entry["ts"] = float64(ts.UnixNano()) / float64(time.Second)
	entry["event"] = event

	if err := persist.AppendJSONL(l.path, entry); err != nil {
		l.log.Error().Err(err).Str("event", event).Msg("ledger append failed")
	}
	if l.db != nil {
		var mirror func(time.Time, string, any) error
		if l.table == "audit_log" {
			mirror = l.db.AppendAudit
		} else {
			mirror = l.db.AppendContextEvent
		}
		if err := mirror(ts, event, payload); err != nil {
			l.log.Error().Err(err).Str("event", event).Msg("ledger mirror failed")
		}
	}
	l.log.Debug().Str("event", event).Msg("ledger event")
}

// Tail returns up to limit newest entries, oldest first. The file is the
// primary source; the SQLite mirror answers when the file is unreadable.
func (l *Ledger) Tail(limit int) []map[string]any {
	if limit <= 0 || (l.limit > 0 && limit > l.limit) {
		limit = l.limit
	}
	entries, err := persist.TailJSONL(l.path, limit)
	if err == nil && len(entries) > 0 {
		return entries
	}
	if err != nil {
		l.log.Warn().Err(err).Msg("ledger tail failed, trying mirror")
	}
	if l.db != nil {
		mirrored, dbErr := l.db.TailEvents(l.table, limit)
		if dbErr == nil {
			return mirrored
		}
		l.log.Warn().Err(dbErr).Msg("ledger mirror tail failed")
	}
	if entries == nil {
		entries = []map[string]any{}
	}
	return entries
}
