// Package store persists cycle output: signal history (including suppressed
// and cleared signals, which are never deleted), deduplicated proposals, and
// the cycle journal. The governance core itself performs no I/O; the cycle
// engine hands committed results to this store after each pass.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"opsignal/internal/logging"
	"opsignal/internal/proposal"
	"opsignal/internal/signal"
)

// Store manages the opSignal history database.
type Store struct {
	db     *sql.DB
	dbPath string
	mu     sync.Mutex
}

// Open creates or opens the history store at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS signals (
		id TEXT NOT NULL,
		cycle_id TEXT NOT NULL,
		arbitration_key TEXT NOT NULL,
		type TEXT NOT NULL,
		tier INTEGER NOT NULL,
		source TEXT NOT NULL,
		severity REAL NOT NULL,
		status TEXT NOT NULL,
		account_rank INTEGER NOT NULL,
		detected_at DATETIME NOT NULL,
		PRIMARY KEY (id, cycle_id, status)
	);
	CREATE INDEX IF NOT EXISTS idx_signals_key ON signals(arbitration_key);
	CREATE INDEX IF NOT EXISTS idx_signals_cycle ON signals(cycle_id);

	CREATE TABLE IF NOT EXISTS proposals (
		scope_level TEXT NOT NULL,
		scope_id TEXT NOT NULL,
		proposal_id TEXT NOT NULL,
		score REAL NOT NULL,
		breakdown_json TEXT NOT NULL,
		signal_ids_json TEXT NOT NULL,
		worst_signal TEXT NOT NULL,
		signature TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (scope_level, scope_id)
	);

	CREATE TABLE IF NOT EXISTS cycles (
		id TEXT PRIMARY KEY,
		started_at DATETIME NOT NULL,
		committed_at DATETIME,
		outcome TEXT NOT NULL,
		active_signals INTEGER NOT NULL DEFAULT 0,
		proposals INTEGER NOT NULL DEFAULT 0,
		detail TEXT
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveSignals records the cycle's signal transitions. Row failures are input
// errors: logged per row, the batch continues.
func (s *Store) SaveSignals(cycleID string, sigs []signal.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO signals
		(id, cycle_id, arbitration_key, type, tier, source, severity, status, account_rank, detected_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, sig := range sigs {
		if _, err := stmt.Exec(sig.ID, cycleID, sig.ArbitrationKey, sig.Type, int(sig.Tier),
			sig.Source.String(), sig.Severity, string(sig.Status), sig.AccountRank, sig.DetectedAt); err != nil {
			logging.StoreError("skip signal %s: %v", sig.ArbitrationKey, err)
		}
	}
	return tx.Commit()
}

// UpsertProposals persists the ranked proposal set, deduplicated by
// (scope_level, scope_id).
func (s *Store) UpsertProposals(ps []proposal.Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO proposals
		(scope_level, scope_id, proposal_id, score, breakdown_json, signal_ids_json, worst_signal, signature, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(scope_level, scope_id) DO UPDATE SET
			score=excluded.score, breakdown_json=excluded.breakdown_json,
			signal_ids_json=excluded.signal_ids_json, worst_signal=excluded.worst_signal,
			signature=excluded.signature, updated_at=excluded.updated_at`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, p := range ps {
		bd, _ := json.Marshal(p.Breakdown)
		ids, _ := json.Marshal(p.SignalIDs)
		if _, err := stmt.Exec(p.ScopeLevel, p.ScopeID, p.ID, p.Score, string(bd), string(ids),
			p.WorstSignal, p.Signature, p.CreatedAt, p.UpdatedAt); err != nil {
			logging.StoreError("skip proposal %s/%s: %v", p.ScopeLevel, p.ScopeID, err)
		}
	}
	return tx.Commit()
}

// LoadProposals restores persisted proposals for dedupe continuity across
// restarts.
func (s *Store) LoadProposals() ([]proposal.Proposal, error) {
	rows, err := s.db.Query(`SELECT scope_level, scope_id, proposal_id, score,
		breakdown_json, signal_ids_json, worst_signal, COALESCE(signature,''), created_at, updated_at FROM proposals`)
	if err != nil {
		return nil, fmt.Errorf("query proposals: %w", err)
	}
	defer rows.Close()

	var out []proposal.Proposal
	for rows.Next() {
		var p proposal.Proposal
		var bd, ids string
		if err := rows.Scan(&p.ScopeLevel, &p.ScopeID, &p.ID, &p.Score, &bd, &ids,
			&p.WorstSignal, &p.Signature, &p.CreatedAt, &p.UpdatedAt); err != nil {
			logging.StoreError("skip proposal row: %v", err)
			continue
		}
		if err := json.Unmarshal([]byte(bd), &p.Breakdown); err != nil {
			logging.StoreError("skip proposal %s/%s: bad breakdown: %v", p.ScopeLevel, p.ScopeID, err)
			continue
		}
		_ = json.Unmarshal([]byte(ids), &p.SignalIDs)
		out = append(out, p)
	}
	return out, rows.Err()
}

// RecordCycle journals one cycle outcome: "committed", "failed", or
// "skipped" (lease contention).
func (s *Store) RecordCycle(id string, startedAt time.Time, outcome string, activeSignals, proposals int, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var committed any
	if outcome == "committed" {
		committed = time.Now().UTC()
	}
	_, err := s.db.Exec(`INSERT OR REPLACE INTO cycles
		(id, started_at, committed_at, outcome, active_signals, proposals, detail)
		VALUES (?,?,?,?,?,?,?)`,
		id, startedAt, committed, outcome, activeSignals, proposals, detail)
	if err != nil {
		return fmt.Errorf("record cycle: %w", err)
	}
	return nil
}

// SignalHistory returns the transition history for an arbitration key,
// newest first, capped at limit.
func (s *Store) SignalHistory(key string, limit int) ([]signal.Signal, error) {
	rows, err := s.db.Query(`SELECT id, arbitration_key, type, tier, severity, status, account_rank, detected_at
		FROM signals WHERE arbitration_key = ? ORDER BY detected_at DESC LIMIT ?`, key, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []signal.Signal
	for rows.Next() {
		var sig signal.Signal
		var tier int
		var status string
		if err := rows.Scan(&sig.ID, &sig.ArbitrationKey, &sig.Type, &tier, &sig.Severity,
			&status, &sig.AccountRank, &sig.DetectedAt); err != nil {
			logging.StoreError("skip history row: %v", err)
			continue
		}
		sig.Tier = signal.Tier(tier)
		sig.Status = signal.Status(status)
		out = append(out, sig)
	}
	return out, rows.Err()
}

// CycleRecord is one row of the cycle journal.
type CycleRecord struct {
	ID            string
	StartedAt     time.Time
	Outcome       string
	ActiveSignals int
	Proposals     int
	Detail        string
}

// RecentCycles returns the journal newest first, capped at limit.
func (s *Store) RecentCycles(limit int) ([]CycleRecord, error) {
	rows, err := s.db.Query(`SELECT id, started_at, outcome, active_signals, proposals, COALESCE(detail,'')
		FROM cycles ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query cycles: %w", err)
	}
	defer rows.Close()

	var out []CycleRecord
	for rows.Next() {
		var rec CycleRecord
		if err := rows.Scan(&rec.ID, &rec.StartedAt, &rec.Outcome, &rec.ActiveSignals, &rec.Proposals, &rec.Detail); err != nil {
			logging.StoreError("skip cycle row: %v", err)
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
