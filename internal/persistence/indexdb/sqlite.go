// Package indexdb keeps a queryable SQLite mirror of the chronicle and
// the latest save. It is a read model only; the JSONL chronicle and the
// save files remain the source of truth.
package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"regent.ai/internal/persistence/snapshot"
	"regent.ai/internal/sim/realm"
	"regent.ai/internal/sim/tuning"
)

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool
}

type reqKind int

const (
	reqEvent reqKind = iota + 1
	reqSave
)

type req struct {
	kind reqKind

	event realm.Event
	save  saveReq
}

type saveReq struct {
	Path string
	Save snapshot.SaveV1
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		// Turns are slow but a long ADVANCE can burst events; buffer
		// generously so the realm loop never stalls on the indexer.
		ch: make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL is much faster for append-style workloads.
	// NORMAL is a decent durability/perf tradeoff for a secondary index.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS events (
			seq INTEGER PRIMARY KEY,
			tick INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			actor TEXT,
			description TEXT NOT NULL,
			ref TEXT,
			raw_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_tick ON events(tick);`,
		`CREATE INDEX IF NOT EXISTS idx_events_type_tick ON events(event_type, tick);`,
		`CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			description TEXT NOT NULL,
			assigned_to TEXT,
			duration_days INTEGER NOT NULL,
			elapsed_days INTEGER NOT NULL,
			status TEXT NOT NULL,
			created_at_tick INTEGER NOT NULL,
			outcome TEXT,
			raw_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);`,
		`CREATE TABLE IF NOT EXISTS claims (
			id TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			proposer TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at_tick INTEGER NOT NULL,
			resolved_by TEXT,
			raw_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_claims_path ON claims(path);`,
		`CREATE INDEX IF NOT EXISTS idx_claims_status ON claims(status);`,
		`CREATE TABLE IF NOT EXISTS saves (
			tick INTEGER PRIMARY KEY,
			path TEXT NOT NULL,
			scenario_digest TEXT NOT NULL,
			paths INTEGER NOT NULL,
			orders INTEGER NOT NULL,
			claims INTEGER NOT NULL,
			pending INTEGER NOT NULL,
			recorded_at TEXT NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// WriteEvent satisfies realm.ChronicleLogger.
func (s *SQLiteIndex) WriteEvent(e realm.Event) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqEvent, event: e}:
	default:
		// Drop if the indexer falls behind; the JSONL chronicle remains
		// the source of truth.
	}
	return nil
}

// RecordSave indexes a freshly written save file and refreshes the
// order and claim rows from its contents.
func (s *SQLiteIndex) RecordSave(path string, save snapshot.SaveV1) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqSave, save: saveReq{Path: path, Save: save}}:
	default:
	}
}

// UpsertMeta records the realm identity and the effective tuning so an
// operator can tell which knobs produced the indexed history.
func (s *SQLiteIndex) UpsertMeta(realmID, scenarioTitle, scenarioDigest string, tune tuning.Tuning) error {
	if s == nil {
		return nil
	}

	tb, _ := json.Marshal(tune)
	sum := sha256.Sum256(tb)

	rows := [][2]string{
		{"schema_version", "1"},
		{"realm_id", realmID},
		{"scenario_title", scenarioTitle},
		{"scenario_digest", scenarioDigest},
		{"tuning_digest", hex.EncodeToString(sum[:])},
		{"tuning_json", string(tb)},
		{"updated_at", time.Now().UTC().Format(time.RFC3339Nano)},
	}

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO meta(key,value) VALUES(?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range rows {
		if _, err := stmt.Exec(r[0], r[1]); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertEvent, _ := s.db.Prepare(`INSERT OR REPLACE INTO events(seq,tick,event_type,actor,description,ref,raw_json) VALUES(?,?,?,?,?,?,?)`)
	insertOrder, _ := s.db.Prepare(`INSERT OR REPLACE INTO orders(id,description,assigned_to,duration_days,elapsed_days,status,created_at_tick,outcome,raw_json) VALUES(?,?,?,?,?,?,?,?,?)`)
	insertClaim, _ := s.db.Prepare(`INSERT OR REPLACE INTO claims(id,path,proposer,status,created_at_tick,resolved_by,raw_json) VALUES(?,?,?,?,?,?,?)`)
	insertSave, _ := s.db.Prepare(`INSERT OR REPLACE INTO saves(tick,path,scenario_digest,paths,orders,claims,pending,recorded_at) VALUES(?,?,?,?,?,?,?,?)`)
	defer func() {
		if insertEvent != nil {
			_ = insertEvent.Close()
		}
		if insertOrder != nil {
			_ = insertOrder.Close()
		}
		if insertClaim != nil {
			_ = insertClaim.Close()
		}
		if insertSave != nil {
			_ = insertSave.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 500
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqEvent:
			e := r.event
			raw, _ := json.Marshal(e)
			if insertEvent != nil {
				if _, err := tx.Stmt(insertEvent).Exec(
					int64(e.Seq),
					int64(e.Tick),
					e.EventType,
					e.Actor,
					e.Description,
					e.Ref,
					string(raw),
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}

		case reqSave:
			sv := r.save.Save
			if insertSave != nil {
				if _, err := tx.Stmt(insertSave).Exec(
					int64(sv.Header.Tick),
					r.save.Path,
					sv.ScenarioDigest,
					len(sv.Paths),
					len(sv.Orders),
					len(sv.Claims),
					len(sv.Pending),
					time.Now().UTC().Format(time.RFC3339Nano),
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}
			for _, o := range sv.Orders {
				if insertOrder == nil {
					break
				}
				raw, _ := json.Marshal(o)
				if _, err := tx.Stmt(insertOrder).Exec(
					o.ID, o.Description, o.AssignedTo,
					o.DurationDays, o.ElapsedDays, o.Status,
					int64(o.CreatedAtTick), o.Outcome, string(raw),
				); err != nil {
					rollback()
					break
				}
				opCount++
			}
			for _, c := range sv.Claims {
				if insertClaim == nil {
					break
				}
				raw, _ := json.Marshal(c)
				if _, err := tx.Stmt(insertClaim).Exec(
					c.ID, c.Path, c.Proposer, c.Status,
					int64(c.CreatedAtTick), c.ResolvedBy, string(raw),
				); err != nil {
					rollback()
					break
				}
				opCount++
			}
		}
		flushIfNeeded()
	}

	commit()
}
