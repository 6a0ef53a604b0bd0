// Package database is the durable log sink: audit records and detection
// matches land in a local SQLite file.
package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"netaudit/event"
)

// DB handles database operations.
type DB struct {
	db  *sql.DB
	log *zap.Logger
}

// EventRow is a stored audit record as served back to the admin API.
type EventRow struct {
	ID         int64     `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	PID        uint32    `json:"pid"`
	UID        uint32    `json:"uid"`
	ExePath    string    `json:"exe_path"`
	Protocol   string    `json:"protocol"`
	Action     string    `json:"action"`
	Family     uint16    `json:"family"`
	SrcAddr    string    `json:"src_addr"`
	SrcPort    uint16    `json:"src_port"`
	DstAddr    string    `json:"dst_addr"`
	DstPort    uint16    `json:"dst_port"`
	BinaryHash string    `json:"binary_hash"`
}

// New creates/opens the audit database under dataDir with WAL enabled.
func New(dataDir string, log *zap.Logger) (*DB, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %v", err)
	}

	dbPath := filepath.Join(dataDir, "netaudit.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %v", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %v", err)
	}

	log.Info("database ready", zap.String("path", dbPath))
	return &DB{db: db, log: log}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS network_events (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp   DATETIME NOT NULL,
		pid         INTEGER NOT NULL,
		uid         INTEGER NOT NULL,
		exe_path    TEXT NOT NULL,
		protocol    TEXT NOT NULL,
		action      TEXT NOT NULL,
		family      INTEGER NOT NULL,
		src_addr    TEXT,
		src_port    INTEGER,
		dst_addr    TEXT,
		dst_port    INTEGER,
		binary_hash TEXT
	);`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create network_events: %v", err)
	}

	matches := `
	CREATE TABLE IF NOT EXISTS sigma_matches (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id   INTEGER NOT NULL,
		rule_id    TEXT NOT NULL,
		rule_name  TEXT NOT NULL,
		details    TEXT,
		created_at DATETIME NOT NULL
	);`

	if _, err := db.Exec(matches); err != nil {
		return fmt.Errorf("failed to create sigma_matches: %v", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_events_timestamp ON network_events(timestamp);",
		"CREATE INDEX IF NOT EXISTS idx_events_pid ON network_events(pid);",
		"CREATE INDEX IF NOT EXISTS idx_events_exe ON network_events(exe_path);",
		"CREATE INDEX IF NOT EXISTS idx_events_dst ON network_events(dst_addr, dst_port);",
		"CREATE INDEX IF NOT EXISTS idx_matches_event ON sigma_matches(event_id);",
	}
	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %v", err)
		}
	}
	return nil
}

// InsertEvent stores one audit record and returns its row id.
func (d *DB) InsertEvent(rec *event.Record, binaryHash string) (int64, error) {
	query := `
		INSERT INTO network_events (
			timestamp, pid, uid, exe_path, protocol, action, family,
			src_addr, src_port, dst_addr, dst_port, binary_hash
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var srcAddr, dstAddr string
	if rec.SrcIP != nil {
		srcAddr = rec.SrcIP.String()
	}
	if rec.DstIP != nil {
		dstAddr = rec.DstIP.String()
	}

	result, err := d.db.Exec(query,
		rec.Timestamp,
		rec.PID,
		rec.UID,
		rec.ExePath,
		rec.Protocol.String(),
		rec.Action.String(),
		rec.Family,
		srcAddr,
		rec.SrcPort,
		dstAddr,
		rec.DstPort,
		binaryHash,
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// InsertSigmaMatch stores one detection match for a stored event.
func (d *DB) InsertSigmaMatch(eventID int64, ruleID, ruleName, details string) error {
	_, err := d.db.Exec(
		`INSERT INTO sigma_matches (event_id, rule_id, rule_name, details, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		eventID, ruleID, ruleName, details, time.Now(),
	)
	return err
}

// RecentEvents returns the newest stored records, newest first.
func (d *DB) RecentEvents(limit int) ([]EventRow, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := d.db.Query(`
		SELECT id, timestamp, pid, uid, exe_path, protocol, action, family,
		       src_addr, src_port, dst_addr, dst_port, binary_hash
		FROM network_events
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.ID, &e.Timestamp, &e.PID, &e.UID, &e.ExePath,
			&e.Protocol, &e.Action, &e.Family,
			&e.SrcAddr, &e.SrcPort, &e.DstAddr, &e.DstPort, &e.BinaryHash,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}
