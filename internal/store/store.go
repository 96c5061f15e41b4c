// Package store is the durable, single-writer, append-mostly table of risk
// reports described in spec.md §4.1 and §6. It is backed by SQLite opened
// in WAL journal mode, the same pattern 4nonX-D-PlaneOS's daemon uses for
// its own local cluster-state table.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"riskreplica/internal/model"
	"riskreplica/internal/rerr"
)

const schema = `
CREATE TABLE IF NOT EXISTS risk_reports (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	patient_id TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	age REAL,
	serum_sodium REAL,
	serum_creatinine REAL,
	ejection_fraction REAL,
	day INTEGER,
	probability REAL,
	tier TEXT NOT NULL,
	alert_sent INTEGER NOT NULL DEFAULT 0,
	UNIQUE(patient_id, timestamp)
);
`

// Store is the local durable table of risk reports. The public methods
// are safe to call from many goroutines; database/sql already serializes
// writes through the single underlying SQLite connection, so Store adds a
// mutex only around LoadSnapshot, which must appear atomic to readers.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates or opens the SQLite-backed store at path. WAL journal mode
// is how 4nonX-D-PlaneOS's daemon opens its embedded database; FULL
// synchronous makes SQLite fsync the WAL on every commit, which is what
// makes Append durable-on-return per spec.md §4.1.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=FULL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w: %w", err, rerr.ErrStorageFailed)
	}
	db.SetMaxOpenConns(1) // single-writer model; avoid SQLITE_BUSY under concurrency

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w: %w", err, rerr.ErrStorageFailed)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append persists report durably before returning, assigning LocalID
// monotonically. It is idempotent over (patient_id, timestamp): if a row
// with that pair already exists, it returns the existing LocalID without
// inserting a new row.
func (s *Store) Append(ctx context.Context, report model.RiskReport) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := report.Validate(); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w: %w", err, rerr.ErrStorageFailed)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO risk_reports
			(patient_id, timestamp, age, serum_sodium, serum_creatinine,
			 ejection_fraction, day, probability, tier, alert_sent)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(patient_id, timestamp) DO NOTHING`,
		report.PatientID, report.Timestamp, report.Age, report.SerumSodium,
		report.SerumCreatinine, report.EjectionFraction, report.Day,
		report.Probability, string(report.Tier),
	)
	if err != nil {
		return 0, fmt.Errorf("insert report: %w: %w", err, rerr.ErrStorageFailed)
	}

	var id int64
	if n, _ := res.RowsAffected(); n == 1 {
		id, err = res.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("last insert id: %w: %w", err, rerr.ErrStorageFailed)
		}
	} else {
		// Duplicate (patient_id, timestamp) — look up the existing row's id.
		row := tx.QueryRowContext(ctx,
			`SELECT id FROM risk_reports WHERE patient_id = ? AND timestamp = ?`,
			report.PatientID, report.Timestamp)
		if err := row.Scan(&id); err != nil {
			return 0, fmt.Errorf("lookup existing report: %w: %w", err, rerr.ErrStorageFailed)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w: %w", err, rerr.ErrStorageFailed)
	}
	return id, nil
}

// MarkAlertSent sets the alert_sent flag for localID. No-op if already set
// or if the row doesn't exist (the latter would indicate a caller bug, but
// it is not this layer's place to abort the process over it).
func (s *Store) MarkAlertSent(ctx context.Context, localID int64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.db.ExecContext(ctx,
		`UPDATE risk_reports SET alert_sent = 1 WHERE id = ?`, localID); err != nil {
		return fmt.Errorf("mark alert sent: %w: %w", err, rerr.ErrStorageFailed)
	}
	return nil
}

// ListByPatient returns the most recent limit reports for patientID,
// newest first by timestamp, ties broken by LocalID descending. limit == 0
// means "all".
func (s *Store) ListByPatient(ctx context.Context, patientID string, limit int) ([]model.RiskReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, patient_id, timestamp, age, serum_sodium, serum_creatinine,
		ejection_fraction, day, probability, tier, alert_sent
		FROM risk_reports WHERE patient_id = ?
		ORDER BY timestamp DESC, id DESC`
	args := []any{patientID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list by patient: %w: %w", err, rerr.ErrStorageFailed)
	}
	defer rows.Close()

	return scanReports(rows)
}

// Snapshot returns a full dump of the table, used by the JoinCoordinator
// to onboard a new replica.
func (s *Store) Snapshot(ctx context.Context) ([]model.RiskReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id, patient_id, timestamp, age,
		serum_sodium, serum_creatinine, ejection_fraction, day, probability,
		tier, alert_sent FROM risk_reports ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w: %w", err, rerr.ErrStorageFailed)
	}
	defer rows.Close()

	return scanReports(rows)
}

// LoadSnapshot atomically replaces the table contents with reports. Used
// by a joining replica once it has received a JoinCluster response. A
// report with a zero LocalID (as every report decoded from the wire has)
// is given a fresh local id.
func (s *Store) LoadSnapshot(ctx context.Context, reports []model.RiskReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w: %w", err, rerr.ErrStorageFailed)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM risk_reports`); err != nil {
		return fmt.Errorf("clear table: %w: %w", err, rerr.ErrStorageFailed)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO risk_reports
			(id, patient_id, timestamp, age, serum_sodium, serum_creatinine,
			 ejection_fraction, day, probability, tier, alert_sent)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w: %w", err, rerr.ErrStorageFailed)
	}
	defer stmt.Close()

	for _, r := range reports {
		alertSent := 0
		if r.AlertSent {
			alertSent = 1
		}
		localID := sql.NullInt64{Int64: r.LocalID, Valid: r.LocalID > 0}
		if _, err := stmt.ExecContext(ctx, localID, r.PatientID, r.Timestamp,
			r.Age, r.SerumSodium, r.SerumCreatinine, r.EjectionFraction, r.Day,
			r.Probability, string(r.Tier), alertSent); err != nil {
			return fmt.Errorf("load snapshot row: %w: %w", err, rerr.ErrStorageFailed)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w: %w", err, rerr.ErrStorageFailed)
	}
	return nil
}

func scanReports(rows *sql.Rows) ([]model.RiskReport, error) {
	var out []model.RiskReport
	for rows.Next() {
		var r model.RiskReport
		var tier string
		var alertSent int
		if err := rows.Scan(&r.LocalID, &r.PatientID, &r.Timestamp, &r.Age,
			&r.SerumSodium, &r.SerumCreatinine, &r.EjectionFraction, &r.Day,
			&r.Probability, &tier, &alertSent); err != nil {
			return nil, fmt.Errorf("scan report: %w: %w", err, rerr.ErrStorageFailed)
		}
		r.Tier = model.Tier(tier)
		r.AlertSent = alertSent != 0
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w: %w", err, rerr.ErrStorageFailed)
	}
	return out, nil
}
