package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"signalPilot/internal/domain"
	"signalPilot/internal/ports"
)

// Repository implements ports.SnapshotStore using SQLite. Live positions are
// stored as JSON documents; the execution ledger is an append-only table.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository creates a new SQLite repository instance.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/signal_pilot.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("%w: failed to create data directory '%s': %w", ports.ErrDBConnection, filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// WAL mode lets status readers run next to the snapshot writer
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("%w: failed to open database at '%s': %w", ports.ErrDBConnection, dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("%w: failed to ping database at '%s': %w", ports.ErrDBConnection, dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	repo := &Repository{db: db, logger: cfg.Logger}
	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	cfg.Logger.Info(context.Background(), "SQLite snapshot store ready", map[string]interface{}{"path": dbPath})

	return repo, nil
}

func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS position_snapshots (
		id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		saved_at TIMESTAMP NOT NULL,
		document BLOB NOT NULL
	);

	CREATE TABLE IF NOT EXISTS execution_ledger (
		seq INTEGER PRIMARY KEY,
		ticket TEXT NOT NULL,
		symbol TEXT NOT NULL,
		reference TEXT NOT NULL,
		action TEXT NOT NULL,
		price REAL NOT NULL,
		lots REAL NOT NULL,
		remaining_lots REAL NOT NULL,
		executed_at TIMESTAMP NOT NULL,
		success INTEGER NOT NULL,
		error TEXT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_execution_ledger_ticket ON execution_ledger (ticket, seq);
	`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("%w: failed to execute schema initialization: %w", ports.ErrQueryFailed, err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing SQLite database connection")
		return r.db.Close()
	}
	return nil
}

// SavePositions replaces the stored set of live positions in one transaction.
func (r *Repository) SavePositions(ctx context.Context, snapshots []domain.PositionSnapshot) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin snapshot transaction: %w", ports.ErrDBConnection, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM position_snapshots`); err != nil {
		return fmt.Errorf("%w: clear snapshots: %w", ports.ErrQueryFailed, err)
	}

	const insert = `
	INSERT INTO position_snapshots (id, symbol, status, created_at, saved_at, document)
	VALUES (?, ?, ?, ?, ?, ?)`
	stmt, err := tx.PrepareContext(ctx, insert)
	if err != nil {
		return fmt.Errorf("%w: prepare snapshot insert: %w", ports.ErrQueryFailed, err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, snap := range snapshots {
		doc, mErr := sonic.Marshal(snap)
		if mErr != nil {
			err = fmt.Errorf("marshal snapshot %s: %w", snap.Position.ID, mErr)
			return err
		}
		p := snap.Position
		if _, err = stmt.ExecContext(ctx, p.ID, p.Symbol, p.Status, p.CreatedAt.UTC(), now, doc); err != nil {
			return fmt.Errorf("%w: insert snapshot %s: %w", ports.ErrQueryFailed, p.ID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit snapshots: %w", ports.ErrQueryFailed, err)
	}
	r.logger.Debug(ctx, "Position snapshots saved", map[string]interface{}{"count": len(snapshots)})
	return nil
}

// LoadPositions returns the last saved set of live positions, oldest first.
func (r *Repository) LoadPositions(ctx context.Context) ([]domain.PositionSnapshot, error) {
	const query = `SELECT id, document FROM position_snapshots ORDER BY created_at, id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query snapshots: %w", ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	out := make([]domain.PositionSnapshot, 0)
	for rows.Next() {
		var id string
		var doc []byte
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, fmt.Errorf("%w: failed to scan snapshot: %w", ports.ErrQueryFailed, err)
		}
		var snap domain.PositionSnapshot
		if err := sonic.Unmarshal(doc, &snap); err != nil {
			r.logger.Error(ctx, err, "Skipping unreadable position snapshot", map[string]interface{}{"positionID": id})
			continue
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: error iterating snapshot rows: %w", ports.ErrQueryFailed, err)
	}
	return out, nil
}

// AppendExecutions stores ledger records. Records already stored are ignored.
func (r *Repository) AppendExecutions(ctx context.Context, records []domain.ExecutionRecord) (err error) {
	if len(records) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin ledger transaction: %w", ports.ErrDBConnection, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	const insert = `
	INSERT OR IGNORE INTO execution_ledger
		(seq, ticket, symbol, reference, action, price, lots, remaining_lots, executed_at, success, error)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	stmt, err := tx.PrepareContext(ctx, insert)
	if err != nil {
		return fmt.Errorf("%w: prepare ledger insert: %w", ports.ErrQueryFailed, err)
	}
	defer stmt.Close()

	for _, rec := range records {
		var errText sql.NullString
		if rec.Error != "" {
			errText = sql.NullString{String: rec.Error, Valid: true}
		}
		if _, err = stmt.ExecContext(ctx,
			rec.Seq, rec.Ticket, rec.Symbol, rec.Reference, rec.Action, rec.Price, rec.Lots,
			rec.RemainingLots, rec.Timestamp.UTC(), rec.Success, errText); err != nil {
			return fmt.Errorf("%w: insert ledger record %d: %w", ports.ErrQueryFailed, rec.Seq, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit ledger records: %w", ports.ErrQueryFailed, err)
	}
	r.logger.Debug(ctx, "Ledger records appended", map[string]interface{}{"count": len(records)})
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanExecution(s scanner) (domain.ExecutionRecord, error) {
	var rec domain.ExecutionRecord
	var action string
	var errText sql.NullString
	err := s.Scan(&rec.Seq, &rec.Ticket, &rec.Symbol, &rec.Reference, &action, &rec.Price, &rec.Lots,
		&rec.RemainingLots, &rec.Timestamp, &rec.Success, &errText)
	if err != nil {
		return domain.ExecutionRecord{}, err
	}
	rec.Action = domain.ActionKind(action)
	rec.Error = errText.String
	return rec, nil
}

const executionColumns = `seq, ticket, symbol, reference, action, price, lots, remaining_lots, executed_at, success, error`

// RecentExecutions returns up to limit records, newest first.
func (r *Repository) RecentExecutions(ctx context.Context, limit int) ([]domain.ExecutionRecord, error) {
	if limit <= 0 {
		return []domain.ExecutionRecord{}, nil
	}
	query := `SELECT ` + executionColumns + ` FROM execution_ledger ORDER BY seq DESC LIMIT ?`
	return r.queryExecutions(ctx, query, limit)
}

// ExecutionsBetween returns records with a timestamp in [from, to), oldest first.
// Timestamps are stored in UTC; the bounds are converted before comparing.
func (r *Repository) ExecutionsBetween(ctx context.Context, from, to time.Time) ([]domain.ExecutionRecord, error) {
	query := `SELECT ` + executionColumns + ` FROM execution_ledger WHERE executed_at >= ? AND executed_at < ? ORDER BY seq`
	return r.queryExecutions(ctx, query, from.UTC(), to.UTC())
}

func (r *Repository) queryExecutions(ctx context.Context, query string, args ...interface{}) ([]domain.ExecutionRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query ledger: %w", ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	out := make([]domain.ExecutionRecord, 0)
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to scan ledger record: %w", ports.ErrQueryFailed, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: error iterating ledger rows: %w", ports.ErrQueryFailed, err)
	}
	return out, nil
}

// LastExecutionSeq returns the highest stored sequence number (0 if none).
func (r *Repository) LastExecutionSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := r.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM execution_ledger`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("%w: failed to query last ledger seq: %w", ports.ErrQueryFailed, err)
	}
	return seq.Int64, nil
}
