package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/openboards/boardsync/internal/board"
)

const (
	postgresBoardsTableName  = "boardsync_boards"
	postgresLedgerTableName  = "boardsync_ledger"
	postgresStatementTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type PostgresStore struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// NewPostgresStore returns a store backed by Postgres. The connection is
// opened and the schema created lazily on first use.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: dsn is required", ErrInvalidInput)
	}
	return &PostgresStore{dsn: dsn, openDB: sql.Open}, nil
}

func (s *PostgresStore) LoadBoard(ctx context.Context, boardID string) (*board.Board, int64, error) {
	if err := s.ensureReady(); err != nil {
		return nil, 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresStatementTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT snapshot, revision FROM %s WHERE board_id = $1", postgresQuoteIdentifier(postgresBoardsTableName))
	var payload string
	var revision int64
	err := s.db.QueryRowContext(ctx, query, boardID).Scan(&payload, &revision)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, err
	}
	var snapshot board.Board
	if err := json.Unmarshal([]byte(payload), &snapshot); err != nil {
		return nil, 0, err
	}
	return &snapshot, revision, nil
}

func (s *PostgresStore) Commit(ctx context.Context, snapshot *board.Board, entry Entry) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	snapshotPayload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	opsPayload, err := json.Marshal(entry.Ops)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, postgresStatementTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	upsert := fmt.Sprintf(`
		INSERT INTO %s (board_id, snapshot, revision, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (board_id)
		DO UPDATE SET snapshot = EXCLUDED.snapshot, revision = EXCLUDED.revision, updated_at = NOW()`,
		postgresQuoteIdentifier(postgresBoardsTableName))
	if _, err := tx.ExecContext(ctx, upsert, entry.BoardID, string(snapshotPayload), entry.Revision); err != nil {
		return err
	}
	insert := fmt.Sprintf(
		"INSERT INTO %s (board_id, revision, ops, applied_at) VALUES ($1, $2, $3, $4)",
		postgresQuoteIdentifier(postgresLedgerTableName))
	if _, err := tx.ExecContext(ctx, insert, entry.BoardID, entry.Revision, string(opsPayload), entry.AppliedAt.UTC()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *PostgresStore) EntriesSince(ctx context.Context, boardID string, sinceRevision int64) ([]Entry, int64, error) {
	if err := s.ensureReady(); err != nil {
		return nil, 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresStatementTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var revision int64
	revisionQuery := fmt.Sprintf("SELECT revision FROM %s WHERE board_id = $1", postgresQuoteIdentifier(postgresBoardsTableName))
	err = tx.QueryRowContext(ctx, revisionQuery, boardID).Scan(&revision)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}

	entriesQuery := fmt.Sprintf(`
		SELECT revision, ops, applied_at
		FROM %s
		WHERE board_id = $1 AND revision > $2
		ORDER BY revision ASC`, postgresQuoteIdentifier(postgresLedgerTableName))
	rows, err := tx.QueryContext(ctx, entriesQuery, boardID, sinceRevision)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var entry Entry
		var opsPayload string
		if err := rows.Scan(&entry.Revision, &opsPayload, &entry.AppliedAt); err != nil {
			return nil, 0, err
		}
		if err := json.Unmarshal([]byte(opsPayload), &entry.Ops); err != nil {
			return nil, 0, err
		}
		entry.BoardID = boardID
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return entries, revision, nil
}

func (s *PostgresStore) BoardRevisions(ctx context.Context) (map[string]int64, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresStatementTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT board_id, revision FROM %s", postgresQuoteIdentifier(postgresBoardsTableName))
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var boardID string
		var revision int64
		if err := rows.Scan(&boardID, &revision); err != nil {
			return nil, err
		}
		out[boardID] = revision
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresStatementTimeout)
		defer cancel()

		boardsTable := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				board_id TEXT PRIMARY KEY,
				snapshot TEXT NOT NULL,
				revision BIGINT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(postgresBoardsTableName))
		if _, err := db.ExecContext(ctx, boardsTable); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		ledgerTable := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				board_id TEXT NOT NULL,
				revision BIGINT NOT NULL,
				ops TEXT NOT NULL,
				applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (board_id, revision)
			)`, postgresQuoteIdentifier(postgresLedgerTableName))
		if _, err := db.ExecContext(ctx, ledgerTable); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
