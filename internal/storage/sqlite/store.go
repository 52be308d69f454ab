package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/relves/socialrecovery/internal/storage"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// ErrInvalidAccount is returned for account names that cannot be used as a
// directory name.
var ErrInvalidAccount = errors.New("invalid account")

type AccountStore struct {
	db      *sql.DB
	account string
	dbPath  string
}

func validAccount(account string) bool {
	return account != "" && account != "." && account != ".." && !strings.ContainsAny(account, `/\`)
}

func OpenAccountStore(basePath, account string) (*AccountStore, error) {
	if !validAccount(account) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAccount, account)
	}
	dir := filepath.Join(basePath, "accounts", account)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create account directory: %w", err)
	}

	dbPath := filepath.Join(dir, "wallet.db")
	db, err := sql.Open("sqlite", dbPath+
		"?_pragma=journal_mode(WAL)"+
		"&_pragma=foreign_keys(ON)"+
		"&_pragma=busy_timeout(5000)"+ // wait on lock instead of failing with SQLITE_BUSY
		"&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite handles concurrent writers poorly.
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &AccountStore{
		db:      db,
		account: account,
		dbPath:  dbPath,
	}, nil
}

func (s *AccountStore) Close() error {
	return s.db.Close()
}

func (s *AccountStore) Account() string {
	return s.account
}

func (s *AccountStore) DBPath() string {
	return s.dbPath
}

type AccountRecord struct {
	Account   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func touchAccount(ctx context.Context, db execer, account string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := db.ExecContext(ctx,
		`INSERT INTO accounts (account, created_at, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(account) DO UPDATE SET updated_at = excluded.updated_at`,
		account, now, now)
	return err
}

// GetAccountRecord returns when the account was first and last written.
func (s *AccountStore) GetAccountRecord(ctx context.Context, account string) (*AccountRecord, error) {
	var record AccountRecord
	var createdAt, updatedAt string

	err := s.db.QueryRowContext(ctx,
		`SELECT account, created_at, updated_at FROM accounts WHERE account = ?`,
		account).Scan(&record.Account, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var parseErr error
	record.CreatedAt, parseErr = time.Parse(time.RFC3339, createdAt)
	if parseErr != nil {
		slog.Warn("failed to parse created_at timestamp", "account", account, "value", createdAt, "error", parseErr)
	}
	record.UpdatedAt, parseErr = time.Parse(time.RFC3339, updatedAt)
	if parseErr != nil {
		slog.Warn("failed to parse updated_at timestamp", "account", account, "value", updatedAt, "error", parseErr)
	}
	return &record, nil
}

// GetTreeState returns (0, nil, nil) if nothing was journaled yet.
func (s *AccountStore) GetTreeState(ctx context.Context, account string) (size uint64, root []byte, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT size, root FROM tree_state WHERE account = ?`,
		account).Scan(&size, &root)
	if err == sql.ErrNoRows {
		return 0, nil, nil
	}
	if err != nil {
		return 0, nil, err
	}
	return size, root, nil
}

func (s *AccountStore) AppendSubmission(ctx context.Context, account string, expectedSize uint64, sub storage.Submission, newRoot []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var size uint64
	err = tx.QueryRowContext(ctx,
		`SELECT size FROM tree_state WHERE account = ?`, account).Scan(&size)
	if err != nil && err != sql.ErrNoRows {
		return err
	}
	if size != expectedSize {
		return fmt.Errorf("%w: tree at %d, expected %d", storage.ErrHeadMismatch, size, expectedSize)
	}

	recordedAt := sub.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO submissions (account, idx, call_cid, leaf_hash, payload, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		account, expectedSize, sub.CallCID, sub.LeafHash, sub.Payload,
		recordedAt.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("insert submission: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO tree_state (account, size, root) VALUES (?, ?, ?)
		 ON CONFLICT(account) DO UPDATE SET size = excluded.size, root = excluded.root`,
		account, expectedSize+1, newRoot); err != nil {
		return fmt.Errorf("update tree state: %w", err)
	}

	if err := touchAccount(ctx, tx, account); err != nil {
		return err
	}
	return tx.Commit()
}

// GetSubmissions returns up to limit submissions starting at index from.
// A limit <= 0 returns everything.
func (s *AccountStore) GetSubmissions(ctx context.Context, account string, from uint64, limit int) ([]storage.Submission, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT idx, call_cid, leaf_hash, payload, recorded_at FROM submissions
		 WHERE account = ? AND idx >= ? ORDER BY idx LIMIT ?`,
		account, from, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []storage.Submission
	for rows.Next() {
		var sub storage.Submission
		var recordedAt string
		if err := rows.Scan(&sub.Index, &sub.CallCID, &sub.LeafHash, &sub.Payload, &recordedAt); err != nil {
			return nil, err
		}
		sub.RecordedAt, err = time.Parse(time.RFC3339Nano, recordedAt)
		if err != nil {
			slog.Warn("failed to parse recorded_at timestamp", "account", account, "index", sub.Index, "error", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (s *AccountStore) GetLeafHashes(ctx context.Context, account string) ([][]byte, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT leaf_hash FROM submissions WHERE account = ? ORDER BY idx`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hashes [][]byte
	for rows.Next() {
		var h []byte
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

// GetDraft returns nil if the account has no draft.
func (s *AccountStore) GetDraft(ctx context.Context, account string) ([]byte, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM drafts WHERE account = ?`, account).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return payload, nil
}

func (s *AccountStore) SetDraft(ctx context.Context, account string, payload []byte) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO drafts (account, payload, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(account) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		account, payload, now)
	if err != nil {
		return err
	}
	return touchAccount(ctx, s.db, account)
}

// DeleteDraft is idempotent.
func (s *AccountStore) DeleteDraft(ctx context.Context, account string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM drafts WHERE account = ?`, account)
	return err
}
