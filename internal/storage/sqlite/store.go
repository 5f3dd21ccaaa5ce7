// Package sqlite stores lobby accounts in a single SQLite file for
// single-node development and tests.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/cory-johannsen/chessence/internal/account"
)

const timeFormat = time.RFC3339Nano

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	nick               TEXT    PRIMARY KEY,
	public_id          TEXT    NOT NULL UNIQUE,
	password_hash      TEXT    NOT NULL,
	friends            TEXT    NOT NULL DEFAULT '[]',
	pending_friends    TEXT    NOT NULL DEFAULT '[]',
	pending_invites    TEXT    NOT NULL DEFAULT '[]',
	is_logged_in       INTEGER NOT NULL DEFAULT 0,
	last_connection_id TEXT    NOT NULL DEFAULT '',
	created_at         TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_accounts_logged_in ON accounts (is_logged_in);
`

const accountColumns = `nick, public_id, password_hash, friends, pending_friends, pending_invites,
	is_logged_in, last_connection_id, created_at`

// Store implements account.Repository on SQLite. Friend sets are stored as
// JSON arrays.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and ensures the schema exists.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// one writer keeps read-modify-write transactions serialised
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Health pings the database.
func (s *Store) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (account.Account, error) {
	var (
		a                                account.Account
		friends, pendingFriends, invites string
		createdAt                        string
	)
	err := row.Scan(&a.Nick, &a.PublicID, &a.PasswordHash,
		&friends, &pendingFriends, &invites,
		&a.IsLoggedIn, &a.LastConnectionID, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return account.Account{}, account.ErrAccountNotFound
		}
		return account.Account{}, err
	}
	for _, f := range []struct {
		raw string
		dst *[]string
	}{
		{friends, &a.Friends},
		{pendingFriends, &a.PendingFriends},
		{invites, &a.PendingInvites},
	} {
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return account.Account{}, fmt.Errorf("decoding friend set: %w", err)
		}
	}
	if a.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return account.Account{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return a, nil
}

func encodeSet(s []string) (string, error) {
	if s == nil {
		s = []string{}
	}
	b, err := json.Marshal(s)
	return string(b), err
}

// Create inserts a new account with a bcrypt-hashed password.
func (s *Store) Create(ctx context.Context, nick, password string) (account.Account, error) {
	hash, err := account.HashPassword(password)
	if err != nil {
		return account.Account{}, err
	}
	acct := account.Account{
		Nick:         nick,
		PublicID:     account.NewPublicID(),
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO accounts (nick, public_id, password_hash, created_at) VALUES (?, ?, ?, ?)`,
		acct.Nick, acct.PublicID, acct.PasswordHash, acct.CreatedAt.Format(timeFormat),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return account.Account{}, account.ErrAccountExists
		}
		return account.Account{}, fmt.Errorf("inserting account: %w", err)
	}
	return acct, nil
}

// Authenticate verifies credentials and returns the matching account.
func (s *Store) Authenticate(ctx context.Context, nick, password string) (account.Account, error) {
	acct, err := s.FindAccount(ctx, nick)
	if err != nil {
		return account.Account{}, err
	}
	if !account.CheckPassword(password, acct.PasswordHash) {
		return account.Account{}, account.ErrInvalidCredentials
	}
	return acct, nil
}

// FindAccount retrieves an account by nick.
func (s *Store) FindAccount(ctx context.Context, nick string) (account.Account, error) {
	acct, err := scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE nick = ?`, nick))
	if err != nil && !errors.Is(err, account.ErrAccountNotFound) {
		return account.Account{}, fmt.Errorf("querying account: %w", err)
	}
	return acct, err
}

// UpsertAccount applies patch to nick's friend sets in one transaction.
func (s *Store) UpsertAccount(ctx context.Context, nick string, patch account.Patch) (account.Account, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return account.Account{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	acct, err := scanAccount(tx.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE nick = ?`, nick))
	if err != nil {
		if errors.Is(err, account.ErrAccountNotFound) {
			return account.Account{}, err
		}
		return account.Account{}, fmt.Errorf("querying account: %w", err)
	}
	patch.Apply(&acct)

	friends, err := encodeSet(acct.Friends)
	if err != nil {
		return account.Account{}, err
	}
	pending, err := encodeSet(acct.PendingFriends)
	if err != nil {
		return account.Account{}, err
	}
	invites, err := encodeSet(acct.PendingInvites)
	if err != nil {
		return account.Account{}, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE accounts SET friends = ?, pending_friends = ?, pending_invites = ? WHERE nick = ?`,
		friends, pending, invites, nick,
	); err != nil {
		return account.Account{}, fmt.Errorf("updating account: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return account.Account{}, fmt.Errorf("commit: %w", err)
	}
	return acct, nil
}

// DeleteAccount removes the record for nick.
func (s *Store) DeleteAccount(ctx context.Context, nick string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE nick = ?`, nick)
	if err != nil {
		return fmt.Errorf("deleting account: %w", err)
	}
	return requireRow(res)
}

// SetSession marks nick logged in on connID.
func (s *Store) SetSession(ctx context.Context, nick, connID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET is_logged_in = 1, last_connection_id = ? WHERE nick = ?`,
		connID, nick,
	)
	if err != nil {
		return fmt.Errorf("setting session: %w", err)
	}
	return requireRow(res)
}

// ClearSession logs nick out when its recorded connection equals
// expectedConn, or unconditionally when expectedConn is empty.
func (s *Store) ClearSession(ctx context.Context, nick, expectedConn string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET is_logged_in = 0, last_connection_id = ''
		 WHERE nick = ? AND is_logged_in = 1 AND (? = '' OR last_connection_id = ?)`,
		nick, expectedConn, expectedConn,
	)
	if err != nil {
		return false, fmt.Errorf("clearing session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("clearing session: %w", err)
	}
	return n > 0, nil
}

// ListLoggedIn returns every account flagged as logged in.
func (s *Store) ListLoggedIn(ctx context.Context) ([]account.Account, error) {
	accts, err := s.list(ctx, `WHERE is_logged_in = 1`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	return accts, nil
}

// ListAccounts returns every account ordered by nick.
func (s *Store) ListAccounts(ctx context.Context) ([]account.Account, error) {
	accts, err := s.list(ctx, ``)
	if err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	return accts, nil
}

func (s *Store) list(ctx context.Context, where string) ([]account.Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts `+where+` ORDER BY nick`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []account.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acct)
	}
	return out, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return account.ErrAccountNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

var _ account.Repository = (*Store)(nil)
