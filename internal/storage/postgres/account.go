package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/chessence/internal/account"
)

const accountColumns = `nick, public_id, password_hash, friends, pending_friends, pending_invites,
	is_logged_in, last_connection_id, created_at`

// AccountRepository implements account.Repository on PostgreSQL.
type AccountRepository struct {
	db *pgxpool.Pool
}

// NewAccountRepository creates an AccountRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewAccountRepository(db *pgxpool.Pool) *AccountRepository {
	return &AccountRepository{db: db}
}

func scanAccount(row pgx.Row) (account.Account, error) {
	var a account.Account
	err := row.Scan(&a.Nick, &a.PublicID, &a.PasswordHash,
		&a.Friends, &a.PendingFriends, &a.PendingInvites,
		&a.IsLoggedIn, &a.LastConnectionID, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return account.Account{}, account.ErrAccountNotFound
		}
		return account.Account{}, err
	}
	return a, nil
}

// Create inserts a new account with a bcrypt-hashed password.
//
// Precondition: nick and password must be non-empty.
// Postcondition: Returns the created Account, or account.ErrAccountExists if
// the nick is taken.
func (r *AccountRepository) Create(ctx context.Context, nick, password string) (account.Account, error) {
	hash, err := account.HashPassword(password)
	if err != nil {
		return account.Account{}, err
	}

	acct, err := scanAccount(r.db.QueryRow(ctx,
		`INSERT INTO accounts (nick, public_id, password_hash)
		 VALUES ($1, $2, $3)
		 RETURNING `+accountColumns,
		nick, account.NewPublicID(), hash,
	))
	if err != nil {
		if isDuplicateKeyError(err) {
			return account.Account{}, account.ErrAccountExists
		}
		return account.Account{}, fmt.Errorf("inserting account: %w", err)
	}
	return acct, nil
}

// Authenticate verifies credentials and returns the matching account.
//
// Postcondition: Returns the Account if credentials are valid,
// account.ErrAccountNotFound if the nick doesn't exist,
// or account.ErrInvalidCredentials if the password is wrong.
func (r *AccountRepository) Authenticate(ctx context.Context, nick, password string) (account.Account, error) {
	acct, err := r.FindAccount(ctx, nick)
	if err != nil {
		return account.Account{}, err
	}
	if !account.CheckPassword(password, acct.PasswordHash) {
		return account.Account{}, account.ErrInvalidCredentials
	}
	return acct, nil
}

// FindAccount retrieves an account by nick.
//
// Postcondition: Returns the Account or account.ErrAccountNotFound.
func (r *AccountRepository) FindAccount(ctx context.Context, nick string) (account.Account, error) {
	acct, err := scanAccount(r.db.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE nick = $1`, nick))
	if err != nil && !errors.Is(err, account.ErrAccountNotFound) {
		return account.Account{}, fmt.Errorf("querying account: %w", err)
	}
	return acct, err
}

// UpsertAccount applies patch to nick's friend fields inside a transaction
// holding the row lock, so concurrent patches to one account never lose
// each other's edits.
//
// Postcondition: Returns the updated Account or account.ErrAccountNotFound.
func (r *AccountRepository) UpsertAccount(ctx context.Context, nick string, patch account.Patch) (account.Account, error) {
	var out account.Account
	err := pgx.BeginTxFunc(ctx, r.db, pgx.TxOptions{}, func(tx pgx.Tx) error {
		acct, err := scanAccount(tx.QueryRow(ctx,
			`SELECT `+accountColumns+` FROM accounts WHERE nick = $1 FOR UPDATE`, nick))
		if err != nil {
			return err
		}
		patch.Apply(&acct)
		_, err = tx.Exec(ctx,
			`UPDATE accounts
			 SET friends = $2, pending_friends = $3, pending_invites = $4
			 WHERE nick = $1`,
			nick, nonNil(acct.Friends), nonNil(acct.PendingFriends), nonNil(acct.PendingInvites),
		)
		if err != nil {
			return fmt.Errorf("updating account: %w", err)
		}
		out = acct
		return nil
	})
	if err != nil {
		if errors.Is(err, account.ErrAccountNotFound) {
			return account.Account{}, err
		}
		return account.Account{}, fmt.Errorf("patching account %q: %w", nick, err)
	}
	return out, nil
}

// DeleteAccount removes the record for nick.
//
// Postcondition: The row is gone, or account.ErrAccountNotFound is returned.
func (r *AccountRepository) DeleteAccount(ctx context.Context, nick string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM accounts WHERE nick = $1`, nick)
	if err != nil {
		return fmt.Errorf("deleting account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return account.ErrAccountNotFound
	}
	return nil
}

// SetSession marks nick logged in on connID.
func (r *AccountRepository) SetSession(ctx context.Context, nick, connID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE accounts SET is_logged_in = TRUE, last_connection_id = $2 WHERE nick = $1`,
		nick, connID,
	)
	if err != nil {
		return fmt.Errorf("setting session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return account.ErrAccountNotFound
	}
	return nil
}

// ClearSession logs nick out when its recorded connection equals
// expectedConn, or unconditionally when expectedConn is empty.
//
// Postcondition: Reports whether a row changed.
func (r *AccountRepository) ClearSession(ctx context.Context, nick, expectedConn string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE accounts SET is_logged_in = FALSE, last_connection_id = ''
		 WHERE nick = $1 AND is_logged_in AND ($2 = '' OR last_connection_id = $2)`,
		nick, expectedConn,
	)
	if err != nil {
		return false, fmt.Errorf("clearing session: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListLoggedIn returns every account flagged as logged in.
func (r *AccountRepository) ListLoggedIn(ctx context.Context) ([]account.Account, error) {
	accts, err := r.list(ctx, `WHERE is_logged_in`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	return accts, nil
}

// ListAccounts returns every account ordered by nick.
func (r *AccountRepository) ListAccounts(ctx context.Context) ([]account.Account, error) {
	accts, err := r.list(ctx, ``)
	if err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	return accts, nil
}

func (r *AccountRepository) list(ctx context.Context, where string) ([]account.Account, error) {
	rows, err := r.db.Query(ctx, `SELECT `+accountColumns+` FROM accounts `+where+` ORDER BY nick`)
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

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}

var _ account.Repository = (*AccountRepository)(nil)
