// Copyright 2025 The walletmux Authors
// This file is part of the walletmux library.
//
// The walletmux library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The walletmux library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the walletmux library. If not, see <http://www.gnu.org/licenses/>.

// Package ledger implements the durable balance-and-pending-invoice store.
// It is the sole source of truth for sub-account balances; every
// balance-affecting write happens inside a single immediate transaction
// that validates the invariant and refreshes the pending aggregate before
// committing.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/walletmux/walletmux/vault"
)

var (
	// ErrNotFound is returned when a sub-account or invoice does not
	// exist.
	ErrNotFound = errors.New("ledger: not found")

	// ErrDuplicateKey is returned when a create collides on a service or
	// client pubkey.
	ErrDuplicateKey = errors.New("ledger: pubkey already registered")

	// ErrInvalidSecret is returned when a supplied secret is not 32
	// bytes of hex.
	ErrInvalidSecret = errors.New("ledger: secret must be 32 bytes of hex")

	// ErrInsufficientBalance is returned when a debit would take a
	// balance negative.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")

	// ErrInvalidTransition is returned for any state change other than
	// pending -> settled|failed|expired.
	ErrInvalidTransition = errors.New("ledger: invalid invoice state transition")

	// ErrNoReference is returned when a pending invoice is registered
	// without any of its three lookup keys.
	ErrNoReference = errors.New("ledger: invoice needs a payment hash, invoice string or description hash")
)

// txRetries is how often a transaction is retried on transient lock
// contention before the error is surfaced.
const txRetries = 3

const schema = `
CREATE TABLE IF NOT EXISTS sub_accounts (
	id             TEXT PRIMARY KEY,
	label          TEXT NOT NULL,
	description    TEXT,
	relays         TEXT NOT NULL,
	service_pubkey TEXT NOT NULL UNIQUE,
	service_secret BLOB NOT NULL,
	client_pubkey  TEXT NOT NULL UNIQUE,
	client_secret  BLOB NOT NULL,
	balance_msats  INTEGER NOT NULL DEFAULT 0,
	pending_msats  INTEGER NOT NULL DEFAULT 0,
	metadata       TEXT,
	created_at     TEXT NOT NULL,
	updated_at     TEXT NOT NULL,
	last_used_at   TEXT,
	usage_count    INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS pending_invoices (
	id               TEXT PRIMARY KEY,
	sub_account_id   TEXT NOT NULL REFERENCES sub_accounts(id) ON DELETE CASCADE,
	invoice          TEXT,
	payment_hash     TEXT,
	description_hash TEXT,
	amount_msats     INTEGER NOT NULL,
	state            TEXT NOT NULL CHECK(state IN ('pending','settled','failed','expired')),
	expires_at       INTEGER,
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL,
	settled_at       TEXT,
	raw              TEXT
);

CREATE INDEX IF NOT EXISTS idx_pending_invoices_account_state
	ON pending_invoices(sub_account_id, state);
CREATE INDEX IF NOT EXISTS idx_pending_invoices_payment_hash
	ON pending_invoices(payment_hash);
CREATE INDEX IF NOT EXISTS idx_pending_invoices_invoice
	ON pending_invoices(invoice);
`

// Store provides strongly consistent CRUD over sub-accounts and pending
// invoices on a single sqlite database in WAL mode.
type Store struct {
	db    *sql.DB
	vault *vault.Vault
	log   *logrus.Entry
}

// Open opens (creating if necessary) the ledger database at path. Secrets
// written through the store are sealed with v.
func Open(path string, v *vault.Vault) (*Store, error) {
	dsn := "file:" + path +
		"?_txlock=immediate" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: init schema: %w", err)
	}
	return &Store{
		db:    db,
		vault: v,
		log:   logrus.WithField("subsys", "ledger"),
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn inside an immediate transaction, retrying on transient
// lock contention with exponential backoff.
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	backoff := 50 * time.Millisecond
	var err error
	for attempt := 0; attempt < txRetries; attempt++ {
		if attempt > 0 {
			s.log.WithError(err).WithField("attempt", attempt).
				Debug("retrying contended transaction")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
		}
		err = s.runTx(ctx, fn)
		if err == nil || !isBusy(err) {
			return err
		}
	}
	return err
}

func (s *Store) runTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func isBusy(err error) bool {
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return false
	}
	code := serr.Code()
	return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
}

func isUniqueViolation(err error) bool {
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return false
	}
	code := serr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
		code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

// refreshPending recomputes the denormalized pending_msats aggregate for
// one sub-account from the canonical sum. Must run inside the same
// transaction as the change that may have moved it.
func refreshPending(tx *sql.Tx, subAccountID string, now string) error {
	_, err := tx.Exec(`
		UPDATE sub_accounts
		SET pending_msats = (
			SELECT COALESCE(SUM(amount_msats), 0)
			FROM pending_invoices
			WHERE sub_account_id = ? AND state = 'pending'
		), updated_at = ?
		WHERE id = ?`,
		subAccountID, now, subAccountID)
	return err
}

func nowString() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}
