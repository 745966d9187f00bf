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

package ledger

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
)

const invoiceColumns = `id, sub_account_id, invoice, payment_hash,
	description_hash, amount_msats, state, expires_at, created_at,
	updated_at, settled_at, raw`

// RegisterPendingInvoice records a freshly issued invoice in pending
// state and refreshes the owning account's pending aggregate in the same
// transaction.
//
// The invoice id is the payment hash when known, otherwise the hash of
// the invoice string, otherwise the description hash. At least one of the
// three must be present, or settlement could never find the row again;
// all empty fails with ErrNoReference. Registering the same payment hash
// twice fails with ErrDuplicateKey.
func (s *Store) RegisterPendingInvoice(ctx context.Context, p RegisterInvoiceParams) (*PendingInvoice, error) {
	if p.AmountMsat <= 0 {
		return nil, fmt.Errorf("ledger: invoice amount must be positive, got %d", p.AmountMsat)
	}
	if p.PaymentHash == "" && p.Invoice == "" && p.DescriptionHash == "" {
		return nil, ErrNoReference
	}
	id := invoiceID(p)

	now := nowString()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRow(
			`SELECT COUNT(*) FROM sub_accounts WHERE id = ?`, p.SubAccountID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return ErrNotFound
		}
		var raw interface{}
		if len(p.Raw) > 0 {
			raw = string(p.Raw)
		}
		_, err := tx.Exec(`
			INSERT INTO pending_invoices (
				id, sub_account_id, invoice, payment_hash, description_hash,
				amount_msats, state, expires_at, created_at, updated_at, raw
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, p.SubAccountID, nullable(p.Invoice), nullable(p.PaymentHash),
			nullable(p.DescriptionHash), p.AmountMsat, string(StatePending),
			p.ExpiresAt, now, now, raw)
		if err != nil {
			return err
		}
		return refreshPending(tx, p.SubAccountID, now)
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateKey
		}
		return nil, err
	}
	return s.PendingInvoice(ctx, id)
}

func invoiceID(p RegisterInvoiceParams) string {
	switch {
	case p.PaymentHash != "":
		return p.PaymentHash
	case p.Invoice != "":
		sum := sha256.Sum256([]byte(p.Invoice))
		return hex.EncodeToString(sum[:])
	default:
		return p.DescriptionHash
	}
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// PendingInvoice loads one invoice by id.
func (s *Store) PendingInvoice(ctx context.Context, id string) (*PendingInvoice, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+invoiceColumns+` FROM pending_invoices WHERE id = ?`, id)
	return scanInvoice(row)
}

// ListPendingInvoices returns invoices, newest first. subAccountID and
// state narrow the listing when non-empty.
func (s *Store) ListPendingInvoices(ctx context.Context, subAccountID string, state InvoiceState) ([]*PendingInvoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM pending_invoices WHERE 1=1`
	var args []interface{}
	if subAccountID != "" {
		query += ` AND sub_account_id = ?`
		args = append(args, subAccountID)
	}
	if state != "" {
		if !state.valid() {
			return nil, fmt.Errorf("ledger: unknown state %q", state)
		}
		query += ` AND state = ?`
		args = append(args, string(state))
	}
	query += ` ORDER BY created_at DESC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var invoices []*PendingInvoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

// FindPendingInvoice resolves an invoice by any of its lookup keys,
// regardless of state. Keys are tried in preference order: payment hash,
// invoice string, description hash; ties go to the most recently updated
// row.
func (s *Store) FindPendingInvoice(ctx context.Context, ref InvoiceRef) (*PendingInvoice, error) {
	lookups := []struct {
		column string
		value  string
	}{
		{"payment_hash", ref.PaymentHash},
		{"invoice", ref.Invoice},
		{"description_hash", ref.DescriptionHash},
	}
	for _, l := range lookups {
		if l.value == "" {
			continue
		}
		row := s.db.QueryRowContext(ctx,
			`SELECT `+invoiceColumns+` FROM pending_invoices
			 WHERE `+l.column+` = ? ORDER BY updated_at DESC LIMIT 1`, l.value)
		inv, err := scanInvoice(row)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		return inv, err
	}
	return nil, ErrNotFound
}

// UpdatePendingInvoiceState moves an invoice to a terminal state. Only
// pending invoices may transition; anything else fails with
// ErrInvalidTransition. The account's pending aggregate is refreshed in
// the same transaction.
func (s *Store) UpdatePendingInvoiceState(ctx context.Context, id string, state InvoiceState) (*PendingInvoice, error) {
	if !state.valid() || !state.Terminal() {
		return nil, ErrInvalidTransition
	}
	now := nowString()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, subAccountID, err := transitionTx(tx, id, state, now)
		if err != nil {
			return err
		}
		return refreshPending(tx, subAccountID, now)
	})
	if err != nil {
		return nil, err
	}
	return s.PendingInvoice(ctx, id)
}

// SettlePendingInvoice marks the invoice settled and credits the owning
// account in one transaction, so a crash can never record the settlement
// without the credit or vice versa. creditMsat of zero falls back to the
// invoice's registered amount.
func (s *Store) SettlePendingInvoice(ctx context.Context, id string, creditMsat int64) (*PendingInvoice, *SubAccount, error) {
	now := nowString()
	var subAccountID string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		amount, owner, err := transitionTx(tx, id, StateSettled, now)
		if err != nil {
			return err
		}
		subAccountID = owner
		credit := creditMsat
		if credit <= 0 {
			credit = amount
		}
		if _, err := tx.Exec(`
			UPDATE sub_accounts
			SET balance_msats = balance_msats + ?, updated_at = ?
			WHERE id = ?`,
			credit, now, owner); err != nil {
			return err
		}
		return refreshPending(tx, owner, now)
	})
	if err != nil {
		return nil, nil, err
	}
	inv, err := s.PendingInvoice(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	acct, err := s.SubAccount(ctx, subAccountID)
	if err != nil {
		return nil, nil, err
	}
	s.log.WithField("invoice", id).WithField("sub_account", subAccountID).
		WithField("amount_msat", inv.AmountMsat).Info("invoice settled")
	return inv, acct, nil
}

// transitionTx flips one pending invoice to a terminal state inside tx
// and returns its amount and owner.
func transitionTx(tx *sql.Tx, id string, state InvoiceState, now string) (int64, string, error) {
	var (
		current      string
		amount       int64
		subAccountID string
	)
	err := tx.QueryRow(
		`SELECT state, amount_msats, sub_account_id FROM pending_invoices WHERE id = ?`, id).
		Scan(&current, &amount, &subAccountID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", ErrNotFound
	}
	if err != nil {
		return 0, "", err
	}
	if InvoiceState(current) != StatePending {
		return 0, "", ErrInvalidTransition
	}
	var settledAt interface{}
	if state == StateSettled {
		settledAt = now
	}
	_, err = tx.Exec(`
		UPDATE pending_invoices
		SET state = ?, updated_at = ?, settled_at = ?
		WHERE id = ?`,
		string(state), now, settledAt, id)
	return amount, subAccountID, err
}

// PruneExpired flips every pending invoice whose expiry has passed to
// expired and returns them. Invoices without an expiry are never pruned.
func (s *Store) PruneExpired(ctx context.Context, nowUnix int64) ([]*PendingInvoice, error) {
	var ids []string
	now := nowString()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ids = ids[:0]
		rows, err := tx.Query(`
			SELECT id FROM pending_invoices
			WHERE state = 'pending' AND expires_at > 0 AND expires_at <= ?`,
			nowUnix)
		if err != nil {
			return err
		}
		accounts := make(map[string]struct{})
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for _, id := range ids {
			_, owner, err := transitionTx(tx, id, StateExpired, now)
			if err != nil {
				return err
			}
			accounts[owner] = struct{}{}
		}
		for owner := range accounts {
			if err := refreshPending(tx, owner, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	expired := make([]*PendingInvoice, 0, len(ids))
	for _, id := range ids {
		inv, err := s.PendingInvoice(ctx, id)
		if err != nil {
			return nil, err
		}
		expired = append(expired, inv)
	}
	if len(expired) > 0 {
		s.log.WithField("count", len(expired)).Info("expired pending invoices pruned")
	}
	return expired, nil
}

func scanInvoice(row rowScanner) (*PendingInvoice, error) {
	var (
		inv             PendingInvoice
		invoice         sql.NullString
		paymentHash     sql.NullString
		descriptionHash sql.NullString
		state           string
		expiresAt       sql.NullInt64
		createdAt       string
		updatedAt       string
		settledAt       sql.NullString
		raw             sql.NullString
	)
	err := row.Scan(
		&inv.ID, &inv.SubAccountID, &invoice, &paymentHash, &descriptionHash,
		&inv.AmountMsat, &state, &expiresAt, &createdAt, &updatedAt,
		&settledAt, &raw,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	inv.Invoice = invoice.String
	inv.PaymentHash = paymentHash.String
	inv.DescriptionHash = descriptionHash.String
	inv.State = InvoiceState(state)
	inv.ExpiresAt = expiresAt.Int64
	inv.CreatedAt = parseTime(createdAt)
	inv.UpdatedAt = parseTime(updatedAt)
	inv.SettledAt = parseTimePtr(settledAt)
	if raw.Valid {
		inv.Raw = []byte(raw.String)
	}
	return &inv, nil
}
