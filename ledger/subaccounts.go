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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/walletmux/walletmux/nostr"
)

const subAccountColumns = `id, label, description, relays, service_pubkey,
	service_secret, client_pubkey, client_secret, balance_msats,
	pending_msats, metadata, created_at, updated_at, last_used_at, usage_count`

// CreateSubAccount registers a new sub-account. Missing secrets are
// generated; supplied ones must be 64 hex characters. The plaintext
// secrets are returned exactly once and are otherwise only recoverable
// through the vault.
func (s *Store) CreateSubAccount(ctx context.Context, p CreateSubAccountParams) (*SubAccount, *SubAccountSecrets, error) {
	serviceKey, err := keyFromParam(p.ServiceSecretHex)
	if err != nil {
		return nil, nil, err
	}
	clientKey, err := keyFromParam(p.ClientSecretHex)
	if err != nil {
		return nil, nil, err
	}

	serviceEnv, err := s.vault.Encrypt([]byte(serviceKey.SecretHex()))
	if err != nil {
		return nil, nil, err
	}
	clientEnv, err := s.vault.Encrypt([]byte(clientKey.SecretHex()))
	if err != nil {
		return nil, nil, err
	}

	relays, err := json.Marshal(p.Relays)
	if err != nil {
		return nil, nil, err
	}
	var metadata interface{}
	if len(p.Metadata) > 0 {
		raw, err := json.Marshal(p.Metadata)
		if err != nil {
			return nil, nil, err
		}
		metadata = string(raw)
	}

	id := uuid.NewString()
	now := nowString()
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO sub_accounts (
				id, label, description, relays,
				service_pubkey, service_secret,
				client_pubkey, client_secret,
				metadata, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, p.Label, p.Description, string(relays),
			serviceKey.CompressedHex(), serviceEnv,
			clientKey.CompressedHex(), clientEnv,
			metadata, now, now)
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, nil, ErrDuplicateKey
		}
		return nil, nil, err
	}

	acct, err := s.SubAccount(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	s.log.WithField("id", id).WithField("label", p.Label).Info("sub-account created")
	return acct, &SubAccountSecrets{
		ServiceSecretHex: serviceKey.SecretHex(),
		ClientSecretHex:  clientKey.SecretHex(),
	}, nil
}

func keyFromParam(secretHex string) (*nostr.KeyPair, error) {
	if secretHex == "" {
		return nostr.GenerateKeyPair()
	}
	kp, err := nostr.KeyPairFromHex(secretHex)
	if err != nil {
		return nil, ErrInvalidSecret
	}
	return kp, nil
}

// SubAccount loads one sub-account by id.
func (s *Store) SubAccount(ctx context.Context, id string) (*SubAccount, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subAccountColumns+` FROM sub_accounts WHERE id = ?`, id)
	return scanSubAccount(row)
}

// SubAccountByServicePubKey loads one sub-account by its compressed
// service pubkey.
func (s *Store) SubAccountByServicePubKey(ctx context.Context, pubkey string) (*SubAccount, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subAccountColumns+` FROM sub_accounts WHERE service_pubkey = ?`, pubkey)
	return scanSubAccount(row)
}

// ListSubAccounts returns every sub-account ordered by creation time.
func (s *Store) ListSubAccounts(ctx context.Context) ([]*SubAccount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+subAccountColumns+` FROM sub_accounts ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*SubAccount
	for rows.Next() {
		acct, err := scanSubAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acct)
	}
	return accounts, rows.Err()
}

// AdjustBalance atomically applies a signed delta to a sub-account's
// balance. A debit that would take the balance negative fails with
// ErrInsufficientBalance and leaves the row untouched.
func (s *Store) AdjustBalance(ctx context.Context, id string, deltaMsat int64) (*SubAccount, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE sub_accounts
			SET balance_msats = balance_msats + ?, updated_at = ?
			WHERE id = ? AND balance_msats + ? >= 0`,
			deltaMsat, nowString(), id, deltaMsat)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var exists int
			if err := tx.QueryRow(
				`SELECT COUNT(*) FROM sub_accounts WHERE id = ?`, id).Scan(&exists); err != nil {
				return err
			}
			if exists == 0 {
				return ErrNotFound
			}
			return ErrInsufficientBalance
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.SubAccount(ctx, id)
}

// TouchSubAccount records request activity on a sub-account.
func (s *Store) TouchSubAccount(ctx context.Context, id string, opts TouchOpts) error {
	if !opts.IncrementUsage && !opts.UpdateLastUsed {
		return nil
	}
	now := nowString()
	set := "updated_at = ?"
	args := []interface{}{now}
	if opts.IncrementUsage {
		set += ", usage_count = usage_count + 1"
	}
	if opts.UpdateLastUsed {
		set += ", last_used_at = ?"
		args = append(args, now)
	}
	args = append(args, id)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE sub_accounts SET `+set+` WHERE id = ?`, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// DeleteSubAccount removes a sub-account and, through the foreign key
// cascade, all of its invoices.
func (s *Store) DeleteSubAccount(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM sub_accounts WHERE id = ?`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// DecryptServiceSecret opens the sub-account's service key envelope and
// returns the parsed key pair.
func (s *Store) DecryptServiceSecret(acct *SubAccount) (*nostr.KeyPair, error) {
	return s.decryptKey(acct.ServiceSecret)
}

// DecryptClientSecret opens the sub-account's client key envelope.
func (s *Store) DecryptClientSecret(acct *SubAccount) (*nostr.KeyPair, error) {
	return s.decryptKey(acct.ClientSecret)
}

func (s *Store) decryptKey(envelope []byte) (*nostr.KeyPair, error) {
	plain, err := s.vault.Decrypt(envelope)
	if err != nil {
		return nil, err
	}
	kp, err := nostr.KeyPairFromHex(string(plain))
	if err != nil {
		return nil, fmt.Errorf("ledger: stored secret corrupt: %w", err)
	}
	return kp, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSubAccount(row rowScanner) (*SubAccount, error) {
	var (
		acct        SubAccount
		description sql.NullString
		relays      string
		metadata    sql.NullString
		createdAt   string
		updatedAt   string
		lastUsedAt  sql.NullString
	)
	err := row.Scan(
		&acct.ID, &acct.Label, &description, &relays,
		&acct.ServicePubKey, &acct.ServiceSecret,
		&acct.ClientPubKey, &acct.ClientSecret,
		&acct.BalanceMsat, &acct.PendingMsat,
		&metadata, &createdAt, &updatedAt, &lastUsedAt, &acct.UsageCount,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	acct.Description = description.String
	if err := json.Unmarshal([]byte(relays), &acct.Relays); err != nil {
		return nil, fmt.Errorf("ledger: corrupt relay list for %s: %w", acct.ID, err)
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &acct.Metadata); err != nil {
			return nil, fmt.Errorf("ledger: corrupt metadata for %s: %w", acct.ID, err)
		}
	}
	acct.CreatedAt = parseTime(createdAt)
	acct.UpdatedAt = parseTime(updatedAt)
	acct.LastUsedAt = parseTimePtr(lastUsedAt)
	return &acct, nil
}
