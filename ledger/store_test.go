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
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walletmux/walletmux/vault"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	v, err := vault.New(strings.Repeat("ff", 32))
	require.NoError(t, err)
	s, err := Open(filepath.Join(t.TempDir(), "ledger.db"), v)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func createTestAccount(t *testing.T, s *Store, label string) *SubAccount {
	t.Helper()
	acct, secrets, err := s.CreateSubAccount(context.Background(), CreateSubAccountParams{
		Label:  label,
		Relays: []string{"wss://relay.example.com"},
	})
	require.NoError(t, err)
	require.Len(t, secrets.ServiceSecretHex, 64)
	require.Len(t, secrets.ClientSecretHex, 64)
	return acct
}

func TestCreateSubAccount(t *testing.T) {
	s := newTestStore(t)
	acct := createTestAccount(t, s, "alice")

	assert.NotEmpty(t, acct.ID)
	assert.Equal(t, "alice", acct.Label)
	assert.Len(t, acct.ServicePubKey, 66)
	assert.Len(t, acct.ClientPubKey, 66)
	assert.Equal(t, int64(0), acct.BalanceMsat)
	assert.Equal(t, int64(0), acct.PendingMsat)
	assert.Equal(t, []string{"wss://relay.example.com"}, acct.Relays)
	assert.False(t, acct.CreatedAt.IsZero())

	// The persisted secrets are envelopes, not plaintext.
	kp, err := s.DecryptServiceSecret(acct)
	require.NoError(t, err)
	assert.Equal(t, acct.ServicePubKey, kp.CompressedHex())
	kp, err = s.DecryptClientSecret(acct)
	require.NoError(t, err)
	assert.Equal(t, acct.ClientPubKey, kp.CompressedHex())
}

func TestCreateSubAccountSuppliedSecrets(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	secret := strings.Repeat("11", 32)
	acct, secrets, err := s.CreateSubAccount(ctx, CreateSubAccountParams{
		Label:            "supplied",
		ServiceSecretHex: secret,
	})
	require.NoError(t, err)
	assert.Equal(t, secret, secrets.ServiceSecretHex)

	// Same service secret again collides on the unique pubkey.
	_, _, err = s.CreateSubAccount(ctx, CreateSubAccountParams{
		Label:            "collision",
		ServiceSecretHex: secret,
	})
	assert.ErrorIs(t, err, ErrDuplicateKey)

	_, _, err = s.CreateSubAccount(ctx, CreateSubAccountParams{
		Label:           "bad",
		ClientSecretHex: "not hex",
	})
	assert.ErrorIs(t, err, ErrInvalidSecret)

	loaded, err := s.SubAccountByServicePubKey(ctx, acct.ServicePubKey)
	require.NoError(t, err)
	assert.Equal(t, acct.ID, loaded.ID)
}

func TestConcurrentCreateUniqueness(t *testing.T) {
	s := newTestStore(t)
	secret := strings.Repeat("22", 32)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		created  int
		rejected int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := s.CreateSubAccount(context.Background(), CreateSubAccountParams{
				Label:            "racer",
				ServiceSecretHex: secret,
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				created++
			} else {
				assert.ErrorIs(t, err, ErrDuplicateKey)
				rejected++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, created)
	assert.Equal(t, 7, rejected)
}

func TestListSubAccountsOrder(t *testing.T) {
	s := newTestStore(t)
	a := createTestAccount(t, s, "first")
	b := createTestAccount(t, s, "second")

	list, err := s.ListSubAccounts(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	ids := []string{list[0].ID, list[1].ID}
	assert.Contains(t, ids, a.ID)
	assert.Contains(t, ids, b.ID)
}

func TestAdjustBalance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	acct := createTestAccount(t, s, "alice")

	acct, err := s.AdjustBalance(ctx, acct.ID, 1_000_000)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000), acct.BalanceMsat)

	acct, err = s.AdjustBalance(ctx, acct.ID, -600_000)
	require.NoError(t, err)
	assert.Equal(t, int64(400_000), acct.BalanceMsat)

	_, err = s.AdjustBalance(ctx, acct.ID, -400_001)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	// The failed debit left the row untouched.
	acct, err = s.SubAccount(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(400_000), acct.BalanceMsat)

	_, err = s.AdjustBalance(ctx, "missing", 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInsufficientBalanceOnEmptyAccount(t *testing.T) {
	s := newTestStore(t)
	acct := createTestAccount(t, s, "alice")

	_, err := s.AdjustBalance(context.Background(), acct.ID, -1000)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	acct, err = s.SubAccount(context.Background(), acct.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), acct.BalanceMsat)
	assert.Equal(t, int64(0), acct.PendingMsat)
}

func TestRegisterAndSettleInvoice(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	acct := createTestAccount(t, s, "alice")

	inv, err := s.RegisterPendingInvoice(ctx, RegisterInvoiceParams{
		SubAccountID: acct.ID,
		Invoice:      "lnbc5u1testinvoice",
		PaymentHash:  strings.Repeat("ab", 32),
		AmountMsat:   500_000,
	})
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("ab", 32), inv.ID)
	assert.Equal(t, StatePending, inv.State)

	acct, err = s.SubAccount(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(500_000), acct.PendingMsat)
	assert.Equal(t, int64(0), acct.BalanceMsat)

	inv, acct, err = s.SettlePendingInvoice(ctx, inv.ID, 500_000)
	require.NoError(t, err)
	assert.Equal(t, StateSettled, inv.State)
	require.NotNil(t, inv.SettledAt)
	assert.Equal(t, int64(0), acct.PendingMsat)
	assert.Equal(t, int64(500_000), acct.BalanceMsat)

	// A settled invoice cannot settle again.
	_, _, err = s.SettlePendingInvoice(ctx, inv.ID, 500_000)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSettleCreditFallsBackToRegisteredAmount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	acct := createTestAccount(t, s, "alice")

	inv, err := s.RegisterPendingInvoice(ctx, RegisterInvoiceParams{
		SubAccountID: acct.ID,
		PaymentHash:  strings.Repeat("cd", 32),
		AmountMsat:   250_000,
	})
	require.NoError(t, err)

	_, acct, err = s.SettlePendingInvoice(ctx, inv.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(250_000), acct.BalanceMsat)
}

func TestRegisterInvoiceValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	acct := createTestAccount(t, s, "alice")

	_, err := s.RegisterPendingInvoice(ctx, RegisterInvoiceParams{
		SubAccountID: acct.ID,
		PaymentHash:  strings.Repeat("ee", 32),
		AmountMsat:   0,
	})
	assert.Error(t, err)

	_, err = s.RegisterPendingInvoice(ctx, RegisterInvoiceParams{
		SubAccountID: "missing",
		PaymentHash:  strings.Repeat("ee", 32),
		AmountMsat:   100,
	})
	assert.ErrorIs(t, err, ErrNotFound)

	// No payment hash, invoice string or description hash: the row could
	// never be matched by a settlement, so it must be rejected.
	_, err = s.RegisterPendingInvoice(ctx, RegisterInvoiceParams{
		SubAccountID: acct.ID,
		AmountMsat:   100,
	})
	assert.ErrorIs(t, err, ErrNoReference)

	// Same payment hash twice is a duplicate.
	_, err = s.RegisterPendingInvoice(ctx, RegisterInvoiceParams{
		SubAccountID: acct.ID,
		PaymentHash:  strings.Repeat("ff", 32),
		AmountMsat:   100,
	})
	require.NoError(t, err)
	_, err = s.RegisterPendingInvoice(ctx, RegisterInvoiceParams{
		SubAccountID: acct.ID,
		PaymentHash:  strings.Repeat("ff", 32),
		AmountMsat:   100,
	})
	assert.ErrorIs(t, err, ErrDuplicateKey)
}

func TestInvalidTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	acct := createTestAccount(t, s, "alice")

	inv, err := s.RegisterPendingInvoice(ctx, RegisterInvoiceParams{
		SubAccountID: acct.ID,
		PaymentHash:  strings.Repeat("01", 32),
		AmountMsat:   100,
	})
	require.NoError(t, err)

	_, err = s.UpdatePendingInvoiceState(ctx, inv.ID, StatePending)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = s.UpdatePendingInvoiceState(ctx, inv.ID, InvoiceState("bogus"))
	assert.ErrorIs(t, err, ErrInvalidTransition)

	inv, err = s.UpdatePendingInvoiceState(ctx, inv.ID, StateFailed)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, inv.State)
	assert.Nil(t, inv.SettledAt)

	// Terminal states are final.
	_, err = s.UpdatePendingInvoiceState(ctx, inv.ID, StateSettled)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = s.UpdatePendingInvoiceState(ctx, "missing", StateFailed)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAggregateConsistency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	acct := createTestAccount(t, s, "alice")

	amounts := []int64{100, 200, 300, 400}
	var ids []string
	for i, amt := range amounts {
		inv, err := s.RegisterPendingInvoice(ctx, RegisterInvoiceParams{
			SubAccountID: acct.ID,
			PaymentHash:  strings.Repeat([]string{"aa", "bb", "cc", "dd"}[i], 32),
			AmountMsat:   amt,
		})
		require.NoError(t, err)
		ids = append(ids, inv.ID)
	}
	assertPendingSum := func(want int64) {
		t.Helper()
		got, err := s.SubAccount(ctx, acct.ID)
		require.NoError(t, err)
		assert.Equal(t, want, got.PendingMsat)

		pending, err := s.ListPendingInvoices(ctx, acct.ID, StatePending)
		require.NoError(t, err)
		var sum int64
		for _, inv := range pending {
			sum += inv.AmountMsat
		}
		assert.Equal(t, want, sum)
	}

	assertPendingSum(1000)

	_, _, err := s.SettlePendingInvoice(ctx, ids[0], 0)
	require.NoError(t, err)
	assertPendingSum(900)

	_, err = s.UpdatePendingInvoiceState(ctx, ids[1], StateFailed)
	require.NoError(t, err)
	assertPendingSum(700)

	_, err = s.UpdatePendingInvoiceState(ctx, ids[2], StateExpired)
	require.NoError(t, err)
	assertPendingSum(400)
}

func TestFindPendingInvoicePreference(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	acct := createTestAccount(t, s, "alice")

	byHash, err := s.RegisterPendingInvoice(ctx, RegisterInvoiceParams{
		SubAccountID: acct.ID,
		PaymentHash:  strings.Repeat("0a", 32),
		AmountMsat:   100,
	})
	require.NoError(t, err)
	byInvoice, err := s.RegisterPendingInvoice(ctx, RegisterInvoiceParams{
		SubAccountID: acct.ID,
		Invoice:      "lnbc1u1otherinvoice",
		AmountMsat:   200,
	})
	require.NoError(t, err)

	// The payment hash wins even when the ref also names another row's
	// invoice string.
	found, err := s.FindPendingInvoice(ctx, InvoiceRef{
		PaymentHash: byHash.PaymentHash,
		Invoice:     byInvoice.Invoice,
	})
	require.NoError(t, err)
	assert.Equal(t, byHash.ID, found.ID)

	found, err = s.FindPendingInvoice(ctx, InvoiceRef{Invoice: byInvoice.Invoice})
	require.NoError(t, err)
	assert.Equal(t, byInvoice.ID, found.ID)

	_, err = s.FindPendingInvoice(ctx, InvoiceRef{PaymentHash: strings.Repeat("99", 32)})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.FindPendingInvoice(ctx, InvoiceRef{})
	assert.ErrorIs(t, err, ErrNotFound)

	// Terminal invoices remain findable, for settlement idempotence.
	_, _, err = s.SettlePendingInvoice(ctx, byHash.ID, 0)
	require.NoError(t, err)
	found, err = s.FindPendingInvoice(ctx, InvoiceRef{PaymentHash: byHash.PaymentHash})
	require.NoError(t, err)
	assert.Equal(t, StateSettled, found.State)
}

func TestPruneExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	acct := createTestAccount(t, s, "alice")

	now := time.Now().Unix()
	expired, err := s.RegisterPendingInvoice(ctx, RegisterInvoiceParams{
		SubAccountID: acct.ID,
		PaymentHash:  strings.Repeat("e0", 32),
		AmountMsat:   200_000,
		ExpiresAt:    now - 1,
	})
	require.NoError(t, err)
	_, err = s.RegisterPendingInvoice(ctx, RegisterInvoiceParams{
		SubAccountID: acct.ID,
		PaymentHash:  strings.Repeat("e1", 32),
		AmountMsat:   300_000,
		ExpiresAt:    now + 3600,
	})
	require.NoError(t, err)
	// No expiry: never pruned.
	_, err = s.RegisterPendingInvoice(ctx, RegisterInvoiceParams{
		SubAccountID: acct.ID,
		PaymentHash:  strings.Repeat("e2", 32),
		AmountMsat:   400_000,
	})
	require.NoError(t, err)

	pruned, err := s.PruneExpired(ctx, now)
	require.NoError(t, err)
	require.Len(t, pruned, 1)
	assert.Equal(t, expired.ID, pruned[0].ID)
	assert.Equal(t, StateExpired, pruned[0].State)

	acct, err = s.SubAccount(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(700_000), acct.PendingMsat)
	assert.Equal(t, int64(0), acct.BalanceMsat)

	// Pruning again is a no-op.
	pruned, err = s.PruneExpired(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, pruned)
}

func TestDeleteSubAccountCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	acct := createTestAccount(t, s, "alice")

	inv, err := s.RegisterPendingInvoice(ctx, RegisterInvoiceParams{
		SubAccountID: acct.ID,
		PaymentHash:  strings.Repeat("12", 32),
		AmountMsat:   100,
	})
	require.NoError(t, err)

	require.NoError(t, s.DeleteSubAccount(ctx, acct.ID))
	_, err = s.SubAccount(ctx, acct.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.PendingInvoice(ctx, inv.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.DeleteSubAccount(ctx, acct.ID), ErrNotFound)
}

func TestTouchSubAccount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	acct := createTestAccount(t, s, "alice")
	require.Nil(t, acct.LastUsedAt)

	err := s.TouchSubAccount(ctx, acct.ID, TouchOpts{IncrementUsage: true, UpdateLastUsed: true})
	require.NoError(t, err)

	acct, err = s.SubAccount(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), acct.UsageCount)
	require.NotNil(t, acct.LastUsedAt)

	assert.ErrorIs(t,
		s.TouchSubAccount(ctx, "missing", TouchOpts{IncrementUsage: true}),
		ErrNotFound)
}

func TestStoreSurvivesReopen(t *testing.T) {
	v, err := vault.New(strings.Repeat("ff", 32))
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "ledger.db")

	s, err := Open(path, v)
	require.NoError(t, err)
	acct, _, err := s.CreateSubAccount(context.Background(), CreateSubAccountParams{Label: "persist"})
	require.NoError(t, err)
	_, err = s.AdjustBalance(context.Background(), acct.ID, 42_000)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path, v)
	require.NoError(t, err)
	defer s.Close()
	loaded, err := s.SubAccount(context.Background(), acct.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(42_000), loaded.BalanceMsat)

	kp, err := s.DecryptServiceSecret(loaded)
	require.NoError(t, err)
	assert.Equal(t, loaded.ServicePubKey, kp.CompressedHex())
}
