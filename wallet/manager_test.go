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

package wallet

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walletmux/walletmux/ledger"
	"github.com/walletmux/walletmux/nostr"
	"github.com/walletmux/walletmux/upstream"
)

// upstreamTransaction fakes the settlement report for an invoice.
func upstreamTransaction(inv *ledger.PendingInvoice) upstream.Transaction {
	return upstream.Transaction{
		Type:        "incoming",
		Invoice:     inv.Invoice,
		PaymentHash: inv.PaymentHash,
		AmountMsat:  inv.AmountMsat,
	}
}

func TestCreateSubAccountBringsEndpointLive(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	created, err := rig.manager.CreateSubAccount(ctx, ledger.CreateSubAccountParams{Label: "bob"})
	require.NoError(t, err)
	require.NotNil(t, created.Secrets)
	assert.Len(t, created.Secrets.ClientSecretHex, 64)
	assert.Len(t, created.Secrets.ServiceSecretHex, 64)

	// The connect URI points at the endpoint's service key and carries the
	// client secret plus the default relay list.
	uri, err := nostr.ParseConnectURI(created.ConnectURI)
	require.NoError(t, err)
	assert.Equal(t, created.Secrets.ClientSecretHex, uri.Secret)
	assert.Equal(t, []string{"wss://relay.example.com"}, uri.Relays)

	ep, ok := rig.manager.Endpoint(uri.WalletPubKey)
	require.True(t, ok)
	byID, ok := rig.manager.EndpointByID(created.Record.ID)
	require.True(t, ok)
	assert.Same(t, ep, byID)

	// An info event was announced under the new service key.
	var found bool
	for _, ev := range rig.publisher.byKind(nostr.KindWalletInfo) {
		if ev.PubKey == uri.WalletPubKey {
			found = true
		}
	}
	assert.True(t, found, "no info event for new sub-wallet")
}

func TestConnectURIRoundTripsThroughVault(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	created, err := rig.manager.CreateSubAccount(ctx, ledger.CreateSubAccountParams{Label: "carol"})
	require.NoError(t, err)

	// Reconstructing the URI later decrypts the stored client secret and
	// yields the same connection string handed out at create.
	uri, err := rig.manager.ConnectURI(ctx, created.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ConnectURI, uri)

	_, err = rig.manager.ConnectURI(ctx, "no-such-id")
	assert.ErrorIs(t, err, ErrUnknownSubAccount)
}

func TestLoadRebuildsRegistryFromStore(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	created, err := rig.manager.CreateSubAccount(ctx, ledger.CreateSubAccountParams{Label: "dave"})
	require.NoError(t, err)

	// A fresh manager over the same store comes up with all endpoints.
	fresh := NewManager(rig.store, rig.adapter, rig.publisher, nil)
	require.NoError(t, fresh.Load(ctx))

	_, ok := fresh.EndpointByID(rig.acct.ID)
	assert.True(t, ok)
	ep, ok := fresh.EndpointByID(created.Record.ID)
	require.True(t, ok)

	// The rebuilt endpoint answers on the same service key.
	uri, err := nostr.ParseConnectURI(created.ConnectURI)
	require.NoError(t, err)
	assert.Equal(t, uri.WalletPubKey, ep.ServicePub())
}

func TestDeleteSubAccountRemovesEndpoint(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	created, err := rig.manager.CreateSubAccount(ctx, ledger.CreateSubAccountParams{Label: "erin"})
	require.NoError(t, err)

	require.NoError(t, rig.manager.DeleteSubAccount(ctx, created.Record.ID))

	_, ok := rig.manager.EndpointByID(created.Record.ID)
	assert.False(t, ok)
	uri, err := nostr.ParseConnectURI(created.ConnectURI)
	require.NoError(t, err)
	_, ok = rig.manager.Endpoint(uri.WalletPubKey)
	assert.False(t, ok)

	assert.ErrorIs(t, rig.manager.DeleteSubAccount(ctx, created.Record.ID), ErrUnknownSubAccount)
}

func TestServiceKeysAreSorted(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	for _, label := range []string{"k1", "k2", "k3"} {
		_, err := rig.manager.CreateSubAccount(ctx, ledger.CreateSubAccountParams{Label: label})
		require.NoError(t, err)
	}
	keys := rig.manager.ServiceKeys()
	require.Len(t, keys, 4)
	assert.True(t, sort.StringsAreSorted(keys))
}

func TestKeysetSubscriptionCoalesces(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	sub := rig.manager.SubscribeKeyset()
	defer sub.Unsubscribe()

	// Two registry changes without an intervening read: only the newest
	// snapshot is retained.
	a, err := rig.manager.CreateSubAccount(ctx, ledger.CreateSubAccountParams{Label: "a"})
	require.NoError(t, err)
	b, err := rig.manager.CreateSubAccount(ctx, ledger.CreateSubAccountParams{Label: "b"})
	require.NoError(t, err)

	keys := <-sub.Keys()
	assert.Len(t, keys, 3)
	assert.ElementsMatch(t, rig.manager.ServiceKeys(), keys)

	select {
	case stale := <-sub.Keys():
		t.Fatalf("unexpected extra snapshot: %v", stale)
	default:
	}

	// Deletions publish a shrunk snapshot.
	require.NoError(t, rig.manager.DeleteSubAccount(ctx, a.Record.ID))
	require.NoError(t, rig.manager.DeleteSubAccount(ctx, b.Record.ID))
	keys = <-sub.Keys()
	assert.Equal(t, []string{rig.endpoint.ServicePub()}, keys)
}

func TestListPendingInvoicesChecksOwnership(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	_, err := rig.manager.ListPendingInvoices(ctx, "no-such-id")
	assert.ErrorIs(t, err, ErrUnknownSubAccount)

	invoices, err := rig.manager.ListPendingInvoices(ctx, rig.acct.ID)
	require.NoError(t, err)
	assert.Empty(t, invoices)
}

func TestNotifyPaymentReceivedRoutesToOwner(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	inv := &ledger.PendingInvoice{
		ID:           "inv-1",
		SubAccountID: rig.acct.ID,
		Invoice:      testInvoice(t, "lnbc5u"),
		PaymentHash:  "00ff",
		AmountMsat:   500_000,
		State:        ledger.StateSettled,
	}
	rig.manager.NotifyPaymentReceived(ctx, inv, upstreamTransaction(inv))
	assert.Len(t, rig.publisher.byKind(nostr.KindWalletNotification), 1)

	// Settlements for unknown owners are logged and dropped.
	orphan := *inv
	orphan.SubAccountID = "gone"
	rig.manager.NotifyPaymentReceived(ctx, &orphan, upstreamTransaction(&orphan))
	assert.Len(t, rig.publisher.byKind(nostr.KindWalletNotification), 1)
}
