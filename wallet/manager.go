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

// Package wallet holds the live sub-wallet registry and the per-sub-wallet
// service endpoints. The Manager is rebuilt from the ledger on start and is
// the only component that creates endpoints.
package wallet

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/walletmux/walletmux/ledger"
	"github.com/walletmux/walletmux/metrics"
	"github.com/walletmux/walletmux/nostr"
	"github.com/walletmux/walletmux/upstream"
)

// Publisher publishes events to the relay transport.
type Publisher interface {
	Publish(ctx context.Context, ev *nostr.Event) error
}

// Settler accepts settlement candidates for asynchronous reconciliation.
type Settler interface {
	Enqueue(tx upstream.Transaction)
}

// ErrUnknownSubAccount is returned when a sub-account id or service key
// resolves to nothing.
var ErrUnknownSubAccount = errors.New("wallet: unknown sub-account")

// Manager is the sub-wallet registry. It maps service pubkeys to live
// endpoints, publishes key-set snapshots for the router's subscription
// filter, and exposes the operator's admin surface.
type Manager struct {
	store     *ledger.Store
	adapter   upstream.Client
	publisher Publisher

	// defaultRelays is advertised in connect URIs for sub-accounts
	// created without an explicit relay list.
	defaultRelays []string

	mu       sync.RWMutex
	byID     map[string]*Endpoint
	byKey    map[string]*Endpoint // x-only service pubkey
	settler  Settler
	keysetFd keysetFeed

	log *logrus.Entry
}

// NewManager wires the registry to its collaborators. Call Load before
// serving traffic.
func NewManager(store *ledger.Store, adapter upstream.Client, publisher Publisher, defaultRelays []string) *Manager {
	return &Manager{
		store:         store,
		adapter:       adapter,
		publisher:     publisher,
		defaultRelays: defaultRelays,
		byID:          make(map[string]*Endpoint),
		byKey:         make(map[string]*Endpoint),
		log:           logrus.WithField("subsys", "registry"),
	}
}

// SetSettler installs the settlement sink. Must be called before traffic
// is served; lookups that discover settled invoices hand off through it.
func (m *Manager) SetSettler(s Settler) {
	m.mu.Lock()
	m.settler = s
	m.mu.Unlock()
}

func (m *Manager) enqueueSettlement(tx upstream.Transaction) {
	m.mu.RLock()
	s := m.settler
	m.mu.RUnlock()
	if s != nil {
		s.Enqueue(tx)
	}
}

// Load builds an endpoint for every persisted sub-account and publishes
// the initial key set.
func (m *Manager) Load(ctx context.Context) error {
	accounts, err := m.store.ListSubAccounts(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	for _, acct := range accounts {
		if _, ok := m.byID[acct.ID]; ok {
			continue
		}
		ep, err := newEndpoint(m, acct)
		if err != nil {
			m.mu.Unlock()
			return err
		}
		m.byID[acct.ID] = ep
		m.byKey[ep.ServicePub()] = ep
	}
	count := len(m.byID)
	m.mu.Unlock()

	m.log.WithField("count", count).Info("sub-wallet registry loaded")
	metrics.SubAccounts.Set(float64(count))
	m.publishKeyset()
	return nil
}

// PublishInfoEvents announces every sub-wallet's capabilities. Failures
// are logged per endpoint; the transport retries are the relays' concern.
func (m *Manager) PublishInfoEvents(ctx context.Context) {
	for _, ep := range m.endpoints() {
		if err := ep.PublishInfoEvent(ctx); err != nil {
			ep.log.WithError(err).Warn("publishing info event failed")
		}
	}
}

// Endpoint resolves the endpoint addressed by an x-only service pubkey.
func (m *Manager) Endpoint(servicePub string) (*Endpoint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ep, ok := m.byKey[servicePub]
	return ep, ok
}

// EndpointByID resolves an endpoint by sub-account id.
func (m *Manager) EndpointByID(id string) (*Endpoint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ep, ok := m.byID[id]
	return ep, ok
}

// ServiceKeys returns the sorted x-only service pubkeys of all live
// sub-wallets.
func (m *Manager) ServiceKeys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.byKey))
	for k := range m.byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SubscribeKeyset subscribes to service-key-set changes. Each delivery is
// a full snapshot; only the latest undelivered one is retained.
func (m *Manager) SubscribeKeyset() *KeysetSub {
	return m.keysetFd.subscribe()
}

func (m *Manager) publishKeyset() {
	m.keysetFd.send(m.ServiceKeys())
}

func (m *Manager) endpoints() []*Endpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	eps := make([]*Endpoint, 0, len(m.byID))
	for _, ep := range m.byID {
		eps = append(eps, ep)
	}
	return eps
}

// CreatedSubAccount is the result of the operator create call: the stored
// record, the client-facing connect URI and the one-time plaintext
// secrets.
type CreatedSubAccount struct {
	Record     *ledger.SubAccount
	ConnectURI string
	Secrets    *ledger.SubAccountSecrets
}

// CreateSubAccount registers a sub-account, brings its endpoint live,
// announces its capabilities and refreshes the router's key set.
func (m *Manager) CreateSubAccount(ctx context.Context, p ledger.CreateSubAccountParams) (*CreatedSubAccount, error) {
	if len(p.Relays) == 0 {
		p.Relays = m.defaultRelays
	}
	acct, secrets, err := m.store.CreateSubAccount(ctx, p)
	if err != nil {
		return nil, err
	}
	ep, err := newEndpoint(m, acct)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.byID[acct.ID] = ep
	m.byKey[ep.ServicePub()] = ep
	count := len(m.byID)
	m.mu.Unlock()
	metrics.SubAccounts.Set(float64(count))
	m.publishKeyset()

	if err := ep.PublishInfoEvent(ctx); err != nil {
		ep.log.WithError(err).Warn("publishing info event failed")
	}

	uri := &nostr.ConnectURI{
		WalletPubKey: ep.ServicePub(),
		Relays:       acct.Relays,
		Secret:       secrets.ClientSecretHex,
	}
	return &CreatedSubAccount{
		Record:     acct,
		ConnectURI: uri.String(),
		Secrets:    secrets,
	}, nil
}

// ListSubAccounts returns all sub-accounts, oldest first.
func (m *Manager) ListSubAccounts(ctx context.Context) ([]*ledger.SubAccount, error) {
	return m.store.ListSubAccounts(ctx)
}

// ListPendingInvoices returns a sub-account's invoices, newest first.
func (m *Manager) ListPendingInvoices(ctx context.Context, subAccountID string) ([]*ledger.PendingInvoice, error) {
	if _, ok := m.EndpointByID(subAccountID); !ok {
		return nil, ErrUnknownSubAccount
	}
	return m.store.ListPendingInvoices(ctx, subAccountID, "")
}

// ConnectURI reconstructs a sub-account's connect URI, decrypting the
// client secret on demand.
func (m *Manager) ConnectURI(ctx context.Context, subAccountID string) (string, error) {
	acct, err := m.store.SubAccount(ctx, subAccountID)
	if errors.Is(err, ledger.ErrNotFound) {
		return "", ErrUnknownSubAccount
	}
	if err != nil {
		return "", err
	}
	clientKey, err := m.store.DecryptClientSecret(acct)
	if err != nil {
		return "", err
	}
	servicePub, err := nostr.XOnlyFromCompressed(acct.ServicePubKey)
	if err != nil {
		return "", err
	}
	relays := acct.Relays
	if len(relays) == 0 {
		relays = m.defaultRelays
	}
	uri := &nostr.ConnectURI{
		WalletPubKey: servicePub,
		Relays:       relays,
		Secret:       clientKey.SecretHex(),
	}
	return uri.String(), nil
}

// DeleteSubAccount removes a sub-account, its invoices and its live
// endpoint, and refreshes the router's key set.
func (m *Manager) DeleteSubAccount(ctx context.Context, subAccountID string) error {
	err := m.store.DeleteSubAccount(ctx, subAccountID)
	if errors.Is(err, ledger.ErrNotFound) {
		return ErrUnknownSubAccount
	}
	if err != nil {
		return err
	}
	m.mu.Lock()
	if ep, ok := m.byID[subAccountID]; ok {
		delete(m.byID, subAccountID)
		delete(m.byKey, ep.ServicePub())
	}
	count := len(m.byID)
	m.mu.Unlock()
	metrics.SubAccounts.Set(float64(count))
	m.publishKeyset()
	m.log.WithField("id", subAccountID).Info("sub-account deleted")
	return nil
}

// NotifyPaymentReceived relays a committed settlement to the owning
// sub-wallet's client. Called by the correlator after its transaction has
// committed.
func (m *Manager) NotifyPaymentReceived(ctx context.Context, inv *ledger.PendingInvoice, tx upstream.Transaction) {
	ep, ok := m.EndpointByID(inv.SubAccountID)
	if !ok {
		m.log.WithField("sub_account", inv.SubAccountID).
			Warn("settlement for sub-account without live endpoint")
		return
	}
	if err := ep.NotifyPaymentReceived(ctx, inv, tx); err != nil {
		ep.log.WithError(err).Warn("relaying payment notification failed")
	}
}
