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

// Package node assembles the multiplexer's components into one runnable
// service with a strict start and stop order. All process-wide resources
// live here; no component holds global state.
package node

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/walletmux/walletmux/config"
	"github.com/walletmux/walletmux/correlator"
	"github.com/walletmux/walletmux/ledger"
	"github.com/walletmux/walletmux/metrics"
	"github.com/walletmux/walletmux/nostr"
	"github.com/walletmux/walletmux/router"
	"github.com/walletmux/walletmux/upstream"
	"github.com/walletmux/walletmux/vault"
	"github.com/walletmux/walletmux/wallet"
)

var (
	// ErrNodeStopped is returned when an operation needs a started node.
	ErrNodeStopped = errors.New("node: not started")

	// ErrNodeRunning is returned by Start on a started node.
	ErrNodeRunning = errors.New("node: already running")
)

// Node owns the lifecycle of all components. Start brings them up leaves
// first (vault, ledger, transport, upstream, registry, correlator,
// router, sweeper); Stop tears them down in reverse.
type Node struct {
	cfg *config.Config

	mu      sync.Mutex
	running bool

	store      *ledger.Store
	sweeper    *ledger.Sweeper
	pool       *nostr.Pool
	upstream   upstream.Client
	manager    *wallet.Manager
	correlator *correlator.Correlator
	router     *router.Router
	metricsSrv *metrics.Server

	stop chan struct{}
	log  *logrus.Entry
}

// New creates a node from a validated config.
func New(cfg *config.Config) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Node{
		cfg:  cfg,
		stop: make(chan struct{}),
		log:  logrus.WithField("subsys", "node"),
	}, nil
}

// Start builds and starts every component. On any failure the components
// already started are stopped again.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		return ErrNodeRunning
	}

	v, err := vault.New(n.cfg.MasterKey)
	if err != nil {
		return err
	}
	store, err := ledger.Open(n.cfg.DatabasePath(), v)
	if err != nil {
		return err
	}
	n.store = store

	// Recovery: clear invoices that expired while the service was down
	// before any traffic can observe them.
	if pruned, err := store.PruneExpired(ctx, time.Now().Unix()); err != nil {
		n.teardown()
		return err
	} else if len(pruned) > 0 {
		n.log.WithField("count", len(pruned)).Info("expired invoices pruned on start")
		metrics.ExpiredInvoicesTotal.Add(float64(len(pruned)))
	}

	pool, err := nostr.DialPool(ctx, n.cfg.Relays)
	if err != nil {
		n.teardown()
		return err
	}
	n.pool = pool

	nwc, err := upstream.DialNWC(ctx, n.cfg.UpstreamURI)
	if err != nil {
		n.teardown()
		return err
	}
	n.upstream = upstream.NewAdapter(nwc, upstream.AdapterConfig{
		Concurrent: n.cfg.UpstreamConcurrent,
	})

	n.manager = wallet.NewManager(store, n.upstream, pool, n.cfg.Relays)
	if err := n.manager.Load(ctx); err != nil {
		n.teardown()
		return err
	}
	n.manager.PublishInfoEvents(ctx)

	n.correlator = correlator.New(store, n.manager)
	n.manager.SetSettler(n.correlator)
	n.correlator.Start(n.upstream.Notifications())

	n.router = router.New(pool, &registryAdapter{n.manager}, router.Config{
		MaxInflight: n.cfg.MaxInflight,
	})
	if err := n.router.Start(ctx); err != nil {
		n.teardown()
		return err
	}

	n.sweeper = ledger.NewSweeper(store, n.cfg.SweepInterval)
	n.sweeper.OnExpired = func(batch []*ledger.PendingInvoice) {
		metrics.ExpiredInvoicesTotal.Add(float64(len(batch)))
	}
	n.sweeper.Start()

	if n.cfg.MetricsAddr != "" {
		n.metricsSrv = metrics.NewServer(n.cfg.MetricsAddr)
		n.metricsSrv.Start()
	}

	n.running = true
	n.log.WithField("relays", len(n.cfg.Relays)).Info("wallet multiplexer started")
	return nil
}

// Stop tears all components down in reverse start order.
func (n *Node) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.running {
		return ErrNodeStopped
	}
	n.running = false
	n.teardown()
	close(n.stop)
	n.log.Info("wallet multiplexer stopped")
	return nil
}

func (n *Node) teardown() {
	if n.metricsSrv != nil {
		n.metricsSrv.Stop()
		n.metricsSrv = nil
	}
	if n.sweeper != nil {
		n.sweeper.Stop()
		n.sweeper = nil
	}
	if n.router != nil {
		n.router.Stop()
		n.router = nil
	}
	if n.correlator != nil {
		n.correlator.Stop()
		n.correlator = nil
	}
	if n.upstream != nil {
		n.upstream.Close()
		n.upstream = nil
	}
	if n.pool != nil {
		n.pool.Close()
		n.pool = nil
	}
	if n.store != nil {
		n.store.Close()
		n.store = nil
	}
	n.manager = nil
}

// Wait blocks until the node has been stopped.
func (n *Node) Wait() {
	<-n.stop
}

// Manager exposes the admin surface of a running node.
func (n *Node) Manager() (*wallet.Manager, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.running {
		return nil, ErrNodeStopped
	}
	return n.manager, nil
}

// registryAdapter narrows the wallet manager to the router's view of it.
type registryAdapter struct {
	m *wallet.Manager
}

func (r *registryAdapter) Handler(servicePub string) (router.Handler, bool) {
	ep, ok := r.m.Endpoint(servicePub)
	if !ok {
		return nil, false
	}
	return ep, true
}

func (r *registryAdapter) ServiceKeys() []string {
	return r.m.ServiceKeys()
}

func (r *registryAdapter) SubscribeKeyset() router.KeysetSub {
	return r.m.SubscribeKeyset()
}
