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

// Package router demultiplexes the single wallet-request subscription into
// one serial stream per sub-wallet. Per sub-wallet, handlers run in strict
// event arrival order; across sub-wallets they run in parallel up to a
// global cap.
package router

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/walletmux/walletmux/nostr"
)

const (
	// queueDepth bounds each per-sub-wallet queue. A full queue drops the
	// newest event; the client retries.
	queueDepth = 64

	// defaultMaxInflight caps handlers running across all sub-wallets.
	defaultMaxInflight = 32
)

// Transport is the subscription side of the relay pool.
type Transport interface {
	Subscribe(ctx context.Context, f nostr.Filter) (nostr.Sub, error)
}

// Handler processes one request event for one sub-wallet. The router
// never invokes the same handler concurrently.
type Handler interface {
	HandleEvent(ctx context.Context, ev *nostr.Event)
}

// KeysetSub delivers snapshots of the registry's service-key set.
type KeysetSub interface {
	Keys() <-chan []string
	Unsubscribe()
}

// Registry is what the router needs from the sub-wallet registry.
type Registry interface {
	// Handler resolves the sub-wallet addressed by an x-only service
	// pubkey.
	Handler(servicePub string) (Handler, bool)
	ServiceKeys() []string
	SubscribeKeyset() KeysetSub
}

// Config tunes the router.
type Config struct {
	// MaxInflight caps concurrently running handlers across all
	// sub-wallets; zero means the default.
	MaxInflight int64
}

// Router owns the wallet-request subscription. It watches the registry's
// key set and atomically swaps to a fresh subscription whenever the set
// changes, draining the old subscription's buffer rather than discarding
// it.
//
// The router owns the context its handlers run under. Start's context
// only bounds opening the initial subscription; the handler context lives
// until Stop, so a short startup deadline never bleeds into request
// processing.
type Router struct {
	transport Transport
	registry  Registry
	sem       *semaphore.Weighted

	lifetime context.Context
	cancel   context.CancelFunc

	mu       sync.Mutex
	queues   map[string]chan *nostr.Event
	launched bool

	started sync.Once
	stopped sync.Once
	quit    chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup // per-key workers

	log *logrus.Entry
}

// New creates a router over the transport and registry.
func New(transport Transport, registry Registry, cfg Config) *Router {
	max := cfg.MaxInflight
	if max <= 0 {
		max = defaultMaxInflight
	}
	lifetime, cancel := context.WithCancel(context.Background())
	return &Router{
		transport: transport,
		registry:  registry,
		sem:       semaphore.NewWeighted(max),
		lifetime:  lifetime,
		cancel:    cancel,
		queues:    make(map[string]chan *nostr.Event),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		log:       logrus.WithField("subsys", "router"),
	}
}

// Start opens the subscription and begins dispatching. The context only
// bounds the subscribe call.
func (r *Router) Start(ctx context.Context) error {
	var startErr error
	r.started.Do(func() {
		sub, err := r.subscribe(ctx, r.registry.ServiceKeys())
		if err != nil {
			startErr = err
			return
		}
		r.mu.Lock()
		r.launched = true
		r.mu.Unlock()
		go r.run(sub)
	})
	return startErr
}

// Stop tears down the subscription, drains what it buffered and waits
// for in-flight handlers to finish. Safe to call after a failed Start.
func (r *Router) Stop() {
	r.stopped.Do(func() {
		close(r.quit)
	})
	r.mu.Lock()
	launched := r.launched
	r.mu.Unlock()
	if launched {
		<-r.done
	}
	// Cancel only after the backlog has drained; handlers must never see
	// a dead context while the router is still feeding them.
	r.cancel()
}

func (r *Router) subscribe(ctx context.Context, keys []string) (nostr.Sub, error) {
	return r.transport.Subscribe(ctx, nostr.Filter{
		Kinds: []int{nostr.KindWalletRequest},
		PTags: keys,
	})
}

// run is the demux task. It owns the active subscription and swaps it on
// key-set changes.
func (r *Router) run(sub nostr.Sub) {
	defer close(r.done)

	keyset := r.registry.SubscribeKeyset()
	defer keyset.Unsubscribe()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				r.log.Warn("request subscription ended")
				r.shutdownQueues()
				return
			}
			r.dispatch(ev)

		case keys := <-keyset.Keys():
			r.log.WithField("keys", len(keys)).Info("key set changed, refreshing subscription")
			next, err := r.subscribe(r.lifetime, keys)
			if err != nil {
				r.log.WithError(err).Error("resubscribe failed, keeping old subscription")
				continue
			}
			// Drain what the old subscription already buffered before
			// switching; a closed channel still yields its buffer.
			sub.Unsubscribe()
			for ev := range sub.Events() {
				r.dispatch(ev)
			}
			sub = next

		case <-r.quit:
			sub.Unsubscribe()
			for ev := range sub.Events() {
				r.dispatch(ev)
			}
			r.shutdownQueues()
			return
		}
	}
}

// dispatch routes one event onto its sub-wallet's serial queue. Events
// for unknown keys are dropped.
func (r *Router) dispatch(ev *nostr.Event) {
	key := ev.TagValue("p")
	if key == "" {
		r.log.Debug("dropping request without recipient tag")
		return
	}
	h, ok := r.registry.Handler(key)
	if !ok {
		r.log.WithField("key", key).Debug("dropping request for unknown sub-wallet")
		return
	}

	r.mu.Lock()
	q, ok := r.queues[key]
	if !ok {
		q = make(chan *nostr.Event, queueDepth)
		r.queues[key] = q
		r.wg.Add(1)
		go r.worker(h, q)
	}
	r.mu.Unlock()

	select {
	case q <- ev:
	default:
		r.log.WithField("key", key).Warn("sub-wallet queue full, dropping request")
	}
}

// worker drains one sub-wallet's queue in order. A handler panic is
// contained to the one request.
func (r *Router) worker(h Handler, q chan *nostr.Event) {
	defer r.wg.Done()
	for ev := range q {
		if err := r.sem.Acquire(r.lifetime, 1); err != nil {
			return
		}
		r.handle(h, ev)
		r.sem.Release(1)
	}
}

func (r *Router) handle(h Handler, ev *nostr.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.WithField("event", ev.ID).WithField("panic", rec).
				Error("handler panicked")
		}
	}()
	h.HandleEvent(r.lifetime, ev)
}

// shutdownQueues closes all per-key queues and waits for the workers to
// finish their backlog.
func (r *Router) shutdownQueues() {
	r.mu.Lock()
	for key, q := range r.queues {
		close(q)
		delete(r.queues, key)
	}
	r.mu.Unlock()
	r.wg.Wait()
}
