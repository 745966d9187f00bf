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

// Package correlator binds upstream settlement events back to pending
// ledger invoices. It is the only writer of the pending -> settled
// transition, which keeps settlement idempotent: a repeated notification
// finds a terminal invoice and does nothing.
package correlator

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/walletmux/walletmux/ledger"
	"github.com/walletmux/walletmux/metrics"
	"github.com/walletmux/walletmux/upstream"
)

// queueDepth bounds the settlement candidate queue.
const queueDepth = 64

// Notifier is told about committed settlements so the owning sub-wallet's
// client can be informed.
type Notifier interface {
	NotifyPaymentReceived(ctx context.Context, inv *ledger.PendingInvoice, tx upstream.Transaction)
}

// Correlator consumes settlement candidates from the upstream
// notification stream and from lookup handlers, matches them against
// pending invoices and applies the credit.
type Correlator struct {
	store    *ledger.Store
	notifier Notifier

	incoming chan upstream.Transaction

	started sync.Once
	stopped sync.Once
	quit    chan struct{}
	done    chan struct{}

	log *logrus.Entry
}

// New creates a correlator over the ledger. notifier may be nil in tests.
func New(store *ledger.Store, notifier Notifier) *Correlator {
	return &Correlator{
		store:    store,
		notifier: notifier,
		incoming: make(chan upstream.Transaction, queueDepth),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		log:      logrus.WithField("subsys", "correlator"),
	}
}

// Start launches the settlement task. notifs is the upstream's stream; a
// nil channel is allowed for upstreams without notifications.
func (c *Correlator) Start(notifs <-chan upstream.Transaction) {
	c.started.Do(func() {
		go c.run(notifs)
	})
}

// Stop terminates the settlement task after the current candidate.
func (c *Correlator) Stop() {
	c.stopped.Do(func() {
		close(c.quit)
	})
	<-c.done
}

// Enqueue hands a settlement candidate to the correlator without
// blocking the caller. Used by lookup handlers, which must never settle
// inside their own request context.
func (c *Correlator) Enqueue(tx upstream.Transaction) {
	select {
	case c.incoming <- tx:
	default:
		// Queue full: drop rather than block a handler. The candidate
		// is recoverable through the next lookup or notification.
		c.log.WithField("payment_hash", tx.PaymentHash).
			Warn("settlement queue full, dropping candidate")
	}
}

func (c *Correlator) run(notifs <-chan upstream.Transaction) {
	defer close(c.done)
	for {
		select {
		case tx, ok := <-notifs:
			if !ok {
				notifs = nil
				continue
			}
			c.apply(tx)
		case tx := <-c.incoming:
			c.apply(tx)
		case <-c.quit:
			return
		}
	}
}

// apply reconciles one candidate against the ledger.
func (c *Correlator) apply(tx upstream.Transaction) {
	if tx.Type != "incoming" {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := c.log.WithField("payment_hash", tx.PaymentHash)

	inv, err := c.store.FindPendingInvoice(ctx, ledger.InvoiceRef{
		PaymentHash:     tx.PaymentHash,
		Invoice:         tx.Invoice,
		DescriptionHash: tx.DescriptionHash,
	})
	if errors.Is(err, ledger.ErrNotFound) {
		// Not ours; the upstream wallet serves other consumers too.
		log.Debug("settlement for unknown invoice, ignoring")
		return
	}
	if err != nil {
		log.WithError(err).Error("settlement lookup failed")
		return
	}
	if inv.State.Terminal() {
		log.WithField("invoice", inv.ID).WithField("state", inv.State).
			Info("invoice already settled, skipping")
		return
	}

	invID := inv.ID
	inv, acct, err := c.store.SettlePendingInvoice(ctx, invID, tx.AmountMsat)
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidTransition) {
			// Lost a race with another trigger for the same invoice.
			log.WithField("invoice", invID).Info("invoice already settled, skipping")
			return
		}
		log.WithError(err).Error("settlement failed")
		return
	}
	log.WithField("invoice", inv.ID).
		WithField("sub_account", acct.ID).
		WithField("balance_msat", acct.BalanceMsat).
		Info("settlement applied")
	metrics.SettlementsTotal.Inc()
	credited := tx.AmountMsat
	if credited <= 0 {
		credited = inv.AmountMsat
	}
	metrics.SettledMsatTotal.Add(float64(credited))

	if c.notifier != nil {
		c.notifier.NotifyPaymentReceived(ctx, inv, tx)
	}
}
