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
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultSweepInterval is how often the sweeper scans for expired
// pending invoices.
const DefaultSweepInterval = time.Minute

// Sweeper periodically expires overdue pending invoices so that stale
// holds cannot pin an account's pending aggregate forever.
type Sweeper struct {
	store    *Store
	interval time.Duration
	log      *logrus.Entry

	// OnExpired, when set before Start, is invoked with each batch of
	// newly expired invoices.
	OnExpired func([]*PendingInvoice)

	startOnce sync.Once
	stopOnce  sync.Once
	quit      chan struct{}
	done      chan struct{}
}

// NewSweeper creates a sweeper over store. A non-positive interval falls
// back to DefaultSweepInterval.
func NewSweeper(store *Store, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		log:      logrus.WithField("subsys", "sweeper"),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop. It runs one sweep immediately so that
// invoices expired while the service was down are cleared before any
// traffic is served.
func (s *Sweeper) Start() {
	s.startOnce.Do(func() {
		go s.loop()
	})
}

// Stop terminates the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.quit)
	})
	<-s.done
}

func (s *Sweeper) loop() {
	defer close(s.done)

	s.sweep()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.quit:
			return
		}
	}
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	defer cancel()

	expired, err := s.store.PruneExpired(ctx, time.Now().Unix())
	if err != nil {
		s.log.WithError(err).Error("sweep failed")
		return
	}
	if len(expired) == 0 {
		return
	}
	for _, inv := range expired {
		s.log.WithField("invoice", inv.ID).
			WithField("sub_account", inv.SubAccountID).
			WithField("amount_msat", inv.AmountMsat).
			Debug("invoice expired")
	}
	if s.OnExpired != nil {
		s.OnExpired(expired)
	}
}
