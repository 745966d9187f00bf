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

package nostr

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// seenCap bounds the duplicate-suppression window of a pool subscription.
const seenCap = 4096

// Pool fans a subscription out over several relays and fans the results
// back in, deduplicating by event id. Publishing succeeds when at least
// one relay accepts the write.
type Pool struct {
	relays []*Relay
	log    *logrus.Entry
}

// DialPool connects to all given relay URLs concurrently. It fails only
// when no relay is reachable.
func DialPool(ctx context.Context, urls []string) (*Pool, error) {
	if len(urls) == 0 {
		return nil, errors.New("nostr: no relays configured")
	}
	var (
		mu     sync.Mutex
		relays []*Relay
	)
	g, ctx := errgroup.WithContext(ctx)
	for _, u := range urls {
		u := u
		g.Go(func() error {
			r, err := DialRelay(ctx, u)
			if err != nil {
				logrus.WithField("subsys", "pool").WithError(err).
					WithField("relay", u).Warn("relay unreachable")
				return nil
			}
			mu.Lock()
			relays = append(relays, r)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	if len(relays) == 0 {
		return nil, fmt.Errorf("nostr: all %d relays unreachable", len(urls))
	}
	return &Pool{
		relays: relays,
		log:    logrus.WithField("subsys", "pool"),
	}, nil
}

// Subscribe opens the filter on every relay and merges the streams.
func (p *Pool) Subscribe(ctx context.Context, f Filter) (Sub, error) {
	merged := &poolSub{
		events: make(chan *Event, subBuffer),
		seen:   make(map[string]struct{}, seenCap),
	}
	for _, r := range p.relays {
		sub, err := r.Subscribe(ctx, f)
		if err != nil {
			p.log.WithError(err).WithField("relay", r.URL).Warn("subscribe failed")
			continue
		}
		merged.subs = append(merged.subs, sub)
	}
	if len(merged.subs) == 0 {
		return nil, errors.New("nostr: subscribe failed on every relay")
	}
	for _, sub := range merged.subs {
		merged.wg.Add(1)
		go merged.forward(sub)
	}
	go func() {
		merged.wg.Wait()
		merged.closeChan()
	}()
	return merged, nil
}

// Publish sends the event to every relay.
func (p *Pool) Publish(ctx context.Context, ev *Event) error {
	var lastErr error
	accepted := 0
	for _, r := range p.relays {
		if err := r.Publish(ctx, ev); err != nil {
			lastErr = err
			continue
		}
		accepted++
	}
	if accepted == 0 {
		return fmt.Errorf("nostr: publish failed on every relay: %w", lastErr)
	}
	return nil
}

// Close tears down every relay connection.
func (p *Pool) Close() {
	for _, r := range p.relays {
		r.Close()
	}
}

type poolSub struct {
	subs   []Sub
	events chan *Event
	wg     sync.WaitGroup

	mu     sync.Mutex
	seen   map[string]struct{}
	order  []string
	closed bool
}

// forward drains one relay subscription into the merged channel. The
// merged channel is only closed after every forwarder has returned, so
// sending here never races with close.
func (s *poolSub) forward(sub Sub) {
	defer s.wg.Done()
	for ev := range sub.Events() {
		if s.duplicate(ev.ID) {
			continue
		}
		s.events <- ev
	}
}

func (s *poolSub) duplicate(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[id]; ok {
		return true
	}
	s.seen[id] = struct{}{}
	s.order = append(s.order, id)
	if len(s.order) > seenCap {
		delete(s.seen, s.order[0])
		s.order = s.order[1:]
	}
	return false
}

// Events implements Sub.
func (s *poolSub) Events() <-chan *Event {
	return s.events
}

// Unsubscribe closes the per-relay subscriptions; the merged channel is
// closed once their buffers have drained.
func (s *poolSub) Unsubscribe() {
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
}

func (s *poolSub) closeChan() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
}
