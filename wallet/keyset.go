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

import "sync"

// keysetFeed implements one-to-many delivery of service-key snapshots.
// Each subscriber channel holds at most one pending snapshot: a send
// replaces any undelivered value, so a slow consumer always wakes to the
// latest key set and never blocks a publisher.
type keysetFeed struct {
	mu   sync.Mutex
	subs map[chan []string]struct{}
}

// KeysetSub is a live subscription to registry key-set changes.
type KeysetSub struct {
	feed *keysetFeed
	ch   chan []string
}

// Keys yields snapshots of the full service-key set. Only the newest
// undelivered snapshot is retained.
func (s *KeysetSub) Keys() <-chan []string {
	return s.ch
}

// Unsubscribe removes the subscription. The channel is not closed;
// consumers select on it alongside their own quit signal.
func (s *KeysetSub) Unsubscribe() {
	s.feed.mu.Lock()
	defer s.feed.mu.Unlock()
	delete(s.feed.subs, s.ch)
}

func (f *keysetFeed) subscribe() *KeysetSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs == nil {
		f.subs = make(map[chan []string]struct{})
	}
	ch := make(chan []string, 1)
	f.subs[ch] = struct{}{}
	return &KeysetSub{feed: f, ch: ch}
}

func (f *keysetFeed) send(keys []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs {
		select {
		case ch <- keys:
		default:
			// Drop the stale snapshot, deliver the current one.
			select {
			case <-ch:
			default:
			}
			ch <- keys
		}
	}
}
