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
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// subBuffer is the per-subscription event buffer. Events beyond it are
// dropped with a log entry; the transport layer retries delivery upstream.
const subBuffer = 256

// Sub is a live subscription on a relay or a pool.
type Sub interface {
	// Events yields inbound events. The channel is closed on
	// Unsubscribe; buffered events remain readable so consumers can
	// drain rather than discard.
	Events() <-chan *Event
	Unsubscribe()
}

// Relay is a client connection to a single Nostr relay.
type Relay struct {
	URL string

	conn *websocket.Conn
	wmu  sync.Mutex // serializes writes to conn

	mu      sync.Mutex
	subs    map[string]*Subscription
	nextSub uint64
	closed  bool

	done chan struct{}
	log  *logrus.Entry
}

// DialRelay connects to a relay and starts its read loop.
func DialRelay(ctx context.Context, rawurl string) (*Relay, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, rawurl, nil)
	if err != nil {
		return nil, fmt.Errorf("nostr: dial %s: %w", rawurl, err)
	}
	r := &Relay{
		URL:  rawurl,
		conn: conn,
		subs: make(map[string]*Subscription),
		done: make(chan struct{}),
		log:  logrus.WithField("subsys", "relay").WithField("relay", rawurl),
	}
	go r.readLoop()
	return r, nil
}

// Subscribe opens a subscription for the filter.
func (r *Relay) Subscribe(ctx context.Context, f Filter) (Sub, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, errors.New("nostr: relay closed")
	}
	r.nextSub++
	id := fmt.Sprintf("wm-%d", r.nextSub)
	sub := &Subscription{
		id:     id,
		relay:  r,
		filter: f,
		events: make(chan *Event, subBuffer),
	}
	r.subs[id] = sub
	r.mu.Unlock()

	if err := r.write([]interface{}{"REQ", id, f}); err != nil {
		r.removeSub(id)
		return nil, err
	}
	return sub, nil
}

// Publish sends an event to the relay. Delivery acknowledgment (the OK
// frame) is logged, not awaited; callers that need confirmation subscribe
// for the response event instead.
func (r *Relay) Publish(ctx context.Context, ev *Event) error {
	return r.write([]interface{}{"EVENT", ev})
}

func (r *Relay) write(msg interface{}) error {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	return r.conn.WriteJSON(msg)
}

func (r *Relay) readLoop() {
	defer r.Close()
	for {
		var raw json.RawMessage
		if err := r.conn.ReadJSON(&raw); err != nil {
			select {
			case <-r.done:
			default:
				r.log.WithError(err).Warn("relay connection lost")
			}
			return
		}
		var frame []json.RawMessage
		if err := json.Unmarshal(raw, &frame); err != nil || len(frame) < 2 {
			r.log.Debug("discarding malformed relay frame")
			continue
		}
		var typ string
		if err := json.Unmarshal(frame[0], &typ); err != nil {
			continue
		}
		switch typ {
		case "EVENT":
			if len(frame) < 3 {
				continue
			}
			var subID string
			if err := json.Unmarshal(frame[1], &subID); err != nil {
				continue
			}
			var ev Event
			if err := json.Unmarshal(frame[2], &ev); err != nil {
				r.log.Debug("discarding malformed event")
				continue
			}
			r.dispatch(subID, &ev)
		case "OK":
			var id string
			var accepted bool
			if len(frame) >= 3 {
				json.Unmarshal(frame[1], &id)
				json.Unmarshal(frame[2], &accepted)
			}
			if !accepted {
				r.log.WithField("event", id).Warn("relay rejected event")
			}
		case "EOSE":
			r.log.Debug("end of stored events")
		case "NOTICE":
			var notice string
			if err := json.Unmarshal(frame[1], &notice); err == nil {
				r.log.WithField("notice", notice).Info("relay notice")
			}
		default:
			r.log.WithField("type", typ).Debug("ignoring relay frame")
		}
	}
}

func (r *Relay) dispatch(subID string, ev *Event) {
	r.mu.Lock()
	sub := r.subs[subID]
	r.mu.Unlock()
	if sub == nil {
		return
	}
	if !sub.filter.Matches(ev) {
		return
	}
	if !sub.deliver(ev) {
		r.log.WithField("sub", subID).Warn("subscription buffer full, dropping event")
	}
}

func (r *Relay) removeSub(id string) {
	r.mu.Lock()
	delete(r.subs, id)
	r.mu.Unlock()
}

// Close tears down the connection and all subscriptions.
func (r *Relay) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	subs := make([]*Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		subs = append(subs, s)
	}
	r.subs = map[string]*Subscription{}
	r.mu.Unlock()

	close(r.done)
	for _, s := range subs {
		s.closeChan()
	}
	r.conn.Close()
}

// Subscription is a single REQ stream on one relay.
type Subscription struct {
	id     string
	relay  *Relay
	filter Filter
	events chan *Event

	mu     sync.Mutex
	closed bool
}

// Events implements Sub.
func (s *Subscription) Events() <-chan *Event {
	return s.events
}

// Unsubscribe sends CLOSE and closes the event channel. Already-buffered
// events remain readable.
func (s *Subscription) Unsubscribe() {
	s.relay.removeSub(s.id)
	s.relay.write([]interface{}{"CLOSE", s.id})
	s.closeChan()
}

func (s *Subscription) deliver(ev *Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}

func (s *Subscription) closeChan() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
}
