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

package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/walletmux/walletmux/nostr"
)

// notifBuffer bounds the settlement notification stream.
const notifBuffer = 64

// NWCClient speaks the wallet-connect request/response protocol to the
// real upstream wallet over a relay pool. One instance serves the whole
// process; it is safe for concurrent use.
type NWCClient struct {
	pool      *nostr.Pool
	kp        *nostr.KeyPair
	walletPub string // x-only hex
	convKey   []byte

	sub    nostr.Sub
	notifs chan Transaction

	mu      sync.Mutex
	pending map[string]chan *walletResponse

	closeOnce sync.Once
	closed    chan struct{}
	log       *logrus.Entry
}

type walletRequest struct {
	Method string      `json:"method"`
	Params interface{} `json:"params"`
}

type walletResponse struct {
	ResultType string `json:"result_type"`
	Error      *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Result json.RawMessage `json:"result"`
}

// DialNWC connects to the upstream wallet described by a wallet-connect
// URI and subscribes for its responses and settlement notifications.
func DialNWC(ctx context.Context, rawURI string) (*NWCClient, error) {
	uri, err := nostr.ParseConnectURI(rawURI)
	if err != nil {
		return nil, err
	}
	kp, err := nostr.KeyPairFromHex(uri.Secret)
	if err != nil {
		return nil, err
	}
	convKey, err := nostr.SharedSecret(kp.Private(), uri.WalletPubKey)
	if err != nil {
		return nil, err
	}
	pool, err := nostr.DialPool(ctx, uri.Relays)
	if err != nil {
		return nil, err
	}

	since := time.Now().Unix()
	sub, err := pool.Subscribe(ctx, nostr.Filter{
		Kinds:   []int{nostr.KindWalletResponse, nostr.KindWalletNotification},
		Authors: []string{uri.WalletPubKey},
		PTags:   []string{kp.PublicHex()},
		Since:   &since,
	})
	if err != nil {
		pool.Close()
		return nil, err
	}

	c := &NWCClient{
		pool:      pool,
		kp:        kp,
		walletPub: uri.WalletPubKey,
		convKey:   convKey,
		sub:       sub,
		notifs:    make(chan Transaction, notifBuffer),
		pending:   make(map[string]chan *walletResponse),
		closed:    make(chan struct{}),
		log:       logrus.WithField("subsys", "nwc"),
	}
	go c.readLoop()
	return c, nil
}

// GetInfo implements Client.
func (c *NWCClient) GetInfo(ctx context.Context) (*Info, error) {
	var res struct {
		Alias       string   `json:"alias"`
		Color       string   `json:"color"`
		Pubkey      string   `json:"pubkey"`
		Network     string   `json:"network"`
		BlockHeight uint32   `json:"block_height"`
		Methods     []string `json:"methods"`
	}
	raw, err := c.rpc(ctx, "get_info", struct{}{}, &res)
	if err != nil {
		return nil, err
	}
	return &Info{
		Alias:       res.Alias,
		Color:       res.Color,
		Pubkey:      res.Pubkey,
		Network:     res.Network,
		BlockHeight: res.BlockHeight,
		Methods:     res.Methods,
		Raw:         raw,
	}, nil
}

// MakeInvoice implements Client.
func (c *NWCClient) MakeInvoice(ctx context.Context, p MakeInvoiceParams) (*Invoice, error) {
	params := map[string]interface{}{
		"amount": p.AmountMsat,
	}
	if p.Description != "" {
		params["description"] = p.Description
	}
	if p.DescriptionHash != "" {
		params["description_hash"] = p.DescriptionHash
	}
	if p.ExpirySec > 0 {
		params["expiry"] = p.ExpirySec
	}
	var res struct {
		Invoice         string `json:"invoice"`
		PaymentHash     string `json:"payment_hash"`
		DescriptionHash string `json:"description_hash"`
		Amount          int64  `json:"amount"`
		ExpiresAt       int64  `json:"expires_at"`
	}
	raw, err := c.rpc(ctx, "make_invoice", params, &res)
	if err != nil {
		return nil, err
	}
	amount := res.Amount
	if amount == 0 {
		amount = p.AmountMsat
	}
	return &Invoice{
		Invoice:         res.Invoice,
		PaymentHash:     res.PaymentHash,
		DescriptionHash: res.DescriptionHash,
		AmountMsat:      amount,
		ExpiresAt:       res.ExpiresAt,
		Raw:             raw,
	}, nil
}

// PayInvoice implements Client.
func (c *NWCClient) PayInvoice(ctx context.Context, invoice string, amountMsat int64) (*Payment, error) {
	params := map[string]interface{}{
		"invoice": invoice,
	}
	if amountMsat > 0 {
		params["amount"] = amountMsat
	}
	var res struct {
		Preimage string `json:"preimage"`
		FeesPaid int64  `json:"fees_paid"`
	}
	raw, err := c.rpc(ctx, "pay_invoice", params, &res)
	if err != nil {
		return nil, err
	}
	return &Payment{
		Preimage:     res.Preimage,
		FeesPaidMsat: res.FeesPaid,
		Raw:          raw,
	}, nil
}

// LookupInvoice implements Client. An upstream NOT_FOUND maps to
// ErrNotFound.
func (c *NWCClient) LookupInvoice(ctx context.Context, ref LookupRef) (*LookupResult, error) {
	params := map[string]interface{}{}
	if ref.PaymentHash != "" {
		params["payment_hash"] = ref.PaymentHash
	} else if ref.Invoice != "" {
		params["invoice"] = ref.Invoice
	} else {
		return nil, errors.New("upstream: lookup needs a payment hash or invoice")
	}
	var res struct {
		Invoice         string `json:"invoice"`
		PaymentHash     string `json:"payment_hash"`
		DescriptionHash string `json:"description_hash"`
		Preimage        string `json:"preimage"`
		Amount          int64  `json:"amount"`
		SettledAt       int64  `json:"settled_at"`
		ExpiresAt       int64  `json:"expires_at"`
	}
	raw, err := c.rpc(ctx, "lookup_invoice", params, &res)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) && rpcErr.Code == "NOT_FOUND" {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &LookupResult{
		Invoice:         res.Invoice,
		PaymentHash:     res.PaymentHash,
		DescriptionHash: res.DescriptionHash,
		Preimage:        res.Preimage,
		AmountMsat:      res.Amount,
		Settled:         res.SettledAt > 0 || res.Preimage != "",
		SettledAt:       res.SettledAt,
		ExpiresAt:       res.ExpiresAt,
		Raw:             raw,
	}, nil
}

// Notifications implements Client.
func (c *NWCClient) Notifications() <-chan Transaction {
	return c.notifs
}

// Close implements Client.
func (c *NWCClient) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.sub.Unsubscribe()
		c.pool.Close()
	})
	return nil
}

// rpc performs one request/response round trip. The response is matched
// by the request event id echoed in the response's e-tag.
func (c *NWCClient) rpc(ctx context.Context, method string, params, result interface{}) (json.RawMessage, error) {
	select {
	case <-c.closed:
		return nil, ErrClosed
	default:
	}

	body, err := json.Marshal(walletRequest{Method: method, Params: params})
	if err != nil {
		return nil, err
	}
	content, err := nostr.EncryptNIP04(c.convKey, string(body))
	if err != nil {
		return nil, err
	}
	ev := &nostr.Event{
		CreatedAt: time.Now().Unix(),
		Kind:      nostr.KindWalletRequest,
		Tags:      [][]string{{"p", c.walletPub}},
		Content:   content,
	}
	if err := ev.Sign(c.kp.Private()); err != nil {
		return nil, err
	}

	ch := make(chan *walletResponse, 1)
	c.mu.Lock()
	c.pending[ev.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, ev.ID)
		c.mu.Unlock()
	}()

	if err := c.pool.Publish(ctx, ev); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, &RPCError{Code: resp.Error.Code, Message: resp.Error.Message}
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return nil, fmt.Errorf("upstream: %s response: %w", method, err)
			}
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, ErrClosed
	}
}

func (c *NWCClient) readLoop() {
	for ev := range c.sub.Events() {
		plain, err := nostr.DecryptNIP04(c.convKey, ev.Content)
		if err != nil {
			c.log.WithError(err).Debug("discarding undecryptable event")
			continue
		}
		switch ev.Kind {
		case nostr.KindWalletResponse:
			c.handleResponse(ev, plain)
		case nostr.KindWalletNotification:
			c.handleNotification(plain)
		}
	}
	close(c.notifs)
}

func (c *NWCClient) handleResponse(ev *nostr.Event, plain string) {
	reqID := ev.TagValue("e")
	if reqID == "" {
		return
	}
	var resp walletResponse
	if err := json.Unmarshal([]byte(plain), &resp); err != nil {
		c.log.WithError(err).Warn("malformed wallet response")
		return
	}
	c.mu.Lock()
	ch := c.pending[reqID]
	c.mu.Unlock()
	if ch == nil {
		c.log.WithField("request", reqID).Debug("response for unknown request")
		return
	}
	select {
	case ch <- &resp:
	default:
	}
}

func (c *NWCClient) handleNotification(plain string) {
	var frame struct {
		NotificationType string          `json:"notification_type"`
		Notification     json.RawMessage `json:"notification"`
	}
	if err := json.Unmarshal([]byte(plain), &frame); err != nil {
		c.log.WithError(err).Warn("malformed wallet notification")
		return
	}
	var body struct {
		Type            string `json:"type"`
		Invoice         string `json:"invoice"`
		PaymentHash     string `json:"payment_hash"`
		DescriptionHash string `json:"description_hash"`
		Preimage        string `json:"preimage"`
		Amount          int64  `json:"amount"`
		SettledAt       int64  `json:"settled_at"`
	}
	if err := json.Unmarshal(frame.Notification, &body); err != nil {
		c.log.WithError(err).Warn("malformed wallet notification body")
		return
	}
	typ := body.Type
	if typ == "" {
		switch frame.NotificationType {
		case "payment_received":
			typ = "incoming"
		case "payment_sent":
			typ = "outgoing"
		}
	}
	tx := Transaction{
		Type:            typ,
		Invoice:         body.Invoice,
		PaymentHash:     body.PaymentHash,
		DescriptionHash: body.DescriptionHash,
		Preimage:        body.Preimage,
		AmountMsat:      body.Amount,
		SettledAt:       body.SettledAt,
		Raw:             frame.Notification,
	}
	select {
	case c.notifs <- tx:
	case <-c.closed:
	}
}
