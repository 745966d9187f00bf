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
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/walletmux/walletmux/bolt11"
	"github.com/walletmux/walletmux/ledger"
	"github.com/walletmux/walletmux/metrics"
	"github.com/walletmux/walletmux/nostr"
	"github.com/walletmux/walletmux/upstream"
)

// Endpoint serves the request set of one sub-wallet: it authenticates
// inbound events against the sub-wallet's client key, dispatches to the
// handlers and publishes encrypted responses under the service key.
//
// An Endpoint is driven serially by the router; it never runs two
// requests for the same sub-wallet concurrently.
type Endpoint struct {
	m  *Manager
	id string

	serviceKey *nostr.KeyPair
	// servicePub is the x-only form clients address.
	servicePub string
	// clientPub is the only pubkey allowed to sign requests.
	clientPub string
	convKey   []byte

	log *logrus.Entry
}

func newEndpoint(m *Manager, acct *ledger.SubAccount) (*Endpoint, error) {
	serviceKey, err := m.store.DecryptServiceSecret(acct)
	if err != nil {
		return nil, err
	}
	clientPub, err := nostr.XOnlyFromCompressed(acct.ClientPubKey)
	if err != nil {
		return nil, err
	}
	convKey, err := nostr.SharedSecret(serviceKey.Private(), clientPub)
	if err != nil {
		return nil, err
	}
	return &Endpoint{
		m:          m,
		id:         acct.ID,
		serviceKey: serviceKey,
		servicePub: serviceKey.PublicHex(),
		clientPub:  clientPub,
		convKey:    convKey,
		log: logrus.WithField("subsys", "endpoint").
			WithField("sub_account", acct.ID),
	}, nil
}

// ServicePub returns the x-only service pubkey this endpoint answers on.
func (e *Endpoint) ServicePub() string {
	return e.servicePub
}

// HandleEvent processes one request event end to end. Authentication
// failures drop the event with a log entry and no response; handler
// failures produce a protocol error response.
func (e *Endpoint) HandleEvent(ctx context.Context, ev *nostr.Event) {
	if err := ev.Verify(); err != nil {
		e.log.WithError(err).Warn("dropping request with bad signature")
		return
	}
	if ev.PubKey != e.clientPub {
		e.log.WithField("pubkey", ev.PubKey).Warn("dropping request from unauthorized key")
		return
	}
	plain, err := nostr.DecryptNIP04(e.convKey, ev.Content)
	if err != nil {
		e.log.WithError(err).Warn("dropping undecryptable request")
		return
	}
	var req walletRequest
	if err := json.Unmarshal([]byte(plain), &req); err != nil {
		e.log.WithError(err).Warn("dropping malformed request")
		return
	}

	e.log.WithField("method", req.Method).Debug("handling request")
	result, err := e.dispatch(ctx, req)
	resp := walletResponse{ResultType: req.Method}
	if err != nil {
		resp.Error = toWalletError(err)
		e.log.WithField("method", req.Method).
			WithField("code", resp.Error.Code).
			WithError(err).Info("request failed")
		metrics.RequestsTotal.WithLabelValues(req.Method, resp.Error.Code).Inc()
	} else {
		resp.Result = result
		metrics.RequestsTotal.WithLabelValues(req.Method, "ok").Inc()
	}
	if err := e.respond(ctx, ev, &resp); err != nil {
		e.log.WithError(err).Error("publishing response failed")
	}

	if err := e.m.store.TouchSubAccount(ctx, e.id, ledger.TouchOpts{
		IncrementUsage: true,
		UpdateLastUsed: true,
	}); err != nil {
		e.log.WithError(err).Warn("recording usage failed")
	}
}

func (e *Endpoint) dispatch(ctx context.Context, req walletRequest) (interface{}, error) {
	switch req.Method {
	case "get_balance":
		return e.getBalance(ctx)
	case "get_info":
		return e.getInfo(ctx)
	case "make_invoice":
		return e.makeInvoice(ctx, req.Params)
	case "pay_invoice":
		return e.payInvoice(ctx, req.Params)
	case "lookup_invoice":
		return e.lookupInvoice(ctx, req.Params)
	default:
		return nil, &handlerError{code: codeNotImplemented, message: "unknown method " + req.Method}
	}
}

func (e *Endpoint) getBalance(ctx context.Context) (interface{}, error) {
	acct, err := e.m.store.SubAccount(ctx, e.id)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"balance": acct.BalanceMsat}, nil
}

func (e *Endpoint) getInfo(ctx context.Context) (interface{}, error) {
	info, err := e.m.adapter.GetInfo(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"alias":        info.Alias,
		"color":        info.Color,
		"pubkey":       info.Pubkey,
		"network":      info.Network,
		"block_height": info.BlockHeight,
		"methods":      supportedMethods,
	}, nil
}

func (e *Endpoint) makeInvoice(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p makeInvoiceParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errOther("malformed make_invoice params")
	}
	if p.Amount <= 0 {
		return nil, errOther("invoice amount must be positive")
	}
	inv, err := e.m.adapter.MakeInvoice(ctx, upstream.MakeInvoiceParams{
		AmountMsat:      p.Amount,
		Description:     p.Description,
		DescriptionHash: p.DescriptionHash,
		ExpirySec:       p.Expiry,
	})
	if err != nil {
		return nil, err
	}

	expiresAt := inv.ExpiresAt
	if expiresAt == 0 && p.Expiry > 0 {
		expiresAt = time.Now().Unix() + p.Expiry
	}
	if _, err := e.m.store.RegisterPendingInvoice(ctx, ledger.RegisterInvoiceParams{
		SubAccountID:    e.id,
		Invoice:         inv.Invoice,
		PaymentHash:     inv.PaymentHash,
		DescriptionHash: inv.DescriptionHash,
		AmountMsat:      inv.AmountMsat,
		ExpiresAt:       expiresAt,
		Raw:             inv.Raw,
	}); err != nil && !errors.Is(err, ledger.ErrDuplicateKey) {
		return nil, err
	}

	return map[string]interface{}{
		"type":         "incoming",
		"invoice":      inv.Invoice,
		"payment_hash": inv.PaymentHash,
		"amount":       inv.AmountMsat,
		"expires_at":   expiresAt,
	}, nil
}

func (e *Endpoint) payInvoice(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p payInvoiceParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errOther("malformed pay_invoice params")
	}
	if p.Invoice == "" {
		return nil, errOther("missing invoice")
	}

	amount, err := bolt11.AmountMsat(p.Invoice)
	switch {
	case err == nil:
	case errors.Is(err, bolt11.ErrNoAmount):
		amount = p.Amount
	default:
		return nil, errOther("malformed invoice")
	}
	if amount <= 0 {
		return nil, errOther("invoice amount missing")
	}

	acct, err := e.m.store.SubAccount(ctx, e.id)
	if err != nil {
		return nil, err
	}
	if acct.BalanceMsat < amount {
		return nil, &handlerError{code: codeInsufficientBalance, message: "insufficient balance"}
	}

	payment, err := e.m.adapter.PayInvoice(ctx, p.Invoice, p.Amount)
	if err != nil {
		// The upstream rejected or timed out; nothing was debited.
		// Protocol rejections and timeouts keep their own codes; anything
		// else surfaces as a failed payment.
		var rpcErr *upstream.RPCError
		if errors.As(err, &rpcErr) || errors.Is(err, upstream.ErrTimeout) {
			return nil, err
		}
		return nil, &handlerError{code: codePaymentFailed, message: "payment failed: " + err.Error()}
	}
	// The payment went through upstream; the debit must follow even if
	// this process is the bearer of bad news about it. Serial per-wallet
	// processing means no competing debit can have raced us here.
	if _, err := e.m.store.AdjustBalance(ctx, e.id, -amount); err != nil {
		e.log.WithError(err).WithField("amount_msat", amount).
			Error("payment sent upstream but local debit failed")
	}

	return map[string]interface{}{
		"preimage":  payment.Preimage,
		"fees_paid": payment.FeesPaidMsat,
	}, nil
}

func (e *Endpoint) lookupInvoice(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p lookupInvoiceParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errOther("malformed lookup_invoice params")
	}
	if p.PaymentHash == "" && p.Invoice == "" {
		return nil, errOther("lookup needs a payment_hash or invoice")
	}
	res, err := e.m.adapter.LookupInvoice(ctx, upstream.LookupRef{
		PaymentHash: p.PaymentHash,
		Invoice:     p.Invoice,
	})
	if err != nil {
		return nil, err
	}

	// A settled lookup result may be news to the ledger; hand it to the
	// correlator on its own task so settlement never runs inside a
	// handler transaction.
	if res.Settled {
		e.m.enqueueSettlement(upstream.Transaction{
			Type:            "incoming",
			Invoice:         res.Invoice,
			PaymentHash:     res.PaymentHash,
			DescriptionHash: res.DescriptionHash,
			Preimage:        res.Preimage,
			AmountMsat:      res.AmountMsat,
			SettledAt:       res.SettledAt,
			Raw:             res.Raw,
		})
	}

	state := "pending"
	if res.Settled {
		state = "settled"
	}
	return map[string]interface{}{
		"type":         "incoming",
		"state":        state,
		"invoice":      res.Invoice,
		"payment_hash": res.PaymentHash,
		"preimage":     res.Preimage,
		"amount":       res.AmountMsat,
		"settled_at":   res.SettledAt,
	}, nil
}

func (e *Endpoint) respond(ctx context.Context, req *nostr.Event, resp *walletResponse) error {
	body, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	content, err := nostr.EncryptNIP04(e.convKey, string(body))
	if err != nil {
		return err
	}
	ev := &nostr.Event{
		CreatedAt: time.Now().Unix(),
		Kind:      nostr.KindWalletResponse,
		Tags: [][]string{
			{"p", e.clientPub},
			{"e", req.ID},
		},
		Content: content,
	}
	if err := ev.Sign(e.serviceKey.Private()); err != nil {
		return err
	}
	return e.m.publisher.Publish(ctx, ev)
}

// PublishInfoEvent announces the sub-wallet's capabilities as a
// replaceable info event under its service key.
func (e *Endpoint) PublishInfoEvent(ctx context.Context) error {
	ev := &nostr.Event{
		CreatedAt: time.Now().Unix(),
		Kind:      nostr.KindWalletInfo,
		Tags:      [][]string{{"notifications", "payment_received"}},
		Content:   strings.Join(supportedMethods, " ") + " notifications",
	}
	if err := ev.Sign(e.serviceKey.Private()); err != nil {
		return err
	}
	return e.m.publisher.Publish(ctx, ev)
}

// NotifyPaymentReceived relays a settled incoming payment to the
// sub-wallet's client as an encrypted notification event.
func (e *Endpoint) NotifyPaymentReceived(ctx context.Context, inv *ledger.PendingInvoice, tx upstream.Transaction) error {
	amount := tx.AmountMsat
	if amount == 0 {
		amount = inv.AmountMsat
	}
	settledAt := tx.SettledAt
	if settledAt == 0 && inv.SettledAt != nil {
		settledAt = inv.SettledAt.Unix()
	}
	body, err := json.Marshal(map[string]interface{}{
		"notification_type": "payment_received",
		"notification": map[string]interface{}{
			"type":         "incoming",
			"invoice":      inv.Invoice,
			"payment_hash": inv.PaymentHash,
			"preimage":     tx.Preimage,
			"amount":       amount,
			"settled_at":   settledAt,
		},
	})
	if err != nil {
		return err
	}
	content, err := nostr.EncryptNIP04(e.convKey, string(body))
	if err != nil {
		return err
	}
	ev := &nostr.Event{
		CreatedAt: time.Now().Unix(),
		Kind:      nostr.KindWalletNotification,
		Tags:      [][]string{{"p", e.clientPub}},
		Content:   content,
	}
	if err := ev.Sign(e.serviceKey.Private()); err != nil {
		return err
	}
	return e.m.publisher.Publish(ctx, ev)
}

// toWalletError maps internal failures onto protocol error codes.
func toWalletError(err error) *walletError {
	var herr *handlerError
	if errors.As(err, &herr) {
		return &walletError{Code: herr.code, Message: herr.message}
	}
	var rpcErr *upstream.RPCError
	if errors.As(err, &rpcErr) {
		return &walletError{Code: rpcErr.Code, Message: rpcErr.Message}
	}
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return &walletError{Code: codeInsufficientBalance, Message: "insufficient balance"}
	case errors.Is(err, upstream.ErrNotFound):
		return &walletError{Code: codeNotFound, Message: "invoice not found"}
	case errors.Is(err, upstream.ErrTimeout):
		return &walletError{Code: codeInternal, Message: "upstream timed out"}
	case errors.Is(err, ledger.ErrNotFound):
		return &walletError{Code: codeNotFound, Message: "not found"}
	default:
		return &walletError{Code: codeInternal, Message: err.Error()}
	}
}
