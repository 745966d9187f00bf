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
	"errors"
	"sync"
	"time"
)

// Timeouts are the per-call budgets the adapter enforces. Payments get a
// generous budget because multi-hop routing legitimately takes long;
// informational calls fail fast.
type Timeouts struct {
	Info    time.Duration
	Invoice time.Duration
	Pay     time.Duration
}

// DefaultTimeouts returns the standard budgets.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Info:    15 * time.Second,
		Invoice: 20 * time.Second,
		Pay:     60 * time.Second,
	}
}

// AdapterConfig tunes the adapter.
type AdapterConfig struct {
	Timeouts Timeouts

	// Concurrent marks the wrapped client safe for concurrent calls.
	// When false every call holds the adapter's mutex.
	Concurrent bool
}

// Adapter wraps a Client with deadlines and optional serialization. A
// deadline overrun surfaces as ErrTimeout rather than the raw context
// error, so handlers can map it to a protocol-level timeout.
type Adapter struct {
	client Client
	cfg    AdapterConfig
	mu     sync.Mutex
}

// NewAdapter wraps client. Zero timeouts fall back to the defaults.
func NewAdapter(client Client, cfg AdapterConfig) *Adapter {
	def := DefaultTimeouts()
	if cfg.Timeouts.Info <= 0 {
		cfg.Timeouts.Info = def.Info
	}
	if cfg.Timeouts.Invoice <= 0 {
		cfg.Timeouts.Invoice = def.Invoice
	}
	if cfg.Timeouts.Pay <= 0 {
		cfg.Timeouts.Pay = def.Pay
	}
	return &Adapter{client: client, cfg: cfg}
}

// GetInfo implements Client.
func (a *Adapter) GetInfo(ctx context.Context) (*Info, error) {
	return call(a, ctx, a.cfg.Timeouts.Info, a.client.GetInfo)
}

// MakeInvoice implements Client.
func (a *Adapter) MakeInvoice(ctx context.Context, p MakeInvoiceParams) (*Invoice, error) {
	return call(a, ctx, a.cfg.Timeouts.Invoice, func(ctx context.Context) (*Invoice, error) {
		return a.client.MakeInvoice(ctx, p)
	})
}

// PayInvoice implements Client.
func (a *Adapter) PayInvoice(ctx context.Context, invoice string, amountMsat int64) (*Payment, error) {
	return call(a, ctx, a.cfg.Timeouts.Pay, func(ctx context.Context) (*Payment, error) {
		return a.client.PayInvoice(ctx, invoice, amountMsat)
	})
}

// LookupInvoice implements Client. Lookups share the invoice budget.
func (a *Adapter) LookupInvoice(ctx context.Context, ref LookupRef) (*LookupResult, error) {
	return call(a, ctx, a.cfg.Timeouts.Invoice, func(ctx context.Context) (*LookupResult, error) {
		return a.client.LookupInvoice(ctx, ref)
	})
}

// Notifications implements Client.
func (a *Adapter) Notifications() <-chan Transaction {
	return a.client.Notifications()
}

// Close implements Client.
func (a *Adapter) Close() error {
	return a.client.Close()
}

func call[T any](a *Adapter, ctx context.Context, budget time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if !a.cfg.Concurrent {
		a.mu.Lock()
		defer a.mu.Unlock()
	}
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	res, err := fn(ctx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		var zero T
		return zero, ErrTimeout
	}
	return res, err
}
