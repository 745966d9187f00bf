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

// Package upstream defines the interface to the single real wallet behind
// the multiplexer, plus an adapter that enforces per-call deadlines and
// serializes access for clients that are not safe for concurrent use.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when an upstream call exceeds its budget.
	ErrTimeout = errors.New("upstream: operation timed out")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("upstream: client closed")

	// ErrNotFound is returned by LookupInvoice for unknown invoices.
	ErrNotFound = errors.New("upstream: invoice not found")
)

// RPCError is a structured error from the upstream wallet.
type RPCError struct {
	Code    string
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("upstream: %s: %s", e.Code, e.Message)
}

// Info is the upstream wallet's self-description.
type Info struct {
	Alias       string
	Color       string
	Pubkey      string
	Network     string
	BlockHeight uint32
	Methods     []string

	// Raw retains unknown upstream fields for audit.
	Raw json.RawMessage
}

// MakeInvoiceParams are the inputs to invoice creation.
type MakeInvoiceParams struct {
	AmountMsat      int64
	Description     string
	DescriptionHash string
	// ExpirySec is the requested validity window in seconds; zero leaves
	// the choice to the upstream.
	ExpirySec int64
}

// Invoice is a freshly issued upstream invoice.
type Invoice struct {
	Invoice         string
	PaymentHash     string
	DescriptionHash string
	AmountMsat      int64
	// ExpiresAt is unix seconds; zero means the upstream reported none.
	ExpiresAt int64

	Raw json.RawMessage
}

// Payment is the result of a successful outbound payment.
type Payment struct {
	Preimage     string
	FeesPaidMsat int64

	Raw json.RawMessage
}

// LookupRef identifies an invoice for lookup, by payment hash or by the
// invoice string.
type LookupRef struct {
	PaymentHash string
	Invoice     string
}

// LookupResult is the upstream's view of one invoice.
type LookupResult struct {
	Invoice         string
	PaymentHash     string
	DescriptionHash string
	Preimage        string
	AmountMsat      int64
	Settled         bool
	// SettledAt is unix seconds, zero when unsettled.
	SettledAt int64
	ExpiresAt int64

	Raw json.RawMessage
}

// Transaction is one entry of the upstream's settlement notification
// stream. Type is "incoming" for received payments and "outgoing" for
// sent ones.
type Transaction struct {
	Type            string
	Invoice         string
	PaymentHash     string
	DescriptionHash string
	Preimage        string
	AmountMsat      int64
	SettledAt       int64

	Raw json.RawMessage
}

// Client is a connection to the upstream wallet. Implementations need not
// be safe for concurrent use; the Adapter serializes calls for those that
// are not.
type Client interface {
	GetInfo(ctx context.Context) (*Info, error)
	MakeInvoice(ctx context.Context, p MakeInvoiceParams) (*Invoice, error)
	PayInvoice(ctx context.Context, invoice string, amountMsat int64) (*Payment, error)
	LookupInvoice(ctx context.Context, ref LookupRef) (*LookupResult, error)

	// Notifications yields the upstream's settlement stream. The channel
	// is closed on Close. Clients without a notification stream return a
	// nil channel.
	Notifications() <-chan Transaction

	Close() error
}
