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
	"encoding/json"
	"time"
)

// InvoiceState is the lifecycle state of a pending invoice. The only legal
// transitions lead out of StatePending; the other three states are
// terminal.
type InvoiceState string

const (
	StatePending InvoiceState = "pending"
	StateSettled InvoiceState = "settled"
	StateFailed  InvoiceState = "failed"
	StateExpired InvoiceState = "expired"
)

// Terminal reports whether no further transition is allowed.
func (s InvoiceState) Terminal() bool {
	return s == StateSettled || s == StateFailed || s == StateExpired
}

// valid reports whether s is one of the four known states.
func (s InvoiceState) valid() bool {
	switch s {
	case StatePending, StateSettled, StateFailed, StateExpired:
		return true
	}
	return false
}

// SubAccount is the identity and accounting record of one virtual
// sub-wallet. Secrets are held as vault envelopes; the plaintext scalars
// exist only transiently inside the registry.
type SubAccount struct {
	ID          string
	Label       string
	Description string

	// Relays is the ordered list of transport endpoints this sub-wallet
	// advertises in its connect URI.
	Relays []string

	// ServicePubKey is the compressed service key (66 hex characters);
	// clients address this sub-wallet by its x-only form.
	ServicePubKey string
	ServiceSecret []byte // vault envelope

	// ClientPubKey identifies the single authorized client.
	ClientPubKey string
	ClientSecret []byte // vault envelope

	BalanceMsat int64
	// PendingMsat is the denormalized sum over this account's pending
	// invoices. Every mutating transaction refreshes it from the
	// canonical sum before committing.
	PendingMsat int64

	Metadata map[string]string

	CreatedAt  time.Time
	UpdatedAt  time.Time
	LastUsedAt *time.Time
	UsageCount int64
}

// PendingInvoice is an invoice issued upstream on a sub-account's behalf,
// tracked until settlement, failure or expiry.
type PendingInvoice struct {
	ID           string
	SubAccountID string

	Invoice         string
	PaymentHash     string
	DescriptionHash string

	AmountMsat int64
	State      InvoiceState

	// ExpiresAt is unix seconds; zero means no expiry.
	ExpiresAt int64

	CreatedAt time.Time
	UpdatedAt time.Time
	SettledAt *time.Time

	// Raw retains the upstream's original response for audit.
	Raw json.RawMessage
}

// CreateSubAccountParams are the operator-supplied inputs for a new
// sub-account. Secrets are optional; missing ones are generated.
type CreateSubAccountParams struct {
	Label            string
	Description      string
	Relays           []string
	Metadata         map[string]string
	ServiceSecretHex string
	ClientSecretHex  string
}

// SubAccountSecrets carries the plaintext secrets exactly once, back to
// the creating operator. They are never readable from the store again
// without the vault.
type SubAccountSecrets struct {
	ServiceSecretHex string
	ClientSecretHex  string
}

// RegisterInvoiceParams describe a new pending invoice.
type RegisterInvoiceParams struct {
	SubAccountID    string
	Invoice         string
	PaymentHash     string
	DescriptionHash string
	AmountMsat      int64
	ExpiresAt       int64
	Raw             json.RawMessage
}

// InvoiceRef identifies an invoice by any of its three lookup keys. Match
// preference is payment hash, then invoice string, then description hash.
type InvoiceRef struct {
	PaymentHash     string
	Invoice         string
	DescriptionHash string
}

// TouchOpts select which usage columns TouchSubAccount updates.
type TouchOpts struct {
	IncrementUsage bool
	UpdateLastUsed bool
}
