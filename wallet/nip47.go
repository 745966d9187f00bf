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

import "encoding/json"

// Wallet protocol error codes surfaced to clients.
const (
	codeInsufficientBalance = "INSUFFICIENT_BALANCE"
	codePaymentFailed       = "PAYMENT_FAILED"
	codeNotFound            = "NOT_FOUND"
	codeNotImplemented      = "NOT_IMPLEMENTED"
	codeInternal            = "INTERNAL"
	codeOther               = "OTHER"
)

// supportedMethods is advertised in each sub-wallet's info event.
var supportedMethods = []string{
	"get_balance",
	"get_info",
	"make_invoice",
	"pay_invoice",
	"lookup_invoice",
}

type walletRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type walletError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type walletResponse struct {
	ResultType string       `json:"result_type"`
	Error      *walletError `json:"error,omitempty"`
	Result     interface{}  `json:"result,omitempty"`
}

// handlerError carries a protocol error code alongside the message.
type handlerError struct {
	code    string
	message string
}

func (e *handlerError) Error() string { return e.message }

func errOther(msg string) error {
	return &handlerError{code: codeOther, message: msg}
}

type makeInvoiceParams struct {
	Amount          int64  `json:"amount"`
	Description     string `json:"description"`
	DescriptionHash string `json:"description_hash"`
	Expiry          int64  `json:"expiry"`
}

type payInvoiceParams struct {
	Invoice string `json:"invoice"`
	Amount  int64  `json:"amount"`
}

type lookupInvoiceParams struct {
	PaymentHash string `json:"payment_hash"`
	Invoice     string `json:"invoice"`
}
