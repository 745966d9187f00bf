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

// Package bolt11 extracts the two invoice fields the multiplexer needs:
// the embedded amount and the payment hash. Invoices are otherwise treated
// as opaque strings; full decoding and signature checking is the upstream
// wallet's business.
package bolt11

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

const (
	// fieldPaymentHash is the 'p' tagged field.
	fieldPaymentHash = 1
	// fieldDescriptionHash is the 'h' tagged field.
	fieldDescriptionHash = 23

	// timestampGroups is the number of leading 5-bit groups holding the
	// invoice timestamp.
	timestampGroups = 7
	// signatureGroups is the number of trailing 5-bit groups holding the
	// recovery signature.
	signatureGroups = 104
)

var (
	// ErrNoAmount is returned by AmountMsat for zero-amount invoices.
	ErrNoAmount = errors.New("bolt11: invoice carries no amount")

	// ErrMalformed is returned for strings that do not decode as
	// invoices at all.
	ErrMalformed = errors.New("bolt11: malformed invoice")
)

// AmountMsat returns the amount embedded in the invoice's human readable
// part, in millisatoshis. ErrNoAmount signals a valid invoice without an
// embedded amount.
func AmountMsat(invoice string) (int64, error) {
	hrp, err := humanReadablePart(invoice)
	if err != nil {
		return 0, err
	}
	// Strip "ln" and the currency letters; what remains is the amount.
	body := hrp[2:]
	i := 0
	for i < len(body) && (body[i] < '0' || body[i] > '9') {
		i++
	}
	amount := body[i:]
	if amount == "" {
		return 0, ErrNoAmount
	}

	multiplier := byte(0)
	if last := amount[len(amount)-1]; last == 'm' || last == 'u' || last == 'n' || last == 'p' {
		multiplier = last
		amount = amount[:len(amount)-1]
	}
	num, err := strconv.ParseInt(amount, 10, 64)
	if err != nil || num <= 0 {
		return 0, ErrMalformed
	}

	// 1 BTC = 1e11 msat.
	switch multiplier {
	case 0:
		return num * 1e11, nil
	case 'm':
		return num * 1e8, nil
	case 'u':
		return num * 1e5, nil
	case 'n':
		return num * 100, nil
	case 'p':
		if num%10 != 0 {
			return 0, fmt.Errorf("bolt11: sub-millisatoshi amount %dp", num)
		}
		return num / 10, nil
	}
	return 0, ErrMalformed
}

// PaymentHash returns the hex payment hash from the invoice's tagged
// fields, or "" when the field is absent.
func PaymentHash(invoice string) (string, error) {
	return taggedHash(invoice, fieldPaymentHash)
}

// DescriptionHash returns the hex description hash, or "" when absent.
func DescriptionHash(invoice string) (string, error) {
	return taggedHash(invoice, fieldDescriptionHash)
}

func taggedHash(invoice string, fieldType byte) (string, error) {
	_, data, err := decode(invoice)
	if err != nil {
		return "", err
	}
	if len(data) < timestampGroups+signatureGroups {
		return "", ErrMalformed
	}
	fields := data[timestampGroups : len(data)-signatureGroups]
	for len(fields) >= 3 {
		typ := fields[0]
		length := int(fields[1])<<5 | int(fields[2])
		fields = fields[3:]
		if length > len(fields) {
			return "", ErrMalformed
		}
		value := fields[:length]
		fields = fields[length:]
		if typ != fieldType {
			continue
		}
		// 32-byte hashes occupy 52 groups; anything else is a
		// different (possibly future) field layout we skip.
		if length != 52 {
			continue
		}
		raw, err := bech32.ConvertBits(value, 5, 8, false)
		if err != nil {
			return "", fmt.Errorf("bolt11: %w", err)
		}
		return hex.EncodeToString(raw[:32]), nil
	}
	return "", nil
}

func humanReadablePart(invoice string) (string, error) {
	hrp, _, err := decode(invoice)
	if err != nil {
		return "", err
	}
	return hrp, nil
}

func decode(invoice string) (string, []byte, error) {
	inv := strings.ToLower(strings.TrimSpace(invoice))
	if !strings.HasPrefix(inv, "ln") {
		return "", nil, ErrMalformed
	}
	hrp, data, err := bech32.DecodeNoLimit(inv)
	if err != nil {
		return "", nil, fmt.Errorf("bolt11: %w", err)
	}
	return hrp, data, nil
}
