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

// Package nostr implements the subset of the Nostr protocol the multiplexer
// speaks: signed events, NIP-04 payload encryption, wallet-connect URIs and
// a websocket relay client.
package nostr

import (
	"encoding/hex"
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// ErrInvalidSecret is returned when a supplied secret is not a 32-byte
// scalar in hex form.
var ErrInvalidSecret = errors.New("nostr: secret must be 32 bytes of hex")

// KeyPair wraps a secp256k1 key pair. Events are addressed and signed with
// the 32-byte x-only form of the public key; the ledger stores the 33-byte
// compressed form.
type KeyPair struct {
	priv *btcec.PrivateKey
}

// GenerateKeyPair returns a fresh random key pair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	return &KeyPair{priv: priv}, nil
}

// KeyPairFromHex parses a 64-character hex secret.
func KeyPairFromHex(secretHex string) (*KeyPair, error) {
	raw, err := hex.DecodeString(secretHex)
	if err != nil || len(raw) != 32 {
		return nil, ErrInvalidSecret
	}
	priv, _ := btcec.PrivKeyFromBytes(raw)
	return &KeyPair{priv: priv}, nil
}

// SecretHex returns the 64-character hex encoding of the secret scalar.
func (k *KeyPair) SecretHex() string {
	return hex.EncodeToString(k.priv.Serialize())
}

// PublicHex returns the x-only public key as 64 hex characters. This is
// the form used in event pubkeys, tags and connect URIs.
func (k *KeyPair) PublicHex() string {
	return hex.EncodeToString(schnorr.SerializePubKey(k.priv.PubKey()))
}

// CompressedHex returns the 33-byte compressed public key as 66 hex
// characters, the form persisted in the ledger.
func (k *KeyPair) CompressedHex() string {
	return hex.EncodeToString(k.priv.PubKey().SerializeCompressed())
}

// Private exposes the underlying key for signing and ECDH.
func (k *KeyPair) Private() *btcec.PrivateKey {
	return k.priv
}

// XOnlyFromCompressed converts a stored 66-character compressed key to its
// x-only transport form.
func XOnlyFromCompressed(compressedHex string) (string, error) {
	if len(compressedHex) != 66 {
		return "", errors.New("nostr: compressed pubkey must be 66 hex characters")
	}
	return compressedHex[2:], nil
}
