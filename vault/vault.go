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

// Package vault implements authenticated encryption of sub-wallet secrets
// at rest. Ciphertexts are wrapped in a small versioned envelope so that
// key-rotation migrations can coexist in the same store.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

// Envelope layout, all fields fixed size except the trailing ciphertext:
//
//	byte  0     version (currently 0x01)
//	byte  1     iv length (currently 12)
//	bytes 2..13 iv
//	bytes 14..29 GCM auth tag
//	bytes 30..  ciphertext
const (
	envelopeVersion = 0x01
	ivLength        = 12
	tagLength       = 16
	headerLength    = 2 + ivLength + tagLength
)

var (
	// ErrBadVersion is returned when an envelope carries an unknown
	// version byte.
	ErrBadVersion = errors.New("vault: unknown envelope version")

	// ErrBadIVLength is returned when the declared iv length does not
	// match the supported one.
	ErrBadIVLength = errors.New("vault: bad iv length")

	// ErrAuthFailure is returned when the ciphertext or auth tag has been
	// tampered with, or the master key is wrong.
	ErrAuthFailure = errors.New("vault: message authentication failed")

	// ErrTruncated is returned for envelopes shorter than the fixed
	// header.
	ErrTruncated = errors.New("vault: envelope truncated")
)

// Vault encrypts and decrypts secrets with AES-256-GCM under a key derived
// from the operator-supplied master key. The derived key is fixed for the
// lifetime of the process.
type Vault struct {
	aead cipher.AEAD
}

// New derives the storage key from masterKey and returns a ready vault.
//
// Key derivation accepts three encodings, tried in order: 64 lowercase hex
// characters decode to the 32-byte key directly; a base64 string decoding
// to exactly 32 bytes is used as-is; anything else is hashed with SHA-256.
func New(masterKey string) (*Vault, error) {
	if masterKey == "" {
		return nil, errors.New("vault: empty master key")
	}
	key := deriveKey(masterKey)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	return &Vault{aead: aead}, nil
}

func deriveKey(masterKey string) []byte {
	if len(masterKey) == 64 && isLowerHex(masterKey) {
		if key, err := hex.DecodeString(masterKey); err == nil {
			return key
		}
	}
	if raw, err := base64.StdEncoding.DecodeString(masterKey); err == nil && len(raw) == 32 {
		return raw
	}
	sum := sha256.Sum256([]byte(masterKey))
	return sum[:]
}

func isLowerHex(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Encrypt seals plaintext into a fresh envelope with a random iv.
func (v *Vault) Encrypt(plaintext []byte) ([]byte, error) {
	iv := make([]byte, ivLength)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	// Seal appends the tag to the ciphertext; the envelope stores the tag
	// ahead of the ciphertext instead.
	sealed := v.aead.Seal(nil, iv, plaintext, nil)
	tag := sealed[len(sealed)-tagLength:]
	ct := sealed[:len(sealed)-tagLength]

	env := make([]byte, 0, headerLength+len(ct))
	env = append(env, envelopeVersion, ivLength)
	env = append(env, iv...)
	env = append(env, tag...)
	env = append(env, ct...)
	return env, nil
}

// Decrypt opens an envelope produced by Encrypt.
func (v *Vault) Decrypt(envelope []byte) ([]byte, error) {
	if len(envelope) < headerLength {
		return nil, ErrTruncated
	}
	if envelope[0] != envelopeVersion {
		return nil, ErrBadVersion
	}
	if envelope[1] != ivLength {
		return nil, ErrBadIVLength
	}
	iv := envelope[2 : 2+ivLength]
	tag := envelope[2+ivLength : headerLength]
	ct := envelope[headerLength:]

	sealed := make([]byte, 0, len(ct)+tagLength)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plain, err := v.aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, ErrAuthFailure
	}
	return plain, nil
}
