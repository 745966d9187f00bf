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
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// SharedSecret computes the NIP-04 conversation key between a local secret
// and a remote x-only pubkey: the raw x coordinate of the ECDH point.
func SharedSecret(priv *btcec.PrivateKey, remoteXOnlyHex string) ([]byte, error) {
	raw, err := hex.DecodeString(remoteXOnlyHex)
	if err != nil || len(raw) != 32 {
		return nil, errors.New("nostr: malformed remote pubkey")
	}
	pub, err := schnorr.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("nostr: %w", err)
	}
	return btcec.GenerateSharedSecret(priv, pub), nil
}

// EncryptNIP04 encrypts plaintext with AES-256-CBC under the conversation
// key, producing the NIP-04 wire form "<base64 ct>?iv=<base64 iv>".
func EncryptNIP04(key []byte, plaintext string) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}
	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)

	return base64.StdEncoding.EncodeToString(ct) + "?iv=" +
		base64.StdEncoding.EncodeToString(iv), nil
}

// DecryptNIP04 reverses EncryptNIP04.
func DecryptNIP04(key []byte, content string) (string, error) {
	parts := strings.Split(content, "?iv=")
	if len(parts) != 2 {
		return "", errors.New("nostr: malformed nip04 payload")
	}
	ct, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("nostr: %w", err)
	}
	iv, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("nostr: %w", err)
	}
	if len(iv) != aes.BlockSize || len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return "", errors.New("nostr: malformed nip04 payload")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	plain := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ct)
	plain, err = pkcs7Unpad(plain, aes.BlockSize)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func pkcs7Pad(in []byte, size int) []byte {
	pad := size - len(in)%size
	out := make([]byte, len(in)+pad)
	copy(out, in)
	for i := len(in); i < len(out); i++ {
		out[i] = byte(pad)
	}
	return out
}

func pkcs7Unpad(in []byte, size int) ([]byte, error) {
	if len(in) == 0 {
		return nil, errors.New("nostr: empty plaintext")
	}
	pad := int(in[len(in)-1])
	if pad == 0 || pad > size || pad > len(in) {
		return nil, errors.New("nostr: bad padding")
	}
	for _, b := range in[len(in)-pad:] {
		if int(b) != pad {
			return nil, errors.New("nostr: bad padding")
		}
	}
	return in[:len(in)-pad], nil
}
