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
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// NIP-47 event kinds.
const (
	KindWalletInfo         = 13194
	KindWalletRequest      = 23194
	KindWalletResponse     = 23195
	KindWalletNotification = 23197
)

// Event is a NIP-01 event.
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// Serialize returns the canonical NIP-01 serialization used for the event
// id: [0, pubkey, created_at, kind, tags, content].
func (e *Event) Serialize() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	arr := []interface{}{0, e.PubKey, e.CreatedAt, e.Kind, e.Tags, e.Content}
	if err := enc.Encode(arr); err != nil {
		return nil, err
	}
	// Encode appends a newline that is not part of the serialization.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// ComputeID returns the hex SHA-256 of the canonical serialization.
func (e *Event) ComputeID() (string, error) {
	ser, err := e.Serialize()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(ser)
	return hex.EncodeToString(sum[:]), nil
}

// Sign fills in PubKey, ID and Sig using the given key. Tags must already
// be set; a nil tag list is normalized to an empty one.
func (e *Event) Sign(priv *btcec.PrivateKey) error {
	if e.Tags == nil {
		e.Tags = [][]string{}
	}
	e.PubKey = hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey()))
	id, err := e.ComputeID()
	if err != nil {
		return err
	}
	e.ID = id
	digest, err := hex.DecodeString(id)
	if err != nil {
		return err
	}
	sig, err := schnorr.Sign(priv, digest)
	if err != nil {
		return err
	}
	e.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// Verify checks the event id and Schnorr signature against the embedded
// x-only pubkey.
func (e *Event) Verify() error {
	id, err := e.ComputeID()
	if err != nil {
		return err
	}
	if id != e.ID {
		return errors.New("nostr: event id mismatch")
	}
	pubRaw, err := hex.DecodeString(e.PubKey)
	if err != nil || len(pubRaw) != 32 {
		return errors.New("nostr: malformed pubkey")
	}
	pub, err := schnorr.ParsePubKey(pubRaw)
	if err != nil {
		return fmt.Errorf("nostr: %w", err)
	}
	sigRaw, err := hex.DecodeString(e.Sig)
	if err != nil || len(sigRaw) != 64 {
		return errors.New("nostr: malformed signature")
	}
	sig, err := schnorr.ParseSignature(sigRaw)
	if err != nil {
		return fmt.Errorf("nostr: %w", err)
	}
	digest, _ := hex.DecodeString(id)
	if !sig.Verify(digest, pub) {
		return errors.New("nostr: bad signature")
	}
	return nil
}

// TagValue returns the first value of the first tag with the given name,
// or "" when absent.
func (e *Event) TagValue(name string) string {
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}

// Filter is a NIP-01 subscription filter. Only the fields the multiplexer
// uses are modeled.
type Filter struct {
	Kinds   []int    `json:"kinds,omitempty"`
	Authors []string `json:"authors,omitempty"`
	PTags   []string `json:"#p,omitempty"`
	ETags   []string `json:"#e,omitempty"`
	Since   *int64   `json:"since,omitempty"`
}

// Matches reports whether ev passes the filter. Used by the in-memory
// transport in tests and by the relay client to discard stray events.
func (f *Filter) Matches(ev *Event) bool {
	if len(f.Kinds) > 0 && !containsInt(f.Kinds, ev.Kind) {
		return false
	}
	if len(f.Authors) > 0 && !containsString(f.Authors, ev.PubKey) {
		return false
	}
	if len(f.PTags) > 0 && !containsString(f.PTags, ev.TagValue("p")) {
		return false
	}
	if len(f.ETags) > 0 && !containsString(f.ETags, ev.TagValue("e")) {
		return false
	}
	if f.Since != nil && ev.CreatedAt < *f.Since {
		return false
	}
	return true
}

func containsInt(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func containsString(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
