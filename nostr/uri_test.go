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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectURIRoundTrip(t *testing.T) {
	uri := &ConnectURI{
		WalletPubKey: strings.Repeat("ab", 32),
		Relays:       []string{"wss://relay.one.example", "wss://relay.two.example"},
		Secret:       strings.Repeat("cd", 32),
	}
	raw := uri.String()
	assert.True(t, strings.HasPrefix(raw, "nostr+walletconnect://"))

	parsed, err := ParseConnectURI(raw)
	require.NoError(t, err)
	assert.Equal(t, uri.WalletPubKey, parsed.WalletPubKey)
	assert.Equal(t, uri.Relays, parsed.Relays)
	assert.Equal(t, uri.Secret, parsed.Secret)
}

func TestParseConnectURIErrors(t *testing.T) {
	pk := strings.Repeat("ab", 32)
	secret := strings.Repeat("cd", 32)
	cases := []struct {
		name string
		raw  string
	}{
		{"wrong scheme", "https://" + pk + "?relay=wss://r.example&secret=" + secret},
		{"short pubkey", "nostr+walletconnect://abcd?relay=wss://r.example&secret=" + secret},
		{"missing relay", "nostr+walletconnect://" + pk + "?secret=" + secret},
		{"http relay", "nostr+walletconnect://" + pk + "?relay=https://r.example&secret=" + secret},
		{"missing secret", "nostr+walletconnect://" + pk + "?relay=wss://r.example"},
		{"short secret", "nostr+walletconnect://" + pk + "?relay=wss://r.example&secret=beef"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseConnectURI(tc.raw)
			assert.Error(t, err)
		})
	}
}
