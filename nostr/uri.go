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
	"errors"
	"net/url"
	"strings"
)

// URIScheme is the fixed wallet-connect scheme.
const URIScheme = "nostr+walletconnect"

// ConnectURI is the single credential a client needs to reach a wallet
// service: the service pubkey it addresses, the relays to reach it on and
// the client secret that authorizes it.
type ConnectURI struct {
	WalletPubKey string // x-only hex
	Relays       []string
	Secret       string // 64 hex characters
}

// Parse parses a nostr+walletconnect:// URI.
func ParseConnectURI(raw string) (*ConnectURI, error) {
	prefix := URIScheme + "://"
	if !strings.HasPrefix(raw, prefix) {
		return nil, errors.New("nostr: connect uri must use " + URIScheme + "://")
	}
	// url.Parse chokes on the + in the scheme, so swap it out first.
	u, err := url.Parse("https://" + strings.TrimPrefix(raw, prefix))
	if err != nil {
		return nil, errors.New("nostr: malformed connect uri")
	}
	pk := u.Host
	if len(pk) != 64 {
		return nil, errors.New("nostr: wallet pubkey must be 64 hex characters")
	}
	q := u.Query()
	relays := q["relay"]
	if len(relays) == 0 {
		return nil, errors.New("nostr: connect uri missing relay")
	}
	for _, r := range relays {
		if !strings.HasPrefix(r, "wss://") && !strings.HasPrefix(r, "ws://") {
			return nil, errors.New("nostr: relay url must use ws:// or wss://")
		}
	}
	secret := q.Get("secret")
	if len(secret) != 64 {
		return nil, errors.New("nostr: connect uri secret must be 64 hex characters")
	}
	return &ConnectURI{WalletPubKey: pk, Relays: relays, Secret: secret}, nil
}

// String renders the URI.
func (c *ConnectURI) String() string {
	var sb strings.Builder
	sb.WriteString(URIScheme)
	sb.WriteString("://")
	sb.WriteString(c.WalletPubKey)
	sep := "?"
	for _, r := range c.Relays {
		sb.WriteString(sep)
		sb.WriteString("relay=")
		sb.WriteString(url.QueryEscape(r))
		sep = "&"
	}
	sb.WriteString(sep)
	sb.WriteString("secret=")
	sb.WriteString(c.Secret)
	return sb.String()
}
