// Package nip05 resolves DNS-based identifiers of the form
// name@domain to public keys via the /.well-known/nostr.json
// endpoint.
package nip05

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/poolstr/poolstr/pkg/keys"
)

// ProfilePointer is what an identifier resolves to: a public key and
// the relays the profile is known to publish on.
type ProfilePointer struct {
	PublicKey string
	Relays    []string
}

// WellKnownResponse is the nostr.json document shape.
type WellKnownResponse struct {
	Names  map[string]string   `json:"names"`
	Relays map[string][]string `json:"relays"`
}

// QueryIdentifier resolves an identifier. A bare domain stands for
// _@domain. An identifier the domain does not know yields an empty
// pointer, not an error; errors are reserved for malformed
// identifiers and transport failures.
func QueryIdentifier(ctx context.Context,
	identifier string) (*ProfilePointer, error) {

	spl := strings.Split(identifier, "@")
	var name, domain string
	switch len(spl) {
	case 1:
		name = "_"
		domain = spl[0]
	case 2:
		name = spl[0]
		domain = spl[1]
	default:
		return nil, fmt.Errorf("not a valid identifier: %q", identifier)
	}
	if !strings.Contains(domain, ".") {
		return nil, fmt.Errorf("hostname %q has no dot", domain)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("https://%s/.well-known/nostr.json?name=%s",
			domain, name), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	client := &http.Client{
		// redirects would let the domain outsource the answer
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	res, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer res.Body.Close()

	var result WellKnownResponse
	if err = json.NewDecoder(res.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	pubkey, ok := result.Names[name]
	if !ok || !keys.IsValidPublicKeyHex(pubkey) {
		return &ProfilePointer{}, nil
	}
	return &ProfilePointer{
		PublicKey: pubkey,
		Relays:    result.Relays[pubkey],
	}, nil
}

// Verify reports whether the identifier resolves to the given public
// key. Resolution failures count as not verified.
func Verify(ctx context.Context, pubkey, identifier string) bool {
	pp, err := QueryIdentifier(ctx, identifier)
	if err != nil {
		return false
	}
	return pp.PublicKey != "" && pp.PublicKey == pubkey
}

// NormalizeIdentifier strips the implied _@ prefix for display.
func NormalizeIdentifier(identifier string) string {
	return strings.TrimPrefix(identifier, "_@")
}
