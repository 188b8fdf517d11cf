// Package oauth implements the OAuth 2.1 authorization flow used against
// remote MCP servers: RFC 7636 S256 PKCE, RFC 8414 metadata discovery with
// resource-first lookup, code exchange, and token refresh.
package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// unreserved is the RFC 7636 verifier alphabet.
const unreserved = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"

// verifierLength is the maximum the RFC allows; longer is stronger and costs
// nothing.
const verifierLength = 128

// PKCE is a generated verifier/challenge pair.
type PKCE struct {
	Verifier  string
	Challenge string
}

// GeneratePKCE returns a 128-character verifier and its S256 challenge,
// base64url without padding.
func GeneratePKCE() (*PKCE, error) {
	buf := make([]byte, verifierLength)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate verifier: %w", err)
	}
	verifier := make([]byte, verifierLength)
	for i, b := range buf {
		verifier[i] = unreserved[int(b)%len(unreserved)]
	}
	sum := sha256.Sum256(verifier)
	return &PKCE{
		Verifier:  string(verifier),
		Challenge: base64.RawURLEncoding.EncodeToString(sum[:]),
	}, nil
}

// GenerateState returns a cryptographically random opaque token for the
// OAuth state parameter.
func GenerateState() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
