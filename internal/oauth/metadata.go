package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// Metadata is the RFC 8414 authorization-server document, reduced to the
// fields the flow consumes.
type Metadata struct {
	Issuer                string   `json:"issuer"`
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	RegistrationEndpoint  string   `json:"registration_endpoint,omitempty"`
	ScopesSupported       []string `json:"scopes_supported,omitempty"`
}

type protectedResource struct {
	Resource             string   `json:"resource"`
	AuthorizationServers []string `json:"authorization_servers"`
}

// origin strips a URL down to scheme://host.
func origin(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("server url %q has no scheme or host", rawURL)
	}
	return u.Scheme + "://" + u.Host, nil
}

// discoverMetadata performs resource-first discovery: the protected-resource
// document names the authorization server, whose own well-known document
// carries the endpoints. A server without a protected-resource document is
// treated as its own authorization server.
func discoverMetadata(ctx context.Context, client *http.Client, serverURL string) (*Metadata, error) {
	base, err := origin(serverURL)
	if err != nil {
		return nil, err
	}

	authServer := base
	var pr protectedResource
	if err := fetchJSON(ctx, client, base+"/.well-known/oauth-protected-resource", &pr); err == nil && len(pr.AuthorizationServers) > 0 {
		if as, err := origin(pr.AuthorizationServers[0]); err == nil {
			authServer = as
		}
	}

	var md Metadata
	if err := fetchJSON(ctx, client, authServer+"/.well-known/oauth-authorization-server", &md); err != nil {
		return nil, fmt.Errorf("authorization server metadata: %w", err)
	}
	if md.AuthorizationEndpoint == "" || md.TokenEndpoint == "" {
		return nil, fmt.Errorf("metadata from %s is missing endpoints", authServer)
	}
	return &md, nil
}

func fetchJSON(ctx context.Context, client *http.Client, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch %s: http %d", u, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read %s: %w", u, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parse %s: %w", u, err)
	}
	return nil
}
