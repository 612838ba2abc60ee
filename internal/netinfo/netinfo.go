// Package netinfo resolves the outbound network identity of this host.
package netinfo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Identity is the public address and its country code.
type Identity struct {
	IP      string `json:"ip"`
	Country string `json:"country"`
}

// Resolver queries an ipinfo-style JSON endpoint.
type Resolver struct {
	endpoint   string
	httpClient *http.Client
}

func New(endpoint string, httpClient *http.Client) *Resolver {
	if endpoint == "" {
		endpoint = "https://ipinfo.io/json"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Resolver{endpoint: endpoint, httpClient: httpClient}
}

func (r *Resolver) Lookup(ctx context.Context) (Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint, nil)
	if err != nil {
		return Identity{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return Identity{}, fmt.Errorf("lookup network identity: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return Identity{}, fmt.Errorf("lookup network identity: unexpected status %s", resp.Status)
	}

	var id Identity
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&id); err != nil {
		return Identity{}, fmt.Errorf("decode network identity: %w", err)
	}
	id.IP = strings.TrimSpace(id.IP)
	id.Country = strings.ToUpper(strings.TrimSpace(id.Country))
	if id.IP == "" {
		return Identity{}, fmt.Errorf("lookup network identity: empty ip in response")
	}
	return id, nil
}
