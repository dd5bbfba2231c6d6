package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/codeready-toolchain/remedy/pkg/config"
)

// StoreClient talks to the external secrets store over HTTPS. The broker
// authenticates with a bootstrap token read from a file at startup; that
// token is the only credential the broker itself holds long-term.
type StoreClient struct {
	endpoint string
	token    string
	client   *http.Client
}

// NewStoreClient builds a store client from the broker config.
func NewStoreClient(cfg config.CredentialsConfig) (*StoreClient, error) {
	if cfg.StoreEndpoint == "" {
		return nil, fmt.Errorf("credential store endpoint not configured")
	}
	raw, err := os.ReadFile(cfg.BootstrapCredentialsPath)
	if err != nil {
		return nil, fmt.Errorf("reading bootstrap credentials: %w", err)
	}
	return &StoreClient{
		endpoint: strings.TrimRight(cfg.StoreEndpoint, "/"),
		token:    strings.TrimSpace(string(raw)),
		client:   &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// storeSecret is the store's wire format for one credential version.
type storeSecret struct {
	Kind     string `json:"kind"`
	Username string `json:"username,omitempty"`
	Version  string `json:"version"`
	Secret   []byte `json:"secret"`
}

// Lookup fetches the current version of ref.
func (c *StoreClient) Lookup(ctx context.Context, ref string) (*Material, error) {
	u := c.endpoint + "/v1/credentials/" + url.PathEscape(ref)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("credential store request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("credential %q not found in store", ref)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("credential store returned %d: %s", resp.StatusCode, string(body))
	}

	var s storeSecret
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, fmt.Errorf("decoding credential store response: %w", err)
	}
	if len(s.Secret) == 0 {
		return nil, fmt.Errorf("credential %q has empty material", ref)
	}
	return &Material{Kind: s.Kind, Username: s.Username, Version: s.Version, Secret: s.Secret}, nil
}
