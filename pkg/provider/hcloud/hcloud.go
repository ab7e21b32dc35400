// Package hcloud implements the provider interface against the Hetzner
// Cloud REST API. Transient HTTP failures (429, 5xx) are retried with
// capped exponential backoff; authentication and validation failures
// surface immediately.
package hcloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/skiffhq/skiff/pkg/engine"
	"github.com/skiffhq/skiff/pkg/provider"
)

const defaultEndpoint = "https://api.hetzner.cloud/v1"

// sshKeyName is the name skiff manages its access key under.
const sshKeyName = "skiff"

func init() {
	provider.Register("hcloud", New)
}

// Client talks to one Hetzner Cloud project.
type Client struct {
	token    string
	endpoint string
	http     *http.Client

	// newBackOff builds the retry policy for one request; swappable in
	// tests to avoid real sleeps.
	newBackOff func() backoff.BackOff
}

// New constructs the hcloud provider from settings.
func New(cfg provider.Settings) (provider.Provider, error) {
	if cfg.Token == "" {
		return nil, engine.NewValidationError("hcloud: API token is required", nil)
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	return &Client{
		token:    cfg.Token,
		endpoint: strings.TrimRight(endpoint, "/"),
		http:     &http.Client{Timeout: 30 * time.Second},
		newBackOff: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = 500 * time.Millisecond
			bo.MaxInterval = 10 * time.Second
			bo.MaxElapsedTime = time.Minute
			return bo
		},
	}, nil
}

// Name implements provider.Provider.
func (c *Client) Name() string { return "hcloud" }

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

type serverResource struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	Created   string `json:"created"`
	PublicNet struct {
		IPv4 struct {
			IP string `json:"ip"`
		} `json:"ipv4"`
		IPv6 struct {
			IP string `json:"ip"`
		} `json:"ipv6"`
	} `json:"public_net"`
	PrivateNet []struct {
		IP string `json:"ip"`
	} `json:"private_net"`
}

// Create implements provider.Provider. The returned instance carries the
// backend identifier even when the server is still initializing.
func (c *Client) Create(ctx context.Context, spec provider.InstanceSpec) (*provider.Instance, error) {
	var sshKeys []string
	if spec.SSHPublicKey != "" {
		keyID, err := c.ensureSSHKey(ctx, spec.SSHPublicKey)
		if err != nil {
			return nil, err
		}
		sshKeys = append(sshKeys, keyID)
	}

	body := map[string]any{
		"name":        spec.Name,
		"server_type": spec.ServerType,
		"image":       spec.Image,
		"location":    spec.Region,
	}
	if len(sshKeys) > 0 {
		body["ssh_keys"] = sshKeys
	}
	if len(spec.Labels) > 0 {
		body["labels"] = spec.Labels
	}

	var resp struct {
		Server serverResource `json:"server"`
	}
	if err := c.do(ctx, http.MethodPost, "/servers", body, &resp); err != nil {
		return nil, err
	}
	return c.toInstance(&resp.Server), nil
}

// Status implements provider.Provider.
func (c *Client) Status(ctx context.Context, id string) (provider.InstanceStatus, error) {
	var resp struct {
		Server serverResource `json:"server"`
	}
	if err := c.do(ctx, http.MethodGet, "/servers/"+id, nil, &resp); err != nil {
		return "", err
	}
	return mapStatus(resp.Server.Status), nil
}

// Destroy implements provider.Provider. A 404 from the backend means the
// server is already gone and counts as success.
func (c *Client) Destroy(ctx context.Context, id string) error {
	err := c.do(ctx, http.MethodDelete, "/servers/"+id, nil, nil)
	if err != nil && isNotFound(err) {
		return nil
	}
	return err
}

// serverPlans is static advisory pricing for the common shared-vCPU plans.
// No live pricing call is made; the URL points at the authoritative source.
var serverPlans = map[string]string{
	"cx22": "2 vCPU, 4 GB RAM, 40 GB SSD",
	"cx32": "4 vCPU, 8 GB RAM, 80 GB SSD",
	"cx42": "8 vCPU, 16 GB RAM, 160 GB SSD",
	"cx52": "16 vCPU, 32 GB RAM, 320 GB SSD",
}

// EstimateCost implements provider.Provider.
func (c *Client) EstimateCost(spec provider.InstanceSpec) (*provider.CostEstimate, error) {
	est := &provider.CostEstimate{
		Provider:   "hcloud",
		Plan:       spec.ServerType,
		Region:     spec.Region,
		PricingURL: "https://www.hetzner.com/cloud#pricing",
	}
	if desc, ok := serverPlans[spec.ServerType]; ok {
		est.Plan = fmt.Sprintf("%s (%s)", spec.ServerType, desc)
	} else {
		est.Warning = fmt.Sprintf("unknown server type %q, check the pricing page", spec.ServerType)
	}
	return est, nil
}

// ensureSSHKey uploads the public key under the managed name, reusing an
// existing key with that name.
func (c *Client) ensureSSHKey(ctx context.Context, publicKey string) (string, error) {
	var list struct {
		SSHKeys []struct {
			ID        int64  `json:"id"`
			Name      string `json:"name"`
			PublicKey string `json:"public_key"`
		} `json:"ssh_keys"`
	}
	if err := c.do(ctx, http.MethodGet, "/ssh_keys?name="+sshKeyName, nil, &list); err != nil {
		return "", err
	}
	for _, k := range list.SSHKeys {
		if k.Name == sshKeyName {
			return strconv.FormatInt(k.ID, 10), nil
		}
	}

	var created struct {
		SSHKey struct {
			ID int64 `json:"id"`
		} `json:"ssh_key"`
	}
	body := map[string]any{"name": sshKeyName, "public_key": publicKey}
	if err := c.do(ctx, http.MethodPost, "/ssh_keys", body, &created); err != nil {
		return "", err
	}
	return strconv.FormatInt(created.SSHKey.ID, 10), nil
}

// do performs one API request with retry on transient failures. The
// classified error from the final attempt is returned unchanged.
func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return engine.NewValidationError("hcloud: encode request", err)
		}
	}

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(engine.NewValidationError("hcloud: build request", err))
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			// Network-level failures are retryable.
			return engine.NewProvisioningError("hcloud: request failed", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if out == nil {
				_, _ = io.Copy(io.Discard, resp.Body)
				return nil
			}
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return backoff.Permanent(engine.NewProvisioningError("hcloud: decode response", err))
			}
			return nil
		}

		apiErr := decodeError(resp)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return apiErr
		}
		return backoff.Permanent(apiErr)
	}

	return backoff.Retry(operation, backoff.WithContext(c.newBackOff(), ctx))
}

// decodeError maps an API error response into the classified taxonomy.
func decodeError(resp *http.Response) error {
	var er errorResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	_ = json.Unmarshal(raw, &er)
	msg := er.Error.Message
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	if msg == "" {
		msg = resp.Status
	}

	// Quota rejections are checked before the status code: the API
	// delivers resource_limit_exceeded with a 403, and a full account is
	// not a credentials problem.
	switch {
	case er.Error.Code == "resource_limit_exceeded" || er.Error.Code == "resource_unavailable":
		return engine.NewQuotaError("hcloud: "+msg, nil)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return engine.NewAuthenticationError("hcloud: "+msg, nil)
	case resp.StatusCode == http.StatusNotFound:
		return &notFoundError{msg: msg}
	default:
		return engine.NewProvisioningError(fmt.Sprintf("hcloud: %s (status %d)", msg, resp.StatusCode), nil)
	}
}

type notFoundError struct{ msg string }

func (e *notFoundError) Error() string { return "hcloud: not found: " + e.msg }

func isNotFound(err error) bool {
	_, ok := err.(*notFoundError)
	return ok
}

// mapStatus folds hcloud's native server states into the four-way
// taxonomy. Hetzner has no explicit failed state; unknown maps to failed
// so the poller stops instead of spinning.
func mapStatus(native string) provider.InstanceStatus {
	switch native {
	case "running":
		return provider.StatusRunning
	case "initializing", "starting", "migrating", "rebuilding":
		return provider.StatusPending
	case "off", "stopping", "deleting":
		return provider.StatusStopped
	default:
		return provider.StatusFailed
	}
}

// toInstance normalizes a server resource, selecting the routable address.
func (c *Client) toInstance(s *serverResource) *provider.Instance {
	var addrs []provider.Address
	if s.PublicNet.IPv4.IP != "" {
		addrs = append(addrs, provider.Address{Addr: s.PublicNet.IPv4.IP, Public: true})
	}
	if ip := strings.TrimSuffix(s.PublicNet.IPv6.IP, "/64"); ip != "" {
		addrs = append(addrs, provider.Address{Addr: ip, Public: true})
	}
	for _, p := range s.PrivateNet {
		addrs = append(addrs, provider.Address{Addr: p.IP})
	}

	created, _ := time.Parse(time.RFC3339, s.Created)
	return &provider.Instance{
		ID:      strconv.FormatInt(s.ID, 10),
		Name:    s.Name,
		Address: provider.SelectAddress(addrs),
		Status:  mapStatus(s.Status),
		Created: created,
	}
}
