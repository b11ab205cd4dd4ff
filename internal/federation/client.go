package federation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/meshtask/meshd/internal/backoff"
	"github.com/meshtask/meshd/internal/errs"
)

// ClientConfig tunes the outbound HTTP client, grounded on
// original_source/cis-core/src/matrix/federation/client.rs's FederationClient::new
// defaults (30s request timeout, 60s pool-idle timeout, 10 max idle
// connections per host, 3 retries).
type ClientConfig struct {
	Timeout         time.Duration
	PoolIdleTimeout time.Duration
	MaxIdlePerHost  int
	MaxRetries      int
	InitialBackoff  time.Duration
}

// DefaultClientConfig returns client.rs's FederationClient::new defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:         30 * time.Second,
		PoolIdleTimeout: 60 * time.Second,
		MaxIdlePerHost:  10,
		MaxRetries:      3,
		InitialBackoff:  100 * time.Millisecond,
	}
}

// Client sends events to federated peers over HTTP.
type Client struct {
	http   *resty.Client
	cfg    ClientConfig
	logger *slog.Logger
}

// NewClient builds a Client with cfg.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	transport := &http.Transport{
		MaxIdleConnsPerHost: cfg.MaxIdlePerHost,
		IdleConnTimeout:     cfg.PoolIdleTimeout,
	}
	rc := resty.New().
		SetTransport(transport).
		SetTimeout(cfg.Timeout)
	return &Client{http: rc, cfg: cfg, logger: logger}
}

// rejected is a terminal (non-retryable) rejection from a peer, mirroring
// client.rs's FederationClientError::Rejected special-cased on 4xx status.
type rejected struct {
	status int
	body   string
}

func (r rejected) Error() string { return fmt.Sprintf("peer rejected event: HTTP %d: %s", r.status, r.body) }

func (r rejected) terminal() bool { return r.status >= 400 && r.status < 500 }

// SendEvent posts event to peer's receive endpoint once, with no retry.
func (c *Client) SendEvent(ctx context.Context, peer Peer, event Event) (ReceiveResponse, error) {
	url := peer.BaseURL() + APIVersion + "/event/receive"

	var out ReceiveResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(event).
		SetResult(&out).
		Post(url)
	if err != nil {
		return ReceiveResponse{}, fmt.Errorf("%w: sending event %s to %s: %s", errs.ErrNetwork, event.EventID, peer.ServerName, err)
	}
	if resp.IsSuccess() {
		if !out.Accepted {
			c.logger.Warn("event rejected by peer", "event_id", event.EventID, "peer", peer.ServerName, "reason", out.Error)
		}
		return out, nil
	}
	return ReceiveResponse{}, rejected{status: resp.StatusCode(), body: string(resp.Body())}
}

// SendEventWithRetry retries SendEvent with exponential backoff, stopping
// immediately on a 4xx rejection (client error, not worth retrying), per
// client.rs's send_event_with_retry.
func (c *Client) SendEventWithRetry(ctx context.Context, peer Peer, event Event) (ReceiveResponse, error) {
	policy := backoff.WithJitter(
		&backoff.ExponentialBackoffPolicy{
			InitialInterval: c.cfg.InitialBackoff,
			BackoffFactor:   2.0,
			MaxInterval:     10 * time.Second,
			MaxRetries:      c.cfg.MaxRetries,
		},
		backoff.FullJitter,
	)
	retrier := backoff.NewRetrier(policy)

	var lastErr error
	for attempt := 0; ; attempt++ {
		resp, err := c.SendEvent(ctx, peer, event)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		var rj rejected
		if errors.As(err, &rj) && rj.terminal() {
			return ReceiveResponse{}, err
		}

		if waitErr := retrier.Next(ctx, err); waitErr != nil {
			if waitErr == backoff.ErrRetriesExhausted {
				return ReceiveResponse{}, fmt.Errorf("%w: %s", errs.ErrNetwork, lastErr)
			}
			return ReceiveResponse{}, waitErr
		}
		c.logger.Debug("retrying federated send", "peer", peer.ServerName, "attempt", attempt+1)
	}
}

// Broadcast sends event to every peer sequentially, per client.rs's
// broadcast_event.
func (c *Client) Broadcast(ctx context.Context, peers []Peer, event Event) map[string]Result {
	results := make(map[string]Result, len(peers))
	for _, p := range peers {
		resp, err := c.SendEventWithRetry(ctx, p, event)
		results[p.ServerName] = Result{ServerName: p.ServerName, Response: resp, Err: err}
	}
	return results
}

// BroadcastParallel sends event to every peer concurrently, per client.rs's
// broadcast_event_parallel.
func (c *Client) BroadcastParallel(ctx context.Context, peers []Peer, event Event) map[string]Result {
	results := make(map[string]Result, len(peers))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, p := range peers {
		wg.Add(1)
		go func(p Peer) {
			defer wg.Done()
			resp, err := c.SendEventWithRetry(ctx, p, event)
			mu.Lock()
			results[p.ServerName] = Result{ServerName: p.ServerName, Response: resp, Err: err}
			mu.Unlock()
		}(p)
	}
	wg.Wait()
	return results
}

// FetchServerKey fetches a peer's federation server key document, per
// client.rs's fetch_server_key implementing /_matrix/key/v2/server.
func (c *Client) FetchServerKey(ctx context.Context, peer Peer) (map[string]any, error) {
	url := peer.BaseURL() + "/_matrix/key/v2/server"
	var out map[string]any
	resp, err := c.http.R().SetContext(ctx).SetResult(&out).Get(url)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching server key from %s: %s", errs.ErrNetwork, peer.ServerName, err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("%w: HTTP %d fetching server key from %s", errs.ErrNetwork, resp.StatusCode(), peer.ServerName)
	}
	return out, nil
}

// HealthCheck reports whether peer responds to its server-key endpoint
// within 5 seconds, per client.rs's health_check.
func (c *Client) HealthCheck(ctx context.Context, peer Peer) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := c.FetchServerKey(ctx, peer)
	return err == nil
}
