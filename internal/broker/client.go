package broker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/Kimssss/kis-autotrader/internal/observ"
)

// Doer is the transport seam; *http.Client in production, a fake in tests.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ClientConfig tunes the retry policy. Zero values get defaults.
type ClientConfig struct {
	BaseURL      string        // override of the environment host, used by stubs
	MaxRetries   int           // default 3
	NetworkDelay time.Duration // fixed pause after a network fault, default 1s
	Timeout      time.Duration // per-request, default 30s
}

func (c *ClientConfig) setDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.NetworkDelay <= 0 {
		c.NetworkDelay = time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
}

// Client is the single path every outbound broker call takes: rate limit,
// bearer injection, transport, and the classified retry policy. Failures come
// back as error values from the taxonomy in errors.go; nothing above this
// layer sees raw HTTP.
type Client struct {
	cred    Credential
	baseURL string
	cfg     ClientConfig
	httpc   Doer
	limiter *RateLimiter
	tokens  *TokenManager
	log     zerolog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient wires the limiter and token manager in front of the transport.
func NewClient(cred Credential, cfg ClientConfig, limiter *RateLimiter, tokens *TokenManager, log zerolog.Logger) *Client {
	cfg.setDefaults()
	base := cfg.BaseURL
	if base == "" {
		base = cred.Env.BaseURL()
	}
	return &Client{
		cred:    cred,
		baseURL: base,
		cfg:     cfg,
		httpc:   &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		tokens:  tokens,
		log:     log.With().Str("component", "client").Logger(),
		sleep:   sleepCtx,
	}
}

// Send performs one logical API call. headers carries the operation's tr_id
// and friends; query is encoded for GETs, body sent for POSTs. endpoint names
// the rate-limit bucket.
//
// Outcome policy: 200 returns the body; 500 retries with exponential backoff;
// 429 retries with linear backoff; 401/403 forces one token reissue then
// fails AuthError; any other status is a ProtocolError; network faults retry
// with a short fixed delay.
func (c *Client) Send(ctx context.Context, method, path string, headers map[string]string, query url.Values, body []byte, endpoint string) ([]byte, error) {
	var lastErr error
	authRetried := false

	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if err := c.limiter.Acquire(ctx, endpoint); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}

		tok, err := c.tokens.EnsureValid(ctx)
		if err != nil {
			return nil, err
		}

		req, err := c.buildRequest(ctx, method, path, headers, query, body, tok)
		if err != nil {
			return nil, err
		}

		if attempt > 0 {
			observ.APIRetriesTotal.WithLabelValues(endpoint).Inc()
		}
		c.log.Debug().Str("endpoint", endpoint).Int("attempt", attempt).Str("method", method).Str("path", path).Msg("request")

		resp, err := c.httpc.Do(req)
		if err != nil {
			observ.APIRequestsTotal.WithLabelValues(endpoint, "network_error").Inc()
			lastErr = fmt.Errorf("network: %w", err)
			c.logFailure(endpoint, attempt, headers, err)
			if attempt < c.cfg.MaxRetries-1 {
				if serr := c.sleep(ctx, c.cfg.NetworkDelay); serr != nil {
					return nil, serr
				}
			}
			continue
		}

		raw, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			observ.APIRequestsTotal.WithLabelValues(endpoint, "network_error").Inc()
			lastErr = fmt.Errorf("read body: %w", readErr)
			c.logFailure(endpoint, attempt, headers, lastErr)
			if attempt < c.cfg.MaxRetries-1 {
				if serr := c.sleep(ctx, c.cfg.NetworkDelay); serr != nil {
					return nil, serr
				}
			}
			continue
		}

		observ.APIRequestsTotal.WithLabelValues(endpoint, fmt.Sprintf("%dxx", resp.StatusCode/100)).Inc()

		switch {
		case resp.StatusCode == http.StatusOK:
			return raw, nil

		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("server error %d: %s", resp.StatusCode, truncate(string(raw), 200))
			c.logFailure(endpoint, attempt, headers, lastErr)
			if attempt < c.cfg.MaxRetries-1 {
				if serr := c.sleep(ctx, time.Duration(1<<uint(attempt))*time.Second); serr != nil {
					return nil, serr
				}
			}

		case resp.StatusCode == http.StatusTooManyRequests:
			lastErr = fmt.Errorf("throttled: %s", truncate(string(raw), 200))
			c.logFailure(endpoint, attempt, headers, lastErr)
			if attempt < c.cfg.MaxRetries-1 {
				if serr := c.sleep(ctx, time.Duration(5*(attempt+1))*time.Second); serr != nil {
					return nil, serr
				}
			}

		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			if authRetried {
				return nil, &AuthError{Message: fmt.Sprintf("%s rejected twice with %d", endpoint, resp.StatusCode)}
			}
			authRetried = true
			c.log.Warn().Str("endpoint", endpoint).Int("status", resp.StatusCode).Msg("bearer rejected, refreshing token")
			if _, err := c.tokens.Issue(ctx); err != nil {
				return nil, err
			}
			attempt-- // the auth retry does not consume a transport attempt
			continue

		default:
			c.logFailure(endpoint, attempt, headers, fmt.Errorf("status %d", resp.StatusCode))
			return nil, &ProtocolError{Endpoint: endpoint, Status: resp.StatusCode, Body: truncate(string(raw), 200)}
		}
	}

	return nil, &TransientError{Endpoint: endpoint, Attempts: c.cfg.MaxRetries, Cause: lastErr}
}

func (c *Client) buildRequest(ctx context.Context, method, path string, headers map[string]string, query url.Values, body []byte, tok *Token) (*http.Request, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("content-type", "application/json; charset=utf-8")
	req.Header.Set("authorization", "Bearer "+tok.Value)
	req.Header.Set("appkey", c.cred.AppKey)
	req.Header.Set("appsecret", c.cred.AppSecret)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

func (c *Client) logFailure(endpoint string, attempt int, headers map[string]string, err error) {
	c.log.Warn().
		Str("endpoint", endpoint).
		Int("attempt", attempt).
		Interface("headers", observ.RedactHeaders(headers)).
		Err(err).
		Msg("attempt failed")
}
