package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Kimssss/kis-autotrader/internal/observ"
)

// Environment selects the broker host and transaction codes. Paper and live
// share request/response shapes but use distinct hosts and tr_id codes.
type Environment string

const (
	Paper Environment = "paper"
	Live  Environment = "live"
)

// BaseURL returns the REST host for the environment.
func (e Environment) BaseURL() string {
	if e == Live {
		return "https://openapi.koreainvestment.com:9443"
	}
	return "https://openapivts.koreainvestment.com:29443"
}

// Credential identifies one brokerage app registration. Immutable once loaded.
type Credential struct {
	AppKey    string
	AppSecret string
	AccountNo string // "12345678-01"
	Env       Environment
}

// Token is a bearer credential for the broker API. Replaced wholesale on
// refresh, never mutated.
type Token struct {
	Value     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Valid reports whether the token is usable at time now.
func (t *Token) Valid(now time.Time) bool {
	return t != nil && t.Value != "" && now.Before(t.ExpiresAt)
}

// tokenCacheRecord is the on-disk shape. Best-effort reuse across restarts;
// not a cross-process lock.
type tokenCacheRecord struct {
	AccessToken string    `json:"token"`
	ExpiresAt   time.Time `json:"expires_at"`
	SavedAt     time.Time `json:"saved_at"`
}

// TokenManagerConfig holds issuance tuning. Zero values get defaults.
type TokenManagerConfig struct {
	SafetyMargin   time.Duration // shaved off the server TTL, default 5m
	RetryCount     int           // non-rate-limit failures, default 3
	RetryDelay     time.Duration // default 2s
	RateLimitPause time.Duration // issuer allows ~1 issuance/min, default 60s
	CacheDir       string        // default "cache"
	BaseURL        string        // override of the environment host, used by stubs
}

func (c *TokenManagerConfig) setDefaults() {
	if c.SafetyMargin <= 0 {
		c.SafetyMargin = 5 * time.Minute
	}
	if c.RetryCount <= 0 {
		c.RetryCount = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	if c.RateLimitPause <= 0 {
		c.RateLimitPause = 60 * time.Second
	}
	if c.CacheDir == "" {
		c.CacheDir = "cache"
	}
}

// TokenManager owns the single live token for one credential. Issuance is
// mutually exclusive: a second caller arriving while a request is in flight
// blocks on the mutex and reuses the fresh token instead of double-issuing.
type TokenManager struct {
	cred    Credential
	baseURL string
	cfg     TokenManagerConfig
	httpc   *http.Client
	log     zerolog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu  sync.Mutex
	tok *Token
}

// NewTokenManager builds a manager and loads any still-valid cached token
// from disk.
func NewTokenManager(cred Credential, cfg TokenManagerConfig, log zerolog.Logger) *TokenManager {
	cfg.setDefaults()
	base := cfg.BaseURL
	if base == "" {
		base = cred.Env.BaseURL()
	}
	tm := &TokenManager{
		cred:    cred,
		baseURL: base,
		cfg:     cfg,
		httpc:   &http.Client{Timeout: 10 * time.Second},
		log:     log.With().Str("component", "token").Logger(),
		now:     time.Now,
		sleep:   sleepCtx,
	}
	tm.loadCache()
	return tm
}

// EnsureValid returns the cached token if it has not expired, issuing a new
// one otherwise.
func (tm *TokenManager) EnsureValid(ctx context.Context) (*Token, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.tok.Valid(tm.now()) {
		return tm.tok, nil
	}
	return tm.issueLocked(ctx)
}

// Issue forces a fresh token, discarding any cached one. Used after the
// broker rejects the current bearer with 401/403.
func (tm *TokenManager) Issue(ctx context.Context) (*Token, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.tok = nil
	return tm.issueLocked(ctx)
}

// issueLocked performs the POST /oauth2/tokenP exchange. Caller holds tm.mu,
// which is what serializes concurrent refresh attempts.
func (tm *TokenManager) issueLocked(ctx context.Context) (*Token, error) {
	// A concurrent caller may have refreshed while we waited on the mutex.
	if tm.tok.Valid(tm.now()) {
		return tm.tok, nil
	}

	var lastErr error
	ratePaused := false
	for attempt := 0; attempt < tm.cfg.RetryCount; attempt++ {
		tok, retryable, rateLimited, err := tm.requestToken(ctx)
		if err == nil {
			tm.tok = tok
			tm.saveCache(tok)
			observ.TokenIssuesTotal.Inc()
			tm.log.Info().Time("expires_at", tok.ExpiresAt).Msg("token issued")
			return tok, nil
		}
		lastErr = err

		if rateLimited && !ratePaused {
			// The issuer meters issuance coarsely (~1/min). Wait out the
			// window once, then try again.
			ratePaused = true
			tm.log.Warn().Dur("pause", tm.cfg.RateLimitPause).Msg("token issuance rate limited")
			if serr := tm.sleep(ctx, tm.cfg.RateLimitPause); serr != nil {
				return nil, &AuthError{Message: "token issuance interrupted", Cause: serr}
			}
			attempt--
			continue
		}
		if !retryable {
			break
		}
		if attempt < tm.cfg.RetryCount-1 {
			if serr := tm.sleep(ctx, tm.cfg.RetryDelay); serr != nil {
				return nil, &AuthError{Message: "token issuance interrupted", Cause: serr}
			}
		}
	}
	return nil, &AuthError{Message: "token issuance failed", Cause: lastErr}
}

// requestToken does a single exchange. It reports whether a failure is worth
// retrying and whether it was the issuer's coarse rate limit.
func (tm *TokenManager) requestToken(ctx context.Context) (tok *Token, retryable, rateLimited bool, err error) {
	body, _ := json.Marshal(map[string]string{
		"grant_type": "client_credentials",
		"appkey":     tm.cred.AppKey,
		"appsecret":  tm.cred.AppSecret,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tm.baseURL+"/oauth2/tokenP", bytes.NewReader(body))
	if err != nil {
		return nil, false, false, err
	}
	req.Header.Set("content-type", "application/json")

	resp, err := tm.httpc.Do(req)
	if err != nil {
		return nil, true, false, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, false, fmt.Errorf("token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		// EGW00133 is the issuer's "token requested too frequently" code.
		if resp.StatusCode == http.StatusTooManyRequests || strings.Contains(string(raw), "EGW00133") {
			return nil, true, true, fmt.Errorf("token rate limited: %s", truncate(string(raw), 200))
		}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return nil, false, false, fmt.Errorf("credentials rejected (%d): %s", resp.StatusCode, truncate(string(raw), 200))
		}
		return nil, true, false, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var parsed struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, true, false, fmt.Errorf("token parse: %w", err)
	}
	if parsed.AccessToken == "" {
		return nil, false, false, fmt.Errorf("token response missing access_token: %s", truncate(string(raw), 200))
	}

	ttl := time.Duration(parsed.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	now := tm.now()
	return &Token{
		Value:     parsed.AccessToken,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl - tm.cfg.SafetyMargin),
	}, false, false, nil
}

func (tm *TokenManager) cachePath() string {
	prefix := tm.cred.AppKey
	if len(prefix) > 10 {
		prefix = prefix[:10]
	}
	return filepath.Join(tm.cfg.CacheDir, fmt.Sprintf("token_%s_%s.json", tm.cred.Env, prefix))
}

func (tm *TokenManager) loadCache() {
	raw, err := os.ReadFile(tm.cachePath())
	if err != nil {
		return
	}
	var rec tokenCacheRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		tm.log.Warn().Err(err).Msg("token cache unreadable, ignoring")
		return
	}
	if rec.AccessToken == "" || !tm.now().Before(rec.ExpiresAt) {
		return
	}
	tm.tok = &Token{Value: rec.AccessToken, IssuedAt: rec.SavedAt, ExpiresAt: rec.ExpiresAt}
	tm.log.Info().Time("expires_at", rec.ExpiresAt).Msg("reusing cached token")
}

// saveCache is best-effort: a failed write never fails issuance.
func (tm *TokenManager) saveCache(tok *Token) {
	rec := tokenCacheRecord{AccessToken: tok.Value, ExpiresAt: tok.ExpiresAt, SavedAt: tm.now()}
	raw, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(tm.cfg.CacheDir, 0o755); err != nil {
		tm.log.Warn().Err(err).Msg("token cache dir")
		return
	}
	tmp := tm.cachePath() + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		tm.log.Warn().Err(err).Msg("token cache write")
		return
	}
	if err := os.Rename(tmp, tm.cachePath()); err != nil {
		os.Remove(tmp)
		tm.log.Warn().Err(err).Msg("token cache rename")
	}
}

// sleepCtx waits for d or until ctx is cancelled, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
