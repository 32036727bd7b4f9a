package social

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"airdrop/internal/logger"
	"airdrop/internal/metrics"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	pageSize        = 100
	maxErrorBodyLen = 512
)

var (
	ErrNotConfigured = errors.New("social: client credentials not configured")
	ErrRateLimited   = errors.New("social: rate limited")
)

// RateLimitError reports an HTTP 429 from the provider. RetryAfter is zero when the
// provider did not say when the window resets.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("social: rate limited, retry after %s", e.RetryAfter)
	}
	return "social: rate limited"
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

type APIError struct {
	Endpoint string
	Status   int
	Body     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("social: %s returned %d: %s", e.Endpoint, e.Status, e.Body)
}

type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type Config struct {
	BaseURL           string
	AuthorizeURL      string
	ClientID          string
	ClientSecret      string
	BearerToken       string
	RequestsPerSecond float64
	HTTPClient        *http.Client
}

type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
}

func NewClient(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	return &Client{
		cfg:     cfg,
		http:    httpClient,
		limiter: rate.NewLimiter(limit, 1),
	}
}

// OAuthConfigured reports whether the authorization-code flow can run.
func (c *Client) OAuthConfigured() bool {
	return c.cfg.ClientID != "" && c.cfg.ClientSecret != ""
}

func (c *Client) AuthorizeURL(redirectURI, state, challenge string) (string, error) {
	if c.cfg.ClientID == "" {
		return "", ErrNotConfigured
	}

	params := url.Values{
		"response_type":         {"code"},
		"client_id":             {c.cfg.ClientID},
		"redirect_uri":          {redirectURI},
		"scope":                 {"tweet.read users.read"},
		"state":                 {state},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}

	return c.cfg.AuthorizeURL + "?" + params.Encode(), nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// ExchangeCode trades an authorization code and its PKCE verifier for an access token.
func (c *Client) ExchangeCode(ctx context.Context, code, redirectURI, verifier string) (string, error) {
	if !c.OAuthConfigured() {
		return "", ErrNotConfigured
	}

	form := url.Values{
		"code":          {code},
		"grant_type":    {"authorization_code"},
		"redirect_uri":  {redirectURI},
		"code_verifier": {verifier},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/2/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)

	var token tokenResponse
	if err := c.do(req, "oauth2_token", &token); err != nil {
		return "", err
	}
	if token.AccessToken == "" {
		return "", &APIError{Endpoint: "oauth2_token", Status: http.StatusOK, Body: "no access token in response"}
	}

	return token.AccessToken, nil
}

// Me resolves the account behind a user access token.
func (c *Client) Me(ctx context.Context, accessToken string) (*User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/2/users/me?user.fields=username", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	var payload struct {
		Data *User `json:"data"`
	}
	if err := c.do(req, "users_me", &payload); err != nil {
		return nil, err
	}
	if payload.Data == nil || payload.Data.ID == "" {
		return nil, &APIError{Endpoint: "users_me", Status: http.StatusOK, Body: "no user in response"}
	}

	return payload.Data, nil
}

type reposterPage struct {
	Data []User `json:"data"`
	Meta struct {
		NextToken string `json:"next_token"`
	} `json:"meta"`
}

// Reposters lists every account that reposted postID, following pagination to the end.
// A rate limit on any page fails the whole listing.
func (c *Client) Reposters(ctx context.Context, postID string) ([]User, error) {
	if c.cfg.BearerToken == "" {
		return nil, ErrNotConfigured
	}

	var users []User
	nextToken := ""
	for {
		params := url.Values{
			"max_results": {strconv.Itoa(pageSize)},
			"user.fields": {"username"},
		}
		if nextToken != "" {
			params.Set("pagination_token", nextToken)
		}

		endpoint := fmt.Sprintf("%s/2/tweets/%s/retweeted_by?%s", c.cfg.BaseURL, url.PathEscape(postID), params.Encode())
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.cfg.BearerToken)

		var page reposterPage
		if err := c.do(req, "retweeted_by", &page); err != nil {
			return nil, err
		}

		users = append(users, page.Data...)
		logger.Debug("social: reposters page", zap.String("post id", postID), zap.Int("page size", len(page.Data)), zap.Bool("has next", page.Meta.NextToken != ""))

		if page.Meta.NextToken == "" {
			break
		}
		nextToken = page.Meta.NextToken
	}

	return users, nil
}

// PublishPost creates a post with the app bearer token and returns its id.
func (c *Client) PublishPost(ctx context.Context, text string) (string, error) {
	if c.cfg.BearerToken == "" {
		return "", ErrNotConfigured
	}

	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/2/tweets", strings.NewReader(string(body)))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.BearerToken)
	req.Header.Set("Content-Type", "application/json")

	var payload struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := c.do(req, "create_tweet", &payload); err != nil {
		return "", err
	}
	if payload.Data.ID == "" {
		return "", &APIError{Endpoint: "create_tweet", Status: http.StatusOK, Body: "no post id in response"}
	}

	return payload.Data.ID, nil
}

func (c *Client) do(req *http.Request, endpoint string, out any) error {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.SocialRequests.WithLabelValues(endpoint, "error").Inc()
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		metrics.SocialRequests.WithLabelValues(endpoint, "rate_limited").Inc()
		_, _ = io.Copy(io.Discard, resp.Body)
		return &RateLimitError{RetryAfter: retryAfter(resp.Header, time.Now())}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.SocialRequests.WithLabelValues(endpoint, "failed").Inc()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLen))
		return &APIError{Endpoint: endpoint, Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	metrics.SocialRequests.WithLabelValues(endpoint, "ok").Inc()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("social: decode %s response: %w", endpoint, err)
	}

	return nil
}

// retryAfter reads Retry-After (seconds) or x-rate-limit-reset (unix seconds).
func retryAfter(header http.Header, now time.Time) time.Duration {
	if value := header.Get("Retry-After"); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}

	if value := header.Get("x-rate-limit-reset"); value != "" {
		if reset, err := strconv.ParseInt(value, 10, 64); err == nil {
			if wait := time.Unix(reset, 0).Sub(now); wait > 0 {
				return wait
			}
		}
	}

	return 0
}
