// Package auth obtains broker credentials: the WebSocket approval key used in
// subscribe frames and the OAuth access token used by the REST API.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Endpoint paths on the broker REST host.
const (
	ApprovalPath = "/oauth2/Approval"
	TokenPath    = "/oauth2/tokenP"
)

var (
	ErrMissingCredentials = errors.New("app key and app secret are required")
	ErrEmptyApprovalKey   = errors.New("approval response has no approval_key")
	ErrEmptyAccessToken   = errors.New("token response has no access_token")
)

// Credentials holds the app key pair issued by the broker.
type Credentials struct {
	AppKey    string
	AppSecret string
}

// Validate checks both halves of the key pair are present.
func (c Credentials) Validate() error {
	if c.AppKey == "" || c.AppSecret == "" {
		return ErrMissingCredentials
	}
	return nil
}

// StatusError is a non-2xx response from an authorization endpoint.
type StatusError struct {
	Path       string
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("auth %s: status %d: %s", e.Path, e.StatusCode, bytes.TrimSpace(e.Body))
}

// Token is an issued REST access token.
type Token struct {
	AccessToken string
	TokenType   string
	ExpiresAt   time.Time
}

// Valid reports whether the token can still be used at now, keeping margin
// in reserve before the real expiry.
func (t Token) Valid(now time.Time, margin time.Duration) bool {
	return t.AccessToken != "" && now.Add(margin).Before(t.ExpiresAt)
}

// Client talks to the broker authorization endpoints.
type Client struct {
	baseURL    string
	creds      Credentials
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates an authorization client for baseURL.
func NewClient(baseURL string, creds Credentials, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    baseURL,
		creds:      creds,
		httpClient: httpClient,
		logger:     logger,
	}
}

type approvalRequest struct {
	GrantType string `json:"grant_type"`
	AppKey    string `json:"appkey"`
	SecretKey string `json:"secretkey"`
}

type approvalResponse struct {
	ApprovalKey string `json:"approval_key"`
}

// IssueApprovalKey requests a fresh WebSocket approval key.
func (c *Client) IssueApprovalKey(ctx context.Context) (string, error) {
	if err := c.creds.Validate(); err != nil {
		return "", err
	}

	var resp approvalResponse
	err := c.post(ctx, ApprovalPath, approvalRequest{
		GrantType: "client_credentials",
		AppKey:    c.creds.AppKey,
		SecretKey: c.creds.AppSecret,
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.ApprovalKey == "" {
		return "", ErrEmptyApprovalKey
	}

	c.logger.Debug("approval key issued")
	return resp.ApprovalKey, nil
}

type tokenRequest struct {
	GrantType string `json:"grant_type"`
	AppKey    string `json:"appkey"`
	AppSecret string `json:"appsecret"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"` // seconds
}

// IssueToken requests a new REST access token.
func (c *Client) IssueToken(ctx context.Context) (Token, error) {
	if err := c.creds.Validate(); err != nil {
		return Token{}, err
	}

	issuedAt := time.Now()
	var resp tokenResponse
	err := c.post(ctx, TokenPath, tokenRequest{
		GrantType: "client_credentials",
		AppKey:    c.creds.AppKey,
		AppSecret: c.creds.AppSecret,
	}, &resp)
	if err != nil {
		return Token{}, err
	}
	if resp.AccessToken == "" {
		return Token{}, ErrEmptyAccessToken
	}

	tok := Token{
		AccessToken: resp.AccessToken,
		TokenType:   resp.TokenType,
		ExpiresAt:   issuedAt.Add(time.Duration(resp.ExpiresIn) * time.Second),
	}
	c.logger.Info("access token issued", "expires_at", tok.ExpiresAt)
	return tok, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return &StatusError{Path: path, StatusCode: resp.StatusCode, Body: data}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal %s response: %w", path, err)
	}
	return nil
}

// TokenIssuer issues REST access tokens.
type TokenIssuer interface {
	IssueToken(ctx context.Context) (Token, error)
}

// TokenSource caches an access token and re-issues it once it enters the
// refresh margin.
type TokenSource struct {
	issuer TokenIssuer
	margin time.Duration
	now    func() time.Time

	mu    sync.Mutex
	token Token
}

// NewTokenSource wraps issuer with caching.
func NewTokenSource(issuer TokenIssuer, margin time.Duration) *TokenSource {
	return &TokenSource{
		issuer: issuer,
		margin: margin,
		now:    time.Now,
	}
}

// Token returns a valid access token, issuing a new one when needed.
// Concurrent callers share a single issue request.
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token.Valid(s.now(), s.margin) {
		return s.token.AccessToken, nil
	}

	tok, err := s.issuer.IssueToken(ctx)
	if err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	s.token = tok
	return tok.AccessToken, nil
}

// Valid reports whether a usable token is cached.
func (s *TokenSource) Valid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token.Valid(s.now(), s.margin)
}

// Invalidate drops the cached token so the next call re-issues.
func (s *TokenSource) Invalidate() {
	s.mu.Lock()
	s.token = Token{}
	s.mu.Unlock()
}
