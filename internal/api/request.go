package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/truvis/pricestream/internal/model"
)

// Result codes carried in every response body.
const (
	rtCodeSuccess   = "0"
	msgRateLimited  = "EGW00201"
	headerTrID      = "tr_id"
	headerCustType  = "custtype"
	headerAppKey    = "appkey"
	headerAppSecret = "appsecret"
)

// ErrorKind classifies provider failures.
type ErrorKind int

const (
	KindGeneric ErrorKind = iota
	KindNotFound
	KindRateLimited
	KindNetwork
	KindTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindRateLimited:
		return "rate_limited"
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	default:
		return "generic"
	}
}

// ProviderError represents a failed upstream call.
type ProviderError struct {
	Kind       ErrorKind
	Instrument model.InstrumentID
	StatusCode int    // HTTP status, 0 if no response
	Code       string // msg_cd from the body, if any
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("provider %s", e.Kind)
	if e.Instrument != "" {
		msg += " for " + string(e.Instrument)
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Code != "" {
		msg += " [" + e.Code + "]"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsRetryable returns true if the error should trigger a retry.
func (e *ProviderError) IsRetryable() bool {
	return e.Kind == KindRateLimited
}

// IsKind reports whether err is a *ProviderError of kind k.
func IsKind(err error, k ErrorKind) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Kind == k
}

// envelope is the result header every response body carries.
type envelope struct {
	RtCd  string `json:"rt_cd"`
	MsgCd string `json:"msg_cd"`
	Msg1  string `json:"msg1"`
}

// transportError maps a failed round trip to Timeout or Network.
func transportError(err error) *ProviderError {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &ProviderError{Kind: KindTimeout, Err: err}
	}
	return &ProviderError{Kind: KindNetwork, Err: err}
}

// doRequest performs one authenticated GET.
func (c *Client) doRequest(ctx context.Context, path, trID string, query url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, transportError(err)
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, &ProviderError{Kind: KindGeneric, Message: "access token unavailable", Err: err}
	}

	fullURL := c.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(headerAppKey, c.creds.AppKey)
	req.Header.Set(headerAppSecret, c.creds.AppSecret)
	req.Header.Set(headerTrID, trID)
	req.Header.Set(headerCustType, c.customerType)

	c.requests.Add(1)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode >= 400 {
		return nil, c.statusError(resp.StatusCode, body)
	}

	// The per-second limit is also reported with a 200 status
	var env envelope
	if json.Unmarshal(body, &env) == nil && env.MsgCd == msgRateLimited {
		return nil, &ProviderError{Kind: KindRateLimited, StatusCode: resp.StatusCode, Code: env.MsgCd, Message: env.Msg1}
	}

	return body, nil
}

// statusError classifies an HTTP error response.
func (c *Client) statusError(status int, body []byte) *ProviderError {
	var env envelope
	json.Unmarshal(body, &env)

	pe := &ProviderError{
		Kind:       KindGeneric,
		StatusCode: status,
		Code:       env.MsgCd,
		Message:    env.Msg1,
	}
	if pe.Message == "" {
		pe.Message = http.StatusText(status)
	}

	switch {
	case env.MsgCd == msgRateLimited || status == http.StatusTooManyRequests:
		pe.Kind = KindRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		// Token was revoked or expired early
		c.tokens.Invalidate()
	case status == http.StatusNotFound:
		pe.Kind = KindNotFound
	}
	return pe
}

// doWithRetry performs a request, retrying rate-limited responses with
// exponential backoff.
func (c *Client) doWithRetry(ctx context.Context, path, trID string, query url.Values) ([]byte, error) {
	var lastErr error
	backoff := c.retryBackoff

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			// Add jitter: backoff * (0.5 to 1.5)
			jitter := backoff/2 + time.Duration(rand.Int64N(int64(backoff)))
			c.logger.Debug("retrying request",
				"attempt", attempt,
				"backoff", jitter,
				"path", path,
			)

			select {
			case <-ctx.Done():
				return nil, transportError(ctx.Err())
			case <-time.After(jitter):
			}

			backoff *= 2
		}

		body, err := c.doRequest(ctx, path, trID, query)
		if err == nil {
			return body, nil
		}

		lastErr = err

		// Check if error is retryable
		var pe *ProviderError
		if !errors.As(err, &pe) || !pe.IsRetryable() {
			return nil, err
		}
	}

	return nil, lastErr
}

// get performs a GET with retries and decodes the body into result.
func (c *Client) get(ctx context.Context, path, trID string, query url.Values, result any) error {
	body, err := c.doWithRetry(ctx, path, trID, query)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, result); err != nil {
		return &ProviderError{Kind: KindGeneric, Message: "unmarshal response", Err: err}
	}

	return nil
}
