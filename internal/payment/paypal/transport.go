package paypal

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/payment-orchestrator/internal/constants"
	"github.com/payment-orchestrator/internal/payment"
)

// 令牌在到期前一分钟视为失效
const tokenRefreshMargin = time.Minute

type cachedToken struct {
	value     string
	expiresAt time.Time
}

// accessToken 返回缓存的 OAuth2 令牌，过期后用 client credentials 重新换取
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	if c.token.value != "" && c.now().Before(c.token.expiresAt) {
		return c.token.value, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", payment.NewError(payment.ErrProviderAuth, constants.ProviderPaypal, "token_request", "build token request failed", 0, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)

	body, status, err := c.send(req)
	if err != nil {
		return "", payment.ClassifyTransportError(constants.ProviderPaypal, err)
	}
	if status < 200 || status >= 300 {
		var apiErr apiError
		_ = json.Unmarshal(body, &apiErr)
		if status == http.StatusBadRequest && apiErr.code() == "invalid_client" {
			return "", payment.NewError(payment.ErrProviderAuth, constants.ProviderPaypal, apiErr.code(), apiErr.message(), status, nil)
		}
		return "", payment.ClassifyHTTPStatus(constants.ProviderPaypal, status, apiErr.code(), apiErr.message())
	}
	var granted accessTokenResponse
	if err := json.Unmarshal(body, &granted); err != nil {
		return "", payment.NewError(payment.ErrProviderUnavailable, constants.ProviderPaypal, "invalid_response", "decode token response failed", status, err)
	}
	if strings.TrimSpace(granted.AccessToken) == "" {
		return "", payment.NewError(payment.ErrProviderAuth, constants.ProviderPaypal, "empty_token", "access_token is empty", status, nil)
	}
	c.token = cachedToken{value: granted.AccessToken}
	if ttl := time.Duration(granted.ExpiresIn)*time.Second - tokenRefreshMargin; ttl > 0 {
		c.token.expiresAt = c.now().Add(ttl)
	}
	return granted.AccessToken, nil
}

func (c *Client) dropToken() {
	c.tokenMu.Lock()
	c.token = cachedToken{}
	c.tokenMu.Unlock()
}

// call 发送一次带令牌的 JSON 请求，成功时解码到 out，失败时按 PayPal 错误结构归类
func (c *Client) call(ctx context.Context, method, path, idempotencyKey string, in, out interface{}) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(in)
	if err != nil {
		return payment.NewError(payment.ErrProviderRejected, constants.ProviderPaypal, "invalid_request", "marshal request failed", 0, err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return payment.NewError(payment.ErrProviderRejected, constants.ProviderPaypal, "invalid_request", "build request failed", 0, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Prefer", "return=representation")
	req.Header.Set("Authorization", "Bearer "+token)
	if c.cfg.NativeIdempotency && idempotencyKey != "" {
		req.Header.Set(requestIDHeader, idempotencyKey)
	}

	body, status, err := c.send(req)
	if err != nil {
		return payment.ClassifyTransportError(constants.ProviderPaypal, err)
	}
	if status >= 200 && status < 300 {
		if out == nil || len(bytes.TrimSpace(body)) == 0 {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return payment.NewError(payment.ErrProviderUnavailable, constants.ProviderPaypal, "invalid_response", "decode response failed", status, err)
		}
		return nil
	}
	if status == http.StatusUnauthorized {
		c.dropToken()
	}
	var apiErr apiError
	_ = json.Unmarshal(body, &apiErr)
	return classifyAPIError(status, &apiErr)
}

func (c *Client) send(req *http.Request) ([]byte, int, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func classifyAPIError(status int, apiErr *apiError) error {
	code := apiErr.code()
	switch strings.ToUpper(code) {
	case "ORDER_ALREADY_CAPTURED", "DUPLICATE_INVOICE_ID":
		return payment.NewError(payment.ErrAlreadyCaptured, constants.ProviderPaypal, code, apiErr.message(), status, nil)
	case "INSUFFICIENT_FUNDS", "INSTRUMENT_INSUFFICIENT_FUNDS":
		return payment.NewError(payment.ErrInsufficientFunds, constants.ProviderPaypal, code, apiErr.message(), status, nil)
	}
	return payment.ClassifyHTTPStatus(constants.ProviderPaypal, status, code, apiErr.message())
}
