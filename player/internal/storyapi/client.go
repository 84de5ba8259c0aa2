// Package storyapi 是故事服务的 REST 客户端。
//
// 访问令牌通过 TokenSource 显式注入；服务端返回 401 时刷新一次令牌再重试。
package storyapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout 单次请求超时。
const DefaultTimeout = 5 * time.Second

// DefaultReissuePath 换取访问令牌的接口。
const DefaultReissuePath = "/api/auth/reissue"

// TokenSource 提供访问令牌。Refresh 在令牌被服务端拒绝后调用，
// rejected 是被拒绝的那个令牌，已被别的请求换掉时直接返回新令牌。
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
	Refresh(ctx context.Context, rejected string) (string, error)
}

// APIError 服务端返回的非 2xx 响应。
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("story api: status %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("story api: status %d: %s", e.Status, e.Message)
}

// IsNotFound 判断错误是否为 404。
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// IsUnauthorized 判断错误是否为 401。
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized
}

type Options struct {
	BaseURL     string
	Timeout     time.Duration
	ReissuePath string
	HTTPClient  *http.Client
	Tokens      TokenSource
	Logger      *zap.Logger
}

// Client 故事服务客户端，可并发使用。
type Client struct {
	baseURL     *url.URL
	reissuePath string
	httpClient  *http.Client
	tokens      TokenSource
	logger      *zap.Logger
}

func NewClient(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url must be absolute: %q", opts.BaseURL)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.ReissuePath == "" {
		opts.ReissuePath = DefaultReissuePath
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Client{
		baseURL:     base,
		reissuePath: opts.ReissuePath,
		httpClient:  opts.HTTPClient,
		tokens:      opts.Tokens,
		logger:      opts.Logger,
	}, nil
}

// UseTokens 设置令牌来源。会话与客户端互相引用时在构造后注入。
func (c *Client) UseTokens(ts TokenSource) {
	c.tokens = ts
}

func (c *Client) endpoint(p string, q url.Values) string {
	u := *c.baseURL
	u.Path = u.Path + "/" + strings.TrimLeft(p, "/")
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// do 发送请求，out 为 nil 时忽略响应体。返回原始响应体供特殊解码使用。
func (c *Client) do(ctx context.Context, method, p string, q url.Values, in, out any) ([]byte, error) {
	var body []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		body = b
	}

	token := ""
	if c.tokens != nil {
		t, err := c.tokens.AccessToken(ctx)
		if err != nil {
			return nil, fmt.Errorf("access token: %w", err)
		}
		token = t
	}

	respBody, err := c.send(ctx, method, c.endpoint(p, q), body, token)
	if IsUnauthorized(err) && c.tokens != nil {
		c.logger.Info("[StoryAPI] unauthorized, refreshing token", zap.String("path", p))
		fresh, rerr := c.tokens.Refresh(ctx, token)
		if rerr != nil {
			return nil, fmt.Errorf("refresh token: %w", rerr)
		}
		respBody, err = c.send(ctx, method, c.endpoint(p, q), body, fresh)
	}
	if err != nil {
		return nil, err
	}

	if out != nil && len(bytes.TrimSpace(respBody)) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return nil, fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return respBody, nil
}

func (c *Client) send(ctx context.Context, method, target string, body []byte, token string) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	c.logger.Debug("[StoryAPI] request",
		zap.String("method", method),
		zap.String("url", req.URL.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, decodeAPIError(resp.StatusCode, respBody)
	}
	return respBody, nil
}

func decodeAPIError(status int, body []byte) error {
	apiErr := &APIError{Status: status}
	var payload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		apiErr.Code = payload.Code
		apiErr.Message = payload.Message
		if apiErr.Message == "" {
			apiErr.Message = payload.Error
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}
