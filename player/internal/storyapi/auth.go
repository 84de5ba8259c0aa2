package storyapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// Reissue 用刷新令牌换取新的访问令牌，实现 session.Refresher。
// 不经过 TokenSource，也不做 401 重试。
func (c *Client) Reissue(ctx context.Context, refreshToken string) (string, error) {
	body, err := c.send(ctx, http.MethodGet, c.endpoint(c.reissuePath, nil), nil, refreshToken)
	if err != nil {
		return "", err
	}
	var out struct {
		AccessToken string `json:"accessToken"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("unmarshal reissue response: %w", err)
	}
	if out.AccessToken == "" {
		return "", fmt.Errorf("reissue response has no access token")
	}
	return out.AccessToken, nil
}
