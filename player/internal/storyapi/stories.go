package storyapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"storytime/player/internal/model"
)

// CreateStory 提交创作请求，返回生成好的故事（语音可能尚未就绪）。
func (c *Client) CreateStory(ctx context.Context, req model.CreateStoryRequest) (*model.Story, error) {
	var story model.Story
	if _, err := c.do(ctx, http.MethodPost, "/api/stories", nil, req, &story); err != nil {
		return nil, err
	}
	return &story, nil
}

func (c *Client) GetStory(ctx context.Context, id int64) (*model.Story, error) {
	var story model.Story
	if _, err := c.do(ctx, http.MethodGet, "/api/stories/"+strconv.FormatInt(id, 10), nil, nil, &story); err != nil {
		return nil, err
	}
	return &story, nil
}

// UpdateStory 修改标题、标签或发布状态。
func (c *Client) UpdateStory(ctx context.Context, id int64, req model.UpdateStoryRequest) error {
	_, err := c.do(ctx, http.MethodPatch, "/api/stories/"+strconv.FormatInt(id, 10), nil, req, nil)
	return err
}

// TTS 查询语音资源。语音还在生成时返回 (nil, nil)。
//
// 服务端可能直接返回链接字符串（带引号或不带），也可能返回对象。
func (c *Client) TTS(ctx context.Context, storyID int64) (*model.TTSAsset, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/stories/tts/"+strconv.FormatInt(storyID, 10), nil, nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeTTS(body)
}

func decodeTTS(body []byte) (*model.TTSAsset, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || string(body) == "null" || string(body) == `""` {
		return nil, nil
	}

	switch body[0] {
	case '"':
		var link string
		if err := json.Unmarshal(body, &link); err != nil {
			return nil, fmt.Errorf("decode tts link: %w", err)
		}
		if link == "" {
			return nil, nil
		}
		return &model.TTSAsset{URL: link}, nil
	case '{':
		var asset model.TTSAsset
		if err := json.Unmarshal(body, &asset); err != nil {
			return nil, fmt.Errorf("decode tts asset: %w", err)
		}
		if asset.URL == "" {
			return nil, nil
		}
		return &asset, nil
	}

	link := string(body)
	if u, err := url.Parse(link); err != nil || u.Scheme == "" {
		return nil, fmt.Errorf("unexpected tts response: %.64q", link)
	}
	return &model.TTSAsset{URL: strings.TrimSpace(link)}, nil
}

// Library 分页查询书库；Mine 为真时只查自己创作的。
func (c *Client) Library(ctx context.Context, q model.LibraryQuery) (*model.Page[model.Story], error) {
	p := "/api/library"
	if q.Mine {
		p = "/api/library/my"
	}
	params := pageParams(q.Page, q.Size)
	if q.Level > 0 {
		params.Set("level", strconv.Itoa(q.Level))
	}
	if q.Sort != "" {
		params.Set("sort", q.Sort)
	}
	var page model.Page[model.Story]
	if _, err := c.do(ctx, http.MethodGet, p, params, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func pageParams(page, size int) url.Values {
	v := url.Values{}
	if page >= 0 {
		v.Set("page", strconv.Itoa(page))
	}
	if size > 0 {
		v.Set("size", strconv.Itoa(size))
	}
	return v
}
