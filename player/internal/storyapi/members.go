package storyapi

import (
	"context"
	"net/http"
	"strconv"

	"storytime/player/internal/model"
)

func (c *Client) Member(ctx context.Context) (*model.Member, error) {
	var m model.Member
	if _, err := c.do(ctx, http.MethodGet, "/api/members", nil, nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *Client) Children(ctx context.Context) ([]model.Child, error) {
	var children []model.Child
	if _, err := c.do(ctx, http.MethodGet, "/api/members/children", nil, nil, &children); err != nil {
		return nil, err
	}
	return children, nil
}

// Dashboard 查询问答记录。childID 为 0 时返回所有孩子的记录。
func (c *Client) Dashboard(ctx context.Context, childID int64, page, size int) (*model.Page[model.DashboardEntry], error) {
	p := "/api/dashboard"
	if childID != 0 {
		p += "/" + strconv.FormatInt(childID, 10)
	}
	var out model.Page[model.DashboardEntry]
	if _, err := c.do(ctx, http.MethodGet, p, pageParams(page, size), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StoryQuestions 获取故事的问题数组。没有题目时返回 (nil, nil)。
func (c *Client) StoryQuestions(ctx context.Context, storyID int64) (*model.QnASet, error) {
	var set *model.QnASet
	if _, err := c.do(ctx, http.MethodGet, "/api/dashboard/questions/"+strconv.FormatInt(storyID, 10), nil, nil, &set); err != nil {
		return nil, err
	}
	if set == nil || set.QnAs == nil {
		return nil, nil
	}
	return set, nil
}

// StartQnA 让玩偶对指定孩子开始问答。
func (c *Client) StartQnA(ctx context.Context, questionArrayID, childID int64) error {
	p := "/api/modules/questions/" + strconv.FormatInt(questionArrayID, 10) + "/" + strconv.FormatInt(childID, 10)
	_, err := c.do(ctx, http.MethodGet, p, nil, nil, nil)
	return err
}

// PlayOnDoll 让玩偶播放故事。
func (c *Client) PlayOnDoll(ctx context.Context, storyID int64) error {
	_, err := c.do(ctx, http.MethodGet, "/api/modules/stories/"+strconv.FormatInt(storyID, 10), nil, nil, nil)
	return err
}
