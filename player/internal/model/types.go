package model

import "time"

// Story 是故事服务返回的一篇童话。
type Story struct {
	ID       int64  `json:"id"`
	Title    string `json:"title"`
	Content  string `json:"content"`
	CoverURL string `json:"coverUrl,omitempty"`
	Language string `json:"language,omitempty"`
	Level    int    `json:"level,omitempty"`

	// TTSURL 在语音生成完成前为空，需要通过 /api/stories/tts/{id} 轮询。
	TTSURL string `json:"ttsUrl,omitempty"`
	// Timestamps 每句话的起始时间（秒），与正文分句一一对应。
	Timestamps []float64 `json:"timestamps,omitempty"`

	Tags        []string  `json:"tags,omitempty"`
	IsPublished bool      `json:"isPublished"`
	LikeCount   int       `json:"likeCount,omitempty"`
	CreatedAt   time.Time `json:"createdAt,omitempty"`
}

// CreateStoryRequest 提交给生成服务的创作请求。
type CreateStoryRequest struct {
	Language string `json:"language" binding:"required,oneof=ko en"`
	Age      int    `json:"age" binding:"gte=0"`
	Given    string `json:"given" binding:"required"`
}

// UpdateStoryRequest 只携带需要修改的字段。
type UpdateStoryRequest struct {
	Title       *string  `json:"title,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	IsPublished *bool    `json:"isPublished,omitempty"`
}

// TTSAsset 是一篇故事的语音资源。
type TTSAsset struct {
	URL        string    `json:"ttsUrl"`
	Timestamps []float64 `json:"timestamps,omitempty"`
}

// Child 家长账号下的孩子。
type Child struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	KoreanAge  int    `json:"koreanAge,omitempty"`
	EnglishAge int    `json:"englishAge,omitempty"`
}

// Member 当前登录的家长。
type Member struct {
	ID       int64   `json:"id"`
	Name     string  `json:"name"`
	Email    string  `json:"email,omitempty"`
	Children []Child `json:"children,omitempty"`
}

// QnA 一道问题及示例答案。
type QnA struct {
	Question     string `json:"question"`
	SampleAnswer string `json:"sampleAnswer"`
	Answer       string `json:"answer,omitempty"`
}

// QnASet 某篇故事对应的问题数组，ID 用于下发到玩偶。
type QnASet struct {
	ID   int64 `json:"id"`
	QnAs []QnA `json:"qnAs"`
}

// DashboardEntry 仪表盘中的一条问答记录。
type DashboardEntry struct {
	ID         int64     `json:"id"`
	ChildID    int64     `json:"childId"`
	ChildName  string    `json:"childName,omitempty"`
	StoryTitle string    `json:"storyTitle,omitempty"`
	QnAs       []QnA     `json:"qnAs,omitempty"`
	CreatedAt  time.Time `json:"createdAt,omitempty"`
}

// Page 是服务端分页响应的公共结构。
type Page[T any] struct {
	Content       []T  `json:"content"`
	TotalPages    int  `json:"totalPages"`
	TotalElements int  `json:"totalElements"`
	Number        int  `json:"number"`
	Last          bool `json:"last"`
}

// LibraryQuery 书库查询参数。
type LibraryQuery struct {
	Page  int
	Size  int
	Level int
	Sort  string
	Mine  bool
}
