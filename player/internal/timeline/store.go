package timeline

import (
	"context"

	"storytime/player/internal/model"
)

type Store interface {
	// Append 写入一条播放事件，返回本次写入的 seq。
	// 约定：同一 screen 的 seq 单调递增；相同 EventID 的请求应幂等返回同一 seq。
	Append(ctx context.Context, screenID string, evt *model.Event) (int64, error)
	// List 返回该 screen 的全量事件，用于回放与排查。
	List(ctx context.Context, screenID string) ([]model.Event, error)
	// Drop 丢弃该 screen 的全部事件。
	Drop(ctx context.Context, screenID string) error
}
