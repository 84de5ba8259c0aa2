package playback

import (
	"context"
	"time"
)

// Backend 加载远程音频资源。
type Backend interface {
	Load(ctx context.Context, uri string) (Handle, error)
}

// Handle 是一次加载得到的音频句柄，位置以解码器报告为准。
//
// 约定：
// - Play 从当前位置开始播放；onComplete 在播放到结尾（ok=true）或解码失败（ok=false）时回调一次，
//   回调不能在持有后端内部锁时同步调用。
// - Duration 在元数据不可用时返回 <=0。
// - Release 之后不能再调用其他方法。
type Handle interface {
	Play(onComplete func(ok bool)) error
	Pause() error
	CurrentTime() (float64, error)
	SetCurrentTime(seconds float64) error
	Duration() float64
	Release() error
}

// Ticker 是轮询定时器的最小抽象，测试中用手动触发的实现替换。
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type stdTicker struct {
	t *time.Ticker
}

func (s stdTicker) C() <-chan time.Time { return s.t.C }
func (s stdTicker) Stop()               { s.t.Stop() }

// NewStdTicker 返回基于 time.Ticker 的实现。
func NewStdTicker(d time.Duration) Ticker {
	return stdTicker{t: time.NewTicker(d)}
}
