// Package playbacktest 提供内存中的播放后端，供上层包测试使用。
package playbacktest

import (
	"context"
	"sync"

	"storytime/player/internal/playback"
)

// Handle 是可手动推进的音频句柄。
type Handle struct {
	mu         sync.Mutex
	pos        float64
	dur        float64
	playing    bool
	released   bool
	onComplete func(bool)
}

func (h *Handle) Play(onComplete func(ok bool)) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.playing = true
	h.onComplete = onComplete
	return nil
}

func (h *Handle) Pause() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.playing = false
	return nil
}

func (h *Handle) CurrentTime() (float64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pos, nil
}

func (h *Handle) SetCurrentTime(seconds float64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pos = seconds
	return nil
}

func (h *Handle) Duration() float64 { return h.dur }

func (h *Handle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.released = true
	h.playing = false
	return nil
}

// SetPosition 模拟解码器前进。
func (h *Handle) SetPosition(v float64) {
	h.mu.Lock()
	h.pos = v
	h.mu.Unlock()
}

// Complete 模拟播放到结尾，回调在新 goroutine 中触发。
func (h *Handle) Complete(ok bool) {
	h.mu.Lock()
	cb := h.onComplete
	h.playing = false
	h.pos = h.dur
	h.mu.Unlock()
	if cb != nil {
		go cb(ok)
	}
}

func (h *Handle) Playing() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.playing
}

func (h *Handle) Released() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

// Backend 记录每次加载。Gate 非空时 Load 阻塞到 Gate 关闭或 ctx 取消。
type Backend struct {
	Duration float64
	Err      error
	Gate     chan struct{}

	mu      sync.Mutex
	uris    []string
	handles []*Handle
}

var _ playback.Backend = (*Backend)(nil)

func (b *Backend) Load(ctx context.Context, uri string) (playback.Handle, error) {
	b.mu.Lock()
	b.uris = append(b.uris, uri)
	gate := b.Gate
	b.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if b.Err != nil {
		return nil, b.Err
	}
	h := &Handle{dur: b.Duration}
	b.mu.Lock()
	b.handles = append(b.handles, h)
	b.mu.Unlock()
	return h, nil
}

// URIs 返回加载过的地址。
func (b *Backend) URIs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.uris...)
}

// Last 返回最近一次成功加载的句柄。
func (b *Backend) Last() *Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.handles) == 0 {
		return nil
	}
	return b.handles[len(b.handles)-1]
}
