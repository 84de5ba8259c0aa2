package playback

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"storytime/player/internal/model"
	"storytime/player/internal/timeline"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// DefaultPollInterval 播放中查询后端位置的周期。
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultDuration 后端拿不到时长元数据时的兜底值（秒），避免进度条悬空。
	DefaultDuration = 81.0
)

// Options 配置 Tracker 的协作者。除 Backend 外都有默认值。
type Options struct {
	Backend         Backend
	ScreenID        string
	PollInterval    time.Duration
	DefaultDuration float64
	NewTicker       func(time.Duration) Ticker
	Journal         timeline.Store
	Logger          *zap.Logger
	Now             func() time.Time

	// OnState 在每次状态变化后调用（不持有内部锁）。
	// 不能阻塞，也不能同步调用 Release。
	OnState func(model.PlaybackState)
	// OnError 上报异步错误：轮询失败、播放异常结束。
	OnError func(error)
}

// Tracker 把后端播放位置和时间戳表翻译成渲染层需要的 {当前时间, 高亮句子}，
// 并代理所有播放/暂停/跳转请求。
//
// 生命周期：Idle -> Loaded -> Playing/Paused -> Released。
// 轮询契约：
// - 只有 Playing 阶段存在轮询 goroutine，且同一时刻最多一个。
// - 暂停、播放结束、轮询出错、替换音频源、Release 都会停止轮询。
// - 停止后即便还有残留 tick，也不会再读后端或修改状态。
type Tracker struct {
	backend         Backend
	screenID        string
	interval        time.Duration
	defaultDuration float64
	newTicker       func(time.Duration) Ticker
	journal         timeline.Store
	logger          *zap.Logger
	now             func() time.Time
	onState         func(model.PlaybackState)
	onError         func(error)

	mu     sync.Mutex
	state  model.PlaybackState
	table  Timestamps
	handle Handle
	// gen 每次替换或释放句柄时递增，用来丢弃过期的加载结果与完成回调。
	gen  uint64
	poll *poller
}

type poller struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func New(opts Options) *Tracker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.DefaultDuration <= 0 {
		opts.DefaultDuration = DefaultDuration
	}
	if opts.NewTicker == nil {
		opts.NewTicker = NewStdTicker
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ScreenID == "" {
		opts.ScreenID = uuid.NewString()
	}

	return &Tracker{
		backend:         opts.Backend,
		screenID:        opts.ScreenID,
		interval:        opts.PollInterval,
		defaultDuration: opts.DefaultDuration,
		newTicker:       opts.NewTicker,
		journal:         opts.Journal,
		logger:          opts.Logger,
		now:             opts.Now,
		onState:         opts.OnState,
		onError:         opts.OnError,
		state: model.PlaybackState{
			ScreenID: opts.ScreenID,
			Phase:    model.PhaseIdle,
		},
	}
}

// ScreenID 返回该播放器所属的页面实例 ID。
func (t *Tracker) ScreenID() string { return t.screenID }

// State 返回当前状态快照。
func (t *Tracker) State() model.PlaybackState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.Clone()
}

// Timestamps 返回当前时间戳表的副本。
func (t *Tracker) Timestamps() Timestamps {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append(Timestamps(nil), t.table...)
}

// Load 加载音频并绑定时间戳表。已有句柄会先被释放（包括停止轮询）。
// 加载失败返回 *AudioLoadError，状态回到 Idle，Tracker 内部不重试。
func (t *Tracker) Load(ctx context.Context, uri string, timestamps []float64) error {
	table := append(Timestamps(nil), timestamps...)
	if err := table.Validate(); err != nil {
		return err
	}

	t.mu.Lock()
	if t.state.Phase == model.PhaseReleased {
		t.mu.Unlock()
		return ErrReleased
	}
	p, old := t.detachLocked()
	t.gen++
	gen := t.gen
	t.table = table
	t.state.Phase = model.PhaseIdle
	t.state.SourceURI = uri
	t.state.CurrentTime = 0
	t.state.Duration = 0
	t.state.IsPlaying = false
	t.state.ActiveSentence = nil
	t.state.LastError = ""
	t.state.Version++
	reset := t.state.Clone()
	t.mu.Unlock()

	t.emit(&reset)
	t.finishDetach(p, old)

	h, err := t.backend.Load(ctx, uri)

	t.mu.Lock()
	if t.gen != gen || t.state.Phase == model.PhaseReleased {
		released := t.state.Phase == model.PhaseReleased
		t.mu.Unlock()
		if h != nil {
			_ = h.Release()
		}
		if released {
			return ErrReleased
		}
		return ErrSuperseded
	}
	if err != nil {
		loadErr := &AudioLoadError{URI: uri, Err: err}
		snap := t.applyLocked(model.Event{Type: model.EventLoadFailed, URI: uri, Error: loadErr.Error()}, true)
		t.mu.Unlock()

		t.logger.Warn("[Tracker] audio load failed",
			zap.String("screen_id", t.screenID), zap.String("uri", uri), zap.Error(err))
		t.emit(snap)
		return loadErr
	}

	duration := h.Duration()
	fallback := duration <= 0 || math.IsNaN(duration) || math.IsInf(duration, 0)
	if fallback {
		t.logger.Warn("[Tracker] duration metadata unavailable, using fallback",
			zap.String("screen_id", t.screenID), zap.Float64("fallback", t.defaultDuration))
		duration = t.defaultDuration
	}
	// 兜底时长不能短于最后一句的起点，否则点句会被 clamp 到前一句。
	if n := len(table); n > 0 && table[n-1] > duration {
		if fallback {
			duration = table[n-1]
		} else {
			t.logger.Warn("[Tracker] timestamps run past audio duration",
				zap.String("screen_id", t.screenID),
				zap.Float64("duration", duration),
				zap.Float64("last_timestamp", table[n-1]))
		}
	}
	t.handle = h
	snap := t.applyLocked(model.Event{Type: model.EventLoad, URI: uri, Duration: duration}, true)
	t.mu.Unlock()

	t.logger.Info("[Tracker] audio loaded",
		zap.String("screen_id", t.screenID),
		zap.String("uri", uri),
		zap.Float64("duration", duration),
		zap.Int("sentences", len(table)))
	t.emit(snap)
	return nil
}

// PlayPause 切换播放状态。从结尾恢复播放时先回到 0。
func (t *Tracker) PlayPause() error {
	t.mu.Lock()
	snap, err := t.playPauseLocked()
	t.mu.Unlock()

	t.emit(snap)
	return err
}

func (t *Tracker) playPauseLocked() (*model.PlaybackState, error) {
	if err := t.controlsLocked(); err != nil {
		return nil, err
	}
	if t.state.Phase == model.PhasePlaying {
		return t.pauseLocked()
	}

	pos := t.state.CurrentTime
	if pos >= t.state.Duration {
		if err := t.handle.SetCurrentTime(0); err != nil {
			return nil, fmt.Errorf("rewind: %w", err)
		}
		pos = 0
	}
	return t.resumeLocked(pos, model.EventPlay, nil)
}

// SeekTo 跳到指定秒数，越界静默 clamp 到 [0, duration]。
// 状态乐观更新，不等待后端确认。
func (t *Tracker) SeekTo(seconds float64) error {
	t.mu.Lock()
	snap, err := t.seekLocked(seconds)
	t.mu.Unlock()

	t.emit(snap)
	return err
}

// Skip 相对当前位置跳转 delta 秒。
func (t *Tracker) Skip(delta float64) error {
	t.mu.Lock()
	var (
		snap *model.PlaybackState
		err  error
	)
	if err = t.controlsLocked(); err == nil {
		snap, err = t.seekLocked(t.state.CurrentTime + delta)
	}
	t.mu.Unlock()

	t.emit(snap)
	return err
}

// SeekToSentence 跳到第 index 句的起点并强制开始播放。
func (t *Tracker) SeekToSentence(index int) error {
	t.mu.Lock()
	snap, err := t.seekToSentenceLocked(index)
	t.mu.Unlock()

	t.emit(snap)
	return err
}

func (t *Tracker) seekToSentenceLocked(index int) (*model.PlaybackState, error) {
	if err := t.controlsLocked(); err != nil {
		return nil, err
	}
	if index < 0 || index >= len(t.table) {
		return nil, fmt.Errorf("%w: index %d of %d", ErrNoTimestamp, index, len(t.table))
	}

	pos := clamp(t.table[index], 0, t.state.Duration)
	if err := t.handle.SetCurrentTime(pos); err != nil {
		return nil, fmt.Errorf("seek: %w", err)
	}
	idx := index
	if t.state.Phase == model.PhasePlaying {
		return t.applyLocked(model.Event{Type: model.EventSentenceTap, Position: pos, Index: &idx}, true), nil
	}
	return t.resumeLocked(pos, model.EventSentenceTap, &idx)
}

// Release 停止轮询并释放音频句柄，幂等。
// 返回前轮询 goroutine 已退出。
func (t *Tracker) Release() error {
	t.mu.Lock()
	if t.state.Phase == model.PhaseReleased {
		t.mu.Unlock()
		return nil
	}
	p, h := t.detachLocked()
	t.gen++
	snap := t.applyLocked(model.Event{Type: model.EventRelease, Position: t.state.CurrentTime}, true)
	t.mu.Unlock()

	t.emit(snap)
	t.logger.Info("[Tracker] released", zap.String("screen_id", t.screenID))
	return t.finishDetach(p, h)
}

func (t *Tracker) controlsLocked() error {
	switch t.state.Phase {
	case model.PhaseReleased:
		return ErrReleased
	case model.PhaseIdle:
		return ErrNotLoaded
	}
	if t.handle == nil {
		return ErrNotLoaded
	}
	return nil
}

func (t *Tracker) pauseLocked() (*model.PlaybackState, error) {
	if err := t.handle.Pause(); err != nil {
		return nil, fmt.Errorf("pause: %w", err)
	}
	t.stopPollLocked()

	pos := t.state.CurrentTime
	if cur, err := t.handle.CurrentTime(); err == nil {
		pos = clamp(cur, 0, t.state.Duration)
	}
	return t.applyLocked(model.Event{Type: model.EventPause, Position: pos}, true), nil
}

func (t *Tracker) resumeLocked(pos float64, typ string, index *int) (*model.PlaybackState, error) {
	gen := t.gen
	if err := t.handle.Play(func(ok bool) { t.onComplete(gen, ok) }); err != nil {
		snap := t.applyLocked(model.Event{Type: model.EventError, Position: t.state.CurrentTime, Error: err.Error()}, true)
		return snap, fmt.Errorf("play: %w", err)
	}
	snap := t.applyLocked(model.Event{Type: typ, Position: pos, Index: index}, true)
	t.startPollLocked()
	return snap, nil
}

func (t *Tracker) seekLocked(seconds float64) (*model.PlaybackState, error) {
	if err := t.controlsLocked(); err != nil {
		return nil, err
	}
	pos := clamp(seconds, 0, t.state.Duration)
	if err := t.handle.SetCurrentTime(pos); err != nil {
		return nil, fmt.Errorf("seek: %w", err)
	}
	return t.applyLocked(model.Event{Type: model.EventSeek, Position: pos}, true), nil
}

func (t *Tracker) onComplete(gen uint64, ok bool) {
	t.mu.Lock()
	if gen != t.gen || t.state.Phase != model.PhasePlaying {
		t.mu.Unlock()
		return
	}
	t.stopPollLocked()

	var (
		snap *model.PlaybackState
		err  error
	)
	if ok {
		snap = t.applyLocked(model.Event{Type: model.EventComplete, Position: t.state.Duration}, true)
	} else {
		err = ErrPlaybackFailed
		snap = t.applyLocked(model.Event{Type: model.EventError, Position: t.state.CurrentTime, Error: err.Error()}, true)
	}
	t.mu.Unlock()

	t.emit(snap)
	if err != nil {
		t.reportError(err)
	}
}

func (t *Tracker) startPollLocked() {
	if t.poll != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &poller{cancel: cancel, done: make(chan struct{})}
	t.poll = p
	go t.pollLoop(ctx, p, t.newTicker(t.interval))
}

func (t *Tracker) stopPollLocked() *poller {
	p := t.poll
	if p == nil {
		return nil
	}
	t.poll = nil
	p.cancel()
	return p
}

func (t *Tracker) pollLoop(ctx context.Context, p *poller, ticker Ticker) {
	defer close(p.done)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if ctx.Err() != nil || !t.pollOnce(p) {
				return
			}
		}
	}
}

// pollOnce 读取后端真实位置并重算高亮句子，返回是否继续轮询。
func (t *Tracker) pollOnce(p *poller) bool {
	t.mu.Lock()
	if t.poll != p || t.handle == nil {
		t.mu.Unlock()
		return false
	}

	cur, err := t.handle.CurrentTime()
	if err != nil {
		t.stopPollLocked()
		pollErr := fmt.Errorf("poll position: %w", err)
		snap := t.applyLocked(model.Event{Type: model.EventError, Position: t.state.CurrentTime, Error: pollErr.Error()}, true)
		t.mu.Unlock()

		t.logger.Warn("[Tracker] poll failed, playback stopped",
			zap.String("screen_id", t.screenID), zap.Error(err))
		t.emit(snap)
		t.reportError(pollErr)
		return false
	}

	pos := clamp(cur, 0, t.state.Duration)
	if pos == t.state.CurrentTime {
		t.mu.Unlock()
		return true
	}
	snap := t.applyLocked(model.Event{Type: model.EventTick, Position: pos}, false)
	t.mu.Unlock()

	t.emit(snap)
	return true
}

func (t *Tracker) detachLocked() (*poller, Handle) {
	p := t.stopPollLocked()
	h := t.handle
	t.handle = nil
	return p, h
}

func (t *Tracker) finishDetach(p *poller, h Handle) error {
	if p != nil {
		<-p.done
	}
	if h == nil {
		return nil
	}
	if err := h.Release(); err != nil {
		t.logger.Warn("[Tracker] release audio handle failed", zap.String("screen_id", t.screenID), zap.Error(err))
		return fmt.Errorf("release audio: %w", err)
	}
	return nil
}

// applyLocked 归约事件并按需写入 timeline，返回归约后的快照。
func (t *Tracker) applyLocked(evt model.Event, journal bool) *model.PlaybackState {
	evt.ScreenID = t.screenID
	evt.TS = t.now()
	Reduce(&t.state, evt, t.table)

	if journal && t.journal != nil {
		evt.EventID = uuid.NewString()
		if evt.Duration == 0 {
			evt.Duration = t.state.Duration
		}
		if _, err := t.journal.Append(context.Background(), t.screenID, &evt); err != nil {
			t.logger.Warn("[Tracker] append timeline failed", zap.String("type", evt.Type), zap.Error(err))
		}
	}

	snap := t.state.Clone()
	return &snap
}

func (t *Tracker) emit(snap *model.PlaybackState) {
	if snap == nil || t.onState == nil {
		return
	}
	t.onState(*snap)
}

func (t *Tracker) reportError(err error) {
	if t.onError != nil {
		t.onError(err)
	}
}
