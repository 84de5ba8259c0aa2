package playback

import (
	"context"
	"errors"
	"testing"
	"time"

	"storytime/player/internal/model"
	"storytime/player/internal/timeline"
)

var storyTimestamps = []float64{0, 5.2, 11.0}

func activeIs(s model.PlaybackState, want int) bool {
	return s.ActiveSentence != nil && *s.ActiveSentence == want
}

// TestTrackerScenario 验证典型的跳转场景：
// timestamps = [0, 5.2, 11.0]，duration = 15。
// seekTo(12) 高亮第 2 句；seekTo(20) clamp 到 15；点第 1 句回到 5.2 并开始播放。
func TestTrackerScenario(t *testing.T) {
	h := newHarness(t, 15.0, nil)
	h.load(t, storyTimestamps)

	if err := h.tracker.SeekTo(12); err != nil {
		t.Fatalf("seek: %v", err)
	}
	state := h.tracker.State()
	if state.CurrentTime != 12 || !activeIs(state, 2) {
		t.Fatalf("expected t=12 active=2, got %+v", state)
	}
	if p := ComputeActiveSentence(storyTimestamps, 12, 15); p == nil || *p != 2 {
		t.Fatalf("expected computeActiveSentence(12) == 2")
	}

	if err := h.tracker.SeekTo(20); err != nil {
		t.Fatalf("seek: %v", err)
	}
	if got := h.tracker.State().CurrentTime; got != 15.0 {
		t.Fatalf("expected clamp to 15, got %v", got)
	}

	if err := h.tracker.SeekToSentence(1); err != nil {
		t.Fatalf("seek to sentence: %v", err)
	}
	state = h.tracker.State()
	if state.CurrentTime != 5.2 || !state.IsPlaying || state.Phase != model.PhasePlaying {
		t.Fatalf("expected t=5.2 playing, got %+v", state)
	}
}

// TestSeekClampsOutOfRange 验证越界 seek 被静默 clamp 到最近边界，并同步给后端。
func TestSeekClampsOutOfRange(t *testing.T) {
	h := newHarness(t, 15.0, nil)
	fh := h.load(t, storyTimestamps)

	for _, tc := range []struct{ in, want float64 }{{-3, 0}, {99, 15}, {7.5, 7.5}} {
		if err := h.tracker.SeekTo(tc.in); err != nil {
			t.Fatalf("seek %v: %v", tc.in, err)
		}
		if got := h.tracker.State().CurrentTime; got != tc.want {
			t.Fatalf("seek %v: expected %v, got %v", tc.in, tc.want, got)
		}
		if last := fh.seeks[len(fh.seeks)-1]; last != tc.want {
			t.Fatalf("seek %v: backend got %v", tc.in, last)
		}
	}
}

// TestSkipIsRelativeAndClamped 验证快进快退基于当前位置且同样 clamp。
func TestSkipIsRelativeAndClamped(t *testing.T) {
	h := newHarness(t, 15.0, nil)
	h.load(t, storyTimestamps)

	if err := h.tracker.SeekTo(3); err != nil {
		t.Fatalf("seek: %v", err)
	}
	if err := h.tracker.Skip(10); err != nil {
		t.Fatalf("skip: %v", err)
	}
	if got := h.tracker.State().CurrentTime; got != 13 {
		t.Fatalf("expected 13, got %v", got)
	}
	if err := h.tracker.Skip(10); err != nil {
		t.Fatalf("skip: %v", err)
	}
	if got := h.tracker.State().CurrentTime; got != 15 {
		t.Fatalf("expected clamp to 15, got %v", got)
	}
	if err := h.tracker.Skip(-100); err != nil {
		t.Fatalf("skip: %v", err)
	}
	if got := h.tracker.State().CurrentTime; got != 0 {
		t.Fatalf("expected clamp to 0, got %v", got)
	}
}

// TestSeekToSentenceRoundTrip 验证点第 i 句后高亮句子就是 i。
func TestSeekToSentenceRoundTrip(t *testing.T) {
	h := newHarness(t, 15.0, nil)
	h.load(t, storyTimestamps)

	for i := range storyTimestamps {
		if err := h.tracker.SeekToSentence(i); err != nil {
			t.Fatalf("seek to sentence %d: %v", i, err)
		}
		state := h.tracker.State()
		if !activeIs(state, i) {
			t.Fatalf("sentence %d: expected active %d, got %v", i, i, state.ActiveSentence)
		}
		if p := ComputeActiveSentence(storyTimestamps, state.CurrentTime, state.Duration); p == nil || *p != i {
			t.Fatalf("sentence %d: computeActiveSentence disagrees", i)
		}
	}
}

// TestSeekToSentenceWhilePlayingDoesNotRestart 验证播放中点句子只跳转，不重复调用 Play。
func TestSeekToSentenceWhilePlayingDoesNotRestart(t *testing.T) {
	h := newHarness(t, 15.0, nil)
	fh := h.load(t, storyTimestamps)

	if err := h.tracker.PlayPause(); err != nil {
		t.Fatalf("play: %v", err)
	}
	if err := h.tracker.SeekToSentence(2); err != nil {
		t.Fatalf("seek to sentence: %v", err)
	}
	if fh.playCalls != 1 {
		t.Fatalf("expected a single Play call, got %d", fh.playCalls)
	}
	if h.tickers.count() != 1 {
		t.Fatalf("expected a single poll timer, got %d", h.tickers.count())
	}
	if state := h.tracker.State(); state.CurrentTime != 11 || !state.IsPlaying {
		t.Fatalf("expected t=11 playing, got %+v", state)
	}
}

// TestSeekToSentenceWithoutTimestamp 验证句子数多于时间戳时越界下标返回 ErrNoTimestamp。
func TestSeekToSentenceWithoutTimestamp(t *testing.T) {
	h := newHarness(t, 15.0, nil)
	h.load(t, storyTimestamps)

	for _, idx := range []int{-1, 3, 10} {
		err := h.tracker.SeekToSentence(idx)
		if !errors.Is(err, ErrNoTimestamp) {
			t.Fatalf("index %d: expected ErrNoTimestamp, got %v", idx, err)
		}
	}
	if h.tracker.State().IsPlaying {
		t.Fatalf("invalid sentence tap must not start playback")
	}
}

// TestPlayPauseEvenTogglesRestore 验证偶数次切换后 playing 回到初始值。
func TestPlayPauseEvenTogglesRestore(t *testing.T) {
	h := newHarness(t, 15.0, nil)
	h.load(t, storyTimestamps)

	initial := h.tracker.State().IsPlaying
	for i := 0; i < 4; i++ {
		if err := h.tracker.PlayPause(); err != nil {
			t.Fatalf("toggle %d: %v", i, err)
		}
	}
	if got := h.tracker.State().IsPlaying; got != initial {
		t.Fatalf("expected playing=%v after even toggles, got %v", initial, got)
	}

	if err := h.tracker.PlayPause(); err != nil {
		t.Fatalf("play: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := h.tracker.PlayPause(); err != nil {
			t.Fatalf("toggle %d: %v", i, err)
		}
	}
	if !h.tracker.State().IsPlaying {
		t.Fatalf("expected playing=true after even toggles from playing")
	}
}

// TestResumeAtEndRewinds 验证在结尾处恢复播放会先回到 0。
func TestResumeAtEndRewinds(t *testing.T) {
	h := newHarness(t, 15.0, nil)
	fh := h.load(t, storyTimestamps)

	if err := h.tracker.SeekTo(15); err != nil {
		t.Fatalf("seek: %v", err)
	}
	if err := h.tracker.PlayPause(); err != nil {
		t.Fatalf("play: %v", err)
	}
	state := h.tracker.State()
	if state.CurrentTime != 0 || !state.IsPlaying || !activeIs(state, 0) {
		t.Fatalf("expected rewind to 0 and playing, got %+v", state)
	}
	if last := fh.seeks[len(fh.seeks)-1]; last != 0 {
		t.Fatalf("expected backend rewound to 0, got %v", last)
	}
}

// TestControlsDisabledBeforeLoad 验证加载前所有控制都返回 ErrNotLoaded。
func TestControlsDisabledBeforeLoad(t *testing.T) {
	h := newHarness(t, 15.0, nil)

	checks := map[string]error{
		"play":     h.tracker.PlayPause(),
		"seek":     h.tracker.SeekTo(3),
		"skip":     h.tracker.Skip(10),
		"sentence": h.tracker.SeekToSentence(0),
	}
	for name, err := range checks {
		if !errors.Is(err, ErrNotLoaded) {
			t.Fatalf("%s: expected ErrNotLoaded, got %v", name, err)
		}
	}
}

// TestLoadFailureReportsAudioLoadError 验证加载失败只上报一次，控制保持禁用，且不重试。
func TestLoadFailureReportsAudioLoadError(t *testing.T) {
	h := newHarness(t, 15.0, nil)
	h.backend.loadErr = errors.New("unsupported format")

	err := h.tracker.Load(context.Background(), "https://cdn.example.com/tts/1.ogg", storyTimestamps)
	var loadErr *AudioLoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("expected AudioLoadError, got %v", err)
	}
	if loadErr.URI != "https://cdn.example.com/tts/1.ogg" {
		t.Fatalf("unexpected uri: %q", loadErr.URI)
	}
	if h.backend.loads != 1 {
		t.Fatalf("expected exactly one load attempt, got %d", h.backend.loads)
	}

	state := h.tracker.State()
	if state.Phase != model.PhaseIdle || state.LastError == "" {
		t.Fatalf("expected idle with error, got %+v", state)
	}
	if err := h.tracker.PlayPause(); !errors.Is(err, ErrNotLoaded) {
		t.Fatalf("expected ErrNotLoaded after failed load, got %v", err)
	}
}

// TestLoadFallbackDuration 验证元数据缺失时使用兜底时长。
func TestLoadFallbackDuration(t *testing.T) {
	h := newHarness(t, 0, nil)
	h.load(t, storyTimestamps)

	if got := h.tracker.State().Duration; got != DefaultDuration {
		t.Fatalf("expected fallback duration %v, got %v", DefaultDuration, got)
	}
}

// TestFallbackDurationCoversLastSentence 验证兜底时长短于时间戳表时抬高到最后一句的起点，
// 点任意一句后高亮的仍是这一句。
func TestFallbackDurationCoversLastSentence(t *testing.T) {
	h := newHarness(t, 0, nil)
	long := []float64{0, 40, 95.5}
	h.load(t, long)

	if got := h.tracker.State().Duration; got != 95.5 {
		t.Fatalf("expected duration raised to 95.5, got %v", got)
	}
	for i, start := range long {
		if err := h.tracker.SeekToSentence(i); err != nil {
			t.Fatalf("seek to sentence %d: %v", i, err)
		}
		state := h.tracker.State()
		if state.CurrentTime != start || !activeIs(state, i) {
			t.Fatalf("sentence %d: expected t=%v active=%d, got %+v", i, start, i, state)
		}
	}
}

// TestLoadRejectsDecreasingTimestamps 验证非法时间戳表在加载前被拒绝。
func TestLoadRejectsDecreasingTimestamps(t *testing.T) {
	h := newHarness(t, 15.0, nil)
	if err := h.tracker.Load(context.Background(), "u", []float64{0, 4, 2}); err == nil {
		t.Fatalf("expected error for decreasing timestamps")
	}
	if h.backend.loads != 0 {
		t.Fatalf("backend must not be called for invalid tables")
	}
}

// TestPollUpdatesActiveSentence 验证 tick 以后端位置为准重算高亮句子。
func TestPollUpdatesActiveSentence(t *testing.T) {
	h := newHarness(t, 15.0, nil)
	fh := h.load(t, storyTimestamps)

	if err := h.tracker.PlayPause(); err != nil {
		t.Fatalf("play: %v", err)
	}
	ticker := h.tickers.last()
	if ticker == nil {
		t.Fatalf("expected poll timer started on play")
	}

	fh.setPos(6.1)
	ticker.tick()
	state := h.waitState(t, func(s model.PlaybackState) bool { return s.CurrentTime == 6.1 })
	if !activeIs(state, 1) {
		t.Fatalf("expected active 1 at 6.1, got %v", state.ActiveSentence)
	}

	fh.setPos(11.5)
	ticker.tick()
	state = h.waitState(t, func(s model.PlaybackState) bool { return s.CurrentTime == 11.5 })
	if !activeIs(state, 2) {
		t.Fatalf("expected active 2 at 11.5, got %v", state.ActiveSentence)
	}
}

// TestPauseStopsPolling 验证暂停会停掉轮询定时器。
func TestPauseStopsPolling(t *testing.T) {
	h := newHarness(t, 15.0, nil)
	fh := h.load(t, storyTimestamps)

	if err := h.tracker.PlayPause(); err != nil {
		t.Fatalf("play: %v", err)
	}
	ticker := h.tickers.last()
	fh.setPos(2)
	if err := h.tracker.PlayPause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	waitStopped(t, ticker)

	state := h.tracker.State()
	if state.CurrentTime != 2 || state.Phase != model.PhasePaused {
		t.Fatalf("expected paused at backend position 2, got %+v", state)
	}
	calls := fh.calls()
	fh.setPos(9)
	ticker.tick()
	time.Sleep(20 * time.Millisecond)
	if fh.calls() != calls || h.tracker.State().CurrentTime != 2 {
		t.Fatalf("paused tracker must not poll")
	}
}

// TestPollErrorStopsPlayback 验证轮询出错时强制暂停、上报错误，且不会崩溃。
// 场景：出错后修复后端，再次播放可以恢复。
func TestPollErrorStopsPlayback(t *testing.T) {
	h := newHarness(t, 15.0, nil)
	fh := h.load(t, storyTimestamps)

	if err := h.tracker.PlayPause(); err != nil {
		t.Fatalf("play: %v", err)
	}
	ticker := h.tickers.last()
	fh.setTimeErr(errors.New("network stall"))
	ticker.tick()

	state := h.waitState(t, func(s model.PlaybackState) bool { return s.LastError != "" })
	if state.IsPlaying || state.Phase != model.PhasePaused {
		t.Fatalf("expected forced pause, got %+v", state)
	}
	select {
	case err := <-h.errs:
		if err == nil {
			t.Fatalf("expected poll error reported")
		}
	case <-time.After(time.Second):
		t.Fatalf("expected poll error reported")
	}
	waitStopped(t, ticker)

	fh.setTimeErr(nil)
	if err := h.tracker.PlayPause(); err != nil {
		t.Fatalf("retry play: %v", err)
	}
	if h.tickers.count() != 2 {
		t.Fatalf("expected a fresh poll timer, got %d", h.tickers.count())
	}
	if state := h.tracker.State(); !state.IsPlaying || state.LastError != "" {
		t.Fatalf("expected playing without error after retry, got %+v", state)
	}
}

// TestReleaseStopsPolling 验证 teardown 之后不会再有轮询回调修改状态。
func TestReleaseStopsPolling(t *testing.T) {
	h := newHarness(t, 15.0, nil)
	fh := h.load(t, storyTimestamps)

	if err := h.tracker.PlayPause(); err != nil {
		t.Fatalf("play: %v", err)
	}
	ticker := h.tickers.last()
	fh.setPos(6)
	ticker.tick()
	h.waitState(t, func(s model.PlaybackState) bool { return s.CurrentTime == 6 })

	if err := h.tracker.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if !ticker.isStopped() {
		t.Fatalf("expected poll timer stopped before Release returns")
	}
	if !fh.isReleased() {
		t.Fatalf("expected audio handle released")
	}

	before := h.tracker.State()
	calls := fh.calls()
	fh.setPos(9)
	ticker.tick()
	time.Sleep(20 * time.Millisecond)

	after := h.tracker.State()
	if after.Version != before.Version || after.CurrentTime != 6 {
		t.Fatalf("state mutated after teardown: before=%+v after=%+v", before, after)
	}
	if fh.calls() != calls {
		t.Fatalf("backend polled after teardown")
	}
	if after.Phase != model.PhaseReleased {
		t.Fatalf("expected released phase, got %s", after.Phase)
	}

	if err := h.tracker.Release(); err != nil {
		t.Fatalf("second release should be a no-op: %v", err)
	}
	if err := h.tracker.PlayPause(); !errors.Is(err, ErrReleased) {
		t.Fatalf("expected ErrReleased, got %v", err)
	}
	if err := h.tracker.Load(context.Background(), "u", storyTimestamps); !errors.Is(err, ErrReleased) {
		t.Fatalf("expected ErrReleased on load, got %v", err)
	}
}

// TestLoadReplacesSource 验证替换音频源会停止旧轮询、释放旧句柄，并忽略旧句柄的完成回调。
func TestLoadReplacesSource(t *testing.T) {
	h := newHarness(t, 15.0, nil)
	first := h.load(t, storyTimestamps)

	if err := h.tracker.PlayPause(); err != nil {
		t.Fatalf("play: %v", err)
	}
	oldTicker := h.tickers.last()

	h.load(t, []float64{0, 2})
	if !oldTicker.isStopped() {
		t.Fatalf("expected old poll timer stopped on source change")
	}
	if !first.isReleased() {
		t.Fatalf("expected old handle released on source change")
	}

	first.complete(true)
	state := h.tracker.State()
	if state.Phase != model.PhaseLoaded || state.CurrentTime != 0 {
		t.Fatalf("stale completion must be ignored, got %+v", state)
	}
	if len(h.tracker.Timestamps()) != 2 {
		t.Fatalf("expected new timestamp table")
	}
}

// TestReleaseDuringLoad 验证加载过程中销毁页面，迟到的句柄会被直接释放。
func TestReleaseDuringLoad(t *testing.T) {
	h := newHarness(t, 15.0, nil)
	h.backend.loadGate = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		done <- h.tracker.Load(context.Background(), "u", storyTimestamps)
	}()

	deadline := time.Now().Add(time.Second)
	for {
		h.backend.mu.Lock()
		loads := h.backend.loads
		h.backend.mu.Unlock()
		if loads == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("load never reached backend")
		}
		time.Sleep(time.Millisecond)
	}

	if err := h.tracker.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	close(h.backend.loadGate)

	if err := <-done; !errors.Is(err, ErrReleased) {
		t.Fatalf("expected ErrReleased, got %v", err)
	}
	if !h.backend.handle(0).isReleased() {
		t.Fatalf("late handle must be released")
	}
}

// TestCompletionStopsAtEnd 验证播放结束后停在结尾、取消高亮，再次播放从头开始。
func TestCompletionStopsAtEnd(t *testing.T) {
	h := newHarness(t, 15.0, nil)
	fh := h.load(t, storyTimestamps)

	if err := h.tracker.PlayPause(); err != nil {
		t.Fatalf("play: %v", err)
	}
	ticker := h.tickers.last()
	fh.complete(true)

	state := h.tracker.State()
	if state.Phase != model.PhasePaused || state.IsPlaying || state.CurrentTime != 15 {
		t.Fatalf("expected paused at end, got %+v", state)
	}
	if state.ActiveSentence != nil {
		t.Fatalf("expected no active sentence at end, got %d", *state.ActiveSentence)
	}
	waitStopped(t, ticker)

	if err := h.tracker.PlayPause(); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if got := h.tracker.State().CurrentTime; got != 0 {
		t.Fatalf("expected replay from 0, got %v", got)
	}
}

// TestCompletionFailureReportsError 验证后端异常结束时上报 ErrPlaybackFailed。
func TestCompletionFailureReportsError(t *testing.T) {
	h := newHarness(t, 15.0, nil)
	fh := h.load(t, storyTimestamps)

	if err := h.tracker.PlayPause(); err != nil {
		t.Fatalf("play: %v", err)
	}
	fh.complete(false)

	select {
	case err := <-h.errs:
		if !errors.Is(err, ErrPlaybackFailed) {
			t.Fatalf("expected ErrPlaybackFailed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected playback failure reported")
	}
	if state := h.tracker.State(); state.IsPlaying || state.LastError == "" {
		t.Fatalf("expected stopped with error, got %+v", state)
	}
}

// TestPlayErrorKeepsControlsUsable 验证后端 Play 失败时不启动轮询，状态记录错误。
func TestPlayErrorKeepsControlsUsable(t *testing.T) {
	h := newHarness(t, 15.0, nil)
	fh := h.load(t, storyTimestamps)
	fh.playErr = errors.New("device busy")

	if err := h.tracker.PlayPause(); err == nil {
		t.Fatalf("expected play error")
	}
	if h.tickers.count() != 0 {
		t.Fatalf("poll must not start when play fails")
	}
	state := h.tracker.State()
	if state.IsPlaying || state.Phase != model.PhaseLoaded || state.LastError == "" {
		t.Fatalf("expected loaded with error, got %+v", state)
	}
}

// TestTrackerJournalsTransitions 验证每个离散事件都写入 timeline，tick 不写。
func TestTrackerJournalsTransitions(t *testing.T) {
	journal := timeline.NewInMemoryStore(0)
	h := newHarness(t, 15.0, journal)
	fh := h.load(t, storyTimestamps)

	if err := h.tracker.PlayPause(); err != nil {
		t.Fatalf("play: %v", err)
	}
	fh.setPos(1)
	h.tickers.last().tick()
	h.waitState(t, func(s model.PlaybackState) bool { return s.CurrentTime == 1 })
	if err := h.tracker.SeekToSentence(2); err != nil {
		t.Fatalf("tap: %v", err)
	}
	if err := h.tracker.PlayPause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := h.tracker.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}

	events, err := journal.List(context.Background(), "screen-test")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{model.EventLoad, model.EventPlay, model.EventSentenceTap, model.EventPause, model.EventRelease}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %d: %+v", len(want), len(events), events)
	}
	for i, typ := range want {
		if events[i].Type != typ {
			t.Fatalf("event %d: expected %s, got %s", i, typ, events[i].Type)
		}
	}
	if events[2].Index == nil || *events[2].Index != 2 || events[2].Position != 11 {
		t.Fatalf("unexpected sentence tap payload: %+v", events[2])
	}
}

func waitStopped(t *testing.T, ticker *manualTicker) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !ticker.isStopped() {
		if time.Now().After(deadline) {
			t.Fatalf("poll timer was not stopped")
		}
		time.Sleep(time.Millisecond)
	}
}
