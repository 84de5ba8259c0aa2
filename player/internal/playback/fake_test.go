package playback

import (
	"context"
	"sync"
	"testing"
	"time"

	"storytime/player/internal/model"
	"storytime/player/internal/timeline"
)

type fakeHandle struct {
	mu         sync.Mutex
	pos        float64
	dur        float64
	playing    bool
	released   bool
	onComplete func(bool)
	timeErr    error
	playErr    error
	timeCalls  int
	playCalls  int
	seeks      []float64
}

func (h *fakeHandle) Play(onComplete func(ok bool)) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.playCalls++
	if h.playErr != nil {
		return h.playErr
	}
	h.playing = true
	h.onComplete = onComplete
	return nil
}

func (h *fakeHandle) Pause() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.playing = false
	return nil
}

func (h *fakeHandle) CurrentTime() (float64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.timeCalls++
	if h.timeErr != nil {
		return 0, h.timeErr
	}
	return h.pos, nil
}

func (h *fakeHandle) SetCurrentTime(seconds float64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pos = seconds
	h.seeks = append(h.seeks, seconds)
	return nil
}

func (h *fakeHandle) Duration() float64 { return h.dur }

func (h *fakeHandle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.released = true
	h.playing = false
	return nil
}

func (h *fakeHandle) setPos(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pos = v
}

func (h *fakeHandle) setTimeErr(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.timeErr = err
}

func (h *fakeHandle) calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.timeCalls
}

func (h *fakeHandle) complete(ok bool) {
	h.mu.Lock()
	cb := h.onComplete
	h.playing = false
	h.mu.Unlock()
	if cb != nil {
		cb(ok)
	}
}

func (h *fakeHandle) isReleased() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

type fakeBackend struct {
	mu       sync.Mutex
	dur      float64
	loadErr  error
	loads    int
	handles  []*fakeHandle
	loadGate chan struct{}
}

func (b *fakeBackend) Load(ctx context.Context, uri string) (Handle, error) {
	b.mu.Lock()
	gate := b.loadGate
	b.loads++
	b.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.loadErr != nil {
		return nil, b.loadErr
	}
	h := &fakeHandle{dur: b.dur}
	b.handles = append(b.handles, h)
	return h, nil
}

func (b *fakeBackend) handle(i int) *fakeHandle {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handles[i]
}

type manualTicker struct {
	ch      chan time.Time
	mu      sync.Mutex
	stopped bool
}

func (m *manualTicker) C() <-chan time.Time { return m.ch }

func (m *manualTicker) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
}

func (m *manualTicker) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

// tick 非阻塞地投递一次 tick，返回是否有接收方缓冲可用。
func (m *manualTicker) tick() bool {
	select {
	case m.ch <- time.Now():
		return true
	default:
		return false
	}
}

type tickerFactory struct {
	mu      sync.Mutex
	tickers []*manualTicker
}

func (f *tickerFactory) New(time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := &manualTicker{ch: make(chan time.Time, 1)}
	f.tickers = append(f.tickers, m)
	return m
}

func (f *tickerFactory) last() *manualTicker {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.tickers) == 0 {
		return nil
	}
	return f.tickers[len(f.tickers)-1]
}

func (f *tickerFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tickers)
}

type harness struct {
	tracker *Tracker
	backend *fakeBackend
	tickers *tickerFactory
	states  chan model.PlaybackState
	errs    chan error
}

func newHarness(t *testing.T, duration float64, journal timeline.Store) *harness {
	t.Helper()
	h := &harness{
		backend: &fakeBackend{dur: duration},
		tickers: &tickerFactory{},
		states:  make(chan model.PlaybackState, 256),
		errs:    make(chan error, 8),
	}
	opts := Options{
		Backend:   h.backend,
		ScreenID:  "screen-test",
		NewTicker: h.tickers.New,
		OnState: func(s model.PlaybackState) {
			select {
			case h.states <- s:
			default:
			}
		},
		OnError: func(err error) {
			select {
			case h.errs <- err:
			default:
			}
		},
	}
	opts.Journal = journal
	h.tracker = New(opts)
	t.Cleanup(func() { _ = h.tracker.Release() })
	return h
}

func (h *harness) load(t *testing.T, timestamps []float64) *fakeHandle {
	t.Helper()
	if err := h.tracker.Load(context.Background(), "https://cdn.example.com/tts/1.mp3", timestamps); err != nil {
		t.Fatalf("load: %v", err)
	}
	return h.backend.handle(len(h.backend.handles) - 1)
}

// waitState 等待满足条件的状态推送。
func (h *harness) waitState(t *testing.T, pred func(model.PlaybackState) bool) model.PlaybackState {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case s := <-h.states:
			if pred(s) {
				return s
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state, last=%+v", h.tracker.State())
			return model.PlaybackState{}
		}
	}
}

func (h *harness) drainStates() {
	for {
		select {
		case <-h.states:
		default:
			return
		}
	}
}
