package audio

import (
	"errors"
	"sync"
	"time"

	"github.com/faiface/beep"
)

var errHandleReleased = errors.New("audio: handle released")

// handle 把一个 Clip 挂到输出设备上。
//
// 锁顺序：mu 在前，输出锁在后。设备回调只拿 mu，且在新 goroutine 里拿。
type handle struct {
	out  Output
	clip *Clip
	ctrl *beep.Ctrl

	mu         sync.Mutex
	onComplete func(ok bool)
	queued     bool
	released   bool
}

func newHandle(out Output, clip *Clip) *handle {
	return &handle{
		out:  out,
		clip: clip,
		ctrl: &beep.Ctrl{Streamer: clip.streamer, Paused: true},
	}
}

func (h *handle) Play(onComplete func(ok bool)) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return errHandleReleased
	}
	if err := h.out.Init(); err != nil {
		return err
	}
	h.onComplete = onComplete

	h.out.Lock()
	h.ctrl.Paused = false
	h.out.Unlock()

	if !h.queued {
		h.queued = true
		var s beep.Streamer = h.ctrl
		if rate := h.out.SampleRate(); rate != h.clip.format.SampleRate {
			s = beep.Resample(4, h.clip.format.SampleRate, rate, h.ctrl)
		}
		h.out.Play(beep.Seq(s, beep.Callback(h.finished)))
	}
	return nil
}

// finished 由设备线程在持有输出锁时调用。
func (h *handle) finished() {
	ok := h.clip.Err() == nil
	go func() {
		h.mu.Lock()
		h.queued = false
		cb := h.onComplete
		released := h.released
		h.mu.Unlock()
		if cb != nil && !released {
			cb(ok)
		}
	}()
}

func (h *handle) Pause() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return errHandleReleased
	}
	h.out.Lock()
	h.ctrl.Paused = true
	h.out.Unlock()
	return nil
}

func (h *handle) CurrentTime() (float64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return 0, errHandleReleased
	}
	h.out.Lock()
	pos := h.clip.Position()
	err := h.clip.Err()
	h.out.Unlock()
	if err != nil {
		return 0, err
	}
	return pos.Seconds(), nil
}

func (h *handle) SetCurrentTime(seconds float64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return errHandleReleased
	}
	h.out.Lock()
	defer h.out.Unlock()
	return h.clip.Seek(time.Duration(seconds * float64(time.Second)))
}

func (h *handle) Duration() float64 {
	return h.clip.Duration().Seconds()
}

// Release 从混音器摘掉流并关闭解码器，重复调用无副作用。
func (h *handle) Release() error {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return nil
	}
	h.released = true
	h.mu.Unlock()

	h.out.Lock()
	h.ctrl.Streamer = nil
	h.ctrl.Paused = true
	err := h.clip.Close()
	h.out.Unlock()
	return err
}
