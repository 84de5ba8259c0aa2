package playback

import (
	"errors"
	"fmt"
)

var (
	// ErrNotLoaded 音频尚未加载，播放控制不可用。
	ErrNotLoaded = errors.New("playback: audio not loaded")
	// ErrReleased 播放器已经销毁。
	ErrReleased = errors.New("playback: tracker released")
	// ErrNoTimestamp 该句子没有对应的时间戳。
	ErrNoTimestamp = errors.New("playback: no timestamp for sentence")
	// ErrSuperseded 加载过程中音频源被替换。
	ErrSuperseded = errors.New("playback: load superseded by a newer source")
	// ErrPlaybackFailed 后端报告播放异常结束。
	ErrPlaybackFailed = errors.New("playback: playback failed")
)

// AudioLoadError 音频加载失败：地址不可达或格式不支持。
type AudioLoadError struct {
	URI string
	Err error
}

func (e *AudioLoadError) Error() string {
	return fmt.Sprintf("load audio %q: %v", e.URI, e.Err)
}

func (e *AudioLoadError) Unwrap() error { return e.Err }
