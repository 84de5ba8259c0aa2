package model

import "time"

// Phase 播放器状态机的阶段。
// Idle -> Loaded -> Playing/Paused -> Released
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseLoaded   Phase = "loaded"
	PhasePlaying  Phase = "playing"
	PhasePaused   Phase = "paused"
	PhaseReleased Phase = "released"
)

// PlaybackState 是渲染层消费的派生状态，每次 tick 重算，不持久化。
type PlaybackState struct {
	ScreenID  string `json:"screen_id"`
	Phase     Phase  `json:"phase"`
	SourceURI string `json:"source_uri,omitempty"`

	CurrentTime float64 `json:"current_time"`
	Duration    float64 `json:"duration"`
	// ActiveSentence 为 nil 表示当前没有高亮句子。
	ActiveSentence *int `json:"active_sentence"`
	IsPlaying      bool `json:"is_playing"`

	LastError string `json:"last_error,omitempty"`
	// Version 每次状态变化递增，渲染端据此丢弃乱序推送。
	Version uint64 `json:"version"`
}

// Clone 返回深拷贝，ActiveSentence 不与原值共享。
func (s PlaybackState) Clone() PlaybackState {
	out := s
	if s.ActiveSentence != nil {
		idx := *s.ActiveSentence
		out.ActiveSentence = &idx
	}
	return out
}

// 播放事件类型。
const (
	EventLoad        = "load"
	EventLoadFailed  = "load_failed"
	EventPlay        = "play"
	EventPause       = "pause"
	EventSeek        = "seek"
	EventSentenceTap = "sentence_tap"
	EventTick        = "tick"
	EventComplete    = "complete"
	EventError       = "error"
	EventRelease     = "release"
)

// Event 表示时间线中的一个播放事件。
type Event struct {
	EventID  string `json:"event_id,omitempty"`
	ScreenID string `json:"screen_id"`
	Seq      int64  `json:"seq"`
	Type     string `json:"type"`

	// Position 事件发生后的播放位置（秒）。
	Position float64 `json:"position"`
	Duration float64 `json:"duration,omitempty"`
	Index    *int    `json:"index,omitempty"`
	URI      string  `json:"uri,omitempty"`
	Error    string  `json:"error,omitempty"`

	TS time.Time `json:"ts"`
}
