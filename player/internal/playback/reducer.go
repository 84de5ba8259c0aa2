package playback

import (
	"storytime/player/internal/model"
)

// Reduce 只做“事实归约”，不触发任何后端调用。
// 约定：调用方已完成 clamp 与后端交互，evt.Position 即事件后的真实位置。
func Reduce(state *model.PlaybackState, evt model.Event, ts Timestamps) *model.PlaybackState {
	if state == nil {
		return nil
	}

	switch evt.Type {
	case model.EventLoad:
		state.Phase = model.PhaseLoaded
		state.SourceURI = evt.URI
		state.Duration = evt.Duration
		state.CurrentTime = 0
		state.IsPlaying = false
		state.LastError = ""
	case model.EventLoadFailed:
		state.Phase = model.PhaseIdle
		state.SourceURI = evt.URI
		state.Duration = 0
		state.CurrentTime = 0
		state.IsPlaying = false
		state.LastError = evt.Error
	case model.EventPlay, model.EventSentenceTap:
		// 点句子总是从该句开始播放，不论之前是否在播。
		state.Phase = model.PhasePlaying
		state.IsPlaying = true
		state.CurrentTime = evt.Position
		state.LastError = ""
	case model.EventPause:
		state.Phase = model.PhasePaused
		state.IsPlaying = false
		state.CurrentTime = evt.Position
	case model.EventSeek, model.EventTick:
		state.CurrentTime = evt.Position
	case model.EventComplete:
		state.Phase = model.PhasePaused
		state.IsPlaying = false
		state.CurrentTime = state.Duration
	case model.EventError:
		// 轮询或播放失败：停在当前位置，等待用户重试。
		if state.Phase == model.PhasePlaying {
			state.Phase = model.PhasePaused
		}
		state.IsPlaying = false
		state.LastError = evt.Error
	case model.EventRelease:
		state.Phase = model.PhaseReleased
		state.IsPlaying = false
	}

	state.ActiveSentence = ComputeActiveSentence(ts, state.CurrentTime, state.Duration)
	state.Version++
	return state
}
