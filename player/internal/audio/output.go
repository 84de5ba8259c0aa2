package audio

import (
	"sync"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/speaker"
)

// Output 是混音输出设备。Lock/Unlock 与设备回调互斥。
type Output interface {
	Init() error
	SampleRate() beep.SampleRate
	Play(s beep.Streamer)
	Lock()
	Unlock()
}

// DefaultSampleRate 扬声器输出采样率，解码采样率不同时重采样。
const DefaultSampleRate = beep.SampleRate(44100)

// Speaker 是基于 beep/speaker 的系统扬声器输出，进程内只初始化一次。
type Speaker struct {
	rate    beep.SampleRate
	buffer  time.Duration
	once    sync.Once
	initErr error
}

func NewSpeaker(rate beep.SampleRate, buffer time.Duration) *Speaker {
	if rate <= 0 {
		rate = DefaultSampleRate
	}
	if buffer <= 0 {
		buffer = 100 * time.Millisecond
	}
	return &Speaker{rate: rate, buffer: buffer}
}

// Init 懒初始化音频设备，首次播放时才占用设备。
func (s *Speaker) Init() error {
	s.once.Do(func() {
		s.initErr = speaker.Init(s.rate, s.rate.N(s.buffer))
	})
	return s.initErr
}

func (s *Speaker) SampleRate() beep.SampleRate { return s.rate }
func (s *Speaker) Play(st beep.Streamer)        { speaker.Play(st) }
func (s *Speaker) Lock()                        { speaker.Lock() }
func (s *Speaker) Unlock()                      { speaker.Unlock() }
