// Package audio 实现基于 beep 的播放后端：下载远程 TTS 音频、解码、输出到扬声器。
package audio

import (
	"bytes"
	"errors"
	"fmt"
	"mime"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/mp3"
	beepwav "github.com/faiface/beep/wav"
	gowav "github.com/go-audio/wav"
)

// Format 音频容器格式。
type Format string

const (
	FormatMP3 Format = "mp3"
	FormatWAV Format = "wav"
)

// ErrUnsupportedFormat 无法识别或不支持的音频格式。
var ErrUnsupportedFormat = errors.New("audio: unsupported format")

// Clip 是解码后的可寻址音频流。
// 除 Duration 外的方法都必须在输出锁内调用。
type Clip struct {
	streamer beep.StreamSeekCloser
	format   beep.Format
	duration time.Duration
}

// Decode 解码内存中的音频数据。
func Decode(data []byte, f Format) (*Clip, error) {
	var (
		streamer beep.StreamSeekCloser
		format   beep.Format
		err      error
	)
	switch f {
	case FormatMP3:
		streamer, format, err = mp3.Decode(readSeekNopCloser{bytes.NewReader(data)})
	case FormatWAV:
		streamer, format, err = beepwav.Decode(bytes.NewReader(data))
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, f)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", f, err)
	}

	clip := &Clip{streamer: streamer, format: format}
	if n := streamer.Len(); n > 0 {
		clip.duration = format.SampleRate.D(n)
	}
	// WAV 头里的时长比按帧数推算更可靠（兼容带扩展块的文件）。
	if f == FormatWAV {
		if d, err := probeWAVDuration(data); err == nil && d > 0 {
			clip.duration = d
		}
	}
	return clip, nil
}

// Duration 返回元数据时长，未知时为 0。
func (c *Clip) Duration() time.Duration { return c.duration }

// Format 返回解码格式。
func (c *Clip) Format() beep.Format { return c.format }

// Position 返回解码器当前位置。
func (c *Clip) Position() time.Duration {
	return c.format.SampleRate.D(c.streamer.Position())
}

// Seek 跳到指定位置，越界 clamp 到 [0, Len]。
func (c *Clip) Seek(d time.Duration) error {
	n := c.format.SampleRate.N(d)
	if n < 0 {
		n = 0
	}
	if l := c.streamer.Len(); l > 0 && n > l {
		n = l
	}
	return c.streamer.Seek(n)
}

// Err 返回解码过程中遇到的错误。
func (c *Clip) Err() error { return c.streamer.Err() }

func (c *Clip) Close() error { return c.streamer.Close() }

func probeWAVDuration(data []byte) (time.Duration, error) {
	dec := gowav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return 0, fmt.Errorf("invalid wav file")
	}
	return dec.Duration()
}

// DetectFormat 依次根据 Content-Type、URL 扩展名、文件头判断格式。
func DetectFormat(uri, contentType string, data []byte) (Format, error) {
	if contentType != "" {
		if mt, _, err := mime.ParseMediaType(contentType); err == nil {
			switch mt {
			case "audio/mpeg", "audio/mp3", "audio/mpeg3":
				return FormatMP3, nil
			case "audio/wav", "audio/x-wav", "audio/wave", "audio/vnd.wave":
				return FormatWAV, nil
			}
		}
	}

	p := uri
	if u, err := url.Parse(uri); err == nil && u.Path != "" {
		p = u.Path
	}
	switch strings.ToLower(path.Ext(p)) {
	case ".mp3":
		return FormatMP3, nil
	case ".wav", ".wave":
		return FormatWAV, nil
	}

	switch {
	case len(data) >= 12 && string(data[:4]) == "RIFF" && string(data[8:12]) == "WAVE":
		return FormatWAV, nil
	case len(data) >= 3 && string(data[:3]) == "ID3":
		return FormatMP3, nil
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return FormatMP3, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, uri)
}

type readSeekNopCloser struct {
	*bytes.Reader
}

func (readSeekNopCloser) Close() error { return nil }
