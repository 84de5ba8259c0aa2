package audio

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"go.uber.org/zap"

	"storytime/player/internal/playback"
)

// DefaultMaxBytes 单个音频文件的下载上限。
const DefaultMaxBytes = 64 << 20

// Options 配置 Backend。
type Options struct {
	HTTPClient *http.Client
	Output     Output
	MaxBytes   int64
	Logger     *zap.Logger
}

// Backend 从 http(s) 或本地文件加载音频，实现 playback.Backend。
type Backend struct {
	client   *http.Client
	output   Output
	maxBytes int64
	logger   *zap.Logger
}

var _ playback.Backend = (*Backend)(nil)

func NewBackend(opts Options) *Backend {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Output == nil {
		opts.Output = NewSpeaker(DefaultSampleRate, 0)
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Backend{
		client:   opts.HTTPClient,
		output:   opts.Output,
		maxBytes: opts.MaxBytes,
		logger:   opts.Logger,
	}
}

// Load 下载并解码音频，返回尚未开始播放的句柄。
func (b *Backend) Load(ctx context.Context, uri string) (playback.Handle, error) {
	data, contentType, err := b.fetch(ctx, uri)
	if err != nil {
		return nil, err
	}
	format, err := DetectFormat(uri, contentType, data)
	if err != nil {
		return nil, err
	}
	clip, err := Decode(data, format)
	if err != nil {
		return nil, err
	}
	b.logger.Debug("[Audio] decoded",
		zap.String("uri", uri),
		zap.String("format", string(format)),
		zap.Int("sample_rate", int(clip.format.SampleRate)),
		zap.Duration("duration", clip.duration))
	return newHandle(b.output, clip), nil
}

func (b *Backend) fetch(ctx context.Context, uri string) ([]byte, string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, "", fmt.Errorf("parse uri: %w", err)
	}

	switch u.Scheme {
	case "http", "https":
	case "file":
		data, err := b.readFile(u.Path)
		return data, "", err
	case "":
		data, err := b.readFile(uri)
		return data, "", err
	default:
		return nil, "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, b.maxBytes+1))
	if err != nil {
		return nil, "", err
	}
	if int64(len(data)) > b.maxBytes {
		return nil, "", fmt.Errorf("audio exceeds %d bytes", b.maxBytes)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func (b *Backend) readFile(p string) ([]byte, error) {
	info, err := os.Stat(p)
	if err != nil {
		return nil, err
	}
	if info.Size() > b.maxBytes {
		return nil, fmt.Errorf("audio exceeds %d bytes", b.maxBytes)
	}
	return os.ReadFile(p)
}
