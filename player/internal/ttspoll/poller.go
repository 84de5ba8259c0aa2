// Package ttspoll 等待故事语音生成完成：固定间隔轮询，次数有上限，可取消。
package ttspoll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"storytime/player/internal/model"
	"storytime/player/internal/session"
	"storytime/player/internal/storyapi"
)

const (
	DefaultInterval   = 5 * time.Second
	DefaultMaxRetries = 10
)

// ErrTTSNotAvailable 重试次数用完语音仍未就绪。
var ErrTTSNotAvailable = errors.New("ttspoll: tts not available")

var errNotReady = errors.New("tts not ready")

// FetchFunc 查询一次语音资源，未就绪时返回 (nil, nil)。
type FetchFunc func(ctx context.Context, storyID int64) (*model.TTSAsset, error)

type Options struct {
	Interval   time.Duration
	MaxRetries int
	Logger     *zap.Logger
}

type Poller struct {
	interval   time.Duration
	maxRetries int
	logger     *zap.Logger
}

func New(opts Options) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Poller{interval: opts.Interval, maxRetries: opts.MaxRetries, logger: opts.Logger}
}

// Wait 先立即查询一次，之后每隔 interval 重试，最多 maxRetries 次。
// 查询出错和未就绪一样会重试；登录失效立即返回。
func (p *Poller) Wait(ctx context.Context, storyID int64, fetch FetchFunc) (*model.TTSAsset, error) {
	var (
		asset   *model.TTSAsset
		lastErr error
		attempt int
	)
	op := func() error {
		attempt++
		a, err := fetch(ctx, storyID)
		if err != nil {
			if permanent(err) {
				return backoff.Permanent(err)
			}
			lastErr = err
			return err
		}
		if a == nil || a.URL == "" {
			return errNotReady
		}
		asset = a
		return nil
	}
	notify := func(err error, next time.Duration) {
		p.logger.Info("[TTSPoll] tts not ready, retrying",
			zap.Int64("story_id", storyID),
			zap.Int("attempt", attempt),
			zap.Duration("next", next),
			zap.NamedError("cause", err))
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.interval), uint64(p.maxRetries)),
		ctx)
	err := backoff.RetryNotify(op, b, notify)
	switch {
	case err == nil:
		p.logger.Info("[TTSPoll] tts ready", zap.Int64("story_id", storyID), zap.Int("attempts", attempt))
		return asset, nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(err, errNotReady) || errors.Is(err, lastErr):
		p.logger.Warn("[TTSPoll] giving up", zap.Int64("story_id", storyID), zap.Int("attempts", attempt))
		if lastErr != nil {
			return nil, fmt.Errorf("%w after %d attempts: %v", ErrTTSNotAvailable, attempt, lastErr)
		}
		return nil, fmt.Errorf("%w after %d attempts", ErrTTSNotAvailable, attempt)
	default:
		return nil, err
	}
}

func permanent(err error) bool {
	return errors.Is(err, session.ErrExpired) ||
		errors.Is(err, session.ErrNotLoggedIn) ||
		storyapi.IsUnauthorized(err) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
