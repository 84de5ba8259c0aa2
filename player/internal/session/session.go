// Package session 管理登录令牌：保存、过期判断、刷新，以及刷新失败后的会话失效。
//
// 令牌通过 Session 显式传递给需要鉴权的客户端，不使用进程级全局变量。
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

var (
	// ErrNotLoggedIn 尚未登录或令牌已被清除。
	ErrNotLoggedIn = errors.New("session: not logged in")
	// ErrExpired 刷新令牌失效，需要重新登录。
	ErrExpired = errors.New("session: expired, please log in again")
)

// DefaultExpirySkew 访问令牌在到期前多久视为已过期。
const DefaultExpirySkew = 30 * time.Second

// Refresher 用刷新令牌换取新的访问令牌。
type Refresher interface {
	Reissue(ctx context.Context, refreshToken string) (string, error)
}

type Options struct {
	Refresher Refresher
	// OnExpired 在会话失效、令牌清除后调用，用于回到登录页等重置动作。
	OnExpired func()
	Skew      time.Duration
	Logger    *zap.Logger
	Now       func() time.Time
}

// Session 是令牌的唯一持有者，可被多个 goroutine 共享。
type Session struct {
	store     Store
	refresher Refresher
	onExpired func()
	skew      time.Duration
	logger    *zap.Logger
	now       func() time.Time

	// refreshMu 串行化刷新，避免并发 401 触发多次换票。
	refreshMu sync.Mutex
}

func New(store Store, opts Options) *Session {
	if opts.Skew <= 0 {
		opts.Skew = DefaultExpirySkew
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Session{
		store:     store,
		refresher: opts.Refresher,
		onExpired: opts.OnExpired,
		skew:      opts.Skew,
		logger:    opts.Logger,
		now:       opts.Now,
	}
}

// SetRefresher 在客户端与会话互相引用时延迟注入。
func (s *Session) SetRefresher(r Refresher) {
	s.refreshMu.Lock()
	s.refresher = r
	s.refreshMu.Unlock()
}

// Login 保存登录得到的令牌。
func (s *Session) Login(ctx context.Context, t Tokens) error {
	if t.AccessToken == "" {
		return fmt.Errorf("session: empty access token")
	}
	if err := s.store.Save(ctx, &t); err != nil {
		return fmt.Errorf("save tokens: %w", err)
	}
	if exp, ok := ExpiresAt(t.AccessToken); ok {
		s.logger.Info("[Session] logged in", zap.Time("access_expires_at", exp))
	} else {
		s.logger.Info("[Session] logged in")
	}
	return nil
}

// LoggedIn 报告当前是否持有令牌。
func (s *Session) LoggedIn(ctx context.Context) bool {
	t, err := s.store.Load(ctx)
	return err == nil && t.AccessToken != ""
}

// AccessToken 返回可用的访问令牌，已知过期时先刷新。
func (s *Session) AccessToken(ctx context.Context) (string, error) {
	t, err := s.store.Load(ctx)
	if errors.Is(err, ErrNotFound) {
		return "", ErrNotLoggedIn
	}
	if err != nil {
		return "", err
	}
	if exp, ok := ExpiresAt(t.AccessToken); ok && !s.now().Add(s.skew).Before(exp) {
		s.logger.Debug("[Session] access token near expiry, refreshing", zap.Time("expires_at", exp))
		return s.refresh(ctx, t.AccessToken)
	}
	return t.AccessToken, nil
}

// Refresh 在服务端返回 401 后调用，rejected 是被拒绝的访问令牌。
// 如果并发请求已经换过票，直接返回新令牌；rejected 为空时无条件换票。
// 刷新失败时清除令牌并触发 OnExpired，返回 ErrExpired。
func (s *Session) Refresh(ctx context.Context, rejected string) (string, error) {
	return s.refresh(ctx, rejected)
}

// refresh 中 stale 非空时，如果别的 goroutine 已经换过票就直接复用。
func (s *Session) refresh(ctx context.Context, stale string) (string, error) {
	var expired bool
	defer func() {
		if expired {
			s.notifyExpired()
		}
	}()
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	t, err := s.store.Load(ctx)
	if errors.Is(err, ErrNotFound) {
		return "", ErrNotLoggedIn
	}
	if err != nil {
		return "", err
	}
	if stale != "" && t.AccessToken != stale {
		return t.AccessToken, nil
	}
	if t.RefreshToken == "" || s.refresher == nil {
		expired = true
		s.expireLocked(ctx, "no refresh token")
		return "", ErrExpired
	}

	access, err := s.refresher.Reissue(ctx, t.RefreshToken)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		s.logger.Warn("[Session] reissue failed", zap.Error(err))
		expired = true
		s.expireLocked(ctx, "reissue failed")
		return "", fmt.Errorf("%w: %v", ErrExpired, err)
	}

	t.AccessToken = access
	if err := s.store.Save(ctx, t); err != nil {
		return "", fmt.Errorf("save tokens: %w", err)
	}
	s.logger.Info("[Session] access token reissued")
	return access, nil
}

// Expire 清除令牌并通知上层会话已失效。
func (s *Session) Expire(ctx context.Context) {
	s.refreshMu.Lock()
	s.expireLocked(ctx, "expired")
	s.refreshMu.Unlock()
	s.notifyExpired()
}

// Logout 清除令牌，不触发 OnExpired。
func (s *Session) Logout(ctx context.Context) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	return s.store.Clear(ctx)
}

func (s *Session) expireLocked(ctx context.Context, reason string) {
	if err := s.store.Clear(ctx); err != nil {
		s.logger.Warn("[Session] clear tokens failed", zap.Error(err))
	}
	s.logger.Info("[Session] session expired", zap.String("reason", reason))
}

// notifyExpired 在释放 refreshMu 之后调用，回调里可以安全地访问 Session。
func (s *Session) notifyExpired() {
	if s.onExpired != nil {
		s.onExpired()
	}
}

// ExpiresAt 读取 JWT 的 exp 声明。只解析不验签，签名由服务端负责。
func ExpiresAt(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
