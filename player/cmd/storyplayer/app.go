package main

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"storytime/player/internal/audio"
	"storytime/player/internal/config"
	"storytime/player/internal/model"
	"storytime/player/internal/playback"
	"storytime/player/internal/screen"
	"storytime/player/internal/session"
	"storytime/player/internal/storyapi"
	"storytime/player/internal/timeline"
	"storytime/player/internal/ttspoll"
)

// app 持有进程级协作者，按需为每个播放页组装 Tracker 和 Screen。
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	client  *storyapi.Client
	session *session.Session
	journal *timeline.InMemoryStore
	backend playback.Backend
	tts     *ttspoll.Poller

	mu       sync.Mutex
	expiries []func()
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		journal: timeline.NewInMemoryStore(cfg.Playback.JournalLimit),
		backend: audio.NewBackend(audio.Options{Logger: logger}),
		tts: ttspoll.New(ttspoll.Options{
			Interval:   cfg.TTS.PollInterval,
			MaxRetries: cfg.TTS.MaxRetries,
			Logger:     logger,
		}),
	}

	client, err := storyapi.NewClient(storyapi.Options{
		BaseURL:     cfg.API.BaseURL,
		Timeout:     cfg.API.Timeout,
		ReissuePath: cfg.Auth.ReissuePath,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("story api client: %w", err)
	}
	a.client = client

	var store session.Store = session.NewInMemoryStore()
	if cfg.Auth.TokenFile != "" {
		store = session.NewFileStore(cfg.Auth.TokenFile, cfg.Auth.Passphrase)
	}
	a.session = session.New(store, session.Options{
		Refresher: client,
		OnExpired: a.sessionExpired,
		Logger:    logger,
	})
	client.UseTokens(a.session)

	if cfg.Auth.AccessToken != "" {
		if err := a.session.Login(ctx, session.Tokens{
			AccessToken:  cfg.Auth.AccessToken,
			RefreshToken: cfg.Auth.RefreshToken,
		}); err != nil {
			return nil, err
		}
	} else if !a.session.LoggedIn(ctx) {
		logger.Warn("[Main] no stored tokens, requests will fail until login")
	}
	return a, nil
}

// onExpired 注册会话失效时的重置动作。
func (a *app) onExpired(f func()) {
	a.mu.Lock()
	a.expiries = append(a.expiries, f)
	a.mu.Unlock()
}

func (a *app) sessionExpired() {
	a.mu.Lock()
	fs := append([]func(){}, a.expiries...)
	a.mu.Unlock()
	a.logger.Warn("[Main] session expired, please log in again")
	for _, f := range fs {
		f()
	}
}

// newScreen 组装一个播放页。
func (a *app) newScreen(onState func(model.PlaybackState)) *screen.Screen {
	tracker := playback.New(playback.Options{
		Backend:         a.backend,
		PollInterval:    a.cfg.Playback.PollInterval,
		DefaultDuration: a.cfg.Playback.DefaultDuration,
		Journal:         a.journal,
		Logger:          a.logger,
		OnState:         onState,
		OnError: func(err error) {
			a.logger.Warn("[Main] playback error", zap.Error(err))
		},
	})
	return screen.New(screen.Options{
		Service:     a.client,
		Tracker:     tracker,
		TTS:         a.tts,
		SkipSeconds: a.cfg.Playback.SkipSeconds,
		Logger:      a.logger,
	})
}
