package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"storytime/player/internal/api"
	"storytime/player/internal/config"
	"storytime/player/internal/logging"
)

func main() {
	// 敏感信息（令牌、口令）走环境变量或 .env，其余参数走配置文件。
	// - STORY_ACCESS_TOKEN / STORY_REFRESH_TOKEN：无交互登录
	// - STORY_TOKEN_FILE / STORY_TOKEN_PASSPHRASE：令牌加密落盘
	configPath := flag.String("config", "", "config file path (yaml)")
	mode := flag.String("mode", "serve", "serve | repl")
	storyID := flag.Int64("story", 0, "story id to open on start (repl mode)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("[Main] init app failed", zap.Error(err))
	}

	switch *mode {
	case "serve":
		err = serve(ctx, a)
	case "repl":
		err = runREPL(ctx, a, *storyID)
	default:
		logger.Fatal("[Main] unknown mode", zap.String("mode", *mode))
	}
	if err != nil {
		logger.Fatal("[Main] exited with error", zap.Error(err))
	}
}

func serve(ctx context.Context, a *app) error {
	srv := api.NewServer(api.Options{
		NewScreen:      a.newScreen,
		Journal:        a.journal,
		Logger:         a.logger,
		AllowedOrigins: a.cfg.Server.AllowedOrigins,
	})
	a.onExpired(srv.ResetSession)

	httpServer := &http.Server{
		Addr:              a.cfg.Addr(),
		Handler:           srv.Routes(),
		ReadHeaderTimeout: a.cfg.Server.ReadTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("[Main] storyplayer listening", zap.String("addr", httpServer.Addr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("[Main] shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// 先释放播放器和 WebSocket，否则长连接会拖住 Shutdown。
	if err := srv.Close(); err != nil {
		a.logger.Warn("[Main] close control server failed", zap.Error(err))
	}
	return httpServer.Shutdown(shutdownCtx)
}
