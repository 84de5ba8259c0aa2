// Package api 是播放器的本地控制面：渲染端通过 HTTP 操作播放页，
// 通过 WebSocket 接收播放状态推送并发送控制命令。
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"storytime/player/internal/model"
	"storytime/player/internal/playback"
	"storytime/player/internal/screen"
	"storytime/player/internal/session"
	"storytime/player/internal/storyapi"
	"storytime/player/internal/timeline"
	"storytime/player/internal/ttspoll"
)

// ScreenFactory 创建一个新的播放页，onState 接收该页的播放状态变化。
type ScreenFactory func(onState func(model.PlaybackState)) *screen.Screen

type Options struct {
	NewScreen ScreenFactory
	Journal   timeline.Store
	Logger    *zap.Logger
	// AllowedOrigins 允许跨域访问的渲染端地址。
	AllowedOrigins []string
}

// Server 同一时刻只持有一个播放页，打开新故事会先关闭旧的。
type Server struct {
	newScreen ScreenFactory
	journal   timeline.Store
	logger    *zap.Logger
	origins   map[string]bool
	hub       *hub
	upgrader  websocket.Upgrader

	mu     sync.Mutex
	screen *screen.Screen
	queue  *CommandQueue
}

func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Server{
		newScreen: opts.NewScreen,
		journal:   opts.Journal,
		logger:    opts.Logger,
		origins:   make(map[string]bool),
		hub:       newHub(opts.Logger),
	}
	for _, o := range opts.AllowedOrigins {
		s.origins[o] = true
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.origins[origin]
		},
	}
	return s
}

func (s *Server) Routes() http.Handler {
	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLogger(), s.corsMiddleware())
	engine.GET("/healthz", s.handleHealthz)

	engine.POST("/api/screen/open", s.handleOpen)
	engine.GET("/api/screen", s.handleView)
	engine.DELETE("/api/screen", s.handleClose)
	engine.GET("/api/screen/timeline", s.handleTimeline)
	engine.GET("/api/screen/questions", s.handleQuestions)
	engine.POST("/api/screen/qna", s.handleStartQnA)
	engine.POST("/api/screen/doll", s.handleDoll)

	engine.POST("/api/player/toggle", s.handleCommand(func(c *gin.Context) (*Command, error) {
		return &Command{Type: CommandToggle}, nil
	}))
	engine.POST("/api/player/seek", s.handleCommand(func(c *gin.Context) (*Command, error) {
		var req struct {
			Seconds *float64 `json:"seconds" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			return nil, err
		}
		return &Command{Type: CommandSeek, Value: *req.Seconds}, nil
	}))
	engine.POST("/api/player/skip", s.handleCommand(func(c *gin.Context) (*Command, error) {
		var req struct {
			Delta *float64 `json:"delta" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			return nil, err
		}
		return &Command{Type: CommandSkip, Value: *req.Delta}, nil
	}))
	engine.POST("/api/player/sentences/:index", s.handleCommand(func(c *gin.Context) (*Command, error) {
		idx, err := strconv.Atoi(c.Param("index"))
		if err != nil {
			return nil, fmt.Errorf("invalid sentence index %q", c.Param("index"))
		}
		return &Command{Type: CommandSentence, Value: float64(idx)}, nil
	}))
	engine.GET("/api/player/stream", s.handleStream)
	return engine
}

// Close 关闭当前播放页和所有 WebSocket 连接。
func (s *Server) Close() error {
	err := s.teardown(s.detach())
	s.hub.closeAll()
	return err
}

// ResetSession 在登录失效后关闭播放页，并通知渲染端回到登录页。
func (s *Server) ResetSession() {
	if err := s.teardown(s.detach()); err != nil {
		s.logger.Warn("[API] close screen on session reset failed", zap.Error(err))
	}
	s.hub.broadcast(streamMessage{Type: "session_expired"})
	s.logger.Info("[API] session expired, screen reset")
}

// detach 取下当前播放页，之后的请求看不到它。
func (s *Server) detach() (*screen.Screen, *CommandQueue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	scr, q := s.screen, s.queue
	s.screen, s.queue = nil, nil
	return scr, q
}

// teardown 停掉命令队列，释放播放页并丢弃它的事件日志。
func (s *Server) teardown(scr *screen.Screen, q *CommandQueue) error {
	if q != nil {
		q.Close()
	}
	if scr == nil {
		return nil
	}
	err := scr.Close()
	if s.journal != nil {
		if dropErr := s.journal.Drop(context.Background(), scr.ID()); dropErr != nil {
			s.logger.Warn("[API] drop journal failed", zap.String("screen_id", scr.ID()), zap.Error(dropErr))
		}
	}
	return err
}

func (s *Server) current() (*screen.Screen, *CommandQueue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.screen, s.queue
}

// handleHealthz 返回服务健康状态，打开播放页时附带命令队列统计。
func (s *Server) handleHealthz(c *gin.Context) {
	resp := gin.H{"status": "ok"}
	if _, q := s.current(); q != nil {
		resp["queue"] = q.Stats()
	}
	c.JSON(http.StatusOK, resp)
}

type openRequest struct {
	StoryID int64 `json:"story_id" binding:"required,gt=0"`
}

// handleOpen 打开故事：替换当前播放页，等待语音并加载。
func (s *Server) handleOpen(c *gin.Context) {
	var req openRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "story_id required"})
		return
	}

	scr := s.newScreen(func(st model.PlaybackState) {
		s.hub.broadcast(streamMessage{Type: "state", State: st})
	})
	queue := NewCommandQueue(scr.ID(), s.commandHandler(scr), s.logger)

	s.mu.Lock()
	oldScreen, oldQueue := s.screen, s.queue
	s.screen, s.queue = scr, queue
	s.mu.Unlock()

	if err := s.teardown(oldScreen, oldQueue); err != nil {
		s.logger.Warn("[API] close previous screen failed", zap.Error(err))
	}

	if err := scr.Open(c.Request.Context(), req.StoryID); err != nil {
		s.logger.Warn("[API] open story failed", zap.Int64("story_id", req.StoryID), zap.Error(err))
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, scr.View())
}

// handleView 返回当前播放页快照。
func (s *Server) handleView(c *gin.Context) {
	scr, _ := s.current()
	if scr == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no screen opened"})
		return
	}
	c.JSON(http.StatusOK, scr.View())
}

// handleClose 离开播放页。
func (s *Server) handleClose(c *gin.Context) {
	if err := s.teardown(s.detach()); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleTimeline(c *gin.Context) {
	scr, _ := s.current()
	if scr == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no screen opened"})
		return
	}
	if s.journal == nil {
		c.JSON(http.StatusOK, []model.Event{})
		return
	}
	events, err := s.journal.List(c.Request.Context(), scr.ID())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, events)
}

func (s *Server) handleQuestions(c *gin.Context) {
	scr, _ := s.current()
	if scr == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no screen opened"})
		return
	}
	set, err := scr.LoadQuestions(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, set)
}

type startQnARequest struct {
	ChildID int64 `json:"child_id"`
}

func (s *Server) handleStartQnA(c *gin.Context) {
	scr, _ := s.current()
	if scr == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no screen opened"})
		return
	}
	var req startQnARequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	ctx := c.Request.Context()
	// 先拉孩子列表用于校验归属，失败不阻断。
	if req.ChildID != 0 {
		if _, err := scr.LoadChildren(ctx); err != nil {
			s.logger.Warn("[API] load children failed", zap.Error(err))
		}
	}
	if err := scr.StartQnA(ctx, req.ChildID); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "started"})
}

func (s *Server) handleDoll(c *gin.Context) {
	scr, _ := s.current()
	if scr == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no screen opened"})
		return
	}
	if err := scr.PlayOnDoll(c.Request.Context()); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "playing"})
}

// handleCommand 把播放控制请求交给当前播放页的命令队列，处理完返回最新状态。
func (s *Server) handleCommand(parse func(c *gin.Context) (*Command, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		cmd, err := parse(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		scr, q := s.current()
		if scr == nil {
			s.respondError(c, playback.ErrNotLoaded)
			return
		}
		if err := q.EnqueueSync(c.Request.Context(), cmd, 0); err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, scr.Tracker().State())
	}
}

func (s *Server) commandHandler(scr *screen.Screen) CommandHandler {
	return func(_ context.Context, cmd *Command) error {
		switch cmd.Type {
		case CommandToggle:
			return scr.TogglePlay()
		case CommandSeek:
			return scr.Seek(cmd.Value)
		case CommandSkip:
			return scr.Skip(cmd.Value)
		case CommandSentence:
			return scr.TapSentence(int(cmd.Value))
		default:
			return fmt.Errorf("%w: %q", errUnknownCommand, cmd.Type)
		}
	}
}

var errUnknownCommand = errors.New("unknown command")

// handleStream 推送播放状态，并接收渲染端发来的控制命令。
func (s *Server) handleStream(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("[API] upgrade websocket failed", zap.Error(err))
		return
	}
	client := s.hub.add(conn)
	defer s.hub.remove(client)

	if scr, _ := s.current(); scr != nil {
		s.hub.sendTo(client, streamMessage{Type: "state", State: scr.Tracker().State()})
	}

	for {
		var cmd Command
		if err := conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("[API] websocket read failed", zap.Error(err))
			}
			return
		}
		_, q := s.current()
		if q == nil {
			s.hub.sendTo(client, streamMessage{Type: "error", Error: playback.ErrNotLoaded.Error()})
			continue
		}
		if cmd.Async {
			// 不等结果，处理失败只记日志；入队失败告知该连接。
			if err := q.Enqueue(&cmd); err != nil {
				s.hub.sendTo(client, streamMessage{Type: "error", Error: err.Error()})
			}
			continue
		}
		// 同一连接的命令按顺序执行，结果通过状态推送体现；失败单独告知该连接。
		ctx, cancel := context.WithTimeout(context.Background(), defaultCommandTimeout)
		err := q.EnqueueSync(ctx, &cmd, 0)
		cancel()
		if err != nil {
			s.hub.sendTo(client, streamMessage{Type: "error", Error: err.Error()})
		}
	}
}

// statusFor 把领域错误映射成 HTTP 状态码。
func statusFor(err error) int {
	var loadErr *playback.AudioLoadError
	switch {
	case errors.Is(err, playback.ErrNotLoaded),
		errors.Is(err, screen.ErrNoStory),
		errors.Is(err, screen.ErrAlreadyOpen),
		errors.Is(err, screen.ErrDollBusy):
		return http.StatusConflict
	case errors.Is(err, playback.ErrNoTimestamp),
		errors.Is(err, screen.ErrSentenceNotFound),
		errors.Is(err, screen.ErrNoChildSelected),
		errors.Is(err, screen.ErrUnknownChild),
		errors.Is(err, screen.ErrNoQuestionArray),
		errors.Is(err, errUnknownCommand):
		return http.StatusBadRequest
	case errors.Is(err, screen.ErrNoQuestions), storyapi.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, playback.ErrReleased),
		errors.Is(err, playback.ErrSuperseded),
		errors.Is(err, screen.ErrClosed),
		errors.Is(err, ErrQueueClosed):
		return http.StatusGone
	case errors.Is(err, session.ErrExpired), errors.Is(err, session.ErrNotLoggedIn):
		return http.StatusUnauthorized
	case errors.Is(err, ttspoll.ErrTTSNotAvailable):
		return http.StatusServiceUnavailable
	case errors.As(err, &loadErr):
		return http.StatusBadGateway
	case errors.Is(err, ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrQueueTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		// 详细错误只进日志。
		s.logger.Error("[API] request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("[API] request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && s.origins[origin] {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Headers", "Content-Type")
			c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
