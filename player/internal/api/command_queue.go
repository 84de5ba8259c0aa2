package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// 播放控制命令类型，HTTP 与 WebSocket 共用。
const (
	CommandToggle   = "toggle"
	CommandSeek     = "seek"
	CommandSkip     = "skip"
	CommandSentence = "sentence"
)

var (
	ErrQueueClosed  = errors.New("command queue closed")
	ErrQueueFull    = errors.New("command queue full")
	ErrQueueTimeout = errors.New("command queue timeout")
)

// Command 是一次播放控制请求。
// Async 只对 WebSocket 有效：不等待结果，拖动进度条这类连续命令用它，队列满时丢弃。
type Command struct {
	Type  string  `json:"type"`
	Value float64 `json:"value,omitempty"`
	Async bool    `json:"async,omitempty"`
}

// CommandHandler 处理单个命令。
type CommandHandler func(ctx context.Context, cmd *Command) error

// CommandQueue 为一个播放页串行处理控制命令（Actor Model）
// 多个 HTTP 请求和 WebSocket 连接同时操作播放器时，保证命令按到达顺序逐个执行。
type CommandQueue struct {
	screenID string
	handler  CommandHandler
	ch       chan *queuedCommand
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	logger   *zap.Logger

	// 统计信息
	mu        sync.Mutex
	total     int64
	processed int64
	dropped   int64
}

type queuedCommand struct {
	cmd       *Command
	timestamp time.Time
	resultCh  chan error // 用于同步等待结果（可选）
}

const (
	// 队列容量：超过此值的命令将被丢弃（背压控制）
	defaultQueueCapacity = 64
	// 命令处理超时
	defaultCommandTimeout = 5 * time.Second
)

// NewCommandQueue 创建命令队列并启动处理 goroutine。
func NewCommandQueue(screenID string, handler CommandHandler, logger *zap.Logger) *CommandQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &CommandQueue{
		screenID: screenID,
		handler:  handler,
		ch:       make(chan *queuedCommand, defaultQueueCapacity),
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
	}

	q.wg.Add(1)
	go q.processLoop()
	return q
}

// Enqueue 异步入队，队列满时直接丢弃。
func (q *CommandQueue) Enqueue(cmd *Command) error {
	select {
	case <-q.ctx.Done():
		return ErrQueueClosed
	default:
	}

	select {
	case q.ch <- &queuedCommand{cmd: cmd, timestamp: time.Now()}:
		q.mu.Lock()
		q.total++
		q.mu.Unlock()
		return nil
	default:
		q.mu.Lock()
		q.dropped++
		q.mu.Unlock()
		q.logger.Warn("[CommandQueue] queue full, dropping command",
			zap.String("screen_id", q.screenID), zap.String("type", cmd.Type))
		return ErrQueueFull
	}
}

// EnqueueSync 入队并等待处理结果。
func (q *CommandQueue) EnqueueSync(ctx context.Context, cmd *Command, timeout time.Duration) error {
	select {
	case <-q.ctx.Done():
		return ErrQueueClosed
	default:
	}
	if timeout == 0 {
		timeout = defaultCommandTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	item := &queuedCommand{cmd: cmd, timestamp: time.Now(), resultCh: make(chan error, 1)}
	select {
	case q.ch <- item:
		q.mu.Lock()
		q.total++
		q.mu.Unlock()
	case <-timer.C:
		return ErrQueueTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-q.ctx.Done():
		return ErrQueueClosed
	}

	select {
	case err := <-item.resultCh:
		return err
	case <-timer.C:
		return ErrQueueTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-q.ctx.Done():
		return ErrQueueClosed
	}
}

// processLoop 串行处理命令（单线程）
func (q *CommandQueue) processLoop() {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case item := <-q.ch:
			q.process(item)
		}
	}
}

func (q *CommandQueue) process(item *queuedCommand) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(q.ctx, defaultCommandTimeout)
	defer cancel()

	err := q.handler(ctx, item.cmd)
	if err != nil {
		q.logger.Info("[CommandQueue] command rejected",
			zap.String("screen_id", q.screenID),
			zap.String("type", item.cmd.Type),
			zap.Error(err))
	} else {
		q.logger.Debug("[CommandQueue] command processed",
			zap.String("screen_id", q.screenID),
			zap.String("type", item.cmd.Type),
			zap.Duration("queue_latency", start.Sub(item.timestamp)),
			zap.Duration("processing_time", time.Since(start)))
	}

	q.mu.Lock()
	q.processed++
	q.mu.Unlock()

	if item.resultCh != nil {
		item.resultCh <- err
	}
}

// Close 停止处理，未处理的命令被丢弃。重复调用安全。
func (q *CommandQueue) Close() {
	q.cancel()
	q.wg.Wait()

	q.mu.Lock()
	total, processed, dropped := q.total, q.processed, q.dropped
	q.mu.Unlock()
	q.logger.Debug("[CommandQueue] closed",
		zap.String("screen_id", q.screenID),
		zap.Int64("total", total),
		zap.Int64("processed", processed),
		zap.Int64("dropped", dropped),
		zap.Int("pending", len(q.ch)))
}

// QueueStats 队列统计信息，随 /healthz 返回。
type QueueStats struct {
	ScreenID  string `json:"screen_id"`
	Total     int64  `json:"total"`
	Processed int64  `json:"processed"`
	Dropped   int64  `json:"dropped"`
	Pending   int    `json:"pending"`
	Capacity  int    `json:"queue_capacity"`
}

// Stats 返回队列统计信息。
func (q *CommandQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		ScreenID:  q.screenID,
		Total:     q.total,
		Processed: q.processed,
		Dropped:   q.dropped,
		Pending:   len(q.ch),
		Capacity:  cap(q.ch),
	}
}
