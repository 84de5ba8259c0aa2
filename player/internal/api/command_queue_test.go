package api

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestCommandQueue_SerialProcessing(t *testing.T) {
	var processed []string
	var mu sync.Mutex

	handler := func(ctx context.Context, cmd *Command) error {
		mu.Lock()
		defer mu.Unlock()
		processed = append(processed, cmd.Type)
		time.Sleep(5 * time.Millisecond) // 模拟处理时间
		return nil
	}

	q := NewCommandQueue("screen-1", handler, nil)
	defer q.Close()

	cmds := []string{CommandToggle, CommandSeek, CommandSkip, CommandSentence, CommandToggle}
	for _, typ := range cmds {
		if err := q.Enqueue(&Command{Type: typ}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	// 最后一个同步命令返回时，之前的命令都已处理完。
	if err := q.EnqueueSync(context.Background(), &Command{Type: "last"}, time.Second); err != nil {
		t.Fatalf("enqueue sync: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := append(cmds, "last")
	if len(processed) != len(want) {
		t.Fatalf("expected %d processed, got %d", len(want), len(processed))
	}
	for i := range want {
		if processed[i] != want[i] {
			t.Fatalf("order mismatch at %d: expected %s, got %s", i, want[i], processed[i])
		}
	}
}

func TestCommandQueue_ConcurrentEnqueue(t *testing.T) {
	var count int64
	handler := func(ctx context.Context, cmd *Command) error {
		atomic.AddInt64(&count, 1)
		return nil
	}

	q := NewCommandQueue("screen-1", handler, nil)
	defer q.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				if err := q.EnqueueSync(context.Background(), &Command{Type: CommandSkip, Value: 1}, time.Second); err != nil {
					t.Errorf("enqueue: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&count); got != 40 {
		t.Fatalf("expected 40 processed, got %d", got)
	}
	if stats := q.Stats(); stats.Processed != 40 || stats.Total != 40 {
		t.Fatalf("stats=%v", stats)
	}
}

func TestCommandQueue_SyncReturnsHandlerError(t *testing.T) {
	boom := errors.New("boom")
	q := NewCommandQueue("screen-1", func(ctx context.Context, cmd *Command) error { return boom }, nil)
	defer q.Close()

	if err := q.EnqueueSync(context.Background(), &Command{Type: CommandToggle}, time.Second); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestCommandQueue_BackPressure(t *testing.T) {
	release := make(chan struct{})
	handler := func(ctx context.Context, cmd *Command) error {
		<-release
		return nil
	}
	q := NewCommandQueue("screen-1", handler, nil)
	defer q.Close()
	defer close(release)

	dropped := 0
	for i := 0; i < defaultQueueCapacity+10; i++ {
		if err := q.Enqueue(&Command{Type: CommandSkip}); errors.Is(err, ErrQueueFull) {
			dropped++
		}
	}
	if dropped == 0 {
		t.Fatalf("expected some commands to be dropped")
	}
}

func TestCommandQueue_Closed(t *testing.T) {
	q := NewCommandQueue("screen-1", func(ctx context.Context, cmd *Command) error { return nil }, nil)
	q.Close()
	q.Close()

	if err := q.Enqueue(&Command{Type: CommandToggle}); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
	if err := q.EnqueueSync(context.Background(), &Command{Type: CommandToggle}, time.Second); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
}
