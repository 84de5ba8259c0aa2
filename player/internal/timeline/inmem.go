package timeline

import (
	"context"
	"sync"

	"storytime/player/internal/model"
)

// InMemoryStore 是一个基于内存的 Timeline 存储实现。
// limit > 0 时每个 screen 只保留最近 limit 条事件，seq 仍然连续递增；
// 被裁掉的事件同时移出 EventID 去重表，重放它们会得到新的 seq。
type InMemoryStore struct {
	mu       sync.RWMutex
	limit    int
	events   map[string][]model.Event
	seq      map[string]int64
	eventIDs map[string]map[string]int64
}

func NewInMemoryStore(limit int) *InMemoryStore {
	return &InMemoryStore{
		limit:    limit,
		events:   make(map[string][]model.Event),
		seq:      make(map[string]int64),
		eventIDs: make(map[string]map[string]int64),
	}
}

// Append 追加事件到 timeline，并为该 screen 分配单调递增 seq。
// 相同 EventID 会直接返回已分配的 seq（幂等）。
func (s *InMemoryStore) Append(_ context.Context, screenID string, evt *model.Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if evt.EventID != "" {
		if seen, ok := s.eventIDs[screenID]; ok {
			if seq, exists := seen[evt.EventID]; exists {
				return seq, nil
			}
		}
	}

	s.seq[screenID]++
	seq := s.seq[screenID]

	eventCopy := *evt
	eventCopy.Seq = seq
	eventCopy.ScreenID = screenID
	if evt.Index != nil {
		idx := *evt.Index
		eventCopy.Index = &idx
	}
	events := append(s.events[screenID], eventCopy)
	if s.limit > 0 && len(events) > s.limit {
		cut := len(events) - s.limit
		if seen := s.eventIDs[screenID]; seen != nil {
			for _, old := range events[:cut] {
				if old.EventID != "" {
					delete(seen, old.EventID)
				}
			}
		}
		events = append([]model.Event(nil), events[cut:]...)
	}
	s.events[screenID] = events

	if evt.EventID != "" {
		if s.eventIDs[screenID] == nil {
			s.eventIDs[screenID] = make(map[string]int64)
		}
		s.eventIDs[screenID][evt.EventID] = seq
	}

	return seq, nil
}

// List 返回某个 screen 的 timeline 事件（按 seq 顺序）。
// 返回切片副本，避免调用方修改内部数据。
func (s *InMemoryStore) List(_ context.Context, screenID string) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.events[screenID]
	out := make([]model.Event, len(events))
	copy(out, events)
	return out, nil
}

// Drop 在 screen 销毁后回收内存。
func (s *InMemoryStore) Drop(_ context.Context, screenID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.events, screenID)
	delete(s.seq, screenID)
	delete(s.eventIDs, screenID)
	return nil
}
