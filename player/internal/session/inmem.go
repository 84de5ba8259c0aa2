package session

import (
	"context"
	"sync"
)

// InMemoryStore 是一个基于内存的令牌存储实现，进程退出即丢失。
type InMemoryStore struct {
	mu     sync.RWMutex
	tokens *Tokens
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

// Load 返回令牌副本，未登录时返回 ErrNotFound。
func (s *InMemoryStore) Load(_ context.Context) (*Tokens, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.tokens == nil {
		return nil, ErrNotFound
	}
	cp := *s.tokens
	return &cp, nil
}

func (s *InMemoryStore) Save(_ context.Context, t *Tokens) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *t
	s.tokens = &cp
	return nil
}

func (s *InMemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tokens = nil
	return nil
}
