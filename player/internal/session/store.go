package session

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("session not found")

// Tokens 是登录后拿到的一对令牌。
type Tokens struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

type Store interface {
	Load(ctx context.Context) (*Tokens, error)
	Save(ctx context.Context, t *Tokens) error
	Clear(ctx context.Context) error
}
