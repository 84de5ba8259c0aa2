package screen

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"storytime/player/internal/model"
	"storytime/player/internal/playback"
)

// LoadQuestions 拉取故事的问题数组。没有题目时返回 ErrNoQuestions 并清空缓存。
func (s *Screen) LoadQuestions(ctx context.Context) (*model.QnASet, error) {
	id, err := s.storyID()
	if err != nil {
		return nil, err
	}
	set, err := s.svc.StoryQuestions(ctx, id)
	if err != nil {
		s.setQuestions(nil)
		return nil, fmt.Errorf("load questions: %w", err)
	}
	if set == nil || len(set.QnAs) == 0 {
		s.setQuestions(nil)
		return nil, ErrNoQuestions
	}
	s.setQuestions(set)
	return set, nil
}

func (s *Screen) setQuestions(set *model.QnASet) {
	s.mu.Lock()
	s.questions = set
	s.mu.Unlock()
}

// LoadChildren 拉取账号下的孩子列表，用于问答前选择。
func (s *Screen) LoadChildren(ctx context.Context) ([]model.Child, error) {
	children, err := s.svc.Children(ctx)
	if err != nil {
		return nil, fmt.Errorf("load children: %w", err)
	}
	s.mu.Lock()
	s.children = children
	s.mu.Unlock()
	return children, nil
}

// SelectChild 选择问答对象。已加载孩子列表时校验归属。
func (s *Screen) SelectChild(childID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if childID == 0 {
		return ErrNoChildSelected
	}
	if len(s.children) > 0 {
		found := false
		for _, c := range s.children {
			if c.ID == childID {
				found = true
				break
			}
		}
		if !found {
			return ErrUnknownChild
		}
	}
	s.selectedChild = childID
	return nil
}

// StartQnA 让玩偶向已选孩子提问。childID 非 0 时先选中该孩子。
func (s *Screen) StartQnA(ctx context.Context, childID int64) error {
	if _, err := s.storyID(); err != nil {
		return err
	}
	if childID != 0 {
		if err := s.SelectChild(childID); err != nil {
			return err
		}
	}

	s.mu.Lock()
	child := s.selectedChild
	set := s.questions
	s.mu.Unlock()

	switch {
	case child == 0:
		return ErrNoChildSelected
	case set == nil || len(set.QnAs) == 0:
		return ErrNoQuestions
	case set.ID == 0:
		return ErrNoQuestionArray
	}

	if err := s.svc.StartQnA(ctx, set.ID, child); err != nil {
		return fmt.Errorf("start qna: %w", err)
	}
	s.logger.Info("[Screen] qna started",
		zap.Int64("question_array_id", set.ID), zap.Int64("child_id", child))
	return nil
}

// PlayOnDoll 让玩偶播放当前故事，故事时长内玩偶视为占用。
func (s *Screen) PlayOnDoll(ctx context.Context) error {
	id, err := s.storyID()
	if err != nil {
		return err
	}
	// 请求发出前就占用玩偶，并发的第二次调用直接拿到 ErrDollBusy。
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.dollBusy {
		s.mu.Unlock()
		return ErrDollBusy
	}
	s.dollBusy = true
	s.mu.Unlock()

	if err := s.svc.PlayOnDoll(ctx, id); err != nil {
		s.mu.Lock()
		s.dollBusy = false
		s.mu.Unlock()
		return fmt.Errorf("play on doll: %w", err)
	}

	duration := s.tracker.State().Duration
	if duration <= 0 {
		duration = playback.DefaultDuration
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	var timer Timer
	timer = s.afterFunc(time.Duration(duration*float64(time.Second)), func() {
		s.mu.Lock()
		if s.dollTimer == timer {
			s.dollBusy = false
			s.dollTimer = nil
		}
		s.mu.Unlock()
		s.logger.Info("[Screen] doll finished playing")
	})
	s.dollTimer = timer
	s.logger.Info("[Screen] doll playing", zap.Int64("story_id", id), zap.Float64("seconds", duration))
	return nil
}
