// Package screen 是播放页的控制器：拉取故事、等待语音、分句、驱动 Tracker，
// 并承载问答与玩偶播放这两个页面级功能。
package screen

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"storytime/player/internal/model"
	"storytime/player/internal/playback"
	"storytime/player/internal/segment"
	"storytime/player/internal/ttspoll"
)

var (
	ErrNoStory          = errors.New("screen: no story opened")
	ErrAlreadyOpen      = errors.New("screen: story already opened")
	ErrClosed           = errors.New("screen: closed")
	ErrNoChildSelected  = errors.New("screen: select a child first")
	ErrUnknownChild     = errors.New("screen: child does not belong to this account")
	ErrNoQuestions      = errors.New("screen: no questions for this story")
	ErrNoQuestionArray  = errors.New("screen: question array id not set")
	ErrDollBusy         = errors.New("screen: doll is still playing")
	ErrSentenceNotFound = errors.New("screen: sentence index out of range")
)

// StoryService 是页面依赖的故事服务子集，由 storyapi.Client 实现。
type StoryService interface {
	GetStory(ctx context.Context, id int64) (*model.Story, error)
	TTS(ctx context.Context, storyID int64) (*model.TTSAsset, error)
	Children(ctx context.Context) ([]model.Child, error)
	StoryQuestions(ctx context.Context, storyID int64) (*model.QnASet, error)
	StartQnA(ctx context.Context, questionArrayID, childID int64) error
	PlayOnDoll(ctx context.Context, storyID int64) error
}

// TTSWaiter 等待语音生成，由 ttspoll.Poller 实现。
type TTSWaiter interface {
	Wait(ctx context.Context, storyID int64, fetch ttspoll.FetchFunc) (*model.TTSAsset, error)
}

// Timer 是 time.AfterFunc 返回值的最小抽象。
type Timer interface {
	Stop() bool
}

type Options struct {
	Service StoryService
	Tracker *playback.Tracker
	TTS     TTSWaiter
	// SkipSeconds 快进/快退按钮的步长。
	SkipSeconds float64
	AfterFunc   func(d time.Duration, f func()) Timer
	Logger      *zap.Logger
}

// DefaultSkipSeconds 快进/快退按钮的默认步长（秒）。
const DefaultSkipSeconds = 10.0

// View 是页面渲染所需的快照。
type View struct {
	Story         *model.Story        `json:"story,omitempty"`
	Sentences     []string            `json:"sentences"`
	Playback      model.PlaybackState `json:"playback"`
	Questions     *model.QnASet       `json:"questions,omitempty"`
	Children      []model.Child       `json:"children,omitempty"`
	SelectedChild int64               `json:"selected_child,omitempty"`
	DollBusy      bool                `json:"doll_busy"`
}

// Screen 一个播放页实例，对应一篇故事。Close 之后不可复用。
type Screen struct {
	svc       StoryService
	tracker   *playback.Tracker
	tts       TTSWaiter
	skip      float64
	afterFunc func(d time.Duration, f func()) Timer
	logger    *zap.Logger

	mu            sync.Mutex
	story         *model.Story
	sentences     []string
	opening       bool
	cancelOpen    context.CancelFunc
	questions     *model.QnASet
	children      []model.Child
	selectedChild int64
	dollBusy      bool
	dollTimer     Timer
	closed        bool
}

func New(opts Options) *Screen {
	if opts.TTS == nil {
		opts.TTS = ttspoll.New(ttspoll.Options{Logger: opts.Logger})
	}
	if opts.SkipSeconds <= 0 {
		opts.SkipSeconds = DefaultSkipSeconds
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Screen{
		svc:       opts.Service,
		tracker:   opts.Tracker,
		tts:       opts.TTS,
		skip:      opts.SkipSeconds,
		afterFunc: opts.AfterFunc,
		logger:    opts.Logger.With(zap.String("screen_id", opts.Tracker.ScreenID())),
	}
}

// ID 与 Tracker 的 ScreenID 相同。
func (s *Screen) ID() string { return s.tracker.ScreenID() }

func (s *Screen) Tracker() *playback.Tracker { return s.tracker }

// Open 拉取故事并打开。
func (s *Screen) Open(ctx context.Context, storyID int64) error {
	story, err := s.svc.GetStory(ctx, storyID)
	if err != nil {
		return fmt.Errorf("get story %d: %w", storyID, err)
	}
	return s.OpenStory(ctx, story)
}

// OpenStory 打开一篇已拿到的故事：语音未就绪时先等待，然后分句并加载音频。
// Close 会取消进行中的 OpenStory。
func (s *Screen) OpenStory(ctx context.Context, story *model.Story) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrClosed
	case s.opening || s.story != nil:
		s.mu.Unlock()
		return ErrAlreadyOpen
	}
	s.opening = true
	s.cancelOpen = cancel
	s.story = story
	s.sentences = segment.Split(story.Content)
	sentences := s.sentences
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.opening = false
		s.cancelOpen = nil
		// 打开失败允许重试。
		if err != nil && !s.closed {
			s.story = nil
			s.sentences = nil
		}
		s.mu.Unlock()
	}()

	uri, timestamps := story.TTSURL, story.Timestamps
	if uri == "" {
		s.logger.Info("[Screen] waiting for tts", zap.Int64("story_id", story.ID))
		asset, err := s.tts.Wait(ctx, story.ID, s.svc.TTS)
		if err != nil {
			return fmt.Errorf("wait tts: %w", err)
		}
		uri = asset.URL
		if len(asset.Timestamps) > 0 {
			timestamps = asset.Timestamps
		}
	}

	if err := segment.Align(sentences, timestamps); err != nil {
		s.logger.Warn("[Screen] sentences and timestamps differ", zap.Error(err))
	}

	if err = s.tracker.Load(ctx, uri, timestamps); err != nil {
		return err
	}
	s.logger.Info("[Screen] story opened",
		zap.Int64("story_id", story.ID),
		zap.String("title", story.Title),
		zap.Int("sentences", len(sentences)))
	return nil
}

// View 返回页面快照。
func (s *Screen) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := View{
		Sentences:     append([]string(nil), s.sentences...),
		Playback:      s.tracker.State(),
		Children:      append([]model.Child(nil), s.children...),
		SelectedChild: s.selectedChild,
		DollBusy:      s.dollBusy,
	}
	if s.story != nil {
		cp := *s.story
		v.Story = &cp
	}
	if s.questions != nil {
		cp := *s.questions
		cp.QnAs = append([]model.QnA(nil), s.questions.QnAs...)
		v.Questions = &cp
	}
	return v
}

func (s *Screen) TogglePlay() error { return s.tracker.PlayPause() }

func (s *Screen) Seek(seconds float64) error { return s.tracker.SeekTo(seconds) }

// Skip 相对跳转。
func (s *Screen) Skip(delta float64) error { return s.tracker.Skip(delta) }

func (s *Screen) SkipForward() error { return s.tracker.Skip(s.skip) }

func (s *Screen) SkipBack() error { return s.tracker.Skip(-s.skip) }

// TapSentence 点击句子跳到其起始时间并播放。
func (s *Screen) TapSentence(index int) error {
	s.mu.Lock()
	n := len(s.sentences)
	s.mu.Unlock()
	if index < 0 || (n > 0 && index >= n) {
		return ErrSentenceNotFound
	}
	return s.tracker.SeekToSentence(index)
}

// Close 离开页面：取消进行中的打开流程，停止玩偶计时，释放播放器。
func (s *Screen) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.cancelOpen != nil {
		s.cancelOpen()
	}
	if s.dollTimer != nil {
		s.dollTimer.Stop()
		s.dollTimer = nil
	}
	s.dollBusy = false
	s.mu.Unlock()

	err := s.tracker.Release()
	if errors.Is(err, playback.ErrReleased) {
		err = nil
	}
	s.logger.Info("[Screen] closed")
	return err
}

func (s *Screen) storyID() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	if s.story == nil {
		return 0, ErrNoStory
	}
	return s.story.ID, nil
}
