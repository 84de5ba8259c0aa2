package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/chzyer/readline"

	"storytime/player/internal/model"
	"storytime/player/internal/screen"
	"storytime/player/internal/session"
)

const replHelp = `commands:
  whoami                 current member and children
  library [mine]         list stories
  create LANG AGE TEXT   generate a story (ko|en)
  publish ID [TITLE]     publish a story to the library
  open ID                open a story (waits for TTS)
  p                      play / pause
  seek SECONDS           jump to a position
  skip [+-]SECONDS       relative jump
  f | b                  skip forward / back
  s INDEX                jump to sentence
  show                   print current view
  questions              load Q&A for the story
  qna CHILD_ID           send Q&A to the doll
  doll                   play story on the doll
  dashboard [CHILD_ID]   Q&A history
  login ACCESS [REFRESH] store tokens
  logout
  quit`

// repl 是终端里的播放页，一次只打开一个故事。
type repl struct {
	app *app
	rl  *readline.Instance
	out io.Writer

	mu        sync.Mutex
	scr       *screen.Screen
	sentences []string
	active    *int
}

func runREPL(ctx context.Context, a *app, storyID int64) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "story> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("whoami"),
			readline.PcItem("library", readline.PcItem("mine")),
			readline.PcItem("create", readline.PcItem("ko"), readline.PcItem("en")),
			readline.PcItem("publish"),
			readline.PcItem("open"),
			readline.PcItem("p"),
			readline.PcItem("seek"),
			readline.PcItem("skip"),
			readline.PcItem("f"),
			readline.PcItem("b"),
			readline.PcItem("s"),
			readline.PcItem("show"),
			readline.PcItem("questions"),
			readline.PcItem("qna"),
			readline.PcItem("doll"),
			readline.PcItem("dashboard"),
			readline.PcItem("login"),
			readline.PcItem("logout"),
			readline.PcItem("quit"),
		),
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	r := &repl{app: a, rl: rl, out: rl.Stdout()}
	a.onExpired(func() {
		fmt.Fprintln(r.out, "session expired, use `login` to continue")
		r.closeScreen()
	})
	defer r.closeScreen()

	go func() {
		<-ctx.Done()
		rl.Close()
	}()

	if storyID > 0 {
		r.open(ctx, storyID)
	}
	fmt.Fprintln(r.out, replHelp)

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if len(line) == 0 {
				return nil
			}
			continue
		}
		if err != nil {
			return nil
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "quit" || fields[0] == "exit" {
			return nil
		}
		if err := r.exec(ctx, fields[0], fields[1:]); err != nil {
			fmt.Fprintf(r.out, "error: %v\n", err)
		}
	}
}

func (r *repl) exec(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help", "?":
		fmt.Fprintln(r.out, replHelp)
		return nil
	case "whoami":
		m, err := r.app.client.Member(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(r.out, "%s <%s>\n", m.Name, m.Email)
		for _, c := range m.Children {
			fmt.Fprintf(r.out, "  child %d\t%s\n", c.ID, c.Name)
		}
		return nil
	case "library":
		return r.library(ctx, len(args) > 0 && args[0] == "mine")
	case "create":
		return r.create(ctx, args)
	case "publish":
		return r.publish(ctx, args)
	case "open":
		id, err := intArg(args, 0)
		if err != nil {
			return err
		}
		r.open(ctx, int64(id))
		return nil
	case "login":
		if len(args) == 0 {
			return errors.New("usage: login ACCESS [REFRESH]")
		}
		t := session.Tokens{AccessToken: args[0]}
		if len(args) > 1 {
			t.RefreshToken = args[1]
		}
		return r.app.session.Login(ctx, t)
	case "logout":
		r.closeScreen()
		return r.app.session.Logout(ctx)
	case "dashboard":
		var child int64
		if len(args) > 0 {
			id, err := intArg(args, 0)
			if err != nil {
				return err
			}
			child = int64(id)
		}
		return r.dashboard(ctx, child)
	}

	scr := r.screen()
	if scr == nil {
		return screen.ErrNoStory
	}
	switch cmd {
	case "p":
		return scr.TogglePlay()
	case "seek":
		v, err := floatArg(args)
		if err != nil {
			return err
		}
		return scr.Seek(v)
	case "skip":
		v, err := floatArg(args)
		if err != nil {
			return err
		}
		return scr.Skip(v)
	case "f":
		return scr.SkipForward()
	case "b":
		return scr.SkipBack()
	case "s":
		idx, err := intArg(args, 0)
		if err != nil {
			return err
		}
		return scr.TapSentence(idx)
	case "show":
		r.show(scr.View())
		return nil
	case "questions":
		set, err := scr.LoadQuestions(ctx)
		if err != nil {
			return err
		}
		for i, q := range set.QnAs {
			fmt.Fprintf(r.out, "  Q%d %s\n", i+1, q.Question)
		}
		return nil
	case "qna":
		if _, err := scr.LoadChildren(ctx); err != nil {
			return err
		}
		id, err := intArg(args, 0)
		if err != nil {
			return err
		}
		if err := scr.StartQnA(ctx, int64(id)); err != nil {
			return err
		}
		fmt.Fprintln(r.out, "Q&A sent to doll")
		return nil
	case "doll":
		if err := scr.PlayOnDoll(ctx); err != nil {
			return err
		}
		fmt.Fprintln(r.out, "playing on doll")
		return nil
	}
	return fmt.Errorf("unknown command %q (try help)", cmd)
}

// open 关闭当前页并打开新故事；语音生成期间 Ctrl-C 退出整个程序。
func (r *repl) open(ctx context.Context, id int64) {
	r.closeScreen()
	scr := r.app.newScreen(r.onState)
	r.mu.Lock()
	r.scr = scr
	r.mu.Unlock()

	fmt.Fprintf(r.out, "opening story %d...\n", id)
	if err := scr.Open(ctx, id); err != nil {
		fmt.Fprintf(r.out, "open failed: %v\n", err)
		return
	}
	view := scr.View()
	r.mu.Lock()
	r.sentences = view.Sentences
	r.mu.Unlock()
	r.show(view)
}

func (r *repl) screen() *screen.Screen {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scr
}

func (r *repl) closeScreen() {
	r.mu.Lock()
	scr := r.scr
	r.scr = nil
	r.sentences = nil
	r.active = nil
	r.mu.Unlock()
	if scr != nil {
		_ = scr.Close()
	}
}

// onState 只在高亮句子变化时打印。
func (r *repl) onState(st model.PlaybackState) {
	r.mu.Lock()
	if sameIndex(r.active, st.ActiveSentence) {
		r.mu.Unlock()
		return
	}
	r.active = st.Clone().ActiveSentence
	var line string
	if st.ActiveSentence != nil && *st.ActiveSentence < len(r.sentences) {
		line = r.sentences[*st.ActiveSentence]
	}
	r.mu.Unlock()

	if line != "" {
		fmt.Fprintf(r.out, "[%5.1fs #%d] %s\n", st.CurrentTime, *st.ActiveSentence, line)
	}
}

func (r *repl) show(v screen.View) {
	if v.Story != nil {
		fmt.Fprintf(r.out, "%s (#%d)\n", v.Story.Title, v.Story.ID)
	}
	for i, s := range v.Sentences {
		mark := " "
		if v.Playback.ActiveSentence != nil && *v.Playback.ActiveSentence == i {
			mark = ">"
		}
		fmt.Fprintf(r.out, "%s %2d %s\n", mark, i, s)
	}
	fmt.Fprintf(r.out, "%s %.1f/%.1fs\n", v.Playback.Phase, v.Playback.CurrentTime, v.Playback.Duration)
}

func (r *repl) library(ctx context.Context, mine bool) error {
	page, err := r.app.client.Library(ctx, model.LibraryQuery{Size: 20, Mine: mine})
	if err != nil {
		return err
	}
	for _, s := range page.Content {
		fmt.Fprintf(r.out, "  %d\t%s\n", s.ID, s.Title)
	}
	return nil
}

func (r *repl) create(ctx context.Context, args []string) error {
	if len(args) < 3 {
		return errors.New("usage: create LANG AGE TEXT")
	}
	age, err := strconv.Atoi(args[1])
	if err != nil {
		return err
	}
	story, err := r.app.client.CreateStory(ctx, model.CreateStoryRequest{
		Language: args[0],
		Age:      age,
		Given:    strings.Join(args[2:], " "),
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "created story %d: %s\n", story.ID, story.Title)
	return nil
}

func (r *repl) publish(ctx context.Context, args []string) error {
	id, err := intArg(args, 0)
	if err != nil {
		return err
	}
	published := true
	req := model.UpdateStoryRequest{IsPublished: &published}
	if len(args) > 1 {
		title := strings.Join(args[1:], " ")
		req.Title = &title
	}
	return r.app.client.UpdateStory(ctx, int64(id), req)
}

func (r *repl) dashboard(ctx context.Context, child int64) error {
	page, err := r.app.client.Dashboard(ctx, child, 0, 20)
	if err != nil {
		return err
	}
	for _, e := range page.Content {
		fmt.Fprintf(r.out, "  %s / %s: %d questions\n", e.ChildName, e.StoryTitle, len(e.QnAs))
	}
	return nil
}

func sameIndex(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func intArg(args []string, i int) (int, error) {
	if len(args) <= i {
		return 0, errors.New("missing argument")
	}
	return strconv.Atoi(args[i])
}

func floatArg(args []string) (float64, error) {
	if len(args) == 0 {
		return 0, errors.New("missing argument")
	}
	return strconv.ParseFloat(args[0], 64)
}
