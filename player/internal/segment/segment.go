// Package segment 把故事正文切分成与时间戳表对齐的句子。
package segment

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// MismatchError 表示句子数与时间戳数不一致。
type MismatchError struct {
	Sentences  int
	Timestamps int
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("segment: %d sentences but %d timestamps", e.Sentences, e.Timestamps)
}

// Split 按服务端生成正文的格式分句：
// 一行一句；闭合引号后紧跟空格和 ASCII 单词字符时视为句子边界；空行丢弃。
// 引号后接韩文等非 ASCII 文字不拆，与服务端生成时间戳的分句一致。
func Split(content string) []string {
	lines := strings.Split(breakAfterQuotes(content), "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	return out
}

// Align 校验分句结果与时间戳表一一对应。
func Align(sentences []string, timestamps []float64) error {
	if len(sentences) != len(timestamps) {
		return &MismatchError{Sentences: len(sentences), Timestamps: len(timestamps)}
	}
	return nil
}

func breakAfterQuotes(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	var prev rune
	for i, r := range s {
		if r == ' ' && isClosingQuote(prev) {
			next, _ := utf8.DecodeRuneInString(s[i+1:])
			if isWordByte(next) {
				b.WriteByte('\n')
				prev = r
				continue
			}
		}
		b.WriteRune(r)
		prev = r
	}
	return b.String()
}

func isClosingQuote(r rune) bool {
	return r == '"' || r == '”'
}

// isWordByte 只认 [A-Za-z0-9_]。
func isWordByte(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	}
	return r == '_'
}
