package channels

import (
	"strings"
	"testing"
)

func TestSplitText(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		limit int
		want  []string
	}{
		{
			name:  "short text untouched",
			text:  "hello",
			limit: 10,
			want:  []string{"hello"},
		},
		{
			name:  "empty text yields nothing",
			text:  "",
			limit: 10,
			want:  nil,
		},
		{
			name:  "zero limit yields whole text",
			text:  "whatever",
			limit: 0,
			want:  []string{"whatever"},
		},
		{
			name:  "breaks at newline past half",
			text:  "aaaa aaaa\nbbbb bbbb",
			limit: 12,
			want:  []string{"aaaa aaaa", "bbbb bbbb"},
		},
		{
			name:  "breaks at space when no newline",
			text:  "alpha beta gamma",
			limit: 12,
			want:  []string{"alpha beta", "gamma"},
		},
		{
			// The newline sits at rune index 4, inside the first half of a
			// 10-rune window; its byte offset of 12 must not make it count
			// as past half the limit.
			name:  "newline preference measured in runes",
			text:  "一二三四\n五六七八九十十一十二",
			limit: 10,
			want:  []string{"一二三四\n五六七八九", "十十一十二"},
		},
		{
			name:  "multibyte newline past half breaks there",
			text:  "一二三四五六\n七八九十十一十二十三",
			limit: 10,
			want:  []string{"一二三四五六", "七八九十十一十二十三"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SplitText(tt.text, tt.limit)
			if len(got) != len(tt.want) {
				t.Fatalf("SplitText(%q, %d) = %q, want %q", tt.text, tt.limit, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("chunk %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestSplitText_NoChunkExceedsLimit(t *testing.T) {
	text := strings.Repeat("word ", 500)
	for _, chunk := range SplitText(text, 100) {
		if n := len([]rune(chunk)); n > 100 {
			t.Errorf("chunk of %d runes exceeds limit: %q", n, chunk[:20])
		}
	}
}

func TestSplitText_MultibyteSafe(t *testing.T) {
	text := strings.Repeat("日本語テキスト ", 40)
	for _, chunk := range SplitText(text, 30) {
		if !strings.HasPrefix(chunk, "日") {
			t.Errorf("chunk broke inside a rune: %q", chunk)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("short", 20); got != "short" {
		t.Errorf("Truncate(short) = %q", got)
	}
	got := Truncate(strings.Repeat("x", 50), 10)
	if !strings.HasSuffix(got, "...") {
		t.Errorf("expected ellipsis suffix, got %q", got)
	}
}
