package util

import (
	"strings"
	"testing"
)

func TestLimitedWriter(t *testing.T) {
	tests := []struct {
		name     string
		limit    int
		writes   []string
		want     string
		overflow bool
	}{
		{"under limit", 10, []string{"hello"}, "hello", false},
		{"truncates at limit", 10, []string{"123456789012"}, "1234567890", true},
		{"discards after limit", 5, []string{"hello", "world"}, "hello", true},
		{"across writes", 8, []string{"abc", "defgh", "ij"}, "abcdefgh", true},
		{"unlimited", 0, []string{"abc", "def"}, "abcdef", false},
		{"utf8 boundary", 4, []string{"ab你好"}, "ab", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var sb strings.Builder
			lw := NewLimitedWriter(&sb, tt.limit)
			for _, w := range tt.writes {
				n, err := lw.WriteString(w)
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if n != len(w) {
					t.Fatalf("n = %d, want %d", n, len(w))
				}
			}
			if sb.String() != tt.want {
				t.Fatalf("got %q, want %q", sb.String(), tt.want)
			}
			if lw.Overflow() != tt.overflow {
				t.Fatalf("Overflow() = %v, want %v", lw.Overflow(), tt.overflow)
			}
			if lw.Written() != len(tt.want) {
				t.Fatalf("Written() = %d, want %d", lw.Written(), len(tt.want))
			}
		})
	}
}
