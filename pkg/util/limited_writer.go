package util

import (
	"io"
	"unicode/utf8"
)

// LimitedWriter 限制写入字节数, 超出后静默丢弃 (防止命令输出撑爆内存)。
//
// 截断点回退到最近的 UTF-8 边界, 不会写出半个字符。
// Write 总是报告 len(p), 调用方看不到短写错误。
type LimitedWriter struct {
	w       io.Writer
	limit   int
	written int
	dropped int
	full    bool
}

// NewLimitedWriter 创建 LimitedWriter。limit <= 0 表示不限制。
func NewLimitedWriter(w io.Writer, limit int) *LimitedWriter {
	return &LimitedWriter{w: w, limit: limit}
}

// Write 写入 p, 超限部分静默丢弃。
func (lw *LimitedWriter) Write(p []byte) (int, error) {
	if lw.limit <= 0 {
		n, err := lw.w.Write(p)
		lw.written += n
		return n, err
	}
	remain := lw.limit - lw.written
	if remain <= 0 || lw.full {
		lw.dropped += len(p)
		return len(p), nil
	}
	chunk := p
	if len(chunk) > remain {
		chunk = trimPartialRune(chunk[:remain])
		// 截断一次后视为已满, 后续写入不再拼接半截字符
		lw.full = true
	}
	n, err := lw.w.Write(chunk)
	lw.written += n
	lw.dropped += len(p) - n
	if err != nil {
		return n, err
	}
	return len(p), nil
}

// WriteString 同 Write。
func (lw *LimitedWriter) WriteString(s string) (int, error) {
	return lw.Write([]byte(s))
}

// Overflow 返回是否已有数据被丢弃。
func (lw *LimitedWriter) Overflow() bool { return lw.dropped > 0 }

// Written 返回实际已写入的字节数。
func (lw *LimitedWriter) Written() int { return lw.written }

// Dropped 返回被丢弃的字节数。
func (lw *LimitedWriter) Dropped() int { return lw.dropped }

// trimPartialRune 去掉末尾被截断的不完整 UTF-8 序列 (最多回退 3 字节)。
func trimPartialRune(b []byte) []byte {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if !utf8.FullRune(b[i:]) {
			return b[:i]
		}
		break
	}
	return b
}
