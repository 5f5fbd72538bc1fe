package logger

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// stderrWriter DBHandler 自身故障时的兜底输出。
var stderrWriter io.Writer = os.Stderr

// StderrCollector 将 app-server 子进程的 stderr 逐行转为 slog 日志。
//
// 实现 io.Writer 接口，可直接赋给 exec.Cmd.Stderr。
type StderrCollector struct {
	pr     *io.PipeReader
	pw     *io.PipeWriter
	source string
	done   chan struct{}
	log    func() *slog.Logger
}

// NewStderrCollector 创建 StderrCollector。source 标记日志来源 (如 "app-server:4500")。
func NewStderrCollector(source string) *StderrCollector {
	return newStderrCollector(source, getLogger)
}

func newStderrCollector(source string, log func() *slog.Logger) *StderrCollector {
	pr, pw := io.Pipe()
	c := &StderrCollector{
		pr:     pr,
		pw:     pw,
		source: source,
		done:   make(chan struct{}),
		log:    log,
	}
	go c.scan()
	return c
}

// Write 实现 io.Writer。
func (c *StderrCollector) Write(p []byte) (int, error) {
	return c.pw.Write(p)
}

// Close 关闭 writer 端，等待 scanner 完成。
func (c *StderrCollector) Close() error {
	_ = c.pw.Close()
	<-c.done
	return nil
}

func (c *StderrCollector) scan() {
	defer close(c.done)
	defer func() { _ = c.pr.Close() }()

	scanner := bufio.NewScanner(c.pr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		level := slog.LevelInfo
		if containsErrorKeyword(line) {
			level = slog.LevelError
		}
		c.log().Log(context.Background(), level, line,
			FieldSource, c.source,
			FieldComponent, "stderr",
		)
	}

	if err := scanner.Err(); err != nil {
		c.log().Log(context.Background(), slog.LevelError, "stderr collector scan failed",
			FieldSource, c.source,
			FieldComponent, "stderr",
			FieldError, err.Error(),
		)
	}
}

// containsErrorKeyword 判断 stderr 行中是否包含错误关键词 (大小写不敏感)。
func containsErrorKeyword(line string) bool {
	lower := strings.ToLower(line)
	return strings.Contains(lower, "error") ||
		strings.Contains(lower, "panic") ||
		strings.Contains(lower, "fatal")
}
