// transport.go: WebSocket 连接、断线重连、app-server 子进程。
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/multi-agent/thread-engine/pkg/errors"
	"github.com/multi-agent/thread-engine/pkg/logger"
	"github.com/multi-agent/thread-engine/pkg/util"
)

const (
	handshakeTimeout    = 5 * time.Second
	spawnProbeTimeout   = 30 * time.Second
	spawnProbeInterval  = 300 * time.Millisecond
	reconnectFailedText = "Could not reconnect to the agent backend."
)

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		NetDialContext:   (&net.Dialer{Timeout: handshakeTimeout}).DialContext,
	}
	conn, _, err := dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, apperrors.New("Client.dial", "dial returned nil websocket connection")
	}
	return conn, nil
}

func (c *Client) currentConn() *websocket.Conn {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	return c.ws
}

func (c *Client) replaceConn(conn *websocket.Conn) {
	if conn == nil {
		return
	}
	c.wsMu.Lock()
	prev := c.ws
	c.ws = conn
	c.wsMu.Unlock()
	if prev != nil && prev != conn {
		_ = prev.Close()
	}
}

// reconnectDelay 第 1 次立即重连, 之后从 base 起指数退避, 封顶 max。
func reconnectDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt <= 1 {
		return 0
	}
	delay := base
	for i := 2; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	return min(delay, max)
}

func (c *Client) sleepWithContext(delay time.Duration) bool {
	if delay <= 0 {
		return c.ctx.Err() == nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// reconnect 重连循环。成功后清除引擎的全局错误; 用尽次数后留下失败提示。
func (c *Client) reconnect(lastErr error) {
	if !c.reconnecting.CompareAndSwap(false, true) {
		return
	}
	defer c.reconnecting.Store(false)

	maxRetries := c.opts.MaxReconnect
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if c.stopped.Load() {
			return
		}
		if !c.sleepWithContext(reconnectDelay(attempt, c.opts.ReconnectBase, c.opts.ReconnectMax)) {
			return
		}
		if err := c.attemptReconnect(); err != nil {
			lastErr = err
			logger.Warn("backend: reconnect attempt failed",
				logger.FieldAttempt, attempt,
				logger.FieldCount, maxRetries,
				logger.FieldError, err)
			continue
		}
		c.connected.Store(true)
		c.sink.ClearGlobalError()
		logger.Info("backend: reconnected", logger.FieldURL, c.opts.URL, logger.FieldAttempt, attempt)
		return
	}

	logger.Error("backend: reconnect exhausted",
		logger.FieldURL, c.opts.URL,
		logger.FieldCount, maxRetries,
		logger.FieldError, lastErr)
	if c.stopped.Load() {
		return
	}
	c.sink.SetGlobalError(reconnectFailedText)
}

func (c *Client) attemptReconnect() error {
	conn, err := c.dial(c.ctx)
	if err != nil {
		return apperrors.Wrap(err, "Client.reconnect", "dial")
	}
	c.replaceConn(conn)
	util.SafeGo(func() { c.readLoop(conn) })
	if err := c.initialize(c.ctx); err != nil {
		_ = conn.Close()
		return err
	}
	return nil
}

// ========================================
// 子进程
// ========================================

// Spawn 启动 `<command> app-server --listen ws://127.0.0.1:<port>` 并等待端口可连。
//
// 子进程不绑定 ctx, 由 Close 显式终止; ctx 只约束启动探测。
func (c *Client) Spawn(ctx context.Context) error {
	listenURL := fmt.Sprintf("ws://127.0.0.1:%d", c.opts.Port)
	c.cmd = exec.Command(c.opts.Command, "app-server", "--listen", listenURL)
	c.cmd.Env = os.Environ()
	c.cmd.Stdout = io.Discard
	c.stderr = logger.NewStderrCollector(fmt.Sprintf("app-server-%d", c.opts.Port))
	c.cmd.Stderr = c.stderr
	if err := c.cmd.Start(); err != nil {
		return apperrors.Wrap(err, "Client.Spawn", "spawn app-server")
	}
	c.opts.URL = listenURL

	host := hostPort(listenURL)
	deadline := time.Now().Add(spawnProbeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			_ = c.kill()
			return apperrors.Wrap(ctx.Err(), "Client.Spawn", "spawn cancelled")
		default:
		}
		conn, err := net.DialTimeout("tcp", host, 500*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			logger.Info("backend: app-server listening", logger.FieldPort, c.opts.Port)
			return nil
		}
		time.Sleep(spawnProbeInterval)
	}
	_ = c.kill()
	return apperrors.WithCode(apperrors.ErrTimeout, "Client.Spawn", apperrors.CodeTimeout,
		fmt.Sprintf("app-server startup timeout on port %d", c.opts.Port))
}

func hostPort(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.TrimPrefix(raw, "ws://")
	}
	return u.Host
}

func (c *Client) kill() error {
	if c.cmd == nil || c.cmd.Process == nil {
		return nil
	}
	if err := c.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	err := c.cmd.Wait()
	var exitErr *exec.ExitError
	if err == nil || errors.As(err, &exitErr) {
		return nil
	}
	if strings.Contains(err.Error(), "Wait was already called") {
		return nil
	}
	return err
}
