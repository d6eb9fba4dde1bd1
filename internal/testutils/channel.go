// Package testutils 提供測試用的共用工具和輔助函數
//
// 本套件包含：
//   - RecordingChannel：記錄所有投遞幀的假通道
//   - HTTP 與等待條件的輔助函數
//   - Redis / PostgreSQL 測試容器
package testutils

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/koopa0/system-design/14-fps-relay/internal/protocol"
	"github.com/stretchr/testify/require"
)

// RecordingChannel 記錄投遞內容的假通道
type RecordingChannel struct {
	mu       sync.Mutex
	frames   [][]byte
	closed   bool
	capacity int // 0 表示無上限
}

// NewRecordingChannel 創建假通道
func NewRecordingChannel() *RecordingChannel {
	return &RecordingChannel{}
}

// NewBoundedChannel 創建有容量上限的假通道（模擬慢消費者）
func NewBoundedChannel(capacity int) *RecordingChannel {
	return &RecordingChannel{capacity: capacity}
}

// Send 實現 registry.Channel
func (c *RecordingChannel) Send(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	if c.capacity > 0 && len(c.frames) >= c.capacity {
		return false
	}
	c.frames = append(c.frames, frame)
	return true
}

// Close 實現 registry.Channel
func (c *RecordingChannel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// Closed 是否已關閉
func (c *RecordingChannel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Envelopes 解碼所有已收到的幀
func (c *RecordingChannel) Envelopes(t testing.TB) []protocol.Envelope {
	t.Helper()

	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]protocol.Envelope, 0, len(c.frames))
	for _, frame := range c.frames {
		env, err := protocol.Decode(frame)
		require.NoError(t, err)
		out = append(out, env)
	}
	return out
}

// Events 已收到的事件名稱（依序）
func (c *RecordingChannel) Events(t testing.TB) []string {
	t.Helper()

	envs := c.Envelopes(t)
	names := make([]string, 0, len(envs))
	for _, env := range envs {
		names = append(names, env.Event)
	}
	return names
}

// Filter 取出指定事件的所有 payload 並解碼
func Filter[T any](t testing.TB, c *RecordingChannel, event string) []T {
	t.Helper()

	var out []T
	for _, env := range c.Envelopes(t) {
		if env.Event != event {
			continue
		}
		var v T
		require.NoError(t, json.Unmarshal(env.Data, &v))
		out = append(out, v)
	}
	return out
}

// Len 已收到的幀數
func (c *RecordingChannel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

// Reset 清空紀錄
func (c *RecordingChannel) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = nil
}
