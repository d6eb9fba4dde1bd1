// Package registry 管理所有存活連線的身分與投遞通道
package registry

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Channel 可定址的投遞通道（通常是一條 WebSocket 連線）
type Channel interface {
	// Send 非阻塞投遞一個幀；緩衝區已滿或已關閉時回傳 false
	Send(frame []byte) bool
	// Close 冪等關閉；之後不再接受任何幀
	Close()
}

// Registry 連線註冊表：身分 → 通道
//
// 併發設計：
//   - 投遞（Unicast）持讀鎖，允許多個房間同時扇出
//   - 移除（Unregister / CloseAll）持寫鎖並在鎖內關閉通道
//     → 任何通道都不會在關閉後再被寫入（避免 send on closed channel）
type Registry struct {
	mu       sync.RWMutex
	channels map[string]Channel
	logger   *slog.Logger
	newID    func() string
}

// Option 註冊表選項
type Option func(*Registry)

// WithIDGenerator 替換身分產生器（測試用，產生可預期的身分）
func WithIDGenerator(gen func() string) Option {
	return func(r *Registry) {
		r.newID = gen
	}
}

// New 創建註冊表
func New(logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		channels: make(map[string]Channel),
		logger:   logger,
		newID:    newIdentity,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// newIdentity 128-bit 隨機身分（UUID v4）
func newIdentity() string {
	return uuid.NewString()
}

// Register 為新連線產生身分並登記
func (r *Registry) Register(ch Channel) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.newID()
	for {
		if _, taken := r.channels[id]; !taken {
			break
		}
		id = r.newID()
	}
	r.channels[id] = ch

	r.logger.Debug("connection registered", "player_id", id, "connections", len(r.channels))
	return id
}

// Unicast 投遞給單一身分；身分不存在時靜默略過
func (r *Registry) Unicast(id string, frame []byte) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ch, ok := r.channels[id]
	if !ok {
		return false
	}
	if !ch.Send(frame) {
		r.logger.Warn("send buffer full, frame dropped", "player_id", id)
		return false
	}
	return true
}

// Unregister 移除並關閉通道（冪等）
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[id]
	if !ok {
		return
	}
	delete(r.channels, id)
	ch.Close()

	r.logger.Debug("connection unregistered", "player_id", id, "connections", len(r.channels))
}

// Has 檢查身分是否仍在線
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.channels[id]
	return ok
}

// Len 在線連線數
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// CloseAll 關閉所有通道（伺服器關閉時使用）
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, ch := range r.channels {
		ch.Close()
		delete(r.channels, id)
	}
}
