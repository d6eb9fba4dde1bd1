package testutils

import (
	"context"
	"sync"

	"github.com/koopa0/system-design/14-fps-relay/internal/events"
)

// EventRecorder 記錄所有發布事件的 Sink
type EventRecorder struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

// NewEventRecorder 創建事件記錄器；err 非 nil 時每次 Publish 都回傳該錯誤（仍會記錄）
func NewEventRecorder(err error) *EventRecorder {
	return &EventRecorder{err: err}
}

// Publish 實現 events.Sink
func (r *EventRecorder) Publish(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

// Types 已發布事件的類型（依序）
func (r *EventRecorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	types := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		types = append(types, ev.Type)
	}
	return types
}

// Events 已發布事件的副本
func (r *EventRecorder) Events() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

// Reset 清空紀錄
func (r *EventRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
