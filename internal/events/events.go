// Package events 發布房間生命週期事件
//
// 中繼本身不保存歷史；需要統計或稽核的下游服務透過 NATS 訂閱：
//
//	fps.relay.room.created
//	fps.relay.player.joined
//	fps.relay.player.damaged
//	...
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// 事件類型
const (
	RoomCreated   = "room.created"
	RoomDestroyed = "room.destroyed"
	PlayerJoined  = "player.joined"
	PlayerLeft    = "player.left"
	PlayerDamaged = "player.damaged"
)

// Event 一筆生命週期事件
type Event struct {
	Type     string    `json:"type"`
	Room     string    `json:"room"`
	PlayerID string    `json:"player_id,omitempty"`
	Peer     string    `json:"peer,omitempty"` // player.damaged 時為攻擊者
	Count    int       `json:"count"`          // 事件發生後的房間人數
	Damage   int       `json:"damage,omitempty"`
	At       time.Time `json:"at"`
}

// Sink 事件接收端
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// NopSink 丟棄所有事件
type NopSink struct{}

// Publish 實現 Sink
func (NopSink) Publish(context.Context, Event) error { return nil }

// NATSSink 以 core NATS 發布事件
//
// 主題：<prefix>.<type>，payload 為 JSON。訂閱端不在線時事件不保留。
type NATSSink struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
}

// ConnectNATS 連線並建立 NATSSink
func ConnectNATS(url, prefix string, logger *slog.Logger) (*NATSSink, error) {
	conn, err := nats.Connect(
		url,
		nats.Name("fps-relay"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.PingInterval(20*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	return &NATSSink{conn: conn, prefix: prefix, logger: logger}, nil
}

// Subject 事件對應的主題
func (s *NATSSink) Subject(eventType string) string {
	if s.prefix == "" {
		return eventType
	}
	return s.prefix + "." + eventType
}

// Publish 實現 Sink
func (s *NATSSink) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := s.conn.Publish(s.Subject(ev.Type), data); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}

// Close 送出緩衝中的訊息後關閉連線
func (s *NATSSink) Close() error {
	if err := s.conn.Drain(); err != nil {
		s.conn.Close()
		return fmt.Errorf("drain nats: %w", err)
	}
	return nil
}
