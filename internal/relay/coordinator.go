// Package relay 實現房間協調器：成員管理、狀態轉發與射擊傷害解析
//
// 房間生命週期只有兩個狀態：不存在 → 存在（成員非空）→ 不存在。
// 第一位成員加入時建立，最後一位離開時銷毀。
//
// 併發模型：
//   - 單一互斥鎖保護 rooms 與身分 → 房間索引
//   - 投遞是非阻塞的（通道緩衝區滿則丟棄），所以扇出在臨界區內完成，
//     任何連線看到的人數都與成員變化的順序一致
//   - 鎖順序固定為 coordinator → registry
//   - 生命週期事件在解鎖後才發布
package relay

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/koopa0/system-design/14-fps-relay/internal/events"
	"github.com/koopa0/system-design/14-fps-relay/internal/protocol"
)

// 預設值
const (
	DefaultDamage = 25
	// DefaultMaxRoomName 0 表示不限長度；幀大小已由傳輸層的讀取上限約束
	DefaultMaxRoomName = 0
)

// Deliverer 協調器對連線註冊表的需求
type Deliverer interface {
	Unicast(id string, frame []byte) bool
	Has(id string) bool
	Unregister(id string)
}

// Coordinator 房間協調器
type Coordinator struct {
	mu     sync.Mutex
	rooms  map[string]map[string]*protocol.PlayerState // 房間 → 成員 → 最新狀態（nil 表示尚未回報）
	roomOf map[string]string                           // 身分 → 所在房間

	conns         Deliverer
	sink          events.Sink
	logger        *slog.Logger
	defaultDamage int
	maxRoomName   int
	now           func() time.Time
}

// Option 協調器選項
type Option func(*Coordinator)

// WithLogger 設定 logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithSink 設定生命週期事件接收端
func WithSink(sink events.Sink) Option {
	return func(c *Coordinator) {
		c.sink = sink
	}
}

// WithDefaultDamage 射手未帶傷害值時使用的傷害
func WithDefaultDamage(damage int) Option {
	return func(c *Coordinator) {
		if damage > 0 {
			c.defaultDamage = damage
		}
	}
}

// WithMaxRoomName 房間名稱長度上限（位元組），0 表示不限
func WithMaxRoomName(n int) Option {
	return func(c *Coordinator) {
		if n >= 0 {
			c.maxRoomName = n
		}
	}
}

// New 創建協調器
func New(conns Deliverer, opts ...Option) *Coordinator {
	c := &Coordinator{
		rooms:         make(map[string]map[string]*protocol.PlayerState),
		roomOf:        make(map[string]string),
		conns:         conns,
		sink:          events.NopSink{},
		logger:        slog.Default(),
		defaultDamage: DefaultDamage,
		maxRoomName:   DefaultMaxRoomName,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Join 加入房間
//
// 流程：
//  1. 已在其他房間 → 先隱式離開（舊房間收到 player-left 與 player-count）
//  2. 以空狀態加入（已在同一房間則保留原狀態）
//  3. 將其他成員的最新狀態逐一單播給加入者
//  4. 向全房間（含加入者）廣播人數
func (c *Coordinator) Join(id, room string) {
	if room == "" || (c.maxRoomName > 0 && len(room) > c.maxRoomName) {
		c.logger.Debug("join ignored: invalid room name", "player_id", id, "room_len", len(room))
		return
	}

	c.mu.Lock()

	if !c.conns.Has(id) {
		c.mu.Unlock()
		c.logger.Debug("join ignored: unknown connection", "player_id", id)
		return
	}

	var pending []events.Event

	if current, ok := c.roomOf[id]; ok && current != room {
		pending = append(pending, c.leaveLocked(id, current)...)
	}

	members, exists := c.rooms[room]
	if !exists {
		members = make(map[string]*protocol.PlayerState)
		c.rooms[room] = members
		pending = append(pending, c.event(events.RoomCreated, room, "", 0))
	}

	if _, already := members[id]; !already {
		members[id] = nil
		c.roomOf[id] = room
		pending = append(pending, c.event(events.PlayerJoined, room, id, len(members)))
	}

	for other, state := range members {
		if other == id || state == nil {
			continue
		}
		c.conns.Unicast(id, protocol.MustEncode(protocol.EventPlayerUpdate, protocol.RemoteState{
			ID:          other,
			PlayerState: *state,
		}))
	}

	count := len(members)
	c.broadcastLocked(members, "", protocol.MustEncode(protocol.EventPlayerCount, count))

	c.mu.Unlock()

	c.logger.Info("player joined room", "player_id", id, "room", room, "count", count)
	c.publish(pending)
}

// Leave 離開目前所在房間；不在任何房間時不做任何事
func (c *Coordinator) Leave(id string) {
	c.mu.Lock()
	room, ok := c.roomOf[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	pending := c.leaveLocked(id, room)
	c.mu.Unlock()

	c.publish(pending)
}

// leaveLocked 移除成員並通知剩餘成員，呼叫端必須持有 c.mu
func (c *Coordinator) leaveLocked(id, room string) []events.Event {
	delete(c.roomOf, id)

	members := c.rooms[room]
	delete(members, id)

	count := len(members)
	pending := []events.Event{c.event(events.PlayerLeft, room, id, count)}

	if count == 0 {
		delete(c.rooms, room)
		pending = append(pending, c.event(events.RoomDestroyed, room, "", 0))
		c.logger.Info("room destroyed", "room", room)
		return pending
	}

	c.broadcastLocked(members, "", protocol.MustEncode(protocol.EventPlayerLeft, id))
	c.broadcastLocked(members, "", protocol.MustEncode(protocol.EventPlayerCount, count))

	c.logger.Info("player left room", "player_id", id, "room", room, "count", count)
	return pending
}

// UpdateState 記錄最新狀態並轉發給同房間的其他成員
func (c *Coordinator) UpdateState(id string, state protocol.PlayerState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	room, ok := c.roomOf[id]
	if !ok {
		c.logger.Debug("update ignored: not in a room", "player_id", id)
		return
	}

	members := c.rooms[room]
	stored := state
	members[id] = &stored

	c.broadcastLocked(members, id, protocol.MustEncode(protocol.EventPlayerUpdate, protocol.RemoteState{
		ID:          id,
		PlayerState: state,
	}))
}

// HandleShoot 轉發射擊事件，並將傷害單播給被命中者
//
// 命中判定完全信任射手：不檢查距離、是否同房間或傷害範圍。
// 目標已斷線或不在任何房間時只丟棄傷害通知，射擊轉發照常進行。
// 目標在線但不在任何房間時也不送傷害。
func (c *Coordinator) HandleShoot(id string, ev protocol.ShootEvent) {
	c.mu.Lock()

	room, ok := c.roomOf[id]
	if !ok {
		c.mu.Unlock()
		c.logger.Debug("shoot ignored: not in a room", "player_id", id)
		return
	}

	c.broadcastLocked(c.rooms[room], id, protocol.MustEncode(protocol.EventPlayerShot, protocol.Shot{
		ShooterID:  id,
		ShootEvent: ev,
	}))

	if ev.TargetID == "" {
		c.mu.Unlock()
		return
	}

	targetRoom, inRoom := c.roomOf[ev.TargetID]
	if !inRoom {
		c.mu.Unlock()
		c.logger.Debug("damage dropped: target not in a room", "player_id", id, "target_id", ev.TargetID)
		return
	}

	damage := ev.Damage
	if damage == 0 {
		damage = c.defaultDamage
	}

	delivered := c.conns.Unicast(ev.TargetID, protocol.MustEncode(protocol.EventPlayerDamage, protocol.Damage{
		Damage:     damage,
		AttackerID: id,
	}))
	count := len(c.rooms[targetRoom])

	c.mu.Unlock()

	if !delivered {
		return
	}

	damaged := c.event(events.PlayerDamaged, targetRoom, ev.TargetID, count)
	damaged.Peer = id
	damaged.Damage = damage
	c.publish([]events.Event{damaged})
}

// Disconnect 連線關閉：離開房間後從註冊表移除
func (c *Coordinator) Disconnect(id string) {
	c.Leave(id)
	c.conns.Unregister(id)
}

// RoomCount 房間人數；房間不存在時 ok 為 false
func (c *Coordinator) RoomCount(room string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	members, ok := c.rooms[room]
	return len(members), ok
}

// RoomOf 身分所在的房間
func (c *Coordinator) RoomOf(id string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	room, ok := c.roomOf[id]
	return room, ok
}

// State 成員最後回報的狀態；尚未回報或不在房間時 ok 為 false
func (c *Coordinator) State(id string) (protocol.PlayerState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	room, ok := c.roomOf[id]
	if !ok {
		return protocol.PlayerState{}, false
	}
	state := c.rooms[room][id]
	if state == nil {
		return protocol.PlayerState{}, false
	}
	return *state, true
}

// RoomStats 單一房間統計
type RoomStats struct {
	Name    string `json:"name"`
	Players int    `json:"players"`
}

// Stats 協調器統計
type Stats struct {
	Rooms   int         `json:"rooms"`
	Players int         `json:"players"`
	List    []RoomStats `json:"list"`
}

// Stats 回傳目前的房間統計（依名稱排序）
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := Stats{
		Rooms:   len(c.rooms),
		Players: len(c.roomOf),
		List:    make([]RoomStats, 0, len(c.rooms)),
	}
	for name, members := range c.rooms {
		stats.List = append(stats.List, RoomStats{Name: name, Players: len(members)})
	}
	sort.Slice(stats.List, func(i, j int) bool {
		return stats.List[i].Name < stats.List[j].Name
	})
	return stats
}

// broadcastLocked 投遞給房間成員（except 除外），呼叫端必須持有 c.mu
func (c *Coordinator) broadcastLocked(members map[string]*protocol.PlayerState, except string, frame []byte) {
	for member := range members {
		if member == except {
			continue
		}
		c.conns.Unicast(member, frame)
	}
}

func (c *Coordinator) event(typ, room, playerID string, count int) events.Event {
	return events.Event{
		Type:     typ,
		Room:     room,
		PlayerID: playerID,
		Count:    count,
		At:       c.now().UTC(),
	}
}

// publish 在鎖外發布事件；失敗只記錄，不影響房間狀態
func (c *Coordinator) publish(pending []events.Event) {
	for _, ev := range pending {
		if err := c.sink.Publish(context.Background(), ev); err != nil {
			c.logger.Warn("publish lifecycle event failed", "type", ev.Type, "room", ev.Room, "error", err)
		}
	}
}
