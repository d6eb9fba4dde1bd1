// Package protocol 定義中繼伺服器與客戶端之間的訊息格式
//
// 每一個 WebSocket 文字幀都是一個信封：
//
//	{"event": "player-update", "data": {...}}
//
// 客戶端送出的 data 依 event 解碼；伺服器送出的 data 由 Encode 一次編碼後扇出給多個連線。
package protocol

import (
	"encoding/json"
	"fmt"
)

// 訊息名稱
const (
	EventYourID       = "your-id"       // server → client：連線身分
	EventJoinRoom     = "join-room"     // client → server：房間名稱
	EventPlayerUpdate = "player-update" // 雙向：玩家狀態
	EventPlayerLeft   = "player-left"   // server → client：離開者身分
	EventPlayerCount  = "player-count"  // server → client：房間人數
	EventPlayerShoot  = "player-shoot"  // client → server：射擊事件
	EventPlayerShot   = "player-shot"   // server → client：射擊事件 + 射手
	EventPlayerDamage = "player-damage" // server → client（單播）：傷害通知
)

// 動畫名稱（客戶端實際使用的集合，中繼不強制）
const (
	AnimIdle = "idle"
	AnimWalk = "walk"
	AnimRun  = "run"
	AnimJump = "jump"
	AnimFly  = "fly"
)

// 射擊命中類型
const (
	HitPlayer = "player"
	HitWall   = "wall"
)

// Vec3 世界座標
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// PlayerState 玩家最新回報的位置、動畫與生命狀態
//
// 每次更新整筆取代，不做欄位合併。
type PlayerState struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Z      float64 `json:"z"`
	Yaw    float64 `json:"yaw"`
	Anim   string  `json:"anim,omitempty"`
	Flying bool    `json:"flying"`
	HP     int     `json:"hp"`
	Alive  bool    `json:"alive"`
}

// ShootEvent 一次射擊，命中判定完全由射手客戶端決定
type ShootEvent struct {
	Hit      bool   `json:"hit"`
	Type     string `json:"type,omitempty"`
	TargetID string `json:"targetId,omitempty"`
	Damage   int    `json:"damage,omitempty"`
	Zone     string `json:"zone,omitempty"`
	Point    *Vec3  `json:"point,omitempty"`
}

// RemoteState 轉發給其他玩家的狀態（帶發送者身分）
type RemoteState struct {
	ID string `json:"id"`
	PlayerState
}

// Shot 轉發給其他玩家的射擊事件（帶射手身分）
type Shot struct {
	ShooterID string `json:"shooterId"`
	ShootEvent
}

// Damage 單播給被命中者的傷害通知
type Damage struct {
	Damage     int    `json:"damage"`
	AttackerID string `json:"attackerId"`
}

// Envelope 線上傳輸的信封
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode 將事件編碼為一個完整的文字幀
func Encode(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// MustEncode 編碼固定結構的伺服器訊息
//
// 伺服器送出的 payload 都是本套件定義的結構，編碼失敗只可能是程式錯誤。
func MustEncode(event string, data any) []byte {
	frame, err := Encode(event, data)
	if err != nil {
		panic(err)
	}
	return frame
}

// Decode 解析信封
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing event")
	}
	return env, nil
}

// DecodeData 將信封的 data 解碼到 v
func (e Envelope) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("decode %s: missing data", e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", e.Event, err)
	}
	return nil
}
