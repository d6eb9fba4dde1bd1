// Package fpsrelay 是第一人稱射擊遊戲的房間中繼伺服器。
//
// 伺服器不做物理模擬也不驗證命中：客戶端回報自己的位置、動畫與射擊結果，
// 中繼只負責把訊息轉送給同房間的其他玩家。
//
// # 房間中繼
//
// 客戶端以 WebSocket 連上 /ws 後收到 your-id，接著：
//   - join-room：加入房間，收到房內既有玩家的最後狀態與人數
//   - player-update：回報自己的狀態，轉送給同房間其他人（不回送自己）
//   - player-shoot：射擊事件轉送給同房間其他人；命中玩家時另外通知目標扣血
//
// 離線或切換房間時，房內其他人收到 player-left 與新的人數；最後一人離開後房間消失。
//
// # 地圖儲存
//
// 遊戲地圖（.glb / .gltf / .fbx / .obj）經 /api/maps 上傳，檔案放在 maps 目錄，
// 索引可選擇 JSON 檔、Redis 或 PostgreSQL。上傳依客戶端 IP 限流。
//
// # 房間事件
//
// 設定 events.nats_url 後，房間建立、銷毀、玩家加入、離開與受傷事件會發布到 NATS，
// 主題為 <subject_prefix>.<事件類型>。
//
// 架構設計
//
//	cmd/server          程式進入點、設定與優雅關閉
//	internal/registry   連線身分與發送通道
//	internal/relay      房間協調器
//	internal/transport  WebSocket 讀寫迴圈與心跳
//	internal/protocol   訊息信封與負載
//	internal/maps       地圖上傳與索引
//	internal/handler    HTTP 路由與中介軟體
//
// 啟動：
//
//	go run ./cmd/server -config config.yaml
package fpsrelay
