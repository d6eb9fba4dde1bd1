// Package maps 管理玩家上傳的地圖模型檔
//
// 檔案本身存放在本地目錄，由 /maps/{filename} 靜態提供；
// 地圖清單（索引）可放在 JSON 檔、Redis 或 PostgreSQL。
package maps

import (
	"context"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Record 一筆地圖紀錄
type Record struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Filename     string    `json:"filename"`
	OriginalName string    `json:"originalName"`
	Size         int64     `json:"size"`
	UploadedAt   time.Time `json:"uploadedAt"`
}

// Index 地圖索引
//
// List 依上傳順序回傳；Remove 在 id 不存在時回傳 ErrMapNotFound。
type Index interface {
	List(ctx context.Context) ([]Record, error)
	Add(ctx context.Context, rec Record) error
	Remove(ctx context.Context, id string) (Record, error)
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// SanitizeFilename 將允許集合以外的字元換成底線
func SanitizeFilename(name string) string {
	return unsafeChars.ReplaceAllString(name, "_")
}

// DisplayName 未指定名稱時使用去掉副檔名的原始檔名
func DisplayName(name, originalName string) string {
	if name = strings.TrimSpace(name); name != "" {
		return name
	}
	return strings.TrimSuffix(originalName, filepath.Ext(originalName))
}
