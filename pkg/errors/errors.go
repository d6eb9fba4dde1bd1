// Package errors 提供應用程式錯誤處理
//
// 中繼核心（relay）不回傳錯誤：協議誤用一律降級為 no-op。
// 這裡的錯誤碼只服務於有明確請求/回應語意的周邊服務（地圖儲存、設定、事件）。
package errors

import (
	"errors"
	"fmt"
)

// 定義錯誤碼
const (
	// ErrCodeNotFound 資源未找到
	ErrCodeNotFound = "NOT_FOUND"
	// ErrCodeInvalidInput 無效輸入
	ErrCodeInvalidInput = "INVALID_INPUT"
	// ErrCodeUnsupportedFormat 不支援的檔案格式
	ErrCodeUnsupportedFormat = "UNSUPPORTED_FORMAT"
	// ErrCodeTooLarge 超過大小限制
	ErrCodeTooLarge = "TOO_LARGE"
	// ErrCodeInternal 內部錯誤
	ErrCodeInternal = "INTERNAL_ERROR"
	// ErrCodeUnavailable 服務不可用
	ErrCodeUnavailable = "SERVICE_UNAVAILABLE"
	// ErrCodeRateLimited 請求過於頻繁
	ErrCodeRateLimited = "RATE_LIMITED"
)

// AppError 應用程式錯誤
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

// Error 實現 error 介面
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 實現 errors.Is（同錯誤碼即視為相同）
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New 創建新的應用程式錯誤
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包裝錯誤
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails 回傳帶有詳細資訊的副本
//
// 預定義錯誤是共享的套件變數，不能原地修改。
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// 預定義錯誤
var (
	// ErrMapNotFound 地圖不存在
	ErrMapNotFound = New(ErrCodeNotFound, "map not found")

	// ErrNoFile 未上傳檔案
	ErrNoFile = New(ErrCodeInvalidInput, "no file uploaded")

	// ErrUnsupportedFormat 不支援的地圖格式
	ErrUnsupportedFormat = New(ErrCodeUnsupportedFormat, "unsupported format")

	// ErrFileTooLarge 檔案過大
	ErrFileTooLarge = New(ErrCodeTooLarge, "file too large")

	// ErrIndexUnavailable 地圖索引後端不可用
	ErrIndexUnavailable = New(ErrCodeUnavailable, "map index unavailable")

	// ErrRateLimited 超過上傳頻率
	ErrRateLimited = New(ErrCodeRateLimited, "rate limit exceeded")
)

// Code 取出錯誤碼；非 AppError 視為內部錯誤
func Code(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// IsNotFound 檢查是否為未找到錯誤
func IsNotFound(err error) bool {
	return err != nil && Code(err) == ErrCodeNotFound
}

// IsInvalidInput 檢查是否為無效輸入（包含格式與大小錯誤）
func IsInvalidInput(err error) bool {
	if err == nil {
		return false
	}
	switch Code(err) {
	case ErrCodeInvalidInput, ErrCodeUnsupportedFormat, ErrCodeTooLarge:
		return true
	}
	return false
}

// IsUnavailable 檢查是否為服務不可用錯誤
func IsUnavailable(err error) bool {
	return err != nil && Code(err) == ErrCodeUnavailable
}
