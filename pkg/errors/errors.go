// Package errors 提供對戰服務的應用程式錯誤分類
//
// 每個錯誤帶有穩定的錯誤碼，傳輸層依錯誤碼決定 HTTP 狀態碼、
// WebSocket 關閉碼或 error 訊息內容。
package errors

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// 定義錯誤碼
const (
	// ErrCodeValidation 輸入格式錯誤
	ErrCodeValidation = "VALIDATION_ERROR"
	// ErrCodeUnauthenticated 身份驗證失敗
	ErrCodeUnauthenticated = "UNAUTHENTICATED"
	// ErrCodeCapacity 連線容量已滿
	ErrCodeCapacity = "CAPACITY_EXCEEDED"
	// ErrCodeAlreadyInQueue 玩家已在配對佇列中
	ErrCodeAlreadyInQueue = "ALREADY_IN_QUEUE"
	// ErrCodeQueueCooldown 玩家處於配對冷卻期
	ErrCodeQueueCooldown = "QUEUE_COOLDOWN"
	// ErrCodeHealthCheck 連線健康檢查失敗
	ErrCodeHealthCheck = "HEALTH_CHECK_FAILED"
	// ErrCodeStateConflict 狀態不允許此操作
	ErrCodeStateConflict = "STATE_CONFLICT"
	// ErrCodeNotFound 資源未找到
	ErrCodeNotFound = "NOT_FOUND"
	// ErrCodeUnavailable 外部依賴不可用
	ErrCodeUnavailable = "SERVICE_UNAVAILABLE"
	// ErrCodeInternal 內部錯誤
	ErrCodeInternal = "INTERNAL_ERROR"
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

// Is 以錯誤碼比對，讓預定義錯誤可以配合 errors.Is 使用
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

// WithDetails 返回帶有詳細資訊的副本
//
// 預定義錯誤是共享的，直接修改會污染其他呼叫者，所以這裡複製一份。
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// CooldownError 冷卻期錯誤，攜帶剩餘秒數
type CooldownError struct {
	Remaining time.Duration
}

// Seconds 剩餘秒數（無條件進位，至少 1 秒）
func (e *CooldownError) Seconds() int {
	s := int(math.Ceil(e.Remaining.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}

// Error 格式為 QUEUE_COOLDOWN:<seconds>，客戶端依此顯示倒數
func (e *CooldownError) Error() string {
	return fmt.Sprintf("%s:%d", ErrCodeQueueCooldown, e.Seconds())
}

// Is 讓 errors.Is(err, ErrQueueCooldown) 成立
func (e *CooldownError) Is(target error) bool {
	t, ok := target.(*AppError)
	return ok && t.Code == ErrCodeQueueCooldown
}

// CapacityError 連線容量錯誤
type CapacityError struct {
	Scope   string // "global" 或 "session"
	Limit   int
	Current int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("[%s] %s connection limit reached (%d/%d)", ErrCodeCapacity, e.Scope, e.Current, e.Limit)
}

// Is 讓 errors.Is(err, ErrCapacity) 成立
func (e *CapacityError) Is(target error) bool {
	t, ok := target.(*AppError)
	return ok && t.Code == ErrCodeCapacity
}

// 預定義錯誤
var (
	ErrValidation      = New(ErrCodeValidation, "invalid input")
	ErrUnauthenticated = New(ErrCodeUnauthenticated, "invalid or missing credentials")
	ErrCapacity        = New(ErrCodeCapacity, "connection capacity exceeded")
	ErrAlreadyInQueue  = New(ErrCodeAlreadyInQueue, "player already in queue")
	ErrQueueCooldown   = New(ErrCodeQueueCooldown, "player is in queue cooldown")
	ErrHealthCheck     = New(ErrCodeHealthCheck, "connection health check failed")
	ErrStateConflict   = New(ErrCodeStateConflict, "operation not allowed in current state")
	ErrNotFound        = New(ErrCodeNotFound, "resource not found")
	ErrUnavailable     = New(ErrCodeUnavailable, "dependency unavailable")
	ErrInternal        = New(ErrCodeInternal, "internal error")
)

// Code 取出錯誤碼，非 AppError 一律視為內部錯誤
func Code(err error) string {
	if err == nil {
		return ""
	}
	var cooldown *CooldownError
	if errors.As(err, &cooldown) {
		return ErrCodeQueueCooldown
	}
	var capacity *CapacityError
	if errors.As(err, &capacity) {
		return ErrCodeCapacity
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// IsNotFound 檢查是否為未找到錯誤
func IsNotFound(err error) bool {
	return Code(err) == ErrCodeNotFound
}

// IsStateConflict 檢查是否為狀態衝突
func IsStateConflict(err error) bool {
	return Code(err) == ErrCodeStateConflict
}

// IsCapacity 檢查是否為容量錯誤
func IsCapacity(err error) bool {
	return Code(err) == ErrCodeCapacity
}

// IsUnavailable 檢查是否為依賴不可用
func IsUnavailable(err error) bool {
	return Code(err) == ErrCodeUnavailable
}

// IsValidation 檢查是否為輸入錯誤
func IsValidation(err error) bool {
	return Code(err) == ErrCodeValidation
}
