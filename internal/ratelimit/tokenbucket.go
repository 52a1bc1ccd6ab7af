// Package ratelimit 限制每條連線的即時事件頻率
//
// 位置更新每秒可能數十次，惡意或有 bug 的客戶端可能灌爆對手的發送緩衝。
// 每條 WebSocket 連線持有一個令牌桶，超過速率的即時事件直接丟棄。
package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket 令牌桶
//
// 演算法：
//  1. 桶容量 burst，以每秒 rate 個的速度填充
//  2. 每個事件取出一個令牌
//  3. 沒有令牌時拒絕
//
// 令牌以浮點數累積，低速率（例如每秒 0.5 個）也能正確填充。
type TokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	rate       float64
	lastRefill time.Time
	now        func() time.Time
}

// New 創建令牌桶，初始為滿桶
//
// rate <= 0 表示不填充（只有初始的 burst 個令牌）。
func New(rate float64, burst int) *TokenBucket {
	return NewWithClock(rate, burst, time.Now)
}

// NewWithClock 使用指定時間來源創建令牌桶（測試用）
func NewWithClock(rate float64, burst int, now func() time.Time) *TokenBucket {
	if burst < 1 {
		burst = 1
	}
	return &TokenBucket{
		capacity:   float64(burst),
		tokens:     float64(burst),
		rate:       rate,
		lastRefill: now(),
		now:        now,
	}
}

// Allow 嘗試取出一個令牌
func (tb *TokenBucket) Allow() bool {
	return tb.AllowN(1)
}

// AllowN 嘗試取出 n 個令牌，不足時不扣除
func (tb *TokenBucket) AllowN(n int) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refillLocked()
	if tb.tokens < float64(n) {
		return false
	}
	tb.tokens -= float64(n)
	return true
}

// Tokens 當前令牌數（監控用）
func (tb *TokenBucket) Tokens() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked()
	return tb.tokens
}

func (tb *TokenBucket) refillLocked() {
	now := tb.now()
	elapsed := now.Sub(tb.lastRefill)
	if elapsed <= 0 {
		return
	}
	tb.lastRefill = now
	if tb.rate <= 0 {
		return
	}
	tb.tokens = min(tb.capacity, tb.tokens+elapsed.Seconds()*tb.rate)
}
