// Package cache 實作短 TTL 的工作階段快照快取
//
// 快取是非權威的副本，真正的資料來源是持久層。
// 熱路徑（位置更新每秒數十次）靠它避免每個封包都打一次資料庫。
package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// 預設值
const (
	DefaultTTL  = 5 * time.Second
	DefaultSize = 10000
)

// entry 快取項目
type entry[V any] struct {
	value     V
	createdAt time.Time
	expiresAt time.Time
}

// Stats 快取統計
type Stats struct {
	Hits          uint64  `json:"hits"`
	Misses        uint64  `json:"misses"`
	HitRate       float64 `json:"hit_rate"`
	Evictions     uint64  `json:"evictions"`
	Invalidations uint64  `json:"invalidations"`
	Size          int     `json:"size"`
}

// TTL 帶過期時間的 LRU 快取
//
// 系統設計考量：
//
//  1. 過期策略：惰性淘汰
//     不跑背景清理 goroutine；讀取時發現 now >= expiresAt 就移除並視為未命中。
//     容量上限由 LRU 保證，過期但沒被讀到的項目最終會被擠出去。
//
//  2. 並發：
//     golang-lru 本身是執行緒安全的，但「讀取 → 判斷過期 → 移除」是複合操作，
//     沒有外層鎖的話可能把另一個 goroutine 剛寫入的新值刪掉。
//     所以複合操作都在 mu 內完成。
//
//  3. 時間來源可注入，測試不需要 sleep。
type TTL[V any] struct {
	mu    sync.Mutex
	items *lru.Cache
	size  int
	ttl   time.Duration
	now   func() time.Time

	hits          uint64
	misses        uint64
	evictions     uint64
	invalidations uint64
}

// New 創建 TTL 快取
//
// ttl <= 0 使用 DefaultTTL；size <= 0 使用 DefaultSize。
func New[V any](ttl time.Duration, size int) *TTL[V] {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if size <= 0 {
		size = DefaultSize
	}
	// lru.New 只在 size <= 0 時返回錯誤
	items, _ := lru.New(size)
	return &TTL[V]{
		items: items,
		size:  size,
		ttl:   ttl,
		now:   time.Now,
	}
}

// SetClock 替換時間來源（測試用）
func (c *TTL[V]) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Get 讀取快取
//
// 不存在或已過期時返回 false；過期項目會被移除。
func (c *TTL[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, fresh, _ := c.getLocked(key)
	return v, fresh
}

// getLocked 返回 (值, 是否新鮮, 是否曾存在)
//
// 過期項目仍會返回它的值（fresh=false, found=true），供 Aside 降級使用。
func (c *TTL[V]) getLocked(key string) (V, bool, bool) {
	var zero V

	raw, ok := c.items.Get(key)
	if !ok {
		c.misses++
		return zero, false, false
	}
	e := raw.(entry[V])
	if !c.now().Before(e.expiresAt) {
		c.items.Remove(key)
		c.evictions++
		c.misses++
		return e.value, false, true
	}
	c.hits++
	return e.value, true, true
}

// Set 寫入快取，expiresAt = now + ttl
func (c *TTL[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if evicted := c.items.Add(key, entry[V]{value: value, createdAt: now, expiresAt: now.Add(c.ttl)}); evicted {
		c.evictions++
	}
}

// restore 放回已過期的副本，key 已有值時不覆蓋
//
// 放回的項目立即過期：讀取仍會先嘗試重新載入。
func (c *TTL[V]) restore(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.items.Contains(key) {
		return
	}
	now := c.now()
	c.items.Add(key, entry[V]{value: value, createdAt: now, expiresAt: now})
}

// Invalidate 強制移除
func (c *TTL[V]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.items.Remove(key) {
		c.invalidations++
	}
}

// Len 目前項目數（包含尚未被讀到的過期項目）
func (c *TTL[V]) Len() int {
	return c.items.Len()
}

// Purge 清空快取，統計保留
func (c *TTL[V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items.Purge()
}

// Stats 統計快照
func (c *TTL[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Hits:          c.hits,
		Misses:        c.misses,
		Evictions:     c.evictions,
		Invalidations: c.invalidations,
		Size:          c.items.Len(),
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}
