package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/singleflight"

	apperrors "github.com/koopa0/quiz-arena/pkg/errors"
)

// Loader 從權威來源讀取資料
type Loader[V any] func(ctx context.Context, key string) (V, error)

// Aside 旁路快取：讀穿透、寫後失效
//
// 讀取：
//  1. 查快取，命中直接返回
//  2. 未命中：同一個 key 的並發讀取合併成一次 Loader 呼叫（singleflight）
//  3. 寫入快取後返回
//
// 寫入：先更新持久層，再使快取失效，下一次讀取一定是新的。
// 更新失敗時同樣使快取失效，避免讀到寫入一半的狀態。
//
// 世代：每次失效讓 key 的世代 +1。載入開始前記下世代，
// 載入期間發生過失效時不寫回快取，舊值不會蓋掉剛失效的 key。
//
// 降級：Loader 失敗（NOT_FOUND 除外）而快取裡還有過期的副本時，返回這份副本，
// 並把副本放回快取（保持過期），持久層恢復前每次讀取都能降級，
// 恢復後第一次讀取就會重新載入。
type Aside[V any] struct {
	cache    *TTL[V]
	load     Loader[V]
	group    singleflight.Group
	logger   *slog.Logger
	degraded atomic.Uint64

	mu   sync.Mutex
	gens *lru.Cache // key -> uint64
}

// NewAside 創建旁路快取
func NewAside[V any](cache *TTL[V], load Loader[V], logger *slog.Logger) *Aside[V] {
	// 世代表與快取同容量；被擠出的 key 世代歸零，只會讓一次寫回被略過
	gens, _ := lru.New(cache.size)
	return &Aside[V]{cache: cache, load: load, logger: logger, gens: gens}
}

// Get 讀取
func (a *Aside[V]) Get(ctx context.Context, key string) (V, error) {
	a.cache.mu.Lock()
	v, fresh, found := a.cache.getLocked(key)
	a.cache.mu.Unlock()
	if fresh {
		return v, nil
	}
	stale, hasStale := v, found
	seen := a.generation(key)

	res, err, _ := a.group.Do(key, func() (any, error) {
		gen := a.generation(key)
		loaded, err := a.load(ctx, key)
		if err != nil {
			return nil, err
		}
		a.setIfCurrent(key, loaded, gen)
		return loaded, nil
	})
	if err != nil {
		if hasStale && !apperrors.IsNotFound(err) {
			a.degraded.Add(1)
			a.restoreIfCurrent(key, stale, seen)
			a.logger.WarnContext(ctx, "持久層讀取失敗，使用過期快照", "key", key, "error", err)
			return stale, nil
		}
		var zero V
		return zero, fmt.Errorf("load %s: %w", key, err)
	}
	return res.(V), nil
}

// Write 執行寫入並使快取失效
func (a *Aside[V]) Write(ctx context.Context, key string, write func(context.Context) error) error {
	err := write(ctx)
	a.Invalidate(key)
	return err
}

// Invalidate 使快取失效
//
// 同時放棄進行中的載入結果：之後的讀取會發起新的 Loader 呼叫。
func (a *Aside[V]) Invalidate(key string) {
	a.mu.Lock()
	a.gens.Add(key, a.generationLocked(key)+1)
	a.cache.Invalidate(key)
	a.mu.Unlock()
	a.group.Forget(key)
}

// Prime 直接寫入快取（剛從持久層拿到最新值時使用）
func (a *Aside[V]) Prime(key string, v V) {
	a.cache.Set(key, v)
}

// Degraded 降級次數
func (a *Aside[V]) Degraded() uint64 {
	return a.degraded.Load()
}

// Stats 底層快取統計
func (a *Aside[V]) Stats() Stats {
	return a.cache.Stats()
}

func (a *Aside[V]) generation(key string) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.generationLocked(key)
}

func (a *Aside[V]) generationLocked(key string) uint64 {
	if g, ok := a.gens.Get(key); ok {
		return g.(uint64)
	}
	return 0
}

// setIfCurrent 載入期間沒有失效才寫回快取
func (a *Aside[V]) setIfCurrent(key string, v V, gen uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.generationLocked(key) != gen {
		return
	}
	a.cache.Set(key, v)
}

// restoreIfCurrent 放回過期副本，期間有失效或已有新值時略過
func (a *Aside[V]) restoreIfCurrent(key string, v V, gen uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.generationLocked(key) != gen {
		return
	}
	a.cache.restore(key, v)
}
