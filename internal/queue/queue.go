// Package queue 實作 1v1 配對佇列
package queue

import (
	"sync"
	"time"

	"github.com/google/btree"
)

// Ticket 配對票
type Ticket struct {
	PlayerID    string    `json:"player_id"`
	DisplayName string    `json:"display_name"`
	GameMode    string    `json:"game_mode"`
	JoinedAt    time.Time `json:"joined_at"`
	// Seq 插入序號，JoinedAt 相同時保持先來後到
	Seq uint64 `json:"seq"`
}

// Status 玩家的排隊狀態
type Status struct {
	InQueue     bool       `json:"in_queue"`
	Position    int        `json:"position,omitempty"`
	WaitSeconds int        `json:"wait_seconds"`
	QueueSize   int        `json:"queue_size"`
	JoinedAt    *time.Time `json:"joined_at,omitempty"`
}

// less 排序鍵：(JoinedAt, Seq, PlayerID)
//
// PlayerID 只是讓順序成為全序，btree 不會把兩張不同的票視為相等。
func less(a, b Ticket) bool {
	if !a.JoinedAt.Equal(b.JoinedAt) {
		return a.JoinedAt.Before(b.JoinedAt)
	}
	if a.Seq != b.Seq {
		return a.Seq < b.Seq
	}
	return a.PlayerID < b.PlayerID
}

// Queue FIFO 配對佇列
//
// 系統設計考量：
//
//  1. 資料結構：
//     - 有序索引（B-tree，依加入時間排序）：取最舊兩張票 O(log n)
//     - 玩家索引（map）：重複檢查、移除 O(1) 定位
//     兩個索引在同一把鎖內同步更新。
//
//  2. 原子性：
//     FindMatch 在鎖內取出並移除兩張票，
//     兩個並發的配對流程不可能拿到同一位玩家。
//
//  3. 恢復：
//     Restore 保留票上原本的時間戳，補償後玩家回到原本的位置；
//     已存在的玩家會被略過，重複呼叫是安全的。
type Queue struct {
	mu       sync.Mutex
	index    *btree.BTreeG[Ticket]
	byPlayer map[string]Ticket
	seq      uint64
}

// New 創建空佇列
func New() *Queue {
	return &Queue{
		index:    btree.NewG[Ticket](16, less),
		byPlayer: make(map[string]Ticket),
	}
}

// Add 加入佇列，玩家已在佇列中時返回 false
func (q *Queue) Add(t Ticket) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.byPlayer[t.PlayerID]; exists {
		return false
	}
	if t.JoinedAt.IsZero() {
		t.JoinedAt = time.Now()
	}
	q.seq++
	t.Seq = q.seq
	q.insertLocked(t)
	return true
}

// Restore 批次放回票，保留原本的 JoinedAt 與 Seq
//
// 返回實際放回的數量。
func (q *Queue) Restore(tickets []Ticket) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	restored := 0
	for _, t := range tickets {
		if _, exists := q.byPlayer[t.PlayerID]; exists {
			continue
		}
		if t.Seq > q.seq {
			q.seq = t.Seq
		}
		q.insertLocked(t)
		restored++
	}
	return restored
}

func (q *Queue) insertLocked(t Ticket) {
	q.index.ReplaceOrInsert(t)
	q.byPlayer[t.PlayerID] = t
}

// Remove 移除玩家
func (q *Queue) Remove(playerID string) (Ticket, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.byPlayer[playerID]
	if !ok {
		return Ticket{}, false
	}
	q.index.Delete(t)
	delete(q.byPlayer, playerID)
	return t, true
}

// Get 讀取玩家的票
func (q *Queue) Get(playerID string) (Ticket, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.byPlayer[playerID]
	return t, ok
}

// Contains 玩家是否在佇列中
func (q *Queue) Contains(playerID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byPlayer[playerID]
	return ok
}

// FindMatch 取出最早加入的兩張票
//
// 少於兩人時不修改佇列並返回 false。
func (q *Queue) FindMatch() (Ticket, Ticket, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.index.Len() < 2 {
		return Ticket{}, Ticket{}, false
	}

	a, _ := q.index.DeleteMin()
	b, _ := q.index.DeleteMin()
	delete(q.byPlayer, a.PlayerID)
	delete(q.byPlayer, b.PlayerID)
	return a, b, true
}

// Position 玩家的排隊名次（從 1 開始）
func (q *Queue) Position(playerID string) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.positionLocked(playerID)
}

func (q *Queue) positionLocked(playerID string) (int, bool) {
	t, ok := q.byPlayer[playerID]
	if !ok {
		return 0, false
	}
	ahead := 0
	q.index.AscendLessThan(t, func(Ticket) bool {
		ahead++
		return true
	})
	return ahead + 1, true
}

// Status 查詢玩家的排隊狀態
func (q *Queue) Status(playerID string, now time.Time) Status {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Status{QueueSize: q.index.Len()}
	pos, ok := q.positionLocked(playerID)
	if !ok {
		return s
	}
	t := q.byPlayer[playerID]
	joined := t.JoinedAt
	s.InQueue = true
	s.Position = pos
	s.JoinedAt = &joined
	if wait := now.Sub(t.JoinedAt); wait > 0 {
		s.WaitSeconds = int(wait.Seconds())
	}
	return s
}

// All 依 FIFO 順序返回所有票的副本
func (q *Queue) All() []Ticket {
	q.mu.Lock()
	defer q.mu.Unlock()

	tickets := make([]Ticket, 0, q.index.Len())
	q.index.Ascend(func(t Ticket) bool {
		tickets = append(tickets, t)
		return true
	})
	return tickets
}

// Len 佇列長度
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.index.Len()
}

// Clear 清空佇列
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.index.Clear(false)
	q.byPlayer = make(map[string]Ticket)
}
