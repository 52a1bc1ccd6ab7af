package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// TicketStore 佇列快照，服務重啟後用來恢復排隊中的玩家
type TicketStore interface {
	Save(ctx context.Context, t Ticket) error
	Delete(ctx context.Context, playerIDs ...string) error
	LoadAll(ctx context.Context) ([]Ticket, error)
}

// CooldownStore 配對冷卻期
type CooldownStore interface {
	Set(ctx context.Context, playerID string, d time.Duration) error
	Remaining(ctx context.Context, playerID string) (time.Duration, error)
}

// DefaultTicketsKey Redis 中存放佇列快照的 hash
const DefaultTicketsKey = "arena:queue:tickets"

// DefaultCooldownPrefix 冷卻期 key 前綴
const DefaultCooldownPrefix = "arena:queue:cooldown:"

// RedisTicketStore 使用 Redis hash 保存快照
//
// 結構：HSET arena:queue:tickets <player_id> <ticket json>
//   - 加入/離開是 O(1) 的 HSET/HDEL
//   - 恢復時一次 HGETALL，排序交給記憶體佇列
type RedisTicketStore struct {
	client redis.Cmdable
	key    string
}

// NewRedisTicketStore 創建 Redis 快照儲存
func NewRedisTicketStore(client redis.Cmdable) *RedisTicketStore {
	return &RedisTicketStore{client: client, key: DefaultTicketsKey}
}

// Save 保存票
func (s *RedisTicketStore) Save(ctx context.Context, t Ticket) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal ticket: %w", err)
	}
	if err := s.client.HSet(ctx, s.key, t.PlayerID, data).Err(); err != nil {
		return fmt.Errorf("save ticket %s: %w", t.PlayerID, err)
	}
	return nil
}

// Delete 刪除票
func (s *RedisTicketStore) Delete(ctx context.Context, playerIDs ...string) error {
	if len(playerIDs) == 0 {
		return nil
	}
	if err := s.client.HDel(ctx, s.key, playerIDs...).Err(); err != nil {
		return fmt.Errorf("delete tickets: %w", err)
	}
	return nil
}

// LoadAll 讀取所有票
//
// 無法解析的項目會被略過並回報在錯誤中，其餘的票仍然返回。
func (s *RedisTicketStore) LoadAll(ctx context.Context) ([]Ticket, error) {
	entries, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("load tickets: %w", err)
	}

	var (
		tickets = make([]Ticket, 0, len(entries))
		errs    []error
	)
	for playerID, raw := range entries {
		var t Ticket
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			errs = append(errs, fmt.Errorf("ticket %s: %w", playerID, err))
			continue
		}
		tickets = append(tickets, t)
	}
	return tickets, errors.Join(errs...)
}

// RedisCooldownStore 使用帶 TTL 的 key 表示冷卻期，過期由 Redis 自動清除
type RedisCooldownStore struct {
	client redis.Cmdable
	prefix string
}

// NewRedisCooldownStore 創建 Redis 冷卻期儲存
func NewRedisCooldownStore(client redis.Cmdable) *RedisCooldownStore {
	return &RedisCooldownStore{client: client, prefix: DefaultCooldownPrefix}
}

// Set 設定冷卻期
func (s *RedisCooldownStore) Set(ctx context.Context, playerID string, d time.Duration) error {
	if err := s.client.Set(ctx, s.prefix+playerID, 1, d).Err(); err != nil {
		return fmt.Errorf("set cooldown %s: %w", playerID, err)
	}
	return nil
}

// Remaining 剩餘冷卻時間，沒有冷卻時返回 0
func (s *RedisCooldownStore) Remaining(ctx context.Context, playerID string) (time.Duration, error) {
	ttl, err := s.client.PTTL(ctx, s.prefix+playerID).Result()
	if err != nil {
		return 0, fmt.Errorf("get cooldown %s: %w", playerID, err)
	}
	// -2：key 不存在；-1：沒有 TTL（不應發生）
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// MemoryTicketStore 記憶體快照（單機開發、測試）
type MemoryTicketStore struct {
	mu      sync.Mutex
	tickets map[string]Ticket
}

// NewMemoryTicketStore 創建記憶體快照儲存
func NewMemoryTicketStore() *MemoryTicketStore {
	return &MemoryTicketStore{tickets: make(map[string]Ticket)}
}

func (s *MemoryTicketStore) Save(_ context.Context, t Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickets[t.PlayerID] = t
	return nil
}

func (s *MemoryTicketStore) Delete(_ context.Context, playerIDs ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range playerIDs {
		delete(s.tickets, id)
	}
	return nil
}

func (s *MemoryTicketStore) LoadAll(context.Context) ([]Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tickets := make([]Ticket, 0, len(s.tickets))
	for _, t := range s.tickets {
		tickets = append(tickets, t)
	}
	return tickets, nil
}

// MemoryCooldownStore 記憶體冷卻期
type MemoryCooldownStore struct {
	mu    sync.Mutex
	until map[string]time.Time
	now   func() time.Time
}

// NewMemoryCooldownStore 創建記憶體冷卻期儲存，now 為 nil 時使用 time.Now
func NewMemoryCooldownStore(now func() time.Time) *MemoryCooldownStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryCooldownStore{until: make(map[string]time.Time), now: now}
}

func (s *MemoryCooldownStore) Set(_ context.Context, playerID string, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.until[playerID] = s.now().Add(d)
	return nil
}

func (s *MemoryCooldownStore) Remaining(_ context.Context, playerID string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	until, ok := s.until[playerID]
	if !ok {
		return 0, nil
	}
	remaining := until.Sub(s.now())
	if remaining <= 0 {
		delete(s.until, playerID)
		return 0, nil
	}
	return remaining, nil
}
