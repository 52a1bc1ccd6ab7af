package queue

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	apperrors "github.com/koopa0/quiz-arena/pkg/errors"
)

// MaxDisplayNameLength 顯示名稱長度上限（字元）
const MaxDisplayNameLength = 32

// ServiceConfig 冷卻期設定，零值代表不設冷卻
type ServiceConfig struct {
	LeaveCooldown   time.Duration
	AbandonCooldown time.Duration
}

// Service 配對佇列服務
//
// 在記憶體佇列之外處理：
//   - 冷卻期（主動離開、棄賽後一段時間內不能再排隊）
//   - 快照（每次變更寫入 TicketStore，重啟後 Rehydrate）
//
//   - 配對中的玩家（TakePair 取出、結果未定）：期間 Leave 一樣成功，
//     之後 Requeue / RestorePair 會略過這些玩家
//
// 記憶體佇列是唯一的權威來源；快照與冷卻期儲存失敗只記錄警告，
// 不會讓排隊操作失敗。
type Service struct {
	queue     *Queue
	tickets   TicketStore
	cooldowns CooldownStore
	cfg       ServiceConfig
	logger    *slog.Logger
	now       func() time.Time

	// mu 讓「佇列操作 + 配對中狀態」成為一個原子步驟
	mu sync.Mutex
	// inFlight 配對中的玩家；值為 true 代表期間已離開
	inFlight map[string]bool
}

// NewService 創建佇列服務
func NewService(q *Queue, tickets TicketStore, cooldowns CooldownStore, cfg ServiceConfig, logger *slog.Logger) *Service {
	return &Service{
		queue:     q,
		tickets:   tickets,
		cooldowns: cooldowns,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		inFlight:  make(map[string]bool),
	}
}

// SetClock 替換時間來源（測試用）
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Join 加入配對
//
// 錯誤：
//   - VALIDATION_ERROR：玩家 ID 或顯示名稱無效
//   - QUEUE_COOLDOWN:<seconds>：冷卻期中
//   - ALREADY_IN_QUEUE：已在佇列中
func (s *Service) Join(ctx context.Context, playerID, displayName, gameMode string) (Status, error) {
	displayName = strings.TrimSpace(displayName)
	switch {
	case playerID == "":
		return Status{}, apperrors.ErrValidation.WithDetails("player id is required")
	case displayName == "":
		return Status{}, apperrors.ErrValidation.WithDetails("display_name is required")
	case utf8.RuneCountInString(displayName) > MaxDisplayNameLength:
		return Status{}, apperrors.ErrValidation.WithDetails("display_name is too long")
	}

	remaining, err := s.cooldowns.Remaining(ctx, playerID)
	if err != nil {
		s.logger.WarnContext(ctx, "讀取冷卻期失敗，略過檢查", "player_id", playerID, "error", err)
	}
	if remaining > 0 {
		return Status{}, &apperrors.CooldownError{Remaining: remaining}
	}

	t := Ticket{
		PlayerID:    playerID,
		DisplayName: displayName,
		GameMode:    gameMode,
		JoinedAt:    s.now(),
	}
	s.mu.Lock()
	withdrawn, pending := s.inFlight[playerID]
	added := (!pending || withdrawn) && s.queue.Add(t)
	s.mu.Unlock()
	if !added {
		// 配對中的玩家也視為已在佇列中
		return Status{}, apperrors.ErrAlreadyInQueue
	}
	s.persist(ctx, playerID)

	s.logger.InfoContext(ctx, "玩家加入配對佇列", "player_id", playerID, "queue_size", s.queue.Len())
	return s.queue.Status(playerID, s.now()), nil
}

// Leave 離開配對，並開始離開冷卻期
//
// 配對中的玩家同樣可以離開，配對流程結束時不會再放回佇列。
func (s *Service) Leave(ctx context.Context, playerID string) error {
	s.mu.Lock()
	_, queued := s.queue.Remove(playerID)
	withdrawn := false
	if !queued {
		if _, pending := s.inFlight[playerID]; pending {
			s.inFlight[playerID] = true
			withdrawn = true
		}
	}
	s.mu.Unlock()

	if !queued && !withdrawn {
		return apperrors.ErrNotFound.WithDetails("player is not in queue")
	}
	if queued {
		s.forget(ctx, playerID)
	}
	s.applyCooldown(ctx, playerID, s.cfg.LeaveCooldown)

	s.logger.InfoContext(ctx, "玩家離開配對佇列", "player_id", playerID, "during_match", withdrawn)
	return nil
}

// Status 查詢排隊狀態
func (s *Service) Status(playerID string) Status {
	return s.queue.Status(playerID, s.now())
}

// Size 佇列長度
func (s *Service) Size() int {
	return s.queue.Len()
}

// TakePair 取出最早的兩位玩家，兩人進入配對中狀態
//
// 呼叫端必須以 Requeue、RestorePair 或 Release 結束配對中狀態。
func (s *Service) TakePair(ctx context.Context) (Ticket, Ticket, bool) {
	s.mu.Lock()
	a, b, ok := s.queue.FindMatch()
	if ok {
		s.inFlight[a.PlayerID] = false
		s.inFlight[b.PlayerID] = false
	}
	s.mu.Unlock()

	if !ok {
		return Ticket{}, Ticket{}, false
	}
	s.forget(ctx, a.PlayerID, b.PlayerID)
	return a, b, true
}

// Requeue 以新的時間戳重新排隊（排到隊尾）
//
// 用於對手未通過健康檢查時，健康的一方不需要重新點擊配對。
// 配對期間已離開的玩家不會重新排隊。
func (s *Service) Requeue(ctx context.Context, t Ticket) bool {
	fresh := Ticket{
		PlayerID:    t.PlayerID,
		DisplayName: t.DisplayName,
		GameMode:    t.GameMode,
		JoinedAt:    s.now(),
	}

	s.mu.Lock()
	withdrawn := s.inFlight[t.PlayerID]
	delete(s.inFlight, t.PlayerID)
	added := !withdrawn && s.queue.Add(fresh)
	s.mu.Unlock()

	if !added {
		return false
	}
	s.persist(ctx, t.PlayerID)
	return true
}

// RestorePair 放回原本的票（保留原位置），用於建立對局失敗後的補償
//
// 配對期間已離開的玩家會被略過，返回實際放回的數量。
func (s *Service) RestorePair(ctx context.Context, tickets ...Ticket) int {
	s.mu.Lock()
	keep := make([]Ticket, 0, len(tickets))
	for _, t := range tickets {
		if !s.inFlight[t.PlayerID] {
			keep = append(keep, t)
		}
		delete(s.inFlight, t.PlayerID)
	}
	n := s.queue.Restore(keep)
	s.mu.Unlock()

	for _, t := range keep {
		s.persist(ctx, t.PlayerID)
	}
	return n
}

// Release 結束配對中狀態，返回配對期間已離開的玩家
//
// 對局成立前呼叫：返回非空時呼叫端應放棄這場對局。
func (s *Service) Release(playerIDs ...string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var withdrawn []string
	for _, id := range playerIDs {
		if s.inFlight[id] {
			withdrawn = append(withdrawn, id)
		}
		delete(s.inFlight, id)
	}
	return withdrawn
}

// Penalize 棄賽懲罰：移出佇列並開始棄賽冷卻期
func (s *Service) Penalize(ctx context.Context, playerID string) {
	if _, ok := s.queue.Remove(playerID); ok {
		s.forget(ctx, playerID)
	}
	s.applyCooldown(ctx, playerID, s.cfg.AbandonCooldown)
	s.logger.InfoContext(ctx, "玩家棄賽，進入冷卻期", "player_id", playerID, "cooldown", s.cfg.AbandonCooldown)
}

// Rehydrate 從快照恢復佇列，返回恢復的數量
func (s *Service) Rehydrate(ctx context.Context) (int, error) {
	tickets, err := s.tickets.LoadAll(ctx)
	if err != nil && len(tickets) == 0 {
		return 0, err
	}
	if err != nil {
		s.logger.WarnContext(ctx, "部分快照無法解析", "error", err)
	}
	n := s.queue.Restore(tickets)
	s.logger.InfoContext(ctx, "配對佇列已恢復", "restored", n)
	return n, nil
}

func (s *Service) persist(ctx context.Context, playerID string) {
	// 讀回佇列中的票，確保快照帶有佇列分配的 Seq
	t, ok := s.queue.Get(playerID)
	if !ok {
		return
	}
	if err := s.tickets.Save(ctx, t); err != nil {
		s.logger.WarnContext(ctx, "保存佇列快照失敗", "player_id", playerID, "error", err)
	}
}

func (s *Service) forget(ctx context.Context, playerIDs ...string) {
	if err := s.tickets.Delete(ctx, playerIDs...); err != nil {
		s.logger.WarnContext(ctx, "刪除佇列快照失敗", "player_ids", playerIDs, "error", err)
	}
}

func (s *Service) applyCooldown(ctx context.Context, playerID string, d time.Duration) {
	if d <= 0 {
		return
	}
	if err := s.cooldowns.Set(ctx, playerID, d); err != nil {
		s.logger.WarnContext(ctx, "設定冷卻期失敗", "player_id", playerID, "error", err)
	}
}
