package store

import (
	"context"
	"sync"
	"time"
)

// Memory 記憶體實作（開發、測試）
//
// 讀取一律返回副本，呼叫端修改返回值不會影響儲存的資料。
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]Session
	matches  map[string]Match
	results  map[string]MatchResult
	ratings  map[string]Rating

	// failNext 設定後下一次寫入返回此錯誤
	failNext error
	// readErr 非 nil 時所有 GetSession 都返回此錯誤
	readErr error
}

// NewMemory 創建記憶體儲存
func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]Session),
		matches:  make(map[string]Match),
		results:  make(map[string]MatchResult),
		ratings:  make(map[string]Rating),
	}
}

// FailNextWrite 讓下一次寫入失敗（模擬資料庫故障）
func (m *Memory) FailNextWrite(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

// SetReadError 讓 GetSession 持續失敗，傳 nil 恢復
func (m *Memory) SetReadError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readErr = err
}

func (m *Memory) takeFailureLocked() error {
	err := m.failNext
	m.failNext = nil
	return err
}

func (m *Memory) CreateSession(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailureLocked(); err != nil {
		return err
	}
	if _, exists := m.sessions[s.Code]; exists {
		return ErrCodeTaken
	}
	m.sessions[s.Code] = s
	return nil
}

func (m *Memory) GetSession(_ context.Context, code string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.readErr != nil {
		return Session{}, m.readErr
	}
	s, ok := m.sessions[code]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return s, nil
}

func (m *Memory) UpdateSession(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailureLocked(); err != nil {
		return err
	}
	if _, ok := m.sessions[s.Code]; !ok {
		return ErrSessionNotFound
	}
	m.sessions[s.Code] = s
	return nil
}

func (m *Memory) ListStaleSessions(_ context.Context, before time.Time) ([]Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stale []Session
	for _, s := range m.sessions {
		if s.Status == StatusWaiting && s.UpdatedAt.Before(before) {
			stale = append(stale, s)
		}
	}
	return stale, nil
}

func (m *Memory) RecordMatch(_ context.Context, s Session, match Match) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailureLocked(); err != nil {
		return err
	}
	if _, exists := m.matches[match.ID]; exists {
		return ErrCodeTaken.WithDetails("match id already exists")
	}
	m.sessions[s.Code] = s
	m.matches[match.ID] = match
	return nil
}

func (m *Memory) GetMatch(_ context.Context, id string) (Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	match, ok := m.matches[id]
	if !ok {
		return Match{}, ErrMatchNotFound
	}
	if match.EndedAt != nil {
		ended := *match.EndedAt
		match.EndedAt = &ended
	}
	return match, nil
}

func (m *Memory) UpdateMatchStatus(_ context.Context, id string, status MatchStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailureLocked(); err != nil {
		return err
	}
	match, ok := m.matches[id]
	if !ok {
		return ErrMatchNotFound
	}
	match.Status = status
	if status != MatchInProgress {
		match.EndedAt = &at
	}
	m.matches[id] = match
	return nil
}

func (m *Memory) FinishMatch(_ context.Context, s Session, r MatchResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailureLocked(); err != nil {
		return err
	}
	match, ok := m.matches[r.MatchID]
	if !ok {
		return ErrMatchNotFound
	}
	if _, exists := m.results[r.MatchID]; exists {
		return ErrResultExists
	}

	ended := r.CreatedAt
	match.Status = MatchCompleted
	match.EndedAt = &ended
	m.matches[r.MatchID] = match
	m.results[r.MatchID] = r.clone()
	m.sessions[s.Code] = s
	return nil
}

func (m *Memory) GetResult(_ context.Context, matchID string) (MatchResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.results[matchID]
	if !ok {
		return MatchResult{}, ErrMatchNotFound.WithDetails("no result recorded")
	}
	return r.clone(), nil
}

func (m *Memory) GetRatings(_ context.Context, userIDs ...string) (map[string]Rating, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Rating, len(userIDs))
	for _, id := range userIDs {
		r, ok := m.ratings[id]
		if !ok {
			r = NewRating(id)
		}
		out[id] = r
	}
	return out, nil
}

func (m *Memory) SaveRatings(_ context.Context, ratings ...Rating) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailureLocked(); err != nil {
		return err
	}
	for _, r := range ratings {
		m.ratings[r.UserID] = r
	}
	return nil
}

func (m *Memory) Close() {}
