// Package store 是對局資料的持久層
//
// 工作階段、對局、結果與積分的權威來源都在這裡；
// 記憶體實作用於開發與測試，PostgreSQL 實作用於正式環境。
package store

import (
	"context"
	"maps"
	"time"

	apperrors "github.com/koopa0/quiz-arena/pkg/errors"
)

// DefaultRating 新玩家的 ELO
const DefaultRating = 1000

var (
	// ErrSessionNotFound 房間不存在
	ErrSessionNotFound = apperrors.New(apperrors.ErrCodeNotFound, "session not found")
	// ErrMatchNotFound 對局不存在
	ErrMatchNotFound = apperrors.New(apperrors.ErrCodeNotFound, "match not found")
	// ErrCodeTaken 房間代碼已被使用
	ErrCodeTaken = apperrors.New(apperrors.ErrCodeStateConflict, "session code already taken")
	// ErrResultExists 對局結果只能寫入一次
	ErrResultExists = apperrors.New(apperrors.ErrCodeStateConflict, "match result already recorded")
)

// SessionStatus 房間狀態
//
//	waiting → in_progress → completed
//	   │           │
//	   └───────────┴──────→ abandoned
type SessionStatus string

const (
	StatusWaiting    SessionStatus = "waiting"
	StatusInProgress SessionStatus = "in_progress"
	StatusCompleted  SessionStatus = "completed"
	StatusAbandoned  SessionStatus = "abandoned"
)

// Terminal 是否為終止狀態
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusAbandoned
}

// Session 房間（對戰的兩位玩家在開賽前與對局中的容器）
type Session struct {
	Code         string        `json:"code"`
	HostID       string        `json:"host_id"`
	HostName     string        `json:"host_name"`
	OpponentID   string        `json:"opponent_id,omitempty"`
	OpponentName string        `json:"opponent_name,omitempty"`
	Status       SessionStatus `json:"status"`
	GameMode     string        `json:"game_mode"`
	Map          string        `json:"map,omitempty"`
	Matchmade    bool          `json:"matchmade"`
	MatchID      string        `json:"match_id,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// IsMember 玩家是否屬於這個房間
func (s Session) IsMember(userID string) bool {
	return userID != "" && (s.HostID == userID || s.OpponentID == userID)
}

// Full 兩個位置都有人
func (s Session) Full() bool {
	return s.HostID != "" && s.OpponentID != ""
}

// PlayerIDs 房主在前
func (s Session) PlayerIDs() []string {
	ids := make([]string, 0, 2)
	if s.HostID != "" {
		ids = append(ids, s.HostID)
	}
	if s.OpponentID != "" {
		ids = append(ids, s.OpponentID)
	}
	return ids
}

// DisplayName 玩家在這個房間的顯示名稱
func (s Session) DisplayName(userID string) string {
	switch userID {
	case s.HostID:
		return s.HostName
	case s.OpponentID:
		return s.OpponentName
	default:
		return ""
	}
}

// MatchStatus 對局狀態
type MatchStatus string

const (
	MatchInProgress MatchStatus = "in_progress"
	MatchCompleted  MatchStatus = "completed"
	MatchAbandoned  MatchStatus = "abandoned"
)

// Match 對局紀錄
type Match struct {
	ID          string      `json:"id"`
	SessionCode string      `json:"session_code"`
	PlayerA     string      `json:"player_a"`
	PlayerB     string      `json:"player_b"`
	GameMode    string      `json:"game_mode"`
	Status      MatchStatus `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	EndedAt     *time.Time  `json:"ended_at,omitempty"`
}

// MatchResult 對局結果，每場只寫一次
type MatchResult struct {
	MatchID    string           `json:"match_id"`
	WinnerID   string           `json:"winner_id,omitempty"`
	IsTie      bool             `json:"is_tie"`
	TieBreak   bool             `json:"tie_break"`
	Scores     map[string]int   `json:"scores"`
	TotalTimes map[string]int64 `json:"total_times_ms"`
	CreatedAt  time.Time        `json:"created_at"`
}

func (r MatchResult) clone() MatchResult {
	r.Scores = maps.Clone(r.Scores)
	r.TotalTimes = maps.Clone(r.TotalTimes)
	return r
}

// Rating 玩家積分
type Rating struct {
	UserID    string    `json:"user_id"`
	ELO       int       `json:"elo"`
	XP        int       `json:"xp"`
	Wins      int       `json:"wins"`
	Losses    int       `json:"losses"`
	Ties      int       `json:"ties"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewRating 新玩家的初始積分
func NewRating(userID string) Rating {
	return Rating{UserID: userID, ELO: DefaultRating}
}

// Store 持久層介面
//
// 系統設計考量：
//
//  1. 一致性：
//     RecordMatch 在同一個交易內寫入房間與對局，
//     不會出現「有對局、房間還在 waiting」的中間狀態。
//     FinishMatch 同理，結果、對局狀態、房間狀態一起提交。
//
//  2. 讀取路徑：
//     GetSession 是熱路徑上唯一的讀取，呼叫端以 cache.Aside 包一層，
//     每次寫入後使快取失效。
//
//  3. 錯誤：
//     找不到返回 NOT_FOUND 類的錯誤；唯一性衝突返回 STATE_CONFLICT 類。
type Store interface {
	CreateSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, code string) (Session, error)
	UpdateSession(ctx context.Context, s Session) error
	// ListStaleSessions 列出 updated_at 早於 before 的 waiting 房間
	ListStaleSessions(ctx context.Context, before time.Time) ([]Session, error)

	// RecordMatch 寫入（或更新）房間並新增對局
	RecordMatch(ctx context.Context, s Session, m Match) error
	GetMatch(ctx context.Context, id string) (Match, error)
	UpdateMatchStatus(ctx context.Context, id string, status MatchStatus, at time.Time) error
	// FinishMatch 寫入結果並把對局與房間標記為完成
	FinishMatch(ctx context.Context, s Session, r MatchResult) error
	GetResult(ctx context.Context, matchID string) (MatchResult, error)

	// GetRatings 讀取積分，沒有紀錄的玩家返回初始積分
	GetRatings(ctx context.Context, userIDs ...string) (map[string]Rating, error)
	SaveRatings(ctx context.Context, ratings ...Rating) error

	Close()
}
