// Package events 發布對局生命週期事件
//
// 事件走 NATS JetStream（stream ARENA，subject arena.>），
// 供戰績、排行榜等下游服務消費。發布失敗不影響對局本身。
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// 事件主題
const (
	SubjectMatchCreated   = "arena.match.created"
	SubjectMatchCompleted = "arena.match.completed"
	SubjectMatchAbandoned = "arena.match.abandoned"
)

// Event 所有事件的共同介面
type Event interface {
	Subject() string
	// ID 用於 JetStream 去重，同一事件重送只會保存一次
	ID() string
}

// Publisher 事件發布埠
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// MatchCreated 配對成功並建立對局
type MatchCreated struct {
	MatchID     string    `json:"match_id"`
	SessionCode string    `json:"session_code"`
	PlayerA     string    `json:"player_a"`
	PlayerB     string    `json:"player_b"`
	GameMode    string    `json:"game_mode"`
	Matchmade   bool      `json:"matchmade"`
	CreatedAt   time.Time `json:"created_at"`
}

// MatchCompleted 對局正常結束
type MatchCompleted struct {
	MatchID     string         `json:"match_id"`
	SessionCode string         `json:"session_code"`
	WinnerID    string         `json:"winner_id,omitempty"`
	IsTie       bool           `json:"is_tie"`
	Scores      map[string]int `json:"scores"`
	EndedAt     time.Time      `json:"ended_at"`
}

// MatchAbandoned 對局因斷線或離開而中止
type MatchAbandoned struct {
	MatchID       string    `json:"match_id"`
	SessionCode   string    `json:"session_code"`
	Reason        string    `json:"reason"`
	AbsentPlayers []string  `json:"absent_players,omitempty"`
	EndedAt       time.Time `json:"ended_at"`
}

func (MatchCreated) Subject() string   { return SubjectMatchCreated }
func (MatchCompleted) Subject() string { return SubjectMatchCompleted }
func (MatchAbandoned) Subject() string { return SubjectMatchAbandoned }

func (e MatchCreated) ID() string   { return e.MatchID + ".created" }
func (e MatchCompleted) ID() string { return e.MatchID + ".completed" }
func (e MatchAbandoned) ID() string { return e.MatchID + ".abandoned" }

// Encode 序列化事件內容
func Encode(e Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", e.Subject(), err)
	}
	return data, nil
}

// Noop 未設定 NATS 時使用
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
