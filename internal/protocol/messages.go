// Package protocol 定義 WebSocket 上的訊息格式
//
// 所有訊息都包在同一個信封裡：
//
//	{"type": "question", "payload": {...}}
//
// 訊息種類是封閉集合：每種 Type 對應一個 payload 結構，
// Decode 以 switch 窮舉所有種類，未知種類直接拒絕。
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Type 訊息種類
type Type string

// 伺服器 → 客戶端
const (
	TypeLobbyState         Type = "lobby_state"
	TypePlayerJoined       Type = "player_joined"
	TypePlayerLeft         Type = "player_left"
	TypeMatchFound         Type = "match_found"
	TypeGameStarting       Type = "game_starting"
	TypeQuestion           Type = "question"
	TypeRoundResult        Type = "round_result"
	TypeGameEnd            Type = "game_end"
	TypePlayerDisconnected Type = "player_disconnected"
	TypePlayerReconnected  Type = "player_reconnected"
	TypeGameAbandoned      Type = "game_abandoned"
	TypePowerupSpawn       Type = "powerup_spawn"
	TypeError              Type = "error"
)

// 客戶端 → 伺服器
const (
	TypeStartGame  Type = "start_game"
	TypeAnswer     Type = "answer"
	TypeLeaveLobby Type = "leave_lobby"
)

// 雙向
const (
	TypePing           Type = "ping"
	TypePong           Type = "pong"
	TypePositionUpdate Type = "position_update"
	TypePowerupCollect Type = "powerup_collect"
	TypePowerupUse     Type = "powerup_use"
	TypeCombatHit      Type = "combat_hit"
	TypeCombatKill     Type = "combat_kill"
)

var (
	// ErrMalformed 無法解析的訊息
	ErrMalformed = errors.New("malformed message")
	// ErrUnknownType 未知的訊息種類
	ErrUnknownType = errors.New("unknown message type")
	// ErrWrongDirection 客戶端送出只允許伺服器發送的訊息
	ErrWrongDirection = errors.New("message type not accepted from client")
)

// Message 所有訊息 payload 的共同介面
type Message interface {
	Type() Type
	message()
}

// Envelope 訊息信封
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// PlayerInfo 房間內玩家資訊
type PlayerInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	IsHost      bool   `json:"is_host"`
	Connected   bool   `json:"connected"`
}

// LobbyState 房間完整狀態，連線建立時送出
//
// CanStart：waiting、兩人都在且都已連線。
type LobbyState struct {
	Code      string         `json:"code"`
	Status    string         `json:"status"`
	GameMode  string         `json:"game_mode"`
	Map       string         `json:"map,omitempty"`
	Matchmade bool           `json:"matchmade"`
	HostID    string         `json:"host_id"`
	Players   []PlayerInfo   `json:"players"`
	CanStart  bool           `json:"can_start"`
	Round     int            `json:"round,omitempty"`
	Scores    map[string]int `json:"scores,omitempty"`
}

// PlayerJoined 對手加入，附上更新後的玩家列表
type PlayerJoined struct {
	Player   PlayerInfo   `json:"player"`
	Players  []PlayerInfo `json:"players"`
	CanStart bool         `json:"can_start"`
}

// PlayerLeft 玩家離開，房主離開時 NewHostID 為接手的玩家
type PlayerLeft struct {
	PlayerID    string       `json:"player_id"`
	DisplayName string       `json:"display_name"`
	NewHostID   string       `json:"new_host_id,omitempty"`
	Players     []PlayerInfo `json:"players"`
	CanStart    bool         `json:"can_start"`
}

// MatchFound 配對成功通知，客戶端收到後連到房間
type MatchFound struct {
	SessionCode  string `json:"session_code"`
	OpponentID   string `json:"opponent_id"`
	OpponentName string `json:"opponent_name"`
	GameMode     string `json:"game_mode"`
}

type GameStarting struct {
	Rounds   int       `json:"rounds"`
	StartsAt time.Time `json:"starts_at"`
}

// Question 題目，不含正確答案
type Question struct {
	Round       int       `json:"round"`
	TotalRounds int       `json:"total_rounds"`
	QuestionID  string    `json:"question_id"`
	Text        string    `json:"text"`
	Options     []string  `json:"options"`
	Category    string    `json:"category,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	TimeLimitMs int64     `json:"time_limit_ms"`
}

// RoundAnswer 單一玩家在某回合的作答結果
type RoundAnswer struct {
	Answered  bool  `json:"answered"`
	Choice    int   `json:"choice"`
	Correct   bool  `json:"correct"`
	ElapsedMs int64 `json:"elapsed_ms"`
	Points    int   `json:"points"`
}

type RoundResult struct {
	Round        int                    `json:"round"`
	CorrectIndex int                    `json:"correct_index"`
	Answers      map[string]RoundAnswer `json:"answers"`
	Scores       map[string]int         `json:"scores"`
}

// PlayerRecap 結算後的個人資料
type PlayerRecap struct {
	RatingBefore int `json:"rating_before"`
	RatingAfter  int `json:"rating_after"`
	XPGained     int `json:"xp_gained"`
	Correct      int `json:"correct"`
}

type GameEnd struct {
	WinnerID    *string                `json:"winner_id"`
	IsTie       bool                   `json:"is_tie"`
	TieBreak    bool                   `json:"tie_break"`
	Scores      map[string]int         `json:"scores"`
	TotalTimeMs map[string]int64       `json:"total_time_ms"`
	Recap       map[string]PlayerRecap `json:"recap,omitempty"`
}

type PlayerDisconnected struct {
	PlayerID          string    `json:"player_id"`
	ReconnectDeadline time.Time `json:"reconnect_deadline"`
}

type PlayerReconnected struct {
	PlayerID string `json:"player_id"`
}

// GameAbandoned 房間中止；在配對頻道上送出時帶 SessionCode
type GameAbandoned struct {
	SessionCode   string   `json:"session_code,omitempty"`
	Reason        string   `json:"reason"`
	AbsentPlayers []string `json:"absent_players,omitempty"`
}

type PowerupSpawn struct {
	PowerupID string  `json:"powerup_id"`
	Kind      string  `json:"kind"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
}

// Error 錯誤通知，連線不會因此關閉
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type StartGame struct{}

// Answer 作答；ElapsedMs 為客戶端量測的作答時間
type Answer struct {
	Round     int   `json:"round"`
	Choice    int   `json:"choice"`
	ElapsedMs int64 `json:"elapsed_ms"`
}

type LeaveLobby struct{}

// Ping 連線探測，收到的一方以相同 nonce 回 Pong
type Ping struct {
	Nonce string `json:"nonce"`
}

type Pong struct {
	Nonce string `json:"nonce"`
}

// PositionUpdate 位置同步，轉發時 PlayerID 由伺服器填入
type PositionUpdate struct {
	PlayerID string  `json:"player_id,omitempty"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Rotation float64 `json:"rotation"`
	Seq      int64   `json:"seq"`
}

type PowerupCollect struct {
	PowerupID string `json:"powerup_id"`
	PlayerID  string `json:"player_id,omitempty"`
}

type PowerupUse struct {
	PowerupID string `json:"powerup_id"`
	Kind      string `json:"kind,omitempty"`
	PlayerID  string `json:"player_id,omitempty"`
	TargetID  string `json:"target_id,omitempty"`
}

type CombatHit struct {
	AttackerID string `json:"attacker_id,omitempty"`
	TargetID   string `json:"target_id"`
	Damage     int    `json:"damage"`
}

type CombatKill struct {
	KillerID string `json:"killer_id,omitempty"`
	VictimID string `json:"victim_id"`
}

func (LobbyState) Type() Type         { return TypeLobbyState }
func (PlayerJoined) Type() Type       { return TypePlayerJoined }
func (PlayerLeft) Type() Type         { return TypePlayerLeft }
func (MatchFound) Type() Type         { return TypeMatchFound }
func (GameStarting) Type() Type       { return TypeGameStarting }
func (Question) Type() Type           { return TypeQuestion }
func (RoundResult) Type() Type        { return TypeRoundResult }
func (GameEnd) Type() Type            { return TypeGameEnd }
func (PlayerDisconnected) Type() Type { return TypePlayerDisconnected }
func (PlayerReconnected) Type() Type  { return TypePlayerReconnected }
func (GameAbandoned) Type() Type      { return TypeGameAbandoned }
func (PowerupSpawn) Type() Type       { return TypePowerupSpawn }
func (Error) Type() Type              { return TypeError }
func (StartGame) Type() Type          { return TypeStartGame }
func (Answer) Type() Type             { return TypeAnswer }
func (LeaveLobby) Type() Type         { return TypeLeaveLobby }
func (Ping) Type() Type               { return TypePing }
func (Pong) Type() Type               { return TypePong }
func (PositionUpdate) Type() Type     { return TypePositionUpdate }
func (PowerupCollect) Type() Type     { return TypePowerupCollect }
func (PowerupUse) Type() Type         { return TypePowerupUse }
func (CombatHit) Type() Type          { return TypeCombatHit }
func (CombatKill) Type() Type         { return TypeCombatKill }

func (LobbyState) message()         {}
func (PlayerJoined) message()       {}
func (PlayerLeft) message()         {}
func (MatchFound) message()         {}
func (GameStarting) message()       {}
func (Question) message()           {}
func (RoundResult) message()        {}
func (GameEnd) message()            {}
func (PlayerDisconnected) message() {}
func (PlayerReconnected) message()  {}
func (GameAbandoned) message()      {}
func (PowerupSpawn) message()       {}
func (Error) message()              {}
func (StartGame) message()          {}
func (Answer) message()             {}
func (LeaveLobby) message()         {}
func (Ping) message()               {}
func (Pong) message()               {}
func (PositionUpdate) message()     {}
func (PowerupCollect) message()     {}
func (PowerupUse) message()         {}
func (CombatHit) message()          {}
func (CombatKill) message()         {}

// Encode 序列化為信封格式
func Encode(m Message) ([]byte, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type(), err)
	}
	return json.Marshal(Envelope{Type: m.Type(), Payload: payload})
}

// MustEncode 用於固定結構的訊息，序列化失敗代表程式錯誤
func MustEncode(m Message) []byte {
	data, err := Encode(m)
	if err != nil {
		panic(err)
	}
	return data
}

// Decode 解析任意方向的訊息
func Decode(data []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch env.Type {
	case TypeLobbyState:
		return decodePayload[LobbyState](env)
	case TypePlayerJoined:
		return decodePayload[PlayerJoined](env)
	case TypePlayerLeft:
		return decodePayload[PlayerLeft](env)
	case TypeMatchFound:
		return decodePayload[MatchFound](env)
	case TypeGameStarting:
		return decodePayload[GameStarting](env)
	case TypeQuestion:
		return decodePayload[Question](env)
	case TypeRoundResult:
		return decodePayload[RoundResult](env)
	case TypeGameEnd:
		return decodePayload[GameEnd](env)
	case TypePlayerDisconnected:
		return decodePayload[PlayerDisconnected](env)
	case TypePlayerReconnected:
		return decodePayload[PlayerReconnected](env)
	case TypeGameAbandoned:
		return decodePayload[GameAbandoned](env)
	case TypePowerupSpawn:
		return decodePayload[PowerupSpawn](env)
	case TypeError:
		return decodePayload[Error](env)
	case TypeStartGame:
		return decodePayload[StartGame](env)
	case TypeAnswer:
		return decodePayload[Answer](env)
	case TypeLeaveLobby:
		return decodePayload[LeaveLobby](env)
	case TypePing:
		return decodePayload[Ping](env)
	case TypePong:
		return decodePayload[Pong](env)
	case TypePositionUpdate:
		return decodePayload[PositionUpdate](env)
	case TypePowerupCollect:
		return decodePayload[PowerupCollect](env)
	case TypePowerupUse:
		return decodePayload[PowerupUse](env)
	case TypeCombatHit:
		return decodePayload[CombatHit](env)
	case TypeCombatKill:
		return decodePayload[CombatKill](env)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

// DecodeClient 解析客戶端送來的訊息，拒絕伺服器專用的種類
func DecodeClient(data []byte) (Message, error) {
	m, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if !FromClient(m.Type()) {
		return nil, fmt.Errorf("%w: %q", ErrWrongDirection, m.Type())
	}
	return m, nil
}

// FromClient 客戶端可以送出的訊息種類
func FromClient(t Type) bool {
	switch t {
	case TypeStartGame, TypeAnswer, TypeLeaveLobby,
		TypePing, TypePong,
		TypePositionUpdate, TypePowerupCollect, TypePowerupUse,
		TypeCombatHit, TypeCombatKill:
		return true
	default:
		return false
	}
}

// Realtime 高頻的即時事件，受每連線速率限制
func Realtime(t Type) bool {
	switch t {
	case TypePositionUpdate, TypePowerupCollect, TypePowerupUse, TypeCombatHit, TypeCombatKill:
		return true
	default:
		return false
	}
}

func decodePayload[T Message](env Envelope) (Message, error) {
	var v T
	if len(env.Payload) > 0 && string(env.Payload) != "null" {
		if err := json.Unmarshal(env.Payload, &v); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformed, env.Type, err)
		}
	}
	return v, nil
}
