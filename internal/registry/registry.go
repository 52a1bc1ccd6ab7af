// Package registry 管理所有在線的 WebSocket 連線
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/koopa0/quiz-arena/internal/protocol"
	apperrors "github.com/koopa0/quiz-arena/pkg/errors"
)

// CloseReplaced 同一玩家對同一房間建立新連線時，舊連線的關閉碼
const CloseReplaced = 4009

var (
	// ErrNotConnected 玩家沒有任何連線
	ErrNotConnected = errors.New("user not connected")
	// ErrPingTimeout 探測在期限內沒有收到回應
	ErrPingTimeout = errors.New("ping timed out")
	// ErrSendFailed 訊息無法寫入連線
	ErrSendFailed = errors.New("send failed")
)

// Conn 單一雙工連線
//
// Send 必須是非阻塞的：緩衝區滿或連線已關閉時立即返回錯誤。
type Conn interface {
	ID() string
	Send(msg []byte) error
	Close(code int, reason string) error
}

// Entry 註冊表中的一筆連線
type Entry struct {
	Conn        Conn
	UserID      string
	SessionCode string
	ConnectedAt time.Time
}

// Config 容量限制
type Config struct {
	MaxConnections         int
	MaxConnectionsPerLobby int
}

// Stats 註冊表統計
type Stats struct {
	TotalConnections int            `json:"total_connections"`
	Sessions         int            `json:"sessions"`
	Users            int            `json:"users"`
	PerSession       map[string]int `json:"per_session"`
	MaxConnections   int            `json:"max_connections"`
	MaxPerSession    int            `json:"max_connections_per_lobby"`
	Rejected         int64          `json:"rejected"`
	PendingPings     int            `json:"pending_pings"`
}

// Registry 連線註冊表
//
// 系統設計考量：
//
//  1. 兩個索引：
//     - sessions：房間代碼 → 玩家 → 連線（房間廣播）
//     - users：玩家 → 連線 ID → 連線（個人通知、健康探測）
//     一個玩家可以同時有配對頻道和房間兩條連線。
//
//  2. 容量控制：
//     - 全域上限與單房間上限在同一把鎖內檢查並寫入
//     - 並發連線時不會超過上限
//     - 同玩家同房間的重連是替換，不佔用新名額
//
//  3. 發送不持鎖：
//     先在讀鎖內複製目標連線，釋放後才呼叫 Send，
//     慢連線不會拖住註冊與註銷。
//
//  4. 探測（PingUser）：
//     nonce → channel 的等待表使用獨立的鎖，
//     任何操作都不會同時持有兩把鎖。
type Registry struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.RWMutex
	conns    map[string]*Entry            // connID -> entry
	sessions map[string]map[string]*Entry // code -> userID -> entry
	users    map[string]map[string]*Entry // userID -> connID -> entry
	rejected atomic.Int64

	pingMu  sync.Mutex
	pending map[string]chan struct{} // nonce -> waiter
}

// New 創建註冊表
func New(cfg Config, logger *slog.Logger) *Registry {
	return &Registry{
		cfg:      cfg,
		logger:   logger,
		conns:    make(map[string]*Entry),
		sessions: make(map[string]map[string]*Entry),
		users:    make(map[string]map[string]*Entry),
		pending:  make(map[string]chan struct{}),
	}
}

// Connect 註冊連線
//
// 容量不足時返回 *errors.CapacityError，連線不會被註冊，
// 由呼叫端以對應的關閉碼拒絕。
func (r *Registry) Connect(conn Conn, sessionCode, userID string) (*Entry, error) {
	entry := &Entry{
		Conn:        conn,
		UserID:      userID,
		SessionCode: sessionCode,
		ConnectedAt: time.Now(),
	}

	r.mu.Lock()
	replaced := r.sessions[sessionCode][userID]
	if replaced == nil {
		if total := len(r.conns); total >= r.cfg.MaxConnections {
			r.mu.Unlock()
			r.rejected.Add(1)
			return nil, &apperrors.CapacityError{Scope: "global", Limit: r.cfg.MaxConnections, Current: total}
		}
		if n := len(r.sessions[sessionCode]); n >= r.cfg.MaxConnectionsPerLobby {
			r.mu.Unlock()
			r.rejected.Add(1)
			return nil, &apperrors.CapacityError{Scope: "session", Limit: r.cfg.MaxConnectionsPerLobby, Current: n}
		}
	} else {
		r.removeLocked(replaced)
	}

	r.conns[conn.ID()] = entry
	if r.sessions[sessionCode] == nil {
		r.sessions[sessionCode] = make(map[string]*Entry)
	}
	r.sessions[sessionCode][userID] = entry
	if r.users[userID] == nil {
		r.users[userID] = make(map[string]*Entry)
	}
	r.users[userID][conn.ID()] = entry
	r.mu.Unlock()

	if replaced != nil {
		// 關閉舊連線
		if err := replaced.Conn.Close(CloseReplaced, "replaced by a newer connection"); err != nil {
			r.logger.Debug("關閉被替換的連線失敗", "user_id", userID, "error", err)
		}
		r.logger.Info("連線已替換", "session_code", sessionCode, "user_id", userID)
	}

	return entry, nil
}

// Disconnect 註銷連線
//
// 只有仍在註冊表中的同一條連線才會被移除；
// 被新連線替換掉的舊連線在這裡是 no-op。
func (r *Registry) Disconnect(conn Conn) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.conns[conn.ID()]
	if !ok || entry.Conn != conn {
		return nil, false
	}
	r.removeLocked(entry)
	return entry, true
}

func (r *Registry) removeLocked(e *Entry) {
	delete(r.conns, e.Conn.ID())

	if byUser, ok := r.sessions[e.SessionCode]; ok {
		if cur, ok := byUser[e.UserID]; ok && cur == e {
			delete(byUser, e.UserID)
		}
		if len(byUser) == 0 {
			delete(r.sessions, e.SessionCode)
		}
	}

	if byConn, ok := r.users[e.UserID]; ok {
		delete(byConn, e.Conn.ID())
		if len(byConn) == 0 {
			delete(r.users, e.UserID)
		}
	}
}

// SendPersonal 發送到指定連線
func (r *Registry) SendPersonal(conn Conn, msg []byte) error {
	if err := conn.Send(msg); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return nil
}

// SendToUser 發送到玩家的所有連線，至少一條成功即視為成功
func (r *Registry) SendToUser(userID string, msg []byte) error {
	r.mu.RLock()
	targets := make([]*Entry, 0, len(r.users[userID]))
	for _, e := range r.users[userID] {
		targets = append(targets, e)
	}
	r.mu.RUnlock()

	if len(targets) == 0 {
		return ErrNotConnected
	}

	var lastErr error
	delivered := 0
	for _, e := range targets {
		if err := e.Conn.Send(msg); err != nil {
			lastErr = err
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return fmt.Errorf("%w: %v", ErrSendFailed, lastErr)
	}
	return nil
}

// SendToSessionUser 發送到玩家在指定房間的連線
func (r *Registry) SendToSessionUser(sessionCode, userID string, msg []byte) error {
	r.mu.RLock()
	entry := r.sessions[sessionCode][userID]
	r.mu.RUnlock()

	if entry == nil {
		return ErrNotConnected
	}
	return r.SendPersonal(entry.Conn, msg)
}

// BroadcastToSession 廣播到房間內所有連線（盡力而為）
//
// 單一連線發送失敗不影響其他連線，返回成功送達的數量。
func (r *Registry) BroadcastToSession(sessionCode string, msg []byte, exceptUserIDs ...string) int {
	r.mu.RLock()
	targets := make([]*Entry, 0, len(r.sessions[sessionCode]))
	for userID, e := range r.sessions[sessionCode] {
		if slices.Contains(exceptUserIDs, userID) {
			continue
		}
		targets = append(targets, e)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, e := range targets {
		if err := e.Conn.Send(msg); err != nil {
			r.logger.Warn("廣播發送失敗",
				"session_code", sessionCode,
				"user_id", e.UserID,
				"error", err)
			continue
		}
		delivered++
	}
	return delivered
}

// IsUserConnected 玩家是否有任何連線
func (r *Registry) IsUserConnected(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}

// IsUserInSession 玩家是否連在指定房間
func (r *Registry) IsUserInSession(sessionCode, userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[sessionCode][userID]
	return ok
}

// SessionUsers 房間內已連線的玩家
func (r *Registry) SessionUsers(sessionCode string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	users := make([]string, 0, len(r.sessions[sessionCode]))
	for userID := range r.sessions[sessionCode] {
		users = append(users, userID)
	}
	return users
}

// PingUser 對玩家最新的連線發送探測並等待回應
//
// 系統設計：應用層探測
//
//	WebSocket 控制幀的 Pong 由瀏覽器自動回覆，無法證明應用仍在處理訊息。
//	這裡發送帶 nonce 的 ping 訊息，客戶端程式必須回覆相同 nonce 的 pong，
//	讀取迴圈收到後呼叫 ResolvePong 喚醒等待者。
//
// 錯誤：
//   - ErrNotConnected：沒有連線
//   - ErrSendFailed：寫入失敗（緩衝區滿或連線已關閉）
//   - ErrPingTimeout：逾時或 ctx 取消
func (r *Registry) PingUser(ctx context.Context, userID string, timeout time.Duration) (time.Duration, error) {
	entry := r.latest(userID)
	if entry == nil {
		return 0, ErrNotConnected
	}

	nonce := uuid.NewString()
	waiter := make(chan struct{}, 1)

	r.pingMu.Lock()
	r.pending[nonce] = waiter
	r.pingMu.Unlock()

	defer func() {
		r.pingMu.Lock()
		delete(r.pending, nonce)
		r.pingMu.Unlock()
	}()

	msg, err := protocol.Encode(protocol.Ping{Nonce: nonce})
	if err != nil {
		return 0, err
	}

	start := time.Now()
	if err := entry.Conn.Send(msg); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-waiter:
		return time.Since(start), nil
	case <-timer.C:
		return 0, ErrPingTimeout
	case <-ctx.Done():
		return 0, fmt.Errorf("%w: %v", ErrPingTimeout, ctx.Err())
	}
}

// ResolvePong 喚醒等待中的探測，未知或過期的 nonce 返回 false
func (r *Registry) ResolvePong(nonce string) bool {
	r.pingMu.Lock()
	waiter, ok := r.pending[nonce]
	if ok {
		delete(r.pending, nonce)
	}
	r.pingMu.Unlock()

	if !ok {
		return false
	}
	select {
	case waiter <- struct{}{}:
	default:
	}
	return true
}

func (r *Registry) latest(userID string) *Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var newest *Entry
	for _, e := range r.users[userID] {
		if newest == nil || e.ConnectedAt.After(newest.ConnectedAt) {
			newest = e
		}
	}
	return newest
}

// CloseAll 關閉所有連線（服務關閉時使用）
func (r *Registry) CloseAll(code int, reason string) {
	r.mu.Lock()
	entries := make([]*Entry, 0, len(r.conns))
	for _, e := range r.conns {
		entries = append(entries, e)
	}
	r.conns = make(map[string]*Entry)
	r.sessions = make(map[string]map[string]*Entry)
	r.users = make(map[string]map[string]*Entry)
	r.mu.Unlock()

	for _, e := range entries {
		_ = e.Conn.Close(code, reason)
	}
	r.logger.Info("所有連線已關閉", "count", len(entries))
}

// Stats 獲取統計資訊
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	perSession := make(map[string]int, len(r.sessions))
	for code, byUser := range r.sessions {
		perSession[code] = len(byUser)
	}
	s := Stats{
		TotalConnections: len(r.conns),
		Sessions:         len(r.sessions),
		Users:            len(r.users),
		PerSession:       perSession,
		MaxConnections:   r.cfg.MaxConnections,
		MaxPerSession:    r.cfg.MaxConnectionsPerLobby,
		Rejected:         r.rejected.Load(),
	}
	r.mu.RUnlock()

	r.pingMu.Lock()
	s.PendingPings = len(r.pending)
	r.pingMu.Unlock()
	return s
}
