package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/koopa0/quiz-arena/internal/auth"
	"github.com/koopa0/quiz-arena/internal/protocol"
	"github.com/koopa0/quiz-arena/internal/ratelimit"
	"github.com/koopa0/quiz-arena/pkg/logger"
	apperrors "github.com/koopa0/quiz-arena/pkg/errors"
)

// WebSocket 關閉碼（4000-4999 為應用層保留）
const (
	CloseUnauthorized = 4001
	CloseCapacity     = 4003
	CloseNotFound     = 4004
	CloseInternal     = 4011
)

const (
	// 寫入超時
	writeWait = 10 * time.Second

	// 讀取超時（需大於 pingPeriod）
	pongWait = 60 * time.Second

	// Ping 間隔
	pingPeriod = (pongWait * 9) / 10

	// 最大訊息大小
	maxMessageSize = 4096
)

// MatchmakingPrefix 配對頻道在註冊表中的房間碼前綴
const MatchmakingPrefix = "mm:"

var (
	errClientClosed = errors.New("client closed")
	errSendBuffer   = errors.New("send buffer full")
)

// Client 一條 WebSocket 連線，實作 registry.Conn
//
// 系統設計考量：
//
//  1. 單一寫入者：
//     gorilla/websocket 不允許並發寫入，所有訊息都經過 send channel
//     由 writePump 寫出。
//
//  2. 非阻塞 Send：
//     廣播方持有註冊表的鎖，緩衝區滿時直接返回錯誤，
//     慢速客戶端不會拖住整個房間。
//
//  3. 關閉：
//     Close 只記錄關閉碼並關閉 done，由 writePump 送出 close frame，
//     send channel 從不關閉，並發的 Send 不會 panic。
type Client struct {
	id          string
	userID      string
	sessionCode string
	conn        *websocket.Conn
	send        chan []byte
	limiter     *ratelimit.TokenBucket

	done        chan struct{}
	closeOnce   sync.Once
	closeCode   int
	closeReason string
}

func newClient(conn *websocket.Conn, userID, sessionCode string, cfg Config) *Client {
	c := &Client{
		id:          uuid.NewString(),
		userID:      userID,
		sessionCode: sessionCode,
		conn:        conn,
		send:        make(chan []byte, cfg.SendBuffer),
		done:        make(chan struct{}),
	}
	if cfg.MessageRate > 0 {
		c.limiter = ratelimit.New(float64(cfg.MessageRate), int(max(cfg.MessageBurst, 1)))
	}
	return c
}

// ID 連線 ID
func (c *Client) ID() string { return c.id }

// Send 非阻塞地排入待送訊息
func (c *Client) Send(msg []byte) error {
	select {
	case <-c.done:
		return errClientClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return errClientClosed
	default:
		return errSendBuffer
	}
}

// Close 以指定關閉碼關閉連線，重複呼叫無效
func (c *Client) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	})
	return nil
}

// sendMessage 編碼後送出，失敗只記錄
func (h *Handler) sendMessage(c *Client, m protocol.Message) {
	data, err := protocol.Encode(m)
	if err != nil {
		h.logger.Error("編碼訊息失敗", "type", m.Type(), "error", err)
		return
	}
	if err := c.Send(data); err != nil {
		h.logger.Debug("訊息未送出", "client_id", c.id, "type", m.Type(), "error", err)
	}
}

// sendError 回報錯誤給客戶端
func (h *Handler) sendError(c *Client, err error) {
	msg := err.Error()
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		msg = appErr.Message
		if appErr.Details != "" {
			msg += ": " + appErr.Details
		}
	}
	h.sendMessage(c, protocol.Error{Code: apperrors.Code(err), Message: msg})
}

// reject 升級後立即以關閉碼結束連線
func reject(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(writeWait))
	_ = conn.Close()
}

// upgrade 升級連線並驗證身份
//
// 先升級再驗證，失敗時客戶端才收得到 4001 關閉碼。
func (h *Handler) upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, auth.Identity, bool) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WarnContext(r.Context(), "WebSocket 升級失敗", "error", err)
		return nil, auth.Identity{}, false
	}

	id, err := h.auth.Validate(r.Context(), auth.TokenFromRequest(r))
	if err != nil {
		reject(conn, CloseUnauthorized, "unauthorized")
		return nil, auth.Identity{}, false
	}
	return conn, id, true
}

// serveLobby 處理房間 WebSocket 連線
//
// 流程：驗證身份 → 確認成員 → 登記註冊表 → OnConnect → 讀寫迴圈。
// 連線結束時先從註冊表移除再通知協調器，協調器判斷是否開始重連倒數。
func (h *Handler) serveLobby(w http.ResponseWriter, r *http.Request) {
	conn, id, ok := h.upgrade(w, r)
	if !ok {
		return
	}

	ctx := logger.WithUserID(context.WithoutCancel(r.Context()), id.UserID)
	s, err := h.sessions.Member(ctx, r.PathValue("code"), id.UserID)
	if err != nil {
		reject(conn, closeCode(err), apperrors.Code(err))
		return
	}
	ctx = logger.WithSessionCode(ctx, s.Code)

	client := newClient(conn, id.UserID, s.Code, h.cfg)
	if _, err := h.registry.Connect(client, s.Code, id.UserID); err != nil {
		reject(conn, closeCode(err), apperrors.Code(err))
		return
	}

	go h.writePump(client)

	if err := h.sessions.OnConnect(ctx, s.Code, id.UserID); err != nil {
		h.logger.WarnContext(ctx, "房間連線初始化失敗", "error", err)
		h.sendError(client, err)
		_ = client.Close(closeCode(err), apperrors.Code(err))
		if _, removed := h.registry.Disconnect(client); removed {
			h.sessions.OnDisconnect(ctx, s.Code, id.UserID)
		}
		return
	}

	h.logger.InfoContext(ctx, "玩家已連線", "client_id", client.id)

	go h.readPump(ctx, client, h.handleLobbyMessage)
}

// serveMatchmaking 處理配對頻道
//
// 排隊中的玩家需保持這條連線，健康檢查與 match_found 都走這裡。
func (h *Handler) serveMatchmaking(w http.ResponseWriter, r *http.Request) {
	conn, id, ok := h.upgrade(w, r)
	if !ok {
		return
	}

	ctx := logger.WithUserID(context.WithoutCancel(r.Context()), id.UserID)
	code := MatchmakingPrefix + id.UserID

	client := newClient(conn, id.UserID, code, h.cfg)
	if _, err := h.registry.Connect(client, code, id.UserID); err != nil {
		reject(conn, closeCode(err), apperrors.Code(err))
		return
	}

	go h.writePump(client)
	go h.readPump(ctx, client, h.handleMatchmakingMessage)
}

type messageHandler func(ctx context.Context, c *Client, m protocol.Message) error

func (h *Handler) handleLobbyMessage(ctx context.Context, c *Client, m protocol.Message) error {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.MessageTimeout)
	defer cancel()
	return h.sessions.HandleMessage(ctx, c.sessionCode, c.userID, m)
}

func (h *Handler) handleMatchmakingMessage(_ context.Context, c *Client, m protocol.Message) error {
	switch msg := m.(type) {
	case protocol.Ping:
		h.sendMessage(c, protocol.Pong{Nonce: msg.Nonce})
		return nil
	default:
		return apperrors.New(apperrors.ErrCodeValidation, "unsupported message on matchmaking channel").
			WithDetails(string(m.Type()))
	}
}

// readPump 從 WebSocket 讀取訊息
func (h *Handler) readPump(ctx context.Context, c *Client, handle messageHandler) {
	defer func() {
		_ = c.Close(websocket.CloseNormalClosure, "")
		if _, removed := h.registry.Disconnect(c); removed && c.sessionCode != MatchmakingPrefix+c.userID {
			h.sessions.OnDisconnect(ctx, c.sessionCode, c.userID)
		}
		h.logger.InfoContext(ctx, "連線結束", "client_id", c.id)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.WarnContext(ctx, "WebSocket 讀取錯誤", "client_id", c.id, "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		m, err := protocol.DecodeClient(data)
		if err != nil {
			h.metrics.WSMessage("invalid", "rejected")
			h.sendError(c, apperrors.Wrap(err, apperrors.ErrCodeValidation, "malformed message"))
			continue
		}

		if protocol.Realtime(m.Type()) && c.limiter != nil && !c.limiter.Allow() {
			// 超出速率的即時事件直接丟棄
			h.metrics.WSMessage(string(m.Type()), "rate_limited")
			continue
		}

		if pong, ok := m.(protocol.Pong); ok {
			h.registry.ResolvePong(pong.Nonce)
			h.metrics.WSMessage(string(m.Type()), "ok")
			continue
		}

		if err := handle(ctx, c, m); err != nil {
			h.metrics.WSMessage(string(m.Type()), "error")
			h.sendError(c, err)
			continue
		}
		h.metrics.WSMessage(string(m.Type()), "ok")
	}
}

// writePump 向 WebSocket 寫入訊息
func (h *Handler) writePump(c *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Close(websocket.CloseGoingAway, "")
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			// 送完已排入的訊息再關閉
			for {
				select {
				case msg := <-c.send:
					if err := c.write(msg); err != nil {
						return
					}
					continue
				default:
				}
				break
			}
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(c.closeCode, c.closeReason),
				time.Now().Add(writeWait))
			return
		}
	}
}

func (c *Client) write(msg []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}
