package session

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/koopa0/quiz-arena/internal/protocol"
	"github.com/koopa0/quiz-arena/internal/store"
	apperrors "github.com/koopa0/quiz-arena/pkg/errors"
)

// Member 確認玩家屬於房間，返回房間（經過快取）
//
// 連線升級前呼叫，非成員在握手階段就被拒絕。
func (c *Coordinator) Member(ctx context.Context, code, userID string) (store.Session, error) {
	s, err := c.Get(ctx, code)
	if err != nil {
		return store.Session{}, err
	}
	if !s.IsMember(userID) {
		return store.Session{}, ErrNotMember
	}
	return s, nil
}

// OnConnect 玩家連上房間（呼叫前連線已登記到 registry）
//
//   - 重連期限內回來：取消計時器，通知對手
//   - 對局進行中：補發目前的題目
//   - 房間 in_progress 但沒有對局：程序重啟過，房間中止
//   - 配對房間兩人到齊：自動開始
func (c *Coordinator) OnConnect(ctx context.Context, code, userID string) error {
	s, err := c.Member(ctx, code, userID)
	if err != nil {
		return err
	}
	if s.Status.Terminal() {
		return c.send(s.Code, userID, c.lobbyState(s, nil))
	}

	l := c.runtime(s.Code)
	l.mu.Lock()
	defer l.mu.Unlock()

	if t, pending := l.timers[userID]; pending {
		t.Stop()
		delete(l.timers, userID)
		c.broadcast(s.Code, protocol.PlayerReconnected{PlayerID: userID}, userID)
		c.logger.InfoContext(ctx, "玩家重新連線", "session_code", s.Code, "player_id", userID)
	}

	g := l.game
	if l.ended {
		g = nil
	}
	if err := c.send(s.Code, userID, c.lobbyState(s, g)); err != nil {
		return err
	}

	if g != nil {
		if q, ok := g.CurrentQuestion(); ok {
			return c.send(s.Code, userID, q)
		}
		return nil
	}
	if l.ended {
		return nil
	}

	switch s.Status {
	case store.StatusInProgress:
		fresh, err := c.load(ctx, s.Code)
		if err != nil {
			return err
		}
		if fresh.Status == store.StatusInProgress {
			return c.abandonLocked(ctx, l, fresh, ReasonRestart, nil)
		}
	case store.StatusWaiting:
		c.broadcast(s.Code, c.lobbyState(s, nil), userID)
		if s.Matchmade && c.bothConnected(s) {
			fresh, err := c.load(ctx, s.Code)
			if err != nil {
				return err
			}
			if err := c.startLocked(ctx, l, fresh); err != nil {
				c.logger.WarnContext(ctx, "配對房間自動開始失敗", "session_code", s.Code, "error", err)
			}
		}
	}
	return nil
}

// OnDisconnect 玩家的連線已從 registry 移除
//
// 對局中斷線開始計算重連期限；同一玩家已有新連線（被取代）時不處理。
func (c *Coordinator) OnDisconnect(ctx context.Context, code, userID string) {
	code = NormalizeCode(code)
	l := c.lookup(code)
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ended || c.notifier.IsUserInSession(code, userID) {
		return
	}

	if l.game != nil {
		if _, pending := l.timers[userID]; pending {
			return
		}
		deadline := c.now().Add(c.cfg.ReconnectWindow)
		l.timers[userID] = time.AfterFunc(c.cfg.ReconnectWindow, func() { c.expireAbsent(l, ReasonDisconnect) })
		c.broadcast(code, protocol.PlayerDisconnected{PlayerID: userID, ReconnectDeadline: deadline}, userID)

		c.logger.InfoContext(ctx, "玩家斷線，等待重連",
			"session_code", code,
			"player_id", userID,
			"deadline", deadline)
		return
	}

	s, err := c.Get(ctx, code)
	if err != nil || s.Status != store.StatusWaiting {
		return
	}
	c.broadcast(code, c.lobbyState(s, nil), userID)
}

// expireAbsent 期限到時仍未連線的玩家視為棄賽
func (c *Coordinator) expireAbsent(l *lobby, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ended {
		return
	}
	if reason == ReasonNoShow {
		l.arrival = nil
		if l.game != nil {
			return
		}
	}

	s, err := c.load(ctx, l.code)
	if err != nil {
		s, err = c.sessions.Get(ctx, l.code)
		if err != nil {
			c.logger.ErrorContext(ctx, "期限到期但讀不到房間", "session_code", l.code, "error", err)
			return
		}
	}
	if s.Status.Terminal() {
		c.drop(l)
		return
	}

	var absent []string
	for _, id := range s.PlayerIDs() {
		if !c.notifier.IsUserInSession(s.Code, id) {
			absent = append(absent, id)
		}
	}

	if len(absent) == 0 {
		if reason == ReasonNoShow && s.Status == store.StatusWaiting {
			if err := c.startLocked(ctx, l, s); err != nil {
				c.logger.ErrorContext(ctx, "配對房間開始失敗", "session_code", s.Code, "error", err)
				_ = c.abandonLocked(ctx, l, s, ReasonInternal, nil)
			}
		}
		return
	}
	_ = c.abandonLocked(ctx, l, s, reason, absent)
}

func (c *Coordinator) bothConnected(s store.Session) bool {
	if !s.Full() {
		return false
	}
	for _, id := range s.PlayerIDs() {
		if !c.notifier.IsUserInSession(s.Code, id) {
			return false
		}
	}
	return true
}

func (c *Coordinator) lobbyState(s store.Session, g *Game) protocol.LobbyState {
	st := protocol.LobbyState{
		Code:      s.Code,
		Status:    string(s.Status),
		GameMode:  s.GameMode,
		Map:       s.Map,
		Matchmade: s.Matchmade,
		HostID:    s.HostID,
		Players:   c.players(s),
		CanStart:  c.canStart(s),
	}
	if g != nil {
		gs := g.State()
		st.Round = gs.Round
		st.Scores = gs.Scores
	}
	return st
}

func (c *Coordinator) players(s store.Session) []protocol.PlayerInfo {
	out := make([]protocol.PlayerInfo, 0, 2)
	for _, id := range s.PlayerIDs() {
		out = append(out, protocol.PlayerInfo{
			ID:          id,
			DisplayName: s.DisplayName(id),
			IsHost:      id == s.HostID,
			Connected:   c.notifier.IsUserInSession(s.Code, id),
		})
	}
	return out
}

// canStart 房主現在按下開始會成功
func (c *Coordinator) canStart(s store.Session) bool {
	return s.Status == store.StatusWaiting && c.bothConnected(s)
}

// HandleMessage 處理客戶端送來的訊息
//
// 即時事件（位置、戰鬥）不改變伺服器狀態，確認成員身份後轉發給對手，
// 發送者 ID 一律由伺服器填入。道具的撿取與使用由對局仲裁。
func (c *Coordinator) HandleMessage(ctx context.Context, code, userID string, m protocol.Message) error {
	code = NormalizeCode(code)

	switch msg := m.(type) {
	case protocol.StartGame:
		return c.StartGame(ctx, code, userID)
	case protocol.Answer:
		g, err := c.activeGame(code, userID)
		if err != nil {
			return err
		}
		_, err = g.Answer(userID, msg)
		return err
	case protocol.LeaveLobby:
		_, err := c.LeaveLobby(ctx, code, userID)
		return err
	case protocol.Ping:
		return c.send(code, userID, protocol.Pong{Nonce: msg.Nonce})
	case protocol.Pong:
		return nil
	case protocol.PositionUpdate:
		msg.PlayerID = userID
		return c.relay(ctx, code, userID, msg)
	case protocol.CombatHit:
		msg.AttackerID = userID
		return c.relay(ctx, code, userID, msg)
	case protocol.CombatKill:
		msg.KillerID = userID
		return c.relay(ctx, code, userID, msg)
	case protocol.PowerupCollect:
		g, err := c.activeGame(code, userID)
		if err != nil {
			return err
		}
		if !g.Collect(userID, msg.PowerupID) {
			// 已被撿走，忽略
			return nil
		}
		msg.PlayerID = userID
		c.broadcast(code, msg)
		return nil
	case protocol.PowerupUse:
		g, err := c.activeGame(code, userID)
		if err != nil {
			return err
		}
		kind, ok := g.Use(userID, msg.PowerupID)
		if !ok {
			return apperrors.ErrStateConflict.WithDetails("powerup is not held")
		}
		msg.PlayerID = userID
		msg.Kind = kind
		c.broadcast(code, msg, userID)
		return nil
	default:
		return apperrors.Wrap(fmt.Errorf("%w: %q", protocol.ErrWrongDirection, m.Type()),
			apperrors.ErrCodeValidation, "unsupported message")
	}
}

func (c *Coordinator) activeGame(code, userID string) (*Game, error) {
	l := c.lookup(code)
	if l == nil {
		return nil, ErrNoGame
	}
	l.mu.Lock()
	g, ended := l.game, l.ended
	l.mu.Unlock()

	if g == nil || ended {
		return nil, ErrNoGame
	}
	if !slices.Contains(g.players[:], userID) {
		return nil, ErrNotMember
	}
	return g, nil
}

func (c *Coordinator) relay(ctx context.Context, code, userID string, m protocol.Message) error {
	s, err := c.Get(ctx, code)
	if err != nil {
		return err
	}
	if !s.IsMember(userID) {
		return ErrNotMember
	}
	if s.Status.Terminal() {
		return apperrors.ErrStateConflict.WithDetails("session is " + string(s.Status))
	}
	c.broadcast(s.Code, m, userID)
	return nil
}
