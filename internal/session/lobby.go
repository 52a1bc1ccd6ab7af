package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/koopa0/quiz-arena/internal/events"
	"github.com/koopa0/quiz-arena/internal/progression"
	"github.com/koopa0/quiz-arena/internal/protocol"
	"github.com/koopa0/quiz-arena/internal/store"
	apperrors "github.com/koopa0/quiz-arena/pkg/errors"
)

const settleTimeout = 10 * time.Second

// CreateLobby 建立自訂房間，建立者為房主
func (c *Coordinator) CreateLobby(ctx context.Context, host Player, mode, mapName string) (store.Session, error) {
	if err := host.validate(); err != nil {
		return store.Session{}, err
	}

	now := c.now()
	s := store.Session{
		HostID:    host.ID,
		HostName:  strings.TrimSpace(host.DisplayName),
		Status:    store.StatusWaiting,
		GameMode:  gameMode(mode),
		Map:       strings.TrimSpace(mapName),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.withFreshCode(ctx, &s); err != nil {
		return store.Session{}, err
	}
	c.runtime(s.Code)

	c.logger.InfoContext(ctx, "房間已建立",
		"session_code", s.Code,
		"host_id", host.ID,
		"game_mode", s.GameMode)
	return s, nil
}

// CreateMatch 為配對成功的兩人建立房間與對局紀錄
//
// 兩人都已在房間內，連上房間後自動開始。
// 入場期限（ReconnectWindow）內沒有到齊，房間中止，缺席者受罰。
func (c *Coordinator) CreateMatch(ctx context.Context, a, b Player, mode string) (store.Session, error) {
	if err := errors.Join(a.validate(), b.validate()); err != nil {
		return store.Session{}, err
	}
	if a.ID == b.ID {
		return store.Session{}, apperrors.ErrValidation.WithDetails("a match needs two different players")
	}

	now := c.now()
	matchID := uuid.NewString()
	s := store.Session{
		HostID:       a.ID,
		HostName:     a.DisplayName,
		OpponentID:   b.ID,
		OpponentName: b.DisplayName,
		Status:       store.StatusWaiting,
		GameMode:     gameMode(mode),
		Matchmade:    true,
		MatchID:      matchID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := c.withFreshCode(ctx, &s); err != nil {
		return store.Session{}, err
	}

	m := store.Match{
		ID:          matchID,
		SessionCode: s.Code,
		PlayerA:     a.ID,
		PlayerB:     b.ID,
		GameMode:    s.GameMode,
		Status:      store.MatchInProgress,
		CreatedAt:   now,
	}
	err := c.sessions.Write(ctx, s.Code, func(ctx context.Context) error {
		return c.store.RecordMatch(ctx, s, m)
	})
	if err != nil {
		// 房間已寫入但對局沒有，標記為中止避免留下孤兒房間
		s.Status = store.StatusAbandoned
		if serr := c.save(ctx, s); serr != nil {
			c.logger.WarnContext(ctx, "孤兒房間標記失敗", "session_code", s.Code, "error", serr)
		}
		return store.Session{}, storeErr(err)
	}

	l := c.runtime(s.Code)
	l.mu.Lock()
	if c.cfg.ReconnectWindow > 0 {
		l.arrival = time.AfterFunc(c.cfg.ReconnectWindow, func() { c.expireAbsent(l, ReasonNoShow) })
	}
	l.mu.Unlock()

	c.logger.InfoContext(ctx, "配對房間已建立",
		"session_code", s.Code,
		"match_id", matchID,
		"player_a", a.ID,
		"player_b", b.ID)
	return s, nil
}

// withFreshCode 產生代碼並建立房間，代碼碰撞時重試
func (c *Coordinator) withFreshCode(ctx context.Context, s *store.Session) error {
	for range maxCodeAttempts {
		code, err := generateCode()
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "generate session code")
		}
		s.Code = code

		err = c.store.CreateSession(ctx, *s)
		if errors.Is(err, store.ErrCodeTaken) {
			continue
		}
		return storeErr(err)
	}
	return apperrors.ErrUnavailable.WithDetails("could not allocate a session code")
}

// JoinLobby 加入自訂房間成為對手
//
// 已是成員時直接返回房間（重複加入是安全的）。
func (c *Coordinator) JoinLobby(ctx context.Context, code string, p Player) (store.Session, error) {
	if err := p.validate(); err != nil {
		return store.Session{}, err
	}
	l, s, err := c.acquire(ctx, code)
	if err != nil {
		return store.Session{}, err
	}
	defer l.mu.Unlock()

	switch {
	case s.IsMember(p.ID):
		return s, nil
	case s.Status != store.StatusWaiting:
		return store.Session{}, apperrors.ErrStateConflict.WithDetails("session is " + string(s.Status))
	case s.Full():
		return store.Session{}, &apperrors.CapacityError{Scope: "lobby", Limit: 2, Current: 2}
	}

	s.OpponentID = p.ID
	s.OpponentName = strings.TrimSpace(p.DisplayName)
	s.UpdatedAt = c.now()
	if err := c.save(ctx, s); err != nil {
		return store.Session{}, err
	}

	c.broadcast(s.Code, protocol.PlayerJoined{
		Player: protocol.PlayerInfo{
			ID:          p.ID,
			DisplayName: s.OpponentName,
			Connected:   c.notifier.IsUserInSession(s.Code, p.ID),
		},
		Players:  c.players(s),
		CanStart: c.canStart(s),
	})
	c.logger.InfoContext(ctx, "玩家加入房間", "session_code", s.Code, "player_id", p.ID)
	return s, nil
}

// LeaveLobby 離開房間
//
//   - waiting 的自訂房間：對手離開則空出位置；房主離開且有對手時房主轉移，
//     只剩房主時房間中止
//   - waiting 的配對房間、in_progress：房間中止，離開者受罰
func (c *Coordinator) LeaveLobby(ctx context.Context, code, userID string) (store.Session, error) {
	l, s, err := c.acquire(ctx, code)
	if err != nil {
		return store.Session{}, err
	}
	defer l.mu.Unlock()

	if !s.IsMember(userID) {
		return store.Session{}, ErrNotMember
	}
	if s.Status.Terminal() {
		return store.Session{}, apperrors.ErrStateConflict.WithDetails("session is " + string(s.Status))
	}

	if s.Status == store.StatusInProgress || s.Matchmade {
		if err := c.abandonLocked(ctx, l, s, ReasonPlayerLeft, []string{userID}); err != nil {
			return store.Session{}, err
		}
		s.Status = store.StatusAbandoned
		return s, nil
	}

	left := protocol.PlayerLeft{PlayerID: userID, DisplayName: s.DisplayName(userID)}
	switch {
	case userID == s.OpponentID:
		s.OpponentID, s.OpponentName = "", ""
	case s.OpponentID != "":
		s.HostID, s.HostName = s.OpponentID, s.OpponentName
		s.OpponentID, s.OpponentName = "", ""
		left.NewHostID = s.HostID
	default:
		if err := c.abandonLocked(ctx, l, s, ReasonHostLeft, nil); err != nil {
			return store.Session{}, err
		}
		s.Status = store.StatusAbandoned
		return s, nil
	}

	s.UpdatedAt = c.now()
	if err := c.save(ctx, s); err != nil {
		return store.Session{}, err
	}
	left.Players = c.players(s)
	left.CanStart = c.canStart(s)
	c.broadcast(s.Code, left)

	c.logger.InfoContext(ctx, "玩家離開房間",
		"session_code", s.Code,
		"player_id", userID,
		"new_host_id", left.NewHostID)
	return s, nil
}

// StartGame 房主開始對局，需要兩位玩家都已連線
func (c *Coordinator) StartGame(ctx context.Context, code, userID string) error {
	l, s, err := c.acquire(ctx, code)
	if err != nil {
		return err
	}
	defer l.mu.Unlock()

	if !s.IsMember(userID) {
		return ErrNotMember
	}
	if s.HostID != userID {
		return ErrNotHost
	}
	return c.startLocked(ctx, l, s)
}

// Cancel 中止尚未結束的房間（配對補償使用），已結束的房間直接返回
func (c *Coordinator) Cancel(ctx context.Context, code, reason string) error {
	l, s, err := c.acquire(ctx, code)
	if err != nil {
		return err
	}
	defer l.mu.Unlock()

	if s.Status.Terminal() {
		return nil
	}
	if reason == "" {
		reason = ReasonCancelled
	}
	return c.abandonLocked(ctx, l, s, reason, nil)
}

func (c *Coordinator) startLocked(ctx context.Context, l *lobby, s store.Session) error {
	switch {
	case s.Status != store.StatusWaiting:
		return apperrors.ErrStateConflict.WithDetails("session is " + string(s.Status))
	case !s.Full():
		return apperrors.ErrStateConflict.WithDetails("waiting for an opponent")
	}
	for _, id := range s.PlayerIDs() {
		if !c.notifier.IsUserInSession(s.Code, id) {
			return apperrors.ErrStateConflict.WithDetails("both players must be connected")
		}
	}
	if c.isStopped() {
		return ErrShuttingDown
	}

	qs, err := c.questions.Draw(c.cfg.Rounds)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "draw questions")
	}

	now := c.now()
	s.Status = store.StatusInProgress
	s.UpdatedAt = now

	created := s.MatchID == ""
	if created {
		s.MatchID = uuid.NewString()
		m := store.Match{
			ID:          s.MatchID,
			SessionCode: s.Code,
			PlayerA:     s.HostID,
			PlayerB:     s.OpponentID,
			GameMode:    s.GameMode,
			Status:      store.MatchInProgress,
			CreatedAt:   now,
		}
		err = c.sessions.Write(ctx, s.Code, func(ctx context.Context) error {
			return c.store.RecordMatch(ctx, s, m)
		})
	} else {
		err = c.save(ctx, s)
	}
	if err != nil {
		return storeErr(err)
	}

	if l.arrival != nil {
		l.arrival.Stop()
		l.arrival = nil
	}

	code := s.Code
	g := newGame(code, [2]string{s.HostID, s.OpponentID}, qs, c.cfg,
		func(m protocol.Message) { c.broadcast(code, m) }, c.now, c.logger)
	if !c.track() {
		// 狀態已寫入 in_progress，重啟後 OnConnect 會把房間中止
		return ErrShuttingDown
	}
	l.game = g
	l.ended = false
	go c.runGame(l, g, s)

	if created {
		c.publish(events.MatchCreated{
			MatchID:     s.MatchID,
			SessionCode: s.Code,
			PlayerA:     s.HostID,
			PlayerB:     s.OpponentID,
			GameMode:    s.GameMode,
			CreatedAt:   now,
		})
	}
	c.logger.InfoContext(ctx, "對局開始",
		"session_code", s.Code,
		"match_id", s.MatchID,
		"rounds", len(qs))
	return nil
}

func (c *Coordinator) runGame(l *lobby, g *Game, s store.Session) {
	defer c.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("對局 goroutine panic", "session_code", s.Code, "panic", fmt.Sprint(r))
			ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
			defer cancel()
			l.mu.Lock()
			if !l.ended {
				_ = c.abandonLocked(ctx, l, s, ReasonInternal, nil)
			}
			l.mu.Unlock()
		}
	}()

	summary, ok := g.Run()
	if !ok {
		return
	}
	c.finish(l, s, summary)
}

// finish 結算：寫入結果、更新積分、通知雙方、發布事件
//
// 結果與房間狀態在同一個交易中寫入；Store 已有結果時（重複結算）不再更新積分。
func (c *Coordinator) finish(l *lobby, s store.Session, sum Summary) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ended {
		return
	}
	l.ended = true
	l.stopTimersLocked()

	now := c.now()
	s.Status = store.StatusCompleted
	s.UpdatedAt = now
	result := store.MatchResult{
		MatchID:    s.MatchID,
		WinnerID:   sum.WinnerID,
		IsTie:      sum.IsTie,
		TieBreak:   sum.TieBreak,
		Scores:     sum.Scores,
		TotalTimes: sum.TotalTimes,
		CreatedAt:  now,
	}

	settle := c.settler != nil
	err := c.sessions.Write(ctx, s.Code, func(ctx context.Context) error {
		return c.store.FinishMatch(ctx, s, result)
	})
	if err != nil {
		// 已有結果代表這場已經結算過
		if errors.Is(err, store.ErrResultExists) {
			settle = false
		}
		c.logger.ErrorContext(ctx, "寫入對局結果失敗", "match_id", s.MatchID, "error", err)
	}

	var recap map[string]protocol.PlayerRecap
	if settle {
		recap, err = c.settler.Settle(ctx, progression.Outcome{
			PlayerA:  s.HostID,
			PlayerB:  s.OpponentID,
			WinnerID: sum.WinnerID,
			IsTie:    sum.IsTie,
			Correct:  sum.Correct,
		})
		if err != nil {
			c.logger.ErrorContext(ctx, "積分結算失敗", "match_id", s.MatchID, "error", err)
		}
	}

	end := protocol.GameEnd{
		IsTie:       sum.IsTie,
		TieBreak:    sum.TieBreak,
		Scores:      sum.Scores,
		TotalTimeMs: sum.TotalTimes,
		Recap:       recap,
	}
	if sum.WinnerID != "" {
		winner := sum.WinnerID
		end.WinnerID = &winner
	}
	c.broadcast(s.Code, end)

	c.publish(events.MatchCompleted{
		MatchID:     s.MatchID,
		SessionCode: s.Code,
		WinnerID:    sum.WinnerID,
		IsTie:       sum.IsTie,
		Scores:      sum.Scores,
		EndedAt:     now,
	})
	c.metrics.GameEnded(string(store.StatusCompleted))
	c.drop(l)

	c.logger.InfoContext(ctx, "對局結束",
		"session_code", s.Code,
		"match_id", s.MatchID,
		"winner_id", sum.WinnerID,
		"tie", sum.IsTie,
		"tie_break", sum.TieBreak)
}

func gameMode(mode string) string {
	if mode = strings.TrimSpace(mode); mode != "" {
		return mode
	}
	return DefaultGameMode
}
