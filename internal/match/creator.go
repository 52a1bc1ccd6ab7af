// Package match 把佇列取出的一組玩家變成一場對局
package match

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/koopa0/quiz-arena/internal/events"
	"github.com/koopa0/quiz-arena/internal/health"
	"github.com/koopa0/quiz-arena/internal/metrics"
	"github.com/koopa0/quiz-arena/internal/protocol"
	"github.com/koopa0/quiz-arena/internal/queue"
	"github.com/koopa0/quiz-arena/internal/session"
	"github.com/koopa0/quiz-arena/internal/store"
)

const publishTimeout = 5 * time.Second

// Outcome 一次配對嘗試的結果
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeUnhealthy Outcome = "unhealthy"
	// OutcomeWithdrawn 配對期間有玩家離開佇列，房間已取消
	OutcomeWithdrawn Outcome = "withdrawn"
	OutcomeFailed    Outcome = "failed"
)

// HealthChecker 由 health.Verifier 實作
type HealthChecker interface {
	VerifyBothHealthy(ctx context.Context, a, b string, timeout time.Duration) (bool, health.Result, health.Result)
}

// Queue 由 queue.Service 實作
type Queue interface {
	TakePair(ctx context.Context) (queue.Ticket, queue.Ticket, bool)
	Requeue(ctx context.Context, t queue.Ticket) bool
	RestorePair(ctx context.Context, tickets ...queue.Ticket) int
	Release(playerIDs ...string) []string
}

// Sessions 由 session.Coordinator 實作
type Sessions interface {
	CreateMatch(ctx context.Context, a, b session.Player, mode string) (store.Session, error)
	Cancel(ctx context.Context, code, reason string) error
}

// Notifier 由 registry.Registry 實作
type Notifier interface {
	SendToUser(userID string, msg []byte) error
}

// Result 配對嘗試的細節
type Result struct {
	Outcome     Outcome
	SessionCode string
	MatchID     string
	// Requeued 重新排隊的玩家（對手未通過健康檢查或已離開）
	Requeued []string
	// Withdrawn 配對期間主動離開佇列的玩家
	Withdrawn []string
	// Dropped 未通過健康檢查、被移出佇列的玩家
	Dropped []health.Result
}

// Creator 對局建立流程
//
// 系統設計考量：
//
//  1. 先檢查再建立：
//     建立房間前先確認兩人的連線都還活著，
//     避免替已經關掉分頁的玩家建立一場注定中止的對局。
//
//  2. 補償：
//     建立房間或通知失敗時，兩人以原本的票放回佇列（保留原位置），
//     已建立的房間標記為 abandoned。補償在 Create 返回前完成。
//
//  3. 只有一方不健康：
//     健康的一方以新票排到隊尾，不健康的一方直接移除，
//     下次上線需要重新排隊。
//
//  4. 配對期間離開：
//     佇列服務記錄配對中的玩家，期間 Leave 仍然成功。
//     房間建立後、通知前以 Release 確認，有人離開就取消房間，
//     留下的一方以原本的票放回佇列。
type Creator struct {
	health        HealthChecker
	queue         Queue
	sessions      Sessions
	notifier      Notifier
	publisher     events.Publisher
	metrics       *metrics.Metrics
	healthTimeout time.Duration
	logger        *slog.Logger
}

// Config 建立流程的依賴
type Config struct {
	Health        HealthChecker
	Queue         Queue
	Sessions      Sessions
	Notifier      Notifier
	Publisher     events.Publisher
	Metrics       *metrics.Metrics
	HealthTimeout time.Duration
}

// NewCreator 創建對局建立器
func NewCreator(cfg Config, logger *slog.Logger) *Creator {
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = events.Noop{}
	}
	return &Creator{
		health:        cfg.Health,
		queue:         cfg.Queue,
		sessions:      cfg.Sessions,
		notifier:      cfg.Notifier,
		publisher:     publisher,
		metrics:       cfg.Metrics,
		healthTimeout: cfg.HealthTimeout,
		logger:        logger,
	}
}

// Create 為兩張票建立對局
//
// 步驟：
//  1. 雙方健康檢查
//  2. 建立房間與對局紀錄
//  3. 通知雙方 match_found
//  4. 發布 arena.match.created（失敗只記錄）
//
// 只有 OutcomeFailed 會返回錯誤。
func (c *Creator) Create(ctx context.Context, a, b queue.Ticket) (Result, error) {
	start := time.Now()
	res, err := c.create(ctx, a, b)
	c.metrics.MatchOutcome(string(res.Outcome))
	if res.Outcome == OutcomeCreated {
		c.metrics.MatchCreateDuration(time.Since(start))
	}
	return res, err
}

func (c *Creator) create(ctx context.Context, a, b queue.Ticket) (Result, error) {
	ok, ra, rb := c.health.VerifyBothHealthy(ctx, a.PlayerID, b.PlayerID, c.healthTimeout)
	c.metrics.HealthCheck(ra.Healthy, ra.Latency)
	c.metrics.HealthCheck(rb.Healthy, rb.Latency)
	if !ok {
		// 探測被取消（關機中）不代表玩家不健康
		if err := ctx.Err(); err != nil {
			c.restore(context.WithoutCancel(ctx), a, b)
			return Result{Outcome: OutcomeFailed}, err
		}
		return c.unhealthy(ctx, []queue.Ticket{a, b}, []health.Result{ra, rb}), nil
	}

	s, err := c.sessions.CreateMatch(ctx,
		session.Player{ID: a.PlayerID, DisplayName: a.DisplayName},
		session.Player{ID: b.PlayerID, DisplayName: b.DisplayName},
		a.GameMode)
	if err != nil {
		c.restore(ctx, a, b)
		c.logger.ErrorContext(ctx, "建立對局失敗，玩家放回佇列",
			"player_a", a.PlayerID,
			"player_b", b.PlayerID,
			"error", err)
		return Result{Outcome: OutcomeFailed}, err
	}

	if left := c.queue.Release(a.PlayerID, b.PlayerID); len(left) > 0 {
		return c.withdrawn(ctx, s, left, a, b), nil
	}

	res := Result{Outcome: OutcomeCreated, SessionCode: s.Code, MatchID: s.MatchID}
	if notified, err := c.notify(s, a, b); err != nil {
		if cerr := c.sessions.Cancel(ctx, s.Code, session.ReasonCancelled); cerr != nil {
			c.logger.ErrorContext(ctx, "取消房間失敗", "session_code", s.Code, "error", cerr)
		}
		c.retract(ctx, s, notified)
		c.restore(ctx, a, b)
		c.logger.WarnContext(ctx, "通知配對結果失敗，房間已取消",
			"session_code", s.Code,
			"error", err)
		res.Outcome = OutcomeFailed
		return res, err
	}

	pctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := c.publisher.Publish(pctx, events.MatchCreated{
		MatchID:     s.MatchID,
		SessionCode: s.Code,
		PlayerA:     a.PlayerID,
		PlayerB:     b.PlayerID,
		GameMode:    s.GameMode,
		Matchmade:   true,
		CreatedAt:   s.CreatedAt,
	}); err != nil {
		c.logger.WarnContext(ctx, "事件發布失敗", "subject", events.SubjectMatchCreated, "error", err)
	}

	c.logger.InfoContext(ctx, "配對成功",
		"session_code", s.Code,
		"match_id", s.MatchID,
		"player_a", a.PlayerID,
		"player_b", b.PlayerID,
		"latency_a", ra.Latency,
		"latency_b", rb.Latency)
	return res, nil
}

func (c *Creator) unhealthy(ctx context.Context, tickets []queue.Ticket, results []health.Result) Result {
	res := Result{Outcome: OutcomeUnhealthy}
	for i, t := range tickets {
		r := results[i]
		if !r.Healthy {
			c.queue.Release(t.PlayerID)
			res.Dropped = append(res.Dropped, r)
			c.logger.InfoContext(ctx, "玩家未通過健康檢查，移出佇列",
				"player_id", t.PlayerID,
				"reason", r.FailureReason)
			continue
		}
		if c.queue.Requeue(ctx, t) {
			res.Requeued = append(res.Requeued, t.PlayerID)
		}
	}
	return res
}

// withdrawn 有玩家在配對期間離開：取消房間，留下的一方保留原位置
func (c *Creator) withdrawn(ctx context.Context, s store.Session, left []string, tickets ...queue.Ticket) Result {
	if err := c.sessions.Cancel(ctx, s.Code, session.ReasonCancelled); err != nil {
		c.logger.ErrorContext(ctx, "取消房間失敗", "session_code", s.Code, "error", err)
	}

	res := Result{Outcome: OutcomeWithdrawn, Withdrawn: left}
	var stay []queue.Ticket
	for _, t := range tickets {
		if !slices.Contains(left, t.PlayerID) {
			stay = append(stay, t)
			res.Requeued = append(res.Requeued, t.PlayerID)
		}
	}
	c.restore(ctx, stay...)

	c.logger.InfoContext(ctx, "配對期間有玩家離開，房間已取消",
		"session_code", s.Code,
		"withdrawn", left)
	return res
}

func (c *Creator) restore(ctx context.Context, tickets ...queue.Ticket) {
	if n := c.queue.RestorePair(ctx, tickets...); n != len(tickets) {
		c.logger.InfoContext(ctx, "部分玩家未放回佇列", "restored", n, "expected", len(tickets))
	}
}

// notify 通知雙方 match_found，返回已收到通知的玩家
func (c *Creator) notify(s store.Session, a, b queue.Ticket) ([]string, error) {
	var (
		notified []string
		errs     []error
	)
	for _, pair := range [][2]queue.Ticket{{a, b}, {b, a}} {
		self, opponent := pair[0], pair[1]
		msg, err := protocol.Encode(protocol.MatchFound{
			SessionCode:  s.Code,
			OpponentID:   opponent.PlayerID,
			OpponentName: opponent.DisplayName,
			GameMode:     s.GameMode,
		})
		if err != nil {
			return notified, err
		}
		if err := c.notifier.SendToUser(self.PlayerID, msg); err != nil {
			errs = append(errs, err)
			continue
		}
		notified = append(notified, self.PlayerID)
	}
	return notified, errors.Join(errs...)
}

// retract 已收到 match_found 的玩家改收 game_abandoned，客戶端不會連去已取消的房間
func (c *Creator) retract(ctx context.Context, s store.Session, userIDs []string) {
	if len(userIDs) == 0 {
		return
	}
	msg, err := protocol.Encode(protocol.GameAbandoned{
		SessionCode: s.Code,
		Reason:      session.ReasonCancelled,
	})
	if err != nil {
		return
	}
	for _, id := range userIDs {
		if err := c.notifier.SendToUser(id, msg); err != nil {
			c.logger.WarnContext(ctx, "撤回配對通知失敗", "player_id", id, "error", err)
		}
	}
}
