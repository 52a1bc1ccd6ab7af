// Package session 協調房間與對局
//
// 房間狀態機：
//
//	waiting ──start──> in_progress ──rounds done──> completed
//	   │                    │
//	   └──leave / expire────┴──leave / reconnect timeout──> abandoned
//
// 房間記錄的權威來源是 store.Store；進行中的對局（回合、分數、計時器）
// 只存在於這個程序的記憶體裡。
package session

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/koopa0/quiz-arena/internal/cache"
	"github.com/koopa0/quiz-arena/internal/events"
	"github.com/koopa0/quiz-arena/internal/metrics"
	"github.com/koopa0/quiz-arena/internal/progression"
	"github.com/koopa0/quiz-arena/internal/protocol"
	"github.com/koopa0/quiz-arena/internal/questions"
	"github.com/koopa0/quiz-arena/internal/store"
	apperrors "github.com/koopa0/quiz-arena/pkg/errors"
)

// DefaultGameMode 未指定模式時使用
const DefaultGameMode = "classic"

const publishTimeout = 5 * time.Second

// 中止原因
const (
	ReasonPlayerLeft = "player_left"
	ReasonHostLeft   = "host_left"
	ReasonDisconnect = "disconnect_timeout"
	ReasonNoShow     = "no_show"
	ReasonExpired    = "expired"
	ReasonCancelled  = "match_cancelled"
	ReasonShutdown   = "server_shutdown"
	ReasonRestart    = "server_restart"
	ReasonInternal   = "internal_error"
)

var (
	// ErrNotMember 玩家不屬於這個房間
	ErrNotMember = apperrors.New(apperrors.ErrCodeNotFound, "not a member of this session")
	// ErrNotHost 只有房主能開始對局
	ErrNotHost = apperrors.New(apperrors.ErrCodeStateConflict, "only the host can start the game")
	// ErrNoGame 房間沒有進行中的對局
	ErrNoGame = apperrors.New(apperrors.ErrCodeStateConflict, "no game in progress")
	// ErrShuttingDown 協調器已停止，不再開始新對局
	ErrShuttingDown = apperrors.New(apperrors.ErrCodeUnavailable, "server is shutting down")
)

// Player 玩家身份
type Player struct {
	ID          string
	DisplayName string
}

func (p Player) validate() error {
	if p.ID == "" {
		return apperrors.ErrValidation.WithDetails("player id is required")
	}
	if strings.TrimSpace(p.DisplayName) == "" {
		return apperrors.ErrValidation.WithDetails("display name is required")
	}
	return nil
}

// Notifier 推送訊息，由 registry.Registry 實作
type Notifier interface {
	BroadcastToSession(sessionCode string, msg []byte, exceptUserIDs ...string) int
	SendToSessionUser(sessionCode, userID string, msg []byte) error
	IsUserInSession(sessionCode, userID string) bool
}

// QuestionSource 題庫
type QuestionSource interface {
	Draw(n int) ([]questions.Question, error)
}

// Settler 對局結算（積分、經驗值）
type Settler interface {
	Settle(ctx context.Context, o progression.Outcome) (map[string]protocol.PlayerRecap, error)
}

// Penalizer 棄賽懲罰，由 queue.Service 實作
type Penalizer interface {
	Penalize(ctx context.Context, playerID string)
}

// Config 對局參數
type Config struct {
	Rounds          int
	QuestionTimeout time.Duration
	RoundInterval   time.Duration
	StartCountdown  time.Duration
	ReconnectWindow time.Duration
	LobbyTTL        time.Duration
	CleanupInterval time.Duration
}

// DefaultConfig 預設參數
func DefaultConfig() Config {
	return Config{
		Rounds:          15,
		QuestionTimeout: 15 * time.Second,
		RoundInterval:   3 * time.Second,
		StartCountdown:  3 * time.Second,
		ReconnectWindow: 30 * time.Second,
		LobbyTTL:        30 * time.Minute,
		CleanupInterval: time.Minute,
	}
}

// Deps 協調器的外部依賴
//
// Store、Notifier、Questions 必填；其餘為 nil 時略過對應功能。
type Deps struct {
	Store     store.Store
	Cache     *cache.TTL[store.Session]
	Notifier  Notifier
	Questions QuestionSource
	Settler   Settler
	Penalizer Penalizer
	Publisher events.Publisher
	Metrics   *metrics.Metrics
}

// lobby 單一房間的執行期狀態
type lobby struct {
	mu      sync.Mutex
	code    string
	game    *Game
	ended   bool
	timers  map[string]*time.Timer // userID -> 重連期限
	arrival *time.Timer            // 配對房間的入場期限
}

func (l *lobby) stopTimersLocked() {
	for id, t := range l.timers {
		t.Stop()
		delete(l.timers, id)
	}
	if l.arrival != nil {
		l.arrival.Stop()
		l.arrival = nil
	}
}

// Coordinator 房間與對局協調器
//
// 系統設計考量：
//
//  1. 鎖的層次：
//     - Coordinator.mu 只保護 lobbies 索引
//     - lobby.mu 串行化同一房間的狀態轉換（開始、離開、斷線、結算）
//     取得順序固定為 lobby.mu → Coordinator.mu，不會反過來。
//
//  2. 讀寫路徑：
//     - 狀態轉換一律從 Store 讀最新值，寫入後使快取失效
//     - 高頻讀取（即時事件的成員檢查、連線時的房間狀態）走 cache.Aside
//     Store 故障時 Aside 以剛過期的快照降級。
//
//  3. 對局 goroutine：
//     每場對局一個 goroutine 跑 Game.Run，結束後取得房間鎖再結算；
//     中止與結算以 lobby.ended 判斷先後，只有一方生效。
//
//  4. 背景清理：
//     與房間管理器相同的 ticker + stopCh 迴圈，
//     把閒置超過 LobbyTTL 的 waiting 房間標記為 abandoned。
type Coordinator struct {
	store     store.Store
	sessions  *cache.Aside[store.Session]
	notifier  Notifier
	questions QuestionSource
	settler   Settler
	penalizer Penalizer
	publisher events.Publisher
	metrics   *metrics.Metrics
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	lobbies map[string]*lobby
	stopped bool // Stop 已開始等待背景工作，之後不再 wg.Add

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New 創建協調器並啟動清理迴圈
func New(deps Deps, cfg Config, logger *slog.Logger) *Coordinator {
	ttl := deps.Cache
	if ttl == nil {
		ttl = cache.New[store.Session](0, 0)
	}
	publisher := deps.Publisher
	if publisher == nil {
		publisher = events.Noop{}
	}

	c := &Coordinator{
		store:     deps.Store,
		notifier:  deps.Notifier,
		questions: deps.Questions,
		settler:   deps.Settler,
		penalizer: deps.Penalizer,
		publisher: publisher,
		metrics:   deps.Metrics,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		lobbies:   make(map[string]*lobby),
		stopCh:    make(chan struct{}),
	}
	c.sessions = cache.NewAside(ttl, deps.Store.GetSession, logger)

	if cfg.CleanupInterval > 0 {
		c.wg.Add(1)
		go c.cleanupLoop()
	}
	return c
}

// SetClock 替換時間來源（測試用，計時器仍使用實際時間）
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
}

// Get 讀取房間（經過快取）
func (c *Coordinator) Get(ctx context.Context, code string) (store.Session, error) {
	code = NormalizeCode(code)
	if !ValidCode(code) {
		return store.Session{}, store.ErrSessionNotFound
	}
	s, err := c.sessions.Get(ctx, code)
	if err != nil {
		return store.Session{}, storeErr(err)
	}
	return s, nil
}

// GameState 進行中對局的快照
func (c *Coordinator) GameState(code string) (GameState, bool) {
	l := c.lookup(NormalizeCode(code))
	if l == nil {
		return GameState{}, false
	}
	l.mu.Lock()
	g := l.game
	l.mu.Unlock()
	if g == nil {
		return GameState{}, false
	}
	return g.State(), true
}

// Stats 協調器統計
type Stats struct {
	Lobbies       int         `json:"lobbies"`
	ActiveGames   int         `json:"active_games"`
	Cache         cache.Stats `json:"cache"`
	CacheDegraded uint64      `json:"cache_degraded"`
}

func (c *Coordinator) Stats() Stats {
	return Stats{
		Lobbies:       c.lobbyCount(),
		ActiveGames:   c.ActiveGames(),
		Cache:         c.sessions.Stats(),
		CacheDegraded: c.sessions.Degraded(),
	}
}

// CacheStats 房間快取統計
func (c *Coordinator) CacheStats() cache.Stats {
	return c.sessions.Stats()
}

// ActiveGames 進行中的對局數
func (c *Coordinator) ActiveGames() int {
	n := 0
	for _, l := range c.snapshot() {
		l.mu.Lock()
		if l.game != nil && !l.ended {
			n++
		}
		l.mu.Unlock()
	}
	return n
}

func (c *Coordinator) lobbyCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.lobbies)
}

// Stop 停止清理迴圈，中止所有未結束的房間並等待背景工作結束
//
// 進行中的對局以 server_shutdown 中止；沒有對局的房間只標記結束，
// 之後到期的計時器與連線事件都不再處理。
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, l := range c.snapshot() {
		l.mu.Lock()
		if l.game != nil && !l.ended {
			if s, err := c.load(ctx, l.code); err == nil {
				_ = c.abandonLocked(ctx, l, s, ReasonShutdown, nil)
			} else {
				l.game.Stop()
			}
		}
		l.ended = true
		l.stopTimersLocked()
		l.mu.Unlock()
	}

	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()

	c.wg.Wait()
	c.logger.Info("房間協調器已停止")
}

func (c *Coordinator) cleanupLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Cleanup(context.Background())
		case <-c.stopCh:
			return
		}
	}
}

// Cleanup 把閒置過久的 waiting 房間標記為 abandoned，返回處理數量
func (c *Coordinator) Cleanup(ctx context.Context) int {
	if c.cfg.LobbyTTL <= 0 {
		return 0
	}
	stale, err := c.store.ListStaleSessions(ctx, c.now().Add(-c.cfg.LobbyTTL))
	if err != nil {
		c.logger.WarnContext(ctx, "查詢閒置房間失敗", "error", err)
		return 0
	}

	expired := 0
	for _, s := range stale {
		l, fresh, err := c.acquire(ctx, s.Code)
		if err != nil {
			continue
		}
		if fresh.Status == store.StatusWaiting && l.game == nil {
			if err := c.abandonLocked(ctx, l, fresh, ReasonExpired, nil); err == nil {
				expired++
			}
		}
		l.mu.Unlock()
	}
	if expired > 0 {
		c.logger.InfoContext(ctx, "閒置房間已清理", "count", expired)
	}
	return expired
}

// runtime 取得或建立房間的執行期狀態
func (c *Coordinator) runtime(code string) *lobby {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.lobbies[code]
	if !ok {
		l = &lobby{code: code, timers: make(map[string]*time.Timer)}
		c.lobbies[code] = l
	}
	return l
}

func (c *Coordinator) lookup(code string) *lobby {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lobbies[code]
}

func (c *Coordinator) snapshot() []*lobby {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Collect(maps.Values(c.lobbies))
}

// drop 移除執行期狀態（呼叫端持有 l.mu）
func (c *Coordinator) drop(l *lobby) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lobbies[l.code] == l {
		delete(c.lobbies, l.code)
	}
}

// acquire 鎖定房間並從 Store 讀取最新狀態
//
// 成功時返回的 lobby 已上鎖，呼叫端負責解鎖。
func (c *Coordinator) acquire(ctx context.Context, code string) (*lobby, store.Session, error) {
	code = NormalizeCode(code)
	if !ValidCode(code) {
		return nil, store.Session{}, store.ErrSessionNotFound
	}

	l := c.runtime(code)
	l.mu.Lock()

	s, err := c.load(ctx, code)
	if err != nil {
		if apperrors.IsNotFound(err) && l.game == nil {
			c.drop(l)
		}
		l.mu.Unlock()
		return nil, store.Session{}, err
	}
	if s.Status.Terminal() && l.game == nil {
		c.drop(l)
	}
	return l, s, nil
}

func (c *Coordinator) load(ctx context.Context, code string) (store.Session, error) {
	s, err := c.store.GetSession(ctx, code)
	if err != nil {
		return store.Session{}, storeErr(err)
	}
	return s, nil
}

func (c *Coordinator) save(ctx context.Context, s store.Session) error {
	err := c.sessions.Write(ctx, s.Code, func(ctx context.Context) error {
		return c.store.UpdateSession(ctx, s)
	})
	return storeErr(err)
}

// storeErr 未分類的儲存錯誤視為依賴不可用
func storeErr(err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "session store unavailable")
}

// abandonLocked 中止房間（呼叫端持有 l.mu）
//
// 停止對局與計時器、寫入 abandoned、通知雙方、懲罰缺席者。
// 寫入失敗仍會完成其餘步驟，並返回錯誤。
func (c *Coordinator) abandonLocked(ctx context.Context, l *lobby, s store.Session, reason string, absent []string) error {
	l.ended = true
	l.stopTimersLocked()
	hadGame := l.game != nil
	if hadGame {
		l.game.Stop()
	}

	now := c.now()
	s.Status = store.StatusAbandoned
	s.UpdatedAt = now
	err := c.save(ctx, s)
	if err != nil {
		c.logger.ErrorContext(ctx, "寫入房間中止狀態失敗", "session_code", s.Code, "error", err)
	}
	if s.MatchID != "" {
		if merr := c.store.UpdateMatchStatus(ctx, s.MatchID, store.MatchAbandoned, now); merr != nil {
			c.logger.ErrorContext(ctx, "寫入對局中止狀態失敗", "match_id", s.MatchID, "error", merr)
			err = errors.Join(err, storeErr(merr))
		}
	}

	c.broadcast(s.Code, protocol.GameAbandoned{Reason: reason, AbsentPlayers: absent})

	if c.penalizer != nil {
		for _, id := range absent {
			c.penalizer.Penalize(ctx, id)
		}
	}
	if s.MatchID != "" {
		c.publish(events.MatchAbandoned{
			MatchID:       s.MatchID,
			SessionCode:   s.Code,
			Reason:        reason,
			AbsentPlayers: absent,
			EndedAt:       now,
		})
	}
	if hadGame || s.MatchID != "" {
		c.metrics.GameEnded(string(store.StatusAbandoned))
	}
	c.drop(l)

	c.logger.InfoContext(ctx, "房間已中止",
		"session_code", s.Code,
		"reason", reason,
		"absent", absent)
	return err
}

func (c *Coordinator) broadcast(code string, m protocol.Message, except ...string) {
	data, err := protocol.Encode(m)
	if err != nil {
		c.logger.Error("訊息序列化失敗", "type", m.Type(), "error", err)
		return
	}
	c.notifier.BroadcastToSession(code, data, except...)
}

func (c *Coordinator) send(code, userID string, m protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	return c.notifier.SendToSessionUser(code, userID, data)
}

func (c *Coordinator) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// track 登記一個背景工作；Stop 開始等待後返回 false
func (c *Coordinator) track() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return false
	}
	c.wg.Add(1)
	return true
}

// publish 非同步發布事件；Stop 之後改為同步發布
func (c *Coordinator) publish(e events.Event) {
	if !c.track() {
		c.publishNow(e)
		return
	}
	go func() {
		defer c.wg.Done()
		c.publishNow(e)
	}()
}

func (c *Coordinator) publishNow(e events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := c.publisher.Publish(ctx, e); err != nil {
		c.logger.Warn("事件發布失敗", "subject", e.Subject(), "error", err)
	}
}
