package session

import (
	"log/slog"
	"maps"
	"math"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/koopa0/quiz-arena/internal/protocol"
	"github.com/koopa0/quiz-arena/internal/questions"
	"github.com/koopa0/quiz-arena/internal/store"
	apperrors "github.com/koopa0/quiz-arena/pkg/errors"
)

// MaxScorePerQuestion 單題滿分
const MaxScorePerQuestion = 100

// ErrRoundClosed 作答時回合已結束或回合編號不符
var ErrRoundClosed = apperrors.New(apperrors.ErrCodeStateConflict, "round is not accepting answers")

var powerupKinds = []string{"shield", "double_points", "freeze"}

// ScoreAnswer 單題得分
//
//	答錯或未作答：0
//	答對：round(100 × (1 − 0.5 × elapsed/limit))
//
// elapsed 夾在 [0, limit]，所以答對的分數落在 [50, 100]，
// 且作答越久分數不會越高。
func ScoreAnswer(correct bool, elapsed, limit time.Duration) int {
	if !correct {
		return 0
	}
	if limit <= 0 {
		return MaxScorePerQuestion
	}
	elapsed = min(max(elapsed, 0), limit)
	ratio := float64(elapsed) / float64(limit)
	return int(math.Round(MaxScorePerQuestion * (1 - 0.5*ratio)))
}

// GameState 對局進度快照
type GameState struct {
	SessionCode string                                  `json:"session_code"`
	Round       int                                     `json:"round"`
	TotalRounds int                                     `json:"total_rounds"`
	Scores      map[string]int                          `json:"scores"`
	Answers     map[int]map[string]protocol.RoundAnswer `json:"answers"`
	Status      store.SessionStatus                     `json:"status"`
}

// Summary 對局結束時的勝負判定
type Summary struct {
	WinnerID   string
	IsTie      bool
	TieBreak   bool
	Scores     map[string]int
	TotalTimes map[string]int64
	Correct    map[string]int
}

type round struct {
	number    int
	question  questions.Question
	startedAt time.Time
	answers   map[string]protocol.RoundAnswer
	closed    bool
	allIn     chan struct{}
}

type powerup struct {
	kind   string
	holder string
	used   bool
}

// Game 一場對局的回合迴圈
//
// 系統設計考量：
//
//  1. 單一 goroutine 推進：
//     Run 依序開題、等待、結算，回合編號只會遞增。
//     作答、道具等由讀取迴圈呼叫，只在鎖內修改狀態。
//
//  2. 回合結束條件：
//     兩人都作答（allIn 關閉）或逾時，以先到者為準。
//     每個回合只會送出一次 round_result。
//
//  3. 計時以伺服器為準：
//     作答時間 = 收到答案的時間 − 開題時間，客戶端回報的時間只作參考。
//
//  4. 中止：
//     Stop 只關閉 channel，不等待 Run 返回，
//     呼叫端可以在持有房間鎖時呼叫。
type Game struct {
	code      string
	players   [2]string
	questions []questions.Question
	limit     time.Duration
	countdown time.Duration
	interval  time.Duration
	notify    func(protocol.Message)
	now       func() time.Time
	logger    *slog.Logger

	mu       sync.Mutex
	state    GameState
	current  *round
	totals   map[string]int64
	answered map[string]bool
	correct  map[string]int
	powerups map[string]*powerup

	stop     chan struct{}
	stopOnce sync.Once
}

func newGame(code string, players [2]string, qs []questions.Question, cfg Config, notify func(protocol.Message), now func() time.Time, logger *slog.Logger) *Game {
	scores := make(map[string]int, 2)
	for _, p := range players {
		scores[p] = 0
	}
	return &Game{
		code:      code,
		players:   players,
		questions: qs,
		limit:     cfg.QuestionTimeout,
		countdown: cfg.StartCountdown,
		interval:  cfg.RoundInterval,
		notify:    notify,
		now:       now,
		logger:    logger,
		state: GameState{
			SessionCode: code,
			TotalRounds: len(qs),
			Scores:      scores,
			Answers:     make(map[int]map[string]protocol.RoundAnswer),
			Status:      store.StatusInProgress,
		},
		totals:   make(map[string]int64, 2),
		answered: make(map[string]bool, 2),
		correct:  make(map[string]int, 2),
		powerups: make(map[string]*powerup),
		stop:     make(chan struct{}),
	}
}

// Run 進行所有回合，被 Stop 中止時第二個返回值為 false
func (g *Game) Run() (Summary, bool) {
	g.notify(protocol.GameStarting{
		Rounds:   len(g.questions),
		StartsAt: g.now().Add(g.countdown),
	})
	if !g.wait(g.countdown, nil) {
		return Summary{}, false
	}

	for i, q := range g.questions {
		allIn := g.openRound(i+1, q)
		if !g.wait(g.limit, allIn) {
			return Summary{}, false
		}
		g.closeRound()

		if i < len(g.questions)-1 && !g.wait(g.interval, nil) {
			return Summary{}, false
		}
	}

	g.mu.Lock()
	g.state.Status = store.StatusCompleted
	g.mu.Unlock()
	return g.summary(), true
}

// Stop 中止對局，可重複呼叫
func (g *Game) Stop() {
	g.stopOnce.Do(func() {
		close(g.stop)
		g.mu.Lock()
		g.state.Status = store.StatusAbandoned
		g.mu.Unlock()
	})
}

func (g *Game) wait(d time.Duration, early <-chan struct{}) bool {
	if d <= 0 {
		select {
		case <-g.stop:
			return false
		default:
			return true
		}
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-early:
		return true
	case <-g.stop:
		return false
	}
}

func (g *Game) openRound(number int, q questions.Question) <-chan struct{} {
	g.mu.Lock()
	r := &round{
		number:    number,
		question:  q,
		startedAt: g.now(),
		answers:   make(map[string]protocol.RoundAnswer, 2),
		allIn:     make(chan struct{}),
	}
	g.current = r
	g.state.Round = number

	spawn := protocol.PowerupSpawn{
		PowerupID: uuid.NewString(),
		Kind:      powerupKinds[rand.IntN(len(powerupKinds))],
		X:         math.Round(rand.Float64()*1000) / 10,
		Y:         math.Round(rand.Float64()*1000) / 10,
	}
	g.powerups[spawn.PowerupID] = &powerup{kind: spawn.Kind}
	question := g.questionLocked(r)
	g.mu.Unlock()

	g.notify(question)
	g.notify(spawn)
	return r.allIn
}

func (g *Game) questionLocked(r *round) protocol.Question {
	return protocol.Question{
		Round:       r.number,
		TotalRounds: len(g.questions),
		QuestionID:  r.question.ID,
		Text:        r.question.Text,
		Options:     slices.Clone(r.question.Options),
		Category:    r.question.Category,
		StartedAt:   r.startedAt,
		TimeLimitMs: g.limit.Milliseconds(),
	}
}

func (g *Game) closeRound() {
	g.mu.Lock()
	r := g.current
	r.closed = true

	answers := make(map[string]protocol.RoundAnswer, len(g.players))
	for _, p := range g.players {
		a, ok := r.answers[p]
		if !ok {
			// 未作答視為用滿整個回合
			a = protocol.RoundAnswer{Choice: -1, ElapsedMs: g.limit.Milliseconds()}
		} else {
			g.answered[p] = true
		}
		if a.Correct {
			g.correct[p]++
		}
		g.state.Scores[p] += a.Points
		g.totals[p] += a.ElapsedMs
		answers[p] = a
	}
	g.state.Answers[r.number] = answers

	result := protocol.RoundResult{
		Round:        r.number,
		CorrectIndex: r.question.Answer,
		Answers:      maps.Clone(answers),
		Scores:       maps.Clone(g.state.Scores),
	}
	g.mu.Unlock()

	g.notify(result)
}

// Answer 記錄作答
//
// 同一回合重複作答會被忽略（返回 false, nil）。
func (g *Game) Answer(userID string, a protocol.Answer) (bool, error) {
	if !slices.Contains(g.players[:], userID) {
		return false, ErrNotMember
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	r := g.current
	if r == nil || r.closed || a.Round != r.number {
		return false, ErrRoundClosed
	}
	if _, dup := r.answers[userID]; dup {
		return false, nil
	}
	if a.Choice < 0 || a.Choice >= len(r.question.Options) {
		return false, apperrors.ErrValidation.WithDetails("choice out of range")
	}

	elapsed := min(max(g.now().Sub(r.startedAt), 0), g.limit)
	correct := a.Choice == r.question.Answer
	r.answers[userID] = protocol.RoundAnswer{
		Answered:  true,
		Choice:    a.Choice,
		Correct:   correct,
		ElapsedMs: elapsed.Milliseconds(),
		Points:    ScoreAnswer(correct, elapsed, g.limit),
	}

	if len(r.answers) == len(g.players) {
		close(r.allIn)
	}
	return true, nil
}

// CurrentQuestion 進行中的題目（斷線重連時補發）
func (g *Game) CurrentQuestion() (protocol.Question, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.current == nil || g.current.closed {
		return protocol.Question{}, false
	}
	return g.questionLocked(g.current), true
}

// Collect 撿道具，先到先得
func (g *Game) Collect(userID, powerupID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	p, ok := g.powerups[powerupID]
	if !ok || p.holder != "" {
		return false
	}
	p.holder = userID
	return true
}

// Use 使用道具，只有持有者能用且只能用一次
func (g *Game) Use(userID, powerupID string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	p, ok := g.powerups[powerupID]
	if !ok || p.holder != userID || p.used {
		return "", false
	}
	p.used = true
	return p.kind, true
}

// State 狀態快照
func (g *Game) State() GameState {
	g.mu.Lock()
	defer g.mu.Unlock()

	s := g.state
	s.Scores = maps.Clone(g.state.Scores)
	s.Answers = make(map[int]map[string]protocol.RoundAnswer, len(g.state.Answers))
	for n, a := range g.state.Answers {
		s.Answers[n] = maps.Clone(a)
	}
	return s
}

// summary 勝負判定
//
// 分數高者勝；同分時，若兩人都至少作答過一題，總作答時間短者勝；
// 其餘情況為平手。
func (g *Game) summary() Summary {
	g.mu.Lock()
	defer g.mu.Unlock()

	a, b := g.players[0], g.players[1]
	s := Summary{
		Scores:     maps.Clone(g.state.Scores),
		TotalTimes: maps.Clone(g.totals),
		Correct:    maps.Clone(g.correct),
	}

	sa, sb := s.Scores[a], s.Scores[b]
	ta, tb := s.TotalTimes[a], s.TotalTimes[b]
	switch {
	case sa > sb:
		s.WinnerID = a
	case sb > sa:
		s.WinnerID = b
	case g.answered[a] && g.answered[b] && ta != tb:
		s.TieBreak = true
		if ta < tb {
			s.WinnerID = a
		} else {
			s.WinnerID = b
		}
	default:
		s.IsTie = true
	}
	return s
}
