// Package progression 對局結算：ELO 積分與經驗值
package progression

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/koopa0/quiz-arena/internal/protocol"
	"github.com/koopa0/quiz-arena/internal/store"
)

const (
	// KFactor ELO 的 K 值
	KFactor = 32

	XPPerCorrect  = 10
	XPWinBonus    = 50
	XPTieBonus    = 20
	XPParticipate = 5
)

// Expected 玩家 a 對上 b 的期望勝率
func Expected(a, b float64) float64 {
	return 1.0 / (1.0 + math.Pow(10, (b-a)/400.0))
}

// UpdateELO 計算賽後積分，draw 為 true 時雙方各得 0.5 分
func UpdateELO(winner, loser int, draw bool) (int, int) {
	w, l := float64(winner), float64(loser)
	expectedWinner := Expected(w, l)
	expectedLoser := Expected(l, w)

	actualWinner, actualLoser := 1.0, 0.0
	if draw {
		actualWinner, actualLoser = 0.5, 0.5
	}

	newWinner := w + KFactor*(actualWinner-expectedWinner)
	newLoser := l + KFactor*(actualLoser-expectedLoser)
	return int(math.Round(newWinner)), int(math.Round(newLoser))
}

// Outcome 一場已結束的對局
type Outcome struct {
	PlayerA  string
	PlayerB  string
	WinnerID string
	IsTie    bool
	// Correct 每位玩家答對題數
	Correct map[string]int
}

func (o Outcome) validate() error {
	switch {
	case o.PlayerA == "" || o.PlayerB == "" || o.PlayerA == o.PlayerB:
		return errors.New("outcome needs two distinct players")
	case o.IsTie && o.WinnerID != "":
		return errors.New("tie cannot have a winner")
	case !o.IsTie && o.WinnerID != o.PlayerA && o.WinnerID != o.PlayerB:
		return fmt.Errorf("winner %q is not a player", o.WinnerID)
	}
	return nil
}

// RatingStore 積分持久化
type RatingStore interface {
	GetRatings(ctx context.Context, userIDs ...string) (map[string]store.Rating, error)
	SaveRatings(ctx context.Context, ratings ...store.Rating) error
}

// Settler 結算器
//
// 讀取雙方積分，套用 ELO 與經驗值後一次寫回，返回每位玩家的結算摘要。
type Settler struct {
	ratings RatingStore
	now     func() time.Time
}

// NewSettler 創建結算器
func NewSettler(ratings RatingStore) *Settler {
	return &Settler{ratings: ratings, now: time.Now}
}

// Settle 結算一場對局
func (s *Settler) Settle(ctx context.Context, o Outcome) (map[string]protocol.PlayerRecap, error) {
	if err := o.validate(); err != nil {
		return nil, err
	}

	current, err := s.ratings.GetRatings(ctx, o.PlayerA, o.PlayerB)
	if err != nil {
		return nil, fmt.Errorf("load ratings: %w", err)
	}
	a, b := rating(current, o.PlayerA), rating(current, o.PlayerB)
	beforeA, beforeB := a.ELO, b.ELO

	switch {
	case o.IsTie:
		a.ELO, b.ELO = UpdateELO(a.ELO, b.ELO, true)
		a.Ties++
		b.Ties++
	case o.WinnerID == o.PlayerA:
		a.ELO, b.ELO = UpdateELO(a.ELO, b.ELO, false)
		a.Wins++
		b.Losses++
	default:
		b.ELO, a.ELO = UpdateELO(b.ELO, a.ELO, false)
		b.Wins++
		a.Losses++
	}

	xpA := xpGained(o, o.PlayerA)
	xpB := xpGained(o, o.PlayerB)
	a.XP += xpA
	b.XP += xpB

	now := s.now()
	a.UpdatedAt, b.UpdatedAt = now, now
	if err := s.ratings.SaveRatings(ctx, a, b); err != nil {
		return nil, fmt.Errorf("save ratings: %w", err)
	}

	return map[string]protocol.PlayerRecap{
		o.PlayerA: {RatingBefore: beforeA, RatingAfter: a.ELO, XPGained: xpA, Correct: o.Correct[o.PlayerA]},
		o.PlayerB: {RatingBefore: beforeB, RatingAfter: b.ELO, XPGained: xpB, Correct: o.Correct[o.PlayerB]},
	}, nil
}

func rating(m map[string]store.Rating, userID string) store.Rating {
	if r, ok := m[userID]; ok {
		return r
	}
	return store.NewRating(userID)
}

func xpGained(o Outcome, userID string) int {
	xp := XPParticipate + o.Correct[userID]*XPPerCorrect
	switch {
	case o.IsTie:
		xp += XPTieBonus
	case o.WinnerID == userID:
		xp += XPWinBonus
	}
	return xp
}
