package progression_test

import (
	"context"
	"errors"
	"testing"

	"github.com/koopa0/quiz-arena/internal/progression"
	"github.com/koopa0/quiz-arena/internal/protocol"
	"github.com/koopa0/quiz-arena/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdateELO(t *testing.T) {
	tests := []struct {
		name       string
		winner     int
		loser      int
		draw       bool
		wantWinner int
		wantLoser  int
	}{
		{name: "even win", winner: 1000, loser: 1000, wantWinner: 1016, wantLoser: 984},
		{name: "even draw", winner: 1000, loser: 1000, draw: true, wantWinner: 1000, wantLoser: 1000},
		{name: "favourite draws", winner: 1200, loser: 1000, draw: true, wantWinner: 1192, wantLoser: 1008},
		{name: "underdog wins", winner: 1000, loser: 1200, wantWinner: 1024, wantLoser: 1176},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, l := progression.UpdateELO(tt.winner, tt.loser, tt.draw)
			assert.Equal(t, tt.wantWinner, w)
			assert.Equal(t, tt.wantLoser, l)
		})
	}
}

func TestSettler_Win(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	settler := progression.NewSettler(mem)

	recap, err := settler.Settle(ctx, progression.Outcome{
		PlayerA:  "a",
		PlayerB:  "b",
		WinnerID: "b",
		Correct:  map[string]int{"a": 3, "b": 7},
	})
	require.NoError(t, err)

	assert.Equal(t, protocol.PlayerRecap{RatingBefore: 1000, RatingAfter: 984, XPGained: 35, Correct: 3}, recap["a"])
	assert.Equal(t, protocol.PlayerRecap{RatingBefore: 1000, RatingAfter: 1016, XPGained: 125, Correct: 7}, recap["b"])

	ratings, err := mem.GetRatings(ctx, "a", "b")
	require.NoError(t, err)
	assert.Equal(t, 1, ratings["a"].Losses)
	assert.Equal(t, 1, ratings["b"].Wins)
	assert.Equal(t, 125, ratings["b"].XP)
}

func TestSettler_TieAccumulates(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.SaveRatings(ctx, store.Rating{UserID: "a", ELO: 1200, XP: 100}))
	settler := progression.NewSettler(mem)

	recap, err := settler.Settle(ctx, progression.Outcome{PlayerA: "a", PlayerB: "b", IsTie: true})
	require.NoError(t, err)

	assert.Equal(t, 1192, recap["a"].RatingAfter)
	assert.Equal(t, 1008, recap["b"].RatingAfter)

	ratings, err := mem.GetRatings(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 100+progression.XPParticipate+progression.XPTieBonus, ratings["a"].XP)
	assert.Equal(t, 1, ratings["a"].Ties)
}

func TestSettler_Rejects(t *testing.T) {
	settler := progression.NewSettler(store.NewMemory())

	tests := []struct {
		name    string
		outcome progression.Outcome
	}{
		{name: "same player", outcome: progression.Outcome{PlayerA: "a", PlayerB: "a", WinnerID: "a"}},
		{name: "stranger wins", outcome: progression.Outcome{PlayerA: "a", PlayerB: "b", WinnerID: "c"}},
		{name: "tie with winner", outcome: progression.Outcome{PlayerA: "a", PlayerB: "b", WinnerID: "a", IsTie: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := settler.Settle(context.Background(), tt.outcome)
			assert.Error(t, err)
		})
	}
}

func TestSettler_SaveFailure(t *testing.T) {
	mem := store.NewMemory()
	boom := errors.New("db down")
	mem.FailNextWrite(boom)

	_, err := progression.NewSettler(mem).Settle(context.Background(),
		progression.Outcome{PlayerA: "a", PlayerB: "b", WinnerID: "a"})
	assert.ErrorIs(t, err, boom)
}
