package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	apperrors "github.com/koopa0/quiz-arena/pkg/errors"
)

// uniqueViolation PostgreSQL unique_violation 錯誤碼
const uniqueViolation = "23505"

// PoolConfig 連線池參數
type PoolConfig struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// NewPool 建立 pgx 連線池並確認可連線
func NewPool(ctx context.Context, dsn string, cfg PoolConfig) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pc.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		pc.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		pc.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// Postgres PostgreSQL 實作
//
// 系統設計考量：
//
//  1. 表結構（見 migrations/sql）：
//     - sessions：code 主鍵，(status, updated_at) 索引給清理掃描用
//     - matches：id 主鍵，session_code 外鍵
//     - match_results：match_id 主鍵，天然保證每場只寫一次
//     - ratings：user_id 主鍵，UPSERT 更新
//
//  2. 交易：
//     RecordMatch、FinishMatch 跨多張表，用 pgx.BeginFunc 包成單一交易，
//     任何一步失敗整體回滾。
//
//  3. 錯誤對應：
//     pgx.ErrNoRows → NOT_FOUND；23505 → STATE_CONFLICT；
//     其餘包成 SERVICE_UNAVAILABLE，呼叫端據此決定是否降級到快取。
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres 創建 PostgreSQL 儲存（連線池由呼叫端建立，Close 時一併關閉）
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

const sessionColumns = `code, host_id, host_name, COALESCE(opponent_id, ''), COALESCE(opponent_name, ''),
	status, game_mode, map, matchmade, COALESCE(match_id, ''), created_at, updated_at`

func scanSession(row pgx.Row) (Session, error) {
	var s Session
	err := row.Scan(
		&s.Code, &s.HostID, &s.HostName, &s.OpponentID, &s.OpponentName,
		&s.Status, &s.GameMode, &s.Map, &s.Matchmade, &s.MatchID, &s.CreatedAt, &s.UpdatedAt,
	)
	return s, err
}

// CreateSession 新增房間
func (p *Postgres) CreateSession(ctx context.Context, s Session) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO sessions (code, host_id, host_name, opponent_id, opponent_name,
			status, game_mode, map, matchmade, match_id, created_at, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8, $9, NULLIF($10, ''), $11, $12)
	`, s.Code, s.HostID, s.HostName, s.OpponentID, s.OpponentName,
		string(s.Status), s.GameMode, s.Map, s.Matchmade, s.MatchID, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrCodeTaken
		}
		return unavailable("create session", err)
	}
	return nil
}

// GetSession 讀取房間
func (p *Postgres) GetSession(ctx context.Context, code string) (Session, error) {
	s, err := scanSession(p.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE code = $1`, code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, ErrSessionNotFound
		}
		return Session{}, unavailable("get session", err)
	}
	return s, nil
}

// UpdateSession 更新房間
func (p *Postgres) UpdateSession(ctx context.Context, s Session) error {
	return p.updateSession(ctx, p.pool, s)
}

// execer pool 與 tx 共同的介面
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (p *Postgres) updateSession(ctx context.Context, db execer, s Session) error {
	tag, err := db.Exec(ctx, `
		UPDATE sessions SET
			host_id = $2, host_name = $3,
			opponent_id = NULLIF($4, ''), opponent_name = NULLIF($5, ''),
			status = $6, game_mode = $7, map = $8, matchmade = $9,
			match_id = NULLIF($10, ''), updated_at = $11
		WHERE code = $1
	`, s.Code, s.HostID, s.HostName, s.OpponentID, s.OpponentName,
		string(s.Status), s.GameMode, s.Map, s.Matchmade, s.MatchID, s.UpdatedAt)
	if err != nil {
		return unavailable("update session", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// ListStaleSessions 列出閒置的 waiting 房間
func (p *Postgres) ListStaleSessions(ctx context.Context, before time.Time) ([]Session, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE status = 'waiting' AND updated_at < $1
		ORDER BY updated_at
		LIMIT 500
	`, before)
	if err != nil {
		return nil, unavailable("list stale sessions", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, unavailable("scan session", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list stale sessions", err)
	}
	return sessions, nil
}

// RecordMatch 在同一個交易中寫入房間與對局
func (p *Postgres) RecordMatch(ctx context.Context, s Session, m Match) error {
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO sessions (code, host_id, host_name, opponent_id, opponent_name,
				status, game_mode, map, matchmade, match_id, created_at, updated_at)
			VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8, $9, NULLIF($10, ''), $11, $12)
			ON CONFLICT (code) DO UPDATE SET
				opponent_id = EXCLUDED.opponent_id, opponent_name = EXCLUDED.opponent_name,
				status = EXCLUDED.status, match_id = EXCLUDED.match_id, updated_at = EXCLUDED.updated_at
		`, s.Code, s.HostID, s.HostName, s.OpponentID, s.OpponentName,
			string(s.Status), s.GameMode, s.Map, s.Matchmade, s.MatchID, s.CreatedAt, s.UpdatedAt); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO matches (id, session_code, player_a, player_b, game_mode, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, m.ID, m.SessionCode, m.PlayerA, m.PlayerB, m.GameMode, string(m.Status), m.CreatedAt)
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return ErrCodeTaken.WithDetails("match id already exists")
		}
		return unavailable("record match", err)
	}
	return nil
}

// GetMatch 讀取對局
func (p *Postgres) GetMatch(ctx context.Context, id string) (Match, error) {
	var m Match
	err := p.pool.QueryRow(ctx, `
		SELECT id, session_code, player_a, player_b, game_mode, status, created_at, ended_at
		FROM matches WHERE id = $1
	`, id).Scan(&m.ID, &m.SessionCode, &m.PlayerA, &m.PlayerB, &m.GameMode, &m.Status, &m.CreatedAt, &m.EndedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Match{}, ErrMatchNotFound
		}
		return Match{}, unavailable("get match", err)
	}
	return m, nil
}

// UpdateMatchStatus 更新對局狀態，非進行中的狀態會寫入 ended_at
func (p *Postgres) UpdateMatchStatus(ctx context.Context, id string, status MatchStatus, at time.Time) error {
	var endedAt *time.Time
	if status != MatchInProgress {
		endedAt = &at
	}
	tag, err := p.pool.Exec(ctx, `UPDATE matches SET status = $2, ended_at = $3 WHERE id = $1`, id, string(status), endedAt)
	if err != nil {
		return unavailable("update match", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMatchNotFound
	}
	return nil
}

// FinishMatch 寫入結果、完成對局與房間
func (p *Postgres) FinishMatch(ctx context.Context, s Session, r MatchResult) error {
	scores, err := json.Marshal(r.Scores)
	if err != nil {
		return fmt.Errorf("marshal scores: %w", err)
	}
	times, err := json.Marshal(r.TotalTimes)
	if err != nil {
		return fmt.Errorf("marshal total times: %w", err)
	}

	err = pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO match_results (match_id, winner_id, is_tie, tie_break, scores, total_times, created_at)
			VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7)
		`, r.MatchID, r.WinnerID, r.IsTie, r.TieBreak, scores, times, r.CreatedAt); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `UPDATE matches SET status = $2, ended_at = $3 WHERE id = $1`,
			r.MatchID, string(MatchCompleted), r.CreatedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrMatchNotFound
		}
		return p.updateSession(ctx, tx, s)
	})
	if err != nil {
		switch {
		case isUniqueViolation(err):
			return ErrResultExists
		case apperrors.IsNotFound(err), apperrors.IsUnavailable(err):
			return err
		default:
			return unavailable("finish match", err)
		}
	}
	return nil
}

// GetResult 讀取對局結果
func (p *Postgres) GetResult(ctx context.Context, matchID string) (MatchResult, error) {
	var (
		r             MatchResult
		scores, times []byte
	)
	err := p.pool.QueryRow(ctx, `
		SELECT match_id, COALESCE(winner_id, ''), is_tie, tie_break, scores, total_times, created_at
		FROM match_results WHERE match_id = $1
	`, matchID).Scan(&r.MatchID, &r.WinnerID, &r.IsTie, &r.TieBreak, &scores, &times, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return MatchResult{}, ErrMatchNotFound.WithDetails("no result recorded")
		}
		return MatchResult{}, unavailable("get result", err)
	}
	if err := json.Unmarshal(scores, &r.Scores); err != nil {
		return MatchResult{}, fmt.Errorf("decode scores: %w", err)
	}
	if err := json.Unmarshal(times, &r.TotalTimes); err != nil {
		return MatchResult{}, fmt.Errorf("decode total times: %w", err)
	}
	return r, nil
}

// GetRatings 讀取積分，沒有紀錄的玩家補上初始值
func (p *Postgres) GetRatings(ctx context.Context, userIDs ...string) (map[string]Rating, error) {
	out := make(map[string]Rating, len(userIDs))
	for _, id := range userIDs {
		out[id] = NewRating(id)
	}
	if len(userIDs) == 0 {
		return out, nil
	}

	rows, err := p.pool.Query(ctx, `
		SELECT user_id, elo, xp, wins, losses, ties, updated_at
		FROM ratings WHERE user_id = ANY($1)
	`, userIDs)
	if err != nil {
		return nil, unavailable("get ratings", err)
	}
	ratings, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Rating, error) {
		var r Rating
		err := row.Scan(&r.UserID, &r.ELO, &r.XP, &r.Wins, &r.Losses, &r.Ties, &r.UpdatedAt)
		return r, err
	})
	if err != nil {
		return nil, unavailable("scan ratings", err)
	}
	for _, r := range ratings {
		out[r.UserID] = r
	}
	return out, nil
}

// SaveRatings 以 UPSERT 寫入積分，多筆在同一個 batch 送出
func (p *Postgres) SaveRatings(ctx context.Context, ratings ...Rating) error {
	if len(ratings) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range ratings {
		batch.Queue(`
			INSERT INTO ratings (user_id, elo, xp, wins, losses, ties, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (user_id) DO UPDATE SET
				elo = EXCLUDED.elo, xp = EXCLUDED.xp, wins = EXCLUDED.wins,
				losses = EXCLUDED.losses, ties = EXCLUDED.ties, updated_at = EXCLUDED.updated_at
		`, r.UserID, r.ELO, r.XP, r.Wins, r.Losses, r.Ties, r.UpdatedAt)
	}
	if err := p.pool.SendBatch(ctx, batch).Close(); err != nil {
		return unavailable("save ratings", err)
	}
	return nil
}

// Close 關閉連線池
func (p *Postgres) Close() {
	p.pool.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func unavailable(op string, err error) error {
	return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, op)
}
