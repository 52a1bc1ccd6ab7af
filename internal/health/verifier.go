// Package health 在建立對局前確認雙方連線仍然可用
package health

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/koopa0/quiz-arena/internal/registry"
)

// FailureReason 健康檢查失敗原因
type FailureReason string

const (
	ReasonNotConnected FailureReason = "not_connected"
	ReasonPingTimeout  FailureReason = "ping_timeout"
	ReasonSendFailed   FailureReason = "send_failed"
)

// DefaultTimeout 未指定逾時時使用
const DefaultTimeout = 2 * time.Second

// Pinger 連線探測，由 registry.Registry 實作
type Pinger interface {
	IsUserConnected(userID string) bool
	PingUser(ctx context.Context, userID string, timeout time.Duration) (time.Duration, error)
}

// Result 單一玩家的檢查結果
type Result struct {
	UserID        string        `json:"user_id"`
	Healthy       bool          `json:"healthy"`
	Latency       time.Duration `json:"latency"`
	FailureReason FailureReason `json:"failure_reason,omitempty"`
	CheckedAt     time.Time     `json:"checked_at"`
}

// Verifier 健康檢查器
type Verifier struct {
	pinger         Pinger
	defaultTimeout time.Duration
	logger         *slog.Logger
}

// NewVerifier 創建健康檢查器，timeout <= 0 時使用 DefaultTimeout
func NewVerifier(pinger Pinger, timeout time.Duration, logger *slog.Logger) *Verifier {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Verifier{
		pinger:         pinger,
		defaultTimeout: timeout,
		logger:         logger,
	}
}

// VerifyHealth 檢查單一玩家
//
// 沒有連線時不發探測，直接返回 not_connected。
func (v *Verifier) VerifyHealth(ctx context.Context, userID string, timeout time.Duration) Result {
	if timeout <= 0 {
		timeout = v.defaultTimeout
	}

	result := Result{UserID: userID}

	if !v.pinger.IsUserConnected(userID) {
		result.FailureReason = ReasonNotConnected
		result.CheckedAt = time.Now()
		return result
	}

	latency, err := v.pinger.PingUser(ctx, userID, timeout)
	result.CheckedAt = time.Now()
	if err != nil {
		result.FailureReason = classify(err)
		v.logger.Debug("健康檢查失敗",
			"user_id", userID,
			"reason", result.FailureReason,
			"error", err)
		return result
	}

	result.Healthy = true
	result.Latency = latency
	return result
}

// VerifyMultiple 並行檢查多位玩家
//
// 總耗時約等於最慢的一個探測，而不是所有探測的總和。
func (v *Verifier) VerifyMultiple(ctx context.Context, userIDs []string, timeout time.Duration) map[string]Result {
	var (
		mu      sync.Mutex
		results = make(map[string]Result, len(userIDs))
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range userIDs {
		g.Go(func() error {
			r := v.VerifyHealth(gctx, id, timeout)
			mu.Lock()
			results[id] = r
			mu.Unlock()
			return nil
		})
	}
	// 每個探測都自行處理錯誤，這裡不會有錯誤
	_ = g.Wait()

	return results
}

// VerifyBothHealthy 檢查一組配對，兩人都健康才返回 true
func (v *Verifier) VerifyBothHealthy(ctx context.Context, a, b string, timeout time.Duration) (bool, Result, Result) {
	results := v.VerifyMultiple(ctx, []string{a, b}, timeout)
	ra, rb := results[a], results[b]
	return ra.Healthy && rb.Healthy, ra, rb
}

func classify(err error) FailureReason {
	switch {
	case errors.Is(err, registry.ErrNotConnected):
		return ReasonNotConnected
	case errors.Is(err, registry.ErrSendFailed):
		return ReasonSendFailed
	default:
		return ReasonPingTimeout
	}
}
