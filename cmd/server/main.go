package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/koopa0/quiz-arena/internal/auth"
	"github.com/koopa0/quiz-arena/internal/cache"
	"github.com/koopa0/quiz-arena/internal/config"
	"github.com/koopa0/quiz-arena/internal/events"
	"github.com/koopa0/quiz-arena/internal/health"
	"github.com/koopa0/quiz-arena/internal/match"
	"github.com/koopa0/quiz-arena/internal/metrics"
	"github.com/koopa0/quiz-arena/internal/progression"
	"github.com/koopa0/quiz-arena/internal/questions"
	"github.com/koopa0/quiz-arena/internal/queue"
	"github.com/koopa0/quiz-arena/internal/registry"
	"github.com/koopa0/quiz-arena/internal/session"
	"github.com/koopa0/quiz-arena/internal/store"
	"github.com/koopa0/quiz-arena/internal/store/migrations"
	"github.com/koopa0/quiz-arena/internal/transport"
	"github.com/koopa0/quiz-arena/pkg/logger"
)

// main 函數：應用程序入口
//
// 系統設計重點：
//  1. 依賴初始化順序（儲存 → 佇列 → 協調器 → 配對 → HTTP）
//  2. 外部依賴可選：沒設定 Redis / PostgreSQL / NATS 時退回記憶體實作
//  3. 優雅關閉：先停配對，再停 HTTP，最後中止對局並關閉連線
func main() {
	configPath := flag.String("config", os.Getenv("ARENA_CONFIG"), "YAML 設定檔路徑")
	questionsPath := flag.String("questions", "", "題庫 YAML 路徑，空白使用內建題庫")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "載入設定失敗: %v\n", err)
		os.Exit(1)
	}

	log, closer, err := logger.New(logger.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日誌失敗: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, *questionsPath, log); err != nil {
		log.Error("服務異常結束", "error", err)
		_ = closer.Close()
		os.Exit(1)
	}
	_ = closer.Close()
}

func run(cfg *config.Config, questionsPath string, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. 房間、對局與積分
	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	// 2. 排隊票快照與冷卻期
	tickets, cooldowns, closeRedis, err := openQueueStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeRedis()

	// 3. 對局事件
	publisher, closeEvents := openEvents(cfg, log)
	defer closeEvents()

	bank, err := questions.LoadFile(questionsPath)
	if err != nil {
		return fmt.Errorf("load questions: %w", err)
	}
	if bank.Len() < cfg.Game.Rounds {
		return fmt.Errorf("question bank has %d questions, game needs %d", bank.Len(), cfg.Game.Rounds)
	}

	m := metrics.New()
	reg := registry.New(registry.Config{
		MaxConnections:         cfg.Registry.MaxConnections,
		MaxConnectionsPerLobby: cfg.Registry.MaxConnectionsPerLobby,
	}, log)

	// 4. 配對佇列，重啟後從快照恢復
	queueSvc := queue.NewService(queue.New(), tickets, cooldowns, queue.ServiceConfig{
		LeaveCooldown:   cfg.Queue.LeaveCooldown,
		AbandonCooldown: cfg.Queue.AbandonCooldown,
	}, log)
	if n, err := queueSvc.Rehydrate(ctx); err != nil {
		log.Warn("恢復排隊快照失敗", "error", err)
	} else if n > 0 {
		log.Info("已恢復排隊玩家", "count", n)
	}

	// 5. 房間協調器
	coord := session.New(session.Deps{
		Store:     st,
		Cache:     cache.New[store.Session](cfg.Cache.TTL, cfg.Cache.Size),
		Notifier:  reg,
		Questions: bank,
		Settler:   progression.NewSettler(st),
		Penalizer: queueSvc,
		Publisher: publisher,
		Metrics:   m,
	}, session.Config{
		Rounds:          cfg.Game.Rounds,
		QuestionTimeout: cfg.Game.QuestionTimeout,
		RoundInterval:   cfg.Game.RoundInterval,
		StartCountdown:  cfg.Game.StartCountdown,
		ReconnectWindow: cfg.Game.ReconnectWindow,
		LobbyTTL:        cfg.Game.LobbyTTL,
		CleanupInterval: cfg.Game.CleanupInterval,
	}, log)

	m.Observe(metrics.Sources{
		QueueSize:   queueSvc.Size,
		Connections: func() int { return reg.Stats().TotalConnections },
		ActiveGames: coord.ActiveGames,
		CacheStats:  coord.CacheStats,
	})

	// 6. 配對迴圈
	creator := match.NewCreator(match.Config{
		Health:        health.NewVerifier(reg, cfg.Match.HealthTimeout, log),
		Queue:         queueSvc,
		Sessions:      coord,
		Notifier:      reg,
		Publisher:     publisher,
		Metrics:       m,
		HealthTimeout: cfg.Match.HealthTimeout,
	}, log)
	matchmaker := match.NewMatchmaker(creator, queueSvc, cfg.Match.Interval, log)
	matchmaker.Start()

	// 7. HTTP 與 WebSocket
	h := transport.NewHandler(transport.Deps{
		Auth:     auth.NewJWTValidator(cfg.Auth.JWTSecret, cfg.Auth.Issuer),
		Queue:    queueSvc,
		Sessions: coord,
		Registry: reg,
		Metrics:  m,
	}, transport.Config{
		SendBuffer:     cfg.Registry.SendBuffer,
		MessageRate:    cfg.Registry.MessageRate,
		MessageBurst:   cfg.Registry.MessageBurst,
		MessageTimeout: cfg.Registry.MessageTimeout,
	}, log)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("伺服器啟動", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("收到關閉信號，開始優雅關閉")
	case serveErr = <-errCh:
		log.Error("伺服器錯誤", "error", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	matchmaker.Stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP 關閉失敗", "error", err)
	}
	coord.Stop()
	reg.CloseAll(websocket.CloseGoingAway, "server shutdown")

	log.Info("伺服器已關閉")
	return serveErr
}

// openStore 有設定 PostgreSQL 時先跑遷移再建立連線池
func openStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (store.Store, error) {
	if !cfg.PostgresEnabled() {
		log.Warn("未設定 PostgreSQL，使用記憶體儲存")
		return store.NewMemory(), nil
	}

	dsn := cfg.PostgresDSN()
	migrator, err := migrations.New(dsn, log)
	if err != nil {
		return nil, err
	}
	if err := migrator.Up(); err != nil {
		_ = migrator.Close()
		return nil, err
	}
	if err := migrator.Close(); err != nil {
		log.Warn("關閉遷移連線失敗", "error", err)
	}

	pool, err := store.NewPool(ctx, dsn, store.PoolConfig{
		MaxConns:        cfg.Postgres.MaxConns,
		MinConns:        cfg.Postgres.MinConns,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	})
	if err != nil {
		return nil, err
	}
	log.Info("已連線 PostgreSQL", "max_conns", cfg.Postgres.MaxConns)
	return store.NewPostgres(pool), nil
}

// openQueueStores 有設定 Redis 時排隊快照與冷卻期存在 Redis，多個實例共用冷卻期
func openQueueStores(ctx context.Context, cfg *config.Config, log *slog.Logger) (queue.TicketStore, queue.CooldownStore, func(), error) {
	if cfg.Redis.Addr == "" {
		log.Warn("未設定 Redis，排隊快照與冷卻期只存在記憶體")
		return queue.NewMemoryTicketStore(), queue.NewMemoryCooldownStore(time.Now), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("ping redis: %w", err)
	}

	log.Info("已連線 Redis", "addr", cfg.Redis.Addr)
	closeFn := func() {
		if err := client.Close(); err != nil {
			log.Warn("關閉 Redis 失敗", "error", err)
		}
	}
	return queue.NewRedisTicketStore(client), queue.NewRedisCooldownStore(client), closeFn, nil
}

// openEvents NATS 連不上時不發布事件，不影響對局
func openEvents(cfg *config.Config, log *slog.Logger) (events.Publisher, func()) {
	if cfg.NATS.URL == "" {
		return events.Noop{}, func() {}
	}

	n, err := events.Connect(events.Config{
		URL:      cfg.NATS.URL,
		Stream:   cfg.NATS.Stream,
		Subjects: cfg.NATS.Subjects,
		MaxAge:   cfg.NATS.MaxAge,
	}, log)
	if err != nil {
		log.Warn("無法連線 NATS，事件不發布", "error", err)
		return events.Noop{}, func() {}
	}
	log.Info("已連線 NATS", "url", cfg.NATS.URL, "stream", cfg.NATS.Stream)
	return n, n.Close
}
