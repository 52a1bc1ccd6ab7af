// Package transport 對外的 HTTP 與 WebSocket 介面
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koopa0/quiz-arena/internal/auth"
	"github.com/koopa0/quiz-arena/internal/cache"
	"github.com/koopa0/quiz-arena/internal/metrics"
	"github.com/koopa0/quiz-arena/internal/protocol"
	"github.com/koopa0/quiz-arena/internal/queue"
	"github.com/koopa0/quiz-arena/internal/registry"
	"github.com/koopa0/quiz-arena/internal/session"
	"github.com/koopa0/quiz-arena/internal/store"
	apperrors "github.com/koopa0/quiz-arena/pkg/errors"
)

const maxBodyBytes = 1 << 20

// Queue 由 queue.Service 實作
type Queue interface {
	Join(ctx context.Context, playerID, displayName, gameMode string) (queue.Status, error)
	Leave(ctx context.Context, playerID string) error
	Status(playerID string) queue.Status
	Size() int
}

// Sessions 由 session.Coordinator 實作
type Sessions interface {
	CreateLobby(ctx context.Context, host session.Player, mode, mapName string) (store.Session, error)
	JoinLobby(ctx context.Context, code string, p session.Player) (store.Session, error)
	LeaveLobby(ctx context.Context, code, userID string) (store.Session, error)
	StartGame(ctx context.Context, code, userID string) error
	Get(ctx context.Context, code string) (store.Session, error)
	GameState(code string) (session.GameState, bool)
	Member(ctx context.Context, code, userID string) (store.Session, error)
	OnConnect(ctx context.Context, code, userID string) error
	OnDisconnect(ctx context.Context, code, userID string)
	HandleMessage(ctx context.Context, code, userID string, m protocol.Message) error
	Stats() session.Stats
}

// Connections 由 registry.Registry 實作
type Connections interface {
	Connect(conn registry.Conn, sessionCode, userID string) (*registry.Entry, error)
	Disconnect(conn registry.Conn) (*registry.Entry, bool)
	ResolvePong(nonce string) bool
	Stats() registry.Stats
}

// Config 連線參數
type Config struct {
	SendBuffer   int
	MessageRate  int64
	MessageBurst int64
	// MessageTimeout 單一訊息處理（含儲存層）的期限
	MessageTimeout time.Duration
}

// Deps Handler 的依賴
type Deps struct {
	Auth     auth.Validator
	Queue    Queue
	Sessions Sessions
	Registry Connections
	Metrics  *metrics.Metrics
}

// Handler HTTP 與 WebSocket 請求處理器
type Handler struct {
	auth     auth.Validator
	queue    Queue
	sessions Sessions
	registry Connections
	metrics  *metrics.Metrics
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader
	started  time.Time
}

// NewHandler 創建處理器
func NewHandler(deps Deps, cfg Config, logger *slog.Logger) *Handler {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	if cfg.MessageTimeout <= 0 {
		cfg.MessageTimeout = 5 * time.Second
	}
	return &Handler{
		auth:     deps.Auth,
		queue:    deps.Queue,
		sessions: deps.Sessions,
		registry: deps.Registry,
		metrics:  deps.Metrics,
		cfg:      cfg,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// 瀏覽器客戶端來自不同網域，身份由 token 驗證
			CheckOrigin: func(*http.Request) bool { return true },
		},
		started: time.Now(),
	}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.recoverer(h.requestID(h.loggerMiddleware(handler)))
	}

	// 配對
	mux.HandleFunc("POST /api/v1/queue/join", wrap(h.authed(h.joinQueue)))
	mux.HandleFunc("POST /api/v1/queue/leave", wrap(h.authed(h.leaveQueue)))
	mux.HandleFunc("GET /api/v1/queue/status", wrap(h.authed(h.queueStatus)))

	// 房間
	mux.HandleFunc("POST /api/v1/lobbies", wrap(h.authed(h.createLobby)))
	mux.HandleFunc("POST /api/v1/lobbies/{code}/join", wrap(h.authed(h.joinLobby)))
	mux.HandleFunc("POST /api/v1/lobbies/{code}/leave", wrap(h.authed(h.leaveLobby)))
	mux.HandleFunc("POST /api/v1/lobbies/{code}/start", wrap(h.authed(h.startGame)))
	mux.HandleFunc("GET /api/v1/lobbies/{code}", wrap(h.authed(h.getLobby)))

	// WebSocket
	mux.HandleFunc("GET /ws/lobby/{code}", wrap(h.serveLobby))
	mux.HandleFunc("GET /ws/matchmaking", wrap(h.serveMatchmaking))

	// 健康檢查
	mux.HandleFunc("GET /health", wrap(h.health))
	mux.HandleFunc("GET /stats", wrap(h.stats))
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics.Handler())
	}

	return mux
}

type joinQueueRequest struct {
	DisplayName string `json:"display_name"`
	GameMode    string `json:"game_mode"`
}

type createLobbyRequest struct {
	DisplayName string `json:"display_name"`
	GameMode    string `json:"game_mode"`
	Map         string `json:"map"`
}

type joinLobbyRequest struct {
	DisplayName string `json:"display_name"`
}

type lobbyResponse struct {
	Session store.Session      `json:"session"`
	Game    *session.GameState `json:"game,omitempty"`
}

func (h *Handler) joinQueue(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	var req joinQueueRequest
	if err := decodeBody(r, &req); err != nil {
		h.errorResponse(w, r, err)
		return
	}

	status, err := h.queue.Join(r.Context(), id.UserID, displayName(req.DisplayName, id), req.GameMode)
	h.metrics.QueueOp("join", err)
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}
	h.jsonResponse(w, status, http.StatusOK)
}

func (h *Handler) leaveQueue(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	err := h.queue.Leave(r.Context(), id.UserID)
	h.metrics.QueueOp("leave", err)
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}
	h.jsonResponse(w, map[string]any{"success": true}, http.StatusOK)
}

func (h *Handler) queueStatus(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	h.jsonResponse(w, h.queue.Status(id.UserID), http.StatusOK)
}

func (h *Handler) createLobby(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	var req createLobbyRequest
	if err := decodeBody(r, &req); err != nil {
		h.errorResponse(w, r, err)
		return
	}

	host := session.Player{ID: id.UserID, DisplayName: displayName(req.DisplayName, id)}
	s, err := h.sessions.CreateLobby(r.Context(), host, req.GameMode, req.Map)
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}
	h.jsonResponse(w, s, http.StatusCreated)
}

func (h *Handler) joinLobby(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	var req joinLobbyRequest
	if err := decodeBody(r, &req); err != nil {
		h.errorResponse(w, r, err)
		return
	}

	p := session.Player{ID: id.UserID, DisplayName: displayName(req.DisplayName, id)}
	s, err := h.sessions.JoinLobby(r.Context(), r.PathValue("code"), p)
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}
	h.jsonResponse(w, s, http.StatusOK)
}

func (h *Handler) leaveLobby(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	s, err := h.sessions.LeaveLobby(r.Context(), r.PathValue("code"), id.UserID)
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}
	h.jsonResponse(w, s, http.StatusOK)
}

func (h *Handler) startGame(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	if err := h.sessions.StartGame(r.Context(), r.PathValue("code"), id.UserID); err != nil {
		h.errorResponse(w, r, err)
		return
	}
	h.jsonResponse(w, map[string]any{"started": true}, http.StatusAccepted)
}

func (h *Handler) getLobby(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	s, err := h.sessions.Member(r.Context(), r.PathValue("code"), id.UserID)
	if err != nil {
		h.errorResponse(w, r, err)
		return
	}

	resp := lobbyResponse{Session: s}
	if g, ok := h.sessions.GameState(s.Code); ok {
		resp.Game = &g
	}
	h.jsonResponse(w, resp, http.StatusOK)
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	h.jsonResponse(w, map[string]any{
		"status": "healthy",
		"time":   time.Now().Unix(),
	}, http.StatusOK)
}

// statsResponse /stats 回應
type statsResponse struct {
	Uptime      string         `json:"uptime"`
	QueueSize   int            `json:"queue_size"`
	Connections registry.Stats `json:"connections"`
	Sessions    session.Stats  `json:"sessions"`
	Cache       cache.Stats    `json:"cache"`
}

func (h *Handler) stats(w http.ResponseWriter, _ *http.Request) {
	s := h.sessions.Stats()
	h.jsonResponse(w, statsResponse{
		Uptime:      time.Since(h.started).Round(time.Second).String(),
		QueueSize:   h.queue.Size(),
		Connections: h.registry.Stats(),
		Sessions:    s,
		Cache:       s.Cache,
	}, http.StatusOK)
}

func decodeBody(r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		// 空的 body 使用預設值
		return nil
	}
	return apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid request body")
}

func displayName(requested string, id auth.Identity) string {
	if requested != "" {
		return requested
	}
	return id.DisplayName
}

// jsonResponse 返回 JSON 響應
func (h *Handler) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("編碼 JSON 失敗", "error", err)
	}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// errorResponse 依錯誤碼返回對應的狀態碼
func (h *Handler) errorResponse(w http.ResponseWriter, r *http.Request, err error) {
	status := httpStatus(err)
	body := errorBody{Code: apperrors.Code(err), Message: err.Error()}

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		body.Message = appErr.Message
		body.Details = appErr.Details
	}
	var cooldown *apperrors.CooldownError
	if errors.As(err, &cooldown) {
		body.Message = cooldown.Error()
		w.Header().Set("Retry-After", strconv.Itoa(cooldown.Seconds()))
	}

	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "請求失敗", "path", r.URL.Path, "error", err)
		if body.Code == apperrors.ErrCodeInternal {
			body.Message = "internal error"
		}
	}
	h.jsonResponse(w, map[string]any{"error": body}, status)
}

func httpStatus(err error) int {
	switch apperrors.Code(err) {
	case apperrors.ErrCodeValidation:
		return http.StatusBadRequest
	case apperrors.ErrCodeUnauthenticated:
		return http.StatusUnauthorized
	case apperrors.ErrCodeNotFound:
		return http.StatusNotFound
	case apperrors.ErrCodeAlreadyInQueue, apperrors.ErrCodeStateConflict, apperrors.ErrCodeCapacity:
		return http.StatusConflict
	case apperrors.ErrCodeQueueCooldown:
		return http.StatusTooManyRequests
	case apperrors.ErrCodeHealthCheck, apperrors.ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// closeCode WebSocket 關閉碼
func closeCode(err error) int {
	switch apperrors.Code(err) {
	case apperrors.ErrCodeUnauthenticated:
		return CloseUnauthorized
	case apperrors.ErrCodeCapacity:
		return CloseCapacity
	case apperrors.ErrCodeNotFound:
		return CloseNotFound
	default:
		return CloseInternal
	}
}
