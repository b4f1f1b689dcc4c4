package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"OpenMCP-Swap/internal/auth"
	xerrors "OpenMCP-Swap/internal/errors"
	"OpenMCP-Swap/internal/negotiation"
	"OpenMCP-Swap/internal/observability/metrics"
	"OpenMCP-Swap/internal/polling"
	"OpenMCP-Swap/internal/task"
	"OpenMCP-Swap/internal/web3"
	"OpenMCP-Swap/pkg/logger"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// MessageService 是入站消息流水线对外提供的能力。
type MessageService interface {
	Submit(ctx context.Context, req task.SubmitRequest) (*task.Task, error)
	Get(ctx context.Context, id string) (*task.Task, error)
	List(ctx context.Context, opts ...task.ListOption) ([]*task.Task, error)
	Stats(ctx context.Context, opts ...task.ListOption) (task.TaskStats, error)
}

// EscrowTracker 是轮询引擎对外提供的能力。
type EscrowTracker interface {
	Snapshot() *polling.State
	Task(escrowKey string) (*polling.Task, bool)
	RequestCancel(ctx context.Context, escrowKey string) (*polling.Task, error)
	Polling() bool
}

// ChainReporter 汇报各条链的元数据，用于健康检查。
type ChainReporter interface {
	Snapshots(ctx context.Context) map[string]web3.ChainSnapshot
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr         string
	messages     MessageService
	negotiations negotiation.Store
	escrows      EscrowTracker
	chains       ChainReporter
	auth         *auth.Service
	router       http.Handler
}

// Option 配置 Server。
type Option func(*Server)

// WithMessages 挂载消息接口。
func WithMessages(svc MessageService) Option {
	return func(s *Server) { s.messages = svc }
}

// WithNegotiations 挂载谈判状态查询接口。
func WithNegotiations(store negotiation.Store) Option {
	return func(s *Server) { s.negotiations = store }
}

// WithEscrows 挂载托管轮询接口。
func WithEscrows(tracker EscrowTracker) Option {
	return func(s *Server) { s.escrows = tracker }
}

// WithChains 让健康检查附带链状态。
func WithChains(reporter ChainReporter) Option {
	return func(s *Server) { s.chains = reporter }
}

// WithAuth 为 /api/v1 下的接口启用 bearer token 认证，健康检查与指标保持开放。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) { s.auth = svc }
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, opts ...Option) *Server {
	s := &Server{addr: addr}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.router = s.buildRouter()
	return s
}

// Handler 返回配置好的路由。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.router),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.L().Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(observeRequests)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(api chi.Router) {
		api.Route("/messages", func(r chi.Router) {
			r.Use(s.auth.Middleware(auth.MiddlewareConfig{
				RequiredPermissions: map[string][]string{
					http.MethodGet:  {auth.PermissionRead},
					http.MethodPost: {auth.PermissionSubmit},
				},
				AuditEvent: "messages",
			}))
			r.Post("/", s.handleSubmitMessage)
			r.Get("/", s.handleListMessages)
			r.Get("/{id}", s.handleMessageDetail)
		})
		api.Route("/negotiations", func(r chi.Router) {
			r.Use(s.auth.Middleware(auth.MiddlewareConfig{
				RequiredPermissions: map[string][]string{"*": {auth.PermissionRead}},
				AuditEvent:          "negotiations",
			}))
			r.Get("/", s.handleListNegotiations)
			r.Get("/{counterparty}", s.handleNegotiationDetail)
		})
		api.Route("/escrows", func(r chi.Router) {
			r.Use(s.auth.Middleware(auth.MiddlewareConfig{
				RequiredPermissions: map[string][]string{
					http.MethodGet:  {auth.PermissionRead},
					http.MethodPost: {auth.PermissionCancel},
				},
				AuditEvent: "escrows",
			}))
			r.Get("/", s.handleListEscrows)
			r.Get("/{escrow}", s.handleEscrowDetail)
			r.Post("/{escrow}/cancel", s.handleCancelEscrow)
		})
	})
	return r
}

type submitMessageRequest struct {
	ID             string `json:"id"`
	Counterparty   string `json:"counterparty"`
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
	AllianceIntent bool   `json:"alliance_intent"`
}

func (s *Server) handleSubmitMessage(w http.ResponseWriter, r *http.Request) {
	if s.messages == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "消息服务未启用"))
		return
	}
	var req submitMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	created, err := s.messages.Submit(r.Context(), task.SubmitRequest{
		ID: req.ID,
		Message: negotiation.Message{
			Counterparty:   req.Counterparty,
			ConversationID: req.ConversationID,
			Text:           req.Text,
			AllianceIntent: req.AllianceIntent,
		},
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, created)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	if s.messages == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "消息服务未启用"))
		return
	}
	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	items, err := s.messages.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.messages.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messages": items,
		"stats":    stats,
	})
}

func (s *Server) handleMessageDetail(w http.ResponseWriter, r *http.Request) {
	if s.messages == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "消息服务未启用"))
		return
	}
	item, err := s.messages.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleListNegotiations(w http.ResponseWriter, r *http.Request) {
	if s.negotiations == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "谈判存储未启用"))
		return
	}
	states, err := s.negotiations.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if status := strings.TrimSpace(r.URL.Query().Get("status")); status != "" {
		filtered := states[:0]
		for _, state := range states {
			if string(state.Status) == status {
				filtered = append(filtered, state)
			}
		}
		states = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"negotiations": states})
}

func (s *Server) handleNegotiationDetail(w http.ResponseWriter, r *http.Request) {
	if s.negotiations == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "谈判存储未启用"))
		return
	}
	counterparty := negotiation.NormalizeHandle(chi.URLParam(r, "counterparty"))
	state, err := s.negotiations.Get(r.Context(), counterparty)
	if err != nil {
		writeError(w, err)
		return
	}
	if state == nil {
		writeError(w, xerrors.New(xerrors.CodeNotFound, "未找到谈判记录", xerrors.WithMetadata("counterparty", counterparty)))
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleListEscrows(w http.ResponseWriter, r *http.Request) {
	if s.escrows == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "托管轮询未启用"))
		return
	}
	writeJSON(w, http.StatusOK, s.escrows.Snapshot())
}

func (s *Server) handleEscrowDetail(w http.ResponseWriter, r *http.Request) {
	if s.escrows == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "托管轮询未启用"))
		return
	}
	key := chi.URLParam(r, "escrow")
	item, ok := s.escrows.Task(key)
	if !ok {
		writeError(w, xerrors.New(xerrors.CodeNotFound, "未找到轮询任务", xerrors.WithMetadata("escrow", key)))
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleCancelEscrow(w http.ResponseWriter, r *http.Request) {
	if s.escrows == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "托管轮询未启用"))
		return
	}
	key := chi.URLParam(r, "escrow")
	item, err := s.escrows.RequestCancel(r.Context(), key)
	if err != nil {
		writeError(w, err)
		return
	}
	operator := "anonymous"
	if subject := auth.SubjectFromContext(r.Context()); subject != nil {
		operator = subject.Name
	}
	logger.Audit().Info("运维请求取消托管",
		slog.String("escrow", key),
		slog.String("operator", operator),
		slog.String("request_id", chimw.GetReqID(r.Context())),
	)
	writeJSON(w, http.StatusAccepted, item)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if s.escrows != nil {
		body["polling"] = s.escrows.Polling()
	}
	if s.chains != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		snapshots := s.chains.Snapshots(ctx)
		for _, snapshot := range snapshots {
			// 查询失败的链只带 Notes，没有区块高度。
			if snapshot.BlockNumber == "" {
				body["status"] = "degraded"
			}
		}
		body["chains"] = snapshots
	}
	writeJSON(w, http.StatusOK, body)
}

func parseListOptions(r *http.Request) ([]task.ListOption, error) {
	query := r.URL.Query()
	opts := make([]task.ListOption, 0, 6)
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "limit 必须是整数")
		}
		opts = append(opts, task.WithLimit(limit))
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "offset 必须是整数")
		}
		opts = append(opts, task.WithOffset(offset))
	}
	if raw := query.Get("status"); raw != "" {
		var statuses []task.Status
		for _, part := range strings.Split(raw, ",") {
			status := task.Status(strings.TrimSpace(part))
			if !task.IsValidStatus(status) {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的消息状态", xerrors.WithMetadata("status", string(status)))
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if raw := query.Get("counterparty"); raw != "" {
		opts = append(opts, task.WithCounterparty(raw))
	}
	if raw := query.Get("q"); raw != "" {
		opts = append(opts, task.WithQuery(raw))
	}
	if query.Get("order") == "asc" {
		opts = append(opts, task.WithSortOrder(task.SortByUpdatedAsc))
	}
	return opts, nil
}

type errorBody struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := statusFor(code)
	body := errorBody{Code: string(code), Message: err.Error()}
	if e, ok := xerrors.From(err); ok {
		body.Metadata = e.Metadata()
	}
	if status >= http.StatusInternalServerError {
		logger.L().Error("请求处理失败", slog.Any("error", err), slog.String("code", string(code)))
	}
	writeJSON(w, status, map[string]errorBody{"error": body})
}

func statusFor(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument, task.CodeTaskValidation:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, task.CodeTaskNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, task.CodeTaskConflict:
		return http.StatusConflict
	case xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// observeRequests 按路由模板记录请求指标。
func observeRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		metrics.Swap().ObserveHTTPRequest(route, r.Method, ww.Status(), time.Since(start))
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
