package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// MiddlewareConfig 描述一组路由的权限要求。
type MiddlewareConfig struct {
	// RequiredPermissions 以 HTTP 方法为键，"*" 作为未列出方法的兜底。
	RequiredPermissions map[string][]string
	// AuditEvent 是审计日志中的事件名，为空时使用请求路径。
	AuditEvent string
}

func (cfg MiddlewareConfig) permissionsFor(method string) []string {
	if perms, ok := cfg.RequiredPermissions[method]; ok {
		return perms
	}
	return cfg.RequiredPermissions["*"]
}

func (cfg MiddlewareConfig) event(r *http.Request) string {
	if cfg.AuditEvent != "" {
		return cfg.AuditEvent
	}
	return r.URL.Path
}

// statusForError 将认证失败映射为 HTTP 状态码。
func statusForError(err error) int {
	switch {
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrSubjectRevoked):
		return http.StatusForbidden
	default:
		return http.StatusUnauthorized
	}
}

// Middleware 校验 bearer token 与方法对应的权限，并为每个放行的请求写一条审计日志。
// 认证关闭时原样放行。
func (s *Service) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if s.Mode() == ModeDisabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject, err := s.AuthenticateRequest(r.Context(), r.Header.Get("Authorization"))
			if err == nil {
				err = subject.Authorize(cfg.permissionsFor(r.Method)...)
			}
			if err != nil {
				s.deny(w, r, cfg, subject, err)
				return
			}

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(WithSubject(r.Context(), subject)))
			s.audit.Info("api_request",
				slog.String("event", cfg.event(r)),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.String("operator", subject.Name),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

func (s *Service) deny(w http.ResponseWriter, r *http.Request, cfg MiddlewareConfig, subject *Subject, err error) {
	status := statusForError(err)
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="swapagent"`)
	}
	http.Error(w, http.StatusText(status), status)

	attrs := []any{
		slog.String("event", cfg.event(r)),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.String("error", err.Error()),
	}
	if subject != nil {
		attrs = append(attrs, slog.String("operator", subject.Name))
	}
	s.audit.Warn("access_denied", attrs...)
}
