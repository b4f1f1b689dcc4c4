package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"OpenMCP-Swap/pkg/logger"
)

// Service 校验运维请求携带的 bearer token。
type Service struct {
	mode Mode
	// tokens 以 token 的 SHA-256 摘要为键，内存中不保留明文。
	tokens map[string]*Subject
	audit  *slog.Logger
}

// NewService 根据配置创建认证服务。
func NewService(cfg Config) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeDisabled
	}
	s := &Service{mode: mode, tokens: make(map[string]*Subject), audit: logger.Audit()}
	switch mode {
	case ModeDisabled:
		return s, nil
	case ModeToken:
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.Mode)
	}

	for _, op := range cfg.Operators {
		name := strings.TrimSpace(op.Name)
		token := strings.TrimSpace(op.Token)
		if name == "" || token == "" {
			return nil, fmt.Errorf("operator %q requires a name and a token", op.Name)
		}
		digest := digestToken(token)
		if _, exists := s.tokens[digest]; exists {
			return nil, fmt.Errorf("operator %s reuses another operator's token", name)
		}
		subject := &Subject{
			Name:        name,
			Permissions: dedupeStrings(op.Permissions),
			Disabled:    op.Disabled,
		}
		subject.normalise()
		s.tokens[digest] = subject
	}
	if len(s.tokens) == 0 {
		return nil, fmt.Errorf("token mode requires at least one operator")
	}
	return s, nil
}

// Mode 返回当前认证模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// AuthenticateRequest 验证授权头并返回对应的运维主体。
func (s *Service) AuthenticateRequest(_ context.Context, authorization string) (*Subject, error) {
	if s == nil || s.mode == ModeDisabled {
		return nil, ErrDisabled
	}
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return nil, ErrMissingToken
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return nil, ErrMissingToken
	}
	digest := digestToken(token)
	for known, subject := range s.tokens {
		if subtle.ConstantTimeCompare([]byte(known), []byte(digest)) == 1 {
			if subject.Disabled {
				return nil, ErrSubjectRevoked
			}
			return subject, nil
		}
	}
	return nil, ErrInvalidToken
}

func digestToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func dedupeStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		key := strings.ToLower(v)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, v)
	}
	return out
}
