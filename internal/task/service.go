package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	xerrors "OpenMCP-Swap/internal/errors"
	"OpenMCP-Swap/internal/negotiation"
	"OpenMCP-Swap/pkg/logger"

	"github.com/google/uuid"
)

// SubmitRequest 描述一条待入队的对手方消息。
type SubmitRequest struct {
	ID      string
	Message negotiation.Message
}

// Service 负责入站消息的登记与查询。
type Service struct {
	store      Store
	producer   Producer
	maxRetries int
	now        func() time.Time
}

// NewService 构造消息服务。
func NewService(store Store, producer Producer, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Service{store: store, producer: producer, maxRetries: maxRetries, now: time.Now}
}

// Submit 登记一条新消息并推送到队列；相同 ID 的重复提交返回已有记录。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Task, error) {
	msg := req.Message
	msg.Counterparty = negotiation.NormalizeHandle(msg.Counterparty)
	if msg.Counterparty == "" {
		return nil, xerrors.New(CodeTaskValidation, "对手方不能为空")
	}
	if strings.TrimSpace(msg.Text) == "" {
		return nil, xerrors.New(CodeTaskValidation, "消息内容不能为空")
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "消息服务未初始化")
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = s.now().UTC()
	}

	id := strings.TrimSpace(req.ID)
	if id != "" {
		task, err := s.store.Get(ctx, id)
		if err == nil {
			return task, nil
		}
		if !stdErrors.Is(err, ErrTaskNotFound) {
			return nil, err
		}
	} else {
		id = uuid.NewString()
	}

	task := &Task{
		ID:         id,
		Message:    msg,
		Status:     StatusPending,
		Attempts:   0,
		MaxRetries: s.maxRetries,
	}
	if err := s.store.Create(ctx, task); err != nil {
		if stdErrors.Is(err, ErrTaskConflict) {
			existing, getErr := s.store.Get(ctx, id)
			if getErr == nil {
				return existing, nil
			}
			if !stdErrors.Is(getErr, ErrTaskNotFound) {
				return nil, getErr
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, id); err != nil {
		logger.L().Error("消息入队失败", slog.Any("error", err), slog.String("message_id", id))
		wrapped := xerrors.Wrap(CodeTaskPublish, err, "发布消息到队列失败")
		_ = s.store.MarkFailed(ctx, id, CodeTaskPublish, wrapped.Error(), true)
		return nil, wrapped
	}
	logger.Audit().Info("消息入队成功",
		slog.String("message_id", id),
		slog.String("counterparty", msg.Counterparty),
		slog.String("conversation_id", msg.ConversationID),
		slog.Int("max_retries", task.MaxRetries),
	)
	return task, nil
}

// Get 返回指定消息的处理状态。
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "消息存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的消息列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "消息存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.List(ctx, options)
}

// Stats 返回符合过滤条件的消息统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (TaskStats, error) {
	if s.store == nil {
		return TaskStats{}, xerrors.New(xerrors.CodeInitializationFailure, "消息存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.Stats(ctx, options)
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// WaitUntilCompleted 轮询消息状态直到处理结束或 ctx 取消。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		task, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.Status == StatusSucceeded || task.Status == StatusFailed {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
