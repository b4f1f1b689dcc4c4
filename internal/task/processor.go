package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "OpenMCP-Swap/internal/errors"
	"OpenMCP-Swap/internal/negotiation"
	"OpenMCP-Swap/internal/observability/alerting"
	"OpenMCP-Swap/internal/observability/metrics"
	"OpenMCP-Swap/pkg/logger"
)

// Executor 把一条对手方消息交给谈判状态机处理。
type Executor interface {
	HandleMessage(ctx context.Context, msg negotiation.Message) (negotiation.Outcome, error)
}

// Processor 负责从队列消费消息并驱动状态机。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动消息处理循环。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置消息消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, id string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	task, err := p.store.Claim(ctx, id)
	if err != nil {
		if stdErrors.Is(err, ErrTaskNotFound) || stdErrors.Is(err, ErrTaskCompleted) ||
			stdErrors.Is(err, ErrTaskExhausted) || stdErrors.Is(err, ErrTaskConflict) {
			p.logDebug("跳过消息", slog.String("message_id", id), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("领取消息失败", slog.Any("error", err), slog.String("message_id", id))
		p.emitAlert(ctx, &Task{ID: id}, CodeTaskProcessing, err, "claim")
		return err
	}

	outcome, execErr := p.executor.HandleMessage(ctx, task.Message)
	if execErr != nil {
		return p.handleExecutionFailure(ctx, task, execErr)
	}

	if err := p.store.MarkSucceeded(ctx, task.ID, outcome); err != nil {
		// 消息已生效，不能再重投，否则状态机会重复处理同一条消息。
		logger.L().Error("标记消息成功状态失败", slog.Any("error", err), slog.String("message_id", task.ID),
			slog.String("action", string(outcome.Action)))
		p.emitAlert(ctx, task, CodeTaskProcessing, err, "bookkeeping")
		return nil
	}
	metrics.Swap().ObserveMessage(string(outcome.Action))
	logger.Audit().Info("消息处理完成",
		slog.String("message_id", task.ID),
		slog.String("counterparty", task.Message.Counterparty),
		slog.String("action", string(outcome.Action)),
		slog.String("status", string(outcome.Status)),
	)
	return nil
}

func (p *Processor) handleExecutionFailure(ctx context.Context, task *Task, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeTaskProcessing
	}
	retryable := xerrors.RetryableError(execErr)
	terminal := task.Attempts >= task.MaxRetries || !retryable

	if storeErr := p.store.MarkFailed(ctx, task.ID, code, execErr.Error(), terminal); storeErr != nil {
		logger.L().Error("标记消息失败状态出错", slog.Any("error", storeErr), slog.String("message_id", task.ID))
		return storeErr
	}
	logger.Audit().Warn("消息处理失败",
		slog.String("message_id", task.ID),
		slog.String("counterparty", task.Message.Counterparty),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", task.Attempts),
		slog.Int("max_retries", task.MaxRetries),
	)

	if terminal {
		metrics.Swap().ObserveMessage("failed")
		stage := "terminal"
		if !retryable {
			stage = "non_retryable"
		}
		p.emitAlert(ctx, task, code, execErr, stage)
		return nil
	}

	metrics.Swap().ObserveMessage("retry")
	if pubErr := p.producer.Publish(ctx, task.ID); pubErr != nil {
		return xerrors.Wrap(CodeTaskPublish, pubErr, fmt.Sprintf("消息 %s 重投失败", task.ID))
	}
	p.logDebug("消息已重新排队", slog.String("message_id", task.ID), slog.Int("attempts", task.Attempts))
	return nil
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		p.logger.Debug(msg, args...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, task *Task, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || task == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	metadata := map[string]string{
		"stage":      stage,
		"message_id": task.ID,
	}
	if task.Message.Counterparty != "" {
		metadata["counterparty"] = task.Message.Counterparty
	}
	if cause != nil {
		message = cause.Error()
		metadata["cause"] = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		Attempts:   task.Attempts,
		Metadata:   metadata,
		OccurredAt: time.Now().UTC(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("message_id", task.ID),
			slog.String("stage", stage),
		)
	}
}
