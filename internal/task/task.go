package task

import (
	stdErrors "errors"

	xerrors "OpenMCP-Swap/internal/errors"
	"OpenMCP-Swap/internal/negotiation"
)

// Status 表示入站消息在处理流水线中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Task 是排队等待谈判状态机处理的一条对手方消息。
type Task struct {
	ID         string               `json:"id"`
	Message    negotiation.Message  `json:"message"`
	Status     Status               `json:"status"`
	Attempts   int                  `json:"attempts"`
	MaxRetries int                  `json:"max_retries"`
	LastError  string               `json:"last_error,omitempty"`
	ErrorCode  string               `json:"error_code,omitempty"`
	Outcome    *negotiation.Outcome `json:"outcome,omitempty"`
	CreatedAt  int64                `json:"created_at"`
	UpdatedAt  int64                `json:"updated_at"`
}

var (
	// ErrTaskNotFound 表示指定的消息不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "message not found")
	// ErrTaskConflict 表示消息在当前状态下无法进行所请求的操作。
	ErrTaskConflict = xerrors.New(CodeTaskConflict, "message conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrTaskCompleted 表示消息已经处理完成。
	ErrTaskCompleted = xerrors.New(CodeTaskCompleted, "message already processed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrTaskExhausted 表示消息的重试次数已经耗尽。
	ErrTaskExhausted = xerrors.New(CodeTaskExhausted, "message retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodeTaskNotFound   xerrors.Code = "MESSAGE_NOT_FOUND"
	CodeTaskConflict   xerrors.Code = "MESSAGE_CONFLICT"
	CodeTaskCompleted  xerrors.Code = "MESSAGE_COMPLETED"
	CodeTaskExhausted  xerrors.Code = "MESSAGE_RETRIES_EXHAUSTED"
	CodeTaskValidation xerrors.Code = "MESSAGE_VALIDATION_FAILED"
	CodeTaskPublish    xerrors.Code = "MESSAGE_PUBLISH_FAILED"
	CodeTaskProcessing xerrors.Code = "MESSAGE_PROCESSING_FAILED"
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:  "message not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTaskConflict, xerrors.Attributes{
		Message:  "message conflict",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeTaskCompleted, xerrors.Attributes{
		Message:  "message already processed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTaskExhausted, xerrors.Attributes{
		Message:  "message retries exhausted",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeTaskValidation, xerrors.Attributes{
		Message:  "message validation failed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTaskPublish, xerrors.Attributes{
		Message:   "failed to publish message",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeTaskProcessing, xerrors.Attributes{
		Message:   "message processing failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// IsTaskError 判断错误是否为指定的流水线错误。
func IsTaskError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	switch {
	case stdErrors.Is(err, ErrTaskNotFound):
		return target == CodeTaskNotFound
	case stdErrors.Is(err, ErrTaskConflict):
		return target == CodeTaskConflict
	case stdErrors.Is(err, ErrTaskCompleted):
		return target == CodeTaskCompleted
	case stdErrors.Is(err, ErrTaskExhausted):
		return target == CodeTaskExhausted
	}
	return false
}

// IsValidStatus 检查给定的状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}

func cloneTask(task *Task) *Task {
	if task == nil {
		return nil
	}
	clone := *task
	if task.Outcome != nil {
		outcome := *task.Outcome
		if task.Outcome.Offer != nil {
			offer := *task.Outcome.Offer
			outcome.Offer = &offer
		}
		clone.Outcome = &outcome
	}
	return &clone
}
