// Package polling 持久化在途托管任务，定期检查金库余额并推进交换或取消。
package polling

import (
	"sort"
	"strings"
	"time"

	"OpenMCP-Swap/internal/escrow"
)

// DefaultThreshold 是触发交换所需的最小到账比例。
const DefaultThreshold = 0.95

// Status 表示轮询任务状态。
type Status string

const (
	StatusPending       Status = "pending"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
	StatusRequestCancel Status = "request_cancel"
	StatusCancelled     Status = "cancelled"
)

// Active 表示任务仍需由轮询处理。
func (s Status) Active() bool {
	return s == StatusPending || s == StatusRequestCancel
}

// Final 表示链上结果已确定，合并时不会被任何一侧改写。
func (s Status) Final() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Valid 判断状态是否可识别。
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed, StatusRequestCancel, StatusCancelled:
		return true
	}
	return false
}

// Task 是持久化的轮询任务。
type Task struct {
	ID               string            `json:"id"`
	Escrow           string            `json:"escrow"`
	Vault            string            `json:"vault"`
	Mint             string            `json:"mint"`
	ExpectedAmount   float64           `json:"expected_amount"`
	Threshold        float64           `json:"threshold"`
	Status           Status            `json:"status"`
	LastBalance      float64           `json:"last_balance"`
	LastChecked      *time.Time        `json:"last_checked,omitempty"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
	Error            string            `json:"error,omitempty"`
	ExchangeAttempts int               `json:"exchange_attempts"`
	ExchangeTx       string            `json:"exchange_tx,omitempty"`
	CancelTx         string            `json:"cancel_tx,omitempty"`
	Notified         bool              `json:"notified"`
	Accounts         escrow.Accounts   `json:"accounts"`
	Context          map[string]string `json:"context,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// Key 返回合并时使用的稳定键。
func (t *Task) Key() string {
	if t.Escrow != "" {
		return t.Escrow
	}
	return t.ID
}

// Clone 返回任务的深拷贝。
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	out := *t
	if t.LastChecked != nil {
		checked := *t.LastChecked
		out.LastChecked = &checked
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		out.CompletedAt = &completed
	}
	if t.Context != nil {
		out.Context = make(map[string]string, len(t.Context))
		for k, v := range t.Context {
			out.Context[k] = v
		}
	}
	return &out
}

// State 是整体持久化的任务集合。Archive 中的任务已结束，不再参与轮询。
type State struct {
	Tasks        []*Task   `json:"tasks"`
	Archive      []*Task   `json:"archive"`
	LastPollTime time.Time `json:"last_poll_time"`
}

// taskSet 以稳定键索引全部任务，活跃与归档由状态决定。
type taskSet map[string]*Task

func (s taskSet) absorb(state *State) {
	if state == nil {
		return
	}
	for _, list := range [][]*Task{state.Tasks, state.Archive} {
		for _, task := range list {
			if task == nil || task.Key() == "" {
				continue
			}
			s[task.Key()] = task.Clone()
		}
	}
}

// lookup 按托管地址查找任务，地址大小写不敏感。
func (s taskSet) lookup(key string) (*Task, bool) {
	key = strings.TrimSpace(key)
	if task, ok := s[key]; ok {
		return task, true
	}
	for k, task := range s {
		if strings.EqualFold(k, key) {
			return task, true
		}
	}
	return nil, false
}

func (s taskSet) state(lastPoll time.Time) *State {
	ordered := make([]*Task, 0, len(s))
	for _, task := range s {
		ordered = append(ordered, task)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if !ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
		}
		return ordered[i].Key() < ordered[j].Key()
	})
	out := &State{Tasks: []*Task{}, Archive: []*Task{}, LastPollTime: lastPoll}
	for _, task := range ordered {
		if task.Status.Active() {
			out.Tasks = append(out.Tasks, task.Clone())
		} else {
			out.Archive = append(out.Archive, task.Clone())
		}
	}
	return out
}

func (s taskSet) active() int {
	count := 0
	for _, task := range s {
		if task.Status.Active() {
			count++
		}
	}
	return count
}

// ThresholdMet 判断当前到账数量是否达到预期的 threshold 比例。
func ThresholdMet(current, expected, threshold float64) bool {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return current >= expected*threshold
}
