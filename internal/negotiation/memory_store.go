package negotiation

import (
	"context"
	"sort"
	"sync"

	xerrors "OpenMCP-Swap/internal/errors"
)

// MemoryStore 将谈判状态保存在进程内存中。
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]*State
}

// NewMemoryStore 创建一个新的 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]*State)}
}

// Get 返回状态副本。
func (s *MemoryStore) Get(_ context.Context, counterparty string) (*State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.states[counterparty].Clone(), nil
}

// Put 覆盖写入状态。
func (s *MemoryStore) Put(_ context.Context, state *State) error {
	if state == nil || state.Counterparty == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "谈判状态缺少对手方")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.Counterparty] = state.Clone()
	return nil
}

// Delete 删除状态。
func (s *MemoryStore) Delete(_ context.Context, counterparty string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, counterparty)
	return nil
}

// List 按最近交互时间倒序返回全部状态。
func (s *MemoryStore) List(_ context.Context) ([]*State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*State, 0, len(s.states))
	for _, state := range s.states {
		out = append(out, state.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastInteraction.After(out[j].LastInteraction)
	})
	return out, nil
}

// Close 实现 Store。
func (s *MemoryStore) Close() error { return nil }
