package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	xerrors "OpenMCP-Swap/internal/errors"
	"OpenMCP-Swap/internal/negotiation"

	"github.com/redis/go-redis/v9"
)

// DefaultPrefix 是未配置前缀时使用的键前缀。
const DefaultPrefix = "swapagent:negotiation"

// Config 描述 Redis 连接参数。
type Config struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// Client 是存储用到的 Redis 命令子集，*redis.Client 满足该接口。
type Client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
	Close() error
}

// NegotiationStore 将每个对手方的状态保存为一个 JSON 字符串，并用集合维护索引。
type NegotiationStore struct {
	client Client
	prefix string
}

// NewNegotiationStore 连接 Redis 并返回存储。
func NewNegotiationStore(ctx context.Context, cfg Config) (*NegotiationStore, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	return NewNegotiationStoreWithClient(client, cfg.Prefix), nil
}

// NewNegotiationStoreWithClient 使用已有客户端创建存储。
func NewNegotiationStoreWithClient(client Client, prefix string) *NegotiationStore {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &NegotiationStore{client: client, prefix: prefix}
}

func (s *NegotiationStore) key(counterparty string) string {
	return fmt.Sprintf("%s:%s", s.prefix, counterparty)
}

func (s *NegotiationStore) indexKey() string {
	return s.prefix + ":index"
}

// Get 实现 negotiation.Store。
func (s *NegotiationStore) Get(ctx context.Context, counterparty string) (*negotiation.State, error) {
	raw, err := s.client.Get(ctx, s.key(counterparty)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取谈判状态失败", xerrors.WithMetadata("counterparty", counterparty))
	}
	var state negotiation.State
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析谈判状态失败", xerrors.WithMetadata("counterparty", counterparty))
	}
	return &state, nil
}

// Put 写入状态并登记索引。
func (s *NegotiationStore) Put(ctx context.Context, state *negotiation.State) error {
	if state == nil || strings.TrimSpace(state.Counterparty) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "谈判状态缺少对手方")
	}
	encoded, err := json.Marshal(state)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码谈判状态失败")
	}
	if err := s.client.Set(ctx, s.key(state.Counterparty), encoded, 0).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入谈判状态失败", xerrors.WithMetadata("counterparty", state.Counterparty))
	}
	if err := s.client.SAdd(ctx, s.indexKey(), state.Counterparty).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新谈判索引失败", xerrors.WithMetadata("counterparty", state.Counterparty))
	}
	return nil
}

// Delete 删除状态及其索引。
func (s *NegotiationStore) Delete(ctx context.Context, counterparty string) error {
	if err := s.client.Del(ctx, s.key(counterparty)).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除谈判状态失败", xerrors.WithMetadata("counterparty", counterparty))
	}
	if err := s.client.SRem(ctx, s.indexKey(), counterparty).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新谈判索引失败", xerrors.WithMetadata("counterparty", counterparty))
	}
	return nil
}

// List 返回索引中的全部状态，按最近交互时间倒序。索引中残留但已不存在的键会被跳过。
func (s *NegotiationStore) List(ctx context.Context) ([]*negotiation.State, error) {
	members, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取谈判索引失败")
	}
	states := make([]*negotiation.State, 0, len(members))
	for _, member := range members {
		state, err := s.Get(ctx, member)
		if err != nil {
			return nil, err
		}
		if state != nil {
			states = append(states, state)
		}
	}
	sort.Slice(states, func(i, j int) bool {
		if states[i].LastInteraction.Equal(states[j].LastInteraction) {
			return states[i].Counterparty < states[j].Counterparty
		}
		return states[i].LastInteraction.After(states[j].LastInteraction)
	})
	return states, nil
}

// Close 关闭 Redis 连接。
func (s *NegotiationStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

var _ negotiation.Store = (*NegotiationStore)(nil)
