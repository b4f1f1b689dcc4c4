package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"OpenMCP-Swap/internal/config"
	"OpenMCP-Swap/internal/web3"
	"OpenMCP-Swap/internal/web3/ethereum"
)

// Factory builds a chain client for one chain definition.
type Factory func(ctx context.Context, name string, def web3.ChainDefinition) (web3.EscrowChain, error)

// Registry manages a set of escrow chain clients keyed by human readable names.
type Registry struct {
	defaultChain string
	clients      map[string]web3.EscrowChain
	programs     map[string]web3.EscrowProgram
}

// NewRegistry loads chain definitions and instantiates concrete clients.
func NewRegistry(ctx context.Context, cfg config.Web3Config) (*Registry, error) {
	receiptPoll := time.Duration(cfg.ReceiptPollSeconds) * time.Second
	return NewRegistryWithFactory(ctx, cfg, func(ctx context.Context, name string, def web3.ChainDefinition) (web3.EscrowChain, error) {
		return ethereum.NewClient(ctx, ethereum.Config{
			Name:        name,
			RPCURL:      def.RPCURL,
			Notes:       def.Description,
			Program:     def.Escrow,
			ReceiptPoll: receiptPoll,
		})
	})
}

// NewRegistryWithFactory is NewRegistry with a custom client constructor.
func NewRegistryWithFactory(ctx context.Context, cfg config.Web3Config, factory Factory) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}
	if len(defs.Chains) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		defs.Chains["default"] = web3.ChainDefinition{Type: "evm", RPCURL: cfg.RPCURL}
		if cfg.DefaultChain == "" {
			cfg.DefaultChain = "default"
		}
	}

	clients := make(map[string]web3.EscrowChain)
	programs := make(map[string]web3.EscrowProgram)
	for name, chain := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType == "" {
			chainType = "evm"
		}
		if chainType != "evm" {
			closeAll(clients)
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
		}
		if chain.Escrow.Address == "" {
			chain.Escrow = cfg.Program
		}
		client, err := factory(ctx, name, chain)
		if err != nil {
			closeAll(clients)
			return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
		}
		clients[name] = client
		programs[name] = chain.Escrow
	}

	if len(clients) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}

	defaultChain := cfg.DefaultChain
	if defaultChain == "" {
		names := make([]string, 0, len(clients))
		for name := range clients {
			names = append(names, name)
		}
		sort.Strings(names)
		defaultChain = names[0]
	}
	if _, ok := clients[defaultChain]; !ok {
		closeAll(clients)
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultChain)
	}

	return &Registry{defaultChain: defaultChain, clients: clients, programs: programs}, nil
}

func closeAll(clients map[string]web3.EscrowChain) {
	for _, client := range clients {
		client.Close()
	}
}

// DefaultClient returns the client configured as default chain.
func (r *Registry) DefaultClient() (web3.EscrowChain, error) {
	if r == nil {
		return nil, errors.New("未初始化的链客户端注册表")
	}
	client, ok := r.clients[r.defaultChain]
	if !ok {
		return nil, fmt.Errorf("默认链 %s 未在注册表中", r.defaultChain)
	}
	return client, nil
}

// DefaultProgram returns the escrow program resolved for the default chain,
// including the fallback to the top-level program config.
func (r *Registry) DefaultProgram() web3.EscrowProgram {
	if r == nil {
		return web3.EscrowProgram{}
	}
	return r.programs[r.defaultChain]
}

// Client returns the chain client identified by name.
func (r *Registry) Client(name string) (web3.EscrowChain, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[name]
	return client, ok
}

// Snapshots collects chain metadata from every client able to report it.
func (r *Registry) Snapshots(ctx context.Context) map[string]web3.ChainSnapshot {
	out := make(map[string]web3.ChainSnapshot)
	if r == nil {
		return out
	}
	for name, client := range r.clients {
		provider, ok := client.(web3.SnapshotProvider)
		if !ok {
			continue
		}
		snapshot, err := provider.FetchChainSnapshot(ctx)
		if err != nil {
			snapshot = web3.ChainSnapshot{Name: name, Notes: err.Error()}
		}
		out[name] = snapshot
	}
	return out
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, client := range r.clients {
		if client != nil {
			client.Close()
		}
		delete(r.clients, name)
	}
}

// Chains returns the list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
