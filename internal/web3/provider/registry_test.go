package provider

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"OpenMCP-Swap/internal/config"
	"OpenMCP-Swap/internal/web3"
)

type stubChain struct {
	web3.EscrowChain
	def    web3.ChainDefinition
	closed bool
}

func (s *stubChain) Close() { s.closed = true }

func TestRegistryLoadsChainsAndFallsBackToProgram(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chains.yaml")
	body := `chains:
  sepolia:
    type: evm
    rpc_url: http://sepolia.local
  base:
    rpc_url: http://base.local
    escrow:
      address: "0x00000000000000000000000000000000000000b5"
      vault_runtime_code_hash: "0xb5c0de"
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write chains: %v", err)
	}

	built := map[string]*stubChain{}
	reg, err := NewRegistryWithFactory(context.Background(), config.Web3Config{
		ChainConfig: path,
		Program:     web3.EscrowProgram{Address: "0x00000000000000000000000000000000000000e5"},
	}, func(_ context.Context, name string, def web3.ChainDefinition) (web3.EscrowChain, error) {
		stub := &stubChain{def: def}
		built[name] = stub
		return stub, nil
	})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	if got := reg.Chains(); len(got) != 2 || got[0] != "base" {
		t.Fatalf("unexpected chains %v", got)
	}
	if built["sepolia"].def.Escrow.Address != "0x00000000000000000000000000000000000000e5" {
		t.Fatalf("expected program fallback, got %+v", built["sepolia"].def.Escrow)
	}
	if built["base"].def.Escrow.Address != "0x00000000000000000000000000000000000000b5" {
		t.Fatalf("per-chain program should win")
	}
	if got := reg.DefaultProgram().VaultRuntimeHash; got != "0xb5c0de" {
		t.Fatalf("expected default program vault hash, got %q", got)
	}
	client, err := reg.DefaultClient()
	if err != nil || client != built["base"] {
		t.Fatalf("expected base as default, got %v %v", client, err)
	}

	reg.Close()
	if !built["base"].closed || !built["sepolia"].closed {
		t.Fatalf("expected clients closed")
	}
}

func TestRegistryUsesRPCURLWithoutChainFile(t *testing.T) {
	reg, err := NewRegistryWithFactory(context.Background(), config.Web3Config{RPCURL: "http://localhost:8545"},
		func(_ context.Context, _ string, def web3.ChainDefinition) (web3.EscrowChain, error) {
			return &stubChain{def: def}, nil
		})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if _, ok := reg.Client("default"); !ok {
		t.Fatalf("expected default chain")
	}
	if _, err := NewRegistryWithFactory(context.Background(), config.Web3Config{}, nil); err == nil {
		t.Fatalf("expected error without endpoints")
	}
}
