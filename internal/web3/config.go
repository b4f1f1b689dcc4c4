package web3

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ChainDefinitions models the structure of configs/chains.yaml.
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes a single chain endpoint and the escrow program
// deployed on it.
type ChainDefinition struct {
	Type        string        `yaml:"type"`
	RPCURL      string        `yaml:"rpc_url"`
	ChainID     int64         `yaml:"chain_id"`
	Description string        `yaml:"description"`
	Escrow      EscrowProgram `yaml:"escrow"`
}

// EscrowProgram identifies the swap escrow contract and the CREATE2 init code
// hashes it uses for escrow records and vaults.
type EscrowProgram struct {
	Address           string `yaml:"address" json:"address"`
	EscrowInitHash    string `yaml:"escrow_init_code_hash" json:"escrow_init_code_hash"`
	VaultInitHash     string `yaml:"vault_init_code_hash" json:"vault_init_code_hash"`
	VaultRuntimeHash  string `yaml:"vault_runtime_code_hash" json:"vault_runtime_code_hash"`
	EscrowRuntimeHash string `yaml:"escrow_runtime_code_hash" json:"escrow_runtime_code_hash"`
}

// LoadChainDefinitions parses the YAML file containing chain metadata.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}

	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	return defs, nil
}
