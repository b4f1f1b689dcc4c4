package ethereum

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const escrowProgramABI = `[
  {"type":"function","name":"initialize","stateMutability":"nonpayable","inputs":[
    {"name":"seed","type":"bytes32"},
    {"name":"taker","type":"address"},
    {"name":"mintA","type":"address"},
    {"name":"mintB","type":"address"},
    {"name":"depositAmount","type":"uint256"},
    {"name":"expectedTakerAmount","type":"uint256"}],"outputs":[{"name":"escrow","type":"address"}]},
  {"type":"function","name":"exchange","stateMutability":"nonpayable","inputs":[{"name":"escrow","type":"address"}],"outputs":[]},
  {"type":"function","name":"cancel","stateMutability":"nonpayable","inputs":[{"name":"escrow","type":"address"}],"outputs":[]},
  {"type":"function","name":"owner","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]}
]`

const erc20ABI = `[
  {"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]}
]`

var (
	escrowABI = mustParseABI(escrowProgramABI)
	tokenABI  = mustParseABI(erc20ABI)
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("解析内置 ABI 失败: %v", err))
	}
	return parsed
}

// escrowSalt 是托管账户 CREATE2 的盐：keccak256(initializer ++ seed)。
func escrowSalt(initializer common.Address, seed [32]byte) [32]byte {
	var salt [32]byte
	copy(salt[:], crypto.Keccak256(initializer.Bytes(), seed[:]))
	return salt
}

// vaultSalt 是金库 CREATE2 的盐：keccak256(escrow ++ mint)。
func vaultSalt(escrow, mint common.Address) [32]byte {
	var salt [32]byte
	copy(salt[:], crypto.Keccak256(escrow.Bytes(), mint.Bytes()))
	return salt
}

func parseAddress(value string) (common.Address, error) {
	value = strings.TrimSpace(value)
	if !common.IsHexAddress(value) {
		return common.Address{}, fmt.Errorf("非法地址: %q", value)
	}
	return common.HexToAddress(value), nil
}
