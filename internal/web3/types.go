package web3

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
)

// ErrBlockHeightExceeded 表示交易在有效区块窗口内未被打包，可以换一个参考区块重新提交。
var ErrBlockHeightExceeded = errors.New("block height exceeded: transaction validity window expired")

// ErrTransactionNotFound 表示链上查不到指定交易。
var ErrTransactionNotFound = errors.New("transaction not found")

// InstructionKind 枚举托管程序支持的指令。
type InstructionKind string

const (
	InstructionApprove    InstructionKind = "approve"
	InstructionInitialize InstructionKind = "initialize"
	InstructionTransfer   InstructionKind = "transfer"
	InstructionExchange   InstructionKind = "exchange"
	InstructionCancel     InstructionKind = "cancel"
)

// EscrowTerms 是 initialize 指令记录在托管账户中的交换条款。
type EscrowTerms struct {
	Seed                [32]byte
	Initializer         string
	Taker               string
	MintA               string
	MintB               string
	DepositAmount       *big.Int
	ExpectedTakerAmount *big.Int
}

// Instruction 描述一次待提交的链上调用。
type Instruction struct {
	Kind InstructionKind
	// Program 是被调用的合约地址：托管程序或代币合约。
	Program string
	Terms   *EscrowTerms
	Escrow  string
	To      string
	Amount  *big.Int
}

// SubmitOptions 控制单次提交。
type SubmitOptions struct {
	// PriorityFee 是给出块者的小费（wei）。
	PriorityFee *big.Int
	// ValidityBlocks 是交易允许等待打包的区块数。
	ValidityBlocks uint64
	// Nonce 非空时复用该 nonce，保证重试的多笔交易最多只有一笔上链。
	Nonce *uint64
}

// Receipt 汇总一次成功提交的结果。
type Receipt struct {
	TxHash      string
	BlockNumber uint64
	Nonce       uint64
}

// TxInfo 是按交易哈希查询得到的交易概要。
type TxInfo struct {
	Hash    string
	From    string
	To      string
	Success bool
	Kind    InstructionKind
	// Terms 仅在交易为 initialize 时解析。
	Terms    *EscrowTerms
	Accounts []string
}

// AccountInfo 描述链上账户的归属与布局。
type AccountInfo struct {
	Address string
	Exists  bool
	Owner   string
	Layout  string
}

// ChainSnapshot 是健康检查展示的链元数据。
type ChainSnapshot struct {
	Name        string `json:"name"`
	ChainID     string `json:"chain_id"`
	BlockNumber string `json:"block_number"`
	Program     string `json:"program"`
	Notes       string `json:"notes,omitempty"`
}

// SnapshotProvider 由能够报告链状态的客户端实现。
type SnapshotProvider interface {
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
}

// TokenReader 读取代币精度与余额。
type TokenReader interface {
	MintDecimals(ctx context.Context, mint string) (uint8, error)
	TokenBalance(ctx context.Context, mint, owner string) (*big.Int, error)
}

// EscrowChain 定义了托管交换所依赖的全部链上能力。
type EscrowChain interface {
	TokenReader
	ProgramID() string
	DeriveEscrowAddress(initializer string, seed [32]byte) (string, error)
	DeriveVaultAddress(escrow, mint string) (string, error)
	Submit(ctx context.Context, signer *ecdsa.PrivateKey, ix Instruction, opts SubmitOptions) (Receipt, error)
	Transaction(ctx context.Context, hash string) (*TxInfo, error)
	AccountInfo(ctx context.Context, address string) (*AccountInfo, error)
	Close()
}
