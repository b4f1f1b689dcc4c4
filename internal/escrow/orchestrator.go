// Package escrow 负责构建、提交并核验链上托管交换的各个步骤。
package escrow

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	xerrors "OpenMCP-Swap/internal/errors"
	"OpenMCP-Swap/internal/observability/metrics"
	"OpenMCP-Swap/internal/web3"
	"OpenMCP-Swap/pkg/logger"
)

const (
	defaultSubmitAttempts = 3
	defaultValidityBlocks = 150
	defaultTolerance      = 0.000001
)

// Orchestrator 驱动单个托管实例：创建、注资、交换、取消与核验。
type Orchestrator struct {
	chain            web3.EscrowChain
	keys             KeyResolver
	priorityFee      *big.Int
	validityBlocks   uint64
	attempts         int
	tolerance        float64
	vaultRuntimeHash string
	metrics          *metrics.SwapMetrics
	log              *slog.Logger
}

// Option 自定义 Orchestrator。
type Option func(*Orchestrator)

// WithPriorityFee 设置首次提交的小费（wei）。
func WithPriorityFee(wei *big.Int) Option {
	return func(o *Orchestrator) {
		if wei != nil && wei.Sign() > 0 {
			o.priorityFee = new(big.Int).Set(wei)
		}
	}
}

// WithValidityBlocks 设置单次提交的有效区块数。
func WithValidityBlocks(blocks uint64) Option {
	return func(o *Orchestrator) {
		if blocks > 0 {
			o.validityBlocks = blocks
		}
	}
}

// WithSubmitAttempts 设置有效窗口过期时的最大提交次数。
func WithSubmitAttempts(attempts int) Option {
	return func(o *Orchestrator) {
		if attempts > 0 {
			o.attempts = attempts
		}
	}
}

// WithTolerance 设置存款核对的绝对误差（界面金额）。
func WithTolerance(tolerance float64) Option {
	return func(o *Orchestrator) {
		if tolerance > 0 {
			o.tolerance = tolerance
		}
	}
}

// WithVaultRuntimeHash 设置金库合约的运行时代码哈希，用于校验布局。
func WithVaultRuntimeHash(hash string) Option {
	return func(o *Orchestrator) {
		o.vaultRuntimeHash = strings.TrimSpace(hash)
	}
}

// WithMetrics 注入指标集合。
func WithMetrics(m *metrics.SwapMetrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// NewOrchestrator 创建 Orchestrator。
func NewOrchestrator(chain web3.EscrowChain, keys KeyResolver, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		chain:          chain,
		keys:           keys,
		validityBlocks: defaultValidityBlocks,
		attempts:       defaultSubmitAttempts,
		tolerance:      defaultTolerance,
		log:            logger.Named("escrow"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SetupEscrow 以我方为发起方创建托管并存入我方代币。
func (o *Orchestrator) SetupEscrow(ctx context.Context, req SetupRequest) (Setup, error) {
	return o.InitializeEscrow(ctx, req)
}

// InitializeEscrow 生成随机 seed，推导托管与金库地址，授权并提交 initialize。
func (o *Orchestrator) InitializeEscrow(ctx context.Context, req SetupRequest) (Setup, error) {
	if req.Initializer == "" || req.Taker == "" || req.MintA == "" || req.MintB == "" {
		return Setup{}, xerrors.New(xerrors.CodeInvalidArgument, "托管参数不完整")
	}
	signer, err := o.keys.Resolve(req.SignerRef)
	if err != nil {
		return Setup{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析签名密钥失败")
	}

	decimalsA, err := o.chain.MintDecimals(ctx, req.MintA)
	if err != nil {
		return Setup{}, xerrors.Wrap(xerrors.CodeChainFailure, err, "读取代币精度失败", xerrors.WithMetadata("mint", req.MintA))
	}
	decimalsB, err := o.chain.MintDecimals(ctx, req.MintB)
	if err != nil {
		return Setup{}, xerrors.Wrap(xerrors.CodeChainFailure, err, "读取代币精度失败", xerrors.WithMetadata("mint", req.MintB))
	}
	deposit := web3.ToRaw(req.DepositAmount, decimalsA)
	expected := web3.ToRaw(req.ExpectedTakerAmount, decimalsB)
	if deposit.Sign() <= 0 || expected.Sign() <= 0 {
		return Setup{}, xerrors.New(xerrors.CodeInvalidArgument, "托管金额必须为正")
	}

	var seed [32]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return Setup{}, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "生成托管 seed 失败")
	}
	accounts, err := o.deriveAccounts(req.Initializer, req.Taker, req.MintA, req.MintB, seed)
	if err != nil {
		return Setup{}, err
	}
	accounts.SignerRef = req.SignerRef

	approve, err := o.submit(ctx, signer, web3.Instruction{
		Kind:    web3.InstructionApprove,
		Program: req.MintA,
		To:      o.chain.ProgramID(),
		Amount:  deposit,
	}, accounts.Escrow)
	if err != nil {
		return Setup{}, err
	}

	initialize, err := o.submit(ctx, signer, web3.Instruction{
		Kind:    web3.InstructionInitialize,
		Program: o.chain.ProgramID(),
		Terms: &web3.EscrowTerms{
			Seed:                seed,
			Initializer:         req.Initializer,
			Taker:               req.Taker,
			MintA:               req.MintA,
			MintB:               req.MintB,
			DepositAmount:       deposit,
			ExpectedTakerAmount: expected,
		},
	}, accounts.Escrow)
	if err != nil {
		return Setup{}, err
	}

	o.log.Info("托管已创建",
		slog.String("escrow", accounts.Escrow),
		slog.String("tx", initialize.TxHash),
		slog.String("deposit", deposit.String()),
		slog.String("expected", expected.String()))
	return Setup{
		Accounts:    accounts,
		ApproveTx:   approve.TxHash,
		InitTx:      initialize.TxHash,
		DepositRaw:  deposit,
		ExpectedRaw: expected,
	}, nil
}

func (o *Orchestrator) deriveAccounts(initializer, taker, mintA, mintB string, seed [32]byte) (Accounts, error) {
	escrowAddr, err := o.chain.DeriveEscrowAddress(initializer, seed)
	if err != nil {
		return Accounts{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "推导托管地址失败")
	}
	vaultA, err := o.chain.DeriveVaultAddress(escrowAddr, mintA)
	if err != nil {
		return Accounts{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "推导金库地址失败")
	}
	vaultB, err := o.chain.DeriveVaultAddress(escrowAddr, mintB)
	if err != nil {
		return Accounts{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "推导金库地址失败")
	}
	return Accounts{
		Initializer:       initializer,
		Taker:             taker,
		MintA:             mintA,
		MintB:             mintB,
		InitializerTokenA: initializer,
		InitializerTokenB: initializer,
		TakerTokenA:       taker,
		TakerTokenB:       taker,
		Escrow:            escrowAddr,
		VaultA:            vaultA,
		VaultB:            vaultB,
		Seed:              "0x" + hex.EncodeToString(seed[:]),
	}, nil
}

// TransferToVault 将我方代币转入金库。
func (o *Orchestrator) TransferToVault(ctx context.Context, signerRef, mint, vault string, amount *big.Int) (string, error) {
	if amount == nil || amount.Sign() <= 0 {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "转账金额必须为正")
	}
	signer, err := o.keys.Resolve(signerRef)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析签名密钥失败")
	}
	receipt, err := o.submit(ctx, signer, web3.Instruction{
		Kind:    web3.InstructionTransfer,
		Program: mint,
		To:      vault,
		Amount:  amount,
	}, vault)
	if err != nil {
		return "", err
	}
	return receipt.TxHash, nil
}

// ExecuteExchange 提交原子交换。调用方需先确认金库已注资。
func (o *Orchestrator) ExecuteExchange(ctx context.Context, accounts Accounts) (string, error) {
	return o.programCall(ctx, web3.InstructionExchange, accounts)
}

// CancelEscrow 提交取消指令，金库内资产退回各自存入方。
func (o *Orchestrator) CancelEscrow(ctx context.Context, accounts Accounts) (string, error) {
	return o.programCall(ctx, web3.InstructionCancel, accounts)
}

func (o *Orchestrator) programCall(ctx context.Context, kind web3.InstructionKind, accounts Accounts) (string, error) {
	if accounts.Escrow == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "缺少托管地址")
	}
	signer, err := o.keys.Resolve(accounts.SignerRef)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析签名密钥失败")
	}
	receipt, err := o.submit(ctx, signer, web3.Instruction{
		Kind:    kind,
		Program: o.chain.ProgramID(),
		Escrow:  accounts.Escrow,
	}, accounts.Escrow)
	if err != nil {
		return "", err
	}
	return receipt.TxHash, nil
}

func describe(ix web3.Instruction) string {
	return fmt.Sprintf("%s@%s", ix.Kind, ix.Program)
}
