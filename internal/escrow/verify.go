package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"regexp"
	"strings"

	xerrors "OpenMCP-Swap/internal/errors"
	"OpenMCP-Swap/internal/web3"
)

var txRefPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

func sameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

func invalid(format string, args ...any) *Verification {
	return &Verification{Reason: fmt.Sprintf(format, args...)}
}

// VerifyEscrowSetup 独立核验对方提供的交易引用：托管账户归属于托管程序，
// 两个金库的布局正确，且对方存款在允许误差内。核验不通过时返回 Valid=false，
// 只有 RPC 失败才返回错误。
func (o *Orchestrator) VerifyEscrowSetup(ctx context.Context, txRef string, expect Expectation) (*Verification, error) {
	result, err := o.verify(ctx, strings.TrimSpace(txRef), expect)
	if err != nil {
		o.metrics.ObserveVerification("error")
		return nil, err
	}
	if !result.Valid {
		o.metrics.ObserveVerification("rejected")
		o.log.Warn("托管核验未通过", slog.String("tx", txRef), slog.String("reason", result.Reason))
		return result, nil
	}
	o.metrics.ObserveVerification("verified")
	return result, nil
}

func (o *Orchestrator) verify(ctx context.Context, txRef string, expect Expectation) (*Verification, error) {
	if !txRefPattern.MatchString(txRef) {
		return invalid("交易引用格式非法"), nil
	}
	tx, err := o.chain.Transaction(ctx, txRef)
	if errors.Is(err, web3.ErrTransactionNotFound) {
		return invalid("链上未找到交易 %s", txRef), nil
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "查询交易失败", xerrors.WithMetadata("tx", txRef))
	}
	program := o.chain.ProgramID()
	switch {
	case !tx.Success:
		return invalid("交易执行失败"), nil
	case !sameAddress(tx.To, program):
		return invalid("交易未调用托管程序"), nil
	case tx.Kind != web3.InstructionInitialize || tx.Terms == nil:
		return invalid("交易不是托管初始化"), nil
	}
	terms := tx.Terms
	switch {
	case expect.Initializer != "" && !sameAddress(terms.Initializer, expect.Initializer):
		return invalid("托管发起方不匹配"), nil
	case !sameAddress(terms.Taker, expect.Taker):
		return invalid("托管接收方不是我方钱包"), nil
	case !sameAddress(terms.MintA, expect.MintA) || !sameAddress(terms.MintB, expect.MintB):
		return invalid("托管代币不匹配"), nil
	}

	accounts, err := o.deriveAccounts(terms.Initializer, terms.Taker, terms.MintA, terms.MintB, terms.Seed)
	if err != nil {
		return nil, err
	}

	escrowInfo, err := o.chain.AccountInfo(ctx, accounts.Escrow)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "查询托管账户失败")
	}
	if !escrowInfo.Exists || !sameAddress(escrowInfo.Owner, program) {
		return invalid("托管账户不属于托管程序"), nil
	}
	for _, vault := range []string{accounts.VaultA, accounts.VaultB} {
		info, err := o.chain.AccountInfo(ctx, vault)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "查询金库账户失败")
		}
		if !info.Exists || !sameAddress(info.Owner, accounts.Escrow) {
			return invalid("金库 %s 不属于托管账户", vault), nil
		}
		if o.vaultRuntimeHash == "" {
			return invalid("未配置金库运行时代码哈希，无法校验金库布局"), nil
		}
		if !strings.EqualFold(info.Layout, o.vaultRuntimeHash) {
			return invalid("金库 %s 布局不符", vault), nil
		}
	}

	depositUI, _, err := web3.BalanceUI(ctx, o.chain, accounts.MintA, accounts.VaultA)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "读取金库余额失败")
	}
	if math.Abs(depositUI-expect.DepositAmount) > o.tolerance {
		return invalid("对方存款 %v 与约定 %v 不符", depositUI, expect.DepositAmount), nil
	}

	decimalsB, err := o.chain.MintDecimals(ctx, accounts.MintB)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "读取代币精度失败")
	}
	if web3.ToUI(terms.ExpectedTakerAmount, decimalsB) > expect.MaxTakerAmount+o.tolerance {
		return invalid("托管要求我方付出的数量超过约定"), nil
	}

	return &Verification{Valid: true, Accounts: accounts, Terms: terms, DepositUI: depositUI}, nil
}

// VerifyAndCompleteEscrow 核验托管后计算我方仍欠的数量并转入金库 B。
// 核验不通过时返回 Completed=false 而不是错误。
func (o *Orchestrator) VerifyAndCompleteEscrow(ctx context.Context, txRef string, expect Expectation, signerRef string) (Completion, error) {
	verification, err := o.VerifyEscrowSetup(ctx, txRef, expect)
	if err != nil {
		return Completion{}, err
	}
	if !verification.Valid {
		return Completion{Reason: verification.Reason}, nil
	}
	accounts := verification.Accounts
	accounts.SignerRef = signerRef

	funded, err := o.chain.TokenBalance(ctx, accounts.MintB, accounts.VaultB)
	if err != nil {
		return Completion{}, xerrors.Wrap(xerrors.CodeChainFailure, err, "读取金库余额失败")
	}
	owed := new(big.Int).Sub(verification.Terms.ExpectedTakerAmount, funded)
	completion := Completion{Completed: true, Accounts: accounts, Owed: owed}
	if owed.Sign() <= 0 {
		completion.Owed = new(big.Int)
		return completion, nil
	}
	tx, err := o.TransferToVault(ctx, signerRef, accounts.MintB, accounts.VaultB, owed)
	if err != nil {
		return Completion{}, err
	}
	completion.TransferTx = tx
	o.log.Info("已补足托管金库",
		slog.String("escrow", accounts.Escrow),
		slog.String("tx", tx),
		slog.String("amount", owed.String()))
	return completion, nil
}
