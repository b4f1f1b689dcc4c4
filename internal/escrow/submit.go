package escrow

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"log/slog"
	"math/big"

	xerrors "OpenMCP-Swap/internal/errors"
	"OpenMCP-Swap/internal/web3"
	"OpenMCP-Swap/pkg/logger"
)

// submit 只在有效窗口过期时重试。重试沿用首次的 nonce，保证最多一笔上链；
// 每次重试都以新的区块高度为起点，并把小费提高四分之一以便替换旧交易。
func (o *Orchestrator) submit(ctx context.Context, signer *ecdsa.PrivateKey, ix web3.Instruction, escrow string) (web3.Receipt, error) {
	var (
		fee     *big.Int
		nonce   *uint64
		lastErr error
	)
	if o.priorityFee != nil {
		fee = new(big.Int).Set(o.priorityFee)
	}

	for attempt := 1; attempt <= o.attempts; attempt++ {
		receipt, err := o.chain.Submit(ctx, signer, ix, web3.SubmitOptions{
			PriorityFee:    fee,
			ValidityBlocks: o.validityBlocks,
			Nonce:          nonce,
		})
		o.metrics.ObserveSubmission(string(ix.Kind), err)
		if err == nil {
			logger.Audit().Info("链上提交成功",
				slog.String("instruction", string(ix.Kind)),
				slog.String("escrow", escrow),
				slog.String("tx", receipt.TxHash),
				slog.Int("attempt", attempt))
			return receipt, nil
		}
		lastErr = err
		if !errors.Is(err, web3.ErrBlockHeightExceeded) {
			logger.Audit().Error("链上提交失败",
				slog.String("instruction", string(ix.Kind)),
				slog.String("escrow", escrow),
				slog.String("error", err.Error()))
			return web3.Receipt{}, xerrors.Wrap(xerrors.CodeSubmissionFailed, err, "提交 "+describe(ix)+" 失败",
				xerrors.WithMetadata("escrow", escrow))
		}

		used := receipt.Nonce
		nonce = &used
		if fee != nil {
			fee = new(big.Int).Div(new(big.Int).Mul(fee, big.NewInt(5)), big.NewInt(4))
		}
		o.metrics.ObserveSubmitRetry()
		o.log.Warn("交易有效窗口已过期，准备重试",
			slog.String("instruction", string(ix.Kind)),
			slog.String("escrow", escrow),
			slog.String("tx", receipt.TxHash),
			slog.Int("attempt", attempt))
	}
	return web3.Receipt{}, xerrors.Wrap(xerrors.CodeSubmissionExpired, lastErr, "提交 "+describe(ix)+" 重试次数已用尽",
		xerrors.WithMetadata("escrow", escrow))
}
