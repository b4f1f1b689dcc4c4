package web3

import (
	"context"
	"math/big"

	"github.com/shopspring/decimal"
)

// ToRaw 将界面金额换算为链上整数金额，按 10^decimals 放大后向下取整。
func ToRaw(ui float64, decimals uint8) *big.Int {
	if ui <= 0 {
		return new(big.Int)
	}
	scaled := decimal.NewFromFloat(ui).Shift(int32(decimals)).Floor()
	return scaled.BigInt()
}

// ToUI 将链上整数金额换算为界面金额。
func ToUI(raw *big.Int, decimals uint8) float64 {
	if raw == nil {
		return 0
	}
	value, _ := decimal.NewFromBigInt(raw, -int32(decimals)).Float64()
	return value
}

// Floor 将界面金额向下取整为整数代币单位。
func Floor(ui float64) float64 {
	value, _ := decimal.NewFromFloat(ui).Floor().Float64()
	return value
}

// Round 按指定小数位四舍五入。
func Round(value float64, places int32) float64 {
	rounded, _ := decimal.NewFromFloat(value).Round(places).Float64()
	return rounded
}

// BalanceUI 读取 owner 持有的 mint 余额并换算为界面金额。
func BalanceUI(ctx context.Context, reader TokenReader, mint, owner string) (float64, *big.Int, error) {
	decimals, err := reader.MintDecimals(ctx, mint)
	if err != nil {
		return 0, nil, err
	}
	raw, err := reader.TokenBalance(ctx, mint, owner)
	if err != nil {
		return 0, nil, err
	}
	return ToUI(raw, decimals), raw, nil
}
